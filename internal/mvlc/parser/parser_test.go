// SPDX-License-Identifier: AGPL-3.0-or-later
// mvlcd - Mesytec MVLC data acquisition in a single binary
// Copyright (C) 2025-2026 The mvlcd contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/mesytec-daq/mvlcd>

package parser_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/codec"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/command"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/parser"
)

// recorder captures parser callbacks for inspection.
type recorder struct {
	events []recordedEvent
	system [][]uint32

	open *recordedEvent
}

type recordedEvent struct {
	eventIndex int
	prefixes   map[int][]uint32
	dynamics   map[int][]uint32
	suffixes   map[int][]uint32
}

func copySlice(words []uint32) []uint32 {
	return append([]uint32(nil), words...)
}

func (r *recorder) callbacks() parser.Callbacks {
	return parser.Callbacks{
		BeginEvent: func(ei int) {
			r.open = &recordedEvent{
				eventIndex: ei,
				prefixes:   make(map[int][]uint32),
				dynamics:   make(map[int][]uint32),
				suffixes:   make(map[int][]uint32),
			}
		},
		EndEvent: func(ei int) {
			r.events = append(r.events, *r.open)
			r.open = nil
		},
		ModulePrefix: func(_, mi int, data []uint32) {
			r.open.prefixes[mi] = copySlice(data)
		},
		ModuleDynamic: func(_, mi int, data []uint32) {
			r.open.dynamics[mi] = copySlice(data)
		},
		ModuleSuffix: func(_, mi int, data []uint32) {
			r.open.suffixes[mi] = copySlice(data)
		},
		SystemEvent: func(data []uint32) {
			r.system = append(r.system, copySlice(data))
		},
	}
}

// prefixOnlyStacks builds one readout stack whose single group produces
// prefixWords fixed single-read words.
func prefixOnlyStacks(prefixWords int) []command.StackBuilder {
	var sb command.StackBuilder
	sb.BeginGroup("module0")
	for i := 0; i < prefixWords; i++ {
		sb.AddVMERead(uint32(i), mvlcconst.A32, mvlcconst.D32)
	}
	return []command.StackBuilder{sb}
}

// dynamicOnlyStacks builds one readout stack whose single group is one
// block read.
func dynamicOnlyStacks() []command.StackBuilder {
	var sb command.StackBuilder
	sb.BeginGroup("module0")
	sb.AddVMEBlockRead(0x0, mvlcconst.MBLT64, 0xFFFF)
	return []command.StackBuilder{sb}
}

func stackHeader(stack, flags uint8, length uint16) uint32 {
	return codec.PackFrameHeader(mvlcconst.FrameTypeStack, flags, stack, 0, length)
}

func blockHeader(flags uint8, length uint16) uint32 {
	return codec.PackFrameHeader(mvlcconst.FrameTypeBlockRead, flags, 0, 0, length)
}

func TestGroupReadoutStructure(t *testing.T) {
	t.Parallel()

	var sb command.StackBuilder
	sb.AddVMERead(0x0, mvlcconst.A32, mvlcconst.D16)
	sb.AddWriteMarker(0x1)
	sb.AddVMEBlockRead(0x0, mvlcconst.MBLT64, 0xFFFF)
	sb.AddVMERead(0x4, mvlcconst.A32, mvlcconst.D16)

	gs, err := parser.GroupReadoutStructure(sb.Commands())
	require.NoError(t, err)
	assert.Equal(t, parser.GroupStructure{PrefixLen: 2, SuffixLen: 1, HasDynamic: true}, gs)
}

func TestGroupReadoutStructureRejectsTwoBlockReads(t *testing.T) {
	t.Parallel()

	var sb command.StackBuilder
	sb.AddVMEBlockRead(0x0, mvlcconst.MBLT64, 0xFFFF)
	sb.AddVMEBlockRead(0x1000, mvlcconst.MBLT64, 0xFFFF)

	_, err := parser.GroupReadoutStructure(sb.Commands())
	assert.ErrorIs(t, err, parser.ErrMultipleBlockReads)
}

func TestParsePrefixOnlyEvent(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p, err := parser.New(prefixOnlyStacks(2), rec.callbacks())
	require.NoError(t, err)

	input := []uint32{
		stackHeader(1, 0, 2),
		0xAAAA0001,
		0xAAAA0002,
	}

	pr := p.ParseBufferUSB(1, input)
	assert.Equal(t, parser.ResultOk, pr)

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, 0, ev.eventIndex)
	assert.Equal(t, []uint32{0xAAAA0001, 0xAAAA0002}, ev.prefixes[0])
	assert.Empty(t, ev.dynamics)
	assert.Empty(t, ev.suffixes)
}

func TestParseDynamicBlockWithContinuation(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p, err := parser.New(dynamicOnlyStacks(), rec.callbacks())
	require.NoError(t, err)

	// One stack frame containing two chained block frames: the first with
	// the continue flag set, the second final.
	input := []uint32{
		stackHeader(1, 0, 6),
		blockHeader(mvlcconst.FrameFlagContinue, 2), 0x11, 0x22,
		blockHeader(0, 2), 0x33, 0x44,
	}

	pr := p.ParseBufferUSB(1, input)
	assert.Equal(t, parser.ResultOk, pr)

	require.Len(t, rec.events, 1)
	assert.Equal(t, []uint32{0x11, 0x22, 0x33, 0x44}, rec.events[0].dynamics[0])
}

func TestParseBlockContinuationAcrossStackFrames(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p, err := parser.New(dynamicOnlyStacks(), rec.callbacks())
	require.NoError(t, err)

	// The block read ends with continue set at the exact last word of the
	// stack frame; a StackContinuation frame carries the rest.
	input := []uint32{
		stackHeader(1, mvlcconst.FrameFlagContinue, 3),
		blockHeader(mvlcconst.FrameFlagContinue, 2), 0x11, 0x22,
		codec.PackFrameHeader(mvlcconst.FrameTypeStackContinuation, 0, 1, 0, 3),
		blockHeader(0, 2), 0x33, 0x44,
	}

	pr := p.ParseBufferUSB(1, input)
	assert.Equal(t, parser.ResultOk, pr)

	require.Len(t, rec.events, 1)
	assert.Equal(t, []uint32{0x11, 0x22, 0x33, 0x44}, rec.events[0].dynamics[0])
}

func TestParseNotABlockFrame(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p, err := parser.New(dynamicOnlyStacks(), rec.callbacks())
	require.NoError(t, err)

	input := []uint32{
		stackHeader(1, 0, 2),
		0xDEADBEEF, // not a 0xF5 header
		0x0,
	}

	pr := p.ParseBufferUSB(1, input)
	assert.Equal(t, parser.ResultNotABlockFrame, pr)
	assert.Empty(t, rec.events)
}

func TestParseSystemEventUSB(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p, err := parser.New(prefixOnlyStacks(1), rec.callbacks())
	require.NoError(t, err)

	sysFrame := []uint32{
		codec.PackSystemEventHeader(mvlcconst.SysEventUnixTimestamp, 2, false),
		0x12345678, 0x0,
	}
	event := []uint32{stackHeader(1, 0, 1), 0xCAFE0001}

	input := append(append([]uint32{}, sysFrame...), event...)

	pr := p.ParseBufferUSB(1, input)
	assert.Equal(t, parser.ResultOk, pr)

	require.Len(t, rec.system, 1)
	if !cmp.Equal(sysFrame, rec.system[0]) {
		t.Errorf("system frame mismatch: %s", cmp.Diff(sysFrame, rec.system[0]))
	}
	require.Len(t, rec.events, 1)

	counters := p.Counters()
	assert.Equal(t, uint32(1), counters.SystemEventTypes[mvlcconst.SysEventUnixTimestamp])
}

func ethPacket(packetNumber uint16, nextHeaderPointer uint16, payload []uint32) []uint32 {
	header0 := uint32(mvlcconst.PacketChannelData)<<mvlcconst.ETHPacketChannelShift |
		uint32(packetNumber)<<mvlcconst.ETHPacketNumberShift |
		uint32(len(payload))
	header1 := uint32(nextHeaderPointer)

	return append([]uint32{header0, header1}, payload...)
}

func TestParseETHSimpleEvent(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p, err := parser.New(prefixOnlyStacks(2), rec.callbacks())
	require.NoError(t, err)

	packet := ethPacket(0x001, 0, []uint32{
		stackHeader(1, 0, 2), 0xAAAA0001, 0xAAAA0002,
	})

	pr := p.ParseBufferETH(1, packet)
	assert.Equal(t, parser.ResultOk, pr)

	require.Len(t, rec.events, 1)
	assert.Equal(t, []uint32{0xAAAA0001, 0xAAAA0002}, rec.events[0].prefixes[0])
}

func TestParseETHPacketLoss(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p, err := parser.New(prefixOnlyStacks(2), rec.callbacks())
	require.NoError(t, err)

	first := ethPacket(0x003, 0, []uint32{stackHeader(1, 0, 2), 0x1, 0x2})
	// Packet numbers jump from 0x003 to 0x006: two packets lost.
	second := ethPacket(0x006, 0, []uint32{stackHeader(1, 0, 2), 0x3, 0x4})

	input := append(append([]uint32{}, first...), second...)

	pr := p.ParseBufferETH(1, input)
	assert.Equal(t, parser.ResultOk, pr)

	counters := p.Counters()
	assert.Equal(t, uint32(2), counters.ETHPacketLoss)
	assert.Len(t, rec.events, 2)
}

func TestParseETHNoHeaderPointerWhileIdle(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p, err := parser.New(prefixOnlyStacks(2), rec.callbacks())
	require.NoError(t, err)

	payload := []uint32{0x11, 0x22, 0x33}
	packet := ethPacket(0x001, mvlcconst.ETHNoHeaderPointerPresent, payload)

	pr := p.ParseBufferETH(1, packet)
	assert.Equal(t, parser.ResultOk, pr)

	assert.Empty(t, rec.events)
	assert.Empty(t, rec.system)

	counters := p.Counters()
	assert.Equal(t, uint64(len(payload)*4), counters.UnusedBytes)
}

func TestParseETHEventSpanningPackets(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p, err := parser.New(dynamicOnlyStacks(), rec.callbacks())
	require.NoError(t, err)

	// The block data continues in a second packet that carries no frame
	// header of its own.
	first := ethPacket(0x001, 0, []uint32{
		stackHeader(1, 0, 4),
		blockHeader(0, 3), 0x11,
	})
	second := ethPacket(0x002, mvlcconst.ETHNoHeaderPointerPresent, []uint32{0x22, 0x33})

	input := append(append([]uint32{}, first...), second...)

	pr := p.ParseBufferETH(1, input)
	assert.Equal(t, parser.ResultOk, pr)

	require.Len(t, rec.events, 1)
	assert.Equal(t, []uint32{0x11, 0x22, 0x33}, rec.events[0].dynamics[0])
}

func TestParseBufferLossResetsEventState(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p, err := parser.New(prefixOnlyStacks(2), rec.callbacks())
	require.NoError(t, err)

	// Buffer 1 ends mid-event.
	pr := p.ParseBufferUSB(1, []uint32{stackHeader(1, 0, 2), 0xAAAA0001})
	assert.Equal(t, parser.ResultOk, pr)
	assert.Empty(t, rec.events)

	// Buffer 3: buffer 2 was lost, the partial event is discarded and the
	// new event parses cleanly.
	pr = p.ParseBufferUSB(3, []uint32{stackHeader(1, 0, 2), 0xBBBB0001, 0xBBBB0002})
	assert.Equal(t, parser.ResultOk, pr)

	require.Len(t, rec.events, 1)
	assert.Equal(t, []uint32{0xBBBB0001, 0xBBBB0002}, rec.events[0].prefixes[0])

	counters := p.Counters()
	assert.Equal(t, uint32(1), counters.InternalBufferLoss)
}

func TestParseStackIndexOutOfRange(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p, err := parser.New(prefixOnlyStacks(1), rec.callbacks())
	require.NoError(t, err)

	// Stack 5 has no readout structure.
	pr := p.ParseBufferUSB(1, []uint32{stackHeader(5, 0, 1), 0x1})
	assert.Equal(t, parser.ResultStackIndexOutOfRange, pr)
	assert.Empty(t, rec.events)
}

func TestParseEventSplitAcrossUSBBuffers(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p, err := parser.New(prefixOnlyStacks(2), rec.callbacks())
	require.NoError(t, err)

	pr := p.ParseBufferUSB(1, []uint32{stackHeader(1, 0, 2), 0xAAAA0001})
	assert.Equal(t, parser.ResultOk, pr)
	assert.Empty(t, rec.events)

	// Consecutive buffer: the event resumes and completes.
	pr = p.ParseBufferUSB(2, []uint32{0xAAAA0002})
	assert.Equal(t, parser.ResultOk, pr)

	require.Len(t, rec.events, 1)
	assert.Equal(t, []uint32{0xAAAA0001, 0xAAAA0002}, rec.events[0].prefixes[0])
}
