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

package pipeline_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
	"github.com/mesytec-daq/mvlcd/internal/pipeline"
)

func TestReadoutDataHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	msg := pipeline.NewMessage()
	want := pipeline.ReadoutDataHeader{
		BaseHeader: pipeline.BaseHeader{Type: pipeline.MessageReadoutData, Number: 42},
		BufferType: mvlcconst.ConnectionETH,
		CrateID:    3,
	}
	msg.AppendReadoutDataHeader(want)

	require.Equal(t, pipeline.ReadoutDataHeaderSize, msg.Len())

	got, err := msg.DecodeReadoutDataHeader()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeHeaderErrors(t *testing.T) {
	t.Parallel()

	short := &pipeline.Message{Data: []byte{1, 2}}
	_, err := short.DecodeBaseHeader()
	assert.ErrorIs(t, err, pipeline.ErrMessageTooShort)

	shutdown := pipeline.NewShutdownMessage(7)
	_, err = shutdown.DecodeReadoutDataHeader()
	assert.ErrorIs(t, err, pipeline.ErrWrongMessageType)

	base, err := shutdown.DecodeBaseHeader()
	require.NoError(t, err)
	assert.Equal(t, pipeline.MessageGracefulShutdown, base.Type)
	assert.Equal(t, uint32(7), base.Number)
}

func TestParsedEventsSectionRoundTrip(t *testing.T) {
	t.Parallel()

	msg := pipeline.NewMessage()
	msg.AppendBaseHeader(pipeline.BaseHeader{Type: pipeline.MessageParsedEvents, Number: 1})

	modules := []pipeline.ModuleData{
		{
			Prefix:     []uint32{0x1, 0x2},
			Dynamic:    []uint32{0x3, 0x4, 0x5},
			HasDynamic: true,
		},
		{
			Suffix: []uint32{0x6},
		},
	}
	msg.AppendEventSection(2, 0, modules)

	sysFrame := []uint32{0xFA002001, 0x12345678}
	msg.AppendSystemEventSection(2, sysFrame)

	it, err := pipeline.NewSectionIterator(msg)
	require.NoError(t, err)

	section, err := it.Next()
	require.NoError(t, err)
	require.NotNil(t, section)
	assert.Equal(t, pipeline.ParsedDataEventMagic, section.Magic)
	assert.Equal(t, uint8(2), section.CrateID)
	assert.Equal(t, uint8(0), section.EventIndex)
	require.Len(t, section.Modules, 2)

	if !cmp.Equal(modules[0].Dynamic, section.Modules[0].Dynamic) {
		t.Errorf("dynamic mismatch: %s", cmp.Diff(modules[0].Dynamic, section.Modules[0].Dynamic))
	}
	assert.Equal(t, modules[0].Prefix, section.Modules[0].Prefix)
	assert.Equal(t, modules[1].Suffix, section.Modules[1].Suffix)
	assert.True(t, section.Modules[0].HasDynamic)
	assert.False(t, section.Modules[1].HasDynamic)

	section, err = it.Next()
	require.NoError(t, err)
	require.NotNil(t, section)
	assert.Equal(t, pipeline.ParsedSystemEventMagic, section.Magic)
	assert.Equal(t, sysFrame, section.SystemFrame)

	section, err = it.Next()
	require.NoError(t, err)
	assert.Nil(t, section)
}

func TestLinkDeliversInOrder(t *testing.T) {
	t.Parallel()

	link := pipeline.NewLink()

	const count = 10
	go func() {
		for i := uint32(1); i <= count; i++ {
			msg := pipeline.NewMessage()
			msg.AppendBaseHeader(pipeline.BaseHeader{Type: pipeline.MessageParsedEvents, Number: i})
			_ = link.WriteMessage(msg)
		}
		link.Close()
	}()

	var numbers []uint32
	for {
		msg, err := link.ReadMessage(time.Second)
		if err != nil {
			assert.ErrorIs(t, err, pipeline.ErrChannelClosed)
			break
		}
		require.NotNil(t, msg)
		header, err := msg.DecodeBaseHeader()
		require.NoError(t, err)
		numbers = append(numbers, header.Number)
	}

	want := make([]uint32, count)
	for i := range want {
		want[i] = uint32(i + 1)
	}
	assert.Equal(t, want, numbers)
}

func TestLinkReadTimeout(t *testing.T) {
	t.Parallel()

	link := pipeline.NewLink()
	msg, err := link.ReadMessage(10 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestBroadcastWriterDropsWhenFull(t *testing.T) {
	t.Parallel()

	full := pipeline.NewLink()
	open := pipeline.NewLink()
	bw := pipeline.NewBroadcastWriter(full, open)

	// Saturate the first output, then keep writing: the second output
	// keeps receiving while the first drops.
	const extra = 5
	var sent int
	for {
		msg := pipeline.NewMessage()
		msg.AppendBaseHeader(pipeline.BaseHeader{Type: pipeline.MessageParsedEvents, Number: uint32(sent + 1)})
		_ = bw.WriteMessage(msg)
		sent++

		if bw.Dropped() > 0 {
			break
		}
		require.Less(t, sent, 1000, "broadcast writer never dropped")

		// Drain the open output so it never fills up.
		for {
			m, _ := open.ReadMessage(time.Millisecond)
			if m == nil {
				break
			}
		}
	}

	for i := 0; i < extra; i++ {
		msg := pipeline.NewMessage()
		msg.AppendBaseHeader(pipeline.BaseHeader{Type: pipeline.MessageParsedEvents, Number: 0})
		_ = bw.WriteMessage(msg)
	}

	assert.GreaterOrEqual(t, bw.Dropped(), uint64(extra))
}

func TestTeeWriterPrimaryKeepsAll(t *testing.T) {
	t.Parallel()

	primary := pipeline.NewLink()
	snoop := pipeline.NewLink()
	tee := pipeline.NewTeeWriter(primary, snoop)

	// The snoop is never drained and eventually drops; the primary is
	// drained after every write and receives every message.
	const count = 64
	received := 0
	for i := uint32(1); i <= count; i++ {
		msg := pipeline.NewMessage()
		msg.AppendBaseHeader(pipeline.BaseHeader{Type: pipeline.MessageParsedEvents, Number: i})
		require.NoError(t, tee.WriteMessage(msg))

		got, err := primary.ReadMessage(time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		header, err := got.DecodeBaseHeader()
		require.NoError(t, err)
		assert.Equal(t, i, header.Number)
		received++
	}

	assert.Equal(t, count, received)
	assert.Greater(t, tee.Dropped(), uint64(0))
}

func TestProtectedCountersSnapshot(t *testing.T) {
	t.Parallel()

	var pc pipeline.ProtectedCounters
	pc.Update(func(c *pipeline.Counters) {
		c.MessagesReceived = 10
		c.BytesReceived = 1024
	})

	snap := pc.Snapshot()
	assert.Equal(t, uint64(10), snap.MessagesReceived)
	assert.Equal(t, uint64(1024), snap.BytesReceived)
}
