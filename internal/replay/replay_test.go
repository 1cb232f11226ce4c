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

package replay_test

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/codec"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
	"github.com/mesytec-daq/mvlcd/internal/pipeline"
	"github.com/mesytec-daq/mvlcd/internal/replay"
)

// collector is a pipeline.Writer capturing all messages.
type collector struct {
	messages []*pipeline.Message
	closed   bool
}

func (c *collector) WriteMessage(msg *pipeline.Message) error {
	c.messages = append(c.messages, msg)
	return nil
}

func (c *collector) Close() { c.closed = true }

func appendWords(buf []byte, words ...uint32) []byte {
	for _, w := range words {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	return buf
}

// usbFrame returns a stack frame for the given crate id.
func usbFrame(crateID uint8, payload ...uint32) []uint32 {
	header := codec.PackFrameHeader(mvlcconst.FrameTypeStack, 0, 1, crateID, uint16(len(payload)))
	return append([]uint32{header}, payload...)
}

func TestReplayDemultiplexesCrates(t *testing.T) {
	t.Parallel()

	// Interleaved frames of two crates: contiguous runs per crate must
	// coalesce into single messages.
	var stream []byte
	stream = appendWords(stream, usbFrame(0, 0xA1, 0xA2)...)
	stream = appendWords(stream, usbFrame(0, 0xA3)...)
	stream = appendWords(stream, usbFrame(1, 0xB1)...)
	stream = appendWords(stream, usbFrame(0, 0xA4)...)

	crate0 := &collector{}
	crate1 := &collector{}
	outputs := map[uint8]pipeline.Writer{0: crate0, 1: crate1}

	r := replay.New(bytes.NewReader(stream), outputs)
	ctx := pipeline.NewJobContext("replay", slog.Default())

	result := r.Loop(ctx)
	require.NoError(t, result.Err)

	// crate 0: one data message (all three runs coalesce since the crate 1
	// frame does not flush crate 0's pending message) plus the shutdown.
	require.NotEmpty(t, crate0.messages)

	var crate0Data []byte
	var shutdowns int
	for _, msg := range crate0.messages {
		msgType, err := msg.PeekType()
		require.NoError(t, err)
		if msgType == pipeline.MessageGracefulShutdown {
			shutdowns++
			continue
		}

		header, err := msg.DecodeReadoutDataHeader()
		require.NoError(t, err)
		assert.Equal(t, uint8(0), header.CrateID)
		assert.Equal(t, mvlcconst.ConnectionUSB, header.BufferType)

		body, err := msg.Body(pipeline.ReadoutDataHeaderSize)
		require.NoError(t, err)
		crate0Data = append(crate0Data, body...)
	}
	assert.Equal(t, 1, shutdowns)

	var wantCrate0 []byte
	wantCrate0 = appendWords(wantCrate0, usbFrame(0, 0xA1, 0xA2)...)
	wantCrate0 = appendWords(wantCrate0, usbFrame(0, 0xA3)...)
	wantCrate0 = appendWords(wantCrate0, usbFrame(0, 0xA4)...)
	assert.Equal(t, wantCrate0, crate0Data)

	var crate1Data []byte
	for _, msg := range crate1.messages {
		if msgType, _ := msg.PeekType(); msgType != pipeline.MessageReadoutData {
			continue
		}
		body, err := msg.Body(pipeline.ReadoutDataHeaderSize)
		require.NoError(t, err)
		crate1Data = append(crate1Data, body...)
	}

	var wantCrate1 []byte
	wantCrate1 = appendWords(wantCrate1, usbFrame(1, 0xB1)...)
	assert.Equal(t, wantCrate1, crate1Data)

	assert.True(t, crate0.closed)
	assert.True(t, crate1.closed)
}

func TestReplaySkipsCratesWithoutOutput(t *testing.T) {
	t.Parallel()

	var stream []byte
	stream = appendWords(stream, usbFrame(5, 0xDEAD)...)
	stream = appendWords(stream, usbFrame(0, 0xBEEF)...)

	crate0 := &collector{}
	r := replay.New(bytes.NewReader(stream), map[uint8]pipeline.Writer{0: crate0})
	ctx := pipeline.NewJobContext("replay", slog.Default())

	result := r.Loop(ctx)
	require.NoError(t, result.Err)

	var data []byte
	for _, msg := range crate0.messages {
		if msgType, _ := msg.PeekType(); msgType != pipeline.MessageReadoutData {
			continue
		}
		body, err := msg.Body(pipeline.ReadoutDataHeaderSize)
		require.NoError(t, err)
		data = append(data, body...)
	}

	var want []byte
	want = appendWords(want, usbFrame(0, 0xBEEF)...)
	assert.Equal(t, want, data)
}

func TestReplayMessageNumbersIncrement(t *testing.T) {
	t.Parallel()

	var stream []byte
	stream = appendWords(stream, usbFrame(0, 0xA1)...)

	crate0 := &collector{}
	r := replay.New(bytes.NewReader(stream), map[uint8]pipeline.Writer{0: crate0})
	ctx := pipeline.NewJobContext("replay", slog.Default())

	result := r.Loop(ctx)
	require.NoError(t, result.Err)

	require.Len(t, crate0.messages, 2) // data + shutdown

	first, err := crate0.messages[0].DecodeReadoutDataHeader()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.Number)

	shutdown, err := crate0.messages[1].DecodeBaseHeader()
	require.NoError(t, err)
	assert.Equal(t, pipeline.MessageGracefulShutdown, shutdown.Type)
	assert.Equal(t, uint32(2), shutdown.Number)
}
