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

package dialog_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/codec"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/dialog"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/transport"
)

// mockMVLC simulates the command pipe behavior of an MVLC: command
// buffers written to it produce mirror responses, trigger register writes
// flush previously queued stack response frames.
type mockMVLC struct {
	locks transport.PipeLocks

	// Bytes waiting to be read from the command pipe.
	pending []byte

	// Values returned for ReadLocal commands.
	registers map[uint16]uint32

	// Frames delivered after the stack trigger register is written.
	stackResponses [][]uint32

	// Frames injected before the next mirror response.
	notifications [][]uint32

	// Drops this many mirror responses to provoke read timeouts.
	dropResponses int

	writes [][]uint32
}

var _ transport.Transport = (*mockMVLC)(nil)

func newMockMVLC() *mockMVLC {
	return &mockMVLC{registers: make(map[uint16]uint32)}
}

func (m *mockMVLC) Connect() error                                 { return nil }
func (m *mockMVLC) Disconnect() error                              { return nil }
func (m *mockMVLC) IsConnected() bool                              { return true }
func (m *mockMVLC) ConnectionType() mvlcconst.ConnectionType       { return mvlcconst.ConnectionUSB }
func (m *mockMVLC) Locks() *transport.PipeLocks                    { return &m.locks }
func (m *mockMVLC) SetReadTimeout(mvlcconst.Pipe, time.Duration)   {}
func (m *mockMVLC) SetWriteTimeout(mvlcconst.Pipe, time.Duration)  {}

func (m *mockMVLC) enqueueWords(words []uint32) {
	for _, w := range words {
		m.pending = binary.LittleEndian.AppendUint32(m.pending, w)
	}
}

func (m *mockMVLC) Write(pipe mvlcconst.Pipe, data []byte) (int, error) {
	if pipe != mvlcconst.CommandPipe {
		return 0, transport.ErrWrongPipe
	}

	request := make([]uint32, len(data)/4)
	for i := range request {
		request[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	m.writes = append(m.writes, request)

	for _, notification := range m.notifications {
		m.enqueueWords(notification)
	}
	m.notifications = nil

	if m.dropResponses > 0 {
		m.dropResponses--
		return len(data), nil
	}

	m.respond(request)
	return len(data), nil
}

// respond builds the mirror response for a command buffer and queues
// stack responses when the trigger register is written.
func (m *mockMVLC) respond(request []uint32) {
	var mirror []uint32
	triggered := false

	for i := 1; i < len(request)-1; i++ {
		word := request[i]
		opcode := uint16(word >> mvlcconst.SuperCmdShift)
		address := uint16(word & mvlcconst.SuperCmdArgMask)

		mirror = append(mirror, word)

		switch mvlcconst.SuperCommandType(opcode) {
		case mvlcconst.SuperReadLocal:
			mirror = append(mirror, m.registers[address])

		case mvlcconst.SuperWriteLocal:
			i++
			value := request[i]
			mirror = append(mirror, value)

			if address == mvlcconst.Stack0TriggerRegister &&
				value&(1<<mvlcconst.ImmediateShift) != 0 {
				triggered = true
			}
		}
	}

	header := codec.PackFrameHeader(mvlcconst.FrameTypeSuper, 0, 0, 0, uint16(len(mirror)))
	m.enqueueWords(append([]uint32{header}, mirror...))

	if triggered && len(m.stackResponses) > 0 {
		m.enqueueWords(m.stackResponses[0])
		m.stackResponses = m.stackResponses[1:]
	}
}

func (m *mockMVLC) Read(pipe mvlcconst.Pipe, data []byte) (int, error) {
	if pipe != mvlcconst.CommandPipe {
		return 0, transport.ErrWrongPipe
	}
	if len(m.pending) < len(data) {
		n := copy(data, m.pending)
		m.pending = m.pending[n:]
		return n, transport.ErrTimeout
	}
	n := copy(data, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

func TestReadRegister(t *testing.T) {
	t.Parallel()

	mock := newMockMVLC()
	mock.registers[mvlcconst.RegFirmwareRevision] = 0x0023

	d := dialog.New(mock)

	value, err := d.ReadRegister(mvlcconst.RegFirmwareRevision)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0023), value)
}

func TestWriteRegister(t *testing.T) {
	t.Parallel()

	mock := newMockMVLC()
	d := dialog.New(mock)

	require.NoError(t, d.WriteRegister(mvlcconst.RegUSBSendGap, 20000))

	// The written buffer ends with the buffer end marker and contains the
	// WriteLocal command.
	require.NotEmpty(t, mock.writes)
	request := mock.writes[len(mock.writes)-1]
	assert.Equal(t, uint32(mvlcconst.SuperCmdBufferEnd)<<16, request[len(request)-1])
}

func TestMirrorTransactionRetriesOnTimeout(t *testing.T) {
	t.Parallel()

	mock := newMockMVLC()
	mock.registers[0x1100] = 42
	mock.dropResponses = 1

	d := dialog.New(mock)

	value, err := d.ReadRegister(0x1100)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), value)
	assert.GreaterOrEqual(t, len(mock.writes), 2)
}

func TestMirrorTransactionMaxRetries(t *testing.T) {
	t.Parallel()

	mock := newMockMVLC()
	mock.dropResponses = dialog.MirrorMaxRetries

	d := dialog.New(mock)

	_, err := d.ReadRegister(0x1100)
	assert.ErrorIs(t, err, dialog.ErrMirrorMaxRetries)
}

func TestVMEReadStackTransaction(t *testing.T) {
	t.Parallel()

	mock := newMockMVLC()
	mock.stackResponses = [][]uint32{
		{codec.PackFrameHeader(mvlcconst.FrameTypeStack, 0, 0, 0, 1), 0x0000BEEF},
	}

	d := dialog.New(mock)

	value, err := d.VMERead(0x1337, mvlcconst.A32, mvlcconst.D16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xBEEF), value)
}

func TestVMEReadNoVMEResponse(t *testing.T) {
	t.Parallel()

	mock := newMockMVLC()
	mock.stackResponses = [][]uint32{
		{codec.PackFrameHeader(mvlcconst.FrameTypeStack, mvlcconst.FrameFlagTimeout, 0, 0, 1), 0x0},
	}

	d := dialog.New(mock)

	_, err := d.VMERead(0x1337, mvlcconst.A32, mvlcconst.D16)
	assert.ErrorIs(t, err, dialog.ErrNoVMEResponse)
}

func TestStackTransactionConcatenatesContinuations(t *testing.T) {
	t.Parallel()

	mock := newMockMVLC()
	blockHdr := codec.PackFrameHeader(mvlcconst.FrameTypeBlockRead, 0, 0, 0, 3)
	mock.stackResponses = [][]uint32{
		// First frame has the continue flag; the continuation carries the
		// rest of the block data.
		{
			codec.PackFrameHeader(mvlcconst.FrameTypeStack, mvlcconst.FrameFlagContinue, 0, 0, 3),
			blockHdr, 0x11, 0x22,
			codec.PackFrameHeader(mvlcconst.FrameTypeStackContinuation, 0, 0, 0, 1),
			0x33,
		},
	}

	d := dialog.New(mock)

	response, err := d.VMEBlockRead(0x0, mvlcconst.MBLT64, 0xFFFF)
	require.NoError(t, err)
	require.Len(t, response, 6)
	assert.Equal(t, uint32(0x33), response[5])
}

func TestStackErrorNotificationsAreDiverted(t *testing.T) {
	t.Parallel()

	mock := newMockMVLC()
	mock.notifications = [][]uint32{
		{
			codec.PackFrameHeader(mvlcconst.FrameTypeStackError,
				mvlcconst.FrameFlagSyntaxError, 0, 0, 1),
			uint32(2)<<16 | 17,
		},
	}
	mock.registers[0x1100] = 7

	d := dialog.New(mock)

	value, err := d.ReadRegister(0x1100)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), value)

	notifications := d.TakeStackErrorNotifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, uint16(2), notifications[0].StackNumber)
	assert.Equal(t, uint16(17), notifications[0].StackLine)
	assert.Empty(t, d.StackErrorNotifications())
}
