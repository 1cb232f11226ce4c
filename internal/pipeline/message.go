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

// Package pipeline provides the staged message passing runtime of the data
// path: owned binary messages, bounded and lossy links between stages, job
// contexts and per-stage performance counters.
package pipeline

import (
	"encoding/binary"
	"errors"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

var (
	ErrChannelClosed    = errors.New("link channel closed")
	ErrMessageTooShort  = errors.New("message too short")
	ErrWrongMessageType = errors.New("wrong message type")
)

// MessageType discriminates the in-process and on-disk message framing.
type MessageType uint8

const (
	// MessageGracefulShutdown is appended to each output at stop time;
	// stages flush and exit upon reading it.
	MessageGracefulShutdown MessageType = iota
	// MessageReadoutData carries raw controller data, possibly mixed with
	// system event frames.
	MessageReadoutData
	// MessageParsedEvents carries parsed readout and system event
	// sections, possibly from different crates.
	MessageParsedEvents
)

// Header sizes in bytes. All headers are 4-byte aligned and little-endian.
const (
	BaseHeaderSize         = 8  // type u8, reserved[3], message_number u32
	ReadoutDataHeaderSize  = 16 // base + buffer_type u32, crate_id u8, reserved[3]
	ParsedEventsHeaderSize = BaseHeaderSize
)

// Section magic bytes inside ParsedEvents message bodies.
const (
	ParsedDataEventMagic   uint8 = 0xF3
	ParsedSystemEventMagic uint8 = 0xFA
)

// Sizes of the section headers inside ParsedEvents bodies.
const (
	ParsedDataEventHeaderSize   = 4  // magic u8, crate_id u8, event_index u8, module_count u8
	ParsedModuleHeaderSize      = 12 // prefix u16, suffix u16, dynamic u32, has_dynamic u8, reserved[3]
	ParsedSystemEventHeaderSize = 8  // magic u8, crate_id u8, reserved[2], event_size u32
)

// BaseHeader starts every message.
type BaseHeader struct {
	Type MessageType
	// Number increments from 1 per producer and wraps; receivers compute
	// loss modulo 2^32.
	Number uint32
}

// ReadoutDataHeader extends BaseHeader for raw readout data messages.
type ReadoutDataHeader struct {
	BaseHeader
	BufferType mvlcconst.ConnectionType
	CrateID    uint8
}

// Message is an owned binary buffer travelling between stages. Buffers are
// allocated with reserved trailing capacity so stages can append cheaply.
type Message struct {
	Data []byte
}

// DefaultMessageReserve is the capacity messages are allocated with. Large
// enough for a maximum USB transfer plus headers.
const DefaultMessageReserve = mvlcconst.USBSingleTransferMaxBytes + 64

// NewMessage allocates an empty message with the default reserved space.
func NewMessage() *Message {
	return &Message{Data: make([]byte, 0, DefaultMessageReserve)}
}

// Free returns the remaining reserved space in bytes.
func (m *Message) Free() int {
	return cap(m.Data) - len(m.Data)
}

// Len returns the current message length in bytes.
func (m *Message) Len() int {
	return len(m.Data)
}

// Append adds raw bytes to the message.
func (m *Message) Append(data []byte) {
	m.Data = append(m.Data, data...)
}

// AppendWord adds one little-endian 32-bit word.
func (m *Message) AppendWord(word uint32) {
	m.Data = binary.LittleEndian.AppendUint32(m.Data, word)
}

// AppendWords adds multiple little-endian 32-bit words.
func (m *Message) AppendWords(words []uint32) {
	for _, w := range words {
		m.Data = binary.LittleEndian.AppendUint32(m.Data, w)
	}
}

// PeekType returns the message type without consuming anything.
func (m *Message) PeekType() (MessageType, error) {
	if len(m.Data) < BaseHeaderSize {
		return 0, ErrMessageTooShort
	}
	return MessageType(m.Data[0]), nil
}

// AppendBaseHeader writes a base header.
func (m *Message) AppendBaseHeader(h BaseHeader) {
	m.Data = append(m.Data, byte(h.Type), 0, 0, 0)
	m.Data = binary.LittleEndian.AppendUint32(m.Data, h.Number)
}

// DecodeBaseHeader reads the base header at the start of the message.
func (m *Message) DecodeBaseHeader() (BaseHeader, error) {
	if len(m.Data) < BaseHeaderSize {
		return BaseHeader{}, ErrMessageTooShort
	}
	return BaseHeader{
		Type:   MessageType(m.Data[0]),
		Number: binary.LittleEndian.Uint32(m.Data[4:]),
	}, nil
}

// AppendReadoutDataHeader writes a readout data message header.
func (m *Message) AppendReadoutDataHeader(h ReadoutDataHeader) {
	m.AppendBaseHeader(h.BaseHeader)
	m.Data = binary.LittleEndian.AppendUint32(m.Data, uint32(h.BufferType))
	m.Data = append(m.Data, h.CrateID, 0, 0, 0)
}

// DecodeReadoutDataHeader reads a readout data message header.
func (m *Message) DecodeReadoutDataHeader() (ReadoutDataHeader, error) {
	base, err := m.DecodeBaseHeader()
	if err != nil {
		return ReadoutDataHeader{}, err
	}
	if base.Type != MessageReadoutData {
		return ReadoutDataHeader{}, ErrWrongMessageType
	}
	if len(m.Data) < ReadoutDataHeaderSize {
		return ReadoutDataHeader{}, ErrMessageTooShort
	}
	return ReadoutDataHeader{
		BaseHeader: base,
		BufferType: mvlcconst.ConnectionType(binary.LittleEndian.Uint32(m.Data[8:])),
		CrateID:    m.Data[12],
	}, nil
}

// Body returns the message payload after the given header size.
func (m *Message) Body(headerSize int) ([]byte, error) {
	if len(m.Data) < headerSize {
		return nil, ErrMessageTooShort
	}
	return m.Data[headerSize:], nil
}

// NewShutdownMessage builds a graceful shutdown message.
func NewShutdownMessage(messageNumber uint32) *Message {
	m := &Message{Data: make([]byte, 0, BaseHeaderSize)}
	m.AppendBaseHeader(BaseHeader{Type: MessageGracefulShutdown, Number: messageNumber})
	return m
}
