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

package pipeline

import (
	"encoding/binary"
)

// ModuleData is one module's decoded readout data within an event section.
type ModuleData struct {
	Prefix     []uint32
	Dynamic    []uint32
	Suffix     []uint32
	HasDynamic bool
}

// EventSection is one decoded section of a ParsedEvents message body.
type EventSection struct {
	Magic      uint8
	CrateID    uint8
	EventIndex uint8
	Modules    []ModuleData

	// SystemFrame holds the raw system event words, including the original
	// frame header, for ParsedSystemEventMagic sections.
	SystemFrame []uint32
}

// AppendEventSection encodes a parsed readout event section: the section
// header, one descriptor per module and the concatenated module payload
// words.
func (m *Message) AppendEventSection(crateID, eventIndex uint8, modules []ModuleData) {
	m.Data = append(m.Data, ParsedDataEventMagic, crateID, eventIndex, uint8(len(modules)))

	for _, mod := range modules {
		var hasDynamic uint8
		if mod.HasDynamic {
			hasDynamic = 1
		}
		m.Data = binary.LittleEndian.AppendUint16(m.Data, uint16(len(mod.Prefix)))
		m.Data = binary.LittleEndian.AppendUint16(m.Data, uint16(len(mod.Suffix)))
		m.Data = binary.LittleEndian.AppendUint32(m.Data, uint32(len(mod.Dynamic)))
		m.Data = append(m.Data, hasDynamic, 0, 0, 0)
	}

	for _, mod := range modules {
		m.AppendWords(mod.Prefix)
		m.AppendWords(mod.Dynamic)
		m.AppendWords(mod.Suffix)
	}
}

// AppendSystemEventSection encodes a parsed system event section carrying
// the raw system event words including their frame header.
func (m *Message) AppendSystemEventSection(crateID uint8, frame []uint32) {
	m.Data = append(m.Data, ParsedSystemEventMagic, crateID, 0, 0)
	m.Data = binary.LittleEndian.AppendUint32(m.Data, uint32(len(frame)))
	m.AppendWords(frame)
}

// EventSectionSize returns the encoded size of a readout event section.
func EventSectionSize(modules []ModuleData) int {
	size := ParsedDataEventHeaderSize + len(modules)*ParsedModuleHeaderSize
	for _, mod := range modules {
		size += (len(mod.Prefix) + len(mod.Dynamic) + len(mod.Suffix)) * 4
	}
	return size
}

// SectionIterator walks the sections of a ParsedEvents message body.
type SectionIterator struct {
	body []byte
}

// NewSectionIterator creates an iterator over the message body following
// the ParsedEvents header.
func NewSectionIterator(m *Message) (*SectionIterator, error) {
	base, err := m.DecodeBaseHeader()
	if err != nil {
		return nil, err
	}
	if base.Type != MessageParsedEvents {
		return nil, ErrWrongMessageType
	}
	return &SectionIterator{body: m.Data[ParsedEventsHeaderSize:]}, nil
}

func words(b []byte, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

// Next decodes the next section. It returns nil when the body is
// exhausted and ErrMessageTooShort on a truncated section.
func (it *SectionIterator) Next() (*EventSection, error) {
	if len(it.body) == 0 {
		return nil, nil
	}

	switch it.body[0] {
	case ParsedDataEventMagic:
		if len(it.body) < ParsedDataEventHeaderSize {
			return nil, ErrMessageTooShort
		}

		section := &EventSection{
			Magic:      it.body[0],
			CrateID:    it.body[1],
			EventIndex: it.body[2],
		}
		moduleCount := int(it.body[3])
		it.body = it.body[ParsedDataEventHeaderSize:]

		if len(it.body) < moduleCount*ParsedModuleHeaderSize {
			return nil, ErrMessageTooShort
		}

		type moduleHeader struct {
			prefix, suffix int
			dynamic        int
			hasDynamic     bool
		}

		headers := make([]moduleHeader, moduleCount)
		for i := range headers {
			h := it.body[i*ParsedModuleHeaderSize:]
			headers[i] = moduleHeader{
				prefix:     int(binary.LittleEndian.Uint16(h)),
				suffix:     int(binary.LittleEndian.Uint16(h[2:])),
				dynamic:    int(binary.LittleEndian.Uint32(h[4:])),
				hasDynamic: h[8] != 0,
			}
		}
		it.body = it.body[moduleCount*ParsedModuleHeaderSize:]

		for _, h := range headers {
			totalBytes := (h.prefix + h.dynamic + h.suffix) * 4
			if len(it.body) < totalBytes {
				return nil, ErrMessageTooShort
			}

			mod := ModuleData{HasDynamic: h.hasDynamic}
			mod.Prefix = words(it.body, h.prefix)
			mod.Dynamic = words(it.body[h.prefix*4:], h.dynamic)
			mod.Suffix = words(it.body[(h.prefix+h.dynamic)*4:], h.suffix)
			it.body = it.body[totalBytes:]

			section.Modules = append(section.Modules, mod)
		}

		return section, nil

	case ParsedSystemEventMagic:
		if len(it.body) < ParsedSystemEventHeaderSize {
			return nil, ErrMessageTooShort
		}

		section := &EventSection{
			Magic:   it.body[0],
			CrateID: it.body[1],
		}
		eventSize := int(binary.LittleEndian.Uint32(it.body[4:]))
		it.body = it.body[ParsedSystemEventHeaderSize:]

		if len(it.body) < eventSize*4 {
			return nil, ErrMessageTooShort
		}
		section.SystemFrame = words(it.body, eventSize)
		it.body = it.body[eventSize*4:]

		return section, nil

	default:
		return nil, ErrWrongMessageType
	}
}
