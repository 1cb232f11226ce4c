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

package listfile

import (
	"encoding/binary"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/codec"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
	"github.com/mesytec-daq/mvlcd/internal/pipeline"
)

// FixupBufferMessage moves incomplete trailing frame bytes of a readout
// data message into tmp so every emitted message ends on a whole MVLC
// frame (USB) or whole datagram (ETH). The moved bytes become the head of
// the producer's next message. Returns the number of bytes moved.
func FixupBufferMessage(bufferType mvlcconst.ConnectionType, msg *pipeline.Message, tmp *[]byte) int {
	body := msg.Data[pipeline.ReadoutDataHeaderSize:]

	complete := completePrefixLen(bufferType, body)
	trailing := len(body) - complete

	if trailing > 0 {
		*tmp = append((*tmp)[:0], body[complete:]...)
		msg.Data = msg.Data[:pipeline.ReadoutDataHeaderSize+complete]
	}

	return trailing
}

// completePrefixLen walks the body and returns the length of the longest
// prefix consisting only of whole parts.
func completePrefixLen(bufferType mvlcconst.ConnectionType, body []byte) int {
	pos := 0

	for pos+4 <= len(body) {
		word := binary.LittleEndian.Uint32(body[pos:])

		var partBytes int

		switch {
		case codec.IsKnownSystemEvent(word), codec.IsKnownFrameHeader(word) && bufferType == mvlcconst.ConnectionUSB:
			partBytes = (1 + int(codec.ExtractFrameInfo(word).Len)) * 4

		case bufferType == mvlcconst.ConnectionETH:
			if pos+8 > len(body) {
				return pos
			}
			hdr := codec.PayloadHeaderInfo{
				Header0: word,
				Header1: binary.LittleEndian.Uint32(body[pos+4:]),
			}
			partBytes = (mvlcconst.ETHHeaderWords + int(hdr.DataWordCount())) * 4

		default:
			// Unknown word: treat the remainder as incomplete.
			return pos
		}

		if pos+partBytes > len(body) {
			return pos
		}
		pos += partBytes
	}

	return pos
}
