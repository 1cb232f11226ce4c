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

package codec

import (
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

// PayloadHeaderInfo wraps the two ETH payload header words at the start of
// every UDP datagram sent by the MVLC.
type PayloadHeaderInfo struct {
	Header0 uint32
	Header1 uint32
}

// PacketChannel is the 2-bit stream number of the datagram.
func (p PayloadHeaderInfo) PacketChannel() uint8 {
	return uint8((p.Header0 >> mvlcconst.ETHPacketChannelShift) & mvlcconst.ETHPacketChannelMask)
}

// PacketNumber is the channel-specific 12-bit incrementing packet number.
func (p PayloadHeaderInfo) PacketNumber() uint16 {
	return uint16((p.Header0 >> mvlcconst.ETHPacketNumberShift) & mvlcconst.ETHPacketNumberMask)
}

// ControllerID is the crate id of the sending controller.
func (p PayloadHeaderInfo) ControllerID() uint8 {
	return uint8((p.Header0 >> mvlcconst.FrameCtrlShift) & mvlcconst.FrameCtrlMask)
}

// DataWordCount is the number of payload words following the two header
// words.
func (p PayloadHeaderInfo) DataWordCount() uint16 {
	return uint16((p.Header0 >> mvlcconst.ETHNumDataWordsShift) & mvlcconst.ETHNumDataWordsMask)
}

// Timestamp is the 20-bit ETH timestamp in milliseconds.
func (p PayloadHeaderInfo) Timestamp() uint32 {
	return (p.Header1 >> mvlcconst.ETHTimestampShift) & mvlcconst.ETHTimestampMask
}

// NextHeaderPointer is the word offset of the next frame header within the
// packet payload; the position directly after header1 is 0.
func (p PayloadHeaderInfo) NextHeaderPointer() uint16 {
	return uint16((p.Header1 >> mvlcconst.ETHHeaderPointerShift) & mvlcconst.ETHHeaderPointerMask)
}

// HasHeaderPointer reports whether any frame header starts inside the
// packet payload. If false the packet consists purely of continuation data
// from a previously started frame.
func (p PayloadHeaderInfo) HasHeaderPointer() bool {
	return p.NextHeaderPointer() != mvlcconst.ETHNoHeaderPointerPresent
}

// CalcPacketLoss computes the number of packets lost between two successive
// 12-bit packet numbers of the same channel. A wrap from 0xFFF to 0x000 is
// zero loss.
func CalcPacketLoss(lastPacketNumber, packetNumber uint16) int32 {
	const packetNumberMax = mvlcconst.ETHPacketNumberMask

	diff := int32(packetNumber) - int32(lastPacketNumber)
	if diff < 1 {
		return packetNumberMax + diff
	}
	return diff - 1
}

// CalcBufferLoss computes the number of buffers lost between two successive
// 32-bit buffer numbers. Producers start counting at 1 so a last value of 0
// means "nothing seen yet" and yields zero loss for the first buffer.
func CalcBufferLoss(bufferNumber, lastBufferNumber uint32) int64 {
	diff := int64(bufferNumber) - int64(lastBufferNumber)
	if diff < 1 { // counter wrapped
		return int64(^uint32(0)) + diff
	}
	return diff - 1
}
