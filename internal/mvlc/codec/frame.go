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

// Package codec implements the framing layer of the MVLC wire format:
// frame headers, system event headers and the two-word ETH payload headers.
package codec

import (
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

// FrameInfo is the unpacked form of a 32-bit MVLC frame header.
type FrameInfo struct {
	Type  uint8
	Flags uint8
	Stack uint8
	Ctrl  uint8
	Len   uint16
}

// FrameType extracts the type byte of a frame header word.
func FrameType(header uint32) uint8 {
	return uint8(header >> mvlcconst.FrameTypeShift)
}

// ExtractFrameInfo unpacks a frame header word into its fields.
func ExtractFrameInfo(header uint32) FrameInfo {
	return FrameInfo{
		Type:  uint8((header >> mvlcconst.FrameTypeShift) & mvlcconst.FrameTypeMask),
		Flags: uint8((header >> mvlcconst.FrameFlagsShift) & mvlcconst.FrameFlagsMask),
		Stack: uint8((header >> mvlcconst.FrameStackShift) & mvlcconst.FrameStackMask),
		Ctrl:  uint8((header >> mvlcconst.FrameCtrlShift) & mvlcconst.FrameCtrlMask),
		Len:   uint16((header >> mvlcconst.FrameLenShift) & mvlcconst.FrameLenMask),
	}
}

// PackFrameHeader builds a frame header word from its fields.
func PackFrameHeader(frameType, flags, stack, ctrl uint8, length uint16) uint32 {
	return uint32(frameType)<<mvlcconst.FrameTypeShift |
		uint32(flags&mvlcconst.FrameFlagsMask)<<mvlcconst.FrameFlagsShift |
		uint32(stack&mvlcconst.FrameStackMask)<<mvlcconst.FrameStackShift |
		uint32(ctrl&mvlcconst.FrameCtrlMask)<<mvlcconst.FrameCtrlShift |
		uint32(length&mvlcconst.FrameLenMask)
}

// IsKnownFrameHeader reports whether the word carries one of the MVLC frame
// type bytes in its top byte.
func IsKnownFrameHeader(header uint32) bool {
	switch FrameType(header) {
	case mvlcconst.FrameTypeSuper, mvlcconst.FrameTypeStack,
		mvlcconst.FrameTypeBlockRead, mvlcconst.FrameTypeStackError,
		mvlcconst.FrameTypeStackContinuation, mvlcconst.FrameTypeSystemEvent:
		return true
	}
	return false
}

// IsSuperFrameHeader reports whether the word is a super buffer header.
func IsSuperFrameHeader(header uint32) bool {
	return FrameType(header) == mvlcconst.FrameTypeSuper
}

// IsStackFrameHeader reports whether the word is a stack result buffer header.
func IsStackFrameHeader(header uint32) bool {
	return FrameType(header) == mvlcconst.FrameTypeStack
}

// IsStackContinuationHeader reports whether the word is a stack continuation
// buffer header.
func IsStackContinuationHeader(header uint32) bool {
	return FrameType(header) == mvlcconst.FrameTypeStackContinuation
}

// IsStackErrorHeader reports whether the word is a stack error notification
// buffer header.
func IsStackErrorHeader(header uint32) bool {
	return FrameType(header) == mvlcconst.FrameTypeStackError
}

// SystemEventSubtype extracts the subtype field of a system event header.
func SystemEventSubtype(header uint32) uint8 {
	return uint8((header >> mvlcconst.SysEventSubtypeShift) & mvlcconst.SysEventSubtypeMask)
}

// IsKnownSystemEventSubtype reports whether the subtype is one produced by
// this software.
func IsKnownSystemEventSubtype(subtype uint8) bool {
	switch subtype {
	case mvlcconst.SysEventEndianMarker, mvlcconst.SysEventVMEConfig,
		mvlcconst.SysEventUnixTimestamp, mvlcconst.SysEventPause,
		mvlcconst.SysEventResume, mvlcconst.SysEventEndOfFile:
		return true
	}
	return false
}

// IsKnownSystemEvent reports whether the word is a system event header with
// a known subtype.
func IsKnownSystemEvent(header uint32) bool {
	return FrameType(header) == mvlcconst.FrameTypeSystemEvent &&
		IsKnownSystemEventSubtype(SystemEventSubtype(header))
}

// PackSystemEventHeader builds a system event header word.
func PackSystemEventHeader(subtype uint8, length uint16, cont bool) uint32 {
	header := uint32(mvlcconst.FrameTypeSystemEvent)<<mvlcconst.FrameTypeShift |
		uint32(subtype&mvlcconst.SysEventSubtypeMask)<<mvlcconst.SysEventSubtypeShift |
		uint32(length&mvlcconst.SysEventLenMask)
	if cont {
		header |= 1 << mvlcconst.SysEventContinueShift
	}
	return header
}

// StackErrorInfo is the decoded payload of a stack error notification.
type StackErrorInfo struct {
	StackNumber uint16
	StackLine   uint16
	Flags       uint8
}

// DecodeStackErrorNotification decodes a 0xF7 notification buffer. The
// buffer consists of the frame header followed by one payload word carrying
// the stack number and the stack line the error occurred at.
func DecodeStackErrorNotification(buffer []uint32) (StackErrorInfo, bool) {
	if len(buffer) != 2 || !IsStackErrorHeader(buffer[0]) {
		return StackErrorInfo{}, false
	}
	return StackErrorInfo{
		StackNumber: uint16((buffer[1] >> mvlcconst.StackErrorNumberShift) & mvlcconst.StackErrorNumberMask),
		StackLine:   uint16((buffer[1] >> mvlcconst.StackErrorLineShift) & mvlcconst.StackErrorLineMask),
		Flags:       ExtractFrameInfo(buffer[0]).Flags,
	}, true
}
