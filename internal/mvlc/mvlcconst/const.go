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

// Package mvlcconst holds the wire-level constants of the MVLC protocol.
// Communication with the MVLC is done using 32-bit wide binary data words
// in little-endian byte order.
package mvlcconst

// Pipe selects one of the two logical communication pipes of the MVLC.
type Pipe uint8

const (
	// CommandPipe carries command buffers and their mirror responses.
	CommandPipe Pipe = 0
	// DataPipe carries readout data produced by stack executions.
	DataPipe Pipe = 1

	PipeCount = 2
)

func (p Pipe) String() string {
	switch p {
	case CommandPipe:
		return "command"
	case DataPipe:
		return "data"
	default:
		return "unknown"
	}
}

// ConnectionType distinguishes the two MVLC transports.
type ConnectionType uint8

const (
	ConnectionUSB ConnectionType = iota
	ConnectionETH
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionUSB:
		return "usb"
	case ConnectionETH:
		return "eth"
	default:
		return "unknown"
	}
}

const (
	AddressIncrement       = 4
	ReadLocalBlockMaxWords = 768
	FrameSizeMask          = 0xFFFF
)

// SuperCommandType contains the 2 high bytes of a super command word.
// Super commands are interpreted and executed directly by the MVLC; their
// output always goes to the command pipe.
type SuperCommandType uint16

const (
	SuperCmdBufferStart SuperCommandType = 0xF100
	SuperCmdBufferEnd   SuperCommandType = 0xF200
	SuperReferenceWord  SuperCommandType = 0x0101
	SuperReadLocal      SuperCommandType = 0x0102
	SuperReadLocalBlock SuperCommandType = 0x0103
	SuperWriteLocal     SuperCommandType = 0x0204
	SuperWriteReset     SuperCommandType = 0x0206
)

const (
	SuperCmdMask     = 0xFFFF
	SuperCmdShift    = 16
	SuperCmdArgMask  = 0xFFFF
	SuperCmdArgShift = 0
)

// IsSuperCommand reports whether the value is a known super command opcode.
func IsSuperCommand(v uint16) bool {
	switch SuperCommandType(v) {
	case SuperCmdBufferStart, SuperCmdBufferEnd, SuperReferenceWord,
		SuperReadLocal, SuperReadLocalBlock, SuperWriteLocal, SuperWriteReset:
		return true
	}
	return false
}

// StackCommandType is the top byte of a stack command word. Stack commands
// are written into the stack memory area starting from StackMemoryBegin
// using WriteLocal super commands.
type StackCommandType uint8

const (
	StackStart        StackCommandType = 0xF3
	StackEnd          StackCommandType = 0xF4
	StackVMERead      StackCommandType = 0x12
	StackVMEWrite     StackCommandType = 0x23
	StackWriteMarker  StackCommandType = 0xC2
	StackWriteSpecial StackCommandType = 0xC1
)

const (
	StackCmdMask      = 0xFF
	StackCmdShift     = 24
	StackCmdArg0Mask  = 0x00FF
	StackCmdArg0Shift = 16
	StackCmdArg1Mask  = 0x0000FFFF
	StackCmdArg1Shift = 0
)

// IsStackCommand reports whether the value is a known stack command opcode.
func IsStackCommand(v uint8) bool {
	switch StackCommandType(v) {
	case StackStart, StackEnd, StackVMERead, StackVMEWrite,
		StackWriteMarker, StackWriteSpecial:
		return true
	}
	return false
}

// Frame types of the MVLC framing format.
const (
	FrameTypeSuper             uint8 = 0xF1
	FrameTypeStack             uint8 = 0xF3
	FrameTypeBlockRead         uint8 = 0xF5
	FrameTypeStackError        uint8 = 0xF7
	FrameTypeStackContinuation uint8 = 0xF9
	FrameTypeSystemEvent       uint8 = 0xFA
)

// Frame header layout:
// Type[7:0] Continue[0:0] ErrorFlags[2:0] StackNum[3:0] CtrlId[2:0] Length[12:0].
// The Continue bit and the ErrorFlags are combined into a 4 bit flags field.
const (
	FrameTypeShift  = 24
	FrameTypeMask   = 0xFF
	FrameFlagsShift = 20
	FrameFlagsMask  = 0xF
	FrameStackShift = 16
	FrameStackMask  = 0xF
	FrameCtrlShift  = 13
	FrameCtrlMask   = 0x7
	FrameLenShift   = 0
	FrameLenMask    = 0x1FFF
)

// Frame flags.
const (
	FrameFlagTimeout     uint8 = 1 << 0
	FrameFlagBusError    uint8 = 1 << 1
	FrameFlagSyntaxError uint8 = 1 << 2
	FrameFlagContinue    uint8 = 1 << 3

	FrameFlagAllErrors = FrameFlagTimeout | FrameFlagBusError | FrameFlagSyntaxError
)

// System event header layout:
// Type[7:0]=0xFA Continue[0:0] Unused[2:0] Subtype[6:0] Length[12:0].
const (
	SysEventContinueShift = 23
	SysEventContinueMask  = 0x1
	SysEventSubtypeShift  = 13
	SysEventSubtypeMask   = 0x7F
	SysEventLenShift      = 0
	SysEventLenMask       = 0x1FFF

	// EndianMarkerValue is written in native byte order so readers can
	// detect a byte-swapped stream.
	EndianMarkerValue uint32 = 0x12345678
)

// System event subtypes. These are software generated and do not collide
// with the MVLC framing format.
const (
	SysEventEndianMarker  uint8 = 0x01
	SysEventVMEConfig     uint8 = 0x10
	SysEventUnixTimestamp uint8 = 0x11
	SysEventPause         uint8 = 0x12
	SysEventResume        uint8 = 0x13
	SysEventEndOfFile     uint8 = 0x77

	SysEventSubtypeMax = SysEventSubtypeMask
)

// VMEDataWidth selects the width of a single VME access.
type VMEDataWidth uint8

const (
	D16 VMEDataWidth = 0x1
	D32 VMEDataWidth = 0x2
)

// Blk2eSSTRate is the transfer rate for eSST64 block reads, encoded in the
// high bits of the address modifier argument.
type Blk2eSSTRate uint8

const (
	Rate160MB Blk2eSSTRate = iota
	Rate276MB
	Rate300MB
)

// Blk2eSSTRateShift is relative to the address modifier argument of the read.
const Blk2eSSTRateShift = 6

// SpecialWord is the argument of a WriteSpecial stack command.
type SpecialWord uint8

const (
	SpecialTimestamp SpecialWord = iota
	SpecialStackTriggers
)

// Stack memory and trigger setup.
const (
	StackCount            = 8
	Stack0TriggerRegister = 0x1100
	Stack0OffsetRegister  = 0x1200
	StackMemoryBegin      = 0x2000
	StackMemoryWords      = 1024
	StackMemoryBytes      = StackMemoryWords * 4
	StackMemoryEnd        = StackMemoryBegin + StackMemoryBytes

	// ImmediateStackID is used for immediate stack execution, e.g. for
	// directly accessing a VME device register. Software convention only.
	ImmediateStackID            = 0
	ImmediateStackReservedWords = 128
	ImmediateStackReservedBytes = ImmediateStackReservedWords * 4
	FirstReadoutStackID         = 1
)

// TriggerType of a readout stack.
type TriggerType uint8

const (
	TriggerNone TriggerType = iota
	TriggerIRQWithIACK
	TriggerIRQNoIACK
	TriggerExternal
)

// Trigger register field layout. For IRQ triggers the trigger bits are set
// to IRQ-1, e.g. 0 for IRQ1.
const (
	TriggerBitsMask  = 0x1F
	TriggerBitsShift = 0
	TriggerTypeMask  = 0x7
	TriggerTypeShift = 5
	ImmediateMask    = 0x1
	ImmediateShift   = 8
)

// StackTriggerRegister returns the trigger register address for a stack id.
func StackTriggerRegister(stackID uint8) uint16 {
	return Stack0TriggerRegister + uint16(stackID)*AddressIncrement
}

// StackOffsetRegister returns the offset register address for a stack id.
// Offset registers take byte offsets relative to StackMemoryBegin.
func StackOffsetRegister(stackID uint8) uint16 {
	return Stack0OffsetRegister + uint16(stackID)*AddressIncrement
}

// DAQModeEnableRegister enables autonomous execution of stacks in reaction
// to triggers when bit 0 is set.
const DAQModeEnableRegister = 0x1300

// SelfVMEAddress is the base address under which the MVLC maps its own
// internal registers onto the VME bus.
const SelfVMEAddress uint32 = 0xFFFF0000

// USB transport limits.
const (
	USBSingleTransferMaxBytes = 1 * 1024 * 1024
	USBSingleTransferMaxWords = USBSingleTransferMaxBytes / 4
)

// ETH transport constants.
const (
	ETHCommandPort = 0x8000 // 32768
	ETHDataPort    = ETHCommandPort + 1
	ETHHeaderWords = 2
	ETHHeaderBytes = ETHHeaderWords * 4

	ETHJumboFrameMaxSize = 9000
)

// ETH payload header0:
// [ unused:2 | channel:2 | packet_number:12 | controller_id:3 | data_word_count:13 ].
// The controller id shares the position of the frame header's CtrlId field.
const (
	ETHPacketChannelMask  = 0x3
	ETHPacketChannelShift = 28
	ETHPacketNumberMask   = 0xFFF
	ETHPacketNumberShift  = 16
	ETHNumDataWordsMask   = 0x1FFF
	ETHNumDataWordsShift  = 0
)

// ETH payload header1:
// [ timestamp:20 | next_header_pointer:12 ]. The timestamp increments in
// 1ms steps and wraps after 17.5 minutes. The maximum header pointer value
// indicates that no frame header starts in the packet payload.
const (
	ETHTimestampMask          = 0xFFFFF
	ETHTimestampShift         = 12
	ETHHeaderPointerMask      = 0xFFF
	ETHHeaderPointerShift     = 0
	ETHNoHeaderPointerPresent = ETHHeaderPointerMask
)

// PacketChannel is the stream a UDP datagram belongs to. Each channel has
// its own 12 bit packet number counter.
type PacketChannel uint8

const (
	PacketChannelCommand PacketChannel = iota // command and mirror responses
	PacketChannelStack                        // stack output routed to the command pipe
	PacketChannelData                         // readout data routed to the data pipe

	NumPacketChannels = 3
)

func (c PacketChannel) String() string {
	switch c {
	case PacketChannelCommand:
		return "command"
	case PacketChannelStack:
		return "stack"
	case PacketChannelData:
		return "data"
	default:
		return "unknown"
	}
}

// Internal register addresses.
const (
	RegUSBSendGap = 0x0400

	RegOwnIPLo        = 0x4400
	RegOwnIPHi        = 0x4402
	RegStoreIPInFlash = 0x4404

	RegDHCPActive = 0x4406
	RegDHCPIPLo   = 0x4408
	RegDHCPIPHi   = 0x440A

	RegCmdIPLo = 0x440C
	RegCmdIPHi = 0x440E

	RegDataIPLo = 0x4410
	RegDataIPHi = 0x4412

	RegCmdDestPort  = 0x441A
	RegDataDestPort = 0x441C

	RegCRCGoodCounter = 0x4424
	RegCRCBadCounter  = 0x4426

	RegResetMask        = 0x0202
	RegReset            = 0x6090
	RegHardwareID       = 0x6008
	RegFirmwareRevision = 0x600E
	RegMcstEnable       = 0x6020
	RegMcstAddress      = 0x6024

	InternalRegisterMin = 0x0001
	InternalRegisterMax = 0x5FFF
)

// Stack error notification payload word layout.
const (
	StackErrorLineMask    = 0xFFFF
	StackErrorLineShift   = 0
	StackErrorNumberMask  = 0xFFFF
	StackErrorNumberShift = 16
)

// Default per-pipe timeouts. The write timeout applies to USB only; ETH
// sockets block in the outgoing direction.
const (
	DefaultWriteTimeoutMillis = 500
	DefaultReadTimeoutMillis  = 500
)
