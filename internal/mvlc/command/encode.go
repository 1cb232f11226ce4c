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

package command

import (
	"fmt"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

// MakeCommandBuffer serializes a super command program. The result is
// always enclosed by the buffer start and buffer end marker words.
func MakeCommandBuffer(commands []SuperCommand) []uint32 {
	result := make([]uint32, 0, len(commands)+2)
	result = append(result, uint32(mvlcconst.SuperCmdBufferStart)<<mvlcconst.SuperCmdShift)

	for _, cmd := range commands {
		cmdWord := uint32(cmd.Type) << mvlcconst.SuperCmdShift

		switch cmd.Type {
		case mvlcconst.SuperReferenceWord:
			result = append(result, cmdWord|(cmd.Value&mvlcconst.SuperCmdArgMask))

		case mvlcconst.SuperReadLocal:
			result = append(result, cmdWord|uint32(cmd.Address))

		case mvlcconst.SuperReadLocalBlock:
			result = append(result, cmdWord|uint32(cmd.Address))
			result = append(result, cmd.Value) // transfer count

		case mvlcconst.SuperWriteLocal:
			result = append(result, cmdWord|uint32(cmd.Address))
			result = append(result, cmd.Value)

		case mvlcconst.SuperWriteReset:
			result = append(result, cmdWord)

		// Should not be added manually but are handled in case they are.
		case mvlcconst.SuperCmdBufferStart, mvlcconst.SuperCmdBufferEnd:
			result = append(result, cmdWord)
		}
	}

	result = append(result, uint32(mvlcconst.SuperCmdBufferEnd)<<mvlcconst.SuperCmdShift)
	return result
}

// SuperCommandsFromBuffer decodes a serialized super command buffer back
// into a command list. The enclosing buffer start/end markers are dropped.
func SuperCommandsFromBuffer(buffer []uint32) ([]SuperCommand, error) {
	var result []SuperCommand

	for i := 0; i < len(buffer); i++ {
		opcode := uint16((buffer[i] >> mvlcconst.SuperCmdShift) & mvlcconst.SuperCmdMask)

		if !mvlcconst.IsSuperCommand(opcode) {
			return result, fmt.Errorf("%w: 0x%04x", ErrUnknownOpcode, opcode)
		}

		cmd := SuperCommand{Type: mvlcconst.SuperCommandType(opcode)}

		switch cmd.Type {
		case mvlcconst.SuperCmdBufferStart, mvlcconst.SuperCmdBufferEnd:
			continue

		case mvlcconst.SuperReferenceWord:
			cmd.Value = buffer[i] & mvlcconst.SuperCmdArgMask

		case mvlcconst.SuperReadLocal:
			cmd.Address = uint16(buffer[i] & mvlcconst.SuperCmdArgMask)

		case mvlcconst.SuperReadLocalBlock, mvlcconst.SuperWriteLocal:
			cmd.Address = uint16(buffer[i] & mvlcconst.SuperCmdArgMask)
			if i++; i >= len(buffer) {
				return result, ErrTruncatedInput
			}
			cmd.Value = buffer[i]

		case mvlcconst.SuperWriteReset:
		}

		result = append(result, cmd)
	}

	return result, nil
}

// MakeStackBuffer serializes a stack program into its stack memory image.
// SoftwareDelay commands cannot be serialized; the dispatcher has to split
// them out beforehand.
func MakeStackBuffer(stack []StackCommand) ([]uint32, error) {
	var result []uint32

	for _, cmd := range stack {
		switch cmd.Type {
		case StackCmdVMERead:
			cmdWord := uint32(mvlcconst.StackVMERead) << mvlcconst.StackCmdShift

			switch {
			case !mvlcconst.IsBlockAmod(cmd.Amod):
				cmdWord |= uint32(cmd.Amod) << mvlcconst.StackCmdArg0Shift
				cmdWord |= uint32(cmd.DataWidth) << mvlcconst.StackCmdArg1Shift
			case mvlcconst.IsESST64Amod(cmd.Amod):
				cmdWord |= (uint32(cmd.Amod) | uint32(cmd.Rate)<<mvlcconst.Blk2eSSTRateShift) << mvlcconst.StackCmdArg0Shift
				cmdWord |= uint32(cmd.Transfers) << mvlcconst.StackCmdArg1Shift
			default: // BLT and MBLT
				cmdWord |= uint32(cmd.Amod) << mvlcconst.StackCmdArg0Shift
				cmdWord |= uint32(cmd.Transfers) << mvlcconst.StackCmdArg1Shift
			}

			result = append(result, cmdWord, cmd.Address)

		case StackCmdVMEWrite:
			cmdWord := uint32(mvlcconst.StackVMEWrite) << mvlcconst.StackCmdShift
			cmdWord |= uint32(cmd.Amod) << mvlcconst.StackCmdArg0Shift
			cmdWord |= uint32(cmd.DataWidth) << mvlcconst.StackCmdArg1Shift

			result = append(result, cmdWord, cmd.Address, cmd.Value)

		case StackCmdWriteMarker:
			cmdWord := uint32(mvlcconst.StackWriteMarker) << mvlcconst.StackCmdShift
			result = append(result, cmdWord, cmd.Value)

		case StackCmdWriteSpecial:
			cmdWord := uint32(mvlcconst.StackWriteSpecial) << mvlcconst.StackCmdShift
			cmdWord |= cmd.Value & 0x00FFFFFF
			result = append(result, cmdWord)

		// Should not be added manually but are part of upload buffers.
		case StackCmdStackStart:
			result = append(result, uint32(mvlcconst.StackStart)<<mvlcconst.StackCmdShift)
		case StackCmdStackEnd:
			result = append(result, uint32(mvlcconst.StackEnd)<<mvlcconst.StackCmdShift)

		case StackCmdSoftwareDelay:
			return nil, ErrDelayNotSerializable

		default:
			return nil, fmt.Errorf("%w: %v", ErrUnknownOpcode, cmd.Type)
		}
	}

	return result, nil
}

// StackCommandsFromBuffer decodes a stack memory image back into a command
// list. Start/end markers are dropped.
func StackCommandsFromBuffer(buffer []uint32) ([]StackCommand, error) {
	var result []StackCommand

	for i := 0; i < len(buffer); i++ {
		opcode := uint8((buffer[i] >> mvlcconst.StackCmdShift) & mvlcconst.StackCmdMask)
		arg0 := uint8((buffer[i] >> mvlcconst.StackCmdArg0Shift) & mvlcconst.StackCmdArg0Mask)
		arg1 := uint16((buffer[i] >> mvlcconst.StackCmdArg1Shift) & mvlcconst.StackCmdArg1Mask)

		if !mvlcconst.IsStackCommand(opcode) {
			return result, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, opcode)
		}

		var cmd StackCommand

		switch mvlcconst.StackCommandType(opcode) {
		case mvlcconst.StackStart, mvlcconst.StackEnd:
			continue

		case mvlcconst.StackVMERead:
			cmd.Type = StackCmdVMERead
			cmd.Amod = arg0

			// The rate of an eSST64 read is carried in the high bits of the
			// amod argument and has to be masked off before classification.
			base := arg0 &^ (0x3 << mvlcconst.Blk2eSSTRateShift)

			switch {
			case mvlcconst.IsESST64Amod(base):
				cmd.Amod = base
				cmd.Rate = mvlcconst.Blk2eSSTRate(arg0 >> mvlcconst.Blk2eSSTRateShift)
				cmd.Transfers = arg1
			case mvlcconst.IsBlockAmod(arg0):
				cmd.Transfers = arg1
			default:
				cmd.DataWidth = mvlcconst.VMEDataWidth(arg1)
			}

			if i++; i >= len(buffer) {
				return result, ErrTruncatedInput
			}
			cmd.Address = buffer[i]

		case mvlcconst.StackVMEWrite:
			cmd.Type = StackCmdVMEWrite
			cmd.Amod = arg0
			cmd.DataWidth = mvlcconst.VMEDataWidth(arg1)

			if i+2 >= len(buffer) {
				return result, ErrTruncatedInput
			}
			cmd.Address = buffer[i+1]
			cmd.Value = buffer[i+2]
			i += 2

		case mvlcconst.StackWriteMarker:
			cmd.Type = StackCmdWriteMarker
			if i++; i >= len(buffer) {
				return result, ErrTruncatedInput
			}
			cmd.Value = buffer[i]

		case mvlcconst.StackWriteSpecial:
			cmd.Type = StackCmdWriteSpecial
			cmd.Value = buffer[i] & 0x00FFFFFF
		}

		result = append(result, cmd)
	}

	return result, nil
}

// StackUploadCommands builds the super command list that uploads a stack
// program into MVLC stack memory at the given byte offset. The stack image
// is bracketed by StackStart/StackEnd writes; StackStart also encodes the
// output pipe.
func StackUploadCommands(stackOutputPipe mvlcconst.Pipe, stackMemoryOffset uint16, stack []StackCommand) ([]SuperCommand, error) {
	stackBuffer, err := MakeStackBuffer(stack)
	if err != nil {
		return nil, err
	}
	return StackBufferUploadCommands(stackOutputPipe, stackMemoryOffset, stackBuffer), nil
}

// StackBufferUploadCommands is StackUploadCommands for an already
// serialized stack memory image.
func StackBufferUploadCommands(stackOutputPipe mvlcconst.Pipe, stackMemoryOffset uint16, stackBuffer []uint32) []SuperCommand {
	var super SuperBuilder

	address := uint16(mvlcconst.StackMemoryBegin) + stackMemoryOffset

	super.AddWriteLocal(address,
		uint32(mvlcconst.StackStart)<<mvlcconst.StackCmdShift|
			uint32(stackOutputPipe)<<mvlcconst.StackCmdArg0Shift)
	address += mvlcconst.AddressIncrement

	for _, stackWord := range stackBuffer {
		super.AddWriteLocal(address, stackWord)
		address += mvlcconst.AddressIncrement
	}

	super.AddWriteLocal(address, uint32(mvlcconst.StackEnd)<<mvlcconst.StackCmdShift)

	return super.Commands()
}
