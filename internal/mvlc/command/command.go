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

// Package command provides the super and stack command models, fluent
// builders for assembling command programs and the serialization to and
// from MVLC command buffers.
package command

import (
	"errors"
	"time"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

var (
	ErrUnknownOpcode        = errors.New("unknown command opcode")
	ErrTruncatedInput       = errors.New("truncated command buffer")
	ErrStackMemoryExceeded  = errors.New("stack memory exceeded")
	ErrDelayNotSerializable = errors.New("software delay is not serializable")
)

// SuperCommand is one directly executed MVLC command.
type SuperCommand struct {
	Type    mvlcconst.SuperCommandType
	Address uint16
	Value   uint32
}

// StackCommandType enumerates the commands a stack program may contain.
// SoftwareDelay is a software-side sentinel handled by the dispatcher; it
// never reaches the MVLC.
type StackCommandType uint8

const (
	StackCmdInvalid StackCommandType = iota
	StackCmdStackStart
	StackCmdStackEnd
	StackCmdVMERead
	StackCmdVMEWrite
	StackCmdWriteMarker
	StackCmdWriteSpecial
	StackCmdSoftwareDelay
)

func (t StackCommandType) String() string {
	switch t {
	case StackCmdStackStart:
		return "stack_start"
	case StackCmdStackEnd:
		return "stack_end"
	case StackCmdVMERead:
		return "vme_read"
	case StackCmdVMEWrite:
		return "vme_write"
	case StackCmdWriteMarker:
		return "write_marker"
	case StackCmdWriteSpecial:
		return "write_special"
	case StackCmdSoftwareDelay:
		return "software_delay"
	default:
		return "invalid"
	}
}

// StackCommand is one entry of a stack program.
type StackCommand struct {
	Type      StackCommandType       `yaml:"type"`
	Address   uint32                 `yaml:"address,omitempty"`
	Value     uint32                 `yaml:"value,omitempty"`
	Amod      uint8                  `yaml:"amod,omitempty"`
	DataWidth mvlcconst.VMEDataWidth `yaml:"data_width,omitempty"`
	Transfers uint16                 `yaml:"transfers,omitempty"`
	Rate      mvlcconst.Blk2eSSTRate `yaml:"rate,omitempty"`
	Delay     time.Duration          `yaml:"delay,omitempty"`
}

// IsSoftwareDelay reports whether the command is the delay sentinel.
func (c StackCommand) IsSoftwareDelay() bool {
	return c.Type == StackCmdSoftwareDelay
}

// EncodedSuperSize returns the number of words the super command occupies in
// a command buffer.
func EncodedSuperSize(t mvlcconst.SuperCommandType) int {
	switch t {
	case mvlcconst.SuperReferenceWord, mvlcconst.SuperReadLocal,
		mvlcconst.SuperWriteReset, mvlcconst.SuperCmdBufferStart,
		mvlcconst.SuperCmdBufferEnd:
		return 1
	case mvlcconst.SuperReadLocalBlock, mvlcconst.SuperWriteLocal:
		return 2
	}
	return 0
}

// EncodedStackSize returns the number of words the stack command occupies in
// a stack memory image. SoftwareDelay occupies none.
func EncodedStackSize(t StackCommandType) int {
	switch t {
	case StackCmdStackStart, StackCmdStackEnd, StackCmdWriteSpecial:
		return 1
	case StackCmdVMERead, StackCmdWriteMarker:
		return 2
	case StackCmdVMEWrite:
		return 3
	case StackCmdSoftwareDelay:
		return 0
	}
	return 0
}
