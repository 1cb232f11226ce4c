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

// SplitOptions control how a command list is partitioned for immediate
// stack execution.
type SplitOptions struct {
	// IgnoreDelays keeps SoftwareDelay commands inline instead of breaking
	// the batch at each one.
	IgnoreDelays bool
	// NoBatching yields one command per part, unconditionally.
	NoBatching bool
}

// SplitCommands partitions a command list into parts whose serialized size,
// plus the two words for the enclosing stack start/end, fits into
// maxStackWords. A SoftwareDelay command ends the preceding part and is
// emitted as its own one-element part unless delays are ignored.
//
// A single command that cannot fit yields ErrStackMemoryExceeded.
func SplitCommands(commands []StackCommand, options SplitOptions, maxStackWords int) ([][]StackCommand, error) {
	var result [][]StackCommand

	if options.NoBatching {
		for _, cmd := range commands {
			result = append(result, []StackCommand{cmd})
		}
		return result, nil
	}

	first := 0
	for first < len(commands) {
		encodedSize := 2 // stack start + end

		partEnd := first
		for ; partEnd < len(commands); partEnd++ {
			cmd := commands[partEnd]

			if cmd.IsSoftwareDelay() && !options.IgnoreDelays {
				break
			}
			if encodedSize+EncodedStackSize(cmd.Type) > maxStackWords {
				break
			}
			encodedSize += EncodedStackSize(cmd.Type)
		}

		// A delay at the start of a part becomes its own part.
		if partEnd == first && commands[first].IsSoftwareDelay() {
			partEnd++
		}

		if partEnd == first {
			return nil, ErrStackMemoryExceeded
		}

		part := make([]StackCommand, partEnd-first)
		copy(part, commands[first:partEnd])
		result = append(result, part)
		first = partEnd
	}

	return result, nil
}
