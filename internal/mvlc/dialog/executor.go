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

package dialog

import (
	"time"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/codec"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/command"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

// CommandResult is the outcome of one executed stack command.
type CommandResult struct {
	Cmd      command.StackCommand
	Response []uint32
	Err      error
}

// RunCommands executes an arbitrary command list by splitting it into
// parts that fit the reserved immediate stack area and running each part
// as a stack transaction. SoftwareDelay commands suspend execution for
// their duration; with IgnoreDelays set they are skipped.
func (d *Dialog) RunCommands(commands []command.StackCommand, options command.SplitOptions) ([]CommandResult, error) {
	parts, err := command.SplitCommands(commands, options, mvlcconst.ImmediateStackReservedWords)
	if err != nil {
		return nil, err
	}

	var results []CommandResult

	for _, part := range parts {
		if len(part) == 1 && part[0].IsSoftwareDelay() && !options.IgnoreDelays {
			time.Sleep(part[0].Delay)
			results = append(results, CommandResult{Cmd: part[0]})
			continue
		}

		response, err := d.runPart(part)
		results = append(results, parseStackResponse(part, response, err)...)

		if err != nil && err != ErrNoVMEResponse {
			return results, err
		}
	}

	return results, nil
}

func (d *Dialog) runPart(part []command.StackCommand) ([]uint32, error) {
	// Delays kept inline by IgnoreDelays are not serializable; drop them.
	stack := make([]command.StackCommand, 0, len(part))
	for _, cmd := range part {
		if !cmd.IsSoftwareDelay() {
			stack = append(stack, cmd)
		}
	}
	if len(stack) == 0 {
		return nil, nil
	}

	var sb command.SuperBuilder
	sb.AddReferenceWord(d.nextReference())
	if _, err := sb.AddStackUpload(mvlcconst.CommandPipe, 0, stack); err != nil {
		return nil, err
	}
	return d.StackTransaction(command.MakeCommandBuffer(sb.Commands()))
}

// parseStackResponse assigns the words of a stack frame response to the
// commands that produced them: one word per single read and marker, a
// block frame section per block read, nothing for writes.
func parseStackResponse(part []command.StackCommand, response []uint32, execErr error) []CommandResult {
	results := make([]CommandResult, 0, len(part))

	// Strip the outer stack frame headers; continuation frames were
	// already concatenated by StackTransaction.
	var payload []uint32
	for i := 0; i < len(response); {
		info := codec.ExtractFrameInfo(response[i])
		if info.Type != mvlcconst.FrameTypeStack && info.Type != mvlcconst.FrameTypeStackContinuation {
			break
		}
		end := i + 1 + int(info.Len)
		if end > len(response) {
			end = len(response)
		}
		payload = append(payload, response[i+1:end]...)
		i = end
	}

	for _, cmd := range part {
		result := CommandResult{Cmd: cmd, Err: execErr}

		switch cmd.Type {
		case command.StackCmdVMERead:
			if !mvlcconst.IsBlockAmod(cmd.Amod) {
				if len(payload) > 0 {
					value := payload[0]
					if cmd.DataWidth == mvlcconst.D16 {
						value &= 0xFFFF
					}
					result.Response = []uint32{value}
					payload = payload[1:]
				}
				break
			}

			// Block read: consume 0xF5 framed sections.
			for len(payload) > 0 {
				info := codec.ExtractFrameInfo(payload[0])
				if info.Type != mvlcconst.FrameTypeBlockRead {
					break
				}
				end := 1 + int(info.Len)
				if end > len(payload) {
					end = len(payload)
				}
				result.Response = append(result.Response, payload[1:end]...)
				payload = payload[end:]
				if info.Flags&mvlcconst.FrameFlagContinue == 0 {
					break
				}
			}

		case command.StackCmdWriteMarker:
			if len(payload) > 0 {
				result.Response = []uint32{payload[0]}
				payload = payload[1:]
			}
		}

		results = append(results, result)
	}

	return results
}
