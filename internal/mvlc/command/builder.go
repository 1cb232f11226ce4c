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
	"time"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

// SuperBuilder assembles a list of super commands.
type SuperBuilder struct {
	commands []SuperCommand
}

// Commands returns the accumulated command list.
func (b *SuperBuilder) Commands() []SuperCommand {
	return b.commands
}

func (b *SuperBuilder) Add(cmd SuperCommand) *SuperBuilder {
	b.commands = append(b.commands, cmd)
	return b
}

// AddReferenceWord prepends correlation state to the outgoing buffer.
func (b *SuperBuilder) AddReferenceWord(ref uint16) *SuperBuilder {
	return b.Add(SuperCommand{Type: mvlcconst.SuperReferenceWord, Value: uint32(ref)})
}

func (b *SuperBuilder) AddReadLocal(address uint16) *SuperBuilder {
	return b.Add(SuperCommand{Type: mvlcconst.SuperReadLocal, Address: address})
}

func (b *SuperBuilder) AddReadLocalBlock(address uint16, words uint16) *SuperBuilder {
	return b.Add(SuperCommand{Type: mvlcconst.SuperReadLocalBlock, Address: address, Value: uint32(words)})
}

func (b *SuperBuilder) AddWriteLocal(address uint16, value uint32) *SuperBuilder {
	return b.Add(SuperCommand{Type: mvlcconst.SuperWriteLocal, Address: address, Value: value})
}

func (b *SuperBuilder) AddWriteReset() *SuperBuilder {
	return b.Add(SuperCommand{Type: mvlcconst.SuperWriteReset})
}

// AddCommands appends a previously built command list.
func (b *SuperBuilder) AddCommands(cmds []SuperCommand) *SuperBuilder {
	b.commands = append(b.commands, cmds...)
	return b
}

// AddStackUpload appends the super commands uploading the given stack
// program into MVLC stack memory.
func (b *SuperBuilder) AddStackUpload(stackOutputPipe mvlcconst.Pipe, stackMemoryOffset uint16, stack []StackCommand) (*SuperBuilder, error) {
	cmds, err := StackUploadCommands(stackOutputPipe, stackMemoryOffset, stack)
	if err != nil {
		return b, err
	}
	return b.AddCommands(cmds), nil
}

// Group is a named subsequence of a stack, typically corresponding to one
// module's readout.
type Group struct {
	Name     string         `yaml:"name"`
	Commands []StackCommand `yaml:"commands"`
}

// StackBuilder assembles a stack program as an ordered list of named
// groups. Commands added while no group is open implicitly open an
// anonymous group.
type StackBuilder struct {
	Groups []Group
}

// BeginGroup starts a new named group. Subsequent commands are appended to
// it.
func (b *StackBuilder) BeginGroup(name string) *StackBuilder {
	b.Groups = append(b.Groups, Group{Name: name})
	return b
}

func (b *StackBuilder) add(cmd StackCommand) *StackBuilder {
	if len(b.Groups) == 0 {
		b.Groups = append(b.Groups, Group{})
	}
	g := &b.Groups[len(b.Groups)-1]
	g.Commands = append(g.Commands, cmd)
	return b
}

// Commands returns the concatenated flat command list of all groups.
func (b *StackBuilder) Commands() []StackCommand {
	var result []StackCommand
	for _, g := range b.Groups {
		result = append(result, g.Commands...)
	}
	return result
}

// Group returns the group at the given index.
func (b *StackBuilder) Group(i int) (Group, bool) {
	if i < 0 || i >= len(b.Groups) {
		return Group{}, false
	}
	return b.Groups[i], true
}

// GroupByName returns the first group with the given name.
func (b *StackBuilder) GroupByName(name string) (Group, bool) {
	for _, g := range b.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// GroupCount returns the number of groups in the builder.
func (b *StackBuilder) GroupCount() int {
	return len(b.Groups)
}

// Empty reports whether the builder contains no commands.
func (b *StackBuilder) Empty() bool {
	for _, g := range b.Groups {
		if len(g.Commands) > 0 {
			return false
		}
	}
	return true
}

func (b *StackBuilder) AddVMERead(address uint32, amod uint8, width mvlcconst.VMEDataWidth) *StackBuilder {
	return b.add(StackCommand{Type: StackCmdVMERead, Address: address, Amod: amod, DataWidth: width})
}

// AddVMEBlockRead adds a block transfer. The maximum number of transfers is
// encoded in the command. eSST64 reads with a transfer rate are added with
// AddVMEBlockRead2eSST.
func (b *StackBuilder) AddVMEBlockRead(address uint32, amod uint8, transfers uint16) *StackBuilder {
	return b.add(StackCommand{Type: StackCmdVMERead, Address: address, Amod: amod, Transfers: transfers})
}

func (b *StackBuilder) AddVMEBlockRead2eSST(address uint32, rate mvlcconst.Blk2eSSTRate, transfers uint16) *StackBuilder {
	return b.add(StackCommand{
		Type: StackCmdVMERead, Address: address, Amod: mvlcconst.Blk2eSST64,
		Rate: rate, Transfers: transfers,
	})
}

func (b *StackBuilder) AddVMEWrite(address, value uint32, amod uint8, width mvlcconst.VMEDataWidth) *StackBuilder {
	return b.add(StackCommand{Type: StackCmdVMEWrite, Address: address, Value: value, Amod: amod, DataWidth: width})
}

// AddWriteMarker writes a marker word into the output stream.
func (b *StackBuilder) AddWriteMarker(value uint32) *StackBuilder {
	return b.add(StackCommand{Type: StackCmdWriteMarker, Value: value})
}

func (b *StackBuilder) AddWriteSpecial(word mvlcconst.SpecialWord) *StackBuilder {
	return b.add(StackCommand{Type: StackCmdWriteSpecial, Value: uint32(word)})
}

// AddSoftwareDelay adds a delay sentinel. It breaks command batching during
// immediate execution and is never uploaded to the MVLC.
func (b *StackBuilder) AddSoftwareDelay(d time.Duration) *StackBuilder {
	return b.add(StackCommand{Type: StackCmdSoftwareDelay, Delay: d})
}

// AddCommand appends an already constructed command.
func (b *StackBuilder) AddCommand(cmd StackCommand) *StackBuilder {
	return b.add(cmd)
}
