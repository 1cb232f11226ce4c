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

package command_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/command"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

func TestSuperReadLocalBuffer(t *testing.T) {
	t.Parallel()

	var sb command.SuperBuilder
	sb.AddReadLocal(0x1337)

	got := command.MakeCommandBuffer(sb.Commands())
	want := []uint32{0xF1000000, 0x01021337, 0xF2000000}

	if !cmp.Equal(want, got) {
		t.Errorf("command buffer mismatch: %s", cmp.Diff(want, got))
	}
}

func TestSuperCommandBufferRoundTrip(t *testing.T) {
	t.Parallel()

	var sb command.SuperBuilder
	sb.AddReferenceWord(0xABCD)
	sb.AddReadLocal(0x1100)
	sb.AddReadLocalBlock(0x2000, 16)
	sb.AddWriteLocal(0x1200, 0xDEADBEEF)
	sb.AddWriteReset()

	buffer := command.MakeCommandBuffer(sb.Commands())

	decoded, err := command.SuperCommandsFromBuffer(buffer)
	require.NoError(t, err)
	assert.Equal(t, sb.Commands(), decoded)
}

func TestSuperCommandsFromBufferTruncated(t *testing.T) {
	t.Parallel()

	// WriteLocal without its value word
	buffer := []uint32{uint32(mvlcconst.SuperWriteLocal)<<16 | 0x1200}
	_, err := command.SuperCommandsFromBuffer(buffer)
	assert.ErrorIs(t, err, command.ErrTruncatedInput)
}

func TestSuperCommandsFromBufferUnknownOpcode(t *testing.T) {
	t.Parallel()

	_, err := command.SuperCommandsFromBuffer([]uint32{0x9999_0000})
	assert.ErrorIs(t, err, command.ErrUnknownOpcode)
}

func TestStackUploadPreamble(t *testing.T) {
	t.Parallel()

	var stack command.StackBuilder
	stack.AddVMERead(0x1337, 0x09, mvlcconst.D32)

	uploads, err := command.StackUploadCommands(mvlcconst.CommandPipe, 0, stack.Commands())
	require.NoError(t, err)

	wantWords := []uint32{0xF3000000, 0x12090002, 0x00001337, 0xF4000000}
	require.Len(t, uploads, len(wantWords))

	address := uint16(mvlcconst.StackMemoryBegin)
	for i, upload := range uploads {
		assert.Equal(t, mvlcconst.SuperWriteLocal, upload.Type)
		assert.Equal(t, address, upload.Address)
		assert.Equal(t, wantWords[i], upload.Value)
		address += mvlcconst.AddressIncrement
	}
}

func TestStackBufferRoundTrip(t *testing.T) {
	t.Parallel()

	var sb command.StackBuilder
	sb.BeginGroup("module0")
	sb.AddVMERead(0xBB000000, mvlcconst.A32, mvlcconst.D32)
	sb.AddVMEBlockRead(0xBB010000, mvlcconst.MBLT64, 0xFFFF)
	sb.AddWriteMarker(0x87654321)
	sb.BeginGroup("module1")
	sb.AddVMEBlockRead2eSST(0xCC000000, mvlcconst.Rate276MB, 1000)
	sb.AddVMEWrite(0xBB006070, 1, mvlcconst.A32, mvlcconst.D32)
	sb.AddWriteSpecial(mvlcconst.SpecialTimestamp)

	buffer, err := command.MakeStackBuffer(sb.Commands())
	require.NoError(t, err)

	decoded, err := command.StackCommandsFromBuffer(buffer)
	require.NoError(t, err)
	assert.Equal(t, sb.Commands(), decoded)
}

func TestStackBufferRejectsSoftwareDelay(t *testing.T) {
	t.Parallel()

	var sb command.StackBuilder
	sb.AddSoftwareDelay(100 * time.Millisecond)

	_, err := command.MakeStackBuffer(sb.Commands())
	assert.ErrorIs(t, err, command.ErrDelayNotSerializable)
}

func TestBuilderGroups(t *testing.T) {
	t.Parallel()

	var sb command.StackBuilder
	sb.BeginGroup("mdpp16")
	sb.AddVMEBlockRead(0x0, mvlcconst.MBLT64, 0xFFFF)
	sb.BeginGroup("mdpp32")
	sb.AddVMEBlockRead(0x10000000, mvlcconst.MBLT64, 0xFFFF)

	assert.Equal(t, 2, sb.GroupCount())

	g, ok := sb.GroupByName("mdpp32")
	require.True(t, ok)
	assert.Equal(t, "mdpp32", g.Name)
	assert.Len(t, g.Commands, 1)

	// Commands added without an open group open an anonymous one.
	var anon command.StackBuilder
	anon.AddWriteMarker(1)
	assert.Equal(t, 1, anon.GroupCount())
	assert.Len(t, anon.Commands(), 1)
}

func TestSplitCommandsBatches(t *testing.T) {
	t.Parallel()

	var sb command.StackBuilder
	for i := 0; i < 10; i++ {
		sb.AddVMEWrite(uint32(i), uint32(i), mvlcconst.A32, mvlcconst.D16)
	}

	// Each write encodes to 3 words plus 2 words framing per part: two
	// writes fit into 8 words, three do not.
	parts, err := command.SplitCommands(sb.Commands(), command.SplitOptions{}, 8)
	require.NoError(t, err)
	require.Len(t, parts, 5)
	for _, part := range parts {
		assert.Len(t, part, 2)
	}
}

func TestSplitCommandsDelayBreaksBatch(t *testing.T) {
	t.Parallel()

	var sb command.StackBuilder
	sb.AddVMEWrite(0, 0, mvlcconst.A32, mvlcconst.D16)
	sb.AddSoftwareDelay(10 * time.Millisecond)
	sb.AddVMEWrite(1, 1, mvlcconst.A32, mvlcconst.D16)

	parts, err := command.SplitCommands(sb.Commands(), command.SplitOptions{},
		mvlcconst.ImmediateStackReservedWords)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.True(t, parts[1][0].IsSoftwareDelay())

	// Ignoring delays keeps everything in a single part.
	parts, err = command.SplitCommands(sb.Commands(),
		command.SplitOptions{IgnoreDelays: true}, mvlcconst.ImmediateStackReservedWords)
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}

func TestSplitCommandsNoBatching(t *testing.T) {
	t.Parallel()

	var sb command.StackBuilder
	sb.AddVMEWrite(0, 0, mvlcconst.A32, mvlcconst.D16)
	sb.AddSoftwareDelay(10 * time.Millisecond)
	sb.AddVMEWrite(1, 1, mvlcconst.A32, mvlcconst.D16)

	// NoBatching always yields one command per part, delays included.
	parts, err := command.SplitCommands(sb.Commands(),
		command.SplitOptions{NoBatching: true}, mvlcconst.ImmediateStackReservedWords)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	for _, part := range parts {
		assert.Len(t, part, 1)
	}
}

func TestSplitCommandsStackMemoryExceeded(t *testing.T) {
	t.Parallel()

	var sb command.StackBuilder
	sb.AddVMEWrite(0, 0, mvlcconst.A32, mvlcconst.D16)

	// A single 3 word write cannot fit into 4 words with framing.
	_, err := command.SplitCommands(sb.Commands(), command.SplitOptions{}, 4)
	assert.ErrorIs(t, err, command.ErrStackMemoryExceeded)
}
