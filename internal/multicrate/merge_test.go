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

package multicrate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesytec-daq/mvlcd/internal/crateconfig"
	"github.com/mesytec-daq/mvlcd/internal/multicrate"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/command"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

// twoCrateViews builds two crates with two events each; every event has
// two modules.
func twoCrateViews() []multicrate.CrateView {
	var crates []multicrate.CrateView

	for crateID := uint8(0); crateID < 2; crateID++ {
		cfg := &crateconfig.CrateConfig{CrateID: crateID}
		for ei := 0; ei < 2; ei++ {
			var sb command.StackBuilder
			sb.BeginGroup("mod_a")
			sb.AddVMEBlockRead(0x0, mvlcconst.MBLT64, 0xFFFF)
			sb.BeginGroup("mod_b")
			sb.AddVMEBlockRead(0x10000000, mvlcconst.MBLT64, 0xFFFF)
			cfg.Stacks = append(cfg.Stacks, sb)
			cfg.Triggers = append(cfg.Triggers, crateconfig.Trigger{
				Type: mvlcconst.TriggerIRQNoIACK, IRQLevel: uint8(ei + 1),
			})
		}
		crates = append(crates, multicrate.ViewOfCrateConfig(cfg))
	}

	return crates
}

func TestMergeCrossCrateOrdering(t *testing.T) {
	t.Parallel()

	crates := twoCrateViews()
	merged, idMap := multicrate.Merge(crates, map[int]bool{0: true}, nil)
	require.NotNil(t, idMap)

	// Event 0 is cross-crate, the remaining single-crate events follow in
	// (crate, event) order.
	require.Len(t, merged.Events, 3)

	cross := merged.Events[0]
	assert.True(t, cross.CrossCrate)
	require.Len(t, cross.Modules, 4)

	// Stable ordering: crate 0 modules first, then crate 1.
	assert.Equal(t, uint8(0), cross.Modules[0].CrateID)
	assert.Equal(t, uint8(0), cross.Modules[1].CrateID)
	assert.Equal(t, uint8(1), cross.Modules[2].CrateID)
	assert.Equal(t, uint8(1), cross.Modules[3].CrateID)

	assert.Equal(t, "crate0_event1", merged.Events[1].Name)
	assert.Equal(t, "crate1_event1", merged.Events[2].Name)
	assert.False(t, merged.Events[1].CrossCrate)
}

func TestMergeIdempotentIDs(t *testing.T) {
	t.Parallel()

	crates := twoCrateViews()

	merged1, idMap := multicrate.Merge(crates, map[int]bool{0: true}, nil)
	merged2, _ := multicrate.Merge(crates, map[int]bool{0: true}, idMap)

	require.Len(t, merged2.Events, len(merged1.Events))
	for i := range merged1.Events {
		assert.Equal(t, merged1.Events[i].ID, merged2.Events[i].ID)
		require.Len(t, merged2.Events[i].Modules, len(merged1.Events[i].Modules))
		for j := range merged1.Events[i].Modules {
			assert.Equal(t, merged1.Events[i].Modules[j].ID, merged2.Events[i].Modules[j].ID)
		}
	}
}

func TestMergeIDMapIsBidirectional(t *testing.T) {
	t.Parallel()

	crates := twoCrateViews()
	_, idMap := multicrate.Merge(crates, nil, nil)

	for sourceID, mergedID := range idMap.CratesToMerged {
		assert.Equal(t, sourceID, idMap.MergedToCrates[mergedID])
	}
}
