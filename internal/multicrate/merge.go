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

// Package multicrate merges N single-crate readout configurations into one
// unified cross-crate event model.
package multicrate

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/mesytec-daq/mvlcd/internal/crateconfig"
)

// ModuleConfig is one module (command group) of a crate event.
type ModuleConfig struct {
	ID   uuid.UUID
	Name string

	CrateID    uint8
	EventIndex int
	GroupIndex int
}

// EventConfig is one readout event (stack) of a crate.
type EventConfig struct {
	ID      uuid.UUID
	Name    string
	Modules []ModuleConfig
}

// CrateView is the merge-relevant view of one crate config: one event per
// readout stack, one module per command group.
type CrateView struct {
	CrateID uint8
	Events  []EventConfig
}

// ViewOfCrateConfig derives a CrateView, assigning fresh object ids.
func ViewOfCrateConfig(cfg *crateconfig.CrateConfig) CrateView {
	view := CrateView{CrateID: cfg.CrateID}

	for ei, stack := range cfg.Stacks {
		event := EventConfig{
			ID:   uuid.New(),
			Name: fmt.Sprintf("crate%d_event%d", cfg.CrateID, ei),
		}
		for gi, group := range stack.Groups {
			name := group.Name
			if name == "" {
				name = fmt.Sprintf("group%d", gi)
			}
			event.Modules = append(event.Modules, ModuleConfig{
				ID:         uuid.New(),
				Name:       name,
				CrateID:    cfg.CrateID,
				EventIndex: ei,
				GroupIndex: gi,
			})
		}
		view.Events = append(view.Events, event)
	}

	return view
}

// MergedEvent is one event of the merged model.
type MergedEvent struct {
	ID         uuid.UUID
	Name       string
	CrossCrate bool
	Modules    []ModuleConfig
}

// MergedConfig is the unified cross-crate event model.
type MergedConfig struct {
	Events []MergedEvent
}

// IDMap is the bidirectional mapping between source object ids and their
// merged counterparts. Passing a previous map into Merge keeps the merged
// ids of already-known objects stable across config edits.
type IDMap struct {
	CratesToMerged map[uuid.UUID]uuid.UUID
	MergedToCrates map[uuid.UUID]uuid.UUID
}

// NewIDMap creates an empty id map.
func NewIDMap() *IDMap {
	return &IDMap{
		CratesToMerged: make(map[uuid.UUID]uuid.UUID),
		MergedToCrates: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *IDMap) insert(crateID, mergedID uuid.UUID) {
	m.CratesToMerged[crateID] = mergedID
	m.MergedToCrates[mergedID] = crateID
}

// mergedIDFor returns the stable merged id for a source object, creating
// one if the object is unknown.
func (m *IDMap) mergedIDFor(sourceID uuid.UUID) uuid.UUID {
	if mergedID, ok := m.CratesToMerged[sourceID]; ok {
		return mergedID
	}
	mergedID := uuid.New()
	m.insert(sourceID, mergedID)
	return mergedID
}

// Merge builds the unified event model:
//
//  1. One cross-crate event per listed event index, its modules being the
//     union of all crates' modules for that index in stable crate order.
//  2. The remaining events as single-crate events in (crate, event)
//     lexicographic order.
//
// Passing prev (from an earlier merge) keeps merged ids stable; pass nil
// to start fresh.
func Merge(crates []CrateView, crossCrateEventIndexes map[int]bool, prev *IDMap) (*MergedConfig, *IDMap) {
	idMap := prev
	if idMap == nil {
		idMap = NewIDMap()
	}

	merged := &MergedConfig{}

	crossIndexes := make([]int, 0, len(crossCrateEventIndexes))
	for ei := range crossCrateEventIndexes {
		crossIndexes = append(crossIndexes, ei)
	}
	sort.Ints(crossIndexes)

	for _, ei := range crossIndexes {
		event := MergedEvent{
			Name:       fmt.Sprintf("event%d", ei),
			CrossCrate: true,
		}

		// Stable ordering: crate 0 modules first, then crate 1, ...
		var sourceEventID uuid.UUID
		for _, crate := range crates {
			if ei >= len(crate.Events) {
				continue
			}
			sourceEvent := crate.Events[ei]
			if sourceEventID == uuid.Nil {
				sourceEventID = sourceEvent.ID
			}
			for _, mod := range sourceEvent.Modules {
				mergedMod := mod
				mergedMod.ID = idMap.mergedIDFor(mod.ID)
				event.Modules = append(event.Modules, mergedMod)
			}
		}

		// The merged event inherits its identity from the first
		// contributing crate event.
		event.ID = idMap.mergedIDFor(sourceEventID)

		merged.Events = append(merged.Events, event)
	}

	for _, crate := range crates {
		for ei, sourceEvent := range crate.Events {
			if crossCrateEventIndexes[ei] {
				continue
			}

			event := MergedEvent{
				ID:   idMap.mergedIDFor(sourceEvent.ID),
				Name: fmt.Sprintf("crate%d_event%d", crate.CrateID, ei),
			}
			for _, mod := range sourceEvent.Modules {
				mergedMod := mod
				mergedMod.ID = idMap.mergedIDFor(mod.ID)
				event.Modules = append(event.Modules, mergedMod)
			}

			merged.Events = append(merged.Events, event)
		}
	}

	return merged, idMap
}
