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

package readout

import (
	"sync/atomic"

	"github.com/mesytec-daq/mvlcd/internal/pipeline"
)

// CountingAnalysis is the built-in analysis consumer: it only tallies
// events, modules and words. Real analyses are attached through the
// Analysis interface.
type CountingAnalysis struct {
	Events       atomic.Uint64
	Modules      atomic.Uint64
	Words        atomic.Uint64
	SystemEvents atomic.Uint64
}

var _ Analysis = (*CountingAnalysis)(nil)

func (a *CountingAnalysis) BeginEvent(_, _ uint8) {
	a.Events.Add(1)
}

func (a *CountingAnalysis) ModuleData(_, _ uint8, _ int, data pipeline.ModuleData) {
	a.Modules.Add(1)
	a.Words.Add(uint64(len(data.Prefix) + len(data.Dynamic) + len(data.Suffix)))
}

func (a *CountingAnalysis) EndEvent(_, _ uint8) {}

func (a *CountingAnalysis) SystemEvent(_ uint8, _ []uint32) {
	a.SystemEvents.Add(1)
}
