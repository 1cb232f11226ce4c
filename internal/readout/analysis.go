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
	"errors"
	"time"

	"github.com/mesytec-daq/mvlcd/internal/pipeline"
)

// Analysis is the consumer of decoded event data. The core treats it as
// opaque; implementations receive module data between BeginEvent and
// EndEvent calls.
type Analysis interface {
	BeginEvent(crateID, eventIndex uint8)
	ModuleData(crateID, eventIndex uint8, moduleIndex int, data pipeline.ModuleData)
	EndEvent(crateID, eventIndex uint8)
	SystemEvent(crateID uint8, frame []uint32)
}

// AnalysisStage consumes ParsedEvents messages and drives an Analysis.
type AnalysisStage struct {
	Analysis Analysis
}

// NewAnalysisStage wraps an analysis consumer.
func NewAnalysisStage(a Analysis) *AnalysisStage {
	return &AnalysisStage{Analysis: a}
}

// Loop runs the stage until the shutdown message arrives or a forced quit
// is requested.
func (s *AnalysisStage) Loop(ctx *pipeline.JobContext) pipeline.LoopResult {
	var lastInputNumber uint32

	for !ctx.ShouldQuit() {
		tReceive := time.Now()
		msg, err := ctx.Reader.ReadMessage(pipeline.ReadTimeout)

		if errors.Is(err, pipeline.ErrChannelClosed) {
			return pipeline.LoopResult{}
		}
		if err != nil {
			return pipeline.LoopResult{Err: err}
		}
		if msg == nil { // timeout
			continue
		}

		msgType, err := msg.PeekType()
		if err != nil {
			ctx.Logger.Warn("Dropping malformed input message", "error", err)
			continue
		}

		if msgType == pipeline.MessageGracefulShutdown {
			ctx.Logger.Info("Received shutdown message")
			return pipeline.LoopResult{}
		}

		header, err := msg.DecodeBaseHeader()
		if err != nil {
			ctx.Logger.Warn("Dropping input message", "error", err)
			continue
		}

		lost := uint64(0)
		if lastInputNumber != 0 || header.Number != 1 {
			lost = uint64(header.Number - lastInputNumber - 1)
		}
		lastInputNumber = header.Number

		ctx.ReaderCounters.Update(func(c *pipeline.Counters) {
			c.TReceive += time.Since(tReceive)
			c.MessagesReceived++
			c.BytesReceived += uint64(msg.Len())
			c.MessagesLost += lost
		})

		tProcess := time.Now()
		if err := s.processMessage(ctx, msg); err != nil {
			ctx.Logger.Warn("Error processing parsed events message", "error", err)
		}

		ctx.ReaderCounters.Update(func(c *pipeline.Counters) {
			c.TProcess += time.Since(tProcess)
			c.TTotal += time.Since(tReceive)
		})
	}

	return pipeline.LoopResult{}
}

func (s *AnalysisStage) processMessage(ctx *pipeline.JobContext, msg *pipeline.Message) error {
	it, err := pipeline.NewSectionIterator(msg)
	if err != nil {
		return err
	}

	for {
		section, err := it.Next()
		if err != nil {
			return err
		}
		if section == nil {
			return nil
		}

		switch section.Magic {
		case pipeline.ParsedDataEventMagic:
			s.Analysis.BeginEvent(section.CrateID, section.EventIndex)
			for mi, mod := range section.Modules {
				s.Analysis.ModuleData(section.CrateID, section.EventIndex, mi, mod)
			}
			s.Analysis.EndEvent(section.CrateID, section.EventIndex)

		case pipeline.ParsedSystemEventMagic:
			s.Analysis.SystemEvent(section.CrateID, section.SystemFrame)
		}
	}
}
