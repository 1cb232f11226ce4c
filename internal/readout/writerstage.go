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

	"github.com/mesytec-daq/mvlcd/internal/listfile"
	"github.com/mesytec-daq/mvlcd/internal/pipeline"
)

// WriterStage consumes ReadoutData messages and appends their bodies to
// the listfile archive. Write errors are logged and counted; the readout
// itself continues while other sinks are attached.
type WriterStage struct {
	Writer *listfile.Writer

	writeErrors uint64
}

// NewWriterStage wraps an open listfile writer.
func NewWriterStage(w *listfile.Writer) *WriterStage {
	return &WriterStage{Writer: w}
}

// Loop runs the stage until the shutdown message arrives or a forced quit
// is requested, then finalizes the archive.
func (s *WriterStage) Loop(ctx *pipeline.JobContext) pipeline.LoopResult {
	defer func() {
		if err := s.Writer.Close(); err != nil {
			ctx.Logger.Error("Failed to finalize listfile archive", "error", err)
		}
	}()

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

		header, err := msg.DecodeReadoutDataHeader()
		if err != nil {
			ctx.Logger.Warn("Dropping input message", "error", err)
			continue
		}

		lost := uint64(0)
		if lastInputNumber != 0 || header.Number != 1 {
			lost = uint64(header.Number - lastInputNumber - 1)
		}
		if lost > 0 {
			ctx.Logger.Warn("Lost messages from readout producer",
				"lost", lost, "messageNumber", header.Number)
		}
		lastInputNumber = header.Number

		ctx.ReaderCounters.Update(func(c *pipeline.Counters) {
			c.TReceive += time.Since(tReceive)
			c.MessagesReceived++
			c.BytesReceived += uint64(msg.Len())
			c.MessagesLost += lost
		})

		body, err := msg.Body(pipeline.ReadoutDataHeaderSize)
		if err != nil {
			ctx.Logger.Warn("Dropping short input message", "error", err)
			continue
		}

		tProcess := time.Now()
		if err := s.Writer.WriteMessage(body); err != nil {
			s.writeErrors++
			ctx.Logger.Error("Listfile write failed", "error", err, "writeErrors", s.writeErrors)
		}

		ctx.ReaderCounters.Update(func(c *pipeline.Counters) {
			c.TProcess += time.Since(tProcess)
			c.TTotal += time.Since(tReceive)
		})
	}

	return pipeline.LoopResult{}
}
