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
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/mesytec-daq/mvlcd/internal/crateconfig"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/parser"
	"github.com/mesytec-daq/mvlcd/internal/pipeline"
	"github.com/mesytec-daq/mvlcd/internal/ticketlock"
)

// parserRegistry indexes running parser stages by crate so monitors and
// the metrics exporter can sample their counters.
var parserRegistry = xsync.NewMap[string, *ParserStage]()

// VisitParserStages calls f for every running parser stage.
func VisitParserStages(f func(name string, s *ParserStage) bool) {
	parserRegistry.Range(f)
}

// ParserStage consumes ReadoutData messages, runs the readout parser over
// their bodies and emits ParsedEvents messages.
type ParserStage struct {
	CrateID uint8

	parser *parser.Parser

	outputMessage       *pipeline.Message
	outputMessageNumber uint32

	// Module data collected between BeginEvent and EndEvent. The parser's
	// callback slices alias its work buffer, so the data is copied here.
	curEventIndex int
	curModules    []pipeline.ModuleData

	totalReadoutEvents uint64
	totalSystemEvents  uint64

	countersMu ticketlock.Mutex
	counters   parser.Counters
}

// NewParserStage builds the stage and its parser from the crate config.
func NewParserStage(cfg *crateconfig.CrateConfig) (*ParserStage, error) {
	s := &ParserStage{CrateID: cfg.CrateID}

	p, err := parser.New(cfg.Stacks, parser.Callbacks{
		BeginEvent:    s.beginEvent,
		EndEvent:      s.endEvent,
		ModulePrefix:  s.modulePrefix,
		ModuleDynamic: s.moduleDynamic,
		ModuleSuffix:  s.moduleSuffix,
		SystemEvent:   s.systemEvent,
	})
	if err != nil {
		return nil, err
	}

	s.parser = p
	return s, nil
}

// ParserCounters returns a consistent snapshot of the parser statistics.
func (s *ParserStage) ParserCounters() parser.Counters {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	return s.counters
}

func (s *ParserStage) beginEvent(ei int) {
	s.curEventIndex = ei
	moduleCount := len(s.parser.Structure()[ei])
	s.curModules = make([]pipeline.ModuleData, moduleCount)
	for mi, gs := range s.parser.Structure()[ei] {
		s.curModules[mi].HasDynamic = gs.HasDynamic
	}
}

func copyWords(words []uint32) []uint32 {
	return append(make([]uint32, 0, len(words)), words...)
}

func (s *ParserStage) modulePrefix(_, mi int, data []uint32) {
	s.curModules[mi].Prefix = copyWords(data)
}

func (s *ParserStage) moduleDynamic(_, mi int, data []uint32) {
	s.curModules[mi].Dynamic = copyWords(data)
}

func (s *ParserStage) moduleSuffix(_, mi int, data []uint32) {
	s.curModules[mi].Suffix = copyWords(data)
}

func (s *ParserStage) endEvent(ei int) {
	s.outputMessage.AppendEventSection(s.CrateID, uint8(ei), s.curModules)
	s.curModules = nil
	s.totalReadoutEvents++
}

func (s *ParserStage) systemEvent(data []uint32) {
	s.outputMessage.AppendSystemEventSection(s.CrateID, data)
	s.totalSystemEvents++
}

func (s *ParserStage) newOutputMessage() {
	msg := pipeline.NewMessage()
	s.outputMessageNumber++
	msg.AppendBaseHeader(pipeline.BaseHeader{
		Type:   pipeline.MessageParsedEvents,
		Number: s.outputMessageNumber,
	})
	s.outputMessage = msg
}

func (s *ParserStage) flush(ctx *pipeline.JobContext) {
	if s.outputMessage.Len() <= pipeline.ParsedEventsHeaderSize {
		return
	}

	msgLen := s.outputMessage.Len()
	tSend := time.Now()
	_ = ctx.Writer.WriteMessage(s.outputMessage)

	ctx.WriterCounters.Update(func(c *pipeline.Counters) {
		c.TSend += time.Since(tSend)
		c.MessagesSent++
		c.BytesSent += uint64(msgLen)
	})

	s.newOutputMessage()
}

// bodyWords interprets the message body as little-endian 32-bit words.
func bodyWords(body []byte) []uint32 {
	words := make([]uint32, len(body)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(body[i*4:])
	}
	return words
}

// Loop runs the stage until the shutdown message arrives or a forced quit
// is requested.
func (s *ParserStage) Loop(ctx *pipeline.JobContext) pipeline.LoopResult {
	registryKey := fmt.Sprintf("crate%d/%s", s.CrateID, ctx.Name)
	parserRegistry.Store(registryKey, s)
	defer parserRegistry.Delete(registryKey)

	s.newOutputMessage()

	var lastInputNumber uint32

	for !ctx.ShouldQuit() {
		tReceive := time.Now()
		msg, err := ctx.Reader.ReadMessage(pipeline.ReadTimeout)

		if errors.Is(err, pipeline.ErrChannelClosed) {
			break
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
			break
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
		lastInputNumber = header.Number

		ctx.ReaderCounters.Update(func(c *pipeline.Counters) {
			c.TReceive += time.Since(tReceive)
			c.MessagesReceived++
			c.BytesReceived += uint64(msg.Len())
			c.MessagesLost += lost
		})

		tProcess := time.Now()

		body, err := msg.Body(pipeline.ReadoutDataHeaderSize)
		if err != nil {
			ctx.Logger.Warn("Dropping short input message", "error", err)
			continue
		}

		s.parser.ParseBuffer(header.BufferType, header.Number, bodyWords(body))

		s.countersMu.Lock()
		s.counters = s.parser.Counters()
		s.countersMu.Unlock()

		ctx.ReaderCounters.Update(func(c *pipeline.Counters) {
			c.TProcess += time.Since(tProcess)
			c.TTotal += time.Since(tReceive)
		})

		s.flush(ctx)
	}

	s.flush(ctx)

	shutdown := pipeline.NewShutdownMessage(s.outputMessageNumber + 1)
	_ = ctx.Writer.WriteMessage(shutdown)
	ctx.Writer.Close()

	return pipeline.LoopResult{}
}
