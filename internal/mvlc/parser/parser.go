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

// Package parser reconstructs per-event, per-module readout data from a
// possibly lossful sequence of MVLC readout buffers.
//
// Stack commands produce the following output: a marker or single read
// yields one word, a block read yields a dynamic 0xF5 framed part. Each
// command group is restricted to an optional fixed size prefix, an
// optional dynamic block part and an optional fixed size suffix.
package parser

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/codec"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/command"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

var (
	// ErrMultipleBlockReads is returned when a command group contains more
	// than one block read.
	ErrMultipleBlockReads = errors.New("multiple block reads in module readout")
	// ErrBlockReadAfterSuffix is returned when a block read follows fixed
	// suffix reads within one group.
	ErrBlockReadAfterSuffix = errors.New("block read after suffix in module readout")

	// errEndOfBuffer signals an unexpected end of the input buffer. It is
	// counted as a parser exception and never escapes the parse entry
	// points.
	errEndOfBuffer = errors.New("unexpected end of input buffer")
)

// ParseResult classifies the outcome of one parse step.
type ParseResult int

const (
	ResultOk ParseResult = iota
	ResultNoHeaderPresent
	ResultNoStackFrameFound
	ResultNotAStackFrame
	ResultNotABlockFrame
	ResultNotAStackContinuation
	ResultStackIndexChanged
	ResultStackIndexOutOfRange
	ResultGroupIndexOutOfRange
	ResultEmptyStackFrame
	ResultUnexpectedOpenBlockFrame

	// The not-advancing results indicate that the parser got stuck in
	// place, parsing the same data again. They protect callers from
	// spinning on a state machine bug instead of making progress.
	ResultParseReadoutContentsNotAdvancing
	ResultParseEthBufferNotAdvancing
	ResultParseEthPacketNotAdvancing

	resultMax
)

func (pr ParseResult) String() string {
	switch pr {
	case ResultOk:
		return "Ok"
	case ResultNoHeaderPresent:
		return "NoHeaderPresent"
	case ResultNoStackFrameFound:
		return "NoStackFrameFound"
	case ResultNotAStackFrame:
		return "NotAStackFrame"
	case ResultNotABlockFrame:
		return "NotABlockFrame"
	case ResultNotAStackContinuation:
		return "NotAStackContinuation"
	case ResultStackIndexChanged:
		return "StackIndexChanged"
	case ResultStackIndexOutOfRange:
		return "StackIndexOutOfRange"
	case ResultGroupIndexOutOfRange:
		return "GroupIndexOutOfRange"
	case ResultEmptyStackFrame:
		return "EmptyStackFrame"
	case ResultUnexpectedOpenBlockFrame:
		return "UnexpectedOpenBlockFrame"
	case ResultParseReadoutContentsNotAdvancing:
		return "ParseReadoutContentsNotAdvancing"
	case ResultParseEthBufferNotAdvancing:
		return "ParseEthBufferNotAdvancing"
	case ResultParseEthPacketNotAdvancing:
		return "ParseEthPacketNotAdvancing"
	default:
		return "UnknownParseResult"
	}
}

// GroupStructure is the preparsed readout layout of one command group: the
// fixed prefix and suffix lengths in words plus whether a dynamic block
// part is present.
type GroupStructure struct {
	PrefixLen  uint8
	SuffixLen  uint8
	HasDynamic bool
}

// IsEmpty reports whether the group produces no readout data at all.
func (g GroupStructure) IsEmpty() bool {
	return g.PrefixLen == 0 && g.SuffixLen == 0 && !g.HasDynamic
}

// Span addresses a range in the linear work buffer.
type Span struct {
	Offset uint32
	Size   uint32
}

// GroupSpans maps one group's readout parts into the work buffer. They are
// recreated on every event boundary.
type GroupSpans struct {
	Prefix  Span
	Dynamic Span
	Suffix  Span
}

// Callbacks deliver the reassembled data. Module data slices alias the
// parser's work buffer and are only valid for the duration of the call.
type Callbacks struct {
	BeginEvent    func(ei int)
	EndEvent      func(ei int)
	ModulePrefix  func(ei, mi int, data []uint32)
	ModuleDynamic func(ei, mi int, data []uint32)
	ModuleSuffix  func(ei, mi int, data []uint32)
	SystemEvent   func(data []uint32)
}

func (c *Callbacks) fillDefaults() {
	if c.BeginEvent == nil {
		c.BeginEvent = func(int) {}
	}
	if c.EndEvent == nil {
		c.EndEvent = func(int) {}
	}
	if c.ModulePrefix == nil {
		c.ModulePrefix = func(int, int, []uint32) {}
	}
	if c.ModuleDynamic == nil {
		c.ModuleDynamic = func(int, int, []uint32) {}
	}
	if c.ModuleSuffix == nil {
		c.ModuleSuffix = func(int, int, []uint32) {}
	}
	if c.SystemEvent == nil {
		c.SystemEvent = func([]uint32) {}
	}
}

// Counters collect parser statistics across a run.
type Counters struct {
	InternalBufferLoss uint32
	BuffersProcessed   uint32
	UnusedBytes        uint64

	ETHPacketLoss       uint32
	ETHPacketsProcessed uint32

	SystemEventTypes [mvlcconst.SysEventSubtypeMax + 1]uint32
	ParseResults     [resultMax]uint32
	ParserExceptions uint32
}

// frameParseState tracks the number of words left in an MVLC data frame.
type frameParseState struct {
	header    uint32
	wordsLeft uint16
}

func newFrameParseState(header uint32) frameParseState {
	return frameParseState{
		header:    header,
		wordsLeft: codec.ExtractFrameInfo(header).Len,
	}
}

func (f frameParseState) open() bool            { return f.wordsLeft > 0 }
func (f frameParseState) info() codec.FrameInfo { return codec.ExtractFrameInfo(f.header) }

type moduleParseState int

const (
	statePrefix moduleParseState = iota
	stateDynamic
	stateSuffix
)

// initialWorkBufferWords is the initial size of the linear work buffer the
// module data is assembled in. The buffer grows but never shrinks during a
// run.
const initialWorkBufferWords = (1 * 1024 * 1024) / 4

// Parser is the resumable readout parser for one crate's data stream. It
// is not safe for concurrent use; each pipeline stage owns its own
// instance.
type Parser struct {
	callbacks Callbacks

	// Readout workers start with buffer number 1 so 0 can only occur after
	// wrapping. Starting from 0 makes the loss calculation work without
	// special cases.
	lastBufferNumber uint32

	workBuffer []uint32

	// Per group offsets and sizes into the work buffer, the map of its
	// current layout.
	spans []GroupSpans

	// Per event preparsed module readout info.
	structure [][]GroupStructure

	eventIndex  int
	moduleIndex int
	moduleState moduleParseState

	// Parsing state of the current 0xF3 stack frame. Always active while
	// parsing readout data.
	curStackFrame frameParseState

	// Parsing state of the current 0xF5 block frame. Only active while
	// parsing the dynamic part of a module readout.
	curBlockFrame frameParseState

	// ETH only. -1 represents "no previous packet".
	lastPacketNumber int32

	counters Counters
}

// GroupReadoutStructure derives the readout layout of one command group.
func GroupReadoutStructure(commands []command.StackCommand) (GroupStructure, error) {
	var gs GroupStructure
	state := statePrefix

	for _, cmd := range commands {
		isSingleWord := (cmd.Type == command.StackCmdVMERead && !mvlcconst.IsBlockAmod(cmd.Amod)) ||
			cmd.Type == command.StackCmdWriteMarker

		switch {
		case isSingleWord:
			switch state {
			case statePrefix:
				gs.PrefixLen++
			case stateDynamic:
				gs.SuffixLen++
				state = stateSuffix
			case stateSuffix:
				gs.SuffixLen++
			}

		case cmd.Type == command.StackCmdVMERead:
			switch state {
			case statePrefix:
				gs.HasDynamic = true
				state = stateDynamic
			case stateDynamic:
				return gs, ErrMultipleBlockReads
			case stateSuffix:
				return gs, ErrBlockReadAfterSuffix
			}
		}
	}

	return gs, nil
}

// New creates a parser from the readout stack definitions. The first
// builder describes the readout stack with id 1 and so on; stack 0, the
// direct exec stack, is not included.
func New(readoutStacks []command.StackBuilder, callbacks Callbacks) (*Parser, error) {
	callbacks.fillDefaults()

	p := &Parser{
		callbacks:        callbacks,
		eventIndex:       -1,
		moduleIndex:      -1,
		lastPacketNumber: -1,
		workBuffer:       make([]uint32, 0, initialWorkBufferWords),
	}

	maxGroupCount := 0
	for si, stack := range readoutStacks {
		var groups []GroupStructure
		for gi, group := range stack.Groups {
			gs, err := GroupReadoutStructure(group.Commands)
			if err != nil {
				return nil, fmt.Errorf("stack %d group %d: %w", si+1, gi, err)
			}
			groups = append(groups, gs)
		}
		p.structure = append(p.structure, groups)
		if len(groups) > maxGroupCount {
			maxGroupCount = len(groups)
		}
	}

	p.spans = make([]GroupSpans, maxGroupCount)

	return p, nil
}

// Counters returns a copy of the parser statistics. Only the goroutine
// driving the parser may call this; monitors go through the owning
// stage's snapshot.
func (p *Parser) Counters() Counters {
	return p.counters
}

// Structure returns the derived readout structure.
func (p *Parser) Structure() [][]GroupStructure {
	return p.structure
}

func (p *Parser) eventInProgress() bool {
	return p.eventIndex >= 0
}

func (p *Parser) clearEventState() {
	p.eventIndex = -1
	p.moduleIndex = -1
	p.curStackFrame = frameParseState{}
	p.curBlockFrame = frameParseState{}
	p.moduleState = statePrefix
}

func (p *Parser) clearSpans() {
	for i := range p.spans {
		p.spans[i] = GroupSpans{}
	}
}

func (p *Parser) beginEvent(frameHeader uint32) ParseResult {
	frameInfo := codec.ExtractFrameInfo(frameHeader)

	if frameInfo.Type != mvlcconst.FrameTypeStack {
		slog.Warn("Parser: not a stack frame", "header", fmt.Sprintf("0x%08x", frameHeader))
		return ResultNotAStackFrame
	}

	eventIndex := int(frameInfo.Stack) - 1
	if eventIndex < 0 || eventIndex >= len(p.structure) {
		return ResultStackIndexOutOfRange
	}

	p.workBuffer = p.workBuffer[:0]
	p.clearSpans()

	p.eventIndex = eventIndex
	p.moduleIndex = 0
	p.moduleState = statePrefix
	p.curStackFrame = newFrameParseState(frameHeader)
	p.curBlockFrame = frameParseState{}

	return ResultOk
}

// copyToWorkBuffer moves words from the input into the work buffer,
// accounting for the enclosing stack frame.
func (p *Parser) copyToWorkBuffer(in *input, words int) {
	p.workBuffer = append(p.workBuffer, in.words[:words]...)
	in.skip(words)
	p.curStackFrame.wordsLeft -= uint16(words)
}

// input is a cursor over the remaining words of the current buffer or
// packet payload.
type input struct {
	words []uint32
}

func (in *input) empty() bool { return len(in.words) == 0 }
func (in *input) size() int   { return len(in.words) }

func (in *input) skip(n int) {
	in.words = in.words[n:]
}

// tryHandleSystemEvent forwards a system event frame at the current input
// position, header plus payload. Returns false if the input does not start
// with a known system event.
func (p *Parser) tryHandleSystemEvent(in *input) (bool, error) {
	if in.empty() {
		return false, nil
	}

	frameHeader := in.words[0]
	if !codec.IsKnownSystemEvent(frameHeader) {
		return false, nil
	}

	frameInfo := codec.ExtractFrameInfo(frameHeader)
	if in.size() <= int(frameInfo.Len) {
		return false, fmt.Errorf("%w: system event frame exceeds input", errEndOfBuffer)
	}

	subtype := codec.SystemEventSubtype(frameHeader)
	p.counters.SystemEventTypes[subtype]++

	p.callbacks.SystemEvent(in.words[:frameInfo.Len+1])
	in.skip(int(frameInfo.Len) + 1)
	return true, nil
}

// findStackFrameHeader searches forward for a frame header of the wanted
// type. Only StackFrame and StackContinuation headers are skipped over as
// valid frames; any other value terminates the search immediately to avoid
// interpreting faulty data as valid frames and extracting bogus lengths.
func findStackFrameHeader(in *input, wantedFrameType uint8) (bool, error) {
	for !in.empty() {
		frameInfo := codec.ExtractFrameInfo(in.words[0])

		if frameInfo.Type == wantedFrameType {
			return true, nil
		}

		if frameInfo.Type != mvlcconst.FrameTypeStack &&
			frameInfo.Type != mvlcconst.FrameTypeStackContinuation {
			return false, nil
		}

		if in.size() <= int(frameInfo.Len) {
			return false, fmt.Errorf("%w: while seeking stack frame header", errEndOfBuffer)
		}
		in.skip(int(frameInfo.Len) + 1)
	}

	return false, nil
}

// parseReadoutContents is the core state machine. It is called with an
// input over a full USB buffer or limited to the payload of a single UDP
// packet; the precondition is that the input is positioned on a frame
// header word (or on continuation data with an open stack frame).
func (p *Parser) parseReadoutContents(in *input, isETH bool) (ParseResult, error) {
	for !in.empty() {
		startSize := in.size()

		if !p.curStackFrame.open() {
			// With no open stack frame there can be no open block frame
			// either; block data must have been consumed or the block frame
			// invalidated before.
			if p.curBlockFrame.open() {
				return ResultUnexpectedOpenBlockFrame, nil
			}

			// USB buffers can contain system frames alongside readout
			// frames. ETH system frames are handled at the datagram level
			// because a packet payload may begin with continuation data
			// that happens to match the 0xFA signature.
			if !isETH {
				handled, err := p.tryHandleSystemEvent(in)
				if err != nil {
					return ResultOk, err
				}
				if handled {
					continue
				}
			}

			if p.eventInProgress() {
				// The event continues in a StackContinuation frame. Leave
				// the header in the input so the caller can retry from the
				// same position after an early error return.
				frameInfo := codec.ExtractFrameInfo(in.words[0])

				if frameInfo.Type != mvlcconst.FrameTypeStackContinuation {
					return ResultNotAStackContinuation, nil
				}
				if int(frameInfo.Stack)-1 != p.eventIndex {
					return ResultStackIndexChanged, nil
				}

				p.curStackFrame = newFrameParseState(in.words[0])
				in.skip(1)
			} else {
				// No event in progress: the previous one completed, or
				// buffer/packet loss cleared the state. Seek the next
				// StackFrame header and begin a new event there.
				before := in.size()

				found, err := findStackFrameHeader(in, mvlcconst.FrameTypeStack)
				if err != nil {
					return ResultOk, err
				}
				if !found {
					return ResultNoStackFrameFound, nil
				}

				p.counters.UnusedBytes += uint64(before-in.size()) * 4

				if pr := p.beginEvent(in.words[0]); pr != ResultOk {
					return pr, nil
				}

				in.skip(1) // eat the StackFrame beginning the event
			}
		}

		moduleInfos := p.structure[p.eventIndex]

		// A stack frame for an event without any modules, e.g. a periodic
		// event with no readout commands. The frame should be empty.
		if len(moduleInfos) == 0 {
			if fi := p.curStackFrame.info(); fi.Len != 0 {
				slog.Warn("Parser: empty event with non-empty stack frame",
					"eventIndex", p.eventIndex, "frameLen", fi.Len)
			}
			ei := p.eventIndex
			p.callbacks.BeginEvent(ei)
			p.callbacks.EndEvent(ei)
			p.clearEventState()
			return ResultOk, nil
		}

		if p.moduleIndex >= len(moduleInfos) {
			return ResultGroupIndexOutOfRange, nil
		}

		moduleParts := moduleInfos[p.moduleIndex]

		if moduleParts.IsEmpty() {
			// The module's readout is completely empty.
			p.moduleIndex++
		} else {
			spans := &p.spans[p.moduleIndex]

			switch p.moduleState {
			case statePrefix:
				if spans.Prefix.Size < uint32(moduleParts.PrefixLen) {
					if spans.Prefix.Size == 0 {
						spans.Prefix.Offset = uint32(len(p.workBuffer))
					}

					wordsLeftInSpan := int(moduleParts.PrefixLen) - int(spans.Prefix.Size)
					wordsToCopy := min(wordsLeftInSpan, int(p.curStackFrame.wordsLeft), in.size())

					p.copyToWorkBuffer(in, wordsToCopy)
					spans.Prefix.Size += uint32(wordsToCopy)
				}

				if spans.Prefix.Size == uint32(moduleParts.PrefixLen) {
					switch {
					case moduleParts.HasDynamic:
						p.moduleState = stateDynamic
						continue
					case moduleParts.SuffixLen != 0:
						p.moduleState = stateSuffix
						continue
					default:
						p.moduleIndex++
						p.moduleState = statePrefix
					}
				}

			case stateDynamic:
				if !p.curBlockFrame.open() {
					if in.empty() {
						return ResultOk, fmt.Errorf("%w: next block frame header", errEndOfBuffer)
					}

					// Peek the candidate block frame header.
					p.curBlockFrame = newFrameParseState(in.words[0])

					if p.curBlockFrame.info().Type != mvlcconst.FrameTypeBlockRead {
						slog.Debug("Parser: not a block frame",
							"header", fmt.Sprintf("0x%08x", p.curBlockFrame.header))
						p.clearEventState()
						return ResultNotABlockFrame, nil
					}

					// The block header is consumed out of the enclosing
					// stack frame as well.
					in.skip(1)
					if p.curStackFrame.wordsLeft == 0 {
						return ResultOk, fmt.Errorf("%w: block header outside stack frame", errEndOfBuffer)
					}
					p.curStackFrame.wordsLeft--
				}

				if spans.Dynamic.Size == 0 {
					spans.Dynamic.Offset = uint32(len(p.workBuffer))
				}

				wordsToCopy := min(int(p.curBlockFrame.wordsLeft), in.size())

				p.copyToWorkBuffer(in, wordsToCopy)
				spans.Dynamic.Size += uint32(wordsToCopy)
				p.curBlockFrame.wordsLeft -= uint16(wordsToCopy)

				if p.curBlockFrame.wordsLeft == 0 &&
					p.curBlockFrame.info().Flags&mvlcconst.FrameFlagContinue == 0 {
					if moduleParts.SuffixLen == 0 {
						p.moduleIndex++
						p.moduleState = statePrefix
					} else {
						p.moduleState = stateSuffix
						continue
					}
				}

			case stateSuffix:
				if spans.Suffix.Size < uint32(moduleParts.SuffixLen) {
					if spans.Suffix.Size == 0 {
						spans.Suffix.Offset = uint32(len(p.workBuffer))
					}

					wordsLeftInSpan := int(moduleParts.SuffixLen) - int(spans.Suffix.Size)
					wordsToCopy := min(wordsLeftInSpan, int(p.curStackFrame.wordsLeft), in.size())

					p.copyToWorkBuffer(in, wordsToCopy)
					spans.Suffix.Size += uint32(wordsToCopy)
				}

				if spans.Suffix.Size >= uint32(moduleParts.SuffixLen) {
					p.moduleIndex++
					p.moduleState = statePrefix
				}
			}
		}

		// Skip over modules without any readout data, e.g. disabled
		// modules.
		for p.moduleIndex < len(moduleInfos) && moduleInfos[p.moduleIndex].IsEmpty() {
			p.moduleIndex++
		}

		if p.moduleIndex >= len(moduleInfos) && p.curStackFrame.wordsLeft == 0 {
			p.flushEvent(moduleInfos)
		}

		if in.size() == startSize {
			return ResultParseReadoutContentsNotAdvancing, nil
		}
	}

	return ResultOk, nil
}

// flushEvent emits the completed event through the callbacks and resets
// the event state.
func (p *Parser) flushEvent(moduleInfos []GroupStructure) {
	ei := p.eventIndex
	p.callbacks.BeginEvent(ei)

	for mi := range moduleInfos {
		spans := p.spans[mi]

		if spans.Prefix.Size > 0 {
			p.callbacks.ModulePrefix(ei, mi,
				p.workBuffer[spans.Prefix.Offset:spans.Prefix.Offset+spans.Prefix.Size])
		}
		if spans.Dynamic.Size > 0 {
			p.callbacks.ModuleDynamic(ei, mi,
				p.workBuffer[spans.Dynamic.Offset:spans.Dynamic.Offset+spans.Dynamic.Size])
		}
		if spans.Suffix.Size > 0 {
			p.callbacks.ModuleSuffix(ei, mi,
				p.workBuffer[spans.Suffix.Offset:spans.Suffix.Offset+spans.Suffix.Size])
		}
	}

	p.callbacks.EndEvent(ei)
	p.clearEventState()
}

func (p *Parser) countResult(pr ParseResult) {
	p.counters.ParseResults[pr]++
}
