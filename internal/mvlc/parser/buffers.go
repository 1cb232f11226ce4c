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

package parser

import (
	"log/slog"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/codec"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

// ParseBuffer dispatches to the USB or ETH entry point based on the buffer
// type.
func (p *Parser) ParseBuffer(bufferType mvlcconst.ConnectionType, bufferNumber uint32, buffer []uint32) ParseResult {
	switch bufferType {
	case mvlcconst.ConnectionETH:
		return p.ParseBufferETH(bufferNumber, buffer)
	default:
		return p.ParseBufferUSB(bufferNumber, buffer)
	}
}

// handleBufferLoss resets the parser on non-consecutive buffer numbers.
// Any partially assembled output is discarded and parsing restarts at the
// next stack frame.
func (p *Parser) handleBufferLoss(bufferNumber uint32, isETH bool) {
	loss := codec.CalcBufferLoss(bufferNumber, p.lastBufferNumber)
	p.lastBufferNumber = bufferNumber

	if loss != 0 {
		p.clearEventState()
		p.counters.InternalBufferLoss += uint32(loss)
		if isETH {
			// Also forget the last packet number so that the packet loss
			// counter is not additionally inflated by the same gap.
			p.lastPacketNumber = -1
		}
	}
}

// ParseBufferUSB consumes one linear USB readout buffer. The input always
// starts on a frame header. Parse errors reset the event state, are
// counted and do not abort the run; the parser resumes with the next
// buffer.
func (p *Parser) ParseBufferUSB(bufferNumber uint32, buffer []uint32) ParseResult {
	p.handleBufferLoss(bufferNumber, false)

	in := &input{words: buffer}

	for !in.empty() {
		pr, err := p.parseReadoutContents(in, false)

		if err != nil {
			slog.Warn("Parser: exception while parsing USB buffer",
				"bufferNumber", bufferNumber, "error", err)
			p.clearEventState()
			p.counters.UnusedBytes += uint64(in.size()) * 4
			p.counters.ParserExceptions++
			return ResultOk
		}

		if pr != ResultOk {
			p.countResult(pr)
			p.clearEventState()
			p.counters.UnusedBytes += uint64(in.size()) * 4
			return pr
		}
	}

	p.counters.BuffersProcessed++
	p.counters.UnusedBytes += uint64(in.size()) * 4
	return ResultOk
}

// ParseBufferETH consumes one buffer of ETH readout data: a mix of system
// event frames and raw datagrams, each datagram beginning with the two ETH
// payload header words. Packet loss within the buffer resets the event
// state; parse errors skip the offending datagram.
func (p *Parser) ParseBufferETH(bufferNumber uint32, buffer []uint32) ParseResult {
	p.handleBufferLoss(bufferNumber, true)

	in := &input{words: buffer}

	for !in.empty() {
		startSize := in.size()

		// System events are produced by the readout side and sit between
		// datagrams, never inside them.
		handled, err := p.tryHandleSystemEvent(in)
		if err != nil {
			return p.abortETHBuffer(bufferNumber, in, err)
		}
		if handled {
			continue
		}

		if in.size() < mvlcconst.ETHHeaderWords {
			return p.abortETHBuffer(bufferNumber, in, errEndOfBuffer)
		}

		ethHdrs := codec.PayloadHeaderInfo{Header0: in.words[0], Header1: in.words[1]}

		// The buffer producer guarantees whole datagrams per buffer.
		packetWords := mvlcconst.ETHHeaderWords + int(ethHdrs.DataWordCount())
		if in.size() < packetWords {
			return p.abortETHBuffer(bufferNumber, in, errEndOfBuffer)
		}

		if p.lastPacketNumber >= 0 {
			if loss := codec.CalcPacketLoss(uint16(p.lastPacketNumber), ethHdrs.PacketNumber()); loss > 0 {
				slog.Warn("Parser: ETH packet loss detected",
					"lastPacketNumber", p.lastPacketNumber,
					"packetNumber", ethHdrs.PacketNumber(),
					"loss", loss)
				p.clearEventState()
				p.counters.ETHPacketLoss += uint32(loss)
			}
		}
		p.lastPacketNumber = int32(ethHdrs.PacketNumber())

		packet := &input{words: in.words[:packetWords]}

		pr, err := p.parsePacket(packet, ethHdrs)
		p.counters.ETHPacketsProcessed++

		if pr != ResultOk || err != nil {
			// Clear the parsing state and advance the outer input past the
			// end of the offending datagram, then reenter the loop.
			p.clearEventState()
			p.counters.UnusedBytes += uint64(packet.size()) * 4

			if err != nil {
				slog.Warn("Parser: exception while parsing ETH packet",
					"bufferNumber", bufferNumber,
					"packetNumber", ethHdrs.PacketNumber(),
					"error", err)
				p.counters.ParserExceptions++
			} else {
				p.countResult(pr)
			}
		}

		in.skip(packetWords)

		if in.size() == startSize {
			return ResultParseEthBufferNotAdvancing
		}
	}

	p.counters.BuffersProcessed++
	return ResultOk
}

func (p *Parser) abortETHBuffer(bufferNumber uint32, in *input, err error) ParseResult {
	slog.Warn("Parser: exception while parsing ETH buffer",
		"bufferNumber", bufferNumber, "error", err)
	p.clearEventState()
	p.counters.UnusedBytes += uint64(in.size()) * 4
	p.counters.ParserExceptions++
	return ResultOk
}

// parsePacket parses the payload of a single datagram. Packet loss is
// handled by the caller; the input is bounded by the datagram.
func (p *Parser) parsePacket(packet *input, ethHdrs codec.PayloadHeaderInfo) (ParseResult, error) {
	// Skip the two ETH header words onto the first payload word: either
	// trailing data of an already open stack frame or the next frame
	// header.
	packet.skip(mvlcconst.ETHHeaderWords)

	if !p.eventInProgress() {
		// Find the start of the next event via the packet's header
		// pointer.
		if !ethHdrs.HasHeaderPointer() {
			// No frame header inside this packet; without an event in
			// progress its data cannot be used.
			return ResultNoHeaderPresent, nil
		}

		if packet.size() < int(ethHdrs.NextHeaderPointer()) {
			return ResultOk, errEndOfBuffer
		}

		packet.skip(int(ethHdrs.NextHeaderPointer()))
		p.counters.UnusedBytes += uint64(ethHdrs.NextHeaderPointer()) * 4
	}

	for !packet.empty() {
		startSize := packet.size()

		pr, err := p.parseReadoutContents(packet, true)
		if pr != ResultOk || err != nil {
			return pr, err
		}

		if packet.size() == startSize {
			return ResultParseEthPacketNotAdvancing, nil
		}
	}

	return ResultOk, nil
}
