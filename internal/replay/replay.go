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

// Package replay turns a listfile byte stream back into per-crate
// ReadoutData message streams. Replayed messages are byte-identical to the
// live run's messages.
package replay

import (
	"encoding/binary"
	"io"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/codec"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
	"github.com/mesytec-daq/mvlcd/internal/pipeline"
)

// chunkSize is the amount of listfile data read per iteration.
const chunkSize = 1 * 1024 * 1024

// Replayer demultiplexes a listfile stream onto per-crate pipelines.
type Replayer struct {
	// Source is the sequential listfile stream, positioned after the
	// preamble.
	Source io.Reader

	// Outputs maps crate ids to their pipeline inputs. Frames for crates
	// without an output are skipped.
	Outputs map[uint8]pipeline.Writer

	messages       map[uint8]*pipeline.Message
	messageNumbers map[uint8]uint32
}

// New creates a replayer over the given stream.
func New(source io.Reader, outputs map[uint8]pipeline.Writer) *Replayer {
	return &Replayer{
		Source:         source,
		Outputs:        outputs,
		messages:       make(map[uint8]*pipeline.Message),
		messageNumbers: make(map[uint8]uint32),
	}
}

// partInfo is the result of classifying the next word(s) of the stream.
type partInfo struct {
	crateID    uint8
	partWords  int
	bufferType mvlcconst.ConnectionType
}

// extractPartInfo inspects the stream position: a known MVLC frame header
// identifies a USB style part of length+1 words with the crate id in its
// ctrl field; otherwise two words forming an ETH header pair identify a
// datagram of data_word_count+2 words. A zero partWords result means no
// part could be identified.
func extractPartInfo(words []uint32) partInfo {
	if len(words) == 0 {
		return partInfo{}
	}

	if codec.IsKnownFrameHeader(words[0]) {
		info := codec.ExtractFrameInfo(words[0])
		return partInfo{
			crateID:    info.Ctrl,
			partWords:  int(info.Len) + 1,
			bufferType: mvlcconst.ConnectionUSB,
		}
	}

	if len(words) >= 2 {
		hdr := codec.PayloadHeaderInfo{Header0: words[0], Header1: words[1]}
		return partInfo{
			crateID:    hdr.ControllerID(),
			partWords:  int(hdr.DataWordCount()) + 2,
			bufferType: mvlcconst.ConnectionETH,
		}
	}

	return partInfo{}
}

func (r *Replayer) prepareMessage(crateID uint8, bufferType mvlcconst.ConnectionType) *pipeline.Message {
	if msg := r.messages[crateID]; msg != nil {
		return msg
	}

	msg := pipeline.NewMessage()
	r.messageNumbers[crateID]++
	msg.AppendReadoutDataHeader(pipeline.ReadoutDataHeader{
		BaseHeader: pipeline.BaseHeader{
			Type:   pipeline.MessageReadoutData,
			Number: r.messageNumbers[crateID],
		},
		BufferType: bufferType,
		CrateID:    crateID,
	})
	r.messages[crateID] = msg
	return msg
}

func (r *Replayer) flush(crateID uint8, ctx *pipeline.JobContext) {
	msg := r.messages[crateID]
	if msg == nil {
		return
	}
	delete(r.messages, crateID)

	if out := r.Outputs[crateID]; out != nil {
		msgLen := msg.Len()
		_ = out.WriteMessage(msg)
		ctx.WriterCounters.Update(func(c *pipeline.Counters) {
			c.MessagesSent++
			c.BytesSent += uint64(msgLen)
		})
	}
}

// appendPart adds one part to the crate's output message, flushing first
// when the part does not fit anymore. Contiguous parts for the same crate
// coalesce into a single message.
func (r *Replayer) appendPart(ctx *pipeline.JobContext, info partInfo, part []byte) {
	if r.Outputs[info.crateID] == nil {
		return
	}

	msg := r.prepareMessage(info.crateID, info.bufferType)
	if msg.Free() < len(part) {
		r.flush(info.crateID, ctx)
		msg = r.prepareMessage(info.crateID, info.bufferType)
	}
	msg.Append(part)
}

// Loop reads the stream in chunks, splits it into per-crate parts and
// forwards them, carrying an incomplete tail over into the next chunk. At
// end of stream all pending messages are flushed and shutdown messages
// sent.
func (r *Replayer) Loop(ctx *pipeline.JobContext) pipeline.LoopResult {
	var result pipeline.LoopResult

	buffer := make([]byte, 0, 2*chunkSize)

	for !ctx.ShouldQuit() {
		// Refill: grow the buffer by one chunk after the carried tail.
		used := len(buffer)
		buffer = buffer[:used+chunkSize]
		n, err := io.ReadFull(r.Source, buffer[used:])
		buffer = buffer[:used+n]

		if n == 0 {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			result.Err = err
			break
		}

		consumed := r.processChunk(ctx, buffer)

		// Move the unconsumed tail to the front.
		tail := len(buffer) - consumed
		copy(buffer, buffer[consumed:])
		buffer = buffer[:tail]

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if tail > 0 {
				ctx.Logger.Warn("Trailing bytes at end of listfile", "bytes", tail)
			}
			break
		}
	}

	for crateID := range r.messages {
		r.flush(crateID, ctx)
	}

	for crateID, out := range r.Outputs {
		r.messageNumbers[crateID]++
		_ = out.WriteMessage(pipeline.NewShutdownMessage(r.messageNumbers[crateID]))
		out.Close()
	}

	return result
}

// processChunk consumes whole parts from the chunk and returns the number
// of bytes consumed.
func (r *Replayer) processChunk(ctx *pipeline.JobContext, chunk []byte) int {
	words := make([]uint32, len(chunk)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(chunk[i*4:])
	}

	pos := 0
	for pos < len(words) {
		info := extractPartInfo(words[pos:])

		if info.partWords == 0 {
			// Cannot classify: either a split ETH header pair at the chunk
			// boundary or unknown data. Stop and carry the tail.
			break
		}
		if pos+info.partWords > len(words) {
			break
		}

		r.appendPart(ctx, info, chunk[pos*4:(pos+info.partWords)*4])
		pos += info.partWords
	}

	return pos * 4
}
