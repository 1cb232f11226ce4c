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
	"sync/atomic"
	"time"

	"github.com/mesytec-daq/mvlcd/internal/listfile"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/codec"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/transport"
	"github.com/mesytec-daq/mvlcd/internal/pipeline"
)

// flushBufferTimeout bounds how long readout data is accumulated before
// the current output message is flushed downstream.
const flushBufferTimeout = 500 * time.Millisecond

// timetickInterval is the spacing of UnixTimestamp system events embedded
// into the readout stream.
const timetickInterval = 1 * time.Second

// Producer reads raw data from the MVLC data pipe and emits ReadoutData
// messages. Message numbers start at 1; downstream stages derive loss from
// gaps.
type Producer struct {
	CrateID   uint8
	Transport transport.Transport

	pauseRequested atomic.Bool
	paused         bool

	messageNumber uint32
	previousData  []byte
	now           func() time.Time
}

// Pause suspends reading. A Pause system event marks the spot in the
// stream.
func (p *Producer) Pause() {
	p.pauseRequested.Store(true)
}

// Resume continues reading after a Pause.
func (p *Producer) Resume() {
	p.pauseRequested.Store(false)
}

// NewProducer creates a readout producer over a connected transport.
func NewProducer(crateID uint8, t transport.Transport) *Producer {
	return &Producer{CrateID: crateID, Transport: t, now: time.Now}
}

func (p *Producer) newOutputMessage() *pipeline.Message {
	msg := pipeline.NewMessage()
	p.messageNumber++
	msg.AppendReadoutDataHeader(pipeline.ReadoutDataHeader{
		BaseHeader: pipeline.BaseHeader{
			Type:   pipeline.MessageReadoutData,
			Number: p.messageNumber,
		},
		BufferType: p.Transport.ConnectionType(),
		CrateID:    p.CrateID,
	})

	// Trailing bytes of an incomplete frame from the previous message
	// become the head of this one.
	msg.Append(p.previousData)
	p.previousData = p.previousData[:0]

	return msg
}

func (p *Producer) appendTimetick(msg *pipeline.Message) {
	ts := uint64(p.now().Unix())
	msg.AppendWord(codec.PackSystemEventHeader(mvlcconst.SysEventUnixTimestamp, 2, false))
	msg.AppendWord(uint32(ts))
	msg.AppendWord(uint32(ts >> 32))
}

func (p *Producer) appendEndOfFile(msg *pipeline.Message) {
	msg.AppendWord(codec.PackSystemEventHeader(mvlcconst.SysEventEndOfFile, 0, false))
}

func (p *Producer) flush(ctx *pipeline.JobContext, msg *pipeline.Message) {
	// Move an incomplete trailing frame into the next message so every
	// emitted message is a concatenation of whole frames. Not strictly
	// needed for ETH where packet reads are atomic.
	listfile.FixupBufferMessage(p.Transport.ConnectionType(), msg, &p.previousData)

	msgLen := msg.Len()
	tSend := time.Now()
	_ = ctx.Writer.WriteMessage(msg)

	ctx.WriterCounters.Update(func(c *pipeline.Counters) {
		c.TSend += time.Since(tSend)
		c.MessagesSent++
		c.BytesSent += uint64(msgLen)
	})
}

// Loop runs the producer until a quit is requested, then emits an
// EndOfFile system event followed by a shutdown message.
func (p *Producer) Loop(ctx *pipeline.JobContext) pipeline.LoopResult {
	usbTransport, _ := p.Transport.(*transport.USB)
	ethTransport, _ := p.Transport.(*transport.ETH)

	msg := p.newOutputMessage()
	p.appendTimetick(msg)
	lastTimetick := p.now()

	for !ctx.ShouldQuit() {
		if p.pauseRequested.Load() != p.paused {
			p.paused = p.pauseRequested.Load()
			subtype := uint8(mvlcconst.SysEventResume)
			if p.paused {
				subtype = mvlcconst.SysEventPause
			}
			msg.AppendWord(codec.PackSystemEventHeader(subtype, 0, false))
		}

		if p.paused {
			time.Sleep(pipeline.ReadTimeout)
			continue
		}

		tStart := time.Now()

		var bytesRead int
		var err error

		if ethTransport != nil {
			bytesRead, err = p.readoutETH(ctx, ethTransport, msg)
		} else {
			bytesRead, err = p.readoutUSB(usbTransport, msg)
		}

		ctx.WriterCounters.Update(func(c *pipeline.Counters) {
			c.TReceive += time.Since(tStart)
			c.TTotal += time.Since(tStart)
		})

		if err != nil && !errors.Is(err, transport.ErrTimeout) {
			ctx.Logger.Error("Readout read failed", "error", err)
			p.flush(ctx, msg)
			return pipeline.LoopResult{Err: err}
		}

		if p.now().Sub(lastTimetick) >= timetickInterval {
			p.appendTimetick(msg)
			lastTimetick = p.now()
		}

		if bytesRead > 0 || msg.Len() > pipeline.ReadoutDataHeaderSize {
			p.flush(ctx, msg)
			msg = p.newOutputMessage()
		}
	}

	p.appendEndOfFile(msg)
	p.flush(ctx, msg)

	shutdown := pipeline.NewShutdownMessage(p.messageNumber + 1)
	_ = ctx.Writer.WriteMessage(shutdown)
	ctx.Writer.Close()

	return pipeline.LoopResult{}
}

// readoutUSB fills the message with maximum sized unbuffered bulk reads
// until the flush timeout elapses or the message is full.
func (p *Producer) readoutUSB(usb *transport.USB, msg *pipeline.Message) (int, error) {
	total := 0
	tStart := time.Now()

	locks := p.Transport.Locks()
	locks.LockData()
	defer locks.UnlockData()

	for msg.Free() >= 4 {
		free := msg.Free()
		offset := msg.Len()
		msg.Data = msg.Data[:offset+free]

		n, err := usb.ReadUnbuffered(mvlcconst.DataPipe, msg.Data[offset:])
		msg.Data = msg.Data[:offset+n]
		total += n

		if err != nil {
			return total, err
		}
		if time.Since(tStart) >= flushBufferTimeout {
			break
		}
	}

	return total, nil
}

// readoutETH fills the message with whole datagrams until the flush
// timeout elapses or no jumbo frame fits anymore.
func (p *Producer) readoutETH(ctx *pipeline.JobContext, eth *transport.ETH, msg *pipeline.Message) (int, error) {
	total := 0
	tStart := time.Now()

	locks := p.Transport.Locks()
	locks.LockData()
	defer locks.UnlockData()

	for msg.Free() >= mvlcconst.ETHJumboFrameMaxSize && !ctx.ShouldQuit() {
		offset := msg.Len()
		msg.Data = msg.Data[:offset+mvlcconst.ETHJumboFrameMaxSize]

		res := eth.ReadPacket(mvlcconst.DataPipe, msg.Data[offset:])
		msg.Data = msg.Data[:offset+res.BytesTransferred]
		total += res.BytesTransferred

		if res.Err != nil {
			return total, res.Err
		}
		if time.Since(tStart) >= flushBufferTimeout {
			break
		}
	}

	return total, nil
}
