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

package pipeline

import (
	"log/slog"
	"time"
)

// Writer is the sending end of a link.
type Writer interface {
	// WriteMessage hands the message over. Ownership transfers to the
	// link; the caller must not touch the message afterwards.
	WriteMessage(msg *Message) error
	// Close marks the sending side as done.
	Close()
}

// Reader is the receiving end of a link.
type Reader interface {
	// ReadMessage waits up to the timeout for the next message. A nil
	// message with nil error means the timeout expired. ErrChannelClosed
	// is returned once the link is closed and drained.
	ReadMessage(timeout time.Duration) (*Message, error)
}

// defaultLinkCapacity bounds in-flight messages per link. Slow stages
// stall their producers through this bound.
const defaultLinkCapacity = 16

// Link is a bounded in-process channel between two adjacent pipeline
// steps. Sends block when the link is full; delivery is strictly in send
// order.
type Link struct {
	ch chan *Message
}

var _ Writer = (*Link)(nil)
var _ Reader = (*Link)(nil)

// NewLink creates a bounded blocking link.
func NewLink() *Link {
	return &Link{ch: make(chan *Message, defaultLinkCapacity)}
}

func (l *Link) WriteMessage(msg *Message) error {
	l.ch <- msg
	return nil
}

func (l *Link) Close() {
	close(l.ch)
}

func (l *Link) ReadMessage(timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-l.ch:
		if !ok {
			return nil, ErrChannelClosed
		}
		return msg, nil
	case <-timer.C:
		return nil, nil
	}
}

// BroadcastWriter fans messages out to multiple links, dropping on the
// producer side instead of stalling the primary path. Used for snoop
// outputs and listfile fan-out.
type BroadcastWriter struct {
	outputs []*Link
	dropped uint64
}

var _ Writer = (*BroadcastWriter)(nil)

// NewBroadcastWriter creates a lossy fan-out over the given links.
func NewBroadcastWriter(outputs ...*Link) *BroadcastWriter {
	return &BroadcastWriter{outputs: outputs}
}

// WriteMessage copies the message into every output that has room. Full
// outputs drop the message.
func (b *BroadcastWriter) WriteMessage(msg *Message) error {
	for _, out := range b.outputs {
		// Each receiver gets its own copy since ownership transfers on
		// send.
		dup := &Message{Data: append(make([]byte, 0, len(msg.Data)), msg.Data...)}

		select {
		case out.ch <- dup:
		default:
			b.dropped++
			if b.dropped%1024 == 1 {
				slog.Warn("Broadcast link dropping messages", "dropped", b.dropped)
			}
		}
	}
	return nil
}

// Close closes all output links.
func (b *BroadcastWriter) Close() {
	for _, out := range b.outputs {
		out.Close()
	}
}

// Dropped returns the number of messages dropped so far.
func (b *BroadcastWriter) Dropped() uint64 {
	return b.dropped
}

// TeeWriter couples a blocking primary link with lossy snoop links. The
// primary sink exerts backpressure on the producer; snoops receive copies
// and drop when full.
type TeeWriter struct {
	primary *Link
	snoops  *BroadcastWriter
}

var _ Writer = (*TeeWriter)(nil)

// NewTeeWriter creates a writer whose primary output blocks and whose
// snoop outputs drop.
func NewTeeWriter(primary *Link, snoops ...*Link) *TeeWriter {
	return &TeeWriter{primary: primary, snoops: NewBroadcastWriter(snoops...)}
}

// WriteMessage copies the message to the snoops, then hands ownership to
// the primary link, blocking while it is full.
func (t *TeeWriter) WriteMessage(msg *Message) error {
	_ = t.snoops.WriteMessage(msg)
	return t.primary.WriteMessage(msg)
}

// Close closes the primary and all snoop links.
func (t *TeeWriter) Close() {
	t.snoops.Close()
	t.primary.Close()
}

// Dropped returns the number of messages dropped on the snoop side.
func (t *TeeWriter) Dropped() uint64 {
	return t.snoops.Dropped()
}
