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

// Package transport provides the two duplex byte transports to an MVLC:
// USB bulk endpoints and UDP sockets. Both expose the same two logical
// pipes with independent timeouts and per-pipe fair locks.
package transport

import (
	"errors"
	"time"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
	"github.com/mesytec-daq/mvlcd/internal/ticketlock"
)

var (
	ErrConnection    = errors.New("connection error")
	ErrIsConnected   = errors.New("already connected")
	ErrDisconnected  = errors.New("not connected")
	ErrTimeout       = errors.New("transfer timeout")
	ErrShortTransfer = errors.New("short transfer")
	ErrChipConfig    = errors.New("USB chip configuration unusable for streaming")
	ErrHostLookup    = errors.New("host lookup failed")
	ErrBind          = errors.New("binding local ports failed")
	ErrInUse         = errors.New("device in use")
	ErrWrongPipe     = errors.New("operation not supported on this pipe")
)

// Transport is a duplex byte transport to one MVLC. Implementations own
// their OS handles; a disconnected instance cannot be reused, reconnection
// requires a fresh instance.
type Transport interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	ConnectionType() mvlcconst.ConnectionType

	// Write writes the whole buffer to the pipe. A partial write before a
	// timeout returns the transferred byte count together with ErrTimeout.
	Write(pipe mvlcconst.Pipe, data []byte) (int, error)

	// Read fills the whole buffer from the pipe. A partial read before a
	// timeout returns the transferred byte count together with ErrTimeout.
	Read(pipe mvlcconst.Pipe, data []byte) (int, error)

	SetReadTimeout(pipe mvlcconst.Pipe, d time.Duration)
	SetWriteTimeout(pipe mvlcconst.Pipe, d time.Duration)

	Locks() *PipeLocks
}

// PacketReader is implemented by the ETH transport; it reads exactly one
// UDP datagram per call.
type PacketReader interface {
	ReadPacket(pipe mvlcconst.Pipe, buffer []byte) PacketReadResult
}

// PacketReadResult is the outcome of a single datagram read.
type PacketReadResult struct {
	Err              error
	Buffer           []byte // the filled prefix of the caller's buffer
	BytesTransferred int
	LostPackets      int32
}

// Header0 is the first ETH payload header word.
func (r PacketReadResult) Header0() uint32 {
	return wordAt(r.Buffer, 0)
}

// Header1 is the second ETH payload header word.
func (r PacketReadResult) Header1() uint32 {
	return wordAt(r.Buffer, 1)
}

// HasHeaders reports whether the datagram was large enough to carry the two
// ETH payload header words.
func (r PacketReadResult) HasHeaders() bool {
	return r.BytesTransferred >= mvlcconst.ETHHeaderBytes
}

func wordAt(b []byte, wordIndex int) uint32 {
	i := wordIndex * 4
	if len(b) < i+4 {
		return 0
	}
	return uint32(b[i]) | uint32(b[i+1])<<8 | uint32(b[i+2])<<16 | uint32(b[i+3])<<24
}

// PipeLocks hold one fair mutex per pipe. Both pipes may be used
// concurrently; LockBoth acquires command then data to keep a fixed order
// across all callers.
type PipeLocks struct {
	cmd  ticketlock.Mutex
	data ticketlock.Mutex
}

func (l *PipeLocks) LockCommand()   { l.cmd.Lock() }
func (l *PipeLocks) UnlockCommand() { l.cmd.Unlock() }
func (l *PipeLocks) LockData()      { l.data.Lock() }
func (l *PipeLocks) UnlockData()    { l.data.Unlock() }

func (l *PipeLocks) Lock(pipe mvlcconst.Pipe) {
	if pipe == mvlcconst.CommandPipe {
		l.cmd.Lock()
	} else {
		l.data.Lock()
	}
}

func (l *PipeLocks) Unlock(pipe mvlcconst.Pipe) {
	if pipe == mvlcconst.CommandPipe {
		l.cmd.Unlock()
	} else {
		l.data.Unlock()
	}
}

// LockBoth acquires both pipe locks for connect/disconnect sequences.
func (l *PipeLocks) LockBoth() {
	l.cmd.Lock()
	l.data.Lock()
}

func (l *PipeLocks) UnlockBoth() {
	l.data.Unlock()
	l.cmd.Unlock()
}

// PipeStats are per-pipe receive statistics.
type PipeStats struct {
	ReceiveAttempts         uint64
	ReceivedPackets         uint64
	ReceivedBytes           uint64
	ShortPackets            uint64
	PacketsWithResidue      uint64
	NoHeader                uint64
	HeaderOutOfRange        uint64
	PacketChannelOutOfRange uint64
	LostPackets             uint64

	// Histograms of received packet sizes and of the frame types the packet
	// header pointers point at.
	PacketSizes map[int]uint64
	HeaderTypes map[uint8]uint64
}

// ChannelStats are per packet-channel receive statistics.
type ChannelStats struct {
	ReceivedPackets  uint64
	ReceivedBytes    uint64
	NoHeader         uint64
	HeaderOutOfRange uint64
	LostPackets      uint64

	PacketSizes map[int]uint64
	HeaderTypes map[uint8]uint64
}

func newPipeStats() PipeStats {
	return PipeStats{
		PacketSizes: make(map[int]uint64),
		HeaderTypes: make(map[uint8]uint64),
	}
}

func newChannelStats() ChannelStats {
	return ChannelStats{
		PacketSizes: make(map[int]uint64),
		HeaderTypes: make(map[uint8]uint64),
	}
}

func copyHistogram[K comparable](src map[K]uint64) map[K]uint64 {
	dst := make(map[K]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Snapshot returns a deep copy of the stats.
func (s PipeStats) Snapshot() PipeStats {
	out := s
	out.PacketSizes = copyHistogram(s.PacketSizes)
	out.HeaderTypes = copyHistogram(s.HeaderTypes)
	return out
}

// Snapshot returns a deep copy of the stats.
func (s ChannelStats) Snapshot() ChannelStats {
	out := s
	out.PacketSizes = copyHistogram(s.PacketSizes)
	out.HeaderTypes = copyHistogram(s.HeaderTypes)
	return out
}

type timeouts struct {
	read  [mvlcconst.PipeCount]time.Duration
	write [mvlcconst.PipeCount]time.Duration
}

func defaultTimeouts() timeouts {
	var t timeouts
	for i := range t.read {
		t.read[i] = mvlcconst.DefaultReadTimeoutMillis * time.Millisecond
		t.write[i] = mvlcconst.DefaultWriteTimeoutMillis * time.Millisecond
	}
	return t
}
