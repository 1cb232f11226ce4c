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

package transport

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/codec"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/command"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
	"github.com/mesytec-daq/mvlcd/internal/ticketlock"
)

const (
	// Socket receive buffer size requested for both pipes. Readout bursts
	// easily overrun the kernel default.
	socketReceiveBufferSize = 100 * 1024 * 1024

	// First local port tried when binding the two consecutive client ports.
	firstDynamicPort = 49152

	maxDatagramSize = mvlcconst.ETHJumboFrameMaxSize
)

// ETH is the UDP transport to an MVLC. Two sockets are bound to two
// consecutive local ports and connected to the MVLC's command and data
// ports so only datagrams originating from the MVLC are received.
type ETH struct {
	host string

	conns     [mvlcconst.PipeCount]*net.UDPConn
	connected bool

	locks PipeLocks

	timeoutMu sync.Mutex
	timeouts  timeouts

	// Per-pipe leftover payload so the byte-oriented Read can hand out
	// arbitrary ranges of consecutive datagram payloads.
	leftover [mvlcconst.PipeCount][]byte

	statsMu           ticketlock.Mutex
	pipeStats         [mvlcconst.PipeCount]PipeStats
	channelStats      [mvlcconst.NumPacketChannels]ChannelStats
	lastPacketNumbers [mvlcconst.NumPacketChannels]int32
}

var _ Transport = (*ETH)(nil)
var _ PacketReader = (*ETH)(nil)

// NewETH creates a disconnected ETH transport for the given host.
func NewETH(host string) *ETH {
	e := &ETH{host: host, timeouts: defaultTimeouts()}
	e.resetStats()
	return e
}

func (e *ETH) resetStats() {
	for i := range e.pipeStats {
		e.pipeStats[i] = newPipeStats()
	}
	for i := range e.channelStats {
		e.channelStats[i] = newChannelStats()
	}
	for i := range e.lastPacketNumbers {
		e.lastPacketNumbers[i] = -1
	}
}

func (e *ETH) ConnectionType() mvlcconst.ConnectionType { return mvlcconst.ConnectionETH }
func (e *ETH) IsConnected() bool                        { return e.connected }
func (e *ETH) Locks() *PipeLocks                        { return &e.locks }

func (e *ETH) SetReadTimeout(pipe mvlcconst.Pipe, d time.Duration) {
	e.timeoutMu.Lock()
	e.timeouts.read[pipe] = d
	e.timeoutMu.Unlock()
}

func (e *ETH) SetWriteTimeout(pipe mvlcconst.Pipe, d time.Duration) {
	e.timeoutMu.Lock()
	e.timeouts.write[pipe] = d
	e.timeoutMu.Unlock()
}

func (e *ETH) readTimeout(pipe mvlcconst.Pipe) time.Duration {
	e.timeoutMu.Lock()
	defer e.timeoutMu.Unlock()
	return e.timeouts.read[pipe]
}

func (e *ETH) writeTimeout(pipe mvlcconst.Pipe) time.Duration {
	e.timeoutMu.Lock()
	defer e.timeoutMu.Unlock()
	return e.timeouts.write[pipe]
}

// Connect binds two consecutive local UDP ports, connects them to the
// MVLC's command and data ports and verifies the peer by reading the
// MVLC's own command-IP registers. The register reads also make the MVLC
// record this client as its command destination.
func (e *ETH) Connect() error {
	if e.connected {
		return ErrIsConnected
	}

	e.resetStats()

	remoteIP, err := net.ResolveIPAddr("ip4", e.host)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrHostLookup, e.host, err)
	}

	cmdRemote := &net.UDPAddr{IP: remoteIP.IP, Port: mvlcconst.ETHCommandPort}
	dataRemote := &net.UDPAddr{IP: remoteIP.IP, Port: mvlcconst.ETHDataPort}

	var cmdConn, dataConn *net.UDPConn

	// Try consecutive local port pairs until both binds succeed. Leaving
	// the upper bound one short keeps a spare port for the data pipe.
	for localPort := firstDynamicPort; localPort < 0xFFFF; localPort++ {
		cmdConn, err = net.DialUDP("udp4", &net.UDPAddr{Port: localPort}, cmdRemote)
		if err != nil {
			continue
		}
		dataConn, err = net.DialUDP("udp4", &net.UDPAddr{Port: localPort + 1}, dataRemote)
		if err != nil {
			_ = cmdConn.Close()
			cmdConn = nil
			continue
		}
		break
	}

	if cmdConn == nil || dataConn == nil {
		return ErrBind
	}

	for _, conn := range []*net.UDPConn{cmdConn, dataConn} {
		if err := conn.SetReadBuffer(socketReceiveBufferSize); err != nil {
			slog.Warn("Could not set UDP receive buffer size", "error", err)
		}
	}

	e.conns[mvlcconst.CommandPipe] = cmdConn
	e.conns[mvlcconst.DataPipe] = dataConn
	e.connected = true

	// Reading the command-IP registers serves two purposes: it verifies
	// that the remote side actually speaks the MVLC protocol and it makes
	// the MVLC latch this client's address as command destination.
	for _, addr := range []uint16{mvlcconst.RegCmdIPLo, mvlcconst.RegCmdIPHi} {
		if _, err := e.readCommandRegister(addr); err != nil {
			_ = e.Disconnect()
			return fmt.Errorf("%w: register 0x%04x: %v", ErrConnection, addr, err)
		}
	}

	slog.Debug("Connected to MVLC via ETH",
		"host", e.host,
		"localCmd", cmdConn.LocalAddr().String(),
		"localData", dataConn.LocalAddr().String())

	return nil
}

// readCommandRegister performs a minimal register read on the command
// socket without going through the dialog layer, used only during connect.
func (e *ETH) readCommandRegister(address uint16) (uint32, error) {
	var sb command.SuperBuilder
	sb.AddReferenceWord(1)
	sb.AddReadLocal(address)
	request := command.MakeCommandBuffer(sb.Commands())

	data := make([]byte, len(request)*4)
	for i, word := range request {
		binary.LittleEndian.PutUint32(data[i*4:], word)
	}

	if _, err := e.Write(mvlcconst.CommandPipe, data); err != nil {
		return 0, err
	}

	buffer := make([]byte, maxDatagramSize)
	res := e.ReadPacket(mvlcconst.CommandPipe, buffer)
	if res.Err != nil {
		return 0, res.Err
	}

	// Expect the two ETH header words, the mirrored super frame and the
	// register value as the last word before the buffer end marker.
	payload := res.Buffer[mvlcconst.ETHHeaderBytes:]
	words := len(payload) / 4
	if words < len(request)+1 {
		return 0, ErrShortTransfer
	}
	if !codec.IsSuperFrameHeader(binary.LittleEndian.Uint32(payload)) {
		return 0, fmt.Errorf("%w: response is not a super frame", ErrConnection)
	}

	// header, mirrored start+ref+read, value, end marker
	return binary.LittleEndian.Uint32(payload[(words-2)*4:]), nil
}

// Disconnect closes both sockets. The instance cannot be reused.
func (e *ETH) Disconnect() error {
	if !e.connected {
		return ErrDisconnected
	}
	e.connected = false
	var firstErr error
	for i, conn := range e.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.conns[i] = nil
	}
	return firstErr
}

// Write sends the buffer as a single datagram on the pipe.
func (e *ETH) Write(pipe mvlcconst.Pipe, data []byte) (int, error) {
	if !e.connected {
		return 0, ErrDisconnected
	}
	conn := e.conns[pipe]
	if err := conn.SetWriteDeadline(time.Now().Add(e.writeTimeout(pipe))); err != nil {
		return 0, err
	}
	n, err := conn.Write(data)
	if err != nil {
		if os.IsTimeout(err) {
			return n, ErrTimeout
		}
		return n, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return n, nil
}

// Read fills the buffer from consecutive datagram payloads, stripping the
// two ETH header words of each datagram. A partial fill before a timeout
// returns the byte count together with ErrTimeout.
func (e *ETH) Read(pipe mvlcconst.Pipe, data []byte) (int, error) {
	if !e.connected {
		return 0, ErrDisconnected
	}

	requested := len(data)
	copied := 0

	for copied < requested {
		if len(e.leftover[pipe]) == 0 {
			buffer := make([]byte, maxDatagramSize)
			res := e.ReadPacket(pipe, buffer)
			if res.Err != nil {
				return copied, res.Err
			}
			e.leftover[pipe] = res.Buffer[mvlcconst.ETHHeaderBytes:]
		}
		n := copy(data[copied:], e.leftover[pipe])
		copied += n
		e.leftover[pipe] = e.leftover[pipe][n:]
	}

	return copied, nil
}

// ReadPacket reads exactly one UDP datagram from the pipe and updates the
// per-pipe and per-channel statistics. Not reentrant on the same pipe;
// callers serialize via the pipe lock.
func (e *ETH) ReadPacket(pipe mvlcconst.Pipe, buffer []byte) PacketReadResult {
	var res PacketReadResult

	if !e.connected {
		res.Err = ErrDisconnected
		return res
	}

	conn := e.conns[pipe]

	e.statsMu.Lock()
	e.pipeStats[pipe].ReceiveAttempts++
	e.statsMu.Unlock()

	if err := conn.SetReadDeadline(time.Now().Add(e.readTimeout(pipe))); err != nil {
		res.Err = err
		return res
	}

	n, err := conn.Read(buffer)
	if err != nil {
		if os.IsTimeout(err) {
			res.Err = ErrTimeout
		} else {
			res.Err = fmt.Errorf("%w: %v", ErrConnection, err)
		}
		return res
	}

	res.BytesTransferred = n
	res.Buffer = buffer[:n]

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	pipeStats := &e.pipeStats[pipe]
	pipeStats.ReceivedPackets++
	pipeStats.ReceivedBytes += uint64(n)
	pipeStats.PacketSizes[n]++

	if !res.HasHeaders() {
		pipeStats.ShortPackets++
		res.Err = ErrShortTransfer
		return res
	}

	hdr := codec.PayloadHeaderInfo{Header0: res.Header0(), Header1: res.Header1()}

	availablePayloadWords := (n - mvlcconst.ETHHeaderBytes) / 4
	if leftoverBytes := (n - mvlcconst.ETHHeaderBytes) % 4; leftoverBytes > 0 {
		pipeStats.PacketsWithResidue++
	}

	if int(hdr.PacketChannel()) >= mvlcconst.NumPacketChannels {
		pipeStats.PacketChannelOutOfRange++
		res.Err = ErrPacketChannelOutOfRange
		return res
	}

	channelStats := &e.channelStats[hdr.PacketChannel()]
	channelStats.ReceivedPackets++
	channelStats.ReceivedBytes += uint64(n)
	channelStats.PacketSizes[n]++

	// Packet loss calculation on the 12-bit per-channel counter. The
	// initial last value is -1, meaning no packet seen yet.
	if last := e.lastPacketNumbers[hdr.PacketChannel()]; last >= 0 {
		if loss := codec.CalcPacketLoss(uint16(last), hdr.PacketNumber()); loss > 0 {
			slog.Warn("ETH packet loss detected",
				"pipe", pipe.String(),
				"channel", hdr.PacketChannel(),
				"lastPacketNumber", last,
				"packetNumber", hdr.PacketNumber(),
				"loss", loss)
			res.LostPackets = loss
			pipeStats.LostPackets += uint64(loss)
			channelStats.LostPackets += uint64(loss)
		}
	}
	e.lastPacketNumbers[hdr.PacketChannel()] = int32(hdr.PacketNumber())

	if hdr.HasHeaderPointer() {
		if int(hdr.NextHeaderPointer()) >= availablePayloadWords {
			pipeStats.HeaderOutOfRange++
			channelStats.HeaderOutOfRange++
		} else {
			header := wordAt(res.Buffer, mvlcconst.ETHHeaderWords+int(hdr.NextHeaderPointer()))
			frameType := codec.FrameType(header)
			pipeStats.HeaderTypes[frameType]++
			channelStats.HeaderTypes[frameType]++
		}
	} else {
		pipeStats.NoHeader++
		channelStats.NoHeader++
	}

	return res
}

// ErrPacketChannelOutOfRange indicates a datagram carrying an invalid
// packet channel number.
var ErrPacketChannelOutOfRange = fmt.Errorf("%w: UDP packet channel out of range", ErrConnection)

// PipeStatsSnapshot returns a consistent copy of the stats for one pipe.
func (e *ETH) PipeStatsSnapshot(pipe mvlcconst.Pipe) PipeStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.pipeStats[pipe].Snapshot()
}

// ChannelStatsSnapshot returns a consistent copy of the per-channel stats.
func (e *ETH) ChannelStatsSnapshot() [mvlcconst.NumPacketChannels]ChannelStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	var out [mvlcconst.NumPacketChannels]ChannelStats
	for i := range e.channelStats {
		out[i] = e.channelStats[i].Snapshot()
	}
	return out
}
