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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

// The MVLC uses an FTDI FT601 USB3 FIFO bridge.
const (
	usbVendorID  = 0x0403
	usbProductID = 0x601F
)

// Bulk endpoint numbers. Command out is 0x02, command in 0x82, data in
// 0x83. There is no data-out endpoint.
const (
	usbEndpointCmdOut = 2
	usbEndpointCmdIn  = 2
	usbEndpointDataIn = 3
)

// readBufferSize is the per-pipe buffer of the buffered read layer. It
// matches the maximum single bulk transfer size of the FT601.
const readBufferSize = mvlcconst.USBSingleTransferMaxBytes

// USB is the FT601 bulk transport to an MVLC. A buffered read layer
// maintains one buffer per pipe so callers can request arbitrary byte
// ranges without losing data to undersized reads.
type USB struct {
	index  int    // zero-based device index, -1 to ignore
	serial string // serial number, empty to ignore

	usbCtx    *gousb.Context
	dev       *gousb.Device
	intf      *gousb.Interface
	closeIntf func()

	epCmdOut  *gousb.OutEndpoint
	epIn      [mvlcconst.PipeCount]*gousb.InEndpoint
	connected bool

	locks PipeLocks

	timeoutMu sync.Mutex
	timeouts  timeouts

	readBuffers [mvlcconst.PipeCount]readBuffer
}

var _ Transport = (*USB)(nil)

type readBuffer struct {
	data    []byte
	first   int
	last    int
	scratch []byte
}

func (b *readBuffer) size() int { return b.last - b.first }

func (b *readBuffer) take(dest []byte) int {
	n := copy(dest, b.data[b.first:b.last])
	b.first += n
	return n
}

// NewUSB creates a disconnected USB transport. The device is selected by
// zero-based index (pass a negative index to use the first device) or by
// serial number.
func NewUSB(index int, serial string) *USB {
	return &USB{index: index, serial: serial, timeouts: defaultTimeouts()}
}

func (u *USB) ConnectionType() mvlcconst.ConnectionType { return mvlcconst.ConnectionUSB }
func (u *USB) IsConnected() bool                        { return u.connected }
func (u *USB) Locks() *PipeLocks                        { return &u.locks }

func (u *USB) SetReadTimeout(pipe mvlcconst.Pipe, d time.Duration) {
	u.timeoutMu.Lock()
	u.timeouts.read[pipe] = d
	u.timeoutMu.Unlock()
}

func (u *USB) SetWriteTimeout(pipe mvlcconst.Pipe, d time.Duration) {
	u.timeoutMu.Lock()
	u.timeouts.write[pipe] = d
	u.timeoutMu.Unlock()
}

func (u *USB) readTimeout(pipe mvlcconst.Pipe) time.Duration {
	u.timeoutMu.Lock()
	defer u.timeoutMu.Unlock()
	return u.timeouts.read[pipe]
}

func (u *USB) writeTimeout(pipe mvlcconst.Pipe) time.Duration {
	u.timeoutMu.Lock()
	defer u.timeoutMu.Unlock()
	return u.timeouts.write[pipe]
}

// Connect opens the FT601, claims the streaming interface and resolves the
// three bulk endpoints. A device whose active configuration lacks the
// streaming endpoints fails with ErrChipConfig.
func (u *USB) Connect() error {
	if u.connected {
		return ErrIsConnected
	}

	u.usbCtx = gousb.NewContext()

	devs, err := u.usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == usbVendorID && desc.Product == usbProductID
	})
	if err != nil && len(devs) == 0 {
		u.teardown()
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	dev, err := u.selectDevice(devs)
	if err != nil {
		for _, d := range devs {
			_ = d.Close()
		}
		u.teardown()
		return err
	}
	for _, d := range devs {
		if d != dev {
			_ = d.Close()
		}
	}
	u.dev = dev

	if err := u.dev.SetAutoDetach(true); err != nil {
		slog.Debug("SetAutoDetach failed", "error", err)
	}

	intf, done, err := u.dev.DefaultInterface()
	if err != nil {
		u.teardown()
		return fmt.Errorf("%w: claiming interface: %v", ErrInUse, err)
	}
	u.intf = intf
	u.closeIntf = done

	epCmdOut, err := intf.OutEndpoint(usbEndpointCmdOut)
	if err != nil {
		u.teardown()
		return fmt.Errorf("%w: command out endpoint: %v", ErrChipConfig, err)
	}
	epCmdIn, err := intf.InEndpoint(usbEndpointCmdIn)
	if err != nil {
		u.teardown()
		return fmt.Errorf("%w: command in endpoint: %v", ErrChipConfig, err)
	}
	epDataIn, err := intf.InEndpoint(usbEndpointDataIn)
	if err != nil {
		// The FT601 exposes the data streaming endpoint only when its chip
		// configuration is set up for FIFO mode.
		u.teardown()
		return fmt.Errorf("%w: data in endpoint: %v", ErrChipConfig, err)
	}

	u.epCmdOut = epCmdOut
	u.epIn[mvlcconst.CommandPipe] = epCmdIn
	u.epIn[mvlcconst.DataPipe] = epDataIn

	for i := range u.readBuffers {
		u.readBuffers[i] = readBuffer{
			data:    make([]byte, 0, readBufferSize),
			scratch: make([]byte, readBufferSize),
		}
	}

	u.connected = true

	slog.Debug("Connected to MVLC via USB", "serial", u.serial, "index", u.index)

	return nil
}

func (u *USB) selectDevice(devs []*gousb.Device) (*gousb.Device, error) {
	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: no MVLC USB device found", ErrConnection)
	}

	if u.serial != "" {
		for _, dev := range devs {
			serial, err := dev.SerialNumber()
			if err == nil && serial == u.serial {
				return dev, nil
			}
		}
		return nil, fmt.Errorf("%w: no MVLC with serial %q", ErrConnection, u.serial)
	}

	index := u.index
	if index < 0 {
		index = 0
	}
	if index >= len(devs) {
		return nil, fmt.Errorf("%w: MVLC index %d out of range (%d devices)",
			ErrConnection, index, len(devs))
	}
	return devs[index], nil
}

func (u *USB) teardown() {
	if u.closeIntf != nil {
		u.closeIntf()
		u.closeIntf = nil
	}
	u.intf = nil
	if u.dev != nil {
		_ = u.dev.Close()
		u.dev = nil
	}
	if u.usbCtx != nil {
		_ = u.usbCtx.Close()
		u.usbCtx = nil
	}
}

// Disconnect releases the interface and closes the device. The instance
// cannot be reused.
func (u *USB) Disconnect() error {
	if !u.connected {
		return ErrDisconnected
	}
	u.connected = false
	u.teardown()
	return nil
}

// Write performs a bulk transfer on the command pipe. The MVLC has no
// data-out endpoint.
func (u *USB) Write(pipe mvlcconst.Pipe, data []byte) (int, error) {
	if !u.connected {
		return 0, ErrDisconnected
	}
	if pipe != mvlcconst.CommandPipe {
		return 0, ErrWrongPipe
	}

	ctx, cancel := context.WithTimeout(context.Background(), u.writeTimeout(pipe))
	defer cancel()

	n, err := u.epCmdOut.WriteContext(ctx, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return n, ErrTimeout
		}
		return n, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if n != len(data) {
		return n, ErrShortTransfer
	}
	return n, nil
}

// Read fills the buffer from the pipe's buffered read layer, refilling it
// with whole bulk transfers as needed. A partial fill before a timeout
// returns the byte count together with ErrTimeout.
func (u *USB) Read(pipe mvlcconst.Pipe, data []byte) (int, error) {
	if !u.connected {
		return 0, ErrDisconnected
	}

	buf := &u.readBuffers[pipe]
	requested := len(data)
	copied := buf.take(data)

	for copied < requested {
		n, err := u.fillReadBuffer(pipe)
		if n > 0 {
			copied += buf.take(data[copied:])
		}
		if err != nil {
			return copied, err
		}
	}

	return copied, nil
}

// ReadUnbuffered performs one bulk transfer directly into the destination,
// bypassing the buffered layer. Used by the readout producer which wants
// maximum sized transfers into its own message buffers.
func (u *USB) ReadUnbuffered(pipe mvlcconst.Pipe, data []byte) (int, error) {
	if !u.connected {
		return 0, ErrDisconnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), u.readTimeout(pipe))
	defer cancel()

	n, err := u.epIn[pipe].ReadContext(ctx, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return n, ErrTimeout
		}
		return n, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return n, nil
}

func (u *USB) fillReadBuffer(pipe mvlcconst.Pipe) (int, error) {
	buf := &u.readBuffers[pipe]

	n, err := u.ReadUnbuffered(pipe, buf.scratch)

	buf.data = append(buf.data[:0], buf.scratch[:n]...)
	buf.first = 0
	buf.last = n

	return n, err
}
