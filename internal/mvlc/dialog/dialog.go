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

// Package dialog implements the framed request/mirror/response command
// transactions with an MVLC over the command pipe.
//
// A Dialog instance is not safe for concurrent use; one goroutine drives
// all transactions of one instance. Stack error notifications harvested
// during transactions are read by callers between transactions.
package dialog

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/codec"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/command"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/transport"
)

var (
	ErrMirrorEmptyRequest     = errors.New("mirror check: empty request")
	ErrMirrorEmptyResponse    = errors.New("mirror check: empty response")
	ErrMirrorShortResponse    = errors.New("mirror check: response too short")
	ErrMirrorNotEqual         = errors.New("mirror check: mismatch between request and response")
	ErrMirrorMaxRetries       = errors.New("mirror transaction: max retries exceeded")
	ErrInvalidBufferHeader    = errors.New("invalid buffer header")
	ErrUnexpectedBufferHeader = errors.New("unexpected buffer header")
	ErrUnexpectedResponseSize = errors.New("unexpected response size")
	ErrShortRead              = errors.New("short read")
	ErrShortWrite             = errors.New("short write")
	ErrReadResponseMaxWait    = errors.New("read response: max wait time exceeded")
	ErrNoVMEResponse          = errors.New("no VME response (bus timeout)")
	ErrStackSyntaxError       = errors.New("stack syntax error")
)

const (
	// MirrorMaxRetries bounds the write/read attempts of a mirror
	// transaction on transport timeouts.
	MirrorMaxRetries = 3

	// ReadResponseMaxWait bounds the total wall-clock time spent waiting
	// for a response buffer while only error notifications arrive.
	ReadResponseMaxWait = 60 * time.Second
)

// HeaderValidator decides whether a received buffer header is the expected
// response type.
type HeaderValidator func(header uint32) bool

// Dialog drives command transactions over one transport.
type Dialog struct {
	transport transport.Transport

	// Monotonically increasing reference word prepended to each outgoing
	// command buffer so responses can be correlated after packet loss.
	referenceWord uint16

	// Stack error notifications (0xF7 frames) diverted out of response
	// reads. Mutated only by the goroutine driving this dialog.
	stackErrors []codec.StackErrorInfo
}

// New creates a dialog over the given transport.
func New(t transport.Transport) *Dialog {
	return &Dialog{transport: t}
}

// StackErrorNotifications returns the queued notifications without
// clearing them.
func (d *Dialog) StackErrorNotifications() []codec.StackErrorInfo {
	return d.stackErrors
}

// TakeStackErrorNotifications returns and clears the queued notifications.
func (d *Dialog) TakeStackErrorNotifications() []codec.StackErrorInfo {
	out := d.stackErrors
	d.stackErrors = nil
	return out
}

func (d *Dialog) nextReference() uint16 {
	d.referenceWord++
	return d.referenceWord
}

func (d *Dialog) writeBuffer(buffer []uint32) error {
	data := make([]byte, len(buffer)*4)
	for i, word := range buffer {
		binary.LittleEndian.PutUint32(data[i*4:], word)
	}

	locks := d.transport.Locks()
	locks.LockCommand()
	defer locks.UnlockCommand()

	n, err := d.transport.Write(mvlcconst.CommandPipe, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		slog.Warn("Dialog write transferred fewer bytes than requested",
			"requested", len(data), "written", n)
		return ErrShortWrite
	}
	return nil
}

// readWords reads exactly count words from the command pipe. The read is
// attempted twice when a timeout yields no data at all: connected via USB2
// the first read after data became available can time out spuriously.
func (d *Dialog) readWords(dest []uint32) (int, error) {
	if len(dest) == 0 {
		return 0, nil
	}

	data := make([]byte, len(dest)*4)

	locks := d.transport.Locks()
	locks.LockCommand()
	defer locks.UnlockCommand()

	var n int
	var err error
	const maxReadAttempts = 2

	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		n, err = d.transport.Read(mvlcconst.CommandPipe, data)
		if !(errors.Is(err, transport.ErrTimeout) && n == 0) {
			break
		}
	}

	words := n / 4
	for i := 0; i < words; i++ {
		dest[i] = binary.LittleEndian.Uint32(data[i*4:])
	}

	if err != nil {
		return words, err
	}
	if n != len(data) {
		return words, ErrShortRead
	}
	return words, nil
}

// readKnownBuffer reads one frame: the header word followed by its payload.
// An unknown header yields ErrInvalidBufferHeader with the offending word
// as the single element of the result.
func (d *Dialog) readKnownBuffer() ([]uint32, error) {
	header := make([]uint32, 1)
	if _, err := d.readWords(header); err != nil {
		return nil, err
	}

	if !codec.IsKnownFrameHeader(header[0]) {
		return header, ErrInvalidBufferHeader
	}

	responseLength := header[0] & mvlcconst.FrameSizeMask
	dest := make([]uint32, 1+responseLength)
	dest[0] = header[0]

	words, err := d.readWords(dest[1:])
	if errors.Is(err, ErrShortRead) {
		// Keep the words that did arrive.
		dest = dest[:1+words]
	}
	return dest, err
}

// ReadResponse reads whole frames until one passes the validator. Stack
// error notification frames are diverted into the notification queue
// instead of being returned. The total wait is bounded by
// ReadResponseMaxWait.
func (d *Dialog) ReadResponse(validate HeaderValidator) ([]uint32, error) {
	tStart := time.Now()

	for {
		dest, err := d.readKnownBuffer()
		if err != nil {
			return dest, err
		}

		header := dest[0]

		if codec.IsStackErrorHeader(header) {
			if info, ok := codec.DecodeStackErrorNotification(dest); ok {
				d.stackErrors = append(d.stackErrors, info)
			} else {
				slog.Warn("Malformed stack error notification", "header", header)
			}

			if time.Since(tStart) >= ReadResponseMaxWait {
				return nil, ErrReadResponseMaxWait
			}
			continue
		}

		if !validate(header) {
			slog.Warn("Response header validation failed", "header", header)
			return dest, ErrUnexpectedBufferHeader
		}

		return dest, nil
	}
}

func checkMirror(request, response []uint32) error {
	if len(request) == 0 {
		return ErrMirrorEmptyRequest
	}
	if len(response) == 0 {
		return ErrMirrorEmptyResponse
	}
	if len(response) < len(request)-1 {
		return ErrMirrorShortResponse
	}

	// Word 0 is the MVLC assigned buffer header, the last word the buffer
	// end marker; neither takes part in the comparison.
	for i := 1; i < len(request)-1; i++ {
		if request[i] != response[i] {
			return ErrMirrorNotEqual
		}
	}
	return nil
}

// MirrorTransaction writes the command buffer and reads back the mirror
// response, verifying that the MVLC echoed the request. Transport timeouts
// are retried up to MirrorMaxRetries times.
func (d *Dialog) MirrorTransaction(request []uint32) ([]uint32, error) {
	for try := 0; try < MirrorMaxRetries; try++ {
		if err := d.writeBuffer(request); err != nil {
			slog.Warn("Mirror transaction write failed",
				"error", err, "attempt", try+1, "maxAttempts", MirrorMaxRetries)
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return nil, err
		}

		response, err := d.ReadResponse(codec.IsSuperFrameHeader)
		if err != nil {
			slog.Warn("Mirror transaction read failed",
				"error", err, "attempt", try+1, "maxAttempts", MirrorMaxRetries)
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return response, err
		}

		return response, checkMirror(request, response)
	}

	return nil, ErrMirrorMaxRetries
}

// ReadRegister reads one internal MVLC register.
func (d *Dialog) ReadRegister(address uint16) (uint32, error) {
	var sb command.SuperBuilder
	sb.AddReferenceWord(d.nextReference())
	sb.AddReadLocal(address)

	response, err := d.MirrorTransaction(command.MakeCommandBuffer(sb.Commands()))
	if err != nil {
		return 0, err
	}
	if len(response) < 4 {
		return 0, ErrUnexpectedResponseSize
	}

	return response[3], nil
}

// WriteRegister writes one internal MVLC register.
func (d *Dialog) WriteRegister(address uint16, value uint32) error {
	var sb command.SuperBuilder
	sb.AddReferenceWord(d.nextReference())
	sb.AddWriteLocal(address, value)

	response, err := d.MirrorTransaction(command.MakeCommandBuffer(sb.Commands()))
	if err != nil {
		return err
	}
	if len(response) != 4 {
		return ErrUnexpectedResponseSize
	}
	return nil
}

// StackTransaction uploads the command buffer, triggers immediate
// execution of stack 0 and collects the complete response, concatenating
// continuation frames until the continue flag clears.
func (d *Dialog) StackTransaction(uploadBuffer []uint32) ([]uint32, error) {
	// Upload, read mirror, verify mirror.
	if _, err := d.MirrorTransaction(uploadBuffer); err != nil {
		return nil, err
	}

	if err := d.WriteRegister(mvlcconst.Stack0OffsetRegister, 0); err != nil {
		return nil, err
	}

	if err := d.WriteRegister(mvlcconst.Stack0TriggerRegister, 1<<mvlcconst.ImmediateShift); err != nil {
		return nil, err
	}

	response, err := d.ReadResponse(codec.IsStackFrameHeader)
	if err != nil {
		return response, err
	}

	flags := codec.ExtractFrameInfo(response[0]).Flags

	// Read continuation buffers (0xF9) until the continue flag clears.
	// Error notifications in between are handled by ReadResponse.
	for flags&mvlcconst.FrameFlagContinue != 0 {
		continuation, err := d.ReadResponse(codec.IsStackContinuationHeader)
		if err != nil {
			return response, err
		}

		response = append(response, continuation...)

		flags = 0
		if len(continuation) > 0 {
			flags = codec.ExtractFrameInfo(continuation[0]).Flags
		}
	}

	if flags&mvlcconst.FrameFlagTimeout != 0 {
		return response, ErrNoVMEResponse
	}
	if flags&mvlcconst.FrameFlagSyntaxError != 0 {
		return response, ErrStackSyntaxError
	}

	return response, nil
}

// UploadStack serializes the stack program and uploads it into stack
// memory at the given byte offset.
func (d *Dialog) UploadStack(outputPipe mvlcconst.Pipe, stackMemoryOffset uint16, stack []command.StackCommand) error {
	uploadCommands, err := command.StackUploadCommands(outputPipe, stackMemoryOffset, stack)
	if err != nil {
		return err
	}
	_, err = d.MirrorTransaction(command.MakeCommandBuffer(uploadCommands))
	return err
}

// VMERead performs a single VME read through an immediately executed one
// command stack.
func (d *Dialog) VMERead(address uint32, amod uint8, width mvlcconst.VMEDataWidth) (uint32, error) {
	var sb command.SuperBuilder
	sb.AddReferenceWord(d.nextReference())

	var stack command.StackBuilder
	stack.AddVMERead(address, amod, width)
	if _, err := sb.AddStackUpload(mvlcconst.CommandPipe, 0, stack.Commands()); err != nil {
		return 0, err
	}

	response, err := d.StackTransaction(command.MakeCommandBuffer(sb.Commands()))
	if err != nil {
		return 0, err
	}
	if len(response) != 2 {
		return 0, ErrUnexpectedResponseSize
	}
	if codec.ExtractFrameInfo(response[0]).Flags&mvlcconst.FrameFlagTimeout != 0 {
		return 0, ErrNoVMEResponse
	}

	value := response[1]
	if width == mvlcconst.D16 {
		value &= 0xFFFF
	}
	return value, nil
}

// VMEWrite performs a single VME write through an immediately executed one
// command stack.
func (d *Dialog) VMEWrite(address, value uint32, amod uint8, width mvlcconst.VMEDataWidth) error {
	var sb command.SuperBuilder
	sb.AddReferenceWord(d.nextReference())

	var stack command.StackBuilder
	stack.AddVMEWrite(address, value, amod, width)
	if _, err := sb.AddStackUpload(mvlcconst.CommandPipe, 0, stack.Commands()); err != nil {
		return err
	}

	response, err := d.StackTransaction(command.MakeCommandBuffer(sb.Commands()))
	if err != nil {
		return err
	}
	if len(response) != 1 {
		return ErrUnexpectedResponseSize
	}
	if codec.ExtractFrameInfo(response[0]).Flags&mvlcconst.FrameFlagTimeout != 0 {
		return ErrNoVMEResponse
	}
	return nil
}

// VMEBlockRead performs a VME block read through an immediately executed
// one command stack. The returned slice contains the complete framed
// response including block frame headers.
func (d *Dialog) VMEBlockRead(address uint32, amod uint8, maxTransfers uint16) ([]uint32, error) {
	var sb command.SuperBuilder
	sb.AddReferenceWord(d.nextReference())

	var stack command.StackBuilder
	stack.AddVMEBlockRead(address, amod, maxTransfers)
	if _, err := sb.AddStackUpload(mvlcconst.CommandPipe, 0, stack.Commands()); err != nil {
		return nil, err
	}

	return d.StackTransaction(command.MakeCommandBuffer(sb.Commands()))
}
