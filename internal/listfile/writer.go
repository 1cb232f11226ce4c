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

// Package listfile implements the split/append archive format storing a
// run's raw readout data plus configuration metadata: a standard ZIP
// container holding a sequence of entries, each either the raw stream or
// LZ4-framed. The format is co-designed with the parser so replays are
// byte-identical to live runs.
package listfile

import (
	"archive/zip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/codec"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

// The 8-byte magic beginning every listfile stream.
const (
	MagicUSB = "MVLC_USB"
	MagicETH = "MVLC_ETH"
	MagicLen = 8
)

// MagicFor returns the stream magic for a connection type.
func MagicFor(ct mvlcconst.ConnectionType) string {
	if ct == mvlcconst.ConnectionETH {
		return MagicETH
	}
	return MagicUSB
}

var (
	ErrWriterClosed = errors.New("listfile writer is closed")
	ErrBadMagic     = errors.New("listfile magic missing or unknown")
)

// Compression selects the per-entry encoding.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
)

// WriterOptions configure a listfile archive writer.
type WriterOptions struct {
	// Path of the ZIP archive to create.
	Path string
	// SplitSize is the uncompressed byte threshold after which the writer
	// rotates to a new entry. Zero disables splitting.
	SplitSize int64
	// Compression applied to each entry.
	Compression Compression
}

// Writer writes a split listfile archive. Writes go to the current entry;
// once the entry exceeds the split threshold the writer rotates to the
// next numbered entry. Rotation only ever happens between messages so each
// entry is a concatenation of whole MVLC frames.
type Writer struct {
	opts WriterOptions

	file *os.File
	zip  *zip.Writer

	entry        io.Writer
	lz4Writer    *lz4.Writer
	entryIndex   int
	entryWritten int64

	closed bool
}

// NewWriter creates the archive and opens the first entry.
func NewWriter(opts WriterOptions) (*Writer, error) {
	file, err := os.Create(opts.Path)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		opts: opts,
		file: file,
		zip:  zip.NewWriter(file),
	}

	if err := w.openNextEntry(); err != nil {
		_ = file.Close()
		return nil, err
	}

	return w, nil
}

func (w *Writer) entryName() string {
	base := filepath.Base(w.opts.Path)
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}

	name := base
	if w.entryIndex > 0 {
		name = fmt.Sprintf("%s_part%03d", base, w.entryIndex+1)
	}
	name += ".mvmelst"
	if w.opts.Compression == CompressionLZ4 {
		name += ".lz4"
	}
	return name
}

func (w *Writer) openNextEntry() error {
	entry, err := w.zip.CreateHeader(&zip.FileHeader{
		Name:   w.entryName(),
		Method: zip.Store,
	})
	if err != nil {
		return err
	}

	if w.opts.Compression == CompressionLZ4 {
		w.lz4Writer = lz4.NewWriter(entry)
		w.entry = w.lz4Writer
	} else {
		w.entry = entry
	}
	w.entryWritten = 0
	return nil
}

func (w *Writer) closeCurrentEntry() error {
	if w.lz4Writer != nil {
		if err := w.lz4Writer.Close(); err != nil {
			return err
		}
		w.lz4Writer = nil
	}
	w.entry = nil
	return nil
}

// WritePreamble writes the stream magic plus the given system event frames
// into the current (first) entry. Must be called before any message data.
func (w *Writer) WritePreamble(magic string, frames []uint32) error {
	if len(magic) != MagicLen {
		return ErrBadMagic
	}

	data := make([]byte, 0, MagicLen+len(frames)*4)
	data = append(data, magic...)
	for _, word := range frames {
		data = binary.LittleEndian.AppendUint32(data, word)
	}

	return w.writeRaw(data)
}

func (w *Writer) writeRaw(data []byte) error {
	if w.closed {
		return ErrWriterClosed
	}
	n, err := w.entry.Write(data)
	w.entryWritten += int64(n)
	return err
}

// WriteMessage writes one whole message body into the archive. The split
// boundary never falls inside a message: the message completes in the
// current entry, the rotation happens afterwards.
func (w *Writer) WriteMessage(data []byte) error {
	if err := w.writeRaw(data); err != nil {
		return err
	}

	if w.opts.SplitSize > 0 && w.entryWritten >= w.opts.SplitSize {
		if err := w.closeCurrentEntry(); err != nil {
			return err
		}
		w.entryIndex++
		if err := w.openNextEntry(); err != nil {
			return err
		}
	}

	return nil
}

// Close finalizes the current entry and the archive.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.closeCurrentEntry(); err != nil {
		return err
	}
	if err := w.zip.Close(); err != nil {
		return err
	}
	return w.file.Close()
}

// SystemEventFrames builds the system event frame sequence of a listfile
// preamble: the endian marker, the crate config as VMEConfig sections and
// the unix start timestamp.
func SystemEventFrames(configYAML []byte, unixTimestamp uint64) []uint32 {
	var frames []uint32

	frames = append(frames,
		codec.PackSystemEventHeader(mvlcconst.SysEventEndianMarker, 1, false),
		mvlcconst.EndianMarkerValue)

	frames = append(frames, ConfigSystemEvents(configYAML)...)

	frames = append(frames,
		codec.PackSystemEventHeader(mvlcconst.SysEventUnixTimestamp, 2, false),
		uint32(unixTimestamp),
		uint32(unixTimestamp>>32))

	return frames
}

// ConfigSystemEvents packs an arbitrarily sized config document into a
// chain of VMEConfig system event frames. All but the last frame carry the
// continue flag; the payload is zero padded to whole words.
func ConfigSystemEvents(configYAML []byte) []uint32 {
	const maxPayloadWords = mvlcconst.SysEventLenMask

	words := (len(configYAML) + 3) / 4
	payload := make([]uint32, words)
	for i := range payload {
		var chunk [4]byte
		copy(chunk[:], configYAML[i*4:])
		payload[i] = binary.LittleEndian.Uint32(chunk[:])
	}

	var frames []uint32
	for len(payload) > 0 {
		n := min(len(payload), maxPayloadWords)
		cont := len(payload) > n
		frames = append(frames,
			codec.PackSystemEventHeader(mvlcconst.SysEventVMEConfig, uint16(n), cont))
		frames = append(frames, payload[:n]...)
		payload = payload[n:]
	}

	return frames
}
