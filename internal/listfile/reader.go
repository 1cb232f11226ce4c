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

package listfile

import (
	"archive/zip"
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/pierrec/lz4/v4"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/codec"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

// Reader provides one sequential byte stream across the entries of a
// listfile archive, decompressing LZ4 entries transparently.
type Reader struct {
	archive *zip.ReadCloser
	entries []*zip.File

	entryIndex int
	current    io.ReadCloser
	stream     io.Reader

	buffered *bufio.Reader
}

// NewReader opens a listfile archive for sequential reading. Entries are
// visited in archive order.
func NewReader(path string) (*Reader, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}

	r := &Reader{archive: archive}

	for _, file := range archive.File {
		if strings.Contains(file.Name, ".mvmelst") {
			r.entries = append(r.entries, file)
		}
	}

	if len(r.entries) == 0 {
		_ = archive.Close()
		return nil, fmt.Errorf("%w: no listfile entries in archive", ErrBadMagic)
	}

	r.buffered = bufio.NewReaderSize(r, 1024*1024)

	return r, nil
}

func (r *Reader) openNext() error {
	if r.current != nil {
		_ = r.current.Close()
		r.current = nil
		r.stream = nil
	}
	if r.entryIndex >= len(r.entries) {
		return io.EOF
	}

	entry := r.entries[r.entryIndex]
	r.entryIndex++

	rc, err := entry.Open()
	if err != nil {
		return err
	}
	r.current = rc

	if strings.HasSuffix(entry.Name, ".lz4") {
		r.stream = lz4.NewReader(rc)
	} else {
		r.stream = rc
	}
	return nil
}

// Read implements io.Reader across entry boundaries.
func (r *Reader) Read(p []byte) (int, error) {
	for {
		if r.stream == nil {
			if err := r.openNext(); err != nil {
				return 0, err
			}
		}

		n, err := r.stream.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			_ = r.current.Close()
			r.current = nil
			r.stream = nil
			continue
		}
		if err != nil {
			return n, err
		}
	}
}

// Buffered returns the buffered sequential stream over the archive. Use
// this for all reads when mixing with ReadPreamble.
func (r *Reader) Buffered() *bufio.Reader {
	return r.buffered
}

// Close closes the archive.
func (r *Reader) Close() error {
	if r.current != nil {
		_ = r.current.Close()
		r.current = nil
	}
	return r.archive.Close()
}

// Preamble is the decoded archive preamble.
type Preamble struct {
	Magic         string
	BufferType    mvlcconst.ConnectionType
	ConfigYAML    []byte
	UnixTimestamp uint64

	// All preamble system event frames, verbatim, including headers.
	SystemFrames []uint32
}

// ReadPreamble consumes the stream magic and the leading system event
// frames from the buffered stream, leaving the stream positioned on the
// first readout data word. The caller can recover the crate config from
// the result before demultiplexing data.
func ReadPreamble(br *bufio.Reader) (*Preamble, error) {
	magic := make([]byte, MagicLen)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, err
	}

	p := &Preamble{Magic: string(magic)}
	switch p.Magic {
	case MagicUSB:
		p.BufferType = mvlcconst.ConnectionUSB
	case MagicETH:
		p.BufferType = mvlcconst.ConnectionETH
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, p.Magic)
	}

	for {
		peek, err := br.Peek(4)
		if err != nil {
			if err == io.EOF {
				return p, nil
			}
			return nil, err
		}

		header := binary.LittleEndian.Uint32(peek)
		if !codec.IsKnownSystemEvent(header) {
			return p, nil
		}

		frameLen := codec.ExtractFrameInfo(header).Len
		frame := make([]uint32, frameLen+1)
		raw := make([]byte, len(frame)*4)
		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, err
		}
		for i := range frame {
			frame[i] = binary.LittleEndian.Uint32(raw[i*4:])
		}

		p.SystemFrames = append(p.SystemFrames, frame...)

		switch codec.SystemEventSubtype(header) {
		case mvlcconst.SysEventVMEConfig:
			for _, word := range frame[1:] {
				p.ConfigYAML = binary.LittleEndian.AppendUint32(p.ConfigYAML, word)
			}
		case mvlcconst.SysEventUnixTimestamp:
			if len(frame) >= 3 {
				p.UnixTimestamp = uint64(frame[1]) | uint64(frame[2])<<32
			}
		}
	}
}

// TrimConfigPadding removes the zero padding appended when the config was
// packed into whole words.
func (p *Preamble) TrimConfigPadding() []byte {
	return []byte(strings.TrimRight(string(p.ConfigYAML), "\x00"))
}
