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

package transport_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/transport"
)

func TestPacketReadResultHeaders(t *testing.T) {
	t.Parallel()

	buffer := binary.LittleEndian.AppendUint32(nil, 0x20010002)
	buffer = binary.LittleEndian.AppendUint32(buffer, 0x00000FFF)

	res := transport.PacketReadResult{Buffer: buffer, BytesTransferred: len(buffer)}

	assert.True(t, res.HasHeaders())
	assert.Equal(t, uint32(0x20010002), res.Header0())
	assert.Equal(t, uint32(0x00000FFF), res.Header1())

	short := transport.PacketReadResult{Buffer: buffer[:4], BytesTransferred: 4}
	assert.False(t, short.HasHeaders())
}

func TestPipeLocksLockBoth(t *testing.T) {
	t.Parallel()

	var locks transport.PipeLocks

	locks.LockBoth()

	acquired := make(chan struct{})
	go func() {
		locks.LockCommand()
		locks.UnlockCommand()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("command lock acquired while both pipes locked")
	default:
	}

	locks.UnlockBoth()
	<-acquired
}

func TestPipeLocksIndependentPipes(t *testing.T) {
	t.Parallel()

	var locks transport.PipeLocks
	var wg sync.WaitGroup

	// Both pipes may be used concurrently.
	locks.Lock(mvlcconst.CommandPipe)
	wg.Add(1)
	go func() {
		defer wg.Done()
		locks.Lock(mvlcconst.DataPipe)
		locks.Unlock(mvlcconst.DataPipe)
	}()
	wg.Wait()
	locks.Unlock(mvlcconst.CommandPipe)
}
