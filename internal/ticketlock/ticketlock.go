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

// Package ticketlock provides a fair FIFO mutex. Waiters acquire the lock
// in arrival order, which keeps a busy producer thread from starving
// monitoring threads that sample counters.
package ticketlock

import "sync"

// Mutex is a fair mutual exclusion lock. The zero value is unlocked.
type Mutex struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

// Lock acquires the mutex, queueing behind earlier waiters.
func (m *Mutex) Lock() {
	m.mu.Lock()
	if m.cond == nil {
		m.cond = sync.NewCond(&m.mu)
	}
	ticket := m.next
	m.next++
	for ticket != m.serving {
		m.cond.Wait()
	}
	m.mu.Unlock()
}

// Unlock releases the mutex and wakes the next waiter in line.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	m.serving++
	if m.cond != nil {
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}
