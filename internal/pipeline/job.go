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
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/mesytec-daq/mvlcd/internal/ticketlock"
)

// ReadTimeout is the poll interval of blocking link reads. ShouldQuit is
// checked between reads, bounding the cancellation latency.
const ReadTimeout = 100 * time.Millisecond

// Counters are the per-stage throughput and timing statistics.
type Counters struct {
	BytesReceived    uint64
	MessagesReceived uint64
	MessagesLost     uint64
	BytesSent        uint64
	MessagesSent     uint64

	TReceive time.Duration
	TProcess time.Duration
	TSend    time.Duration
	TTotal   time.Duration
}

// ProtectedCounters guard a counter set with a fair mutex so producer
// threads and monitors interleave without starvation. A snapshot is taken
// under the lock for a consistent multi-field view.
type ProtectedCounters struct {
	mu ticketlock.Mutex
	c  Counters
}

// Update applies a mutation under the lock.
func (p *ProtectedCounters) Update(f func(*Counters)) {
	p.mu.Lock()
	f(&p.c)
	p.mu.Unlock()
}

// Snapshot returns a consistent copy.
func (p *ProtectedCounters) Snapshot() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.c
}

// LoopResult is the final outcome a stage surfaces on shutdown.
type LoopResult struct {
	Err error
}

// JobContext is the per-step state of a pipeline: its ends of the adjacent
// links, counters, the quit flag and the last loop result.
type JobContext struct {
	Name string

	Reader Reader
	Writer Writer

	ReaderCounters ProtectedCounters
	WriterCounters ProtectedCounters

	Logger *slog.Logger

	quit       atomic.Bool
	lastResult atomic.Pointer[LoopResult]
}

// NewJobContext creates a context with the given name and logger. A nil
// logger falls back to the default logger.
func NewJobContext(name string, logger *slog.Logger) *JobContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobContext{Name: name, Logger: logger.With("stage", name)}
}

// ShouldQuit reports whether a forced quit was requested. Stages poll this
// at each blocking read.
func (c *JobContext) ShouldQuit() bool {
	return c.quit.Load()
}

// SetQuit requests a forced quit: the current read aborts at the next poll
// and the stage exits without draining.
func (c *JobContext) SetQuit(quit bool) {
	c.quit.Store(quit)
}

// LastResult returns the stage's final loop result, if it finished.
func (c *JobContext) LastResult() *LoopResult {
	return c.lastResult.Load()
}

func (c *JobContext) setLastResult(r LoopResult) {
	c.lastResult.Store(&r)
}

// JobFunc is a stage's loop. It runs on its own goroutine, reads from the
// context's Reader and writes to its Writer until shutdown.
type JobFunc func(ctx *JobContext) LoopResult

// Step couples a job context with its loop.
type Step struct {
	Context *JobContext
	Run     JobFunc
}

// Pipeline is a linear chain of steps. Each step runs on its own
// goroutine; adjacent steps share a link.
type Pipeline struct {
	Name  string
	steps []Step

	group  *errgroup.Group
	cancel context.CancelFunc
}

// registry indexes all running job contexts by "pipeline/stage" name so
// monitors and the metrics exporter can iterate them.
var registry = xsync.NewMap[string, *JobContext]()

// VisitJobContexts calls f for every registered running stage.
func VisitJobContexts(f func(name string, ctx *JobContext) bool) {
	registry.Range(f)
}

// NewPipeline creates an empty pipeline.
func NewPipeline(name string) *Pipeline {
	return &Pipeline{Name: name}
}

// AddStep appends a step to the chain.
func (p *Pipeline) AddStep(ctx *JobContext, run JobFunc) {
	p.steps = append(p.steps, Step{Context: ctx, Run: run})
}

// Start launches all steps. Each loop's result is recorded in its context;
// the first error is reported by Wait.
func (p *Pipeline) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	group, _ := errgroup.WithContext(runCtx)
	p.group = group

	for _, step := range p.steps {
		registry.Store(p.Name+"/"+step.Context.Name, step.Context)

		group.Go(func() error {
			step.Context.Logger.Info("Stage starting")
			result := step.Run(step.Context)
			step.Context.setLastResult(result)

			if result.Err != nil {
				step.Context.Logger.Error("Stage finished with error", "error", result.Err)
			} else {
				step.Context.Logger.Info("Stage finished")
			}
			return result.Err
		})
	}
}

// Wait blocks until all steps have exited and returns the first error.
func (p *Pipeline) Wait() error {
	err := p.group.Wait()
	for _, step := range p.steps {
		registry.Delete(p.Name + "/" + step.Context.Name)
	}
	p.cancel()
	return err
}

// Quit requests a forced quit on every step, aborting current reads.
func (p *Pipeline) Quit() {
	for _, step := range p.steps {
		step.Context.SetQuit(true)
	}
}

// Steps returns the pipeline's steps for inspection.
func (p *Pipeline) Steps() []Step {
	return p.steps
}
