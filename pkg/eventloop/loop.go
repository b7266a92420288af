// Copyright 2026 Solivar Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventloop provides the daemon's single cooperative event loop.
// Every piece of IPC state is confined to it: bus filters, pending-call
// completions, timers and deferred tasks all execute serially on one
// goroutine, so the packages built on top hold no locks of their own.
package eventloop

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
)

// Loop is a serialized task queue drained by a single goroutine.
//
// Submit never blocks, so tasks may freely enqueue further tasks from
// within the loop without deadlocking.
type Loop struct {
	clk clock.Clock

	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
}

// New creates a loop driving its timers from clk.
func New(clk clock.Clock) *Loop {
	return &Loop{
		clk:  clk,
		wake: make(chan struct{}, 1),
	}
}

// Clock returns the clock the loop schedules with.
func (l *Loop) Clock() clock.Clock {
	return l.clk
}

// Submit enqueues f for execution on the loop goroutine. FIFO order is
// preserved between any two Submit calls.
func (l *Loop) Submit(f func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, f)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is canceled. It must be called exactly
// once, from the goroutine that is to own all loop-confined state.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-l.wake:
			l.drain()
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		f := l.tasks[0]
		l.tasks = l.tasks[1:]
		l.mu.Unlock()
		f()
	}
}

// Barrier blocks until every task submitted before it has run. Intended
// for shutdown sequencing and tests.
func (l *Loop) Barrier(ctx context.Context) error {
	done := make(chan struct{})
	l.Submit(func() { close(done) })
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-done:
		return nil
	}
}

// Timer is a one-shot timer whose function runs on the loop.
type Timer struct {
	inner *clock.Timer
}

// Stop cancels the timer. It reports whether the timer was stopped before
// firing; a task already handed to the loop will still run, so callers
// re-check their own state when it matters.
func (t *Timer) Stop() bool {
	return t.inner.Stop()
}

// AfterFunc arranges for f to run on the loop after d has elapsed on the
// loop's clock.
func (l *Loop) AfterFunc(d time.Duration, f func()) *Timer {
	return &Timer{inner: l.clk.AfterFunc(d, func() {
		l.Submit(f)
	})}
}
