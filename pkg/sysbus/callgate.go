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

package sysbus

import (
	"fmt"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/solivar/devmoded/pkg/wakelock"
)

// callGate suspend-proofs outbound calls: every reply-expecting call
// holds a uniquely named wakelock from send until its outcome has been
// delivered or the call is canceled.
type callGate struct {
	locker wakelock.Locker
	prefix string
	seq    atomic.Uint64
}

func newCallGate(locker wakelock.Locker, prefix string) *callGate {
	return &callGate{locker: locker, prefix: prefix}
}

// gateSlot is the wakelock attached to one pending call. Release is
// idempotent; the slot guarantees exactly one release over its life.
type gateSlot struct {
	gate     *callGate
	name     string
	released atomic.Bool
}

// slot acquires a fresh uniquely named wakelock with no timeout.
func (g *callGate) slot() *gateSlot {
	name := fmt.Sprintf("%s/%d", g.prefix, g.seq.Inc())
	if err := g.locker.Acquire(name, wakelock.NoTimeout); err != nil {
		log.Warn("acquiring call wakelock failed",
			zap.String("name", name), zap.Error(err))
	}
	return &gateSlot{gate: g, name: name}
}

func (s *gateSlot) release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	if err := s.gate.locker.Release(s.name); err != nil {
		log.Warn("releasing call wakelock failed",
			zap.String("name", s.name), zap.Error(err))
	}
}

// gatedCall couples a pending call with its wakelock slot: cancellation
// releases the lock, and the wrapped completion callback releases it
// after the outcome has been consumed.
type gatedCall struct {
	inner PendingCall
	slot  *gateSlot
}

// Cancel implements PendingCall.
func (c *gatedCall) Cancel() {
	c.inner.Cancel()
	c.slot.release()
}
