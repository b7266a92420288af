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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/solivar/devmoded/pkg/config"
	"github.com/solivar/devmoded/pkg/eventloop"
	"github.com/solivar/devmoded/pkg/procfs"
	"github.com/solivar/devmoded/pkg/uptime"
	"github.com/solivar/devmoded/pkg/wakelock"
)

// mockBus is the in-memory Bus used by the package tests. Tests feed
// inbound messages with deliver and resolve outbound calls with
// resolve.
type mockBus struct {
	loop *eventloop.Loop

	mu         sync.Mutex
	unique     string
	connected  bool
	filters    []func(*Message)
	matches    map[string]int
	sent       []*Message
	calls      []*mockCall
	requested  []string
	requestErr error
	nextSerial uint32
}

type mockCall struct {
	bus      *mockBus
	Msg      *Message
	Timeout  time.Duration
	done     func(ReplyOutcome)
	canceled bool
	resolved bool
}

func newMockBus(loop *eventloop.Loop) *mockBus {
	return &mockBus{
		loop:      loop,
		unique:    ":1.1",
		connected: true,
		matches:   make(map[string]int),
	}
}

func (b *mockBus) UniqueName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unique
}

func (b *mockBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *mockBus) RequestName(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.requestErr != nil {
		return b.requestErr
	}
	b.requested = append(b.requested, name)
	return nil
}

func (b *mockBus) AddFilter(fn func(*Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, fn)
}

func (b *mockBus) AddMatch(rule string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matches[rule]++
	return nil
}

func (b *mockBus) RemoveMatch(rule string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matches[rule]--
	return nil
}

func (b *mockBus) Call(msg *Message, timeout time.Duration, done func(ReplyOutcome)) (PendingCall, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	call := &mockCall{bus: b, Msg: msg, Timeout: timeout, done: done}
	b.calls = append(b.calls, call)
	return call, nil
}

func (b *mockBus) Send(msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	return nil
}

func (b *mockBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (c *mockCall) Cancel() {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	c.canceled = true
}

// resolve completes an outbound call; the completion callback runs on
// the loop unless the call was canceled first.
func (b *mockBus) resolve(call *mockCall, outcome ReplyOutcome) {
	b.mu.Lock()
	if call.canceled || call.resolved {
		b.mu.Unlock()
		return
	}
	call.resolved = true
	done := call.done
	b.mu.Unlock()
	b.loop.Submit(func() { done(outcome) })
}

// deliver feeds an inbound message through the installed filters.
func (b *mockBus) deliver(msg *Message) {
	b.mu.Lock()
	if msg.Serial == 0 {
		b.nextSerial++
		msg.Serial = b.nextSerial
	}
	filters := append(([]func(*Message))(nil), b.filters...)
	b.mu.Unlock()
	b.loop.Submit(func() {
		for _, fn := range filters {
			fn(msg)
		}
	})
}

func (b *mockBus) callsFor(member string) []*mockCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*mockCall
	for _, call := range b.calls {
		if call.Msg.Member == member {
			out = append(out, call)
		}
	}
	return out
}

func (b *mockBus) lastCallFor(member string) *mockCall {
	calls := b.callsFor(member)
	if len(calls) == 0 {
		return nil
	}
	return calls[len(calls)-1]
}

func (b *mockBus) sentMessages() []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Message(nil), b.sent...)
}

func (b *mockBus) sentOfType(t MessageType) []*Message {
	var out []*Message
	for _, msg := range b.sentMessages() {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

func (b *mockBus) matchCount(rule string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.matches[rule]
}

// rig assembles a full service over the mock bus with a mock clock,
// in-memory wakelocks and a fake /proc.
type rig struct {
	t      *testing.T
	ctx    context.Context
	clk    *clock.Mock
	loop   *eventloop.Loop
	bus    *mockBus
	locker *wakelock.MemLocker
	proc   *procfs.Fake
	store  *config.Store
	svc    *Service
}

func testConfig() *Config {
	cfg := DefaultConfig()
	// Skip host account lookups; the tests poke privileged ids
	// directly.
	cfg.PrivilegedUser = ""
	cfg.PrivilegedGroup = ""
	return cfg
}

func newRig(t *testing.T, cfg *Config) *rig {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	clk := clock.NewMock()
	loop := eventloop.New(clk)
	bus := newMockBus(loop)
	locker := wakelock.NewMemLocker()
	proc := procfs.NewFake()

	store := config.NewStore()
	store.Declare("/display/brightness", config.Int(60))
	store.Declare("/display/als-enabled", config.Bool(true))
	store.Declare("/powerkey/actions", config.StringList([]string{"blank"}))

	up := &uptime.Source{
		Monotonic: func() time.Duration { return 90 * time.Second },
		Total:     func() (time.Duration, error) { return 100 * time.Second, nil },
	}

	svc, err := New(cfg, Options{
		Bus:    bus,
		Loop:   loop,
		Locker: locker,
		Prober: proc,
		Store:  store,
		Uptime: up,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		connectionActive.Store(false)
	})

	return &rig{
		t:      t,
		ctx:    ctx,
		clk:    clk,
		loop:   loop,
		bus:    bus,
		locker: locker,
		proc:   proc,
		store:  store,
		svc:    svc,
	}
}

func (r *rig) start() {
	r.t.Helper()
	require.NoError(r.t, r.svc.Start(r.ctx))
}

// flush waits until everything queued on the loop has run.
func (r *rig) flush() {
	r.t.Helper()
	require.NoError(r.t, r.loop.Barrier(r.ctx))
}

// onLoop runs fn on the loop and waits for it; the way tests touch
// loop-confined state.
func (r *rig) onLoop(fn func()) {
	r.t.Helper()
	done := make(chan struct{})
	r.loop.Submit(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.t.Fatal("loop task did not run")
	}
}

// nameOwnerChanged injects the bus daemon's ownership signal.
func (r *rig) nameOwnerChanged(name, oldOwner, newOwner string) {
	r.bus.deliver(&Message{
		Type:      TypeSignal,
		Sender:    busDaemonName,
		Path:      busDaemonPath,
		Interface: busDaemonInterface,
		Member:    nameOwnerChangedMember,
		Body:      []interface{}{name, oldOwner, newOwner},
	})
}

// deliverCall injects an inbound method call on the request interface.
func (r *rig) deliverCall(sender, iface, member string, args ...interface{}) *Message {
	msg := &Message{
		Type:      TypeMethodCall,
		Sender:    sender,
		Path:      r.svc.cfg.RequestPath,
		Interface: iface,
		Member:    member,
		Body:      args,
	}
	r.bus.deliver(msg)
	return msg
}

// deliverSignal injects an inbound signal.
func (r *rig) deliverSignal(sender, path, iface, member string, args ...interface{}) {
	r.bus.deliver(&Message{
		Type:      TypeSignal,
		Sender:    sender,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      args,
	})
}

// runningPeer drives name through its state machine into RUNNING with
// the given owner and pid.
func (r *rig) runningPeer(name, owner string, pid int) *PeerInfo {
	r.t.Helper()
	var peer *PeerInfo
	r.onLoop(func() { peer = r.svc.tracker.Ensure(name) })
	r.flush()

	if name[0] != ':' {
		ownerCall := r.bus.lastCallFor(getNameOwnerMember)
		require.NotNil(r.t, ownerCall)
		r.bus.resolve(ownerCall, OkOutcome(&Message{
			Type: TypeMethodReturn,
			Body: []interface{}{owner},
		}))
		r.flush()
	}

	pidCall := r.bus.lastCallFor(getConnectionPIDMember)
	require.NotNil(r.t, pidCall)
	r.bus.resolve(pidCall, OkOutcome(&Message{
		Type: TypeMethodReturn,
		Body: []interface{}{uint32(pid)},
	}))
	r.flush()

	require.Equal(r.t, StateRunning, peer.State())
	return peer
}
