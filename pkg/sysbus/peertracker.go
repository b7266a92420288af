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
	"os/user"
	"strconv"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/solivar/devmoded/pkg/datapipe"
	"github.com/solivar/devmoded/pkg/eventloop"
	"github.com/solivar/devmoded/pkg/procfs"
)

// PeerState is the resolution state of one tracked bus name.
type PeerState int

// Peer states.
const (
	StateInitial PeerState = iota
	StateQueryOwner
	StateQueryPID
	StateIdentify
	StateRunning
	StateStopped
)

// String returns the state name for logs.
func (s PeerState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateQueryOwner:
		return "QUERY_OWNER"
	case StateQueryPID:
		return "QUERY_PID"
	case StateIdentify:
		return "IDENTIFY"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Privilege classifies a peer's authority to call gated methods.
type Privilege int

// Privilege values. The numeric values appear in identity strings.
const (
	PrivilegeUnknown Privilege = -1
	PrivilegeNo      Privilege = 0
	PrivilegeYes     Privilege = 1
)

// StateCallback observes peer state transitions.
type StateCallback func(name string, state PeerState, userData interface{})

// QuitCallback observes a peer leaving the bus. The message is shaped
// like a NameOwnerChanged signal whose new-owner field is empty.
type QuitCallback func(msg *Message)

// PeerEvent is published to a peer's bound datapipe topic on liveness
// transitions.
type PeerEvent struct {
	Name    string
	Owner   string
	PID     int
	Running bool
}

// CallFunc issues an outbound method call; the Service routes these
// through the wakelock gate.
type CallFunc func(msg *Message, timeout time.Duration, done func(ReplyOutcome)) (PendingCall, error)

// Tracker resolves bus names into OS identities and broadcasts their
// liveness. It is loop-confined.
type Tracker struct {
	loop *eventloop.Loop
	bus  Bus
	call CallFunc
	proc procfs.Prober
	cfg  *Config

	peers map[string]*PeerInfo

	// redispatch replays a deferred method call once its sender's
	// identity is resolved.
	redispatch func(msg *Message)

	privUID int
	privGID int
}

// NewTracker creates a tracker. The privileged uid and gid are resolved
// once, here; lookup failure keeps the root-only defaults.
func NewTracker(loop *eventloop.Loop, bus Bus, call CallFunc, proc procfs.Prober, cfg *Config) *Tracker {
	t := &Tracker{
		loop:  loop,
		bus:   bus,
		call:  call,
		proc:  proc,
		cfg:   cfg,
		peers: make(map[string]*PeerInfo),
	}
	t.resolvePrivilegedIDs()
	return t
}

func (t *Tracker) resolvePrivilegedIDs() {
	if t.cfg.PrivilegedUser != "" {
		if u, err := user.Lookup(t.cfg.PrivilegedUser); err == nil {
			if uid, err := strconv.Atoi(u.Uid); err == nil {
				t.privUID = uid
			}
		} else {
			log.Warn("privileged user not found, keeping root-only",
				zap.String("user", t.cfg.PrivilegedUser))
		}
	}
	if t.cfg.PrivilegedGroup != "" {
		if g, err := user.LookupGroup(t.cfg.PrivilegedGroup); err == nil {
			if gid, err := strconv.Atoi(g.Gid); err == nil {
				t.privGID = gid
			}
		} else {
			log.Warn("privileged group not found, keeping root-only",
				zap.String("group", t.cfg.PrivilegedGroup))
		}
	}
}

// SetRedispatch installs the deferred-method replay hook.
func (t *Tracker) SetRedispatch(fn func(msg *Message)) {
	t.redispatch = fn
}

// Lookup returns the tracked peer for name, or nil.
func (t *Tracker) Lookup(name string) *PeerInfo {
	return t.peers[name]
}

// Ensure returns the peer for name, creating and starting its state
// machine on first reference.
func (t *Tracker) Ensure(name string) *PeerInfo {
	if p, ok := t.peers[name]; ok {
		return p
	}
	p := &PeerInfo{
		name:     name,
		tracker:  t,
		state:    StateInitial,
		ownerPID: -1,
		ownerUID: -1,
		ownerGID: -1,
		proxyPID: -1,
	}
	t.peers[name] = p
	trackedPeersGauge.Inc()

	p.nameOwnerMatch = nameOwnerMatch(name)
	if err := t.bus.AddMatch(p.nameOwnerMatch); err != nil {
		log.Warn("installing NameOwnerChanged match failed",
			zap.String("name", name), zap.Error(err))
	}

	log.Debug("tracking peer", zap.String("name", name))
	p.enterQueryOwner()
	return p
}

// Remove drops the peer for name. Idempotent.
func (t *Tracker) Remove(name string) {
	p, ok := t.peers[name]
	if !ok {
		return
	}
	p.exitState()
	p.dropDeferred()
	p.freeStateSubs()
	if t.bus.Connected() {
		if err := t.bus.RemoveMatch(p.nameOwnerMatch); err != nil {
			log.Warn("removing NameOwnerChanged match failed",
				zap.String("name", name), zap.Error(err))
		}
	}
	delete(t.peers, name)
	trackedPeersGauge.Dec()
	log.Debug("peer removed", zap.String("name", name))
}

// Stop tears every peer down. Called at service shutdown.
func (t *Tracker) Stop() {
	for name := range t.peers {
		t.Remove(name)
	}
}

// FilterNameOwnerChanged is the bus filter feeding ownership signals
// into the state machines.
func (t *Tracker) FilterNameOwnerChanged(msg *Message) {
	if msg.Type != TypeSignal ||
		msg.Interface != busDaemonInterface ||
		msg.Member != nameOwnerChangedMember {
		return
	}
	name, ok1 := msg.StringArg(0)
	oldOwner, ok2 := msg.StringArg(1)
	newOwner, ok3 := msg.StringArg(2)
	if !ok1 || !ok2 || !ok3 {
		log.Warn("malformed NameOwnerChanged signal")
		return
	}
	p, ok := t.peers[name]
	if !ok {
		return
	}
	log.Debug("name owner changed",
		zap.String("name", name),
		zap.String("old", oldOwner),
		zap.String("new", newOwner))
	p.ownerChanged(newOwner)
}

// PrivilegeOf classifies the sender's authority. The /proc ownership is
// re-read on every query so a live uid/gid drop is honored.
func (t *Tracker) PrivilegeOf(name string) Privilege {
	p, ok := t.peers[name]
	if !ok || p.state != StateRunning || p.ownerPID < 0 {
		return PrivilegeUnknown
	}
	uid, gid, err := t.proc.OwnerIDs(p.ownerPID)
	if err != nil {
		return PrivilegeUnknown
	}
	if uid == 0 || uid == t.privUID || gid == t.privGID {
		return PrivilegeYes
	}
	return PrivilegeNo
}

// PeerInfo is the tracking record for one bus name. All fields are
// loop-confined.
type PeerInfo struct {
	name    string
	tracker *Tracker
	state   PeerState

	ownerName    string
	ownerPID     int
	ownerUID     int
	ownerGID     int
	proxyPID     int
	ownerCmdline string

	pendingOwner    PendingCall
	pendingPID      PendingCall
	pendingIdentify PendingCall

	quitSubs  []*QuitSub
	stateSubs []*StateSub
	deferred  []*Message

	topic       *datapipe.Topic
	deleteTimer *eventloop.Timer

	nameOwnerMatch string
}

// Name returns the tracked bus name.
func (p *PeerInfo) Name() string { return p.name }

// State returns the current resolution state.
func (p *PeerInfo) State() PeerState { return p.state }

// OwnerName returns the unique name owning the tracked name, or "".
func (p *PeerInfo) OwnerName() string { return p.ownerName }

// OwnerPID returns the owner's pid, or -1.
func (p *PeerInfo) OwnerPID() int { return p.ownerPID }

// BindTopic attaches the datapipe topic receiving liveness events.
func (p *PeerInfo) BindTopic(topic *datapipe.Topic) {
	p.topic = topic
}

// IdentityString renders the peer for logs and debug surfaces.
func (p *PeerInfo) IdentityString() string {
	owner := p.ownerName
	if owner == "" {
		owner = "NULL"
	}
	return fmt.Sprintf("name=%s owner=%s pid=%d uid=%d gid=%d priv=%d cmd=%s",
		p.name, owner, p.ownerPID, p.ownerUID, p.ownerGID,
		int(p.tracker.PrivilegeOf(p.name)), p.ownerCmdline)
}

// isPrivateName reports whether the tracked name is a unique
// connection name rather than a well-known one.
func (p *PeerInfo) isPrivateName() bool {
	return len(p.name) > 0 && p.name[0] == ':'
}

// exitState cancels whatever the current state keeps in flight.
func (p *PeerInfo) exitState() {
	if p.pendingOwner != nil {
		p.pendingOwner.Cancel()
		p.pendingOwner = nil
	}
	if p.pendingPID != nil {
		p.pendingPID.Cancel()
		p.pendingPID = nil
	}
	if p.pendingIdentify != nil {
		p.pendingIdentify.Cancel()
		p.pendingIdentify = nil
	}
	if p.deleteTimer != nil {
		p.deleteTimer.Stop()
		p.deleteTimer = nil
	}
}

func (p *PeerInfo) clearIdentity() {
	p.ownerPID = -1
	p.ownerUID = -1
	p.ownerGID = -1
	p.proxyPID = -1
	p.ownerCmdline = ""
}

func (p *PeerInfo) setState(next PeerState) {
	prev := p.state
	p.state = next
	if prev != next {
		log.Debug("peer state",
			zap.String("name", p.name),
			zap.Stringer("from", prev),
			zap.Stringer("to", next))
	}
	p.notifyStateSubs()
}

func (p *PeerInfo) enterQueryOwner() {
	p.exitState()
	p.ownerName = ""
	p.clearIdentity()
	p.setState(StateQueryOwner)

	// A unique name is its own owner; the bus daemon has nothing to
	// add.
	if p.isPrivateName() {
		p.ownerName = p.name
		p.enterQueryPID()
		return
	}

	msg := NewMethodCall(busDaemonName, busDaemonPath, busDaemonInterface,
		getNameOwnerMember, p.name)
	var call PendingCall
	call, err := p.tracker.call(msg, -1, func(o ReplyOutcome) {
		if p.pendingOwner != call {
			return
		}
		p.pendingOwner = nil
		p.ownerQueryDone(o)
	})
	if err != nil {
		log.Warn("GetNameOwner send failed",
			zap.String("name", p.name), zap.Error(err))
		p.enterStopped()
		return
	}
	p.pendingOwner = call
}

func (p *PeerInfo) ownerQueryDone(o ReplyOutcome) {
	switch o.Kind {
	case ReplyOK:
		owner, ok := o.Reply.StringArg(0)
		if !ok || owner == "" {
			p.enterStopped()
			return
		}
		p.ownerName = owner
		p.enterQueryPID()
	case ReplyBusError:
		if o.ErrName != errNameNameHasNoOwner {
			log.Warn("GetNameOwner failed",
				zap.String("name", p.name),
				zap.String("error", o.ErrName),
				zap.String("detail", o.ErrMessage))
		}
		p.enterStopped()
	case ReplyCanceled:
		// Connection teardown; the tracker is being stopped.
	}
}

func (p *PeerInfo) enterQueryPID() {
	p.exitState()
	p.clearIdentity()
	p.setState(StateQueryPID)

	msg := NewMethodCall(busDaemonName, busDaemonPath, busDaemonInterface,
		getConnectionPIDMember, p.ownerName)
	var call PendingCall
	call, err := p.tracker.call(msg, -1, func(o ReplyOutcome) {
		if p.pendingPID != call {
			return
		}
		p.pendingPID = nil
		p.pidQueryDone(o)
	})
	if err != nil {
		log.Warn("GetConnectionUnixProcessID send failed",
			zap.String("name", p.name), zap.Error(err))
		p.enterStopped()
		return
	}
	p.pendingPID = call
}

func (p *PeerInfo) pidQueryDone(o ReplyOutcome) {
	switch o.Kind {
	case ReplyOK:
		pid32, ok := o.Reply.Uint32Arg(0)
		if !ok {
			log.Error("malformed GetConnectionUnixProcessID reply",
				zap.String("name", p.name))
			p.enterStopped()
			return
		}
		pid := int(pid32)
		if proxy := p.tracker.cfg.SandboxProxyPath; proxy != "" {
			if exe, err := p.tracker.proc.ExePath(pid); err == nil && exe == proxy {
				p.proxyPID = pid
				p.enterIdentify()
				return
			}
		}
		p.becomeRunning(pid)
	case ReplyBusError:
		log.Warn("pid query failed, treating owner as lost",
			zap.String("name", p.name),
			zap.String("error", o.ErrName))
		p.enterStopped()
	case ReplyCanceled:
	}
}

func (p *PeerInfo) enterIdentify() {
	p.exitState()
	p.setState(StateIdentify)

	cfg := p.tracker.cfg
	msg := NewMethodCall(p.ownerName, cfg.IdentifyPath, cfg.IdentifyInterface,
		cfg.IdentifyMember)
	var call PendingCall
	call, err := p.tracker.call(msg, -1, func(o ReplyOutcome) {
		if p.pendingIdentify != call {
			return
		}
		p.pendingIdentify = nil
		p.identifyDone(o)
	})
	if err != nil {
		log.Warn("Identify send failed",
			zap.String("name", p.name), zap.Error(err))
		p.becomeRunning(p.proxyPID)
		return
	}
	p.pendingIdentify = call
}

func (p *PeerInfo) identifyDone(o ReplyOutcome) {
	switch o.Kind {
	case ReplyOK:
		if pid, ok := identifiedPID(o.Reply); ok {
			p.becomeRunning(pid)
			return
		}
		p.becomeRunning(p.proxyPID)
	case ReplyBusError:
		log.Debug("Identify failed, using proxy pid",
			zap.String("name", p.name),
			zap.String("error", o.ErrName))
		p.becomeRunning(p.proxyPID)
	case ReplyCanceled:
	}
}

// identifiedPID extracts the `pid` key from an Identify reply dict.
// Every other key is ignored.
func identifiedPID(reply *Message) (int, bool) {
	if len(reply.Body) == 0 {
		return 0, false
	}
	switch dict := reply.Body[0].(type) {
	case map[string]dbus.Variant:
		v, ok := dict["pid"]
		if !ok {
			return 0, false
		}
		return variantPID(v.Value())
	case map[string]interface{}:
		v, ok := dict["pid"]
		if !ok {
			return 0, false
		}
		return variantPID(v)
	default:
		return 0, false
	}
}

func variantPID(raw interface{}) (int, bool) {
	switch v := raw.(type) {
	case int32:
		return int(v), true
	case uint32:
		return int(v), true
	case dbus.Variant:
		return variantPID(v.Value())
	default:
		return 0, false
	}
}

func (p *PeerInfo) becomeRunning(pid int) {
	p.ownerPID = pid
	if uid, gid, err := p.tracker.proc.OwnerIDs(pid); err == nil {
		p.ownerUID = uid
		p.ownerGID = gid
	} else {
		p.ownerUID = -1
		p.ownerGID = -1
	}
	p.ownerCmdline = p.tracker.proc.Cmdline(pid)
	p.enterRunning()
}

func (p *PeerInfo) enterRunning() {
	p.exitState()
	p.setState(StateRunning)

	log.Info("peer identified", zap.String("peer", p.IdentityString()))
	if p.topic != nil {
		p.topic.Publish(PeerEvent{
			Name:    p.name,
			Owner:   p.ownerName,
			PID:     p.ownerPID,
			Running: true,
		})
	}
	p.drainDeferred()
}

func (p *PeerInfo) enterStopped() {
	oldOwner := p.ownerName
	p.exitState()
	p.ownerName = ""
	p.clearIdentity()
	p.setState(StateStopped)

	if p.topic != nil {
		p.topic.Publish(PeerEvent{Name: p.name, Running: false})
	}
	p.dropDeferred()
	p.fireQuitSubs(oldOwner)

	if p.isPrivateName() {
		p.armDeleteTimer()
	}
}

// ownerChanged applies a NameOwnerChanged observation. A running peer
// whose name gained a different owner passes through STOPPED first so
// observers see the drop.
func (p *PeerInfo) ownerChanged(newOwner string) {
	if newOwner == "" {
		if p.state != StateStopped {
			p.enterStopped()
		}
		return
	}
	if p.state == StateRunning {
		if p.ownerName == newOwner {
			return
		}
		p.enterStopped()
	}
	p.ownerName = newOwner
	p.enterQueryPID()
}

func (p *PeerInfo) armDeleteTimer() {
	grace := p.tracker.cfg.PeerDeleteGrace
	p.deleteTimer = p.tracker.loop.AfterFunc(grace, func() {
		// Refused if the peer was resurrected during the grace window.
		if p.tracker.peers[p.name] != p || p.state != StateStopped {
			return
		}
		p.tracker.Remove(p.name)
	})
}

// --- deferred method queue ---

// deferMethod queues an inbound method call until the sender's
// privilege can be decided.
func (p *PeerInfo) deferMethod(msg *Message) {
	p.deferred = append(p.deferred, msg)
	deferredMethodsGauge.Inc()
	log.Debug("method call deferred until sender resolves",
		zap.String("sender", p.name),
		zap.String("member", msg.Member))
}

func (p *PeerInfo) drainDeferred() {
	pending := p.deferred
	p.deferred = nil
	for _, msg := range pending {
		deferredMethodsGauge.Dec()
		if p.tracker.redispatch == nil {
			log.Error("no redispatch hook, dropping deferred call",
				zap.String("member", msg.Member))
			continue
		}
		p.tracker.redispatch(msg)
	}
}

func (p *PeerInfo) dropDeferred() {
	for _, msg := range p.deferred {
		deferredMethodsGauge.Dec()
		log.Warn("dropping deferred method call, sender left the bus",
			zap.String("sender", p.name),
			zap.String("member", msg.Member))
	}
	p.deferred = nil
}

// --- quit subscribers ---

// QuitSub is a handle on a peer-quit subscription.
type QuitSub struct {
	peer  *PeerInfo
	cb    QuitCallback
	fired bool
}

// AddQuitSub registers cb to run exactly once when the peer is observed
// to have left the bus. Subscribing to a peer already stopped fires on
// the next loop turn.
func (p *PeerInfo) AddQuitSub(cb QuitCallback) *QuitSub {
	sub := &QuitSub{peer: p, cb: cb}
	p.quitSubs = append(p.quitSubs, sub)
	if p.state == StateStopped {
		p.tracker.loop.Submit(func() {
			if p.state != StateStopped || sub.fired {
				return
			}
			p.removeQuitSub(sub)
			sub.fired = true
			sub.cb(synthesizedQuit(p.name, ""))
		})
	}
	return sub
}

// RemoveQuitSub detaches a subscription. Safe after firing and safe
// from within the callback itself.
func (p *PeerInfo) RemoveQuitSub(sub *QuitSub) {
	p.removeQuitSub(sub)
}

func (p *PeerInfo) removeQuitSub(sub *QuitSub) {
	for i, other := range p.quitSubs {
		if other == sub {
			p.quitSubs[i] = nil
			return
		}
	}
}

func (p *PeerInfo) fireQuitSubs(oldOwner string) {
	subs := p.quitSubs
	p.quitSubs = nil
	msg := synthesizedQuit(p.name, oldOwner)
	for _, sub := range subs {
		if sub == nil || sub.fired {
			continue
		}
		sub.fired = true
		sub.cb(msg)
	}
}

// synthesizedQuit builds the NameOwnerChanged-shaped argument handed to
// quit subscribers.
func synthesizedQuit(name, oldOwner string) *Message {
	return &Message{
		Type:      TypeSignal,
		Sender:    busDaemonName,
		Path:      busDaemonPath,
		Interface: busDaemonInterface,
		Member:    nameOwnerChangedMember,
		Body:      []interface{}{name, oldOwner, ""},
	}
}

// --- state subscribers ---

// StateSub is a handle on a state-transition subscription.
type StateSub struct {
	peer     *PeerInfo
	cb       StateCallback
	userData interface{}
	free     func(interface{})
}

// addStateSub appends the subscription and schedules the initial
// notification so late subscribers learn the current state without
// racing the producer.
func (p *PeerInfo) addStateSub(sub *StateSub) {
	p.stateSubs = append(p.stateSubs, sub)
	p.tracker.loop.Submit(func() {
		if p.tracker.peers[p.name] != p || !p.hasStateSub(sub) {
			return
		}
		sub.cb(p.name, p.state, sub.userData)
	})
}

func (p *PeerInfo) hasStateSub(sub *StateSub) bool {
	for _, other := range p.stateSubs {
		if other == sub {
			return true
		}
	}
	return false
}

// removeStateSub nils the slot in place so removal from within a
// callback is safe; the list is compacted after the next notification
// pass.
func (p *PeerInfo) removeStateSub(sub *StateSub) {
	for i, other := range p.stateSubs {
		if other == sub {
			p.stateSubs[i] = nil
			if sub.free != nil {
				sub.free(sub.userData)
			}
			return
		}
	}
}

func (p *PeerInfo) notifyStateSubs() {
	for i := 0; i < len(p.stateSubs); i++ {
		sub := p.stateSubs[i]
		if sub == nil {
			continue
		}
		sub.cb(p.name, p.state, sub.userData)
	}
	kept := p.stateSubs[:0]
	for _, sub := range p.stateSubs {
		if sub != nil {
			kept = append(kept, sub)
		}
	}
	p.stateSubs = kept
}

func (p *PeerInfo) freeStateSubs() {
	for i, sub := range p.stateSubs {
		if sub == nil {
			continue
		}
		p.stateSubs[i] = nil
		if sub.free != nil {
			sub.free(sub.userData)
		}
	}
	p.stateSubs = nil
}
