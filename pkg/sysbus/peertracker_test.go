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
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/solivar/devmoded/pkg/procfs"
)

func TestWellKnownNameResolution(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	r.proc.Set(42, procfs.FakeProcess{UID: 1000, GID: 1000, Cmdline: "svc --daemon"})

	var peer *PeerInfo
	r.onLoop(func() { peer = r.svc.tracker.Ensure("org.ex.A") })
	r.flush()
	require.Equal(t, StateQueryOwner, peer.State())
	require.Equal(t, 1, r.bus.matchCount(nameOwnerMatch("org.ex.A")))

	ownerCall := r.bus.lastCallFor(getNameOwnerMember)
	require.NotNil(t, ownerCall)
	name, _ := ownerCall.Msg.StringArg(0)
	require.Equal(t, "org.ex.A", name)
	r.bus.resolve(ownerCall, OkOutcome(&Message{
		Type: TypeMethodReturn, Body: []interface{}{":1.5"},
	}))
	r.flush()
	require.Equal(t, StateQueryPID, peer.State())
	require.Equal(t, ":1.5", peer.OwnerName())

	pidCall := r.bus.lastCallFor(getConnectionPIDMember)
	require.NotNil(t, pidCall)
	owner, _ := pidCall.Msg.StringArg(0)
	require.Equal(t, ":1.5", owner)
	r.bus.resolve(pidCall, OkOutcome(&Message{
		Type: TypeMethodReturn, Body: []interface{}{uint32(42)},
	}))
	r.flush()

	require.Equal(t, StateRunning, peer.State())
	require.Equal(t, 42, peer.OwnerPID())
	require.Contains(t, peer.IdentityString(), "name=org.ex.A")
	require.Contains(t, peer.IdentityString(), "owner=:1.5")
	require.Contains(t, peer.IdentityString(), "pid=42")
	require.Contains(t, peer.IdentityString(), "uid=1000")
	require.Contains(t, peer.IdentityString(), "cmd=svc --daemon")
}

func TestUniqueNameSkipsOwnerQuery(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var peer *PeerInfo
	r.onLoop(func() { peer = r.svc.tracker.Ensure(":1.9") })
	r.flush()

	require.Nil(t, r.bus.lastCallFor(getNameOwnerMember))
	require.Equal(t, StateQueryPID, peer.State())
	require.Equal(t, ":1.9", peer.OwnerName())
}

func TestNameWithNoOwnerStops(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var peer *PeerInfo
	r.onLoop(func() { peer = r.svc.tracker.Ensure("org.ex.B") })
	r.flush()

	ownerCall := r.bus.lastCallFor(getNameOwnerMember)
	r.bus.resolve(ownerCall, BusErrorOutcome(errNameNameHasNoOwner, "no owner"))
	r.flush()

	require.Equal(t, StateStopped, peer.State())
	require.Equal(t, "", peer.OwnerName())
}

func TestOwnerSwapDuringRunning(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	r.proc.Set(42, procfs.FakeProcess{UID: 1000, GID: 1000})
	r.proc.Set(77, procfs.FakeProcess{UID: 1001, GID: 1001})

	peer := r.runningPeer("org.ex.A", ":1.5", 42)

	var states []PeerState
	var quitCount int
	var quitNew string
	r.onLoop(func() {
		r.svc.tracker.SubscribeState("org.ex.A",
			func(_ string, state PeerState, _ interface{}) {
				states = append(states, state)
			}, nil, nil)
		peer.AddQuitSub(func(msg *Message) {
			quitCount++
			quitNew, _ = msg.StringArg(2)
		})
	})
	r.flush()
	// Initial deferred notification of the current state.
	require.Equal(t, []PeerState{StateRunning}, states)

	r.nameOwnerChanged("org.ex.A", ":1.5", ":1.9")
	r.flush()
	require.Equal(t, []PeerState{StateRunning, StateStopped, StateQueryPID}, states)
	require.Equal(t, 1, quitCount)
	require.Equal(t, "", quitNew)

	pidCall := r.bus.lastCallFor(getConnectionPIDMember)
	require.NotNil(t, pidCall)
	target, _ := pidCall.Msg.StringArg(0)
	require.Equal(t, ":1.9", target)
	r.bus.resolve(pidCall, OkOutcome(&Message{
		Type: TypeMethodReturn, Body: []interface{}{uint32(77)},
	}))
	r.flush()

	require.Equal(t, []PeerState{
		StateRunning, StateStopped, StateQueryPID, StateRunning,
	}, states)
	require.Equal(t, 77, peer.OwnerPID())

	// The quit subscriber fired exactly once for the whole swap.
	r.nameOwnerChanged("org.ex.A", ":1.9", "")
	r.flush()
	require.Equal(t, 1, quitCount)
}

func TestQuitSubAfterStoppedFiresDeferred(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var peer *PeerInfo
	r.onLoop(func() { peer = r.svc.tracker.Ensure("org.ex.C") })
	r.flush()
	r.bus.resolve(r.bus.lastCallFor(getNameOwnerMember),
		BusErrorOutcome(errNameNameHasNoOwner, "no owner"))
	r.flush()
	require.Equal(t, StateStopped, peer.State())

	var fired int
	r.onLoop(func() {
		peer.AddQuitSub(func(*Message) { fired++ })
	})
	r.flush()
	require.Equal(t, 1, fired)

	// Nothing fires again when a later stop is observed.
	r.nameOwnerChanged("org.ex.C", ":1.4", "")
	r.flush()
	require.Equal(t, 1, fired)
}

func TestPrivateNameDeletedAfterGrace(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	r.onLoop(func() { r.svc.tracker.Ensure(":1.30") })
	r.flush()
	pidCall := r.bus.lastCallFor(getConnectionPIDMember)
	r.bus.resolve(pidCall, BusErrorOutcome(errNameFailed, "gone"))
	r.flush()

	var present bool
	r.onLoop(func() { present = r.svc.tracker.Lookup(":1.30") != nil })
	require.True(t, present)

	r.clk.Add(499 * time.Millisecond)
	r.flush()
	r.onLoop(func() { present = r.svc.tracker.Lookup(":1.30") != nil })
	require.True(t, present)

	r.clk.Add(2 * time.Millisecond)
	r.flush()
	r.onLoop(func() { present = r.svc.tracker.Lookup(":1.30") != nil })
	require.False(t, present)

	// The NameOwnerChanged match was removed along with the peer.
	require.Equal(t, 0, r.bus.matchCount(nameOwnerMatch(":1.30")))
}

func TestPrivateNameDeleteRefusedOnResurrection(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	r.proc.Set(55, procfs.FakeProcess{UID: 1000, GID: 1000})

	r.onLoop(func() { r.svc.tracker.Ensure(":1.31") })
	r.flush()
	r.bus.resolve(r.bus.lastCallFor(getConnectionPIDMember),
		BusErrorOutcome(errNameFailed, "gone"))
	r.flush()

	// The name reappears before the grace window elapses.
	r.nameOwnerChanged(":1.31", "", ":1.31")
	r.flush()

	r.clk.Add(time.Second)
	r.flush()

	var present bool
	r.onLoop(func() { present = r.svc.tracker.Lookup(":1.31") != nil })
	require.True(t, present)
}

func TestStaleReplyDiscarded(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var peer *PeerInfo
	r.onLoop(func() { peer = r.svc.tracker.Ensure("org.ex.D") })
	r.flush()
	staleCall := r.bus.lastCallFor(getNameOwnerMember)
	require.NotNil(t, staleCall)

	// An ownership signal races ahead of the GetNameOwner reply; the
	// tracker cancels the query and moves on.
	r.nameOwnerChanged("org.ex.D", "", ":1.40")
	r.flush()
	require.Equal(t, StateQueryPID, peer.State())

	// The late reply must be discarded, not re-enter the machine.
	r.bus.resolve(staleCall, OkOutcome(&Message{
		Type: TypeMethodReturn, Body: []interface{}{":1.2"},
	}))
	r.flush()
	require.Equal(t, StateQueryPID, peer.State())
	require.Equal(t, ":1.40", peer.OwnerName())
}

func TestSandboxProxyIdentify(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	proxyPID := 300
	realPID := 777
	r.proc.Set(proxyPID, procfs.FakeProcess{
		UID: 100000, GID: 100000, Exe: r.svc.cfg.SandboxProxyPath,
	})
	r.proc.Set(realPID, procfs.FakeProcess{UID: 100001, GID: 100001, Cmdline: "jailed-app"})

	var peer *PeerInfo
	r.onLoop(func() { peer = r.svc.tracker.Ensure(":1.50") })
	r.flush()

	r.bus.resolve(r.bus.lastCallFor(getConnectionPIDMember), OkOutcome(&Message{
		Type: TypeMethodReturn, Body: []interface{}{uint32(proxyPID)},
	}))
	r.flush()
	require.Equal(t, StateIdentify, peer.State())

	identify := r.bus.lastCallFor(r.svc.cfg.IdentifyMember)
	require.NotNil(t, identify)
	require.Equal(t, ":1.50", identify.Msg.Destination)
	require.Equal(t, r.svc.cfg.IdentifyInterface, identify.Msg.Interface)

	r.bus.resolve(identify, OkOutcome(&Message{
		Type: TypeMethodReturn,
		Body: []interface{}{map[string]dbus.Variant{
			"pid":   dbus.MakeVariant(int32(realPID)),
			"other": dbus.MakeVariant("ignored"),
		}},
	}))
	r.flush()

	require.Equal(t, StateRunning, peer.State())
	require.Equal(t, realPID, peer.OwnerPID())
}

func TestSandboxProxyIdentifyFallback(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	proxyPID := 301
	r.proc.Set(proxyPID, procfs.FakeProcess{
		UID: 100000, GID: 100000, Exe: r.svc.cfg.SandboxProxyPath,
	})

	var peer *PeerInfo
	r.onLoop(func() { peer = r.svc.tracker.Ensure(":1.51") })
	r.flush()
	r.bus.resolve(r.bus.lastCallFor(getConnectionPIDMember), OkOutcome(&Message{
		Type: TypeMethodReturn, Body: []interface{}{uint32(proxyPID)},
	}))
	r.flush()

	// The Identify reply carries no pid key; the proxy pid is used and
	// RUNNING is entered regardless.
	r.bus.resolve(r.bus.lastCallFor(r.svc.cfg.IdentifyMember), OkOutcome(&Message{
		Type: TypeMethodReturn,
		Body: []interface{}{map[string]dbus.Variant{}},
	}))
	r.flush()

	require.Equal(t, StateRunning, peer.State())
	require.Equal(t, proxyPID, peer.OwnerPID())
}

func TestDeferredDroppedOnStop(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var invoked int
	registerReset(r, &invoked)

	r.deliverCall(":1.60", testIface, "Reset")
	r.flush()

	// Sender disconnects before its identity resolves.
	r.nameOwnerChanged(":1.60", ":1.60", "")
	r.flush()

	require.Zero(t, invoked)
	var peer *PeerInfo
	r.onLoop(func() { peer = r.svc.tracker.Lookup(":1.60") })
	require.NotNil(t, peer)
	require.Empty(t, peer.deferred)
}

func TestPrivilegeReReadsProcOwnership(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	r.proc.Set(88, procfs.FakeProcess{UID: 1000, GID: 1000})
	r.runningPeer(":1.70", ":1.70", 88)

	var priv Privilege
	r.onLoop(func() { priv = r.svc.tracker.PrivilegeOf(":1.70") })
	require.Equal(t, PrivilegeNo, priv)

	// The process gained root; the next classification sees it.
	r.proc.Set(88, procfs.FakeProcess{UID: 0, GID: 0})
	r.onLoop(func() { priv = r.svc.tracker.PrivilegeOf(":1.70") })
	require.Equal(t, PrivilegeYes, priv)

	// The process died; privilege becomes unknown.
	r.proc.Remove(88)
	r.onLoop(func() { priv = r.svc.tracker.PrivilegeOf(":1.70") })
	require.Equal(t, PrivilegeUnknown, priv)
}

func TestPrivilegeUnknownForUntracked(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var priv Privilege
	r.onLoop(func() { priv = r.svc.tracker.PrivilegeOf(":9.99") })
	require.Equal(t, PrivilegeUnknown, priv)
}

func TestRemoveIdempotent(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	r.onLoop(func() {
		r.svc.tracker.Ensure(":1.80")
		r.svc.tracker.Remove(":1.80")
		r.svc.tracker.Remove(":1.80")
		require.Nil(t, r.svc.tracker.Lookup(":1.80"))
	})
}

func TestStateSubscriberSelfRemoval(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var selfish, steady []PeerState
	var selfSub *StateSub
	r.onLoop(func() {
		selfSub = r.svc.tracker.SubscribeState(":1.90",
			func(_ string, state PeerState, _ interface{}) {
				selfish = append(selfish, state)
				r.svc.tracker.UnsubscribeState(selfSub)
			}, nil, nil)
		r.svc.tracker.SubscribeState(":1.90",
			func(_ string, state PeerState, _ interface{}) {
				steady = append(steady, state)
			}, "other", nil)
	})
	r.flush()

	// Both saw the initial notification; the self-removing one saw
	// nothing else.
	r.nameOwnerChanged(":1.90", ":1.90", "")
	r.flush()

	require.Len(t, selfish, 1)
	require.Greater(t, len(steady), 1)
}

func TestStateSubscribeDedup(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var count int
	cb := func(string, PeerState, interface{}) { count++ }
	var first, second *StateSub
	r.onLoop(func() {
		first = r.svc.tracker.SubscribeState(":1.91", cb, nil, nil)
		second = r.svc.tracker.SubscribeState(":1.91", cb, nil, nil)
	})
	r.flush()

	require.Same(t, first, second)
	require.Equal(t, 1, count)
}

func TestStateSubscriberFreeHook(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var freed []interface{}
	var sub *StateSub
	r.onLoop(func() {
		sub = r.svc.tracker.SubscribeState(":1.92",
			func(string, PeerState, interface{}) {},
			"payload",
			func(data interface{}) { freed = append(freed, data) })
	})
	r.flush()

	r.onLoop(func() { r.svc.tracker.UnsubscribeState(sub) })
	require.Equal(t, []interface{}{"payload"}, freed)

	// A second removal does not double-free.
	r.onLoop(func() { r.svc.tracker.UnsubscribeState(sub) })
	require.Len(t, freed, 1)
}
