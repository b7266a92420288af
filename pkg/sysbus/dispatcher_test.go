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

	"github.com/stretchr/testify/require"

	"github.com/solivar/devmoded/pkg/procfs"
)

const testIface = "com.ex.Srv"

// registerReset installs a privileged Reset handler that replies with
// success and counts invocations.
func registerReset(r *rig, invoked *int) {
	r.onLoop(func() {
		_, err := r.svc.Register(HandlerSpec{
			Type:       TypeMethodCall,
			Interface:  testIface,
			Member:     "Reset",
			Privileged: true,
			Callback: func(msg *Message) {
				*invoked++
				r.svc.ReplySuccess(msg, true)
			},
		})
		require.NoError(r.t, err)
	})
}

func TestPrivilegedGateLateAnswer(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var invoked int
	registerReset(r, &invoked)

	// The pid query for :1.17 is still in flight when Reset arrives.
	r.deliverCall(":1.17", testIface, "Reset")
	r.flush()

	require.Zero(t, invoked)
	require.Empty(t, r.bus.sentOfType(TypeMethodReturn))
	require.Empty(t, r.bus.sentOfType(TypeError))

	var deferredLen int
	r.onLoop(func() { deferredLen = len(r.svc.tracker.Lookup(":1.17").deferred) })
	require.Equal(t, 1, deferredLen)

	// The owner process turns out to be root.
	r.proc.Set(901, procfs.FakeProcess{UID: 0, GID: 0, Cmdline: "resetter"})
	pidCall := r.bus.lastCallFor(getConnectionPIDMember)
	require.NotNil(t, pidCall)
	r.bus.resolve(pidCall, OkOutcome(&Message{
		Type: TypeMethodReturn,
		Body: []interface{}{uint32(901)},
	}))
	r.flush()

	require.Equal(t, 1, invoked)
	returns := r.bus.sentOfType(TypeMethodReturn)
	require.Len(t, returns, 1)
	require.Equal(t, ":1.17", returns[0].Destination)
}

func TestNonPrivilegedDenial(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var invoked int
	registerReset(r, &invoked)

	r.proc.Set(902, procfs.FakeProcess{UID: 1000, GID: 1000, Cmdline: "user-app"})
	r.runningPeer(":1.18", ":1.18", 902)

	r.deliverCall(":1.18", testIface, "Reset")
	r.flush()

	require.Zero(t, invoked)
	errs := r.bus.sentOfType(TypeError)
	require.Len(t, errs, 1)
	require.Equal(t, errNameAuthFailed, errs[0].ErrorName)
	text, _ := errs[0].StringArg(0)
	require.Contains(t, text, "Reset")
}

func TestDenialOnReplayWithUnknownPrivilege(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var invoked int
	registerReset(r, &invoked)

	r.deliverCall(":1.19", testIface, "Reset")
	r.flush()

	// The owner resolves, but its process has already vanished, so the
	// replayed call still cannot be classified and must be denied.
	pidCall := r.bus.lastCallFor(getConnectionPIDMember)
	require.NotNil(t, pidCall)
	r.bus.resolve(pidCall, OkOutcome(&Message{
		Type: TypeMethodReturn,
		Body: []interface{}{uint32(903)},
	}))
	r.flush()

	require.Zero(t, invoked)
	errs := r.bus.sentOfType(TypeError)
	require.Len(t, errs, 1)
	require.Equal(t, errNameAuthFailed, errs[0].ErrorName)
}

func TestPrivilegedGroupGrantsAccess(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var invoked int
	registerReset(r, &invoked)

	r.onLoop(func() { r.svc.tracker.privGID = 996 })
	r.proc.Set(904, procfs.FakeProcess{UID: 1000, GID: 996})
	r.runningPeer(":1.20", ":1.20", 904)

	r.deliverCall(":1.20", testIface, "Reset")
	r.flush()
	require.Equal(t, 1, invoked)
}

func TestSignalArgNMatching(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var got []string
	r.onLoop(func() {
		_, err := r.svc.Register(HandlerSpec{
			Type:      TypeSignal,
			Interface: "org.ex.I",
			Member:    "S",
			ExtraRule: "arg0='hello'",
			Callback: func(msg *Message) {
				s, _ := msg.StringArg(0)
				got = append(got, s)
			},
		})
		require.NoError(r.t, err)
	})

	r.deliverSignal(":1.5", "/org/ex", "org.ex.I", "S", "hi")
	r.deliverSignal(":1.5", "/org/ex", "org.ex.I", "S", "hello")
	r.flush()

	require.Equal(t, []string{"hello"}, got)
}

func TestSignalDispatchNonTerminal(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var first, second int
	r.onLoop(func() {
		_, err := r.svc.Register(HandlerSpec{
			Type:      TypeSignal,
			Interface: "org.ex.I",
			Callback:  func(*Message) { first++ },
		})
		require.NoError(r.t, err)
		_, err = r.svc.Register(HandlerSpec{
			Type:      TypeSignal,
			Interface: "org.ex.I",
			Member:    "S",
			Callback:  func(*Message) { second++ },
		})
		require.NoError(r.t, err)
	})

	r.deliverSignal(":1.5", "/org/ex", "org.ex.I", "S")
	r.flush()

	require.Equal(t, 1, first)
	require.Equal(t, 1, second)
}

func TestUnregisterDuringDispatch(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var aRuns, bRuns int
	var bCookie Cookie
	r.onLoop(func() {
		_, err := r.svc.Register(HandlerSpec{
			Type:      TypeSignal,
			Interface: "org.ex.I",
			Member:    "S",
			Callback: func(*Message) {
				aRuns++
				r.svc.Unregister(bCookie)
			},
		})
		require.NoError(r.t, err)
		bCookie, err = r.svc.Register(HandlerSpec{
			Type:      TypeSignal,
			Interface: "org.ex.I",
			Member:    "S",
			Callback:  func(*Message) { bRuns++ },
		})
		require.NoError(r.t, err)
	})

	r.deliverSignal(":1.5", "/org/ex", "org.ex.I", "S")
	r.deliverSignal(":1.5", "/org/ex", "org.ex.I", "S")
	r.flush()

	require.Equal(t, 2, aRuns)
	require.Zero(t, bRuns)
}

func TestUnknownMethodGetsErrorReply(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	r.deliverCall(":1.5", testIface, "NoSuchThing")
	r.flush()

	errs := r.bus.sentOfType(TypeError)
	require.Len(t, errs, 1)
	require.Equal(t, errNameUnknownMethod, errs[0].ErrorName)
}

func TestErrorMessageDispatch(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var seen []string
	r.onLoop(func() {
		_, err := r.svc.Register(HandlerSpec{
			Type:   TypeError,
			Member: "org.ex.Error.Timeout",
			Callback: func(msg *Message) {
				seen = append(seen, msg.ErrorName)
			},
		})
		require.NoError(r.t, err)
	})

	r.bus.deliver(&Message{
		Type:      TypeError,
		Sender:    ":1.5",
		ErrorName: "org.ex.Error.Timeout",
		Body:      []interface{}{"deadline"},
	})
	r.bus.deliver(&Message{
		Type:      TypeError,
		Sender:    ":1.5",
		ErrorName: "org.ex.Error.Other",
	})
	r.flush()

	require.Equal(t, []string{"org.ex.Error.Timeout"}, seen)
}

func TestDispatchTakesWakelock(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	r.deliverSignal(":1.5", "/org/ex", "org.ex.I", "S")
	r.flush()

	require.Contains(t, r.locker.Acquired(), dispatchLockName)
	require.NotContains(t, r.locker.Held(), dispatchLockName)
}

func TestSenderFilterOnSignals(t *testing.T) {
	r := newRig(t, nil)
	r.start()

	var count int
	r.onLoop(func() {
		_, err := r.svc.Register(HandlerSpec{
			Type:      TypeSignal,
			Sender:    ":1.7",
			Interface: "org.ex.I",
			Member:    "S",
			Callback:  func(*Message) { count++ },
		})
		require.NoError(r.t, err)
	})

	r.deliverSignal(":1.8", "/p", "org.ex.I", "S")
	r.deliverSignal(":1.7", "/p", "org.ex.I", "S")
	r.flush()

	require.Equal(t, 1, count)
}
