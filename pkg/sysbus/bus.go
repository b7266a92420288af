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

import "time"

// Well-known bus daemon constants.
const (
	busDaemonName          = "org.freedesktop.DBus"
	busDaemonPath          = "/org/freedesktop/DBus"
	busDaemonInterface     = "org.freedesktop.DBus"
	nameOwnerChangedMember = "NameOwnerChanged"
	getNameOwnerMember     = "GetNameOwner"
	getConnectionPIDMember = "GetConnectionUnixProcessID"

	introspectableInterface = "org.freedesktop.DBus.Introspectable"
	introspectMember        = "Introspect"
	peerInterface           = "org.freedesktop.DBus.Peer"
)

// Standard error names produced by this layer.
const (
	errNameAuthFailed     = "org.freedesktop.DBus.Error.AuthFailed"
	errNameInvalidArgs    = "org.freedesktop.DBus.Error.InvalidArgs"
	errNameUnknownMethod  = "org.freedesktop.DBus.Error.UnknownMethod"
	errNameUnknownObject  = "org.freedesktop.DBus.Error.UnknownObject"
	errNameNameHasNoOwner = "org.freedesktop.DBus.Error.NameHasNoOwner"
	errNameNoReply        = "org.freedesktop.DBus.Error.NoReply"
	errNameFailed         = "org.freedesktop.DBus.Error.Failed"
)

// DefaultCallTimeout is used when a send operation passes a negative
// timeout.
const DefaultCallTimeout = 25 * time.Second

// ReplyKind tags a ReplyOutcome.
type ReplyKind int

// Reply outcomes.
const (
	// ReplyOK carries the method return.
	ReplyOK ReplyKind = iota
	// ReplyBusError carries a named bus error.
	ReplyBusError
	// ReplyCanceled reports that the call was torn down before any
	// reply; delivered only when the bus itself shuts the call down,
	// never after PendingCall.Cancel.
	ReplyCanceled
)

// ReplyOutcome is the terminal result of an outbound method call. The
// state-machine reducers consuming it are total over the three kinds.
type ReplyOutcome struct {
	Kind       ReplyKind
	Reply      *Message
	ErrName    string
	ErrMessage string
}

// OkOutcome wraps a method return.
func OkOutcome(reply *Message) ReplyOutcome {
	return ReplyOutcome{Kind: ReplyOK, Reply: reply}
}

// BusErrorOutcome wraps a named bus error.
func BusErrorOutcome(name, message string) ReplyOutcome {
	return ReplyOutcome{Kind: ReplyBusError, ErrName: name, ErrMessage: message}
}

// CanceledOutcome reports connection-side teardown.
func CanceledOutcome() ReplyOutcome {
	return ReplyOutcome{Kind: ReplyCanceled}
}

// PendingCall is an outstanding outbound method call. Cancel guarantees
// that the completion callback will not run afterwards.
type PendingCall interface {
	Cancel()
}

// Bus is the transport the IPC core runs on. The production
// implementation wraps godbus; tests use an in-memory mock. Completion
// callbacks and filters are always invoked on the event loop.
type Bus interface {
	// UniqueName returns this connection's unique bus name.
	UniqueName() string
	// Connected reports whether the transport is still usable.
	Connected() bool
	// RequestName acquires primary ownership of a well-known name or
	// fails.
	RequestName(name string) error
	// AddFilter installs fn to observe every inbound message. Filters
	// run in installation order.
	AddFilter(fn func(*Message))
	// AddMatch installs a bus-side match rule.
	AddMatch(rule string) error
	// RemoveMatch removes a previously installed match rule.
	RemoveMatch(rule string) error
	// Call sends a method call expecting a reply. done runs on the
	// event loop exactly once, unless the returned call is canceled
	// first.
	Call(msg *Message, timeout time.Duration, done func(ReplyOutcome)) (PendingCall, error)
	// Send queues a reply, signal, or no-reply method call.
	Send(msg *Message) error
	// Close tears the connection down.
	Close() error
}
