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

// Package sysbus is the IPC core of the daemon: it binds the process to
// the message bus and mediates every inbound and outbound interaction.
// Inbound messages flow through a single dispatcher; outbound calls are
// suspend-proofed with wakelocks; remote peers are resolved into stable
// OS identities by per-name state machines.
package sysbus

import "fmt"

// MessageType classifies a bus message.
type MessageType int

// Message types.
const (
	TypeInvalid MessageType = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

// String returns the wire-level name of the type.
func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// Message is the transport-neutral view of one bus message. The godbus
// adapter converts to and from this form at the edge; everything inside
// the core speaks Message.
type Message struct {
	Type        MessageType
	Serial      uint32
	ReplySerial uint32
	Sender      string
	Destination string
	Path        string
	Interface   string
	Member      string
	// ErrorName is set for TypeError messages.
	ErrorName string
	// NoReply is the no-reply-expected flag of method calls.
	NoReply bool
	Body    []interface{}
}

// NewMethodCall builds an outbound method call.
func NewMethodCall(dest, path, iface, member string, args ...interface{}) *Message {
	return &Message{
		Type:        TypeMethodCall,
		Destination: dest,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Body:        args,
	}
}

// NewSignal builds an outbound signal.
func NewSignal(path, iface, member string, args ...interface{}) *Message {
	return &Message{
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      args,
	}
}

// NewMethodReturn builds the success reply to req.
func NewMethodReturn(req *Message, args ...interface{}) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		Destination: req.Sender,
		ReplySerial: req.Serial,
		Body:        args,
	}
}

// NewErrorReply builds an error reply to req. text becomes the single
// string body argument, as the reference bus implementations do.
func NewErrorReply(req *Message, name, text string) *Message {
	return &Message{
		Type:        TypeError,
		Destination: req.Sender,
		ReplySerial: req.Serial,
		ErrorName:   name,
		Body:        []interface{}{text},
	}
}

// StringArg returns the i'th body argument if it is a string.
func (m *Message) StringArg(i int) (string, bool) {
	if i < 0 || i >= len(m.Body) {
		return "", false
	}
	s, ok := m.Body[i].(string)
	return s, ok
}

// Uint32Arg returns the i'th body argument as a uint32, accepting the
// integer shapes bus decoders produce.
func (m *Message) Uint32Arg(i int) (uint32, bool) {
	if i < 0 || i >= len(m.Body) {
		return 0, false
	}
	switch v := m.Body[i].(type) {
	case uint32:
		return v, true
	case int32:
		if v < 0 {
			return 0, false
		}
		return uint32(v), true
	default:
		return 0, false
	}
}

// Int32Arg returns the i'th body argument as an int32.
func (m *Message) Int32Arg(i int) (int32, bool) {
	if i < 0 || i >= len(m.Body) {
		return 0, false
	}
	switch v := m.Body[i].(type) {
	case int32:
		return v, true
	case uint32:
		return int32(v), true
	default:
		return 0, false
	}
}

// BoolArg returns the i'th body argument if it is a bool.
func (m *Message) BoolArg(i int) (bool, bool) {
	if i < 0 || i >= len(m.Body) {
		return false, false
	}
	b, ok := m.Body[i].(bool)
	return b, ok
}

// String formats the message for logs.
func (m *Message) String() string {
	switch m.Type {
	case TypeError:
		return fmt.Sprintf("%s %s from %s", m.Type, m.ErrorName, m.Sender)
	default:
		return fmt.Sprintf("%s %s.%s from %s", m.Type, m.Interface, m.Member, m.Sender)
	}
}

// MatchSpec is a three-valued string matcher: match anything, or match
// one exact value. The zero value is the wildcard; no spec matches an
// empty value.
type MatchSpec struct {
	exact string
	isSet bool
}

// MatchAny returns a spec matching any non-empty value.
func MatchAny() MatchSpec { return MatchSpec{} }

// MatchExact returns a spec matching only s.
func MatchExact(s string) MatchSpec { return MatchSpec{exact: s, isSet: true} }

// IsAny reports whether the spec is the wildcard.
func (s MatchSpec) IsAny() bool { return !s.isSet }

// Value returns the exact value, or "" for the wildcard.
func (s MatchSpec) Value() string { return s.exact }

// Matches applies the spec. An absent message-side field matches
// nothing; the wildcard matches any present field.
func (s MatchSpec) Matches(v string) bool {
	if v == "" {
		return false
	}
	if !s.isSet {
		return true
	}
	return s.exact == v
}
