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
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	cerror "github.com/solivar/devmoded/pkg/errors"
	"github.com/solivar/devmoded/pkg/eventloop"
)

// godbusBus adapts a godbus connection to the Bus interface. Inbound
// method calls arrive through a catch-all server handler, signals
// through the signal channel; both are converted to Message form and
// fed to the installed filters on the event loop. Replies produced by
// the core are routed back to the blocked server-handler invocation by
// serial.
type godbusBus struct {
	conn *dbus.Conn
	loop *eventloop.Loop

	signals chan *dbus.Signal
	done    chan struct{}
	closed  atomic.Bool
	serial  atomic.Uint32

	mu      sync.Mutex
	filters []func(*Message)
	waiters map[uint32]chan *Message
}

// ConnectBus opens the daemon's one connection to the chosen bus and
// binds it to loop.
func ConnectBus(busType BusType, loop *eventloop.Loop) (Bus, error) {
	b := &godbusBus{
		loop:    loop,
		signals: make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
		waiters: make(map[uint32]chan *Message),
	}

	var conn *dbus.Conn
	var err error
	opts := []dbus.ConnOption{dbus.WithHandler(&catchAllHandler{bus: b})}
	if busType == SessionBus {
		conn, err = dbus.ConnectSessionBus(opts...)
	} else {
		conn, err = dbus.ConnectSystemBus(opts...)
	}
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrConnectFailed, err, busType)
	}
	b.conn = conn
	conn.Signal(b.signals)
	go b.pumpSignals()
	return b, nil
}

// UniqueName implements Bus.
func (b *godbusBus) UniqueName() string {
	names := b.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Connected implements Bus.
func (b *godbusBus) Connected() bool {
	return !b.closed.Load()
}

// RequestName implements Bus.
func (b *godbusBus) RequestName(name string) error {
	reply, err := b.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return cerror.WrapError(cerror.ErrNameNotPrimary, err, name)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return cerror.ErrNameNotPrimary.GenWithStackByArgs(name)
	}
	return nil
}

// AddFilter implements Bus.
func (b *godbusBus) AddFilter(fn func(*Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, fn)
}

// AddMatch implements Bus.
func (b *godbusBus) AddMatch(rule string) error {
	call := b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule)
	return call.Err
}

// RemoveMatch implements Bus.
func (b *godbusBus) RemoveMatch(rule string) error {
	call := b.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
	return call.Err
}

// Call implements Bus.
func (b *godbusBus) Call(
	msg *Message,
	timeout time.Duration,
	done func(ReplyOutcome),
) (PendingCall, error) {
	if b.closed.Load() {
		return nil, cerror.ErrConnectionLost.GenWithStackByArgs()
	}
	if timeout < 0 {
		timeout = DefaultCallTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	pending := &godbusPending{cancel: cancel}

	obj := b.conn.Object(msg.Destination, dbus.ObjectPath(msg.Path))
	ch := make(chan *dbus.Call, 1)
	obj.GoWithContext(ctx, qualifiedMember(msg), 0, ch, msg.Body...)

	go func() {
		defer cancel()
		completed := <-ch
		outcome := outcomeOfCall(completed)
		b.loop.Submit(func() {
			if pending.canceled.Load() {
				return
			}
			done(outcome)
		})
	}()
	return pending, nil
}

// Send implements Bus. Signals and no-reply calls go to the wire;
// replies are routed back to the server handler that is blocked on
// them.
func (b *godbusBus) Send(msg *Message) error {
	if b.closed.Load() {
		return cerror.ErrConnectionLost.GenWithStackByArgs()
	}
	switch msg.Type {
	case TypeSignal:
		return b.conn.Emit(dbus.ObjectPath(msg.Path), qualifiedMember(msg), msg.Body...)
	case TypeMethodReturn, TypeError:
		b.completeInbound(msg)
		return nil
	case TypeMethodCall:
		obj := b.conn.Object(msg.Destination, dbus.ObjectPath(msg.Path))
		obj.Go(qualifiedMember(msg), dbus.FlagNoReplyExpected, nil, msg.Body...)
		return nil
	default:
		return cerror.ErrCallSendFailed.GenWithStackByArgs(msg.Interface, msg.Member)
	}
}

// Close implements Bus.
func (b *godbusBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)
	b.conn.RemoveSignal(b.signals)
	// Delivery stopped with RemoveSignal; closing the channel lets the
	// pump goroutine exit.
	close(b.signals)
	return b.conn.Close()
}

func (b *godbusBus) pumpSignals() {
	for sig := range b.signals {
		iface, member := splitSignalName(sig.Name)
		msg := &Message{
			Type:      TypeSignal,
			Serial:    b.serial.Inc(),
			Sender:    sig.Sender,
			Path:      string(sig.Path),
			Interface: iface,
			Member:    member,
			Body:      sig.Body,
		}
		b.loop.Submit(func() { b.runFilters(msg) })
	}
}

func (b *godbusBus) runFilters(msg *Message) {
	b.mu.Lock()
	filters := append(([]func(*Message))(nil), b.filters...)
	b.mu.Unlock()
	for _, fn := range filters {
		fn(msg)
	}
}

func (b *godbusBus) addWaiter(serial uint32, ch chan *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waiters[serial] = ch
}

func (b *godbusBus) completeInbound(reply *Message) {
	b.mu.Lock()
	ch, ok := b.waiters[reply.ReplySerial]
	delete(b.waiters, reply.ReplySerial)
	b.mu.Unlock()
	if !ok {
		log.Debug("dropping reply with no waiting call",
			zap.Uint32("replySerial", reply.ReplySerial))
		return
	}
	ch <- reply
}

// deliverCall feeds one inbound method call through the dispatcher and
// blocks the server-handler goroutine until the core has replied.
func (b *godbusBus) deliverCall(sender, path, iface, member string, noReply bool, args []interface{}) ([]interface{}, error) {
	msg := &Message{
		Type:      TypeMethodCall,
		Serial:    b.serial.Inc(),
		Sender:    sender,
		Path:      path,
		Interface: iface,
		Member:    member,
		NoReply:   noReply,
		Body:      args,
	}

	var waiter chan *Message
	if !noReply {
		waiter = make(chan *Message, 1)
		b.addWaiter(msg.Serial, waiter)
	}
	b.loop.Submit(func() { b.runFilters(msg) })
	if noReply {
		return nil, nil
	}

	select {
	case reply := <-waiter:
		if reply.Type == TypeError {
			text, _ := reply.StringArg(0)
			return nil, &dbus.Error{Name: reply.ErrorName, Body: []interface{}{text}}
		}
		return reply.Body, nil
	case <-b.done:
		return nil, &dbus.Error{
			Name: errNameFailed,
			Body: []interface{}{"service is shutting down"},
		}
	}
}

// godbusPending cancels by dropping the completion callback; the
// context tears the transport-side call down.
type godbusPending struct {
	cancel   context.CancelFunc
	canceled atomic.Bool
}

// Cancel implements PendingCall.
func (p *godbusPending) Cancel() {
	p.canceled.Store(true)
	p.cancel()
}

func outcomeOfCall(call *dbus.Call) ReplyOutcome {
	switch err := call.Err.(type) {
	case nil:
		return OkOutcome(&Message{Type: TypeMethodReturn, Body: call.Body})
	case dbus.Error:
		return BusErrorOutcome(err.Name, errorBodyText(err.Body))
	case *dbus.Error:
		return BusErrorOutcome(err.Name, errorBodyText(err.Body))
	default:
		if call.Err == context.Canceled {
			return CanceledOutcome()
		}
		if call.Err == context.DeadlineExceeded {
			return BusErrorOutcome(errNameNoReply, "call timed out")
		}
		return BusErrorOutcome(errNameFailed, call.Err.Error())
	}
}

func errorBodyText(body []interface{}) string {
	if len(body) > 0 {
		if s, ok := body[0].(string); ok {
			return s
		}
	}
	return ""
}

func qualifiedMember(msg *Message) string {
	if msg.Interface == "" {
		return msg.Member
	}
	return msg.Interface + "." + msg.Member
}

func splitSignalName(name string) (iface, member string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return "", name
}

// --- catch-all server handler ---
//
// The daemon owns every object path on its connection; the dispatcher,
// not the bus library, decides what exists. The handler chain below
// accepts any path, interface and member, and funnels the call into
// deliverCall.

type catchAllHandler struct {
	bus *godbusBus
}

// LookupObject implements dbus.Handler.
func (h *catchAllHandler) LookupObject(path dbus.ObjectPath) (dbus.ServerObject, bool) {
	return &catchAllObject{bus: h.bus, path: path}, true
}

type catchAllObject struct {
	bus  *godbusBus
	path dbus.ObjectPath
}

// LookupInterface implements dbus.ServerObject.
func (o *catchAllObject) LookupInterface(name string) (dbus.Interface, bool) {
	return &catchAllInterface{bus: o.bus, path: o.path, iface: name}, true
}

type catchAllInterface struct {
	bus   *godbusBus
	path  dbus.ObjectPath
	iface string
}

// LookupMethod implements dbus.Interface. A fresh method value is
// returned per call so per-invocation state stays private.
func (i *catchAllInterface) LookupMethod(name string) (dbus.Method, bool) {
	return &catchAllMethod{
		bus:    i.bus,
		path:   i.path,
		iface:  i.iface,
		member: name,
	}, true
}

type catchAllMethod struct {
	bus    *godbusBus
	path   dbus.ObjectPath
	iface  string
	member string

	sender  string
	noReply bool
	args    []interface{}
}

// DecodeArguments implements dbus.ArgumentDecoder, capturing the call
// context the generic Method interface does not carry.
func (m *catchAllMethod) DecodeArguments(
	conn *dbus.Conn, sender string, msg *dbus.Message, args []interface{},
) ([]interface{}, error) {
	m.sender = sender
	m.noReply = msg.Flags&dbus.FlagNoReplyExpected != 0
	m.args = args
	return args, nil
}

// Call implements dbus.Method.
func (m *catchAllMethod) Call(...interface{}) ([]interface{}, error) {
	return m.bus.deliverCall(
		m.sender, string(m.path), m.iface, m.member, m.noReply, m.args)
}

// NumArguments implements dbus.Method; argument handling is done in
// DecodeArguments.
func (m *catchAllMethod) NumArguments() int { return 0 }

// ArgumentValue implements dbus.Method.
func (m *catchAllMethod) ArgumentValue(int) interface{} { return nil }

// NumReturns implements dbus.Method; the reply body comes from Call.
func (m *catchAllMethod) NumReturns() int { return 0 }

// ReturnValue implements dbus.Method.
func (m *catchAllMethod) ReturnValue(int) interface{} { return nil }
