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
	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerror "github.com/solivar/devmoded/pkg/errors"
)

// HandlerFunc consumes one inbound message. Handlers run on the event
// loop and must not block.
type HandlerFunc func(msg *Message)

// HandlerSpec describes one dispatch entry.
type HandlerSpec struct {
	// Type selects which messages the entry sees: TypeMethodCall,
	// TypeSignal or TypeError.
	Type MessageType
	// Sender restricts signal matching to one sender; empty matches any.
	// Method-call and error entries ignore it.
	Sender string
	// Interface names the interface. Required for method calls and
	// signals.
	Interface string
	// Member names the method, signal, or error. Required for method
	// calls and errors; optional for signals.
	Member string
	// ExtraRule holds additional `argN='…'` / `path='…'` clauses.
	ExtraRule string
	// Args is the introspection XML fragment describing the member's
	// arguments.
	Args string
	// Privileged gates method-call dispatch on the sender's identity.
	Privileged bool
	// Callback handles matched messages. A nil callback on a signal
	// entry declares a signal this daemon emits, for introspection
	// only.
	Callback HandlerFunc
}

// Cookie identifies a registration. The zero cookie is never issued.
type Cookie uint64

type handlerEntry struct {
	cookie Cookie
	spec   HandlerSpec

	sender MatchSpec
	iface  MatchSpec
	member MatchSpec
	extra  *ExtraRule

	// installedMatch is the bus match string added for signal entries
	// with a callback.
	installedMatch string
}

// Registry stores dispatch entries in registration order. It is
// loop-confined; unregistration during dispatch marks the slot nil in
// place and the dispatcher sweeps afterwards.
type Registry struct {
	bus        Bus
	entries    []*handlerEntry
	nextCookie Cookie
	needSweep  bool
}

// NewRegistry creates an empty registry installing signal matches on
// bus.
func NewRegistry(bus Bus) *Registry {
	return &Registry{bus: bus, nextCookie: 1}
}

// Register validates spec, stores it, and for signal entries with a
// callback installs the synthesized match string on the bus.
func (r *Registry) Register(spec HandlerSpec) (Cookie, error) {
	switch spec.Type {
	case TypeMethodCall:
		if spec.Interface == "" || spec.Member == "" {
			return 0, cerror.ErrBadRegistration.GenWithStackByArgs(
				"method-call entries need an interface and a member")
		}
		if spec.Callback == nil {
			return 0, cerror.ErrBadRegistration.GenWithStackByArgs(
				"method-call entries need a callback")
		}
	case TypeSignal:
		if spec.Interface == "" {
			return 0, cerror.ErrBadRegistration.GenWithStackByArgs(
				"signal entries need an interface")
		}
	case TypeError:
		if spec.Member == "" || spec.Callback == nil {
			return 0, cerror.ErrBadRegistration.GenWithStackByArgs(
				"error entries need a member and a callback")
		}
	default:
		return 0, cerror.ErrBadRegistration.GenWithStackByArgs(
			"unsupported message type")
	}

	extra, err := ParseExtraRule(spec.ExtraRule)
	if err != nil {
		return 0, err
	}

	entry := &handlerEntry{
		cookie: r.nextCookie,
		spec:   spec,
		sender: specOrAny(spec.Sender),
		iface:  specOrAny(spec.Interface),
		member: specOrAny(spec.Member),
		extra:  extra,
	}
	r.nextCookie++

	if spec.Type == TypeSignal && spec.Callback != nil {
		entry.installedMatch = synthesizeMatch(
			spec.Sender, spec.Interface, spec.Member, extra)
		if err := r.bus.AddMatch(entry.installedMatch); err != nil {
			log.Warn("adding signal match failed",
				zap.String("match", entry.installedMatch),
				zap.Error(err))
		}
	}

	r.entries = append(r.entries, entry)
	return entry.cookie, nil
}

// Unregister removes the entry for cookie. The slot is nilled in place
// so an in-progress dispatch iteration stays valid; storage is
// reclaimed at the next sweep. Unknown cookies are logged and ignored.
func (r *Registry) Unregister(cookie Cookie) {
	for i, entry := range r.entries {
		if entry == nil || entry.cookie != cookie {
			continue
		}
		if entry.installedMatch != "" && r.bus.Connected() {
			if err := r.bus.RemoveMatch(entry.installedMatch); err != nil {
				log.Warn("removing signal match failed",
					zap.String("match", entry.installedMatch),
					zap.Error(err))
			}
		}
		r.entries[i] = nil
		r.needSweep = true
		return
	}
	log.Error("unregistering unknown handler cookie",
		zap.Uint64("cookie", uint64(cookie)))
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	n := 0
	for _, entry := range r.entries {
		if entry != nil {
			n++
		}
	}
	return n
}

// HasSignalManifest reports whether a callback-less signal entry for
// the interface and member exists. The registry doubles as the
// manifest of signals this daemon may emit.
func (r *Registry) HasSignalManifest(iface, member string) bool {
	for _, entry := range r.entries {
		if entry == nil || entry.spec.Type != TypeSignal || entry.spec.Callback != nil {
			continue
		}
		if entry.spec.Interface == iface && entry.spec.Member == member {
			return true
		}
	}
	return false
}

func (r *Registry) sweep() {
	kept := r.entries[:0]
	for _, entry := range r.entries {
		if entry != nil {
			kept = append(kept, entry)
		}
	}
	r.entries = kept
	r.needSweep = false
}

// Drain unregisters everything, removing installed matches while the
// bus is still connected. Used at shutdown.
func (r *Registry) Drain() {
	for i, entry := range r.entries {
		if entry == nil {
			continue
		}
		if entry.installedMatch != "" && r.bus.Connected() {
			if err := r.bus.RemoveMatch(entry.installedMatch); err != nil {
				log.Warn("removing signal match failed",
					zap.String("match", entry.installedMatch),
					zap.Error(err))
			}
		}
		r.entries[i] = nil
	}
	r.entries = nil
	r.needSweep = false
}

func specOrAny(s string) MatchSpec {
	if s == "" {
		return MatchAny()
	}
	return MatchExact(s)
}
