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
	"go.uber.org/zap"
)

const dispatchLockName = "devmoded_dispatch"

// dispatch is the single inbound entry point. Every message delivered
// by the bus passes through here on the event loop; replayed is set
// when a deferred method call is re-fed after its sender resolved.
func (s *Service) dispatch(msg *Message, replayed bool) {
	if err := s.locker.Acquire(dispatchLockName, s.cfg.DispatchLockTimeout); err != nil {
		log.Warn("dispatch wakelock unavailable", zap.Error(err))
	}
	defer func() {
		if err := s.locker.Release(dispatchLockName); err != nil {
			log.Warn("dispatch wakelock release failed", zap.Error(err))
		}
	}()

	if msg.Sender != "" {
		s.tracker.Ensure(msg.Sender)
	}

	s.dispatchDepth++
	defer func() { s.dispatchDepth-- }()

	handled := false
	entries := s.registry.entries
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if entry == nil || entry.spec.Callback == nil {
			continue
		}
		if entry.spec.Type != msg.Type {
			continue
		}
		switch msg.Type {
		case TypeMethodCall:
			if !entry.iface.Matches(msg.Interface) || !entry.member.Matches(msg.Member) {
				continue
			}
			s.dispatchMethodCall(entry, msg, replayed)
			handled = true
		case TypeSignal:
			if !entry.sender.Matches(msg.Sender) ||
				!entry.iface.Matches(msg.Interface) ||
				!entry.member.Matches(msg.Member) {
				continue
			}
			if !entry.extra.Matches(msg) {
				continue
			}
			dispatchCounter.WithLabelValues(outcomeInvoked).Inc()
			entry.spec.Callback(msg)
			handled = true
		case TypeError:
			if !entry.member.Matches(msg.ErrorName) {
				continue
			}
			dispatchCounter.WithLabelValues(outcomeInvoked).Inc()
			entry.spec.Callback(msg)
			handled = true
		}
		if msg.Type == TypeMethodCall {
			// Method-call dispatch is terminal.
			break
		}
	}

	if !handled && msg.Type == TypeMethodCall {
		dispatchCounter.WithLabelValues(outcomeUnknown).Inc()
		log.Warn("no handler for method call",
			zap.String("interface", msg.Interface),
			zap.String("member", msg.Member),
			zap.String("sender", msg.Sender))
		s.ReplyError(msg, errNameUnknownMethod,
			fmt.Sprintf("method %s.%s is not supported", msg.Interface, msg.Member))
	} else if !handled {
		dispatchCounter.WithLabelValues(outcomeIgnored).Inc()
	}

	// Reclaim nilled slots only once the outermost dispatch is done;
	// an inner replay must not compact a list the outer iteration
	// still walks.
	if s.dispatchDepth == 1 && s.registry.needSweep {
		s.registry.sweep()
	}
}

// dispatchMethodCall applies the privilege gate and invokes, defers, or
// denies.
func (s *Service) dispatchMethodCall(entry *handlerEntry, msg *Message, replayed bool) {
	if !entry.spec.Privileged {
		dispatchCounter.WithLabelValues(outcomeInvoked).Inc()
		entry.spec.Callback(msg)
		return
	}

	priv := PrivilegeNo
	if msg.Sender != "" {
		priv = s.tracker.PrivilegeOf(msg.Sender)
	}
	switch {
	case priv == PrivilegeYes:
		dispatchCounter.WithLabelValues(outcomeInvoked).Inc()
		entry.spec.Callback(msg)
	case priv == PrivilegeUnknown && !replayed:
		// The sender's identity is still resolving; park the call on
		// its peer record for replay.
		dispatchCounter.WithLabelValues(outcomeDeferred).Inc()
		s.tracker.Ensure(msg.Sender).deferMethod(msg)
	default:
		dispatchCounter.WithLabelValues(outcomeDenied).Inc()
		log.Warn("denying method call from unprivileged sender",
			zap.String("member", msg.Member),
			zap.String("sender", msg.Sender))
		s.ReplyError(msg, errNameAuthFailed,
			fmt.Sprintf("sender is not authorized to call %s.%s",
				msg.Interface, msg.Member))
	}
}
