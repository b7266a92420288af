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
	"reflect"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// OwnerMonitor keeps a bounded per-caller list of "notify me once when
// this service loses its owner" callbacks, layered on the peer
// tracker's quit subscriptions.
type OwnerMonitor struct {
	tracker *Tracker
	max     int
	entries []*ownerMonitorEntry
}

type ownerMonitorEntry struct {
	service string
	cb      func(service string)
	quit    *QuitSub
}

// NewOwnerMonitor creates a monitor holding at most max entries.
func NewOwnerMonitor(tracker *Tracker, max int) *OwnerMonitor {
	return &OwnerMonitor{tracker: tracker, max: max}
}

// Count returns the number of monitored services.
func (m *OwnerMonitor) Count() int {
	return len(m.entries)
}

// Add monitors service, invoking cb once when it loses its owner. It
// returns the number of monitored entries after the call, or -1 when
// the list is full. Adding an already-present (service, cb) pair is a
// no-op returning the current count.
func (m *OwnerMonitor) Add(service string, cb func(service string)) int {
	for _, entry := range m.entries {
		if entry.service == service && sameFunc(entry.cb, cb) {
			return len(m.entries)
		}
	}
	if len(m.entries) >= m.max {
		log.Warn("owner monitor list is full",
			zap.String("service", service),
			zap.Int("max", m.max))
		return -1
	}

	entry := &ownerMonitorEntry{service: service, cb: cb}
	peer := m.tracker.Ensure(service)
	entry.quit = peer.AddQuitSub(func(*Message) {
		m.drop(entry)
		entry.cb(entry.service)
	})
	m.entries = append(m.entries, entry)
	return len(m.entries)
}

// Remove stops monitoring service. It returns the number of entries
// left, or -1 when the service was not monitored.
func (m *OwnerMonitor) Remove(service string) int {
	for i, entry := range m.entries {
		if entry.service != service {
			continue
		}
		m.detach(entry)
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
		return len(m.entries)
	}
	return -1
}

// RemoveAll detaches every entry.
func (m *OwnerMonitor) RemoveAll() {
	for _, entry := range m.entries {
		m.detach(entry)
	}
	m.entries = nil
}

func (m *OwnerMonitor) detach(entry *ownerMonitorEntry) {
	if peer := m.tracker.Lookup(entry.service); peer != nil {
		peer.RemoveQuitSub(entry.quit)
	}
}

// drop removes a fired entry from the bookkeeping list.
func (m *OwnerMonitor) drop(entry *ownerMonitorEntry) {
	for i, other := range m.entries {
		if other == entry {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

// sameFunc compares two callbacks by code pointer, the dedup key the
// per-caller lists use.
func sameFunc(a, b func(string)) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
