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

import "reflect"

// SubscribeState registers cb for every state transition of name,
// creating the tracking record on first reference. The subscriber also
// receives one deferred notification of the current state shortly
// after subscribing. Re-subscribing the same (callback, userData) pair
// is a no-op returning the existing handle. free, when non-nil, runs
// once when the subscription is removed.
func (t *Tracker) SubscribeState(
	name string,
	cb StateCallback,
	userData interface{},
	free func(interface{}),
) *StateSub {
	peer := t.Ensure(name)
	for _, sub := range peer.stateSubs {
		if sub == nil {
			continue
		}
		if sameStateCallback(sub.cb, cb) && sub.userData == userData {
			return sub
		}
	}
	sub := &StateSub{peer: peer, cb: cb, userData: userData, free: free}
	peer.addStateSub(sub)
	return sub
}

// UnsubscribeState detaches a state subscription. The slot is nilled
// in place, so a callback removing itself mid-notification is safe.
// Safe to call more than once.
func (t *Tracker) UnsubscribeState(sub *StateSub) {
	if sub == nil {
		return
	}
	sub.peer.removeStateSub(sub)
}

func sameStateCallback(a, b StateCallback) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
