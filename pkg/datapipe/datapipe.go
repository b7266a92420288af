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

// Package datapipe is the daemon-internal publish/subscribe fabric.
// Topics are named; subscribers run on the event loop in subscription
// order.
package datapipe

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/solivar/devmoded/pkg/eventloop"
)

// Pipeline owns the topic namespace.
type Pipeline struct {
	loop   *eventloop.Loop
	topics map[string]*Topic
}

// NewPipeline creates an empty pipeline bound to loop.
func NewPipeline(loop *eventloop.Loop) *Pipeline {
	return &Pipeline{
		loop:   loop,
		topics: make(map[string]*Topic),
	}
}

// Topic returns the named topic, creating it on first reference.
func (p *Pipeline) Topic(name string) *Topic {
	t, ok := p.topics[name]
	if !ok {
		t = &Topic{name: name, loop: p.loop}
		p.topics[name] = t
	}
	return t
}

// Topic is a single publish/subscribe channel.
type Topic struct {
	name string
	loop *eventloop.Loop
	subs []*Subscription
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Subscription is a handle returned by Subscribe; Cancel detaches it.
// A subscription may cancel itself from within its own callback.
type Subscription struct {
	topic *Topic
	fn    func(interface{})
}

// Subscribe adds fn to the topic. fn runs on the event loop.
func (t *Topic) Subscribe(fn func(interface{})) *Subscription {
	sub := &Subscription{topic: t, fn: fn}
	t.subs = append(t.subs, sub)
	return sub
}

// Cancel detaches the subscription. Safe to call more than once and
// from within the subscription's own callback; the slot is cleared in
// place and swept after the next publish.
func (s *Subscription) Cancel() {
	for i, sub := range s.topic.subs {
		if sub == s {
			s.topic.subs[i] = nil
			return
		}
	}
}

// Publish hands v to every current subscriber, on the loop.
func (t *Topic) Publish(v interface{}) {
	t.loop.Submit(func() {
		log.Debug("datapipe publish", zap.String("topic", t.name))
		for i := 0; i < len(t.subs); i++ {
			sub := t.subs[i]
			if sub == nil {
				continue
			}
			sub.fn(v)
		}
		t.sweep()
	})
}

func (t *Topic) sweep() {
	kept := t.subs[:0]
	for _, sub := range t.subs {
		if sub != nil {
			kept = append(kept, sub)
		}
	}
	t.subs = kept
}
