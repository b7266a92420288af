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

package config

import (
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerror "github.com/solivar/devmoded/pkg/errors"
)

// Store holds the daemon settings: declared keys with typed defaults,
// current values, and change subscribers. All access is confined to the
// event loop; the store holds no locks.
type Store struct {
	defaults map[string]Value
	values   map[string]Value
	watches  []*Watch
}

// Watch is a change-subscription handle.
type Watch struct {
	store *Store
	fn    func(key string, v Value)
}

// NewStore returns a store with no declared keys.
func NewStore() *Store {
	return &Store{
		defaults: make(map[string]Value),
		values:   make(map[string]Value),
	}
}

// Declare registers key with its default value. Re-declaring a key
// replaces its default but keeps any current value of matching kind.
func (s *Store) Declare(key string, def Value) {
	s.defaults[key] = def
	if cur, ok := s.values[key]; !ok || cur.Kind() != def.Kind() {
		s.values[key] = def
	}
}

// Keys returns all declared keys, sorted.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.defaults))
	for k := range s.defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the current value of key.
func (s *Store) Get(key string) (Value, error) {
	v, ok := s.values[key]
	if !ok {
		return Value{}, cerror.ErrConfigUnknownKey.GenWithStackByArgs(key)
	}
	return v, nil
}

// All returns a copy of every current value.
func (s *Store) All() map[string]Value {
	out := make(map[string]Value, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set updates key. The new value must match the declared kind.
// Subscribers fire only on actual change.
func (s *Store) Set(key string, v Value) error {
	def, ok := s.defaults[key]
	if !ok {
		return cerror.ErrConfigUnknownKey.GenWithStackByArgs(key)
	}
	if v.Kind() != def.Kind() {
		return cerror.ErrConfigTypeMismatch.GenWithStackByArgs(
			key, def.Kind(), v.Kind())
	}
	if s.values[key].Equal(v) {
		return nil
	}
	s.values[key] = v
	s.notify(key, v)
	return nil
}

// Reset restores every key under prefix to its default and returns the
// number of keys whose value changed.
func (s *Store) Reset(prefix string) int {
	changed := 0
	for _, key := range s.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		def := s.defaults[key]
		if s.values[key].Equal(def) {
			continue
		}
		s.values[key] = def
		s.notify(key, def)
		changed++
	}
	return changed
}

// Subscribe registers fn for every subsequent value change.
func (s *Store) Subscribe(fn func(key string, v Value)) *Watch {
	w := &Watch{store: s, fn: fn}
	s.watches = append(s.watches, w)
	return w
}

// Cancel detaches the watch; safe from within its own callback.
func (w *Watch) Cancel() {
	for i, other := range w.store.watches {
		if other == w {
			w.store.watches[i] = nil
			return
		}
	}
}

func (s *Store) notify(key string, v Value) {
	for i := 0; i < len(s.watches); i++ {
		w := s.watches[i]
		if w == nil {
			continue
		}
		w.fn(key, v)
	}
	kept := s.watches[:0]
	for _, w := range s.watches {
		if w != nil {
			kept = append(kept, w)
		}
	}
	s.watches = kept
}

// Load reads previously saved values from a TOML file. Unknown keys and
// values of the wrong shape are skipped with a warning so one stale
// entry cannot take the daemon down.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cerror.WrapError(cerror.ErrConfigPersist, err)
	}
	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return cerror.WrapError(cerror.ErrConfigPersist, err)
	}
	for key, rv := range raw {
		def, ok := s.defaults[key]
		if !ok {
			log.Warn("ignoring unknown configuration key",
				zap.String("key", key))
			continue
		}
		v, ok := coerceTOML(rv, def.Kind())
		if !ok {
			log.Warn("ignoring configuration value of wrong type",
				zap.String("key", key),
				zap.String("want", def.Kind().String()))
			continue
		}
		s.values[key] = v
	}
	return nil
}

// Save writes every non-default value to a TOML file.
func (s *Store) Save(path string) error {
	out := make(map[string]interface{})
	for key, v := range s.values {
		if v.Equal(s.defaults[key]) {
			continue
		}
		out[key] = v.Native()
	}
	data, err := toml.Marshal(out)
	if err != nil {
		return cerror.WrapError(cerror.ErrConfigPersist, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return cerror.WrapError(cerror.ErrConfigPersist, err)
	}
	return nil
}

// coerceTOML maps the types the TOML decoder produces (int64, float64,
// bool, string, []interface{}) onto the declared kind.
func coerceTOML(raw interface{}, kind Kind) (Value, bool) {
	switch kind {
	case KindString:
		if s, ok := raw.(string); ok {
			return String(s), true
		}
	case KindInt:
		if i, ok := raw.(int64); ok {
			return Int(int32(i)), true
		}
	case KindDouble:
		switch n := raw.(type) {
		case float64:
			return Double(n), true
		case int64:
			return Double(float64(n)), true
		}
	case KindBool:
		if b, ok := raw.(bool); ok {
			return Bool(b), true
		}
	case KindStringList, KindIntList, KindDoubleList, KindBoolList:
		list, ok := raw.([]interface{})
		if !ok {
			return Value{}, false
		}
		return coerceTOMLList(list, kind)
	}
	return Value{}, false
}

func coerceTOMLList(list []interface{}, kind Kind) (Value, bool) {
	switch kind {
	case KindStringList:
		out := make([]string, 0, len(list))
		for _, e := range list {
			s, ok := e.(string)
			if !ok {
				return Value{}, false
			}
			out = append(out, s)
		}
		return StringList(out), true
	case KindIntList:
		out := make([]int32, 0, len(list))
		for _, e := range list {
			i, ok := e.(int64)
			if !ok {
				return Value{}, false
			}
			out = append(out, int32(i))
		}
		return IntList(out), true
	case KindDoubleList:
		out := make([]float64, 0, len(list))
		for _, e := range list {
			switch n := e.(type) {
			case float64:
				out = append(out, n)
			case int64:
				out = append(out, float64(n))
			default:
				return Value{}, false
			}
		}
		return DoubleList(out), true
	case KindBoolList:
		out := make([]bool, 0, len(list))
		for _, e := range list {
			b, ok := e.(bool)
			if !ok {
				return Value{}, false
			}
			out = append(out, b)
		}
		return BoolList(out), true
	}
	return Value{}, false
}
