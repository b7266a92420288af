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
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/solivar/devmoded/pkg/config"
)

// Reserved method and signal members of the core surface.
const (
	memberGetVersion      = "get_version"
	memberGetConfig       = "get_config"
	memberGetConfigAll    = "get_config_all"
	memberSetConfig       = "set_config"
	memberResetConfig     = "reset_config"
	memberGetSuspendStats = "get_suspend_stats"
	memberVerbosityGet    = "verbosity_get"
	memberVerbositySet    = "verbosity_set"
	memberConfigChangeInd = "config_change_ind"
)

// registerBuiltins installs the reserved method-call surface and the
// outbound-signal manifest, then wires configuration changes to
// config_change_ind.
func (s *Service) registerBuiltins() error {
	iface := s.cfg.RequestInterface
	specs := []HandlerSpec{
		{
			Type:      TypeMethodCall,
			Interface: introspectableInterface,
			Member:    introspectMember,
			Args:      `<arg direction="out" name="data" type="s"/>`,
			Callback:  s.handleIntrospect,
		},
		{
			Type:      TypeMethodCall,
			Interface: iface,
			Member:    memberGetVersion,
			Args:      `<arg direction="out" name="version" type="s"/>`,
			Callback:  s.handleGetVersion,
		},
		{
			Type:      TypeMethodCall,
			Interface: iface,
			Member:    memberGetConfig,
			Args: `<arg direction="in" name="key" type="s"/>
<arg direction="out" name="value" type="v"/>`,
			Callback: s.handleGetConfig,
		},
		{
			Type:      TypeMethodCall,
			Interface: iface,
			Member:    memberGetConfigAll,
			Args:      `<arg direction="out" name="values" type="a{sv}"/>`,
			Callback:  s.handleGetConfigAll,
		},
		{
			Type:      TypeMethodCall,
			Interface: iface,
			Member:    memberSetConfig,
			Args: `<arg direction="in" name="key" type="s"/>
<arg direction="in" name="value" type="v"/>
<arg direction="out" name="success" type="b"/>`,
			Privileged: true,
			Callback:   s.handleSetConfig,
		},
		{
			Type:      TypeMethodCall,
			Interface: iface,
			Member:    memberResetConfig,
			Args: `<arg direction="in" name="keyish" type="s"/>
<arg direction="out" name="count" type="i"/>`,
			Privileged: true,
			Callback:   s.handleResetConfig,
		},
		{
			Type:      TypeMethodCall,
			Interface: iface,
			Member:    memberGetSuspendStats,
			Args: `<arg direction="out" name="uptime_ms" type="x"/>
<arg direction="out" name="suspend_ms" type="x"/>`,
			Callback: s.handleGetSuspendStats,
		},
		{
			Type:      TypeMethodCall,
			Interface: iface,
			Member:    memberVerbosityGet,
			Args:      `<arg direction="out" name="level" type="i"/>`,
			Callback:  s.handleVerbosityGet,
		},
		{
			Type:      TypeMethodCall,
			Interface: iface,
			Member:    memberVerbositySet,
			Args: `<arg direction="in" name="level" type="i"/>
<arg direction="out" name="success" type="b"/>`,
			Privileged: true,
			Callback:   s.handleVerbositySet,
		},
		{
			Type:      TypeSignal,
			Interface: s.cfg.SignalInterface,
			Member:    memberConfigChangeInd,
			Args: `<arg name="key" type="s"/>
<arg name="value" type="v"/>`,
			// Emitted by this daemon; introspection only.
			Callback: nil,
		},
	}

	for _, spec := range specs {
		if _, err := s.registry.Register(spec); err != nil {
			return errors.Trace(err)
		}
	}

	s.store.Subscribe(func(key string, v config.Value) {
		if err := s.SendSignal(memberConfigChangeInd, key, config.ToVariant(v)); err != nil {
			log.Warn("sending config_change_ind failed",
				zap.String("key", key), zap.Error(err))
		}
	})
	return nil
}

func (s *Service) handleIntrospect(msg *Message) {
	xml, err := s.Introspect(msg.Path)
	if err != nil {
		s.ReplyError(msg, errNameUnknownObject,
			fmt.Sprintf("no introspectable object at %q", msg.Path))
		return
	}
	s.ReplySuccess(msg, xml)
}

func (s *Service) handleGetVersion(msg *Message) {
	s.ReplySuccess(msg, s.cfg.Version)
}

// configKeyArg accepts the key either as a plain string or as an
// object path.
func configKeyArg(msg *Message, i int) (string, bool) {
	if i >= len(msg.Body) {
		return "", false
	}
	switch v := msg.Body[i].(type) {
	case string:
		return v, true
	case dbus.ObjectPath:
		return string(v), true
	default:
		return "", false
	}
}

func (s *Service) handleGetConfig(msg *Message) {
	key, ok := configKeyArg(msg, 0)
	if !ok {
		s.ReplyError(msg, errNameInvalidArgs,
			"expected a configuration key as string or object path")
		return
	}
	v, err := s.store.Get(key)
	if err != nil {
		s.ReplyError(msg, s.cfg.ConfigErrorName, err.Error())
		return
	}
	s.ReplySuccess(msg, config.ToVariant(v))
}

func (s *Service) handleGetConfigAll(msg *Message) {
	all := s.store.All()
	out := make(map[string]dbus.Variant, len(all))
	for key, v := range all {
		out[key] = config.ToVariant(v)
	}
	s.ReplySuccess(msg, out)
}

func (s *Service) handleSetConfig(msg *Message) {
	key, ok := configKeyArg(msg, 0)
	if !ok {
		s.ReplyError(msg, errNameInvalidArgs,
			"expected a configuration key as string or object path")
		return
	}
	if len(msg.Body) < 2 {
		s.ReplyError(msg, errNameInvalidArgs, "expected a value to set")
		return
	}
	v, err := config.FromNative(msg.Body[1])
	if err != nil {
		s.ReplyError(msg, errNameInvalidArgs, err.Error())
		return
	}
	if err := s.store.Set(key, v); err != nil {
		s.ReplyError(msg, s.cfg.ConfigErrorName, err.Error())
		return
	}
	log.Info("configuration updated",
		zap.String("key", key), zap.String("sender", msg.Sender))
	s.ReplySuccess(msg, true)
}

func (s *Service) handleResetConfig(msg *Message) {
	prefix, ok := configKeyArg(msg, 0)
	if !ok {
		s.ReplyError(msg, errNameInvalidArgs,
			"expected a key prefix as string or object path")
		return
	}
	count := s.store.Reset(prefix)
	log.Info("configuration reset",
		zap.String("prefix", prefix), zap.Int("changed", count))
	s.ReplySuccess(msg, int32(count))
}

func (s *Service) handleGetSuspendStats(msg *Message) {
	active, suspended, err := s.uptime.Stats()
	if err != nil {
		s.ReplyError(msg, errNameFailed, err.Error())
		return
	}
	s.ReplySuccess(msg,
		int64(active/time.Millisecond),
		int64(suspended/time.Millisecond))
}

func (s *Service) handleVerbosityGet(msg *Message) {
	s.ReplySuccess(msg, verbosityOfLevel(log.GetLevel()))
}

func (s *Service) handleVerbositySet(msg *Message) {
	v, ok := msg.Int32Arg(0)
	if !ok {
		s.ReplyError(msg, errNameInvalidArgs, "expected an int32 verbosity")
		return
	}
	level := levelOfVerbosity(v)
	log.SetLevel(level)
	log.Info("verbosity changed",
		zap.Int32("verbosity", v),
		zap.Stringer("level", level),
		zap.String("sender", msg.Sender))
	s.ReplySuccess(msg, true)
}

// The wire verbosity scale follows syslog severities; zap is coarser,
// so adjacent severities share a level.
func levelOfVerbosity(v int32) zapcore.Level {
	switch {
	case v <= 3:
		return zapcore.ErrorLevel
	case v == 4:
		return zapcore.WarnLevel
	case v <= 6:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func verbosityOfLevel(level zapcore.Level) int32 {
	switch level {
	case zapcore.DebugLevel:
		return 7
	case zapcore.InfoLevel:
		return 6
	case zapcore.WarnLevel:
		return 4
	default:
		return 3
	}
}
