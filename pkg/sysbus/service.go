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
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/solivar/devmoded/pkg/config"
	"github.com/solivar/devmoded/pkg/datapipe"
	cerror "github.com/solivar/devmoded/pkg/errors"
	"github.com/solivar/devmoded/pkg/eventloop"
	"github.com/solivar/devmoded/pkg/procfs"
	"github.com/solivar/devmoded/pkg/uptime"
	"github.com/solivar/devmoded/pkg/wakelock"
)

const sendLockName = "devmoded_send"

// BusType selects which bus the daemon binds to.
type BusType int

// Bus types.
const (
	SystemBus BusType = iota
	SessionBus
)

// String returns the bus name for logs and errors.
func (b BusType) String() string {
	if b == SessionBus {
		return "session"
	}
	return "system"
}

// SeedService names a service of interest the tracker follows from
// startup, bound to a datapipe topic.
type SeedService struct {
	Name  string
	Topic string
}

// Config carries every tunable of the IPC core.
type Config struct {
	BusType BusType

	// Well-known identity.
	ServiceName      string
	RequestPath      string
	RequestInterface string
	SignalPath       string
	SignalInterface  string
	ConfigErrorName  string
	Version          string

	// Privilege classification.
	PrivilegedUser  string
	PrivilegedGroup string

	// Sandbox proxy identification.
	SandboxProxyPath  string
	IdentifyPath      string
	IdentifyInterface string
	IdentifyMember    string

	// Peer lifecycle.
	PeerDeleteGrace time.Duration

	// Wakelock bounds for operations that are not reply-tracked.
	DispatchLockTimeout time.Duration
	SendLockTimeout     time.Duration

	// Services of interest seeded at startup.
	Seeds []SeedService
}

// DefaultConfig returns the production configuration.
func DefaultConfig() *Config {
	return &Config{
		BusType:             SystemBus,
		ServiceName:         "org.solivar.devmoded",
		RequestPath:         "/org/solivar/devmoded/request",
		RequestInterface:    "org.solivar.devmoded.request",
		SignalPath:          "/org/solivar/devmoded/signal",
		SignalInterface:     "org.solivar.devmoded.signal",
		ConfigErrorName:     "org.solivar.devmoded.Config.Error",
		Version:             "1.4.0",
		PrivilegedUser:      "privileged",
		PrivilegedGroup:     "privileged",
		SandboxProxyPath:    "/usr/libexec/sandbox-proxy",
		IdentifyPath:        "/",
		IdentifyInterface:   "org.solivar.sandbox1",
		IdentifyMember:      "Identify",
		PeerDeleteGrace:     500 * time.Millisecond,
		DispatchLockTimeout: 5 * time.Second,
		SendLockTimeout:     5 * time.Second,
	}
}

// connectionActive enforces the process-wide invariant of exactly one
// live bus binding.
var connectionActive atomic.Bool

// Options injects the service's collaborators. Every field is
// optional except Bus.
type Options struct {
	Bus    Bus
	Loop   *eventloop.Loop
	Locker wakelock.Locker
	Prober procfs.Prober
	Store  *config.Store
	Uptime *uptime.Source
}

// Service binds the daemon to the bus: it owns the event loop hookup,
// the handler registry, the peer tracker, and the outbound call gate.
type Service struct {
	cfg    *Config
	loop   *eventloop.Loop
	bus    Bus
	locker wakelock.Locker
	proc   procfs.Prober

	gate     *callGate
	registry *Registry
	tracker  *Tracker
	store    *config.Store
	pipe     *datapipe.Pipeline
	uptime   *uptime.Source

	dispatchDepth int

	started bool
	closed  bool
}

// New wires a service together. It refuses to produce a second live
// binding; Close releases the slot.
func New(cfg *Config, opts Options) (*Service, error) {
	if opts.Bus == nil {
		return nil, cerror.ErrBadRegistration.GenWithStackByArgs("a Bus is required")
	}
	if !connectionActive.CompareAndSwap(false, true) {
		return nil, cerror.ErrConnectionExists.GenWithStackByArgs()
	}

	loop := opts.Loop
	if loop == nil {
		loop = eventloop.New(clock.New())
	}
	locker := opts.Locker
	if locker == nil {
		locker = wakelock.NewMemLocker()
	}
	prober := opts.Prober
	if prober == nil {
		prober = procfs.NewSysProber()
	}
	store := opts.Store
	if store == nil {
		store = config.NewStore()
	}
	up := opts.Uptime
	if up == nil {
		up = uptime.NewSource()
	}

	s := &Service{
		cfg:      cfg,
		loop:     loop,
		bus:      opts.Bus,
		locker:   locker,
		proc:     prober,
		store:    store,
		pipe:     datapipe.NewPipeline(loop),
		uptime:   up,
		gate:     newCallGate(locker, "devmoded_call"),
		registry: NewRegistry(opts.Bus),
	}
	s.tracker = NewTracker(loop, opts.Bus, s.SendWithReply, prober, cfg)
	s.tracker.SetRedispatch(func(msg *Message) { s.dispatch(msg, true) })
	return s, nil
}

// Loop returns the event loop everything here is confined to.
func (s *Service) Loop() *eventloop.Loop { return s.loop }

// Tracker returns the peer tracker.
func (s *Service) Tracker() *Tracker { return s.tracker }

// Pipeline returns the datapipe fabric.
func (s *Service) Pipeline() *datapipe.Pipeline { return s.pipe }

// Store returns the settings store.
func (s *Service) Store() *config.Store { return s.store }

// Start installs the filters, acquires the well-known name, seeds the
// tracker, and registers the built-in handler array.
func (s *Service) Start(ctx context.Context) error {
	if s.started {
		return cerror.ErrConnectionExists.GenWithStackByArgs()
	}

	s.bus.AddFilter(s.tracker.FilterNameOwnerChanged)
	s.bus.AddFilter(func(msg *Message) { s.dispatch(msg, false) })

	if err := s.bus.RequestName(s.cfg.ServiceName); err != nil {
		return cerror.WrapError(cerror.ErrNameNotPrimary, err, s.cfg.ServiceName)
	}

	errCh := make(chan error, 1)
	s.loop.Submit(func() {
		for _, seed := range s.cfg.Seeds {
			peer := s.tracker.Ensure(seed.Name)
			if seed.Topic != "" {
				peer.BindTopic(s.pipe.Topic(seed.Topic))
			}
		}
		errCh <- s.registerBuiltins()
	})
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case err := <-errCh:
		if err != nil {
			return errors.Trace(err)
		}
	}

	s.started = true
	log.Info("bus service started",
		zap.String("name", s.cfg.ServiceName),
		zap.Stringer("bus", s.cfg.BusType),
		zap.String("unique", s.bus.UniqueName()))
	return nil
}

// Run drives the event loop until ctx is canceled, then tears the
// service down.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop.Run(gctx)
	})
	err := g.Wait()
	s.Close()
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}

// Register adds a dispatch entry. Must be called on the event loop, or
// before Run.
func (s *Service) Register(spec HandlerSpec) (Cookie, error) {
	return s.registry.Register(spec)
}

// Unregister removes a dispatch entry; safe from within handler
// callbacks.
func (s *Service) Unregister(cookie Cookie) {
	s.registry.Unregister(cookie)
}

// Close drains handlers, stops the tracker, and releases the
// connection slot. Idempotent.
func (s *Service) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.registry.Drain()
	s.tracker.Stop()
	if err := s.bus.Close(); err != nil {
		log.Warn("closing bus connection failed", zap.Error(err))
	}
	connectionActive.Store(false)
	log.Info("bus service stopped", zap.String("name", s.cfg.ServiceName))
}

// SendWithReply issues an outbound method call with a wakelock bound
// to its lifetime: the lock is released after the completion callback
// returns, or on cancellation. A negative timeout selects the
// transport default.
func (s *Service) SendWithReply(
	msg *Message,
	timeout time.Duration,
	done func(ReplyOutcome),
) (PendingCall, error) {
	slot := s.gate.slot()
	wrapped := func(o ReplyOutcome) {
		defer slot.release()
		done(o)
	}
	inner, err := s.bus.Call(msg, timeout, wrapped)
	if err != nil {
		slot.release()
		return nil, cerror.WrapError(cerror.ErrCallSendFailed, err,
			msg.Interface, msg.Member)
	}
	outboundCallsCounter.Inc()
	return &gatedCall{inner: inner, slot: slot}, nil
}

// SendSignal emits a signal on the daemon's signal interface. The
// registry acts as the manifest of publishable signals: emitting one
// that is not introspected is logged as an error but proceeds.
func (s *Service) SendSignal(member string, args ...interface{}) error {
	if !s.registry.HasSignalManifest(s.cfg.SignalInterface, member) {
		log.Error("emitting signal missing from the introspection manifest",
			zap.String("member", member))
	}
	return s.sendGated(NewSignal(s.cfg.SignalPath, s.cfg.SignalInterface, member, args...))
}

// ReplySuccess sends the success reply to req, honoring the no-reply
// flag.
func (s *Service) ReplySuccess(req *Message, args ...interface{}) error {
	if req.NoReply {
		return nil
	}
	return s.sendGated(NewMethodReturn(req, args...))
}

// ReplyError sends an error reply to req. Errors are sent even for
// no-reply-flagged calls so failures are never silent.
func (s *Service) ReplyError(req *Message, name, text string) error {
	return s.sendGated(NewErrorReply(req, name, text))
}

// sendGated queues a message under a short bounded wakelock spanning
// the queueing operation.
func (s *Service) sendGated(msg *Message) error {
	if err := s.locker.Acquire(sendLockName, s.cfg.SendLockTimeout); err != nil {
		log.Warn("send wakelock unavailable", zap.Error(err))
	}
	defer func() {
		if err := s.locker.Release(sendLockName); err != nil {
			log.Warn("send wakelock release failed", zap.Error(err))
		}
	}()
	if err := s.bus.Send(msg); err != nil {
		return errors.Trace(err)
	}
	return nil
}
