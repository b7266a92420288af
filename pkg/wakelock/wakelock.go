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

// Package wakelock manages named suspend blockers. While any lock is
// held the CPU must not suspend; locks are refcounted by name so nested
// acquisition of the same name is cheap and balanced.
package wakelock

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerror "github.com/solivar/devmoded/pkg/errors"
)

// NoTimeout requests a lock with no automatic expiry.
const NoTimeout time.Duration = -1

// Locker is the suspend-blocker primitive the IPC core runs against.
type Locker interface {
	// Acquire takes the named lock. A non-negative timeout asks the
	// backend to auto-release after that duration as a safety net.
	Acquire(name string, timeout time.Duration) error
	// Release drops one reference to the named lock.
	Release(name string) error
}

// MemLocker is an in-process refcounting Locker. It backs tests and
// development hosts that have no suspend support.
type MemLocker struct {
	mu   sync.Mutex
	held map[string]int

	acquired []string
	released []string
}

// NewMemLocker creates an empty MemLocker.
func NewMemLocker() *MemLocker {
	return &MemLocker{held: make(map[string]int)}
}

// Acquire implements Locker.
func (m *MemLocker) Acquire(name string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[name]++
	m.acquired = append(m.acquired, name)
	return nil
}

// Release implements Locker.
func (m *MemLocker) Release(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.held[name]
	if n <= 0 {
		return cerror.ErrWakelockBackend.GenWithStackByArgs(name)
	}
	if n == 1 {
		delete(m.held, name)
	} else {
		m.held[name] = n - 1
	}
	m.released = append(m.released, name)
	return nil
}

// Held returns the names currently held, sorted.
func (m *MemLocker) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.held))
	for name := range m.held {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Acquired returns every name ever passed to Acquire, in order.
func (m *MemLocker) Acquired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acquired...)
}

// Released returns every name ever passed to Release, in order.
func (m *MemLocker) Released() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.released...)
}

// SysfsLocker drives the kernel wakelock interface. The kernel keys
// locks by name, so the refcounting contract holds as long as callers
// balance Acquire and Release per name, which MemLocker-backed tests
// verify for the core.
type SysfsLocker struct {
	lockPath   string
	unlockPath string

	mu   sync.Mutex
	held map[string]int
}

// NewSysfsLocker returns a locker writing to the default sysfs paths.
func NewSysfsLocker() *SysfsLocker {
	return NewSysfsLockerAt("/sys/power/wake_lock", "/sys/power/wake_unlock")
}

// NewSysfsLockerAt returns a locker writing to the given control files.
func NewSysfsLockerAt(lockPath, unlockPath string) *SysfsLocker {
	return &SysfsLocker{
		lockPath:   lockPath,
		unlockPath: unlockPath,
		held:       make(map[string]int),
	}
}

// Acquire implements Locker.
func (s *SysfsLocker) Acquire(name string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[name]++
	if s.held[name] > 1 {
		return nil
	}
	entry := name
	if timeout >= 0 {
		entry = fmt.Sprintf("%s %d", name, timeout.Nanoseconds())
	}
	if err := s.write(s.lockPath, entry); err != nil {
		s.held[name]--
		return cerror.WrapError(cerror.ErrWakelockBackend, err, name)
	}
	return nil
}

// Release implements Locker.
func (s *SysfsLocker) Release(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.held[name]
	if n <= 0 {
		log.Warn("unbalanced wakelock release", zap.String("name", name))
		return cerror.ErrWakelockBackend.GenWithStackByArgs(name)
	}
	if n > 1 {
		s.held[name] = n - 1
		return nil
	}
	delete(s.held, name)
	if err := s.write(s.unlockPath, name); err != nil {
		return cerror.WrapError(cerror.ErrWakelockBackend, err, name)
	}
	return nil
}

func (s *SysfsLocker) write(path, entry string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(entry)
	return err
}
