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

// Package uptime splits time-since-boot into awake and suspended
// shares. CLOCK_MONOTONIC stops while the device sleeps; /proc/uptime
// does not, so the difference is the time spent suspended.
package uptime

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gavv/monotime"
	"github.com/pingcap/errors"
)

// Source reads the two clocks. The zero value is not usable; use
// NewSource, overriding fields in tests.
type Source struct {
	// Monotonic returns time since boot excluding suspend.
	Monotonic func() time.Duration
	// Total returns time since boot including suspend.
	Total func() (time.Duration, error)
}

// NewSource returns a Source over the live system clocks.
func NewSource() *Source {
	return &Source{
		Monotonic: monotime.Now,
		Total:     readProcUptime,
	}
}

// Stats returns the active and suspended durations since boot.
// Suspended never reports negative even if the two clocks are sampled
// across a scheduling gap.
func (s *Source) Stats() (active, suspended time.Duration, err error) {
	total, err := s.Total()
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	active = s.Monotonic()
	suspended = total - active
	if suspended < 0 {
		suspended = 0
	}
	return active, suspended, nil
}

func readProcUptime() (time.Duration, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, errors.Trace(err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, errors.New("empty /proc/uptime")
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
