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

import "github.com/prometheus/client_golang/prometheus"

var (
	trackedPeersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devmoded",
			Subsystem: "sysbus",
			Name:      "tracked_peers",
			Help:      "Number of bus names currently tracked.",
		})

	dispatchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devmoded",
			Subsystem: "sysbus",
			Name:      "dispatch_total",
			Help:      "Inbound dispatch outcomes.",
		}, []string{"outcome"})

	deferredMethodsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devmoded",
			Subsystem: "sysbus",
			Name:      "deferred_methods",
			Help:      "Method calls queued while their sender's identity resolves.",
		})

	outboundCallsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devmoded",
			Subsystem: "sysbus",
			Name:      "outbound_calls_total",
			Help:      "Outbound method calls issued with a reply expected.",
		})
)

// Dispatch outcome labels.
const (
	outcomeInvoked  = "invoked"
	outcomeDenied   = "denied"
	outcomeDeferred = "deferred"
	outcomeUnknown  = "unknown_method"
	outcomeIgnored  = "ignored"
)

// InitMetrics registers the sysbus metrics with registry.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(trackedPeersGauge)
	registry.MustRegister(dispatchCounter)
	registry.MustRegister(deferredMethodsGauge)
	registry.MustRegister(outboundCallsCounter)
}
