// Copyright 2021 Herman Slatman
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the prometheus counters of the remediation
// engine. The bouncer pipeline increments RequestsProcessed,
// StreamRefreshes and StreamErrors; the other counters are registered
// but nothing in this module increments them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters this module registers. Callers construct
// one and pass it down to the components that increment it; it is safe
// for concurrent use, being backed entirely by prometheus counters.
type Metrics struct {
	RequestsProcessed   *prometheus.CounterVec
	RemediationsApplied *prometheus.CounterVec
	LAPICalls           prometheus.Counter
	LAPIErrors          prometheus.Counter
	StreamRefreshes     prometheus.Counter
	StreamErrors        prometheus.Counter
	StreamBusy          prometheus.Counter
}

// New constructs a Metrics and registers it with reg. Passing
// prometheus.NewRegistry() keeps it isolated from the global default
// registry, which matters for tests that construct multiple instances.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remediation_requests_processed_total",
			Help: "Total number of requests evaluated by the bouncer pipeline.",
		}, []string{"outcome"}),
		RemediationsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remediation_applied_total",
			Help: "Total number of remediations applied, by kind.",
		}, []string{"kind"}),
		LAPICalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remediation_lapi_requests_total",
			Help: "Total number of calls made to the Local API.",
		}),
		LAPIErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remediation_lapi_requests_failures_total",
			Help: "Total number of failed calls to the Local API.",
		}),
		StreamRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remediation_stream_refreshes_total",
			Help: "Total number of completed stream refresh cycles.",
		}),
		StreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remediation_stream_refresh_failures_total",
			Help: "Total number of failed stream refresh cycles.",
		}),
		StreamBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remediation_stream_refresh_busy_total",
			Help: "Total number of refresh calls rejected because one was already in flight.",
		}),
	}

	reg.MustRegister(
		m.RequestsProcessed,
		m.RemediationsApplied,
		m.LAPICalls,
		m.LAPIErrors,
		m.StreamRefreshes,
		m.StreamErrors,
		m.StreamBusy,
	)

	return m
}
