// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package tailsample

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons, used as the "reason" label of the dropped-traces
// counter.
const (
	// ReasonSampled: the sampler returned 0, or a fractional rate whose
	// trial failed.
	ReasonSampled = "sampled"
	// ReasonIncomplete: the first span ended with no decision.
	ReasonIncomplete = "incomplete"
	// ReasonExpired: the trace stayed pending longer than the
	// configured maximum age.
	ReasonExpired = "expired"
	// ReasonShutdown: the trace was still pending at Shutdown.
	ReasonShutdown = "shutdown"
)

type metrics struct {
	kept           prometheus.Counter
	dropped        *prometheus.CounterVec
	decisionErrors prometheus.Counter
	pending        prometheus.Gauge
}

// newMetrics creates the processor's collectors and registers them
// with registerer. A nil registerer leaves them unregistered, which
// keeps them usable without exposing them.
func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)
	return &metrics{
		kept: factory.NewCounter(prometheus.CounterOpts{
			Subsystem: "tailsample",
			Name:      "traces_kept_total",
			Help:      "Traces resolved as kept and flushed downstream.",
		}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "tailsample",
			Name:      "traces_dropped_total",
			Help:      "Traces discarded without reaching downstream, by reason.",
		}, []string{"reason"}),
		decisionErrors: factory.NewCounter(prometheus.CounterOpts{
			Subsystem: "tailsample",
			Name:      "decision_errors_total",
			Help:      "Sampler calls that returned an error or panicked.",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Subsystem: "tailsample",
			Name:      "pending_traces",
			Help:      "Traces currently buffered awaiting a decision.",
		}),
	}
}
