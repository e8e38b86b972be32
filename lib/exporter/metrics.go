// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	exports      *prometheus.CounterVec
	retries      *prometheus.CounterVec
	spoolDropped prometheus.Counter
}

// newMetrics creates the exporter's collectors. Spool depth gauges read
// the spool directly at scrape time. A nil registerer leaves every
// collector unregistered.
func newMetrics(registerer prometheus.Registerer, spool *Spool) *metrics {
	factory := promauto.With(registerer)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Subsystem: "exporter",
		Name:      "spool_entries",
		Help:      "Payloads waiting in the retry spool.",
	}, func() float64 { return float64(spool.Len()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Subsystem: "exporter",
		Name:      "spool_bytes",
		Help:      "Uncompressed bytes held in the retry spool.",
	}, func() float64 { return float64(spool.Bytes()) })

	return &metrics{
		exports: factory.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "exporter",
			Name:      "exports_total",
			Help:      "Export calls by result: delivered, deferred, or dropped.",
		}, []string{"result"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "exporter",
			Name:      "retry_attempts_total",
			Help:      "Delivery attempts of spooled payloads by outcome.",
		}, []string{"outcome"}),
		spoolDropped: factory.NewCounter(prometheus.CounterOpts{
			Subsystem: "exporter",
			Name:      "spool_dropped_total",
			Help:      "Payloads lost because the spool was full or an entry was unreadable.",
		}),
	}
}
