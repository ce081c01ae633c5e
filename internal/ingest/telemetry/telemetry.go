// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry exposes the collector's counters as Prometheus metrics,
// mirroring the fields published to the realtime health heartbeat. See
// spec.md §6.1.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LinesReadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_lines_read_total",
		Help: "Total log lines read from the tailers, by source.",
	}, []string{"source"})

	ParseFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_parse_fail_total",
		Help: "Total lines that failed to parse, by source.",
	}, []string{"source"})

	FilteredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_filtered_total",
		Help: "Total events dropped by the filter predicate, by source.",
	}, []string{"source"})

	DBWriteFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_db_write_fail_total",
		Help: "Total collector loop iterations that ended in an error (failed flush, log read, or retention run).",
	})

	RetentionDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_retention_deleted_total",
		Help: "Total rows deleted by retention pruning across all tables.",
	})

	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_flush_duration_seconds",
		Help:    "Duration of one flush transaction.",
		Buckets: prometheus.DefBuckets,
	})

	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_batch_size",
		Help:    "Number of events committed per flush.",
		Buckets: []float64{1, 8, 32, 64, 128, 256, 512, 1024, 4096},
	})
)

func init() {
	prometheus.MustRegister(
		LinesReadTotal, ParseFailTotal, FilteredTotal, DBWriteFailTotal,
		RetentionDeletedTotal, FlushDuration, BatchSize,
	)
}

// StartMetricsEndpoint serves /metrics on addr in a background goroutine.
// Errors are not fatal to the caller; a failed listener is reported to the
// supplied onError callback, which may be nil.
func StartMetricsEndpoint(addr string, onError func(error)) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && onError != nil {
			onError(err)
		}
	}()
}
