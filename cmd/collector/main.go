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

// Package main provides the entry point for the per-node audit collector:
// it tails the proxy's access and error logs, parses and filters each line,
// batches the result into MySQL, projects a realtime view into Redis, and
// prunes old rows on a retention cadence. See spec.md §4.8.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proxyaudit/ingest/internal/ingest/cache"
	"github.com/proxyaudit/ingest/internal/ingest/collector"
	"github.com/proxyaudit/ingest/internal/ingest/config"
	"github.com/proxyaudit/ingest/internal/ingest/runtimeconfig"
	"github.com/proxyaudit/ingest/internal/ingest/store"
	"github.com/proxyaudit/ingest/internal/ingest/tailer"
	"github.com/proxyaudit/ingest/internal/ingest/telemetry"
)

// healthResponse mirrors spec.md §6.1's health heartbeat field set for the
// /healthz endpoint, independent of whether the Redis cache is enabled.
type healthResponse struct {
	NodeID                string  `json:"node_id"`
	State                 string  `json:"state"`
	StartedAt             string  `json:"started_at"`
	LinesReadTotal        int64   `json:"lines_read_total"`
	ParseFailTotal        int64   `json:"parse_fail_total"`
	FilteredTotal         int64   `json:"filtered_total"`
	ErrorLinesReadTotal   int64   `json:"error_lines_read_total"`
	ErrorParseFailTotal   int64   `json:"error_parse_fail_total"`
	ErrorFilteredTotal    int64   `json:"error_filtered_total"`
	BatchesFlushed        int64   `json:"batches_flushed"`
	RawWrittenTotal       int64   `json:"raw_written_total"`
	AccessWrittenTotal    int64   `json:"access_written_total"`
	DNSWrittenTotal       int64   `json:"dns_written_total"`
	ErrorWrittenTotal     int64   `json:"error_written_total"`
	RetentionDeletedTotal int64   `json:"retention_deleted_total"`
	DBWriteFailTotal      int64   `json:"db_write_fail_total"`
	DBLastWriteLatencyMs  float64 `json:"db_last_write_latency_ms"`
	LastEventTime         string  `json:"last_event_time"`
	LastErrorEventTime    string  `json:"last_error_event_time"`
	LastFlushAt           string  `json:"last_flush_time"`
	LastRetentionTime     string  `json:"last_retention_time"`
	LastError             string  `json:"last_error"`
	Inode                 *uint64 `json:"inode"`
	Offset                int64   `json:"offset"`
	ErrorInode            *uint64 `json:"error_inode"`
	ErrorOffset           int64   `json:"error_offset"`
}

func isoOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func main() {
	// Flags cover only process-level options (schema bootstrap and listener
	// addresses); every pipeline setting comes from the AUDIT_* environment
	// via config.FromEnv, and no flag overrides one.
	initSchema := flag.Bool("init-schema", false, "Apply sql/schema.sql to the configured database and exit")
	schemaPath := flag.String("schema-path", "sql/schema.sql", "Path to the DDL file used by -init-schema")
	metricsAddr := flag.String("metrics-addr", ":9464", "Address to serve Prometheus /metrics on")
	healthAddr := flag.String("health-addr", ":9465", "Address to serve /healthz on")
	flag.Parse()

	settings := config.FromEnv()

	st, err := store.Open(settings.DSN())
	if err != nil {
		log.Fatalf("collector: open database: %v", err)
	}
	defer st.Close()

	if *initSchema {
		ddl, err := os.ReadFile(*schemaPath)
		if err != nil {
			log.Fatalf("collector: read schema: %v", err)
		}
		if err := st.ApplySchema(string(ddl)); err != nil {
			log.Fatalf("collector: apply schema: %v", err)
		}
		fmt.Println("collector: schema applied")
		return
	}

	runtimeMgr := runtimeconfig.NewManager(settings, st)
	runtimeMgr.Refresh(true)

	cacheProjector, err := cache.Dial(settings.RedisURL, settings.NodeID, settings.RedisEnabled)
	if err != nil {
		log.Fatalf("collector: dial redis: %v", err)
	}

	accessTailer := tailer.New(settings.LogPath)
	if inode, offset, err := st.LoadState(settings.LogPath); err != nil {
		log.Fatalf("collector: load access state: %v", err)
	} else {
		accessTailer.SetState(inode, offset)
	}

	// errorTailer stays a nil collector.Tailer (not a typed-nil *tailer.Tailer)
	// when the error log is disabled, so the collector's own nil check holds.
	var errorTailer collector.Tailer
	if settings.ErrorLogEnabled {
		et := tailer.New(settings.ErrorLogPath)
		if inode, offset, err := st.LoadState(settings.ErrorLogPath); err != nil {
			log.Fatalf("collector: load error state: %v", err)
		} else {
			et.SetState(inode, offset)
		}
		errorTailer = et
	}

	col := collector.New(settings, runtimeMgr, st, cacheProjector, accessTailer, errorTailer)

	telemetry.StartMetricsEndpoint(*metricsAddr, func(err error) {
		fmt.Printf("collector: metrics endpoint failed: %v\n", err)
	})

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := col.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{
			NodeID:                settings.NodeID,
			State:                 snap.State,
			StartedAt:             isoOrEmpty(snap.StartedAt),
			LinesReadTotal:        snap.LinesReadTotal,
			ParseFailTotal:        snap.ParseFailTotal,
			FilteredTotal:         snap.FilteredTotal,
			ErrorLinesReadTotal:   snap.ErrorLinesReadTotal,
			ErrorParseFailTotal:   snap.ErrorParseFailTotal,
			ErrorFilteredTotal:    snap.ErrorFilteredTotal,
			BatchesFlushed:        snap.BatchesFlushed,
			RawWrittenTotal:       snap.RawWrittenTotal,
			AccessWrittenTotal:    snap.AccessWrittenTotal,
			DNSWrittenTotal:       snap.DNSWrittenTotal,
			ErrorWrittenTotal:     snap.ErrorWrittenTotal,
			RetentionDeletedTotal: snap.RetentionDeletedTotal,
			DBWriteFailTotal:      snap.DBWriteFailTotal,
			DBLastWriteLatencyMs:  snap.DBLastWriteLatencyMs,
			LastEventTime:         isoOrEmpty(snap.LastEventTime),
			LastErrorEventTime:    isoOrEmpty(snap.LastErrorEventTime),
			LastFlushAt:           isoOrEmpty(snap.LastFlushAt),
			LastRetentionTime:     isoOrEmpty(snap.LastRetentionTime),
			LastError:             snap.LastError,
			Inode:                 snap.Inode,
			Offset:                snap.Offset,
			ErrorInode:            snap.ErrorInode,
			ErrorOffset:           snap.ErrorOffset,
		})
	})
	healthServer := &http.Server{Addr: *healthAddr, Handler: healthMux}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("collector: health endpoint failed: %v\n", err)
		}
	}()

	col.Start()
	fmt.Printf("collector: running for node %s, tailing %s\n", settings.NodeID, settings.LogPath)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("collector: shutting down")
	col.Stop()
	fmt.Println("collector: stopped")
}
