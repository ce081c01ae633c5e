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

// Package collector orchestrates the two Tailers, the two Parsers, the
// Filter, batching, flush cadence, retention cycle, and health publishing.
// See spec.md §4.8.
package collector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/proxyaudit/ingest/internal/ingest/accesslog"
	"github.com/proxyaudit/ingest/internal/ingest/cache"
	"github.com/proxyaudit/ingest/internal/ingest/config"
	"github.com/proxyaudit/ingest/internal/ingest/errorlog"
	"github.com/proxyaudit/ingest/internal/ingest/filter"
	"github.com/proxyaudit/ingest/internal/ingest/model"
	"github.com/proxyaudit/ingest/internal/ingest/runtimeconfig"
	"github.com/proxyaudit/ingest/internal/ingest/store"
	"github.com/proxyaudit/ingest/internal/ingest/telemetry"
)

// Tailer is the subset of *tailer.Tailer the Collector depends on.
type Tailer interface {
	ReadNewLines(maxLines int) ([]string, error)
	State() (*uint64, int64)
	SetState(inode *uint64, offset int64)
}

// RuntimeConfig is the subset of *runtimeconfig.Manager the Collector
// depends on to re-derive its knobs every loop iteration.
type RuntimeConfig interface {
	Refresh(force bool)
	Get(key string, fallback any) any
	GetInt(key string, fallback int) int
	GetFloat(key string, fallback float64) float64
	GetBool(key string, fallback bool) bool
	GetCSVTuple(key string, fallback []string) []string
}

// Store is the subset of *store.Store the Collector writes through.
type Store interface {
	LoadState(filePath string) (*uint64, int64, error)
	SaveState(filePath string, inode *uint64, offset int64) error
	IngestEvents(batch []*model.ParsedEvent, nodeID string) (store.Counts, error)
	IngestErrorEvents(batch []*model.ParsedErrorEvent, nodeID string) (int, error)
	PruneOldEvents(retentionDays, deleteBatchSize int) (int, error)
}

// Cache is the subset of *cache.Projector the Collector pushes to.
type Cache interface {
	UpdateFromEvents(ctx context.Context, events []*model.ParsedEvent) error
	PublishHealth(ctx context.Context, snap cache.HealthSnapshot) error
}

// Stats mirrors the fields published to the realtime health heartbeat and
// the /metrics endpoint. See spec.md §6.1.
type Stats struct {
	State                 string
	StartedAt             time.Time
	LinesReadTotal        int64
	ParseFailTotal        int64
	FilteredTotal         int64
	ErrorLinesReadTotal   int64
	ErrorParseFailTotal   int64
	ErrorFilteredTotal    int64
	DBWriteFailTotal      int64
	RetentionDeletedTotal int64
	BatchesFlushed        int64
	RawWrittenTotal       int64
	AccessWrittenTotal    int64
	DNSWrittenTotal       int64
	ErrorWrittenTotal     int64
	DBLastWriteLatencyMs  float64
	LastFlushAt           time.Time
	LastEventTime         time.Time
	LastErrorEventTime    time.Time
	LastRetentionTime     time.Time
	LastError             string
	Inode                 *uint64
	Offset                int64
	ErrorInode            *uint64
	ErrorOffset           int64
}

// statsBox guards a Stats behind a mutex; Stats itself stays plain data so
// Stats() copies cleanly for callers.
type statsBox struct {
	mu   sync.Mutex
	data Stats
}

func (s *statsBox) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func (s *statsBox) setState(state string) {
	s.mu.Lock()
	s.data.State = state
	s.mu.Unlock()
}

func (s *statsBox) setError(msg string) {
	s.mu.Lock()
	s.data.LastError = msg
	s.mu.Unlock()
}

// Collector is the single-worker orchestrator described in spec.md §4.8.
// It is not safe for concurrent use beyond the Start/Stop lifecycle.
type Collector struct {
	settings config.Settings
	runtime  RuntimeConfig
	store    Store
	cache    Cache

	access      Tailer
	errorTailer Tailer

	stats statsBox

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32

	lastFlush     time.Time
	lastRetention time.Time
}

// New wires a Collector from its dependencies. errorTailer may be nil when
// the error log is disabled.
func New(settings config.Settings, runtime RuntimeConfig, st Store, c Cache, access, errorTailer Tailer) *Collector {
	now := time.Now()
	col := &Collector{
		settings:      settings,
		runtime:       runtime,
		store:         st,
		cache:         c,
		access:        access,
		errorTailer:   errorTailer,
		stopChan:      make(chan struct{}),
		lastFlush:     now,
		lastRetention: now,
	}
	col.stats.data.StartedAt = now
	return col
}

// Stats returns a point-in-time copy of the collector's counters.
func (c *Collector) Stats() Stats { return c.stats.snapshot() }

// Start launches the orchestration loop in its own goroutine.
func (c *Collector) Start() {
	c.stats.setState("Running")
	fmt.Println("collector: starting")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop()
	}()
}

// Stop signals the loop to exit. It blocks until the loop has drained its
// in-memory batches with one final flush attempt and returned.
func (c *Collector) Stop() {
	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return
	}
	fmt.Println("collector: stopping")
	close(c.stopChan)
	c.wg.Wait()
	c.stats.setState("Stopped")
}

// loop runs the cooperative loop body from spec.md §4.8, one iteration per
// poll_interval (or immediately when either tailer yielded lines).
func (c *Collector) loop() {
	for {
		select {
		case <-c.stopChan:
			c.runIteration(true)
			return
		default:
			pollInterval := c.runIteration(false)
			if pollInterval > 0 {
				select {
				case <-time.After(pollInterval):
				case <-c.stopChan:
					c.runIteration(true)
					return
				}
			}
		}
	}
}

// runIteration executes one pass of the §4.8 loop body. When final is true
// it drains both tailers with one best-effort flush and does not sleep.
func (c *Collector) runIteration(final bool) time.Duration {
	c.stats.setState("Running")
	c.runtime.Refresh(false)

	batchSize := c.runtime.GetInt(runtimeconfig.KeyBatchSize, c.settings.BatchSize)
	flushInterval := time.Duration(c.runtime.GetFloat(runtimeconfig.KeyFlushIntervalSeconds, c.settings.FlushIntervalSeconds) * float64(time.Second))
	pollInterval := time.Duration(c.runtime.GetFloat(runtimeconfig.KeyPollIntervalSeconds, c.settings.PollIntervalSeconds) * float64(time.Second))
	minErrorLevel := fmt.Sprint(c.runtime.Get(runtimeconfig.KeyErrorMinLevel, c.settings.ErrorMinLevel))
	errorDropNoise := c.runtime.GetBool(runtimeconfig.KeyErrorDropNoise, c.settings.ErrorDropNoise)
	retentionDays := c.runtime.GetInt(runtimeconfig.KeyRetentionDays, c.settings.RetentionDays)
	retentionInterval := time.Duration(c.runtime.GetInt(runtimeconfig.KeyRetentionCleanupIntervalSecs, c.settings.RetentionCleanupIntervalSeconds)) * time.Second
	retentionBatch := c.runtime.GetInt(runtimeconfig.KeyRetentionDeleteBatchSize, c.settings.RetentionDeleteBatchSize)

	filterCfg := filter.Config{
		DropAPIToAPI:          c.runtime.GetBool(runtimeconfig.KeyDropAPIToAPI, c.settings.DropAPIToAPI),
		DropLoopbackTraffic:   c.runtime.GetBool(runtimeconfig.KeyDropLoopbackTraffic, c.settings.DropLoopbackTraffic),
		DropInvalidVlessProbe: c.runtime.GetBool(runtimeconfig.KeyDropInvalidVlessProbe, c.settings.DropInvalidVlessProbe),
		ExcludeDetours:        toSet(c.runtime.GetCSVTuple(runtimeconfig.KeyExcludeDetours, c.settings.ExcludeDetours)),
	}
	minLevel := model.ErrorLevel(minErrorLevel)

	accessMax := batchSize * 4
	if accessMax < 64 {
		accessMax = 64
	}
	errorMax := batchSize * 2
	if errorMax < 32 {
		errorMax = 32
	}

	var accessBatch []*model.ParsedEvent
	var errorBatch []*model.ParsedErrorEvent
	var lastEventTime time.Time
	var lastErrorEventTime time.Time
	totalLinesRead := 0

	accessLines, err := c.access.ReadNewLines(accessMax)
	if err != nil {
		return c.handleLoopError(fmt.Errorf("read access log: %w", err))
	}
	totalLinesRead += len(accessLines)
	for _, line := range accessLines {
		telemetry.LinesReadTotal.WithLabelValues("access").Inc()
		c.bumpLinesRead()
		ev, perr := accesslog.Parse(line)
		if perr != nil || ev == nil {
			telemetry.ParseFailTotal.WithLabelValues("access").Inc()
			c.bumpParseFail()
			continue
		}
		if ev.Access != nil && filter.ShouldDrop(filter.AccessEvent{
			Src:      ev.Access.Src,
			DestRaw:  ev.Access.DestRaw,
			DestHost: ev.Access.DestHost,
			Status:   ev.Access.Status,
			Detour:   ev.Access.Detour,
			Reason:   ev.Access.Reason,
		}, filterCfg) {
			telemetry.FilteredTotal.WithLabelValues("access").Inc()
			c.bumpFiltered()
			continue
		}
		accessBatch = append(accessBatch, ev)
		if ev.EventTime.After(lastEventTime) {
			lastEventTime = ev.EventTime
		}
	}

	if c.errorTailer != nil {
		errLines, eerr := c.errorTailer.ReadNewLines(errorMax)
		if eerr != nil {
			return c.handleLoopError(fmt.Errorf("read error log: %w", eerr))
		}
		totalLinesRead += len(errLines)
		for _, line := range errLines {
			telemetry.LinesReadTotal.WithLabelValues("error").Inc()
			c.bumpErrorLinesRead()
			ev, perr := errorlog.Parse(line)
			if perr != nil || ev == nil {
				telemetry.ParseFailTotal.WithLabelValues("error").Inc()
				c.bumpErrorParseFail()
				continue
			}
			if model.LevelRank(ev.Level) < model.LevelRank(minLevel) {
				telemetry.FilteredTotal.WithLabelValues("error").Inc()
				c.bumpErrorFiltered()
				continue
			}
			if errorDropNoise && ev.IsNoise {
				telemetry.FilteredTotal.WithLabelValues("error").Inc()
				c.bumpErrorFiltered()
				continue
			}
			errorBatch = append(errorBatch, ev)
			if ev.EventTime.After(lastErrorEventTime) {
				lastErrorEventTime = ev.EventTime
			}
		}
	}

	shouldFlush := final
	if !shouldFlush && (len(accessBatch) > 0 || len(errorBatch) > 0) {
		sizeReached := len(accessBatch)+len(errorBatch) >= batchSize
		timeReached := time.Since(c.lastFlush) >= flushInterval
		shouldFlush = sizeReached || timeReached
	}

	if shouldFlush && (len(accessBatch) > 0 || len(errorBatch) > 0) {
		if err := c.flush(accessBatch, errorBatch, lastEventTime, lastErrorEventTime); err != nil {
			return c.handleLoopError(err)
		}
	}

	if retentionInterval > 0 && time.Since(c.lastRetention) >= retentionInterval {
		c.lastRetention = time.Now()
		deleted, err := c.store.PruneOldEvents(retentionDays, retentionBatch)
		if err != nil {
			return c.handleLoopError(fmt.Errorf("prune retention: %w", err))
		}
		telemetry.RetentionDeletedTotal.Add(float64(deleted))
		c.bumpRetentionDeleted(int64(deleted))
		c.bumpLastRetentionTime(c.lastRetention)
		c.publishHealth()
	}

	if totalLinesRead == 0 {
		c.publishHealth()
	}

	if final || totalLinesRead > 0 {
		return 0
	}
	return pollInterval
}

// flush implements the §4.8.1 protocol.
func (c *Collector) flush(accessBatch []*model.ParsedEvent, errorBatch []*model.ParsedErrorEvent, lastEventTime, lastErrorEventTime time.Time) error {
	c.stats.setState("Flushing")
	start := time.Now()
	ctx := context.Background()
	flushID := uuid.New().String()

	if len(accessBatch) > 0 {
		counts, err := c.store.IngestEvents(accessBatch, c.settings.NodeID)
		if err != nil {
			return fmt.Errorf("ingest access batch: %w", err)
		}
		if err := c.cache.UpdateFromEvents(ctx, accessBatch); err != nil {
			fmt.Printf("collector: cache update failed, continuing: %v\n", err)
		}
		inode, offset := c.access.State()
		if err := c.store.SaveState(c.settings.LogPath, inode, offset); err != nil {
			return fmt.Errorf("save access state: %w", err)
		}
		c.bumpWritten(counts)
	}

	if len(errorBatch) > 0 {
		written, err := c.store.IngestErrorEvents(errorBatch, c.settings.NodeID)
		if err != nil {
			return fmt.Errorf("ingest error batch: %w", err)
		}
		if c.errorTailer != nil {
			inode, offset := c.errorTailer.State()
			if err := c.store.SaveState(c.settings.ErrorLogPath, inode, offset); err != nil {
				return fmt.Errorf("save error state: %w", err)
			}
		}
		c.bumpErrorWritten(written)
	}

	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)

	c.stats.mu.Lock()
	c.stats.data.BatchesFlushed++
	c.stats.data.LastFlushAt = time.Now()
	c.stats.data.DBLastWriteLatencyMs = latencyMs
	if lastEventTime.After(c.stats.data.LastEventTime) {
		c.stats.data.LastEventTime = lastEventTime
	}
	if lastErrorEventTime.After(c.stats.data.LastErrorEventTime) {
		c.stats.data.LastErrorEventTime = lastErrorEventTime
	}
	c.stats.data.LastError = ""
	c.stats.data.State = "Running"
	c.stats.mu.Unlock()

	c.lastFlush = time.Now()
	telemetry.FlushDuration.Observe(time.Since(start).Seconds())
	telemetry.BatchSize.Observe(float64(len(accessBatch) + len(errorBatch)))
	fmt.Printf("collector: flush %s committed %d access, %d error events in %s\n",
		flushID, len(accessBatch), len(errorBatch), time.Since(start))
	c.publishHealth()
	return nil
}

// handleLoopError implements §4.8 step 7: record the error, publish health,
// and request a short retry sleep.
func (c *Collector) handleLoopError(err error) time.Duration {
	telemetry.DBWriteFailTotal.Inc()
	c.bumpDBWriteFail()
	c.stats.setError(err.Error())
	fmt.Printf("collector: loop error: %v\n", err)
	c.publishHealth()
	return time.Second
}

func (c *Collector) publishHealth() {
	c.refreshCursorStats()
	snap := c.stats.snapshot()
	err := c.cache.PublishHealth(context.Background(), cache.HealthSnapshot{
		NodeID:                c.settings.NodeID,
		State:                 snap.State,
		StartedAt:             snap.StartedAt,
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
		LastEventTime:         snap.LastEventTime,
		LastErrorEventTime:    snap.LastErrorEventTime,
		LastFlushAt:           snap.LastFlushAt,
		LastRetentionTime:     snap.LastRetentionTime,
		LastError:             snap.LastError,
		Inode:                 snap.Inode,
		Offset:                snap.Offset,
		ErrorInode:            snap.ErrorInode,
		ErrorOffset:           snap.ErrorOffset,
	})
	if err != nil {
		fmt.Printf("collector: publish health failed, continuing: %v\n", err)
	}
}

// refreshCursorStats captures the tailers' current (inode, offset) cursors
// into Stats so the health heartbeat reflects exactly what was last read,
// independent of whether a flush has happened yet.
func (c *Collector) refreshCursorStats() {
	inode, offset := c.access.State()
	var errInode *uint64
	var errOffset int64
	if c.errorTailer != nil {
		errInode, errOffset = c.errorTailer.State()
	}
	c.stats.mu.Lock()
	c.stats.data.Inode = inode
	c.stats.data.Offset = offset
	c.stats.data.ErrorInode = errInode
	c.stats.data.ErrorOffset = errOffset
	c.stats.mu.Unlock()
}

func (c *Collector) bumpLinesRead() {
	c.stats.mu.Lock()
	c.stats.data.LinesReadTotal++
	c.stats.mu.Unlock()
}

func (c *Collector) bumpParseFail() {
	c.stats.mu.Lock()
	c.stats.data.ParseFailTotal++
	c.stats.mu.Unlock()
}

func (c *Collector) bumpFiltered() {
	c.stats.mu.Lock()
	c.stats.data.FilteredTotal++
	c.stats.mu.Unlock()
}

func (c *Collector) bumpErrorLinesRead() {
	c.stats.mu.Lock()
	c.stats.data.ErrorLinesReadTotal++
	c.stats.mu.Unlock()
}

func (c *Collector) bumpErrorParseFail() {
	c.stats.mu.Lock()
	c.stats.data.ErrorParseFailTotal++
	c.stats.mu.Unlock()
}

func (c *Collector) bumpErrorFiltered() {
	c.stats.mu.Lock()
	c.stats.data.ErrorFilteredTotal++
	c.stats.mu.Unlock()
}

func (c *Collector) bumpLastRetentionTime(t time.Time) {
	c.stats.mu.Lock()
	c.stats.data.LastRetentionTime = t
	c.stats.mu.Unlock()
}

func (c *Collector) bumpDBWriteFail() {
	c.stats.mu.Lock()
	c.stats.data.DBWriteFailTotal++
	c.stats.mu.Unlock()
}

func (c *Collector) bumpRetentionDeleted(n int64) {
	c.stats.mu.Lock()
	c.stats.data.RetentionDeletedTotal += n
	c.stats.mu.Unlock()
}

func (c *Collector) bumpWritten(counts store.Counts) {
	c.stats.mu.Lock()
	c.stats.data.RawWrittenTotal += int64(counts.Raw)
	c.stats.data.AccessWrittenTotal += int64(counts.Access)
	c.stats.data.DNSWrittenTotal += int64(counts.DNS)
	c.stats.mu.Unlock()
}

func (c *Collector) bumpErrorWritten(n int) {
	c.stats.mu.Lock()
	c.stats.data.ErrorWrittenTotal += int64(n)
	c.stats.mu.Unlock()
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		out[v] = struct{}{}
	}
	return out
}
