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

package collector

import (
	"context"
	"testing"
	"time"

	"github.com/proxyaudit/ingest/internal/ingest/cache"
	"github.com/proxyaudit/ingest/internal/ingest/config"
	"github.com/proxyaudit/ingest/internal/ingest/model"
	"github.com/proxyaudit/ingest/internal/ingest/store"
	"github.com/stretchr/testify/require"
)

// fakeTailer hands out one queued line batch per ReadNewLines call.
type fakeTailer struct {
	batches [][]string
	calls   int
	offset  int64
}

func (f *fakeTailer) ReadNewLines(maxLines int) ([]string, error) {
	if f.calls >= len(f.batches) {
		return nil, nil
	}
	lines := f.batches[f.calls]
	f.calls++
	f.offset += int64(len(lines))
	return lines, nil
}

func (f *fakeTailer) State() (*uint64, int64)              { return nil, f.offset }
func (f *fakeTailer) SetState(inode *uint64, offset int64) {}

// fakeRuntimeConfig always returns the caller's fallback, exercising the
// collector's default settings path without a live Manager.
type fakeRuntimeConfig struct{}

func (fakeRuntimeConfig) Refresh(bool)                                     {}
func (fakeRuntimeConfig) Get(_ string, fallback any) any                   { return fallback }
func (fakeRuntimeConfig) GetInt(_ string, fallback int) int                { return fallback }
func (fakeRuntimeConfig) GetFloat(_ string, fallback float64) float64      { return fallback }
func (fakeRuntimeConfig) GetBool(_ string, fallback bool) bool             { return fallback }
func (fakeRuntimeConfig) GetCSVTuple(_ string, fallback []string) []string { return fallback }

// fakeStore records the calls the collector makes against persistent state.
type fakeStore struct {
	ingestCalls      int
	ingestErrorCalls int
	saveStateCalls   int
	pruneCalls       int
	accessCount      int
	errorCount       int
	ingestErr        error
	pruneDeleted     int
}

func (f *fakeStore) LoadState(string) (*uint64, int64, error) { return nil, 0, nil }

func (f *fakeStore) SaveState(string, *uint64, int64) error {
	f.saveStateCalls++
	return nil
}

func (f *fakeStore) IngestEvents(batch []*model.ParsedEvent, nodeID string) (store.Counts, error) {
	f.ingestCalls++
	f.accessCount += len(batch)
	if f.ingestErr != nil {
		return store.Counts{}, f.ingestErr
	}
	return store.Counts{Raw: len(batch), Access: len(batch)}, nil
}

func (f *fakeStore) IngestErrorEvents(batch []*model.ParsedErrorEvent, nodeID string) (int, error) {
	f.ingestErrorCalls++
	f.errorCount += len(batch)
	return len(batch), nil
}

func (f *fakeStore) PruneOldEvents(int, int) (int, error) {
	f.pruneCalls++
	return f.pruneDeleted, nil
}

// fakeCache records cache pushes without needing a live Redis server.
type fakeCache struct {
	updateCalls int
	healthCalls int
}

func (f *fakeCache) UpdateFromEvents(context.Context, []*model.ParsedEvent) error {
	f.updateCalls++
	return nil
}

func (f *fakeCache) PublishHealth(context.Context, cache.HealthSnapshot) error {
	f.healthCalls++
	return nil
}

func testSettings() config.Settings {
	return config.Settings{
		NodeID:               "node-1",
		LogPath:              "/var/log/proxy/access.log",
		BatchSize:            2,
		FlushIntervalSeconds: 30,
		PollIntervalSeconds:  1,
		ErrorMinLevel:        "warning",
	}
}

const acceptedLine = "2026/02/18 10:00:00.123456 from 1.2.3.4:12345 accepted tcp:example.com:443 [socks-in -> direct] email: user@example.com"
const rejectedLine = "2026/02/18 10:00:01.000000 from 5.6.7.8:9 rejected tcp:10.0.0.1:80 blocked by policy"
const unparsableLine = "not a valid log line at all"

func TestRunIterationFlushesOnSizeThreshold(t *testing.T) {
	access := &fakeTailer{batches: [][]string{{acceptedLine, rejectedLine}}}
	st := &fakeStore{}
	c := &fakeCache{}
	col := New(testSettings(), fakeRuntimeConfig{}, st, c, access, nil)

	col.runIteration(false)

	require.Equal(t, 1, st.ingestCalls)
	require.Equal(t, 2, st.accessCount)
	require.Equal(t, 1, st.saveStateCalls)
	require.Equal(t, 1, c.updateCalls)
	require.Equal(t, int64(1), col.Stats().BatchesFlushed)
}

func TestRunIterationParseFailureIsCountedAndSkipped(t *testing.T) {
	access := &fakeTailer{batches: [][]string{{unparsableLine}}}
	st := &fakeStore{}
	c := &fakeCache{}
	col := New(testSettings(), fakeRuntimeConfig{}, st, c, access, nil)

	col.runIteration(false)

	require.Equal(t, int64(1), col.Stats().ParseFailTotal)
	require.Equal(t, 0, st.ingestCalls)
}

func TestRunIterationHoldsBatchBelowSizeAndTimeThreshold(t *testing.T) {
	access := &fakeTailer{batches: [][]string{{acceptedLine}}}
	st := &fakeStore{}
	c := &fakeCache{}
	settings := testSettings()
	settings.BatchSize = 10
	settings.FlushIntervalSeconds = 300
	col := New(settings, fakeRuntimeConfig{}, st, c, access, nil)

	col.runIteration(false)

	require.Equal(t, 0, st.ingestCalls)
}

func TestRunIterationFinalDrainsRegardlessOfThreshold(t *testing.T) {
	access := &fakeTailer{batches: [][]string{{acceptedLine}}}
	st := &fakeStore{}
	c := &fakeCache{}
	settings := testSettings()
	settings.BatchSize = 10
	settings.FlushIntervalSeconds = 300
	col := New(settings, fakeRuntimeConfig{}, st, c, access, nil)

	col.runIteration(true)

	require.Equal(t, 1, st.ingestCalls)
}

func TestRunIterationErrorBatchFiltersBelowMinLevel(t *testing.T) {
	access := &fakeTailer{}
	errTailer := &fakeTailer{batches: [][]string{{
		"2026/02/18 10:11:55.397153 [Info] proxy/vless/encoding: invalid request version from 1.2.3.4:2222",
	}}}
	st := &fakeStore{}
	c := &fakeCache{}
	settings := testSettings()
	settings.ErrorMinLevel = "warning"
	col := New(settings, fakeRuntimeConfig{}, st, c, access, errTailer)

	col.runIteration(true)

	require.Equal(t, 0, st.ingestErrorCalls)
}

func TestRunIterationPublishesHealthWhenIdle(t *testing.T) {
	access := &fakeTailer{}
	st := &fakeStore{}
	c := &fakeCache{}
	col := New(testSettings(), fakeRuntimeConfig{}, st, c, access, nil)

	sleep := col.runIteration(false)

	require.True(t, sleep > 0)
	require.Equal(t, 1, c.healthCalls)
}

func TestRunIterationSurfacesIngestErrorAndSleepsOneSecond(t *testing.T) {
	access := &fakeTailer{batches: [][]string{{acceptedLine}}}
	st := &fakeStore{ingestErr: errBoom{}}
	c := &fakeCache{}
	col := New(testSettings(), fakeRuntimeConfig{}, st, c, access, nil)

	sleep := col.runIteration(true)

	require.Equal(t, time.Second, sleep)
	require.NotEmpty(t, col.Stats().LastError)
	require.Equal(t, int64(1), col.Stats().DBWriteFailTotal)
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
