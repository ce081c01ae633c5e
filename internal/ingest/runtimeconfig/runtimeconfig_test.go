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

package runtimeconfig

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/proxyaudit/ingest/internal/ingest/config"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	rows        map[string]OverrideRow
	upsertCalls int
	lastValues  map[string]string
	lastBy      string
	lastIP      string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]OverrideRow{}}
}

func (f *fakeStore) RuntimeConfigAll() ([]OverrideRow, error) {
	out := make([]OverrideRow, 0, len(f.rows))
	for _, r := range f.rows {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) RuntimeConfigUpsert(values map[string]string, changedBy, sourceIP string) error {
	f.upsertCalls++
	f.lastValues = values
	f.lastBy = changedBy
	f.lastIP = sourceIP
	for k, v := range values {
		f.rows[k] = OverrideRow{ConfigKey: k, ValueJSON: v, UpdatedBy: changedBy, UpdatedAt: time.Now()}
	}
	return nil
}

func testSettings() config.Settings {
	s := config.FromEnv()
	s.BatchSize = 300
	s.RuntimeConfigRefreshSeconds = 3
	return s
}

func TestGetFallsBackToDefaultThenOverride(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(testSettings(), store)

	require.Equal(t, 300, mgr.Get(KeyBatchSize, 1))

	raw, _ := json.Marshal(128)
	store.rows[KeyBatchSize] = OverrideRow{ConfigKey: KeyBatchSize, ValueJSON: string(raw)}
	mgr.Refresh(true)
	require.Equal(t, 128, mgr.Get(KeyBatchSize, 1))
}

func TestUpdateItemsRejectsUnknownKey(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(testSettings(), store)

	_, err := mgr.UpdateItems(map[string]any{"NOT_A_KEY": 1}, "alice", "10.0.0.1")
	require.Error(t, err)
	require.Equal(t, 0, store.upsertCalls)
}

func TestUpdateItemsRejectsOutOfRange(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(testSettings(), store)

	_, err := mgr.UpdateItems(map[string]any{KeyBatchSize: 999999}, "alice", "10.0.0.1")
	require.Error(t, err)
}

func TestUpdateItemsRejectsInvalidEnum(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(testSettings(), store)

	_, err := mgr.UpdateItems(map[string]any{KeyErrorMinLevel: "catastrophic"}, "alice", "10.0.0.1")
	require.Error(t, err)
}

func TestUpdateItemsPersistsAndForcesRefresh(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(testSettings(), store)

	items, err := mgr.UpdateItems(map[string]any{KeyBatchSize: 500}, "alice", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 1, store.upsertCalls)
	require.Equal(t, "alice", store.lastBy)

	var found bool
	for _, it := range items {
		if it.ConfigKey == KeyBatchSize {
			require.Equal(t, "db", it.Source)
			require.Equal(t, 500, it.Value)
			found = true
		}
	}
	require.True(t, found)
}

func TestGetCSVTupleParsesCommaList(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(testSettings(), store)
	raw, _ := json.Marshal("a,b, c")
	store.rows[KeyExcludeDetours] = OverrideRow{ConfigKey: KeyExcludeDetours, ValueJSON: string(raw)}
	mgr.Refresh(true)
	require.Equal(t, []string{"a", "b", "c"}, mgr.GetCSVTuple(KeyExcludeDetours, nil))
}

func TestGetBoolCoercesOverride(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(testSettings(), store)
	raw, _ := json.Marshal(true)
	store.rows[KeyDropAPIToAPI] = OverrideRow{ConfigKey: KeyDropAPIToAPI, ValueJSON: string(raw)}
	mgr.Refresh(true)
	require.True(t, mgr.GetBool(KeyDropAPIToAPI, false))
}

func TestSchemaItemsCoverAllKeys(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(testSettings(), store)
	items := mgr.SchemaItems()
	require.Len(t, items, len(EditableFields))
}

func TestRefreshSkipsUnknownKeysAndBadJSON(t *testing.T) {
	store := newFakeStore()
	store.rows["AUDIT_NOT_EDITABLE"] = OverrideRow{ConfigKey: "AUDIT_NOT_EDITABLE", ValueJSON: "123"}
	store.rows[KeyBatchSize] = OverrideRow{ConfigKey: KeyBatchSize, ValueJSON: "{not json"}
	mgr := NewManager(testSettings(), store)
	mgr.Refresh(true)
	require.Equal(t, 300, mgr.Get(KeyBatchSize, 1))
}
