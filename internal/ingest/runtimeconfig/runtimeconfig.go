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

// Package runtimeconfig layers a persisted, validated override table on top
// of the immutable config.Settings defaults. See spec.md §4.5.
package runtimeconfig

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/proxyaudit/ingest/internal/ingest/config"
)

// ValueType enumerates the coercion rule applied to one editable field.
type ValueType string

const (
	TypeBool  ValueType = "bool"
	TypeInt   ValueType = "int"
	TypeFloat ValueType = "float"
	TypeEnum  ValueType = "enum"
	TypeCSV   ValueType = "csv"
)

// Field describes one mutable key in the schema: its coercion rule and,
// where applicable, its validation bounds.
type Field struct {
	ConfigKey   string
	Group       string
	Label       string
	Description string
	ValueType   ValueType
	MinValue    *float64
	MaxValue    *float64
	Options     []string
}

// GroupLabels maps a field's Group to its display label.
var GroupLabels = map[string]string{
	"collector": "Collector",
	"filter":    "Filter",
	"retention": "Retention",
	"geoip":     "GeoIP",
	"cache":     "Cache",
}

func floatPtr(v float64) *float64 { return &v }

// Well-known config keys, exported so collector/cmd wiring can reference
// them without repeating string literals.
const (
	KeyBatchSize                    = "AUDIT_BATCH_SIZE"
	KeyFlushIntervalSeconds         = "AUDIT_FLUSH_INTERVAL_SECONDS"
	KeyPollIntervalSeconds          = "AUDIT_POLL_INTERVAL_SECONDS"
	KeyErrorMinLevel                = "AUDIT_ERROR_MIN_LEVEL"
	KeyErrorDropNoise               = "AUDIT_ERROR_DROP_NOISE"
	KeyDropAPIToAPI                 = "AUDIT_DROP_API_TO_API"
	KeyDropLoopbackTraffic          = "AUDIT_DROP_LOOPBACK_TRAFFIC"
	KeyDropInvalidVlessProbe        = "AUDIT_DROP_INVALID_VLESS_PROBE"
	KeyExcludeDetours               = "AUDIT_EXCLUDE_DETOURS"
	KeyRetentionDays                = "AUDIT_RETENTION_DAYS"
	KeyRetentionCleanupIntervalSecs = "AUDIT_RETENTION_CLEANUP_INTERVAL_SECONDS"
	KeyRetentionDeleteBatchSize     = "AUDIT_RETENTION_DELETE_BATCH_SIZE"
	KeyGeoIPEnabled                 = "AUDIT_GEOIP_ENABLED"
	KeyGeoIPTimeoutSeconds          = "AUDIT_GEOIP_TIMEOUT_SECONDS"
	KeyGeoIPCacheTTLHours           = "AUDIT_GEOIP_CACHE_TTL_HOURS"
	KeyGeoIPBatchLimit              = "AUDIT_GEOIP_BATCH_LIMIT"
	KeyRedisEnabled                 = "AUDIT_REDIS_ENABLED"
	KeyAISummaryEnabled             = "AUDIT_AI_SUMMARY_ENABLED"
	KeyAISummaryIntervalSeconds     = "AUDIT_AI_SUMMARY_INTERVAL_SECONDS"
	KeyAISummaryWindowMinutes       = "AUDIT_AI_SUMMARY_WINDOW_MINUTES"
	KeyAISummaryMaxItems            = "AUDIT_AI_SUMMARY_MAX_ITEMS"
)

// EditableFields is the fixed schema of keys Manager may read
// overrides for and UpdateItems may write. Unknown keys are rejected.
var EditableFields = map[string]Field{
	KeyBatchSize: {
		ConfigKey: KeyBatchSize, Group: "collector", Label: "Batch Size",
		Description: "Maximum parsed rows buffered before flush.",
		ValueType:   TypeInt, MinValue: floatPtr(1), MaxValue: floatPtr(20000),
	},
	KeyFlushIntervalSeconds: {
		ConfigKey: KeyFlushIntervalSeconds, Group: "collector", Label: "Flush Interval Seconds",
		Description: "Maximum flush interval even if batch is not full.",
		ValueType:   TypeFloat, MinValue: floatPtr(0.1), MaxValue: floatPtr(30.0),
	},
	KeyPollIntervalSeconds: {
		ConfigKey: KeyPollIntervalSeconds, Group: "collector", Label: "Poll Interval Seconds",
		Description: "Tailer sleep interval when no new lines.",
		ValueType:   TypeFloat, MinValue: floatPtr(0.05), MaxValue: floatPtr(10.0),
	},
	KeyErrorMinLevel: {
		ConfigKey: KeyErrorMinLevel, Group: "filter", Label: "Error Min Level",
		Description: "Minimum level to ingest from error log.",
		ValueType:   TypeEnum, Options: []string{"debug", "info", "warning", "error"},
	},
	KeyErrorDropNoise: {
		ConfigKey: KeyErrorDropNoise, Group: "filter", Label: "Drop Error Noise",
		Description: "Drop known noisy error categories at collector side.",
		ValueType:   TypeBool,
	},
	KeyDropAPIToAPI: {
		ConfigKey: KeyDropAPIToAPI, Group: "filter", Label: "Drop API->API",
		Description: "Drop access events with detour exactly 'api -> api'.",
		ValueType:   TypeBool,
	},
	KeyDropLoopbackTraffic: {
		ConfigKey: KeyDropLoopbackTraffic, Group: "filter", Label: "Drop Loopback Traffic",
		Description: "Drop loopback source/destination access traffic.",
		ValueType:   TypeBool,
	},
	KeyDropInvalidVlessProbe: {
		ConfigKey: KeyDropInvalidVlessProbe, Group: "filter", Label: "Drop Invalid VLESS Probe",
		Description: "Drop rejected invalid-request-version VLESS probe noise.",
		ValueType:   TypeBool,
	},
	KeyExcludeDetours: {
		ConfigKey: KeyExcludeDetours, Group: "filter", Label: "Exclude Detours",
		Description: "Comma separated detours to drop.",
		ValueType:   TypeCSV,
	},
	KeyRetentionDays: {
		ConfigKey: KeyRetentionDays, Group: "retention", Label: "Retention Days",
		Description: "Keep at most this many days in audit tables.",
		ValueType:   TypeInt, MinValue: floatPtr(1), MaxValue: floatPtr(3650),
	},
	KeyRetentionCleanupIntervalSecs: {
		ConfigKey: KeyRetentionCleanupIntervalSecs, Group: "retention", Label: "Retention Cleanup Interval Seconds",
		Description: "How often retention cleanup job runs.",
		ValueType:   TypeInt, MinValue: floatPtr(60), MaxValue: floatPtr(86400),
	},
	KeyRetentionDeleteBatchSize: {
		ConfigKey: KeyRetentionDeleteBatchSize, Group: "retention", Label: "Retention Delete Batch Size",
		Description: "Rows deleted per retention SQL batch.",
		ValueType:   TypeInt, MinValue: floatPtr(100), MaxValue: floatPtr(200000),
	},
	KeyGeoIPEnabled: {
		ConfigKey: KeyGeoIPEnabled, Group: "geoip", Label: "GeoIP Enabled",
		Description: "Enable remote GeoIP lookups for source IP.",
		ValueType:   TypeBool,
	},
	KeyGeoIPTimeoutSeconds: {
		ConfigKey: KeyGeoIPTimeoutSeconds, Group: "geoip", Label: "GeoIP Timeout Seconds",
		Description: "HTTP timeout for GeoIP provider requests.",
		ValueType:   TypeFloat, MinValue: floatPtr(0.5), MaxValue: floatPtr(30.0),
	},
	KeyGeoIPCacheTTLHours: {
		ConfigKey: KeyGeoIPCacheTTLHours, Group: "geoip", Label: "GeoIP Cache TTL Hours",
		Description: "Cache time for IP geo results in DB.",
		ValueType:   TypeInt, MinValue: floatPtr(1), MaxValue: floatPtr(8760),
	},
	KeyGeoIPBatchLimit: {
		ConfigKey: KeyGeoIPBatchLimit, Group: "geoip", Label: "GeoIP Batch Limit",
		Description: "Maximum IP count allowed in one batch API call.",
		ValueType:   TypeInt, MinValue: floatPtr(1), MaxValue: floatPtr(2000),
	},
	KeyRedisEnabled: {
		ConfigKey: KeyRedisEnabled, Group: "cache", Label: "Redis Enabled",
		Description: "Enable redis-backed realtime cache paths.",
		ValueType:   TypeBool,
	},
	KeyAISummaryEnabled: {
		ConfigKey: KeyAISummaryEnabled, Group: "collector", Label: "AI Summary Enabled",
		Description: "Toggle AI summary worker loop without restart.",
		ValueType:   TypeBool,
	},
	KeyAISummaryIntervalSeconds: {
		ConfigKey: KeyAISummaryIntervalSeconds, Group: "collector", Label: "AI Summary Interval Seconds",
		Description: "Polling interval for AI summary worker.",
		ValueType:   TypeInt, MinValue: floatPtr(10), MaxValue: floatPtr(86400),
	},
	KeyAISummaryWindowMinutes: {
		ConfigKey: KeyAISummaryWindowMinutes, Group: "collector", Label: "AI Summary Window Minutes",
		Description: "Window size for AI summary payload.",
		ValueType:   TypeInt, MinValue: floatPtr(1), MaxValue: floatPtr(1440),
	},
	KeyAISummaryMaxItems: {
		ConfigKey: KeyAISummaryMaxItems, Group: "collector", Label: "AI Summary Max Items",
		Description: "Maximum aggregated rows passed to LLM summary.",
		ValueType:   TypeInt, MinValue: floatPtr(20), MaxValue: floatPtr(5000),
	},
}

// OverrideRow is one persisted override as returned by the Store.
type OverrideRow struct {
	ConfigKey string
	ValueJSON string
	UpdatedBy string
	UpdatedAt time.Time
}

// Store is the persistence boundary Manager depends on. The
// store package supplies the MySQL-backed implementation; this interface
// keeps runtimeconfig free of a direct database/sql dependency, mirroring
// the teacher's pluggable Persister seam.
type Store interface {
	RuntimeConfigAll() ([]OverrideRow, error)
	RuntimeConfigUpsert(values map[string]string, changedBy, sourceIP string) error
}

type overrideMeta struct {
	UpdatedBy string
	UpdatedAt time.Time
}

// Manager is the runtime view of configuration: Settings defaults overlaid
// by a TTL-refreshed override cache.
type Manager struct {
	settings config.Settings
	store    Store

	mu           sync.Mutex
	defaults     map[string]any
	overrides    map[string]any
	overrideMeta map[string]overrideMeta
	lastRefresh  time.Time
	ttl          time.Duration
}

// NewManager builds a Manager seeded with defaults derived from settings.
func NewManager(settings config.Settings, store Store) *Manager {
	ttl := settings.RuntimeConfigRefreshSeconds
	if ttl < 1 {
		ttl = 1
	}
	return &Manager{
		settings:     settings,
		store:        store,
		defaults:     defaultsFromSettings(settings),
		overrides:    map[string]any{},
		overrideMeta: map[string]overrideMeta{},
		ttl:          time.Duration(ttl * float64(time.Second)),
	}
}

func defaultsFromSettings(s config.Settings) map[string]any {
	return map[string]any{
		KeyBatchSize:                    s.BatchSize,
		KeyFlushIntervalSeconds:         s.FlushIntervalSeconds,
		KeyPollIntervalSeconds:          s.PollIntervalSeconds,
		KeyErrorMinLevel:                s.ErrorMinLevel,
		KeyErrorDropNoise:               s.ErrorDropNoise,
		KeyDropAPIToAPI:                 s.DropAPIToAPI,
		KeyDropLoopbackTraffic:          s.DropLoopbackTraffic,
		KeyDropInvalidVlessProbe:        s.DropInvalidVlessProbe,
		KeyExcludeDetours:               strings.Join(s.ExcludeDetours, ","),
		KeyRetentionDays:                s.RetentionDays,
		KeyRetentionCleanupIntervalSecs: s.RetentionCleanupIntervalSeconds,
		KeyRetentionDeleteBatchSize:     s.RetentionDeleteBatchSize,
		KeyGeoIPEnabled:                 s.GeoIPEnabled,
		KeyGeoIPTimeoutSeconds:          s.GeoIPTimeoutSeconds,
		KeyGeoIPCacheTTLHours:           s.GeoIPCacheTTLHours,
		KeyGeoIPBatchLimit:              s.GeoIPBatchLimit,
		KeyRedisEnabled:                 s.RedisEnabled,
		KeyAISummaryEnabled:             s.AISummaryEnabled,
		KeyAISummaryIntervalSeconds:     s.AISummaryIntervalSeconds,
		KeyAISummaryWindowMinutes:       s.AISummaryWindowMinutes,
		KeyAISummaryMaxItems:            s.AISummaryMaxItems,
	}
}

// Refresh reloads the override cache from the store if the TTL has elapsed,
// or unconditionally when force is true.
func (m *Manager) Refresh(force bool) {
	now := time.Now()
	m.mu.Lock()
	if !force && now.Sub(m.lastRefresh) < m.ttl {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	rows, err := m.store.RuntimeConfigAll()
	if err != nil {
		return
	}

	overrides := map[string]any{}
	meta := map[string]overrideMeta{}
	for _, row := range rows {
		field, ok := EditableFields[row.ConfigKey]
		if !ok {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(row.ValueJSON), &parsed); err != nil {
			continue
		}
		value, err := normalizeValue(field, parsed)
		if err != nil {
			continue
		}
		overrides[row.ConfigKey] = value
		meta[row.ConfigKey] = overrideMeta{UpdatedBy: row.UpdatedBy, UpdatedAt: row.UpdatedAt}
	}

	m.mu.Lock()
	m.overrides = overrides
	m.overrideMeta = meta
	m.lastRefresh = now
	m.mu.Unlock()
}

// Get returns the override value for key if present, else the default,
// else fallback. It refreshes the cache first (subject to the TTL).
func (m *Manager) Get(key string, fallback any) any {
	m.Refresh(false)
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.overrides[key]; ok {
		return v
	}
	if v, ok := m.defaults[key]; ok {
		return v
	}
	return fallback
}

// GetBool coerces Get's result to bool per the shared token rules.
func (m *Manager) GetBool(key string, fallback bool) bool {
	value := m.Get(key, fallback)
	switch v := value.(type) {
	case bool:
		return v
	case int:
		return v != 0
	case float64:
		return v != 0
	}
	return config.ParseBool(fmt.Sprint(value), fallback)
}

// GetInt coerces Get's result to int, returning fallback if it cannot.
func (m *Manager) GetInt(key string, fallback int) int {
	value := m.Get(key, fallback)
	switch v := value.(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

// GetFloat coerces Get's result to float64, returning fallback if it cannot.
func (m *Manager) GetFloat(key string, fallback float64) float64 {
	value := m.Get(key, fallback)
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetCSVTuple coerces Get's result to a cleaned, non-empty string slice.
func (m *Manager) GetCSVTuple(key string, fallback []string) []string {
	value := m.Get(key, strings.Join(fallback, ","))
	var raw string
	switch v := value.(type) {
	case []any:
		var parts []string
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	case string:
		raw = v
	default:
		raw = fmt.Sprint(v)
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SchemaItem is the public shape of one field in the editable schema,
// including its current default.
type SchemaItem struct {
	ConfigKey    string
	Group        string
	GroupLabel   string
	Label        string
	Description  string
	ValueType    ValueType
	MinValue     *float64
	MaxValue     *float64
	Options      []string
	DefaultValue any
	Editable     bool
}

// SchemaItems returns the fixed schema in a stable, key-sorted order.
func (m *Manager) SchemaItems() []SchemaItem {
	keys := make([]string, 0, len(EditableFields))
	for k := range EditableFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]SchemaItem, 0, len(keys))
	for _, key := range keys {
		field := EditableFields[key]
		groupLabel := GroupLabels[field.Group]
		if groupLabel == "" {
			groupLabel = field.Group
		}
		out = append(out, SchemaItem{
			ConfigKey:    key,
			Group:        field.Group,
			GroupLabel:   groupLabel,
			Label:        field.Label,
			Description:  field.Description,
			ValueType:    field.ValueType,
			MinValue:     field.MinValue,
			MaxValue:     field.MaxValue,
			Options:      field.Options,
			DefaultValue: m.defaults[key],
			Editable:     true,
		})
	}
	return out
}

// CurrentItem is one key's resolved value plus its provenance.
type CurrentItem struct {
	ConfigKey string
	Value     any
	Source    string // "db" or "env"
	UpdatedBy string
	UpdatedAt time.Time
}

// CurrentItems returns every editable key's resolved value and whether it
// came from an override ("db") or the compiled-in default ("env").
func (m *Manager) CurrentItems() []CurrentItem {
	m.Refresh(false)
	keys := make([]string, 0, len(EditableFields))
	for k := range EditableFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CurrentItem, 0, len(keys))
	for _, key := range keys {
		if v, ok := m.overrides[key]; ok {
			meta := m.overrideMeta[key]
			out = append(out, CurrentItem{ConfigKey: key, Value: v, Source: "db", UpdatedBy: meta.UpdatedBy, UpdatedAt: meta.UpdatedAt})
			continue
		}
		out = append(out, CurrentItem{ConfigKey: key, Value: m.defaults[key], Source: "env"})
	}
	return out
}

// UpdateItems validates every key in values against its schema field,
// rejecting the whole batch on the first invalid key, persists the upsert
// and its history row, forces a refresh, and returns the new current items.
func (m *Manager) UpdateItems(values map[string]any, changedBy, sourceIP string) ([]CurrentItem, error) {
	normalized := make(map[string]string, len(values))
	for key, raw := range values {
		field, ok := EditableFields[key]
		if !ok {
			return nil, fmt.Errorf("unsupported config key: %s", key)
		}
		value, err := normalizeValue(field, raw)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		normalized[key] = string(encoded)
	}

	if err := m.store.RuntimeConfigUpsert(normalized, changedBy, sourceIP); err != nil {
		return nil, err
	}
	m.Refresh(true)
	return m.CurrentItems(), nil
}

func normalizeValue(field Field, raw any) (any, error) {
	switch field.ValueType {
	case TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case int:
			return v != 0, nil
		}
		txt := strings.ToLower(strings.TrimSpace(fmt.Sprint(raw)))
		switch txt {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off":
			return false, nil
		}
		return nil, fmt.Errorf("%s expects bool", field.ConfigKey)

	case TypeInt:
		value, err := coerceFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects int: %w", field.ConfigKey, err)
		}
		if err := checkRange(field, value); err != nil {
			return nil, err
		}
		return int(value), nil

	case TypeFloat:
		value, err := coerceFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects float: %w", field.ConfigKey, err)
		}
		if err := checkRange(field, value); err != nil {
			return nil, err
		}
		return value, nil

	case TypeEnum:
		value := strings.ToLower(strings.TrimSpace(fmt.Sprint(raw)))
		for _, opt := range field.Options {
			if opt == value {
				return value, nil
			}
		}
		return nil, fmt.Errorf("%s expects one of %v", field.ConfigKey, field.Options)

	case TypeCSV:
		switch v := raw.(type) {
		case []any:
			var parts []string
			for _, item := range v {
				if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
					parts = append(parts, s)
				}
			}
			return strings.Join(parts, ","), nil
		default:
			var parts []string
			for _, part := range strings.Split(fmt.Sprint(raw), ",") {
				if s := strings.TrimSpace(part); s != "" {
					parts = append(parts, s)
				}
			}
			return strings.Join(parts, ","), nil
		}
	}
	return fmt.Sprint(raw), nil
}

func coerceFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return strconv.ParseFloat(fmt.Sprint(raw), 64)
	}
}

func checkRange(field Field, value float64) error {
	if field.MinValue != nil && value < *field.MinValue {
		return fmt.Errorf("%s must be >= %v", field.ConfigKey, *field.MinValue)
	}
	if field.MaxValue != nil && value > *field.MaxValue {
		return fmt.Errorf("%s must be <= %v", field.ConfigKey, *field.MaxValue)
	}
	return nil
}
