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

// Package cache is the ephemeral, best-effort realtime projection used by
// read paths: per-minute domain buckets, active users, a recent-events
// ring, and the health heartbeat. Never authoritative. See spec.md §4.7.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/proxyaudit/ingest/internal/ingest/model"
	"github.com/redis/go-redis/v9"
)

// Projector pipelines cache updates per flush. A nil/disabled client makes
// every method a no-op, matching the original's optional-client shape.
type Projector struct {
	client redis.Cmdable
	nodeID string
}

// New wraps an existing Cmdable (typically *redis.Client from ParseURL).
// Pass a nil client to build a disabled projector.
func New(client redis.Cmdable, nodeID string) *Projector {
	return &Projector{client: client, nodeID: nodeID}
}

// Dial parses a redis:// URL and opens a client, mirroring
// redis.Redis.from_url. When enabled is false it returns a disabled,
// no-op projector (non-nil) and a nil error.
func Dial(redisURL, nodeID string, enabled bool) (*Projector, error) {
	if !enabled {
		return New(nil, nodeID), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	return New(redis.NewClient(opts), nodeID), nil
}

func (p *Projector) enabled() bool { return p.client != nil }

func (p *Projector) minuteBucketKey(t time.Time) string {
	return fmt.Sprintf("audit:domains:%s:%s", p.nodeID, t.UTC().Format("200601021504"))
}

func (p *Projector) activeUsersKey() string  { return fmt.Sprintf("audit:active_users:%s", p.nodeID) }
func (p *Projector) recentEventsKey() string { return fmt.Sprintf("audit:recent_events:%s", p.nodeID) }
func (p *Projector) healthKey() string       { return fmt.Sprintf("audit:health:%s", p.nodeID) }

// HealthSnapshot is the set of Collector stats published to the heartbeat
// hash, matching the fields read back by the health API. See spec.md §6.1.
type HealthSnapshot struct {
	NodeID                string
	State                 string
	StartedAt             time.Time
	LinesReadTotal        int64
	ParseFailTotal        int64
	FilteredTotal         int64
	ErrorLinesReadTotal   int64
	ErrorParseFailTotal   int64
	ErrorFilteredTotal    int64
	BatchesFlushed        int64
	RawWrittenTotal       int64
	AccessWrittenTotal    int64
	DNSWrittenTotal       int64
	ErrorWrittenTotal     int64
	RetentionDeletedTotal int64
	DBWriteFailTotal      int64
	DBLastWriteLatencyMs  float64
	LastEventTime         time.Time
	LastErrorEventTime    time.Time
	LastFlushAt           time.Time
	LastRetentionTime     time.Time
	LastError             string
	Inode                 *uint64
	Offset                int64
	ErrorInode            *uint64
	ErrorOffset           int64
}

// PublishHealth writes a snapshot of Collector stats to the heartbeat hash
// and sets its 300-second expiry. A no-op when disabled.
func (p *Projector) PublishHealth(ctx context.Context, snap HealthSnapshot) error {
	if !p.enabled() {
		return nil
	}
	fields := map[string]string{
		"node_id":                  snap.NodeID,
		"state":                    snap.State,
		"started_at":               isoOrEmpty(snap.StartedAt),
		"lines_read_total":         fmt.Sprint(snap.LinesReadTotal),
		"parse_fail_total":         fmt.Sprint(snap.ParseFailTotal),
		"filtered_total":           fmt.Sprint(snap.FilteredTotal),
		"error_lines_read_total":   fmt.Sprint(snap.ErrorLinesReadTotal),
		"error_parse_fail_total":   fmt.Sprint(snap.ErrorParseFailTotal),
		"error_filtered_total":     fmt.Sprint(snap.ErrorFilteredTotal),
		"batches_flushed":          fmt.Sprint(snap.BatchesFlushed),
		"raw_written_total":        fmt.Sprint(snap.RawWrittenTotal),
		"access_written_total":     fmt.Sprint(snap.AccessWrittenTotal),
		"dns_written_total":        fmt.Sprint(snap.DNSWrittenTotal),
		"error_written_total":      fmt.Sprint(snap.ErrorWrittenTotal),
		"retention_deleted_total":  fmt.Sprint(snap.RetentionDeletedTotal),
		"db_write_fail_total":      fmt.Sprint(snap.DBWriteFailTotal),
		"db_last_write_latency_ms": fmt.Sprint(snap.DBLastWriteLatencyMs),
		"last_event_time":          isoOrEmpty(snap.LastEventTime),
		"last_error_event_time":    isoOrEmpty(snap.LastErrorEventTime),
		"last_flush_time":          isoOrEmpty(snap.LastFlushAt),
		"last_retention_time":      isoOrEmpty(snap.LastRetentionTime),
		"last_error":               snap.LastError,
		"inode":                    inodeOrEmpty(snap.Inode),
		"offset":                   fmt.Sprint(snap.Offset),
		"error_inode":              inodeOrEmpty(snap.ErrorInode),
		"error_offset":             fmt.Sprint(snap.ErrorOffset),
	}

	pipe := p.client.Pipeline()
	pipe.HSet(ctx, p.healthKey(), fields)
	pipe.Expire(ctx, p.healthKey(), 300*time.Second)
	_, err := pipe.Exec(ctx)
	return err
}

func isoOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func inodeOrEmpty(inode *uint64) string {
	if inode == nil {
		return ""
	}
	return fmt.Sprint(*inode)
}

// GetHealth reads back the heartbeat hash, or nil if disabled or absent.
func (p *Projector) GetHealth(ctx context.Context) (map[string]string, error) {
	if !p.enabled() {
		return nil, nil
	}
	data, err := p.client.HGetAll(ctx, p.healthKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

type compactEvent struct {
	EventTime  string `json:"event_time"`
	EventType  string `json:"event_type"`
	Raw        string `json:"raw"`
	Email      string `json:"email,omitempty"`
	DestHost   string `json:"dest_host,omitempty"`
	DestRaw    string `json:"dest_raw,omitempty"`
	Status     string `json:"status,omitempty"`
	Confidence string `json:"confidence,omitempty"`
	DNSServer  string `json:"dns_server,omitempty"`
	Domain     string `json:"domain,omitempty"`
	DNSStatus  string `json:"dns_status,omitempty"`
}

// UpdateFromEvents pipelines the per-minute domain buckets, active-users
// set, and recent-events ring update for one flushed batch. A no-op when
// disabled or the batch is empty.
func (p *Projector) UpdateFromEvents(ctx context.Context, events []*model.ParsedEvent) error {
	if !p.enabled() || len(events) == 0 {
		return nil
	}

	nowUnix := time.Now().Unix()
	activeKey := p.activeUsersKey()
	recentKey := p.recentEventsKey()

	pipe := p.client.Pipeline()
	for _, ev := range events {
		compact := compactEvent{
			EventTime: ev.EventTime.UTC().Format(time.RFC3339Nano),
			EventType: string(ev.EventType),
			Raw:       ev.RawLine,
		}

		if ev.Access != nil {
			a := ev.Access
			compact.Email = a.UserEmail
			compact.DestHost = a.DestHost
			compact.DestRaw = a.DestRaw
			compact.Status = a.Status
			compact.Confidence = a.Confidence

			if a.DestHost != "" {
				bucketKey := p.minuteBucketKey(ev.EventTime)
				pipe.ZIncrBy(ctx, bucketKey, 1, a.DestHost)
				pipe.Expire(ctx, bucketKey, 900*time.Second)
			}
			if a.UserEmail != "" && a.UserEmail != "unknown" {
				pipe.ZAdd(ctx, activeKey, redis.Z{Score: float64(ev.EventTime.Unix()), Member: a.UserEmail})
			}
		}

		if ev.DNS != nil {
			d := ev.DNS
			compact.DNSServer = d.DNSServer
			compact.Domain = d.Domain
			compact.DNSStatus = d.DNSStatus
		}

		encoded, err := json.Marshal(compact)
		if err != nil {
			return fmt.Errorf("cache: encode compact event: %w", err)
		}
		pipe.LPush(ctx, recentKey, string(encoded))
	}

	pipe.LTrim(ctx, recentKey, 0, 999)
	pipe.Expire(ctx, recentKey, 900*time.Second)
	pipe.ZRemRangeByScore(ctx, activeKey, "0", fmt.Sprint(nowUnix-3600))
	pipe.Expire(ctx, activeKey, 7200*time.Second)

	_, err := pipe.Exec(ctx)
	return err
}

// DomainHit is one ranked entry from TopDomains.
type DomainHit struct {
	Domain string
	Hits   int64
}

// TopDomains unions the last `minutes` per-minute buckets into a temporary
// set and returns the top `limit` domains by hit count.
func (p *Projector) TopDomains(ctx context.Context, minutes, limit int) ([]DomainHit, error) {
	if !p.enabled() {
		return nil, nil
	}

	now := time.Now().UTC().Truncate(time.Minute)
	keys := make([]string, 0, minutes)
	for i := 0; i < minutes; i++ {
		keys = append(keys, p.minuteBucketKey(now.Add(-time.Duration(i)*time.Minute)))
	}

	var existing []string
	for _, k := range keys {
		n, err := p.client.Exists(ctx, k).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			existing = append(existing, k)
		}
	}
	if len(existing) == 0 {
		return nil, nil
	}

	tempKey := fmt.Sprintf("audit:tmp:domains:%s:%d", p.nodeID, time.Now().Unix())
	if limit < 1 {
		limit = 1
	}

	pipe := p.client.Pipeline()
	pipe.ZUnionStore(ctx, tempKey, &redis.ZStore{Keys: existing})
	pipe.Expire(ctx, tempKey, 10*time.Second)
	rangeCmd := pipe.ZRevRangeWithScores(ctx, tempKey, 0, int64(limit-1))
	pipe.Del(ctx, tempKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	values, err := rangeCmd.Result()
	if err != nil {
		return nil, err
	}
	out := make([]DomainHit, 0, len(values))
	for _, z := range values {
		domain, _ := z.Member.(string)
		out = append(out, DomainHit{Domain: domain, Hits: int64(z.Score)})
	}
	return out, nil
}

// ActiveUser is one ranked entry from ActiveUsers.
type ActiveUser struct {
	UserEmail    string
	LastSeenUnix int64
}

// ActiveUsers returns up to `limit` users seen within the last `seconds`,
// most recent first.
func (p *Projector) ActiveUsers(ctx context.Context, seconds, limit int) ([]ActiveUser, error) {
	if !p.enabled() {
		return nil, nil
	}
	nowUnix := time.Now().Unix()
	minScore := nowUnix - int64(seconds)
	if minScore < 0 {
		minScore = 0
	}

	rows, err := p.client.ZRevRangeByScoreWithScores(ctx, p.activeUsersKey(), &redis.ZRangeBy{
		Max:    fmt.Sprint(nowUnix),
		Min:    fmt.Sprint(minScore),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]ActiveUser, 0, len(rows))
	for _, z := range rows {
		email, _ := z.Member.(string)
		out = append(out, ActiveUser{UserEmail: email, LastSeenUnix: int64(z.Score)})
	}
	return out, nil
}
