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

// Package store is the MySQL-backed StateStore: tailer offset persistence,
// transactional batch ingestion keyed by raw_hash, retention pruning, and
// the runtime_config override table. See spec.md §4.6 and §9.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/proxyaudit/ingest/internal/ingest/model"
	"github.com/proxyaudit/ingest/internal/ingest/runtimeconfig"
)

// ApplySchema executes the DDL in ddl (as found in sql/schema.sql) against
// the store's connection, one statement at a time — the driver is not
// opened with multiStatements, so a single multi-statement Exec would fail.
func (s *Store) ApplySchema(ddl string) error {
	if err := s.ensureConn(); err != nil {
		return err
	}
	for _, stmt := range splitStatements(ddl) {
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	var out []string
	for _, raw := range strings.Split(ddl, ";") {
		if stmt := strings.TrimSpace(raw); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Counts tallies one ingest_events call's outcome.
type Counts struct {
	Raw    int
	Access int
	DNS    int
}

// Store is the MySQL-backed implementation of the state/event persistence
// boundary. It holds a single *sql.DB pool; the single collector worker
// goroutine serializes flushes, so no additional locking is required here.
type Store struct {
	dsn string
	db  *sql.DB
}

// Open establishes the MySQL connection pool. Ping failures surface
// immediately so startup fails fast rather than deferring to first flush.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{dsn: dsn, db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ensureConn mirrors the original ping-then-reconnect contract: a dead pool
// is replaced wholesale rather than retried transparently, so a caller
// observing an error here knows the next flush attempt starts clean.
func (s *Store) ensureConn() error {
	if err := s.db.Ping(); err != nil {
		s.db.Close()
		db, openErr := sql.Open("mysql", s.dsn)
		if openErr != nil {
			return openErr
		}
		s.db = db
		return db.Ping()
	}
	return nil
}

// LoadState returns the persisted (inode, offset) for file_path, or
// (nil, 0) when no row exists.
func (s *Store) LoadState(filePath string) (*uint64, int64, error) {
	if err := s.ensureConn(); err != nil {
		return nil, 0, err
	}
	var inode sql.NullInt64
	var offset int64
	row := s.db.QueryRow("SELECT inode, last_offset FROM collector_state WHERE file_path=?", filePath)
	if err := row.Scan(&inode, &offset); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	if !inode.Valid {
		return nil, offset, nil
	}
	v := uint64(inode.Int64)
	return &v, offset, nil
}

// SaveState upserts the persisted cursor for file_path.
func (s *Store) SaveState(filePath string, inode *uint64, offset int64) error {
	if err := s.ensureConn(); err != nil {
		return err
	}
	var inodeArg any
	if inode != nil {
		inodeArg = int64(*inode)
	}
	_, err := s.db.Exec(
		`INSERT INTO collector_state(file_path, inode, last_offset, updated_at)
		 VALUES (?, ?, ?, NOW(6))
		 ON DUPLICATE KEY UPDATE inode=VALUES(inode), last_offset=VALUES(last_offset), updated_at=NOW(6)`,
		filePath, inodeArg, offset,
	)
	return err
}

// IngestEvents upserts a batch of parsed access/DNS events plus their raw
// rows, in one transaction keyed by raw_hash for idempotent replay.
func (s *Store) IngestEvents(batch []*model.ParsedEvent, nodeID string) (Counts, error) {
	var counts Counts
	if len(batch) == 0 {
		return counts, nil
	}
	if err := s.ensureConn(); err != nil {
		return counts, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return counts, err
	}
	defer tx.Rollback()

	for _, ev := range batch {
		res, err := tx.Exec(
			`INSERT INTO audit_raw_events(event_time, event_type, raw_line, raw_hash, node_id, ingested_at)
			 VALUES (?, ?, ?, ?, ?, NOW(6))
			 ON DUPLICATE KEY UPDATE id=LAST_INSERT_ID(id), raw_line=VALUES(raw_line)`,
			ev.EventTime, string(ev.EventType), ev.RawLine, ev.RawHash, nodeID,
		)
		if err != nil {
			return counts, fmt.Errorf("store: insert raw event: %w", err)
		}
		rawID, err := res.LastInsertId()
		if err != nil {
			return counts, fmt.Errorf("store: raw event id: %w", err)
		}
		counts.Raw++

		switch {
		case ev.Access != nil:
			a := ev.Access
			_, err := tx.Exec(
				`INSERT INTO audit_access_events(
					raw_event_id, event_time, user_email, src, dest_raw, dest_host, dest_port,
					status, detour, reason, is_domain, confidence
				 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON DUPLICATE KEY UPDATE
					user_email=VALUES(user_email), src=VALUES(src), dest_raw=VALUES(dest_raw),
					dest_host=VALUES(dest_host), dest_port=VALUES(dest_port), status=VALUES(status),
					detour=VALUES(detour), reason=VALUES(reason), is_domain=VALUES(is_domain),
					confidence=VALUES(confidence)`,
				rawID, a.EventTime, a.UserEmail, a.Src, a.DestRaw, a.DestHost, nullableInt(a.DestPort),
				a.Status, a.Detour, a.Reason, boolToInt(a.IsDomain), a.Confidence,
			)
			if err != nil {
				return counts, fmt.Errorf("store: insert access event: %w", err)
			}
			counts.Access++

		case ev.DNS != nil:
			d := ev.DNS
			_, err := tx.Exec(
				`INSERT INTO audit_dns_events(
					raw_event_id, event_time, dns_server, domain, ips_json, dns_status, elapsed_ms, error_text
				 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON DUPLICATE KEY UPDATE
					dns_server=VALUES(dns_server), domain=VALUES(domain), ips_json=VALUES(ips_json),
					dns_status=VALUES(dns_status), elapsed_ms=VALUES(elapsed_ms), error_text=VALUES(error_text)`,
				rawID, d.EventTime, d.DNSServer, d.Domain, d.IPsJSON, d.DNSStatus, nullableInt(d.ElapsedMs), d.ErrorText,
			)
			if err != nil {
				return counts, fmt.Errorf("store: insert dns event: %w", err)
			}
			counts.DNS++
		}
	}

	if err := tx.Commit(); err != nil {
		return counts, err
	}
	return counts, nil
}

// IngestErrorEvents upserts a batch of classified error events in one
// transaction keyed by raw_hash.
func (s *Store) IngestErrorEvents(batch []*model.ParsedErrorEvent, nodeID string) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	if err := s.ensureConn(); err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, ev := range batch {
		_, err := tx.Exec(
			`INSERT INTO audit_error_events(
				event_time, level, session_id, component, message,
				src, dest_raw, dest_host, dest_port, category,
				signature_hash, is_noise, raw_line, raw_hash, node_id, ingested_at
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(6))
			 ON DUPLICATE KEY UPDATE
				level=VALUES(level), session_id=VALUES(session_id), component=VALUES(component),
				message=VALUES(message), src=VALUES(src), dest_raw=VALUES(dest_raw),
				dest_host=VALUES(dest_host), dest_port=VALUES(dest_port), category=VALUES(category),
				signature_hash=VALUES(signature_hash), is_noise=VALUES(is_noise),
				raw_line=VALUES(raw_line), ingested_at=NOW(6)`,
			ev.EventTime, string(ev.Level), nullableInt(ev.SessionID), ev.Component, ev.Message,
			ev.Src, ev.DestRaw, ev.DestHost, nullableInt(ev.DestPort), string(ev.Category),
			ev.SignatureHash, boolToInt(ev.IsNoise), ev.RawLine, ev.RawHash, nodeID,
		)
		if err != nil {
			return inserted, fmt.Errorf("store: insert error event: %w", err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return inserted, err
	}
	return inserted, nil
}

var retentionTables = []struct {
	table   string
	timeCol string
}{
	{"audit_raw_events", "event_time"},
	{"audit_error_events", "event_time"},
	{"audit_auth_events", "event_time"},
	{"audit_runtime_config_history", "changed_at"},
}

// PruneOldEvents deletes rows older than retentionDays from every
// retention-governed table, in chunks of deleteBatchSize committed per
// chunk, until a chunk returns fewer rows than the limit.
func (s *Store) PruneOldEvents(retentionDays, deleteBatchSize int) (int, error) {
	if retentionDays <= 0 || deleteBatchSize <= 0 {
		return 0, nil
	}
	if err := s.ensureConn(); err != nil {
		return 0, err
	}

	total := 0
	for _, rt := range retentionTables {
		for {
			query := fmt.Sprintf(
				`DELETE FROM %s WHERE id IN (
					SELECT id FROM (
						SELECT id FROM %s
						WHERE %s < (NOW(6) - INTERVAL ? DAY)
						ORDER BY id
						LIMIT ?
					) t
				)`, rt.table, rt.table, rt.timeCol)
			res, err := s.db.Exec(query, retentionDays, deleteBatchSize)
			if err != nil {
				return total, fmt.Errorf("store: prune %s: %w", rt.table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return total, err
			}
			total += int(n)
			if int(n) < deleteBatchSize {
				break
			}
		}
	}
	return total, nil
}

// RuntimeConfigAll implements runtimeconfig.Store: returns every persisted
// override row, sorted by config_key.
func (s *Store) RuntimeConfigAll() ([]runtimeconfig.OverrideRow, error) {
	if err := s.ensureConn(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query("SELECT config_key, value_json, updated_by, updated_at FROM audit_runtime_config ORDER BY config_key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []runtimeconfig.OverrideRow
	for rows.Next() {
		var r runtimeconfig.OverrideRow
		var updatedBy sql.NullString
		var updatedAt sql.NullTime
		if err := rows.Scan(&r.ConfigKey, &r.ValueJSON, &updatedBy, &updatedAt); err != nil {
			return nil, err
		}
		r.UpdatedBy = updatedBy.String
		r.UpdatedAt = updatedAt.Time
		out = append(out, r)
	}
	return out, rows.Err()
}

// RuntimeConfigUpsert implements runtimeconfig.Store: upserts each key's
// current value and appends a history row recording the prior value.
func (s *Store) RuntimeConfigUpsert(values map[string]string, changedBy, sourceIP string) error {
	if len(values) == 0 {
		return nil
	}
	if err := s.ensureConn(); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for key, newJSON := range values {
		var oldJSON sql.NullString
		row := tx.QueryRow("SELECT value_json FROM audit_runtime_config WHERE config_key=? LIMIT 1", key)
		if err := row.Scan(&oldJSON); err != nil && err != sql.ErrNoRows {
			return err
		}

		valueType := jsonValueType(newJSON)
		if _, err := tx.Exec(
			`INSERT INTO audit_runtime_config(config_key, value_json, value_type, scope, updated_by, updated_at)
			 VALUES (?, ?, ?, 'runtime', ?, NOW(6))
			 ON DUPLICATE KEY UPDATE
				value_json=VALUES(value_json), value_type=VALUES(value_type),
				updated_by=VALUES(updated_by), updated_at=NOW(6)`,
			key, newJSON, valueType, changedBy,
		); err != nil {
			return fmt.Errorf("store: upsert runtime config %s: %w", key, err)
		}

		if _, err := tx.Exec(
			`INSERT INTO audit_runtime_config_history(
				config_key, old_value_json, new_value_json, changed_by, source_ip, changed_at
			 ) VALUES (?, ?, ?, ?, ?, NOW(6))`,
			key, nullString(oldJSON), newJSON, changedBy, sourceIP,
		); err != nil {
			return fmt.Errorf("store: insert runtime config history %s: %w", key, err)
		}
	}

	return tx.Commit()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	return v.String
}

func jsonValueType(rawJSON string) string {
	var v any
	if err := json.Unmarshal([]byte(rawJSON), &v); err != nil {
		return "str"
	}
	switch v.(type) {
	case bool:
		return "bool"
	case float64:
		return "float"
	case string:
		return "str"
	default:
		return "str"
	}
}
