// Package store is the persistence layer: an append-only audit log, daily
// usage accumulation, cooldown expiry, and a best-effort recovery
// snapshot, all kept in a local SQLite database opened in WAL mode.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/launcherd/launcherd/pkg/policytypes"
)

const sqliteConnParams = "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"

// SQLiteStore is the production Store implementation. All methods issue
// single-statement transactions; there is no cross-call locking because
// SQLite's own busy-timeout plus WAL mode serialize writers adequately
// for the single-writer access pattern the orchestrator guarantees.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the SQLite database at path and runs
// any pending migrations.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+sqliteConnParams)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// dayKey truncates t to its local calendar day, used as the usage table's
// grouping key. A delta that crosses midnight is not split: it is credited
// whole to the day passed in.
func dayKey(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

// DailyUsage returns the accumulated usage for entryID on day's calendar
// date.
func (s *SQLiteStore) DailyUsage(entryID policytypes.EntryId, day time.Time) (time.Duration, error) {
	var seconds int64
	err := s.db.QueryRow(
		`select seconds_used from usage where entry_id = ? and day = ?`,
		string(entryID), dayKey(day),
	).Scan(&seconds)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: daily usage query: %w", err)
	}
	return time.Duration(seconds) * time.Second, nil
}

// RecordUsage adds delta to the entry's accumulated usage for day's
// calendar date. RecordUsage performs no splitting: a delta that spans
// midnight is credited whole to day's date.
func (s *SQLiteStore) RecordUsage(entryID policytypes.EntryId, day time.Time, delta time.Duration) error {
	_, err := s.db.Exec(
		`insert into usage (entry_id, day, seconds_used) values (?, ?, ?)
		 on conflict(entry_id, day) do update set seconds_used = seconds_used + excluded.seconds_used`,
		string(entryID), dayKey(day), int64(delta/time.Second),
	)
	if err != nil {
		return fmt.Errorf("store: record usage: %w", err)
	}
	return nil
}

// CooldownUntil returns the timestamp at which entryID's cooldown lifts,
// if one is set.
func (s *SQLiteStore) CooldownUntil(entryID policytypes.EntryId) (time.Time, bool, error) {
	var until string
	err := s.db.QueryRow(`select until from cooldowns where entry_id = ?`, string(entryID)).Scan(&until)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: cooldown query: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, until)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: parse stored cooldown timestamp: %w", err)
	}
	return t, true, nil
}

// SetCooldown records that entryID may not be launched again until until.
func (s *SQLiteStore) SetCooldown(entryID policytypes.EntryId, until time.Time) error {
	_, err := s.db.Exec(
		`insert into cooldowns (entry_id, until) values (?, ?)
		 on conflict(entry_id) do update set until = excluded.until`,
		string(entryID), until.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: set cooldown: %w", err)
	}
	return nil
}

// AppendAudit writes one row to the append-only audit log.
func (s *SQLiteStore) AppendAudit(event policytypes.AuditEvent) error {
	fields, err := json.Marshal(event.Fields)
	if err != nil {
		return fmt.Errorf("store: marshal audit fields: %w", err)
	}
	_, err = s.db.Exec(
		`insert into audit_log (ts, event_type, fields) values (?, ?, ?)`,
		event.Timestamp.Format(time.RFC3339Nano), string(event.Type), string(fields),
	)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// QueryAudit returns up to limit audit events at or after since, oldest
// first.
func (s *SQLiteStore) QueryAudit(ctx context.Context, since time.Time, limit int) ([]policytypes.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`select ts, event_type, fields from audit_log where ts >= ? order by id asc limit ?`,
		since.Format(time.RFC3339Nano), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []policytypes.AuditEvent
	for rows.Next() {
		var ts, eventType, fieldsJSON string
		if err := rows.Scan(&ts, &eventType, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("store: scan audit row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("store: parse audit timestamp: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, fmt.Errorf("store: unmarshal audit fields: %w", err)
		}
		events = append(events, policytypes.AuditEvent{Timestamp: t, Type: policytypes.AuditEventType(eventType), Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate audit rows: %w", err)
	}
	return events, nil
}

// Snapshot is the recovery-snapshot row: a best-effort point-in-time
// record of the active session, written after every state transition so
// the next startup can log what was active at a crash; it is never used
// to resume or reconcile a session. Supplemented
// from original_source, which snapshots on every transition rather than
// only at shutdown.
type Snapshot struct {
	TakenAt time.Time
	State   json.RawMessage
}

// SaveSnapshot overwrites the single snapshot row. Writes are best-effort
// from the caller's perspective: the orchestrator logs a failed write and
// carries on.
func (s *SQLiteStore) SaveSnapshot(snap Snapshot) error {
	_, err := s.db.Exec(
		`insert into snapshot (id, taken_at, state_json) values (1, ?, ?)
		 on conflict(id) do update set taken_at = excluded.taken_at, state_json = excluded.state_json`,
		snap.TakenAt.Format(time.RFC3339Nano), string(snap.State),
	)
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the last saved snapshot, if any.
func (s *SQLiteStore) LoadSnapshot() (Snapshot, bool, error) {
	var takenAt, stateJSON string
	err := s.db.QueryRow(`select taken_at, state_json from snapshot where id = 1`).Scan(&takenAt, &stateJSON)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("store: load snapshot: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, takenAt)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("store: parse snapshot timestamp: %w", err)
	}
	return Snapshot{TakenAt: t, State: json.RawMessage(stateJSON)}, true, nil
}

// ClearSnapshot removes the recovery snapshot, called once a session ends
// cleanly so a stale snapshot is never mistaken for a crash to recover.
func (s *SQLiteStore) ClearSnapshot() error {
	_, err := s.db.Exec(`delete from snapshot where id = 1`)
	if err != nil {
		return fmt.Errorf("store: clear snapshot: %w", err)
	}
	return nil
}
