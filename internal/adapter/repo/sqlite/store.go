// Package sqlite persists synced business data, scheduler configuration, and
// the terminal job audit in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/erpqueue/internal/domain"
	"github.com/fairyhunter13/erpqueue/internal/handlers"
)

// Interval bounds for scheduled syncs, in minutes.
const (
	MinSyncIntervalMinutes = 5
	MaxSyncIntervalMinutes = 1440
)

// DefaultSyncIntervalMinutes applies to sync types with no stored override.
const DefaultSyncIntervalMinutes = 60

const schema = `
CREATE TABLE IF NOT EXISTS sync_rows (
	user_id    TEXT NOT NULL,
	dataset    TEXT NOT NULL,
	row_key    TEXT NOT NULL,
	fields     TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, dataset, row_key)
);
CREATE TABLE IF NOT EXISTS sync_intervals (
	op_type    TEXT PRIMARY KEY,
	minutes    INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS job_audit (
	job_id      TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	op_type     TEXT NOT NULL,
	state       TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL,
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_audit_type_time ON job_audit(op_type, finished_at);
CREATE INDEX IF NOT EXISTS idx_job_audit_user ON job_audit(user_id);
`

// Store wraps the embedded database. A single Store is shared by the sync
// handlers, the scheduler, and the HTTP layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.open: %w", err)
	}
	// The sqlite driver is single-writer; serializing through one connection
	// avoids SQLITE_BUSY churn under concurrent upserts.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=sqlite.migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("op=sqlite.ping: %w", err)
	}
	return nil
}

// UpsertBatch writes one batch of synced rows in a single transaction and
// returns the number of rows written. Implements handlers.SyncStore.
func (s *Store) UpsertBatch(ctx context.Context, userID, dataset string, rows []handlers.Row) (int, error) {
	tracer := otel.Tracer("repo.sqlite")
	ctx, span := tracer.Start(ctx, "sync_rows.UpsertBatch")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("op=sync.upsert_begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sync_rows (user_id, dataset, row_key, fields, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, dataset, row_key)
		DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at`)
	if err != nil {
		return 0, fmt.Errorf("op=sync.upsert_prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, r := range rows {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return 0, fmt.Errorf("op=sync.upsert_marshal key=%s: %w", r.Key, err)
		}
		if _, err := stmt.ExecContext(ctx, userID, dataset, r.Key, string(fields), now); err != nil {
			return 0, fmt.Errorf("op=sync.upsert_exec key=%s: %w", r.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("op=sync.upsert_commit: %w", err)
	}
	return len(rows), nil
}

// CountRows returns the number of synced rows for a user and dataset.
func (s *Store) CountRows(ctx context.Context, userID, dataset string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_rows WHERE user_id = ? AND dataset = ?`, userID, dataset).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=sync.count: %w", err)
	}
	return n, nil
}

// Intervals returns the effective sync interval per sync type, filling the
// default for types with no stored override.
func (s *Store) Intervals(ctx context.Context) (map[domain.OpType]int, error) {
	out := make(map[domain.OpType]int, len(domain.SyncOpTypes))
	for _, t := range domain.SyncOpTypes {
		out[t] = DefaultSyncIntervalMinutes
	}
	rows, err := s.db.QueryContext(ctx, `SELECT op_type, minutes FROM sync_intervals`)
	if err != nil {
		return nil, fmt.Errorf("op=intervals.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var t string
		var m int
		if err := rows.Scan(&t, &m); err != nil {
			return nil, fmt.Errorf("op=intervals.scan: %w", err)
		}
		if _, known := out[domain.OpType(t)]; known {
			out[domain.OpType(t)] = m
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=intervals.rows: %w", err)
	}
	return out, nil
}

// SetInterval stores the sync interval for one sync type, bounded to
// [MinSyncIntervalMinutes, MaxSyncIntervalMinutes].
func (s *Store) SetInterval(ctx context.Context, t domain.OpType, minutes int) error {
	if !t.IsSync() {
		return fmt.Errorf("%w: %q is not a scheduled sync type", domain.ErrInvalidArgument, t)
	}
	if minutes < MinSyncIntervalMinutes || minutes > MaxSyncIntervalMinutes {
		return fmt.Errorf("%w: interval %d outside [%d, %d] minutes",
			domain.ErrInvalidArgument, minutes, MinSyncIntervalMinutes, MaxSyncIntervalMinutes)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_intervals (op_type, minutes, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (op_type) DO UPDATE SET minutes = excluded.minutes, updated_at = excluded.updated_at`,
		string(t), minutes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=intervals.set: %w", err)
	}
	return nil
}

// ActiveUsers returns users seen in the audit within the window. The
// scheduler uses this to decide whose syncs to enqueue.
func (s *Store) ActiveUsers(ctx context.Context, window time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM job_audit WHERE finished_at >= ? ORDER BY user_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=audit.active_users: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("op=audit.active_users_scan: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=audit.active_users_rows: %w", err)
	}
	return out, nil
}

// AuditRecord is one terminal job outcome.
type AuditRecord struct {
	JobID      string          `json:"job_id"`
	UserID     string          `json:"user_id"`
	Type       domain.OpType   `json:"type"`
	State      domain.JobState `json:"state"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	FinishedAt time.Time       `json:"finished_at"`
}

// RecordTerminal persists a terminal job outcome. Implements
// processor.Auditor; the queue's own record expires, this one does not.
func (s *Store) RecordTerminal(ctx context.Context, job domain.Job, state domain.JobState, errMsg string) error {
	tracer := otel.Tracer("repo.sqlite")
	ctx, span := tracer.Start(ctx, "job_audit.RecordTerminal")
	defer span.End()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_audit (job_id, user_id, op_type, state, error, attempts, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			state = excluded.state, error = excluded.error,
			attempts = excluded.attempts, finished_at = excluded.finished_at`,
		job.ID, job.UserID, string(job.Type), string(state), errMsg, job.Attempts, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=audit.record: %w", err)
	}
	return nil
}

// GetAudit loads the terminal record for a job id.
func (s *Store) GetAudit(ctx context.Context, jobID string) (AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, user_id, op_type, state, error, attempts, finished_at
		FROM job_audit WHERE job_id = ?`, jobID)
	var rec AuditRecord
	if err := row.Scan(&rec.JobID, &rec.UserID, &rec.Type, &rec.State, &rec.Error, &rec.Attempts, &rec.FinishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuditRecord{}, fmt.Errorf("op=audit.get: %w", domain.ErrNotFound)
		}
		return AuditRecord{}, fmt.Errorf("op=audit.get: %w", err)
	}
	return rec, nil
}

// SyncStatus returns the most recent terminal outcome per sync type for a
// user. Types that never ran are absent from the result.
func (s *Store) SyncStatus(ctx context.Context, userID string) (map[domain.OpType]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.job_id, a.user_id, a.op_type, a.state, a.error, a.attempts, a.finished_at
		FROM job_audit a
		JOIN (
			SELECT op_type, MAX(finished_at) AS latest
			FROM job_audit WHERE user_id = ? AND op_type LIKE 'sync-%'
			GROUP BY op_type
		) last ON last.op_type = a.op_type AND last.latest = a.finished_at
		WHERE a.user_id = ?`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("op=audit.sync_status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[domain.OpType]AuditRecord)
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.JobID, &rec.UserID, &rec.Type, &rec.State, &rec.Error, &rec.Attempts, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("op=audit.sync_status_scan: %w", err)
		}
		out[rec.Type] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=audit.sync_status_rows: %w", err)
	}
	return out, nil
}
