package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/0x6d61/sqlmapbatch/internal/finding"
)

// SQLiteStore implements Store using SQLite via modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
	now func() time.Time
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	mode        TEXT NOT NULL,
	input       TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT '',
	findings    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS tasks (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	target_key   TEXT NOT NULL,
	target       TEXT NOT NULL,
	task_id      TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	deleted      INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL,
	finished_at  TEXT NOT NULL,
	summary_json TEXT NOT NULL DEFAULT '',
	raw_data     BLOB
);
CREATE INDEX IF NOT EXISTS idx_tasks_target_key ON tasks(target_key);
CREATE INDEX IF NOT EXISTS idx_tasks_run_id ON tasks(run_id);
`

// NewSQLiteStore opens (and migrates) the ledger at dbPath; use ":memory:"
// for testing.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create tables: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("ledger: zstd decoder: %w", err)
	}

	return &SQLiteStore{db: db, enc: enc, dec: dec, now: time.Now}, nil
}

// StartRun inserts a new run and returns it.
func (s *SQLiteStore) StartRun(ctx context.Context, mode, input string) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Mode:      mode,
		Input:     input,
		StartedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, mode, input, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Mode, run.Input, formatTime(run.StartedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: start run: %w", err)
	}
	return run, nil
}

// FinishRun stamps the run's end time and finding count.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, findings int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, findings = ? WHERE id = ?`,
		formatTime(s.now().UTC()), findings, runID,
	)
	if err != nil {
		return fmt.Errorf("ledger: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: finish run: unknown run %q", runID)
	}
	return nil
}

// RecordTask upserts rec. If rec.ID is empty, a new UUID is assigned.
func (s *SQLiteStore) RecordTask(ctx context.Context, rec *TaskRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = now
	}

	var summaryJSON string
	if rec.Summary != nil {
		b, err := json.Marshal(rec.Summary)
		if err != nil {
			return fmt.Errorf("ledger: marshal summary: %w", err)
		}
		summaryJSON = string(b)
	}

	var raw []byte
	if len(rec.RawData) > 0 {
		raw = s.enc.EncodeAll(rec.RawData, nil)
	}

	query := `
		INSERT INTO tasks (id, run_id, target_key, target, task_id, state, error, deleted,
			created_at, finished_at, summary_json, raw_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id      = excluded.task_id,
			state        = excluded.state,
			error        = excluded.error,
			deleted      = excluded.deleted,
			finished_at  = excluded.finished_at,
			summary_json = excluded.summary_json,
			raw_data     = excluded.raw_data
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.RunID, rec.TargetKey, rec.Target, rec.TaskID, rec.State, rec.Error,
		boolToInt(rec.Deleted), formatTime(rec.CreatedAt), formatTime(rec.FinishedAt),
		summaryJSON, raw,
	)
	if err != nil {
		return fmt.Errorf("ledger: record task: %w", err)
	}
	return nil
}

// DoneKeys returns the target keys whose most recent task ended DONE.
// SKIPPED rows never had a task and do not count as an attempt.
func (s *SQLiteStore) DoneKeys(ctx context.Context) ([]string, error) {
	query := `
		SELECT t.target_key FROM tasks t
		WHERE t.seq = (SELECT MAX(seq) FROM tasks WHERE target_key = t.target_key AND state != 'SKIPPED')
		  AND t.state = 'DONE'
		ORDER BY t.seq
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger: done keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("ledger: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate rows: %w", err)
	}
	return keys, nil
}

// Runs lists runs, newest first. limit <= 0 means no limit.
func (s *SQLiteStore) Runs(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT r.id, r.mode, r.input, r.started_at, r.finished_at, r.findings,
			(SELECT COUNT(*) FROM tasks WHERE run_id = r.id)
		FROM runs r
		ORDER BY r.started_at DESC, r.rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			run      Run
			started  string
			finished string
		)
		if err := rows.Scan(&run.ID, &run.Mode, &run.Input, &started, &finished, &run.Findings, &run.Targets); err != nil {
			return nil, fmt.Errorf("ledger: scan run row: %w", err)
		}
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if finished != "" {
			t, err := parseTime(finished)
			if err != nil {
				return nil, err
			}
			run.FinishedAt = &t
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate rows: %w", err)
	}
	return runs, nil
}

// Tasks returns the tasks of a run in the order they were recorded, with
// raw engine data decompressed.
func (s *SQLiteStore) Tasks(ctx context.Context, runID string) ([]*TaskRecord, error) {
	query := `
		SELECT id, run_id, target_key, target, task_id, state, error, deleted,
			created_at, finished_at, summary_json, raw_data
		FROM tasks WHERE run_id = ? ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*TaskRecord
	for rows.Next() {
		var (
			rec      TaskRecord
			deleted  int
			created  string
			finished string
			summary  string
			raw      []byte
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.TargetKey, &rec.Target, &rec.TaskID,
			&rec.State, &rec.Error, &deleted, &created, &finished, &summary, &raw); err != nil {
			return nil, fmt.Errorf("ledger: scan task row: %w", err)
		}
		rec.Deleted = deleted != 0
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if rec.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		if summary != "" {
			rec.Summary = new(finding.Summary)
			if err := json.Unmarshal([]byte(summary), rec.Summary); err != nil {
				return nil, fmt.Errorf("ledger: unmarshal summary: %w", err)
			}
		}
		if len(raw) > 0 {
			if rec.RawData, err = s.dec.DecodeAll(raw, nil); err != nil {
				return nil, fmt.Errorf("ledger: decompress raw data: %w", err)
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate rows: %w", err)
	}
	return out, nil
}

// Cleanup removes runs (and their tasks) started more than maxAge ago. It
// returns the number of deleted runs.
func (s *SQLiteStore) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := formatTime(s.now().UTC().Add(-maxAge))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin cleanup: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tasks WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("ledger: cleanup tasks: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger: cleanup runs: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ledger: commit cleanup: %w", err)
	}
	return deleted, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		// Fall back to SQLite default format.
		t, err = time.Parse("2006-01-02 15:04:05", v)
		if err != nil {
			return time.Time{}, fmt.Errorf("ledger: parse time %q: %w", v, err)
		}
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ErrNoRun is returned by LatestRun when the ledger is empty.
var ErrNoRun = errors.New("ledger: no runs recorded")

// LatestRun returns the most recent run.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*Run, error) {
	runs, err := s.Runs(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNoRun
	}
	return runs[0], nil
}
