package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/chr1sbest/pipetrack/internal/resilience"
)

// SQLiteStore keeps registry documents as JSON rows in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

// Migrate creates the schema.
func (s *SQLiteStore) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		uuid TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS work_units (
		run_uuid TEXT NOT NULL,
		id TEXT NOT NULL,
		tool TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_uuid, id)
	);

	CREATE TABLE IF NOT EXISTS user_events (
		id TEXT PRIMARY KEY,
		run_uuid TEXT NOT NULL,
		type TEXT NOT NULL,
		time DATETIME NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_work_units_status ON work_units(run_uuid, status);
	CREATE INDEX IF NOT EXISTS idx_user_events_run ON user_events(run_uuid, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(run)
	if err != nil {
		return resilience.NewPermanentError(fmt.Errorf("marshal run: %w", err))
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (uuid, status, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, run.UUID, string(run.Status), string(data), time.Now().UTC())
	if err != nil {
		return classify(fmt.Errorf("upsert run: %w", err))
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, uuid string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM runs WHERE uuid = ?", uuid).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", uuid, ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query run: %w", err))
	}
	var run Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT data FROM runs ORDER BY updated_at DESC")
	if err != nil {
		return nil, classify(fmt.Errorf("list runs: %w", err))
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutWorkUnits(ctx context.Context, units []WorkUnit) error {
	if len(units) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, u := range units {
		data, err := json.Marshal(u)
		if err != nil {
			return resilience.NewPermanentError(fmt.Errorf("marshal work unit: %w", err))
		}
		if err := upsertWorkUnit(ctx, tx, u, data, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func upsertWorkUnit(ctx context.Context, tx *sql.Tx, u WorkUnit, data []byte, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO work_units (run_uuid, id, tool, status, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_uuid, id) DO UPDATE SET
			tool = excluded.tool,
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, u.RunUUID, u.ID, u.Tool, string(u.Status), string(data), now)
	if err != nil {
		return classify(fmt.Errorf("upsert work unit %s: %w", u.ID, err))
	}
	return nil
}

func (s *SQLiteStore) GetWorkUnit(ctx context.Context, runUUID, id string) (*WorkUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM work_units WHERE run_uuid = ? AND id = ?", runUUID, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work unit %s/%s: %w", runUUID, id, ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query work unit: %w", err))
	}
	var u WorkUnit
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("unmarshal work unit: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) ListWorkUnits(ctx context.Context, runUUID string) ([]WorkUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listWorkUnits(ctx, s.db, runUUID, false)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listWorkUnits(ctx context.Context, q querier, runUUID string, activeOnly bool) ([]WorkUnit, error) {
	query := "SELECT data FROM work_units WHERE run_uuid = ?"
	args := []any{runUUID}
	if activeOnly {
		query += " AND status IN (?, ?)"
		args = append(args, string(StatusPending), string(StatusRunning))
	}
	query += " ORDER BY tool, id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list work units: %w", err))
	}
	defer rows.Close()

	var out []WorkUnit
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var u WorkUnit
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SettleWorkUnits(ctx context.Context, runUUID string, status Status, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	active, err := listWorkUnits(ctx, tx, runUUID, true)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	for _, u := range active {
		u.Status = status
		finished := at
		u.FinishedAt = &finished
		u.LastModified = at
		data, err := json.Marshal(u)
		if err != nil {
			return 0, err
		}
		if err := upsertWorkUnit(ctx, tx, u, data, now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(fmt.Errorf("commit: %w", err))
	}
	return len(active), nil
}

func (s *SQLiteStore) AddEvent(ctx context.Context, ev UserEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(ev.Data)
	if err != nil {
		return resilience.NewPermanentError(fmt.Errorf("marshal event: %w", err))
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_events (id, run_uuid, type, time, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, ev.ID, ev.RunUUID, ev.Type, ev.Time.UTC(), string(data))
	if err != nil {
		return classify(fmt.Errorf("insert event: %w", err))
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runUUID string) ([]UserEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, type, time, data FROM user_events WHERE run_uuid = ? ORDER BY id", runUUID)
	if err != nil {
		return nil, classify(fmt.Errorf("list events: %w", err))
	}
	defer rows.Close()

	var out []UserEvent
	for rows.Next() {
		ev := UserEvent{RunUUID: runUUID}
		var data string
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Time, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// classify marks lock contention as transient so the adapter retries it.
func classify(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return resilience.NewTransientError(err)
		case sqlite3.ErrReadonly, sqlite3.ErrCantOpen, sqlite3.ErrCorrupt:
			return resilience.NewPermanentError(err)
		}
	}
	return err
}
