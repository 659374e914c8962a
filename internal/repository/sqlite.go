package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/dataagent/internal/domain"
)

const defaultListLimit = 100

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens dsn and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			last_query TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			thread_id TEXT,
			request TEXT NOT NULL,
			state TEXT NOT NULL,
			events INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS node_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			node_name TEXT NOT NULL,
			text_type TEXT NOT NULL,
			text TEXT NOT NULL,
			is_error INTEGER NOT NULL DEFAULT 0,
			complete INTEGER NOT NULL DEFAULT 0,
			agent_id TEXT,
			thread_id TEXT,
			received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES runs(run_id),
			UNIQUE (run_id, seq)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertThread creates the thread or refreshes its last query.
func (s *SQLiteStore) UpsertThread(ctx context.Context, thread *domain.Thread) error {
	now := time.Now().UTC()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, agent_id, last_query, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET last_query = excluded.last_query, updated_at = excluded.updated_at`,
		thread.ThreadID, thread.AgentID, thread.LastQuery, thread.CreatedAt, thread.UpdatedAt)
	return err
}

// GetThread retrieves a thread by ID.
func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	var thread domain.Thread
	var lastQuery sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, agent_id, last_query, created_at, updated_at FROM threads WHERE thread_id = ?`,
		threadID).Scan(&thread.ThreadID, &thread.AgentID, &lastQuery, &thread.CreatedAt, &thread.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	thread.LastQuery = lastQuery.String
	return &thread, nil
}

// CreateRun inserts a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	request, err := json.Marshal(run.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, agent_id, thread_id, request, state, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.AgentID, nullString(run.ThreadID), string(request), run.State, run.StartedAt)
	return err
}

const runColumns = `run_id, agent_id, thread_id, request, state, events, error, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var threadID, errText sql.NullString
	var request string
	var endedAt sql.NullTime
	if err := row.Scan(&run.RunID, &run.AgentID, &threadID, &request, &run.State, &run.Events, &errText, &run.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(request), &run.Request); err != nil {
		return nil, fmt.Errorf("failed to decode request of run %s: %w", run.RunID, err)
	}
	run.ThreadID = threadID.String
	run.Error = errText.String
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// UpdateRunState records a state change; terminal states also stamp ended_at.
func (s *SQLiteStore) UpdateRunState(ctx context.Context, runID string, state domain.SessionState, errText string) error {
	var endedAt any
	if state.Terminal() {
		endedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, error = ?, ended_at = COALESCE(?, ended_at) WHERE run_id = ?`,
		state, nullString(errText), endedAt, runID)
	return err
}

// SetRunThread records the thread id learned from the stream.
func (s *SQLiteStore) SetRunThread(ctx context.Context, runID, threadID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET thread_id = ? WHERE run_id = ?`, threadID, runID)
	return err
}

// ListRunsByThread returns the runs of a thread, oldest first.
func (s *SQLiteStore) ListRunsByThread(ctx context.Context, threadID string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE thread_id = ? ORDER BY started_at ASC, rowid ASC LIMIT ?`,
		threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// AppendNodeEvent stores one event under its run and bumps the run's event
// count. seq must be unique within the run.
func (s *SQLiteStore) AppendNodeEvent(ctx context.Context, runID string, seq int, evt domain.NodeEvent) (*domain.RecordedEvent, error) {
	rec := &domain.RecordedEvent{
		EventID:    "evt_" + uuid.New().String(),
		RunID:      runID,
		Seq:        seq,
		Event:      evt,
		ReceivedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO node_events (event_id, run_id, seq, node_name, text_type, text, is_error, complete, agent_id, thread_id, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EventID, runID, seq, evt.NodeName, string(evt.TextType), evt.Text, evt.Error, evt.Complete,
		nullString(evt.AgentID), nullString(evt.ThreadID), rec.ReceivedAt); err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET events = events + 1 WHERE run_id = ?`, runID); err != nil {
		return nil, fmt.Errorf("failed to update run event count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListNodeEvents returns the events of a run with seq > afterSeq in order.
func (s *SQLiteStore) ListNodeEvents(ctx context.Context, runID string, afterSeq int, limit int) ([]domain.RecordedEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, run_id, seq, node_name, text_type, text, is_error, complete, agent_id, thread_id, received_at
		FROM node_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		runID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.RecordedEvent
	for rows.Next() {
		var rec domain.RecordedEvent
		var textType string
		var agentID, threadID sql.NullString
		if err := rows.Scan(&rec.EventID, &rec.RunID, &rec.Seq, &rec.Event.NodeName, &textType, &rec.Event.Text,
			&rec.Event.Error, &rec.Event.Complete, &agentID, &threadID, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		rec.Event.TextType = domain.TextType(textType)
		rec.Event.AgentID = agentID.String
		rec.Event.ThreadID = threadID.String
		events = append(events, rec)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
