// Copyright 2025 Tom Barlow
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

// Package store provides the durable flow store backing a single repository:
// flow runs, the append-only event log, and step executions, all in one
// embedded SQLite file. One writer per repo; readers may use separate
// connections.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Status represents the lifecycle status of a flow run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// EventType identifies a flow lifecycle event.
type EventType string

const (
	EventFlowStarted     EventType = "flow_started"
	EventFlowCompleted   EventType = "flow_completed"
	EventFlowFailed      EventType = "flow_failed"
	EventFlowStopped     EventType = "flow_stopped"
	EventFlowResumed     EventType = "flow_resumed"
	EventFlowPaused      EventType = "flow_paused"
	EventStepStarted     EventType = "step_started"
	EventStepCompleted   EventType = "step_completed"
	EventStepFailed      EventType = "step_failed"
	EventDiffUpdated     EventType = "diff_updated"
	EventDispatchCreated EventType = "dispatch_created"
)

// ErrTerminal is returned when updating a run that already reached a
// terminal status.
var ErrTerminal = errors.New("flow run is terminal")

// ErrDuplicateRun is returned when creating a run whose id already exists.
var ErrDuplicateRun = errors.New("flow run already exists")

// FlowRun is one invocation of a flow.
type FlowRun struct {
	ID            string          `json:"id"`
	FlowType      string          `json:"flow_type"`
	Status        Status          `json:"status"`
	CurrentStep   string          `json:"current_step,omitempty"` // empty iff terminal
	InputData     json.RawMessage `json:"input_data,omitempty"`
	State         json.RawMessage `json:"state,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	StopRequested bool            `json:"stop_requested"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// FlowEvent is one entry of the append-only, per-run event log.
type FlowEvent struct {
	RunID string          `json:"run_id"`
	Seq   int64           `json:"seq"`
	Type  EventType       `json:"event_type"`
	TS    time.Time       `json:"ts"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StepExecution records the outcome and timing of one step attempt.
type StepExecution struct {
	RunID      string        `json:"run_id"`
	StepName   string        `json:"step_name"`
	Attempt    int           `json:"attempt"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Filter selects runs for ListRuns. Zero values match everything.
type Filter struct {
	FlowType string
	Status   Status
	Limit    int
}

// UpdateOpts carries the optional fields of an atomic status update.
// Nil pointers leave the column untouched.
type UpdateOpts struct {
	State        json.RawMessage
	CurrentStep  *string
	ErrorMessage *string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Config contains store configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// DurableWrites selects synchronous=FULL instead of NORMAL.
	DurableWrites bool
}

// Store is the SQLite-backed flow store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the flow store at the given path.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.DurableWrites); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, durable bool) error {
	sync := "NORMAL"
	if durable {
		sync = "FULL"
	}

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=" + sync,
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS flow_run (
			id TEXT PRIMARY KEY,
			flow_type TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT,
			input_data TEXT,
			state TEXT,
			metadata TEXT,
			error_message TEXT,
			stop_requested INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_run_status ON flow_run(status)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_run_flow_type ON flow_run(flow_type)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_run_created_at ON flow_run(created_at)`,
		`CREATE TABLE IF NOT EXISTS flow_event (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			ts TEXT NOT NULL,
			data TEXT,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES flow_run(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS step_execution (
			run_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			duration INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step_name, attempt),
			FOREIGN KEY (run_id) REFERENCES flow_run(id) ON DELETE CASCADE
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run in status pending.
// Returns ErrDuplicateRun when the id already exists.
func (s *Store) CreateRun(ctx context.Context, id, flowType string, input, metadata json.RawMessage) (*FlowRun, error) {
	now := time.Now().UTC()

	query := `
		INSERT INTO flow_run (id, flow_type, status, input_data, metadata, stop_requested, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		id, flowType, string(StatusPending),
		nullJSON(input), nullJSON(metadata), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRun, id)
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return &FlowRun{
		ID:        id,
		FlowType:  flowType,
		Status:    StatusPending,
		InputData: input,
		Metadata:  metadata,
		CreatedAt: now,
	}, nil
}

const runColumns = `id, flow_type, status, current_step, input_data, state, metadata,
	error_message, stop_requested, created_at, started_at, finished_at`

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*FlowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM flow_run WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter Filter) ([]*FlowRun, error) {
	query := `SELECT ` + runColumns + ` FROM flow_run WHERE 1=1`
	args := []any{}

	if filter.FlowType != "" {
		query += " AND flow_type = ?"
		args = append(args, filter.FlowType)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*FlowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// UpdateStatus atomically updates a run's status and any fields named in
// opts. Updating a run already in a terminal status returns ErrTerminal.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, opts UpdateOpts) error {
	return s.updateStatus(ctx, id, status, opts, "", nil)
}

// UpdateStatusWithEvent performs UpdateStatus and appends an event in the
// same transaction, so a reader never observes events ahead of status.
func (s *Store) UpdateStatusWithEvent(ctx context.Context, id string, status Status, opts UpdateOpts, eventType EventType, data json.RawMessage) error {
	return s.updateStatus(ctx, id, status, opts, eventType, data)
}

func (s *Store) updateStatus(ctx context.Context, id string, status Status, opts UpdateOpts, eventType EventType, data json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM flow_run WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if Status(current).IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, current)
	}

	query := `UPDATE flow_run SET status = ?`
	args := []any{string(status)}

	if opts.State != nil {
		query += ", state = ?"
		args = append(args, string(opts.State))
	}
	if opts.CurrentStep != nil {
		query += ", current_step = ?"
		args = append(args, nullString(*opts.CurrentStep))
	}
	if opts.ErrorMessage != nil {
		query += ", error_message = ?"
		args = append(args, nullString(*opts.ErrorMessage))
	}
	if opts.StartedAt != nil {
		query += ", started_at = ?"
		args = append(args, opts.StartedAt.UTC().Format(time.RFC3339Nano))
	}
	if opts.FinishedAt != nil {
		query += ", finished_at = ?"
		args = append(args, opts.FinishedAt.UTC().Format(time.RFC3339Nano))
	}
	if status.IsTerminal() {
		// Terminal status clears the current step regardless of opts.
		query += ", current_step = NULL"
	}

	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	if eventType != "" {
		if _, err := appendEventTx(ctx, tx, id, eventType, data); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ReviveRun returns a stopped or failed run to running so a worker can
// drive it again, clearing the terminal bookkeeping. Completed runs stay
// terminal. Appends flow_resumed in the same transaction.
func (s *Store) ReviveRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM flow_run WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	switch Status(current) {
	case StatusStopped, StatusFailed:
	default:
		return fmt.Errorf("cannot revive run %s from status %s", id, current)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE flow_run SET status = ?, finished_at = NULL, error_message = NULL, stop_requested = 0 WHERE id = ?`,
		string(StatusRunning), id)
	if err != nil {
		return fmt.Errorf("failed to revive run: %w", err)
	}
	if _, err := appendEventTx(ctx, tx, id, EventFlowResumed, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SetStopRequested sets or clears the cooperative stop flag.
// Setting it on a terminal run is a silent no-op.
func (s *Store) SetStopRequested(ctx context.Context, id string, requested bool) error {
	val := 0
	if requested {
		val = 1
	}

	result, err := s.db.ExecContext(ctx, `UPDATE flow_run SET stop_requested = ? WHERE id = ?`, val, id)
	if err != nil {
		return fmt.Errorf("failed to set stop_requested: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// AppendEvent appends an event to the run's log, assigning the next
// sequence number. Returns the assigned seq.
func (s *Store) AppendEvent(ctx context.Context, runID string, eventType EventType, data json.RawMessage) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := appendEventTx(ctx, tx, runID, eventType, data)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, runID string, eventType EventType, data json.RawMessage) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM flow_event WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to assign event seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO flow_event (run_id, seq, event_type, ts, data) VALUES (?, ?, ?, ?, ?)`,
		runID, seq, string(eventType), time.Now().UTC().Format(time.RFC3339Nano), nullJSON(data),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	return seq, nil
}

// ListEvents returns a run's events with seq greater than afterSeq, in order.
func (s *Store) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]*FlowEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, event_type, ts, data FROM flow_event
		 WHERE run_id = ? AND seq > ? ORDER BY seq ASC`,
		runID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*FlowEvent
	for rows.Next() {
		var ev FlowEvent
		var evType, ts string
		var data sql.NullString

		if err := rows.Scan(&ev.RunID, &ev.Seq, &evType, &ts, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.Type = EventType(evType)
		ev.TS, _ = time.Parse(time.RFC3339Nano, ts)
		if data.Valid {
			ev.Data = json.RawMessage(data.String)
		}

		events = append(events, &ev)
	}

	return events, rows.Err()
}

// RecordStepExecution records the outcome and timing of one step attempt.
// The attempt number is assigned as one past the highest recorded attempt.
func (s *Store) RecordStepExecution(ctx context.Context, exec *StepExecution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if exec.Attempt == 0 {
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(attempt), 0) + 1 FROM step_execution WHERE run_id = ? AND step_name = ?`,
			exec.RunID, exec.StepName).Scan(&exec.Attempt)
		if err != nil {
			return fmt.Errorf("failed to assign attempt: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_execution (run_id, step_name, attempt, outcome, error, duration, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.RunID, exec.StepName, exec.Attempt, exec.Outcome, nullString(exec.Error),
		exec.Duration.Nanoseconds(),
		exec.StartedAt.UTC().Format(time.RFC3339Nano),
		exec.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record step execution: %w", err)
	}

	return tx.Commit()
}

// ListStepExecutions returns all recorded attempts for a run in order.
func (s *Store) ListStepExecutions(ctx context.Context, runID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_name, attempt, outcome, error, duration, started_at, finished_at
		 FROM step_execution WHERE run_id = ? ORDER BY started_at ASC, attempt ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list step executions: %w", err)
	}
	defer rows.Close()

	var execs []*StepExecution
	for rows.Next() {
		var e StepExecution
		var errStr sql.NullString
		var durationNanos int64
		var startedAt, finishedAt string

		if err := rows.Scan(&e.RunID, &e.StepName, &e.Attempt, &e.Outcome, &errStr,
			&durationNanos, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}

		if errStr.Valid {
			e.Error = errStr.String
		}
		e.Duration = time.Duration(durationNanos)
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		e.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)

		execs = append(execs, &e)
	}

	return execs, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for scanRun.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*FlowRun, error) {
	var run FlowRun
	var status string
	var currentStep, inputData, state, metadata, errorMessage sql.NullString
	var stopRequested int
	var createdAt string
	var startedAt, finishedAt sql.NullString

	err := sc.Scan(
		&run.ID, &run.FlowType, &status, &currentStep, &inputData, &state, &metadata,
		&errorMessage, &stopRequested, &createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = Status(status)
	run.StopRequested = stopRequested == 1
	if currentStep.Valid {
		run.CurrentStep = currentStep.String
	}
	if inputData.Valid && inputData.String != "" {
		run.InputData = json.RawMessage(inputData.String)
	}
	if state.Valid && state.String != "" {
		run.State = json.RawMessage(state.String)
	}
	if metadata.Valid && metadata.String != "" {
		run.Metadata = json.RawMessage(metadata.String)
	}
	if errorMessage.Valid {
		run.ErrorMessage = errorMessage.String
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		run.FinishedAt = &t
	}

	return &run, nil
}

// Helper functions

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullJSON returns nil if the raw message is empty, otherwise its text.
func nullJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

// isUniqueViolation reports whether err is a primary-key conflict.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT in the message text.
	return strings.Contains(err.Error(), "constraint failed")
}
