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

// Package sqlite implements the relational Store driver against
// modernc.org/sqlite (pure Go, no cgo). It is the single-box database
// driver; internal/core/store/postgres implements the same contract
// for multi-worker deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nofx/runloop/internal/core/model"
	"github.com/nofx/runloop/internal/core/store"
	pkgerrors "github.com/nofx/runloop/pkg/errors"
)

// newUUID generates a server-side id for entities created by this
// driver, per §4.A's driver-local id generation rule (the FS driver
// uses crypto/rand hex ids instead; see fs.newID).
func newUUID() string { return uuid.NewString() }

// Backend is the SQLite-backed Store driver.
type Backend struct {
	db       *sql.DB
	runLocks sync.Map // runID -> *sync.Mutex, see fs.Backend.RunAtomically
}

// Config configures the SQLite driver.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral
	// in-process database (used by tests).
	Path string
}

// Open opens (creating if absent) the SQLite database at cfg.Path and
// runs migrations.
func Open(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// SQLite allows only one writer; serialise all access through a
	// single connection, matching the reference codebase's driver.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: pragma %q: %w", p, err)
		}
	}

	b := &Backend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT,
			status TEXT NOT NULL,
			plan TEXT NOT NULL,
			title TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			ended_at TEXT,
			completed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			tool TEXT NOT NULL,
			inputs TEXT,
			status TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			completed_at TEXT,
			outputs TEXT,
			idempotency_key TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step_id TEXT,
			type TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS gates (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			gate_type TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step_id TEXT,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			data BLOB,
			path TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inbox (
			key TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL,
			sent_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unsent ON outbox(sent_at, created_at)`,
	}
	for _, s := range stmts {
		if _, err := b.db.Exec(s); err != nil {
			return fmt.Errorf("sqlite store: migrate: %w", err)
		}
	}
	return nil
}

func (b *Backend) Close() error { return b.db.Close() }

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func marshalJSON(v interface{}) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return nil
	}
	return string(data)
}

func unmarshalJSON(s sql.NullString, v interface{}) {
	if !s.Valid || s.String == "" {
		return
	}
	_ = json.Unmarshal([]byte(s.String), v)
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting every CRUD
// method run either standalone or inside WithTransaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *Backend) conn() execer { return b.db }

// --- RunStore -----------------------------------------------------------

func (b *Backend) CreateRun(ctx context.Context, run *model.Run) error {
	return b.createRun(ctx, b.conn(), run)
}

func (b *Backend) createRun(ctx context.Context, c execer, run *model.Run) error {
	if run.ID == "" {
		run.ID = newUUID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := c.ExecContext(ctx, `INSERT INTO runs (id, project_id, status, plan, title, metadata, created_at, ended_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.ProjectID), string(run.Status), marshalJSON(run.Plan), nullStr(run.Title),
		marshalJSON(run.Metadata), formatTime(&run.CreatedAt), formatTime(run.EndedAt), formatTime(run.EndedAt))
	return err
}

func (b *Backend) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return b.getRun(ctx, b.conn(), id)
}

func (b *Backend) getRun(ctx context.Context, c execer, id string) (*model.Run, error) {
	row := c.QueryRowContext(ctx, `SELECT id, project_id, status, plan, title, metadata, created_at, ended_at, completed_at FROM runs WHERE id = ?`, id)
	var (
		run                               model.Run
		projectID, title, plan, metadata  sql.NullString
		createdAt, endedAt, completedAt   sql.NullString
	)
	if err := row.Scan(&run.ID, &projectID, &run.Status, &plan, &title, &metadata, &createdAt, &endedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &pkgerrors.NotFoundError{Resource: "run", ID: id}
		}
		return nil, err
	}
	run.ProjectID = projectID.String
	run.Title = title.String
	unmarshalJSON(plan, &run.Plan)
	unmarshalJSON(metadata, &run.Metadata)
	if t := parseTime(createdAt); t != nil {
		run.CreatedAt = *t
	}
	run.EndedAt = parseTime(endedAt)
	if run.EndedAt == nil {
		// ended_at/completed_at compatibility shim, §4.A.
		run.EndedAt = parseTime(completedAt)
	}
	return &run, nil
}

func (b *Backend) UpdateRun(ctx context.Context, run *model.Run) error {
	return b.updateRun(ctx, b.conn(), run)
}

func (b *Backend) updateRun(ctx context.Context, c execer, run *model.Run) error {
	_, err := c.ExecContext(ctx, `UPDATE runs SET status = ?, plan = ?, title = ?, metadata = ?, ended_at = ?, completed_at = ? WHERE id = ?`,
		string(run.Status), marshalJSON(run.Plan), nullStr(run.Title), marshalJSON(run.Metadata),
		formatTime(run.EndedAt), formatTime(run.EndedAt), run.ID)
	return err
}

// --- RunLister ------------------------------------------------------------

func (b *Backend) ListRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, error) {
	query := `SELECT id, project_id, status, plan, title, metadata, created_at, ended_at, completed_at FROM runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Project != "" {
		query += " AND project_id = ?"
		args = append(args, filter.Project)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []*model.Run
	for rows.Next() {
		var (
			run                              model.Run
			projectID, title, plan, metadata sql.NullString
			createdAt, endedAt, completedAt  sql.NullString
		)
		if err := rows.Scan(&run.ID, &projectID, &run.Status, &plan, &title, &metadata, &createdAt, &endedAt, &completedAt); err != nil {
			return nil, err
		}
		run.ProjectID = projectID.String
		run.Title = title.String
		unmarshalJSON(plan, &run.Plan)
		unmarshalJSON(metadata, &run.Metadata)
		if t := parseTime(createdAt); t != nil {
			run.CreatedAt = *t
		}
		run.EndedAt = parseTime(endedAt)
		if run.EndedAt == nil {
			run.EndedAt = parseTime(completedAt)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	return err
}

// --- StepStore --------------------------------------------------------

func (b *Backend) CreateStep(ctx context.Context, step *model.Step) error {
	return b.createStep(ctx, b.conn(), step)
}

func (b *Backend) createStep(ctx context.Context, c execer, step *model.Step) error {
	if step.ID == "" {
		step.ID = newUUID()
	}
	_, err := c.ExecContext(ctx, `INSERT INTO steps (id, run_id, name, tool, inputs, status, started_at, ended_at, completed_at, outputs, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Name, step.Tool, marshalJSON(step.Inputs), string(step.Status),
		formatTime(step.StartedAt), formatTime(step.EndedAt), formatTime(step.EndedAt), marshalJSON(step.Outputs), nullStr(step.IdempotencyKey))
	return err
}

func scanStep(row interface{ Scan(...any) error }) (*model.Step, error) {
	var (
		step                                model.Step
		inputs, outputs, idempotencyKey     sql.NullString
		startedAt, endedAt, completedAt     sql.NullString
	)
	if err := row.Scan(&step.ID, &step.RunID, &step.Name, &step.Tool, &inputs, &step.Status,
		&startedAt, &endedAt, &completedAt, &outputs, &idempotencyKey); err != nil {
		return nil, err
	}
	unmarshalJSON(inputs, &step.Inputs)
	unmarshalJSON(outputs, &step.Outputs)
	step.IdempotencyKey = idempotencyKey.String
	step.StartedAt = parseTime(startedAt)
	step.EndedAt = parseTime(endedAt)
	if step.EndedAt == nil {
		step.EndedAt = parseTime(completedAt)
	}
	return &step, nil
}

func (b *Backend) GetStep(ctx context.Context, id string) (*model.Step, error) {
	row := b.db.QueryRowContext(ctx, `SELECT id, run_id, name, tool, inputs, status, started_at, ended_at, completed_at, outputs, idempotency_key FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &pkgerrors.NotFoundError{Resource: "step", ID: id}
	}
	return step, err
}

func (b *Backend) UpdateStep(ctx context.Context, step *model.Step) error {
	return b.updateStep(ctx, b.conn(), step)
}

func (b *Backend) updateStep(ctx context.Context, c execer, step *model.Step) error {
	_, err := c.ExecContext(ctx, `UPDATE steps SET status = ?, started_at = ?, ended_at = ?, completed_at = ?, outputs = ?, idempotency_key = ? WHERE id = ?`,
		string(step.Status), formatTime(step.StartedAt), formatTime(step.EndedAt), formatTime(step.EndedAt),
		marshalJSON(step.Outputs), nullStr(step.IdempotencyKey), step.ID)
	return err
}

func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*model.Step, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, run_id, name, tool, inputs, status, started_at, ended_at, completed_at, outputs, idempotency_key FROM steps WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []*model.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (b *Backend) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	row := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE run_id = ? AND status NOT IN (?, ?, ?, ?)`,
		runID, string(model.StepSucceeded), string(model.StepFailed), string(model.StepTimedOut), string(model.StepCancelled))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// --- EventStore -----------------------------------------------------------

func (b *Backend) RecordEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}, stepID string) (*model.Event, error) {
	var result *model.Event
	err := b.WithTransaction(ctx, func(tx store.Tx) error {
		t := tx.(*txHandle)
		ev := &model.Event{
			ID:        newUUID(),
			RunID:     runID,
			StepID:    stepID,
			Type:      eventType,
			Payload:   sanitizePayload(payload),
			CreatedAt: time.Now().UTC(),
		}
		if _, err := t.tx.ExecContext(ctx, `INSERT INTO events (id, run_id, step_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.RunID, nullStr(ev.StepID), ev.Type, marshalJSON(ev.Payload), formatTime(&ev.CreatedAt)); err != nil {
			return err
		}
		outboxPayload := map[string]interface{}{
			"runId":   runID,
			"type":    eventType,
			"stepId":  stepID,
			"payload": ev.Payload,
		}
		if _, err := t.outboxAdd(ctx, model.TopicOutbox, outboxPayload); err != nil {
			return err
		}
		result = ev
		return nil
	})
	return result, err
}

func sanitizePayload(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err == nil && len(data) > 256*1024 {
		return map[string]interface{}{"__truncated": true}
	}
	return payload
}

func (b *Backend) ListEvents(ctx context.Context, runID string) ([]*model.Event, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, run_id, step_id, type, payload, created_at FROM events WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*model.Event
	for rows.Next() {
		var (
			ev              model.Event
			stepID, payload sql.NullString
			createdAt       sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepID, &ev.Type, &payload, &createdAt); err != nil {
			return nil, err
		}
		ev.StepID = stepID.String
		unmarshalJSON(payload, &ev.Payload)
		if t := parseTime(createdAt); t != nil {
			ev.CreatedAt = *t
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// --- GateStore --------------------------------------------------------

func (b *Backend) CreateOrGetGate(ctx context.Context, runID, gateType string) (*model.Gate, error) {
	row := b.db.QueryRowContext(ctx, `SELECT id, run_id, gate_type, status, created_at, updated_at FROM gates WHERE run_id = ? AND gate_type = ?`, runID, gateType)
	var (
		g                    model.Gate
		createdAt, updatedAt sql.NullString
	)
	err := row.Scan(&g.ID, &g.RunID, &g.GateType, &g.Status, &createdAt, &updatedAt)
	if err == nil {
		if t := parseTime(createdAt); t != nil {
			g.CreatedAt = *t
		}
		if t := parseTime(updatedAt); t != nil {
			g.UpdatedAt = *t
		}
		return &g, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	now := time.Now().UTC()
	g = model.Gate{ID: newUUID(), RunID: runID, GateType: gateType, Status: model.GatePending, CreatedAt: now, UpdatedAt: now}
	_, err = b.db.ExecContext(ctx, `INSERT INTO gates (id, run_id, gate_type, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.RunID, g.GateType, string(g.Status), formatTime(&g.CreatedAt), formatTime(&g.UpdatedAt))
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (b *Backend) UpdateGate(ctx context.Context, gate *model.Gate) error {
	gate.UpdatedAt = time.Now().UTC()
	_, err := b.db.ExecContext(ctx, `UPDATE gates SET status = ?, updated_at = ? WHERE id = ?`, string(gate.Status), formatTime(&gate.UpdatedAt), gate.ID)
	return err
}

// --- ArtifactStore ----------------------------------------------------

func (b *Backend) AddArtifact(ctx context.Context, artifact *model.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = newUUID()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	_, err := b.db.ExecContext(ctx, `INSERT INTO artifacts (id, run_id, step_id, name, kind, data, path, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.RunID, nullStr(artifact.StepID), artifact.Name, artifact.Kind, artifact.Data, nullStr(artifact.Path), formatTime(&artifact.CreatedAt))
	return err
}

func (b *Backend) ListArtifacts(ctx context.Context, runID, stepID string) ([]*model.Artifact, error) {
	query := `SELECT id, run_id, step_id, name, kind, data, path, created_at FROM artifacts WHERE run_id = ?`
	args := []any{runID}
	if stepID != "" {
		query += " AND step_id = ?"
		args = append(args, stepID)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var artifacts []*model.Artifact
	for rows.Next() {
		var (
			a                model.Artifact
			stepIDCol, path  sql.NullString
			createdAt        sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.RunID, &stepIDCol, &a.Name, &a.Kind, &a.Data, &path, &createdAt); err != nil {
			return nil, err
		}
		a.StepID = stepIDCol.String
		a.Path = path.String
		if t := parseTime(createdAt); t != nil {
			a.CreatedAt = *t
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// --- InboxStore -------------------------------------------------------

func (b *Backend) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `INSERT INTO inbox (key, created_at) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`, key, formatTime(ptrTime(time.Now().UTC())))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *Backend) InboxClear(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM inbox WHERE key = ?`, key)
	return err
}

func ptrTime(t time.Time) *time.Time { return &t }

// --- OutboxStore ------------------------------------------------------

func (b *Backend) OutboxAdd(ctx context.Context, topic string, payload map[string]interface{}) (*model.OutboxRow, error) {
	return b.outboxAdd(ctx, topic, payload)
}

func (b *Backend) outboxAdd(ctx context.Context, topic string, payload map[string]interface{}) (*model.OutboxRow, error) {
	row := &model.OutboxRow{ID: newUUID(), Topic: topic, Payload: payload, CreatedAt: time.Now().UTC()}
	_, err := b.db.ExecContext(ctx, `INSERT INTO outbox (id, topic, payload, created_at) VALUES (?, ?, ?, ?)`,
		row.ID, row.Topic, marshalJSON(row.Payload), formatTime(&row.CreatedAt))
	return row, err
}

func (b *Backend) OutboxListUnsent(ctx context.Context, limit int) ([]*model.OutboxRow, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, topic, payload, created_at, sent_at FROM outbox WHERE sent_at IS NULL ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*model.OutboxRow
	for rows.Next() {
		var (
			row              model.OutboxRow
			payload          sql.NullString
			createdAt, sentAt sql.NullString
		)
		if err := rows.Scan(&row.ID, &row.Topic, &payload, &createdAt, &sentAt); err != nil {
			return nil, err
		}
		unmarshalJSON(payload, &row.Payload)
		if t := parseTime(createdAt); t != nil {
			row.CreatedAt = *t
		}
		row.SentAt = parseTime(sentAt)
		result = append(result, &row)
	}
	return result, rows.Err()
}

func (b *Backend) OutboxMarkSent(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `UPDATE outbox SET sent_at = ? WHERE id = ?`, formatTime(ptrTime(time.Now().UTC())), id)
	return err
}

// --- Transactions and locking -------------------------------------------

// txHandle adapts a *sql.Tx to the store.Tx interface by delegating to
// the same SQL implementations as Backend, parameterised on execer.
type txHandle struct {
	tx *sql.Tx
}

func (t *txHandle) CreateRun(ctx context.Context, run *model.Run) error { return (&Backend{}).createRun(ctx, t.tx, run) }
func (t *txHandle) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return (&Backend{}).getRun(ctx, t.tx, id)
}
func (t *txHandle) UpdateRun(ctx context.Context, run *model.Run) error {
	return (&Backend{}).updateRun(ctx, t.tx, run)
}
func (t *txHandle) CreateStep(ctx context.Context, step *model.Step) error {
	return (&Backend{}).createStep(ctx, t.tx, step)
}
func (t *txHandle) GetStep(ctx context.Context, id string) (*model.Step, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT id, run_id, name, tool, inputs, status, started_at, ended_at, completed_at, outputs, idempotency_key FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &pkgerrors.NotFoundError{Resource: "step", ID: id}
	}
	return step, err
}
func (t *txHandle) UpdateStep(ctx context.Context, step *model.Step) error {
	return (&Backend{}).updateStep(ctx, t.tx, step)
}
func (t *txHandle) ListSteps(ctx context.Context, runID string) ([]*model.Step, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, run_id, name, tool, inputs, status, started_at, ended_at, completed_at, outputs, idempotency_key FROM steps WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []*model.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
func (t *txHandle) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE run_id = ? AND status NOT IN (?, ?, ?, ?)`,
		runID, string(model.StepSucceeded), string(model.StepFailed), string(model.StepTimedOut), string(model.StepCancelled))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
func (t *txHandle) RecordEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}, stepID string) (*model.Event, error) {
	ev := &model.Event{ID: newUUID(), RunID: runID, StepID: stepID, Type: eventType, Payload: sanitizePayload(payload), CreatedAt: time.Now().UTC()}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO events (id, run_id, step_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, nullStr(ev.StepID), ev.Type, marshalJSON(ev.Payload), formatTime(&ev.CreatedAt))
	if err != nil {
		return nil, err
	}
	if _, err := t.outboxAdd(ctx, model.TopicOutbox, map[string]interface{}{"runId": runID, "type": eventType, "stepId": stepID, "payload": ev.Payload}); err != nil {
		return nil, err
	}
	return ev, nil
}
func (t *txHandle) ListEvents(ctx context.Context, runID string) ([]*model.Event, error) {
	return (&Backend{db: nil}).listEventsTx(ctx, t.tx, runID)
}
func (b *Backend) listEventsTx(ctx context.Context, c execer, runID string) ([]*model.Event, error) {
	rows, err := c.QueryContext(ctx, `SELECT id, run_id, step_id, type, payload, created_at FROM events WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*model.Event
	for rows.Next() {
		var (
			ev              model.Event
			stepID, payload sql.NullString
			createdAt       sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepID, &ev.Type, &payload, &createdAt); err != nil {
			return nil, err
		}
		ev.StepID = stepID.String
		unmarshalJSON(payload, &ev.Payload)
		if t := parseTime(createdAt); t != nil {
			ev.CreatedAt = *t
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
func (t *txHandle) CreateOrGetGate(ctx context.Context, runID, gateType string) (*model.Gate, error) {
	b := &Backend{}
	row := t.tx.QueryRowContext(ctx, `SELECT id, run_id, gate_type, status, created_at, updated_at FROM gates WHERE run_id = ? AND gate_type = ?`, runID, gateType)
	var (
		g                    model.Gate
		createdAt, updatedAt sql.NullString
	)
	err := row.Scan(&g.ID, &g.RunID, &g.GateType, &g.Status, &createdAt, &updatedAt)
	if err == nil {
		if tt := parseTime(createdAt); tt != nil {
			g.CreatedAt = *tt
		}
		if tt := parseTime(updatedAt); tt != nil {
			g.UpdatedAt = *tt
		}
		return &g, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	_ = b
	now := time.Now().UTC()
	g = model.Gate{ID: newUUID(), RunID: runID, GateType: gateType, Status: model.GatePending, CreatedAt: now, UpdatedAt: now}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO gates (id, run_id, gate_type, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.RunID, g.GateType, string(g.Status), formatTime(&g.CreatedAt), formatTime(&g.UpdatedAt))
	if err != nil {
		return nil, err
	}
	return &g, nil
}
func (t *txHandle) UpdateGate(ctx context.Context, gate *model.Gate) error {
	gate.UpdatedAt = time.Now().UTC()
	_, err := t.tx.ExecContext(ctx, `UPDATE gates SET status = ?, updated_at = ? WHERE id = ?`, string(gate.Status), formatTime(&gate.UpdatedAt), gate.ID)
	return err
}
func (t *txHandle) AddArtifact(ctx context.Context, artifact *model.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = newUUID()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO artifacts (id, run_id, step_id, name, kind, data, path, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.RunID, nullStr(artifact.StepID), artifact.Name, artifact.Kind, artifact.Data, nullStr(artifact.Path), formatTime(&artifact.CreatedAt))
	return err
}
func (t *txHandle) ListArtifacts(ctx context.Context, runID, stepID string) ([]*model.Artifact, error) {
	return nil, fmt.Errorf("sqlite store: ListArtifacts not supported inside a transaction")
}
func (t *txHandle) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `INSERT INTO inbox (key, created_at) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`, key, formatTime(ptrTime(time.Now().UTC())))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
func (t *txHandle) InboxClear(ctx context.Context, key string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM inbox WHERE key = ?`, key)
	return err
}
func (t *txHandle) OutboxAdd(ctx context.Context, topic string, payload map[string]interface{}) (*model.OutboxRow, error) {
	return t.outboxAdd(ctx, topic, payload)
}
func (t *txHandle) outboxAdd(ctx context.Context, topic string, payload map[string]interface{}) (*model.OutboxRow, error) {
	row := &model.OutboxRow{ID: newUUID(), Topic: topic, Payload: payload, CreatedAt: time.Now().UTC()}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO outbox (id, topic, payload, created_at) VALUES (?, ?, ?, ?)`,
		row.ID, row.Topic, marshalJSON(row.Payload), formatTime(&row.CreatedAt))
	return row, err
}
func (t *txHandle) OutboxListUnsent(ctx context.Context, limit int) ([]*model.OutboxRow, error) {
	return nil, fmt.Errorf("sqlite store: OutboxListUnsent not supported inside a transaction")
}
func (t *txHandle) OutboxMarkSent(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE outbox SET sent_at = ? WHERE id = ?`, formatTime(ptrTime(time.Now().UTC())), id)
	return err
}

var _ store.Tx = (*txHandle)(nil)

// WithTransaction wraps fn in a single SQL transaction, satisfying the
// "event + outbox row in the same transaction" invariant of §3/§4.C.
func (b *Backend) WithTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&txHandle{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// RunAtomically serialises access to one run's mutations. SQLite's
// single-writer connection already serialises statements; the mutex
// additionally serialises multi-statement sequences issued by callers
// across goroutines within this process.
func (b *Backend) RunAtomically(ctx context.Context, runID string, fn func() error) error {
	lockIface, _ := b.runLocks.LoadOrStore(runID, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

var _ store.Backend = (*Backend)(nil)
