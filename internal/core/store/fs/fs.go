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

// Package fs implements the filesystem Store driver. Every entity is
// one JSON file under a stable, documented layout (see SPEC_FULL.md
// §4.A); every write is atomic (write to a sibling temp file, fsync,
// rename). The filesystem driver is the single-box/dev driver: it has
// no real transactions, and its outbox append after an event write is
// best-effort.
package fs

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nofx/runloop/internal/core/model"
	"github.com/nofx/runloop/internal/core/store"
	pkgerrors "github.com/nofx/runloop/pkg/errors"
)

const (
	maxPayloadDepth = 32
	maxPayloadBytes = 256 * 1024
)

// Backend is the filesystem-backed Store driver.
type Backend struct {
	root string

	// runLocks approximates the per-run file lock of §4.A with an
	// in-process mutex: the scheduling model (§5) is single-process,
	// so a file lock and a keyed in-process mutex provide the same
	// mutual exclusion for every real deployment of this driver.
	runLocks sync.Map // runID -> *sync.Mutex

	mu sync.Mutex // guards inbox directory listing races
}

// Open creates (if absent) the directory tree under root and returns a
// ready Backend.
func Open(root string) (*Backend, error) {
	for _, dir := range []string{
		filepath.Join(root, "runs"),
		filepath.Join(root, "inbox"),
		filepath.Join(root, "outbox"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("fs store: creating %s: %w", dir, err)
		}
	}
	return &Backend{root: root}, nil
}

func (b *Backend) Close() error { return nil }

// Root returns the directory this backend is rooted at, so the backup
// component can stage a copy of it without reaching into internals.
func (b *Backend) Root() string { return b.root }

func (b *Backend) runDir(runID string) string  { return filepath.Join(b.root, "runs", runID) }
func (b *Backend) stepsDir(runID string) string { return filepath.Join(b.runDir(runID), "steps") }
func (b *Backend) eventsDir(runID string) string { return filepath.Join(b.runDir(runID), "events") }
func (b *Backend) artifactsDir(runID string) string {
	return filepath.Join(b.runDir(runID), "artifacts")
}
func (b *Backend) gatesDir(runID string) string { return filepath.Join(b.runDir(runID), "gates") }

// writeJSONAtomic writes v as JSON to path via a sibling temp file,
// fsync, then rename — the atomic-write rule of §4.A.
func writeJSONAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp-" + randomSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func randomSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// newID produces a cryptographically random opaque identifier, per
// the "FS: cryptographically random opaque string" rule of §4.A.
func newID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// --- RunStore ---------------------------------------------------------

func (b *Backend) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = newID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	return writeJSONAtomic(filepath.Join(b.runDir(run.ID), "run.json"), run)
}

func (b *Backend) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var run model.Run
	if err := readJSON(filepath.Join(b.runDir(id), "run.json"), &run); err != nil {
		if os.IsNotExist(err) {
			return nil, &pkgerrors.NotFoundError{Resource: "run", ID: id}
		}
		return nil, err
	}
	return &run, nil
}

func (b *Backend) UpdateRun(ctx context.Context, run *model.Run) error {
	return writeJSONAtomic(filepath.Join(b.runDir(run.ID), "run.json"), run)
}

// --- RunLister ----------------------------------------------------------

func (b *Backend) ListRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var runs []*model.Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := b.GetRun(ctx, e.Name())
		if err != nil {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Project != "" && run.ProjectID != filter.Project {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if filter.Offset > 0 && filter.Offset < len(runs) {
		runs = runs[filter.Offset:]
	} else if filter.Offset >= len(runs) {
		runs = nil
	}
	if filter.Limit > 0 && filter.Limit < len(runs) {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	return os.RemoveAll(b.runDir(id))
}

// --- StepStore ------------------------------------------------------------

func (b *Backend) CreateStep(ctx context.Context, step *model.Step) error {
	if step.ID == "" {
		step.ID = newID()
	}
	return writeJSONAtomic(filepath.Join(b.stepsDir(step.RunID), step.ID+".json"), step)
}

func (b *Backend) GetStep(ctx context.Context, id string) (*model.Step, error) {
	// Steps are addressed by id alone in the public API; scan run
	// directories since the FS layout nests steps under their run.
	matches, err := filepath.Glob(filepath.Join(b.root, "runs", "*", "steps", id+".json"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, &pkgerrors.NotFoundError{Resource: "step", ID: id}
	}
	var step model.Step
	if err := readJSON(matches[0], &step); err != nil {
		return nil, err
	}
	return &step, nil
}

func (b *Backend) UpdateStep(ctx context.Context, step *model.Step) error {
	return writeJSONAtomic(filepath.Join(b.stepsDir(step.RunID), step.ID+".json"), step)
}

func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*model.Step, error) {
	entries, err := os.ReadDir(b.stepsDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var steps []*model.Step
	for _, e := range entries {
		var step model.Step
		if err := readJSON(filepath.Join(b.stepsDir(runID), e.Name()), &step); err != nil {
			continue
		}
		steps = append(steps, &step)
	}
	return steps, nil
}

func (b *Backend) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	steps, err := b.ListSteps(ctx, runID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range steps {
		if !s.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// --- EventStore -------------------------------------------------------

func sanitizePayload(payload map[string]interface{}) map[string]interface{} {
	sanitized := sanitizeDepth(payload, 0)
	m, _ := sanitized.(map[string]interface{})
	if m == nil {
		m = map[string]interface{}{}
	}
	data, err := json.Marshal(m)
	if err == nil && len(data) > maxPayloadBytes {
		return map[string]interface{}{"__truncated": true}
	}
	return m
}

func sanitizeDepth(v interface{}, depth int) interface{} {
	if depth > maxPayloadDepth {
		return map[string]interface{}{"__truncated": true}
	}
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = sanitizeDepth(val, depth+1)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = sanitizeDepth(val, depth+1)
		}
		return out
	case string, bool, nil, float64, int, int64, float32:
		return t
	default:
		// Unserialisable values (functions, channels, etc.) are
		// stripped rather than passed to json.Marshal, which would fail.
		data, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		var round interface{}
		_ = json.Unmarshal(data, &round)
		return round
	}
}

func (b *Backend) RecordEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}, stepID string) (*model.Event, error) {
	ev := &model.Event{
		ID:        newID(),
		RunID:     runID,
		StepID:    stepID,
		Type:      eventType,
		Payload:   sanitizePayload(payload),
		CreatedAt: time.Now().UTC(),
	}
	if err := writeJSONAtomic(filepath.Join(b.eventsDir(runID), ev.ID+".json"), ev); err != nil {
		return nil, err
	}
	// Best-effort outbox append: failure is swallowed per §4.A/§4.C —
	// FS mode trades at-least-once for simplicity (see SPEC_FULL.md
	// §9 open question).
	_, _ = b.OutboxAdd(ctx, model.TopicOutbox, map[string]interface{}{
		"runId":   runID,
		"type":    eventType,
		"stepId":  stepID,
		"payload": ev.Payload,
	})
	return ev, nil
}

func (b *Backend) ListEvents(ctx context.Context, runID string) ([]*model.Event, error) {
	entries, err := os.ReadDir(b.eventsDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var events []*model.Event
	for _, e := range entries {
		var ev model.Event
		if err := readJSON(filepath.Join(b.eventsDir(runID), e.Name()), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

// --- GateStore --------------------------------------------------------

func (b *Backend) CreateOrGetGate(ctx context.Context, runID, gateType string) (*model.Gate, error) {
	entries, err := os.ReadDir(b.gatesDir(runID))
	if err == nil {
		for _, e := range entries {
			var g model.Gate
			if err := readJSON(filepath.Join(b.gatesDir(runID), e.Name()), &g); err != nil {
				continue
			}
			if g.GateType == gateType {
				return &g, nil
			}
		}
	}
	now := time.Now().UTC()
	g := &model.Gate{
		ID:        newID(),
		RunID:     runID,
		GateType:  gateType,
		Status:    model.GatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := writeJSONAtomic(filepath.Join(b.gatesDir(runID), g.ID+".json"), g); err != nil {
		return nil, err
	}
	return g, nil
}

func (b *Backend) UpdateGate(ctx context.Context, gate *model.Gate) error {
	gate.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(filepath.Join(b.gatesDir(gate.RunID), gate.ID+".json"), gate)
}

// --- ArtifactStore ----------------------------------------------------

func (b *Backend) AddArtifact(ctx context.Context, artifact *model.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = newID()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	return writeJSONAtomic(filepath.Join(b.artifactsDir(artifact.RunID), artifact.ID+".json"), artifact)
}

func (b *Backend) ListArtifacts(ctx context.Context, runID, stepID string) ([]*model.Artifact, error) {
	entries, err := os.ReadDir(b.artifactsDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var artifacts []*model.Artifact
	for _, e := range entries {
		var a model.Artifact
		if err := readJSON(filepath.Join(b.artifactsDir(runID), e.Name()), &a); err != nil {
			continue
		}
		if stepID != "" && a.StepID != stepID {
			continue
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, nil
}

// --- InboxStore -------------------------------------------------------

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (b *Backend) inboxPath(key string) string {
	return filepath.Join(b.root, "inbox", hashKey(key)+".json")
}

func (b *Backend) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	path := b.inboxPath(key)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	entry := model.InboxEntry{Key: key, CreatedAt: time.Now().UTC()}
	data, _ := json.Marshal(entry)
	_, werr := f.Write(data)
	return true, werr
}

func (b *Backend) InboxClear(ctx context.Context, key string) error {
	err := os.Remove(b.inboxPath(key))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// --- OutboxStore ------------------------------------------------------

func (b *Backend) OutboxAdd(ctx context.Context, topic string, payload map[string]interface{}) (*model.OutboxRow, error) {
	row := &model.OutboxRow{
		ID:        newID(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := writeJSONAtomic(filepath.Join(b.root, "outbox", row.ID+".json"), row); err != nil {
		return nil, err
	}
	return row, nil
}

func (b *Backend) OutboxListUnsent(ctx context.Context, limit int) ([]*model.OutboxRow, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "outbox"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rows []*model.OutboxRow
	for _, e := range entries {
		var row model.OutboxRow
		if err := readJSON(filepath.Join(b.root, "outbox", e.Name()), &row); err != nil {
			continue
		}
		if row.SentAt != nil {
			continue
		}
		rows = append(rows, &row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

func (b *Backend) OutboxMarkSent(ctx context.Context, id string) error {
	path := filepath.Join(b.root, "outbox", id+".json")
	var row model.OutboxRow
	if err := readJSON(path, &row); err != nil {
		return err
	}
	now := time.Now().UTC()
	row.SentAt = &now
	return writeJSONAtomic(path, &row)
}

// --- Transactions and locking -------------------------------------------

// WithTransaction runs fn directly against the backend: the FS driver
// has no transactional guarantees, per §4.A.
func (b *Backend) WithTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	return fn(b)
}

func (b *Backend) RunAtomically(ctx context.Context, runID string, fn func() error) error {
	lockIface, _ := b.runLocks.LoadOrStore(runID, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

var _ store.Backend = (*Backend)(nil)
