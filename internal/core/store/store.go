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

// Package store defines the persistent-state contract shared by the
// filesystem and relational drivers: runs, steps, events, artifacts,
// gates, the idempotency inbox and the outbox relay buffer.
package store

import (
	"context"
	"io"

	"github.com/nofx/runloop/internal/core/model"
)

// RunStore covers run CRUD.
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error
}

// RunLister covers run listing and deletion.
type RunLister interface {
	ListRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, error)
	DeleteRun(ctx context.Context, id string) error
}

// StepStore covers step CRUD and the step-completion query the runner
// uses to decide whether a run has finished.
type StepStore interface {
	CreateStep(ctx context.Context, step *model.Step) error
	GetStep(ctx context.Context, id string) (*model.Step, error)
	UpdateStep(ctx context.Context, step *model.Step) error
	ListSteps(ctx context.Context, runID string) ([]*model.Step, error)
	CountRemainingSteps(ctx context.Context, runID string) (int, error)
}

// EventStore is the append-only event log.
type EventStore interface {
	// RecordEvent sanitises payload, appends the event, and — under a
	// driver that supports it — atomically writes a matching outbox
	// row in the same transaction. stepID may be empty.
	RecordEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}, stepID string) (*model.Event, error)
	ListEvents(ctx context.Context, runID string) ([]*model.Event, error)
}

// GateStore manages run gates.
type GateStore interface {
	CreateOrGetGate(ctx context.Context, runID, gateType string) (*model.Gate, error)
	UpdateGate(ctx context.Context, gate *model.Gate) error
}

// ArtifactStore persists step artifacts.
type ArtifactStore interface {
	AddArtifact(ctx context.Context, artifact *model.Artifact) error
	ListArtifacts(ctx context.Context, runID, stepID string) ([]*model.Artifact, error)
}

// InboxStore implements at-most-once processing by dedup key.
type InboxStore interface {
	// InboxMarkIfNew returns true the first time key is observed and
	// false on every subsequent call.
	InboxMarkIfNew(ctx context.Context, key string) (bool, error)
	// InboxClear removes a key so a future delivery is treated as new.
	InboxClear(ctx context.Context, key string) error
}

// OutboxStore is the durable publication buffer drained by the relay.
type OutboxStore interface {
	OutboxAdd(ctx context.Context, topic string, payload map[string]interface{}) (*model.OutboxRow, error)
	OutboxListUnsent(ctx context.Context, limit int) ([]*model.OutboxRow, error)
	OutboxMarkSent(ctx context.Context, id string) error
}

// Tx is the handle passed to a withTransaction callback. Drivers that
// have no native transaction (the FS driver) still implement Tx so
// callers can be driver-agnostic; its methods behave exactly like the
// outer Backend for that driver.
type Tx interface {
	RunStore
	StepStore
	EventStore
	GateStore
	ArtifactStore
	InboxStore
	OutboxStore
}

// Backend is the full capability set a Store driver implements.
type Backend interface {
	RunStore
	RunLister
	StepStore
	EventStore
	GateStore
	ArtifactStore
	InboxStore
	OutboxStore

	// WithTransaction runs fn inside a single transaction on drivers
	// that support one (DB drivers). The FS driver runs fn directly
	// against the backend with no transactional guarantee, per §4.A.
	WithTransaction(ctx context.Context, fn func(tx Tx) error) error

	// RunAtomically acquires the per-run advisory lock described in
	// §4.D.1 for the duration of fn. The FS and SQLite drivers
	// implement this with an in-process mutex keyed by run ID; the
	// Postgres driver uses a transaction-scoped advisory lock.
	RunAtomically(ctx context.Context, runID string, fn func() error) error

	io.Closer
}
