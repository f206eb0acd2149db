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

// Package outbox implements the Outbox Relay (§4.C): a background
// loop that drains the durable outbox buffer the Store writes
// alongside every event, republishing each row onto the Queue so
// downstream consumers see every event exactly once even across a
// worker crash between the store write and the original publish.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/nofx/runloop/internal/core/model"
	"github.com/nofx/runloop/internal/core/observability"
	"github.com/nofx/runloop/internal/core/queue"
	"github.com/nofx/runloop/internal/core/store"
)

// DefaultInterval and DefaultBatch are the fallbacks New applies to a
// zero interval or batch; they equal config's OUTBOX_RELAY_INTERVAL_MS
// and OUTBOX_RELAY_BATCH defaults.
const (
	DefaultInterval = 1000 * time.Millisecond
	DefaultBatch    = 25
)

// Relay drains store's outbox into q on a fixed interval.
type Relay struct {
	backend  store.Backend
	queue    queue.Queue
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

// New constructs a Relay. interval/batch of zero fall back to the
// package defaults.
func New(backend store.Backend, q queue.Queue, logger *slog.Logger, interval time.Duration, batch int) *Relay {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Relay{backend: backend, queue: q, logger: logger, interval: interval, batch: batch}
}

// Run blocks, draining the outbox every interval until ctx is
// cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil && r.logger != nil {
				r.logger.ErrorContext(ctx, "outbox relay tick failed", slog.Any("error", err))
			}
		}
	}
}

// Tick drains up to one batch of unsent outbox rows. It is exported
// so a caller can step the relay deterministically instead of waiting
// on the ticker. Rows on the "outbox" topic are republished there and
// must carry runId and type; a row missing either is skipped and left
// unsent. Rows on any other topic are republished on their own topic
// with their payload plus an "__attempt": 1 marker.
func (r *Relay) Tick(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "outboxRelay.tick")
	defer span.End()

	rows, err := r.backend.OutboxListUnsent(ctx, r.batch)
	if err != nil {
		return err
	}

	for _, row := range rows {
		runID, _ := row.Payload["runId"].(string)
		payload := model.OutboxPayload{
			RunID:   runID,
			Type:    stringField(row.Payload, "type"),
			StepID:  stringField(row.Payload, "stepId"),
			Payload: mapField(row.Payload, "payload"),
		}
		job := queue.Job{
			Topic: model.TopicOutbox,
			Payload: map[string]interface{}{
				"runId":   payload.RunID,
				"type":    payload.Type,
				"stepId":  payload.StepID,
				"payload": payload.Payload,
			},
			CreatedAt: time.Now().UTC(),
		}
		if row.Topic != model.TopicOutbox {
			job.Topic = row.Topic
			job.Payload = make(map[string]interface{}, len(row.Payload)+1)
			for k, v := range row.Payload {
				job.Payload[k] = v
			}
			job.Payload["__attempt"] = 1
		} else if payload.RunID == "" || payload.Type == "" {
			continue
		}
		if err := r.queue.Enqueue(ctx, job); err != nil {
			// Leave the row unsent; the next tick retries it. The
			// row, not the individual enqueue attempt, is the unit
			// that is retried, so a row can be published more than
			// once.
			return err
		}
		if err := r.backend.OutboxMarkSent(ctx, row.ID); err != nil {
			return err
		}
	}
	return nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	if v, ok := m[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}
