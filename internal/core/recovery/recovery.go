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

// Package recovery implements Run Recovery (§4.E): retryStep and
// resumeRun, the two operations the Operational CLI exposes to bring
// a run whose worker crashed, or whose step genuinely failed, back
// onto the queue.
package recovery

import (
	"context"
	"strings"
	"time"

	"github.com/nofx/runloop/internal/core/idempotency"
	"github.com/nofx/runloop/internal/core/model"
	"github.com/nofx/runloop/internal/core/observability"
	"github.com/nofx/runloop/internal/core/queue"
	"github.com/nofx/runloop/internal/core/store"
	pkgerrors "github.com/nofx/runloop/pkg/errors"
)

// Recovery implements retryStep and resumeRun.
type Recovery struct {
	backend store.Backend
	queue   queue.Queue
}

// New constructs a Recovery.
func New(backend store.Backend, q queue.Queue) *Recovery {
	return &Recovery{backend: backend, queue: q}
}

// RetryStep implements §4.E's retryStep(runId, stepId).
func (r *Recovery) RetryStep(ctx context.Context, runID, stepID string) error {
	ctx = observability.WithFields(ctx, observability.Fields{RunID: runID, StepID: stepID})
	ctx, span := observability.StartSpan(ctx, "retryStep")
	defer span.End()

	step, err := r.backend.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if step.RunID != runID {
		return &pkgerrors.StepNotFoundError{RunID: runID, StepID: stepID}
	}
	if !retryableStatus(step.Status) {
		return &pkgerrors.NotRetryableError{
			Operation: "retryStep",
			State:     string(step.Status),
			Reason:    "step is not in a retryable state",
		}
	}

	return r.backend.RunAtomically(ctx, runID, func() error {
		previousStatus := step.Status
		key := idempotency.NaturalKey(step)
		if err := r.backend.InboxClear(ctx, key); err != nil {
			return err
		}

		step.Status = model.StepQueued
		step.EndedAt = nil
		step.Outputs = nil
		step.IdempotencyKey = key
		if err := r.backend.UpdateStep(ctx, step); err != nil {
			return err
		}

		if _, err := r.backend.RecordEvent(ctx, runID, model.EventStepRetry, map[string]interface{}{
			"previousStatus": previousStatus,
		}, stepID); err != nil {
			return err
		}
		if _, err := r.backend.RecordEvent(ctx, runID, model.EventRunResumed, map[string]interface{}{
			"resumedBy": stepID,
		}, ""); err != nil {
			return err
		}

		return r.queue.Enqueue(ctx, queue.Job{
			Topic: model.TopicStepReady,
			Payload: map[string]interface{}{
				"runId":     runID,
				"stepId":    stepID,
				"__attempt": 1,
			},
			CreatedAt: time.Now().UTC(),
		})
	})
}

func retryableStatus(s model.StepStatus) bool {
	switch model.StepStatus(strings.ToLower(string(s))) {
	case model.StepFailed, model.StepTimedOut, model.StepCancelled:
		return true
	default:
		return false
	}
}

// ResumeRun implements §4.E's resumeRun(runId): every step in
// {failed, timed_out} is retried; if the run itself is terminal, it
// is first transitioned back to running.
func (r *Recovery) ResumeRun(ctx context.Context, runID string) error {
	ctx = observability.WithFields(ctx, observability.Fields{RunID: runID})
	ctx, span := observability.StartSpan(ctx, "resumeRun")
	defer span.End()

	run, err := r.backend.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		run.Status = model.RunRunning
		run.EndedAt = nil
		if err := r.backend.UpdateRun(ctx, run); err != nil {
			return err
		}
		if _, err := r.backend.RecordEvent(ctx, runID, model.EventRunResumed, map[string]interface{}{"resumedBy": runID}, ""); err != nil {
			return err
		}
	}

	steps, err := r.backend.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Status == model.StepFailed || s.Status == model.StepTimedOut {
			if err := r.RetryStep(ctx, runID, s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
