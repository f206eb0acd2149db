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

// Package runner implements the Step Runner (§4.D): the state
// machine that takes one queued step from policy enforcement through
// tool dispatch to terminal state, and finalises the owning run when
// its last step completes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nofx/runloop/internal/core/artifacts"
	"github.com/nofx/runloop/internal/core/idempotency"
	"github.com/nofx/runloop/internal/core/model"
	"github.com/nofx/runloop/internal/core/observability"
	"github.com/nofx/runloop/internal/core/queue"
	"github.com/nofx/runloop/internal/core/registry"
	"github.com/nofx/runloop/internal/core/resilience"
	"github.com/nofx/runloop/internal/core/store"
)

// DefaultStepTimeout is the fallback step execution budget when
// STEP_TIMEOUT_MS is unset, per §4.D step 7.
const DefaultStepTimeout = 300 * time.Second

// Runner is the Step Runner. It owns no state of its own beyond its
// collaborators; every transition is persisted through backend before
// RunStep returns, so a crash mid-step leaves recoverable state (§4.E).
type Runner struct {
	backend     store.Backend
	registry    *registry.Registry
	queue       queue.Queue
	logger      *slog.Logger
	stepTimeout time.Duration
	artifacts   artifacts.Store

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// New constructs a Runner. stepTimeout of zero falls back to
// DefaultStepTimeout. artifactStore may be nil, in which case every
// artifact is kept inline regardless of size.
func New(backend store.Backend, reg *registry.Registry, q queue.Queue, logger *slog.Logger, stepTimeout time.Duration, artifactStore artifacts.Store) *Runner {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &Runner{
		backend:     backend,
		registry:    reg,
		queue:       q,
		logger:      logger,
		stepTimeout: stepTimeout,
		artifacts:   artifactStore,
		breakers:    make(map[string]*resilience.CircuitBreaker),
	}
}

// breakerFor returns the per-tool circuit breaker, creating it on
// first use. A tripped breaker means that tool has failed repeatedly
// and dispatch is short-circuited without invoking the handler.
func (r *Runner) breakerFor(tool string) *resilience.CircuitBreaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	b, ok := r.breakers[tool]
	if !ok {
		b = resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: tool})
		r.breakers[tool] = b
	}
	return b
}

// RunStep implements runStep(runId, stepId) per §4.D. It is the
// handler the Queue dispatches step.ready jobs to.
func (r *Runner) RunStep(ctx context.Context, runID, stepID string) error {
	ctx = observability.WithFields(ctx, observability.Fields{RunID: runID, StepID: stepID})
	ctx, span := observability.StartSpan(ctx, "runStep")
	defer span.End()

	return r.backend.RunAtomically(ctx, runID, func() error {
		return r.runStepLocked(ctx, runID, stepID)
	})
}

func (r *Runner) runStepLocked(ctx context.Context, runID, stepID string) error {
	step, err := r.backend.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if step.Status.Terminal() {
		return nil
	}

	policy := step.Policy()
	if policy != nil && len(policy.ToolsAllowed) > 0 && !contains(policy.ToolsAllowed, step.Tool) {
		step.Status = model.StepFailed
		now := time.Now().UTC()
		step.EndedAt = &now
		step.Outputs = map[string]interface{}{
			"error":        "policy: tool not allowed",
			"tool":         step.Tool,
			"toolsAllowed": policy.ToolsAllowed,
		}
		if err := r.backend.UpdateStep(ctx, step); err != nil {
			return err
		}
		if _, err := r.backend.RecordEvent(ctx, runID, model.EventStepPolicyDenied, map[string]interface{}{
			"stepId": stepID, "tool": step.Tool,
		}, stepID); err != nil {
			return err
		}
		return r.finalizeRun(ctx, runID)
	}

	run, err := r.backend.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == model.RunQueued {
		run.Status = model.RunRunning
		if err := r.backend.UpdateRun(ctx, run); err != nil {
			return err
		}
		if _, err := r.backend.RecordEvent(ctx, runID, model.EventRunStarted, nil, ""); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	step.Status = model.StepRunning
	step.StartedAt = &now
	if err := r.backend.UpdateStep(ctx, step); err != nil {
		return err
	}
	if _, err := r.backend.RecordEvent(ctx, runID, model.EventStepStarted, map[string]interface{}{"stepId": stepID}, stepID); err != nil {
		return err
	}

	if !r.registry.Has(step.Tool) {
		return r.failStep(ctx, runID, step, map[string]interface{}{"error": "no handler", "tool": step.Tool})
	}

	result, execErr := r.execute(ctx, step)
	if execErr != nil {
		if execErr == context.DeadlineExceeded {
			return r.markStepTimedOut(ctx, runID, stepID, r.stepTimeout)
		}
		return r.failStep(ctx, runID, step, map[string]interface{}{"error": execErr.Error()})
	}

	endedAt := time.Now().UTC()
	step.Status = model.StepSucceeded
	step.EndedAt = &endedAt
	step.Outputs = result.Outputs
	if err := r.backend.UpdateStep(ctx, step); err != nil {
		return err
	}
	if _, err := r.backend.RecordEvent(ctx, runID, model.EventStepSucceeded, map[string]interface{}{"stepId": stepID}, stepID); err != nil {
		return err
	}

	for i := range result.Artifacts {
		a := result.Artifacts[i]
		a.RunID = runID
		a.StepID = stepID
		if r.artifacts != nil && len(a.Data) > artifacts.InlineThreshold {
			path, err := r.artifacts.Put(ctx, runID, stepID, a.Name, a.Data)
			if err != nil {
				return fmt.Errorf("runner: storing artifact %q: %w", a.Name, err)
			}
			a.Path = path
			a.Data = nil
		}
		if err := r.backend.AddArtifact(ctx, &a); err != nil {
			return err
		}
	}
	for _, g := range result.Gates {
		gate, err := r.backend.CreateOrGetGate(ctx, runID, g.GateType)
		if err != nil {
			return err
		}
		gate.Status = g.Status
		if err := r.backend.UpdateGate(ctx, gate); err != nil {
			return err
		}
	}

	return r.finalizeRun(ctx, runID)
}

func (r *Runner) execute(ctx context.Context, step *model.Step) (*model.ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()

	policy := step.Policy()
	breaker := r.breakerFor(step.Tool)

	var result model.ToolResult
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.RetryableErrors = func(err error) bool {
		var retryable *queue.RetryableError
		return errors.As(err, &retryable)
	}
	err := resilience.ExecuteWithRetry(execCtx, retryCfg, func(ctx context.Context) error {
		return breaker.Execute(ctx, func(ctx context.Context) error {
			dispatched, dispatchErr := r.registry.Dispatch(ctx, step.Tool, policy, step.InputsWithoutPolicy())
			if dispatchErr != nil {
				return dispatchErr
			}
			result = dispatched
			return nil
		})
	})
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return &result, nil
}

func (r *Runner) failStep(ctx context.Context, runID string, step *model.Step, outputs map[string]interface{}) error {
	now := time.Now().UTC()
	step.Status = model.StepFailed
	step.EndedAt = &now
	step.Outputs = mergeOutputs(step.Outputs, outputs)
	if err := r.backend.UpdateStep(ctx, step); err != nil {
		return err
	}
	if _, err := r.backend.RecordEvent(ctx, runID, model.EventStepFailed, map[string]interface{}{"stepId": step.ID}, step.ID); err != nil {
		return err
	}
	return r.finalizeRun(ctx, runID)
}

// markStepTimedOut implements §4.D's markStepTimedOut: step moves to
// timed_out and the owning run is unconditionally failed, since a
// timeout is treated as a step failure regardless of sibling state.
func (r *Runner) markStepTimedOut(ctx context.Context, runID, stepID string, timeout time.Duration) error {
	step, err := r.backend.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	timeoutMs := timeout.Milliseconds()
	step.Status = model.StepTimedOut
	step.EndedAt = &now
	step.Outputs = mergeOutputs(step.Outputs, map[string]interface{}{
		"error":     "timeout",
		"timeoutMs": timeoutMs,
	})
	if err := r.backend.UpdateStep(ctx, step); err != nil {
		return err
	}
	if _, err := r.backend.RecordEvent(ctx, runID, model.EventStepTimeout, map[string]interface{}{
		"stepId": stepID, "timeoutMs": timeoutMs,
	}, stepID); err != nil {
		return err
	}

	run, err := r.backend.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.Status = model.RunFailed
	if err := r.backend.UpdateRun(ctx, run); err != nil {
		return err
	}
	_, err = r.backend.RecordEvent(ctx, runID, model.EventRunFailed, nil, "")
	return err
}

// finalizeRun implements §4.D step 9: a run with zero remaining
// non-terminal steps transitions to succeeded unless any step failed
// or timed out, in which case it transitions to failed.
func (r *Runner) finalizeRun(ctx context.Context, runID string) error {
	remaining, err := r.backend.CountRemainingSteps(ctx, runID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	steps, err := r.backend.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	failed := false
	for _, s := range steps {
		if s.Status == model.StepFailed || s.Status == model.StepTimedOut {
			failed = true
			break
		}
	}

	run, err := r.backend.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	if failed {
		run.Status = model.RunFailed
	} else {
		run.Status = model.RunSucceeded
	}
	now := time.Now().UTC()
	run.EndedAt = &now
	if err := r.backend.UpdateRun(ctx, run); err != nil {
		return err
	}

	eventType := model.EventRunSucceeded
	if failed {
		eventType = model.EventRunFailed
	}
	_, err = r.backend.RecordEvent(ctx, runID, eventType, nil, "")
	return err
}

// mergeOutputs returns a new map holding previous's keys overlaid with
// next's; a key present in both takes next's value.
func mergeOutputs(previous map[string]interface{}, next map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})
	if previous != nil {
		for k, v := range previous {
			merged[k] = v
		}
	}
	for k, v := range next {
		merged[k] = v
	}
	return merged
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Handler adapts Runner.RunStep to the queue.Handler signature,
// decoding the job payload and applying the inbox dedup guard of
// §4.G before invoking RunStep.
func (r *Runner) Handler(guard *idempotency.Guard) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		runID, _ := job.Payload["runId"].(string)
		stepID, _ := job.Payload["stepId"].(string)
		if runID == "" || stepID == "" {
			return fmt.Errorf("runner: job payload missing runId/stepId")
		}

		key := idempotency.DeliveryKey(runID, stepID, job.Attempt)
		isNew, err := guard.ClaimDelivery(ctx, key)
		if err != nil {
			return &queue.RetryableError{Cause: err}
		}
		if !isNew {
			return nil
		}

		err = r.RunStep(ctx, runID, stepID)
		if err != nil {
			_ = guard.ReleaseDelivery(ctx, key)
			return &queue.RetryableError{Cause: err}
		}
		_ = guard.ReleaseDelivery(ctx, key)
		return nil
	}
}
