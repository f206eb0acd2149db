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

package runner

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nofx/runloop/internal/core/artifacts"
	"github.com/nofx/runloop/internal/core/model"
	"github.com/nofx/runloop/internal/core/queue"
	"github.com/nofx/runloop/internal/core/queue/memory"
	"github.com/nofx/runloop/internal/core/registry"
	"github.com/nofx/runloop/internal/core/store/fs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedRunStep(t *testing.T, backend *fs.Backend, tool string, inputs map[string]interface{}) (*model.Run, *model.Step) {
	t.Helper()
	ctx := context.Background()

	run := &model.Run{Status: model.RunQueued, Plan: model.Plan{Goal: "test"}}
	require.NoError(t, backend.CreateRun(ctx, run))

	step := &model.Step{RunID: run.ID, Name: "step-1", Tool: tool, Inputs: inputs, Status: model.StepPending}
	require.NoError(t, backend.CreateStep(ctx, step))

	return run, step
}

func newTestRunner(t *testing.T, backend *fs.Backend, artifactStore artifacts.Store) *Runner {
	t.Helper()
	reg := registry.New()
	reg.SetInterceptor(registry.PolicyInterceptor{})
	require.NoError(t, reg.Register("echo", func(ctx context.Context, inputs map[string]interface{}) (model.ToolResult, error) {
		return model.ToolResult{Outputs: map[string]interface{}{"result": inputs}}, nil
	}))
	require.NoError(t, reg.Register("big_artifact", func(ctx context.Context, inputs map[string]interface{}) (model.ToolResult, error) {
		return model.ToolResult{
			Outputs:   map[string]interface{}{"ok": true},
			Artifacts: []model.Artifact{{Name: "big.txt", Kind: "text", Data: []byte(strings.Repeat("x", artifacts.InlineThreshold+1))}},
		}, nil
	}))
	require.NoError(t, reg.Register("small_artifact", func(ctx context.Context, inputs map[string]interface{}) (model.ToolResult, error) {
		return model.ToolResult{
			Outputs:   map[string]interface{}{"ok": true},
			Artifacts: []model.Artifact{{Name: "small.txt", Kind: "text", Data: []byte("hi")}},
		}, nil
	}))
	require.NoError(t, reg.Register("sleepy", func(ctx context.Context, inputs map[string]interface{}) (model.ToolResult, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return model.ToolResult{}, nil
		case <-ctx.Done():
			return model.ToolResult{}, ctx.Err()
		}
	}))

	q := memory.New(queue.DefaultRetryPolicy(), nil)
	return New(backend, reg, q, testLogger(), 0, artifactStore)
}

func TestRunStepSucceeds(t *testing.T) {
	ctx := context.Background()
	backend, err := fs.Open(t.TempDir())
	require.NoError(t, err)

	run, step := seedRunStep(t, backend, "echo", map[string]interface{}{"msg": "hi"})
	r := newTestRunner(t, backend, nil)

	require.NoError(t, r.RunStep(ctx, run.ID, step.ID))

	got, err := backend.GetStep(ctx, step.ID)
	require.NoError(t, err)
	require.Equal(t, model.StepSucceeded, got.Status)

	gotRun, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunSucceeded, gotRun.Status)
}

func TestRunStepUnknownToolFails(t *testing.T) {
	ctx := context.Background()
	backend, err := fs.Open(t.TempDir())
	require.NoError(t, err)

	run, step := seedRunStep(t, backend, "does-not-exist", nil)
	r := newTestRunner(t, backend, nil)

	require.NoError(t, r.RunStep(ctx, run.ID, step.ID))

	got, err := backend.GetStep(ctx, step.ID)
	require.NoError(t, err)
	require.Equal(t, model.StepFailed, got.Status)
}

func TestRunStepDeniesToolNotInPolicy(t *testing.T) {
	ctx := context.Background()
	backend, err := fs.Open(t.TempDir())
	require.NoError(t, err)

	run, step := seedRunStep(t, backend, "echo", map[string]interface{}{
		model.PolicyInputKey: model.PolicyEnvelope{ToolsAllowed: []string{"sleepy"}},
	})
	r := newTestRunner(t, backend, nil)

	require.NoError(t, r.RunStep(ctx, run.ID, step.ID))

	got, err := backend.GetStep(ctx, step.ID)
	require.NoError(t, err)
	require.Equal(t, model.StepFailed, got.Status)
	require.Equal(t, "policy: tool not allowed", got.Outputs["error"])
}

func TestRunStepSmallArtifactStaysInline(t *testing.T) {
	ctx := context.Background()
	backend, err := fs.Open(t.TempDir())
	require.NoError(t, err)

	run, step := seedRunStep(t, backend, "small_artifact", nil)
	store := artifacts.NewFS(t.TempDir())
	r := newTestRunner(t, backend, store)

	require.NoError(t, r.RunStep(ctx, run.ID, step.ID))

	list, err := backend.ListArtifacts(ctx, run.ID, step.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, []byte("hi"), list[0].Data)
	require.Empty(t, list[0].Path)
}

func TestRunStepLargeArtifactRoutedThroughStore(t *testing.T) {
	ctx := context.Background()
	backend, err := fs.Open(t.TempDir())
	require.NoError(t, err)

	run, step := seedRunStep(t, backend, "big_artifact", nil)
	store := artifacts.NewFS(t.TempDir())
	r := newTestRunner(t, backend, store)

	require.NoError(t, r.RunStep(ctx, run.ID, step.ID))

	list, err := backend.ListArtifacts(ctx, run.ID, step.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Empty(t, list[0].Data)
	require.NotEmpty(t, list[0].Path)

	data, err := store.Get(ctx, list[0].Path)
	require.NoError(t, err)
	require.Len(t, data, artifacts.InlineThreshold+1)
}

func TestRunStepTimesOut(t *testing.T) {
	ctx := context.Background()
	backend, err := fs.Open(t.TempDir())
	require.NoError(t, err)

	run, step := seedRunStep(t, backend, "sleepy", nil)
	reg := registry.New()
	reg.SetInterceptor(registry.PolicyInterceptor{})
	require.NoError(t, reg.Register("sleepy", func(ctx context.Context, inputs map[string]interface{}) (model.ToolResult, error) {
		select {
		case <-time.After(time.Second):
			return model.ToolResult{}, nil
		case <-ctx.Done():
			return model.ToolResult{}, ctx.Err()
		}
	}))
	q := memory.New(queue.DefaultRetryPolicy(), nil)
	r := New(backend, reg, q, testLogger(), 10*time.Millisecond, nil)

	require.NoError(t, r.RunStep(ctx, run.ID, step.ID))

	got, err := backend.GetStep(ctx, step.ID)
	require.NoError(t, err)
	require.Equal(t, model.StepTimedOut, got.Status)

	gotRun, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, gotRun.Status)
}
