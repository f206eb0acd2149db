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

package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nofx/runloop/internal/core/model"
	"github.com/nofx/runloop/internal/core/store/fs"
)

func seedRun(t *testing.T, backend *fs.Backend) *model.Run {
	t.Helper()
	run := &model.Run{
		Status: model.RunRunning,
		Title:  "demo run",
		Plan:   model.Plan{Goal: "say hello"},
	}
	require.NoError(t, backend.CreateRun(context.Background(), run))

	step := &model.Step{
		RunID:  run.ID,
		Name:   "greet",
		Tool:   "echo",
		Inputs: map[string]interface{}{"message": "hi"},
		Status: model.StepSucceeded,
	}
	require.NoError(t, backend.CreateStep(context.Background(), step))

	_, err := backend.RecordEvent(context.Background(), run.ID, model.EventRunStarted, map[string]interface{}{}, "")
	require.NoError(t, err)

	return run
}

func TestCreateBackupFSRoundTrip(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	backend, err := fs.Open(dataDir)
	require.NoError(t, err)

	run := seedRun(t, backend)

	b := New(backend, model.BackupKindFS, dataDir, dataDir, "", CloudConfig{})
	meta, err := b.CreateBackup(ctx, "first backup", model.BackupScopeData)
	require.NoError(t, err)
	require.Equal(t, model.BackupKindFS, meta.Kind)
	require.Equal(t, model.BackupScopeData, meta.Scope)
	require.False(t, meta.Cloud.Uploaded)

	archivePath := filepath.Join(dataDir, "backups", meta.ID+".tar.gz")
	_, err = os.Stat(archivePath)
	require.NoError(t, err)

	require.NoError(t, backend.DeleteRun(ctx, run.ID))
	_, err = backend.GetRun(ctx, run.ID)
	require.Error(t, err)

	require.NoError(t, b.RestoreBackup(ctx, meta.ID))

	restored, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, run.Title, restored.Title)

	steps, err := backend.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, "greet", steps[0].Name)
}

func TestListBackupsSortedByCreatedAtDescending(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	backend, err := fs.Open(dataDir)
	require.NoError(t, err)
	seedRun(t, backend)

	b := New(backend, model.BackupKindFS, dataDir, dataDir, "", CloudConfig{})

	first, err := b.CreateBackup(ctx, "one", model.BackupScopeData)
	require.NoError(t, err)
	second, err := b.CreateBackup(ctx, "two", model.BackupScopeData)
	require.NoError(t, err)

	list, err := b.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.True(t, !list[0].CreatedAt.Before(list[1].CreatedAt))
	ids := []string{list[0].ID, list[1].ID}
	require.Contains(t, ids, first.ID)
	require.Contains(t, ids, second.ID)
}

func TestCreateBackupRejectsProjectScopeWithoutProjectDir(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	backend, err := fs.Open(dataDir)
	require.NoError(t, err)
	seedRun(t, backend)

	b := New(backend, model.BackupKindFS, dataDir, dataDir, "", CloudConfig{})
	_, err = b.CreateBackup(ctx, "", model.BackupScopeWithProject)
	require.Error(t, err)
}
