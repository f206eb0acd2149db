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

// Package backup implements §4.I: createBackup/restoreBackup/listBackups.
// Archives are gzip-compressed tar streams of either the FS driver's
// data tree or a JSON dump of every entity reachable through the
// store.Backend contract, optionally uploaded to an S3-compatible
// bucket using the AWS SDK v2 client the reference codebase already
// carries for STS credential resolution (internal/operation/transport's
// AWSTransport).
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nofx/runloop/internal/core/model"
	"github.com/nofx/runloop/internal/core/store"
)

// dbDump is the on-disk shape of a DB-kind backup's db.json: every
// entity the store.Backend contract can enumerate, keyed by run.
type dbDump struct {
	Runs []runDump `json:"runs"`
}

type runDump struct {
	Run       *model.Run        `json:"run"`
	Steps     []*model.Step     `json:"steps"`
	Events    []*model.Event    `json:"events"`
	Artifacts []*model.Artifact `json:"artifacts"`
}

// CloudConfig describes where best-effort archive uploads go. A zero
// value disables upload entirely: createBackup then reports
// cloud.uploaded = false with no error.
type CloudConfig struct {
	Bucket string
	Region string
	Prefix string // defaults to "backups"
}

func (c CloudConfig) enabled() bool { return c.Bucket != "" }

// Backup implements createBackup/restoreBackup/listBackups against a
// single store.Backend. Root is the directory backups are written
// under (<root>/backups/*.tar.gz and *.json). For an FS-kind backend
// the directory copied into the archive is fsDataDir, minus any
// top-level "backups" directory.
type Backup struct {
	backend   store.Backend
	kind      model.BackupKind
	root      string // <root>/backups lives here
	fsDataDir string // only meaningful when kind == fs
	projectDir string // working tree root, for scope=with-project
	cloud     CloudConfig
}

// New constructs a Backup. fsDataDir is the FS driver's root directory
// and is only used when kind is model.BackupKindFS; it may be empty
// for a DB-kind backend.
func New(backend store.Backend, kind model.BackupKind, root, fsDataDir, projectDir string, cloud CloudConfig) *Backup {
	if cloud.Prefix == "" {
		cloud.Prefix = "backups"
	}
	return &Backup{backend: backend, kind: kind, root: root, fsDataDir: fsDataDir, projectDir: projectDir, cloud: cloud}
}

func (b *Backup) backupsDir() string { return filepath.Join(b.root, "backups") }

// CreateBackup implements §4.I's createBackup(note?, scope).
func (b *Backup) CreateBackup(ctx context.Context, note string, scope model.BackupScope) (*model.BackupMeta, error) {
	if scope == "" {
		scope = model.BackupScopeData
	}
	if err := os.MkdirAll(b.backupsDir(), 0o700); err != nil {
		return nil, fmt.Errorf("backup: creating backups dir: %w", err)
	}

	title, err := b.latestRunTitle(ctx)
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%s-%s", isoForID(time.Now().UTC()), slug(title))

	tmpDir, err := os.MkdirTemp("", "runloop-backup-*")
	if err != nil {
		return nil, fmt.Errorf("backup: staging temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	dataDir := filepath.Join(tmpDir, "data")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}

	switch b.kind {
	case model.BackupKindFS:
		if err := copyTreeExcluding(b.fsDataDir, dataDir, "backups"); err != nil {
			return nil, fmt.Errorf("backup: staging fs data: %w", err)
		}
	case model.BackupKindDB:
		if err := b.writeDBDump(ctx, filepath.Join(dataDir, "db.json")); err != nil {
			return nil, fmt.Errorf("backup: staging db dump: %w", err)
		}
	default:
		return nil, fmt.Errorf("backup: unknown kind %q", b.kind)
	}

	if scope == model.BackupScopeWithProject || scope == model.BackupScopeProjectOnly {
		if b.projectDir == "" {
			return nil, fmt.Errorf("backup: scope %q requires a project directory", scope)
		}
		projectOut := filepath.Join(tmpDir, "project")
		if err := copyTreeExcludingMany(b.projectDir, projectOut,
			"node_modules", ".git", filepath.Join("local_data", "backups"), "coverage", "test-results", "trash"); err != nil {
			return nil, fmt.Errorf("backup: staging project tree: %w", err)
		}
	}

	archiveName := id + ".tar.gz"
	archivePath := filepath.Join(b.backupsDir(), archiveName)
	size, err := writeTarGz(archivePath, tmpDir)
	if err != nil {
		return nil, fmt.Errorf("backup: archiving: %w", err)
	}

	meta := &model.BackupMeta{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Title:     title,
		Note:      note,
		SizeBytes: size,
		Kind:      b.kind,
		Scope:     scope,
	}
	meta.Cloud = b.upload(ctx, archivePath, archiveName)

	metaPath := filepath.Join(b.backupsDir(), id+".json")
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(metaPath, metaBytes, 0o600); err != nil {
		return nil, fmt.Errorf("backup: writing meta: %w", err)
	}

	return meta, nil
}

// upload is best-effort: any failure is recorded in the returned
// CloudUploadResult rather than failing createBackup, per §4.I.
func (b *Backup) upload(ctx context.Context, archivePath, archiveName string) *model.CloudUploadResult {
	if !b.cloud.enabled() {
		return &model.CloudUploadResult{Uploaded: false}
	}

	key := strings.Join([]string{b.cloud.Prefix, archiveName}, "/")
	result := &model.CloudUploadResult{Path: key}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(b.cloud.Region))
	if err != nil {
		result.Error = fmt.Sprintf("loading aws config: %v", err)
		return result
	}

	f, err := os.Open(archivePath)
	if err != nil {
		result.Error = fmt.Sprintf("opening archive: %v", err)
		return result
	}
	defer f.Close()

	client := s3.NewFromConfig(awsCfg)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &b.cloud.Bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		result.Error = fmt.Sprintf("uploading: %v", err)
		return result
	}
	result.Uploaded = true
	return result
}

// RestoreBackup implements §4.I's restoreBackup(id): a pre-restore
// snapshot is always taken first, then the archive is extracted and
// applied.
func (b *Backup) RestoreBackup(ctx context.Context, id string) error {
	if _, err := b.CreateBackup(ctx, "auto-pre-restore:"+id, model.BackupScopeData); err != nil {
		return fmt.Errorf("backup: pre-restore snapshot: %w", err)
	}

	archivePath := filepath.Join(b.backupsDir(), id+".tar.gz")
	if _, err := os.Stat(archivePath); err != nil {
		return fmt.Errorf("backup: archive %s not found: %w", id, err)
	}

	tmpDir, err := os.MkdirTemp("", "runloop-restore-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	if err := extractTarGz(archivePath, tmpDir); err != nil {
		return fmt.Errorf("backup: extracting: %w", err)
	}

	dataDir := filepath.Join(tmpDir, "data")
	switch b.kind {
	case model.BackupKindFS:
		if err := copyTreeExcluding(dataDir, b.fsDataDir, "backups"); err != nil {
			return fmt.Errorf("backup: restoring fs data: %w", err)
		}
	case model.BackupKindDB:
		if err := b.restoreDBDump(ctx, filepath.Join(dataDir, "db.json")); err != nil {
			return fmt.Errorf("backup: restoring db dump: %w", err)
		}
	default:
		return fmt.Errorf("backup: unknown kind %q", b.kind)
	}
	return nil
}

// ListBackups implements §4.I's listBackups: <root>/backups/*.json
// sorted by created_at descending.
func (b *Backup) ListBackups(ctx context.Context) ([]*model.BackupMeta, error) {
	entries, err := os.ReadDir(b.backupsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var metas []*model.BackupMeta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.backupsDir(), e.Name()))
		if err != nil {
			return nil, err
		}
		var meta model.BackupMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("backup: parsing %s: %w", e.Name(), err)
		}
		metas = append(metas, &meta)
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

func (b *Backup) latestRunTitle(ctx context.Context) (string, error) {
	runs, err := b.backend.ListRuns(ctx, model.RunFilter{Limit: 1})
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "runloop", nil
	}
	if runs[0].Title != "" {
		return runs[0].Title, nil
	}
	return "runloop", nil
}

// writeDBDump walks every run reachable through the Backend contract
// and writes a single JSON document — the DB driver's "dump every
// table" equivalent for a caller that only has the abstract Backend,
// not a raw SQL connection.
func (b *Backup) writeDBDump(ctx context.Context, path string) error {
	runs, err := b.backend.ListRuns(ctx, model.RunFilter{})
	if err != nil {
		return err
	}

	dump := dbDump{Runs: make([]runDump, 0, len(runs))}
	for _, run := range runs {
		steps, err := b.backend.ListSteps(ctx, run.ID)
		if err != nil {
			return err
		}
		events, err := b.backend.ListEvents(ctx, run.ID)
		if err != nil {
			return err
		}
		var artifacts []*model.Artifact
		for _, step := range steps {
			stepArtifacts, err := b.backend.ListArtifacts(ctx, run.ID, step.ID)
			if err != nil {
				return err
			}
			artifacts = append(artifacts, stepArtifacts...)
		}
		dump.Runs = append(dump.Runs, runDump{Run: run, Steps: steps, Events: events, Artifacts: artifacts})
	}

	raw, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// restoreDBDump replaces every run's state with the dump's contents.
// Per §4.I, child entities are removed before parents and reinserted
// in reverse order; DeleteRun cascades to steps/events/artifacts on
// every driver (the FS driver removes the run directory, and both SQL
// schemas declare ON DELETE CASCADE), so the truncation side is a
// single DeleteRun per existing run.
func (b *Backup) restoreDBDump(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var dump dbDump
	if err := json.Unmarshal(raw, &dump); err != nil {
		return fmt.Errorf("backup: parsing db dump: %w", err)
	}

	existing, err := b.backend.ListRuns(ctx, model.RunFilter{})
	if err != nil {
		return err
	}
	for _, run := range existing {
		if err := b.backend.DeleteRun(ctx, run.ID); err != nil {
			return err
		}
	}

	const chunkSize = 100
	for _, rd := range dump.Runs {
		if err := b.backend.CreateRun(ctx, rd.Run); err != nil {
			return err
		}
		if err := insertChunks(rd.Steps, chunkSize, func(s *model.Step) error {
			return b.backend.CreateStep(ctx, s)
		}); err != nil {
			return err
		}
		for _, a := range rd.Artifacts {
			if err := b.backend.AddArtifact(ctx, a); err != nil {
				return err
			}
		}
		for _, e := range rd.Events {
			if _, err := b.backend.RecordEvent(ctx, e.RunID, e.Type, e.Payload, e.StepID); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertChunks[T any](items []T, size int, insert func(T) error) error {
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		for _, item := range items[i:end] {
			if err := insert(item); err != nil {
				return err
			}
		}
	}
	return nil
}

func isoForID(t time.Time) string {
	s := t.Format(time.RFC3339Nano)
	s = strings.ReplaceAll(s, ":", "-")
	s = strings.ReplaceAll(s, ".", "-")
	return s
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "runloop"
	}
	return out
}

func copyTreeExcluding(src, dst, exclude string) error {
	return copyTreeExcludingMany(src, dst, exclude)
}

func copyTreeExcludingMany(src, dst string, excludes ...string) error {
	excludeSet := make(map[string]bool, len(excludes))
	for _, e := range excludes {
		excludeSet[filepath.Clean(e)] = true
	}

	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o700)
		}
		if excludeSet[filepath.Clean(rel)] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		return copyFile(p, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func writeTarGz(archivePath, srcDir string) (int64, error) {
	f, err := os.Create(archivePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(srcDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})
	if err != nil {
		tw.Close()
		gz.Close()
		return 0, err
	}
	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("backup: archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}
