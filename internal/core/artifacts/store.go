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

// Package artifacts stores the blob payload of a step's large
// artifacts outside the model.Artifact row itself. A step whose
// handler returns an artifact.Data over InlineThreshold gets that
// data written through a Store instead of inline, with model.Artifact
// carrying only the resulting Path — the same inline-vs-reference
// split §4.I documents for backup archives, applied here to individual
// step outputs. Grounded on internal/core/backup's upload method for
// the S3 side.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nofx/runloop/internal/core/resilience"
)

// s3CallLimit bounds how many calls per second a single S3Store
// issues against the bucket, per §4.J's "used by external-call
// adapters" remit.
const s3CallLimit = 16

// InlineThreshold is the largest artifact payload the Step Runner
// keeps inline on model.Artifact.Data. Anything larger is written
// through a Store and referenced by model.Artifact.Path instead.
const InlineThreshold = 32 * 1024

// Store persists artifact blobs addressed by run/step/name and
// resolves a previously returned path back to its bytes.
type Store interface {
	Put(ctx context.Context, runID, stepID, name string, data []byte) (path string, err error)
	Get(ctx context.Context, path string) ([]byte, error)
}

// Config selects which Store New returns. A non-empty Bucket selects
// the S3-compatible Store; otherwise artifacts land under Root on the
// local filesystem.
type Config struct {
	Bucket string
	Region string
	Prefix string // defaults to "artifacts"
	Root   string // FS store root; defaults to "./data"
}

// New builds the Store described by cfg.
func New(cfg Config) Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "artifacts"
	}
	if cfg.Bucket != "" {
		return &S3Store{
			bucket:  cfg.Bucket,
			region:  cfg.Region,
			prefix:  cfg.Prefix,
			limiter: resilience.NewRateLimiter(s3CallLimit, time.Second),
		}
	}
	root := cfg.Root
	if root == "" {
		root = "./data"
	}
	return &FSStore{root: filepath.Join(root, cfg.Prefix)}
}

// FSStore writes artifact blobs to <root>/<runID>/<stepID>/<name>.
type FSStore struct {
	root string
}

func NewFS(root string) *FSStore { return &FSStore{root: root} }

func (s *FSStore) Put(ctx context.Context, runID, stepID, name string, data []byte) (string, error) {
	rel := filepath.Join(runID, stepID, name)
	target := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return "", fmt.Errorf("artifacts: creating dir: %w", err)
	}
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return "", fmt.Errorf("artifacts: writing blob: %w", err)
	}
	return "file://" + filepath.ToSlash(rel), nil
}

func (s *FSStore) Get(ctx context.Context, path string) ([]byte, error) {
	rel := strings.TrimPrefix(path, "file://")
	return os.ReadFile(filepath.Join(s.root, filepath.FromSlash(rel)))
}

// S3Store writes artifact blobs to an S3-compatible bucket, resolving
// credentials the same way internal/core/backup's upload does.
type S3Store struct {
	bucket  string
	region  string
	prefix  string
	limiter *resilience.RateLimiter
}

func NewS3(bucket, region string) *S3Store {
	return &S3Store{
		bucket:  bucket,
		region:  region,
		prefix:  "artifacts",
		limiter: resilience.NewRateLimiter(s3CallLimit, time.Second),
	}
}

func (s *S3Store) key(runID, stepID, name string) string {
	return strings.Join([]string{s.prefix, runID, stepID, name}, "/")
}

func (s *S3Store) Put(ctx context.Context, runID, stepID, name string, data []byte) (string, error) {
	if err := s.limiter.Wait(ctx, 30*time.Second); err != nil {
		return "", fmt.Errorf("artifacts: rate limit: %w", err)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.region))
	if err != nil {
		return "", fmt.Errorf("artifacts: loading aws config: %w", err)
	}
	key := s.key(runID, stepID, name)
	client := s3.NewFromConfig(awsCfg)
	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	}); err != nil {
		return "", fmt.Errorf("artifacts: uploading: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3Store) Get(ctx context.Context, path string) ([]byte, error) {
	trimmed := strings.TrimPrefix(path, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("artifacts: malformed path %q", path)
	}
	bucket, key := parts[0], parts[1]

	if err := s.limiter.Wait(ctx, 30*time.Second); err != nil {
		return nil, fmt.Errorf("artifacts: rate limit: %w", err)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.region))
	if err != nil {
		return nil, fmt.Errorf("artifacts: loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("artifacts: downloading: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
