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

// Package app wires the core collaborators — Store, Queue, Tool
// Registry, Step Runner, Run Recovery, Backup and Outbox Relay — from
// a loaded config.Config, so cmd/runloopd and cmd/runloop share one
// construction path instead of duplicating it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nofx/runloop/internal/core/artifacts"
	"github.com/nofx/runloop/internal/core/backup"
	"github.com/nofx/runloop/internal/core/config"
	"github.com/nofx/runloop/internal/core/idempotency"
	"github.com/nofx/runloop/internal/core/model"
	"github.com/nofx/runloop/internal/core/observability"
	"github.com/nofx/runloop/internal/core/outbox"
	"github.com/nofx/runloop/internal/core/queue"
	"github.com/nofx/runloop/internal/core/queue/memory"
	"github.com/nofx/runloop/internal/core/queue/redisq"
	"github.com/nofx/runloop/internal/core/recovery"
	"github.com/nofx/runloop/internal/core/registry"
	"github.com/nofx/runloop/internal/core/registry/handlers"
	"github.com/nofx/runloop/internal/core/runner"
	"github.com/nofx/runloop/internal/core/store"
	"github.com/nofx/runloop/internal/core/store/fs"
	"github.com/nofx/runloop/internal/core/store/postgres"
	"github.com/nofx/runloop/internal/core/store/sqlite"
)

// App holds every collaborator a CLI command or the daemon needs.
type App struct {
	Config    *config.Config
	Backend   store.Backend
	Queue     queue.Queue
	Registry  *registry.Registry
	Runner    *runner.Runner
	Recovery  *recovery.Recovery
	Backup    *backup.Backup
	Relay     *outbox.Relay
	Guard     *idempotency.Guard
	Artifacts artifacts.Store
	Logger    *slog.Logger
}

// Build constructs an App from cfg. Callers must call Close when done.
func Build(cfg *config.Config, logger *slog.Logger) (*App, error) {
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	metrics := queue.NewMetrics(prometheus.DefaultRegisterer)
	q, err := openQueue(cfg, metrics)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("app: open queue: %w", err)
	}

	reg := registry.New()
	reg.SetInterceptor(registry.PolicyInterceptor{})
	for name, h := range map[string]registry.ToolHandler{
		"echo":           handlers.Echo,
		"sleep":          handlers.Sleep,
		"write_artifact": handlers.WriteArtifact,
	} {
		if err := reg.Register(name, h); err != nil {
			q.Close()
			backend.Close()
			return nil, fmt.Errorf("app: register tool %q: %w", name, err)
		}
	}

	artifactStore := artifacts.New(artifacts.Config{
		Bucket: cfg.Backup.ArtifactBucket,
		Region: cfg.Backup.S3Region,
		Root:   cfg.Store.FSRoot,
	})

	run := runner.New(backend, reg, q, logger, cfg.StepTimeout, artifactStore)
	guard := idempotency.NewGuard(backend)
	rec := recovery.New(backend, q)
	relay := outbox.New(backend, q, logger, cfg.OutboxInterval, cfg.OutboxBatch)
	bkp := backup.New(backend, backupKind(cfg), cfg.Backup.Root, cfg.Store.FSRoot, cfg.Backup.ProjectDir, backup.CloudConfig{
		Bucket: cfg.Backup.ArtifactBucket,
		Region: cfg.Backup.S3Region,
	})

	return &App{
		Config:    cfg,
		Backend:   backend,
		Queue:     q,
		Registry:  reg,
		Runner:    run,
		Recovery:  rec,
		Backup:    bkp,
		Relay:     relay,
		Guard:     guard,
		Artifacts: artifactStore,
		Logger:    logger,
	}, nil
}

// Close releases the store and queue connections.
func (a *App) Close() error {
	qErr := a.Queue.Close()
	bErr := a.Backend.Close()
	if qErr != nil {
		return qErr
	}
	return bErr
}

// StepReadyHandler returns the queue.Handler the Step Runner
// subscribes to model.TopicStepReady.
func (a *App) StepReadyHandler() queue.Handler {
	return a.Runner.Handler(a.Guard)
}

// InitTracing wires an OTel tracer provider when an OTLP endpoint is
// configured, returning a shutdown func that is a no-op if tracing
// was never enabled.
func InitTracing(ctx context.Context, cfg *config.Config, logger *slog.Logger) func(context.Context) error {
	if cfg.Observability.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }
	}
	provider, err := observability.NewTracerProvider(ctx, cfg.Observability.ServiceName)
	if err != nil {
		logger.Warn("tracer provider init failed, continuing without tracing", slog.Any("error", err))
		return func(context.Context) error { return nil }
	}
	return provider.Shutdown
}

func backupKind(cfg *config.Config) model.BackupKind {
	if cfg.Store.DataDriver == config.DataDriverDB {
		return model.BackupKindDB
	}
	return model.BackupKindFS
}

func openBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.Store.DataDriver {
	case config.DataDriverFS:
		return fs.Open(cfg.Store.FSRoot)
	case config.DataDriverDB:
		switch cfg.Store.DBDriver {
		case config.DBDriverSQLite:
			return sqlite.Open(sqlite.Config{Path: cfg.Store.DatabaseURL})
		case config.DBDriverPostgres:
			return postgres.Open(postgres.Config{
				DSN:          cfg.Store.DatabaseURL,
				MaxOpenConns: 2 * cfg.Queue.WorkerConcurrency,
			})
		default:
			return nil, fmt.Errorf("unknown db driver %q", cfg.Store.DBDriver)
		}
	default:
		return nil, fmt.Errorf("unknown data driver %q", cfg.Store.DataDriver)
	}
}

func openQueue(cfg *config.Config, metrics *queue.Metrics) (queue.Queue, error) {
	policy := queue.DefaultRetryPolicy()
	switch cfg.Queue.Driver {
	case config.QueueDriverMemory:
		return memory.New(policy, metrics), nil
	case config.QueueDriverDurable:
		return redisq.New(redisq.Config{Addr: cfg.Queue.RedisAddr}, policy, metrics), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}
