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

// Package config assembles the process Config from environment
// variables, following the reference codebase's internal/config
// env-first, struct-of-structs convention (env overrides loaded in
// loadFromEnv, no global mutable singleton beyond the explicit Load
// call at process start). Unlike the reference codebase's Config, this
// one carries no YAML profile/workspace machinery — runloop has no
// equivalent concept, so the struct stays scoped to the environment
// variables §6 names as the stable external contract.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DataDriver selects the storage family: filesystem or relational.
type DataDriver string

const (
	DataDriverFS DataDriver = "fs"
	DataDriverDB DataDriver = "db"
)

// DBDriver selects which relational driver backs DataDriverDB.
type DBDriver string

const (
	DBDriverSQLite   DBDriver = "sqlite"
	DBDriverPostgres DBDriver = "postgres"
)

// QueueDriver selects the Queue implementation.
type QueueDriver string

const (
	QueueDriverMemory  QueueDriver = "memory"
	QueueDriverDurable QueueDriver = "durable"
)

// LogConfig follows the reference codebase's LogConfig shape (level,
// format) plus the LOG_FILE_* file-output settings; it has no source
// setting.
type LogConfig struct {
	Level         string `json:"level"`
	Format        string `json:"format"`
	FileEnabled   bool   `json:"file_enabled"`
	FileDir       string `json:"file_dir"`
	FilePath      string `json:"file_path"`
}

// StoreConfig configures whichever Store driver is selected.
type StoreConfig struct {
	DataDriver DataDriver `json:"data_driver"`
	DBDriver   DBDriver   `json:"db_driver"`

	// FSRoot is the data directory for the fs driver.
	FSRoot string `json:"fs_root"`

	// DatabaseURL is the connection string/path for the db driver: a
	// filesystem path for sqlite, a DSN for postgres.
	DatabaseURL string `json:"database_url"`
}

// QueueConfig configures whichever Queue driver is selected.
type QueueConfig struct {
	Driver QueueDriver `json:"driver"`

	// RedisAddr configures the durable driver.
	RedisAddr string `json:"redis_addr"`

	// WorkerConcurrency is per-topic worker count; default 1.
	WorkerConcurrency int `json:"worker_concurrency"`
}

// BackupConfig configures createBackup/restoreBackup/listBackups.
type BackupConfig struct {
	Root       string `json:"root"`
	ProjectDir string `json:"project_dir"`

	// ArtifactBucket doubles as the S3 bucket backup archives upload
	// to, matching §6's single ARTIFACT_BUCKET environment variable
	// for blob storage across both artifacts and backups.
	ArtifactBucket string `json:"artifact_bucket"`
	S3Region       string `json:"s3_region"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint"`
	ServiceName  string `json:"service_name"`
	TraceLog     bool   `json:"trace_log"`
}

// Config is the complete process configuration for both cmd/runloopd
// and cmd/runloop.
type Config struct {
	Log           LogConfig           `json:"log"`
	Store         StoreConfig         `json:"store"`
	Queue         QueueConfig         `json:"queue"`
	Backup        BackupConfig        `json:"backup"`
	Observability ObservabilityConfig `json:"observability"`

	// StepTimeout bounds a single step execution (§4.D).
	StepTimeout time.Duration `json:"step_timeout"`

	// OutboxInterval/OutboxBatch tune the relay's poll loop (§4.C).
	OutboxInterval time.Duration `json:"outbox_interval"`
	OutboxBatch    int           `json:"outbox_batch"`
}

// Load builds a Config from defaults overridden by environment
// variables, mirroring the reference codebase's Load/loadFromEnv
// split but with no YAML file to read first — every setting here is
// env-only.
func Load() (*Config, error) {
	cfg := defaultConfig()
	cfg.loadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			DataDriver: DataDriverFS,
			DBDriver:   DBDriverSQLite,
			FSRoot:     "./data",
		},
		Queue: QueueConfig{
			Driver:            QueueDriverMemory,
			WorkerConcurrency: 1,
		},
		Backup: BackupConfig{
			Root: "./data",
		},
		Observability: ObservabilityConfig{
			ServiceName: "runloop",
		},
		StepTimeout:    300 * time.Second,
		OutboxInterval: 1000 * time.Millisecond,
		OutboxBatch:    25,
	}
}

// loadFromEnv applies §6's stable environment-variable contract.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FILE_ENABLED"); v != "" {
		c.Log.FileEnabled = isTruthy(v)
	}
	if v := os.Getenv("LOG_FILE_DIR"); v != "" {
		c.Log.FileDir = v
	}
	if v := os.Getenv("LOG_FILE_PATH"); v != "" {
		c.Log.FilePath = v
	}

	if v := os.Getenv("DATA_DRIVER"); v != "" {
		c.Store.DataDriver = DataDriver(strings.ToLower(v))
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		c.Store.DBDriver = DBDriver(strings.ToLower(v))
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}

	if v := os.Getenv("QUEUE_DRIVER"); v != "" {
		c.Queue.Driver = QueueDriver(strings.ToLower(v))
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Queue.RedisAddr = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.WorkerConcurrency = n
		}
	}

	if v := os.Getenv("ARTIFACT_BUCKET"); v != "" {
		c.Backup.ArtifactBucket = v
	}

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Observability.OTLPEndpoint = v
	}
	if v := os.Getenv("RUN_TRACE_LOG"); v != "" {
		c.Observability.TraceLog = isTruthy(v)
	} else if v := os.Getenv("RUNLOOP_TRACE_LOG"); v != "" {
		c.Observability.TraceLog = isTruthy(v)
	}

	if v := os.Getenv("STEP_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.StepTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("OUTBOX_RELAY_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.OutboxInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("OUTBOX_RELAY_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OutboxBatch = n
		}
	}
}

// Validate checks the driver selections carry the settings they need.
func (c *Config) Validate() error {
	switch c.Store.DataDriver {
	case DataDriverFS:
		if c.Store.FSRoot == "" {
			return fmt.Errorf("config: store.fs_root is required when DATA_DRIVER=fs")
		}
	case DataDriverDB:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("config: database_url is required when DATA_DRIVER=db")
		}
		switch c.Store.DBDriver {
		case DBDriverSQLite, DBDriverPostgres:
		default:
			return fmt.Errorf("config: unknown db driver %q", c.Store.DBDriver)
		}
	default:
		return fmt.Errorf("config: unknown data driver %q", c.Store.DataDriver)
	}

	switch c.Queue.Driver {
	case QueueDriverMemory:
	case QueueDriverDurable:
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("config: queue.redis_addr is required when QUEUE_DRIVER=durable")
		}
	default:
		return fmt.Errorf("config: unknown queue driver %q", c.Queue.Driver)
	}

	if c.Queue.WorkerConcurrency <= 0 {
		return fmt.Errorf("config: worker_concurrency must be positive")
	}
	return nil
}

func isTruthy(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}
