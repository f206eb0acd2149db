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

// Command runloopd is the worker daemon: it subscribes the Step
// Runner to the step.ready topic, runs the Outbox Relay on a timer,
// and serves /healthz and Prometheus metrics, shutting down cleanly
// on SIGINT/SIGTERM. Grounded on cmd/conductord/main.go's
// signal-handling and daemon lifecycle shape.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nofx/runloop/internal/core/app"
	"github.com/nofx/runloop/internal/core/config"
	"github.com/nofx/runloop/internal/core/model"
	"github.com/nofx/runloop/internal/log"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "runloopd: config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting runloopd", slog.String("version", version), slog.String("commit", commit))

	a, err := app.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to wire application", log.Error(err))
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing := app.InitTracing(ctx, cfg, logger)
	defer shutdownTracing(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	errCh := make(chan error, cfg.Queue.WorkerConcurrency+2)

	for i := 0; i < cfg.Queue.WorkerConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Queue.Subscribe(ctx, model.TopicStepReady, a.StepReadyHandler()); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("worker: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("outbox relay: %w", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{Addr: ":9090", Handler: mux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("component failed", log.Error(err))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	wg.Wait()
	logger.Info("runloopd stopped")
}

func buildLogger(cfg *config.Config) *slog.Logger {
	logCfg := log.FromEnv()
	logCfg.Format = log.Format(cfg.Log.Format)
	if cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	if cfg.Log.FileEnabled {
		out, err := log.FileOutput(cfg.Log.FileDir, cfg.Log.FilePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "runloopd: log file: %v\n", err)
			os.Exit(1)
		}
		logCfg.Output = out
	}
	return log.New(logCfg)
}
