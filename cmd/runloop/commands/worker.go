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

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nofx/runloop/internal/core/model"
)

// NewWorkerCommand builds "worker start": the subscribe loop plus the
// outbox relay as a long-running foreground process, matching
// runloopd's embedding of §4.B/§4.C but launched via the Operational
// CLI for ad-hoc or supervised-process deployments.
func NewWorkerCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run worker processes",
	}
	cmd.AddCommand(newWorkerStartCommand(deps))
	return cmd
}

func newWorkerStartCommand(deps *Deps) *cobra.Command {
	var (
		concurrency int
		topicsCSV   string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the step.ready subscribe loop and the outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			defer a.Close()

			n := a.Config.Queue.WorkerConcurrency
			if concurrency > 0 {
				n = concurrency
			}

			topics := []string{model.TopicStepReady}
			if topicsCSV != "" {
				topics = strings.Split(topicsCSV, ",")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			var wg sync.WaitGroup
			errCh := make(chan error, n*len(topics)+1)

			for _, topic := range topics {
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func(topic string) {
						defer wg.Done()
						if err := a.Queue.Subscribe(ctx, topic, a.StepReadyHandler()); err != nil && !errors.Is(err, context.Canceled) {
							errCh <- fmt.Errorf("worker[%s]: %w", topic, err)
						}
					}(topic)
				}
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := a.Relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errCh <- fmt.Errorf("outbox relay: %w", err)
				}
			}()

			fmt.Fprintf(cmd.OutOrStdout(), "worker started: concurrency=%d topics=%v\n", n, topics)

			var runErr error
			select {
			case <-sigCh:
			case runErr = <-errCh:
			}
			cancel()
			wg.Wait()
			return runErr
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "worker concurrency (default: WORKER_CONCURRENCY)")
	cmd.Flags().StringVar(&topicsCSV, "topics", "", "comma-separated topics to subscribe (default: step.ready)")
	return cmd
}
