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
	"fmt"

	"github.com/spf13/cobra"
)

// NewRunCommand builds the "run" command tree: retry, resume —
// the Operational CLI surface over Run Recovery (§4.E).
func NewRunCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Retry a step or resume a run",
	}
	cmd.AddCommand(newRunRetryCommand(deps))
	cmd.AddCommand(newRunResumeCommand(deps))
	return cmd
}

func newRunRetryCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <runId> <stepId>",
		Short: "Retry one step of a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Recovery.RetryStep(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retried step %s of run %s\n", args[1], args[0])
			return nil
		},
	}
}

func newRunResumeCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <runId>",
		Short: "Resume a run, retrying every failed or timed-out step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Recovery.ResumeRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resumed run %s\n", args[0])
			return nil
		},
	}
}
