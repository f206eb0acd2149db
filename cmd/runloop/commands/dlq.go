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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewDLQCommand builds the "dlq" command tree: list, rehydrate — the
// Operational CLI surface over each topic's dead-letter queue (§4.B).
func NewDLQCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and rehydrate dead-lettered jobs",
	}
	cmd.AddCommand(newDLQListCommand(deps))
	cmd.AddCommand(newDLQRehydrateCommand(deps))
	return cmd
}

func newDLQListCommand(deps *Deps) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <topic>",
		Short: "List dead-lettered jobs for a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.Queue.ListDLQ(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				payload, _ := json.Marshal(j.Payload)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tattempt=%d\t%s\n", j.ID, j.Attempt, payload)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum jobs to list")
	return cmd
}

func newDLQRehydrateCommand(deps *Deps) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "rehydrate <topic>",
		Short: "Move dead-lettered jobs back onto the ready queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			defer a.Close()

			moved, err := a.Queue.RehydrateDLQ(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rehydrated %d job(s) on topic %s\n", moved, args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum jobs to rehydrate (0 = all)")
	return cmd
}
