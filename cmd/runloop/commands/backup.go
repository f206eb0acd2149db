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

	"github.com/nofx/runloop/internal/core/model"
)

// NewBackupCommand builds the "backup" command tree: create, list,
// restore. Grounded on the reference codebase's per-domain
// NewCommand() cobra pattern (internal/commands/run/command.go).
func NewBackupCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list and restore backups",
	}
	cmd.AddCommand(newBackupCreateCommand(deps))
	cmd.AddCommand(newBackupListCommand(deps))
	cmd.AddCommand(newBackupRestoreCommand(deps))
	return cmd
}

func newBackupCreateCommand(deps *Deps) *cobra.Command {
	var (
		note  string
		scope string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			defer a.Close()

			meta, err := a.Backup.CreateBackup(cmd.Context(), note, model.BackupScope(scope))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created backup %s (%s, %d bytes)\n", meta.ID, meta.Scope, meta.SizeBytes)
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "optional note attached to the backup")
	cmd.Flags().StringVar(&scope, "scope", string(model.BackupScopeData), "backup scope: data|with-project|project-only")
	return cmd
}

func newBackupListCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			defer a.Close()

			backups, err := a.Backup.ListBackups(cmd.Context())
			if err != nil {
				return err
			}
			for _, b := range backups {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d bytes\n", b.ID, b.Kind, b.Scope, b.SizeBytes)
			}
			return nil
		},
	}
}

func newBackupRestoreCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a backup by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Backup.RestoreBackup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored backup %s\n", args[0])
			return nil
		},
	}
}
