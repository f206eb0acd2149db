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

// Command runloop is the Operational CLI of §6: backup
// create/list/restore, run retry/resume, dlq list/rehydrate, and
// worker start. Grounded on cmd/conductor/main.go's cobra root-command
// assembly, trimmed to this system's much smaller command surface.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nofx/runloop/cmd/runloop/commands"
	"github.com/nofx/runloop/internal/log"
	pkgerrors "github.com/nofx/runloop/pkg/errors"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// exitCoder is implemented by the domain errors in pkg/errors that
// carry a specific process exit code.
type exitCoder interface {
	ExitCode() pkgerrors.ExitCode
}

func main() {
	logger := log.New(log.FromEnv())
	deps := &commands.Deps{Logger: logger}

	root := &cobra.Command{
		Use:           "runloop",
		Short:         "Operational CLI for the runloop run/step execution engine",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(commands.NewBackupCommand(deps))
	root.AddCommand(commands.NewRunCommand(deps))
	root.AddCommand(commands.NewDLQCommand(deps))
	root.AddCommand(commands.NewWorkerCommand(deps))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "runloop: %v\n", err)
		var ec exitCoder
		if errors.As(err, &ec) {
			os.Exit(int(ec.ExitCode()))
		}
		os.Exit(1)
	}
}
