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

// Package commands holds the runloop Operational CLI's subcommand
// tree, grounded on the reference codebase's internal/commands/*
// per-domain NewCommand() cobra pattern.
package commands

import (
	"log/slog"

	"github.com/nofx/runloop/internal/core/app"
	"github.com/nofx/runloop/internal/core/config"
)

// Deps lazily builds one app.App per command invocation — the CLI is
// a short-lived process, unlike runloopd, so there is no benefit to
// building it up front in main before cobra has parsed flags.
type Deps struct {
	Logger *slog.Logger
}

// App loads config and wires a fresh app.App. Callers must call
// Close() on the result.
func (d *Deps) App() (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.Build(cfg, d.Logger)
}
