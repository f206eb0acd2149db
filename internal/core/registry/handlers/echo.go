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

// Package handlers provides the reference ToolHandler implementations
// that ship with the core: echo, sleep and write_artifact. They exist
// to exercise the registry and runner in tests and as a template for
// real handlers.
package handlers

import (
	"context"

	"github.com/nofx/runloop/internal/core/model"
)

// Echo returns its inputs unchanged as outputs under the "result" key.
func Echo(ctx context.Context, inputs map[string]interface{}) (model.ToolResult, error) {
	return model.ToolResult{Outputs: map[string]interface{}{"result": inputs}}, nil
}
