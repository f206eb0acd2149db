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

package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/nofx/runloop/internal/core/model"
)

// Sleep blocks for inputs["duration_ms"] milliseconds (default 0) or
// until ctx is cancelled, whichever comes first. It exists to exercise
// the runner's step-timeout path (§4.D) in tests.
func Sleep(ctx context.Context, inputs map[string]interface{}) (model.ToolResult, error) {
	ms := 0
	switch v := inputs["duration_ms"].(type) {
	case int:
		ms = v
	case int64:
		ms = int(v)
	case float64:
		ms = int(v)
	}
	if ms < 0 {
		return model.ToolResult{}, fmt.Errorf("sleep: duration_ms must be >= 0, got %d", ms)
	}

	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return model.ToolResult{Outputs: map[string]interface{}{"slept_ms": ms}}, nil
	case <-ctx.Done():
		return model.ToolResult{}, ctx.Err()
	}
}
