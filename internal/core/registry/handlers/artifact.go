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

	"github.com/nofx/runloop/internal/core/model"
)

// WriteArtifact produces one artifact named inputs["name"] from
// inputs["data"] (a string, stored as UTF-8 bytes). The Step Runner
// decides whether the bytes stay inline on the resulting
// model.Artifact or are routed through the artifact Store, per
// artifacts.InlineThreshold.
func WriteArtifact(ctx context.Context, inputs map[string]interface{}) (model.ToolResult, error) {
	name, _ := inputs["name"].(string)
	if name == "" {
		return model.ToolResult{}, fmt.Errorf("write_artifact: inputs.name is required")
	}
	data, _ := inputs["data"].(string)
	kind, _ := inputs["kind"].(string)
	if kind == "" {
		kind = "text"
	}

	return model.ToolResult{
		Outputs: map[string]interface{}{"name": name, "bytes": len(data)},
		Artifacts: []model.Artifact{
			{Name: name, Kind: kind, Data: []byte(data)},
		},
	}, nil
}
