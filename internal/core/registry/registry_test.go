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

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nofx/runloop/internal/core/model"
	pkgerrors "github.com/nofx/runloop/pkg/errors"
)

func echoHandler(ctx context.Context, inputs map[string]interface{}) (model.ToolResult, error) {
	return model.ToolResult{Outputs: map[string]interface{}{"echo": inputs}}, nil
}

func TestRegisterAndDispatch(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("echo", echoHandler))
	require.True(t, r.Has("echo"))
	require.Equal(t, []string{"echo"}, r.List())

	result, err := r.Dispatch(context.Background(), "echo", nil, map[string]interface{}{"a": 1})
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"a": 1}, result.Outputs["echo"])
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("echo", echoHandler))
	require.Error(t, r.Register("echo", echoHandler))
}

func TestRegisterRejectsEmptyNameOrNilHandler(t *testing.T) {
	r := New()
	require.Error(t, r.Register("", echoHandler))
	require.Error(t, r.Register("x", nil))
}

func TestDispatchUnknownToolReturnsNotFound(t *testing.T) {
	r := New()
	_, err := r.Dispatch(context.Background(), "missing", nil, nil)
	require.Error(t, err)
	var notFound *pkgerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPolicyInterceptorDeniesDisallowedTool(t *testing.T) {
	r := New()
	r.SetInterceptor(PolicyInterceptor{})
	require.NoError(t, r.Register("echo", echoHandler))

	policy := &model.PolicyEnvelope{ToolsAllowed: []string{"other"}}
	_, err := r.Dispatch(context.Background(), "echo", policy, nil)
	require.Error(t, err)
	var polErr *pkgerrors.PolicyError
	require.ErrorAs(t, err, &polErr)
}

func TestPolicyInterceptorAllowsListedTool(t *testing.T) {
	r := New()
	r.SetInterceptor(PolicyInterceptor{})
	require.NoError(t, r.Register("echo", echoHandler))

	policy := &model.PolicyEnvelope{ToolsAllowed: []string{"echo"}}
	result, err := r.Dispatch(context.Background(), "echo", policy, map[string]interface{}{"x": true})
	require.NoError(t, err)
	require.NotNil(t, result.Outputs)
}

func TestPolicyInterceptorAllowsEveryToolWhenEmpty(t *testing.T) {
	r := New()
	r.SetInterceptor(PolicyInterceptor{})
	require.NoError(t, r.Register("echo", echoHandler))

	_, err := r.Dispatch(context.Background(), "echo", &model.PolicyEnvelope{}, nil)
	require.NoError(t, err)
}
