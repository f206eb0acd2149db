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

// Package registry holds the Tool Registry (§4.F): a name-addressed
// map of opaque ToolHandler functions with an Interceptor hook the
// Step Runner uses to enforce a step's policy envelope before
// dispatch. Grounded on the reference codebase's pkg/tools.Registry,
// generalised from a typed Tool interface with JSON-schema validation
// to the spec's simpler opaque-handler contract, and on
// pkg/security's Intercept/PostExecute interceptor shape.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/nofx/runloop/internal/core/model"
	pkgerrors "github.com/nofx/runloop/pkg/errors"
)

// ToolHandler executes one step's tool against its sanitised inputs
// (the _policy sidecar already stripped) and returns the step's
// result: outputs plus any artifacts or gate updates it produced.
type ToolHandler func(ctx context.Context, inputs map[string]interface{}) (model.ToolResult, error)

// Interceptor validates and observes tool execution against a step's
// policy envelope, generalised from the reference codebase's
// tool-registry interceptor hook (pkg/security/interceptor.go).
type Interceptor interface {
	// Intercept runs before dispatch. A non-nil error (typically
	// *pkg/errors.PolicyError) aborts execution without calling the
	// handler.
	Intercept(ctx context.Context, tool string, policy *model.PolicyEnvelope, inputs map[string]interface{}) error
	// PostExecute runs after dispatch regardless of outcome.
	PostExecute(ctx context.Context, tool string, outputs map[string]interface{}, err error)
}

// Registry is the name-addressed map of ToolHandlers.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]ToolHandler
	interceptor Interceptor
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]ToolHandler)}
}

// SetInterceptor installs the policy-enforcement hook. A Registry with
// no interceptor dispatches every tool unconditionally; the Step
// Runner always installs one in production wiring.
func (r *Registry) SetInterceptor(i Interceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interceptor = i
}

// Register adds handler under name. Re-registering an existing name
// is an error, matching the reference registry's no-silent-overwrite
// policy.
func (r *Registry) Register(name string, handler ToolHandler) error {
	if name == "" {
		return fmt.Errorf("registry: tool name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("registry: cannot register nil handler for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("registry: tool already registered: %s", name)
	}
	r.handlers[name] = handler
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// List returns every registered tool name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch runs tool's handler against inputs, enforcing policy via
// the installed Interceptor first. It is the single entry point the
// Step Runner's step 6 (§4.D) calls.
func (r *Registry) Dispatch(ctx context.Context, tool string, policy *model.PolicyEnvelope, inputs map[string]interface{}) (model.ToolResult, error) {
	r.mu.RLock()
	handler, ok := r.handlers[tool]
	interceptor := r.interceptor
	r.mu.RUnlock()

	if !ok {
		return model.ToolResult{}, &pkgerrors.NotFoundError{Resource: "tool", ID: tool}
	}

	if interceptor != nil {
		if err := interceptor.Intercept(ctx, tool, policy, inputs); err != nil {
			interceptor.PostExecute(ctx, tool, nil, err)
			return model.ToolResult{}, err
		}
	}

	result, err := handler(ctx, inputs)

	if interceptor != nil {
		interceptor.PostExecute(ctx, tool, result.Outputs, err)
	}
	return result, err
}

// PolicyInterceptor is the default Interceptor: it denies a tool call
// whenever the step's policy envelope declares a non-empty
// tools_allowed list that does not contain the requested tool.
type PolicyInterceptor struct{}

func (PolicyInterceptor) Intercept(ctx context.Context, tool string, policy *model.PolicyEnvelope, inputs map[string]interface{}) error {
	if policy == nil || len(policy.ToolsAllowed) == 0 {
		return nil
	}
	for _, allowed := range policy.ToolsAllowed {
		if allowed == tool {
			return nil
		}
	}
	return &pkgerrors.PolicyError{
		Tool:         tool,
		ToolsAllowed: policy.ToolsAllowed,
		Reason:       "tool not in tools_allowed",
	}
}

func (PolicyInterceptor) PostExecute(ctx context.Context, tool string, outputs map[string]interface{}, err error) {
}
