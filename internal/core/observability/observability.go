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

// Package observability carries the ambient request-scoped fields
// (requestId, runId, stepId, provider, retryCount, projectId) through
// context.Context, adapts them into slog.Logger attributes, and wires
// the OpenTelemetry tracer used by the Step Runner, Run Recovery and
// Outbox Relay. Grounded on internal/tracing/correlation.go's
// context-key pattern and internal/log/logger.go's slog setup, and on
// internal/tracing/otel.go's OTel provider wiring, trimmed to the
// fields this system needs.
package observability

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Fields is the ambient context carried through every stage of a run.
type Fields struct {
	RequestID  string
	RunID      string
	StepID     string
	Provider   string
	RetryCount int
	ProjectID  string
}

type fieldsKeyType struct{}

var fieldsKey = fieldsKeyType{}

// WithFields attaches f to ctx, replacing any fields already present.
func WithFields(ctx context.Context, f Fields) context.Context {
	return context.WithValue(ctx, fieldsKey, f)
}

// FieldsFromContext returns the ambient fields attached to ctx, or the
// zero value if none were attached.
func FieldsFromContext(ctx context.Context) Fields {
	f, _ := ctx.Value(fieldsKey).(Fields)
	return f
}

// LogAttrs renders the ambient fields as slog attributes, skipping
// empty ones, for attaching to any log line emitted during ctx.
func (f Fields) LogAttrs() []slog.Attr {
	var attrs []slog.Attr
	if f.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", f.RequestID))
	}
	if f.RunID != "" {
		attrs = append(attrs, slog.String("run_id", f.RunID))
	}
	if f.StepID != "" {
		attrs = append(attrs, slog.String("step_id", f.StepID))
	}
	if f.Provider != "" {
		attrs = append(attrs, slog.String("provider", f.Provider))
	}
	if f.RetryCount > 0 {
		attrs = append(attrs, slog.Int("retry_count", f.RetryCount))
	}
	if f.ProjectID != "" {
		attrs = append(attrs, slog.String("project_id", f.ProjectID))
	}
	return attrs
}

// Logger returns logger with the ctx's ambient fields attached,
// matching internal/log's WithCorrelationID/WithComponent helpers.
func Logger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	f := FieldsFromContext(ctx)
	attrs := f.LogAttrs()
	args := make([]any, 0, len(attrs))
	for _, a := range attrs {
		args = append(args, a)
	}
	return logger.With(args...)
}

// traceLogCacheTTL bounds how long the trace-log toggle is cached
// before re-reading settings, per §4.H.
const traceLogCacheTTL = 15 * time.Second

var (
	traceLogCachedAt time.Time
	traceLogCached   bool
)

// TraceLogEnabled reports whether verbose per-stage trace logging is
// on: RUN_TRACE_LOG, else RUNLOOP_TRACE_LOG ("1" or "true" enables),
// else false. The result is cached for traceLogCacheTTL so the hot
// path rarely touches the environment.
func TraceLogEnabled() bool {
	if time.Since(traceLogCachedAt) < traceLogCacheTTL {
		return traceLogCached
	}
	enabled := false
	if v := os.Getenv("RUN_TRACE_LOG"); v != "" {
		enabled = v == "1" || v == "true"
	} else if v := os.Getenv("RUNLOOP_TRACE_LOG"); v != "" {
		enabled = v == "1" || v == "true"
	}
	traceLogCached = enabled
	traceLogCachedAt = time.Now()
	return enabled
}

// TracerProvider wraps the SDK tracer provider so callers can shut it
// down cleanly at process exit.
type TracerProvider struct {
	tp *sdktrace.TracerProvider
}

// NewTracerProvider builds an OTel tracer provider. If
// OTEL_EXPORTER_OTLP_ENDPOINT is unset, it falls back to a provider
// with no exporter (spans are created but dropped), so tracing is
// always safe to call in tests and in environments without a
// collector.
func NewTracerProvider(ctx context.Context, serviceName string) (*TracerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans and releases resources.
func (p *TracerProvider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// tracerName names the tracer every core component starts spans from.
var tracerName = "github.com/nofx/runloop/internal/core"

// StartSpan starts a span named name with the ctx's ambient fields
// attached as attributes, used to wrap runStep, retryStep, resumeRun
// and the outbox relay tick per §4.D's closing paragraph.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	f := FieldsFromContext(ctx)
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if f.RunID != "" {
		span.SetAttributes(attribute.String("run_id", f.RunID))
	}
	if f.StepID != "" {
		span.SetAttributes(attribute.String("step_id", f.StepID))
	}
	if f.Provider != "" {
		span.SetAttributes(attribute.String("tool", f.Provider))
	}
	return ctx, span
}
