/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tracing is the sole place a Job's traceContext blob (spec.md
// §3) round-trips through an OpenTelemetry trace.SpanContext: encoded
// at chain-creation and continuation sites from the caller's active
// span, decoded back into a context.Context when a worker picks up the
// job, so a span carried from the creating call survives the
// serialize/deserialize trip through the state store.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Encode captures the span context active in ctx as a W3C
// traceparent-formatted blob, or nil if ctx carries no valid span.
func Encode(ctx context.Context) []byte {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return []byte(fmt.Sprintf("00-%s-%s-%02x", sc.TraceID(), sc.SpanID(), sc.TraceFlags()))
}

// Decode parses a traceparent blob produced by Encode back into a
// trace.SpanContext, reporting false if data is empty or malformed.
func Decode(data []byte) (trace.SpanContext, bool) {
	if len(data) == 0 {
		return trace.SpanContext{}, false
	}
	parts := strings.Split(string(data), "-")
	if len(parts) != 4 {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(parts[1])
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(parts[2])
	if err != nil {
		return trace.SpanContext{}, false
	}
	flags := trace.TraceFlags(0)
	if parts[3] == "01" {
		flags = trace.FlagsSampled
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	})
	if !sc.IsValid() {
		return trace.SpanContext{}, false
	}
	return sc, true
}

// WithTrace decodes data and, if valid, returns a context carrying its
// span context; otherwise returns ctx unchanged.
func WithTrace(ctx context.Context, data []byte) context.Context {
	sc, ok := Decode(data)
	if !ok {
		return ctx
	}
	return trace.ContextWithSpanContext(ctx, sc)
}
