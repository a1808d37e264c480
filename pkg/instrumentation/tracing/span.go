// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package tracing

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanStartOption is applied to a Span in StartSpan.
type SpanStartOption func(*spanOptions)

type spanOptions struct {
	options []trace.SpanStartOption
}

// WithAttributes sets initial attributes of a Span.
func WithAttributes(attrs ...KeyValue) SpanStartOption {
	return func(o *spanOptions) {
		o.options = append(o.options, trace.WithAttributes(attrs...))
	}
}

// Span is a wrapped opentelemetry Span. A nil or disabled Span is a no-op.
type Span struct {
	otel trace.Span
}

// StartSpan starts a new Span, which must be ended with Span.End().
func StartSpan(ctx context.Context, name string, opts ...SpanStartOption) (context.Context, *Span) {
	t := trc.getTracer()
	if t == nil {
		return ctx, &Span{}
	}

	o := &spanOptions{}
	for _, opt := range opts {
		opt(o)
	}

	ctx, span := t.Start(ctx, name, o.options...)
	return ctx, &Span{otel: span}
}

// SpanFromContext returns the current Span of the context.
func SpanFromContext(ctx context.Context) *Span {
	return &Span{otel: trace.SpanFromContext(ctx)}
}

// SetStatus records err, or success if err is nil.
func (s *Span) SetStatus(err error) {
	if s.isNil() {
		return
	}
	if err != nil {
		s.otel.RecordError(err)
		s.otel.SetStatus(codes.Error, err.Error())
		return
	}
	s.otel.SetStatus(codes.Ok, "")
}

// SetAttributes sets attributes of the Span.
func (s *Span) SetAttributes(attrs ...KeyValue) {
	if s.isNil() {
		return
	}
	s.otel.SetAttributes(attrs...)
}

// AddEvent adds an event with optional attributes to the Span.
func (s *Span) AddEvent(name string, attrs ...KeyValue) {
	if s.isNil() {
		return
	}
	s.otel.AddEvent(name, trace.WithAttributes(attrs...))
}

// End the Span.
func (s *Span) End() {
	if s.isNil() {
		return
	}
	s.otel.End()
}

func (s *Span) isNil() bool {
	return s == nil || s.otel == nil
}

// Attribute returns an attribute with the given key and value.
func Attribute(key string, value interface{}) KeyValue {
	switch v := value.(type) {
	case nil:
		return attribute.String(key, "<nil>")
	case string:
		return attribute.String(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case uint64:
		if v > math.MaxInt64 {
			return attribute.String(key, strconv.FormatUint(v, 10))
		}
		return attribute.Int64(key, int64(v))
	case float64:
		return attribute.Float64(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	}
	return attribute.String(key, fmt.Sprintf("%v", value))
}
