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

// Package tracing wraps opentelemetry tracing. Spans are no-ops until
// tracing is started with a collector endpoint and a non-zero sampling
// ratio.
package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	logger "github.com/containers/oom-resolver/pkg/log"
)

// Option is an option for tracing.
type Option func(*tracing) error

type tracing struct {
	sync.RWMutex
	resource *resource.Resource
	endpoint string
	sampling float64
	exporter sdktrace.SpanExporter
	custom   sdktrace.SpanExporter
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

var (
	log = logger.Get("tracing")
	trc = &tracing{}
)

const (
	shutdownTimeout = 5 * time.Second
	tracerName      = "github.com/containers/oom-resolver"
)

// WithCollectorEndpoint sets the collector endpoint.
func WithCollectorEndpoint(endpoint string) Option {
	return func(t *tracing) error {
		t.endpoint = endpoint
		return nil
	}
}

// WithSamplingRatio sets the sampling ratio.
func WithSamplingRatio(ratio float64) Option {
	return func(t *tracing) error {
		if ratio < 0.0 || ratio > 1.0 {
			return fmt.Errorf("invalid sampling ratio %f", ratio)
		}
		t.sampling = ratio
		return nil
	}
}

// WithExporter uses the given exporter instead of one created for the
// collector endpoint.
func WithExporter(e sdktrace.SpanExporter) Option {
	return func(t *tracing) error {
		t.custom = e
		return nil
	}
}

// WithResource sets the resource, the identity of the traced process.
func WithResource(r *resource.Resource) Option {
	return func(t *tracing) error {
		t.resource = r
		return nil
	}
}

// Start tracing with the given options. A running exporter is shut down.
func Start(options ...Option) error {
	return trc.start(options...)
}

// Stop tracing, flushing pending spans.
func Stop() {
	trc.Lock()
	defer trc.Unlock()
	trc.shutdown()
}

// Flush exports all pending spans.
func Flush(ctx context.Context) error {
	trc.RLock()
	defer trc.RUnlock()
	if trc.provider == nil {
		return nil
	}
	return trc.provider.ForceFlush(ctx)
}

// Enabled returns true if spans are being recorded.
func Enabled() bool {
	trc.RLock()
	defer trc.RUnlock()
	return trc.provider != nil
}

func (t *tracing) start(options ...Option) error {
	t.Lock()
	defer t.Unlock()

	t.shutdown()
	t.custom = nil

	for _, opt := range options {
		if err := opt(t); err != nil {
			return fmt.Errorf("failed to set tracing option: %w", err)
		}
	}

	switch {
	case t.endpoint == "" && t.custom == nil:
		log.Info("tracing disabled, no collector endpoint")
		return nil
	case t.sampling == 0.0:
		log.Info("tracing disabled, sampling ratio is 0")
		return nil
	}

	exporter := t.custom
	if exporter == nil {
		var err error
		if exporter, err = newExporter(t.endpoint); err != nil {
			return fmt.Errorf("failed to create tracing exporter: %w", err)
		}
	}

	res := t.resource
	if res == nil {
		res = resource.NewWithAttributes(semconv.SchemaURL)
	}

	t.exporter = exporter
	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(t.sampling))),
	)
	t.tracer = t.provider.Tracer(tracerName, trace.WithSchemaURL(semconv.SchemaURL))

	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	log.Info("tracing started, endpoint %s, sampling ratio %.4f", t.endpoint, t.sampling)

	return nil
}

// shutdown flushes and stops the current provider. Called with t locked.
func (t *tracing) shutdown() {
	if t.provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := t.provider.ForceFlush(ctx); err != nil {
		log.Error("failed to flush tracer provider: %v", err)
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		log.Error("failed to shut down tracer provider: %v", err)
	}

	t.provider = nil
	t.exporter = nil
	t.tracer = nil
}

func (t *tracing) getTracer() trace.Tracer {
	t.RLock()
	defer t.RUnlock()
	return t.tracer
}

// KeyValue is an alias for the opentelemetry attribute.KeyValue.
type KeyValue = attribute.KeyValue
