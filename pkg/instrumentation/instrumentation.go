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

// Package instrumentation runs the tracing exporter and the HTTP server
// exposing Prometheus metrics.
package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/oom-resolver/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/oom-resolver/pkg/healthz"
	"github.com/containers/oom-resolver/pkg/instrumentation/tracing"
	logger "github.com/containers/oom-resolver/pkg/log"
	"github.com/containers/oom-resolver/pkg/metrics"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "oom-resolver"
	// metricsNamespace prefixes all exported metrics.
	metricsNamespace = "oom_resolver"
)

// KeyValue aliases tracing.KeyValue, for SetIdentity().
type KeyValue = tracing.KeyValue

var (
	log = logger.Get("instrumentation")

	lock     sync.Mutex
	cfg      = &cfgapi.Config{}
	identity []KeyValue
	srv      *http.Server
	addr     string
	gatherer *metrics.Gatherer

	// Attribute aliases tracing.Attribute(), for SetIdentity().
	Attribute = tracing.Attribute
)

// SetIdentity sets extra process identity attributes for tracing.
func SetIdentity(attrs ...KeyValue) {
	lock.Lock()
	defer lock.Unlock()
	identity = attrs
}

// Start instrumentation with the given configuration.
func Start(c *cfgapi.Config) error {
	lock.Lock()
	defer lock.Unlock()

	if c != nil {
		cfg = c
	}

	log.Info("starting instrumentation services...")

	return start()
}

// Stop instrumentation.
func Stop() {
	lock.Lock()
	defer lock.Unlock()
	stop()
}

// Reconfigure restarts instrumentation with a new configuration.
func Reconfigure(c *cfgapi.Config) error {
	lock.Lock()
	defer lock.Unlock()

	stop()
	if c != nil {
		cfg = c
	}

	if err := start(); err != nil {
		log.Error("failed to restart instrumentation: %v", err)
		return err
	}

	return nil
}

// HTTPAddress returns the address the metrics and health server listens on, or
// an empty string if the server is not running.
func HTTPAddress() string {
	lock.Lock()
	defer lock.Unlock()
	return addr
}

func start() error {
	if err := tracing.Start(
		tracing.WithResource(newResource(identity...)),
		tracing.WithCollectorEndpoint(cfg.TracingCollector),
		tracing.WithSamplingRatio(cfg.SamplingRatio()),
	); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	if cfg.HTTPEndpoint == "" {
		log.Info("metrics disabled, no HTTP endpoint")
		return nil
	}

	g, err := metrics.NewGatherer(
		metrics.WithNamespace(metricsNamespace),
		metrics.WithPollInterval(cfg.ReportPeriod.Duration),
		metrics.WithMetrics(cfg.Metrics, nil),
	)
	if err != nil {
		return fmt.Errorf("failed to create metrics gatherer: %w", err)
	}

	l, err := net.Listen("tcp", cfg.HTTPEndpoint)
	if err != nil {
		g.Stop()
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTPEndpoint, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	healthz.Setup(mux)

	gatherer = g
	addr = l.Addr().String()
	srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(s *http.Server) {
		if err := s.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics HTTP server failed: %v", err)
		}
	}(srv)

	log.Info("serving metrics on http://%s/metrics", addr)

	return nil
}

func stop() {
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("failed to shut down metrics HTTP server: %v", err)
		}
		srv = nil
		addr = ""
	}
	if gatherer != nil {
		gatherer.Stop()
		gatherer = nil
	}
	tracing.Stop()
}
