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

// Package monitor watches host memory pressure and triggers OOM
// resolution when it stays above a threshold.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	cfgapi "github.com/containers/oom-resolver/pkg/apis/config/v1alpha1"
	"github.com/containers/oom-resolver/pkg/healthz"
	"github.com/containers/oom-resolver/pkg/instrumentation/tracing"
	logger "github.com/containers/oom-resolver/pkg/log"
	"github.com/containers/oom-resolver/pkg/memzone"
	"github.com/containers/oom-resolver/pkg/oom"
)

var (
	log = logger.Get("monitor")

	// ErrFailedOption is returned for failures to apply an Option.
	ErrFailedOption = fmt.Errorf("monitor: failed to apply option")
	// ErrRunning is returned when starting an already running monitor.
	ErrRunning = fmt.Errorf("monitor: already running")
)

const (
	// healthName is the name of our health checker.
	healthName = "monitor"
	// maxBackoff limits the wait after repeated failures.
	maxBackoff = time.Minute
)

// Host is the host the monitor watches.
type Host interface {
	// MemoryPressure returns the current memory pressure in percent.
	MemoryPressure() (float64, error)
	// Sync updates the population to match the host's processes.
	Sync(*oom.Population) error
	// AllocationZones returns the subset of zones we may allocate from.
	AllocationZones(memzone.Zonelist) memzone.Zonelist
}

// Monitor polls memory pressure and resolves OOM conditions.
type Monitor struct {
	sync.Mutex
	host      Host
	killer    *oom.Killer
	zones     memzone.Zonelist
	self      oom.PID
	interval  time.Duration
	threshold float64
	dryRun    bool
	settle    *rate.Limiter
	backoff   backoff.BackOff
	failures  atomic.Int64
	lastErr   atomic.Error
	running   bool
	metrics   *collector
}

// Option is an option for a Monitor.
type Option func(*Monitor) error

// WithConfig applies the monitor configuration.
func WithConfig(cfg *cfgapi.MonitorConfig) Option {
	return func(m *Monitor) error {
		if cfg == nil {
			return fmt.Errorf("nil monitor configuration")
		}
		if cfg.Interval.Duration <= 0 {
			return fmt.Errorf("invalid polling interval %s", cfg.Interval.Duration)
		}
		m.interval = cfg.Interval.Duration
		m.threshold = cfg.PressureThreshold
		m.dryRun = cfg.DryRun
		m.settle = newSettleLimiter(cfg.SettlePeriod.Duration)
		return nil
	}
}

// WithRequester sets the process OOM resolution is requested for. By
// default it is our own process.
func WithRequester(pid oom.PID) Option {
	return func(m *Monitor) error {
		m.self = pid
		return nil
	}
}

// WithBackOff sets the policy for delaying polls after failures.
func WithBackOff(b backoff.BackOff) Option {
	return func(m *Monitor) error {
		if b == nil {
			return fmt.Errorf("nil backoff policy")
		}
		m.backoff = b
		return nil
	}
}

func newSettleLimiter(period time.Duration) *rate.Limiter {
	if period <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(period), 1)
}

// New creates a monitor for the given host, zones and killer.
func New(host Host, zones memzone.Zonelist, killer *oom.Killer, options ...Option) (*Monitor, error) {
	if host == nil || killer == nil {
		return nil, fmt.Errorf("monitor: host and killer are mandatory")
	}
	if err := zones.Validate(); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0

	m := &Monitor{
		host:      host,
		killer:    killer,
		zones:     zones,
		self:      oom.PID(os.Getpid()),
		interval:  cfgapi.DefaultInterval,
		threshold: cfgapi.DefaultPressureThreshold,
		settle:    newSettleLimiter(cfgapi.DefaultSettlePeriod),
		backoff:   b,
		metrics:   newCollector(),
	}

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	return m, nil
}

// Collector returns the metrics collector of the monitor.
func (m *Monitor) Collector() prometheus.Collector {
	return m.metrics
}

// Run polls memory pressure until the context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Lock()
	if m.running {
		m.Unlock()
		return ErrRunning
	}
	m.running = true
	m.Unlock()

	healthz.RegisterHealthChecker(healthName, m.health)

	defer func() {
		healthz.UnregisterHealthChecker(healthName)
		m.Lock()
		m.running = false
		m.Unlock()
	}()

	log.Info("monitoring memory pressure every %s, threshold %.2f%%", m.interval, m.threshold)

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stopped monitoring memory pressure")
			return ctx.Err()
		case <-timer.C:
		}

		next := m.interval
		if err := m.Check(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			next += m.backoff.NextBackOff()
			log.Error("memory pressure check failed (retrying in %s): %v", next, err)
		} else {
			m.backoff.Reset()
		}

		timer.Reset(next)
	}
}

// Check samples memory pressure once and resolves an OOM condition if
// the pressure is above the threshold.
func (m *Monitor) Check(ctx context.Context) error {
	pressure, err := m.host.MemoryPressure()
	if err != nil {
		m.fail(err)
		return err
	}
	m.metrics.pressure.Set(pressure)

	if pressure < m.threshold {
		m.succeed()
		return nil
	}

	if !m.settle.Allow() {
		log.Debug("memory pressure %.2f%% above threshold, settling", pressure)
		m.succeed()
		return nil
	}

	log.Warn("memory pressure %.2f%% above threshold %.2f%%", pressure, m.threshold)
	m.metrics.triggers.Inc()

	if _, err := m.Resolve(ctx); err != nil {
		m.fail(err)
		return err
	}

	m.succeed()
	return nil
}

// Resolve refreshes the process population and runs OOM resolution.
func (m *Monitor) Resolve(ctx context.Context) (oom.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "monitor.Resolve")
	defer span.End()

	pop := m.killer.Population()
	if err := m.host.Sync(pop); err != nil {
		if pop.Len() == 0 {
			span.SetStatus(err)
			return oom.Result{}, fmt.Errorf("monitor: failed to discover processes: %w", err)
		}
		log.Warn("partial process discovery: %v", err)
	}

	req := &oom.Request{
		Zonelist:  m.host.AllocationZones(m.zones),
		GFPMask:   oom.GFPUser,
		Requester: pop.Get(m.self),
	}

	r := m.killer.OutOfMemory(ctx, req)
	span.SetAttributes(
		tracing.Attribute("outcome", r.Outcome.String()),
		tracing.Attribute("constraint", r.Constraint.String()),
	)

	if r.Outcome == oom.OutcomeInvalid {
		err := fmt.Errorf("monitor: invalid OOM request")
		span.SetStatus(err)
		return r, err
	}

	if r.Victim != 0 {
		log.Info("OOM resolution %s, victim %d (score %d)", r.Outcome, r.Victim, r.Score)
	} else {
		log.Info("OOM resolution %s", r.Outcome)
	}

	if m.dryRun {
		releaseReserves(pop)
	}

	return r, nil
}

// releaseReserves takes back reserves from processes which were only
// pretended to be killed.
func releaseReserves(pop *oom.Population) {
	pop.Foreach(func(p *oom.Process) bool {
		if p.HasMemDie() {
			log.Debug("dry-run: releasing reserves of %s", p)
			p.ReleaseReserves()
		}
		return true
	})
}

func (m *Monitor) fail(err error) {
	m.failures.Inc()
	m.lastErr.Store(err)
}

func (m *Monitor) succeed() {
	m.failures.Store(0)
}

func (m *Monitor) health() (healthz.Status, error) {
	switch n := m.failures.Load(); {
	case n == 0:
		return healthz.Healthy, nil
	case n < 3:
		return healthz.Degraded, m.lastErr.Load()
	default:
		return healthz.NonFunctional, fmt.Errorf("%d consecutive failures, last: %w",
			n, m.lastErr.Load())
	}
}
