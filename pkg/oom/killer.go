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

package oom

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	cfgapi "github.com/containers/oom-resolver/pkg/apis/config/v1alpha1/oom"
	"github.com/containers/oom-resolver/pkg/memzone"
)

const (
	// DefaultDelay is how long a resolution sleeps after killing, to let
	// the victim exit.
	DefaultDelay = 10 * time.Millisecond
	// headerBurst and headerInterval limit the rate of verbose reports.
	headerBurst    = 10
	headerInterval = 5 * time.Second
)

// Killer resolves out-of-memory conditions for a process population.
type Killer struct {
	sync.RWMutex
	cfg        cfgapi.Config
	procs      *Population
	zones      *memzone.Locker
	notifiers  *NotifierRegistry
	terminator Terminator
	launcher   Launcher
	escalator  Escalator
	checker    ZoneChecker
	memNodes   memzone.NodeMask
	uptime     func() time.Duration
	delay      time.Duration
	header     *rate.Limiter
	metrics    *collector
}

// Option is an option for a Killer.
type Option func(*Killer) error

// WithConfig sets the initial configuration.
func WithConfig(cfg *cfgapi.Config) Option {
	return func(k *Killer) error {
		if cfg == nil {
			return fmt.Errorf("nil configuration")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		k.cfg = *cfg
		return nil
	}
}

// WithTerminator sets the terminator used to kill processes.
func WithTerminator(t Terminator) Option {
	return func(k *Killer) error {
		k.terminator = t
		return nil
	}
}

// WithLauncher sets the launcher used for the late helper.
func WithLauncher(l Launcher) Option {
	return func(k *Killer) error {
		k.launcher = l
		return nil
	}
}

// WithEscalator sets the escalator for panics and restarts. The default
// escalator panics the current process.
func WithEscalator(e Escalator) Option {
	return func(k *Killer) error {
		k.escalator = e
		return nil
	}
}

// WithZoneChecker sets the checker for allowed zones. The default checks
// the allowed memory nodes of the requester.
func WithZoneChecker(c ZoneChecker) Option {
	return func(k *Killer) error {
		k.checker = c
		return nil
	}
}

// WithMemoryNodes sets the nodes with memory in the system.
func WithMemoryNodes(nodes memzone.NodeMask) Option {
	return func(k *Killer) error {
		k.memNodes = nodes
		return nil
	}
}

// WithZoneLocker sets the locker used to serialize resolutions over
// the same zones. Killers sharing a locker serialize with each other.
func WithZoneLocker(l *memzone.Locker) Option {
	return func(k *Killer) error {
		k.zones = l
		return nil
	}
}

// WithNotifiers sets the registry of notifiers asked to free memory.
func WithNotifiers(r *NotifierRegistry) Option {
	return func(k *Killer) error {
		k.notifiers = r
		return nil
	}
}

// WithUptime sets the function returning time since boot. The default
// measures time since the Killer was created.
func WithUptime(fn func() time.Duration) Option {
	return func(k *Killer) error {
		k.uptime = fn
		return nil
	}
}

// WithDelay sets the pause after killing a process.
func WithDelay(d time.Duration) Option {
	return func(k *Killer) error {
		if d < 0 {
			return fmt.Errorf("negative delay %s", d)
		}
		k.delay = d
		return nil
	}
}

// NewKiller creates a Killer for the given population.
func NewKiller(procs *Population, options ...Option) (*Killer, error) {
	if procs == nil {
		return nil, fmt.Errorf("%w: nil population", ErrFailedOption)
	}

	created := time.Now()
	k := &Killer{
		procs:     procs,
		zones:     memzone.NewLocker(),
		notifiers: NewNotifierRegistry(),
		escalator: panicEscalator{},
		checker:   MemsAllowedChecker,
		uptime:    func() time.Duration { return time.Since(created) },
		delay:     DefaultDelay,
		header:    rate.NewLimiter(rate.Every(headerInterval/headerBurst), headerBurst),
		metrics:   newCollector(),
	}

	for _, o := range options {
		if err := o(k); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	if k.terminator == nil {
		return nil, fmt.Errorf("%w: no terminator", ErrFailedOption)
	}

	return k, nil
}

// Configure updates the configuration.
func (k *Killer) Configure(cfg *cfgapi.Config) error {
	if cfg == nil {
		cfg = &cfgapi.Config{}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	k.Lock()
	defer k.Unlock()

	k.cfg = *cfg
	log.Info("configured: panic %s, kill allocating task %v, late helper %q",
		cfg.PanicOnOOM, cfg.KillAllocatingTask, cfg.LateHelper)

	return nil
}

// Config returns the current configuration.
func (k *Killer) Config() cfgapi.Config {
	k.RLock()
	defer k.RUnlock()
	return k.cfg
}

// Population returns the process population of the Killer.
func (k *Killer) Population() *Population {
	return k.procs
}

// Notifiers returns the notifier registry of the Killer.
func (k *Killer) Notifiers() *NotifierRegistry {
	return k.notifiers
}

// ZoneLocker returns the zone locker of the Killer.
func (k *Killer) ZoneLocker() *memzone.Locker {
	return k.zones
}

// Collector returns a prometheus collector for the Killer's metrics.
func (k *Killer) Collector() prometheus.Collector {
	return k.metrics
}

// Stats returns a snapshot of the Killer's counters.
func (k *Killer) Stats() Stats {
	return k.metrics.stats()
}
