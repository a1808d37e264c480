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

package metrics

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/oom-resolver/pkg/log"
)

var (
	log = logger.Get("metrics")
)

// State is the state of a collector, or the combined state of several.
type State int

const (
	// Enabled marks a collector enabled.
	Enabled State = (1 << iota)
	// Polled collectors are evaluated periodically, scrapes return the
	// metrics cached during the last poll.
	Polled
	// NamespacePrefix prefixes metric names with the gatherer namespace.
	NamespacePrefix
	// SubsystemPrefix prefixes metric names with the group name.
	SubsystemPrefix

	// DefaultName is the name of the default group.
	DefaultName = "default"
)

// IsEnabled returns true if the state is enabled.
func (s State) IsEnabled() bool { return s&Enabled != 0 }

// IsPolled returns true if the state is polled.
func (s State) IsPolled() bool { return s&Polled != 0 }

// String returns a string representation of the state.
func (s State) String() string {
	flags := []string{"disabled"}
	if s.IsEnabled() {
		flags[0] = "enabled"
	}
	if s.IsPolled() {
		flags = append(flags, "polled")
	}
	if s&NamespacePrefix != 0 {
		flags = append(flags, "namespace-prefixed")
	}
	if s&SubsystemPrefix != 0 {
		flags = append(flags, "subsystem-prefixed")
	}
	return strings.Join(flags, ",")
}

// Collector wraps a registered prometheus.Collector.
type Collector struct {
	sync.Mutex
	collector prometheus.Collector
	name      string
	group     string
	state     State
	cached    []prometheus.Metric
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

// WithPolled marks a collector polled.
func WithPolled() CollectorOption {
	return func(c *Collector) {
		c.state |= Polled
	}
}

// WithoutNamespace disables namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.state &^= NamespacePrefix
	}
}

// WithoutSubsystem disables group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.state &^= SubsystemPrefix
	}
}

func newCollector(group, name string, collector prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		collector: collector,
		name:      name,
		group:     group,
		state:     Enabled | NamespacePrefix | SubsystemPrefix,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Name returns the fully qualified name, group/name, of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// State returns the current state of the collector.
func (c *Collector) State() State {
	c.Lock()
	defer c.Unlock()
	return c.state
}

// Matches returns true if the glob matches the group, the name or the
// fully qualified name of the collector.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.Lock()
	state, cached := c.state, c.cached
	c.Unlock()

	switch {
	case !state.IsEnabled():
	case state.IsPolled():
		for _, m := range cached {
			ch <- m
		}
	default:
		c.collector.Collect(ch)
	}
}

// Poll evaluates an enabled polled collector and caches its metrics.
func (c *Collector) Poll() {
	if s := c.State(); !s.IsEnabled() || !s.IsPolled() {
		return
	}

	log.Debug("polling %s", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	var polled []prometheus.Metric
	for m := range ch {
		polled = append(polled, m)
	}

	c.Lock()
	c.cached = polled
	c.Unlock()
}

func (c *Collector) configure(enabled, polled bool) {
	c.Lock()
	defer c.Unlock()
	c.state &^= Enabled
	if enabled || polled {
		c.state |= Enabled
	}
	if polled {
		c.state |= Polled
	}
}

// Registry is a collection of grouped collectors.
type Registry struct {
	sync.RWMutex
	groups map[string][]*Collector
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	group string
	copts []CollectorOption
}

// WithGroup registers a collector in the given group.
func WithGroup(name string) RegisterOption {
	return func(o *registerOptions) {
		if name == "" {
			name = DefaultName
		}
		o.group = name
	}
}

// WithCollectorOptions registers a collector with the given options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *registerOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string][]*Collector),
	}
}

// Register registers a collector with the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	o := &registerOptions{group: DefaultName}
	for _, opt := range opts {
		opt(o)
	}

	r.Lock()
	defer r.Unlock()

	for _, c := range r.groups[o.group] {
		if c.name == name {
			return fmt.Errorf("metrics: collector %s/%s already registered", o.group, name)
		}
	}

	c := newCollector(o.group, name, collector, o.copts...)
	r.groups[o.group] = append(r.groups[o.group], c)
	log.Info("registered collector %q", c.Name())

	return nil
}

// Collectors returns all collectors sorted by name.
func (r *Registry) Collectors() []*Collector {
	r.RLock()
	defer r.RUnlock()

	var all []*Collector
	for _, group := range r.groups {
		all = append(all, group...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })

	return all
}

// Configure enables collectors matching any of the enabled globs and
// disables the rest. Collectors matching any polled glob are enabled and
// permanently switched to polled mode. Globs matching no collector are
// reported as an error, after configuring the rest.
func (r *Registry) Configure(enabled, polled []string) (State, error) {
	log.Info("configuring collectors, enabled [%s], polled [%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	matches := func(c *Collector, globs []string, seen map[string]bool) bool {
		match := false
		for _, glob := range globs {
			if c.Matches(glob) {
				seen[glob] = true
				match = true
			}
		}
		return match
	}

	var (
		seen  = map[string]bool{}
		state State
	)
	for _, c := range r.Collectors() {
		c.configure(matches(c, enabled, seen), matches(c, polled, seen))
		log.Debug("collector %q is %s", c.Name(), c.State())
		state |= c.State()
	}

	var unmatched []string
	for _, glob := range append(append([]string{}, enabled...), polled...) {
		if !seen[glob] {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return state, fmt.Errorf("metrics: no collectors match %s", strings.Join(unmatched, ", "))
	}

	return state, nil
}

// Poll evaluates all enabled polled collectors.
func (r *Registry) Poll() {
	wg := sync.WaitGroup{}
	for _, c := range r.Collectors() {
		wg.Add(1)
		go func(c *Collector) {
			defer wg.Done()
			c.Poll()
		}(c)
	}
	wg.Wait()
}

// State returns the combined state of all collectors.
func (r *Registry) State() State {
	var state State
	for _, c := range r.Collectors() {
		state |= c.State()
	}
	return state
}

func prefixedRegisterer(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix == "" {
		return reg
	}
	return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
}

// Gatherer is a prometheus.Gatherer for the collectors of a Registry.
type Gatherer struct {
	*prometheus.Registry
	sync.Mutex
	r            *Registry
	namespace    string
	pollInterval time.Duration
	enabled      []string
	polled       []string
	stop         context.CancelFunc
	done         chan struct{}
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

const (
	// MinPollInterval is the shortest allowed polling interval.
	MinPollInterval = 5 * time.Second
	// DefaultPollInterval is the default polling interval.
	DefaultPollInterval = 30 * time.Second
)

// WithNamespace sets the namespace prefix for gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval sets the interval for polling collectors.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = max(interval, MinPollInterval)
	}
}

// WithoutPolling disables periodic polling by the gatherer.
func WithoutPolling() GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = 0
	}
}

// WithMetrics sets the enabled and polled collector globs.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer creates a gatherer for the registry.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry:     prometheus.NewPedanticRegistry(),
		r:            r,
		pollInterval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(g)
	}

	if _, err := r.Configure(g.enabled, g.polled); err != nil {
		return nil, err
	}

	ns := prefixedRegisterer(g.namespace, g.Registry)
	for _, c := range r.Collectors() {
		reg := prometheus.Registerer(g.Registry)
		if c.state&NamespacePrefix != 0 {
			reg = ns
		}
		if c.state&SubsystemPrefix != 0 {
			reg = prefixedRegisterer(c.group, reg)
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: failed to register %s: %w", c.Name(), err)
		}
	}

	g.start()

	return g, nil
}

// Gather implements the prometheus.Gatherer interface.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.Lock()
	defer g.Unlock()
	return g.Registry.Gather()
}

// Poll evaluates all polled collectors of the gatherer.
func (g *Gatherer) Poll() {
	g.Lock()
	defer g.Unlock()
	g.r.Poll()
}

func (g *Gatherer) start() {
	if !g.r.State().IsPolled() {
		log.Info("no polling, no polled collectors")
		return
	}

	g.r.Poll()

	if g.pollInterval == 0 {
		log.Info("no periodic polling, disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.stop = cancel
	g.done = make(chan struct{})

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Poll()
			}
		}
	}()
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	if g.stop == nil {
		return
	}
	g.stop()
	<-g.done
	g.stop = nil
}

var (
	defaultRegistry = NewRegistry()
)

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return Default().Register(name, collector, opts...)
}

// MustRegister registers a collector with the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := Register(name, collector, opts...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(opts...)
}
