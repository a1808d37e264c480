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

// oom-resolver watches memory pressure on a Linux host and, when memory
// runs out, picks and kills the process whose death frees the most memory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/oom-resolver/pkg/apis/config/v1alpha1"
	"github.com/containers/oom-resolver/pkg/host"
	"github.com/containers/oom-resolver/pkg/instrumentation"
	logger "github.com/containers/oom-resolver/pkg/log"
	"github.com/containers/oom-resolver/pkg/metrics"
	"github.com/containers/oom-resolver/pkg/metrics/collectors"
	"github.com/containers/oom-resolver/pkg/monitor"
	"github.com/containers/oom-resolver/pkg/oom"
	"github.com/containers/oom-resolver/pkg/version"
)

var log = logger.Default()

type options struct {
	config      string
	metrics     string
	dryRun      bool
	interval    time.Duration
	threshold   float64
	hostRoot    string
	escalation  string
	once        bool
	printConfig bool
}

func parseFlags() *options {
	o := &options{}

	flag.StringVar(&o.config, "config", "", "Configuration file to use.")
	flag.StringVar(&o.metrics, "metrics-address", cfgapi.DefaultHTTPEndpoint,
		"Address to serve metrics and health on, empty to disable.")
	flag.BoolVar(&o.dryRun, "dry-run", false, "Only log processes which would be killed.")
	flag.DurationVar(&o.interval, "interval", cfgapi.DefaultInterval,
		"Interval of polling memory pressure.")
	flag.Float64Var(&o.threshold, "pressure-threshold", cfgapi.DefaultPressureThreshold,
		"'full avg10' memory pressure percentage triggering OOM resolution.")
	flag.StringVar(&o.hostRoot, "host-root", "/", "Path where the host root filesystem is mounted.")
	flag.StringVar(&o.escalation, "escalation", cfgapi.EscalateExit,
		"How to handle panics and restarts: 'exit' or 'reboot'.")
	flag.BoolVar(&o.once, "once", false, "Resolve an OOM condition once and exit.")
	flag.BoolVar(&o.printConfig, "print-config", false, "Print configuration and exit.")
	flag.Parse()

	return o
}

// loadConfig loads the configuration file, if any, then applies the
// command line flags which were explicitly given.
func loadConfig(o *options) (*cfgapi.OOMResolver, error) {
	cfg := cfgapi.NewOOMResolver()
	if o.config != "" {
		c, err := cfgapi.LoadConfig(o.config)
		if err != nil {
			return nil, err
		}
		cfg = c
	}

	m := &cfg.Spec.Monitor
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "metrics-address":
			cfg.Spec.Instrumentation.HTTPEndpoint = o.metrics
		case "dry-run":
			m.DryRun = o.dryRun
		case "interval":
			m.Interval = metav1.Duration{Duration: o.interval}
		case "pressure-threshold":
			m.PressureThreshold = o.threshold
		case "host-root":
			m.HostRoot = o.hostRoot
		case "escalation":
			m.Escalation = o.escalation
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func printConfig(cfg *cfgapi.OOMResolver) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		log.Fatal("failed to marshal configuration: %v", err)
	}
	fmt.Print(string(data))
}

func setup(cfg *cfgapi.OOMResolver) (*host.Host, *oom.Killer, *monitor.Monitor, error) {
	var (
		mcfg   = &cfg.Spec.Monitor
		dryRun = mcfg.DryRun
	)

	h, err := host.New(host.WithRoot(mcfg.HostRoot))
	if err != nil {
		return nil, nil, nil, err
	}

	if dryRun {
		log.Info("dry-run mode, no process will be killed")
	} else if err := h.ProtectSelf(); err != nil {
		log.Warn("%v", err)
	}

	zones, nodes, err := h.Zones()
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info("discovered memory zones %s on nodes %s", zones, nodes.MemsetString())

	k, err := oom.NewKiller(oom.NewPopulation(),
		oom.WithConfig(&cfg.Spec.OOM),
		oom.WithTerminator(host.NewTerminator(dryRun)),
		oom.WithLauncher(host.NewLauncher(dryRun)),
		oom.WithEscalator(host.NewEscalator(mcfg.Escalation, dryRun)),
		oom.WithZoneChecker(oom.CpusetChecker),
		oom.WithMemoryNodes(nodes),
		oom.WithUptime(h.Uptime),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	m, err := monitor.New(h, zones, k, monitor.WithConfig(mcfg))
	if err != nil {
		return nil, nil, nil, err
	}

	if err := metrics.Register("killer", k.Collector(), metrics.WithGroup("oom")); err != nil {
		return nil, nil, nil, err
	}
	if err := metrics.Register("monitor", m.Collector(), metrics.WithGroup("oom")); err != nil {
		return nil, nil, nil, err
	}
	if err := collectors.Register(metrics.Default()); err != nil {
		return nil, nil, nil, err
	}

	return h, k, m, nil
}

// reload re-reads the configuration file and applies the parts which can
// be changed at runtime.
func reload(o *options, k *oom.Killer) {
	if o.config == "" {
		log.Info("no configuration file to reload")
		return
	}

	cfg, err := loadConfig(o)
	if err != nil {
		log.Error("failed to reload configuration: %v", err)
		return
	}

	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		log.Error("failed to reconfigure logging: %v", err)
	}
	if err := k.Configure(&cfg.Spec.OOM); err != nil {
		log.Error("failed to reconfigure OOM killer: %v", err)
	}
	if err := instrumentation.Reconfigure(&cfg.Spec.Instrumentation); err != nil {
		log.Error("failed to reconfigure instrumentation: %v", err)
	}

	log.Info("configuration reloaded, monitor changes take effect after restart")
}

func main() {
	logger.SetSlogLogger("slog")

	o := parseFlags()

	cfg, err := loadConfig(o)
	if err != nil {
		log.Fatal("%v", err)
	}

	if o.printConfig {
		printConfig(cfg)
		os.Exit(0)
	}

	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		log.Fatal("failed to configure logging: %v", err)
	}

	log.Info("oom-resolver (version %s, build %s) starting...", version.Version, version.Build)

	h, k, m, err := setup(cfg)
	if err != nil {
		log.Fatal("failed to set up OOM resolution: %v", err)
	}

	instrumentation.SetIdentity(
		instrumentation.Attribute("host.root", h.Root()),
		instrumentation.Attribute("dry_run", cfg.Spec.Monitor.DryRun),
	)
	if err := instrumentation.Start(&cfg.Spec.Instrumentation); err != nil {
		log.Fatal("failed to set up instrumentation: %v", err)
	}
	defer instrumentation.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if o.once {
		r, err := m.Resolve(ctx)
		if err != nil {
			log.Error("%v", err)
			return
		}
		log.Info("resolution finished: %s, constraint %s", r.Outcome, r.Constraint)
		return
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				reload(o, k)
			}
		}
	}()

	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("monitor failed: %v", err)
	}

	log.Info("oom-resolver stopped")
}
