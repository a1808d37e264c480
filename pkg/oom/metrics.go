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
	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
)

// Kill reasons, used as metrics labels.
const (
	killMemoryPolicy = "mempolicy"
	killAllocating   = "allocating-task"
	killScan         = "scan"
	killReserves     = "reserves"
)

type collector struct {
	invocations     prometheus.Counter
	notifierFreed   prometheus.Counter
	kills           *prometheus.CounterVec
	collateralKills prometheus.Counter
	contention      prometheus.Counter
	aborted         prometheus.Counter
	escalations     *prometheus.CounterVec
	invalidTargets  prometheus.Counter
	victimScore     prometheus.Gauge
}

func newCollector() *collector {
	return &collector{
		invocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invocations_total",
			Help: "Number of out-of-memory resolutions started.",
		}),
		notifierFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_freed_pages_total",
			Help: "Number of pages freed by OOM notifiers.",
		}),
		kills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kills_total",
			Help: "Number of processes chosen for OOM killing, by reason.",
		}, []string{"reason"}),
		collateralKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collateral_kills_total",
			Help: "Number of processes killed for sharing memory with a victim.",
		}),
		contention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zone_lock_contention_total",
			Help: "Number of resolutions skipped because their zones were locked.",
		}),
		aborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aborted_scans_total",
			Help: "Number of scans abandoned because a process was already dying.",
		}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalations_total",
			Help: "Number of escalations to a panic or a restart.",
		}, []string{"kind"}),
		invalidTargets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invalid_targets_total",
			Help: "Number of attempts to kill init or a process without memory.",
		}),
		victimScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "last_victim_score",
			Help: "Badness score of the last chosen victim.",
		}),
	}
}

func (c *collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.invocations,
		c.notifierFreed,
		c.kills,
		c.collateralKills,
		c.contention,
		c.aborted,
		c.escalations,
		c.invalidTargets,
		c.victimScore,
	}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

// Stats is a snapshot of the resolution counters of a Killer.
type Stats struct {
	Invocations     uint64
	NotifierFreed   uint64
	Kills           map[string]uint64
	CollateralKills uint64
	Contended       uint64
	Aborted         uint64
	Escalations     map[string]uint64
	InvalidTargets  uint64
	LastVictimScore float64
}

// TotalKills returns the number of victims chosen for any reason.
func (s *Stats) TotalKills() uint64 {
	total := uint64(0)
	for _, n := range s.Kills {
		total += n
	}
	return total
}

func (c *collector) stats() Stats {
	return Stats{
		Invocations:     counterValue(c.invocations),
		NotifierFreed:   counterValue(c.notifierFreed),
		Kills:           labeledValues(c.kills, "reason"),
		CollateralKills: counterValue(c.collateralKills),
		Contended:       counterValue(c.contention),
		Aborted:         counterValue(c.aborted),
		Escalations:     labeledValues(c.escalations, "kind"),
		InvalidTargets:  counterValue(c.invalidTargets),
		LastVictimScore: gaugeValue(c.victimScore),
	}
}

func counterValue(m prometheus.Metric) uint64 {
	pb := &model.Metric{}
	if err := m.Write(pb); err != nil {
		return 0
	}
	return uint64(pb.GetCounter().GetValue())
}

func gaugeValue(m prometheus.Metric) float64 {
	pb := &model.Metric{}
	if err := m.Write(pb); err != nil {
		return 0
	}
	return pb.GetGauge().GetValue()
}

func labeledValues(c prometheus.Collector, label string) map[string]uint64 {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		c.Collect(ch)
		close(ch)
	}()

	values := map[string]uint64{}
	for m := range ch {
		pb := &model.Metric{}
		if err := m.Write(pb); err != nil {
			continue
		}
		for _, l := range pb.GetLabel() {
			if l.GetName() == label {
				values[l.GetValue()] += uint64(pb.GetCounter().GetValue())
			}
		}
	}

	return values
}
