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

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collector struct {
	pressure prometheus.Gauge
	triggers prometheus.Counter
}

func newCollector() *collector {
	return &collector{
		pressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_pressure",
			Help: "Last sampled 'full avg10' memory pressure in percent.",
		}),
		triggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pressure_triggers_total",
			Help: "Number of OOM resolutions triggered by memory pressure.",
		}),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	c.pressure.Describe(ch)
	c.triggers.Describe(ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.pressure.Collect(ch)
	c.triggers.Collect(ch)
}
