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

// Package metrics is a thin layer over prometheus for grouping collectors,
// enabling or disabling them by name at runtime and periodically polling
// collectors which are too costly to evaluate on every scrape.
//
// Collectors register themselves in a group, usually from an init function
// or a constructor:
//
//	metrics.MustRegister("oom", collector, metrics.WithGroup("oom"))
//
// The daemon then creates a gatherer enabling a set of groups or collectors
// and serves it over HTTP:
//
//	g, err := metrics.NewGatherer(metrics.WithNamespace("oom_resolver"),
//	    metrics.WithMetrics([]string{"oom", "process/*"}, nil))
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
