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

package log

import (
	"github.com/containers/oom-resolver/pkg/apis/config/v1alpha1/log/klogcontrol"
)

const (
	// TraceSource is the logger source of the step by step trace of
	// OOM resolutions.
	TraceSource = "oom-details"
)

// Config provides runtime configuration for logging.
type Config struct {
	// Debug turns on debug messages matching listed logger sources,
	// given as comma-separated [on|off:]source entries.
	// +optional
	Debug []string `json:"debug,omitempty"`
	// Trace logs every state an OOM resolution goes through, along with
	// the collateral kills and reused process IDs seen on the way. It
	// is a shorthand for enabling debugging for TraceSource.
	// +optional
	Trace bool `json:"trace,omitempty"`
	// Source prefixes messages with their logger source.
	// +optional
	LogSource bool `json:"source,omitempty"`
	// Klog configures the klog backend.
	// +optional
	Klog klogcontrol.Config `json:"klog,omitempty"`
}

// DebugSources returns the debug settings with tracing folded in. An
// explicit Debug entry for TraceSource is applied after Trace.
func (c *Config) DebugSources() []string {
	if c == nil {
		return nil
	}
	if !c.Trace {
		return c.Debug
	}
	return append([]string{"on:" + TraceSource}, c.Debug...)
}
