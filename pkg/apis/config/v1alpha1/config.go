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

package v1alpha1

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	logger "github.com/containers/oom-resolver/pkg/log"
)

const (
	// Kind is the kind of the OOM resolver configuration.
	Kind = "OOMResolver"
	// GroupVersion is the API group and version of the configuration.
	GroupVersion = "config.oom-resolver.io/v1alpha1"

	DefaultInterval          = time.Second
	DefaultPressureThreshold = 50.0
	DefaultReportPeriod      = 30 * time.Second
	DefaultHTTPEndpoint      = ":8891"
	DefaultSettlePeriod      = 10 * time.Second
)

var (
	ErrInvalidConfig = fmt.Errorf("invalid OOM resolver configuration")
)

// NewOOMResolver returns a configuration with defaults filled in.
func NewOOMResolver() *OOMResolver {
	cfg := &OOMResolver{
		TypeMeta: metav1.TypeMeta{
			Kind:       Kind,
			APIVersion: GroupVersion,
		},
	}
	cfg.SetDefaults()
	return cfg
}

// LoadConfig reads and parses a configuration file.
func LoadConfig(path string) (*OOMResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", ErrInvalidConfig, path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML or JSON configuration data. Fields omitted
// from data get their default values.
func ParseConfig(data []byte) (*OOMResolver, error) {
	cfg := &OOMResolver{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SetDefaults fills in defaults for unset fields.
func (c *OOMResolver) SetDefaults() {
	if c.Kind == "" {
		c.Kind = Kind
	}
	if c.APIVersion == "" {
		c.APIVersion = GroupVersion
	}

	m := &c.Spec.Monitor
	if m.Interval.Duration == 0 {
		m.Interval = metav1.Duration{Duration: DefaultInterval}
	}
	if m.PressureThreshold == 0 {
		m.PressureThreshold = DefaultPressureThreshold
	}
	if m.HostRoot == "" {
		m.HostRoot = "/"
	}
	if m.SettlePeriod.Duration == 0 {
		m.SettlePeriod = metav1.Duration{Duration: DefaultSettlePeriod}
	}
	if m.Escalation == "" {
		m.Escalation = EscalateExit
	}

	i := &c.Spec.Instrumentation
	if i.ReportPeriod.Duration == 0 {
		i.ReportPeriod = metav1.Duration{Duration: DefaultReportPeriod}
	}
	if i.HTTPEndpoint == "" {
		i.HTTPEndpoint = DefaultHTTPEndpoint
	}
	if len(i.Metrics) == 0 {
		i.Metrics = []string{"oom"}
	}
}

// Validate checks the whole configuration, collecting all errors found.
func (c *OOMResolver) Validate() error {
	var errs *multierror.Error

	if c.Kind != Kind {
		errs = multierror.Append(errs, fmt.Errorf("unexpected kind %q", c.Kind))
	}
	if c.APIVersion != GroupVersion {
		errs = multierror.Append(errs, fmt.Errorf("unexpected apiVersion %q", c.APIVersion))
	}

	if err := c.Spec.OOM.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}

	m := &c.Spec.Monitor
	if m.Interval.Duration < 0 {
		errs = multierror.Append(errs, fmt.Errorf("negative monitor interval %s", m.Interval.Duration))
	}
	if m.PressureThreshold < 0 || m.PressureThreshold > 100 {
		errs = multierror.Append(errs,
			fmt.Errorf("pressure threshold %.2f not within [0, 100]", m.PressureThreshold))
	}
	if m.SettlePeriod.Duration < 0 {
		errs = multierror.Append(errs, fmt.Errorf("negative settle period %s", m.SettlePeriod.Duration))
	}
	if m.Escalation != EscalateExit && m.Escalation != EscalateReboot {
		errs = multierror.Append(errs, fmt.Errorf("invalid escalation %q", m.Escalation))
	}

	i := &c.Spec.Instrumentation
	if i.SamplingRatePerMillion < 0 || i.SamplingRatePerMillion > 1000000 {
		errs = multierror.Append(errs,
			fmt.Errorf("sampling rate %d not within [0, 1000000]", i.SamplingRatePerMillion))
	}

	if err := logger.ValidateConfig(&c.Spec.Log); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return nil
}
