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

// Package oom contains the configuration types of the out-of-memory killer.
package oom

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// PanicMode controls when running out of memory escalates to a panic
// instead of killing a process.
type PanicMode int

const (
	// PanicOff never panics, always tries to kill a process.
	PanicOff PanicMode = iota
	// PanicUnconstrained panics if an unconstrained allocation runs out
	// of memory. Allocations restricted by cpuset or memory policy still
	// kill a process.
	PanicUnconstrained
	// PanicAlways panics whenever memory runs out.
	PanicAlways
)

const (
	// LateHelperMaxSize is the maximum length of the late helper command.
	LateHelperMaxSize = 256
)

var (
	ErrInvalidPanicMode = fmt.Errorf("oom config: invalid panic mode")
	ErrInvalidHelper    = fmt.Errorf("oom config: invalid late helper")

	panicModeToString = map[PanicMode]string{
		PanicOff:           "off",
		PanicUnconstrained: "unconstrained",
		PanicAlways:        "always",
	}
	stringToPanicMode = map[string]PanicMode{
		"off":           PanicOff,
		"unconstrained": PanicUnconstrained,
		"always":        PanicAlways,
		"0":             PanicOff,
		"1":             PanicUnconstrained,
		"2":             PanicAlways,
	}
)

// ParsePanicMode parses the given string into a PanicMode.
func ParsePanicMode(str string) (PanicMode, error) {
	if m, ok := stringToPanicMode[strings.ToLower(strings.TrimSpace(str))]; ok {
		return m, nil
	}
	return PanicOff, fmt.Errorf("%w: %q", ErrInvalidPanicMode, str)
}

// IsValid returns true if the panic mode is known.
func (m PanicMode) IsValid() bool {
	_, ok := panicModeToString[m]
	return ok
}

// String returns a string representation of the PanicMode.
func (m PanicMode) String() string {
	if str, ok := panicModeToString[m]; ok {
		return str
	}
	return fmt.Sprintf("%%!(oom:Bad-PanicMode %d)", m)
}

// MarshalJSON is the json.Marshaller for PanicMode.
func (m PanicMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON is the json.Unmarshaller for PanicMode. It accepts both
// the numeric sysctl-style values and their names.
func (m *PanicMode) UnmarshalJSON(data []byte) error {
	i := 0
	if err := json.Unmarshal(data, &i); err == nil {
		if !PanicMode(i).IsValid() {
			return fmt.Errorf("%w: %d", ErrInvalidPanicMode, i)
		}
		*m = PanicMode(i)
		return nil
	}

	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPanicMode, err)
	}

	parsed, err := ParsePanicMode(str)
	if err != nil {
		return err
	}

	*m = parsed
	return nil
}

// Config is the configuration of the out-of-memory killer.
type Config struct {
	// PanicOnOOM controls escalation to a panic instead of killing.
	// +optional
	// +kubebuilder:validation:Enum=off;unconstrained;always
	PanicOnOOM PanicMode `json:"panicOnOOM,omitempty"`
	// KillAllocatingTask kills the process triggering the OOM instead of
	// scanning for the worst offender.
	// +optional
	KillAllocatingTask bool `json:"killAllocatingTask,omitempty"`
	// LateHelper is a command launched, without waiting for it, after
	// every OOM kill. Failing to launch it restarts the system.
	// +optional
	LateHelper string `json:"lateHelper,omitempty"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if !c.PanicOnOOM.IsValid() {
		errs = multierror.Append(errs, fmt.Errorf("%w: %d", ErrInvalidPanicMode, c.PanicOnOOM))
	}
	if len(c.LateHelper) >= LateHelperMaxSize {
		errs = multierror.Append(errs, fmt.Errorf("%w: command longer than %d bytes",
			ErrInvalidHelper, LateHelperMaxSize-1))
	}
	if strings.ContainsRune(c.LateHelper, 0) {
		errs = multierror.Append(errs, fmt.Errorf("%w: command contains NUL", ErrInvalidHelper))
	}

	return errs.ErrorOrNil()
}

// DeepCopy returns a copy of the configuration.
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}
