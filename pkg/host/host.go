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

// Package host discovers processes and memory zones of a Linux host and
// carries out OOM resolution decisions on it.
//
// Processes are read per thread group from /proc, and each thread group
// is given its own address space identity, its TGID. Thread groups which
// share an address space through clone(CLONE_VM) without CLONE_THREAD
// cannot be told apart in /proc, so on a host every victim is killed
// without collateral kills. Kernel threads and processes without any
// mapped memory have no address space.
package host

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/procfs"

	logger "github.com/containers/oom-resolver/pkg/log"
	"github.com/containers/oom-resolver/pkg/mempolicy"
	"github.com/containers/oom-resolver/pkg/memzone"
)

var (
	log = logger.Get("host")

	// ErrFailedOption is returned for failures to apply an Option.
	ErrFailedOption = fmt.Errorf("host: failed to apply option")
	// ErrNoZones is returned if no populated memory zones are found.
	ErrNoZones = fmt.Errorf("host: no populated memory zones")
)

// Host provides access to the processes and memory of a host.
type Host struct {
	root     string
	procRoot string
	fs       procfs.FS
	now      func() time.Time
	policy   func() (mempolicy.Mode, memzone.NodeMask, error)
}

// Option is an option for a Host.
type Option func(*Host) error

// WithRoot sets the path where the host's root filesystem is mounted.
func WithRoot(path string) Option {
	return func(h *Host) error {
		if path == "" {
			path = "/"
		}
		h.root = path
		return nil
	}
}

// WithClock sets the function used to query the current time.
func WithClock(fn func() time.Time) Option {
	return func(h *Host) error {
		if fn == nil {
			return fmt.Errorf("nil clock")
		}
		h.now = fn
		return nil
	}
}

// WithMemoryPolicy sets the function used to query our memory policy.
func WithMemoryPolicy(fn func() (mempolicy.Mode, memzone.NodeMask, error)) Option {
	return func(h *Host) error {
		if fn == nil {
			return fmt.Errorf("nil memory policy query")
		}
		h.policy = fn
		return nil
	}
}

// New creates a Host with the given options.
func New(options ...Option) (*Host, error) {
	h := &Host{
		root:   "/",
		now:    time.Now,
		policy: mempolicy.GetMempolicy,
	}

	for _, o := range options {
		if err := o(h); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	h.procRoot = filepath.Join(h.root, "proc")
	fs, err := procfs.NewFS(h.procRoot)
	if err != nil {
		return nil, fmt.Errorf("host: failed to open procfs at %s: %w", h.procRoot, err)
	}
	h.fs = fs

	return h, nil
}

// Root returns the path of the host's root filesystem.
func (h *Host) Root() string {
	return h.root
}

// Uptime returns the time since the host was booted. It returns 0 if
// the boot time cannot be determined.
func (h *Host) Uptime() time.Duration {
	stat, err := h.fs.Stat()
	if err != nil {
		log.Error("failed to read boot time: %v", err)
		return 0
	}

	uptime := h.now().Sub(time.Unix(int64(stat.BootTime), 0))
	if uptime < 0 {
		return 0
	}
	return uptime
}

// MemoryPressure returns the 'full avg10' memory pressure, the share of
// the last ten seconds in percent during which all non-idle tasks were
// stalled on memory. If only 'some' pressure is reported it is used
// instead.
func (h *Host) MemoryPressure() (float64, error) {
	psi, err := h.fs.PSIStatsForResource("memory")
	if err != nil {
		return 0, fmt.Errorf("host: failed to read memory pressure: %w", err)
	}

	switch {
	case psi.Full != nil:
		return psi.Full.Avg10, nil
	case psi.Some != nil:
		return psi.Some.Avg10, nil
	}

	return 0, fmt.Errorf("host: no memory pressure information available")
}
