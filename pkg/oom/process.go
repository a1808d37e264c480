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
	"strings"
	"time"

	"go.uber.org/atomic"

	"github.com/containers/oom-resolver/pkg/memzone"
)

// PID is a process ID.
type PID int

// InitPID is the PID of the init process, which is never killed.
const InitPID PID = 1

// MM identifies the address space of a process. Processes with the same
// MM share memory. NoMM means no user address space, as for kernel threads.
type MM uint64

// NoMM is the MM of processes without an address space.
const NoMM MM = 0

// Capability is a set of process capabilities relevant for scoring.
type Capability uint64

const (
	// CapSysRawIO marks processes with direct hardware access.
	CapSysRawIO Capability = 1 << 17
	// CapSysAdmin marks administrative processes.
	CapSysAdmin Capability = 1 << 21
)

// Has returns true if all capabilities in o are present.
func (c Capability) Has(o Capability) bool {
	return c&o == o
}

// Limits of the per-process badness adjustment knob. AdjustDisable is
// outside the range and exempts a process from OOM killing.
const (
	AdjustDisable = -17
	AdjustMin     = -16
	AdjustMax     = 15
)

// Flags are the OOM related runtime flags of a process.
type Flags uint32

const (
	// Exiting processes are already on their way out.
	Exiting Flags = 1 << iota
	// Swapoff processes are in the middle of turning off swap.
	Swapoff
	// MemDie processes have been granted access to memory reserves.
	MemDie
	// Boosted processes have been granted a scheduling boost to exit.
	Boosted
)

// String returns the flags as a comma-separated list.
func (f Flags) String() string {
	var names []string
	for _, flag := range []struct {
		f    Flags
		name string
	}{
		{Exiting, "exiting"},
		{Swapoff, "swapoff"},
		{MemDie, "memdie"},
		{Boosted, "boosted"},
	} {
		if f&flag.f != 0 {
			names = append(names, flag.name)
		}
	}
	return strings.Join(names, ",")
}

// ProcessInfo is the information about a process relevant for OOM
// resolution.
type ProcessInfo struct {
	PID  PID
	TGID PID // thread group, defaults to PID
	PPID PID
	Comm string
	UID  uint32
	EUID uint32
	Caps Capability
	MM   MM
	// RSS is the resident set size in pages.
	RSS uint64
	// CPUTime is the total CPU time consumed.
	CPUTime time.Duration
	// StartTime is when the process was started, relative to boot.
	StartTime time.Duration
	Nice      int
	// Adjust is the badness adjustment knob.
	Adjust      int
	MemsAllowed memzone.NodeMask
	Exiting     bool
	Swapoff     bool
}

// Validate checks the process information.
func (i *ProcessInfo) Validate() error {
	if i.PID <= 0 {
		return fmt.Errorf("%w: invalid PID %d", ErrInvalidProcess, i.PID)
	}
	if i.TGID < 0 || i.PPID < 0 {
		return fmt.Errorf("%w: %d: invalid TGID %d or PPID %d", ErrInvalidProcess,
			i.PID, i.TGID, i.PPID)
	}
	if i.Adjust != AdjustDisable && (i.Adjust < AdjustMin || i.Adjust > AdjustMax) {
		return fmt.Errorf("%w: %d: adjustment %d not within [%d, %d]", ErrInvalidProcess,
			i.PID, i.Adjust, AdjustMin, AdjustMax)
	}
	if i.Nice < -20 || i.Nice > 19 {
		return fmt.Errorf("%w: %d: invalid nice value %d", ErrInvalidProcess, i.PID, i.Nice)
	}
	return nil
}

// Process is a process in a Population.
type Process struct {
	info     ProcessInfo
	flags    atomic.Uint32
	slot     int
	parent   int
	children []int
}

func newProcess(info *ProcessInfo) *Process {
	p := &Process{
		parent: -1,
	}
	p.update(info)
	return p
}

func (p *Process) update(info *ProcessInfo) {
	p.info = *info
	if p.info.TGID == 0 {
		p.info.TGID = p.info.PID
	}
	p.setFlag(Exiting, info.Exiting)
	p.setFlag(Swapoff, info.Swapoff)
}

// PID returns the process ID.
func (p *Process) PID() PID { return p.info.PID }

// TGID returns the thread group ID.
func (p *Process) TGID() PID { return p.info.TGID }

// PPID returns the parent process ID.
func (p *Process) PPID() PID { return p.info.PPID }

// Comm returns the command name.
func (p *Process) Comm() string { return p.info.Comm }

// MM returns the address space ID.
func (p *Process) MM() MM { return p.info.MM }

// HasMM returns true if the process has an address space.
func (p *Process) HasMM() bool { return p.info.MM != NoMM }

// RSS returns the resident set size in pages.
func (p *Process) RSS() uint64 { return p.info.RSS }

// Adjust returns the badness adjustment knob.
func (p *Process) Adjust() int { return p.info.Adjust }

// IsInit returns true for the init process.
func (p *Process) IsInit() bool { return p.info.PID == InitPID }

// IsPrivileged returns true for processes running as root or with
// administrative capabilities.
func (p *Process) IsPrivileged() bool {
	return p.info.Caps.Has(CapSysAdmin) || p.info.UID == 0 || p.info.EUID == 0
}

// Info returns a copy of the process information.
func (p *Process) Info() ProcessInfo {
	info := p.info
	f := p.Flags()
	info.Exiting = f&Exiting != 0
	info.Swapoff = f&Swapoff != 0
	return info
}

// Flags returns the runtime flags of the process.
func (p *Process) Flags() Flags {
	return Flags(p.flags.Load())
}

// IsExiting returns true if the process is exiting.
func (p *Process) IsExiting() bool { return p.Flags()&Exiting != 0 }

// IsSwapoff returns true if the process is turning off swap.
func (p *Process) IsSwapoff() bool { return p.Flags()&Swapoff != 0 }

// HasMemDie returns true if the process has been granted memory reserves.
func (p *Process) HasMemDie() bool { return p.Flags()&MemDie != 0 }

// IsBoosted returns true if the process has been granted a scheduling boost.
func (p *Process) IsBoosted() bool { return p.Flags()&Boosted != 0 }

// SetExiting marks the process exiting or not exiting.
func (p *Process) SetExiting(state bool) { p.setFlag(Exiting, state) }

// SetSwapoff marks the process turning swap off or not.
func (p *Process) SetSwapoff(state bool) { p.setFlag(Swapoff, state) }

// ReleaseReserves revokes memory reserves and the scheduling boost. It
// is used when a process granted them turns out not to exit.
func (p *Process) ReleaseReserves() {
	p.setFlag(MemDie|Boosted, false)
}

func (p *Process) setFlag(f Flags, state bool) {
	for {
		old := p.flags.Load()
		next := old &^ uint32(f)
		if state {
			next |= uint32(f)
		}
		if p.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// String returns a short description of the process.
func (p *Process) String() string {
	return fmt.Sprintf("%d (%s)", p.info.PID, p.info.Comm)
}
