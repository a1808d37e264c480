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

// Package mempolicy provides low-level functions to set and get the
// default memory policy of the calling thread using the Linux kernel's
// set_mempolicy and get_mempolicy syscalls.
package mempolicy

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/containers/oom-resolver/pkg/memzone"
)

// Mode is a memory policy mode.
type Mode uint

const (
	MPOL_DEFAULT Mode = iota
	MPOL_PREFERRED
	MPOL_BIND
	MPOL_INTERLEAVE
	MPOL_LOCAL
	MPOL_PREFERRED_MANY
	MPOL_WEIGHTED_INTERLEAVE
)

const (
	MPOL_F_STATIC_NODES   Mode = (1 << 15)
	MPOL_F_RELATIVE_NODES Mode = (1 << 14)
	MPOL_F_NUMA_BALANCING Mode = (1 << 13)

	modeFlags = MPOL_F_STATIC_NODES | MPOL_F_RELATIVE_NODES | MPOL_F_NUMA_BALANCING

	// maxNodes is the number of nodes in the masks we pass to the kernel.
	maxNodes = 1024
)

var Modes = map[string]Mode{
	"MPOL_DEFAULT":             MPOL_DEFAULT,
	"MPOL_PREFERRED":           MPOL_PREFERRED,
	"MPOL_BIND":                MPOL_BIND,
	"MPOL_INTERLEAVE":          MPOL_INTERLEAVE,
	"MPOL_LOCAL":               MPOL_LOCAL,
	"MPOL_PREFERRED_MANY":      MPOL_PREFERRED_MANY,
	"MPOL_WEIGHTED_INTERLEAVE": MPOL_WEIGHTED_INTERLEAVE,
}

var ModeNames map[Mode]string

// Base returns the mode with any mode flags stripped.
func (m Mode) Base() Mode {
	return m &^ modeFlags
}

func (m Mode) String() string {
	if name, ok := ModeNames[m.Base()]; ok {
		return name
	}
	return fmt.Sprintf("<unknown mode %d>", uint(m))
}

// IsBinding returns true if the mode restricts allocations to its nodes.
func (m Mode) IsBinding() bool {
	return m.Base() == MPOL_BIND
}

func maskToBits(mask memzone.NodeMask) []uint64 {
	bits := make([]uint64, maxNodes/64)
	bits[0] = uint64(mask)
	return bits
}

func bitsToMask(bits []uint64) (memzone.NodeMask, error) {
	for i := 1; i < len(bits); i++ {
		if bits[i] != 0 {
			return 0, fmt.Errorf("mempolicy: node mask word %d (0x%x) out of range", i, bits[i])
		}
	}
	return memzone.NodeMask(bits[0]), nil
}

// SetMempolicy sets the memory policy of the calling thread.
func SetMempolicy(mode Mode, nodes memzone.NodeMask) error {
	var (
		bits = maskToBits(nodes)
		ptr  unsafe.Pointer
		size uintptr
	)
	if mode.Base() != MPOL_DEFAULT && mode.Base() != MPOL_LOCAL {
		ptr = unsafe.Pointer(&bits[0])
		size = uintptr(maxNodes)
	}

	_, _, errno := unix.Syscall(unix.SYS_SET_MEMPOLICY, uintptr(mode), uintptr(ptr), size)
	if errno != 0 {
		return fmt.Errorf("mempolicy: set_mempolicy(%s, %s) failed: %w", mode, nodes, errno)
	}
	return nil
}

// GetMempolicy returns the memory policy of the calling thread.
func GetMempolicy() (Mode, memzone.NodeMask, error) {
	var (
		mode int32
		bits = make([]uint64, maxNodes/64)
	)

	_, _, errno := unix.Syscall6(unix.SYS_GET_MEMPOLICY,
		uintptr(unsafe.Pointer(&mode)), uintptr(unsafe.Pointer(&bits[0])), uintptr(maxNodes),
		0, 0, 0)
	if errno != 0 {
		return 0, 0, fmt.Errorf("mempolicy: get_mempolicy() failed: %w", errno)
	}

	mask, err := bitsToMask(bits)
	if err != nil {
		return 0, 0, err
	}

	return Mode(mode), mask, nil
}

func init() {
	ModeNames = make(map[Mode]string)
	for k, v := range Modes {
		ModeNames[v] = k
	}
}
