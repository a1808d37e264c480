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
	"github.com/containers/oom-resolver/pkg/memzone"
)

// Constraint classifies what restricted an allocation which ran out of
// memory.
type Constraint int

const (
	// ConstraintNone means memory ran out system-wide.
	ConstraintNone Constraint = iota
	// ConstraintCpuset means some zone was disallowed by the requester's
	// allowed memory nodes.
	ConstraintCpuset
	// ConstraintMemoryPolicy means the zonelist did not cover all memory
	// nodes, as with an explicit bind policy.
	ConstraintMemoryPolicy
)

// String returns the name of the constraint.
func (c Constraint) String() string {
	switch c {
	case ConstraintNone:
		return "none"
	case ConstraintCpuset:
		return "cpuset"
	case ConstraintMemoryPolicy:
		return "mempolicy"
	}
	return "unknown"
}

// ZoneChecker tells if the requester is allowed to allocate from a zone
// with the given flags.
type ZoneChecker interface {
	ZoneAllowed(requester *Process, zone *memzone.Zone, gfp GFPMask) bool
}

// ZoneCheckerFunc adapts a function to a ZoneChecker.
type ZoneCheckerFunc func(*Process, *memzone.Zone, GFPMask) bool

// ZoneAllowed implements ZoneChecker.
func (fn ZoneCheckerFunc) ZoneAllowed(requester *Process, zone *memzone.Zone, gfp GFPMask) bool {
	return fn(requester, zone, gfp)
}

// MemsAllowedChecker allows zones on the requester's allowed memory
// nodes. An empty mask, or a missing requester, allows every zone.
var MemsAllowedChecker = ZoneCheckerFunc(
	func(requester *Process, zone *memzone.Zone, _ GFPMask) bool {
		if requester == nil || requester.info.MemsAllowed.IsEmpty() {
			return true
		}
		return requester.info.MemsAllowed.Contains(zone.Node())
	},
)

// classify determines the constraint of an allocation. memNodes are the
// nodes with memory in the system.
func classify(req *Request, memNodes memzone.NodeMask, checker ZoneChecker) Constraint {
	nodes := memNodes
	for _, z := range req.Zonelist {
		if !checker.ZoneAllowed(req.Requester, z, req.GFPMask) {
			return ConstraintCpuset
		}
		nodes = nodes.Clear(z.Node())
	}

	if !nodes.IsEmpty() {
		return ConstraintMemoryPolicy
	}

	return ConstraintNone
}

// CpusetChecker allows zones on the requester's allowed memory nodes.
// Hardwall allocations are confined to those nodes. Other allocations
// may leave them if the requester is exiting or already granted the
// memory reserves.
var CpusetChecker = ZoneCheckerFunc(
	func(requester *Process, zone *memzone.Zone, gfp GFPMask) bool {
		if MemsAllowedChecker(requester, zone, gfp) {
			return true
		}
		if gfp&GFPHardwall != 0 {
			return false
		}
		return requester.HasMemDie() || requester.IsExiting()
	},
)
