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
	"math"
	"math/bits"
	"time"
)

// MaxScore is the highest possible badness score.
const MaxScore = math.MaxUint64

const (
	// CPU time is accounted in units of 8 seconds.
	cpuTimeShift = 3
	// Run time is accounted in units of ~17 minutes.
	runTimeShift = 10
)

// Badness calculates how good a candidate p is for getting killed, given
// its children, the current uptime, and the process whose allocation
// triggered resolution. The latter may be nil. A higher score means a
// better candidate. Processes without an address space or with killing
// disabled score 0. A process turning off swap scores MaxScore.
func Badness(p *Process, children []*Process, uptime time.Duration, requester *Process) uint64 {
	if !p.HasMM() || p.Adjust() == AdjustDisable {
		return 0
	}

	// Turning off swap can fill up memory. Kill it first.
	if p.IsSwapoff() {
		return MaxScore
	}

	points := p.RSS()

	// Forked children which have their own memory count for half.
	for _, c := range children {
		if c.MM() != p.MM() && c.HasMM() {
			points = addSat(points, c.RSS()/2+1)
		}
	}

	// Long running and CPU hungry processes are more important.
	cpuTime := uint64(p.info.CPUTime/time.Second) >> cpuTimeShift
	runTime := uint64(0)
	if uptime >= p.info.StartTime {
		runTime = uint64((uptime-p.info.StartTime)/time.Second) >> runTimeShift
	}

	if s := intSqrt(cpuTime); s != 0 {
		points /= s
	}
	if s := intSqrt(intSqrt(runTime)); s != 0 {
		points /= s
	}

	// Niced processes are likely less important.
	if p.info.Nice > 0 {
		points = mulSat(points, 2)
	}

	// Privileged processes are usually well behaved and important.
	if p.IsPrivileged() {
		points /= 4
	}

	// Hardware could be left in an inconsistent state by killing a
	// process with direct access to it.
	if p.info.Caps.Has(CapSysRawIO) {
		points /= 4
	}

	// Killing a process on other memory nodes may not free memory where
	// the requester needs it.
	if requester != nil {
		mine, theirs := requester.info.MemsAllowed, p.info.MemsAllowed
		if !mine.IsEmpty() && !theirs.IsEmpty() && !mine.Intersects(theirs) {
			points /= 8
		}
	}

	return adjust(points, p.Adjust())
}

// adjust applies the adjustment knob to points. Positive values scale up
// a zero score too. Scaling up saturates at MaxScore.
func adjust(points uint64, adj int) uint64 {
	switch {
	case adj > 0:
		if points == 0 {
			points = 1
		}
		return shlSat(points, uint(adj))
	case adj < 0:
		return points >> uint(-adj)
	}
	return points
}

// intSqrt returns the integer square root of x, rounded down.
func intSqrt(x uint64) uint64 {
	if x < 2 {
		return x
	}

	var (
		r   uint64
		bit = uint64(1) << ((bits.Len64(x) - 1) &^ 1)
	)
	for bit != 0 {
		if x >= r+bit {
			x -= r + bit
			r = r>>1 + bit
		} else {
			r >>= 1
		}
		bit >>= 2
	}

	return r
}

func addSat(a, b uint64) uint64 {
	if sum, carry := bits.Add64(a, b, 0); carry == 0 {
		return sum
	}
	return MaxScore
}

func mulSat(a, b uint64) uint64 {
	if hi, lo := bits.Mul64(a, b); hi == 0 {
		return lo
	}
	return MaxScore
}

func shlSat(x uint64, n uint) uint64 {
	if n >= 64 || x > MaxScore>>n {
		return MaxScore
	}
	return x << n
}
