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

package oom_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/containers/oom-resolver/pkg/oom"
)

func TestBadness(t *testing.T) {
	type testCase struct {
		name      string
		procs     []ProcessInfo
		requester *ProcessInfo
		uptime    time.Duration
		swapoff   bool
		expect    uint64
	}

	const pid = 100

	for _, tc := range []*testCase{
		{
			name:   "resident set size",
			procs:  []ProcessInfo{info(pid, 1, 1000)},
			expect: 1000,
		},
		{
			name:   "no address space",
			procs:  []ProcessInfo{info(pid, 1, 1000, withMM(NoMM))},
			expect: 0,
		},
		{
			name:   "killing disabled",
			procs:  []ProcessInfo{info(pid, 1, 1000, withAdjust(AdjustDisable))},
			expect: 0,
		},
		{
			name:    "turning off swap",
			procs:   []ProcessInfo{info(pid, 1, 10, withAdjust(-16))},
			swapoff: true,
			expect:  MaxScore,
		},
		{
			name: "children with own memory count for half",
			procs: []ProcessInfo{
				info(pid, 1, 1000),
				info(pid+1, pid, 400),
				info(pid+2, pid, 100),
				info(pid+3, pid, 500, withMM(pid)),
				info(pid+4, pid, 500, withMM(NoMM)),
			},
			expect: 1000 + 201 + 51,
		},
		{
			name: "CPU time",
			procs: []ProcessInfo{info(pid, 1, 1000, func(i *ProcessInfo) {
				i.CPUTime = 72 * time.Second // 9 units, sqrt 3
			})},
			expect: 333,
		},
		{
			name: "run time",
			procs: []ProcessInfo{info(pid, 1, 1000, func(i *ProcessInfo) {
				i.StartTime = 10 * time.Second
			})},
			uptime: 10*time.Second + 81*1024*time.Second, // 81 units, sqrt(sqrt) 3
			expect: 333,
		},
		{
			name: "started after uptime",
			procs: []ProcessInfo{info(pid, 1, 1000, func(i *ProcessInfo) {
				i.StartTime = time.Hour
			})},
			uptime: time.Minute,
			expect: 1000,
		},
		{
			name: "niced",
			procs: []ProcessInfo{info(pid, 1, 1000, func(i *ProcessInfo) {
				i.Nice = 5
			})},
			expect: 2000,
		},
		{
			name: "negative nice",
			procs: []ProcessInfo{info(pid, 1, 1000, func(i *ProcessInfo) {
				i.Nice = -5
			})},
			expect: 1000,
		},
		{
			name: "root",
			procs: []ProcessInfo{info(pid, 1, 1000, func(i *ProcessInfo) {
				i.UID = 0
			})},
			expect: 250,
		},
		{
			name: "effective root",
			procs: []ProcessInfo{info(pid, 1, 1000, func(i *ProcessInfo) {
				i.EUID = 0
			})},
			expect: 250,
		},
		{
			name: "admin capability and root",
			procs: []ProcessInfo{info(pid, 1, 1000, func(i *ProcessInfo) {
				i.UID = 0
				i.Caps = CapSysAdmin
			})},
			expect: 250,
		},
		{
			name: "raw I/O capability and root",
			procs: []ProcessInfo{info(pid, 1, 1000, func(i *ProcessInfo) {
				i.UID = 0
				i.Caps = CapSysRawIO
			})},
			expect: 62,
		},
		{
			name:      "disjoint memory nodes",
			procs:     []ProcessInfo{info(pid, 1, 1000, withMems("1"))},
			requester: &ProcessInfo{PID: 2, MemsAllowed: mustMems("0")},
			expect:    125,
		},
		{
			name:      "overlapping memory nodes",
			procs:     []ProcessInfo{info(pid, 1, 1000, withMems("0-1"))},
			requester: &ProcessInfo{PID: 2, MemsAllowed: mustMems("1,3")},
			expect:    1000,
		},
		{
			name:   "positive adjustment",
			procs:  []ProcessInfo{info(pid, 1, 1000, withAdjust(2))},
			expect: 4000,
		},
		{
			name:   "negative adjustment",
			procs:  []ProcessInfo{info(pid, 1, 4000, withAdjust(-2))},
			expect: 1000,
		},
		{
			name:   "positive adjustment of zero",
			procs:  []ProcessInfo{info(pid, 1, 0, withAdjust(3))},
			expect: 8,
		},
		{
			name:   "saturating adjustment",
			procs:  []ProcessInfo{info(pid, 1, 1<<60, withAdjust(AdjustMax))},
			expect: MaxScore,
		},
		{
			name: "all together",
			procs: []ProcessInfo{info(pid, 1, 4096, func(i *ProcessInfo) {
				i.CPUTime = 32 * time.Second // sqrt 2
				i.Nice = 10
				i.Caps = CapSysAdmin
				i.Adjust = 1
			})},
			expect: ((4096 / 2) * 2 / 4) << 1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pop := newPopulation(t, tc.procs...)
			p := pop.Get(pid)
			require.NotNil(t, p)
			p.SetSwapoff(tc.swapoff)

			var requester *Process
			if tc.requester != nil {
				r, err := pop.Add(*tc.requester)
				require.NoError(t, err)
				requester = r
			}

			score := Badness(p, pop.Children(p), tc.uptime, requester)
			require.Equal(t, tc.expect, score)
		})
	}
}

func TestBadnessMonotonicity(t *testing.T) {
	for _, adj := range []int{AdjustMin, -3, 0, 3, AdjustMax} {
		prev := uint64(0)
		for rss := uint64(0); rss < 1<<16; rss += 97 {
			pop := newPopulation(t, info(10, 1, rss, withAdjust(adj)))
			p := pop.Get(10)
			score := Badness(p, nil, 0, nil)
			require.GreaterOrEqual(t, score, prev, "adj %d, rss %d", adj, rss)
			prev = score
		}
	}

	pop := newPopulation(t, info(10, 1, 1000, withAdjust(AdjustMax)))
	prev := Badness(pop.Get(10), nil, 0, nil)
	for adj := AdjustMax - 1; adj >= AdjustMin; adj-- {
		require.NoError(t, pop.Update(info(10, 1, 1000, withAdjust(adj))))
		score := Badness(pop.Get(10), nil, 0, nil)
		require.LessOrEqual(t, score, prev, "adj %d", adj)
		prev = score
	}
}
