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
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/oom-resolver/pkg/apis/config/v1alpha1/oom"
	"github.com/containers/oom-resolver/pkg/memzone"
	. "github.com/containers/oom-resolver/pkg/oom"
)

func TestSelectByScore(t *testing.T) {
	type testCase struct {
		name       string
		procs      []ProcessInfo
		victim     PID
		score      uint64
		outcome    Outcome
		killed     []PID
		collateral []PID
	}

	for _, tc := range []*testCase{
		{
			name: "highest score wins",
			procs: []ProcessInfo{
				initProcess(),
				kernelThread(2),
				info(100, 1, 1000),
				info(101, 1, 3000),
				info(102, 1, 2000),
			},
			victim:  101,
			score:   3000,
			outcome: OutcomeKilled,
			killed:  []PID{101},
		},
		{
			name: "tie goes to the first seen",
			procs: []ProcessInfo{
				initProcess(),
				info(100, 1, 1000),
				info(101, 1, 4000, withAdjust(-2)),
			},
			victim:  100,
			score:   1000,
			outcome: OutcomeKilled,
			killed:  []PID{100},
		},
		{
			name: "tie goes to the first seen, reversed",
			procs: []ProcessInfo{
				initProcess(),
				info(101, 1, 4000, withAdjust(-2)),
				info(100, 1, 1000),
			},
			victim:  101,
			score:   1000,
			outcome: OutcomeKilled,
			killed:  []PID{101},
		},
		{
			name: "killing disabled is never chosen",
			procs: []ProcessInfo{
				info(100, 1, 1000),
				info(101, 1, 1<<30, withAdjust(AdjustDisable)),
			},
			victim:  100,
			score:   1000,
			outcome: OutcomeKilled,
			killed:  []PID{100},
		},
		{
			name: "zero score is still chosen",
			procs: []ProcessInfo{
				initProcess(),
				info(100, 1, 0),
			},
			victim:  100,
			score:   0,
			outcome: OutcomeKilled,
			killed:  []PID{100},
		},
		{
			name: "child with its own memory is killed instead",
			procs: []ProcessInfo{
				info(100, 1, 5000),
				info(101, 100, 10),
				info(102, 100, 20),
			},
			victim:  100,
			score:   5000 + 6 + 11,
			outcome: OutcomeKilled,
			killed:  []PID{101},
		},
		{
			name: "children sharing memory are skipped",
			procs: []ProcessInfo{
				info(100, 1, 5000),
				info(101, 100, 10, withMM(100), withTGID(100)),
				info(102, 100, 20, withAdjust(AdjustDisable)),
				info(103, 100, 30),
			},
			victim:  100,
			score:   5000 + 11 + 16,
			outcome: OutcomeKilled,
			killed:  []PID{103},
		},
		{
			name: "processes sharing memory in other thread groups are killed too",
			procs: []ProcessInfo{
				info(100, 1, 5000),
				info(101, 1, 10, withMM(100), withTGID(100)),
				info(200, 1, 10, withMM(100)),
				info(300, 1, 10),
			},
			victim:     100,
			score:      5000,
			outcome:    OutcomeKilled,
			killed:     []PID{100, 200},
			collateral: []PID{200},
		},
		{
			name: "turning off swap beats any size",
			procs: []ProcessInfo{
				initProcess(),
				info(100, 1, 1<<30),
				info(101, 1, 1, withSwapoff()),
				info(102, 1, 1<<20),
			},
			victim:  101,
			score:   MaxScore,
			outcome: OutcomeKilled,
			killed:  []PID{101},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, newPopulation(t, tc.procs...))

			res := f.killer.OutOfMemory(context.Background(), &Request{
				Zonelist: zones(0),
				GFPMask:  GFPKernel,
			})

			require.Equal(t, tc.outcome, res.Outcome)
			require.Equal(t, tc.victim, res.Victim)
			require.Equal(t, tc.score, res.Score)
			require.Equal(t, tc.killed, f.term.Killed())
			for _, pid := range tc.killed {
				p := f.pop.Get(pid)
				if slices.Contains(tc.collateral, pid) {
					require.False(t, p.HasMemDie(), "collateral %s has no access to reserves", p)
					require.False(t, p.IsBoosted(), "collateral %s is not boosted", p)
					continue
				}
				require.True(t, p.HasMemDie(), "%s has access to reserves", p)
				require.True(t, p.IsBoosted(), "%s is boosted", p)
			}
			require.Empty(t, f.esc.panics)
		})
	}
}

func TestNotifierPreventsKilling(t *testing.T) {
	f := newFixture(t, newPopulation(t, info(100, 1, 1000)),
		WithConfig(&cfgapi.Config{PanicOnOOM: cfgapi.PanicAlways, LateHelper: "/bin/true"}))

	handle := f.killer.Notifiers().Register("cache", NotifierFunc(func() uint64 { return 100 }), 0)

	zl := zones(0)
	locker := f.killer.ZoneLocker()
	require.True(t, locker.TryLock(zl))

	res := f.killer.OutOfMemory(context.Background(), &Request{Zonelist: zl})
	require.Equal(t, OutcomeFreed, res.Outcome)
	require.Empty(t, f.term.Killed())
	require.Empty(t, f.esc.panics)
	require.Empty(t, f.launch.Started(), "no late helper without a kill")

	stats := f.killer.Stats()
	require.Equal(t, uint64(0), stats.Contended, "no zone lock attempt")
	require.Equal(t, uint64(100), stats.NotifierFreed)
	locker.Unlock(zl)

	require.NoError(t, f.killer.Notifiers().Unregister(handle))
	res = f.killer.OutOfMemory(context.Background(), &Request{Zonelist: zl})
	require.Equal(t, OutcomeEscalated, res.Outcome)
}

func TestResolutionInProgress(t *testing.T) {
	type testCase struct {
		name      string
		procs     []ProcessInfo
		memdie    PID
		requester PID
		outcome   Outcome
		victim    PID
		killed    []PID
		reserved  PID
	}

	for _, tc := range []*testCase{
		{
			name: "a process already has reserves",
			procs: []ProcessInfo{
				info(100, 1, 1000),
				info(101, 1, 10),
			},
			memdie:  101,
			outcome: OutcomeAborted,
		},
		{
			name: "another process is exiting",
			procs: []ProcessInfo{
				info(100, 1, 1000),
				info(101, 1, 10, withExiting()),
				info(102, 1, 10),
			},
			requester: 102,
			outcome:   OutcomeAborted,
		},
		{
			name: "exiting process without a requester",
			procs: []ProcessInfo{
				info(100, 1, 1000),
				info(101, 1, 10, withExiting()),
			},
			outcome: OutcomeAborted,
		},
		{
			name: "the requester is exiting",
			procs: []ProcessInfo{
				info(100, 1, 1000),
				info(101, 1, 10, withExiting()),
			},
			requester: 101,
			outcome:   OutcomeReserved,
			victim:    101,
			reserved:  101,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, newPopulation(t, tc.procs...),
				WithConfig(&cfgapi.Config{LateHelper: "/usr/bin/oom-report"}))

			if tc.memdie != 0 {
				// grant reserves the way a previous resolution would have
				pre := newFixture(t, f.pop)
				pre.pop.Get(tc.memdie).SetExiting(true)
				res := pre.killer.OutOfMemory(context.Background(), &Request{
					Zonelist:  zones(0),
					Requester: f.pop.Get(tc.memdie),
				})
				require.Equal(t, OutcomeReserved, res.Outcome)
				f.pop.Get(tc.memdie).SetExiting(false)
			}

			req := &Request{Zonelist: zones(0)}
			if tc.requester != 0 {
				req.Requester = f.pop.Get(tc.requester)
			}

			res := f.killer.OutOfMemory(context.Background(), req)
			require.Equal(t, tc.outcome, res.Outcome)
			require.Equal(t, tc.victim, res.Victim)
			require.Equal(t, tc.killed, f.term.Killed())
			if tc.reserved != 0 {
				require.True(t, f.pop.Get(tc.reserved).HasMemDie())
			}
			require.Equal(t, [][]string{{"/usr/bin/oom-report"}}, f.launch.Started(),
				"late helper is launched after every scan")
		})
	}
}

func TestNoKillableProcesses(t *testing.T) {
	zl := zones(0)
	f := newFixture(t, newPopulation(t,
		initProcess(),
		kernelThread(2),
		info(100, 1, 1000, withAdjust(AdjustDisable)),
	))

	res := f.killer.OutOfMemory(context.Background(), &Request{Zonelist: zl})
	require.Equal(t, OutcomeEscalated, res.Outcome)
	require.Equal(t, []string{"Out of memory and no killable processes..."}, f.esc.panics)
	require.Empty(t, f.term.Killed())
	require.Equal(t, uint64(1), f.killer.Stats().Escalations["panic"])

	// zones are released even if escalation returns
	require.True(t, f.killer.ZoneLocker().TryLock(zl))
}

func TestPanicModes(t *testing.T) {
	type testCase struct {
		name       string
		mode       cfgapi.PanicMode
		memNodes   memzone.NodeMask
		zonelist   memzone.Zonelist
		mems       string
		constraint Constraint
		panic      string
		killed     []PID
	}

	for _, tc := range []*testCase{
		{
			name:       "always",
			mode:       cfgapi.PanicAlways,
			memNodes:   mustMems("0-1"),
			zonelist:   zones(0),
			constraint: ConstraintNone,
			panic:      "out of memory. Compulsory panic_on_oom is selected",
		},
		{
			name:       "unconstrained, unconstrained allocation",
			mode:       cfgapi.PanicUnconstrained,
			memNodes:   mustMems("0-1"),
			zonelist:   zones(0, 1),
			constraint: ConstraintNone,
			panic:      "out of memory. panic_on_oom is selected",
		},
		{
			name:       "unconstrained, cpuset constrained allocation",
			mode:       cfgapi.PanicUnconstrained,
			memNodes:   mustMems("0-1"),
			zonelist:   zones(0, 1),
			mems:       "1",
			constraint: ConstraintCpuset,
			killed:     []PID{100},
		},
		{
			name:       "unconstrained, memory policy constrained allocation",
			mode:       cfgapi.PanicUnconstrained,
			memNodes:   mustMems("0-1"),
			zonelist:   zones(1),
			constraint: ConstraintMemoryPolicy,
			killed:     []PID{200},
		},
		{
			name:       "off",
			mode:       cfgapi.PanicOff,
			memNodes:   mustMems("0-1"),
			zonelist:   zones(0, 1),
			constraint: ConstraintNone,
			killed:     []PID{100},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			requester := info(200, 1, 10)
			if tc.mems != "" {
				requester.MemsAllowed = mustMems(tc.mems)
			}

			f := newFixture(t,
				newPopulation(t, info(100, 1, 1000), requester),
				WithConfig(&cfgapi.Config{PanicOnOOM: tc.mode}),
				WithMemoryNodes(tc.memNodes),
			)

			res := f.killer.OutOfMemory(context.Background(), &Request{
				Zonelist:  tc.zonelist,
				GFPMask:   GFPUser,
				Requester: f.pop.Get(200),
			})

			if tc.panic != "" {
				require.Equal(t, OutcomeEscalated, res.Outcome)
				require.Equal(t, []string{tc.panic}, f.esc.panics)
				require.Empty(t, f.term.Killed())
				return
			}

			require.Empty(t, f.esc.panics)
			require.Equal(t, tc.constraint, res.Constraint)
			require.Equal(t, OutcomeKilled, res.Outcome)
			require.Equal(t, tc.killed, f.term.Killed())
		})
	}
}

func TestDirectKills(t *testing.T) {
	procs := func() *Population {
		return newPopulation(t,
			initProcess(),
			info(100, 1, 100000),
			info(200, 1, 10),
		)
	}

	t.Run("memory policy kills the requester", func(t *testing.T) {
		f := newFixture(t, procs(), WithMemoryNodes(mustMems("0-3")))

		res := f.killer.OutOfMemory(context.Background(), &Request{
			Zonelist:  zones(2, 3),
			Requester: f.pop.Get(200),
		})
		require.Equal(t, ConstraintMemoryPolicy, res.Constraint)
		require.Equal(t, PID(200), res.Victim)
		require.Equal(t, uint64(0), res.Score)
		require.Equal(t, []PID{200}, f.term.Killed())
		require.Equal(t, uint64(1), f.killer.Stats().Kills["mempolicy"])
	})

	t.Run("memory policy without a requester scans", func(t *testing.T) {
		f := newFixture(t, procs(), WithMemoryNodes(mustMems("0-3")))

		res := f.killer.OutOfMemory(context.Background(), &Request{Zonelist: zones(2, 3)})
		require.Equal(t, ConstraintMemoryPolicy, res.Constraint)
		require.Equal(t, []PID{100}, f.term.Killed())
	})

	t.Run("kill allocating task", func(t *testing.T) {
		f := newFixture(t, procs(),
			WithConfig(&cfgapi.Config{KillAllocatingTask: true}))

		res := f.killer.OutOfMemory(context.Background(), &Request{
			Zonelist:  zones(0),
			Requester: f.pop.Get(200),
		})
		require.Equal(t, OutcomeKilled, res.Outcome)
		require.Equal(t, []PID{200}, f.term.Killed())
		require.Equal(t, uint64(1), f.killer.Stats().Kills["allocating-task"])
	})

	t.Run("allocating task with killing disabled", func(t *testing.T) {
		pop := procs()
		_, err := pop.Add(info(300, 1, 10, withAdjust(AdjustDisable)))
		require.NoError(t, err)

		f := newFixture(t, pop,
			WithConfig(&cfgapi.Config{KillAllocatingTask: true}))

		res := f.killer.OutOfMemory(context.Background(), &Request{
			Zonelist:  zones(0),
			Requester: f.pop.Get(300),
		})
		require.Equal(t, OutcomeFailed, res.Outcome)
		require.Empty(t, f.term.Killed())
	})

	t.Run("allocating init is refused", func(t *testing.T) {
		f := newFixture(t, newPopulation(t, initProcess(), info(100, 50, 1000)),
			WithConfig(&cfgapi.Config{KillAllocatingTask: true}))

		res := f.killer.OutOfMemory(context.Background(), &Request{
			Zonelist:  zones(0),
			Requester: f.pop.Get(InitPID),
		})
		require.Equal(t, OutcomeFailed, res.Outcome)
		require.Empty(t, f.term.Killed())
		require.Equal(t, uint64(1), f.killer.Stats().InvalidTargets)
	})
}

func TestFailedKills(t *testing.T) {
	t.Run("victim which cannot be killed loses its reserves", func(t *testing.T) {
		f := newFixture(t, newPopulation(t,
			initProcess(),
			info(100, 1, 100000),
			info(200, 1, 10),
		))
		f.term.fail = map[PID]error{100: errNotPermitted}

		res := f.killer.OutOfMemory(context.Background(), &Request{Zonelist: zones(0)})
		require.Equal(t, OutcomeFailed, res.Outcome)
		require.Equal(t, PID(0), res.Victim)
		require.Empty(t, f.term.Killed())
		require.False(t, f.pop.Get(100).HasMemDie())
		require.False(t, f.pop.Get(100).IsBoosted())

		delete(f.term.fail, 100)
		res = f.killer.OutOfMemory(context.Background(), &Request{Zonelist: zones(0)})
		require.Equal(t, OutcomeKilled, res.Outcome)
		require.Equal(t, PID(100), res.Victim)
		require.Equal(t, []PID{100}, f.term.Killed())
	})

	t.Run("victim already gone", func(t *testing.T) {
		f := newFixture(t, newPopulation(t, info(100, 1, 1000)))
		f.term.fail = map[PID]error{100: fmt.Errorf("%w: 100", ErrNoProcess)}

		res := f.killer.OutOfMemory(context.Background(), &Request{Zonelist: zones(0)})
		require.Equal(t, OutcomeKilled, res.Outcome)
		require.True(t, f.pop.Get(100).HasMemDie())
	})

	t.Run("failed direct kill", func(t *testing.T) {
		f := newFixture(t, newPopulation(t, info(100, 1, 1000), info(200, 1, 10)),
			WithConfig(&cfgapi.Config{KillAllocatingTask: true}))
		f.term.fail = map[PID]error{200: errNotPermitted}

		res := f.killer.OutOfMemory(context.Background(), &Request{
			Zonelist:  zones(0),
			Requester: f.pop.Get(200),
		})
		require.Equal(t, OutcomeFailed, res.Outcome)
		require.False(t, f.pop.Get(200).HasMemDie())
	})
}

func TestPIDReuse(t *testing.T) {
	f := newFixture(t, newPopulation(t, info(100, 1, 5000), info(200, 1, 10)))

	res := f.killer.OutOfMemory(context.Background(), &Request{Zonelist: zones(0)})
	require.Equal(t, OutcomeKilled, res.Outcome)
	require.True(t, f.pop.Get(100).HasMemDie())

	reused := info(100, 1, 5000)
	reused.StartTime = time.Hour
	require.NoError(t, f.pop.Sync([]ProcessInfo{reused, info(200, 1, 10)}))
	require.False(t, f.pop.Get(100).HasMemDie())

	res = f.killer.OutOfMemory(context.Background(), &Request{Zonelist: zones(0)})
	require.Equal(t, OutcomeKilled, res.Outcome)
	require.Equal(t, PID(100), res.Victim)
	require.Equal(t, []PID{100, 100}, f.term.Killed())
}

func TestZoneContention(t *testing.T) {
	var (
		entered = make(chan struct{})
		release = make(chan struct{})
		once    sync.Once
		zl      = zones(0, 1)
		pop     = newPopulation(t, info(100, 1, 1000), info(101, 1, 500))
		killed  []PID
	)

	k, err := NewKiller(pop,
		WithDelay(0),
		WithMemoryNodes(mustMems("0-1")),
		WithEscalator(&escalator{}),
		WithTerminator(TerminatorFunc(func(p *Process) error {
			once.Do(func() {
				close(entered)
				<-release
			})
			killed = append(killed, p.PID())
			return nil
		})),
	)
	require.NoError(t, err)

	done := make(chan Result)
	go func() {
		done <- k.OutOfMemory(context.Background(), &Request{Zonelist: zl})
	}()

	<-entered
	// disjoint zones are not contended, but the first victim is dying
	res := k.OutOfMemory(context.Background(), &Request{Zonelist: zones(1)})
	require.Equal(t, OutcomeAborted, res.Outcome)

	res = k.OutOfMemory(context.Background(), &Request{Zonelist: zl[1:]})
	require.Equal(t, OutcomeContended, res.Outcome)
	require.Equal(t, uint64(1), k.Stats().Contended)
	close(release)

	res = <-done
	require.Equal(t, OutcomeKilled, res.Outcome)
	require.Equal(t, PID(100), res.Victim)
	require.Equal(t, []PID{100}, killed)
}

func TestLateHelper(t *testing.T) {
	type testCase struct {
		name     string
		helper   string
		prepare  error
		start    error
		argv     [][]string
		restarts []string
	}

	for _, tc := range []*testCase{
		{
			name:   "no helper",
			helper: "",
		},
		{
			name:   "quoted arguments",
			helper: `/usr/bin/logger -t oom "process killed"`,
			argv:   [][]string{{"/usr/bin/logger", "-t", "oom", "process killed"}},
		},
		{
			name:     "unterminated quote",
			helper:   `/usr/bin/logger "process killed`,
			restarts: []string{"oom"},
		},
		{
			name:     "setup failure",
			helper:   "/no/such/helper",
			prepare:  errNoSuchProcess,
			restarts: []string{"oom"},
		},
		{
			name:     "start failure",
			helper:   "/usr/bin/helper",
			start:    errNoSuchProcess,
			restarts: []string{"oom"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, newPopulation(t, info(100, 1, 1000)),
				WithConfig(&cfgapi.Config{LateHelper: tc.helper}))
			f.launch.prepareErr = tc.prepare
			f.launch.startErr = tc.start

			res := f.killer.OutOfMemory(context.Background(), &Request{Zonelist: zones(0)})
			require.Equal(t, OutcomeKilled, res.Outcome)
			require.Equal(t, tc.argv, f.launch.Started())
			require.Equal(t, tc.restarts, f.esc.restarts)
		})
	}
}

func TestDelay(t *testing.T) {
	pop := newPopulation(t, info(100, 1, 1000), info(200, 1, 10))
	f := newFixture(t, pop, WithDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	res := f.killer.OutOfMemory(ctx, &Request{Zonelist: zones(0), Requester: pop.Get(200)})
	require.Equal(t, OutcomeKilled, res.Outcome)
	require.Less(t, time.Since(start), time.Minute, "delay interrupted by context")

	// a requester which got reserves itself does not wait
	f = newFixture(t, newPopulation(t, info(100, 1, 1000)), WithDelay(time.Hour),
		WithConfig(&cfgapi.Config{KillAllocatingTask: true}))
	res = f.killer.OutOfMemory(context.Background(), &Request{
		Zonelist:  zones(0),
		Requester: f.pop.Get(100),
	})
	require.Equal(t, OutcomeKilled, res.Outcome)
	require.True(t, f.pop.Get(100).HasMemDie())
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t, newPopulation(t, info(100, 1, 1000)))

	for _, req := range []*Request{
		nil,
		{},
		{Zonelist: zones(0), Order: -1},
		{Zonelist: zones(0), Order: MaxOrder + 1},
		{Zonelist: memzone.Zonelist{nil}},
	} {
		res := f.killer.OutOfMemory(context.Background(), req)
		require.Equal(t, OutcomeInvalid, res.Outcome)
	}
	require.Empty(t, f.term.Killed())
	require.Equal(t, uint64(5), f.killer.Stats().Invocations)
}

func TestKillerOptions(t *testing.T) {
	_, err := NewKiller(nil)
	require.ErrorIs(t, err, ErrFailedOption)

	_, err = NewKiller(NewPopulation())
	require.ErrorIs(t, err, ErrFailedOption, "terminator is required")

	_, err = NewKiller(NewPopulation(), WithTerminator(&terminator{}), WithDelay(-time.Second))
	require.ErrorIs(t, err, ErrFailedOption)

	_, err = NewKiller(NewPopulation(), WithTerminator(&terminator{}),
		WithConfig(&cfgapi.Config{PanicOnOOM: 7}))
	require.ErrorIs(t, err, ErrFailedOption)

	k, err := NewKiller(NewPopulation(), WithTerminator(&terminator{}))
	require.NoError(t, err)
	require.Error(t, k.Configure(&cfgapi.Config{LateHelper: string(make([]byte, cfgapi.LateHelperMaxSize))}))
	require.NoError(t, k.Configure(&cfgapi.Config{KillAllocatingTask: true}))
	require.True(t, k.Config().KillAllocatingTask)
}
