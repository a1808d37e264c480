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

package monitor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	cfgapi "github.com/containers/oom-resolver/pkg/apis/config/v1alpha1"
	"github.com/containers/oom-resolver/pkg/healthz"
	"github.com/containers/oom-resolver/pkg/memzone"
	. "github.com/containers/oom-resolver/pkg/monitor"
	"github.com/containers/oom-resolver/pkg/oom"
)

const self oom.PID = 42

type fakeHost struct {
	sync.Mutex
	pressure float64
	err      error
	procs    []oom.ProcessInfo
}

func (h *fakeHost) MemoryPressure() (float64, error) {
	h.Lock()
	defer h.Unlock()
	return h.pressure, h.err
}

func (h *fakeHost) Sync(pop *oom.Population) error {
	h.Lock()
	defer h.Unlock()
	return pop.Sync(h.procs)
}

func (h *fakeHost) AllocationZones(zones memzone.Zonelist) memzone.Zonelist {
	return zones
}

func (h *fakeHost) set(pressure float64, err error) {
	h.Lock()
	defer h.Unlock()
	h.pressure, h.err = pressure, err
}

type killed struct {
	sync.Mutex
	pids []oom.PID
}

func (k *killed) Kill(p *oom.Process) error {
	k.Lock()
	defer k.Unlock()
	k.pids = append(k.pids, p.PID())
	return nil
}

func (k *killed) get() []oom.PID {
	k.Lock()
	defer k.Unlock()
	return append([]oom.PID(nil), k.pids...)
}

type fixture struct {
	host    *fakeHost
	killer  *oom.Killer
	killed  *killed
	monitor *Monitor
}

func newFixture(t *testing.T, cfg *cfgapi.MonitorConfig, options ...Option) *fixture {
	f := &fixture{
		host: &fakeHost{
			procs: []oom.ProcessInfo{
				{PID: oom.InitPID, Comm: "init", MM: oom.MM(oom.InitPID), RSS: 1000},
				{PID: self, PPID: 1, Comm: "oom-resolver", MM: oom.MM(self), RSS: 100,
					Adjust: oom.AdjustDisable},
				{PID: 100, PPID: 1, Comm: "hog", UID: 1000, EUID: 1000, MM: oom.MM(100), RSS: 50000},
				{PID: 101, PPID: 1, Comm: "idle", UID: 1000, EUID: 1000, MM: oom.MM(101), RSS: 500},
			},
		},
		killed: &killed{},
	}

	k, err := oom.NewKiller(oom.NewPopulation(),
		oom.WithTerminator(f.killed),
		oom.WithDelay(0),
		oom.WithMemoryNodes(memzone.NewNodeMask(0)),
		oom.WithUptime(func() time.Duration { return time.Hour }),
	)
	require.NoError(t, err)
	f.killer = k

	zones := memzone.Zonelist{memzone.MustNewZone(0, memzone.TypeNormal)}
	options = append([]Option{WithConfig(cfg), WithRequester(self)}, options...)
	m, err := New(f.host, zones, k, options...)
	require.NoError(t, err)
	f.monitor = m

	return f
}

func config(settle time.Duration, dryRun bool) *cfgapi.MonitorConfig {
	return &cfgapi.MonitorConfig{
		Interval:          metav1.Duration{Duration: 10 * time.Millisecond},
		PressureThreshold: 50,
		SettlePeriod:      metav1.Duration{Duration: settle},
		DryRun:            dryRun,
	}
}

func TestCheck(t *testing.T) {
	f := newFixture(t, config(time.Hour, false))
	ctx := context.Background()

	f.host.set(10, nil)
	require.NoError(t, f.monitor.Check(ctx))
	require.Empty(t, f.killed.get())
	require.Equal(t, uint64(0), f.killer.Stats().Invocations)

	f.host.set(75, nil)
	require.NoError(t, f.monitor.Check(ctx))
	require.Equal(t, []oom.PID{100}, f.killed.get())

	// still settling after the previous resolution
	require.NoError(t, f.monitor.Check(ctx))
	require.Equal(t, []oom.PID{100}, f.killed.get())
	require.Equal(t, uint64(1), f.killer.Stats().Invocations)

	f.host.set(0, errors.New("no PSI"))
	require.Error(t, f.monitor.Check(ctx))
}

func TestResolve(t *testing.T) {
	f := newFixture(t, config(0, false))
	ctx := context.Background()

	r, err := f.monitor.Resolve(ctx)
	require.NoError(t, err)
	require.Equal(t, oom.OutcomeKilled, r.Outcome)
	require.Equal(t, oom.PID(100), r.Victim)
	require.Equal(t, oom.ConstraintNone, r.Constraint)

	// the victim has not exited yet, so resolution backs off
	r, err = f.monitor.Resolve(ctx)
	require.NoError(t, err)
	require.Equal(t, oom.OutcomeAborted, r.Outcome)
	require.Equal(t, []oom.PID{100}, f.killed.get())
}

func TestDryRun(t *testing.T) {
	f := newFixture(t, config(0, true))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		r, err := f.monitor.Resolve(ctx)
		require.NoError(t, err)
		require.Equal(t, oom.OutcomeKilled, r.Outcome)
		require.False(t, f.killer.Population().Get(100).HasMemDie())
	}
	require.Equal(t, []oom.PID{100, 100}, f.killed.get())
}

func TestRun(t *testing.T) {
	f := newFixture(t, config(time.Hour, false), WithBackOff(&backoff.ZeroBackOff{}))
	f.host.set(0, errors.New("no PSI"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.monitor.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		status, _ := healthz.Check()
		return status == healthz.NonFunctional
	}, 5*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, f.monitor.Run(ctx), ErrRunning)

	f.host.set(80, nil)
	require.Eventually(t, func() bool {
		return len(f.killed.get()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		status, _ := healthz.Check()
		return status == healthz.Healthy
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	status, _ := healthz.Check()
	require.Equal(t, healthz.Healthy, status, "checker should be unregistered")
}

func TestInvalidOptions(t *testing.T) {
	k, err := oom.NewKiller(oom.NewPopulation(), oom.WithTerminator(&killed{}))
	require.NoError(t, err)
	zones := memzone.Zonelist{memzone.MustNewZone(0, memzone.TypeNormal)}

	_, err = New(&fakeHost{}, zones, k, WithConfig(nil))
	require.ErrorIs(t, err, ErrFailedOption)

	_, err = New(&fakeHost{}, zones, k, WithConfig(&cfgapi.MonitorConfig{}))
	require.ErrorIs(t, err, ErrFailedOption)

	_, err = New(&fakeHost{}, zones, k, WithBackOff(nil))
	require.ErrorIs(t, err, ErrFailedOption)

	_, err = New(nil, zones, k)
	require.Error(t, err)
}
