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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/oom-resolver/pkg/memzone"
	. "github.com/containers/oom-resolver/pkg/oom"
)

// info returns a killable, unprivileged process with its own memory.
func info(pid, ppid PID, rss uint64, opts ...func(*ProcessInfo)) ProcessInfo {
	i := ProcessInfo{
		PID:  pid,
		PPID: ppid,
		Comm: fmt.Sprintf("proc-%d", pid),
		UID:  1000,
		EUID: 1000,
		MM:   MM(pid),
		RSS:  rss,
	}
	for _, o := range opts {
		o(&i)
	}
	return i
}

func withAdjust(adj int) func(*ProcessInfo) {
	return func(i *ProcessInfo) { i.Adjust = adj }
}

func withMM(mm MM) func(*ProcessInfo) {
	return func(i *ProcessInfo) { i.MM = mm }
}

func withTGID(tgid PID) func(*ProcessInfo) {
	return func(i *ProcessInfo) { i.TGID = tgid }
}

func withExiting() func(*ProcessInfo) {
	return func(i *ProcessInfo) { i.Exiting = true }
}

func withSwapoff() func(*ProcessInfo) {
	return func(i *ProcessInfo) { i.Swapoff = true }
}

func withMems(mems string) func(*ProcessInfo) {
	return func(i *ProcessInfo) { i.MemsAllowed = memzone.MustParseNodeMask(mems) }
}

func initProcess() ProcessInfo {
	return ProcessInfo{PID: InitPID, Comm: "init", MM: MM(InitPID), RSS: 1 << 20}
}

func kernelThread(pid PID) ProcessInfo {
	return ProcessInfo{PID: pid, PPID: 2, Comm: fmt.Sprintf("kworker/%d", pid)}
}

func newPopulation(t *testing.T, infos ...ProcessInfo) *Population {
	pop := NewPopulation()
	for _, i := range infos {
		_, err := pop.Add(i)
		require.NoError(t, err, "add process %d", i.PID)
	}
	return pop
}

type terminator struct {
	sync.Mutex
	killed []PID
	fail   map[PID]error
}

func (t *terminator) Kill(p *Process) error {
	t.Lock()
	defer t.Unlock()
	if err, ok := t.fail[p.PID()]; ok {
		return err
	}
	t.killed = append(t.killed, p.PID())
	return nil
}

func (t *terminator) Killed() []PID {
	t.Lock()
	defer t.Unlock()
	if len(t.killed) == 0 {
		return nil
	}
	return append([]PID{}, t.killed...)
}

type escalator struct {
	sync.Mutex
	panics   []string
	restarts []string
}

func (e *escalator) Panic(reason string) {
	e.Lock()
	defer e.Unlock()
	e.panics = append(e.panics, reason)
}

func (e *escalator) Restart(reason string) {
	e.Lock()
	defer e.Unlock()
	e.restarts = append(e.restarts, reason)
}

type launcher struct {
	sync.Mutex
	started    [][]string
	prepareErr error
	startErr   error
}

type helper struct {
	l    *launcher
	argv []string
}

func (l *launcher) Prepare(argv []string) (Helper, error) {
	if l.prepareErr != nil {
		return nil, l.prepareErr
	}
	return &helper{l: l, argv: argv}, nil
}

func (h *helper) Start() error {
	h.l.Lock()
	defer h.l.Unlock()
	if h.l.startErr != nil {
		return h.l.startErr
	}
	h.l.started = append(h.l.started, h.argv)
	return nil
}

func (l *launcher) Started() [][]string {
	l.Lock()
	defer l.Unlock()
	if len(l.started) == 0 {
		return nil
	}
	return append([][]string{}, l.started...)
}

var (
	errNoSuchProcess = errors.New("no such process")
	errNotPermitted  = errors.New("operation not permitted")
)

type fixture struct {
	killer *Killer
	pop    *Population
	term   *terminator
	esc    *escalator
	launch *launcher
}

func newFixture(t *testing.T, pop *Population, opts ...Option) *fixture {
	f := &fixture{
		pop:    pop,
		term:   &terminator{},
		esc:    &escalator{},
		launch: &launcher{},
	}

	options := append([]Option{
		WithTerminator(f.term),
		WithEscalator(f.esc),
		WithLauncher(f.launch),
		WithDelay(0),
		WithMemoryNodes(memzone.NewNodeMask(0)),
		WithUptime(func() time.Duration { return 0 }),
	}, opts...)

	k, err := NewKiller(pop, options...)
	require.NoError(t, err)
	f.killer = k

	return f
}

// zones returns a zonelist with a normal zone for each node.
func zones(nodes ...memzone.ID) memzone.Zonelist {
	zl := memzone.Zonelist{}
	for _, n := range nodes {
		zl = append(zl, memzone.MustNewZone(n, memzone.TypeNormal))
	}
	return zl
}

func mustMems(mems string) memzone.NodeMask {
	return memzone.MustParseNodeMask(mems)
}
