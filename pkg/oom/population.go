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
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Population is the set of processes considered for OOM killing. It is
// an arena of process slots in creation order, with parent and children
// links kept as slot indices.
//
// Resolution holds the read lock while it scans and kills. The process
// subsystem takes the write lock to add, update and remove processes.
// Runtime flags can be changed without the write lock.
type Population struct {
	sync.RWMutex
	slots []*Process
	byPID map[PID]*Process
	holes int
}

const (
	// minCompactHoles is the number of free slots tolerated before compacting.
	minCompactHoles = 32
)

// NewPopulation creates a new, empty process population.
func NewPopulation() *Population {
	return &Population{
		byPID: make(map[PID]*Process),
	}
}

// Add adds a new process.
func (pop *Population) Add(info ProcessInfo) (*Process, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}

	pop.Lock()
	defer pop.Unlock()

	if _, ok := pop.byPID[info.PID]; ok {
		return nil, fmt.Errorf("%w: %d", ErrProcessExists, info.PID)
	}

	p := newProcess(&info)
	p.slot = len(pop.slots)
	pop.slots = append(pop.slots, p)
	pop.byPID[p.PID()] = p

	pop.link(p)
	for _, o := range pop.slots {
		if o != nil && o != p && o.parent < 0 && o.PPID() == p.PID() {
			pop.link(o)
		}
	}

	return p, nil
}

// Update updates the information of an existing process. Runtime flags
// other than exiting and swapoff are preserved.
func (pop *Population) Update(info ProcessInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}

	pop.Lock()
	defer pop.Unlock()

	p, ok := pop.byPID[info.PID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoProcess, info.PID)
	}

	reparent := p.PPID() != info.PPID
	if reparent {
		pop.unlink(p)
	}
	p.update(&info)
	if reparent {
		pop.link(p)
	}

	return nil
}

// Remove removes a process. Its children are left without a parent.
func (pop *Population) Remove(pid PID) error {
	pop.Lock()
	defer pop.Unlock()

	p, ok := pop.byPID[pid]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoProcess, pid)
	}

	pop.unlink(p)
	for _, idx := range p.children {
		pop.slots[idx].parent = -1
	}
	p.children = nil

	pop.slots[p.slot] = nil
	delete(pop.byPID, pid)
	pop.holes++

	if pop.holes >= minCompactHoles && pop.holes > len(pop.slots)/2 {
		pop.compact()
	}

	return nil
}

// Sync replaces the population with the given processes. Processes which
// are already present keep their position and runtime flags, new ones are
// appended in the given order, missing ones are removed. A known PID with
// a different start time has been reused and is replaced by a new process.
// Invalid or duplicate entries are skipped and reported in the returned
// error.
func (pop *Population) Sync(infos []ProcessInfo) error {
	var (
		errs  *multierror.Error
		valid = make(map[PID]*ProcessInfo, len(infos))
		order = make([]PID, 0, len(infos))
	)

	for i := range infos {
		info := &infos[i]
		if err := info.Validate(); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if _, ok := valid[info.PID]; ok {
			errs = multierror.Append(errs, fmt.Errorf("%w: duplicate %d", ErrProcessExists, info.PID))
			continue
		}
		valid[info.PID] = info
		order = append(order, info.PID)
	}

	pop.Lock()
	defer pop.Unlock()

	slots := make([]*Process, 0, len(valid))
	byPID := make(map[PID]*Process, len(valid))

	for _, p := range pop.slots {
		if p == nil {
			continue
		}
		info, ok := valid[p.PID()]
		if ok && info.StartTime != p.info.StartTime {
			details.Debug("PID of %s reused by %s, replacing it", p, info.Comm)
			ok = false
		}
		if ok {
			p.update(info)
			slots = append(slots, p)
			byPID[p.PID()] = p
		}
	}
	for _, pid := range order {
		if _, ok := byPID[pid]; !ok {
			p := newProcess(valid[pid])
			slots = append(slots, p)
			byPID[pid] = p
		}
	}

	pop.slots = slots
	pop.byPID = byPID
	pop.holes = 0
	pop.relink()

	return errs.ErrorOrNil()
}

// Get returns the process with the given PID, or nil.
func (pop *Population) Get(pid PID) *Process {
	pop.RLock()
	defer pop.RUnlock()
	return pop.byPID[pid]
}

// Len returns the number of processes.
func (pop *Population) Len() int {
	pop.RLock()
	defer pop.RUnlock()
	return len(pop.byPID)
}

// Foreach calls fn for each process in creation order, until fn returns
// false.
func (pop *Population) Foreach(fn func(*Process) bool) {
	pop.RLock()
	defer pop.RUnlock()
	pop.each(fn)
}

// Children returns the children of the process, oldest first.
func (pop *Population) Children(p *Process) []*Process {
	pop.RLock()
	defer pop.RUnlock()
	return pop.childrenOf(p)
}

// Parent returns the parent of the process, or nil.
func (pop *Population) Parent(p *Process) *Process {
	pop.RLock()
	defer pop.RUnlock()
	if p.parent < 0 {
		return nil
	}
	return pop.slots[p.parent]
}

// each iterates over processes. Must be called with pop locked.
func (pop *Population) each(fn func(*Process) bool) {
	for _, p := range pop.slots {
		if p != nil && !fn(p) {
			return
		}
	}
}

// childrenOf returns the children of p. Must be called with pop locked.
func (pop *Population) childrenOf(p *Process) []*Process {
	if p == nil || len(p.children) == 0 {
		return nil
	}
	children := make([]*Process, 0, len(p.children))
	for _, idx := range p.children {
		children = append(children, pop.slots[idx])
	}
	return children
}

// link links p to its parent, keeping children in slot order.
func (pop *Population) link(p *Process) {
	parent, ok := pop.byPID[p.PPID()]
	if !ok || parent == p {
		p.parent = -1
		return
	}

	p.parent = parent.slot
	i := len(parent.children)
	for i > 0 && parent.children[i-1] > p.slot {
		i--
	}
	parent.children = append(parent.children, 0)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = p.slot
}

func (pop *Population) unlink(p *Process) {
	if p.parent < 0 {
		return
	}
	parent := pop.slots[p.parent]
	for i, idx := range parent.children {
		if idx == p.slot {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	p.parent = -1
}

func (pop *Population) compact() {
	slots := make([]*Process, 0, len(pop.byPID))
	for _, p := range pop.slots {
		if p != nil {
			slots = append(slots, p)
		}
	}
	log.Debug("compacting process population, %d -> %d slots", len(pop.slots), len(slots))
	pop.slots = slots
	pop.holes = 0
	pop.relink()
}

// relink renumbers slots and rebuilds all parent and children links.
func (pop *Population) relink() {
	for idx, p := range pop.slots {
		p.slot = idx
		p.parent = -1
		p.children = nil
	}
	for _, p := range pop.slots {
		if parent, ok := pop.byPID[p.PPID()]; ok && parent != p {
			p.parent = parent.slot
			parent.children = append(parent.children, p.slot)
		}
	}
}
