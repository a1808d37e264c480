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
	"errors"
	"fmt"
)

// Terminator forcibly terminates processes.
type Terminator interface {
	// Kill sends p a termination signal which cannot be caught, blocked
	// or ignored. It must not wait for p to exit.
	Kill(p *Process) error
}

// TerminatorFunc adapts a function to a Terminator.
type TerminatorFunc func(*Process) error

// Kill implements Terminator.
func (fn TerminatorFunc) Kill(p *Process) error {
	return fn(p)
}

// grantReserves gives p a scheduling boost and access to memory reserves
// so that it can exit quickly.
func grantReserves(p *Process) {
	p.setFlag(Boosted|MemDie, true)
}

// terminate kills p. A victim is granted reserves before the signal so
// that it can exit quickly, and loses them again if it cannot be killed.
// Collateral kills never get reserves. init and processes without an
// address space are never killed. Must be called with procs read-locked.
func (k *Killer) terminate(p *Process, victim bool) error {
	switch {
	case p.IsInit():
		log.Error("BUG: tried to kill init!")
		k.metrics.invalidTargets.Inc()
		return fmt.Errorf("%w: init", ErrInvalidTarget)
	case !p.HasMM():
		log.Error("BUG: tried to kill an mm-less process %s!", p)
		k.metrics.invalidTargets.Inc()
		return fmt.Errorf("%w: %s has no mm", ErrInvalidTarget, p)
	}

	if victim {
		grantReserves(p)
	}

	err := k.terminator.Kill(p)
	switch {
	case err == nil:
		if victim {
			log.Error("Killed process %s", p)
		}
		return nil
	case errors.Is(err, ErrNoProcess):
		details.Debug("%s already gone", p)
		return nil
	}

	if victim {
		p.ReleaseReserves()
	}
	log.Error("failed to kill process %s: %v", p, err)

	return fmt.Errorf("failed to kill %s: %w", p, err)
}

// killTask kills p and every process sharing its address space in other
// thread groups. Must be called with procs read-locked.
func (k *Killer) killTask(p *Process) error {
	if !p.HasMM() || p.Adjust() == AdjustDisable {
		return fmt.Errorf("%w: %s", ErrNotKillable, p)
	}

	if err := k.terminate(p, true); err != nil {
		return err
	}

	// Memory is only freed once all users of the address space are gone.
	k.procs.each(func(q *Process) bool {
		if q != p && q.MM() == p.MM() && q.TGID() != p.TGID() {
			if err := k.terminate(q, false); err == nil {
				k.metrics.collateralKills.Inc()
				details.Debug("killed %s sharing memory with %s", q, p)
			}
		}
		return true
	})

	return nil
}

// killProcess kills p, or the first of its children with its own
// address space. An exiting p only gets access to reserves. Must be
// called with procs read-locked.
func (k *Killer) killProcess(req *Request, p *Process, points uint64, reason string) error {
	k.dumpHeader(req, true)

	// An exiting process releases its memory soon, let it finish.
	if p.IsExiting() {
		log.Info("%s is exiting, granting access to memory reserves", p)
		grantReserves(p)
		return nil
	}

	log.Error("%s: kill process %s score %d or a child", reason, p, points)

	for _, c := range k.procs.childrenOf(p) {
		if c.MM() == p.MM() {
			continue
		}
		if err := k.killTask(c); err == nil {
			return nil
		}
	}

	return k.killTask(p)
}
