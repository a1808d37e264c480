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
	"context"
	"time"

	cfgapi "github.com/containers/oom-resolver/pkg/apis/config/v1alpha1/oom"
	"github.com/containers/oom-resolver/pkg/instrumentation/tracing"
)

// Outcome is the outcome of an out-of-memory resolution.
type Outcome int

const (
	// OutcomeInvalid means the request was invalid.
	OutcomeInvalid Outcome = iota
	// OutcomeFreed means notifiers freed memory, nothing was killed.
	OutcomeFreed
	// OutcomeContended means another resolution held the zones.
	OutcomeContended
	// OutcomeAborted means a process was already dying, nothing was killed.
	OutcomeAborted
	// OutcomeKilled means a victim was killed.
	OutcomeKilled
	// OutcomeReserved means the victim was exiting and got memory reserves.
	OutcomeReserved
	// OutcomeFailed means no victim could be killed.
	OutcomeFailed
	// OutcomeEscalated means resolution escalated to a panic.
	OutcomeEscalated
)

// String returns the name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeInvalid:
		return "invalid"
	case OutcomeFreed:
		return "freed"
	case OutcomeContended:
		return "contended"
	case OutcomeAborted:
		return "aborted"
	case OutcomeKilled:
		return "killed"
	case OutcomeReserved:
		return "reserved"
	case OutcomeFailed:
		return "failed"
	case OutcomeEscalated:
		return "escalated"
	}
	return "unknown"
}

// Result describes what an out-of-memory resolution did.
type Result struct {
	Outcome    Outcome
	Constraint Constraint
	// Victim is the PID of the chosen process, 0 if there was none.
	Victim PID
	// Score is the badness of the victim. Directly chosen victims score 0.
	Score uint64
}

// Messages logged for kills and escalations.
const (
	msgMemoryPolicy = "No available memory (MPOL_BIND)"
	msgAllocating   = "Out of memory (oom_kill_allocating_task)"
	msgScan         = "Out of memory"
	msgPanicAlways  = "out of memory. Compulsory panic_on_oom is selected"
	msgPanic        = "out of memory. panic_on_oom is selected"
	msgNoKillable   = "Out of memory and no killable processes..."
)

type state int

const (
	stateNotify state = iota
	stateClassify
	stateScan
	stateKill
	stateEscalate
	stateDone
)

func (s state) String() string {
	return [...]string{"notify", "classify", "scan", "kill", "escalate", "done"}[s]
}

// resolution is the state of a single OutOfMemory call.
type resolution struct {
	k           *Killer
	req         *Request
	cfg         cfgapi.Config
	result      Result
	victim      *Process
	message     string
	label       string
	scanned     bool
	scans       int
	maxScans    int
	reason      string
	dump        bool
	zonesLocked bool
	procsLocked bool
}

// OutOfMemory resolves an allocation failure. It asks notifiers to free
// memory, then either escalates, kills the requester, or kills the process
// with the highest badness score. Resolutions over overlapping zones are
// serialized, a contended resolution backs off without doing anything.
// After resolving, it pauses to let the victim exit and launches the late
// helper if one is configured.
func (k *Killer) OutOfMemory(ctx context.Context, req *Request) Result {
	ctx, span := tracing.StartSpan(ctx, "oom.OutOfMemory")
	defer span.End()

	k.metrics.invocations.Inc()

	if err := req.Validate(); err != nil {
		log.Error("%v", err)
		span.SetStatus(err)
		return Result{Outcome: OutcomeInvalid}
	}

	span.SetAttributes(
		tracing.Attribute("gfp_mask", req.GFPMask),
		tracing.Attribute("order", req.Order),
		tracing.Attribute("zonelist", req.Zonelist),
	)

	r := &resolution{
		k:   k,
		req: req,
		cfg: k.Config(),
	}

	for st := stateNotify; st != stateDone; {
		details.Debug("resolution %s: state %s", req.Zonelist, st)
		switch st {
		case stateNotify:
			st = r.notify()
		case stateClassify:
			st = r.classify()
		case stateScan:
			st = r.scan()
		case stateKill:
			st = r.kill()
		case stateEscalate:
			st = r.escalate()
		}
	}

	r.finish(ctx)

	span.SetAttributes(
		tracing.Attribute("outcome", r.result.Outcome),
		tracing.Attribute("constraint", r.result.Constraint),
		tracing.Attribute("victim", int(r.result.Victim)),
		tracing.Attribute("score", r.result.Score),
	)
	span.SetStatus(nil)

	return r.result
}

func (r *resolution) notify() state {
	k := r.k

	if freed := k.notifiers.Call(); freed > 0 {
		log.Info("OOM notifiers freed %d pages, not killing", freed)
		k.metrics.notifierFreed.Add(float64(freed))
		r.result.Outcome = OutcomeFreed
		return stateDone
	}

	if r.cfg.PanicOnOOM == cfgapi.PanicAlways {
		r.reason, r.dump = msgPanicAlways, true
		return stateEscalate
	}

	return stateClassify
}

func (r *resolution) classify() state {
	k, req := r.k, r.req

	r.result.Constraint = classify(req, k.memNodes, k.checker)
	log.Debug("allocation constraint: %s", r.result.Constraint)

	if !k.zones.TryLock(req.Zonelist) {
		log.Debug("zones of %s already being resolved, backing off", req.Zonelist)
		k.metrics.contention.Inc()
		r.result.Outcome = OutcomeContended
		return stateDone
	}
	r.zonesLocked = true

	k.procs.RLock()
	r.procsLocked = true

	switch r.result.Constraint {
	case ConstraintMemoryPolicy:
		if req.Requester != nil {
			r.target(req.Requester, 0, msgMemoryPolicy, killMemoryPolicy)
			return stateKill
		}
		log.Warn("memory policy constrained allocation without a requester, scanning")

	case ConstraintNone:
		if r.cfg.PanicOnOOM == cfgapi.PanicUnconstrained {
			r.reason, r.dump = msgPanic, true
			return stateEscalate
		}
	}

	if r.cfg.KillAllocatingTask && req.Requester != nil {
		r.target(req.Requester, 0, msgAllocating, killAllocating)
		return stateKill
	}

	return stateScan
}

func (r *resolution) scan() state {
	k := r.k

	if r.maxScans == 0 {
		r.maxScans = len(k.procs.byPID) + 1
	}
	if r.scans++; r.scans > r.maxScans {
		log.Error("failed to kill any process after %d attempts", r.maxScans)
		r.result.Outcome = OutcomeFailed
		return stateDone
	}

	victim, points, err := k.procs.selectVictim(r.req.Requester, k.uptime())
	switch {
	case err != nil:
		log.Info("%v, not killing", err)
		k.metrics.aborted.Inc()
		r.result.Outcome = OutcomeAborted
		return stateDone
	case victim == nil:
		r.reason = msgNoKillable
		return stateEscalate
	}

	r.target(victim, points, msgScan, killScan)
	r.scanned = true

	return stateKill
}

func (r *resolution) target(p *Process, points uint64, message, label string) {
	r.victim = p
	r.result.Victim = p.PID()
	r.result.Score = points
	r.message = message
	r.label = label
}

func (r *resolution) kill() state {
	k, p := r.k, r.victim

	exiting := p.IsExiting()
	if err := k.killProcess(r.req, p, r.result.Score, r.message); err != nil {
		log.Warn("failed to kill %s: %v", p, err)
		r.result.Victim, r.result.Score = 0, 0
		if r.scanned {
			return stateScan
		}
		r.result.Outcome = OutcomeFailed
		return stateDone
	}

	if exiting {
		k.metrics.kills.WithLabelValues(killReserves).Inc()
		r.result.Outcome = OutcomeReserved
	} else {
		k.metrics.kills.WithLabelValues(r.label).Inc()
		r.result.Outcome = OutcomeKilled
	}
	k.metrics.victimScore.Set(float64(r.result.Score))

	return stateDone
}

func (r *resolution) escalate() state {
	k := r.k

	if r.dump {
		k.dumpHeader(r.req, r.procsLocked)
	}

	log.Error("%s", r.reason)
	r.result.Outcome = OutcomeEscalated
	k.panic(r.reason)

	return stateDone
}

// finish releases locks, waits for the victim to exit and launches the
// late helper.
func (r *resolution) finish(ctx context.Context) {
	k, req := r.k, r.req

	if r.procsLocked {
		k.procs.RUnlock()
		r.procsLocked = false
	}

	defer func() {
		if r.zonesLocked {
			k.zones.Unlock(req.Zonelist)
			r.zonesLocked = false
		}
	}()

	switch r.result.Outcome {
	case OutcomeFreed, OutcomeEscalated:
		return
	case OutcomeContended:
		k.sleep(ctx)
		return
	}

	// Give the victim a chance to exit, unless we are the one dying.
	if req.Requester == nil || !req.Requester.HasMemDie() {
		k.sleep(ctx)
	}

	k.launchHelper(r.cfg.LateHelper)
}

// dumpHeader reports the allocation failure, rate-limited. With tasks set
// and oom-details debugging enabled it also lists the processes, which
// requires the population to be read-locked.
func (k *Killer) dumpHeader(req *Request, tasks bool) {
	if !k.header.Allow() {
		return
	}

	name, adj := "<none>", 0
	if req.Requester != nil {
		name, adj = req.Requester.Comm(), req.Requester.Adjust()
	}

	log.Warn("%s invoked oom-killer: gfp_mask=%s, order=%d, oomkilladj=%d",
		name, req.GFPMask, req.Order, adj)

	log.Warn("  allowed zones: %s", req.Zonelist)

	if tasks && details.DebugEnabled() {
		k.dumpTasks()
	}
}

// dumpTasks lists processes with their memory usage. Must be called with
// procs read-locked.
func (k *Killer) dumpTasks() {
	details.Debug("[  pid  ]   uid  tgid       rss  adj flags name")
	k.procs.each(func(p *Process) bool {
		if !p.HasMM() {
			return true
		}
		details.Debug("[%7d] %5d %5d %9d %4d %5s %s", p.PID(), p.info.UID, p.TGID(),
			p.RSS(), p.Adjust(), p.Flags(), p.Comm())
		return true
	})
}

func (k *Killer) sleep(ctx context.Context) {
	if k.delay <= 0 {
		return
	}

	t := time.NewTimer(k.delay)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
