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
	"time"
)

// errInProgress aborts a scan when some process is already being killed
// or is exiting and will release memory soon.
var errInProgress = errors.New("oom: resolution already in progress")

// selectVictim scans the population for the process with the highest
// badness. It returns nil without error if there is nothing to kill, and
// errInProgress if the scan should be abandoned. Ties go to the process
// seen first. Must be called with pop read-locked.
func (pop *Population) selectVictim(requester *Process, uptime time.Duration) (*Process, uint64, error) {
	var (
		victim *Process
		best   uint64
		err    error
	)

	pop.each(func(p *Process) bool {
		if !p.HasMM() || p.IsInit() {
			return true
		}

		// Someone is already dying with access to reserves.
		if p.HasMemDie() {
			details.Debug("%s already has access to memory reserves", p)
			victim, best, err = nil, 0, errInProgress
			return false
		}

		if p.IsExiting() {
			if requester == nil || p.PID() != requester.PID() {
				details.Debug("%s is exiting, waiting for it", p)
				victim, best, err = nil, 0, errInProgress
				return false
			}
			victim, best = p, MaxScore
			return false
		}

		if p.Adjust() == AdjustDisable {
			return true
		}

		points := Badness(p, pop.childrenOf(p), uptime, requester)
		if details.DebugEnabled() {
			details.Debug("  candidate %s: rss %d, adj %d, score %d", p, p.RSS(), p.Adjust(), points)
		}
		if victim == nil || points > best {
			victim, best = p, points
		}

		return true
	})

	return victim, best, err
}
