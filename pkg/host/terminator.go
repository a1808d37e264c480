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

package host

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/containers/oom-resolver/pkg/oom"
)

// boostedNice is the scheduling priority given to boosted victims.
const boostedNice = -20

// Terminator kills processes on the host.
type Terminator struct {
	dryRun bool
	kill   func(pid int, sig unix.Signal) error
	renice func(pid int, prio int) error
}

// NewTerminator creates a terminator. In dry-run mode victims are only
// logged, never signalled.
func NewTerminator(dryRun bool) *Terminator {
	return &Terminator{
		dryRun: dryRun,
		kill:   unix.Kill,
		renice: func(pid, prio int) error {
			return unix.Setpriority(unix.PRIO_PROCESS, pid, prio)
		},
	}
}

// Kill sends SIGKILL to the process, raising its scheduling priority
// first if it has been boosted.
func (t *Terminator) Kill(p *oom.Process) error {
	if t.dryRun {
		log.Info("dry-run: not killing process %s", p)
		return nil
	}

	pid := int(p.PID())

	if p.IsBoosted() {
		if err := t.renice(pid, boostedNice); err != nil {
			log.Warn("failed to boost process %s: %v", p, err)
		}
	}

	if err := t.kill(pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("%w: %d", oom.ErrNoProcess, pid)
		}
		return fmt.Errorf("host: failed to kill process %s: %w", p, err)
	}

	return nil
}
