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

	"github.com/google/shlex"
)

// Launcher starts helper processes.
type Launcher interface {
	// Prepare sets up a helper for the given argument vector.
	Prepare(argv []string) (Helper, error)
}

// Helper is a prepared helper process.
type Helper interface {
	// Start starts the helper without waiting for it to finish.
	Start() error
}

// Escalator handles failures which OOM killing cannot recover from.
type Escalator interface {
	// Panic stops the system with the given reason.
	Panic(reason string)
	// Restart restarts the system with the given reason.
	Restart(reason string)
}

// panicEscalator escalates by panicking the current process.
type panicEscalator struct{}

func (panicEscalator) Panic(reason string) {
	log.Panic("Kernel panic - not syncing: %s", reason)
}

func (panicEscalator) Restart(reason string) {
	log.Panic("emergency restart: %s", reason)
}

// restartReason is the reason given for restarts caused by helper failures.
const restartReason = "oom"

// launchHelper starts the late helper command, if one is configured.
// Failing to start it restarts the system.
func (k *Killer) launchHelper(cmd string) {
	if cmd == "" {
		return
	}

	log.Info("launching late helper '%s'", cmd)

	if err := k.startHelper(cmd); err != nil {
		log.Error("%v, restarting", err)
		k.restart(restartReason)
	}
}

func (k *Killer) startHelper(cmd string) error {
	argv, err := shlex.Split(cmd)
	if err != nil {
		return fmt.Errorf("%w: failed to split %q: %w", ErrHelper, cmd, err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("%w: empty command %q", ErrHelper, cmd)
	}

	if k.launcher == nil {
		return fmt.Errorf("%w: no launcher", ErrHelper)
	}

	helper, err := k.launcher.Prepare(argv)
	if err != nil {
		return fmt.Errorf("%w: failed to set up %q: %w", ErrHelper, argv[0], err)
	}

	if err := helper.Start(); err != nil {
		return fmt.Errorf("%w: failed to start %q: %w", ErrHelper, argv[0], err)
	}

	return nil
}

func (k *Killer) panic(reason string) {
	k.metrics.escalations.WithLabelValues("panic").Inc()
	k.escalator.Panic(reason)
}

func (k *Killer) restart(reason string) {
	k.metrics.escalations.WithLabelValues("restart").Inc()
	k.escalator.Restart(reason)
}
