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
	"os"

	"golang.org/x/sys/unix"

	cfgapi "github.com/containers/oom-resolver/pkg/apis/config/v1alpha1"
)

// exit codes for escalations handled by exiting
const (
	exitPanic   = 2
	exitRestart = 3
)

// Escalator handles unrecoverable OOM conditions on the host, either by
// exiting this process or by halting or rebooting the host.
type Escalator struct {
	mode   string
	dryRun bool
	exit   func(int)
	sync   func()
	reboot func(int) error
}

// NewEscalator creates an escalator for the given escalation mode. In
// dry-run mode escalations are only logged.
func NewEscalator(mode string, dryRun bool) *Escalator {
	return &Escalator{
		mode:   mode,
		dryRun: dryRun,
		exit:   os.Exit,
		sync:   unix.Sync,
		reboot: unix.Reboot,
	}
}

// Panic stops the host, or exits if we are not allowed to reboot.
func (e *Escalator) Panic(reason string) {
	log.Error("panic: %s", reason)
	e.escalate(unix.LINUX_REBOOT_CMD_HALT, exitPanic)
}

// Restart reboots the host, or exits if we are not allowed to reboot.
func (e *Escalator) Restart(reason string) {
	log.Error("restarting: %s", reason)
	e.escalate(unix.LINUX_REBOOT_CMD_RESTART, exitRestart)
}

func (e *Escalator) escalate(cmd, code int) {
	if e.dryRun {
		log.Warn("dry-run: not escalating")
		return
	}

	if e.mode == cfgapi.EscalateReboot {
		e.sync()
		if err := e.reboot(cmd); err != nil {
			log.Error("failed to reboot (cmd 0x%x): %v", cmd, err)
		} else {
			return
		}
	}

	e.exit(code)
}
