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
	"fmt"
	"os/exec"

	"github.com/containers/oom-resolver/pkg/oom"
)

// helperEnv is the environment helper processes are started with.
var helperEnv = []string{
	"HOME=/",
	"TERM=linux",
	"PATH=/sbin:/usr/sbin:/bin:/usr/bin",
}

// Launcher starts helper processes on the host.
type Launcher struct {
	dryRun bool
}

// NewLauncher creates a launcher. In dry-run mode helpers are prepared
// but never started.
func NewLauncher(dryRun bool) *Launcher {
	return &Launcher{dryRun: dryRun}
}

// Prepare looks up the helper binary and sets up the command.
func (l *Launcher) Prepare(argv []string) (oom.Helper, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty helper command", oom.ErrHelper)
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", oom.ErrHelper, err)
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Env = helperEnv
	cmd.Dir = "/"

	return &helper{cmd: cmd, dryRun: l.dryRun}, nil
}

type helper struct {
	cmd    *exec.Cmd
	dryRun bool
}

// Start starts the helper and reaps it in the background.
func (h *helper) Start() error {
	if h.dryRun {
		log.Info("dry-run: not starting helper %s", h.cmd)
		return nil
	}

	if err := h.cmd.Start(); err != nil {
		return fmt.Errorf("%w: %w", oom.ErrHelper, err)
	}

	go func() {
		if err := h.cmd.Wait(); err != nil {
			log.Warn("helper %s failed: %v", h.cmd, err)
			return
		}
		log.Debug("helper %s finished", h.cmd)
	}()

	return nil
}
