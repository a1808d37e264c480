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
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/containers/oom-resolver/pkg/memzone"
	"github.com/containers/oom-resolver/pkg/oom"
)

const (
	// userHZ is the unit of process times in /proc/<pid>/stat.
	userHZ = 100

	// kernel process flags
	pfExiting = 0x00000004
	pfKthread = 0x00200000

	// oom_score_adj range and the value disabling OOM killing
	scoreAdjMin     = -1000
	scoreAdjMax     = 1000
	scoreAdjDisable = scoreAdjMin
)

// status is the data we need from /proc/<pid>/status which
// procfs.ProcStatus does not provide.
type status struct {
	caps oom.Capability
	mems memzone.NodeMask
}

// Processes returns information about all processes of the host, in
// the order of their creation.
func (h *Host) Processes() ([]oom.ProcessInfo, error) {
	procs, err := h.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("host: failed to list processes: %w", err)
	}

	infos := make([]oom.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		info, err := h.process(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ESRCH) {
				log.Debug("process %d is gone", p.PID)
			} else {
				log.Warn("failed to read process %d: %v", p.PID, err)
			}
			continue
		}
		infos = append(infos, info)
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].StartTime != infos[j].StartTime {
			return infos[i].StartTime < infos[j].StartTime
		}
		return infos[i].PID < infos[j].PID
	})

	return infos, nil
}

// Sync updates the population to match the processes of the host.
func (h *Host) Sync(pop *oom.Population) error {
	infos, err := h.Processes()
	if err != nil {
		return err
	}
	return pop.Sync(infos)
}

// ProtectSelf exempts our own process from OOM killing.
func (h *Host) ProtectSelf() error {
	path := filepath.Join(h.procRoot, strconv.Itoa(os.Getpid()), "oom_score_adj")
	if err := os.WriteFile(path, []byte(strconv.Itoa(scoreAdjDisable)), 0644); err != nil {
		return fmt.Errorf("host: failed to protect self from OOM killing: %w", err)
	}
	return nil
}

func (h *Host) process(p procfs.Proc) (oom.ProcessInfo, error) {
	stat, err := p.Stat()
	if err != nil {
		return oom.ProcessInfo{}, err
	}

	ps, err := p.NewStatus()
	if err != nil {
		return oom.ProcessInfo{}, err
	}
	tgid := ps.TGID
	if tgid == 0 {
		tgid = stat.PID
	}

	dir := filepath.Join(h.procRoot, strconv.Itoa(p.PID))

	st, err := readStatus(filepath.Join(dir, "status"))
	if err != nil {
		return oom.ProcessInfo{}, err
	}

	adj, err := readScoreAdj(filepath.Join(dir, "oom_score_adj"))
	if err != nil {
		return oom.ProcessInfo{}, err
	}

	info := oom.ProcessInfo{
		PID:         oom.PID(stat.PID),
		TGID:        oom.PID(tgid),
		PPID:        oom.PID(stat.PPID),
		Comm:        stat.Comm,
		UID:         uint32(ps.UIDs[0]),
		EUID:        uint32(ps.UIDs[1]),
		Caps:        st.caps,
		CPUTime:     time.Duration(stat.UTime+stat.STime) * time.Second / userHZ,
		StartTime:   time.Duration(stat.Starttime) * time.Second / userHZ,
		Nice:        stat.Nice,
		Adjust:      adjustFromScore(adj),
		MemsAllowed: st.mems,
		Exiting:     stat.State == "Z" || stat.State == "X" || stat.Flags&pfExiting != 0,
	}

	if stat.Flags&pfKthread == 0 && stat.VSize > 0 {
		info.MM = oom.MM(tgid)
		if stat.RSS > 0 {
			info.RSS = uint64(stat.RSS)
		}
	}

	return info, nil
}

// adjustFromScore converts an oom_score_adj value to a badness adjustment.
func adjustFromScore(adj int) int {
	if adj <= scoreAdjDisable {
		return oom.AdjustDisable
	}
	if adj > scoreAdjMax {
		adj = scoreAdjMax
	}

	knob := adj * (-oom.AdjustDisable) / scoreAdjMax
	switch {
	case knob < oom.AdjustMin:
		return oom.AdjustMin
	case knob > oom.AdjustMax:
		return oom.AdjustMax
	}
	return knob
}

func readScoreAdj(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	adj, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid oom_score_adj in %s: %w", path, err)
	}
	return adj, nil
}

// readStatus reads the capabilities and memory nodes of a process.
func readStatus(path string) (*status, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st := &status{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		key, value, ok := strings.Cut(s.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case "CapEff":
			caps, err := strconv.ParseUint(value, 16, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid CapEff %q in %s: %w", value, path, err)
			}
			st.caps = oom.Capability(caps)
		case "Mems_allowed_list":
			if st.mems, err = memzone.ParseNodeMask(value); err != nil {
				return nil, fmt.Errorf("invalid Mems_allowed_list %q in %s: %w", value, path, err)
			}
		}
	}

	if err := s.Err(); err != nil {
		return nil, err
	}

	return st, nil
}
