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

package memzone

import (
	"sync"
)

// Locker serializes OOM handling for overlapping zonelists. All zones of
// a zonelist are locked together or not at all. A zone must only ever be
// locked through a single Locker.
type Locker struct {
	mu sync.Mutex
}

// NewLocker creates a new zone Locker.
func NewLocker() *Locker {
	return &Locker{}
}

// TryLock tries to lock all zones in the zonelist. It fails without side
// effects if any of the zones is already locked.
func (l *Locker) TryLock(zl Zonelist) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, z := range zl {
		if z.oomLocked {
			log.Debug("%s already OOM-locked, %s contended", z, zl)
			return false
		}
	}

	for _, z := range zl {
		z.oomLocked = true
	}

	log.Debug("OOM-locked %s", zl)

	return true
}

// Unlock clears the lock of all zones in the zonelist so that failed
// allocations from any of them may enter OOM handling again.
func (l *Locker) Unlock(zl Zonelist) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, z := range zl {
		z.oomLocked = false
	}

	log.Debug("OOM-unlocked %s", zl)
}

// IsLocked returns true if the zone is currently locked.
func (l *Locker) IsLocked(z *Zone) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return z.oomLocked
}

// Locked returns the subset of the given zones which are currently locked.
func (l *Locker) Locked(zl Zonelist) Zonelist {
	l.mu.Lock()
	defer l.mu.Unlock()

	var locked Zonelist
	for _, z := range zl {
		if z.oomLocked {
			locked = append(locked, z)
		}
	}
	return locked
}
