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
	"sort"
	"sync"
)

// Notifier is asked to free memory before any process is killed. It
// returns the number of pages it freed. It must not block for long.
type Notifier interface {
	FreeMemory() uint64
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func() uint64

// FreeMemory implements Notifier.
func (fn NotifierFunc) FreeMemory() uint64 {
	return fn()
}

// NotifierHandle identifies a registered notifier.
type NotifierHandle struct {
	name     string
	priority int
	seq      uint64
	notifier Notifier
}

// Name returns the name the notifier was registered with.
func (h *NotifierHandle) Name() string {
	return h.name
}

// NotifierRegistry is an ordered set of notifiers. Higher priority
// notifiers are called first, notifiers of equal priority in registration
// order.
type NotifierRegistry struct {
	sync.RWMutex
	entries []*NotifierHandle
	seq     uint64
}

// NewNotifierRegistry creates an empty notifier registry.
func NewNotifierRegistry() *NotifierRegistry {
	return &NotifierRegistry{}
}

// Register adds a notifier with the given priority.
func (r *NotifierRegistry) Register(name string, n Notifier, priority int) *NotifierHandle {
	r.Lock()
	defer r.Unlock()

	r.seq++
	h := &NotifierHandle{
		name:     name,
		priority: priority,
		seq:      r.seq,
		notifier: n,
	}

	r.entries = append(r.entries, h)
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].priority > r.entries[j].priority
	})

	log.Info("registered OOM notifier %q with priority %d", name, priority)

	return h
}

// Unregister removes a registered notifier.
func (r *NotifierRegistry) Unregister(h *NotifierHandle) error {
	r.Lock()
	defer r.Unlock()

	for i, e := range r.entries {
		if e == h {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			log.Info("unregistered OOM notifier %q", h.name)
			return nil
		}
	}

	if h == nil {
		return fmt.Errorf("%w: <nil>", ErrUnknownNotifier)
	}
	return fmt.Errorf("%w: %q", ErrUnknownNotifier, h.name)
}

// Len returns the number of registered notifiers.
func (r *NotifierRegistry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.entries)
}

// Call calls every notifier in order and returns the total number of
// pages freed. The set of notifiers is fixed when Call starts.
func (r *NotifierRegistry) Call() uint64 {
	r.RLock()
	entries := make([]*NotifierHandle, len(r.entries))
	copy(entries, r.entries)
	r.RUnlock()

	total := uint64(0)
	for _, e := range entries {
		freed := e.notifier.FreeMemory()
		if freed > 0 {
			log.Debug("OOM notifier %q freed %d pages", e.name, freed)
		}
		total = addSat(total, freed)
	}

	return total
}
