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
	"strconv"

	"github.com/containers/oom-resolver/pkg/memzone"
)

// Zones returns the populated memory zones of the host, together with
// the set of nodes which have memory.
func (h *Host) Zones() (memzone.Zonelist, memzone.NodeMask, error) {
	infos, err := h.fs.Zoneinfo()
	if err != nil {
		return nil, 0, fmt.Errorf("host: failed to read zone information: %w", err)
	}

	var (
		zones memzone.Zonelist
		nodes memzone.NodeMask
	)

	for _, info := range infos {
		if info.Node == "" {
			continue
		}
		if info.Managed != nil && *info.Managed == 0 {
			log.Debug("skipping empty zone %s on node %s", info.Zone, info.Node)
			continue
		}

		id, err := strconv.Atoi(info.Node)
		if err != nil {
			return nil, 0, fmt.Errorf("host: invalid node %q in zone information: %w", info.Node, err)
		}
		t, err := memzone.ParseType(info.Zone)
		if err != nil {
			log.Debug("skipping zone %s on node %d: %v", info.Zone, id, err)
			continue
		}
		z, err := memzone.NewZone(id, t)
		if err != nil {
			return nil, 0, fmt.Errorf("host: %w", err)
		}

		zones = append(zones, z)
		nodes = nodes.Set(id)
	}

	if len(zones) == 0 {
		return nil, 0, ErrNoZones
	}

	return zones, nodes, nil
}

// AllocationZones returns the zones our own allocations may use. If we
// are bound to a set of nodes by our memory policy, only zones on those
// nodes are returned.
func (h *Host) AllocationZones(zones memzone.Zonelist) memzone.Zonelist {
	mode, nodes, err := h.policy()
	if err != nil {
		log.Warn("failed to query memory policy: %v", err)
		return zones
	}

	if !mode.IsBinding() || nodes.IsEmpty() {
		return zones
	}

	var allowed memzone.Zonelist
	for _, z := range zones {
		if nodes.Contains(z.Node()) {
			allowed = append(allowed, z)
		}
	}

	log.Debug("memory policy %s restricts allocations to nodes %s", mode, nodes.MemsetString())

	return allowed
}
