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

// Package memzone models the memory zones an allocation may draw from and
// provides the zone lock used to serialize out-of-memory handling.
//
// # Nodes, Zones, Zonelists
//
// A memory node usually corresponds to a NUMA node. Each node is divided
// into one or more zones (DMA, DMA32, Normal, Movable). Zones are owned
// by the memory subsystem; this package only describes them and carries
// one piece of mutable state per zone: the "OOM resolution in progress"
// flag.
//
// A Zonelist is the ordered, non-empty list of zones an allocation is
// allowed to fall back to. Its node set (Zonelist.Nodes) is what the out
// of memory handler compares against the nodes with memory to classify
// an allocation as policy-restricted.
//
// # Zone Locking
//
// Locker serializes out-of-memory handling per set of overlapping zones.
// TryLock either marks every zone of a zonelist locked or, if any of them
// is already locked, none of them. Both the check and the update happen
// under a single exclusive section, so two overlapping zonelists can
// never each lock a disjoint subset of their zones. Locker does not know
// anything about processes and can be used by any caller which needs to
// suppress concurrent entry for a set of zones.
package memzone
