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
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// ID is the ID of a memory node.
type ID = int

// NodeMask represents a set of node IDs as a bit mask.
type NodeMask uint64

const (
	// MaxNodeID is the maximum node ID that can be stored in a NodeMask.
	MaxNodeID = 63
)

// NewNodeMask returns a NodeMask with the given ids.
func NewNodeMask(ids ...ID) NodeMask {
	return NodeMask(0).Set(ids...)
}

// ParseNodeMask parses a linux node list (for instance "0-2,5") into a NodeMask.
func ParseNodeMask(str string) (NodeMask, error) {
	m := NodeMask(0)
	if str = strings.TrimSpace(str); str == "" {
		return m, nil
	}

	parseID := func(s string) (int64, error) {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: failed to parse node mask %q: %w",
				ErrInvalidNodeMask, str, err)
		}
		if id < 0 || id > MaxNodeID {
			return 0, fmt.Errorf("%w: invalid node ID %d in mask %q",
				ErrInvalidNodeMask, id, str)
		}
		return id, nil
	}

	for _, s := range strings.Split(str, ",") {
		first, last, isRange := strings.Cut(s, "-")
		beg, err := parseID(first)
		if err != nil {
			return 0, err
		}
		end := beg
		if isRange {
			if end, err = parseID(last); err != nil {
				return 0, err
			}
			if end < beg {
				return 0, fmt.Errorf("%w: invalid range (%d - %d) in node mask %q",
					ErrInvalidNodeMask, beg, end, str)
			}
		}
		for id := beg; id <= end; id++ {
			m |= (1 << id)
		}
	}

	return m, nil
}

// MustParseNodeMask parses the given node list. It panics on failure.
func MustParseNodeMask(str string) NodeMask {
	m, err := ParseNodeMask(str)
	if err != nil {
		panic(err)
	}
	return m
}

// Slice returns the node IDs stored in the NodeMask in increasing order.
func (m NodeMask) Slice() []ID {
	ids := make([]ID, 0, m.Size())
	for b := m; b != 0; b &= b - 1 {
		ids = append(ids, bits.TrailingZeros64(uint64(b)))
	}
	return ids
}

// Set returns a NodeMask with both the original and the given IDs added.
func (m NodeMask) Set(ids ...ID) NodeMask {
	for _, id := range ids {
		m |= (1 << id)
	}
	return m
}

// Clear returns a NodeMask with the given IDs removed.
func (m NodeMask) Clear(ids ...ID) NodeMask {
	for _, id := range ids {
		m &^= (1 << id)
	}
	return m
}

// Contains returns true if all the given IDs are present in the NodeMask.
func (m NodeMask) Contains(ids ...ID) bool {
	for _, id := range ids {
		if (m & (1 << id)) == 0 {
			return false
		}
	}
	return true
}

// Intersects returns true if the masks have at least one common node.
func (m NodeMask) Intersects(o NodeMask) bool {
	return m&o != 0
}

// And returns a NodeMask with all IDs which are present in both NodeMasks.
func (m NodeMask) And(o NodeMask) NodeMask {
	return m & o
}

// Or returns a NodeMask with all IDs which are present in at least one of the NodeMasks.
func (m NodeMask) Or(o NodeMask) NodeMask {
	return m | o
}

// AndNot returns a NodeMask with all IDs which are present in m but not in o.
func (m NodeMask) AndNot(o NodeMask) NodeMask {
	return m &^ o
}

// IsEmpty returns true if the NodeMask has no IDs.
func (m NodeMask) IsEmpty() bool {
	return m == 0
}

// Size returns the number of IDs present in the NodeMask.
func (m NodeMask) Size() int {
	return bits.OnesCount64(uint64(m))
}

// String returns a string representation of the NodeMask.
func (m NodeMask) String() string {
	return "nodes{" + m.MemsetString() + "}"
}

// MemsetString returns a linux memory set-compatible string representation
// of the NodeMask, as found for instance in Mems_allowed_list of
// /proc/<pid>/status.
func (m NodeMask) MemsetString() string {
	var (
		b   = strings.Builder{}
		sep = ""
		ids = m.Slice()
	)

	for i := 0; i < len(ids); {
		beg, end := ids[i], ids[i]
		for i++; i < len(ids) && ids[i] == end+1; i++ {
			end = ids[i]
		}
		b.WriteString(sep)
		b.WriteString(strconv.Itoa(beg))
		if end > beg {
			b.WriteString("-")
			b.WriteString(strconv.Itoa(end))
		}
		sep = ","
	}

	return b.String()
}
