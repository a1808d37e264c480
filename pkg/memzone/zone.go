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
	"strings"
)

// Type is the type of a memory zone.
type Type int

const (
	TypeDMA     Type = iota // low 16M, ISA DMA-capable
	TypeDMA32               // low 4G, 32-bit DMA-capable
	TypeNormal              // normal, directly mapped memory
	TypeHighMem             // not permanently mapped memory
	TypeMovable             // memory used only for movable allocations
)

var (
	typeToString = map[Type]string{
		TypeDMA:     "DMA",
		TypeDMA32:   "DMA32",
		TypeNormal:  "Normal",
		TypeHighMem: "HighMem",
		TypeMovable: "Movable",
	}
	stringToType = map[string]Type{
		"DMA":     TypeDMA,
		"DMA32":   TypeDMA32,
		"NORMAL":  TypeNormal,
		"HIGHMEM": TypeHighMem,
		"MOVABLE": TypeMovable,
	}
)

// ParseType parses the given string into a zone type.
func ParseType(str string) (Type, error) {
	if t, ok := stringToType[strings.ToUpper(str)]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidZoneType, str)
}

// IsValid returns true if the zone type is known.
func (t Type) IsValid() bool {
	_, ok := typeToString[t]
	return ok
}

// String returns a string representation of the zone type.
func (t Type) String() string {
	if str, ok := typeToString[t]; ok {
		return str
	}
	return fmt.Sprintf("%%!(memzone:Bad-Type %d)", t)
}

// Zone is a unit of memory an allocation draws from. The memory subsystem
// owns zones. The only mutable state, the OOM lock flag, is changed by a
// Locker and only under its lock.
type Zone struct {
	node      ID
	zoneType  Type
	oomLocked bool
}

// NewZone creates a zone of the given type on the given node.
func NewZone(node ID, t Type) (*Zone, error) {
	if node < 0 || node > MaxNodeID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidNode, node)
	}
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidZoneType, t)
	}
	return &Zone{node: node, zoneType: t}, nil
}

// MustNewZone creates a zone. It panics on failure.
func MustNewZone(node ID, t Type) *Zone {
	z, err := NewZone(node, t)
	if err != nil {
		panic(err)
	}
	return z
}

// Node returns the ID of the node the zone belongs to.
func (z *Zone) Node() ID {
	return z.node
}

// Type returns the type of the zone.
func (z *Zone) Type() Type {
	return z.zoneType
}

// String returns a string representation of the zone.
func (z *Zone) String() string {
	return fmt.Sprintf("Node %d, zone %s", z.node, z.zoneType)
}

// Zonelist is the ordered list of zones an allocation may be satisfied from.
type Zonelist []*Zone

// NewZonelist creates a zonelist of the given zones.
func NewZonelist(zones ...*Zone) (Zonelist, error) {
	zl := Zonelist(zones)
	if err := zl.Validate(); err != nil {
		return nil, err
	}
	return zl, nil
}

// Validate checks that the zonelist is non-empty and has no nil zones.
func (zl Zonelist) Validate() error {
	if len(zl) == 0 {
		return ErrEmptyZonelist
	}
	for i, z := range zl {
		if z == nil {
			return fmt.Errorf("%w: nil zone at index %d", ErrInvalidNode, i)
		}
	}
	return nil
}

// Nodes returns the set of nodes covered by the zones in the zonelist.
func (zl Zonelist) Nodes() NodeMask {
	m := NodeMask(0)
	for _, z := range zl {
		m = m.Set(z.node)
	}
	return m
}

// String returns a string representation of the zonelist.
func (zl Zonelist) String() string {
	names := make([]string, 0, len(zl))
	for _, z := range zl {
		names = append(names, z.zoneType.String()+"@"+fmt.Sprint(z.node))
	}
	return "zonelist{" + strings.Join(names, ",") + "}"
}
