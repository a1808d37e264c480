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
	"strings"

	"github.com/containers/oom-resolver/pkg/memzone"
)

// GFPMask is a set of allocation flags.
type GFPMask uint32

const (
	// GFPWait allocations may sleep.
	GFPWait GFPMask = 0x10
	// GFPHigh allocations may use emergency pools.
	GFPHigh GFPMask = 0x20
	// GFPIO allocations may start physical I/O.
	GFPIO GFPMask = 0x40
	// GFPFS allocations may call into the filesystem layer.
	GFPFS GFPMask = 0x80
	// GFPHardwall allocations strictly enforce the memory nodes of the cpuset.
	GFPHardwall GFPMask = 0x20000
	// GFPThisNode allocations must come from the local node.
	GFPThisNode GFPMask = 0x40000

	// GFPKernel is the usual mask for kernel allocations.
	GFPKernel = GFPWait | GFPIO | GFPFS
	// GFPUser is the usual mask for user space allocations.
	GFPUser = GFPKernel | GFPHardwall
)

// String returns the mask in hex followed by its known flags.
func (m GFPMask) String() string {
	var names []string
	for _, f := range []struct {
		m    GFPMask
		name string
	}{
		{GFPWait, "WAIT"},
		{GFPHigh, "HIGH"},
		{GFPIO, "IO"},
		{GFPFS, "FS"},
		{GFPHardwall, "HARDWALL"},
		{GFPThisNode, "THISNODE"},
	} {
		if m&f.m != 0 {
			names = append(names, f.name)
		}
	}
	return fmt.Sprintf("0x%x(%s)", uint32(m), strings.Join(names, "|"))
}

// MaxOrder is the maximum allocation order.
const MaxOrder = 63

// Request describes an allocation which could not be satisfied.
type Request struct {
	// Zonelist lists the zones the allocation could be satisfied from.
	Zonelist memzone.Zonelist
	// GFPMask is the allocation flags.
	GFPMask GFPMask
	// Order is the allocation size hint, log2 of the number of pages.
	Order int
	// Requester is the allocating process. It may be nil if resolution
	// is not triggered on behalf of a process.
	Requester *Process
}

// Validate checks the request.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if err := r.Zonelist.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if r.Order < 0 || r.Order > MaxOrder {
		return fmt.Errorf("%w: invalid order %d", ErrInvalidRequest, r.Order)
	}
	return nil
}
