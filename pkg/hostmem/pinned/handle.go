/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pinned

import (
	"fmt"
	"time"
)

// Handle is an opaque token for a live pinned region. It is wide enough to
// hold a native memory address but is never dereferenced by the allocator;
// the registry decides whether a handle is valid.
type Handle uintptr

// String returns a string representation of the Handle.
func (h Handle) String() string {
	return fmt.Sprintf("0x%x", uintptr(h))
}

// Flags is a bitmask forwarded verbatim to the platform host-allocation call.
// The allocator does not interpret or validate individual bits; the platform
// is the authority on which combinations are legal.
type Flags uint32

// Flag values mirror the CUDA host-alloc bits bit-for-bit so that flags
// composed by external transfer layers keep their meaning across languages.
const (
	// FlagDefault requests plain page-locked memory.
	FlagDefault Flags = 0x0
	// FlagPortable makes the region considered pinned by all device contexts.
	FlagPortable Flags = 0x1
	// FlagMapped maps the region into the device address space.
	FlagMapped Flags = 0x2
	// FlagWriteCombined allocates the region as write-combined memory.
	FlagWriteCombined Flags = 0x4
)

// Allocation describes one outstanding pinned region.
type Allocation struct {
	// Handle is the opaque address token returned to the caller.
	Handle Handle
	// Size is the requested byte length, fixed at allocation time.
	Size uint64
	// Flags is the bitmask the region was allocated with.
	Flags Flags
	// AllocatedAt records when the region was allocated, for leak audits.
	AllocatedAt time.Time
}

// String returns a string representation of the Allocation.
func (a *Allocation) String() string {
	return fmt.Sprintf("%s/%dB/flags=0x%x", a.Handle, a.Size, uint32(a.Flags))
}
