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
	"errors"
	"fmt"
)

// Sentinel errors for the allocator failure taxonomy. Callers should match
// with errors.Is; the concrete *AllocationError and *ReleaseError values
// carry the platform detail.
var (
	// ErrInvalidSize reports a request for a zero-byte region. It is raised
	// locally, before any platform call, and is distinct from a platform
	// allocation failure.
	ErrInvalidSize = errors.New("allocation size must be positive")

	// ErrInvalidHandle reports a free of a handle that is not currently
	// live: never allocated, or already freed. It always indicates a caller
	// bug and is raised before any platform call.
	ErrInvalidHandle = errors.New("handle is not a live allocation")

	// ErrAllocationFailure reports that the platform could not satisfy an
	// allocation request.
	ErrAllocationFailure = errors.New("platform host allocation failed")

	// ErrReleaseFailure reports that the platform refused to release a live
	// region. The registry entry is retained so the region stays visible to
	// leak audits.
	ErrReleaseFailure = errors.New("platform host release failed")
)

// AllocationError carries the platform detail of a failed allocation.
type AllocationError struct {
	Platform string
	Size     uint64
	Flags    Flags
	Cause    error
}

// Error implements the error interface.
func (e *AllocationError) Error() string {
	return fmt.Sprintf("%s: %d bytes, flags=0x%x, platform=%s: %v",
		ErrAllocationFailure, e.Size, uint32(e.Flags), e.Platform, e.Cause)
}

// Unwrap exposes both the sentinel and the platform cause to errors.Is/As.
func (e *AllocationError) Unwrap() []error {
	return []error{ErrAllocationFailure, e.Cause}
}

// ReleaseError carries the platform detail of a failed release.
type ReleaseError struct {
	Platform string
	Handle   Handle
	Cause    error
}

// Error implements the error interface.
func (e *ReleaseError) Error() string {
	return fmt.Sprintf("%s: handle=%s, platform=%s: %v",
		ErrReleaseFailure, e.Handle, e.Platform, e.Cause)
}

// Unwrap exposes both the sentinel and the platform cause to errors.Is/As.
func (e *ReleaseError) Unwrap() []error {
	return []error{ErrReleaseFailure, e.Cause}
}
