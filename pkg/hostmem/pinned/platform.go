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

// Platform is the underlying host-memory allocation API. Implementations
// must be safe for concurrent use; the allocator adds registry consistency on
// top but does not serialize platform calls.
type Platform interface {
	// Name identifies the platform in errors and logs.
	Name() string
	// HostAlloc requests a page-locked region of size bytes. The flags
	// bitmask is forwarded verbatim. On failure the returned error carries
	// the platform's native code/description.
	HostAlloc(size uint64, flags Flags) (Handle, error)
	// HostFree releases a region previously returned by HostAlloc.
	HostFree(handle Handle) error
}
