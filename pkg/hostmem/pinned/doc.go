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

// Package pinned provides page-locked host-memory allocation for
// high-bandwidth host<->device transfers, such as staging buffers feeding a
// KV-cache offload path.
//
// The allocator hands out opaque Handle tokens backed by a platform host
// allocation call (cudaHostAlloc on CUDA builds, anonymous mmap+mlock
// elsewhere) and tracks every live region in a registry. The registry is the
// source of truth for liveness: a free of a handle that is not currently live
// is rejected before the platform is touched, so double-free and
// free-of-garbage caller bugs surface as errors instead of undefined
// behavior.
//
// Every successful Allocate must be paired with exactly one successful Free.
// There is no implicit reclamation; regions still live at Close are reported
// as leaks.
package pinned
