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

//go:build cuda

package pinned

/*
#cgo LDFLAGS: -lcudart
#include <cuda_runtime_api.h>
*/
import "C"

import (
	"unsafe"
)

// CUDAPlatform is a Platform backed by cudaHostAlloc/cudaFreeHost. The flag
// bits are forwarded verbatim; the CUDA runtime rejects illegal combinations.
type CUDAPlatform struct{}

var _ Platform = &CUDAPlatform{}

// NewCUDAPlatform creates a new CUDAPlatform instance. It probes the runtime
// so a missing driver or device surfaces at construction rather than on the
// first allocation.
func NewCUDAPlatform(_ *CUDAPlatformConfig) (*CUDAPlatform, error) {
	var count C.int
	if rc := C.cudaGetDeviceCount(&count); rc != C.cudaSuccess {
		return nil, cudaErrorFrom(int(rc), C.GoString(C.cudaGetErrorString(rc)))
	}

	return &CUDAPlatform{}, nil
}

// Name identifies the platform in errors and logs.
func (p *CUDAPlatform) Name() string {
	return "cuda"
}

// HostAlloc requests a page-locked region from the CUDA runtime.
func (p *CUDAPlatform) HostAlloc(size uint64, flags Flags) (Handle, error) {
	var ptr unsafe.Pointer
	if rc := C.cudaHostAlloc(&ptr, C.size_t(size), C.uint(flags)); rc != C.cudaSuccess {
		return 0, cudaErrorFrom(int(rc), C.GoString(C.cudaGetErrorString(rc)))
	}

	return Handle(uintptr(ptr)), nil
}

// HostFree releases a region previously returned by HostAlloc.
func (p *CUDAPlatform) HostFree(handle Handle) error {
	if rc := C.cudaFreeHost(unsafe.Pointer(uintptr(handle))); rc != C.cudaSuccess {
		return cudaErrorFrom(int(rc), C.GoString(C.cudaGetErrorString(rc)))
	}

	return nil
}
