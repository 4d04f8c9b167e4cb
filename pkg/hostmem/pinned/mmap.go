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

//go:build unix

package pinned

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/utils/logging"
)

// MmapPlatform is a Platform backed by anonymous memory maps, page-locked
// with mlock. It is the host-allocation backend on builds without CUDA
// support.
type MmapPlatform struct {
	requireLocked bool

	// mu guards regions. The munmap syscall needs the original mapping,
	// which cannot be recovered from the address alone.
	mu      sync.Mutex
	regions map[Handle][]byte
}

var _ Platform = &MmapPlatform{}

// NewMmapPlatform creates a new MmapPlatform instance.
func NewMmapPlatform(cfg *MmapPlatformConfig) *MmapPlatform {
	if cfg == nil {
		cfg = DefaultMmapPlatformConfig()
	}

	return &MmapPlatform{
		requireLocked: cfg.RequireLocked,
		regions:       make(map[Handle][]byte),
	}
}

// Name identifies the platform in errors and logs.
func (p *MmapPlatform) Name() string {
	return "mmap"
}

// HostAlloc maps an anonymous region of size bytes and locks it into
// physical memory.
func (p *MmapPlatform) HostAlloc(size uint64, _ Flags) (Handle, error) {
	if size > math.MaxInt {
		return 0, fmt.Errorf("size %d overflows the platform address space", size)
	}

	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("mmap failed: %w", err)
	}

	if err := unix.Mlock(mem); err != nil {
		if p.requireLocked {
			//nolint:errcheck // the mapping is already being torn down
			unix.Munmap(mem)
			return 0, fmt.Errorf("mlock failed: %w", err)
		}
		klog.Background().V(logging.DEBUG).Info("mlock failed, region is not page-locked",
			"size", size, "error", err)
	}

	handle := Handle(uintptr(unsafe.Pointer(&mem[0])))

	p.mu.Lock()
	p.regions[handle] = mem
	p.mu.Unlock()

	return handle, nil
}

// HostFree unmaps a region previously returned by HostAlloc.
func (p *MmapPlatform) HostFree(handle Handle) error {
	p.mu.Lock()
	mem, found := p.regions[handle]
	if found {
		delete(p.regions, handle)
	}
	p.mu.Unlock()

	if !found {
		return fmt.Errorf("no mapping at %s", handle)
	}

	if err := unix.Munmap(mem); err != nil {
		// Keep the mapping tracked so a retry can reach it.
		p.mu.Lock()
		p.regions[handle] = mem
		p.mu.Unlock()
		return fmt.Errorf("munmap failed: %w", err)
	}

	return nil
}
