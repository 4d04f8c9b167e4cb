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

package pinned_test

import (
	"fmt"
	"sync"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/pinned"
)

// fakePlatform is an in-memory Platform that hands out monotonically
// increasing fake addresses. Failure injection covers the platform error
// paths without a real device.
type fakePlatform struct {
	mu         sync.Mutex
	next       uintptr
	live       map[pinned.Handle]uint64
	allocErr   error
	freeErr    error
	allocCalls int
	freeCalls  int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		next: 0x1000,
		live: make(map[pinned.Handle]uint64),
	}
}

func (p *fakePlatform) Name() string {
	return "fake"
}

func (p *fakePlatform) HostAlloc(size uint64, _ pinned.Flags) (pinned.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.allocCalls++
	if p.allocErr != nil {
		return 0, p.allocErr
	}

	handle := pinned.Handle(p.next)
	p.next += uintptr(size)
	p.live[handle] = size

	return handle, nil
}

func (p *fakePlatform) HostFree(handle pinned.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.freeCalls++
	if p.freeErr != nil {
		return p.freeErr
	}

	if _, found := p.live[handle]; !found {
		return fmt.Errorf("no region at %s", handle)
	}
	delete(p.live, handle)

	return nil
}
