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

package bufpool_test

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/bufpool"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/pinned"
)

// countingPlatform hands out fake addresses and counts platform calls so
// tests can tell a pool reuse from a fresh allocation.
type countingPlatform struct {
	mu         sync.Mutex
	next       uintptr
	live       map[pinned.Handle]struct{}
	allocCalls int
	// freeFailures is the number of upcoming HostFree calls to fail.
	freeFailures int
}

func newCountingPlatform() *countingPlatform {
	return &countingPlatform{
		next: 0x1000,
		live: make(map[pinned.Handle]struct{}),
	}
}

func (p *countingPlatform) Name() string { return "counting" }

func (p *countingPlatform) HostAlloc(size uint64, _ pinned.Flags) (pinned.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.allocCalls++
	handle := pinned.Handle(p.next)
	p.next += uintptr(size)
	p.live[handle] = struct{}{}

	return handle, nil
}

func (p *countingPlatform) HostFree(handle pinned.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeFailures > 0 {
		p.freeFailures--
		return errors.New("transient free failure")
	}
	if _, found := p.live[handle]; !found {
		return fmt.Errorf("no region at %s", handle)
	}
	delete(p.live, handle)

	return nil
}

func (p *countingPlatform) allocations() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.allocCalls
}

func newTestPool(t *testing.T, cfg *bufpool.Config) (*bufpool.Pool, *countingPlatform, pinned.Allocator) {
	t.Helper()

	platform := newCountingPlatform()
	allocator := pinned.NewRegistryAllocator(platform)

	pool, err := bufpool.NewPool(cfg, allocator)
	require.NoError(t, err)

	return pool, platform, allocator
}

func TestGetPutReuse(t *testing.T) {
	pool, platform, _ := newTestPool(t, nil)

	buffer, err := pool.Get(t.Context(), 4096, pinned.FlagDefault)
	require.NoError(t, err)
	require.NoError(t, pool.Put(t.Context(), buffer))

	reused, err := pool.Get(t.Context(), 4096, pinned.FlagDefault)
	require.NoError(t, err)
	assert.Equal(t, buffer.Handle, reused.Handle)
	assert.Equal(t, 1, platform.allocations(), "second Get must reuse the idle buffer")
}

func TestSizeClassRounding(t *testing.T) {
	pool, _, _ := newTestPool(t, nil)

	tests := []struct {
		requested uint64
		class     uint64
	}{
		{requested: 1, class: 4096},
		{requested: 4096, class: 4096},
		{requested: 5000, class: 8192},
		{requested: 1 << 20, class: 1 << 20},
		{requested: (1 << 20) + 1, class: 1 << 21},
	}

	for _, tt := range tests {
		buffer, err := pool.Get(t.Context(), tt.requested, pinned.FlagDefault)
		require.NoError(t, err)
		assert.Equal(t, tt.class, buffer.Size, "requested %d", tt.requested)
		require.NoError(t, pool.Put(t.Context(), buffer))
	}
}

func TestFlagsSegregateClasses(t *testing.T) {
	pool, platform, _ := newTestPool(t, nil)

	buffer, err := pool.Get(t.Context(), 4096, pinned.FlagDefault)
	require.NoError(t, err)
	require.NoError(t, pool.Put(t.Context(), buffer))

	mapped, err := pool.Get(t.Context(), 4096, pinned.FlagMapped)
	require.NoError(t, err)
	assert.NotEqual(t, buffer.Handle, mapped.Handle, "flags must not share idle buffers")
	assert.Equal(t, 2, platform.allocations())
}

func TestPutUnknownBuffer(t *testing.T) {
	pool, _, _ := newTestPool(t, nil)

	err := pool.Put(t.Context(), &bufpool.Buffer{Handle: pinned.Handle(0xdeadbeef), Size: 4096})
	require.Error(t, err)
	assert.ErrorIs(t, err, pinned.ErrInvalidHandle)
}

func TestGetRejectsOversizeRequest(t *testing.T) {
	pool, platform, _ := newTestPool(t, nil)

	// rounding these up to a power of two would overflow uint64
	_, err := pool.Get(t.Context(), (uint64(1)<<63)+1, pinned.FlagDefault)
	require.ErrorIs(t, err, pinned.ErrInvalidSize)

	_, err = pool.Get(t.Context(), math.MaxUint64, pinned.FlagDefault)
	require.ErrorIs(t, err, pinned.ErrInvalidSize)

	assert.Equal(t, 0, platform.allocations(), "oversize requests must not reach the platform")
}

func TestPutRetryAfterFreeFailure(t *testing.T) {
	cfg := bufpool.DefaultConfig()
	cfg.MaxIdleBytes = "0B"
	pool, platform, allocator := newTestPool(t, cfg)

	buffer, err := pool.Get(t.Context(), 4096, pinned.FlagDefault)
	require.NoError(t, err)

	platform.freeFailures = 1
	require.Error(t, pool.Put(t.Context(), buffer))

	// the buffer stays on the outstanding ledger, so the retry is not
	// rejected as a double return
	require.NoError(t, pool.Put(t.Context(), buffer))
	assert.Equal(t, 0, allocator.LiveCount())
}

func TestIdleByteBudget(t *testing.T) {
	cfg := bufpool.DefaultConfig()
	cfg.MaxIdleBytes = "4KiB"
	pool, _, allocator := newTestPool(t, cfg)

	first, err := pool.Get(t.Context(), 4096, pinned.FlagDefault)
	require.NoError(t, err)
	second, err := pool.Get(t.Context(), 4096, pinned.FlagDefault)
	require.NoError(t, err)

	require.NoError(t, pool.Put(t.Context(), first))
	require.NoError(t, pool.Put(t.Context(), second))

	// only the first fits the idle budget; the second is freed outright
	assert.Equal(t, uint64(4096), pool.IdleBytes())
	assert.Equal(t, 1, allocator.LiveCount())
}

func TestCloseDrainsIdleBuffers(t *testing.T) {
	pool, _, allocator := newTestPool(t, nil)

	for i := 0; i < 4; i++ {
		buffer, err := pool.Get(t.Context(), 4096<<i, pinned.FlagDefault)
		require.NoError(t, err)
		require.NoError(t, pool.Put(t.Context(), buffer))
	}
	assert.Equal(t, 4, allocator.LiveCount())

	require.NoError(t, pool.Close(t.Context()))
	assert.Equal(t, 0, allocator.LiveCount())
	assert.Zero(t, pool.IdleBytes())
}
