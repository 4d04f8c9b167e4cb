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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/pinned"
)

func TestAllocateFreeRoundtrip(t *testing.T) {
	tests := []struct {
		name  string
		size  uint64
		flags pinned.Flags
	}{
		{name: "single byte", size: 1, flags: pinned.FlagDefault},
		{name: "page", size: 4096, flags: pinned.FlagDefault},
		{name: "device mapped", size: 4096, flags: pinned.FlagMapped},
		{name: "write combined", size: 1 << 20, flags: pinned.FlagMapped | pinned.FlagWriteCombined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allocator := pinned.NewRegistryAllocator(newFakePlatform())

			handle, err := allocator.Allocate(t.Context(), tt.size, tt.flags)
			require.NoError(t, err)
			assert.NotZero(t, handle)
			assert.Equal(t, 1, allocator.LiveCount())
			assert.Equal(t, tt.size, allocator.LiveBytes())

			require.NoError(t, allocator.Free(t.Context(), handle))
			assert.Equal(t, 0, allocator.LiveCount())
			assert.Zero(t, allocator.LiveBytes())
		})
	}
}

func TestZeroSizeRejectedBeforePlatform(t *testing.T) {
	platform := newFakePlatform()
	allocator := pinned.NewRegistryAllocator(platform)

	_, err := allocator.Allocate(t.Context(), 0, pinned.FlagDefault)
	require.Error(t, err)
	assert.ErrorIs(t, err, pinned.ErrInvalidSize)
	assert.NotErrorIs(t, err, pinned.ErrAllocationFailure)
	assert.Equal(t, 0, platform.allocCalls, "platform must not be reached for invalid sizes")
}

func TestFreeUnknownHandle(t *testing.T) {
	platform := newFakePlatform()
	allocator := pinned.NewRegistryAllocator(platform)

	err := allocator.Free(t.Context(), pinned.Handle(0xdeadbeef))
	require.Error(t, err)
	assert.ErrorIs(t, err, pinned.ErrInvalidHandle)
	assert.Equal(t, 0, platform.freeCalls, "platform must not be reached for unknown handles")
}

func TestDoubleFree(t *testing.T) {
	platform := newFakePlatform()
	allocator := pinned.NewRegistryAllocator(platform)

	handle, err := allocator.Allocate(t.Context(), 4096, pinned.FlagDefault)
	require.NoError(t, err)

	require.NoError(t, allocator.Free(t.Context(), handle))

	err = allocator.Free(t.Context(), handle)
	require.Error(t, err)
	assert.ErrorIs(t, err, pinned.ErrInvalidHandle)
	assert.Equal(t, 1, platform.freeCalls, "double free must not reach the platform")
}

func TestAllocationFailureCarriesPlatformDetail(t *testing.T) {
	platform := newFakePlatform()
	platform.allocErr = errors.New("out of host memory")
	allocator := pinned.NewRegistryAllocator(platform)

	_, err := allocator.Allocate(t.Context(), 4096, pinned.FlagPortable)
	require.Error(t, err)
	assert.ErrorIs(t, err, pinned.ErrAllocationFailure)

	var allocErr *pinned.AllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, "fake", allocErr.Platform)
	assert.Equal(t, uint64(4096), allocErr.Size)
	assert.Equal(t, pinned.FlagPortable, allocErr.Flags)
	assert.ErrorIs(t, err, platform.allocErr)

	// no partial state registered
	assert.Equal(t, 0, allocator.LiveCount())
	assert.Empty(t, allocator.Snapshot(t.Context()))
}

func TestReleaseFailureKeepsRegistryEntry(t *testing.T) {
	platform := newFakePlatform()
	allocator := pinned.NewRegistryAllocator(platform)

	handle, err := allocator.Allocate(t.Context(), 4096, pinned.FlagDefault)
	require.NoError(t, err)

	platform.mu.Lock()
	platform.freeErr = errors.New("externally unmapped")
	platform.mu.Unlock()

	err = allocator.Free(t.Context(), handle)
	require.Error(t, err)
	assert.ErrorIs(t, err, pinned.ErrReleaseFailure)

	var releaseErr *pinned.ReleaseError
	require.ErrorAs(t, err, &releaseErr)
	assert.Equal(t, handle, releaseErr.Handle)

	// the unresolved region stays visible instead of being dropped
	assert.Equal(t, 1, allocator.LiveCount())
	assert.Equal(t, uint64(4096), allocator.LiveBytes())

	// once the platform recovers, the same handle can be freed
	platform.mu.Lock()
	platform.freeErr = nil
	platform.mu.Unlock()

	require.NoError(t, allocator.Free(t.Context(), handle))
	assert.Equal(t, 0, allocator.LiveCount())
}

func TestConcurrentAllocateNoAliasing(t *testing.T) {
	const workers = 8
	const allocsPerWorker = 64

	allocator := pinned.NewRegistryAllocator(newFakePlatform())

	var mu sync.Mutex
	seen := make(map[pinned.Handle]struct{})

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < allocsPerWorker; i++ {
				size := uint64(512 * (worker + 1))
				handle, err := allocator.Allocate(t.Context(), size, pinned.FlagDefault)
				assert.NoError(t, err)

				mu.Lock()
				_, dup := seen[handle]
				seen[handle] = struct{}{}
				mu.Unlock()
				assert.False(t, dup, "two live allocations returned the same address")
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*allocsPerWorker, allocator.LiveCount())

	for handle := range seen {
		require.NoError(t, allocator.Free(t.Context(), handle))
	}
	assert.Equal(t, 0, allocator.LiveCount())
	assert.Zero(t, allocator.LiveBytes())
}

func TestLeakVisibility(t *testing.T) {
	const leaks = 5

	allocator := pinned.NewRegistryAllocator(newFakePlatform())

	for i := 0; i < leaks; i++ {
		_, err := allocator.Allocate(t.Context(), 4096, pinned.FlagDefault)
		require.NoError(t, err)
	}

	snapshot := allocator.Snapshot(t.Context())
	assert.Len(t, snapshot, leaks)
	for i := range snapshot {
		assert.Equal(t, uint64(4096), snapshot[i].Size)
		assert.False(t, snapshot[i].AllocatedAt.IsZero())
	}

	// Close reports but never reclaims
	require.NoError(t, allocator.Close(t.Context()))
	assert.Equal(t, leaks, allocator.LiveCount())
}

func TestAllocateFreeScenario(t *testing.T) {
	allocator := pinned.NewRegistryAllocator(newFakePlatform())

	a1, err := allocator.Allocate(t.Context(), 4096, pinned.FlagDefault)
	require.NoError(t, err)
	a2, err := allocator.Allocate(t.Context(), 4096, pinned.FlagDefault)
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)

	require.NoError(t, allocator.Free(t.Context(), a1))
	require.NoError(t, allocator.Free(t.Context(), a2))

	assert.Empty(t, allocator.Snapshot(t.Context()))
	assert.Zero(t, allocator.LiveBytes())
}

func TestNewAllocatorDefaultConfig(t *testing.T) {
	allocator, err := pinned.NewAllocator(t.Context(), nil)
	require.NoError(t, err)

	handle, err := allocator.Allocate(t.Context(), 4096, pinned.FlagDefault)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(t.Context(), handle))
	require.NoError(t, allocator.Close(t.Context()))
}

func TestNewAllocatorNoPlatform(t *testing.T) {
	_, err := pinned.NewAllocator(t.Context(), &pinned.Config{})
	require.Error(t, err)
}
