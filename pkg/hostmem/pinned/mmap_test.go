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

package pinned_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/pinned"
)

func TestMmapPlatformRoundtrip(t *testing.T) {
	platform := pinned.NewMmapPlatform(nil)

	handle, err := platform.HostAlloc(4096, pinned.FlagDefault)
	require.NoError(t, err)
	assert.NotZero(t, handle)

	require.NoError(t, platform.HostFree(handle))
}

func TestMmapPlatformFreeUnknown(t *testing.T) {
	platform := pinned.NewMmapPlatform(nil)

	err := platform.HostFree(pinned.Handle(0xdeadbeef))
	require.Error(t, err)
}

func TestMmapBackedAllocator(t *testing.T) {
	allocator := pinned.NewRegistryAllocator(pinned.NewMmapPlatform(nil))

	a1, err := allocator.Allocate(t.Context(), 1<<20, pinned.FlagDefault)
	require.NoError(t, err)
	a2, err := allocator.Allocate(t.Context(), 1<<20, pinned.FlagDefault)
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)

	require.NoError(t, allocator.Free(t.Context(), a1))
	require.NoError(t, allocator.Free(t.Context(), a2))
	assert.Equal(t, 0, allocator.LiveCount())
}
