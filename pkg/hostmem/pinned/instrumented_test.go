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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/pinned"
)

func TestNewInstrumentedAllocator(t *testing.T) {
	base := pinned.NewRegistryAllocator(newFakePlatform())

	instrumented := pinned.NewInstrumentedAllocator(base)
	assert.NotNil(t, instrumented)
	assert.Implements(t, (*pinned.Allocator)(nil), instrumented)
}

func TestInstrumentedAllocatorBasicFunctionality(t *testing.T) {
	base := pinned.NewRegistryAllocator(newFakePlatform())
	instrumented := pinned.NewInstrumentedAllocator(base)

	handle, err := instrumented.Allocate(t.Context(), 4096, pinned.FlagDefault)
	require.NoError(t, err)
	assert.Equal(t, 1, instrumented.LiveCount())
	assert.Equal(t, uint64(4096), instrumented.LiveBytes())

	require.NoError(t, instrumented.Free(t.Context(), handle))
	assert.Equal(t, 0, instrumented.LiveCount())

	err = instrumented.Free(t.Context(), handle)
	assert.ErrorIs(t, err, pinned.ErrInvalidHandle)
}
