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

package staging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/staging"
)

func TestKeyDeterminism(t *testing.T) {
	descriptor := staging.Descriptor{RequestID: "req-1", Offset: 4096, Length: 8192}

	first, err := staging.NewKeyer(nil)
	require.NoError(t, err)
	second, err := staging.NewKeyer(&staging.KeyerConfig{Seed: ""})
	require.NoError(t, err)

	key1, err := first.KeyFor(descriptor)
	require.NoError(t, err)
	key2, err := first.KeyFor(descriptor)
	require.NoError(t, err)
	key3, err := second.KeyFor(descriptor)
	require.NoError(t, err)

	assert.Equal(t, key1, key2, "same keyer should be deterministic")
	assert.Equal(t, key1, key3, "independent keyers with the same seed should agree")
}

func TestKeyDiscriminatesFields(t *testing.T) {
	base := staging.Descriptor{RequestID: "req-1", Offset: 4096, Length: 8192}

	keyer, err := staging.NewKeyer(nil)
	require.NoError(t, err)
	baseKey, err := keyer.KeyFor(base)
	require.NoError(t, err)

	tests := []struct {
		name       string
		descriptor staging.Descriptor
	}{
		{
			name:       "different request",
			descriptor: staging.Descriptor{RequestID: "req-2", Offset: 4096, Length: 8192},
		},
		{
			name:       "different offset",
			descriptor: staging.Descriptor{RequestID: "req-1", Offset: 0, Length: 8192},
		},
		{
			name:       "different length",
			descriptor: staging.Descriptor{RequestID: "req-1", Offset: 4096, Length: 4096},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := keyer.KeyFor(tt.descriptor)
			require.NoError(t, err)
			assert.NotEqual(t, baseKey, key)
		})
	}
}

func TestKeySeedSeparatesFleets(t *testing.T) {
	descriptor := staging.Descriptor{RequestID: "req-1", Offset: 0, Length: 4096}

	plain, err := staging.NewKeyer(&staging.KeyerConfig{Seed: ""})
	require.NoError(t, err)
	seeded, err := staging.NewKeyer(&staging.KeyerConfig{Seed: "fleet-a"})
	require.NoError(t, err)

	plainKey, err := plain.KeyFor(descriptor)
	require.NoError(t, err)
	seededKey, err := seeded.KeyFor(descriptor)
	require.NoError(t, err)

	assert.NotEqual(t, plainKey, seededKey)
}
