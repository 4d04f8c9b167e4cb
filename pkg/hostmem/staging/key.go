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

package staging

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

// Descriptor identifies one contiguous span of a transfer.
// Two descriptors with the same fields always map to the same LeaseKey,
// regardless of which process computes it.
type Descriptor struct {
	// RequestID identifies the transfer the span belongs to.
	RequestID string `json:"requestId"`
	// Offset is the byte offset of the span within the transfer.
	Offset uint64 `json:"offset"`
	// Length is the span size in bytes.
	Length uint64 `json:"length"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s[%d:%d]", d.RequestID, d.Offset, d.Offset+d.Length)
}

// LeaseKey is the deterministic fingerprint of a Descriptor.
type LeaseKey uint64

func (k LeaseKey) String() string {
	return fmt.Sprintf("%016x", uint64(k))
}

// KeyerConfig holds the configuration for the lease keyer.
type KeyerConfig struct {
	// Seed is mixed into every key. Cooperating processes must agree on it
	// for keys to match across the fleet.
	Seed string `json:"seed"`
}

// DefaultKeyerConfig returns the default keyer configuration.
func DefaultKeyerConfig() *KeyerConfig {
	return &KeyerConfig{Seed: ""}
}

// Keyer computes LeaseKeys from Descriptors.
// The payload is encoded with deterministic CBOR so the digest is stable
// across encoder versions and field orderings.
type Keyer struct {
	seed    string
	encMode cbor.EncMode
}

// NewKeyer creates a Keyer with the given config.
func NewKeyer(config *KeyerConfig) (*Keyer, error) {
	if config == nil {
		config = DefaultKeyerConfig()
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	return &Keyer{
		seed:    config.Seed,
		encMode: encMode,
	}, nil
}

// KeyFor computes the LeaseKey for a descriptor.
func (k *Keyer) KeyFor(descriptor Descriptor) (LeaseKey, error) {
	payload := []interface{}{k.seed, descriptor.RequestID, descriptor.Offset, descriptor.Length}

	b, err := k.encMode.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal descriptor to CBOR: %w", err)
	}

	return LeaseKey(xxhash.Sum64(b)), nil
}
