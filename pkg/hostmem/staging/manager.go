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

// Package staging leases pinned buffers to in-flight transfers. A lease ties
// a buffer to a deterministic key derived from the transfer descriptor, so a
// span can be acquired exactly once and released exactly once.
package staging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/bufpool"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/pinned"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/utils"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/utils/logging"
)

var (
	// ErrLeaseExists is returned when a descriptor is acquired while a lease
	// for the same key is still live.
	ErrLeaseExists = errors.New("lease already exists")
	// ErrUnknownLease is returned when releasing a key with no live lease.
	ErrUnknownLease = errors.New("unknown lease")
)

const defaultReleaseConcurrency = 4

// Config holds the configuration for the staging manager.
type Config struct {
	// KeyerConfig configures the lease key derivation.
	KeyerConfig *KeyerConfig `json:"keyerConfig"`
	// ReleaseConcurrency is the number of workers draining async releases.
	ReleaseConcurrency int `json:"releaseConcurrency"`
}

// DefaultConfig returns a default configuration for the staging manager.
func DefaultConfig() *Config {
	return &Config{
		KeyerConfig:        DefaultKeyerConfig(),
		ReleaseConcurrency: defaultReleaseConcurrency,
	}
}

// Lease is a live claim on a pinned staging buffer.
type Lease struct {
	Key        LeaseKey
	Descriptor Descriptor
	Buffer     *bufpool.Buffer
	AcquiredAt time.Time
}

// String returns a string representation of the Lease.
func (l *Lease) String() string {
	return fmt.Sprintf("%s->%s", l.Key, l.Buffer)
}

// Manager hands out leases over a buffer pool.
//
// Manager operations are thread-safe and can be performed concurrently.
type Manager struct {
	pool  *bufpool.Pool
	keyer *Keyer

	// mu guards leases.
	mu     sync.Mutex
	leases map[LeaseKey]*Lease

	releasePool *releasePool
}

// NewManager creates a staging Manager over the given buffer pool and starts
// its async release workers. The workers run until ctx is canceled or the
// manager is closed.
func NewManager(ctx context.Context, cfg *Config, pool *bufpool.Pool) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	keyer, err := NewKeyer(cfg.KeyerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create lease keyer: %w", err)
	}

	m := &Manager{
		pool:   pool,
		keyer:  keyer,
		leases: make(map[LeaseKey]*Lease),
	}

	concurrency := cfg.ReleaseConcurrency
	if concurrency <= 0 {
		concurrency = defaultReleaseConcurrency
	}
	m.releasePool = newReleasePool(m, concurrency)
	m.releasePool.Start(ctx)

	return m, nil
}

// Acquire leases a pinned buffer for the descriptor. A second acquire of the
// same descriptor while the first lease is live fails with ErrLeaseExists.
func (m *Manager) Acquire(ctx context.Context, descriptor Descriptor, flags pinned.Flags) (*Lease, error) {
	key, err := m.keyer.KeyFor(descriptor)
	if err != nil {
		return nil, err
	}

	// Reserve the key before touching the pool so concurrent acquires of the
	// same descriptor cannot both reach Get.
	m.mu.Lock()
	if _, found := m.leases[key]; found {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s for %s", ErrLeaseExists, key, descriptor)
	}
	m.leases[key] = nil // reservation
	m.mu.Unlock()

	buffer, err := m.pool.Get(ctx, descriptor.Length, flags)
	if err != nil {
		m.mu.Lock()
		delete(m.leases, key)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to lease buffer for %s: %w", descriptor, err)
	}

	lease := &Lease{
		Key:        key,
		Descriptor: descriptor,
		Buffer:     buffer,
		AcquiredAt: time.Now(),
	}

	m.mu.Lock()
	m.leases[key] = lease
	m.mu.Unlock()

	klog.FromContext(ctx).V(logging.TRACE).WithName("staging.Acquire").Info("acquired lease",
		"lease", lease.String())
	return lease, nil
}

// AcquireBatch leases buffers for all descriptors concurrently. The batch is
// all-or-nothing: on any failure the already-acquired leases are released and
// the first error is returned. The returned leases are index-aligned with
// the descriptors.
func (m *Manager) AcquireBatch(ctx context.Context, descriptors []Descriptor,
	flags pinned.Flags,
) ([]*Lease, error) {
	leases := make([]*Lease, len(descriptors))

	g, groupCtx := errgroup.WithContext(ctx)
	for i := range descriptors {
		g.Go(func() error {
			lease, err := m.Acquire(groupCtx, descriptors[i], flags)
			if err != nil {
				return err
			}
			leases[i] = lease
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, lease := range leases {
			if lease == nil {
				continue
			}
			if releaseErr := m.Release(ctx, lease.Key); releaseErr != nil {
				klog.FromContext(ctx).Error(releaseErr, "failed to roll back partial batch",
					"lease", lease.String())
			}
		}
		return nil, fmt.Errorf("failed to acquire lease batch: %w", err)
	}

	return leases, nil
}

// Release ends the lease and returns its buffer to the pool.
func (m *Manager) Release(ctx context.Context, key LeaseKey) error {
	m.mu.Lock()
	lease, found := m.leases[key]
	if !found || lease == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownLease, key)
	}
	delete(m.leases, key)
	m.mu.Unlock()

	if err := m.pool.Put(ctx, lease.Buffer); err != nil {
		// Re-register the lease so a retried release finds it instead of
		// ErrUnknownLease.
		m.mu.Lock()
		m.leases[key] = lease
		m.mu.Unlock()
		return fmt.Errorf("failed to return leased buffer %s: %w", lease.String(), err)
	}

	klog.FromContext(ctx).V(logging.TRACE).WithName("staging.Release").Info("released lease",
		"lease", lease.String())
	return nil
}

// ReleaseAsync queues the release to the background workers. Transfer
// completion paths use this to avoid blocking on pool bookkeeping.
func (m *Manager) ReleaseAsync(key LeaseKey) {
	m.releasePool.AddTask(key)
}

// Snapshot returns the live leases in no particular order.
func (m *Manager) Snapshot() []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	leases := make([]*Lease, 0, len(m.leases))
	for _, lease := range m.leases {
		if lease != nil {
			leases = append(leases, lease)
		}
	}
	return leases
}

// LiveCount returns the number of live leases.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := 0
	for _, lease := range m.leases {
		if lease != nil {
			live++
		}
	}
	return live
}

// Close stops the release workers and returns all live leases to the pool.
func (m *Manager) Close(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("staging.Close")
	m.releasePool.Shutdown(ctx)

	remaining := m.Snapshot()
	if len(remaining) > 0 {
		logger.Info("releasing live leases at close",
			"keys", utils.SliceMap(remaining, func(lease *Lease) string { return lease.Key.String() }))
	}

	var firstErr error
	for _, lease := range remaining {
		if err := m.Release(ctx, lease.Key); err != nil {
			logger.Error(err, "failed to release lease at close", "lease", lease.String())
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
