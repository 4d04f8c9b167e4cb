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

package pinned

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/metrics"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/utils/logging"
)

// Config holds the configuration for the pinned allocator.
// It may configure several platform backends such as listed within the
// struct. If multiple backends are configured, only the first one will be
// used.
type Config struct {
	// CUDAConfig holds the configuration for the CUDA platform.
	CUDAConfig *CUDAPlatformConfig `json:"cudaConfig"`
	// MmapConfig holds the configuration for the mmap platform.
	MmapConfig *MmapPlatformConfig `json:"mmapConfig"`

	// EnableMetrics toggles whether allocations/frees/failures are recorded.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval defines the interval at which metrics are logged.
	// If zero, metrics logging is disabled.
	// Requires `EnableMetrics` to be true.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// DefaultConfig returns a default configuration for the pinned allocator.
func DefaultConfig() *Config {
	return &Config{
		MmapConfig:    DefaultMmapPlatformConfig(),
		EnableMetrics: false,
	}
}

// Allocator manages page-locked host-memory regions and guarantees every
// region is uniquely owned and disposed exactly once.
//
// Allocator operations are thread-safe and can be performed concurrently.
type Allocator interface {
	// Allocate requests a page-locked region of size bytes with the given
	// flags. On success the returned handle is live until freed exactly
	// once. It fails with ErrInvalidSize for a zero size and with
	// ErrAllocationFailure when the platform rejects the request.
	Allocate(ctx context.Context, size uint64, flags Flags) (Handle, error)
	// Free releases a region previously returned by Allocate. It fails
	// with ErrInvalidHandle before any platform call when the handle is
	// not live, and with ErrReleaseFailure when the platform refuses the
	// release; in the latter case the region stays registered.
	Free(ctx context.Context, handle Handle) error
	// Snapshot returns a point-in-time view of all live allocations.
	Snapshot(ctx context.Context) []Allocation
	// LiveCount returns the number of live allocations.
	LiveCount() int
	// LiveBytes returns the total bytes held by live allocations.
	LiveBytes() uint64
	// Close audits the registry and logs every region still live. It never
	// frees implicitly; lifetime is caller-managed.
	Close(ctx context.Context) error
}

// NewAllocator creates a new Allocator instance.
func NewAllocator(ctx context.Context, cfg *Config) (Allocator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var platform Platform
	var err error

	switch {
	case cfg.CUDAConfig != nil:
		platform, err = NewCUDAPlatform(cfg.CUDAConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create CUDA platform: %w", err)
		}
	case cfg.MmapConfig != nil:
		platform = NewMmapPlatform(cfg.MmapConfig)
	default:
		return nil, fmt.Errorf("no valid platform configuration provided")
	}

	var allocator Allocator = NewRegistryAllocator(platform)

	// wrap in metrics only if enabled
	if cfg.EnableMetrics {
		allocator = NewInstrumentedAllocator(allocator)
		metrics.Register()
		if cfg.MetricsLoggingInterval > 0 {
			// this is non-blocking
			metrics.StartMetricsLogging(ctx, cfg.MetricsLoggingInterval)
		}
	}

	return allocator, nil
}

// RegistryAllocator is the registry-tracking implementation of the Allocator
// interface over a Platform.
type RegistryAllocator struct {
	platform Platform

	// mu guards live and liveBytes.
	mu        sync.Mutex
	live      map[Handle]Allocation
	liveBytes uint64
}

var _ Allocator = &RegistryAllocator{}

// NewRegistryAllocator creates a new RegistryAllocator over the given
// platform.
func NewRegistryAllocator(platform Platform) *RegistryAllocator {
	return &RegistryAllocator{
		platform: platform,
		live:     make(map[Handle]Allocation),
	}
}

// Allocate requests a page-locked region of size bytes with the given flags
// and registers it as live.
func (a *RegistryAllocator) Allocate(ctx context.Context, size uint64, flags Flags) (Handle, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("pinned.Allocate")

	handle, err := a.platform.HostAlloc(size, flags)
	if err != nil {
		return 0, &AllocationError{
			Platform: a.platform.Name(),
			Size:     size,
			Flags:    flags,
			Cause:    err,
		}
	}

	record := Allocation{
		Handle:      handle,
		Size:        size,
		Flags:       flags,
		AllocatedAt: time.Now(),
	}

	a.mu.Lock()
	if _, alive := a.live[handle]; alive {
		a.mu.Unlock()
		// The platform handed out an address that is already live. Give it
		// back and surface the corruption instead of clobbering the record.
		//nolint:errcheck // the registry invariant is already broken
		a.platform.HostFree(handle)
		return 0, fmt.Errorf("platform returned an address that is already live: %s", handle)
	}
	a.live[handle] = record
	a.liveBytes += size
	a.mu.Unlock()

	traceLogger.Info("allocated pinned region", "allocation", record.String())

	return handle, nil
}

// Free releases a region previously returned by Allocate and removes it from
// the registry.
func (a *RegistryAllocator) Free(ctx context.Context, handle Handle) error {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("pinned.Free")

	a.mu.Lock()
	record, alive := a.live[handle]
	if !alive {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidHandle, handle)
	}
	delete(a.live, handle)
	a.liveBytes -= record.Size
	a.mu.Unlock()

	if err := a.platform.HostFree(handle); err != nil {
		// Re-register the record so the unresolved region stays visible to
		// leak audits instead of being silently dropped.
		a.mu.Lock()
		a.live[handle] = record
		a.liveBytes += record.Size
		a.mu.Unlock()

		return &ReleaseError{
			Platform: a.platform.Name(),
			Handle:   handle,
			Cause:    err,
		}
	}

	traceLogger.Info("freed pinned region", "allocation", record.String())

	return nil
}

// Snapshot returns a point-in-time view of all live allocations.
func (a *RegistryAllocator) Snapshot(_ context.Context) []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := make([]Allocation, 0, len(a.live))
	for _, record := range a.live {
		snapshot = append(snapshot, record)
	}

	return snapshot
}

// LiveCount returns the number of live allocations.
func (a *RegistryAllocator) LiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.live)
}

// LiveBytes returns the total bytes held by live allocations.
func (a *RegistryAllocator) LiveBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.liveBytes
}

// Close audits the registry and logs every region still live.
func (a *RegistryAllocator) Close(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("pinned.Close")

	leaked := a.Snapshot(ctx)
	if len(leaked) == 0 {
		return nil
	}

	logger.Info("pinned regions still live at close", "count", len(leaked))
	for i := range leaked {
		logger.Info("leaked pinned region", "allocation", leaked[i].String())
	}

	return nil
}
