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
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/metrics"
)

type instrumentedAllocator struct {
	next Allocator
}

// NewInstrumentedAllocator wraps an Allocator and emits metrics for Allocate
// and Free.
func NewInstrumentedAllocator(next Allocator) Allocator {
	return &instrumentedAllocator{next: next}
}

func (m *instrumentedAllocator) Allocate(ctx context.Context, size uint64, flags Flags) (Handle, error) {
	timer := prometheus.NewTimer(metrics.AllocateLatency)
	defer timer.ObserveDuration()

	handle, err := m.next.Allocate(ctx, size, flags)
	if err != nil {
		if errors.Is(err, ErrAllocationFailure) {
			metrics.AllocationFailures.Inc()
		}
		return handle, err
	}

	metrics.Allocations.Inc()
	m.syncGauges()

	return handle, nil
}

func (m *instrumentedAllocator) Free(ctx context.Context, handle Handle) error {
	err := m.next.Free(ctx, handle)
	switch {
	case err == nil:
		metrics.Frees.Inc()
		m.syncGauges()
	case errors.Is(err, ErrInvalidHandle):
		metrics.InvalidHandles.Inc()
	case errors.Is(err, ErrReleaseFailure):
		metrics.ReleaseFailures.Inc()
	}

	return err
}

func (m *instrumentedAllocator) Snapshot(ctx context.Context) []Allocation {
	return m.next.Snapshot(ctx)
}

func (m *instrumentedAllocator) LiveCount() int {
	return m.next.LiveCount()
}

func (m *instrumentedAllocator) LiveBytes() uint64 {
	return m.next.LiveBytes()
}

func (m *instrumentedAllocator) Close(ctx context.Context) error {
	return m.next.Close(ctx)
}

func (m *instrumentedAllocator) syncGauges() {
	metrics.LiveRegions.Set(float64(m.next.LiveCount()))
	metrics.LiveBytes.Set(float64(m.next.LiveBytes()))
}
