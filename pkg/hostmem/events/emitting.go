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

package events

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/pinned"
)

// RegionPublisher is the subset of Publisher the eventing allocator needs.
type RegionPublisher interface {
	PublishRegionAllocated(ctx context.Context, handle, size uint64, flags uint32) error
	PublishRegionFreed(ctx context.Context, handle, size uint64) error
	PublishLeaks(ctx context.Context, leaks []LeakDetected) error
}

type eventingAllocator struct {
	next      pinned.Allocator
	publisher RegionPublisher

	// mu guards sizes, which remembers region sizes so the freed event can
	// carry them.
	mu    sync.Mutex
	sizes map[pinned.Handle]uint64
}

// NewEventingAllocator wraps an Allocator and publishes lifecycle events for
// Allocate, Free, and the Close leak audit. Publish failures are logged and
// never fail the operation.
func NewEventingAllocator(next pinned.Allocator, publisher RegionPublisher) pinned.Allocator {
	return &eventingAllocator{
		next:      next,
		publisher: publisher,
		sizes:     make(map[pinned.Handle]uint64),
	}
}

func (m *eventingAllocator) Allocate(ctx context.Context, size uint64, flags pinned.Flags) (pinned.Handle, error) {
	handle, err := m.next.Allocate(ctx, size, flags)
	if err != nil {
		return handle, err
	}

	m.mu.Lock()
	m.sizes[handle] = size
	m.mu.Unlock()

	if err := m.publisher.PublishRegionAllocated(ctx, uint64(handle), size, uint32(flags)); err != nil {
		klog.FromContext(ctx).Error(err, "failed to publish RegionAllocated event", "handle", handle)
	}

	return handle, nil
}

func (m *eventingAllocator) Free(ctx context.Context, handle pinned.Handle) error {
	if err := m.next.Free(ctx, handle); err != nil {
		return err
	}

	m.mu.Lock()
	size := m.sizes[handle]
	delete(m.sizes, handle)
	m.mu.Unlock()

	if err := m.publisher.PublishRegionFreed(ctx, uint64(handle), size); err != nil {
		klog.FromContext(ctx).Error(err, "failed to publish RegionFreed event", "handle", handle)
	}

	return nil
}

func (m *eventingAllocator) Snapshot(ctx context.Context) []pinned.Allocation {
	return m.next.Snapshot(ctx)
}

func (m *eventingAllocator) LiveCount() int {
	return m.next.LiveCount()
}

func (m *eventingAllocator) LiveBytes() uint64 {
	return m.next.LiveBytes()
}

func (m *eventingAllocator) Close(ctx context.Context) error {
	now := time.Now()
	leaked := m.next.Snapshot(ctx)

	leaks := make([]LeakDetected, 0, len(leaked))
	for i := range leaked {
		leaks = append(leaks, LeakDetected{
			Handle:     uint64(leaked[i].Handle),
			Size:       leaked[i].Size,
			AgeSeconds: now.Sub(leaked[i].AllocatedAt).Seconds(),
		})
	}

	if err := m.publisher.PublishLeaks(ctx, leaks); err != nil {
		klog.FromContext(ctx).Error(err, "failed to publish leak audit events")
	}

	return m.next.Close(ctx)
}
