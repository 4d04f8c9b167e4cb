// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package staging

import (
	"context"
	"errors"
	"sync"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/utils/logging"
)

// maxReleaseRetries bounds the rate-limited retries of a failing release
// before the key is dropped and the error logged.
const maxReleaseRetries = 5

// releasePool drains async lease releases on a sharded worker pool.
// Releases for the same key always land on the same worker, so a key is
// never released twice concurrently.
type releasePool struct {
	queues      []workqueue.TypedRateLimitingInterface[LeaseKey]
	concurrency int
	manager     *Manager
	wg          sync.WaitGroup
}

func newReleasePool(manager *Manager, concurrency int) *releasePool {
	p := &releasePool{
		queues:      make([]workqueue.TypedRateLimitingInterface[LeaseKey], concurrency),
		concurrency: concurrency,
		manager:     manager,
	}

	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[LeaseKey]())
	}

	return p
}

// Start begins the release workers. It is non-blocking.
func (p *releasePool) Start(ctx context.Context) {
	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		// Each worker is given its own dedicated queue shard.
		go p.worker(ctx, i)
	}
}

// Shutdown stops the workers after the queued releases have drained.
func (p *releasePool) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx).V(logging.DEBUG)
	logger.Info("Shutting down lease release pool...")

	for _, queue := range p.queues {
		queue.ShutDownWithDrain()
	}

	p.wg.Wait()
	logger.Info("lease release pool shut down.")
}

// AddTask queues a lease key for release on its shard.
func (p *releasePool) AddTask(key LeaseKey) {
	//nolint:gosec // if concurrency overflows then the world is in trouble anyway
	queueIndex := uint64(key) % uint64(p.concurrency)
	p.queues[queueIndex].Add(key)
}

// worker is the main processing loop for a single worker goroutine.
func (p *releasePool) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]
	logger := klog.FromContext(ctx).V(logging.DEBUG)

	for {
		key, shutdown := queue.Get()
		if shutdown {
			return
		}

		// Use a nested func to ensure Done is always called.
		func(key LeaseKey) {
			defer queue.Done(key)

			err := p.manager.Release(ctx, key)
			switch {
			case err == nil, errors.Is(err, ErrUnknownLease):
				queue.Forget(key)
			case queue.NumRequeues(key) < maxReleaseRetries:
				logger.Info("retrying async lease release", "key", key, "error", err.Error())
				queue.AddRateLimited(key)
			default:
				logger.Error(err, "dropping lease release after retries", "key", key)
				queue.Forget(key)
			}
		}(key)
	}
}
