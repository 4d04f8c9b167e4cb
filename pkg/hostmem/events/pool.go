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

package events

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/usage"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/utils/logging"
)

// Config holds the configuration for the event processing pool.
type Config struct {
	// ZMQEndpoint is the ZMQ address to bind to (e.g., "tcp://*:5557").
	ZMQEndpoint string `json:"zmqEndpoint"`
	// TopicFilter is the ZMQ subscription filter.
	TopicFilter string `json:"topicFilter"`
	// Concurrency is the number of parallel workers to run.
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns a default configuration for the event processing pool.
func DefaultConfig() *Config {
	return &Config{
		ZMQEndpoint: "tcp://*:5557",
		TopicFilter: topicPrefix,
		Concurrency: 4,
	}
}

// Message represents a message that is read from a ZMQ topic.
type Message struct {
	Topic   string
	Payload []byte
	// Sequence number of the message
	Seq uint64
	// Instance is the identifier of the instance that sent the event,
	// extracted from the ZMQ topic.
	Instance string
}

// instanceUsage is the running aggregate for one instance.
type instanceUsage struct {
	regions int
	bytes   uint64
}

// Pool is a sharded worker pool that processes events from a ZMQ subscriber
// and folds them into a usage.Reporter. Events for the same instance are
// processed in order.
type Pool struct {
	queues      []workqueue.TypedRateLimitingInterface[*Message]
	concurrency int
	subscriber  *zmqSubscriber
	reporter    usage.Reporter
	wg          sync.WaitGroup

	// mu guards aggregates.
	mu         sync.Mutex
	aggregates map[string]*instanceUsage
}

// NewPool creates a Pool with a sharded worker setup.
func NewPool(cfg *Config, reporter usage.Reporter) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Pool{
		queues:      make([]workqueue.TypedRateLimitingInterface[*Message], cfg.Concurrency),
		concurrency: cfg.Concurrency,
		reporter:    reporter,
		aggregates:  make(map[string]*instanceUsage),
	}

	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*Message]())
	}

	p.subscriber = newZMQSubscriber(p, cfg.ZMQEndpoint, cfg.TopicFilter)
	return p
}

// Start begins the worker pool and the ZMQ subscriber.
// It is non-blocking.
func (p *Pool) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Starting sharded event processing pool", "workers", p.concurrency)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		// Each worker is given its own dedicated queue shard.
		go p.worker(ctx, i)
	}

	go p.subscriber.Start(ctx)
}

// Shutdown gracefully stops the pool and its subscriber.
func (p *Pool) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Shutting down event processing pool...")

	for _, queue := range p.queues {
		queue.ShutDown()
	}

	p.wg.Wait()
	logger.Info("event processing pool shut down.")
}

// AddTask is called by the subscriber to add a message to the processing
// queue. It hashes the instance to select a queue, ensuring messages for the
// same instance always go to the same worker (ordered queue).
func (p *Pool) AddTask(task *Message) {
	h := fnv.New32a()
	_, err := h.Write([]byte(task.Instance))
	if err != nil {
		return
	}

	//nolint:gosec // if concurrency overflows then the world is in trouble anyway
	queueIndex := h.Sum32() % uint32(p.concurrency)
	p.queues[queueIndex].Add(task)
}

// worker is the main processing loop for a single worker goroutine.
func (p *Pool) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]
	for {
		task, shutdown := queue.Get()
		if shutdown {
			return
		}

		// Use a nested func to ensure Done is always called.
		func(task *Message) {
			defer queue.Done(task)
			p.processMessage(ctx, task)
			// Task succeeded, remove it from the queue.
			queue.Forget(task)
		}(task)

		// Check if context was cancelled after processing a task.
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// processMessage deserializes the batch payload and folds each event into
// the per-instance aggregate, then reports the updated sample.
func (p *Pool) processMessage(ctx context.Context, msg *Message) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)
	debugLogger.Info("Processing event batch", "topic", msg.Topic, "seq", msg.Seq)

	var eventBatch EventBatch
	if err := msgpack.Unmarshal(msg.Payload, &eventBatch); err != nil {
		// This is likely a "poison pill" message that can't be unmarshalled.
		// We log the error but do not retry it.
		debugLogger.Error(err, "Failed to unmarshal event batch, dropping message")
		return
	}

	shutdown := false
	for _, rawEvent := range eventBatch.Events {
		ev, err := unmarshalTaggedEvent(rawEvent)
		if err != nil {
			debugLogger.Error(err, "Failed to unmarshal event, skipping")
			continue
		}

		switch e := ev.(type) {
		case RegionAllocated:
			p.apply(msg.Instance, 1, int64(e.Size))
		case RegionFreed:
			p.apply(msg.Instance, -1, -int64(e.Size))
		case LeakDetected:
			debugLogger.Info("Leak reported by instance", "instance", msg.Instance,
				"handle", e.Handle, "size", e.Size, "age_seconds", e.AgeSeconds)
		case InstanceShutdown:
			shutdown = true
		default:
			debugLogger.Info("Unknown event", "instance", msg.Instance, "event", ev)
		}
	}

	if shutdown {
		p.mu.Lock()
		delete(p.aggregates, msg.Instance)
		p.mu.Unlock()

		if err := p.reporter.Forget(ctx, msg.Instance); err != nil {
			debugLogger.Error(err, "Failed to forget instance", "instance", msg.Instance)
		}
		return
	}

	p.mu.Lock()
	aggregate, found := p.aggregates[msg.Instance]
	if !found {
		aggregate = &instanceUsage{}
		p.aggregates[msg.Instance] = aggregate
	}
	sample := usage.Sample{
		Instance:    msg.Instance,
		LiveRegions: aggregate.regions,
		LiveBytes:   aggregate.bytes,
		UpdatedAt:   time.Now(),
	}
	p.mu.Unlock()

	if err := p.reporter.Report(ctx, sample); err != nil {
		debugLogger.Error(err, "Failed to report usage sample", "instance", msg.Instance)
	}
}

// apply folds a region delta into the instance aggregate.
func (p *Pool) apply(instance string, regionDelta int, byteDelta int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	aggregate, found := p.aggregates[instance]
	if !found {
		aggregate = &instanceUsage{}
		p.aggregates[instance] = aggregate
	}

	aggregate.regions += regionDelta
	if aggregate.regions < 0 {
		aggregate.regions = 0
	}

	next := int64(aggregate.bytes) + byteDelta
	if next < 0 {
		next = 0
	}
	aggregate.bytes = uint64(next)
}
