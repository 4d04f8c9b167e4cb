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
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/utils/logging"
)

// topicPrefix is the ZMQ topic namespace for pinned-memory events. The full
// topic is "hostmem@<instance>".
const topicPrefix = "hostmem@"

// PublisherConfig holds the configuration for the event publisher.
type PublisherConfig struct {
	// Endpoint is the ZMQ address to connect to (e.g., "tcp://monitor:5557").
	Endpoint string `json:"endpoint"`
	// Instance identifies this process in topics and usage views.
	Instance string `json:"instance"`
}

// DefaultPublisherConfig returns a default configuration for the event
// publisher.
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		Endpoint: "tcp://127.0.0.1:5557",
		Instance: "localhost",
	}
}

// sendCloser is the socket surface the publisher uses.
type sendCloser interface {
	SendMessage(parts ...interface{}) (int, error)
	Close() error
}

// Publisher sends pinned-memory lifecycle events to a ZMQ endpoint.
type Publisher struct {
	topic    string
	instance string

	// mu serializes socket sends and guards seqNum. ZMQ sockets are not
	// thread-safe, and the allocator decorator publishes from arbitrary
	// caller goroutines.
	mu     sync.Mutex
	socket sendCloser
	seqNum uint64
}

// NewPublisher creates a new ZMQ publisher.
func NewPublisher(cfg *PublisherConfig) (*Publisher, error) {
	if cfg == nil {
		cfg = DefaultPublisherConfig()
	}

	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ PUB socket: %w", err)
	}

	if err := socket.Connect(cfg.Endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Endpoint, err)
	}

	return &Publisher{
		socket:   socket,
		topic:    topicPrefix + cfg.Instance,
		instance: cfg.Instance,
	}, nil
}

// Instance returns the instance identifier the publisher was configured with.
func (p *Publisher) Instance() string {
	return p.instance
}

// publish sends an event batch on the instance topic.
func (p *Publisher) publish(ctx context.Context, evs []event) error {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)

	payload, err := marshalBatch(float64(time.Now().UnixNano())/float64(time.Second), evs)
	if err != nil {
		return err
	}

	p.mu.Lock()
	// sequence number for ordering
	p.seqNum++
	seq := p.seqNum
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)

	// send topic, sequence, payload
	_, err = p.socket.SendMessage(p.topic, seqBytes, payload)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", p.topic, err)
	}

	debugLogger.Info("published event batch", "topic", p.topic, "seq", seq, "events", len(evs))
	return nil
}

// PublishRegionAllocated publishes a RegionAllocated event.
func (p *Publisher) PublishRegionAllocated(ctx context.Context, handle, size uint64, flags uint32) error {
	return p.publish(ctx, []event{RegionAllocated{Handle: handle, Size: size, Flags: flags}})
}

// PublishRegionFreed publishes a RegionFreed event.
func (p *Publisher) PublishRegionFreed(ctx context.Context, handle, size uint64) error {
	return p.publish(ctx, []event{RegionFreed{Handle: handle, Size: size}})
}

// PublishLeaks publishes one LeakDetected event per leaked region followed
// by an InstanceShutdown event.
func (p *Publisher) PublishLeaks(ctx context.Context, leaks []LeakDetected) error {
	evs := make([]event, 0, len(leaks)+1)
	for _, leak := range leaks {
		evs = append(evs, leak)
	}
	evs = append(evs, InstanceShutdown{})

	return p.publish(ctx, evs)
}

// Close closes the publisher and cleans up resources.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.socket != nil {
		return p.socket.Close()
	}
	return nil
}
