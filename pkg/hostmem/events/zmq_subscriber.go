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
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/utils/logging"
)

const (
	// How long to wait before retrying to connect.
	retryInterval = 5 * time.Second
	// How often the poller should time out to check for context cancellation.
	pollTimeout = 250 * time.Millisecond
)

// zmqSubscriber binds a ZMQ SUB socket and forwards messages to a pool.
type zmqSubscriber struct {
	pool        *Pool
	endpoint    string
	topicFilter string
}

// newZMQSubscriber creates a new ZMQ subscriber.
func newZMQSubscriber(pool *Pool, endpoint, topicFilter string) *zmqSubscriber {
	return &zmqSubscriber{
		pool:        pool,
		endpoint:    endpoint,
		topicFilter: topicFilter,
	}
}

// Start binds a SUB socket, receives messages, wraps them in Message
// structs, and pushes them into the pool.
// This loop will run until the provided context is canceled.
func (z *zmqSubscriber) Start(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("zmq-subscriber")

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down zmq-subscriber")
			return
		default:
			// We run the subscriber in a separate function to handle socket
			// setup/teardown and connection retries cleanly.
			z.runSubscriber(ctx)
			// wait before retrying, unless the context has been canceled.
			select {
			case <-time.After(retryInterval):
				logger.Info("retrying zmq-subscriber")
			case <-ctx.Done():
				logger.Info("shutting down zmq-subscriber")
				return
			}
		}
	}
}

// runSubscriber binds the ZMQ SUB socket, subscribes to the topic filter,
// and listens for messages.
func (z *zmqSubscriber) runSubscriber(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("zmq-subscriber")
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		logger.Error(err, "Failed to create subscriber socket")
		return
	}
	defer sub.Close()

	if err := sub.Bind(z.endpoint); err != nil {
		logger.Error(err, "Failed to bind subscriber socket", "endpoint", z.endpoint)
		return
	}
	logger.Info("Bound subscriber socket", "endpoint", z.endpoint)

	if err := sub.SetSubscribe(z.topicFilter); err != nil {
		logger.Error(err, "Failed to subscribe to topic filter", "topic", z.topicFilter)
		return
	}

	poller := zmq.NewPoller()
	poller.Add(sub, zmq.POLLIN)
	debugLogger := logger.V(logging.DEBUG)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			debugLogger.Error(err, "Failed to poll zmq subscriber", "endpoint", z.endpoint)
			break // Exit on poll error to reconnect
		}

		if len(polled) > 0 {
			parts, err := sub.RecvMessageBytes(0)
			if err != nil {
				debugLogger.Error(err, "Failed to receive message from zmq subscriber", "endpoint", z.endpoint)
				break // Exit on receive error to reconnect
			}

			msg, err := parseMessage(parts)
			if err != nil {
				debugLogger.Error(err, "Malformed message from zmq subscriber", "endpoint", z.endpoint)
				continue
			}

			debugLogger.Info("Received message from zmq subscriber",
				"topic", msg.Topic,
				"seq", msg.Seq,
				"instance", msg.Instance,
				"payloadSize", len(msg.Payload))

			z.pool.AddTask(msg)
		}
	}
}

// parseMessage validates a raw multipart message from a peer. Peers are not
// trusted to be well-formed, so every frame is checked before decoding.
func parseMessage(parts [][]byte) (*Message, error) {
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 parts, got %d", len(parts))
	}
	topic := string(parts[0])
	seqBytes := parts[1]
	payload := parts[2]

	if len(seqBytes) != 8 {
		return nil, fmt.Errorf("expected an 8-byte sequence frame, got %d bytes", len(seqBytes))
	}
	seq := binary.BigEndian.Uint64(seqBytes)

	// Extract the instance from the topic, "hostmem@<instance>" format.
	topicParts := strings.SplitN(topic, "@", 2)
	if len(topicParts) != 2 || topicParts[1] == "" {
		return nil, fmt.Errorf("failed to extract instance from topic %q, expected format hostmem@<instance>", topic)
	}

	return &Message{
		Topic:    topic,
		Payload:  payload,
		Seq:      seq,
		Instance: topicParts[1],
	}, nil
}
