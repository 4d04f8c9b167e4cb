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
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// RegionAllocatedEventTag is the tag for RegionAllocated events.
	RegionAllocatedEventTag = "RegionAllocated"
	// RegionFreedEventTag is the tag for RegionFreed events.
	RegionFreedEventTag = "RegionFreed"
	// LeakDetectedEventTag is the tag for LeakDetected events.
	LeakDetectedEventTag = "LeakDetected"
	// InstanceShutdownEventTag is the tag for InstanceShutdown events.
	InstanceShutdownEventTag = "InstanceShutdown"
)

// event is a marker interface for pinned-memory lifecycle events.
type event interface {
	isEvent()
	ToTaggedUnion() []any
}

// EventBatch represents a batch of events.
// It is encoded as an array for compactness on the wire.
type EventBatch struct {
	_      struct{} `msgpack:",array"`
	TS     float64
	Events []msgpack.RawMessage
}

// RegionAllocated event.
type RegionAllocated struct {
	_      struct{} `msgpack:",array"`
	Handle uint64
	Size   uint64
	Flags  uint32
}

func (ra RegionAllocated) ToTaggedUnion() []any {
	return []any{
		RegionAllocatedEventTag,
		ra.Handle,
		ra.Size,
		ra.Flags,
	}
}

func (RegionAllocated) isEvent() {}

// RegionFreed event.
type RegionFreed struct {
	_      struct{} `msgpack:",array"`
	Handle uint64
	Size   uint64
}

func (rf RegionFreed) ToTaggedUnion() []any {
	return []any{
		RegionFreedEventTag,
		rf.Handle,
		rf.Size,
	}
}

func (RegionFreed) isEvent() {}

// LeakDetected event. Emitted during teardown audits for regions that were
// never freed.
type LeakDetected struct {
	_          struct{} `msgpack:",array"`
	Handle     uint64
	Size       uint64
	AgeSeconds float64
}

func (ld LeakDetected) ToTaggedUnion() []any {
	return []any{
		LeakDetectedEventTag,
		ld.Handle,
		ld.Size,
		ld.AgeSeconds,
	}
}

func (LeakDetected) isEvent() {}

// InstanceShutdown event. The monitor drops the instance from the usage
// view on receipt.
type InstanceShutdown struct {
	_ struct{} `msgpack:",array"`
}

func (is InstanceShutdown) ToTaggedUnion() []any {
	return []any{
		InstanceShutdownEventTag,
	}
}

func (InstanceShutdown) isEvent() {}

// marshalBatch encodes events into an EventBatch payload, each event as a
// tagged union.
func marshalBatch(ts float64, evs []event) ([]byte, error) {
	raw := make([]msgpack.RawMessage, 0, len(evs))
	for _, ev := range evs {
		b, err := msgpack.Marshal(ev.ToTaggedUnion())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
		raw = append(raw, b)
	}

	payload, err := msgpack.Marshal(&EventBatch{TS: ts, Events: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event batch: %w", err)
	}

	return payload, nil
}

// unmarshalTaggedEvent decodes one tagged-union event from a batch.
func unmarshalTaggedEvent(raw msgpack.RawMessage) (event, error) {
	var taggedUnion []msgpack.RawMessage
	if err := msgpack.Unmarshal(raw, &taggedUnion); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tagged union: %w", err)
	}
	if len(taggedUnion) < 1 {
		return nil, fmt.Errorf("malformed tagged union, no tag element")
	}

	var tag string
	if err := msgpack.Unmarshal(taggedUnion[0], &tag); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tag: %w", err)
	}

	payloadBytes, err := msgpack.Marshal(taggedUnion[1:])
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal payload parts: %w", err)
	}

	var ev event
	var unmarshalErr error
	switch tag {
	case RegionAllocatedEventTag:
		var ra RegionAllocated
		unmarshalErr = msgpack.Unmarshal(payloadBytes, &ra)
		ev = ra
	case RegionFreedEventTag:
		var rf RegionFreed
		unmarshalErr = msgpack.Unmarshal(payloadBytes, &rf)
		ev = rf
	case LeakDetectedEventTag:
		var ld LeakDetected
		unmarshalErr = msgpack.Unmarshal(payloadBytes, &ld)
		ev = ld
	case InstanceShutdownEventTag:
		var is InstanceShutdown
		unmarshalErr = msgpack.Unmarshal(payloadBytes, &is)
		ev = is
	default:
		return nil, fmt.Errorf("unknown event tag %q", tag)
	}

	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal event value for tag %q: %w", tag, unmarshalErr)
	}

	return ev, nil
}
