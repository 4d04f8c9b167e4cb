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

// Package events carries pinned-memory lifecycle events between serving
// instances and a fleet-level monitor.
//
// Instances publish msgpack-encoded event batches over a ZMQ PUB socket,
// one topic per instance ("hostmem@<instance>"). A monitor subscribes and
// folds the batches into a usage.Reporter through a sharded worker pool that
// preserves per-instance ordering.
package events
