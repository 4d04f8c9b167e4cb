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

// Package usage makes per-instance pinned-memory consumption visible to a
// fleet-level observer, so placement and capacity decisions can account for
// host-memory pressure on each serving instance.
package usage

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Config holds the configuration for the usage reporter.
// It may configure several backends such as listed within the struct.
// If multiple backends are configured, only the first one will be used.
type Config struct {
	// InMemoryConfig holds the configuration for the in-memory reporter.
	InMemoryConfig *InMemoryReporterConfig `json:"inMemoryConfig"`
	// RedisConfig holds the configuration for the Redis reporter.
	RedisConfig *RedisReporterConfig `json:"redisConfig"`
}

// DefaultConfig returns a default configuration for the usage reporter.
func DefaultConfig() *Config {
	return &Config{
		InMemoryConfig: DefaultInMemoryReporterConfig(),
	}
}

// NewReporter creates a new Reporter instance.
func NewReporter(cfg *Config) (Reporter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch {
	case cfg.InMemoryConfig != nil:
		return NewInMemoryReporter(cfg.InMemoryConfig), nil
	case cfg.RedisConfig != nil:
		reporter, err := NewRedisReporter(cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis reporter: %w", err)
		}
		return reporter, nil
	default:
		return nil, fmt.Errorf("no valid reporter configuration provided")
	}
}

// Sample is one instance's pinned-memory usage at a point in time.
type Sample struct {
	// Instance is the unique identifier of the reporting instance.
	Instance string `json:"instance"`
	// LiveRegions is the number of outstanding pinned regions.
	LiveRegions int `json:"liveRegions"`
	// LiveBytes is the total bytes held in outstanding pinned regions.
	LiveBytes uint64 `json:"liveBytes"`
	// UpdatedAt records when the sample was taken.
	UpdatedAt time.Time `json:"updatedAt"`
}

// String returns a string representation of the Sample.
func (s *Sample) String() string {
	return fmt.Sprintf("%s: %d regions, %dB", s.Instance, s.LiveRegions, s.LiveBytes)
}

// Reporter defines the interface for a backend that aggregates per-instance
// pinned-memory usage samples.
//
// Reporter operations are thread-safe and can be performed concurrently.
type Reporter interface {
	// Report records the latest sample for its instance, replacing any
	// previous sample.
	Report(ctx context.Context, sample Sample) error
	// Lookup retrieves the latest samples for the given instances.
	// If the instance set is empty, all known instances are returned.
	Lookup(ctx context.Context, instances sets.Set[string]) (map[string]Sample, error)
	// Forget drops the sample for an instance, e.g. when it shuts down.
	Forget(ctx context.Context, instance string) error
}
