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

package usage

import (
	"context"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// InMemoryReporterConfig holds the configuration for the InMemoryReporter.
type InMemoryReporterConfig struct{}

// DefaultInMemoryReporterConfig returns a default configuration for the
// InMemoryReporter.
func DefaultInMemoryReporterConfig() *InMemoryReporterConfig {
	return &InMemoryReporterConfig{}
}

// InMemoryReporter is an in-memory implementation of the Reporter interface,
// suitable for single-process deployments and tests.
type InMemoryReporter struct {
	// mu guards samples.
	mu      sync.RWMutex
	samples map[string]Sample
}

var _ Reporter = &InMemoryReporter{}

// NewInMemoryReporter creates a new InMemoryReporter instance.
func NewInMemoryReporter(_ *InMemoryReporterConfig) *InMemoryReporter {
	return &InMemoryReporter{
		samples: make(map[string]Sample),
	}
}

// Report records the latest sample for its instance.
func (r *InMemoryReporter) Report(_ context.Context, sample Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[sample.Instance] = sample

	return nil
}

// Lookup retrieves the latest samples for the given instances.
// If the instance set is empty, all known instances are returned.
func (r *InMemoryReporter) Lookup(_ context.Context, instances sets.Set[string]) (map[string]Sample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Sample)
	for instance, sample := range r.samples {
		if instances.Len() == 0 || instances.Has(instance) {
			result[instance] = sample
		}
	}

	return result, nil
}

// Forget drops the sample for an instance.
func (r *InMemoryReporter) Forget(_ context.Context, instance string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.samples, instance)

	return nil
}
