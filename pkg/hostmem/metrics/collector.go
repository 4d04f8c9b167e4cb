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

// Package metrics exposes Prometheus metrics for the pinned host-memory
// allocator.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Allocations counts successful pinned allocations.
	Allocations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hostmem", Subsystem: "pinned", Name: "allocations_total",
		Help: "Total number of successful pinned host-memory allocations",
	})
	// Frees counts successful pinned frees.
	Frees = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hostmem", Subsystem: "pinned", Name: "frees_total",
		Help: "Total number of successful pinned host-memory frees",
	})
	// AllocationFailures counts allocations rejected by the platform.
	AllocationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hostmem", Subsystem: "pinned", Name: "allocation_failures_total",
		Help: "Total number of allocations rejected by the platform",
	})
	// ReleaseFailures counts frees rejected by the platform.
	ReleaseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hostmem", Subsystem: "pinned", Name: "release_failures_total",
		Help: "Total number of frees rejected by the platform",
	})
	// InvalidHandles counts frees of handles that were not live.
	InvalidHandles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hostmem", Subsystem: "pinned", Name: "invalid_handles_total",
		Help: "Total number of frees rejected because the handle was not live",
	})

	// LiveRegions tracks the number of outstanding pinned regions.
	LiveRegions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hostmem", Subsystem: "pinned", Name: "live_regions",
		Help: "Number of outstanding pinned regions",
	})
	// LiveBytes tracks the total bytes held in outstanding pinned regions.
	LiveBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hostmem", Subsystem: "pinned", Name: "live_bytes",
		Help: "Total bytes held in outstanding pinned regions",
	})

	// AllocateLatency logs latency of platform allocation calls.
	AllocateLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hostmem", Subsystem: "pinned", Name: "allocate_latency_seconds",
		Help:    "Latency of Allocate calls in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Allocations, Frees,
		AllocationFailures, ReleaseFailures, InvalidHandles,
		LiveRegions, LiveBytes, AllocateLatency,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with the controller-runtime registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			logMetrics(ctx)
		}
	}()
}

func logMetrics(ctx context.Context) {
	var m dto.Metric

	err := Allocations.Write(&m)
	if err != nil {
		return
	}
	allocations := m.GetCounter().GetValue()

	err = Frees.Write(&m)
	if err != nil {
		return
	}
	frees := m.GetCounter().GetValue()

	err = AllocationFailures.Write(&m)
	if err != nil {
		return
	}
	allocationFailures := m.GetCounter().GetValue()

	var liveRegionsMetric dto.Metric
	err = LiveRegions.Write(&liveRegionsMetric)
	if err != nil {
		return
	}
	liveRegions := liveRegionsMetric.GetGauge().GetValue()

	var liveBytesMetric dto.Metric
	err = LiveBytes.Write(&liveBytesMetric)
	if err != nil {
		return
	}
	liveBytes := liveBytesMetric.GetGauge().GetValue()

	var latencyMetric dto.Metric
	err = AllocateLatency.Write(&latencyMetric)
	if err != nil {
		return
	}
	latencyCount := latencyMetric.GetHistogram().GetSampleCount()
	latencySum := latencyMetric.GetHistogram().GetSampleSum()

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"allocations", allocations,
		"frees", frees,
		"allocation_failures", allocationFailures,
		"live_regions", liveRegions,
		"live_bytes", liveBytes,
		"latency_count", latencyCount,
		"latency_sum", latencySum,
	)
}
