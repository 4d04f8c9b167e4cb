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

// Package hostmem wires the pinned allocator, the staging buffer pool, and
// the usage plumbing into one manager for host-memory KV-cache staging.
package hostmem

import (
	"context"
	"fmt"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/bufpool"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/events"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/pinned"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/staging"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/usage"
)

const defaultUsageReportInterval = 10 * time.Second

// Config holds the configuration for the Manager module.
// The configuration covers the different components found in the Manager
// module.
type Config struct {
	PinnedConfig  *pinned.Config  `json:"pinnedConfig"`
	BufPoolConfig *bufpool.Config `json:"bufPoolConfig"`
	StagingConfig *staging.Config `json:"stagingConfig"`
	UsageConfig   *usage.Config   `json:"usageConfig"`
	// EventsConfig enables lifecycle event publishing when set.
	EventsConfig *events.PublisherConfig `json:"eventsConfig,omitempty"`

	// Instance identifies this process in usage samples. Defaults to the
	// hostname.
	Instance string `json:"instance"`
	// UsageReportInterval is how often Run reports a usage sample.
	UsageReportInterval time.Duration `json:"usageReportInterval"`
}

// NewDefaultConfig returns a default configuration for the Manager module.
func NewDefaultConfig() *Config {
	return &Config{
		PinnedConfig:        pinned.DefaultConfig(),
		BufPoolConfig:       bufpool.DefaultConfig(),
		StagingConfig:       staging.DefaultConfig(),
		UsageConfig:         usage.DefaultConfig(),
		UsageReportInterval: defaultUsageReportInterval,
	}
}

// Manager owns the pinned-memory stack of one process.
type Manager struct {
	config *Config

	allocator pinned.Allocator // pinned regions with registry protection
	pool      *bufpool.Pool    // size-class buffer recycling
	staging   *staging.Manager // transfer leases over the pool
	reporter  usage.Reporter   // per-instance usage samples

	publisher *events.Publisher
	instance  string
}

// NewManager creates a Manager given a Config.
func NewManager(ctx context.Context, config *Config) (*Manager, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	instance := config.Instance
	if instance == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve instance identity: %w", err)
		}
		instance = hostname
	}

	allocator, err := pinned.NewAllocator(ctx, config.PinnedConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pinned.Allocator: %w", err)
	}

	var publisher *events.Publisher
	if config.EventsConfig != nil {
		publisherConfig := *config.EventsConfig
		if publisherConfig.Instance == "" {
			publisherConfig.Instance = instance
		}

		publisher, err = events.NewPublisher(&publisherConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create events.Publisher: %w", err)
		}
		allocator = events.NewEventingAllocator(allocator, publisher)
	}

	pool, err := bufpool.NewPool(config.BufPoolConfig, allocator)
	if err != nil {
		return nil, fmt.Errorf("failed to create bufpool.Pool: %w", err)
	}

	stagingManager, err := staging.NewManager(ctx, config.StagingConfig, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging.Manager: %w", err)
	}

	reporter, err := usage.NewReporter(config.UsageConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage.Reporter: %w", err)
	}

	return &Manager{
		config:    config,
		allocator: allocator,
		pool:      pool,
		staging:   stagingManager,
		reporter:  reporter,
		publisher: publisher,
		instance:  instance,
	}, nil
}

// Allocator returns the pinned.Allocator used by the Manager.
func (m *Manager) Allocator() pinned.Allocator {
	return m.allocator
}

// Pool returns the staging buffer pool used by the Manager.
func (m *Manager) Pool() *bufpool.Pool {
	return m.pool
}

// Staging returns the staging lease manager.
func (m *Manager) Staging() *staging.Manager {
	return m.staging
}

// UsageReporter returns the usage.Reporter used by the Manager.
func (m *Manager) UsageReporter() usage.Reporter {
	return m.reporter
}

// ReportUsage reports one usage sample for this instance.
func (m *Manager) ReportUsage(ctx context.Context) error {
	return m.reporter.Report(ctx, usage.Sample{
		Instance:    m.instance,
		LiveRegions: m.allocator.LiveCount(),
		LiveBytes:   m.allocator.LiveBytes(),
		UpdatedAt:   time.Now(),
	})
}

// Run reports usage samples at the configured interval until ctx is
// canceled. It is non-blocking.
func (m *Manager) Run(ctx context.Context) {
	interval := m.config.UsageReportInterval
	if interval <= 0 {
		interval = defaultUsageReportInterval
	}

	go func() {
		logger := klog.FromContext(ctx).WithName("hostmem.Run")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.ReportUsage(ctx); err != nil {
					logger.Error(err, "failed to report usage sample")
				}
			}
		}
	}()
}

// Close tears the stack down in reverse order of construction: live leases
// go back to the pool, idle buffers are freed, and the allocator runs its
// leak audit. The usage entry for this instance is forgotten last.
func (m *Manager) Close(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("hostmem.Close")

	var firstErr error
	record := func(err error, msg string) {
		if err != nil {
			logger.Error(err, msg)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	record(m.staging.Close(ctx), "failed to close staging manager")
	record(m.pool.Close(ctx), "failed to close buffer pool")
	record(m.allocator.Close(ctx), "failed to close allocator")
	record(m.reporter.Forget(ctx, m.instance), "failed to forget usage entry")

	if m.publisher != nil {
		record(m.publisher.Close(), "failed to close events publisher")
	}

	return firstErr
}
