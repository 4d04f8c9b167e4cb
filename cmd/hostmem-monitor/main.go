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

// The hostmem-monitor binary observes a fleet of serving instances. It
// subscribes to their pinned-memory lifecycle events over ZMQ, folds them
// into a usage reporter, and serves the aggregated view over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/events"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/usage"
)

const (
	envConfigFile      = "CONFIG_FILE"
	envZMQEndpoint     = "ZMQ_ENDPOINT"
	envPoolConcurrency = "POOL_CONCURRENCY"
	envHTTPPort        = "HTTP_PORT"
	envRedisAddr       = "REDIS_ADDR"

	defaultHTTPPort    = "8080"
	defaultLogInterval = 30 * time.Second
)

// monitorConfig holds the configuration for the monitor binary.
type monitorConfig struct {
	PoolConfig  *events.Config `json:"poolConfig"`
	UsageConfig *usage.Config  `json:"usageConfig"`
	HTTPPort    string         `json:"httpPort"`
	LogInterval time.Duration  `json:"logInterval"`
}

func defaultMonitorConfig() *monitorConfig {
	return &monitorConfig{
		PoolConfig:  events.DefaultConfig(),
		UsageConfig: usage.DefaultConfig(),
		HTTPPort:    defaultHTTPPort,
		LogInterval: defaultLogInterval,
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := klog.FromContext(ctx)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx); err != nil {
		logger.Error(err, "Failed to run hostmem monitor")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reporter, err := usage.NewReporter(cfg.UsageConfig)
	if err != nil {
		return fmt.Errorf("failed to create usage reporter: %w", err)
	}

	pool := events.NewPool(cfg.PoolConfig, reporter)
	pool.Start(ctx)
	logger.Info("Events pool started and listening for ZMQ messages",
		"endpoint", cfg.PoolConfig.ZMQEndpoint)

	httpServer := setupHTTPEndpoints(ctx, cfg, reporter)

	go logUsageLoop(ctx, cfg.LogInterval, reporter)

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("Shutting down hostmem monitor...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "HTTP server shutdown error")
	}
	pool.Shutdown(shutdownCtx)

	return nil
}

// loadConfig reads the optional YAML config file, then applies environment
// variable overrides.
func loadConfig() (*monitorConfig, error) {
	cfg := defaultMonitorConfig()

	if path := os.Getenv(envConfigFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if endpoint := os.Getenv(envZMQEndpoint); endpoint != "" {
		cfg.PoolConfig.ZMQEndpoint = endpoint
	}

	if envConcurrency := os.Getenv(envPoolConcurrency); envConcurrency != "" {
		if c, err := strconv.Atoi(envConcurrency); err == nil && c > 0 {
			cfg.PoolConfig.Concurrency = c
		}
	}

	if port := os.Getenv(envHTTPPort); port != "" {
		cfg.HTTPPort = port
	}

	if redisAddr := os.Getenv(envRedisAddr); redisAddr != "" {
		cfg.UsageConfig = &usage.Config{
			RedisConfig: &usage.RedisReporterConfig{Address: redisAddr},
		}
	}

	return cfg, nil
}

// logUsageLoop periodically logs the aggregate fleet usage.
func logUsageLoop(ctx context.Context, interval time.Duration, reporter usage.Reporter) {
	logger := klog.FromContext(ctx).WithName("usage")
	if interval <= 0 {
		interval = defaultLogInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples, err := reporter.Lookup(ctx, sets.Set[string]{})
			if err != nil {
				logger.Error(err, "failed to look up usage samples")
				continue
			}

			totalRegions := 0
			totalBytes := uint64(0)
			for _, sample := range samples {
				totalRegions += sample.LiveRegions
				totalBytes += sample.LiveBytes
			}
			logger.Info("fleet usage", "instances", len(samples),
				"liveRegions", totalRegions, "liveBytes", totalBytes)
		}
	}
}

func setupHTTPEndpoints(ctx context.Context, cfg *monitorConfig, reporter usage.Reporter) *http.Server {
	logger := klog.FromContext(ctx)

	mux := http.NewServeMux()

	mux.HandleFunc("/usage", func(w http.ResponseWriter, r *http.Request) {
		instances := sets.New(r.URL.Query()["instance"]...)

		samples, err := reporter.Lookup(r.Context(), instances)
		if err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(samples); err != nil {
			logger.Error(err, "failed to encode response")
		}
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       1 * time.Minute,
		WriteTimeout:      1 * time.Minute,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "HTTP server error")
		}
	}()

	return server
}
