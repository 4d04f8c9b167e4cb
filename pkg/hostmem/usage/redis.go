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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/apimachinery/pkg/util/sets"
)

const redisKeyPrefix = "hostmem:usage:"

// RedisReporterConfig holds the configuration for the RedisReporter.
type RedisReporterConfig struct {
	Address string `json:"address,omitempty"` // Redis server address
}

// DefaultRedisReporterConfig returns a default configuration for the
// RedisReporter.
func DefaultRedisReporterConfig() *RedisReporterConfig {
	return &RedisReporterConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// NewRedisReporter creates a new RedisReporter instance.
func NewRedisReporter(cfg *RedisReporterConfig) (*RedisReporter, error) {
	if cfg == nil {
		cfg = DefaultRedisReporterConfig()
	}

	if !strings.HasPrefix(cfg.Address, "redis://") &&
		!strings.HasPrefix(cfg.Address, "rediss://") &&
		!strings.HasPrefix(cfg.Address, "unix://") {
		cfg.Address = "redis://" + cfg.Address
	}

	redisOpt, err := redis.ParseURL(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisReporter{
		RedisClient: redisClient,
	}, nil
}

// RedisReporter implements the Reporter interface using Redis as the backend
// for fleet-wide usage aggregation. One hash per instance.
type RedisReporter struct {
	RedisClient *redis.Client
}

var _ Reporter = &RedisReporter{}

// Report records the latest sample for its instance.
func (r *RedisReporter) Report(ctx context.Context, sample Sample) error {
	key := redisKeyPrefix + sample.Instance

	if err := r.RedisClient.HSet(ctx, key,
		"liveRegions", strconv.Itoa(sample.LiveRegions),
		"liveBytes", strconv.FormatUint(sample.LiveBytes, 10),
		"updatedAt", sample.UpdatedAt.Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("failed to record usage sample: %w", err)
	}

	return nil
}

// Lookup retrieves the latest samples for the given instances.
// If the instance set is empty, all known instances are returned.
func (r *RedisReporter) Lookup(ctx context.Context, instances sets.Set[string]) (map[string]Sample, error) {
	targets := instances.UnsortedList()
	if len(targets) == 0 {
		keys, err := r.RedisClient.Keys(ctx, redisKeyPrefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list usage keys: %w", err)
		}
		for _, key := range keys {
			targets = append(targets, strings.TrimPrefix(key, redisKeyPrefix))
		}
	}

	// pipeline for single RTT
	pipe := r.RedisClient.Pipeline()
	results := make([]*redis.MapStringStringCmd, len(targets))
	for i, instance := range targets {
		results[i] = pipe.HGetAll(ctx, redisKeyPrefix+instance)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline execution failed: %w", err)
	}

	samples := make(map[string]Sample)
	for i, cmd := range results {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}

		sample, err := sampleFromFields(targets[i], fields)
		if err != nil {
			return nil, fmt.Errorf("malformed usage sample for %s: %w", targets[i], err)
		}
		samples[targets[i]] = sample
	}

	return samples, nil
}

// Forget drops the sample for an instance.
func (r *RedisReporter) Forget(ctx context.Context, instance string) error {
	if err := r.RedisClient.Del(ctx, redisKeyPrefix+instance).Err(); err != nil {
		return fmt.Errorf("failed to forget usage sample: %w", err)
	}

	return nil
}

func sampleFromFields(instance string, fields map[string]string) (Sample, error) {
	liveRegions, err := strconv.Atoi(fields["liveRegions"])
	if err != nil {
		return Sample{}, fmt.Errorf("bad liveRegions: %w", err)
	}

	liveBytes, err := strconv.ParseUint(fields["liveBytes"], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("bad liveBytes: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, fields["updatedAt"])
	if err != nil {
		return Sample{}, fmt.Errorf("bad updatedAt: %w", err)
	}

	return Sample{
		Instance:    instance,
		LiveRegions: liveRegions,
		LiveBytes:   liveBytes,
		UpdatedAt:   updatedAt,
	}, nil
}
