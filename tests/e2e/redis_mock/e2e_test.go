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

//go:build unix

//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"strconv"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/pinned"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/staging"
)

// TestStagedTransferUsageE2E verifies that lease churn is reflected in the
// Redis usage hash for the instance.
func (s *HostmemSuite) TestStagedTransferUsageE2E() {
	descriptors := []staging.Descriptor{
		{RequestID: "req-1", Offset: 0, Length: 4096},
		{RequestID: "req-1", Offset: 4096, Length: 4096},
		{RequestID: "req-1", Offset: 8192, Length: 4096},
	}

	leases, err := s.manager.Staging().AcquireBatch(s.ctx, descriptors, pinned.FlagDefault)
	s.Require().NoError(err)
	s.Require().NoError(s.manager.ReportUsage(s.ctx))

	fields, err := s.rdb.HGetAll(s.ctx, "hostmem:usage:"+instance1).Result()
	s.Require().NoError(err)
	s.Equal(strconv.Itoa(len(descriptors)), fields["liveRegions"])

	liveBytes, err := strconv.ParseUint(fields["liveBytes"], 10, 64)
	s.Require().NoError(err)
	s.GreaterOrEqual(liveBytes, uint64(3*4096))

	for _, lease := range leases {
		s.Require().NoError(s.manager.Staging().Release(s.ctx, lease.Key))
	}
	s.Require().NoError(s.manager.ReportUsage(s.ctx))

	fields, err = s.rdb.HGetAll(s.ctx, "hostmem:usage:"+instance1).Result()
	s.Require().NoError(err)
	s.Equal("0", fields["liveRegions"])
	s.Equal("0", fields["liveBytes"])
}

// TestInstanceForgottenOnClose verifies that closing the manager drops the
// usage entry for its instance.
func (s *HostmemSuite) TestInstanceForgottenOnClose() {
	s.Require().NoError(s.manager.ReportUsage(s.ctx))

	keys, err := s.rdb.Keys(s.ctx, "hostmem:usage:*").Result()
	s.Require().NoError(err)
	s.Len(keys, 1)

	s.Require().NoError(s.manager.Close(s.ctx))
	s.manager = nil

	keys, err = s.rdb.Keys(s.ctx, "hostmem:usage:*").Result()
	s.Require().NoError(err)
	s.Empty(keys)
}

// TestFleetAggregationE2E verifies that two instances reporting into the
// same backend are both visible to a fleet-wide lookup.
func (s *HostmemSuite) TestFleetAggregationE2E() {
	second, err := hostmem.NewManager(s.ctx, s.managerConfig(instance2))
	s.Require().NoError(err)
	defer func() { _ = second.Close(s.ctx) }()

	_, err = s.manager.Staging().Acquire(s.ctx,
		staging.Descriptor{RequestID: "req-1", Length: 4096}, pinned.FlagDefault)
	s.Require().NoError(err)
	_, err = second.Staging().AcquireBatch(s.ctx, []staging.Descriptor{
		{RequestID: "req-2", Offset: 0, Length: 4096},
		{RequestID: "req-2", Offset: 4096, Length: 4096},
	}, pinned.FlagDefault)
	s.Require().NoError(err)

	s.Require().NoError(s.manager.ReportUsage(s.ctx))
	s.Require().NoError(second.ReportUsage(s.ctx))

	samples, err := s.manager.UsageReporter().Lookup(s.ctx, sets.Set[string]{})
	s.Require().NoError(err)
	s.Len(samples, 2)
	s.Equal(1, samples[instance1].LiveRegions)
	s.Equal(2, samples[instance2].LiveRegions)

	// filtered lookup only sees the requested instance
	samples, err = s.manager.UsageReporter().Lookup(s.ctx, sets.New(instance2))
	s.Require().NoError(err)
	s.Len(samples, 1)
	s.Contains(samples, instance2)
}

// TestDoubleFreeProtectionE2E verifies registry protection over real mmap
// regions.
func (s *HostmemSuite) TestDoubleFreeProtectionE2E() {
	allocator := s.manager.Allocator()

	handle, err := allocator.Allocate(s.ctx, 8192, pinned.FlagDefault)
	s.Require().NoError(err)

	s.Require().NoError(allocator.Free(s.ctx, handle))
	s.Require().ErrorIs(allocator.Free(s.ctx, handle), pinned.ErrInvalidHandle)
	s.Require().ErrorIs(allocator.Free(s.ctx, pinned.Handle(0xdead)), pinned.ErrInvalidHandle)
}
