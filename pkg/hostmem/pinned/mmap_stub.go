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

//go:build !unix

package pinned

import "errors"

var errNoMmapSupport = errors.New("mmap platform requires a unix build")

// MmapPlatform is unavailable on non-unix builds.
type MmapPlatform struct{}

var _ Platform = &MmapPlatform{}

// NewMmapPlatform returns a platform whose operations always fail on
// non-unix builds.
func NewMmapPlatform(_ *MmapPlatformConfig) *MmapPlatform {
	return &MmapPlatform{}
}

// Name identifies the platform in errors and logs.
func (p *MmapPlatform) Name() string {
	return "mmap"
}

// HostAlloc always fails on non-unix builds.
func (p *MmapPlatform) HostAlloc(_ uint64, _ Flags) (Handle, error) {
	return 0, errNoMmapSupport
}

// HostFree always fails on non-unix builds.
func (p *MmapPlatform) HostFree(_ Handle) error {
	return errNoMmapSupport
}
