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

//go:build !cuda

package pinned

import "errors"

var errNoCUDASupport = errors.New("binary was built without CUDA support (cuda build tag)")

// CUDAPlatform is unavailable on builds without the cuda build tag.
type CUDAPlatform struct{}

var _ Platform = &CUDAPlatform{}

// NewCUDAPlatform always fails on builds without the cuda build tag.
func NewCUDAPlatform(_ *CUDAPlatformConfig) (*CUDAPlatform, error) {
	return nil, errNoCUDASupport
}

// Name identifies the platform in errors and logs.
func (p *CUDAPlatform) Name() string {
	return "cuda"
}

// HostAlloc always fails on builds without the cuda build tag.
func (p *CUDAPlatform) HostAlloc(_ uint64, _ Flags) (Handle, error) {
	return 0, errNoCUDASupport
}

// HostFree always fails on builds without the cuda build tag.
func (p *CUDAPlatform) HostFree(_ Handle) error {
	return errNoCUDASupport
}
