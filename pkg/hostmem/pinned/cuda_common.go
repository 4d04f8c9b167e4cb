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

package pinned

import "fmt"

// CUDAPlatformConfig holds the configuration for the CUDA platform. The CUDA
// runtime takes no tunables for host allocation; the struct exists so the
// allocator Config can select the backend the same way as the others.
type CUDAPlatformConfig struct{}

// DefaultCUDAPlatformConfig returns a default configuration for the CUDA
// platform.
func DefaultCUDAPlatformConfig() *CUDAPlatformConfig {
	return &CUDAPlatformConfig{}
}

// CudaError carries a native cudaError_t code and its runtime description.
type CudaError struct {
	Code   int
	Detail string
}

// Error implements the error interface.
func (e *CudaError) Error() string {
	return fmt.Sprintf("cuda error %d: %s", e.Code, e.Detail)
}

func cudaErrorFrom(code int, detail string) *CudaError {
	return &CudaError{Code: code, Detail: detail}
}
