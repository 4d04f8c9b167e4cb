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

// MmapPlatformConfig holds the configuration for the mmap platform.
type MmapPlatformConfig struct {
	// RequireLocked turns an mlock failure into an allocation failure.
	// By default locking is best-effort, since RLIMIT_MEMLOCK commonly
	// forbids it in unprivileged containers.
	RequireLocked bool `json:"requireLocked"`
}

// DefaultMmapPlatformConfig returns a default configuration for the mmap
// platform.
func DefaultMmapPlatformConfig() *MmapPlatformConfig {
	return &MmapPlatformConfig{
		RequireLocked: false,
	}
}
