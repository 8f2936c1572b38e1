//  Copyright (c) 2021-2024 Magma Authors.
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

package cudriver

import (
	"os"
	"path/filepath"

	"github.com/magmadb/magma/utils"
)

const defaultCudaPath = "/usr/local/cuda"

// cudaPathEnvVars are consulted in order before falling back to the
// canonical install location.
var cudaPathEnvVars = []string{"CUDA_HOME", "CUDA_DIR"}

// validateCudaPath probes a candidate install path for the driver header and
// the libdevice bitcode library.
func validateCudaPath(path string) bool {
	if path == "" {
		return false
	}
	if _, err := os.Stat(filepath.Join(path, "include", "cuda.h")); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(path, "nvvm", "libdevice", "libdevice.10.bc")); err != nil {
		return false
	}
	return true
}

// LocateCudaPath resolves the CUDA install path. The override is consulted
// first, then CUDA_HOME and CUDA_DIR, then the canonical path. Invalid
// candidates are discarded with a warning rather than failing startup; the
// empty string is returned when nothing validates.
func LocateCudaPath(override string) string {
	candidates := make([]string, 0, len(cudaPathEnvVars)+2)
	if override != "" {
		candidates = append(candidates, override)
	}
	for _, envVar := range cudaPathEnvVars {
		if path := os.Getenv(envVar); path != "" {
			candidates = append(candidates, path)
		}
	}
	candidates = append(candidates, defaultCudaPath)

	for _, candidate := range candidates {
		if validateCudaPath(candidate) {
			return candidate
		}
		utils.GetLogger().With("path", candidate).
			Warn("Discarding invalid CUDA install path")
	}
	return ""
}

// LibDevicePath returns the libdevice bitcode path under a CUDA install.
func LibDevicePath(cudaPath string) string {
	return filepath.Join(cudaPath, "nvvm", "libdevice", "libdevice.10.bc")
}
