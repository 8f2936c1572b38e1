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

package common

// DeviceConfig is the static configuration for the device manager.
type DeviceConfig struct {
	// how much portion of the device memory we are allowed to use
	DeviceMemoryUtilization float32 `yaml:"device_memory_utilization"`
	// timeout in seconds for choosing device
	DeviceChoosingTimeout int `yaml:"device_choosing_timeout"`
	// size in bytes of the pinned staging buffer for large transfers;
	// zero disables jump buffer transfers
	JumpBufferSize int64 `yaml:"jump_buffer_size"`
	// transfers below this size bypass the jump buffer
	JumpBufferThreshold int64 `yaml:"jump_buffer_threshold"`
}

// QueryConfig is the static configuration for query execution.
type QueryConfig struct {
	// enable the dynamic watchdog; wins over runtime interrupt when both are set
	EnableDynamicWatchdog bool `yaml:"enable_dynamic_watchdog"`
	// watchdog budget in milliseconds
	DynamicWatchdogTimeLimit int64 `yaml:"dynamic_watchdog_time_limit"`
	// enable cooperative runtime interrupt checks in generated code
	EnableRuntimeInterrupt bool `yaml:"enable_runtime_interrupt"`
	// fraction in (0, 1] steering how often generated code polls for interrupts
	RuntimeInterruptFraction float64 `yaml:"runtime_interrupt_fraction"`
	// lower clamp for the interrupt checking increment
	InterruptIncrementFloor uint64 `yaml:"interrupt_increment_floor"`
}

// CodegenConfig is the static configuration for the JIT compiler.
type CodegenConfig struct {
	// maximum number of entries kept in the code cache
	CodeCacheSize int `yaml:"code_cache_size"`
	// fraction of the cache evicted when a GPU module upload hits OOM
	CodeCacheEvictFraction float64 `yaml:"code_cache_evict_fraction"`
	// register the Intel JIT events listener on the CPU path
	EnableJITListener bool `yaml:"enable_jit_listener"`
	// CUDA install path override; empty means discover via environment
	CudaPath string `yaml:"cuda_path"`
}

// MagmaServerConfig is config specific for the magma server.
type MagmaServerConfig struct {
	// HTTP port for serving.
	Port int `yaml:"port"`

	// HTTP port for debugging.
	DebugPort int `yaml:"debug_port"`

	// Total memory size magma can use on the host.
	TotalMemorySize int64 `yaml:"total_memory_size"`

	// Build version of the server currently running
	Version string `yaml:"version"`

	Device  DeviceConfig  `yaml:"device"`
	Query   QueryConfig   `yaml:"query"`
	Codegen CodegenConfig `yaml:"codegen"`
}
