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
	"fmt"
)

// Status represents a driver API return code. The numeric values follow the
// CUresult enumeration of the CUDA driver.
type Status int32

// Driver status codes.
const (
	Success             Status = 0
	ErrorInvalidValue   Status = 1
	ErrorOutOfMemory    Status = 2
	ErrorNotInitialized Status = 3
	ErrorDeinitialized  Status = 4
	ErrorNoDevice       Status = 100
	ErrorInvalidDevice  Status = 101
	ErrorInvalidImage   Status = 200
	ErrorInvalidContext Status = 201
	ErrorMapFailed      Status = 205
	ErrorUnmapFailed    Status = 206
	ErrorAlreadyMapped  Status = 208
	ErrorNotMapped      Status = 211
	ErrorInvalidPtx     Status = 218
	ErrorInvalidHandle  Status = 400
	ErrorNotFound       Status = 500
	ErrorLaunchFailed   Status = 719
	ErrorUnknown        Status = 999
)

var statusNames = map[Status]string{
	Success:             "CUDA_SUCCESS",
	ErrorInvalidValue:   "CUDA_ERROR_INVALID_VALUE",
	ErrorOutOfMemory:    "CUDA_ERROR_OUT_OF_MEMORY",
	ErrorNotInitialized: "CUDA_ERROR_NOT_INITIALIZED",
	ErrorDeinitialized:  "CUDA_ERROR_DEINITIALIZED",
	ErrorNoDevice:       "CUDA_ERROR_NO_DEVICE",
	ErrorInvalidDevice:  "CUDA_ERROR_INVALID_DEVICE",
	ErrorInvalidImage:   "CUDA_ERROR_INVALID_IMAGE",
	ErrorInvalidContext: "CUDA_ERROR_INVALID_CONTEXT",
	ErrorMapFailed:      "CUDA_ERROR_MAP_FAILED",
	ErrorUnmapFailed:    "CUDA_ERROR_UNMAP_FAILED",
	ErrorAlreadyMapped:  "CUDA_ERROR_ALREADY_MAPPED",
	ErrorNotMapped:      "CUDA_ERROR_NOT_MAPPED",
	ErrorInvalidPtx:     "CUDA_ERROR_INVALID_PTX",
	ErrorInvalidHandle:  "CUDA_ERROR_INVALID_HANDLE",
	ErrorNotFound:       "CUDA_ERROR_NOT_FOUND",
	ErrorLaunchFailed:   "CUDA_ERROR_LAUNCH_FAILED",
	ErrorUnknown:        "CUDA_ERROR_UNKNOWN",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(s))
}

// DriverError wraps a driver status code together with the operation that
// produced it.
type DriverError struct {
	Op     string
	Status Status
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver error in %s: %s", e.Op, e.Status)
}

// NewDriverError returns nil when the status is Success, otherwise a
// DriverError carrying the status code.
func NewDriverError(op string, status Status) error {
	if status == Success {
		return nil
	}
	return &DriverError{Op: op, Status: status}
}

// StatusOf extracts the driver status from err, or ErrorUnknown when err is
// not a DriverError.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	if de, ok := err.(*DriverError); ok {
		return de.Status
	}
	return ErrorUnknown
}

// IsOutOfMemory reports whether err carries ErrorOutOfMemory.
func IsOutOfMemory(err error) bool {
	return StatusOf(err) == ErrorOutOfMemory
}

// IsDeinitialized reports whether err carries ErrorDeinitialized. The driver
// shutting down before us during process teardown is normal and callers
// swallow this status.
func IsDeinitialized(err error) bool {
	return StatusOf(err) == ErrorDeinitialized
}
