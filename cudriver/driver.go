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
	uuid "github.com/satori/go.uuid"
)

// DevicePtr is a device virtual address.
type DevicePtr uint64

// MemHandle is an opaque handle owning physical device memory backing.
type MemHandle uint64

// Module is a handle to a loaded device code module.
type Module uint64

// Stream is a handle to a device stream.
type Stream uint64

// NullStream addresses the device's default stream.
const NullStream Stream = 0

// DeviceAttributes is the immutable per-device property record captured at
// startup.
type DeviceAttributes struct {
	Name                        string
	UUID                        uuid.UUID
	ComputeMajor                int
	ComputeMinor                int
	GlobalMemory                int64
	SharedMemPerBlock           int64
	SharedMemPerBlockOptin      int64
	MultiProcessorCount         int
	WarpSize                    int
	PCIBusID                    int
	PCIDeviceID                 int
	ClockRateKHz                int
	MemoryClockRateKHz          int
	MemoryBusWidthBits          int
	AllocationGranularity       int64
	MaxThreadsPerBlock          int
	MaxThreadsPerMultiProcessor int
}

// Driver is the boundary to the GPU driver API. Every implementation keeps
// the driver's notion of a current context: SetContext must be called before
// any call that takes no explicit device argument. A no-op backend satisfies
// the same surface and reports zero devices.
type Driver interface {
	// DeviceCount returns the number of devices visible to the driver.
	DeviceCount() (int, error)
	// DeviceAttributes probes the property record for a device.
	DeviceAttributes(device int) (DeviceAttributes, error)

	// CreateContext creates the primary context for a device.
	CreateContext(device int) error
	// DestroyContext destroys the context of a device.
	DestroyContext(device int) error
	// SetContext makes the context of a device current.
	SetContext(device int) error
	// GetContext returns the device whose context is current.
	GetContext() (int, error)
	// Synchronize blocks until all pending work on the current context completes.
	Synchronize() error

	// MemAddressReserve reserves a virtual address range of the given size,
	// aligned to the given granularity.
	MemAddressReserve(bytes, granularity int64) (DevicePtr, error)
	// MemAddressFree releases a virtual address reservation.
	MemAddressFree(ptr DevicePtr, bytes int64) error
	// MemCreate creates a pinned physical allocation on the current device.
	MemCreate(bytes int64, device int) (MemHandle, error)
	// MemMap maps a physical allocation at a reserved virtual address.
	MemMap(ptr DevicePtr, bytes int64, handle MemHandle) error
	// MemSetAccess grants the device read/write access to a mapped range.
	MemSetAccess(ptr DevicePtr, bytes int64, device int) error
	// MemUnmap unmaps a mapped range.
	MemUnmap(ptr DevicePtr, bytes int64) error
	// MemRelease releases a physical allocation handle.
	MemRelease(handle MemHandle) error
	// ExportToFD exports a physical allocation handle as a POSIX file
	// descriptor for IPC.
	ExportToFD(handle MemHandle) (int, error)
	// MemGetInfo returns free and total memory of the current context's device.
	MemGetInfo() (free, total int64, err error)

	// MemcpyHtoD copies host bytes to device memory.
	MemcpyHtoD(dst DevicePtr, src []byte) error
	// MemcpyDtoH copies device memory to host bytes.
	MemcpyDtoH(dst []byte, src DevicePtr) error
	// MemcpyDtoD copies between two device ranges on the current device.
	MemcpyDtoD(dst, src DevicePtr, bytes int64) error
	// MemcpyPeer copies between devices, binding both contexts.
	MemcpyPeer(dst DevicePtr, dstDevice int, src DevicePtr, srcDevice int, bytes int64) error
	// MemcpyHtoDAsync is the stream-ordered variant of MemcpyHtoD.
	MemcpyHtoDAsync(dst DevicePtr, src []byte, stream Stream) error
	// MemcpyDtoHAsync is the stream-ordered variant of MemcpyDtoH.
	MemcpyDtoHAsync(dst []byte, src DevicePtr, stream Stream) error
	// MemcpyDtoDAsync is the stream-ordered variant of MemcpyDtoD.
	MemcpyDtoDAsync(dst, src DevicePtr, bytes int64, stream Stream) error
	// MemsetD8 fills a device range with a byte value.
	MemsetD8(ptr DevicePtr, value byte, bytes int64) error
	// MemsetD8Async is the stream-ordered variant of MemsetD8.
	MemsetD8Async(ptr DevicePtr, value byte, bytes int64, stream Stream) error

	// ModuleLoadData loads a device code module from an in-memory image.
	ModuleLoadData(image []byte) (Module, error)
	// ModuleUnload unloads a module from the current context.
	ModuleUnload(module Module) error

	// StreamCreate creates a stream on the current context.
	StreamCreate() (Stream, error)
	// StreamSynchronize blocks until all work queued on the stream completes.
	StreamSynchronize(stream Stream) error
	// StreamDestroy destroys a stream.
	StreamDestroy(stream Stream) error

	// ProfilerStart starts or resumes the driver profiler.
	ProfilerStart() error
	// ProfilerStop stops or pauses the driver profiler.
	ProfilerStop() error
}
