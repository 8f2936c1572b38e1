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
	"strings"
	"sync"

	uuid "github.com/satori/go.uuid"
)

const (
	// simBaseAddress is where simulated virtual address reservations start.
	simBaseAddress DevicePtr = 0x7f0000000000
	// simDefaultGranularity matches the driver's recommended allocation
	// granularity on current hardware.
	simDefaultGranularity int64 = 2 << 20
)

// SimConfig configures the simulated driver backend.
type SimConfig struct {
	DeviceCount  int
	GlobalMemory int64
	Granularity  int64
	ComputeMajor int
	ComputeMinor int
}

// DefaultSimConfig returns a one-device simulation with 1 GiB of memory and
// Turing compute capability.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		DeviceCount:  1,
		GlobalMemory: 1 << 30,
		Granularity:  simDefaultGranularity,
		ComputeMajor: 7,
		ComputeMinor: 5,
	}
}

type simDevice struct {
	attrs   DeviceAttributes
	ctxLive bool
	used    int64
}

type simAlloc struct {
	buf    []byte
	device int
}

type simMapping struct {
	base   DevicePtr
	bytes  int64
	handle MemHandle
}

// SimDriver is an in-memory Driver implementation backed by host memory. It
// honors the full VMM surface (reserve, create, map, set-access, unmap,
// release, free) and byte-accurate copies, so the device manager and codegen
// run unmodified against it in tests and CPU-only deployments.
type SimDriver struct {
	sync.Mutex

	devices       []simDevice
	current       int
	deinitialized bool

	nextPtr    DevicePtr
	nextHandle MemHandle
	nextModule Module
	nextStream Stream
	nextFD     int

	reservations map[DevicePtr]int64
	handles      map[MemHandle]*simAlloc
	mappings     map[DevicePtr]simMapping
	access       map[DevicePtr]int
	modules      map[Module][]byte
	streams      map[Stream]bool

	failNext map[string]Status
}

// NewSimDriver creates a simulated driver with the given config.
func NewSimDriver(cfg SimConfig) *SimDriver {
	if cfg.Granularity <= 0 {
		cfg.Granularity = simDefaultGranularity
	}
	d := &SimDriver{
		current:      -1,
		nextPtr:      simBaseAddress,
		nextHandle:   1,
		nextModule:   1,
		nextStream:   1,
		nextFD:       1000,
		reservations: make(map[DevicePtr]int64),
		handles:      make(map[MemHandle]*simAlloc),
		mappings:     make(map[DevicePtr]simMapping),
		access:       make(map[DevicePtr]int),
		modules:      make(map[Module][]byte),
		streams:      make(map[Stream]bool),
		failNext:     make(map[string]Status),
	}
	for i := 0; i < cfg.DeviceCount; i++ {
		d.devices = append(d.devices, simDevice{
			attrs: DeviceAttributes{
				Name:                        "Magma Simulated Device",
				UUID:                        uuid.NewV4(),
				ComputeMajor:                cfg.ComputeMajor,
				ComputeMinor:                cfg.ComputeMinor,
				GlobalMemory:                cfg.GlobalMemory,
				SharedMemPerBlock:           48 << 10,
				SharedMemPerBlockOptin:      64 << 10,
				MultiProcessorCount:         40,
				WarpSize:                    32,
				PCIBusID:                    i,
				PCIDeviceID:                 0,
				ClockRateKHz:                1590000,
				MemoryClockRateKHz:          5001000,
				MemoryBusWidthBits:          256,
				AllocationGranularity:       cfg.Granularity,
				MaxThreadsPerBlock:          1024,
				MaxThreadsPerMultiProcessor: 1024,
			},
		})
	}
	return d
}

// FailNext arranges for the next call of the named driver operation to fail
// with the given status. Used by tests to exercise error paths.
func (d *SimDriver) FailNext(op string, status Status) {
	d.Lock()
	defer d.Unlock()
	d.failNext[op] = status
}

// Deinitialize simulates the driver shutting down underneath the process.
// All subsequent calls fail with ErrorDeinitialized.
func (d *SimDriver) Deinitialize() {
	d.Lock()
	defer d.Unlock()
	d.deinitialized = true
}

// checkLocked consumes a pending fault injection and checks driver liveness.
// Caller must hold the lock.
func (d *SimDriver) checkLocked(op string) error {
	if d.deinitialized {
		return NewDriverError(op, ErrorDeinitialized)
	}
	if status, ok := d.failNext[op]; ok {
		delete(d.failNext, op)
		return NewDriverError(op, status)
	}
	return nil
}

func (d *SimDriver) validDeviceLocked(op string, device int) error {
	if device < 0 || device >= len(d.devices) {
		return NewDriverError(op, ErrorInvalidDevice)
	}
	return nil
}

// DeviceCount returns the simulated device count.
func (d *SimDriver) DeviceCount() (int, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuDeviceGetCount"); err != nil {
		return 0, err
	}
	return len(d.devices), nil
}

// DeviceAttributes returns the property record of a simulated device.
func (d *SimDriver) DeviceAttributes(device int) (DeviceAttributes, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuDeviceGetAttribute"); err != nil {
		return DeviceAttributes{}, err
	}
	if err := d.validDeviceLocked("cuDeviceGetAttribute", device); err != nil {
		return DeviceAttributes{}, err
	}
	return d.devices[device].attrs, nil
}

// CreateContext creates the context of a device.
func (d *SimDriver) CreateContext(device int) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuCtxCreate"); err != nil {
		return err
	}
	if err := d.validDeviceLocked("cuCtxCreate", device); err != nil {
		return err
	}
	d.devices[device].ctxLive = true
	d.current = device
	return nil
}

// DestroyContext destroys the context of a device.
func (d *SimDriver) DestroyContext(device int) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuCtxDestroy"); err != nil {
		return err
	}
	if err := d.validDeviceLocked("cuCtxDestroy", device); err != nil {
		return err
	}
	if !d.devices[device].ctxLive {
		return NewDriverError("cuCtxDestroy", ErrorInvalidContext)
	}
	d.devices[device].ctxLive = false
	if d.current == device {
		d.current = -1
	}
	return nil
}

// SetContext makes the context of a device current.
func (d *SimDriver) SetContext(device int) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuCtxSetCurrent"); err != nil {
		return err
	}
	if err := d.validDeviceLocked("cuCtxSetCurrent", device); err != nil {
		return err
	}
	if !d.devices[device].ctxLive {
		return NewDriverError("cuCtxSetCurrent", ErrorInvalidContext)
	}
	d.current = device
	return nil
}

// GetContext returns the device whose context is current.
func (d *SimDriver) GetContext() (int, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuCtxGetCurrent"); err != nil {
		return -1, err
	}
	if d.current < 0 {
		return -1, NewDriverError("cuCtxGetCurrent", ErrorInvalidContext)
	}
	return d.current, nil
}

// Synchronize is a no-op in simulation; all work is synchronous.
func (d *SimDriver) Synchronize() error {
	d.Lock()
	defer d.Unlock()
	return d.checkLocked("cuCtxSynchronize")
}

// MemAddressReserve reserves a granularity-aligned virtual address range.
func (d *SimDriver) MemAddressReserve(bytes, granularity int64) (DevicePtr, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemAddressReserve"); err != nil {
		return 0, err
	}
	if bytes <= 0 || granularity <= 0 || bytes%granularity != 0 {
		return 0, NewDriverError("cuMemAddressReserve", ErrorInvalidValue)
	}
	base := d.nextPtr
	if rem := int64(base) % granularity; rem != 0 {
		base += DevicePtr(granularity - rem)
	}
	d.nextPtr = base + DevicePtr(bytes)
	d.reservations[base] = bytes
	return base, nil
}

// MemAddressFree releases a virtual address reservation.
func (d *SimDriver) MemAddressFree(ptr DevicePtr, bytes int64) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemAddressFree"); err != nil {
		return err
	}
	reserved, ok := d.reservations[ptr]
	if !ok || reserved != bytes {
		return NewDriverError("cuMemAddressFree", ErrorInvalidValue)
	}
	delete(d.reservations, ptr)
	return nil
}

// MemCreate creates a physical allocation on the given device.
func (d *SimDriver) MemCreate(bytes int64, device int) (MemHandle, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemCreate"); err != nil {
		return 0, err
	}
	if err := d.validDeviceLocked("cuMemCreate", device); err != nil {
		return 0, err
	}
	if bytes <= 0 {
		return 0, NewDriverError("cuMemCreate", ErrorInvalidValue)
	}
	dev := &d.devices[device]
	if dev.used+bytes > dev.attrs.GlobalMemory {
		return 0, NewDriverError("cuMemCreate", ErrorOutOfMemory)
	}
	dev.used += bytes
	handle := d.nextHandle
	d.nextHandle++
	d.handles[handle] = &simAlloc{buf: make([]byte, bytes), device: device}
	return handle, nil
}

// MemMap maps a physical allocation at a reserved address.
func (d *SimDriver) MemMap(ptr DevicePtr, bytes int64, handle MemHandle) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemMap"); err != nil {
		return err
	}
	alloc, ok := d.handles[handle]
	if !ok {
		return NewDriverError("cuMemMap", ErrorInvalidHandle)
	}
	if int64(len(alloc.buf)) < bytes {
		return NewDriverError("cuMemMap", ErrorInvalidValue)
	}
	if _, mapped := d.mappings[ptr]; mapped {
		return NewDriverError("cuMemMap", ErrorAlreadyMapped)
	}
	d.mappings[ptr] = simMapping{base: ptr, bytes: bytes, handle: handle}
	return nil
}

// MemSetAccess grants a device access to a mapped range.
func (d *SimDriver) MemSetAccess(ptr DevicePtr, bytes int64, device int) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemSetAccess"); err != nil {
		return err
	}
	if err := d.validDeviceLocked("cuMemSetAccess", device); err != nil {
		return err
	}
	if _, mapped := d.mappings[ptr]; !mapped {
		return NewDriverError("cuMemSetAccess", ErrorNotMapped)
	}
	d.access[ptr] = device
	return nil
}

// MemUnmap unmaps a mapped range.
func (d *SimDriver) MemUnmap(ptr DevicePtr, bytes int64) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemUnmap"); err != nil {
		return err
	}
	if _, mapped := d.mappings[ptr]; !mapped {
		return NewDriverError("cuMemUnmap", ErrorNotMapped)
	}
	delete(d.mappings, ptr)
	delete(d.access, ptr)
	return nil
}

// MemRelease releases a physical allocation.
func (d *SimDriver) MemRelease(handle MemHandle) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemRelease"); err != nil {
		return err
	}
	alloc, ok := d.handles[handle]
	if !ok {
		return NewDriverError("cuMemRelease", ErrorInvalidHandle)
	}
	d.devices[alloc.device].used -= int64(len(alloc.buf))
	delete(d.handles, handle)
	return nil
}

// ExportToFD exports a physical allocation as a fake file descriptor.
func (d *SimDriver) ExportToFD(handle MemHandle) (int, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemExportToShareableHandle"); err != nil {
		return -1, err
	}
	if _, ok := d.handles[handle]; !ok {
		return -1, NewDriverError("cuMemExportToShareableHandle", ErrorInvalidHandle)
	}
	fd := d.nextFD
	d.nextFD++
	return fd, nil
}

// MemGetInfo returns free and total memory of the current device.
func (d *SimDriver) MemGetInfo() (int64, int64, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemGetInfo"); err != nil {
		return 0, 0, err
	}
	if d.current < 0 {
		return 0, 0, NewDriverError("cuMemGetInfo", ErrorInvalidContext)
	}
	dev := d.devices[d.current]
	return dev.attrs.GlobalMemory - dev.used, dev.attrs.GlobalMemory, nil
}

// resolveLocked locates the mapped backing slice for [ptr, ptr+bytes).
// The range must be fully contained within one mapping.
func (d *SimDriver) resolveLocked(op string, ptr DevicePtr, bytes int64) ([]byte, error) {
	for base, m := range d.mappings {
		if ptr >= base && int64(ptr-base)+bytes <= m.bytes {
			alloc, ok := d.handles[m.handle]
			if !ok {
				return nil, NewDriverError(op, ErrorInvalidHandle)
			}
			offset := int64(ptr - base)
			return alloc.buf[offset : offset+bytes], nil
		}
	}
	return nil, NewDriverError(op, ErrorInvalidValue)
}

// MemcpyHtoD copies host bytes to device memory.
func (d *SimDriver) MemcpyHtoD(dst DevicePtr, src []byte) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemcpyHtoD"); err != nil {
		return err
	}
	buf, err := d.resolveLocked("cuMemcpyHtoD", dst, int64(len(src)))
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

// MemcpyDtoH copies device memory to host bytes.
func (d *SimDriver) MemcpyDtoH(dst []byte, src DevicePtr) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemcpyDtoH"); err != nil {
		return err
	}
	buf, err := d.resolveLocked("cuMemcpyDtoH", src, int64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

// MemcpyDtoD copies between two device ranges.
func (d *SimDriver) MemcpyDtoD(dst, src DevicePtr, bytes int64) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemcpyDtoD"); err != nil {
		return err
	}
	srcBuf, err := d.resolveLocked("cuMemcpyDtoD", src, bytes)
	if err != nil {
		return err
	}
	dstBuf, err := d.resolveLocked("cuMemcpyDtoD", dst, bytes)
	if err != nil {
		return err
	}
	copy(dstBuf, srcBuf)
	return nil
}

// MemcpyPeer copies between devices. The simulated backing is host memory so
// the copy itself is device-agnostic.
func (d *SimDriver) MemcpyPeer(dst DevicePtr, dstDevice int, src DevicePtr, srcDevice int, bytes int64) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemcpyPeer"); err != nil {
		return err
	}
	if err := d.validDeviceLocked("cuMemcpyPeer", dstDevice); err != nil {
		return err
	}
	if err := d.validDeviceLocked("cuMemcpyPeer", srcDevice); err != nil {
		return err
	}
	srcBuf, err := d.resolveLocked("cuMemcpyPeer", src, bytes)
	if err != nil {
		return err
	}
	dstBuf, err := d.resolveLocked("cuMemcpyPeer", dst, bytes)
	if err != nil {
		return err
	}
	copy(dstBuf, srcBuf)
	return nil
}

// MemcpyHtoDAsync behaves synchronously in simulation.
func (d *SimDriver) MemcpyHtoDAsync(dst DevicePtr, src []byte, stream Stream) error {
	return d.MemcpyHtoD(dst, src)
}

// MemcpyDtoHAsync behaves synchronously in simulation.
func (d *SimDriver) MemcpyDtoHAsync(dst []byte, src DevicePtr, stream Stream) error {
	return d.MemcpyDtoH(dst, src)
}

// MemcpyDtoDAsync behaves synchronously in simulation.
func (d *SimDriver) MemcpyDtoDAsync(dst, src DevicePtr, bytes int64, stream Stream) error {
	return d.MemcpyDtoD(dst, src, bytes)
}

// MemsetD8 fills a device range with a byte value.
func (d *SimDriver) MemsetD8(ptr DevicePtr, value byte, bytes int64) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuMemsetD8"); err != nil {
		return err
	}
	buf, err := d.resolveLocked("cuMemsetD8", ptr, bytes)
	if err != nil {
		return err
	}
	for i := range buf {
		buf[i] = value
	}
	return nil
}

// MemsetD8Async behaves synchronously in simulation.
func (d *SimDriver) MemsetD8Async(ptr DevicePtr, value byte, bytes int64, stream Stream) error {
	return d.MemsetD8(ptr, value, bytes)
}

// ModuleLoadData loads a PTX image. The image must carry a PTX version
// directive, matching the driver's front-end validation.
func (d *SimDriver) ModuleLoadData(image []byte) (Module, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuModuleLoadData"); err != nil {
		return 0, err
	}
	if len(image) == 0 || !strings.Contains(string(image), ".version") {
		return 0, NewDriverError("cuModuleLoadData", ErrorInvalidImage)
	}
	module := d.nextModule
	d.nextModule++
	d.modules[module] = image
	return module, nil
}

// ModuleUnload unloads a loaded module.
func (d *SimDriver) ModuleUnload(module Module) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuModuleUnload"); err != nil {
		return err
	}
	if _, ok := d.modules[module]; !ok {
		return NewDriverError("cuModuleUnload", ErrorNotFound)
	}
	delete(d.modules, module)
	return nil
}

// ModuleImage returns the image a module was loaded from. Test hook.
func (d *SimDriver) ModuleImage(module Module) []byte {
	d.Lock()
	defer d.Unlock()
	return d.modules[module]
}

// StreamCreate creates a stream.
func (d *SimDriver) StreamCreate() (Stream, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuStreamCreate"); err != nil {
		return 0, err
	}
	stream := d.nextStream
	d.nextStream++
	d.streams[stream] = true
	return stream, nil
}

// StreamSynchronize is a no-op in simulation.
func (d *SimDriver) StreamSynchronize(stream Stream) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuStreamSynchronize"); err != nil {
		return err
	}
	if stream != NullStream && !d.streams[stream] {
		return NewDriverError("cuStreamSynchronize", ErrorInvalidHandle)
	}
	return nil
}

// StreamDestroy destroys a stream.
func (d *SimDriver) StreamDestroy(stream Stream) error {
	d.Lock()
	defer d.Unlock()
	if err := d.checkLocked("cuStreamDestroy"); err != nil {
		return err
	}
	if !d.streams[stream] {
		return NewDriverError("cuStreamDestroy", ErrorInvalidHandle)
	}
	delete(d.streams, stream)
	return nil
}

// ProfilerStart is a no-op in simulation.
func (d *SimDriver) ProfilerStart() error {
	d.Lock()
	defer d.Unlock()
	return d.checkLocked("cuProfilerStart")
}

// ProfilerStop is a no-op in simulation.
func (d *SimDriver) ProfilerStop() error {
	d.Lock()
	defer d.Unlock()
	return d.checkLocked("cuProfilerStop")
}
