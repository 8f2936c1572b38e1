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

package device

import (
	"strconv"
	"sync"

	"github.com/magmadb/magma/common"
	"github.com/magmadb/magma/cudriver"
	"github.com/magmadb/magma/utils"
)

// DeviceProperties is the immutable per-device record captured at startup.
type DeviceProperties struct {
	cudriver.DeviceAttributes
	// relative device number
	DeviceNum int
	// hardware generation derived from the compute capability
	Arch Arch
}

// MemoryUsage is one device's free/total memory probe result.
type MemoryUsage struct {
	Free  int64 `json:"free"`
	Total int64 `json:"total"`
}

// Manager encapsulates all driver interaction. Device-local operations are
// indexed by relative device number. One mutex guards the allocation map,
// allocation attempts and free sequences; copies acquire it only for map
// lookups.
type Manager struct {
	mutex  sync.Mutex
	driver cudriver.Driver

	properties    []DeviceProperties
	allocationMap *DeviceAllocationMap
	jumpBufferMgr *JumpBufferTransferMgr
	memoryUsage   []int64

	minSharedMemPerBlock   int64
	minMultiProcessorCount int

	chooser *deviceChooser
	closed  bool
}

// NewManager probes all devices, creates one context per device and captures
// the property inventory. If context creation for device d fails after
// creating contexts 0..d-1, the already created contexts are destroyed
// before the error propagates.
func NewManager(driver cudriver.Driver, cfg common.DeviceConfig) (*Manager, error) {
	count, err := driver.DeviceCount()
	if err != nil {
		return nil, utils.StackError(err, "failed to probe device count")
	}

	mgr := &Manager{
		driver:        driver,
		allocationMap: NewDeviceAllocationMap(),
		memoryUsage:   make([]int64, count),
	}

	for dev := 0; dev < count; dev++ {
		if err = driver.CreateContext(dev); err != nil {
			for created := dev - 1; created >= 0; created-- {
				if destroyErr := driver.DestroyContext(created); destroyErr != nil {
					utils.GetLogger().With("device", created, "error", destroyErr).
						Error("Failed to destroy context while unwinding")
				}
			}
			return nil, utils.StackError(err, "failed to create context for device %d", dev)
		}

		attrs, probeErr := driver.DeviceAttributes(dev)
		if probeErr != nil {
			for created := dev; created >= 0; created-- {
				driver.DestroyContext(created)
			}
			return nil, utils.StackError(probeErr, "failed to probe device %d", dev)
		}

		arch, archErr := ArchFromComputeCapability(attrs.ComputeMajor, attrs.ComputeMinor)
		if archErr != nil {
			for created := dev; created >= 0; created-- {
				driver.DestroyContext(created)
			}
			return nil, archErr
		}

		mgr.properties = append(mgr.properties, DeviceProperties{
			DeviceAttributes: attrs,
			DeviceNum:        dev,
			Arch:             arch,
		})
		utils.GetLogger().With(
			"device", dev,
			"name", attrs.Name,
			"uuid", attrs.UUID.String(),
			"arch", arch.String(),
			"globalMemory", attrs.GlobalMemory,
		).Info("Registered device")
	}

	for i, props := range mgr.properties {
		if i == 0 || props.SharedMemPerBlock < mgr.minSharedMemPerBlock {
			mgr.minSharedMemPerBlock = props.SharedMemPerBlock
		}
		if i == 0 || props.MultiProcessorCount < mgr.minMultiProcessorCount {
			mgr.minMultiProcessorCount = props.MultiProcessorCount
		}
	}

	mgr.jumpBufferMgr = NewJumpBufferTransferMgr(driver, cfg.JumpBufferSize, cfg.JumpBufferThreshold)
	mgr.chooser = newDeviceChooser(mgr, cfg)
	return mgr, nil
}

// DeviceCount returns the number of managed devices.
func (m *Manager) DeviceCount() int {
	return len(m.properties)
}

// Properties returns the immutable property record of a device.
func (m *Manager) Properties(device int) DeviceProperties {
	return m.properties[device]
}

// MinSharedMemPerBlock is the min-across-devices shared memory per block.
func (m *Manager) MinSharedMemPerBlock() int64 {
	return m.minSharedMemPerBlock
}

// MinMultiProcessorCount is the min-across-devices multiprocessor count.
func (m *Manager) MinMultiProcessorCount() int {
	return m.minMultiProcessorCount
}

// ComputePaddedBufferSize returns the smallest multiple of granularity that
// is greater than or equal to bytes.
func ComputePaddedBufferSize(bytes, granularity int64) int64 {
	if granularity <= 0 {
		return bytes
	}
	return (bytes + granularity - 1) / granularity * granularity
}

// SynchronizeDevices blocks until all pending work on every device
// completes.
func (m *Manager) SynchronizeDevices() error {
	for dev := range m.properties {
		if err := m.driver.SetContext(dev); err != nil {
			return err
		}
		if err := m.driver.Synchronize(); err != nil {
			return err
		}
	}
	return nil
}

// AllocateDeviceMem reserves a virtual address range padded to the device's
// granularity, creates a pinned physical backing of the same size, maps it
// and grants the device read/write access. Every successful allocation is
// tracked in the allocation map. On any driver failure the already completed
// steps are unwound in reverse order.
func (m *Manager) AllocateDeviceMem(bytes int64, device int, isSlab bool) (cudriver.DevicePtr, error) {
	if device < 0 || device >= len(m.properties) {
		return 0, utils.StackError(nil, "invalid device %d", device)
	}
	props := m.properties[device]
	padded := ComputePaddedBufferSize(bytes, props.AllocationGranularity)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.driver.SetContext(device); err != nil {
		return 0, err
	}

	ptr, err := m.driver.MemAddressReserve(padded, props.AllocationGranularity)
	if err != nil {
		return 0, err
	}

	handle, err := m.driver.MemCreate(padded, device)
	if err != nil {
		m.driver.MemAddressFree(ptr, padded)
		return 0, err
	}

	if err = m.driver.MemMap(ptr, padded, handle); err != nil {
		m.driver.MemRelease(handle)
		m.driver.MemAddressFree(ptr, padded)
		return 0, err
	}

	if err = m.driver.MemSetAccess(ptr, padded, device); err != nil {
		m.driver.MemUnmap(ptr, padded)
		m.driver.MemRelease(handle)
		m.driver.MemAddressFree(ptr, padded)
		return 0, err
	}

	if err = m.allocationMap.Insert(DeviceAllocation{
		BasePtr:    ptr,
		PaddedSize: padded,
		Handle:     handle,
		UUID:       props.UUID,
		DeviceNum:  device,
		IsSlab:     isSlab,
	}); err != nil {
		m.driver.MemUnmap(ptr, padded)
		m.driver.MemRelease(handle)
		m.driver.MemAddressFree(ptr, padded)
		return 0, err
	}

	m.memoryUsage[device] += padded
	m.reportDeviceMemory(device)
	return ptr, nil
}

// FreeDeviceMem unmaps, releases and frees the allocation whose base address
// is ptr, and removes its map entry. Driver errors on the individual
// teardown steps are logged and the sequence continues so the map entry is
// never leaked.
func (m *Manager) FreeDeviceMem(ptr cudriver.DevicePtr) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	alloc, found := m.allocationMap.Remove(ptr)
	if !found {
		return utils.StackError(nil, "pointer %#x is not the base of a live device allocation", ptr)
	}

	if err := m.driver.SetContext(alloc.DeviceNum); err != nil {
		utils.GetLogger().With("device", alloc.DeviceNum, "error", err).
			Error("Failed to bind context while freeing device memory")
	}
	if err := m.driver.MemUnmap(alloc.BasePtr, alloc.PaddedSize); err != nil {
		utils.GetLogger().With("base", alloc.BasePtr, "error", err).
			Error("Failed to unmap device allocation")
	}
	if err := m.driver.MemRelease(alloc.Handle); err != nil {
		utils.GetLogger().With("base", alloc.BasePtr, "error", err).
			Error("Failed to release device allocation handle")
	}
	if err := m.driver.MemAddressFree(alloc.BasePtr, alloc.PaddedSize); err != nil {
		utils.GetLogger().With("base", alloc.BasePtr, "error", err).
			Error("Failed to free device address reservation")
	}

	m.memoryUsage[alloc.DeviceNum] -= alloc.PaddedSize
	m.reportDeviceMemory(alloc.DeviceNum)
	return nil
}

// reportDeviceMemory publishes the allocated-bytes gauge for a device.
// Caller must hold the mutex.
func (m *Manager) reportDeviceMemory(device int) {
	utils.GetRootReporter().GetChildGauge(map[string]string{
		"device": strconv.Itoa(device),
	}, utils.AllocatedDeviceMemory).Update(float64(m.memoryUsage[device]))
	utils.GetRootReporter().GetGauge(utils.DeviceAllocationCount).
		Update(float64(m.allocationMap.Size()))
}

// resolveDevice locates the device owning [ptr, ptr+bytes] under the mutex.
func (m *Manager) resolveDevice(ptr cudriver.DevicePtr, bytes int64) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	alloc, found := m.allocationMap.FindContaining(ptr, bytes)
	if !found {
		return -1, utils.StackError(nil,
			"range [%#x, +%d) is not contained in a live device allocation", ptr, bytes)
	}
	return alloc.DeviceNum, nil
}

// GetDeviceNumFromDevicePtr reverse-looks-up the device owning the range
// [ptr, ptr+bytes]. The range must be fully contained within one live
// allocation.
func (m *Manager) GetDeviceNumFromDevicePtr(ptr cudriver.DevicePtr, bytes int64) (int, error) {
	return m.resolveDevice(ptr, bytes)
}

// CopyHostToDevice copies host bytes to device memory. The copy is
// semantically synchronous: when a stream is supplied the async variant is
// issued and the stream synchronized before returning. Large transfers may
// be served by the jump buffer manager.
func (m *Manager) CopyHostToDevice(dst cudriver.DevicePtr, src []byte, stream cudriver.Stream) error {
	device, err := m.resolveDevice(dst, int64(len(src)))
	if err != nil {
		return err
	}
	if err = m.driver.SetContext(device); err != nil {
		return err
	}

	handled, err := m.jumpBufferMgr.TransferHostToDevice(dst, src, stream)
	if handled {
		return err
	}

	if stream != cudriver.NullStream {
		if err = m.driver.MemcpyHtoDAsync(dst, src, stream); err != nil {
			return err
		}
		return m.driver.StreamSynchronize(stream)
	}
	if err = m.driver.MemcpyHtoD(dst, src); err != nil {
		return err
	}
	utils.GetRootReporter().GetCounter(utils.DeviceTransferBytes).Inc(int64(len(src)))
	return nil
}

// CopyDeviceToHost copies device memory to host bytes with the same
// synchronous-on-exit semantics as CopyHostToDevice.
func (m *Manager) CopyDeviceToHost(dst []byte, src cudriver.DevicePtr, stream cudriver.Stream) error {
	device, err := m.resolveDevice(src, int64(len(dst)))
	if err != nil {
		return err
	}
	if err = m.driver.SetContext(device); err != nil {
		return err
	}

	handled, err := m.jumpBufferMgr.TransferDeviceToHost(dst, src, stream)
	if handled {
		return err
	}

	if stream != cudriver.NullStream {
		if err = m.driver.MemcpyDtoHAsync(dst, src, stream); err != nil {
			return err
		}
		return m.driver.StreamSynchronize(stream)
	}
	if err = m.driver.MemcpyDtoH(dst, src); err != nil {
		return err
	}
	utils.GetRootReporter().GetCounter(utils.DeviceTransferBytes).Inc(int64(len(dst)))
	return nil
}

// CopyDeviceToDevice copies between device ranges. When the ranges live on
// distinct devices the driver's peer-copy primitive is used, binding both
// contexts.
func (m *Manager) CopyDeviceToDevice(dst, src cudriver.DevicePtr, bytes int64, stream cudriver.Stream) error {
	dstDevice, err := m.resolveDevice(dst, bytes)
	if err != nil {
		return err
	}
	srcDevice, err := m.resolveDevice(src, bytes)
	if err != nil {
		return err
	}

	if dstDevice != srcDevice {
		return m.driver.MemcpyPeer(dst, dstDevice, src, srcDevice, bytes)
	}

	if err = m.driver.SetContext(dstDevice); err != nil {
		return err
	}
	if stream != cudriver.NullStream {
		if err = m.driver.MemcpyDtoDAsync(dst, src, bytes, stream); err != nil {
			return err
		}
		return m.driver.StreamSynchronize(stream)
	}
	return m.driver.MemcpyDtoD(dst, src, bytes)
}

// ZeroDeviceMem zeroes a device range.
func (m *Manager) ZeroDeviceMem(ptr cudriver.DevicePtr, bytes int64, stream cudriver.Stream) error {
	return m.SetDeviceMem(ptr, 0, bytes, stream)
}

// SetDeviceMem fills a device range with a byte value.
func (m *Manager) SetDeviceMem(ptr cudriver.DevicePtr, value byte, bytes int64, stream cudriver.Stream) error {
	device, err := m.resolveDevice(ptr, bytes)
	if err != nil {
		return err
	}
	if err = m.driver.SetContext(device); err != nil {
		return err
	}
	if stream != cudriver.NullStream {
		if err = m.driver.MemsetD8Async(ptr, value, bytes, stream); err != nil {
			return err
		}
		return m.driver.StreamSynchronize(stream)
	}
	return m.driver.MemsetD8(ptr, value, bytes)
}

// LoadGpuModuleData loads a device code module onto a device.
func (m *Manager) LoadGpuModuleData(image []byte, device int) (cudriver.Module, error) {
	if err := m.driver.SetContext(device); err != nil {
		return 0, err
	}
	return m.driver.ModuleLoadData(image)
}

// UnloadGpuModuleData unloads a module from a device. The driver having been
// deinitialized first is tolerated; this is the normal shutdown order.
func (m *Manager) UnloadGpuModuleData(module cudriver.Module, device int) error {
	if err := m.driver.SetContext(device); err != nil {
		if cudriver.IsDeinitialized(err) {
			return nil
		}
		return err
	}
	if err := m.driver.ModuleUnload(module); err != nil {
		if cudriver.IsDeinitialized(err) {
			return nil
		}
		return err
	}
	return nil
}

// GetCudaMemoryUsage probes free/total memory per device, capturing and
// restoring the current context across the probe.
func (m *Manager) GetCudaMemoryUsage() ([]MemoryUsage, error) {
	previous, err := m.driver.GetContext()
	hadContext := err == nil

	usages := make([]MemoryUsage, len(m.properties))
	for dev := range m.properties {
		if err = m.driver.SetContext(dev); err != nil {
			return nil, err
		}
		free, total, probeErr := m.driver.MemGetInfo()
		if probeErr != nil {
			return nil, probeErr
		}
		usages[dev] = MemoryUsage{Free: free, Total: total}
	}

	if hadContext {
		if err = m.driver.SetContext(previous); err != nil {
			return nil, err
		}
	}
	return usages, nil
}

// ExportHandle exports the physical handle of the allocation based at ptr as
// a POSIX file descriptor for IPC.
func (m *Manager) ExportHandle(ptr cudriver.DevicePtr) (int, error) {
	m.mutex.Lock()
	alloc, found := m.allocationMap.FindBase(ptr)
	m.mutex.Unlock()
	if !found {
		return -1, utils.StackError(nil, "pointer %#x is not the base of a live device allocation", ptr)
	}
	if err := m.driver.SetContext(alloc.DeviceNum); err != nil {
		return -1, err
	}
	return m.driver.ExportToFD(alloc.Handle)
}

// AllocationCount returns the number of live tracked allocations.
func (m *Manager) AllocationCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.allocationMap.Size()
}

// Close synchronizes all devices, frees any live allocations and destroys
// the contexts. Driver-deinitialized errors are swallowed; other errors are
// logged and swallowed so shutdown never throws.
func (m *Manager) Close() {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}
	m.closed = true

	var bases []cudriver.DevicePtr
	m.allocationMap.Each(func(alloc DeviceAllocation) {
		bases = append(bases, alloc.BasePtr)
	})
	m.mutex.Unlock()

	if err := m.SynchronizeDevices(); err != nil && !cudriver.IsDeinitialized(err) {
		utils.GetLogger().With("error", err).Error("Failed to synchronize devices at shutdown")
	}

	for _, base := range bases {
		if err := m.FreeDeviceMem(base); err != nil {
			utils.GetLogger().With("base", base, "error", err).
				Error("Failed to free leaked device allocation at shutdown")
		}
	}

	for dev := range m.properties {
		if err := m.driver.DestroyContext(dev); err != nil && !cudriver.IsDeinitialized(err) {
			utils.GetLogger().With("device", dev, "error", err).
				Error("Failed to destroy device context at shutdown")
		}
	}
}
