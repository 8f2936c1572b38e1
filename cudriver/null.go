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

// nullDriver is the no-op backend used when no GPU driver is present. It
// reports zero devices; every other operation fails with ErrorNoDevice.
type nullDriver struct{}

// NewNullDriver returns the zero-device backend.
func NewNullDriver() Driver {
	return nullDriver{}
}

func (nullDriver) DeviceCount() (int, error) { return 0, nil }

func (nullDriver) DeviceAttributes(device int) (DeviceAttributes, error) {
	return DeviceAttributes{}, NewDriverError("cuDeviceGetAttribute", ErrorNoDevice)
}

func (nullDriver) CreateContext(device int) error {
	return NewDriverError("cuCtxCreate", ErrorNoDevice)
}

func (nullDriver) DestroyContext(device int) error {
	return NewDriverError("cuCtxDestroy", ErrorNoDevice)
}

func (nullDriver) SetContext(device int) error {
	return NewDriverError("cuCtxSetCurrent", ErrorNoDevice)
}

func (nullDriver) GetContext() (int, error) {
	return -1, NewDriverError("cuCtxGetCurrent", ErrorNoDevice)
}

func (nullDriver) Synchronize() error {
	return NewDriverError("cuCtxSynchronize", ErrorNoDevice)
}

func (nullDriver) MemAddressReserve(bytes, granularity int64) (DevicePtr, error) {
	return 0, NewDriverError("cuMemAddressReserve", ErrorNoDevice)
}

func (nullDriver) MemAddressFree(ptr DevicePtr, bytes int64) error {
	return NewDriverError("cuMemAddressFree", ErrorNoDevice)
}

func (nullDriver) MemCreate(bytes int64, device int) (MemHandle, error) {
	return 0, NewDriverError("cuMemCreate", ErrorNoDevice)
}

func (nullDriver) MemMap(ptr DevicePtr, bytes int64, handle MemHandle) error {
	return NewDriverError("cuMemMap", ErrorNoDevice)
}

func (nullDriver) MemSetAccess(ptr DevicePtr, bytes int64, device int) error {
	return NewDriverError("cuMemSetAccess", ErrorNoDevice)
}

func (nullDriver) MemUnmap(ptr DevicePtr, bytes int64) error {
	return NewDriverError("cuMemUnmap", ErrorNoDevice)
}

func (nullDriver) MemRelease(handle MemHandle) error {
	return NewDriverError("cuMemRelease", ErrorNoDevice)
}

func (nullDriver) ExportToFD(handle MemHandle) (int, error) {
	return -1, NewDriverError("cuMemExportToShareableHandle", ErrorNoDevice)
}

func (nullDriver) MemGetInfo() (int64, int64, error) {
	return 0, 0, NewDriverError("cuMemGetInfo", ErrorNoDevice)
}

func (nullDriver) MemcpyHtoD(dst DevicePtr, src []byte) error {
	return NewDriverError("cuMemcpyHtoD", ErrorNoDevice)
}

func (nullDriver) MemcpyDtoH(dst []byte, src DevicePtr) error {
	return NewDriverError("cuMemcpyDtoH", ErrorNoDevice)
}

func (nullDriver) MemcpyDtoD(dst, src DevicePtr, bytes int64) error {
	return NewDriverError("cuMemcpyDtoD", ErrorNoDevice)
}

func (nullDriver) MemcpyPeer(dst DevicePtr, dstDevice int, src DevicePtr, srcDevice int, bytes int64) error {
	return NewDriverError("cuMemcpyPeer", ErrorNoDevice)
}

func (nullDriver) MemcpyHtoDAsync(dst DevicePtr, src []byte, stream Stream) error {
	return NewDriverError("cuMemcpyHtoDAsync", ErrorNoDevice)
}

func (nullDriver) MemcpyDtoHAsync(dst []byte, src DevicePtr, stream Stream) error {
	return NewDriverError("cuMemcpyDtoHAsync", ErrorNoDevice)
}

func (nullDriver) MemcpyDtoDAsync(dst, src DevicePtr, bytes int64, stream Stream) error {
	return NewDriverError("cuMemcpyDtoDAsync", ErrorNoDevice)
}

func (nullDriver) MemsetD8(ptr DevicePtr, value byte, bytes int64) error {
	return NewDriverError("cuMemsetD8", ErrorNoDevice)
}

func (nullDriver) MemsetD8Async(ptr DevicePtr, value byte, bytes int64, stream Stream) error {
	return NewDriverError("cuMemsetD8Async", ErrorNoDevice)
}

func (nullDriver) ModuleLoadData(image []byte) (Module, error) {
	return 0, NewDriverError("cuModuleLoadData", ErrorNoDevice)
}

func (nullDriver) ModuleUnload(module Module) error {
	return NewDriverError("cuModuleUnload", ErrorNoDevice)
}

func (nullDriver) StreamCreate() (Stream, error) {
	return 0, NewDriverError("cuStreamCreate", ErrorNoDevice)
}

func (nullDriver) StreamSynchronize(stream Stream) error {
	return NewDriverError("cuStreamSynchronize", ErrorNoDevice)
}

func (nullDriver) StreamDestroy(stream Stream) error {
	return NewDriverError("cuStreamDestroy", ErrorNoDevice)
}

func (nullDriver) ProfilerStart() error {
	return NewDriverError("cuProfilerStart", ErrorNoDevice)
}

func (nullDriver) ProfilerStop() error {
	return NewDriverError("cuProfilerStop", ErrorNoDevice)
}
