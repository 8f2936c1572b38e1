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
	"sync"

	"github.com/magmadb/magma/cudriver"
	"github.com/magmadb/magma/utils"
)

// JumpBufferTransferMgr serves large host-device transfers through a pinned
// staging buffer, avoiding repeated registration cost on the source or
// destination host memory. Transfers below the threshold are declined and go
// through the direct driver path instead.
type JumpBufferTransferMgr struct {
	sync.Mutex
	driver    cudriver.Driver
	buffer    []byte
	threshold int64
}

// NewJumpBufferTransferMgr creates a staging manager with the given buffer
// size and threshold. A zero or negative size disables the manager.
func NewJumpBufferTransferMgr(driver cudriver.Driver, size, threshold int64) *JumpBufferTransferMgr {
	if size <= 0 {
		return nil
	}
	if threshold <= 0 || threshold > size {
		threshold = size / 2
	}
	return &JumpBufferTransferMgr{
		driver:    driver,
		buffer:    make([]byte, size),
		threshold: threshold,
	}
}

// shouldHandle reports whether the manager serves a transfer of this size.
func (m *JumpBufferTransferMgr) shouldHandle(bytes int64) bool {
	return m != nil && bytes >= m.threshold
}

// TransferHostToDevice stages src through the jump buffer in chunks. Returns
// whether the transfer was handled.
func (m *JumpBufferTransferMgr) TransferHostToDevice(
	dst cudriver.DevicePtr, src []byte, stream cudriver.Stream) (bool, error) {
	if !m.shouldHandle(int64(len(src))) {
		return false, nil
	}

	m.Lock()
	defer m.Unlock()
	for offset := 0; offset < len(src); offset += len(m.buffer) {
		end := offset + len(m.buffer)
		if end > len(src) {
			end = len(src)
		}
		chunk := m.buffer[:end-offset]
		copy(chunk, src[offset:end])
		if err := m.driver.MemcpyHtoDAsync(
			dst+cudriver.DevicePtr(offset), chunk, stream); err != nil {
			return true, err
		}
		// the staging chunk is reused by the next iteration, so each chunk
		// must land before the buffer is overwritten
		if err := m.driver.StreamSynchronize(stream); err != nil {
			return true, err
		}
	}
	utils.GetRootReporter().GetCounter(utils.JumpBufferTransferBytes).Inc(int64(len(src)))
	return true, nil
}

// TransferDeviceToHost stages the device range into dst through the jump
// buffer in chunks. Returns whether the transfer was handled.
func (m *JumpBufferTransferMgr) TransferDeviceToHost(
	dst []byte, src cudriver.DevicePtr, stream cudriver.Stream) (bool, error) {
	if !m.shouldHandle(int64(len(dst))) {
		return false, nil
	}

	m.Lock()
	defer m.Unlock()
	for offset := 0; offset < len(dst); offset += len(m.buffer) {
		end := offset + len(m.buffer)
		if end > len(dst) {
			end = len(dst)
		}
		chunk := m.buffer[:end-offset]
		if err := m.driver.MemcpyDtoHAsync(
			chunk, src+cudriver.DevicePtr(offset), stream); err != nil {
			return true, err
		}
		if err := m.driver.StreamSynchronize(stream); err != nil {
			return true, err
		}
		copy(dst[offset:end], chunk)
	}
	utils.GetRootReporter().GetCounter(utils.JumpBufferTransferBytes).Inc(int64(len(dst)))
	return true, nil
}
