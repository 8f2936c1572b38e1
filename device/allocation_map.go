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
	"github.com/emirpasic/gods/maps/treemap"
	godsutils "github.com/emirpasic/gods/utils"
	"github.com/magmadb/magma/cudriver"
	"github.com/magmadb/magma/utils"
	uuid "github.com/satori/go.uuid"
)

// DeviceAllocation records one live device virtual-memory reservation.
type DeviceAllocation struct {
	// base device address of the mapped range
	BasePtr cudriver.DevicePtr
	// reservation size after granularity padding
	PaddedSize int64
	// opaque handle owning the physical backing
	Handle cudriver.MemHandle
	// UUID of the owning device
	UUID uuid.UUID
	// relative device number
	DeviceNum int
	// whether this is a large pool backing rather than a per-buffer allocation
	IsSlab bool
}

// Contains reports whether [ptr, ptr+bytes] lies fully within the allocation.
func (a DeviceAllocation) Contains(ptr cudriver.DevicePtr, bytes int64) bool {
	return ptr >= a.BasePtr &&
		int64(ptr-a.BasePtr)+bytes <= a.PaddedSize
}

// DeviceAllocationMap is an ordered map of live device allocations keyed by
// base device address. For any live device pointer P there is exactly one
// entry [base, base+size) containing P. Not internally synchronized; the
// device manager's mutex guards all access.
type DeviceAllocationMap struct {
	allocations *treemap.Map
}

// NewDeviceAllocationMap creates an empty allocation map.
func NewDeviceAllocationMap() *DeviceAllocationMap {
	return &DeviceAllocationMap{
		allocations: treemap.NewWith(godsutils.UInt64Comparator),
	}
}

// Insert records a new allocation. The base address must not already be
// present.
func (m *DeviceAllocationMap) Insert(alloc DeviceAllocation) error {
	if _, found := m.allocations.Get(uint64(alloc.BasePtr)); found {
		return utils.StackError(nil,
			"device allocation at base %#x already tracked", alloc.BasePtr)
	}
	m.allocations.Put(uint64(alloc.BasePtr), alloc)
	return nil
}

// FindBase looks up an allocation whose base address equals ptr.
func (m *DeviceAllocationMap) FindBase(ptr cudriver.DevicePtr) (DeviceAllocation, bool) {
	value, found := m.allocations.Get(uint64(ptr))
	if !found {
		return DeviceAllocation{}, false
	}
	return value.(DeviceAllocation), true
}

// FindContaining locates the allocation fully containing [ptr, ptr+bytes].
func (m *DeviceAllocationMap) FindContaining(ptr cudriver.DevicePtr, bytes int64) (DeviceAllocation, bool) {
	_, value := m.allocations.Floor(uint64(ptr))
	if value == nil {
		return DeviceAllocation{}, false
	}
	alloc := value.(DeviceAllocation)
	if !alloc.Contains(ptr, bytes) {
		return DeviceAllocation{}, false
	}
	return alloc, true
}

// Remove deletes the allocation with the given base address and returns it.
func (m *DeviceAllocationMap) Remove(ptr cudriver.DevicePtr) (DeviceAllocation, bool) {
	alloc, found := m.FindBase(ptr)
	if !found {
		return DeviceAllocation{}, false
	}
	m.allocations.Remove(uint64(ptr))
	return alloc, true
}

// Size returns the number of live allocations.
func (m *DeviceAllocationMap) Size() int {
	return m.allocations.Size()
}

// Each visits every live allocation in base-address order.
func (m *DeviceAllocationMap) Each(f func(alloc DeviceAllocation)) {
	m.allocations.Each(func(key, value interface{}) {
		f(value.(DeviceAllocation))
	})
}
