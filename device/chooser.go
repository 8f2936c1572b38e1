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
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/magmadb/magma/common"
	"github.com/magmadb/magma/utils"
)

const (
	defaultDeviceUtilization = 1
	defaultChoosingTimeout   = 10
)

// DeviceInfo tracks per-device query admission bookkeeping.
type DeviceInfo struct {
	// relative device number
	DeviceNum int `json:"deviceNum"`
	// number of queries being served by device
	QueryCount int `json:"queryCount"`
	// device capacity usable for queries
	TotalAvailableMemory int64 `json:"totalAvailableMemory"`
	// currently unreserved capacity
	FreeMemory int64 `json:"totalFreeMemory"`
	// reservation per admitted query
	QueryMemoryUsageMap map[interface{}]int64 `json:"-"`
}

// reportMemoryUsage reports the reserved memory of the device. Caller must
// hold the chooser lock.
func (info *DeviceInfo) reportMemoryUsage() {
	utils.GetRootReporter().GetChildGauge(map[string]string{
		"device": strconv.Itoa(info.DeviceNum),
	}, utils.EstimatedDeviceMemory).Update(
		float64(info.TotalAvailableMemory - info.FreeMemory))
}

// deviceChooseStrategy defines the interface to choose an available device
// for a specific query.
type deviceChooseStrategy interface {
	chooseDevice(requiredMem int64) int
}

// deviceChooser assigns queries to devices: it tracks per-device query count
// and reserved memory, admits a query when a device has enough free memory,
// and blocks admission (up to a timeout) when all devices are busy.
type deviceChooser struct {
	sync.Mutex
	deviceInfos        []*DeviceInfo
	timeout            int
	maxAvailableMemory int64
	deviceAvailable    *sync.Cond
	strategy           deviceChooseStrategy
}

func newDeviceChooser(mgr *Manager, cfg common.DeviceConfig) *deviceChooser {
	utilization := cfg.DeviceMemoryUtilization
	if utilization <= 0 || utilization > 1 {
		utils.GetLogger().With("deviceMemoryUtilization", utilization).
			Error("Invalid deviceMemoryUtilization config, setting to default")
		utilization = defaultDeviceUtilization
	}

	timeout := cfg.DeviceChoosingTimeout
	if timeout <= 0 {
		utils.GetLogger().With("timeout", timeout).
			Error("Invalid timeout config, setting to default")
		timeout = defaultChoosingTimeout
	}

	chooser := &deviceChooser{timeout: timeout}
	for dev := 0; dev < mgr.DeviceCount(); dev++ {
		available := int64(float32(mgr.Properties(dev).GlobalMemory) * utilization)
		chooser.deviceInfos = append(chooser.deviceInfos, &DeviceInfo{
			DeviceNum:            dev,
			TotalAvailableMemory: available,
			FreeMemory:           available,
			QueryMemoryUsageMap:  make(map[interface{}]int64),
		})
		if available >= chooser.maxAvailableMemory {
			chooser.maxAvailableMemory = available
		}
	}
	chooser.strategy = leastQueryCountAndMemoryStrategy{chooser: chooser}
	chooser.deviceAvailable = sync.NewCond(chooser)
	return chooser
}

// FindDevice finds a device to run a given query, waiting up to the
// choosing timeout for memory to free up. Returns -1 when no device can
// satisfy the requirement.
func (m *Manager) FindDevice(query interface{}, requiredMem int64, preferredDevice int, timeout int) int {
	return m.chooser.findDeviceWithTimeout(query, requiredMem, preferredDevice, timeout)
}

// ReleaseReservedMemory returns a query's reservation to its device.
func (m *Manager) ReleaseReservedMemory(device int, query interface{}) {
	m.chooser.release(device, query)
}

func (c *deviceChooser) findDeviceWithTimeout(query interface{}, requiredMem int64, preferredDevice int, timeout int) int {
	if requiredMem > c.maxAvailableMemory {
		utils.GetQueryLogger().With(
			"requiredMem", requiredMem,
			"preferredDevice", preferredDevice,
			"maxAvailableMem", c.maxAvailableMemory,
		).Warn("exceeds max memory")
		return -1
	}

	// no timeout passed by request, using the configured default
	if timeout <= 0 {
		timeout = c.timeout
	}
	timeoutDuration := time.Duration(timeout) * time.Second

	start := utils.Now()
	c.Lock()
	device := -1
	for {
		if utils.Now().Sub(start) >= timeoutDuration {
			utils.GetQueryLogger().With(
				"requiredMem", requiredMem,
				"preferredDevice", preferredDevice,
				"timeout", timeout,
			).Error("Timeout when choosing the device for the query")
			break
		}

		device = c.findDevice(query, requiredMem, preferredDevice)
		if device >= 0 {
			break
		}
		c.deviceAvailable.Wait()
	}
	c.Unlock()
	utils.GetRootReporter().GetTimer(utils.QueryWaitForMemoryDuration).Record(utils.Now().Sub(start))
	return device
}

// findDevice picks a device per strategy and reserves the memory. Caller
// must hold the lock.
func (c *deviceChooser) findDevice(query interface{}, requiredMem int64, preferredDevice int) int {
	candidateDevice := -1

	// try to honor the preferred device if it meets requirements
	if preferredDevice >= 0 && preferredDevice < len(c.deviceInfos) &&
		c.deviceInfos[preferredDevice].FreeMemory >= requiredMem {
		candidateDevice = preferredDevice
	}

	if candidateDevice < 0 {
		candidateDevice = c.strategy.chooseDevice(requiredMem)
	}
	if candidateDevice < 0 {
		return candidateDevice
	}

	info := c.deviceInfos[candidateDevice]
	info.QueryCount++
	info.QueryMemoryUsageMap[query] = requiredMem
	info.FreeMemory -= requiredMem
	info.reportMemoryUsage()

	utils.GetLogger().Debugf("Assigned device '%d' for query", candidateDevice)
	return candidateDevice
}

func (c *deviceChooser) release(device int, query interface{}) {
	if device < 0 || device >= len(c.deviceInfos) {
		return
	}

	c.Lock()
	defer c.Unlock()
	info := c.deviceInfos[device]
	usage, ok := info.QueryMemoryUsageMap[query]
	if ok {
		utils.GetLogger().Debugf("Freed %d bytes of reserved memory on device %d", usage, device)
		info.FreeMemory += usage
		info.reportMemoryUsage()
		delete(info.QueryMemoryUsageMap, query)
		info.QueryCount--
		c.deviceAvailable.Broadcast()
	}
}

// leastQueryCountAndMemoryStrategy picks the device with the least query
// count, breaking ties by least free memory that still satisfies the
// requirement.
type leastQueryCountAndMemoryStrategy struct {
	chooser *deviceChooser
}

func (s leastQueryCountAndMemoryStrategy) chooseDevice(requiredMem int64) int {
	candidateDevice := -1
	leastMemory := int64(math.MaxInt64)
	leastQueryCount := int(math.MaxInt32)
	for device, info := range s.chooser.deviceInfos {
		if info.FreeMemory >= requiredMem && (info.QueryCount < leastQueryCount ||
			(info.QueryCount == leastQueryCount && info.FreeMemory <= leastMemory)) {
			candidateDevice = device
			leastQueryCount = info.QueryCount
			leastMemory = info.FreeMemory
		}
	}
	return candidateDevice
}
