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

package utils

import "unsafe"

const (
	murmur3C1_32 uint32 = 0xcc9e2d51
	murmur3C2_32 uint32 = 0x1b873593
)

// Murmur3Sum32 implements Murmur3Sum32 hash algorithm
func Murmur3Sum32(key unsafe.Pointer, bytes int, seed uint32) uint32 {
	h1 := seed

	nblocks := bytes / 4
	p := key
	for i := 0; i < nblocks; i++ {
		k1 := *(*uint32)(p)
		p = unsafe.Add(p, 4)

		k1 *= murmur3C1_32
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= murmur3C2_32

		h1 ^= k1
		h1 = (h1 << 13) | (h1 >> 19)
		h1 = h1*5 + 0xe6546b64
	}

	tailBytes := bytes - nblocks*4
	tail := p

	var k1 uint32
	switch tailBytes & 3 {
	case 3:
		k1 ^= uint32(*(*uint8)(unsafe.Add(tail, 2))) << 16
		fallthrough
	case 2:
		k1 ^= uint32(*(*uint8)(unsafe.Add(tail, 1))) << 8
		fallthrough
	case 1:
		k1 ^= uint32(*(*uint8)(tail))
		k1 *= murmur3C1_32
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= murmur3C2_32
		h1 ^= k1
	}

	h1 ^= uint32(bytes)

	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16

	return h1
}

// Murmur3Sum32Bytes hashes a byte slice with Murmur3Sum32.
func Murmur3Sum32Bytes(data []byte, seed uint32) uint32 {
	if len(data) == 0 {
		return Murmur3Sum32(nil, 0, seed)
	}
	return Murmur3Sum32(unsafe.Pointer(&data[0]), len(data), seed)
}
