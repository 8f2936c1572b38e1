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

package query

import (
	"sort"
	"sync"

	queryCom "github.com/magmadb/magma/query/common"
)

const arenaChunkSize = 1 << 20

// Arena is a bump allocator. It is not internally synchronized; the owner
// serializes access per kernel.
type Arena struct {
	chunks    [][]byte
	offset    int
	allocated int64
}

// Allocate returns a zeroed byte span of the requested size. Spans larger
// than the chunk size get a dedicated chunk.
func (a *Arena) Allocate(size int) []byte {
	a.allocated += int64(size)
	if size >= arenaChunkSize {
		chunk := make([]byte, size)
		// dedicated chunk goes behind the bump chunk so offset still refers
		// to the last element
		if len(a.chunks) == 0 {
			a.chunks = append(a.chunks, chunk)
			a.offset = size
			return chunk
		}
		last := len(a.chunks) - 1
		a.chunks = append(a.chunks[:last], chunk, a.chunks[last])
		return chunk
	}
	if len(a.chunks) == 0 || a.offset+size > len(a.chunks[len(a.chunks)-1]) {
		a.chunks = append(a.chunks, make([]byte, arenaChunkSize))
		a.offset = 0
	}
	chunk := a.chunks[len(a.chunks)-1]
	span := chunk[a.offset : a.offset+size]
	a.offset += size
	return span
}

// AllocatedBytes returns the total bytes handed out.
func (a *Arena) AllocatedBytes() int64 {
	return a.allocated
}

// StringDictProxy interns strings to ids for dictionary-encoded columns.
type StringDictProxy struct {
	mutex   sync.RWMutex
	ids     map[string]int32
	strings []string
}

// NewStringDictProxy creates an empty proxy.
func NewStringDictProxy() *StringDictProxy {
	return &StringDictProxy{ids: map[string]int32{}}
}

// GetOrAddId interns a string.
func (p *StringDictProxy) GetOrAddId(s string) int32 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if id, ok := p.ids[s]; ok {
		return id
	}
	id := int32(len(p.strings))
	p.ids[s] = id
	p.strings = append(p.strings, s)
	return id
}

// GetString resolves an id back to its string.
func (p *StringDictProxy) GetString(id int32) (string, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if id < 0 || int(id) >= len(p.strings) {
		return "", false
	}
	return p.strings[id], true
}

// CountDistinctSet is one count-distinct accumulator, bitmap or hash set
// backed depending on the descriptor.
type CountDistinctSet struct {
	descriptor queryCom.CountDistinctDescriptor
	bitmap     []byte
	set        map[int64]struct{}
}

func newCountDistinctSet(descriptor queryCom.CountDistinctDescriptor) *CountDistinctSet {
	s := &CountDistinctSet{descriptor: descriptor}
	if descriptor.Impl == queryCom.CountDistinctBitmap {
		s.bitmap = make([]byte, descriptor.BitmapSizeBytes)
	} else {
		s.set = map[int64]struct{}{}
	}
	return s
}

// Add records one value.
func (s *CountDistinctSet) Add(value int64) {
	if s.bitmap != nil {
		bit := value - s.descriptor.MinValue
		if bit >= 0 && bit < int64(len(s.bitmap))*8 {
			s.bitmap[bit/8] |= 1 << uint(bit%8)
		}
		return
	}
	s.set[value] = struct{}{}
}

// Count returns the number of distinct values recorded.
func (s *CountDistinctSet) Count() int64 {
	if s.bitmap != nil {
		var count int64
		for _, b := range s.bitmap {
			for ; b != 0; b &= b - 1 {
				count++
			}
		}
		return count
	}
	return int64(len(s.set))
}

// QuantileSketch accumulates values for approximate quantile targets.
type QuantileSketch struct {
	values []float64
	sorted bool
}

// Add records one value.
func (q *QuantileSketch) Add(value float64) {
	q.values = append(q.values, value)
	q.sorted = false
}

// Quantile returns the value at fraction f in [0, 1].
func (q *QuantileSketch) Quantile(f float64) (float64, bool) {
	if len(q.values) == 0 {
		return 0, false
	}
	if !q.sorted {
		sort.Float64s(q.values)
		q.sorted = true
	}
	idx := int(f * float64(len(q.values)-1))
	return q.values[idx], true
}

// ModeStorage tracks per-group value frequencies for MODE targets. The
// mutex stays even though current callers serialize; dropping it needs a
// measurement showing the contention is real.
type ModeStorage struct {
	mutex  sync.Mutex
	counts map[int64]int64
}

func newModeStorage() *ModeStorage {
	return &ModeStorage{counts: map[int64]int64{}}
}

// Add records one value occurrence.
func (m *ModeStorage) Add(value int64) {
	m.mutex.Lock()
	m.counts[value]++
	m.mutex.Unlock()
}

// Mode returns the most frequent value, ties broken by smallest value.
func (m *ModeStorage) Mode() (int64, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if len(m.counts) == 0 {
		return 0, false
	}
	var best int64
	var bestCount int64 = -1
	for value, count := range m.counts {
		if count > bestCount || (count == bestCount && value < best) {
			best = value
			bestCount = count
		}
	}
	return best, true
}

// RowSetMemoryOwner owns every allocation a result set's decoded values may
// reference: per-kernel arenas, varlen buffers, count-distinct sets, string
// dictionary proxies, quantile sketches and mode storages. A single state
// mutex guards the membership lists; the arenas themselves are not
// synchronized and are keyed by kernel index so each kernel allocates on
// its own arena.
type RowSetMemoryOwner struct {
	stateMutex sync.Mutex

	kernelAllocators map[int]*Arena
	varlenBuffers    [][]byte
	countDistinct    []*CountDistinctSet
	stringDicts      map[string]*StringDictProxy
	sketches         []*QuantileSketch
	modeStorages     []*ModeStorage
}

// NewRowSetMemoryOwner creates an empty owner.
func NewRowSetMemoryOwner() *RowSetMemoryOwner {
	return &RowSetMemoryOwner{
		kernelAllocators: map[int]*Arena{},
		stringDicts:      map[string]*StringDictProxy{},
	}
}

// setKernelMemoryAllocatorLocked is the unlocked helper for callers that
// already hold the state mutex.
func (o *RowSetMemoryOwner) setKernelMemoryAllocatorLocked(kernel int) *Arena {
	arena := o.kernelAllocators[kernel]
	if arena == nil {
		arena = &Arena{}
		o.kernelAllocators[kernel] = arena
	}
	return arena
}

// SetKernelMemoryAllocator returns the arena for a kernel index, creating
// it lazily.
func (o *RowSetMemoryOwner) SetKernelMemoryAllocator(kernel int) *Arena {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()
	return o.setKernelMemoryAllocatorLocked(kernel)
}

// Allocate hands out memory from a kernel's arena. The mutex is released
// before the arena call; only the membership lookup is guarded.
func (o *RowSetMemoryOwner) Allocate(kernel, size int) []byte {
	arena := o.SetKernelMemoryAllocator(kernel)
	return arena.Allocate(size)
}

// AddVarlenBuffer registers a varlen payload and returns the reference a
// result slot stores.
func (o *RowSetMemoryOwner) AddVarlenBuffer(payload []byte) int64 {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()
	o.varlenBuffers = append(o.varlenBuffers, payload)
	return int64(len(o.varlenBuffers) - 1)
}

// VarlenBuffer resolves a varlen slot reference.
func (o *RowSetMemoryOwner) VarlenBuffer(ref int64) []byte {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()
	if ref < 0 || ref >= int64(len(o.varlenBuffers)) {
		return nil
	}
	return o.varlenBuffers[ref]
}

// AddCountDistinctSet creates an accumulator and returns its reference.
func (o *RowSetMemoryOwner) AddCountDistinctSet(descriptor queryCom.CountDistinctDescriptor) (int64, *CountDistinctSet) {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()
	s := newCountDistinctSet(descriptor)
	o.countDistinct = append(o.countDistinct, s)
	return int64(len(o.countDistinct) - 1), s
}

// CountDistinctSetAt resolves a count-distinct reference.
func (o *RowSetMemoryOwner) CountDistinctSetAt(ref int64) *CountDistinctSet {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()
	if ref < 0 || ref >= int64(len(o.countDistinct)) {
		return nil
	}
	return o.countDistinct[ref]
}

// StringDictProxyFor returns the proxy for a dictionary name, creating it
// lazily.
func (o *RowSetMemoryOwner) StringDictProxyFor(name string) *StringDictProxy {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()
	proxy := o.stringDicts[name]
	if proxy == nil {
		proxy = NewStringDictProxy()
		o.stringDicts[name] = proxy
	}
	return proxy
}

// AddQuantileSketch creates a sketch and returns its reference.
func (o *RowSetMemoryOwner) AddQuantileSketch() (int64, *QuantileSketch) {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()
	sketch := &QuantileSketch{}
	o.sketches = append(o.sketches, sketch)
	return int64(len(o.sketches) - 1), sketch
}

// QuantileSketchAt resolves a sketch reference.
func (o *RowSetMemoryOwner) QuantileSketchAt(ref int64) *QuantileSketch {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()
	if ref < 0 || ref >= int64(len(o.sketches)) {
		return nil
	}
	return o.sketches[ref]
}

// AddModeStorage creates a mode accumulator and returns its reference.
func (o *RowSetMemoryOwner) AddModeStorage() (int64, *ModeStorage) {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()
	storage := newModeStorage()
	o.modeStorages = append(o.modeStorages, storage)
	return int64(len(o.modeStorages) - 1), storage
}

// ModeStorageAt resolves a mode storage reference.
func (o *RowSetMemoryOwner) ModeStorageAt(ref int64) *ModeStorage {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()
	if ref < 0 || ref >= int64(len(o.modeStorages)) {
		return nil
	}
	return o.modeStorages[ref]
}

// AllocatedBytes sums arena usage across kernels.
func (o *RowSetMemoryOwner) AllocatedBytes() int64 {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()
	var total int64
	for _, arena := range o.kernelAllocators {
		total += arena.AllocatedBytes()
	}
	return total
}
