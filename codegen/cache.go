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

package codegen

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/golang/snappy"

	"github.com/magmadb/magma/utils"
)

// Artifact is one cached compilation product. The textual artifact is kept
// snappy-compressed; CPU artifacts additionally carry their executable
// context.
type Artifact struct {
	compressed []byte
	CPU        *CompilationContext
}

// NewArtifact compresses the artifact text.
func NewArtifact(text []byte, cpu *CompilationContext) *Artifact {
	return &Artifact{compressed: snappy.Encode(nil, text), CPU: cpu}
}

// Text decompresses the artifact.
func (a *Artifact) Text() ([]byte, error) {
	text, err := snappy.Decode(nil, a.compressed)
	if err != nil {
		return nil, utils.StackError(err, "corrupt cached artifact")
	}
	return text, nil
}

// CompressedSize returns the cached byte footprint.
func (a *Artifact) CompressedSize() int {
	return len(a.compressed)
}

// CacheKey hashes one compilation's identity: the serialized IR of the
// query function, the row function, the optional filter function and every
// helper, plus the literal bindings hoisting will bake into the call site.
// When the module manages varlen buffers, generated code closes over the
// executor, so its address joins the key; sharing those closures across
// executors would be incorrect.
func CacheKey(state *CgenState, executorAddr int64) uint32 {
	var b bytes.Buffer
	for _, name := range state.roots() {
		if fn := state.Module.FindFunction(name); fn != nil {
			b.WriteString(SerializeFunction(fn))
		}
	}
	for _, lit := range state.Literals {
		b.WriteString(lit.Placeholder)
		b.WriteString("=")
		b.WriteString(lit.Literal.String())
		b.WriteString("\n")
	}
	if state.Module.Flags[ManageMemoryBufferFlag] == 1 {
		var addr [8]byte
		binary.LittleEndian.PutUint64(addr[:], uint64(executorAddr))
		b.Write(addr[:])
	}
	return utils.Murmur3Sum32Bytes(b.Bytes(), 0)
}

// CodeCache holds compiled artifacts keyed by compilation identity. On a
// device out-of-memory during artifact upload, callers evict a configured
// fraction of the cache once and retry.
type CodeCache struct {
	mutex         sync.Mutex
	entries       *linkedhashmap.Map
	capacity      int
	evictFraction float64
}

// NewCodeCache creates a cache holding at most capacity artifacts, with
// the eviction fraction applied on demand. Fraction values outside (0, 1]
// fall back to 0.3.
func NewCodeCache(capacity int, evictFraction float64) *CodeCache {
	if capacity <= 0 {
		capacity = 128
	}
	if evictFraction <= 0 || evictFraction > 1 {
		evictFraction = 0.3
	}
	return &CodeCache{
		entries:       linkedhashmap.New(),
		capacity:      capacity,
		evictFraction: evictFraction,
	}
}

// Get looks up an artifact, refreshing its recency on hit.
func (c *CodeCache) Get(key uint32) (*Artifact, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	value, ok := c.entries.Get(key)
	if !ok {
		utils.GetRootReporter().GetCounter(utils.CodeCacheMiss).Inc(1)
		return nil, false
	}
	// reinsertion moves the entry to the back of the eviction order
	c.entries.Remove(key)
	c.entries.Put(key, value)
	utils.GetRootReporter().GetCounter(utils.CodeCacheHit).Inc(1)
	return value.(*Artifact), true
}

// Put inserts an artifact, evicting the oldest entry when full.
func (c *CodeCache) Put(key uint32, artifact *Artifact) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.entries.Get(key); ok {
		c.entries.Remove(key)
	}
	for c.entries.Size() >= c.capacity {
		c.removeOldestLocked(1)
	}
	c.entries.Put(key, artifact)
	utils.GetRootReporter().GetGauge(utils.CodeCacheSize).Update(float64(c.entries.Size()))
}

// Size returns the number of cached artifacts.
func (c *CodeCache) Size() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.entries.Size()
}

// EvictFraction removes the oldest ceil(size * fraction) entries and
// returns how many were evicted.
func (c *CodeCache) EvictFraction() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	count := int(math.Ceil(float64(c.entries.Size()) * c.evictFraction))
	c.removeOldestLocked(count)
	utils.GetRootReporter().GetGauge(utils.CodeCacheSize).Update(float64(c.entries.Size()))
	return count
}

func (c *CodeCache) removeOldestLocked(count int) {
	it := c.entries.Iterator()
	var victims []interface{}
	for it.Next() && len(victims) < count {
		victims = append(victims, it.Key())
	}
	for _, key := range victims {
		c.entries.Remove(key)
	}
	if len(victims) > 0 {
		utils.GetRootReporter().GetCounter(utils.CodeCacheEviction).Inc(int64(len(victims)))
	}
}
