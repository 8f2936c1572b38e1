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

package common

import (
	"github.com/magmadb/magma/utils"
)

// QueryDescriptionType classifies the physical result buffer layout family.
type QueryDescriptionType int

// Supported description types.
const (
	NonGroupedAggregate QueryDescriptionType = iota
	Projection
	GroupByPerfectHash
	GroupByBaselineHash
	TableFunction
)

var queryDescriptionTypeNames = map[QueryDescriptionType]string{
	NonGroupedAggregate: "NonGroupedAggregate",
	Projection:          "Projection",
	GroupByPerfectHash:  "GroupByPerfectHash",
	GroupByBaselineHash: "GroupByBaselineHash",
	TableFunction:       "TableFunction",
}

func (t QueryDescriptionType) String() string {
	return queryDescriptionTypeNames[t]
}

// IsGroupBy reports whether the layout is one of the hashed group-by
// families.
func (t QueryDescriptionType) IsGroupBy() bool {
	return t == GroupByPerfectHash || t == GroupByBaselineHash
}

// QueryMemoryDescriptor defines the physical layout of a result buffer. The
// column offset formulas derived from it must be identical in generated code
// and in the columnarizer; both sides call the methods below.
//
// Columnar layout groups each key and slot into a contiguous column of
// EntryCount values:
//
//	[key0 column][key1 column]...[slot0 column][slot1 column]...
//
// Row-wise layout stores one row after another, keys first:
//
//	[keys..., slots...][keys..., slots...]...
type QueryMemoryDescriptor struct {
	QueryDescType QueryDescriptionType
	EntryCount    int
	// columnar vs row-wise output layout
	OutputColumnar bool
	// per-slot byte widths after padding
	PaddedSlotWidths []int
	// group-by key byte widths; empty for keyless and non-grouped layouts
	KeyWidths []int
	// group identity is implicit in row position; no key column is stored
	Keyless bool
	// bins are interleaved across warps in GPU shared memory
	InterleavedBins bool
	// aggregate in GPU shared memory before flushing to global
	SharedMemEnabled bool
	// element byte size of varlen output slots; zero when no varlen output
	VarlenOutputElemSize int
	// streaming top-n layout
	StreamingTopN bool
}

// KeyBytes returns the per-row byte count of the key prefix.
func (q *QueryMemoryDescriptor) KeyBytes() int {
	total := 0
	for _, width := range q.KeyWidths {
		total += width
	}
	return total
}

// RowSize returns the padded byte size of one result row.
func (q *QueryMemoryDescriptor) RowSize() int {
	total := q.KeyBytes()
	for _, width := range q.PaddedSlotWidths {
		total += width
	}
	return total
}

// BufferSize returns the byte size of a result buffer with EntryCount rows.
func (q *QueryMemoryDescriptor) BufferSize() int {
	return q.EntryCount * q.RowSize()
}

// SlotCount returns the number of slots per row.
func (q *QueryMemoryDescriptor) SlotCount() int {
	return len(q.PaddedSlotWidths)
}

// SlotOffsetInRow returns the byte offset of a slot inside one row-wise row.
func (q *QueryMemoryDescriptor) SlotOffsetInRow(slot int) int {
	offset := q.KeyBytes()
	for s := 0; s < slot; s++ {
		offset += q.PaddedSlotWidths[s]
	}
	return offset
}

// KeyOffsetInRow returns the byte offset of a key inside one row-wise row.
func (q *QueryMemoryDescriptor) KeyOffsetInRow(key int) int {
	offset := 0
	for k := 0; k < key; k++ {
		offset += q.KeyWidths[k]
	}
	return offset
}

// ColumnarSlotOffset returns the byte offset of entry 0 of a slot column in
// the columnar layout.
func (q *QueryMemoryDescriptor) ColumnarSlotOffset(slot int) int {
	offset := q.KeyBytes() * q.EntryCount
	for s := 0; s < slot; s++ {
		offset += q.PaddedSlotWidths[s] * q.EntryCount
	}
	return offset
}

// ColumnarKeyOffset returns the byte offset of entry 0 of a key column in
// the columnar layout.
func (q *QueryMemoryDescriptor) ColumnarKeyOffset(key int) int {
	offset := 0
	for k := 0; k < key; k++ {
		offset += q.KeyWidths[k] * q.EntryCount
	}
	return offset
}

// SlotAddr returns the byte offset of (entry, slot) in the buffer for the
// active layout.
func (q *QueryMemoryDescriptor) SlotAddr(entry, slot int) int {
	if q.OutputColumnar {
		return q.ColumnarSlotOffset(slot) + entry*q.PaddedSlotWidths[slot]
	}
	return entry*q.RowSize() + q.SlotOffsetInRow(slot)
}

// KeyAddr returns the byte offset of (entry, key) in the buffer for the
// active layout.
func (q *QueryMemoryDescriptor) KeyAddr(entry, key int) int {
	if q.OutputColumnar {
		return q.ColumnarKeyOffset(key) + entry*q.KeyWidths[key]
	}
	return entry*q.RowSize() + q.KeyOffsetInRow(key)
}

// Validate checks internal consistency of the descriptor.
func (q *QueryMemoryDescriptor) Validate() error {
	if q.EntryCount < 0 {
		return utils.StackError(nil, "negative entry count %d", q.EntryCount)
	}
	if len(q.PaddedSlotWidths) == 0 {
		return utils.StackError(nil, "descriptor has no slots")
	}
	for slot, width := range q.PaddedSlotWidths {
		switch width {
		case 1, 2, 4, 8:
		default:
			return utils.StackError(nil, "invalid padded width %d for slot %d", width, slot)
		}
	}
	if q.Keyless && len(q.KeyWidths) > 0 {
		return utils.StackError(nil, "keyless layout cannot carry key columns")
	}
	if q.QueryDescType.IsGroupBy() && !q.Keyless && len(q.KeyWidths) == 0 {
		return utils.StackError(nil, "group-by layout requires key columns")
	}
	return nil
}
