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

// FlatBufferSizing carries the totals a pre-pass over the result set must
// compute before a flat buffer can be allocated. Rings and polygons are only
// meaningful for nesting depth 2 and 3.
type FlatBufferSizing struct {
	TotalValues   int
	TotalRings    int
	TotalPolygons int
}

// FlatBufferManager materializes variable-length column values (arrays,
// text, geometries) into one contiguous buffer. Rows must be appended in
// ascending row order; the manager keeps offset arrays per nesting level so
// a reader can slice out any row without scanning.
//
// Nesting depth 1 covers scalar arrays, unencoded text, linestrings and
// multipoints. Depth 2 covers polygons and multilinestrings, depth 3 covers
// multipolygons.
type FlatBufferManager struct {
	rows      int
	elemWidth int
	dims      int

	values []byte
	// element index one past the end of each row (depth 1) or delegated to
	// the deeper level arrays (depth 2/3)
	rowEnds []int32
	// ring index one past the end of each row, depth >= 2
	rowRingEnds []int32
	// element index one past the end of each ring, depth >= 2
	ringEnds []int32
	// ring index one past the end of each polygon, depth 3
	polyEnds []int32
	// polygon index one past the end of each row, depth 3
	rowPolyEnds []int32

	nulls []bool

	nextRow     int
	valueCursor int
	ringCursor  int
	polyCursor  int
}

// NewFlatBufferManager allocates a flat buffer for the given row count,
// element width and nesting depth, sized by a counting pre-pass.
func NewFlatBufferManager(rows, elemWidth, dims int, sizing FlatBufferSizing) (*FlatBufferManager, error) {
	if elemWidth <= 0 {
		return nil, utils.StackError(nil, "invalid flat buffer element width %d", elemWidth)
	}
	if dims < 1 || dims > 3 {
		return nil, utils.StackError(nil, "unsupported flat buffer nesting depth %d", dims)
	}
	m := &FlatBufferManager{
		rows:      rows,
		elemWidth: elemWidth,
		dims:      dims,
		values:    make([]byte, sizing.TotalValues*elemWidth),
		rowEnds:   make([]int32, rows),
		nulls:     make([]bool, rows),
	}
	if dims >= 2 {
		m.rowRingEnds = make([]int32, rows)
		m.ringEnds = make([]int32, sizing.TotalRings)
	}
	if dims == 3 {
		m.rowPolyEnds = make([]int32, rows)
		m.polyEnds = make([]int32, sizing.TotalPolygons)
	}
	return m, nil
}

// Dims returns the nesting depth of this buffer.
func (m *FlatBufferManager) Dims() int {
	return m.dims
}

// ElemWidth returns the element byte width of this buffer.
func (m *FlatBufferManager) ElemWidth() int {
	return m.elemWidth
}

// Rows returns the row capacity of this buffer.
func (m *FlatBufferManager) Rows() int {
	return m.rows
}

// ValueBytes exposes the flat value storage.
func (m *FlatBufferManager) ValueBytes() []byte {
	return m.values
}

func (m *FlatBufferManager) checkRow(row int) error {
	if row != m.nextRow {
		return utils.StackError(nil, "flat buffer rows must be appended in order, got %d want %d", row, m.nextRow)
	}
	if row >= m.rows {
		return utils.StackError(nil, "flat buffer row %d beyond capacity %d", row, m.rows)
	}
	return nil
}

func (m *FlatBufferManager) sealRow() {
	m.rowEnds[m.nextRow] = int32(m.valueCursor)
	if m.dims >= 2 {
		m.rowRingEnds[m.nextRow] = int32(m.ringCursor)
	}
	if m.dims == 3 {
		m.rowPolyEnds[m.nextRow] = int32(m.polyCursor)
	}
	m.nextRow++
}

func (m *FlatBufferManager) appendElems(data []byte) error {
	if len(data)%m.elemWidth != 0 {
		return utils.StackError(nil, "flat buffer payload of %d bytes not a multiple of width %d", len(data), m.elemWidth)
	}
	end := m.valueCursor*m.elemWidth + len(data)
	if end > len(m.values) {
		return utils.StackError(nil, "flat buffer value storage overflow, sized for %d bytes", len(m.values))
	}
	copy(m.values[m.valueCursor*m.elemWidth:], data)
	m.valueCursor += len(data) / m.elemWidth
	return nil
}

// AppendNull records a NULL for the next row.
func (m *FlatBufferManager) AppendNull(row int) error {
	if err := m.checkRow(row); err != nil {
		return err
	}
	m.nulls[row] = true
	m.sealRow()
	return nil
}

// AppendEntry writes a depth-1 entry, a flat run of elements.
func (m *FlatBufferManager) AppendEntry(row int, data []byte) error {
	if err := m.checkRow(row); err != nil {
		return err
	}
	if m.dims != 1 {
		return utils.StackError(nil, "depth-1 append on depth-%d flat buffer", m.dims)
	}
	if err := m.appendElems(data); err != nil {
		return err
	}
	m.sealRow()
	return nil
}

// AppendNestedEntry writes a depth-2 entry, one element run per ring.
func (m *FlatBufferManager) AppendNestedEntry(row int, rings [][]byte) error {
	if err := m.checkRow(row); err != nil {
		return err
	}
	if m.dims != 2 {
		return utils.StackError(nil, "depth-2 append on depth-%d flat buffer", m.dims)
	}
	for _, ring := range rings {
		if err := m.appendElems(ring); err != nil {
			return err
		}
		if m.ringCursor >= len(m.ringEnds) {
			return utils.StackError(nil, "flat buffer ring storage overflow, sized for %d rings", len(m.ringEnds))
		}
		m.ringEnds[m.ringCursor] = int32(m.valueCursor)
		m.ringCursor++
	}
	m.sealRow()
	return nil
}

// AppendDoublyNestedEntry writes a depth-3 entry, rings grouped by polygon.
func (m *FlatBufferManager) AppendDoublyNestedEntry(row int, polygons [][][]byte) error {
	if err := m.checkRow(row); err != nil {
		return err
	}
	if m.dims != 3 {
		return utils.StackError(nil, "depth-3 append on depth-%d flat buffer", m.dims)
	}
	for _, rings := range polygons {
		for _, ring := range rings {
			if err := m.appendElems(ring); err != nil {
				return err
			}
			if m.ringCursor >= len(m.ringEnds) {
				return utils.StackError(nil, "flat buffer ring storage overflow, sized for %d rings", len(m.ringEnds))
			}
			m.ringEnds[m.ringCursor] = int32(m.valueCursor)
			m.ringCursor++
		}
		if m.polyCursor >= len(m.polyEnds) {
			return utils.StackError(nil, "flat buffer polygon storage overflow, sized for %d polygons", len(m.polyEnds))
		}
		m.polyEnds[m.polyCursor] = int32(m.ringCursor)
		m.polyCursor++
	}
	m.sealRow()
	return nil
}

// IsNull reports whether the row holds NULL.
func (m *FlatBufferManager) IsNull(row int) bool {
	return m.nulls[row]
}

func (m *FlatBufferManager) rowValueRange(row int) (start, end int) {
	if row > 0 {
		start = int(m.rowEnds[row-1])
	}
	return start, int(m.rowEnds[row])
}

// GetEntry returns the flat element run of a depth-1 row. NULL rows return
// nil.
func (m *FlatBufferManager) GetEntry(row int) []byte {
	if m.nulls[row] {
		return nil
	}
	start, end := m.rowValueRange(row)
	return m.values[start*m.elemWidth : end*m.elemWidth]
}

func (m *FlatBufferManager) rowRingRange(row int) (start, end int) {
	if row > 0 {
		start = int(m.rowRingEnds[row-1])
	}
	return start, int(m.rowRingEnds[row])
}

func (m *FlatBufferManager) ringValues(ring int) []byte {
	start := 0
	if ring > 0 {
		start = int(m.ringEnds[ring-1])
	}
	return m.values[start*m.elemWidth : int(m.ringEnds[ring])*m.elemWidth]
}

// GetNestedEntry returns the per-ring element runs of a depth-2 row.
func (m *FlatBufferManager) GetNestedEntry(row int) [][]byte {
	if m.nulls[row] {
		return nil
	}
	start, end := m.rowRingRange(row)
	rings := make([][]byte, 0, end-start)
	for ring := start; ring < end; ring++ {
		rings = append(rings, m.ringValues(ring))
	}
	return rings
}

// GetDoublyNestedEntry returns the rings of a depth-3 row grouped by
// polygon.
func (m *FlatBufferManager) GetDoublyNestedEntry(row int) [][][]byte {
	if m.nulls[row] {
		return nil
	}
	polyStart := 0
	if row > 0 {
		polyStart = int(m.rowPolyEnds[row-1])
	}
	polyEnd := int(m.rowPolyEnds[row])
	polygons := make([][][]byte, 0, polyEnd-polyStart)
	ring := 0
	if polyStart > 0 {
		ring = int(m.polyEnds[polyStart-1])
	}
	for poly := polyStart; poly < polyEnd; poly++ {
		ringEnd := int(m.polyEnds[poly])
		rings := make([][]byte, 0, ringEnd-ring)
		for ; ring < ringEnd; ring++ {
			rings = append(rings, m.ringValues(ring))
		}
		polygons = append(polygons, rings)
	}
	return polygons
}
