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
	"encoding/binary"
	"math"

	"github.com/magmadb/magma/utils"
)

// ResultStorage owns one result buffer together with the descriptor that
// defines its layout. All typed access goes through the read/write methods
// so the sentinel and width conventions live in one place.
type ResultStorage struct {
	QMD    *QueryMemoryDescriptor
	Buffer []byte
}

// NewResultStorage allocates a zeroed buffer sized by the descriptor.
func NewResultStorage(qmd *QueryMemoryDescriptor) *ResultStorage {
	return &ResultStorage{
		QMD:    qmd,
		Buffer: make([]byte, qmd.BufferSize()),
	}
}

// WrapResultStorage adopts an existing buffer, e.g. one copied back from a
// device allocation.
func WrapResultStorage(qmd *QueryMemoryDescriptor, buffer []byte) *ResultStorage {
	return &ResultStorage{QMD: qmd, Buffer: buffer}
}

func readValue(b []byte, width int) int64 {
	switch width {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	default:
		return int64(binary.LittleEndian.Uint64(b))
	}
}

func writeValue(b []byte, width int, value int64) {
	switch width {
	case 1:
		b[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(value))
	default:
		binary.LittleEndian.PutUint64(b, uint64(value))
	}
}

// EmptyKeySentinel returns the sentinel used to mark an unoccupied row for a
// key of the given byte width.
func EmptyKeySentinel(width int) int64 {
	switch width {
	case 1:
		return int64(EmptyKey8)
	case 2:
		return int64(EmptyKey16)
	case 4:
		return int64(EmptyKey32)
	default:
		return EmptyKey64
	}
}

// ReadSlot returns the signed integer value stored at (entry, slot).
func (s *ResultStorage) ReadSlot(entry, slot int) int64 {
	width := s.QMD.PaddedSlotWidths[slot]
	return readValue(s.Buffer[s.QMD.SlotAddr(entry, slot):], width)
}

// WriteSlot stores a signed integer value at (entry, slot).
func (s *ResultStorage) WriteSlot(entry, slot int, value int64) {
	width := s.QMD.PaddedSlotWidths[slot]
	writeValue(s.Buffer[s.QMD.SlotAddr(entry, slot):], width, value)
}

// ReadSlotFloat returns the floating point value stored at (entry, slot).
// Slots of width 4 hold float32, width 8 hold float64.
func (s *ResultStorage) ReadSlotFloat(entry, slot int) float64 {
	width := s.QMD.PaddedSlotWidths[slot]
	addr := s.QMD.SlotAddr(entry, slot)
	if width == 4 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(s.Buffer[addr:])))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(s.Buffer[addr:]))
}

// WriteSlotFloat stores a floating point value at (entry, slot).
func (s *ResultStorage) WriteSlotFloat(entry, slot int, value float64) {
	width := s.QMD.PaddedSlotWidths[slot]
	addr := s.QMD.SlotAddr(entry, slot)
	if width == 4 {
		binary.LittleEndian.PutUint32(s.Buffer[addr:], math.Float32bits(float32(value)))
		return
	}
	binary.LittleEndian.PutUint64(s.Buffer[addr:], math.Float64bits(value))
}

// ReadKey returns the signed integer key value stored at (entry, key).
func (s *ResultStorage) ReadKey(entry, key int) int64 {
	width := s.QMD.KeyWidths[key]
	return readValue(s.Buffer[s.QMD.KeyAddr(entry, key):], width)
}

// WriteKey stores a signed integer key value at (entry, key).
func (s *ResultStorage) WriteKey(entry, key int, value int64) {
	width := s.QMD.KeyWidths[key]
	writeValue(s.Buffer[s.QMD.KeyAddr(entry, key):], width, value)
}

// IsRowEmpty reports whether the row at entry is unoccupied. Occupancy is
// decided by the first key column carrying the width-specific sentinel.
// Layouts without stored keys never report empty rows here; their callers
// dedupe by position instead.
func (s *ResultStorage) IsRowEmpty(entry int) bool {
	if s.QMD.Keyless || len(s.QMD.KeyWidths) == 0 {
		return false
	}
	return s.ReadKey(entry, 0) == EmptyKeySentinel(s.QMD.KeyWidths[0])
}

// MarkRowEmpty writes the sentinel into every key column of the row.
func (s *ResultStorage) MarkRowEmpty(entry int) {
	for key, width := range s.QMD.KeyWidths {
		s.WriteKey(entry, key, EmptyKeySentinel(width))
	}
}

// MarkAllRowsEmpty initializes the whole buffer to the unoccupied state.
func (s *ResultStorage) MarkAllRowsEmpty() {
	for entry := 0; entry < s.QMD.EntryCount; entry++ {
		s.MarkRowEmpty(entry)
	}
}

// OccupiedRowCount scans the buffer and counts rows that hold a group.
func (s *ResultStorage) OccupiedRowCount() int {
	count := 0
	for entry := 0; entry < s.QMD.EntryCount; entry++ {
		if !s.IsRowEmpty(entry) {
			count++
		}
	}
	return count
}

// CheckEntry bounds-checks an entry index.
func (s *ResultStorage) CheckEntry(entry int) error {
	if entry < 0 || entry >= s.QMD.EntryCount {
		return utils.StackError(nil, "entry %d out of range [0, %d)", entry, s.QMD.EntryCount)
	}
	return nil
}
