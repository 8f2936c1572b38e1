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
	"encoding/binary"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	queryCom "github.com/magmadb/magma/query/common"
	"github.com/magmadb/magma/utils"
)

// interruptPollMask gates the cooperative cancellation poll to once per
// 0x10000 rows.
const interruptPollMask = 0xFFFF

// ColumnarResults holds one contiguous value array per output column.
// Fixed-width columns live in byte buffers; varlen columns live in flat
// buffers.
type ColumnarResults struct {
	types    []queryCom.SQLType
	rowCount int
	columns  [][]byte
	flat     []*queryCom.FlatBufferManager
	zeroCopy []bool
}

// RowCount returns the number of materialized rows.
func (r *ColumnarResults) RowCount() int {
	return r.rowCount
}

// ColCount returns the number of columns.
func (r *ColumnarResults) ColCount() int {
	return len(r.types)
}

// ColType returns the materialized type of a column.
func (r *ColumnarResults) ColType(col int) queryCom.SQLType {
	return r.types[col]
}

// ColumnBuffer returns the fixed-width backing of a column, nil for varlen
// columns.
func (r *ColumnarResults) ColumnBuffer(col int) []byte {
	return r.columns[col]
}

// FlatColumn returns the flat buffer of a varlen column, nil otherwise.
func (r *ColumnarResults) FlatColumn(col int) *queryCom.FlatBufferManager {
	return r.flat[col]
}

// IsZeroCopy reports whether a column aliases the source result storage.
func (r *ColumnarResults) IsZeroCopy(col int) bool {
	return r.zeroCopy[col]
}

func readFixedCell(buffer []byte, row int, typ queryCom.SQLType) TargetValue {
	width := typ.Width()
	cell := buffer[row*width:]
	if typ.IsFloatingPoint() {
		var value float64
		if width == 4 {
			value = float64(math.Float32frombits(binary.LittleEndian.Uint32(cell)))
		} else {
			value = math.Float64frombits(binary.LittleEndian.Uint64(cell))
		}
		if !typ.NotNull && isNullFloat(value, width) {
			return nil
		}
		return value
	}
	var value int64
	switch width {
	case 1:
		value = int64(int8(cell[0]))
	case 2:
		value = int64(int16(binary.LittleEndian.Uint16(cell)))
	case 4:
		value = int64(int32(binary.LittleEndian.Uint32(cell)))
	default:
		value = int64(binary.LittleEndian.Uint64(cell))
	}
	if !typ.NotNull && isNullInt(value, width) {
		return nil
	}
	return value
}

func writeFixedCell(buffer []byte, row int, typ queryCom.SQLType, value TargetValue) {
	width := typ.Width()
	cell := buffer[row*width:]
	if typ.IsFloatingPoint() {
		f, ok := value.(float64)
		if !ok {
			if width == 4 {
				f = float64(queryCom.NullFloat)
			} else {
				f = queryCom.NullDouble
			}
		}
		if width == 4 {
			binary.LittleEndian.PutUint32(cell, math.Float32bits(float32(f)))
		} else {
			binary.LittleEndian.PutUint64(cell, math.Float64bits(f))
		}
		return
	}
	v, ok := value.(int64)
	if !ok {
		switch width {
		case 1:
			v = int64(queryCom.NullInt8)
		case 2:
			v = int64(queryCom.NullInt16)
		case 4:
			v = int64(queryCom.NullInt32)
		default:
			v = queryCom.NullInt64
		}
	}
	switch width {
	case 1:
		cell[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(cell, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(cell, uint32(v))
	default:
		binary.LittleEndian.PutUint64(cell, uint64(v))
	}
}

// ValueAt decodes one materialized cell.
func (r *ColumnarResults) ValueAt(row, col int) TargetValue {
	if flat := r.flat[col]; flat != nil {
		switch flat.Dims() {
		case 2:
			if entry := flat.GetNestedEntry(row); entry != nil {
				return entry
			}
			return nil
		case 3:
			if entry := flat.GetDoublyNestedEntry(row); entry != nil {
				return entry
			}
			return nil
		default:
			if entry := flat.GetEntry(row); entry != nil {
				return entry
			}
			return nil
		}
	}
	return readFixedCell(r.columns[col], row, r.types[col])
}

// Columnarizer converts result sets into per-column value arrays.
type Columnarizer struct {
	cpuThreads int
	// polled by workers; non-zero aborts the conversion
	interruptFlag *int32
}

// NewColumnarizer creates a converter using up to cpuThreads workers. Zero
// means one worker per CPU.
func NewColumnarizer(cpuThreads int) *Columnarizer {
	if cpuThreads <= 0 {
		cpuThreads = runtime.NumCPU()
	}
	return &Columnarizer{cpuThreads: cpuThreads}
}

// SetInterruptFlag installs the flag workers poll for cancellation.
func (c *Columnarizer) SetInterruptFlag(flag *int32) {
	c.interruptFlag = flag
}

func (c *Columnarizer) interrupted() bool {
	return c.interruptFlag != nil && atomic.LoadInt32(c.interruptFlag) != 0
}

// pollInterrupt checks the flag once every 0x10000 processed rows.
func (c *Columnarizer) pollInterrupt(processed int) error {
	if processed&interruptPollMask != 0 {
		return nil
	}
	if c.interrupted() {
		return NewError(ErrorKindInterrupted, "columnarization interrupted")
	}
	return nil
}

func hasVarlen(rs *ResultSet) bool {
	for _, target := range rs.Targets() {
		if target.Type.IsVarlen() {
			return true
		}
	}
	return false
}

func flatDims(typ queryCom.SQLType) int {
	if dims := typ.GeoDims(); dims > 0 {
		return dims
	}
	return 1
}

func flatElemWidth(rs *ResultSet, col int) int {
	typ := rs.GetColType(col)
	if typ.ElemWidth > 0 {
		return typ.ElemWidth
	}
	if rs.QMD().VarlenOutputElemSize > 0 {
		return rs.QMD().VarlenOutputElemSize
	}
	return 1
}

// flatSizingPrePass walks the populated rows once to size the flat buffer
// of one varlen column.
func (c *Columnarizer) flatSizingPrePass(rs *ResultSet, col, rowCount int, elemWidth int) (queryCom.FlatBufferSizing, error) {
	var sizing queryCom.FlatBufferSizing
	for row := 0; row < rowCount; row++ {
		if err := c.pollInterrupt(row); err != nil {
			return sizing, err
		}
		values := rs.GetRowAt(row)
		if values == nil {
			continue
		}
		switch v := values[col].(type) {
		case []byte:
			sizing.TotalValues += len(v) / elemWidth
		case [][]byte:
			for _, ring := range v {
				sizing.TotalValues += len(ring) / elemWidth
			}
			sizing.TotalRings += len(v)
		case [][][]byte:
			for _, rings := range v {
				for _, ring := range rings {
					sizing.TotalValues += len(ring) / elemWidth
				}
				sizing.TotalRings += len(rings)
			}
			sizing.TotalPolygons += len(v)
		}
	}
	return sizing, nil
}

func writeFlatCell(flat *queryCom.FlatBufferManager, row int, value TargetValue) error {
	switch v := value.(type) {
	case nil:
		return flat.AppendNull(row)
	case []byte:
		return flat.AppendEntry(row, v)
	case [][]byte:
		return flat.AppendNestedEntry(row, v)
	case [][][]byte:
		return flat.AppendDoublyNestedEntry(row, v)
	default:
		return NewError(ErrorKindColumnarConversionNotSupported,
			"unsupported varlen cell of type %T", value)
	}
}

// ConvertSimple is the fixed-width-only fast surface. Varlen targets are
// rejected; callers with varlen output must use Convert.
func (c *Columnarizer) ConvertSimple(rs *ResultSet) (*ColumnarResults, error) {
	if hasVarlen(rs) {
		return nil, NewError(ErrorKindColumnarConversionNotSupported,
			"varlen targets require flat buffer conversion")
	}
	return c.Convert(rs)
}

// Convert materializes the result set into per-column arrays. The direct
// path is taken when the layout allows it; otherwise the row iterator does
// the work.
func (c *Columnarizer) Convert(rs *ResultSet) (results *ColumnarResults, err error) {
	stopWatch := utils.GetRootReporter().GetTimer(utils.ColumnarizationLatency).Start()
	defer stopWatch.Stop()

	rowCount := rs.ParallelRowCount()
	results = &ColumnarResults{
		rowCount: rowCount,
		types:    make([]queryCom.SQLType, rs.ColCount()),
		columns:  make([][]byte, rs.ColCount()),
		flat:     make([]*queryCom.FlatBufferManager, rs.ColCount()),
		zeroCopy: make([]bool, rs.ColCount()),
	}
	for col := 0; col < rs.ColCount(); col++ {
		results.types[col] = rs.GetColType(col)
	}

	if rs.IsDirectColumnarConversionPossible() && rs.permutation == nil && !hasVarlen(rs) {
		if rs.QMD().QueryDescType.IsGroupBy() {
			err = c.convertGroupByDirect(rs, results)
		} else {
			err = c.convertProjectionDirect(rs, results)
		}
	} else {
		err = c.convertByIteration(rs, results)
	}
	if err != nil {
		return nil, err
	}
	utils.GetRootReporter().GetCounter(utils.ColumnarRowsWritten).Inc(int64(rowCount))
	return results, nil
}

// convertProjectionDirect handles compact columnar projections and table
// functions. Columns either alias the storage or are copied in parallel,
// one worker per column.
func (c *Columnarizer) convertProjectionDirect(rs *ResultSet, results *ColumnarResults) error {
	errs := make([]error, rs.ColCount())
	var wg sync.WaitGroup
	for col := 0; col < rs.ColCount(); col++ {
		if rs.IsZeroCopyColumnarConversionPossible(col) {
			results.columns[col] = rs.GetColumnarBuffer(col)
			results.zeroCopy[col] = true
			continue
		}
		wg.Add(1)
		go func(col int) {
			defer wg.Done()
			errs[col] = c.copyColumnDirect(rs, results, col)
		}(col)
	}
	wg.Wait()
	return firstError(errs)
}

// copyColumnDirect materializes one fixed-width column by walking every
// entry. Projections are compact, so entry index equals output row.
func (c *Columnarizer) copyColumnDirect(rs *ResultSet, results *ColumnarResults, col int) error {
	typ := results.types[col]
	buffer := make([]byte, results.rowCount*typ.Width())
	outRow := 0
	for entry := 0; entry < rs.EntryCount() && outRow < results.rowCount; entry++ {
		if err := c.pollInterrupt(entry); err != nil {
			return err
		}
		storage, local := rs.resolveEntry(entry)
		if storage.IsRowEmpty(local) {
			continue
		}
		value := rs.resolveLazyValue(col, rs.readTargetValue(storage, local, col))
		writeFixedCell(buffer, outRow, typ, value)
		outRow++
	}
	results.columns[col] = buffer
	return nil
}

// convertGroupByDirect compacts a sparse hash-table result buffer in two
// phases. Phase one marks a bitmap of populated entries and counts them per
// chunk; phase two turns the counts into exclusive prefix offsets and
// copies each populated row to its compacted position. Output order is the
// ascending original entry order.
func (c *Columnarizer) convertGroupByDirect(rs *ResultSet, results *ColumnarResults) error {
	entryCount := rs.EntryCount()
	workers := c.cpuThreads
	if workers > entryCount {
		workers = entryCount
	}
	if workers < 1 {
		workers = 1
	}
	// chunk starts land on bitmap word boundaries so no two workers
	// read-modify-write the same uint64
	chunk := (entryCount + workers - 1) / workers
	chunk = (chunk + 63) &^ 63

	for col := 0; col < rs.ColCount(); col++ {
		results.columns[col] = make([]byte, results.rowCount*results.types[col].Width())
	}

	bitmap := make([]uint64, (entryCount+63)/64)
	counts := make([]int, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > entryCount {
			end = entryCount
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			count := 0
			for entry := start; entry < end; entry++ {
				if err := c.pollInterrupt(entry - start); err != nil {
					errs[w] = err
					return
				}
				if !rs.IsRowAtEmpty(entry) {
					bitmap[entry/64] |= 1 << uint(entry%64)
					count++
				}
			}
			counts[w] = count
		}(w, start, end)
	}
	wg.Wait()
	if err := firstError(errs); err != nil {
		return err
	}

	offsets := make([]int, workers)
	running := 0
	for w := 0; w < workers; w++ {
		offsets[w] = running
		running += counts[w]
	}

	singleSlots, allSingle := rs.GetSupportedSingleSlotTargetBitmap()
	var writeMutex sync.Mutex

	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > entryCount {
			end = entryCount
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			outRow := offsets[w]
			for entry := start; entry < end; entry++ {
				if err := c.pollInterrupt(entry - start); err != nil {
					errs[w] = err
					return
				}
				if bitmap[entry/64]&(1<<uint(entry%64)) == 0 {
					continue
				}
				if allSingle {
					c.writeRowDirect(rs, results, entry, outRow)
				} else {
					c.writeRowMixed(rs, results, entry, outRow, singleSlots, &writeMutex)
				}
				outRow++
			}
		}(w, start, end)
	}
	wg.Wait()
	return firstError(errs)
}

// writeRowDirect copies every target of one populated entry with the
// fixed-width write functions.
func (c *Columnarizer) writeRowDirect(rs *ResultSet, results *ColumnarResults, entry, outRow int) {
	storage, local := rs.resolveEntry(entry)
	for col := 0; col < rs.ColCount(); col++ {
		value := rs.resolveLazyValue(col, rs.readTargetValue(storage, local, col))
		writeFixedCell(results.columns[col], outRow, results.types[col], value)
	}
}

// writeRowMixed handles rows with multi-slot targets: those go through the
// row decoding surface under the write mutex with the single-slot columns
// masked out, then single-slot targets take the direct write path.
func (c *Columnarizer) writeRowMixed(rs *ResultSet, results *ColumnarResults, entry, outRow int, singleSlots uint64, writeMutex *sync.Mutex) {
	writeMutex.Lock()
	values := rs.GetRowAtNoTranslations(entry, singleSlots)
	writeMutex.Unlock()
	if values == nil {
		return
	}
	storage, local := rs.resolveEntry(entry)
	for col := 0; col < rs.ColCount(); col++ {
		value := values[col]
		if singleSlots&(1<<uint(col)) != 0 {
			value = rs.readTargetValue(storage, local, col)
		}
		writeFixedCell(results.columns[col], outRow, results.types[col], rs.resolveLazyValue(col, value))
	}
}

// convertByIteration is the fallback path driven by the row decoding
// surface. Fixed-width-only outputs claim rows across workers with an
// atomic cursor; flat buffer encoding needs in-order appends, so varlen
// outputs run a single ordered pass.
func (c *Columnarizer) convertByIteration(rs *ResultSet, results *ColumnarResults) error {
	for col := 0; col < rs.ColCount(); col++ {
		typ := results.types[col]
		if !typ.IsVarlen() {
			results.columns[col] = make([]byte, results.rowCount*typ.Width())
			continue
		}
		elemWidth := flatElemWidth(rs, col)
		sizing, err := c.flatSizingPrePass(rs, col, results.rowCount, elemWidth)
		if err != nil {
			return err
		}
		flat, err := queryCom.NewFlatBufferManager(results.rowCount, elemWidth, flatDims(typ), sizing)
		if err != nil {
			return err
		}
		results.flat[col] = flat
	}

	if hasVarlen(rs) {
		return c.iterateOrdered(rs, results)
	}
	return c.iterateParallel(rs, results)
}

func (c *Columnarizer) iterateOrdered(rs *ResultSet, results *ColumnarResults) error {
	for row := 0; row < results.rowCount; row++ {
		if err := c.pollInterrupt(row); err != nil {
			return err
		}
		values := rs.GetRowAt(row)
		if values == nil {
			continue
		}
		for col := 0; col < rs.ColCount(); col++ {
			if flat := results.flat[col]; flat != nil {
				if err := writeFlatCell(flat, row, values[col]); err != nil {
					return err
				}
				continue
			}
			writeFixedCell(results.columns[col], row, results.types[col], values[col])
		}
	}
	return nil
}

func (c *Columnarizer) iterateParallel(rs *ResultSet, results *ColumnarResults) error {
	workers := c.cpuThreads
	if workers > results.rowCount {
		workers = results.rowCount
	}
	if workers < 1 {
		workers = 1
	}
	var cursor int64
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			processed := 0
			for {
				row := int(atomic.AddInt64(&cursor, 1) - 1)
				if row >= results.rowCount {
					return
				}
				if err := c.pollInterrupt(processed); err != nil {
					errs[w] = err
					return
				}
				processed++
				values := rs.GetRowAt(row)
				if values == nil {
					continue
				}
				for col := 0; col < rs.ColCount(); col++ {
					writeFixedCell(results.columns[col], row, results.types[col], values[col])
				}
			}
		}(w)
	}
	wg.Wait()
	return firstError(errs)
}

// firstError collects worker failures, preferring interruption when
// several fire.
func firstError(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if IsInterrupted(err) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// MergeColumnarResults concatenates multiple conversions per column. Every
// input must share the column types; output bytes are the in-order
// concatenation of the input column buffers.
func MergeColumnarResults(inputs []*ColumnarResults) (*ColumnarResults, error) {
	if len(inputs) == 0 {
		return nil, utils.StackError(nil, "nothing to merge")
	}
	head := inputs[0]
	for _, input := range inputs {
		if input.ColCount() != head.ColCount() {
			return nil, utils.StackError(nil, "merge column count mismatch")
		}
		for col := 0; col < head.ColCount(); col++ {
			if input.types[col] != head.types[col] {
				return nil, utils.StackError(nil, "merge column type mismatch at %d", col)
			}
			if input.flat[col] != nil {
				return nil, NewError(ErrorKindColumnarConversionNotSupported,
					"varlen columns cannot be merged by concatenation")
			}
		}
	}

	merged := &ColumnarResults{
		types:    head.types,
		columns:  make([][]byte, head.ColCount()),
		flat:     make([]*queryCom.FlatBufferManager, head.ColCount()),
		zeroCopy: make([]bool, head.ColCount()),
	}
	for _, input := range inputs {
		merged.rowCount += input.rowCount
	}
	for col := 0; col < head.ColCount(); col++ {
		buffer := make([]byte, 0, merged.rowCount*head.types[col].Width())
		for _, input := range inputs {
			buffer = append(buffer, input.columns[col]...)
		}
		merged.columns[col] = buffer
	}
	return merged, nil
}
