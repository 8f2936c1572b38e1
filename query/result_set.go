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
	"runtime"
	"sync"
	"sync/atomic"

	queryCom "github.com/magmadb/magma/query/common"
	"github.com/magmadb/magma/utils"
)

// TargetValue is one materialized output cell. nil represents NULL; scalar
// integers are int64, floating point values are float64 and varlen payloads
// are []byte.
type TargetValue interface{}

// ColumnFragment resolves lazily fetched values. The result buffer stores a
// row index per cell; the fragment owns the decoded source column.
type ColumnFragment interface {
	ValueAt(row int64) TargetValue
}

// SliceFragment is an in-memory ColumnFragment.
type SliceFragment struct {
	Values []TargetValue
}

// ValueAt returns the decoded value for a source row index.
func (f *SliceFragment) ValueAt(row int64) TargetValue {
	return f.Values[row]
}

// LazyFetchInfo flags one output column whose result-buffer cells are row
// indices into a source fragment rather than materialized values.
type LazyFetchInfo struct {
	IsLazilyFetched bool
	Fragment        ColumnFragment
}

const rowCountNotCached int64 = -1

// ResultSet is a logical sequence of appended result storages plus the
// target metadata needed to decode rows out of them.
type ResultSet struct {
	targets  []queryCom.TargetInfo
	storages []*queryCom.ResultStorage
	// ORDER BY output; logical row i lives at physical entry permutation[i]
	permutation []int64
	lazyFetch   []LazyFetchInfo
	owner       *RowSetMemoryOwner

	directColumnarEnabled bool
	limit                 int64
	offset                int64

	// first slot index per target
	targetFirstSlot []int

	cachedRowCount int64
	cursor         int64

	// logical row to physical entry translation, built on demand; skips
	// empty entries when no permutation exists
	translationMutex sync.Mutex
	translation      []int64
}

// NewResultSet creates a result set over one initial storage. More storages
// may be appended. The owner resolves varlen slot payloads and may be nil
// for purely fixed-width results.
func NewResultSet(targets []queryCom.TargetInfo, storage *queryCom.ResultStorage, owner *RowSetMemoryOwner) *ResultSet {
	firstSlots := make([]int, len(targets))
	slot := 0
	for i, target := range targets {
		firstSlots[i] = slot
		slot += target.SlotCount()
	}
	return &ResultSet{
		targets:               targets,
		storages:              []*queryCom.ResultStorage{storage},
		lazyFetch:             make([]LazyFetchInfo, len(targets)),
		owner:                 owner,
		directColumnarEnabled: true,
		targetFirstSlot:       firstSlots,
		cachedRowCount:        rowCountNotCached,
	}
}

// Append attaches another storage to the logical sequence. Its layout must
// match the first storage.
func (rs *ResultSet) Append(storage *queryCom.ResultStorage) error {
	head := rs.storages[0].QMD
	if storage.QMD.RowSize() != head.RowSize() ||
		storage.QMD.OutputColumnar != head.OutputColumnar ||
		storage.QMD.QueryDescType != head.QueryDescType {
		return utils.StackError(nil, "appended storage layout mismatch")
	}
	rs.storages = append(rs.storages, storage)
	rs.invalidateTranslation()
	return nil
}

func (rs *ResultSet) invalidateTranslation() {
	rs.translationMutex.Lock()
	rs.translation = nil
	rs.translationMutex.Unlock()
	atomic.StoreInt64(&rs.cachedRowCount, rowCountNotCached)
}

// rowTranslation maps logical row indices to physical entries: the
// permutation when one exists, the populated entries in ascending order
// otherwise, windowed by the recorded LIMIT/OFFSET.
func (rs *ResultSet) rowTranslation() []int64 {
	if rs.permutation != nil {
		return rs.truncate(rs.permutation)
	}
	rs.translationMutex.Lock()
	defer rs.translationMutex.Unlock()
	if rs.translation == nil {
		translation := make([]int64, 0, rs.EntryCount())
		for entry := 0; entry < rs.EntryCount(); entry++ {
			if !rs.IsRowAtEmpty(entry) {
				translation = append(translation, int64(entry))
			}
		}
		rs.translation = translation
	}
	return rs.truncate(rs.translation)
}

// truncate applies the LIMIT/OFFSET window to a translation. Slicing keeps
// the full translation cached; zero limit means unlimited.
func (rs *ResultSet) truncate(rows []int64) []int64 {
	if rs.offset > 0 {
		if rs.offset >= int64(len(rows)) {
			return rows[len(rows):]
		}
		rows = rows[rs.offset:]
	}
	if rs.limit > 0 && rs.limit < int64(len(rows)) {
		rows = rows[:rs.limit]
	}
	return rows
}

// SetPermutation installs an ORDER BY permutation over logical rows.
func (rs *ResultSet) SetPermutation(permutation []int64) {
	rs.permutation = permutation
	rs.invalidateTranslation()
}

// SetLazyFetchInfo installs the per-column lazy fetch flags.
func (rs *ResultSet) SetLazyFetchInfo(info []LazyFetchInfo) {
	rs.lazyFetch = info
}

// SetDirectColumnarEnabled toggles eligibility for the direct conversion
// path.
func (rs *ResultSet) SetDirectColumnarEnabled(enabled bool) {
	rs.directColumnarEnabled = enabled
}

// SetTruncation records the LIMIT/OFFSET window. Zero limit means
// unlimited. Row counting, row decoding and columnarization all observe
// the window.
func (rs *ResultSet) SetTruncation(limit, offset int64) {
	rs.limit = limit
	rs.offset = offset
	rs.invalidateTranslation()
}

// QMD returns the layout descriptor of the head storage.
func (rs *ResultSet) QMD() *queryCom.QueryMemoryDescriptor {
	return rs.storages[0].QMD
}

// Targets returns the output target metadata.
func (rs *ResultSet) Targets() []queryCom.TargetInfo {
	return rs.targets
}

// GetLazyFetchInfo returns the per-column lazy fetch flags.
func (rs *ResultSet) GetLazyFetchInfo() []LazyFetchInfo {
	return rs.lazyFetch
}

// ColCount returns the number of output columns.
func (rs *ResultSet) ColCount() int {
	return len(rs.targets)
}

// EntryCount returns the total physical entries across appended storages.
func (rs *ResultSet) EntryCount() int {
	total := 0
	for _, storage := range rs.storages {
		total += storage.QMD.EntryCount
	}
	return total
}

// resolveEntry maps a logical entry index to its storage and local entry.
func (rs *ResultSet) resolveEntry(entry int) (*queryCom.ResultStorage, int) {
	for _, storage := range rs.storages {
		if entry < storage.QMD.EntryCount {
			return storage, entry
		}
		entry -= storage.QMD.EntryCount
	}
	return nil, 0
}

// IsRowAtEmpty reports whether the physical entry holds no group.
func (rs *ResultSet) IsRowAtEmpty(entry int) bool {
	storage, local := rs.resolveEntry(entry)
	if storage == nil {
		return true
	}
	return storage.IsRowEmpty(local)
}

// GetColType returns the materialized SQL type of a column. AVG and
// approximate quantile targets materialize as double regardless of input
// type; count-distinct targets materialize their count as int64.
func (rs *ResultSet) GetColType(col int) queryCom.SQLType {
	target := rs.targets[col]
	switch {
	case target.Agg == queryCom.AggAvg || target.Agg == queryCom.AggApproxQuantile:
		return queryCom.SQLType{Kind: queryCom.KindDouble, NotNull: target.Type.NotNull}
	case target.Agg == queryCom.AggApproxCountDistinct || target.CountDistinct != nil:
		return queryCom.SQLType{Kind: queryCom.KindInt64, NotNull: true}
	}
	return target.Type
}

// GetSlotIndicesForTargetIndices returns the first slot index occupied by
// each target.
func (rs *ResultSet) GetSlotIndicesForTargetIndices() []int {
	out := make([]int, len(rs.targetFirstSlot))
	copy(out, rs.targetFirstSlot)
	return out
}

// GetSupportedSingleSlotTargetBitmap returns a bitmap with one bit per
// target, set when the target is a plain single-slot write, plus a flag
// telling whether every target qualifies.
func (rs *ResultSet) GetSupportedSingleSlotTargetBitmap() (bitmap uint64, allSingle bool) {
	allSingle = true
	for i, target := range rs.targets {
		if target.IsMultiSlot() || target.Type.IsVarlen() {
			allSingle = false
			continue
		}
		bitmap |= 1 << uint(i)
	}
	return bitmap, allSingle
}

// IsDirectColumnarConversionPossible reports eligibility for the direct
// conversion path. Row-wise layouts qualify only for the hashed group-by
// families.
func (rs *ResultSet) IsDirectColumnarConversionPossible() bool {
	if !rs.directColumnarEnabled {
		return false
	}
	if rs.limit != 0 || rs.offset != 0 {
		return false
	}
	descType := rs.QMD().QueryDescType
	if rs.QMD().OutputColumnar {
		switch descType {
		case queryCom.Projection, queryCom.TableFunction,
			queryCom.GroupByPerfectHash, queryCom.GroupByBaselineHash:
			return true
		}
		return false
	}
	return descType.IsGroupBy()
}

// IsZeroCopyColumnarConversionPossible reports whether a column can alias
// the result storage directly with no copy.
func (rs *ResultSet) IsZeroCopyColumnarConversionPossible(col int) bool {
	if !rs.IsDirectColumnarConversionPossible() {
		return false
	}
	qmd := rs.QMD()
	if !qmd.OutputColumnar || qmd.QueryDescType != queryCom.Projection {
		return false
	}
	if len(rs.storages) != 1 || rs.permutation != nil {
		return false
	}
	target := rs.targets[col]
	if rs.lazyFetch[col].IsLazilyFetched || target.IsMultiSlot() || target.Type.IsVarlen() {
		return false
	}
	return target.Type.Width() == qmd.PaddedSlotWidths[rs.targetFirstSlot[col]]
}

// GetColumnarBuffer returns the contiguous storage span backing a column.
// Only meaningful when zero-copy conversion is possible.
func (rs *ResultSet) GetColumnarBuffer(col int) []byte {
	storage := rs.storages[0]
	qmd := storage.QMD
	slot := rs.targetFirstSlot[col]
	start := qmd.ColumnarSlotOffset(slot)
	return storage.Buffer[start : start+qmd.PaddedSlotWidths[slot]*qmd.EntryCount]
}

// GetColumnarBufferSize returns the byte size needed to materialize a
// column. Varlen slots size by flat-buffer element width rather than the
// padded slot width.
func (rs *ResultSet) GetColumnarBufferSize(col int) int {
	qmd := rs.QMD()
	target := rs.targets[col]
	if target.Type.IsVarlen() {
		elemWidth := qmd.VarlenOutputElemSize
		if elemWidth == 0 {
			elemWidth = target.Type.ElemWidth
		}
		return elemWidth * rs.EntryCount()
	}
	return qmd.PaddedSlotWidths[rs.targetFirstSlot[col]] * rs.EntryCount()
}

func isNullInt(value int64, width int) bool {
	switch width {
	case 1:
		return value == int64(queryCom.NullInt8)
	case 2:
		return value == int64(queryCom.NullInt16)
	case 4:
		return value == int64(queryCom.NullInt32)
	default:
		return value == queryCom.NullInt64
	}
}

func isNullFloat(value float64, width int) bool {
	if width == 4 {
		return float32(value) == queryCom.NullFloat
	}
	return value == queryCom.NullDouble
}

// readTargetValue decodes one target cell at a physical storage entry.
func (rs *ResultSet) readTargetValue(storage *queryCom.ResultStorage, entry, col int) TargetValue {
	target := rs.targets[col]
	slot := rs.targetFirstSlot[col]
	width := storage.QMD.PaddedSlotWidths[slot]

	if target.Agg == queryCom.AggAvg {
		count := storage.ReadSlot(entry, slot+1)
		if count == 0 {
			return nil
		}
		var sum float64
		if target.Type.IsFloatingPoint() {
			sum = storage.ReadSlotFloat(entry, slot)
		} else {
			sum = float64(storage.ReadSlot(entry, slot))
		}
		return sum / float64(count)
	}

	// accumulator-backed aggregates store an owner reference in the slot
	switch {
	case target.Agg == queryCom.AggApproxCountDistinct || target.CountDistinct != nil:
		if rs.owner == nil {
			return nil
		}
		set := rs.owner.CountDistinctSetAt(storage.ReadSlot(entry, slot))
		if set == nil {
			return nil
		}
		return set.Count()
	case target.Agg == queryCom.AggApproxQuantile:
		if rs.owner == nil {
			return nil
		}
		sketch := rs.owner.QuantileSketchAt(storage.ReadSlot(entry, slot))
		if sketch == nil {
			return nil
		}
		value, ok := sketch.Quantile(target.Quantile)
		if !ok {
			return nil
		}
		return value
	case target.Agg == queryCom.AggMode:
		if rs.owner == nil {
			return nil
		}
		modes := rs.owner.ModeStorageAt(storage.ReadSlot(entry, slot))
		if modes == nil {
			return nil
		}
		value, ok := modes.Mode()
		if !ok {
			return nil
		}
		return value
	}

	if target.Type.IsVarlen() {
		if rs.owner == nil {
			return nil
		}
		ref := storage.ReadSlot(entry, slot)
		if ref < 0 {
			return nil
		}
		return rs.owner.VarlenBuffer(ref)
	}

	if target.Type.IsFloatingPoint() {
		value := storage.ReadSlotFloat(entry, slot)
		if target.Nullable && isNullFloat(value, width) {
			return nil
		}
		return value
	}

	value := storage.ReadSlot(entry, slot)
	if target.Nullable && isNullInt(value, width) {
		return nil
	}
	return value
}

// resolveLazyValue follows a lazy-fetched cell into its source fragment.
func (rs *ResultSet) resolveLazyValue(col int, raw TargetValue) TargetValue {
	info := rs.lazyFetch[col]
	if !info.IsLazilyFetched {
		return raw
	}
	rowIdx, ok := raw.(int64)
	if !ok || rowIdx < 0 {
		return nil
	}
	return info.Fragment.ValueAt(rowIdx)
}

// GetRowAtNoTranslations decodes the physical entry without applying the
// permutation or lazy fetch. An optional skip mask leaves the flagged
// columns nil, one bit per column, so callers handling those columns
// elsewhere avoid the decode.
func (rs *ResultSet) GetRowAtNoTranslations(entry int, skipMask ...uint64) []TargetValue {
	storage, local := rs.resolveEntry(entry)
	if storage == nil || storage.IsRowEmpty(local) {
		return nil
	}
	var skip uint64
	if len(skipMask) > 0 {
		skip = skipMask[0]
	}
	row := make([]TargetValue, len(rs.targets))
	for col := range rs.targets {
		if skip&(1<<uint(col)) != 0 {
			continue
		}
		row[col] = rs.readTargetValue(storage, local, col)
	}
	return row
}

// GetRowAt decodes logical row i, applying the row translation and
// resolving lazy fetched columns.
func (rs *ResultSet) GetRowAt(i int) []TargetValue {
	translation := rs.rowTranslation()
	if i < 0 || i >= len(translation) {
		return nil
	}
	row := rs.GetRowAtNoTranslations(int(translation[i]))
	if row == nil {
		return nil
	}
	for col := range row {
		row[col] = rs.resolveLazyValue(col, row[col])
	}
	return row
}

// MoveToBegin resets the row cursor.
func (rs *ResultSet) MoveToBegin() {
	atomic.StoreInt64(&rs.cursor, 0)
}

// GetNextRow advances the cursor past empty entries and returns the next
// populated row, or nil at the end.
func (rs *ResultSet) GetNextRow() []TargetValue {
	limit := int64(len(rs.rowTranslation()))
	for {
		i := atomic.AddInt64(&rs.cursor, 1) - 1
		if i >= limit {
			return nil
		}
		if row := rs.GetRowAt(int(i)); row != nil {
			return row
		}
	}
}

// RowCount returns the number of populated rows. The first computation is
// cached; later callers observe the same count.
func (rs *ResultSet) RowCount() int {
	return rs.rowCount(false)
}

// ParallelRowCount counts populated rows with entry ranges partitioned
// across workers.
func (rs *ResultSet) ParallelRowCount() int {
	return rs.rowCount(true)
}

func (rs *ResultSet) rowCount(parallel bool) int {
	if cached := atomic.LoadInt64(&rs.cachedRowCount); cached != rowCountNotCached {
		return int(cached)
	}
	var count int64
	if rs.limit != 0 || rs.offset != 0 {
		count = int64(len(rs.rowTranslation()))
	} else if rs.permutation != nil {
		count = int64(len(rs.permutation))
	} else if parallel {
		count = rs.countNonEmptyParallel()
	} else {
		for entry := 0; entry < rs.EntryCount(); entry++ {
			if !rs.IsRowAtEmpty(entry) {
				count++
			}
		}
	}
	// first writer wins; a concurrent counter computed the same value
	atomic.CompareAndSwapInt64(&rs.cachedRowCount, rowCountNotCached, count)
	return int(atomic.LoadInt64(&rs.cachedRowCount))
}

func (rs *ResultSet) countNonEmptyParallel() int64 {
	entryCount := rs.EntryCount()
	workers := runtime.NumCPU()
	if workers > entryCount {
		workers = entryCount
	}
	if workers <= 1 {
		var count int64
		for entry := 0; entry < entryCount; entry++ {
			if !rs.IsRowAtEmpty(entry) {
				count++
			}
		}
		return count
	}
	var total int64
	var wg sync.WaitGroup
	chunk := (entryCount + workers - 1) / workers
	for start := 0; start < entryCount; start += chunk {
		end := start + chunk
		if end > entryCount {
			end = entryCount
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			var local int64
			for entry := start; entry < end; entry++ {
				if !rs.IsRowAtEmpty(entry) {
					local++
				}
			}
			atomic.AddInt64(&total, local)
		}(start, end)
	}
	wg.Wait()
	return total
}
