package query

import (
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	queryCom "github.com/magmadb/magma/query/common"
)

// makeGroupByResultSet builds a sparse hashed group-by result with one
// int64 key column materialized as the first target, a SUM slot and an AVG
// pair. Populated entries get key = entry*10, sum = entry, avg = entry/2.
func makeGroupByResultSet(entryCount int, populated []int) *ResultSet {
	targets := []queryCom.TargetInfo{
		{Type: queryCom.SQLType{Kind: queryCom.KindInt64, NotNull: true}},
		{Type: queryCom.SQLType{Kind: queryCom.KindInt64, NotNull: true}, Agg: queryCom.AggSum},
		{Type: queryCom.SQLType{Kind: queryCom.KindInt64}, Agg: queryCom.AggAvg},
	}
	qmd := &queryCom.QueryMemoryDescriptor{
		QueryDescType:    queryCom.GroupByPerfectHash,
		EntryCount:       entryCount,
		PaddedSlotWidths: []int{8, 8, 8, 8},
		KeyWidths:        []int{8},
	}
	storage := queryCom.NewResultStorage(qmd)
	storage.MarkAllRowsEmpty()
	for _, entry := range populated {
		storage.WriteKey(entry, 0, int64(entry))
		storage.WriteSlot(entry, 0, int64(entry)*10)
		storage.WriteSlot(entry, 1, int64(entry))
		storage.WriteSlot(entry, 2, int64(entry))
		storage.WriteSlot(entry, 3, 2)
	}
	return NewResultSet(targets, storage, nil)
}

var _ = ginkgo.Describe("result set", func() {
	ginkgo.It("counts populated rows serially and in parallel", func() {
		rs := makeGroupByResultSet(100, []int{3, 7, 50, 99})
		Ω(rs.RowCount()).Should(Equal(4))

		rs = makeGroupByResultSet(100, []int{3, 7, 50, 99})
		Ω(rs.ParallelRowCount()).Should(Equal(4))
	})

	ginkgo.It("caches the first row count", func() {
		rs := makeGroupByResultSet(10, []int{1, 2})
		Ω(rs.RowCount()).Should(Equal(2))
		// mutate behind the cache; the count must not change
		rs.storages[0].WriteKey(5, 0, 5)
		Ω(rs.RowCount()).Should(Equal(2))
		Ω(rs.ParallelRowCount()).Should(Equal(2))
	})

	ginkgo.It("decodes rows skipping empty entries", func() {
		rs := makeGroupByResultSet(20, []int{4, 11})
		row := rs.GetRowAt(0)
		Ω(row).Should(Equal([]TargetValue{int64(40), int64(4), 2.0}))
		row = rs.GetRowAt(1)
		Ω(row).Should(Equal([]TargetValue{int64(110), int64(11), 5.5}))
		Ω(rs.GetRowAt(2)).Should(BeNil())
	})

	ginkgo.It("iterates with the cursor and resets", func() {
		rs := makeGroupByResultSet(20, []int{4, 11})
		Ω(rs.GetNextRow()).ShouldNot(BeNil())
		Ω(rs.GetNextRow()).ShouldNot(BeNil())
		Ω(rs.GetNextRow()).Should(BeNil())
		rs.MoveToBegin()
		Ω(rs.GetNextRow()).ShouldNot(BeNil())
	})

	ginkgo.It("applies a permutation", func() {
		rs := makeGroupByResultSet(20, []int{4, 11})
		rs.SetPermutation([]int64{11, 4})
		Ω(rs.GetRowAt(0)[0]).Should(Equal(TargetValue(int64(110))))
		Ω(rs.GetRowAt(1)[0]).Should(Equal(TargetValue(int64(40))))
		Ω(rs.RowCount()).Should(Equal(2))
	})

	ginkgo.It("materializes AVG as double and NULL on zero count", func() {
		rs := makeGroupByResultSet(10, []int{2})
		Ω(rs.GetColType(2).Kind).Should(Equal(queryCom.KindDouble))
		rs.storages[0].WriteSlot(2, 3, 0)
		Ω(rs.GetRowAt(0)[2]).Should(BeNil())
	})

	ginkgo.It("reports null sentinels as nil for nullable targets", func() {
		targets := []queryCom.TargetInfo{
			{Type: queryCom.SQLType{Kind: queryCom.KindInt32}, Nullable: true},
		}
		qmd := &queryCom.QueryMemoryDescriptor{
			QueryDescType:    queryCom.Projection,
			EntryCount:       2,
			OutputColumnar:   true,
			PaddedSlotWidths: []int{4},
		}
		storage := queryCom.NewResultStorage(qmd)
		storage.WriteSlot(0, 0, int64(queryCom.NullInt32))
		storage.WriteSlot(1, 0, 7)
		rs := NewResultSet(targets, storage, nil)
		Ω(rs.GetRowAt(0)[0]).Should(BeNil())
		Ω(rs.GetRowAt(1)[0]).Should(Equal(TargetValue(int64(7))))
	})

	ginkgo.It("resolves lazily fetched columns through the fragment", func() {
		targets := []queryCom.TargetInfo{
			{Type: queryCom.SQLType{Kind: queryCom.KindInt64, NotNull: true}},
		}
		qmd := &queryCom.QueryMemoryDescriptor{
			QueryDescType:    queryCom.Projection,
			EntryCount:       3,
			OutputColumnar:   true,
			PaddedSlotWidths: []int{8},
		}
		storage := queryCom.NewResultStorage(qmd)
		// cells hold source row indices
		storage.WriteSlot(0, 0, 2)
		storage.WriteSlot(1, 0, 0)
		storage.WriteSlot(2, 0, 1)
		rs := NewResultSet(targets, storage, nil)
		rs.SetLazyFetchInfo([]LazyFetchInfo{{
			IsLazilyFetched: true,
			Fragment:        &SliceFragment{Values: []TargetValue{int64(100), int64(200), int64(300)}},
		}})
		Ω(rs.GetRowAt(0)[0]).Should(Equal(TargetValue(int64(300))))
		Ω(rs.GetRowAt(1)[0]).Should(Equal(TargetValue(int64(100))))
		Ω(rs.GetRowAt(2)[0]).Should(Equal(TargetValue(int64(200))))
	})

	ginkgo.It("sums entry counts across appended storages", func() {
		rs := makeGroupByResultSet(10, []int{1})
		other := makeGroupByResultSet(10, []int{2, 3})
		Ω(rs.Append(other.storages[0])).Should(BeNil())
		Ω(rs.EntryCount()).Should(Equal(20))
		Ω(rs.RowCount()).Should(Equal(3))
		// second storage entry 2 follows first storage entry 1
		Ω(rs.GetRowAt(1)[0]).Should(Equal(TargetValue(int64(20))))
	})

	ginkgo.It("rejects appending a mismatched storage", func() {
		rs := makeGroupByResultSet(10, nil)
		qmd := &queryCom.QueryMemoryDescriptor{
			QueryDescType:    queryCom.Projection,
			EntryCount:       1,
			PaddedSlotWidths: []int{4},
		}
		Ω(rs.Append(queryCom.NewResultStorage(qmd))).ShouldNot(BeNil())
	})

	ginkgo.It("gates the direct conversion path by layout", func() {
		rs := makeGroupByResultSet(10, nil)
		Ω(rs.IsDirectColumnarConversionPossible()).Should(BeTrue())

		rs.SetTruncation(5, 0)
		Ω(rs.IsDirectColumnarConversionPossible()).Should(BeFalse())
		rs.SetTruncation(0, 0)

		rs.SetDirectColumnarEnabled(false)
		Ω(rs.IsDirectColumnarConversionPossible()).Should(BeFalse())
		rs.SetDirectColumnarEnabled(true)

		// row-wise non-grouped layouts are not eligible
		qmd := &queryCom.QueryMemoryDescriptor{
			QueryDescType:    queryCom.NonGroupedAggregate,
			EntryCount:       1,
			PaddedSlotWidths: []int{8},
			Keyless:          true,
		}
		targets := []queryCom.TargetInfo{
			{Type: queryCom.SQLType{Kind: queryCom.KindInt64, NotNull: true}, Agg: queryCom.AggCount},
		}
		nonGrouped := NewResultSet(targets, queryCom.NewResultStorage(qmd), nil)
		Ω(nonGrouped.IsDirectColumnarConversionPossible()).Should(BeFalse())
	})

	ginkgo.It("detects zero-copy eligible projection columns", func() {
		targets := []queryCom.TargetInfo{
			{Type: queryCom.SQLType{Kind: queryCom.KindInt64, NotNull: true}},
			{Type: queryCom.SQLType{Kind: queryCom.KindInt32, NotNull: true}},
		}
		qmd := &queryCom.QueryMemoryDescriptor{
			QueryDescType:    queryCom.Projection,
			EntryCount:       4,
			OutputColumnar:   true,
			PaddedSlotWidths: []int{8, 8},
		}
		rs := NewResultSet(targets, queryCom.NewResultStorage(qmd), nil)
		Ω(rs.IsZeroCopyColumnarConversionPossible(0)).Should(BeTrue())
		// padded width 8 does not match the 4 byte type
		Ω(rs.IsZeroCopyColumnarConversionPossible(1)).Should(BeFalse())

		Ω(rs.GetColumnarBuffer(0)).Should(HaveLen(32))
	})

	ginkgo.It("sizes varlen columns by flat buffer elements", func() {
		targets := []queryCom.TargetInfo{
			{Type: queryCom.SQLType{Kind: queryCom.KindArray, ElemWidth: 4}},
		}
		qmd := &queryCom.QueryMemoryDescriptor{
			QueryDescType:        queryCom.Projection,
			EntryCount:           10,
			OutputColumnar:       true,
			PaddedSlotWidths:     []int{8},
			VarlenOutputElemSize: 4,
		}
		rs := NewResultSet(targets, queryCom.NewResultStorage(qmd), nil)
		Ω(rs.GetColumnarBufferSize(0)).Should(Equal(40))
	})

	ginkgo.It("decodes accumulator-backed aggregates through the owner", func() {
		owner := NewRowSetMemoryOwner()
		modeRef, modes := owner.AddModeStorage()
		modes.Add(42)
		modes.Add(42)
		modes.Add(7)
		sketchRef, sketch := owner.AddQuantileSketch()
		for _, v := range []float64{5, 1, 4, 2, 3} {
			sketch.Add(v)
		}
		distinctRef, set := owner.AddCountDistinctSet(queryCom.CountDistinctDescriptor{
			Impl: queryCom.CountDistinctHashSet,
		})
		set.Add(10)
		set.Add(10)
		set.Add(20)

		targets := []queryCom.TargetInfo{
			{Type: queryCom.SQLType{Kind: queryCom.KindInt64, NotNull: true}, Agg: queryCom.AggMode},
			{Type: queryCom.SQLType{Kind: queryCom.KindDouble}, Agg: queryCom.AggApproxQuantile, Quantile: 0.5},
			{Type: queryCom.SQLType{Kind: queryCom.KindInt64, NotNull: true}, Agg: queryCom.AggApproxCountDistinct},
		}
		qmd := &queryCom.QueryMemoryDescriptor{
			QueryDescType:    queryCom.GroupByPerfectHash,
			EntryCount:       2,
			PaddedSlotWidths: []int{8, 8, 8},
			KeyWidths:        []int{8},
		}
		storage := queryCom.NewResultStorage(qmd)
		storage.MarkAllRowsEmpty()
		storage.WriteKey(0, 0, 1)
		storage.WriteSlot(0, 0, modeRef)
		storage.WriteSlot(0, 1, sketchRef)
		storage.WriteSlot(0, 2, distinctRef)
		rs := NewResultSet(targets, storage, owner)

		Ω(rs.GetColType(1).Kind).Should(Equal(queryCom.KindDouble))
		Ω(rs.GetColType(2).Kind).Should(Equal(queryCom.KindInt64))

		row := rs.GetRowAt(0)
		Ω(row[0]).Should(Equal(TargetValue(int64(42))))
		Ω(row[1]).Should(Equal(TargetValue(3.0)))
		Ω(row[2]).Should(Equal(TargetValue(int64(2))))
	})

	ginkgo.It("decodes accumulator references as nil without an owner", func() {
		targets := []queryCom.TargetInfo{
			{Type: queryCom.SQLType{Kind: queryCom.KindInt64, NotNull: true}, Agg: queryCom.AggMode},
		}
		qmd := &queryCom.QueryMemoryDescriptor{
			QueryDescType:    queryCom.Projection,
			EntryCount:       1,
			OutputColumnar:   true,
			PaddedSlotWidths: []int{8},
		}
		storage := queryCom.NewResultStorage(qmd)
		storage.WriteSlot(0, 0, 0)
		rs := NewResultSet(targets, storage, nil)
		Ω(rs.GetRowAt(0)[0]).Should(BeNil())
	})

	ginkgo.It("applies the limit and offset window", func() {
		rs := makeGroupByResultSet(100, []int{3, 7, 50, 80, 99})
		rs.SetTruncation(2, 1)
		Ω(rs.RowCount()).Should(Equal(2))
		Ω(rs.GetRowAt(0)[0]).Should(Equal(TargetValue(int64(70))))
		Ω(rs.GetRowAt(1)[0]).Should(Equal(TargetValue(int64(500))))
		Ω(rs.GetRowAt(2)).Should(BeNil())

		rs.MoveToBegin()
		Ω(rs.GetNextRow()).ShouldNot(BeNil())
		Ω(rs.GetNextRow()).ShouldNot(BeNil())
		Ω(rs.GetNextRow()).Should(BeNil())
	})

	ginkgo.It("returns no rows when the offset passes the end", func() {
		rs := makeGroupByResultSet(20, []int{4, 11})
		rs.SetTruncation(0, 5)
		Ω(rs.RowCount()).Should(Equal(0))
		Ω(rs.GetRowAt(0)).Should(BeNil())
	})

	ginkgo.It("windows a permutation", func() {
		rs := makeGroupByResultSet(20, []int{4, 11, 17})
		rs.SetPermutation([]int64{17, 11, 4})
		rs.SetTruncation(1, 1)
		Ω(rs.RowCount()).Should(Equal(1))
		Ω(rs.GetRowAt(0)[0]).Should(Equal(TargetValue(int64(110))))
	})

	ginkgo.It("skips masked columns in untranslated row decoding", func() {
		rs := makeGroupByResultSet(20, []int{4})
		row := rs.GetRowAtNoTranslations(4, 0x1)
		Ω(row[0]).Should(BeNil())
		Ω(row[1]).Should(Equal(TargetValue(int64(4))))
		Ω(row[2]).Should(Equal(TargetValue(2.0)))
	})

	ginkgo.It("maps targets to first slots and single-slot bitmap", func() {
		rs := makeGroupByResultSet(10, nil)
		Ω(rs.GetSlotIndicesForTargetIndices()).Should(Equal([]int{0, 1, 2}))

		bitmap, allSingle := rs.GetSupportedSingleSlotTargetBitmap()
		Ω(allSingle).Should(BeFalse())
		Ω(bitmap).Should(Equal(uint64(0x3)))
	})
})
