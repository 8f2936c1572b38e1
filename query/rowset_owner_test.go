package query

import (
	"sync"

	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	queryCom "github.com/magmadb/magma/query/common"
)

var _ = ginkgo.Describe("rowset memory owner", func() {
	ginkgo.It("hands out per-kernel arenas lazily", func() {
		owner := NewRowSetMemoryOwner()
		a := owner.SetKernelMemoryAllocator(0)
		b := owner.SetKernelMemoryAllocator(1)
		Ω(a).ShouldNot(BeIdenticalTo(b))
		Ω(owner.SetKernelMemoryAllocator(0)).Should(BeIdenticalTo(a))

		span := owner.Allocate(0, 128)
		Ω(span).Should(HaveLen(128))
		Ω(owner.AllocatedBytes()).Should(Equal(int64(128)))
	})

	ginkgo.It("serves arena spans across chunk boundaries", func() {
		arena := &Arena{}
		first := arena.Allocate(arenaChunkSize - 8)
		second := arena.Allocate(64)
		big := arena.Allocate(arenaChunkSize * 2)
		third := arena.Allocate(16)
		Ω(first).Should(HaveLen(arenaChunkSize - 8))
		Ω(second).Should(HaveLen(64))
		Ω(big).Should(HaveLen(arenaChunkSize * 2))
		Ω(third).Should(HaveLen(16))

		// spans must not overlap
		second[0] = 0xAA
		third[0] = 0xBB
		Ω(second[0]).Should(Equal(byte(0xAA)))
		Ω(third[0]).Should(Equal(byte(0xBB)))
	})

	ginkgo.It("registers and resolves varlen buffers", func() {
		owner := NewRowSetMemoryOwner()
		ref := owner.AddVarlenBuffer([]byte("hello"))
		Ω(owner.VarlenBuffer(ref)).Should(Equal([]byte("hello")))
		Ω(owner.VarlenBuffer(ref + 1)).Should(BeNil())
		Ω(owner.VarlenBuffer(-1)).Should(BeNil())
	})

	ginkgo.It("counts distinct values via bitmap and hash set", func() {
		owner := NewRowSetMemoryOwner()
		_, bitmap := owner.AddCountDistinctSet(queryCom.CountDistinctDescriptor{
			Impl:            queryCom.CountDistinctBitmap,
			BitmapSizeBytes: 16,
			MinValue:        100,
		})
		bitmap.Add(100)
		bitmap.Add(100)
		bitmap.Add(101)
		bitmap.Add(227)
		Ω(bitmap.Count()).Should(Equal(int64(3)))

		ref, set := owner.AddCountDistinctSet(queryCom.CountDistinctDescriptor{
			Impl: queryCom.CountDistinctHashSet,
		})
		set.Add(-5)
		set.Add(-5)
		set.Add(7)
		Ω(set.Count()).Should(Equal(int64(2)))
		Ω(owner.CountDistinctSetAt(ref)).Should(BeIdenticalTo(set))
	})

	ginkgo.It("interns strings per dictionary", func() {
		owner := NewRowSetMemoryOwner()
		proxy := owner.StringDictProxyFor("city")
		Ω(proxy.GetOrAddId("sf")).Should(Equal(int32(0)))
		Ω(proxy.GetOrAddId("nyc")).Should(Equal(int32(1)))
		Ω(proxy.GetOrAddId("sf")).Should(Equal(int32(0)))

		s, ok := proxy.GetString(1)
		Ω(ok).Should(BeTrue())
		Ω(s).Should(Equal("nyc"))
		_, ok = proxy.GetString(5)
		Ω(ok).Should(BeFalse())

		Ω(owner.StringDictProxyFor("city")).Should(BeIdenticalTo(proxy))
	})

	ginkgo.It("answers quantiles from the sketch", func() {
		owner := NewRowSetMemoryOwner()
		_, sketch := owner.AddQuantileSketch()
		for i := 100; i >= 1; i-- {
			sketch.Add(float64(i))
		}
		median, ok := sketch.Quantile(0.5)
		Ω(ok).Should(BeTrue())
		Ω(median).Should(BeNumerically("~", 50, 1))

		empty := &QuantileSketch{}
		_, ok = empty.Quantile(0.5)
		Ω(ok).Should(BeFalse())
	})

	ginkgo.It("tracks the mode under concurrent adds", func() {
		owner := NewRowSetMemoryOwner()
		_, storage := owner.AddModeStorage()
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					storage.Add(int64(i % 10))
					storage.Add(7)
				}
			}(w)
		}
		wg.Wait()
		mode, ok := storage.Mode()
		Ω(ok).Should(BeTrue())
		Ω(mode).Should(Equal(int64(7)))

		empty := newModeStorage()
		_, ok = empty.Mode()
		Ω(ok).Should(BeFalse())
	})
})
