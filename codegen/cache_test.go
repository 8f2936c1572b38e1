package codegen

import (
	"fmt"

	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("artifact", func() {
	ginkgo.It("round trips through compression", func() {
		text := []byte(".version 8.3\n.target sm_75\n")
		artifact := NewArtifact(text, nil)
		Ω(artifact.CompressedSize()).Should(BeNumerically(">", 0))

		got, err := artifact.Text()
		Ω(err).Should(BeNil())
		Ω(got).Should(Equal(text))
	})
})

var _ = ginkgo.Describe("cache key", func() {
	ginkgo.It("is deterministic across identical compilations", func() {
		_, state1 := buildRowLoopModule()
		_, state2 := buildRowLoopModule()
		Ω(CacheKey(state1, 0)).Should(Equal(CacheKey(state2, 0)))
	})

	ginkgo.It("changes when a root function body changes", func() {
		_, state1 := buildRowLoopModule()
		_, state2 := buildRowLoopModule()
		rowFunc := state2.Module.FindFunction("row_func")
		rowFunc.Blocks[0].Instructions[1].Operands[0] = ConstInt(TypeI64, 17)
		Ω(CacheKey(state1, 0)).ShouldNot(Equal(CacheKey(state2, 0)))
	})

	ginkgo.It("includes the executor only when buffer tracking is armed", func() {
		_, state := buildRowLoopModule()
		Ω(CacheKey(state, 1)).Should(Equal(CacheKey(state, 2)))

		state.Module.Flags[ManageMemoryBufferFlag] = 1
		Ω(CacheKey(state, 1)).ShouldNot(Equal(CacheKey(state, 2)))
	})
})

var _ = ginkgo.Describe("code cache", func() {
	makeArtifact := func(i int) *Artifact {
		return NewArtifact([]byte(fmt.Sprintf("artifact %d", i)), nil)
	}

	ginkgo.It("evicts the oldest entry at capacity", func() {
		cache := NewCodeCache(3, 0.3)
		for i := 0; i < 4; i++ {
			cache.Put(uint32(i), makeArtifact(i))
		}
		Ω(cache.Size()).Should(Equal(3))
		_, ok := cache.Get(0)
		Ω(ok).Should(BeFalse())
		_, ok = cache.Get(3)
		Ω(ok).Should(BeTrue())
	})

	ginkgo.It("refreshes recency on hit", func() {
		cache := NewCodeCache(3, 0.3)
		for i := 0; i < 3; i++ {
			cache.Put(uint32(i), makeArtifact(i))
		}
		// touching the oldest entry moves the eviction to the next oldest
		_, ok := cache.Get(0)
		Ω(ok).Should(BeTrue())
		cache.Put(3, makeArtifact(3))

		_, ok = cache.Get(0)
		Ω(ok).Should(BeTrue())
		_, ok = cache.Get(1)
		Ω(ok).Should(BeFalse())
	})

	ginkgo.It("replaces entries under the same key without growing", func() {
		cache := NewCodeCache(3, 0.3)
		cache.Put(7, makeArtifact(1))
		cache.Put(7, makeArtifact(2))
		Ω(cache.Size()).Should(Equal(1))

		artifact, ok := cache.Get(7)
		Ω(ok).Should(BeTrue())
		text, err := artifact.Text()
		Ω(err).Should(BeNil())
		Ω(string(text)).Should(Equal("artifact 2"))
	})

	ginkgo.It("evicts a rounded-up fraction of the oldest entries", func() {
		cache := NewCodeCache(16, 0.3)
		for i := 0; i < 10; i++ {
			cache.Put(uint32(i), makeArtifact(i))
		}
		Ω(cache.EvictFraction()).Should(Equal(3))
		Ω(cache.Size()).Should(Equal(7))

		// the three oldest are gone, the rest survive
		for i := 0; i < 3; i++ {
			_, ok := cache.Get(uint32(i))
			Ω(ok).Should(BeFalse())
		}
		for i := 3; i < 10; i++ {
			_, ok := cache.Get(uint32(i))
			Ω(ok).Should(BeTrue())
		}
	})

	ginkgo.It("clamps a bad eviction fraction to the default", func() {
		cache := NewCodeCache(16, 42)
		for i := 0; i < 10; i++ {
			cache.Put(uint32(i), makeArtifact(i))
		}
		Ω(cache.EvictFraction()).Should(Equal(3))
	})
})
