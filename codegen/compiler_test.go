package codegen

import (
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("compiler", func() {
	ginkgo.It("serves repeat CPU compilations from the cache", func() {
		c := NewCompiler(NewCodeCache(16, 0.3), nil)

		_, state1 := buildRowLoopModule()
		ctx1, err := c.CompileCPU(state1, CompileOptions{})
		Ω(err).Should(BeNil())

		env := runEnv()
		ret, err := ctx1.Run(env, 10)
		Ω(err).Should(BeNil())
		Ω(ret).Should(Equal(int64(0)))
		Ω(env.Cells["out"]).Should(Equal(int64(135)))

		// an identical compilation reuses the executable context
		_, state2 := buildRowLoopModule()
		ctx2, err := c.CompileCPU(state2, CompileOptions{})
		Ω(err).Should(BeNil())
		Ω(ctx2).Should(BeIdenticalTo(ctx1))
	})

	ginkgo.It("compiles distinct programs separately", func() {
		c := NewCompiler(NewCodeCache(16, 0.3), nil)

		_, state1 := buildRowLoopModule()
		ctx1, err := c.CompileCPU(state1, CompileOptions{})
		Ω(err).Should(BeNil())

		_, state2 := buildRowLoopModule()
		state2.Literals[0].Literal = ConstInt(TypeI64, 7)
		ctx2, err := c.CompileCPU(state2, CompileOptions{})
		Ω(err).Should(BeNil())
		Ω(ctx2).ShouldNot(BeIdenticalTo(ctx1))

		env := runEnv()
		_, err = ctx2.Run(env, 10)
		Ω(err).Should(BeNil())
		Ω(env.Cells["out"]).Should(Equal(int64(315)))
	})

	ginkgo.It("binds cached GPU artifacts without re-emitting", func() {
		mgr, driver := newTestDeviceManager()
		defer mgr.Close()
		c := NewCompiler(NewCodeCache(16, 0.3), mgr)

		_, state1 := buildRowLoopModule()
		ctx1, err := c.CompileGPU(state1, CompileOptions{}, []int{0}, "")
		Ω(err).Should(BeNil())

		_, state2 := buildRowLoopModule()
		ctx2, err := c.CompileGPU(state2, CompileOptions{}, []int{0}, "")
		Ω(err).Should(BeNil())
		Ω(ctx2.PTX()).Should(Equal(ctx1.PTX()))

		// both contexts hold their own loaded module
		m1, ok := ctx1.ModuleFor(0)
		Ω(ok).Should(BeTrue())
		m2, ok := ctx2.ModuleFor(0)
		Ω(ok).Should(BeTrue())
		Ω(m2).ShouldNot(Equal(m1))
		Ω(driver.ModuleImage(m2)).Should(Equal(driver.ModuleImage(m1)))
	})
})
