package codegen

import (
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("module linking", func() {
	ginkgo.It("resolves declarations against definitions", func() {
		dst := NewModule("dst")
		Ω(dst.AddFunction(&Function{Name: "udf", ReturnType: TypeI64})).Should(BeNil())

		src := NewModule("src")
		Ω(src.AddFunction(singleRetFunction("udf"))).Should(BeNil())

		Ω(LinkModules(dst, src, LinkNone)).Should(BeNil())
		Ω(dst.FindFunction("udf").IsDeclaration()).Should(BeFalse())

		// the reverse direction keeps the definition too
		dst2 := NewModule("dst2")
		Ω(dst2.AddFunction(singleRetFunction("udf"))).Should(BeNil())
		src2 := NewModule("src2")
		Ω(src2.AddFunction(&Function{Name: "udf", ReturnType: TypeI64})).Should(BeNil())
		Ω(LinkModules(dst2, src2, LinkNone)).Should(BeNil())
		Ω(dst2.FindFunction("udf").IsDeclaration()).Should(BeFalse())
	})

	ginkgo.It("fails on definition collisions without override", func() {
		dst := NewModule("dst")
		Ω(dst.AddFunction(singleRetFunction("udf"))).Should(BeNil())
		src := NewModule("src")
		Ω(src.AddFunction(singleRetFunction("udf"))).Should(BeNil())

		Ω(LinkModules(dst, src, LinkNone)).ShouldNot(BeNil())
	})

	ginkgo.It("lets the source override on device library links", func() {
		dst := NewModule("dst")
		Ω(dst.AddFunction(singleRetFunction("udf"))).Should(BeNil())

		src := NewModule("src")
		override := &Function{
			Name:       "udf",
			ReturnType: TypeI64,
			Blocks: []*BasicBlock{{
				Name: "entry",
				Instructions: []*Instruction{
					{Op: OpRet, Operands: []*Value{ConstInt(TypeI64, 42)}},
				},
			}},
		}
		Ω(src.AddFunction(override)).Should(BeNil())

		Ω(LinkModules(dst, src, LinkOverrideFromSrc)).Should(BeNil())
		env := NewExecEnv()
		v, err := Execute(dst, "udf", env, nil)
		Ω(err).Should(BeNil())
		Ω(v).Should(Equal(int64(42)))
	})

	ginkgo.It("merges module flags without clobbering the destination", func() {
		dst := NewModule("dst")
		dst.Flags["a"] = 1
		src := NewModule("src")
		src.Flags["a"] = 2
		src.Flags["b"] = 3

		Ω(LinkModules(dst, src, LinkNone)).Should(BeNil())
		Ω(dst.Flags["a"]).Should(Equal(int64(1)))
		Ω(dst.Flags["b"]).Should(Equal(int64(3)))
	})
})
