package codegen

import (
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// buildBufferModule builds a module with two varlen allocations, one of
// them already registered with the executor hook.
func buildBufferModule(armed bool) *Module {
	m := NewModule("buffers")
	if armed {
		m.Flags[ManageMemoryBufferFlag] = 1
	}
	m.Functions = append(m.Functions,
		&Function{Name: HelperAllocateVarlenBuffer, ReturnType: TypePtr,
			Params: []*Value{Param("bytes", TypeI64), Param("count", TypeI64)}},
		&Function{Name: HelperRegisterBuffer, ReturnType: TypeVoid,
			Params: []*Value{Param("executor", TypeI64), Param("buffer", TypePtr)}},
	)

	untracked := &Value{Kind: ValueInstr, Name: "untracked", Type: TypePtr}
	tracked := &Value{Kind: ValueInstr, Name: "tracked", Type: TypePtr}
	m.Functions = append(m.Functions, &Function{
		Name:       "row_func",
		ReturnType: TypeI32,
		Blocks: []*BasicBlock{{
			Name: "entry",
			Instructions: []*Instruction{
				{Op: OpCall, Result: untracked, Callee: HelperAllocateVarlenBuffer,
					Operands: []*Value{ConstInt(TypeI64, 64), ConstInt(TypeI64, 1)}},
				{Op: OpCall, Result: tracked, Callee: HelperAllocateVarlenBuffer,
					Operands: []*Value{ConstInt(TypeI64, 128), ConstInt(TypeI64, 1)}},
				{Op: OpCall, Callee: HelperRegisterBuffer,
					Operands: []*Value{ConstInt(TypeI64, 7), tracked}},
				{Op: OpRet, Operands: []*Value{ConstInt(TypeI32, 0)}},
			},
		}},
	})
	return m
}

var _ = ginkgo.Describe("varlen buffer tracking", func() {
	ginkgo.It("registers untracked allocations with the executor", func() {
		m := buildBufferModule(true)
		Ω(TrackVarlenBuffers(m, 0xbeef)).Should(Equal(1))

		insts := m.FindFunction("row_func").Blocks[0].Instructions
		Ω(insts).Should(HaveLen(5))
		// the registration goes right after the untracked allocation
		Ω(insts[1].Op).Should(Equal(OpCall))
		Ω(insts[1].Callee).Should(Equal(HelperRegisterBuffer))
		Ω(insts[1].Operands[0].Int).Should(Equal(int64(0xbeef)))
		Ω(insts[1].Operands[1]).Should(Equal(insts[0].Result))

		// already registered allocations are left alone
		Ω(TrackVarlenBuffers(m, 0xbeef)).Should(Equal(0))
	})

	ginkgo.It("does nothing unless the module flag arms it", func() {
		m := buildBufferModule(false)
		Ω(TrackVarlenBuffers(m, 0xbeef)).Should(Equal(0))
		Ω(m.FindFunction("row_func").Blocks[0].Instructions).Should(HaveLen(4))
	})

	ginkgo.It("does nothing when the hooks are not declared", func() {
		m := buildBufferModule(true)
		m.RemoveFunction(HelperRegisterBuffer)
		Ω(TrackVarlenBuffers(m, 0xbeef)).Should(Equal(0))
	})
})
