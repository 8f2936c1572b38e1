package codegen

import (
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func singleRetFunction(name string) *Function {
	return &Function{
		Name:       name,
		ReturnType: TypeI64,
		Blocks: []*BasicBlock{{
			Name: "entry",
			Instructions: []*Instruction{
				{Op: OpRet, Operands: []*Value{ConstInt(TypeI64, 0)}},
			},
		}},
	}
}

func buildDeadCodeModule() *Module {
	m := NewModule("deadcode")

	helper := singleRetFunction("live_helper")
	ret := &Value{Kind: ValueInstr, Name: "ret", Type: TypeI64}
	root := &Function{
		Name:       "query_func",
		ReturnType: TypeI64,
		Blocks: []*BasicBlock{{
			Name: "entry",
			Instructions: []*Instruction{
				{Op: OpCall, Result: ret, Callee: "live_helper"},
				{Op: OpRet, Operands: []*Value{ret}},
			},
		}},
	}

	dead := singleRetFunction("dead_helper")

	selfRet := &Value{Kind: ValueInstr, Name: "ret", Type: TypeI64}
	deadRecursive := &Function{
		Name:       "dead_recursive",
		ReturnType: TypeI64,
		Blocks: []*BasicBlock{{
			Name: "entry",
			Instructions: []*Instruction{
				{Op: OpCall, Result: selfRet, Callee: "dead_recursive"},
				{Op: OpRet, Operands: []*Value{selfRet}},
			},
		}},
	}

	writeBack := singleRetFunction("write_back_nop")

	m.Functions = append(m.Functions, root, helper, dead, deadRecursive, writeBack)
	return m
}

var _ = ginkgo.Describe("dead function marking", func() {
	ginkgo.It("internalizes unreachable functions and drops self-recursive ones", func() {
		m := buildDeadCodeModule()
		deleted := MarkDeadRuntimeFunctions(m, []string{"query_func"})

		Ω(deleted).Should(ConsistOf("dead_recursive"))
		Ω(m.FindFunction("dead_recursive")).Should(BeNil())

		Ω(m.FindFunction("dead_helper").Linkage).Should(Equal(LinkageInternal))

		// functions reachable from the roots keep their linkage
		Ω(m.FindFunction("query_func").Linkage).Should(Equal(LinkageExternal))
		Ω(m.FindFunction("live_helper").Linkage).Should(Equal(LinkageExternal))

		// backend primitives stay live without a visible call site
		Ω(m.FindFunction("write_back_nop").Linkage).Should(Equal(LinkageExternal))
	})

	ginkgo.It("garbage collects everything unreachable", func() {
		m := buildDeadCodeModule()
		deleted := GCDeadFunctions(m, []string{"query_func"})

		Ω(deleted).Should(ConsistOf("dead_helper", "dead_recursive"))
		Ω(m.FindFunction("query_func")).ShouldNot(BeNil())
		Ω(m.FindFunction("live_helper")).ShouldNot(BeNil())
		Ω(m.FindFunction("write_back_nop")).ShouldNot(BeNil())
	})

	ginkgo.It("leaves declarations untouched", func() {
		m := buildDeadCodeModule()
		decl := &Function{Name: "external_decl", ReturnType: TypeI64}
		Ω(m.AddFunction(decl)).Should(BeNil())

		MarkDeadRuntimeFunctions(m, []string{"query_func"})
		Ω(m.FindFunction("external_decl")).ShouldNot(BeNil())
		Ω(m.FindFunction("external_decl").Linkage).Should(Equal(LinkageExternal))

		GCDeadFunctions(m, []string{"query_func"})
		Ω(m.FindFunction("external_decl")).ShouldNot(BeNil())
	})
})
