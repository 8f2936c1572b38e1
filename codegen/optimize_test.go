package codegen

import (
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func buildConstBranchModule() *Module {
	m := NewModule("branches")
	phi := &Value{Kind: ValueInstr, Name: "picked", Type: TypeI64}
	fn := &Function{
		Name:       "pick",
		ReturnType: TypeI64,
		Blocks: []*BasicBlock{
			{Name: "entry", Instructions: []*Instruction{
				{Op: OpCondBr, Operands: []*Value{ConstInt(TypeI1, 0)}, Then: "a", Else: "b"},
			}},
			{Name: "a", Instructions: []*Instruction{{Op: OpBr, Then: "join"}}},
			{Name: "b", Instructions: []*Instruction{{Op: OpBr, Then: "join"}}},
			{Name: "join", Instructions: []*Instruction{
				{Op: OpPhi, Result: phi, Incoming: []PhiIncoming{
					{Block: "a", Value: ConstInt(TypeI64, 1)},
					{Block: "b", Value: ConstInt(TypeI64, 2)},
				}},
				{Op: OpRet, Operands: []*Value{phi}},
			}},
		},
	}
	m.Functions = append(m.Functions, fn)
	return m
}

var _ = ginkgo.Describe("optimization pipeline", func() {
	ginkgo.It("deduplicates pure computations", func() {
		m := NewModule("cse")
		x := Param("x", TypeI64)
		a := &Value{Kind: ValueInstr, Name: "a", Type: TypeI64}
		b := &Value{Kind: ValueInstr, Name: "b", Type: TypeI64}
		c := &Value{Kind: ValueInstr, Name: "c", Type: TypeI64}
		m.Functions = append(m.Functions, &Function{
			Name:       "square_inc",
			Params:     []*Value{x},
			ReturnType: TypeI64,
			Blocks: []*BasicBlock{{
				Name: "entry",
				Instructions: []*Instruction{
					{Op: OpAdd, Result: a, Operands: []*Value{x, ConstInt(TypeI64, 1)}},
					{Op: OpAdd, Result: b, Operands: []*Value{x, ConstInt(TypeI64, 1)}},
					{Op: OpMul, Result: c, Operands: []*Value{a, b}},
					{Op: OpRet, Operands: []*Value{c}},
				},
			}},
		})

		Optimize(m, OptimizeOptions{})
		Ω(m.FindFunction("square_inc").Blocks[0].Instructions).Should(HaveLen(3))

		v, err := Execute(m, "square_inc", NewExecEnv(), []int64{5})
		Ω(err).Should(BeNil())
		Ω(v).Should(Equal(int64(36)))
	})

	ginkgo.It("threads constant jumps and prunes the dropped edge", func() {
		m := buildConstBranchModule()
		Optimize(m, OptimizeOptions{})

		fn := m.FindFunction("pick")
		Ω(fn.FindBlock("a")).Should(BeNil())

		v, err := Execute(m, "pick", NewExecEnv(), nil)
		Ω(err).Should(BeNil())
		Ω(v).Should(Equal(int64(2)))
	})

	ginkgo.It("leaves branch structure alone when jump threading is disabled", func() {
		m := buildConstBranchModule()
		Optimize(m, OptimizeOptions{SkipJumpThreading: true})

		fn := m.FindFunction("pick")
		Ω(fn.EntryBlock().Terminator().Op).Should(Equal(OpCondBr))
		Ω(fn.FindBlock("a")).ShouldNot(BeNil())

		v, err := Execute(m, "pick", NewExecEnv(), nil)
		Ω(err).Should(BeNil())
		Ω(v).Should(Equal(int64(2)))
	})

	ginkgo.It("removes unused pure instructions but keeps stores", func() {
		m := NewModule("dce")
		x := Param("x", TypeI64)
		dead := &Value{Kind: ValueInstr, Name: "dead", Type: TypeI64}
		m.Functions = append(m.Functions, &Function{
			Name:       "publish",
			Params:     []*Value{x},
			ReturnType: TypeI64,
			Blocks: []*BasicBlock{{
				Name: "entry",
				Instructions: []*Instruction{
					{Op: OpMul, Result: dead, Operands: []*Value{x, ConstInt(TypeI64, 99)}},
					{Op: OpStore, Operands: []*Value{x, Global("published")}},
					{Op: OpRet, Operands: []*Value{x}},
				},
			}},
		})

		Optimize(m, OptimizeOptions{})
		insts := m.FindFunction("publish").Blocks[0].Instructions
		Ω(insts).Should(HaveLen(2))
		Ω(insts[0].Op).Should(Equal(OpStore))

		env := NewExecEnv()
		v, err := Execute(m, "publish", env, []int64{7})
		Ω(err).Should(BeNil())
		Ω(v).Should(Equal(int64(7)))
		Ω(env.Cells["published"]).Should(Equal(int64(7)))
	})

	ginkgo.It("folds always-inline callees into their call sites", func() {
		m := NewModule("inline")
		x := Param("x", TypeI64)
		r := &Value{Kind: ValueInstr, Name: "r", Type: TypeI64}
		m.Functions = append(m.Functions, &Function{
			Name:       "double",
			Params:     []*Value{x},
			ReturnType: TypeI64,
			Attributes: []string{AlwaysInlineAttribute},
			Blocks: []*BasicBlock{{
				Name: "entry",
				Instructions: []*Instruction{
					{Op: OpAdd, Result: r, Operands: []*Value{x, x}},
					{Op: OpRet, Operands: []*Value{r}},
				},
			}},
		})
		v := &Value{Kind: ValueInstr, Name: "v", Type: TypeI64}
		m.Functions = append(m.Functions, &Function{
			Name:       "caller",
			ReturnType: TypeI64,
			Blocks: []*BasicBlock{{
				Name: "entry",
				Instructions: []*Instruction{
					{Op: OpCall, Result: v, Callee: "double", Operands: []*Value{ConstInt(TypeI64, 21)}},
					{Op: OpRet, Operands: []*Value{v}},
				},
			}},
		})

		Optimize(m, OptimizeOptions{})
		for _, bb := range m.FindFunction("caller").Blocks {
			for _, inst := range bb.Instructions {
				Ω(inst.Op).ShouldNot(Equal(OpCall))
			}
		}

		got, err := Execute(m, "caller", NewExecEnv(), nil)
		Ω(err).Should(BeNil())
		Ω(got).Should(Equal(int64(42)))
	})

	ginkgo.It("preserves loop behavior end to end", func() {
		m, _ := buildRowLoopModule()
		Optimize(m, OptimizeOptions{})

		env := runEnv()
		env.Cells[PlaceholderName(0)] = 5
		ret, err := Execute(m, "query_func", env, []int64{10})
		Ω(err).Should(BeNil())
		Ω(ret).Should(Equal(int64(0)))
		Ω(env.Cells["out"]).Should(Equal(int64(225)))
	})
})
