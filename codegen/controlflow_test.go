package codegen

import (
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	queryCom "github.com/magmadb/magma/query/common"
)

// buildFailingLoopModule builds a loop whose row function accumulates pos
// into @out and returns error code 1 at the failing row.
func buildFailingLoopModule(failAt int64) *Module {
	m := NewModule("failing_loop")

	rowPos := Param("pos", TypeI64)
	cur := &Value{Kind: ValueInstr, Name: "cur", Type: TypeI64}
	sum := &Value{Kind: ValueInstr, Name: "sum", Type: TypeI64}
	isBad := &Value{Kind: ValueInstr, Name: "is_bad", Type: TypeI1}
	code := &Value{Kind: ValueInstr, Name: "code", Type: TypeI32}
	rowFunc := &Function{
		Name:       "row_func",
		Params:     []*Value{rowPos},
		ReturnType: TypeI32,
		Blocks: []*BasicBlock{{
			Name: "entry",
			Instructions: []*Instruction{
				{Op: OpLoad, Result: cur, Operands: []*Value{Global("out")}},
				{Op: OpAdd, Result: sum, Operands: []*Value{cur, rowPos}},
				{Op: OpStore, Operands: []*Value{sum, Global("out")}},
				{Op: OpICmp, Pred: PredEQ, Result: isBad,
					Operands: []*Value{rowPos, ConstInt(TypeI64, failAt)}},
				{Op: OpSelect, Result: code,
					Operands: []*Value{isBad, ConstInt(TypeI32, 1), ConstInt(TypeI32, 0)}},
				{Op: OpRet, Operands: []*Value{code}},
			},
		}},
	}

	rowCount := Param("row_count", TypeI64)
	pos := &Value{Kind: ValueInstr, Name: "pos", Type: TypeI64}
	next := &Value{Kind: ValueInstr, Name: "next", Type: TypeI64}
	done := &Value{Kind: ValueInstr, Name: "done", Type: TypeI1}
	err := &Value{Kind: ValueInstr, Name: "err", Type: TypeI32}
	queryFunc := &Function{
		Name:       "query_func",
		Params:     []*Value{rowCount},
		ReturnType: TypeI32,
		Blocks: []*BasicBlock{
			{Name: "entry", Instructions: []*Instruction{{Op: OpBr, Then: "loop"}}},
			{
				Name: "loop",
				Instructions: []*Instruction{
					{Op: OpPhi, Result: pos, Incoming: []PhiIncoming{
						{Block: "entry", Value: ConstInt(TypeI64, 0)},
						{Block: "loop", Value: next},
					}},
					{Op: OpCall, Result: err, Callee: "row_func", Operands: []*Value{pos}},
					{Op: OpAdd, Result: next, Operands: []*Value{pos, ConstInt(TypeI64, 1)}},
					{Op: OpICmp, Pred: PredSGE, Result: done, Operands: []*Value{next, rowCount}},
					{Op: OpCondBr, Operands: []*Value{done}, Then: "exit", Else: "loop"},
				},
			},
			{Name: "exit", Instructions: []*Instruction{
				{Op: OpRet, Operands: []*Value{ConstInt(TypeI32, 0)}},
			}},
		},
	}
	m.Functions = append(m.Functions, rowFunc, queryFunc)
	return m
}

var _ = ginkgo.Describe("runtime check injection", func() {
	ginkgo.It("routes row failures through the error exit", func() {
		m := buildFailingLoopModule(5)
		Ω(InjectRuntimeChecks(m, "query_func", "row_func", RuntimeCheckOptions{})).Should(BeNil())

		env := runEnv()
		ret, err := Execute(m, "query_func", env, []int64{100})
		Ω(err).Should(BeNil())
		Ω(ret).Should(Equal(int64(1)))
		// rows 0..5 ran before the failure stopped the loop
		Ω(env.Cells["out"]).Should(Equal(int64(15)))
		Ω(env.Cells["error_code"]).Should(Equal(int64(1)))
	})

	ginkgo.It("finishes cleanly when no row fails", func() {
		m := buildFailingLoopModule(-1)
		Ω(InjectRuntimeChecks(m, "query_func", "row_func", RuntimeCheckOptions{})).Should(BeNil())

		env := runEnv()
		ret, err := Execute(m, "query_func", env, []int64{10})
		Ω(err).Should(BeNil())
		Ω(ret).Should(Equal(int64(0)))
		Ω(env.Cells["out"]).Should(Equal(int64(45)))
	})

	ginkgo.It("stops the loop when the watchdog fires on a sampled row", func() {
		_, state := buildRowLoopModule()
		ctx, err := CompileCPU(state, CompileOptions{
			Checks: RuntimeCheckOptions{EnableWatchdog: true},
		})
		Ω(err).Should(BeNil())

		env := runEnv()
		calls := 0
		env.RegisterHelper(HelperDynamicWatchdog, func(env *ExecEnv, args []int64) (int64, error) {
			calls++
			if calls >= 2 {
				return 1, nil
			}
			return 0, nil
		})
		ret, err := ctx.Run(env, 200)
		Ω(err).Should(BeNil())
		Ω(ret).Should(Equal(int64(queryCom.ErrorCodeOutOfTime)))
		Ω(env.Cells["error_code"]).Should(Equal(int64(queryCom.ErrorCodeOutOfTime)))
		// samples land on rows 0 and 64; rows 0..64 ran before the stop
		Ω(calls).Should(Equal(2))
		Ω(env.Cells["out"]).Should(Equal(int64(3 * 2080)))
	})

	ginkgo.It("stops the loop when an interrupt is observed", func() {
		_, state := buildRowLoopModule()
		ctx, err := CompileCPU(state, CompileOptions{
			Checks: RuntimeCheckOptions{
				EnableInterrupt:   true,
				RowCount:          64,
				InterruptFraction: 0.5,
			},
		})
		Ω(err).Should(BeNil())

		env := runEnv()
		calls := 0
		env.RegisterHelper(HelperCheckInterrupt, func(env *ExecEnv, args []int64) (int64, error) {
			calls++
			if calls >= 2 {
				return 1, nil
			}
			return 0, nil
		})
		ret, err := ctx.Run(env, 64)
		Ω(err).Should(BeNil())
		Ω(ret).Should(Equal(int64(queryCom.ErrorCodeInterrupted)))
		Ω(env.Cells["error_code"]).Should(Equal(int64(queryCom.ErrorCodeInterrupted)))
		// period 32, so the flag is polled at rows 0 and 32
		Ω(calls).Should(Equal(2))
		Ω(env.Cells["out"]).Should(Equal(int64(3 * 528)))
	})

	ginkgo.It("runs to completion when the interrupt flag stays clear", func() {
		_, state := buildRowLoopModule()
		ctx, err := CompileCPU(state, CompileOptions{
			Checks: RuntimeCheckOptions{EnableInterrupt: true, RowCount: 64},
		})
		Ω(err).Should(BeNil())

		env := runEnv()
		ret, err := ctx.Run(env, 10)
		Ω(err).Should(BeNil())
		Ω(ret).Should(Equal(int64(0)))
		Ω(env.Cells["out"]).Should(Equal(int64(3 * 45)))
	})

	ginkgo.It("lets the watchdog win when both checks are requested", func() {
		m := buildFailingLoopModule(-1)
		Ω(InjectRuntimeChecks(m, "query_func", "row_func", RuntimeCheckOptions{
			EnableWatchdog:  true,
			EnableInterrupt: true,
			RowCount:        1 << 20,
		})).Should(BeNil())

		callees := map[string]bool{}
		for _, name := range m.FindFunction("query_func").CalledFunctions() {
			callees[name] = true
		}
		Ω(callees[HelperDynamicWatchdog]).Should(BeTrue())
		Ω(callees[HelperCheckInterrupt]).Should(BeFalse())
	})

	ginkgo.It("samples the GPU watchdog below the whole-block boundary", func() {
		m := buildFailingLoopModule(-1)
		Ω(InjectRuntimeChecks(m, "query_func", "row_func", RuntimeCheckOptions{
			EnableWatchdog: true,
			ForGPU:         true,
			RowCount:       100,
			BlockSize:      32,
		})).Should(BeNil())

		// the ragged tail past 96 rows runs unchecked
		var boundary int64 = -1
		for _, bb := range m.FindFunction("query_func").Blocks {
			for _, inst := range bb.Instructions {
				if inst.Op == OpICmp && inst.Pred == PredSLT &&
					inst.Operands[1].Kind == ValueConst {
					boundary = inst.Operands[1].Int
				}
			}
		}
		Ω(boundary).Should(Equal(int64(96)))
	})

	ginkgo.It("checks loop joins on every iteration", func() {
		m := buildFailingLoopModule(-1)
		Ω(InjectRuntimeChecks(m, "query_func", "row_func", RuntimeCheckOptions{
			EnableInterrupt: true,
			RowCount:        1 << 20,
			LoopJoin:        true,
		})).Should(BeNil())

		// period 1 means the sampling mask is zero
		var mask int64 = -1
		for _, bb := range m.FindFunction("query_func").Blocks {
			for _, inst := range bb.Instructions {
				if inst.Op == OpAnd && inst.Operands[1].Kind == ValueConst {
					mask = inst.Operands[1].Int
				}
			}
		}
		Ω(mask).Should(Equal(int64(0)))
	})

	ginkgo.It("fails when the query never calls the row function", func() {
		m := buildFailingLoopModule(-1)
		err := InjectRuntimeChecks(m, "query_func", "other_func", RuntimeCheckOptions{})
		Ω(err).ShouldNot(BeNil())
	})
})

var _ = ginkgo.Describe("interrupt check period", func() {
	ginkgo.It("derives a power-of-two period from the remaining fraction", func() {
		Ω(InterruptCheckPeriod(32, 0.5, 0)).Should(Equal(int64(16)))
		Ω(InterruptCheckPeriod(1024, 0.9, 0)).Should(Equal(int64(64)))
		Ω(InterruptCheckPeriod(1024, 0.5, 0)).Should(Equal(int64(512)))
	})

	ginkgo.It("clamps small increments to the floor", func() {
		Ω(InterruptCheckPeriod(10, 0.5, 0)).Should(Equal(int64(8)))
		Ω(InterruptCheckPeriod(32, 1.0, 0)).Should(Equal(int64(8)))
		Ω(InterruptCheckPeriod(1024, 0.99, 16)).Should(Equal(int64(16)))
	})

	ginkgo.It("keeps the upper clamp a power of two for the sampler mask", func() {
		// maxInc/2 is not a power of two here; the period halves below it
		// instead of landing on it
		Ω(InterruptCheckPeriod(24, 0.0, 0)).Should(Equal(int64(8)))
		Ω(InterruptCheckPeriod(100, 0.0, 0)).Should(Equal(int64(32)))
		Ω(InterruptCheckPeriod(48, 0.1, 0)).Should(Equal(int64(16)))
	})
})
