package query

import (
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/magmadb/magma/codegen"
	"github.com/magmadb/magma/common"
	"github.com/magmadb/magma/cudriver"
	"github.com/magmadb/magma/device"
	queryCom "github.com/magmadb/magma/query/common"
)

// buildLoopState constructs a minimal query looping dispatchRowCount rows;
// each row multiplies its position by 3 and accumulates into the @out cell.
// Extra instructions are inserted into the row body before the return.
func buildLoopState(rowExtra ...*codegen.Instruction) *codegen.CgenState {
	m := codegen.NewModule("dispatch")

	rowPos := codegen.Param("pos", codegen.TypeI64)
	cur := &codegen.Value{Kind: codegen.ValueInstr, Name: "cur", Type: codegen.TypeI64}
	prod := &codegen.Value{Kind: codegen.ValueInstr, Name: "prod", Type: codegen.TypeI64}
	sum := &codegen.Value{Kind: codegen.ValueInstr, Name: "sum", Type: codegen.TypeI64}
	body := []*codegen.Instruction{
		{Op: codegen.OpMul, Result: prod,
			Operands: []*codegen.Value{rowPos, codegen.ConstInt(codegen.TypeI64, 3)}},
		{Op: codegen.OpLoad, Result: cur,
			Operands: []*codegen.Value{codegen.Global("out")}},
		{Op: codegen.OpAdd, Result: sum, Operands: []*codegen.Value{cur, prod}},
		{Op: codegen.OpStore, Operands: []*codegen.Value{sum, codegen.Global("out")}},
	}
	body = append(body, rowExtra...)
	body = append(body, &codegen.Instruction{Op: codegen.OpRet,
		Operands: []*codegen.Value{codegen.ConstInt(codegen.TypeI32, 0)}})
	m.Functions = append(m.Functions, &codegen.Function{
		Name:       "row_func",
		Params:     []*codegen.Value{rowPos},
		ReturnType: codegen.TypeI32,
		Blocks:     []*codegen.BasicBlock{{Name: "entry", Instructions: body}},
	})

	rowCount := codegen.Param("row_count", codegen.TypeI64)
	pos := &codegen.Value{Kind: codegen.ValueInstr, Name: "pos", Type: codegen.TypeI64}
	next := &codegen.Value{Kind: codegen.ValueInstr, Name: "next", Type: codegen.TypeI64}
	done := &codegen.Value{Kind: codegen.ValueInstr, Name: "done", Type: codegen.TypeI1}
	errCode := &codegen.Value{Kind: codegen.ValueInstr, Name: "err", Type: codegen.TypeI32}
	m.Functions = append(m.Functions, &codegen.Function{
		Name:       "query_func",
		Params:     []*codegen.Value{rowCount},
		ReturnType: codegen.TypeI32,
		Blocks: []*codegen.BasicBlock{
			{Name: "entry", Instructions: []*codegen.Instruction{
				{Op: codegen.OpBr, Then: "loop"},
			}},
			{Name: "loop", Instructions: []*codegen.Instruction{
				{Op: codegen.OpPhi, Result: pos, Incoming: []codegen.PhiIncoming{
					{Block: "entry", Value: codegen.ConstInt(codegen.TypeI64, 0)},
					{Block: "loop", Value: next},
				}},
				{Op: codegen.OpCall, Result: errCode, Callee: "row_func",
					Operands: []*codegen.Value{pos}},
				{Op: codegen.OpAdd, Result: next,
					Operands: []*codegen.Value{pos, codegen.ConstInt(codegen.TypeI64, 1)}},
				{Op: codegen.OpICmp, Pred: codegen.PredSGE, Result: done,
					Operands: []*codegen.Value{next, rowCount}},
				{Op: codegen.OpCondBr, Operands: []*codegen.Value{done},
					Then: "exit", Else: "loop"},
			}},
			{Name: "exit", Instructions: []*codegen.Instruction{
				{Op: codegen.OpRet, Operands: []*codegen.Value{codegen.ConstInt(codegen.TypeI32, 0)}},
			}},
		},
	})

	return &codegen.CgenState{
		Module:    m,
		QueryFunc: "query_func",
		RowFunc:   "row_func",
	}
}

func newDispatcher() (*ExecutionDispatcher, *device.Manager) {
	driver := cudriver.NewSimDriver(cudriver.DefaultSimConfig())
	mgr, err := device.NewManager(driver, common.DeviceConfig{})
	Ω(err).Should(BeNil())
	compiler := codegen.NewCompiler(codegen.NewCodeCache(16, 0.3), mgr)
	return NewExecutionDispatcher(compiler), mgr
}

var _ = ginkgo.Describe("execution dispatcher", func() {
	ginkgo.It("compiles and runs a host program", func() {
		dispatcher, mgr := newDispatcher()
		defer mgr.Close()

		ctx, err := dispatcher.CompileCPU(buildLoopState(), codegen.CompileOptions{})
		Ω(err).Should(BeNil())

		env := codegen.StandardHelpers()
		env.Cells["out"] = 0
		ret, err := dispatcher.Run(ctx, env, 8)
		Ω(err).Should(BeNil())
		Ω(ret).Should(Equal(int64(0)))
		Ω(env.Cells["out"]).Should(Equal(int64(3 * 28)))
	})

	ginkgo.It("rejects a state whose row function has no body", func() {
		dispatcher, mgr := newDispatcher()
		defer mgr.Close()

		state := buildLoopState()
		state.RowFunc = "absent_func"
		_, err := dispatcher.CompileCPU(state, codegen.CompileOptions{})
		Ω(err).ShouldNot(BeNil())
		Ω(KindOf(err)).Should(Equal(ErrorKindIRParse))
	})

	ginkgo.It("rejects a query that never reaches its row function", func() {
		dispatcher, mgr := newDispatcher()
		defer mgr.Close()

		state := buildLoopState()
		query := state.Module.FindFunction("query_func")
		query.Blocks = []*codegen.BasicBlock{{Name: "entry", Instructions: []*codegen.Instruction{
			{Op: codegen.OpRet, Operands: []*codegen.Value{codegen.ConstInt(codegen.TypeI32, 0)}},
		}}}
		_, err := dispatcher.CompileCPU(state, codegen.CompileOptions{})
		Ω(err).ShouldNot(BeNil())
		Ω(KindOf(err)).Should(Equal(ErrorKindIRParse))
	})

	ginkgo.It("bounces baseline hash layouts without an entry count estimate", func() {
		dispatcher, mgr := newDispatcher()
		defer mgr.Close()

		qmd := &queryCom.QueryMemoryDescriptor{
			QueryDescType:    queryCom.GroupByBaselineHash,
			PaddedSlotWidths: []int{8},
			KeyWidths:        []int{8},
		}
		_, err := dispatcher.CompileGPU(buildLoopState(), codegen.CompileOptions{},
			qmd, []int{0}, "")
		Ω(err).ShouldNot(BeNil())
		Ω(KindOf(err)).Should(Equal(ErrorKindCardinalityEstimationRequired))
	})

	ginkgo.It("bounces host-only helpers to the cpu path", func() {
		dispatcher, mgr := newDispatcher()
		defer mgr.Close()

		hooked := &codegen.Value{Kind: codegen.ValueInstr, Name: "hooked", Type: codegen.TypeI64}
		state := buildLoopState(&codegen.Instruction{
			Op: codegen.OpCall, Result: hooked, Callee: "native_hook",
		})
		_, err := dispatcher.CompileGPU(state, codegen.CompileOptions{}, nil, []int{0}, "")
		Ω(err).ShouldNot(BeNil())
		Ω(KindOf(err)).Should(Equal(ErrorKindMustRunOnCpu))
	})

	ginkgo.It("compiles device-eligible programs for the devices", func() {
		dispatcher, mgr := newDispatcher()
		defer mgr.Close()

		ctx, err := dispatcher.CompileGPU(buildLoopState(), codegen.CompileOptions{},
			nil, []int{0}, "")
		Ω(err).Should(BeNil())
		defer ctx.Unload()
		_, ok := ctx.ModuleFor(0)
		Ω(ok).Should(BeTrue())
	})

	ginkgo.It("recovers panics out of generated code", func() {
		dispatcher, mgr := newDispatcher()
		defer mgr.Close()

		hooked := &codegen.Value{Kind: codegen.ValueInstr, Name: "hooked", Type: codegen.TypeI64}
		state := buildLoopState(&codegen.Instruction{
			Op: codegen.OpCall, Result: hooked, Callee: "native_hook",
		})
		ctx, err := dispatcher.CompileCPU(state, codegen.CompileOptions{})
		Ω(err).Should(BeNil())

		env := codegen.StandardHelpers()
		env.Cells["out"] = 0
		env.RegisterHelper("native_hook", func(env *codegen.ExecEnv, args []int64) (int64, error) {
			panic("hook exploded")
		})
		_, err = dispatcher.Run(ctx, env, 4)
		Ω(err).ShouldNot(BeNil())
		Ω(KindOf(err)).Should(Equal(ErrorKindIRParse))
	})
})
