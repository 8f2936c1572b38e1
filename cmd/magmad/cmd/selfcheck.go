//  Copyright (c) 2021-2024 Magma Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"github.com/magmadb/magma/codegen"
	"github.com/magmadb/magma/query"
	"github.com/magmadb/magma/utils"
)

// probe program shape
const (
	probeRowCount = 16
	probeLiteral  = 3
)

// buildProbeState constructs a tiny query looping probeRowCount rows,
// where each row multiplies its position by a hoisted literal and
// accumulates into the @out cell. Exercises hoisting, runtime check
// injection and optimization end to end.
func buildProbeState() *codegen.CgenState {
	m := codegen.NewModule("selfcheck")

	rowPos := codegen.Param("pos", codegen.TypeI64)
	lit := &codegen.Value{Kind: codegen.ValueInstr, Name: "lit", Type: codegen.TypeI64}
	cur := &codegen.Value{Kind: codegen.ValueInstr, Name: "cur", Type: codegen.TypeI64}
	prod := &codegen.Value{Kind: codegen.ValueInstr, Name: "prod", Type: codegen.TypeI64}
	sum := &codegen.Value{Kind: codegen.ValueInstr, Name: "sum", Type: codegen.TypeI64}
	m.Functions = append(m.Functions, &codegen.Function{
		Name:       "row_func",
		Params:     []*codegen.Value{rowPos},
		ReturnType: codegen.TypeI32,
		Blocks: []*codegen.BasicBlock{{
			Name: "entry",
			Instructions: []*codegen.Instruction{
				{Op: codegen.OpLoad, Result: lit,
					Operands: []*codegen.Value{codegen.Global(codegen.PlaceholderName(0))}},
				{Op: codegen.OpMul, Result: prod, Operands: []*codegen.Value{rowPos, lit}},
				{Op: codegen.OpLoad, Result: cur,
					Operands: []*codegen.Value{codegen.Global("out")}},
				{Op: codegen.OpAdd, Result: sum, Operands: []*codegen.Value{cur, prod}},
				{Op: codegen.OpStore, Operands: []*codegen.Value{sum, codegen.Global("out")}},
				{Op: codegen.OpRet, Operands: []*codegen.Value{codegen.ConstInt(codegen.TypeI32, 0)}},
			},
		}},
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
				{Op: codegen.OpCondBr, Operands: []*codegen.Value{done}, Then: "exit", Else: "loop"},
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
		Literals: []codegen.HoistedLiteral{{
			Placeholder: codegen.PlaceholderName(0),
			Literal:     codegen.ConstInt(codegen.TypeI64, probeLiteral),
		}},
	}
}

// runSelfCheck compiles the probe program for the host and evaluates it
// through the dispatcher so the same guards production queries hit are
// exercised at startup.
func runSelfCheck(compiler *codegen.Compiler) error {
	dispatcher := query.NewExecutionDispatcher(compiler)
	ctx, err := dispatcher.CompileCPU(buildProbeState(), codegen.CompileOptions{})
	if err != nil {
		return err
	}

	env := codegen.StandardHelpers()
	env.Cells["out"] = 0
	ret, err := dispatcher.Run(ctx, env, probeRowCount)
	if err != nil {
		return err
	}
	expected := int64(probeLiteral * probeRowCount * (probeRowCount - 1) / 2)
	if ret != 0 || env.Cells["out"] != expected {
		return utils.StackError(nil, "probe evaluated to (%d, %d), expected (0, %d)",
			ret, env.Cells["out"], expected)
	}
	utils.GetLogger().With("rows", probeRowCount, "result", env.Cells["out"]).
		Info("Host self check passed")
	return nil
}

// runGPUSelfCheck compiles the probe program for the listed devices and
// verifies the artifact binds on each of them.
func runGPUSelfCheck(compiler *codegen.Compiler, devices []int) error {
	if len(devices) == 0 {
		return nil
	}
	dispatcher := query.NewExecutionDispatcher(compiler)
	ctx, err := dispatcher.CompileGPU(buildProbeState(), codegen.CompileOptions{}, nil, devices, "")
	if err != nil {
		return err
	}
	defer ctx.Unload()

	for _, dev := range devices {
		if _, ok := ctx.ModuleFor(dev); !ok {
			return utils.StackError(nil, "device %d did not bind the probe artifact", dev)
		}
	}
	utils.GetLogger().With("devices", len(devices)).Info("Device self check passed")
	return nil
}
