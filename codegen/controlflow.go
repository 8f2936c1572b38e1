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

package codegen

import (
	"math"

	queryCom "github.com/magmadb/magma/query/common"
	"github.com/magmadb/magma/utils"
)

// Runtime helper names generated control flow calls into.
const (
	HelperRecordErrorCode = "record_error_code"
	HelperDynamicWatchdog = "dynamic_watchdog"
	HelperCheckInterrupt  = "check_interrupt"
)

// ErrorExitBlockName is the shared error exit appended to the query
// function.
const ErrorExitBlockName = ".error_exit"

// watchdog sampling period on the CPU path
const watchdogSamplePeriod = 64

// RuntimeCheckOptions configures the error, watchdog and interrupt control
// flow injected around the per-row call.
type RuntimeCheckOptions struct {
	EnableWatchdog  bool
	EnableInterrupt bool
	ForGPU          bool
	// GPU launch shape, used for the watchdog critical edge and the
	// interrupt frequency
	GridSize  int64
	BlockSize int64
	// outer table cardinality
	RowCount int64
	// user tunable in (0, 1]; larger means rarer interrupt checks
	InterruptFraction float64
	// smallest allowed interrupt check period
	InterruptFloor int64
	// loop joins check the interrupt flag on every iteration
	LoopJoin bool
	// shared-memory group by disables jump threading downstream; barrier
	// placement must survive optimization
	SharedMemGroupBy bool
}

// InterruptCheckPeriod derives the power-of-two row period between
// interrupt flag checks. maxInc is the per-thread row increment bound,
// typically cardinality over total launched threads. The result stays a
// power of two so the emitted sampler can mask with period-1; it is raised
// to floor and halved down to at most maxInc/2.
func InterruptCheckPeriod(maxInc int64, fraction float64, floor int64) int64 {
	if floor <= 0 {
		floor = 8
	}
	if maxInc < 2*floor {
		return floor
	}
	target := float64(maxInc) * (1 - fraction)
	period := floor
	if target >= 1 {
		period = int64(1) << uint(math.Floor(math.Log2(target)))
	}
	if period < floor {
		period = floor
	}
	for period > maxInc/2 {
		period >>= 1
	}
	return period
}

// InjectRuntimeChecks splits the query function at the per-row call and
// wires in the error exit plus, when enabled, the watchdog or interrupt
// sampling. The per-row call's first operand is taken as the row position.
// Watchdog and interrupt are mutually exclusive; watchdog wins when both
// are requested.
func InjectRuntimeChecks(module *Module, queryFunc, rowFunc string, opts RuntimeCheckOptions) error {
	query := module.FindFunction(queryFunc)
	if query == nil {
		return utils.StackError(nil, "query function %s not found", queryFunc)
	}
	if opts.EnableWatchdog {
		opts.EnableInterrupt = false
	}

	var callBlock *BasicBlock
	callIndex := -1
	var call *Instruction
	for _, bb := range query.Blocks {
		for i, inst := range bb.Instructions {
			if inst.Op == OpCall && inst.Callee == rowFunc {
				callBlock, callIndex, call = bb, i, inst
				break
			}
		}
		if callBlock != nil {
			break
		}
	}
	if callBlock == nil {
		return utils.StackError(nil, "%s never calls %s", queryFunc, rowFunc)
	}
	if call.Result == nil {
		return utils.StackError(nil, "per-row call must produce an error code")
	}
	if len(call.Operands) == 0 {
		return utils.StackError(nil, "per-row call carries no position operand")
	}
	pos := call.Operands[0]

	// split: everything after the call moves to the continuation block
	contBlock := &BasicBlock{
		Name:         module.FreshName(callBlock.Name + ".cont"),
		Instructions: append([]*Instruction{}, callBlock.Instructions[callIndex+1:]...),
	}
	callBlock.Instructions = callBlock.Instructions[:callIndex+1]

	// branch targets of the moved tail keep working; phis in successor
	// blocks must now name the continuation block
	retargetPhis(query, callBlock.Name, contBlock.Name)

	errorExit := &BasicBlock{Name: ErrorExitBlockName}
	codePhi := &Instruction{
		Op:     OpPhi,
		Result: &Value{Kind: ValueInstr, Name: module.FreshName("error_code"), Type: TypeI32},
	}
	errorExit.Instructions = append(errorExit.Instructions,
		codePhi,
		&Instruction{Op: OpCall, Callee: HelperRecordErrorCode, Operands: []*Value{codePhi.Result}},
	)
	if query.ReturnType == TypeVoid {
		errorExit.Instructions = append(errorExit.Instructions, &Instruction{Op: OpRet})
	} else {
		errorExit.Instructions = append(errorExit.Instructions,
			&Instruction{Op: OpRet, Operands: []*Value{codePhi.Result}})
	}

	// error check straight after the per-row call
	fail := &Value{Kind: ValueInstr, Name: module.FreshName("row_failed"), Type: TypeI1}
	callBlock.Instructions = append(callBlock.Instructions, &Instruction{
		Op: OpICmp, Pred: PredNE, Result: fail,
		Operands: []*Value{call.Result, ConstInt(TypeI32, 0)},
	})

	checkBlocks := []*BasicBlock{}
	nextOnOK := contBlock.Name
	switch {
	case opts.EnableWatchdog:
		sampleBlock := &BasicBlock{Name: module.FreshName(".watchdog_sample")}
		fireBlock := &BasicBlock{Name: module.FreshName(".watchdog_fire")}
		nextOnOK = sampleBlock.Name

		sampled := &Value{Kind: ValueInstr, Name: module.FreshName("wd_sampled"), Type: TypeI1}
		if opts.ForGPU {
			// sample while pos is below the row count rounded down to whole
			// blocks; the ragged tail runs unchecked
			critEdge := opts.RowCount
			if opts.BlockSize > 0 {
				critEdge = opts.RowCount / opts.BlockSize * opts.BlockSize
			}
			sampleBlock.Instructions = append(sampleBlock.Instructions, &Instruction{
				Op: OpICmp, Pred: PredSLT, Result: sampled,
				Operands: []*Value{pos, ConstInt(TypeI64, critEdge)},
			})
		} else {
			masked := &Value{Kind: ValueInstr, Name: module.FreshName("wd_masked"), Type: TypeI64}
			sampleBlock.Instructions = append(sampleBlock.Instructions,
				&Instruction{Op: OpAnd, Result: masked,
					Operands: []*Value{pos, ConstInt(TypeI64, watchdogSamplePeriod-1)}},
				&Instruction{Op: OpICmp, Pred: PredEQ, Result: sampled,
					Operands: []*Value{masked, ConstInt(TypeI64, 0)}},
			)
		}
		sampleBlock.Instructions = append(sampleBlock.Instructions, &Instruction{
			Op: OpCondBr, Operands: []*Value{sampled},
			Then: fireBlock.Name, Else: contBlock.Name,
		})

		fired := &Value{Kind: ValueInstr, Name: module.FreshName("wd_fired"), Type: TypeI32}
		firedNonzero := &Value{Kind: ValueInstr, Name: module.FreshName("wd_timed_out"), Type: TypeI1}
		fireBlock.Instructions = append(fireBlock.Instructions,
			&Instruction{Op: OpCall, Callee: HelperDynamicWatchdog, Result: fired},
			&Instruction{Op: OpICmp, Pred: PredNE, Result: firedNonzero,
				Operands: []*Value{fired, ConstInt(TypeI32, 0)}},
			&Instruction{Op: OpCondBr, Operands: []*Value{firedNonzero},
				Then: ErrorExitBlockName, Else: contBlock.Name},
		)
		codePhi.Incoming = append(codePhi.Incoming, PhiIncoming{
			Block: fireBlock.Name,
			Value: ConstInt(TypeI32, int64(queryCom.ErrorCodeOutOfTime)),
		})
		checkBlocks = append(checkBlocks, sampleBlock, fireBlock)

	case opts.EnableInterrupt:
		sampleBlock := &BasicBlock{Name: module.FreshName(".interrupt_sample")}
		fireBlock := &BasicBlock{Name: module.FreshName(".interrupt_fire")}
		nextOnOK = sampleBlock.Name

		threads := opts.GridSize * opts.BlockSize
		if threads <= 0 {
			threads = 1
		}
		maxInc := opts.RowCount / threads
		period := InterruptCheckPeriod(maxInc, opts.InterruptFraction, opts.InterruptFloor)
		if opts.LoopJoin {
			period = 1
		}

		sampled := &Value{Kind: ValueInstr, Name: module.FreshName("int_sampled"), Type: TypeI1}
		masked := &Value{Kind: ValueInstr, Name: module.FreshName("int_masked"), Type: TypeI64}
		sampleBlock.Instructions = append(sampleBlock.Instructions,
			&Instruction{Op: OpAnd, Result: masked,
				Operands: []*Value{pos, ConstInt(TypeI64, period-1)}},
			&Instruction{Op: OpICmp, Pred: PredEQ, Result: sampled,
				Operands: []*Value{masked, ConstInt(TypeI64, 0)}},
			&Instruction{Op: OpCondBr, Operands: []*Value{sampled},
				Then: fireBlock.Name, Else: contBlock.Name},
		)

		fired := &Value{Kind: ValueInstr, Name: module.FreshName("int_fired"), Type: TypeI32}
		firedNonzero := &Value{Kind: ValueInstr, Name: module.FreshName("int_requested"), Type: TypeI1}
		fireBlock.Instructions = append(fireBlock.Instructions,
			&Instruction{Op: OpCall, Callee: HelperCheckInterrupt, Result: fired},
			&Instruction{Op: OpICmp, Pred: PredNE, Result: firedNonzero,
				Operands: []*Value{fired, ConstInt(TypeI32, 0)}},
			&Instruction{Op: OpCondBr, Operands: []*Value{firedNonzero},
				Then: ErrorExitBlockName, Else: contBlock.Name},
		)
		codePhi.Incoming = append(codePhi.Incoming, PhiIncoming{
			Block: fireBlock.Name,
			Value: ConstInt(TypeI32, int64(queryCom.ErrorCodeInterrupted)),
		})
		checkBlocks = append(checkBlocks, sampleBlock, fireBlock)
	}

	callBlock.Instructions = append(callBlock.Instructions, &Instruction{
		Op: OpCondBr, Operands: []*Value{fail},
		Then: ErrorExitBlockName, Else: nextOnOK,
	})
	codePhi.Incoming = append(codePhi.Incoming, PhiIncoming{
		Block: callBlock.Name,
		Value: call.Result,
	})

	// block order: call block, checks, continuation, error exit, rest
	insertAt := 0
	for i, bb := range query.Blocks {
		if bb == callBlock {
			insertAt = i + 1
			break
		}
	}
	tail := append([]*BasicBlock{}, query.Blocks[insertAt:]...)
	blocks := append([]*BasicBlock{}, query.Blocks[:insertAt]...)
	blocks = append(blocks, checkBlocks...)
	blocks = append(blocks, contBlock)
	blocks = append(blocks, tail...)
	blocks = append(blocks, errorExit)
	query.Blocks = blocks
	return nil
}

// retargetPhis renames one predecessor in every phi of the function.
func retargetPhis(fn *Function, oldPred, newPred string) {
	for _, bb := range fn.Blocks {
		for _, inst := range bb.Instructions {
			if inst.Op != OpPhi {
				continue
			}
			for i, in := range inst.Incoming {
				if in.Block == oldPred {
					inst.Incoming[i].Block = newPred
				}
			}
		}
	}
}
