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
	"github.com/magmadb/magma/utils"
)

// RuntimeHelper is one host-side function callable from generated code.
type RuntimeHelper func(env *ExecEnv, args []int64) (int64, error)

// ExecEnv is the runtime environment one evaluation runs against: global
// cells (including the per-kernel error-code slot) and the registered
// runtime helpers.
type ExecEnv struct {
	Cells   map[string]int64
	Helpers map[string]RuntimeHelper
}

// NewExecEnv creates an environment with an empty cell map.
func NewExecEnv() *ExecEnv {
	return &ExecEnv{
		Cells:   map[string]int64{},
		Helpers: map[string]RuntimeHelper{},
	}
}

// RegisterHelper installs a runtime helper.
func (env *ExecEnv) RegisterHelper(name string, helper RuntimeHelper) {
	env.Helpers[name] = helper
}

// evaluation step limit; generated row loops are finite, a runaway count
// indicates broken control flow rather than a long query
const maxEvalSteps = 64 << 20

type frame struct {
	fn        *Function
	registers map[*Value]int64
	prevBlock string
}

func (fr *frame) valueOf(v *Value, env *ExecEnv) (int64, error) {
	switch v.Kind {
	case ValueConst:
		return v.Int, nil
	case ValueConstFloat:
		return 0, utils.StackError(nil, "float constants are not evaluable on the closure engine")
	case ValueGlobal:
		return env.Cells[v.Name], nil
	default:
		val, ok := fr.registers[v]
		if !ok {
			return 0, utils.StackError(nil, "use of undefined value %%%s in %s", v.Name, fr.fn.Name)
		}
		return val, nil
	}
}

func icmp(pred string, a, b int64) (int64, error) {
	var r bool
	switch pred {
	case PredEQ:
		r = a == b
	case PredNE:
		r = a != b
	case PredSLT:
		r = a < b
	case PredSLE:
		r = a <= b
	case PredSGT:
		r = a > b
	case PredSGE:
		r = a >= b
	case PredULT:
		r = uint64(a) < uint64(b)
	default:
		return 0, utils.StackError(nil, "unknown icmp predicate %s", pred)
	}
	if r {
		return 1, nil
	}
	return 0, nil
}

// Execute runs a function body against the environment. Declarations
// dispatch to registered runtime helpers.
func Execute(module *Module, name string, env *ExecEnv, args []int64) (int64, error) {
	steps := 0
	return execute(module, name, env, args, &steps)
}

func execute(module *Module, name string, env *ExecEnv, args []int64, steps *int) (int64, error) {
	fn := module.FindFunction(name)
	if fn == nil || fn.IsDeclaration() {
		helper, ok := env.Helpers[name]
		if !ok {
			return 0, utils.StackError(nil, "no body or helper for function %s", name)
		}
		return helper(env, args)
	}
	if len(args) != len(fn.Params) {
		return 0, utils.StackError(nil, "function %s takes %d args, got %d", name, len(fn.Params), len(args))
	}

	fr := &frame{fn: fn, registers: map[*Value]int64{}}
	for i, p := range fn.Params {
		fr.registers[p] = args[i]
	}

	block := fn.EntryBlock()
	if block == nil {
		return 0, utils.StackError(nil, "function %s has no entry block", name)
	}
	for {
		// phis read their incoming values simultaneously on block entry
		var phiResults []struct {
			result *Value
			value  int64
		}
		for _, inst := range block.Instructions {
			if inst.Op != OpPhi {
				break
			}
			matched := false
			for _, in := range inst.Incoming {
				if in.Block == fr.prevBlock {
					v, err := fr.valueOf(in.Value, env)
					if err != nil {
						return 0, err
					}
					phiResults = append(phiResults, struct {
						result *Value
						value  int64
					}{inst.Result, v})
					matched = true
					break
				}
			}
			if !matched {
				return 0, utils.StackError(nil, "phi in %s.%s has no edge from %s", name, block.Name, fr.prevBlock)
			}
		}
		for _, pr := range phiResults {
			fr.registers[pr.result] = pr.value
		}

		advanced := false
		for _, inst := range block.Instructions {
			if inst.Op == OpPhi {
				continue
			}
			*steps++
			if *steps > maxEvalSteps {
				return 0, utils.StackError(nil, "evaluation step limit exceeded in %s", name)
			}
			switch inst.Op {
			case OpAdd, OpSub, OpMul, OpSDiv, OpSRem, OpAnd, OpOr, OpXor, OpShl, OpLShr:
				a, err := fr.valueOf(inst.Operands[0], env)
				if err != nil {
					return 0, err
				}
				b, err := fr.valueOf(inst.Operands[1], env)
				if err != nil {
					return 0, err
				}
				var r int64
				switch inst.Op {
				case OpAdd:
					r = a + b
				case OpSub:
					r = a - b
				case OpMul:
					r = a * b
				case OpSDiv:
					if b == 0 {
						return 0, utils.StackError(nil, "division by zero in %s", name)
					}
					r = a / b
				case OpSRem:
					if b == 0 {
						return 0, utils.StackError(nil, "division by zero in %s", name)
					}
					r = a % b
				case OpAnd:
					r = a & b
				case OpOr:
					r = a | b
				case OpXor:
					r = a ^ b
				case OpShl:
					r = a << uint64(b)
				case OpLShr:
					r = int64(uint64(a) >> uint64(b))
				}
				fr.registers[inst.Result] = r
			case OpICmp:
				a, err := fr.valueOf(inst.Operands[0], env)
				if err != nil {
					return 0, err
				}
				b, err := fr.valueOf(inst.Operands[1], env)
				if err != nil {
					return 0, err
				}
				r, err := icmp(inst.Pred, a, b)
				if err != nil {
					return 0, err
				}
				fr.registers[inst.Result] = r
			case OpSelect:
				cond, err := fr.valueOf(inst.Operands[0], env)
				if err != nil {
					return 0, err
				}
				pick := inst.Operands[2]
				if cond != 0 {
					pick = inst.Operands[1]
				}
				v, err := fr.valueOf(pick, env)
				if err != nil {
					return 0, err
				}
				fr.registers[inst.Result] = v
			case OpLoad:
				src := inst.Operands[0]
				if src.Kind != ValueGlobal {
					return 0, utils.StackError(nil, "load from non-global in %s", name)
				}
				cell, ok := env.Cells[src.Name]
				if !ok {
					return 0, utils.StackError(nil, "load from unbound global @%s in %s", src.Name, name)
				}
				fr.registers[inst.Result] = cell
			case OpStore:
				dst := inst.Operands[1]
				if dst.Kind != ValueGlobal {
					return 0, utils.StackError(nil, "store to non-global in %s", name)
				}
				v, err := fr.valueOf(inst.Operands[0], env)
				if err != nil {
					return 0, err
				}
				env.Cells[dst.Name] = v
			case OpCall:
				callArgs := make([]int64, len(inst.Operands))
				for i, op := range inst.Operands {
					v, err := fr.valueOf(op, env)
					if err != nil {
						return 0, err
					}
					callArgs[i] = v
				}
				r, err := execute(module, inst.Callee, env, callArgs, steps)
				if err != nil {
					return 0, err
				}
				if inst.Result != nil {
					fr.registers[inst.Result] = r
				}
			case OpBr:
				next := fn.FindBlock(inst.Then)
				if next == nil {
					return 0, utils.StackError(nil, "branch to unknown block %s in %s", inst.Then, name)
				}
				fr.prevBlock = block.Name
				block = next
				advanced = true
			case OpCondBr:
				cond, err := fr.valueOf(inst.Operands[0], env)
				if err != nil {
					return 0, err
				}
				target := inst.Else
				if cond != 0 {
					target = inst.Then
				}
				next := fn.FindBlock(target)
				if next == nil {
					return 0, utils.StackError(nil, "branch to unknown block %s in %s", target, name)
				}
				fr.prevBlock = block.Name
				block = next
				advanced = true
			case OpRet:
				if len(inst.Operands) == 0 {
					return 0, nil
				}
				return fr.valueOf(inst.Operands[0], env)
			}
			if advanced {
				break
			}
		}
		if !advanced {
			return 0, utils.StackError(nil, "block %s.%s falls through without a terminator", name, block.Name)
		}
	}
}
