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
	"fmt"

	"github.com/magmadb/magma/utils"
)

// AlwaysInlineAttribute marks functions the inliner must fold into their
// callers.
const AlwaysInlineAttribute = "alwaysinline"

// OptimizeOptions adjusts the pass pipeline.
type OptimizeOptions struct {
	// jump threading rewrites branch structure in ways that break barrier
	// semantics when shared-memory group by is active on the GPU
	SkipJumpThreading bool
}

// Optimize runs the cleanup pipeline over every function body: inlining,
// common subexpression elimination, jump threading, CFG simplification and
// dead instruction elimination.
func Optimize(module *Module, opts OptimizeOptions) {
	inlineAlwaysInline(module)
	for _, fn := range module.Functions {
		if fn.IsDeclaration() {
			continue
		}
		earlyCSE(fn)
		if !opts.SkipJumpThreading {
			threadConstantJumps(fn)
		}
		simplifyCFG(fn)
		eliminateDeadInstructions(fn)
	}
	utils.GetQueryLogger().Debugf("optimized module %s, %d functions", module.Name, len(module.Functions))
}

func isPure(inst *Instruction) bool {
	switch inst.Op {
	case OpCall, OpStore, OpLoad, OpBr, OpCondBr, OpRet:
		return false
	}
	return true
}

// inlineAlwaysInline folds single-block always-inline callees into their
// call sites.
func inlineAlwaysInline(module *Module) {
	inlinable := map[string]*Function{}
	for _, fn := range module.Functions {
		if fn.IsDeclaration() || len(fn.Blocks) != 1 {
			continue
		}
		term := fn.Blocks[0].Terminator()
		if term == nil || term.Op != OpRet {
			continue
		}
		for _, attr := range fn.Attributes {
			if attr == AlwaysInlineAttribute {
				inlinable[fn.Name] = fn
				break
			}
		}
	}
	if len(inlinable) == 0 {
		return
	}

	for _, fn := range module.Functions {
		replacements := map[*Value]*Value{}
		for _, bb := range fn.Blocks {
			var rewritten []*Instruction
			for _, inst := range bb.Instructions {
				for i, op := range inst.Operands {
					if repl, ok := replacements[op]; ok {
						inst.Operands[i] = repl
					}
				}
				for i, in := range inst.Incoming {
					if repl, ok := replacements[in.Value]; ok {
						inst.Incoming[i].Value = repl
					}
				}
				callee, ok := (*Function)(nil), false
				if inst.Op == OpCall {
					callee, ok = inlinable[inst.Callee]
				}
				if !ok || callee == fn {
					rewritten = append(rewritten, inst)
					continue
				}
				expansion, result := expandBody(module, callee, inst.Operands)
				rewritten = append(rewritten, expansion...)
				if inst.Result != nil && result != nil {
					replacements[inst.Result] = result
				}
			}
			bb.Instructions = rewritten
		}
	}
}

// expandBody clones a single-block body substituting arguments for
// parameters; returns the cloned instructions minus the ret, and the value
// the ret would have produced.
func expandBody(module *Module, callee *Function, args []*Value) ([]*Instruction, *Value) {
	remap := map[*Value]*Value{}
	for i, p := range callee.Params {
		if i < len(args) {
			remap[p] = args[i]
		}
	}
	mapValue := func(v *Value) *Value {
		if v == nil {
			return nil
		}
		if nv, ok := remap[v]; ok {
			return nv
		}
		if v.Kind == ValueConst || v.Kind == ValueConstFloat || v.Kind == ValueGlobal {
			return v
		}
		nv := &Value{Kind: v.Kind, Name: module.FreshName("inl." + v.Name), Type: v.Type}
		remap[v] = nv
		return nv
	}

	var out []*Instruction
	var result *Value
	for _, inst := range callee.Blocks[0].Instructions {
		if inst.Op == OpRet {
			if len(inst.Operands) > 0 {
				result = mapValue(inst.Operands[0])
			}
			break
		}
		ninst := &Instruction{Op: inst.Op, Pred: inst.Pred, Callee: inst.Callee}
		ninst.Result = mapValue(inst.Result)
		for _, op := range inst.Operands {
			ninst.Operands = append(ninst.Operands, mapValue(op))
		}
		out = append(out, ninst)
	}
	return out, result
}

// earlyCSE deduplicates pure computations within each block.
func earlyCSE(fn *Function) {
	for _, bb := range fn.Blocks {
		seen := map[string]*Value{}
		replacements := map[*Value]*Value{}
		var kept []*Instruction
		for _, inst := range bb.Instructions {
			for i, op := range inst.Operands {
				if repl, ok := replacements[op]; ok {
					inst.Operands[i] = repl
				}
			}
			if !isPure(inst) || inst.Result == nil {
				kept = append(kept, inst)
				continue
			}
			key := cseKey(inst)
			if prev, ok := seen[key]; ok {
				replacements[inst.Result] = prev
				continue
			}
			seen[key] = inst.Result
			kept = append(kept, inst)
		}
		bb.Instructions = kept
		if len(replacements) > 0 {
			// later blocks may use the removed results
			for _, other := range fn.Blocks {
				for _, inst := range other.Instructions {
					for i, op := range inst.Operands {
						if repl, ok := replacements[op]; ok {
							inst.Operands[i] = repl
						}
					}
					for i, in := range inst.Incoming {
						if repl, ok := replacements[in.Value]; ok {
							inst.Incoming[i].Value = repl
						}
					}
				}
			}
		}
	}
}

func cseKey(inst *Instruction) string {
	key := fmt.Sprintf("%d|%s", inst.Op, inst.Pred)
	for _, op := range inst.Operands {
		switch op.Kind {
		case ValueConst:
			key += fmt.Sprintf("|c%d:%s", op.Int, op.Type)
		case ValueConstFloat:
			key += fmt.Sprintf("|f%g:%s", op.Float, op.Type)
		default:
			key += fmt.Sprintf("|p%p", op)
		}
	}
	return key
}

// threadConstantJumps folds conditional branches on constants.
func threadConstantJumps(fn *Function) {
	for _, bb := range fn.Blocks {
		term := bb.Terminator()
		if term == nil || term.Op != OpCondBr || term.Operands[0].Kind != ValueConst {
			continue
		}
		target := term.Else
		dropped := term.Then
		if term.Operands[0].Int != 0 {
			target = term.Then
			dropped = term.Else
		}
		bb.Instructions[len(bb.Instructions)-1] = &Instruction{Op: OpBr, Then: target}
		removePhiEdge(fn, dropped, bb.Name)
	}
}

// removePhiEdge drops phi incoming edges from pred in the named block.
func removePhiEdge(fn *Function, blockName, pred string) {
	bb := fn.FindBlock(blockName)
	if bb == nil {
		return
	}
	for _, inst := range bb.Instructions {
		if inst.Op != OpPhi {
			continue
		}
		kept := inst.Incoming[:0]
		for _, in := range inst.Incoming {
			if in.Block != pred {
				kept = append(kept, in)
			}
		}
		inst.Incoming = kept
	}
}

// simplifyCFG drops unreachable blocks and merges straight-line chains.
func simplifyCFG(fn *Function) {
	// reachability from the entry block
	reachable := map[string]bool{}
	var visit func(name string)
	visit = func(name string) {
		if reachable[name] {
			return
		}
		bb := fn.FindBlock(name)
		if bb == nil {
			return
		}
		reachable[name] = true
		if term := bb.Terminator(); term != nil {
			switch term.Op {
			case OpBr:
				visit(term.Then)
			case OpCondBr:
				visit(term.Then)
				visit(term.Else)
			}
		}
	}
	if entry := fn.EntryBlock(); entry != nil {
		visit(entry.Name)
	}
	var kept []*BasicBlock
	for _, bb := range fn.Blocks {
		if reachable[bb.Name] {
			kept = append(kept, bb)
		} else {
			for _, succ := range successorNames(bb) {
				removePhiEdge(fn, succ, bb.Name)
			}
		}
	}
	fn.Blocks = kept

	// merge A -> B when B is A's only successor and A is B's only
	// predecessor and B carries no phis
	for changed := true; changed; {
		changed = false
		for _, bb := range fn.Blocks {
			term := bb.Terminator()
			if term == nil || term.Op != OpBr {
				continue
			}
			succ := fn.FindBlock(term.Then)
			if succ == nil || succ == bb || succ == fn.EntryBlock() {
				continue
			}
			if countPredecessors(fn, succ.Name) != 1 || hasPhis(succ) {
				continue
			}
			bb.Instructions = append(bb.Instructions[:len(bb.Instructions)-1], succ.Instructions...)
			removeBlock(fn, succ.Name)
			retargetPhis(fn, succ.Name, bb.Name)
			changed = true
			break
		}
	}
}

func successorNames(bb *BasicBlock) []string {
	term := bb.Terminator()
	if term == nil {
		return nil
	}
	switch term.Op {
	case OpBr:
		return []string{term.Then}
	case OpCondBr:
		return []string{term.Then, term.Else}
	}
	return nil
}

func countPredecessors(fn *Function, name string) int {
	count := 0
	for _, bb := range fn.Blocks {
		for _, succ := range successorNames(bb) {
			if succ == name {
				count++
			}
		}
	}
	return count
}

func hasPhis(bb *BasicBlock) bool {
	return len(bb.Instructions) > 0 && bb.Instructions[0].Op == OpPhi
}

func removeBlock(fn *Function, name string) {
	for i, bb := range fn.Blocks {
		if bb.Name == name {
			fn.Blocks = append(fn.Blocks[:i], fn.Blocks[i+1:]...)
			return
		}
	}
}

// eliminateDeadInstructions removes pure instructions whose results are
// never used.
func eliminateDeadInstructions(fn *Function) {
	for changed := true; changed; {
		changed = false
		used := map[*Value]bool{}
		for _, bb := range fn.Blocks {
			for _, inst := range bb.Instructions {
				for _, op := range inst.Operands {
					used[op] = true
				}
				for _, in := range inst.Incoming {
					used[in.Value] = true
				}
			}
		}
		for _, bb := range fn.Blocks {
			kept := bb.Instructions[:0]
			for _, inst := range bb.Instructions {
				if isPure(inst) && inst.Result != nil && !used[inst.Result] {
					changed = true
					continue
				}
				kept = append(kept, inst)
			}
			bb.Instructions = kept
		}
	}
}
