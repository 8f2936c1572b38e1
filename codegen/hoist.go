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
	"strings"

	"github.com/magmadb/magma/utils"
)

// PlaceholderLiteralPrefix names the placeholder globals literal loads
// reference before hoisting.
const PlaceholderLiteralPrefix = "__placeholder__literal_"

// HoistedLiteral binds one placeholder global to the constant threaded in
// at the call site after hoisting.
type HoistedLiteral struct {
	// placeholder global name, e.g. __placeholder__literal_0
	Placeholder string
	// the literal constant passed as a trailing argument
	Literal *Value
}

// PlaceholderName builds the placeholder global name of literal index i.
func PlaceholderName(i int) string {
	return fmt.Sprintf("%s%d", PlaceholderLiteralPrefix, i)
}

// hoistFunction rewrites one function: its parameter list grows by one
// parameter per literal and every placeholder load becomes a direct use of
// the matching parameter.
func hoistFunction(fn *Function, literals []HoistedLiteral) error {
	params := make([]*Value, len(literals))
	for i, lit := range literals {
		params[i] = Param("hoisted."+lit.Placeholder, lit.Literal.Type)
	}

	// duplicate loads of one placeholder collapse onto the canonical
	// parameter; their results map through replacements
	replacements := map[*Value]*Value{}
	for _, bb := range fn.Blocks {
		kept := bb.Instructions[:0]
		for _, inst := range bb.Instructions {
			if inst.Op != OpLoad || inst.Operands[0].Kind != ValueGlobal ||
				!strings.HasPrefix(inst.Operands[0].Name, PlaceholderLiteralPrefix) {
				kept = append(kept, inst)
				continue
			}
			idx := -1
			for i, lit := range literals {
				if lit.Placeholder == inst.Operands[0].Name {
					idx = i
					break
				}
			}
			if idx < 0 {
				return utils.StackError(nil, "placeholder %s in %s has no hoisted literal",
					inst.Operands[0].Name, fn.Name)
			}
			replacements[inst.Result] = params[idx]
		}
		bb.Instructions = kept
	}
	for _, bb := range fn.Blocks {
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
		}
	}
	fn.Params = append(fn.Params, params...)
	return nil
}

// HoistLiterals moves literal placeholder loads out of the row function
// (and the optional filter function) into trailing parameters, then rewrites
// the row-function call inside the query function to thread the literal
// constants through.
func HoistLiterals(module *Module, queryFunc, rowFunc, filterFunc string, literals []HoistedLiteral) error {
	if len(literals) == 0 {
		return nil
	}
	query := module.FindFunction(queryFunc)
	if query == nil {
		return utils.StackError(nil, "query function %s not found", queryFunc)
	}

	rewritten := map[string]bool{}
	for _, name := range []string{rowFunc, filterFunc} {
		if name == "" || rewritten[name] {
			continue
		}
		fn := module.FindFunction(name)
		if fn == nil {
			return utils.StackError(nil, "function %s not found", name)
		}
		if err := hoistFunction(fn, literals); err != nil {
			return err
		}
		rewritten[name] = true
	}

	// thread the literal constants through every rewritten call site
	found := false
	for _, bb := range query.Blocks {
		for _, inst := range bb.Instructions {
			if inst.Op != OpCall || !rewritten[inst.Callee] {
				continue
			}
			for _, lit := range literals {
				inst.Operands = append(inst.Operands, lit.Literal)
			}
			found = true
		}
	}
	if !found {
		return utils.StackError(nil, "%s never calls %s", queryFunc, rowFunc)
	}
	return nil
}
