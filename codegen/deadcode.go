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

// alwaysLiveFunctions are primitives the backend may call without an IR
// visible call site; marking passes must never internalize them.
var alwaysLiveFunctions = []string{
	"init_shared_mem_nop",
	"write_back_nop",
	HelperRecordErrorCode,
	HelperRegisterBuffer,
}

// liveFunctionSet computes the functions transitively reachable from the
// roots plus the always-live primitives.
func liveFunctionSet(module *Module, roots []string) map[string]bool {
	live := map[string]bool{}
	var visit func(name string)
	visit = func(name string) {
		if live[name] {
			return
		}
		fn := module.FindFunction(name)
		if fn == nil {
			return
		}
		live[name] = true
		for _, callee := range fn.CalledFunctions() {
			visit(callee)
		}
	}
	for _, root := range roots {
		visit(root)
	}
	for _, name := range alwaysLiveFunctions {
		visit(name)
	}
	return live
}

// MarkDeadRuntimeFunctions gives every function unreachable from the roots
// internal linkage and then deletes dead self-recursive bodies, whose
// self-call keeps a use alive that plain internalization cannot remove.
// Returns the names of deleted functions.
func MarkDeadRuntimeFunctions(module *Module, roots []string) []string {
	live := liveFunctionSet(module, roots)

	for _, fn := range module.Functions {
		if !live[fn.Name] && !fn.IsDeclaration() {
			fn.Linkage = LinkageInternal
		}
	}

	var deleted []string
	for _, fn := range append([]*Function{}, module.Functions...) {
		if live[fn.Name] || fn.IsDeclaration() {
			continue
		}
		selfRecursive := false
		for _, callee := range fn.CalledFunctions() {
			if callee == fn.Name {
				selfRecursive = true
				break
			}
		}
		if selfRecursive {
			module.RemoveFunction(fn.Name)
			deleted = append(deleted, fn.Name)
		}
	}
	return deleted
}

// GCDeadFunctions removes every non-declaration function unreachable from
// the roots. Used after overriding library links where the dead bulk would
// otherwise bloat the artifact.
func GCDeadFunctions(module *Module, roots []string) []string {
	live := liveFunctionSet(module, roots)
	var deleted []string
	for _, fn := range append([]*Function{}, module.Functions...) {
		if live[fn.Name] || fn.IsDeclaration() {
			continue
		}
		module.RemoveFunction(fn.Name)
		deleted = append(deleted, fn.Name)
	}
	return deleted
}
