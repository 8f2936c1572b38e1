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

package query

import (
	"github.com/magmadb/magma/codegen"
	"github.com/magmadb/magma/cudriver"
	queryCom "github.com/magmadb/magma/query/common"
	"github.com/magmadb/magma/utils"
)

// ExecutionDispatcher fronts the compiler with the guards the outer
// executor acts on: it validates the generated module, rejects
// device-ineligible programs and baseline-hash layouts missing a
// cardinality estimate, and classifies failures into the retryable error
// kinds.
type ExecutionDispatcher struct {
	compiler *codegen.Compiler
}

// NewExecutionDispatcher creates a dispatcher over a compiler.
func NewExecutionDispatcher(compiler *codegen.Compiler) *ExecutionDispatcher {
	return &ExecutionDispatcher{compiler: compiler}
}

// validateCgenState checks the structural preconditions every pipeline
// assumes. Violations are malformed generated code and always fatal.
func validateCgenState(state *codegen.CgenState) error {
	if state.Module == nil {
		return NewError(ErrorKindIRParse, "compilation state carries no module")
	}
	queryFn := state.Module.FindFunction(state.QueryFunc)
	if queryFn == nil || queryFn.IsDeclaration() {
		return NewError(ErrorKindIRParse, "query function %s has no body", state.QueryFunc)
	}
	rowFn := state.Module.FindFunction(state.RowFunc)
	if rowFn == nil || rowFn.IsDeclaration() {
		return NewError(ErrorKindIRParse, "row function %s has no body", state.RowFunc)
	}
	for _, callee := range queryFn.CalledFunctions() {
		if callee == state.RowFunc {
			return nil
		}
	}
	return NewError(ErrorKindIRParse, "%s never calls %s", state.QueryFunc, state.RowFunc)
}

// checkDeviceEligibility rejects modules calling helpers that resolve only
// on the host. Such programs have no device implementation to link against
// and must take the CPU path.
func checkDeviceEligibility(state *codegen.CgenState) error {
	defined := map[string]bool{}
	for _, fn := range state.Module.Functions {
		if !fn.IsDeclaration() {
			defined[fn.Name] = true
		}
	}
	for _, fn := range state.Module.Functions {
		if fn.IsDeclaration() {
			continue
		}
		for _, callee := range fn.CalledFunctions() {
			if defined[callee] || codegen.IsRuntimeHelperDeclared(callee) ||
				codegen.IsLibdeviceFunction(callee) {
				continue
			}
			return NewError(ErrorKindMustRunOnCpu,
				"helper %s resolves only on the host", callee)
		}
	}
	return nil
}

// CompileCPU validates the state and compiles it for the host.
func (d *ExecutionDispatcher) CompileCPU(state *codegen.CgenState,
	opts codegen.CompileOptions) (*codegen.CompilationContext, error) {
	if err := validateCgenState(state); err != nil {
		return nil, err
	}
	return d.compiler.CompileCPU(state, opts)
}

// CompileGPU validates the state and compiles it for the listed devices.
// Baseline-hash layouts without an entry count estimate are bounced back
// for a cardinality estimation pass; host-only helpers bounce the query to
// the CPU path; a device out of memory surviving the cache eviction retry
// is tagged as such.
func (d *ExecutionDispatcher) CompileGPU(state *codegen.CgenState, opts codegen.CompileOptions,
	qmd *queryCom.QueryMemoryDescriptor, devices []int,
	udfDeclarations string) (*codegen.GPUCompilationContext, error) {
	if err := validateCgenState(state); err != nil {
		return nil, err
	}
	if qmd != nil && qmd.QueryDescType == queryCom.GroupByBaselineHash && qmd.EntryCount == 0 {
		return nil, NewError(ErrorKindCardinalityEstimationRequired,
			"baseline hash layout has no entry count estimate")
	}
	if err := checkDeviceEligibility(state); err != nil {
		return nil, err
	}
	ctx, err := d.compiler.CompileGPU(state, opts, devices, udfDeclarations)
	if err != nil && cudriver.IsOutOfMemory(err) {
		return nil, WrapError(ErrorKindOutOfMemory, err, "device artifact upload failed")
	}
	return ctx, err
}

// Run evaluates a host compilation. Panics out of generated code are
// recovered and reported as malformed code rather than taking the process
// down.
func (d *ExecutionDispatcher) Run(ctx *codegen.CompilationContext,
	env *codegen.ExecEnv, args ...int64) (int64, error) {
	var result int64
	var runErr error
	if panicErr := utils.RecoverWrap(func() error {
		result, runErr = ctx.Run(env, args...)
		return nil
	}); panicErr != nil {
		return 0, WrapError(ErrorKindIRParse, panicErr, "generated code panicked")
	}
	return result, runErr
}
