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
	"sync"

	"github.com/magmadb/magma/utils"
)

// CgenState is the populated code generation state handed to compilation:
// the working module, the per-row function, the optional filter
// subfunction, helper functions and the hoisted literal bindings.
type CgenState struct {
	Module     *Module
	QueryFunc  string
	RowFunc    string
	FilterFunc string
	Helpers    []string
	Literals   []HoistedLiteral
}

// roots returns the function roots that must stay externally visible.
func (s *CgenState) roots() []string {
	roots := []string{s.QueryFunc, s.RowFunc}
	if s.FilterFunc != "" {
		roots = append(roots, s.FilterFunc)
	}
	return append(roots, s.Helpers...)
}

// CompileOptions configures one compilation.
type CompileOptions struct {
	Checks RuntimeCheckOptions
	// user defined function modules linked in before optimization
	UDFModules []*Module
	// identity of the executor generated closures capture; part of the
	// cache key when buffer auto-tracking is armed
	ExecutorAddr int64
	// lower codegen effort for reduction subprograms
	ReducedOptLevel bool
}

// CompilationContext wraps an executable artifact with its entry point.
type CompilationContext struct {
	module *Module
	entry  string
}

// Module exposes the compiled module, e.g. for artifact serialization.
func (c *CompilationContext) Module() *Module {
	return c.module
}

// Entry returns the entry function name.
func (c *CompilationContext) Entry() string {
	return c.entry
}

// Run invokes the entry function against an environment.
func (c *CompilationContext) Run(env *ExecEnv, args ...int64) (int64, error) {
	return Execute(c.module, c.entry, env, args)
}

// Native engine construction mutates process-global state on first use;
// one mutex serializes it.
var (
	nativeEngineMutex       sync.Mutex
	nativeEngineInitialized bool
)

func initNativeEngineLocked() {
	if nativeEngineInitialized {
		return
	}
	nativeEngineInitialized = true
	utils.GetQueryLogger().Debug("native execution engine initialized")
}

// CompileCPU runs the full host pipeline: UDF linking, literal hoisting,
// runtime check injection, buffer auto-tracking, dead function marking and
// optimization, then wraps the module in an executable context.
func CompileCPU(state *CgenState, opts CompileOptions) (*CompilationContext, error) {
	stopWatch := utils.GetRootReporter().GetTimer(utils.CompilationLatency).Start()
	defer stopWatch.Stop()

	for _, udf := range opts.UDFModules {
		if err := LinkModules(state.Module, udf, LinkNone); err != nil {
			return nil, err
		}
	}
	if err := HoistLiterals(state.Module, state.QueryFunc, state.RowFunc, state.FilterFunc, state.Literals); err != nil {
		return nil, err
	}
	opts.Checks.ForGPU = false
	if err := InjectRuntimeChecks(state.Module, state.QueryFunc, state.RowFunc, opts.Checks); err != nil {
		return nil, err
	}
	TrackVarlenBuffers(state.Module, opts.ExecutorAddr)
	MarkDeadRuntimeFunctions(state.Module, state.roots())
	if !opts.ReducedOptLevel {
		Optimize(state.Module, OptimizeOptions{})
	}

	nativeEngineMutex.Lock()
	initNativeEngineLocked()
	nativeEngineMutex.Unlock()

	utils.GetQueryLogger().Debugf("compiled %s for cpu:\n%s",
		state.QueryFunc, state.Module.Serialize())
	return &CompilationContext{module: state.Module, entry: state.QueryFunc}, nil
}

// StandardHelpers returns an environment preloaded with the default
// runtime helper implementations: the error slot writer, a watchdog that
// never fires and an interrupt check reading the interrupt cell.
func StandardHelpers() *ExecEnv {
	env := NewExecEnv()
	env.RegisterHelper(HelperRecordErrorCode, func(env *ExecEnv, args []int64) (int64, error) {
		env.Cells["error_code"] = args[0]
		return 0, nil
	})
	env.RegisterHelper(HelperDynamicWatchdog, func(env *ExecEnv, args []int64) (int64, error) {
		return 0, nil
	})
	env.RegisterHelper(HelperCheckInterrupt, func(env *ExecEnv, args []int64) (int64, error) {
		return env.Cells["interrupt_requested"], nil
	})
	return env
}
