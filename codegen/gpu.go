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
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/magmadb/magma/cudriver"
	"github.com/magmadb/magma/device"
	"github.com/magmadb/magma/utils"
)

// NVPTX target identity.
const (
	NVPTXTargetTriple = "nvptx64-nvidia-cuda"
	NVPTXDataLayout   = "e-i64:64-i128:128-v16:16-v32:32-n16:32:64"
)

// ptxISAVersion is the PTX ISA version emitted artifacts declare.
const ptxISAVersion = "8.3"

// libdeviceFunctionPrefix marks math intrinsics resolved by the device
// library.
const libdeviceFunctionPrefix = "__nv_"

// attributes the NVPTX backend rejects on function definitions
var nvptxStrippedAttributes = map[string]bool{
	"uwtable":                 true,
	"stackprotect":            true,
	"personality":             true,
	"frame-pointer":           true,
	"no-frame-pointer-elim":   true,
	"probe-stack":             true,
	"speculative_load_harden": true,
}

// stack and lifetime intrinsics with no device equivalent
var nvptxStrippedIntrinsics = map[string]bool{
	"llvm.stacksave":      true,
	"llvm.stackrestore":   true,
	"llvm.lifetime.start": true,
	"llvm.lifetime.end":   true,
}

// NVPTX backend initialization is process-global, like the native engine,
// but guarded separately so CPU and GPU first compiles do not serialize on
// one lock.
var (
	nvptxInitMutex   sync.Mutex
	nvptxInitialized bool
)

func initNVPTXLocked() {
	if nvptxInitialized {
		return
	}
	nvptxInitialized = true
	utils.GetQueryLogger().Debug("nvptx backend initialized")
}

// GPUCompilationContext is a compiled device artifact bound to its target
// devices.
type GPUCompilationContext struct {
	entry   string
	ptx     []byte
	manager *device.Manager
	// loaded module handle per device
	modules map[int]cudriver.Module
}

// Entry returns the kernel entry name.
func (c *GPUCompilationContext) Entry() string {
	return c.entry
}

// PTX returns the emitted artifact text.
func (c *GPUCompilationContext) PTX() []byte {
	return c.ptx
}

// ModuleFor returns the loaded module handle for a device.
func (c *GPUCompilationContext) ModuleFor(dev int) (cudriver.Module, bool) {
	module, ok := c.modules[dev]
	return module, ok
}

// Unload releases every device module.
func (c *GPUCompilationContext) Unload() {
	for dev, module := range c.modules {
		if err := c.manager.UnloadGpuModuleData(module, dev); err != nil {
			utils.GetQueryLogger().With("device", dev, "error", err.Error()).
				Warn("failed to unload device module")
		}
	}
	c.modules = map[int]cudriver.Module{}
}

// legalizeForNVPTX strips function attributes and intrinsic calls the
// device backend cannot accept.
func legalizeForNVPTX(module *Module) {
	for _, fn := range module.Functions {
		var attrs []string
		for _, attr := range fn.Attributes {
			if !nvptxStrippedAttributes[attr] {
				attrs = append(attrs, attr)
			}
		}
		fn.Attributes = attrs
		for _, bb := range fn.Blocks {
			kept := bb.Instructions[:0]
			for _, inst := range bb.Instructions {
				if inst.Op == OpCall && nvptxStrippedIntrinsics[inst.Callee] {
					continue
				}
				kept = append(kept, inst)
			}
			bb.Instructions = kept
		}
	}
}

// IsLibdeviceFunction reports whether a callee resolves through the device
// math library.
func IsLibdeviceFunction(name string) bool {
	return strings.HasPrefix(name, libdeviceFunctionPrefix)
}

// usesLibdevice reports whether any called function resolves through the
// device math library.
func usesLibdevice(module *Module) bool {
	for _, fn := range module.Functions {
		for _, callee := range fn.CalledFunctions() {
			if strings.HasPrefix(callee, libdeviceFunctionPrefix) {
				return true
			}
		}
	}
	return false
}

// EmitPTX serializes the module restricted to its live functions, prepends
// the runtime declarations and renders the device artifact text targeted at
// the architecture's SM.
func EmitPTX(module *Module, state *CgenState, arch device.Arch, udfDeclarations string) []byte {
	stopWatch := utils.GetRootReporter().GetTimer(utils.PTXEmissionLatency).Start()
	defer stopWatch.Stop()

	// non-root functions leave the module for emission; the declarations
	// string speaks for them
	roots := map[string]bool{}
	for _, name := range state.roots() {
		roots[name] = true
	}
	restricted := NewModule(module.Name)
	restricted.TargetTriple = NVPTXTargetTriple
	restricted.DataLayout = NVPTXDataLayout
	restricted.KernelAnnotations = append([]string{}, module.KernelAnnotations...)
	for _, fn := range module.Functions {
		if roots[fn.Name] && !fn.IsDeclaration() {
			restricted.Functions = append(restricted.Functions, fn)
		}
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "//\n// Generated by magma device compiler\n//\n")
	fmt.Fprintf(&b, ".version %s\n", ptxISAVersion)
	fmt.Fprintf(&b, ".target %s\n", arch.SMString())
	fmt.Fprintf(&b, ".address_size 64\n\n")
	b.WriteString(GenerateRuntimeDeclarations())
	if udfDeclarations != "" {
		b.WriteString(udfDeclarations)
	}
	b.WriteString("\n")
	b.WriteString(restricted.Serialize())
	return b.Bytes()
}

// CompileGPU runs the device pipeline over the state and uploads the
// artifact to every target device. A first upload failing with device out
// of memory evicts a fraction of the code cache and retries once.
func CompileGPU(state *CgenState, opts CompileOptions, manager *device.Manager,
	devices []int, cache *CodeCache, udfDeclarations string) (*GPUCompilationContext, error) {
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
	opts.Checks.ForGPU = true
	if err := InjectRuntimeChecks(state.Module, state.QueryFunc, state.RowFunc, opts.Checks); err != nil {
		return nil, err
	}

	state.Module.TargetTriple = NVPTXTargetTriple
	state.Module.DataLayout = NVPTXDataLayout
	if usesLibdevice(state.Module) {
		GCDeadFunctions(state.Module, state.roots())
	}
	legalizeForNVPTX(state.Module)
	state.Module.KernelAnnotations = append(state.Module.KernelAnnotations, state.QueryFunc)

	MarkDeadRuntimeFunctions(state.Module, state.roots())
	Optimize(state.Module, OptimizeOptions{SkipJumpThreading: opts.Checks.SharedMemGroupBy})

	nvptxInitMutex.Lock()
	initNVPTXLocked()
	nvptxInitMutex.Unlock()

	arch := device.ArchPascal
	if manager.DeviceCount() > 0 {
		arch = manager.Properties(0).Arch
	}
	ptx := EmitPTX(state.Module, state, arch, udfDeclarations)

	ctx := &GPUCompilationContext{
		entry:   state.QueryFunc,
		ptx:     ptx,
		manager: manager,
		modules: map[int]cudriver.Module{},
	}
	if err := ctx.bind(devices, cache); err != nil {
		return nil, err
	}
	return ctx, nil
}

// bind uploads the artifact to each target device, with the single
// evict-and-retry cycle on out of memory.
func (c *GPUCompilationContext) bind(devices []int, cache *CodeCache) error {
	for _, dev := range devices {
		module, err := c.manager.LoadGpuModuleData(c.ptx, dev)
		if err != nil && cudriver.IsOutOfMemory(err) && cache != nil {
			evicted := cache.EvictFraction()
			utils.GetQueryLogger().With("device", dev, "evicted", evicted).
				Warn("device module upload hit out of memory, retrying after cache eviction")
			module, err = c.manager.LoadGpuModuleData(c.ptx, dev)
		}
		if err != nil {
			c.Unload()
			return err
		}
		c.modules[dev] = module
	}
	return nil
}
