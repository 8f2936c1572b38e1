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
	"github.com/magmadb/magma/cudriver"
	"github.com/magmadb/magma/device"
)

// Compiler pairs the compilation pipelines with the artifact cache.
type Compiler struct {
	cache   *CodeCache
	manager *device.Manager
}

// NewCompiler creates a compiler. The device manager may be nil when only
// the host path is used.
func NewCompiler(cache *CodeCache, manager *device.Manager) *Compiler {
	return &Compiler{cache: cache, manager: manager}
}

// Cache exposes the artifact cache.
func (c *Compiler) Cache() *CodeCache {
	return c.cache
}

// CompileCPU compiles for the host, serving repeat compilations from the
// cache. The cache key covers the serialized entry functions plus the
// executor identity when buffer tracking is armed.
func (c *Compiler) CompileCPU(state *CgenState, opts CompileOptions) (*CompilationContext, error) {
	key := CacheKey(state, opts.ExecutorAddr)
	if artifact, ok := c.cache.Get(key); ok && artifact.CPU != nil {
		return artifact.CPU, nil
	}
	ctx, err := CompileCPU(state, opts)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, NewArtifact([]byte(ctx.Module().Serialize()), ctx))
	return ctx, nil
}

// CompileGPU compiles for the listed devices. A cache hit skips emission
// but still binds the cached artifact to every target device.
func (c *Compiler) CompileGPU(state *CgenState, opts CompileOptions, devices []int,
	udfDeclarations string) (*GPUCompilationContext, error) {
	key := CacheKey(state, opts.ExecutorAddr)
	if artifact, ok := c.cache.Get(key); ok {
		ptx, err := artifact.Text()
		if err != nil {
			return nil, err
		}
		ctx := &GPUCompilationContext{
			entry:   state.QueryFunc,
			ptx:     ptx,
			manager: c.manager,
			modules: map[int]cudriver.Module{},
		}
		if err := ctx.bind(devices, c.cache); err != nil {
			return nil, err
		}
		return ctx, nil
	}
	ctx, err := CompileGPU(state, opts, c.manager, devices, c.cache, udfDeclarations)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, NewArtifact(ctx.PTX(), nil))
	return ctx, nil
}
