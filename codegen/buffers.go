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

// Buffer management hook names.
const (
	HelperAllocateVarlenBuffer = "allocate_varlen_buffer"
	HelperRegisterBuffer       = "register_buffer_with_executor_rsm"
)

// ManageMemoryBufferFlag is the module flag arming buffer auto-tracking.
const ManageMemoryBufferFlag = "manage_memory_buffer"

// TrackVarlenBuffers scans every function body for varlen buffer
// allocations whose result is never registered with the executor's memory
// owner and inserts the registration call right after the allocation,
// passing the executor address and the buffer pointer. Active only when the
// module declares both hooks and carries the arming flag. Returns the
// number of inserted registrations.
func TrackVarlenBuffers(module *Module, executorAddr int64) int {
	if module.Flags[ManageMemoryBufferFlag] != 1 {
		return 0
	}
	if module.FindFunction(HelperAllocateVarlenBuffer) == nil ||
		module.FindFunction(HelperRegisterBuffer) == nil {
		return 0
	}

	inserted := 0
	for _, fn := range module.Functions {
		for _, bb := range fn.Blocks {
			// find registered buffers first; an allocation already passed to
			// the registration hook anywhere in the block needs no insert
			registered := map[*Value]bool{}
			for _, inst := range bb.Instructions {
				if inst.Op == OpCall && inst.Callee == HelperRegisterBuffer && len(inst.Operands) > 1 {
					registered[inst.Operands[1]] = true
				}
			}
			var rewritten []*Instruction
			for _, inst := range bb.Instructions {
				rewritten = append(rewritten, inst)
				if inst.Op != OpCall || inst.Callee != HelperAllocateVarlenBuffer {
					continue
				}
				if inst.Result == nil || registered[inst.Result] {
					continue
				}
				rewritten = append(rewritten, &Instruction{
					Op:     OpCall,
					Callee: HelperRegisterBuffer,
					Operands: []*Value{
						ConstInt(TypeI64, executorAddr),
						inst.Result,
					},
				})
				inserted++
			}
			bb.Instructions = rewritten
		}
	}
	return inserted
}
