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
	"sort"
	"strings"

	"github.com/magmadb/magma/utils"
)

// Type is a scalar IR type.
type Type string

// Scalar types used by generated code.
const (
	TypeVoid   Type = "void"
	TypeI1     Type = "i1"
	TypeI8     Type = "i8"
	TypeI16    Type = "i16"
	TypeI32    Type = "i32"
	TypeI64    Type = "i64"
	TypeFloat  Type = "float"
	TypeDouble Type = "double"
	TypePtr    Type = "i8*"
)

// ValueKind distinguishes value references.
type ValueKind int

// Value kinds.
const (
	ValueConst ValueKind = iota
	ValueConstFloat
	ValueParam
	ValueInstr
	ValueGlobal
)

// Value is one SSA value reference. Instruction results, parameters and
// globals are shared pointers so rewriting an operand list rewrites every
// use.
type Value struct {
	Kind  ValueKind
	Name  string
	Type  Type
	Int   int64
	Float float64
}

// ConstInt creates an integer constant.
func ConstInt(typ Type, v int64) *Value {
	return &Value{Kind: ValueConst, Type: typ, Int: v}
}

// ConstFloat creates a floating point constant.
func ConstFloat(typ Type, v float64) *Value {
	return &Value{Kind: ValueConstFloat, Type: typ, Float: v}
}

// Param creates a function parameter value.
func Param(name string, typ Type) *Value {
	return &Value{Kind: ValueParam, Name: name, Type: typ}
}

// Global creates a reference to a module-level cell.
func Global(name string) *Value {
	return &Value{Kind: ValueGlobal, Name: name, Type: TypePtr}
}

func (v *Value) String() string {
	switch v.Kind {
	case ValueConst:
		return fmt.Sprintf("%s %d", v.Type, v.Int)
	case ValueConstFloat:
		return fmt.Sprintf("%s %g", v.Type, v.Float)
	case ValueGlobal:
		return fmt.Sprintf("%s @%s", v.Type, v.Name)
	default:
		return fmt.Sprintf("%s %%%s", v.Type, v.Name)
	}
}

// OpCode enumerates instruction operations.
type OpCode int

// Instruction operations.
const (
	OpAdd OpCode = iota
	OpSub
	OpMul
	OpSDiv
	OpSRem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpLShr
	OpICmp
	OpSelect
	OpPhi
	OpLoad
	OpStore
	OpCall
	OpBr
	OpCondBr
	OpRet
)

var opNames = map[OpCode]string{
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpSDiv: "sdiv", OpSRem: "srem",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpShl: "shl", OpLShr: "lshr",
	OpICmp: "icmp", OpSelect: "select", OpPhi: "phi", OpLoad: "load",
	OpStore: "store", OpCall: "call", OpBr: "br", OpCondBr: "br",
	OpRet: "ret",
}

// ICmp predicates.
const (
	PredEQ  = "eq"
	PredNE  = "ne"
	PredSLT = "slt"
	PredSLE = "sle"
	PredSGT = "sgt"
	PredSGE = "sge"
	PredULT = "ult"
)

// PhiIncoming is one (predecessor, value) pair of a phi node.
type PhiIncoming struct {
	Block string
	Value *Value
}

// Instruction is one IR operation. Result is nil for void operations and
// terminators.
type Instruction struct {
	Op       OpCode
	Result   *Value
	Operands []*Value
	// icmp predicate
	Pred string
	// call target
	Callee string
	// branch targets
	Then string
	Else string
	// phi incoming edges
	Incoming []PhiIncoming
}

// IsTerminator reports whether the instruction ends a basic block.
func (inst *Instruction) IsTerminator() bool {
	switch inst.Op {
	case OpBr, OpCondBr, OpRet:
		return true
	}
	return false
}

func (inst *Instruction) String() string {
	var b strings.Builder
	if inst.Result != nil {
		fmt.Fprintf(&b, "%%%s = ", inst.Result.Name)
	}
	switch inst.Op {
	case OpICmp:
		fmt.Fprintf(&b, "icmp %s %s, %s", inst.Pred, inst.Operands[0], inst.Operands[1])
	case OpPhi:
		b.WriteString("phi ")
		for i, in := range inst.Incoming {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "[ %s, %%%s ]", in.Value, in.Block)
		}
	case OpCall:
		fmt.Fprintf(&b, "call @%s(", inst.Callee)
		for i, op := range inst.Operands {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(op.String())
		}
		b.WriteString(")")
	case OpBr:
		fmt.Fprintf(&b, "br label %%%s", inst.Then)
	case OpCondBr:
		fmt.Fprintf(&b, "br %s, label %%%s, label %%%s", inst.Operands[0], inst.Then, inst.Else)
	case OpRet:
		if len(inst.Operands) == 0 {
			b.WriteString("ret void")
		} else {
			fmt.Fprintf(&b, "ret %s", inst.Operands[0])
		}
	case OpStore:
		fmt.Fprintf(&b, "store %s, %s", inst.Operands[0], inst.Operands[1])
	default:
		b.WriteString(opNames[inst.Op])
		for i, op := range inst.Operands {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(" " + op.String())
		}
	}
	return b.String()
}

// BasicBlock is a named straight-line instruction sequence ending in a
// terminator.
type BasicBlock struct {
	Name         string
	Instructions []*Instruction
}

// Terminator returns the block's final instruction when it is a
// terminator.
func (bb *BasicBlock) Terminator() *Instruction {
	if len(bb.Instructions) == 0 {
		return nil
	}
	last := bb.Instructions[len(bb.Instructions)-1]
	if !last.IsTerminator() {
		return nil
	}
	return last
}

// Linkage controls function visibility across the module boundary.
type Linkage int

// Linkage kinds.
const (
	LinkageExternal Linkage = iota
	LinkageInternal
)

// Function is one IR function. Declarations have no blocks.
type Function struct {
	Name       string
	Params     []*Value
	ReturnType Type
	Blocks     []*BasicBlock
	Linkage    Linkage
	// attributes the function carries; NVPTX rejects some of these
	Attributes []string
}

// IsDeclaration reports whether the function has no body.
func (f *Function) IsDeclaration() bool {
	return len(f.Blocks) == 0
}

// FindBlock returns the named block or nil.
func (f *Function) FindBlock(name string) *BasicBlock {
	for _, bb := range f.Blocks {
		if bb.Name == name {
			return bb
		}
	}
	return nil
}

// EntryBlock returns the first block.
func (f *Function) EntryBlock() *BasicBlock {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// CalledFunctions returns the distinct callee names in body order.
func (f *Function) CalledFunctions() []string {
	seen := map[string]bool{}
	var names []string
	for _, bb := range f.Blocks {
		for _, inst := range bb.Instructions {
			if inst.Op == OpCall && !seen[inst.Callee] {
				seen[inst.Callee] = true
				names = append(names, inst.Callee)
			}
		}
	}
	return names
}

// nextValueID supports fresh value naming during rewrites.
type nameAllocator struct {
	next int
}

func (a *nameAllocator) fresh(prefix string) string {
	a.next++
	return fmt.Sprintf("%s.%d", prefix, a.next)
}

// Module is an owned, mutable IR module.
type Module struct {
	Name         string
	TargetTriple string
	DataLayout   string
	Functions    []*Function
	// module flags, e.g. manage_memory_buffer
	Flags map[string]int64
	// kernel annotations for the GPU backend
	KernelAnnotations []string

	names nameAllocator
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{Name: name, Flags: map[string]int64{}}
}

// FreshName allocates a module-unique value name.
func (m *Module) FreshName(prefix string) string {
	return m.names.fresh(prefix)
}

// FindFunction returns the named function or nil.
func (m *Module) FindFunction(name string) *Function {
	for _, f := range m.Functions {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// AddFunction appends a function; duplicate names are an error.
func (m *Module) AddFunction(f *Function) error {
	if m.FindFunction(f.Name) != nil {
		return utils.StackError(nil, "duplicate function %s", f.Name)
	}
	m.Functions = append(m.Functions, f)
	return nil
}

// RemoveFunction deletes the named function.
func (m *Module) RemoveFunction(name string) {
	for i, f := range m.Functions {
		if f.Name == name {
			m.Functions = append(m.Functions[:i], m.Functions[i+1:]...)
			return
		}
	}
}

// FlagsString renders module flags deterministically.
func (m *Module) flagsString() string {
	if len(m.Flags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m.Flags))
	for k := range m.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "!flag %s = %d\n", k, m.Flags[k])
	}
	return b.String()
}

// SerializeFunction renders one function to text. The rendering is
// deterministic and doubles as the cache key material.
func SerializeFunction(f *Function) string {
	var b bytes.Buffer
	linkage := ""
	if f.Linkage == LinkageInternal {
		linkage = "internal "
	}
	keyword := "define"
	if f.IsDeclaration() {
		keyword = "declare"
	}
	fmt.Fprintf(&b, "%s %s%s @%s(", keyword, linkage, f.ReturnType, f.Name)
	for i, p := range f.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(")")
	for _, attr := range f.Attributes {
		b.WriteString(" " + attr)
	}
	if f.IsDeclaration() {
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString(" {\n")
	for _, bb := range f.Blocks {
		fmt.Fprintf(&b, "%s:\n", bb.Name)
		for _, inst := range bb.Instructions {
			fmt.Fprintf(&b, "  %s\n", inst.String())
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Serialize renders the whole module to text.
func (m *Module) Serialize() string {
	var b bytes.Buffer
	if m.TargetTriple != "" {
		fmt.Fprintf(&b, "target triple = %q\n", m.TargetTriple)
	}
	if m.DataLayout != "" {
		fmt.Fprintf(&b, "target datalayout = %q\n", m.DataLayout)
	}
	b.WriteString(m.flagsString())
	for _, annotation := range m.KernelAnnotations {
		fmt.Fprintf(&b, "!nvvm.annotations = @%s kernel\n", annotation)
	}
	for _, f := range m.Functions {
		b.WriteString(SerializeFunction(f))
	}
	return b.String()
}

// CloneFunction deep-copies a function body, remapping every instruction
// result so the clone can be rewritten independently.
func CloneFunction(f *Function) *Function {
	clone := &Function{
		Name:       f.Name,
		ReturnType: f.ReturnType,
		Linkage:    f.Linkage,
		Attributes: append([]string{}, f.Attributes...),
	}
	remap := map[*Value]*Value{}
	for _, p := range f.Params {
		np := &Value{Kind: ValueParam, Name: p.Name, Type: p.Type}
		remap[p] = np
		clone.Params = append(clone.Params, np)
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
		nv := &Value{Kind: v.Kind, Name: v.Name, Type: v.Type, Int: v.Int, Float: v.Float}
		remap[v] = nv
		return nv
	}
	for _, bb := range f.Blocks {
		nbb := &BasicBlock{Name: bb.Name}
		for _, inst := range bb.Instructions {
			ninst := &Instruction{
				Op:     inst.Op,
				Pred:   inst.Pred,
				Callee: inst.Callee,
				Then:   inst.Then,
				Else:   inst.Else,
			}
			if inst.Result != nil {
				ninst.Result = mapValue(inst.Result)
			}
			for _, op := range inst.Operands {
				ninst.Operands = append(ninst.Operands, mapValue(op))
			}
			for _, in := range inst.Incoming {
				ninst.Incoming = append(ninst.Incoming, PhiIncoming{Block: in.Block, Value: mapValue(in.Value)})
			}
			nbb.Instructions = append(nbb.Instructions, ninst)
		}
		clone.Blocks = append(clone.Blocks, nbb)
	}
	return clone
}
