// Copyright 2023 The gVisor Authors.
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

// Package mir is the whole-program intermediate representation
// pkg/interp evaluates, per spec §6: bodies, locals, basic blocks,
// statements, and terminators. The compilation pipeline that would
// normally lower source code into this form is out of scope (spec
// §1); this package only defines the shape such a pipeline hands to
// the core, and tests construct small Programs directly.
package mir

import "github.com/mirage-rt/mirage/pkg/borrow"

// Program is a whole-program MIR unit, per spec §6's "whole-program
// MIR" contract.
type Program struct {
	Functions map[string]*Body
	// Entry names the function the initial thread begins executing,
	// spec §4.8's "when the initial thread returns from its entry
	// function".
	Entry string
}

// LocalDecl describes one local of a Body: its storage size, required
// alignment, and whether it holds a pointer value (so reads/writes
// route through mem.Table's provenance-aware Pointer path instead of
// the plain-integer path).
type LocalDecl struct {
	Name    string
	Size    uint64
	Align   uint64
	Pointer bool
	Signed  bool
}

// Body is one function's MIR, per spec §3's Frame.body field. Local 0
// is always the return place; locals [1, ArgCount] are the function's
// arguments, matching the source language's own MIR local-numbering
// convention.
type Body struct {
	Name     string
	ArgCount int
	Locals   []LocalDecl
	Blocks   []BasicBlock
	// NoUnwind marks an ABI boundary that must never be crossed while
	// unwinding (spec §7's UnwindPastNoUnwind).
	NoUnwind bool
}

// BasicBlock is a straight-line sequence of statements ending in
// exactly one terminator, per spec §4.8.
type BasicBlock struct {
	Statements []Statement
	Terminator Terminator
}

// ProjKind discriminates how a Projection narrows a Place.
type ProjKind int

const (
	// ProjField offsets into the base place by a fixed byte count.
	ProjField ProjKind = iota
	// ProjDeref follows a pointer stored at the current place,
	// continuing projection against the pointee.
	ProjDeref
	// ProjIndex offsets by IndexLocal's integer value times ElemSize,
	// the array/slice indexing projection.
	ProjIndex
)

// Projection is one step of a Place's projection chain (field,
// variant downcast modeled as a field offset, index, or deref), per
// spec §4.8.2's "projecting the base local through fields, variants
// (downcast), indexing, and dereferences".
type Projection struct {
	Kind ProjKind

	// Offset and Size describe a ProjField.
	Offset uint64
	Size   uint64

	// IndexLocal and ElemSize describe a ProjIndex.
	IndexLocal int
	ElemSize   uint64
}

// Place names a memory location: a base local plus zero or more
// projections, per spec §3's LocalState / §4.8.2.
type Place struct {
	Local int
	Proj  []Projection

	// Size, Signed, and Pointer describe the resulting place's type,
	// needed to read/write it correctly; a real front end derives
	// these from the source language's type information (spec §6).
	Size    uint64
	Signed  bool
	Pointer bool
}

// Field returns p narrowed to a field at the given byte offset and
// size.
func (p Place) Field(offset, size uint64) Place {
	out := p
	out.Proj = append(append([]Projection(nil), p.Proj...), Projection{Kind: ProjField, Offset: offset, Size: size})
	out.Size = size
	out.Pointer = false
	return out
}

// Deref returns p narrowed to the pointee of the pointer currently
// stored at p, sized elemSize.
func (p Place) Deref(elemSize uint64, pointer bool) Place {
	out := p
	out.Proj = append(append([]Projection(nil), p.Proj...), Projection{Kind: ProjDeref})
	out.Size = elemSize
	out.Pointer = pointer
	return out
}

// OperandKind discriminates an Operand's two shapes.
type OperandKind int

const (
	OpConst OperandKind = iota
	OpPlace
)

// Operand is an rvalue input: either a place to read (copy or move;
// this interpreter does not distinguish the two, since no
// move-out-of invalidation is modeled) or an inline
// constant.
type Operand struct {
	Kind  OperandKind
	Place Place

	ConstValue  uint64
	ConstSize   uint64
	ConstSigned bool
}

// Use wraps a Place as an Operand.
func Use(p Place) Operand { return Operand{Kind: OpPlace, Place: p} }

// ConstUint builds an unsigned integer constant Operand.
func ConstUint(v, size uint64) Operand {
	return Operand{Kind: OpConst, ConstValue: v, ConstSize: size}
}

// ConstInt builds a signed integer constant Operand.
func ConstInt(v int64, size uint64) Operand {
	return Operand{Kind: OpConst, ConstValue: uint64(v), ConstSize: size, ConstSigned: true}
}

// BinOp is a binary rvalue operator, per spec §4.8.2.
type BinOp int

const (
	Add BinOp = iota
	Sub
	Mul
	Eq
	Ne
	Lt
	Le
	Gt
	Ge
	BitAnd
	BitOr
	BitXor
	Shl
	Shr
)

// OverflowMode selects which of the source language's four
// arithmetic-overflow variants an Add/Sub/Mul rvalue uses, per
// SPEC_FULL's supplemented overflow-semantics feature.
type OverflowMode int

const (
	// Wrapping silently wraps on overflow (the `wrapping_*` family).
	Wrapping OverflowMode = iota
	// Checked stands for MIR's CheckedBinaryOp; the interpreter
	// yields only the wrapped result, with no separate overflow flag.
	Checked
	// Saturating clamps to the type's min/max on overflow.
	Saturating
	// Overflowing is Checked's explicit standard-library counterpart:
	// identical result here, kept distinct so callers can tell which
	// source construct produced the rvalue.
	Overflowing
)

// RvalueKind discriminates an assignment's right-hand side, per spec
// §4.8.2.
type RvalueKind int

const (
	RvUse RvalueKind = iota
	RvBinOp
	RvUnOp
	// RvRef creates a reference to Rvalue.Place, retagged per
	// Rvalue.RetagKind and, if Protect, protected for the callee
	// frame being entered (spec §4.3.3's call-boundary protector).
	RvRef
	// RvAddressOf creates a raw pointer (no retag).
	RvAddressOf
	RvCastIntToPtr
	RvCastPtrToInt
	RvCastIntToInt
	// RvDiscriminant reads the discriminant of an enum-shaped place,
	// modeled as a plain integer field read.
	RvDiscriminant
)

// UnOp is a unary rvalue operator.
type UnOp int

const (
	Neg UnOp = iota
	Not
)

// Rvalue is the right-hand side of an StmtAssign, per spec §4.8.2.
type Rvalue struct {
	Kind     RvalueKind
	Op       BinOp
	UnOp     UnOp
	Overflow OverflowMode
	Operands []Operand

	// Place is meaningful for RvRef, RvAddressOf, and RvDiscriminant.
	Place Place
	// RetagKind and Protect are meaningful for RvRef.
	RetagKind borrow.RetagKind
	Protect   bool

	ResultSize    uint64
	ResultSigned  bool
	ResultPointer bool
}

// StmtKind discriminates a Statement, per spec §4.8.1's "assignment,
// storage-live/dead, set-discriminant, retag, validate, no-op".
type StmtKind int

const (
	StmtAssign StmtKind = iota
	StmtStorageLive
	StmtStorageDead
	StmtSetDiscriminant
	StmtRetag
	StmtValidate
	StmtNop
)

// Statement is one non-terminating step of a BasicBlock.
type Statement struct {
	Kind StmtKind

	// Assign.
	Place  Place
	Rvalue Rvalue

	// StorageLive / StorageDead.
	Local int

	// SetDiscriminant.
	DiscriminantValue uint64

	// Retag: the place holding the pointer to retag, overwritten in
	// place with the freshly tagged pointer.
	RetagKind borrow.RetagKind
	Protect   bool

	// Validate: the place whose scalar validity is recursively
	// checked (SPEC_FULL's supplemented validation-pass feature).
	ValidateKind ValidateKind
}

// ValidateKind narrows what a StmtValidate checks.
type ValidateKind int

const (
	ValidateBool ValidateKind = iota
	ValidateChar
	ValidatePointer
	ValidateNone
)

// TermKind discriminates a Terminator, per spec §4.8.1's "goto,
// switch, call, return, drop, unreachable, assert, resume".
type TermKind int

const (
	TermGoto TermKind = iota
	TermSwitchInt
	TermCall
	TermReturn
	TermDrop
	TermUnreachable
	TermAssert
	TermResume
)

// SwitchTarget pairs one SwitchInt discriminant value with the block
// it jumps to.
type SwitchTarget struct {
	Value uint64
	Block int
}

// Terminator ends a BasicBlock.
type Terminator struct {
	Kind TermKind

	// Goto / Drop's continuation / Assert's success continuation.
	Target int

	// SwitchInt.
	Discr     Operand
	Targets   []SwitchTarget
	Otherwise int

	// Call: exactly one of Callee or Intrinsic is set. ReturnBlock is
	// meaningful only if HasReturnBlock (a diverging call has none).
	Callee         string
	Intrinsic      string
	Args           []Operand
	Dest           Place
	ReturnBlock    int
	HasReturnBlock bool
	UnwindBlock    int
	HasUnwindBlock bool

	// Assert.
	Cond     Operand
	Expected bool
	Msg      string

	// Drop.
	DropPlace Place
}
