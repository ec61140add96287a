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

package interp

import (
	"math/big"
	"math/bits"

	"github.com/mirage-rt/mirage/pkg/borrow"
	"github.com/mirage-rt/mirage/pkg/clock"
	"github.com/mirage-rt/mirage/pkg/errors"
	"github.com/mirage-rt/mirage/pkg/mem"
	"github.com/mirage-rt/mirage/pkg/mir"
)

// evalOperand reads an Operand's value, per spec §4.8.2.
func (cx *InterpCx) evalOperand(tid clock.ThreadID, fr *Frame, op mir.Operand) (mem.Scalar, error) {
	if op.Kind == mir.OpConst {
		if op.ConstSigned {
			return mem.NewInt(int64(op.ConstValue), int(op.ConstSize)), nil
		}
		return mem.NewUint(op.ConstValue, int(op.ConstSize)), nil
	}
	return cx.readPlace(tid, fr, op.Place)
}

// evalRvalue computes rv's value, per spec §4.8.2: "reads operands
// through §4.1 ..., performs the algebraic operation with explicit
// overflow semantics ..., and writes to a place" — the write itself
// happens in statement.go; this function returns the value to write.
//
// Checked/Overflowing binary ops are modeled as returning only the
// (possibly wrapped) numeric result rather than a compound
// value-plus-flag pair: a test program that needs the overflow flag
// computes it itself with a second, explicit comparison rvalue. This
// keeps Rvalue single-valued, a simplification from the source
// language's ByValuePair local representation.
func (cx *InterpCx) evalRvalue(tid clock.ThreadID, fr *Frame, rv mir.Rvalue) (mem.Scalar, error) {
	switch rv.Kind {
	case mir.RvUse:
		return cx.evalOperand(tid, fr, rv.Operands[0])

	case mir.RvBinOp:
		lhs, err := cx.evalOperand(tid, fr, rv.Operands[0])
		if err != nil {
			return mem.Scalar{}, err
		}
		rhs, err := cx.evalOperand(tid, fr, rv.Operands[1])
		if err != nil {
			return mem.Scalar{}, err
		}
		return evalBinOp(rv.Op, rv.Overflow, lhs, rhs, rv.ResultSize, rv.ResultSigned), nil

	case mir.RvUnOp:
		v, err := cx.evalOperand(tid, fr, rv.Operands[0])
		if err != nil {
			return mem.Scalar{}, err
		}
		return evalUnOp(rv.UnOp, v, rv.ResultSize, rv.ResultSigned), nil

	case mir.RvRef, mir.RvAddressOf:
		ptr, err := cx.resolvePlace(tid, fr, rv.Place)
		if err != nil {
			return mem.Scalar{}, err
		}
		if rv.Kind == mir.RvAddressOf {
			// Raw pointers are never retagged or protected (spec
			// §4.3.1's RetagRawPointer starts Active in Tree
			// Borrows but the stack variant mints no new tag for a
			// bare cast-from-reference; modeled here as reusing the
			// referent's current provenance unchanged).
			return mem.NewPointerScalar(ptr, mem.PointerSize), nil
		}
		newPtr, err := cx.retagPointer(tid, fr, ptr, rv.Place.Size, rv.RetagKind, rv.Protect)
		if err != nil {
			return mem.Scalar{}, err
		}
		return mem.NewPointerScalar(newPtr, mem.PointerSize), nil

	case mir.RvCastIntToPtr:
		v, err := cx.evalOperand(tid, fr, rv.Operands[0])
		if err != nil {
			return mem.Scalar{}, err
		}
		return mem.NewPointerScalar(mem.Pointer{Provenance: mem.NoProvenance, Addr: v.Uint64()}, mem.PointerSize), nil

	case mir.RvCastPtrToInt:
		v, err := cx.evalOperand(tid, fr, rv.Operands[0])
		if err != nil {
			return mem.Scalar{}, err
		}
		if v.Ptr.Provenance.Kind == mem.ProvConcrete {
			cx.table.Expose(v.Ptr.Provenance.AllocID)
			if tree, ok := cx.tracker.(*borrow.Tree); ok {
				tree.ExposeTag(v.Ptr.Provenance.AllocID, v.Ptr.Provenance.Tag)
			}
		}
		return mem.NewUint(v.Ptr.Addr, int(rv.ResultSize)), nil

	case mir.RvCastIntToInt:
		v, err := cx.evalOperand(tid, fr, rv.Operands[0])
		if err != nil {
			return mem.Scalar{}, err
		}
		if rv.ResultSigned {
			return mem.NewInt(signExtend(v.Uint64(), int(rv.ResultSize)), int(rv.ResultSize)), nil
		}
		return mem.NewUint(v.Uint64()&maskFor(rv.ResultSize), int(rv.ResultSize)), nil

	case mir.RvDiscriminant:
		return cx.readPlace(tid, fr, rv.Place)
	}
	return mem.Scalar{}, cx.fail(tid, fr, errors.KindUnsupportedIntrinsic, "unsupported rvalue kind")
}

var errDanglingForRetag = &borrow.AliasingError{Detail: "retag of a pointer with no resolvable allocation"}

// retagPointer mints a fresh tag for ptr over the size bytes starting
// at ptr's offset within its allocation, consulting the
// active aliasing tracker, per spec §4.3's retag operation. It backs
// both RvRef (a reference freshly created in an assignment) and the
// standalone Retag statement MIR inserts at points like function
// argument binding.
func (cx *InterpCx) retagPointer(tid clock.ThreadID, fr *Frame, ptr mem.Pointer, size uint64, kind borrow.RetagKind, protect bool) (mem.Pointer, error) {
	a, off, ok := cx.table.Resolve(ptr.Addr)
	if !ok {
		return mem.Pointer{}, cx.wrapMemErr(tid, fr, errDanglingForRetag)
	}
	parent := ptr.Provenance.Tag
	newTag := cx.engine.Mint()
	cx.noteTag(newTag)
	if ptr.Provenance.Kind != mem.ProvConcrete {
		// Retagging through a wildcard/no-provenance pointer mints a
		// fresh root tag instead of validating a parent access, since
		// no concrete parent tag exists to check.
		cx.tracker.NewAllocation(a.ID, a.Size, newTag)
	} else if err := cx.tracker.Retag(a.ID, off, size, parent, newTag, kind, protect); err != nil {
		return mem.Pointer{}, cx.taggedDiag(cx.fail(tid, fr, errors.KindAliasingViolation, err.Error()), a, ptr)
	}
	if protect {
		fr.trackedTags = append(fr.trackedTags, protectedTag{alloc: a.ID, tag: newTag})
	}
	return mem.Pointer{Provenance: mem.ConcreteProvenance(a.ID, newTag), Addr: ptr.Addr}, nil
}

func maskFor(size uint64) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (size * 8)) - 1
}

func signedRange(size uint64) (int64, int64) {
	if size >= 8 {
		return -9223372036854775808, 9223372036854775807
	}
	bitsN := size * 8
	max := int64(uint64(1)<<(bitsN-1)) - 1
	min := -max - 1
	return min, max
}

func truncateSigned(v int64, size uint64) int64 {
	return signExtend(uint64(v), int(size))
}

func evalUnOp(op mir.UnOp, v mem.Scalar, size uint64, signed bool) mem.Scalar {
	switch op {
	case mir.Not:
		return mem.NewUint((^v.Uint64())&maskFor(size), int(size))
	case mir.Neg:
		return mem.NewInt(-v.Int64(), int(size))
	}
	return mem.UninitScalar()
}

func evalBinOp(op mir.BinOp, mode mir.OverflowMode, lhs, rhs mem.Scalar, size uint64, signed bool) mem.Scalar {
	switch op {
	case mir.Eq, mir.Ne, mir.Lt, mir.Le, mir.Gt, mir.Ge:
		return mem.NewUint(boolToU64(compare(op, lhs, rhs, signed)), 1)
	case mir.BitAnd:
		return mem.NewUint((lhs.Uint64()&rhs.Uint64())&maskFor(size), int(size))
	case mir.BitOr:
		return mem.NewUint((lhs.Uint64()|rhs.Uint64())&maskFor(size), int(size))
	case mir.BitXor:
		return mem.NewUint((lhs.Uint64()^rhs.Uint64())&maskFor(size), int(size))
	case mir.Shl:
		return mem.NewUint((lhs.Uint64()<<(rhs.Uint64()&63))&maskFor(size), int(size))
	case mir.Shr:
		if signed {
			return mem.NewInt(lhs.Int64()>>(rhs.Uint64()&63), int(size))
		}
		return mem.NewUint(lhs.Uint64()>>(rhs.Uint64()&63), int(size))
	}

	if signed {
		v, overflow := signedArith(op, lhs.Int64(), rhs.Int64(), size)
		if mode == mir.Saturating && overflow {
			v = saturateSigned(op, lhs.Int64(), rhs.Int64(), size)
		}
		return mem.NewInt(v, int(size))
	}
	v, overflow := unsignedArith(op, lhs.Uint64(), rhs.Uint64(), size)
	if mode == mir.Saturating && overflow {
		v = saturateUnsigned(op, lhs.Uint64(), rhs.Uint64(), size)
	}
	return mem.NewUint(v, int(size))
}

func compare(op mir.BinOp, lhs, rhs mem.Scalar, signed bool) bool {
	if signed {
		a, b := lhs.Int64(), rhs.Int64()
		switch op {
		case mir.Eq:
			return a == b
		case mir.Ne:
			return a != b
		case mir.Lt:
			return a < b
		case mir.Le:
			return a <= b
		case mir.Gt:
			return a > b
		case mir.Ge:
			return a >= b
		}
	}
	a, b := lhs.Uint64(), rhs.Uint64()
	switch op {
	case mir.Eq:
		return a == b
	case mir.Ne:
		return a != b
	case mir.Lt:
		return a < b
	case mir.Le:
		return a <= b
	case mir.Gt:
		return a > b
	case mir.Ge:
		return a >= b
	}
	return false
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func unsignedArith(op mir.BinOp, a, b, size uint64) (uint64, bool) {
	mask := maskFor(size)
	switch op {
	case mir.Add:
		sum := a + b
		if size >= 8 {
			return sum, sum < a
		}
		return sum & mask, sum > mask
	case mir.Sub:
		overflow := b > a
		return (a - b) & mask, overflow
	case mir.Mul:
		hi, lo := bits.Mul64(a, b)
		if size >= 8 {
			return lo, hi != 0
		}
		return lo & mask, hi != 0 || lo > mask
	}
	return 0, false
}

func signedArith(op mir.BinOp, a, b int64, size uint64) (int64, bool) {
	switch op {
	case mir.Add:
		sum := a + b
		overflow := ((a ^ sum) & (b ^ sum)) < 0
		if size < 8 {
			lo, hi := signedRange(size)
			overflow = sum < lo || sum > hi
		}
		return truncateSigned(sum, size), overflow
	case mir.Sub:
		diff := a - b
		overflow := ((a ^ b) & (a ^ diff)) < 0
		if size < 8 {
			lo, hi := signedRange(size)
			overflow = diff < lo || diff > hi
		}
		return truncateSigned(diff, size), overflow
	case mir.Mul:
		full := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
		lo, hi := signedRange(size)
		overflow := full.Cmp(big.NewInt(lo)) < 0 || full.Cmp(big.NewInt(hi)) > 0
		return truncateSigned(full.Int64(), size), overflow
	}
	return 0, false
}

func saturateUnsigned(op mir.BinOp, a, b, size uint64) uint64 {
	switch op {
	case mir.Add:
		return maskFor(size)
	case mir.Sub:
		return 0
	case mir.Mul:
		return maskFor(size)
	}
	return 0
}

func saturateSigned(op mir.BinOp, a, b int64, size uint64) int64 {
	lo, hi := signedRange(size)
	switch op {
	case mir.Add:
		if b > 0 {
			return hi
		}
		return lo
	case mir.Sub:
		if b > 0 {
			return lo
		}
		return hi
	case mir.Mul:
		if (a > 0) == (b > 0) {
			return hi
		}
		return lo
	}
	return 0
}
