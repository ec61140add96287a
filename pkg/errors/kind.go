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

// Package errors defines the closed set of diagnostic kinds the
// interpreter core can report, following the fixed-enum error style
// of the source language's own EvalError rather than Go's
// wrap-and-unwrap convention.
package errors

// Class groups a Kind into one of the four families the evaluation
// loop treats differently when deciding how to terminate.
type Class int

const (
	// ClassUB marks undefined behavior detected in the target program.
	ClassUB Class = iota
	// ClassMachineStop marks a clean or semi-clean machine halt.
	ClassMachineStop
	// ClassUnsupported marks a feature the interpreter does not model.
	ClassUnsupported
	// ClassResource marks exhaustion of an interpreter-imposed budget.
	ClassResource
)

// Kind is one member of the closed set of diagnostic kinds.
type Kind int

const (
	KindDanglingPointerDeref Kind = iota
	KindPointerOutOfBounds
	KindUnalignedAccess
	KindUninitializedRead
	KindInvalidPointerArithmetic
	KindInvalidBool
	KindInvalidDiscriminant
	KindInvalidChar
	KindInvalidFnPointer
	KindInvalidVtablePointer
	KindDoubleFree
	KindInvalidDealloc
	KindIncorrectDeallocKind
	KindAliasingViolation
	KindDataRace
	KindMixedSizeAtomic
	KindMixedAtomicNonAtomic
	KindUnwindPastNoUnwind
	KindInvalidThreadOperation

	KindDeadlock
	KindLivelock
	KindMemoryLeak
	KindAbort
	KindExitCode

	KindUnsupportedForeignItem
	KindUnsupportedIntrinsic
	KindUnsupportedSyscall

	KindExecutionTimeLimitReached
)

var kindNames = map[Kind]string{
	KindDanglingPointerDeref:     "DanglingPointerDeref",
	KindPointerOutOfBounds:       "PointerOutOfBounds",
	KindUnalignedAccess:          "UnalignedAccess",
	KindUninitializedRead:        "UninitializedRead",
	KindInvalidPointerArithmetic: "InvalidPointerArithmetic",
	KindInvalidBool:              "InvalidBool",
	KindInvalidDiscriminant:      "InvalidDiscriminant",
	KindInvalidChar:              "InvalidChar",
	KindInvalidFnPointer:         "InvalidFnPointer",
	KindInvalidVtablePointer:     "InvalidVtablePointer",
	KindDoubleFree:               "DoubleFree",
	KindInvalidDealloc:           "InvalidDealloc",
	KindIncorrectDeallocKind:     "IncorrectDeallocKind",
	KindAliasingViolation:        "AliasingViolation",
	KindDataRace:                 "DataRace",
	KindMixedSizeAtomic:          "MixedSizeAtomic",
	KindMixedAtomicNonAtomic:     "MixedAtomicNonAtomic",
	KindUnwindPastNoUnwind:       "UnwindPastNoUnwind",
	KindInvalidThreadOperation:   "InvalidThreadOperation",

	KindDeadlock:   "Deadlock",
	KindLivelock:   "Livelock",
	KindMemoryLeak: "MemoryLeak",
	KindAbort:      "Abort",
	KindExitCode:   "ExitCode",

	KindUnsupportedForeignItem: "UnsupportedForeignItem",
	KindUnsupportedIntrinsic:   "UnsupportedIntrinsic",
	KindUnsupportedSyscall:     "UnsupportedSyscall",

	KindExecutionTimeLimitReached: "ExecutionTimeLimitReached",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UnknownKind"
}

// Class reports which of the four families k belongs to.
func (k Kind) Class() Class {
	switch k {
	case KindDeadlock, KindLivelock, KindMemoryLeak, KindAbort, KindExitCode:
		return ClassMachineStop
	case KindUnsupportedForeignItem, KindUnsupportedIntrinsic, KindUnsupportedSyscall:
		return ClassUnsupported
	case KindExecutionTimeLimitReached:
		return ClassResource
	default:
		return ClassUB
	}
}

// Fatal reports whether a diagnostic of this kind must terminate the
// interpreter with a nonzero exit code, per spec §7: every UB or
// MachineStop kind is fatal; Unsupported and Resource kinds are not,
// by default (Unsupported may be escalated to a panic by config).
func (k Kind) Fatal() bool {
	switch k.Class() {
	case ClassUB, ClassMachineStop:
		return true
	default:
		return false
	}
}
