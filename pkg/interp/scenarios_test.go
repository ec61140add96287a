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

// Scenario tests for spec §8's six end-to-end examples (S1-S6). Each
// builds a small mir.Program by hand, since the compilation front end
// that would normally lower source code into MIR is out of scope (spec
// §1), and asserts on the resulting diagnostics/exit code per the
// teacher's table-driven test idiom.
package interp

import (
	"encoding/binary"
	"testing"

	"github.com/mirage-rt/mirage/pkg/borrow"
	"github.com/mirage-rt/mirage/pkg/config"
	"github.com/mirage-rt/mirage/pkg/errors"
	"github.com/mirage-rt/mirage/pkg/mem"
	"github.com/mirage-rt/mirage/pkg/mir"
)

func deterministicConfig() config.Config {
	cfg := config.Default()
	cfg.PreemptionRate = 0
	cfg.CmpxchgWeakFailureRate = 0
	return cfg
}

func place(local int, size uint64) mir.Place {
	return mir.Place{Local: local, Size: size}
}

func ptrPlace(local int) mir.Place {
	return mir.Place{Local: local, Size: 8, Pointer: true}
}

func hasDiagnosticKind(ds []*errors.Diagnostic, kind errors.Kind) bool {
	for _, d := range ds {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// addConst builds a p += amount rvalue.
func addConst(p mir.Place, amount uint64) mir.Rvalue {
	return mir.Rvalue{Kind: mir.RvBinOp, Op: mir.Add, Operands: []mir.Operand{mir.Use(p), mir.ConstUint(amount, p.Size)}, ResultSize: p.Size}
}

// S1 — dangling pointer: allocate a heap box, take a raw pointer copy,
// free the box, then read through the raw pointer.
func TestScenarioS1DanglingPointerDeref(t *testing.T) {
	main := &mir.Body{
		Name:     "main",
		ArgCount: 0,
		Locals: []mir.LocalDecl{
			{Size: 4},             // 0: return
			{Size: 8, Pointer: true}, // 1: box
			{Size: 8, Pointer: true}, // 2: raw copy
			{Size: 8},              // 3: scratch read target
		},
		Blocks: []mir.BasicBlock{
			{
				Statements: []mir.Statement{
					{Kind: mir.StmtStorageLive, Local: 1},
					{Kind: mir.StmtStorageLive, Local: 2},
					{Kind: mir.StmtStorageLive, Local: 3},
				},
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "miri_alloc",
					Args:           []mir.Operand{mir.ConstUint(8, 8), mir.ConstUint(8, 8)},
					Dest:           ptrPlace(1),
					HasReturnBlock: true,
					ReturnBlock:    1,
				},
			},
			{
				Statements: []mir.Statement{
					{Kind: mir.StmtAssign, Place: ptrPlace(2), Rvalue: mir.Rvalue{Kind: mir.RvUse, Operands: []mir.Operand{mir.Use(ptrPlace(1))}}},
				},
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "miri_dealloc",
					Args:           []mir.Operand{mir.Use(ptrPlace(1))},
					HasReturnBlock: true,
					ReturnBlock:    2,
				},
			},
			{
				Statements: []mir.Statement{
					{Kind: mir.StmtAssign, Place: place(3, 8), Rvalue: mir.Rvalue{Kind: mir.RvUse, Operands: []mir.Operand{mir.Use(ptrPlace(2).Deref(8, false))}}},
				},
				Terminator: mir.Terminator{Kind: mir.TermReturn},
			},
		},
	}
	cx := New(&mir.Program{Functions: map[string]*mir.Body{"main": main}, Entry: "main"}, deterministicConfig(), nil)
	code := cx.RunEntry("main")
	if code == 0 {
		t.Fatal("expected nonzero exit code for a dangling-pointer dereference")
	}
	if !hasDiagnosticKind(cx.Diagnostics(), errors.KindDanglingPointerDeref) {
		t.Fatalf("expected KindDanglingPointerDeref, got %v", cx.Diagnostics())
	}
}

// S2 — uninitialized read: allocate an 8-byte buffer, write only the
// first byte, read the second byte.
func TestScenarioS2UninitializedRead(t *testing.T) {
	bufPlace := mir.Place{Local: 1, Size: 8}
	main := &mir.Body{
		Name:     "main",
		ArgCount: 0,
		Locals: []mir.LocalDecl{
			{Size: 4}, // 0: return
			{Size: 8}, // 1: buffer
			{Size: 1}, // 2: scratch
		},
		Blocks: []mir.BasicBlock{
			{
				Statements: []mir.Statement{
					{Kind: mir.StmtStorageLive, Local: 1},
					{Kind: mir.StmtStorageLive, Local: 2},
					{Kind: mir.StmtAssign, Place: bufPlace.Field(0, 1), Rvalue: mir.Rvalue{Kind: mir.RvUse, Operands: []mir.Operand{mir.ConstUint(7, 1)}}},
					{Kind: mir.StmtAssign, Place: place(2, 1), Rvalue: mir.Rvalue{Kind: mir.RvUse, Operands: []mir.Operand{mir.Use(bufPlace.Field(1, 1))}}},
				},
				Terminator: mir.Terminator{Kind: mir.TermReturn},
			},
		},
	}
	cx := New(&mir.Program{Functions: map[string]*mir.Body{"main": main}, Entry: "main"}, deterministicConfig(), nil)
	code := cx.RunEntry("main")
	if code == 0 {
		t.Fatal("expected nonzero exit code for an uninitialized read")
	}
	if !hasDiagnosticKind(cx.Diagnostics(), errors.KindUninitializedRead) {
		t.Fatalf("expected KindUninitializedRead, got %v", cx.Diagnostics())
	}
}

// S3 — data race: two threads, one writes *p = 32, the other writes
// *p = 64, neither synchronized.
func TestScenarioS3DataRace(t *testing.T) {
	writer := &mir.Body{
		Name:     "writer",
		ArgCount: 1,
		Locals: []mir.LocalDecl{
			{Size: 4},              // 0: return
			{Size: 8, Pointer: true}, // 1: arg ptr
		},
		Blocks: []mir.BasicBlock{
			{
				Statements: []mir.Statement{
					{Kind: mir.StmtAssign, Place: ptrPlace(1).Deref(4, false), Rvalue: mir.Rvalue{Kind: mir.RvUse, Operands: []mir.Operand{mir.ConstUint(64, 4)}}},
				},
				Terminator: mir.Terminator{Kind: mir.TermReturn},
			},
		},
	}
	main := &mir.Body{
		Name:     "main",
		ArgCount: 0,
		Locals: []mir.LocalDecl{
			{Size: 4},              // 0: return
			{Size: 4},              // 1: shared int
			{Size: 8, Pointer: true}, // 2: pointer to it
			{Size: 8},              // 3: spawned thread id
			{Size: 4},              // 4: join result
		},
		Blocks: []mir.BasicBlock{
			{
				Statements: []mir.Statement{
					{Kind: mir.StmtStorageLive, Local: 1},
					{Kind: mir.StmtStorageLive, Local: 2},
					{Kind: mir.StmtStorageLive, Local: 3},
					{Kind: mir.StmtStorageLive, Local: 4},
					{Kind: mir.StmtAssign, Place: place(1, 4), Rvalue: mir.Rvalue{Kind: mir.RvUse, Operands: []mir.Operand{mir.ConstUint(32, 4)}}},
					{Kind: mir.StmtAssign, Place: ptrPlace(2), Rvalue: mir.Rvalue{Kind: mir.RvAddressOf, Place: place(1, 4)}},
				},
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "thread_spawn",
					Callee:         "writer",
					Args:           []mir.Operand{mir.Use(ptrPlace(2))},
					Dest:           place(3, 8),
					HasReturnBlock: true,
					ReturnBlock:    1,
				},
			},
			{
				// Main itself races against the spawned writer by
				// writing the same location without any synchronization.
				Statements: []mir.Statement{
					{Kind: mir.StmtAssign, Place: place(1, 4), Rvalue: mir.Rvalue{Kind: mir.RvUse, Operands: []mir.Operand{mir.ConstUint(32, 4)}}},
				},
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "thread_join",
					Args:           []mir.Operand{mir.Use(place(3, 8))},
					Dest:           place(4, 4),
					HasReturnBlock: true,
					ReturnBlock:    2,
				},
			},
			{
				Terminator: mir.Terminator{Kind: mir.TermReturn},
			},
		},
	}
	cx := New(&mir.Program{Functions: map[string]*mir.Body{"main": main, "writer": writer}, Entry: "main"}, deterministicConfig(), nil)
	code := cx.RunEntry("main")
	if code == 0 {
		t.Fatal("expected nonzero exit code for an unsynchronized write/write race")
	}
	if !hasDiagnosticKind(cx.Diagnostics(), errors.KindDataRace) {
		t.Fatalf("expected KindDataRace, got %v", cx.Diagnostics())
	}
}

// S6 — borrow-stack violation: reborrow r1 as &mut T, reborrow r2 as
// &mut T from the same origin, then use r1 again.
func TestScenarioS6BorrowStackViolation(t *testing.T) {
	main := &mir.Body{
		Name:     "main",
		ArgCount: 0,
		Locals: []mir.LocalDecl{
			{Size: 4},              // 0: return
			{Size: 4},              // 1: owned int
			{Size: 8, Pointer: true}, // 2: r1
			{Size: 8, Pointer: true}, // 3: r2
			{Size: 4},              // 4: scratch
		},
		Blocks: []mir.BasicBlock{
			{
				Statements: []mir.Statement{
					{Kind: mir.StmtStorageLive, Local: 1},
					{Kind: mir.StmtStorageLive, Local: 2},
					{Kind: mir.StmtStorageLive, Local: 3},
					{Kind: mir.StmtStorageLive, Local: 4},
					{Kind: mir.StmtAssign, Place: place(1, 4), Rvalue: mir.Rvalue{Kind: mir.RvUse, Operands: []mir.Operand{mir.ConstUint(1, 4)}}},
					{Kind: mir.StmtAssign, Place: ptrPlace(2), Rvalue: mir.Rvalue{Kind: mir.RvRef, Place: place(1, 4), RetagKind: borrow.RetagUniqueRef}},
					{Kind: mir.StmtAssign, Place: ptrPlace(3), Rvalue: mir.Rvalue{Kind: mir.RvRef, Place: place(1, 4), RetagKind: borrow.RetagUniqueRef}},
					// r2 invalidates r1 on the stacked-borrows model;
					// writing through r1 again must now be rejected.
					{Kind: mir.StmtAssign, Place: ptrPlace(2).Deref(4, false), Rvalue: mir.Rvalue{Kind: mir.RvUse, Operands: []mir.Operand{mir.ConstUint(2, 4)}}},
				},
				Terminator: mir.Terminator{Kind: mir.TermReturn},
			},
		},
	}
	cfg := deterministicConfig()
	cfg.BorrowTracker = config.BorrowTrackerStacked
	cx := New(&mir.Program{Functions: map[string]*mir.Body{"main": main}, Entry: "main"}, cfg, nil)
	code := cx.RunEntry("main")
	if code == 0 {
		t.Fatal("expected nonzero exit code for a stacked-borrows violation")
	}
	if !hasDiagnosticKind(cx.Diagnostics(), errors.KindAliasingViolation) {
		t.Fatalf("expected KindAliasingViolation, got %v", cx.Diagnostics())
	}
}

// ptr_offset permits any result up to one-past-the-end of the
// originating allocation and rejects anything beyond it as UB.
func TestPtrOffsetInBoundsCheck(t *testing.T) {
	build := func(delta int64) *mir.Body {
		return &mir.Body{
			Name:     "main",
			ArgCount: 0,
			Locals: []mir.LocalDecl{
				{Size: 4},                // 0: return
				{Size: 8},                // 1: buffer
				{Size: 8, Pointer: true}, // 2: its address
				{Size: 8, Pointer: true}, // 3: offset result
			},
			Blocks: []mir.BasicBlock{
				{
					Statements: []mir.Statement{
						{Kind: mir.StmtStorageLive, Local: 1},
						{Kind: mir.StmtStorageLive, Local: 2},
						{Kind: mir.StmtStorageLive, Local: 3},
						{Kind: mir.StmtAssign, Place: ptrPlace(2), Rvalue: mir.Rvalue{Kind: mir.RvAddressOf, Place: place(1, 8)}},
					},
					Terminator: mir.Terminator{
						Kind:           mir.TermCall,
						Intrinsic:      "ptr_offset",
						Args:           []mir.Operand{mir.Use(ptrPlace(2)), mir.ConstInt(delta, 8)},
						Dest:           ptrPlace(3),
						HasReturnBlock: true,
						ReturnBlock:    1,
					},
				},
				{Terminator: mir.Terminator{Kind: mir.TermReturn}},
			},
		}
	}

	onePast := New(&mir.Program{Functions: map[string]*mir.Body{"main": build(8)}, Entry: "main"}, deterministicConfig(), nil)
	if code := onePast.RunEntry("main"); code != 0 {
		t.Fatalf("one-past-the-end offset should be permitted, got %d: %v", code, onePast.Diagnostics())
	}

	beyond := New(&mir.Program{Functions: map[string]*mir.Body{"main": build(16)}, Entry: "main"}, deterministicConfig(), nil)
	if code := beyond.RunEntry("main"); code == 0 {
		t.Fatal("expected nonzero exit code for an out-of-bounds ptr_offset")
	}
	if !hasDiagnosticKind(beyond.Diagnostics(), errors.KindInvalidPointerArithmetic) {
		t.Fatalf("expected KindInvalidPointerArithmetic, got %v", beyond.Diagnostics())
	}
}

// Leak-report completeness (spec property 8): a heap allocation never
// freed is reported on clean termination, unless the program marked it
// reachable from a static root.
func TestLeakReportedUnlessStaticRoot(t *testing.T) {
	build := func(markRoot bool) *mir.Body {
		blocks := []mir.BasicBlock{
			{
				Statements: []mir.Statement{{Kind: mir.StmtStorageLive, Local: 1}},
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "miri_alloc",
					Args:           []mir.Operand{mir.ConstUint(16, 8), mir.ConstUint(8, 8)},
					Dest:           ptrPlace(1),
					HasReturnBlock: true,
					ReturnBlock:    1,
				},
			},
		}
		if markRoot {
			blocks = append(blocks,
				mir.BasicBlock{
					Terminator: mir.Terminator{
						Kind:           mir.TermCall,
						Intrinsic:      "miri_static_root",
						Args:           []mir.Operand{mir.Use(ptrPlace(1))},
						HasReturnBlock: true,
						ReturnBlock:    2,
					},
				},
				mir.BasicBlock{Terminator: mir.Terminator{Kind: mir.TermReturn}},
			)
		} else {
			blocks = append(blocks, mir.BasicBlock{Terminator: mir.Terminator{Kind: mir.TermReturn}})
		}
		return &mir.Body{
			Name:     "main",
			ArgCount: 0,
			Locals: []mir.LocalDecl{
				{Size: 4},
				{Size: 8, Pointer: true},
			},
			Blocks: blocks,
		}
	}

	leaky := New(&mir.Program{Functions: map[string]*mir.Body{"main": build(false)}, Entry: "main"}, deterministicConfig(), nil)
	if code := leaky.RunEntry("main"); code == 0 {
		t.Fatal("expected nonzero exit code for a leaked heap allocation")
	}
	if !hasDiagnosticKind(leaky.Diagnostics(), errors.KindMemoryLeak) {
		t.Fatalf("expected KindMemoryLeak, got %v", leaky.Diagnostics())
	}

	rooted := New(&mir.Program{Functions: map[string]*mir.Body{"main": build(true)}, Entry: "main"}, deterministicConfig(), nil)
	if code := rooted.RunEntry("main"); code != 0 {
		t.Fatalf("expected a clean exit with the allocation rooted, got %d: %v", code, rooted.Diagnostics())
	}
}

// S4 — mutex round trip: two threads each take a shared mutex 1000
// times and increment a shared counter, proving mutual exclusion
// leaves no increment lost. The mutex is keyed by a bare guest
// address (spec §4.6); the counter is backed by a real global
// allocation so its final value can be inspected once both threads
// have joined.
func TestScenarioS4MutexRoundTrip(t *testing.T) {
	const mutexAddr = 0x4000_0000
	const iterations = 1000

	incrementer := &mir.Body{
		Name:     "incrementer",
		ArgCount: 2,
		Locals: []mir.LocalDecl{
			{Size: 4}, // 0: return
			{Size: 8}, // 1: mutex address
			{Size: 8}, // 2: counter address
			{Size: 4}, // 3: loop counter
			{Size: 4}, // 4: tmp
		},
		Blocks: []mir.BasicBlock{
			{
				Statements: []mir.Statement{
					{Kind: mir.StmtStorageLive, Local: 3},
					{Kind: mir.StmtStorageLive, Local: 4},
					{Kind: mir.StmtAssign, Place: place(3, 4), Rvalue: mir.Rvalue{Kind: mir.RvUse, Operands: []mir.Operand{mir.ConstUint(0, 4)}}},
				},
				Terminator: mir.Terminator{Kind: mir.TermGoto, Target: 1},
			},
			{
				Terminator: mir.Terminator{
					Kind:      mir.TermSwitchInt,
					Discr:     mir.Use(place(3, 4)),
					Targets:   []mir.SwitchTarget{{Value: iterations, Block: 4}},
					Otherwise: 2,
				},
			},
			{
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "mutex_lock",
					Args:           []mir.Operand{mir.Use(place(1, 8))},
					HasReturnBlock: true,
					ReturnBlock:    3,
				},
			},
			{
				Statements: []mir.Statement{
					{Kind: mir.StmtAssign, Place: place(4, 4), Rvalue: mir.Rvalue{Kind: mir.RvUse, Operands: []mir.Operand{mir.Use(place(2, 8).Deref(4, false))}}},
					{Kind: mir.StmtAssign, Place: place(4, 4), Rvalue: addConst(place(4, 4), 1)},
					{Kind: mir.StmtAssign, Place: place(2, 8).Deref(4, false), Rvalue: mir.Rvalue{Kind: mir.RvUse, Operands: []mir.Operand{mir.Use(place(4, 4))}}},
					{Kind: mir.StmtAssign, Place: place(3, 4), Rvalue: addConst(place(3, 4), 1)},
				},
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "mutex_unlock",
					Args:           []mir.Operand{mir.Use(place(1, 8))},
					HasReturnBlock: true,
					ReturnBlock:    1,
				},
			},
			{
				Terminator: mir.Terminator{Kind: mir.TermReturn},
			},
		},
	}

	main := &mir.Body{
		Name:     "main",
		ArgCount: 0,
		Locals: []mir.LocalDecl{
			{Size: 4}, // 0: return
			{Size: 8}, // 1: first thread id
			{Size: 8}, // 2: second thread id
			{Size: 4}, // 3: first join result
			{Size: 4}, // 4: second join result
		},
		Blocks: []mir.BasicBlock{
			{
				Statements: []mir.Statement{
					{Kind: mir.StmtStorageLive, Local: 1},
					{Kind: mir.StmtStorageLive, Local: 2},
					{Kind: mir.StmtStorageLive, Local: 3},
					{Kind: mir.StmtStorageLive, Local: 4},
				},
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "thread_spawn",
					Callee:         "incrementer",
					Args:           []mir.Operand{mir.ConstUint(mutexAddr, 8), mir.ConstUint(0, 8)},
					Dest:           place(1, 8),
					HasReturnBlock: true,
					ReturnBlock:    1,
				},
			},
			{
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "thread_spawn",
					Callee:         "incrementer",
					Args:           []mir.Operand{mir.ConstUint(mutexAddr, 8), mir.ConstUint(0, 8)},
					Dest:           place(2, 8),
					HasReturnBlock: true,
					ReturnBlock:    2,
				},
			},
			{
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "thread_join",
					Args:           []mir.Operand{mir.Use(place(1, 8))},
					Dest:           place(3, 4),
					HasReturnBlock: true,
					ReturnBlock:    3,
				},
			},
			{
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "thread_join",
					Args:           []mir.Operand{mir.Use(place(2, 8))},
					Dest:           place(4, 4),
					HasReturnBlock: true,
					ReturnBlock:    4,
				},
			},
			{
				Terminator: mir.Terminator{Kind: mir.TermReturn},
			},
		},
	}

	cx := New(&mir.Program{Functions: map[string]*mir.Body{"main": main, "incrementer": incrementer}, Entry: "main"}, deterministicConfig(), nil)
	counterID := cx.table.Allocate(4, 4, mem.KindGlobal)
	counterAddr := cx.table.Lookup(counterID).Addr
	main.Blocks[0].Terminator.Args[1].ConstValue = counterAddr
	main.Blocks[1].Terminator.Args[1].ConstValue = counterAddr

	code := cx.RunEntry("main")
	if len(cx.Diagnostics()) != 0 {
		t.Fatalf("expected a clean run, got diagnostics: %v", cx.Diagnostics())
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	got := binary.LittleEndian.Uint32(cx.table.Lookup(counterID).Bytes)
	if got != 2*iterations {
		t.Fatalf("expected counter == %d after both threads joined, got %d", 2*iterations, got)
	}
}

// S5 — compare-exchange coherence: a shared atomic word is seeded by
// main, then two threads race to compare_exchange it from its seeded
// value to one of two distinct new values while a third thread only
// observes it via atomic_load, exercising spec §4.5's single
// modification-order-per-location property without either CAS losing
// track of what the other already committed.
func TestScenarioS5CompareExchangeCoherence(t *testing.T) {
	const atomicAddr = 0x7000_0000
	const seqCst = uint64(4)

	bumper := &mir.Body{
		Name:     "bumper",
		ArgCount: 1,
		Locals: []mir.LocalDecl{
			{Size: 4}, // 0: return
			{Size: 8}, // 1: atomic address
			{Size: 4}, // 2: observed old value
		},
		Blocks: []mir.BasicBlock{
			{
				Statements: []mir.Statement{{Kind: mir.StmtStorageLive, Local: 2}},
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "atomic_compare_exchange",
					Args:           []mir.Operand{mir.Use(place(1, 8)), mir.ConstUint(1, 4), mir.ConstUint(2, 4), mir.ConstUint(seqCst, 4), mir.ConstUint(seqCst, 4)},
					Dest:           place(2, 4),
					HasReturnBlock: true,
					ReturnBlock:    1,
				},
			},
			{Terminator: mir.Terminator{Kind: mir.TermReturn}},
		},
	}

	reader := &mir.Body{
		Name:     "reader",
		ArgCount: 1,
		Locals: []mir.LocalDecl{
			{Size: 4}, // 0: return
			{Size: 8}, // 1: atomic address
			{Size: 4}, // 2: loaded value
		},
		Blocks: []mir.BasicBlock{
			{
				Statements: []mir.Statement{{Kind: mir.StmtStorageLive, Local: 2}},
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "atomic_load",
					Args:           []mir.Operand{mir.Use(place(1, 8)), mir.ConstUint(seqCst, 4)},
					Dest:           place(2, 4),
					HasReturnBlock: true,
					ReturnBlock:    1,
				},
			},
			{Terminator: mir.Terminator{Kind: mir.TermReturn}},
		},
	}

	main := &mir.Body{
		Name:     "main",
		ArgCount: 0,
		Locals: []mir.LocalDecl{
			{Size: 4}, // 0: return
			{Size: 8}, // 1: bumper thread id
			{Size: 8}, // 2: reader thread id
			{Size: 4}, // 3: bumper join result
			{Size: 4}, // 4: reader join result
			{Size: 4}, // 5: main's own CAS observed old value
		},
		Blocks: []mir.BasicBlock{
			{
				Statements: []mir.Statement{
					{Kind: mir.StmtStorageLive, Local: 1},
					{Kind: mir.StmtStorageLive, Local: 2},
					{Kind: mir.StmtStorageLive, Local: 3},
					{Kind: mir.StmtStorageLive, Local: 4},
					{Kind: mir.StmtStorageLive, Local: 5},
				},
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "atomic_store",
					Args:           []mir.Operand{mir.ConstUint(atomicAddr, 8), mir.ConstUint(1, 4), mir.ConstUint(seqCst, 4)},
					HasReturnBlock: true,
					ReturnBlock:    1,
				},
			},
			{
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "thread_spawn",
					Callee:         "bumper",
					Args:           []mir.Operand{mir.ConstUint(atomicAddr, 8)},
					Dest:           place(1, 8),
					HasReturnBlock: true,
					ReturnBlock:    2,
				},
			},
			{
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "thread_spawn",
					Callee:         "reader",
					Args:           []mir.Operand{mir.ConstUint(atomicAddr, 8)},
					Dest:           place(2, 8),
					HasReturnBlock: true,
					ReturnBlock:    3,
				},
			},
			{
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "atomic_compare_exchange",
					Args:           []mir.Operand{mir.ConstUint(atomicAddr, 8), mir.ConstUint(1, 4), mir.ConstUint(3, 4), mir.ConstUint(seqCst, 4), mir.ConstUint(seqCst, 4)},
					Dest:           place(5, 4),
					HasReturnBlock: true,
					ReturnBlock:    4,
				},
			},
			{
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "thread_join",
					Args:           []mir.Operand{mir.Use(place(1, 8))},
					Dest:           place(3, 4),
					HasReturnBlock: true,
					ReturnBlock:    5,
				},
			},
			{
				Terminator: mir.Terminator{
					Kind:           mir.TermCall,
					Intrinsic:      "thread_join",
					Args:           []mir.Operand{mir.Use(place(2, 8))},
					Dest:           place(4, 4),
					HasReturnBlock: true,
					ReturnBlock:    6,
				},
			},
			{
				Terminator: mir.Terminator{Kind: mir.TermReturn},
			},
		},
	}

	cx := New(&mir.Program{Functions: map[string]*mir.Body{"main": main, "bumper": bumper, "reader": reader}, Entry: "main"}, deterministicConfig(), nil)
	code := cx.RunEntry("main")
	if len(cx.Diagnostics()) != 0 {
		t.Fatalf("expected a coherence-violation-free run, got diagnostics: %v", cx.Diagnostics())
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}
