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
	"github.com/mirage-rt/mirage/pkg/clock"
	"github.com/mirage-rt/mirage/pkg/errors"
	"github.com/mirage-rt/mirage/pkg/mem"
	"github.com/mirage-rt/mirage/pkg/mir"
)

// execTerm executes fr's current block's Terminator, per spec §4.8.1.
func (cx *InterpCx) execTerm(tid clock.ThreadID, ts *threadState, fr *Frame, term mir.Terminator) bool {
	switch term.Kind {
	case mir.TermGoto:
		fr.Block, fr.Stmt = term.Target, 0
		return false

	case mir.TermSwitchInt:
		v, err := cx.evalOperand(tid, fr, term.Discr)
		if err != nil {
			return cx.handleErr(tid, err)
		}
		target := term.Otherwise
		for _, sw := range term.Targets {
			if sw.Value == v.Uint64() {
				target = sw.Block
				break
			}
		}
		fr.Block, fr.Stmt = target, 0
		return false

	case mir.TermCall:
		return cx.execCall(tid, ts, fr, term)

	case mir.TermReturn:
		return cx.execReturn(tid, ts, fr)

	case mir.TermDrop:
		if err := cx.execDrop(tid, fr, term); err != nil {
			return cx.handleErr(tid, err)
		}
		fr.Block, fr.Stmt = term.Target, 0
		return false

	case mir.TermUnreachable:
		return cx.handleErr(tid, cx.fail(tid, fr, errors.KindInvalidDiscriminant, "reached a MIR Unreachable terminator"))

	case mir.TermAssert:
		v, err := cx.evalOperand(tid, fr, term.Cond)
		if err != nil {
			return cx.handleErr(tid, err)
		}
		if (v.Uint64() != 0) == term.Expected {
			fr.Block, fr.Stmt = term.Target, 0
			return false
		}
		return cx.handleErr(tid, cx.fail(tid, fr, errors.KindAbort, term.Msg))

	case mir.TermResume:
		return cx.execResume(tid, ts, fr)
	}
	return false
}

// execCall dispatches a Call terminator: either an interpreter
// intrinsic (executed inline, no new frame) or a call into another
// Body of the program (a new Frame is pushed).
func (cx *InterpCx) execCall(tid clock.ThreadID, ts *threadState, fr *Frame, term mir.Terminator) bool {
	if term.Intrinsic != "" {
		blocked, err := cx.callIntrinsic(tid, ts, fr, term)
		if err == errStartUnwind {
			// miri_start_panic: unwinding begins at this very call
			// site, landing in the call's cleanup block when it has
			// one and propagating upward otherwise, per spec §9's
			// unwinding-as-control-flow note.
			fr.unwinding = true
			if term.HasUnwindBlock {
				fr.Block, fr.Stmt = term.UnwindBlock, 0
				return false
			}
			return cx.execResume(tid, ts, fr)
		}
		if err != nil {
			return cx.handleErr(tid, err)
		}
		if blocked {
			// Leave fr's cursor on this same Call terminator; the
			// scheduler won't select tid again until something wakes
			// it, and whenever it is selected next this same intrinsic
			// re-runs from scratch, per the "return a re-drive hint"
			// design of pkg/syncprim's Lock/WriteLock/ReadLock.
			return false
		}
		if term.HasReturnBlock {
			fr.Block, fr.Stmt = term.ReturnBlock, 0
		} else {
			ts.finished = true
		}
		return false
	}
	if err := cx.pushCall(tid, ts, fr, term); err != nil {
		return cx.handleErr(tid, err)
	}
	return false
}

// pushCall evaluates term's arguments in fr's context and pushes a new
// Frame executing term.Callee, per spec §4.8's call handling.
func (cx *InterpCx) pushCall(tid clock.ThreadID, ts *threadState, fr *Frame, term mir.Terminator) error {
	body, ok := cx.program.Functions[term.Callee]
	if !ok {
		return cx.fail(tid, fr, errors.KindUnsupportedForeignItem, "no such function: "+term.Callee)
	}
	cx.noteCall(term.Callee)
	argVals := make([]mem.Scalar, len(term.Args))
	for i, op := range term.Args {
		v, err := cx.evalOperand(tid, fr, op)
		if err != nil {
			return err
		}
		argVals[i] = v
	}
	dest := term.Dest
	newFr := newFrame(body, fr, &dest)
	cx.makeLocalLive(newFr, 0)
	for i, v := range argVals {
		local := i + 1
		if local >= len(newFr.Body.Locals) {
			break
		}
		cx.makeLocalLive(newFr, local)
		decl := newFr.Body.Locals[local]
		place := mir.Place{Local: local, Size: decl.Size, Signed: decl.Signed, Pointer: decl.Pointer}
		if err := cx.writePlace(tid, newFr, place, v); err != nil {
			return err
		}
	}
	newFr.hasCleanup = term.HasUnwindBlock
	newFr.cleanupTarget = term.UnwindBlock
	if term.HasReturnBlock {
		fr.Block, fr.Stmt = term.ReturnBlock, 0
	}
	ts.frames = append(ts.frames, newFr)
	return nil
}

// execReturn pops fr, ending every protector it installed (spec
// §4.3.3), killing its locals, and — if it has a caller — writing its
// return value into the caller's call-destination place. A frame with
// no caller is the thread's entry call: the thread itself is done.
func (cx *InterpCx) execReturn(tid clock.ThreadID, ts *threadState, fr *Frame) bool {
	for _, pt := range fr.trackedTags {
		if err := cx.tracker.EndProtector(pt.alloc, pt.tag); err != nil {
			a := cx.table.Lookup(pt.alloc)
			ptr := mem.Pointer{Provenance: mem.ConcreteProvenance(pt.alloc, pt.tag)}
			if fatal := cx.handleErr(tid, cx.taggedDiag(cx.fail(tid, fr, errors.KindAliasingViolation, err.Error()), a, ptr)); fatal {
				return true
			}
		}
	}
	var retVal mem.Scalar
	if fr.live[0] {
		decl := fr.Body.Locals[0]
		retVal, _ = cx.readLocal(tid, fr, 0, decl.Size, decl.Signed, decl.Pointer)
	}
	for local := range fr.live {
		cx.killLocal(fr, local)
	}
	ts.frames = ts.frames[:len(ts.frames)-1]
	caller := fr.caller
	if caller == nil {
		ts.finished = true
		return false
	}
	if fr.callerDest != nil {
		if err := cx.writePlace(tid, caller, *fr.callerDest, retVal); err != nil {
			return cx.handleErr(tid, err)
		}
	}
	return false
}

// execDrop runs the owning-pointer drop glue SPEC_FULL.md's
// supplemented Drop terminator models: dropping a place holding a
// non-null owned pointer deallocates its heap backing. Dropping a
// place that isn't pointer-shaped, or holds null, is a no-op, matching
// how a value with no Drop impl lowers to a Drop terminator that does
// nothing.
func (cx *InterpCx) execDrop(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	v, err := cx.readPlace(tid, fr, term.DropPlace)
	if err != nil {
		return err
	}
	if v.Kind != mem.PtrScalar || v.Ptr.IsNull() {
		return nil
	}
	return cx.deallocatePointer(tid, fr, v.Ptr, mem.KindHeap)
}

// execResume continues unwinding from fr upward, per spec §7's
// UnwindPastNoUnwind: each frame that was itself called with an
// UnwindBlock hands control to its caller at that block; a frame with
// none propagates the unwind to its own caller instead. Unwinding
// through a NoUnwind function, or past the entry frame entirely, is
// fatal.
func (cx *InterpCx) execResume(tid clock.ThreadID, ts *threadState, fr *Frame) bool {
	for {
		if fr.Body.NoUnwind {
			return cx.handleErr(tid, cx.fail(tid, fr, errors.KindUnwindPastNoUnwind, "unwind reached a no-unwind function boundary"))
		}
		// Protectors end when their frame unwinds, exactly as on a
		// normal return (spec §4.3.3).
		for _, pt := range fr.trackedTags {
			if err := cx.tracker.EndProtector(pt.alloc, pt.tag); err != nil {
				a := cx.table.Lookup(pt.alloc)
				ptr := mem.Pointer{Provenance: mem.ConcreteProvenance(pt.alloc, pt.tag)}
				if fatal := cx.handleErr(tid, cx.taggedDiag(cx.fail(tid, fr, errors.KindAliasingViolation, err.Error()), a, ptr)); fatal {
					return true
				}
			}
		}
		for local := range fr.live {
			cx.killLocal(fr, local)
		}
		ts.frames = ts.frames[:len(ts.frames)-1]
		caller := fr.caller
		if caller == nil {
			ts.finished = true
			return cx.handleErr(tid, cx.fail(tid, fr, errors.KindAbort, "unwind propagated past the entry function"))
		}
		if fr.hasCleanup {
			caller.unwinding = true
			caller.Block, caller.Stmt = fr.cleanupTarget, 0
			return false
		}
		fr = caller
	}
}
