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
)

// step executes exactly one statement, or one terminator when the
// current frame's statement cursor has run off the end of its block,
// for tid's current frame, per spec §4.8. It reports whether Run must
// stop the whole machine (a diagnostic of Kind.Fatal() was raised).
func (cx *InterpCx) step(tid clock.ThreadID) (fatal bool) {
	ts := cx.threads[tid]
	if ts == nil || ts.finished {
		return false
	}
	fr := ts.top()
	if fr == nil {
		ts.finished = true
		return false
	}
	bb := fr.Body.Blocks[fr.Block]
	if fr.Stmt < len(bb.Statements) {
		stmt := bb.Statements[fr.Stmt]
		if err := cx.execStmt(tid, fr, stmt); err != nil {
			return cx.handleErr(tid, err)
		}
		fr.Stmt++
		cx.sched.Thread(tid).Clock.Increment(tid)
		return false
	}
	fatal = cx.execTerm(tid, ts, fr, bb.Terminator)
	cx.sched.Thread(tid).Clock.Increment(tid)
	return fatal
}

// handleErr renders err as a located Diagnostic (wrapping a bare Go
// error as KindUnsupportedIntrinsic if it isn't already one) and
// reports it. Non-fatal kinds (Unsupported*, ExecutionTimeLimitReached)
// only end the offending thread — not the whole machine — since
// nothing else in the engine depends on that thread making further
// progress; fatal kinds end the run entirely, per spec §7.
func (cx *InterpCx) handleErr(tid clock.ThreadID, err error) bool {
	d, ok := err.(*errors.Diagnostic)
	if !ok {
		d = errors.New(errors.KindUnsupportedIntrinsic, err.Error(), errors.Span{})
	}
	cx.report(tid, d)
	if cx.cfg.PanicOnUnsupported && d.Kind.Class() == errors.ClassUnsupported {
		panic(d.Render())
	}
	if !d.Kind.Fatal() {
		if ts := cx.threads[tid]; ts != nil {
			ts.finished = true
		}
		return false
	}
	return true
}
