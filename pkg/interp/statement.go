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
	"github.com/mirage-rt/mirage/pkg/mem"
	"github.com/mirage-rt/mirage/pkg/mir"
)

// execStmt executes one non-terminating Statement, per spec §4.8.1.
func (cx *InterpCx) execStmt(tid clock.ThreadID, fr *Frame, stmt mir.Statement) error {
	switch stmt.Kind {
	case mir.StmtAssign:
		val, err := cx.evalRvalue(tid, fr, stmt.Rvalue)
		if err != nil {
			return err
		}
		return cx.writePlace(tid, fr, stmt.Place, val)

	case mir.StmtStorageLive:
		cx.makeLocalLive(fr, stmt.Local)
		return nil

	case mir.StmtStorageDead:
		cx.killLocal(fr, stmt.Local)
		return nil

	case mir.StmtSetDiscriminant:
		return cx.writePlace(tid, fr, stmt.Place, mem.NewUint(stmt.DiscriminantValue, int(stmt.Place.Size)))

	case mir.StmtRetag:
		cur, err := cx.readPlace(tid, fr, stmt.Place)
		if err != nil {
			return err
		}
		newPtr, err := cx.retagPointer(tid, fr, cur.Ptr, stmt.Place.Size, stmt.RetagKind, stmt.Protect)
		if err != nil {
			return err
		}
		return cx.writePlace(tid, fr, stmt.Place, mem.NewPointerScalar(newPtr, mem.PointerSize))

	case mir.StmtValidate:
		if !cx.cfg.Validate {
			return nil
		}
		return cx.validatePlace(tid, fr, stmt.Place, stmt.ValidateKind)

	case mir.StmtNop:
		return nil
	}
	return nil
}
