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
	"github.com/mirage-rt/mirage/pkg/borrow"
	"github.com/mirage-rt/mirage/pkg/clock"
	"github.com/mirage-rt/mirage/pkg/errors"
	"github.com/mirage-rt/mirage/pkg/mem"
)

// allocateHeap reserves a fresh heap allocation and mints its root
// borrow tag, backing both the miri_alloc intrinsic and any future
// front end's lowering of the allocator (spec §4.1).
func (cx *InterpCx) allocateHeap(size, align uint64) mem.Pointer {
	id := cx.table.Allocate(size, align, mem.KindHeap)
	cx.noteAlloc(id)
	tag := cx.engine.Mint()
	cx.noteTag(tag)
	cx.tracker.NewAllocation(id, size, tag)
	return mem.Pointer{Provenance: mem.ConcreteProvenance(id, tag), Addr: cx.table.Lookup(id).Addr}
}

// deallocatePointer frees the allocation ptr points to at offset 0,
// consulting the borrow tracker first (freeing through a dangling tag
// is itself UB, spec §4.3) and then the allocation table, backing both
// TermDrop of an owning pointer and the miri_dealloc intrinsic.
func (cx *InterpCx) deallocatePointer(tid clock.ThreadID, fr *Frame, ptr mem.Pointer, kind mem.AllocKind) error {
	a, _, ok := cx.table.Resolve(ptr.Addr)
	if !ok {
		return cx.wrapMemErr(tid, fr, errDanglingForRetag)
	}
	if err := cx.checkBorrowAccess(a, 0, a.Size, ptr, borrow.Write); err != nil {
		return cx.taggedDiag(cx.fail(tid, fr, errors.KindAliasingViolation, err.Error()), a, ptr)
	}
	if err := cx.table.Deallocate(ptr, a.Size, a.Align, kind); err != nil {
		return cx.wrapMemErr(tid, fr, err)
	}
	if ptr.Provenance.Kind == mem.ProvConcrete {
		if err := cx.tracker.FreeAllocation(a.ID, ptr.Provenance.Tag); err != nil {
			return cx.taggedDiag(cx.fail(tid, fr, errors.KindAliasingViolation, err.Error()), a, ptr)
		}
	}
	return nil
}
