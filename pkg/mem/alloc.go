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

package mem

// PointerSize is the target's pointer width in bytes. The interpreter
// models a single 64-bit target, matching the reference stack's
// default build.
const PointerSize = 8

// Mutability distinguishes allocations whose bytes may be written
// after creation from ones that may not (spec §3).
type Mutability int

const (
	Mutable Mutability = iota
	Immutable
)

// AllocKind governs lifetime rules and deallocation-kind validity
// (spec §3).
type AllocKind int

const (
	KindStack AllocKind = iota
	KindHeap
	KindGlobal
	KindStatic
	KindMachine
)

func (k AllocKind) String() string {
	switch k {
	case KindStack:
		return "Stack"
	case KindHeap:
		return "Heap"
	case KindGlobal:
		return "Global"
	case KindStatic:
		return "Static"
	case KindMachine:
		return "Machine"
	default:
		return "Unknown"
	}
}

// Allocation is a contiguous byte range identified by AllocID, per
// spec §3. Field-level protection follows the reference stack's
// "protected by X" commenting idiom (pkg/sentry/mm.MemoryManager).
type Allocation struct {
	ID    AllocID
	Addr  uint64
	Size  uint64
	Align uint64

	// Kind governs lifetime and the deallocation kind that must match
	// it; MachineKindName refines KindMachine (e.g. "tls", "vtable").
	Kind            AllocKind
	MachineKindName string

	Mutability Mutability

	// Bytes is the raw storage. Bytes is always len(Size); callers
	// never resize it directly — use the Table's read/write methods,
	// which keep Bytes, initMask, and provMap consistent.
	Bytes []byte

	// initMask holds one bit per byte: true means that byte has been
	// written by a non-raw store.
	initMask []bool

	// provMap assigns, per pointer-sized subrange start offset,
	// either no entry (plain bytes) or the pointer value last stored
	// there as a whole. Writing any byte within a pointer-sized
	// subrange through a narrower access clears that subrange's entry
	// (spec §4.1 write_bytes).
	provMap map[uint64]Pointer

	// Dead is true once Deallocate has succeeded; the record is kept
	// as a tombstone so later accesses through stale pointers are
	// reported as DanglingPointerDeref / DoubleFree rather than
	// silently reusing the address.
	Dead bool

	// Exposed marks the allocation as eligible for integer-to-pointer
	// reconstruction (spec §4.1 expose / §4.2).
	Exposed bool
}

func newAllocation(id AllocID, addr, size, align uint64, kind AllocKind, mut Mutability, zeroFill bool) *Allocation {
	a := &Allocation{
		ID:         id,
		Addr:       addr,
		Size:       size,
		Align:      align,
		Kind:       kind,
		Mutability: mut,
		Bytes:      make([]byte, size),
		initMask:   make([]bool, size),
		provMap:    make(map[uint64]Pointer),
	}
	if zeroFill {
		for i := range a.initMask {
			a.initMask[i] = true
		}
	}
	return a
}

// Contains reports whether the half-open byte range [off, off+size)
// lies entirely within the allocation.
func (a *Allocation) Contains(off, size uint64) bool {
	if size == 0 {
		return off <= a.Size
	}
	end := off + size
	return end >= off && end <= a.Size
}

// AllInitialized reports whether every byte in [off, off+size) has
// been written.
func (a *Allocation) AllInitialized(off, size uint64) bool {
	for i := off; i < off+size; i++ {
		if !a.initMask[i] {
			return false
		}
	}
	return true
}

// FirstUninitialized returns the lowest offset in [off, off+size) that
// has never been written, or (0, false) if all are initialized.
func (a *Allocation) FirstUninitialized(off, size uint64) (uint64, bool) {
	for i := off; i < off+size; i++ {
		if !a.initMask[i] {
			return i, true
		}
	}
	return 0, false
}

func (a *Allocation) markInitialized(off, size uint64) {
	for i := off; i < off+size; i++ {
		a.initMask[i] = true
	}
}

func (a *Allocation) markUninitialized(off, size uint64) {
	for i := off; i < off+size; i++ {
		a.initMask[i] = false
	}
}

// clearProvenance drops any provenance entries whose pointer-sized
// subrange overlaps [off, off+size).
func (a *Allocation) clearProvenance(off, size uint64) {
	for start := range a.provMap {
		if start < off+size && off < start+PointerSize {
			delete(a.provMap, start)
		}
	}
}
