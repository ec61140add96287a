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

import (
	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/mirage-rt/mirage/pkg/config"
)

// rangeItem indexes one live-or-dead allocation by its address range,
// so Resolve can find the owning allocation in O(log n) instead of
// scanning the whole table — the same asymmetry the teacher's
// mm.MemoryManager exploits with its vmaSet/pmaSet segment sets.
type rangeItem struct {
	start, end uint64 // [start, end)
	id         AllocID
}

func (r rangeItem) Less(than btree.Item) bool {
	return r.start < than.(rangeItem).start
}

// addrStream is a seeded linear-congruential generator producing the
// deterministic gap inserted between consecutive allocations, per
// spec §6's seed contract: the same seed always yields the same
// sequence of addresses.
type addrStream struct {
	state uint64
}

func newAddrStream(seed uint64) *addrStream {
	return &addrStream{state: seed ^ 0x9e3779b97f4a7c15}
}

// next returns a value in [0, bound), bound must be > 0.
func (s *addrStream) next(bound uint64) uint64 {
	// Numerical Recipes LCG constants, ample for a non-cryptographic
	// deterministic address-gap stream.
	s.state = s.state*6364136223846793005 + 1442695040888963407
	if bound == 0 {
		return 0
	}
	return (s.state >> 16) % bound
}

const (
	// baseAddr is where the simulated address space begins, leaving
	// the zero page reserved so the null pointer is never a valid
	// address (matching real ABI convention).
	baseAddr = 1 << 16
	// maxGap bounds the random padding between allocations; it's
	// large enough to make two unrelated allocations' addresses look
	// plausibly unrelated without spending huge amounts of simulated
	// address space.
	maxGap = 4096
)

// Table is the process-wide allocation table of spec §4.1. It owns
// no host memory beyond the Allocations themselves: address space is
// a monotonically increasing bump region, never reused, so a stale
// pointer can never alias a live allocation after its target is
// freed.
type Table struct {
	cfg    config.AlignmentCheckMode
	rng    *addrStream
	index  *btree.BTree
	allocs map[AllocID]*Allocation
	nextID AllocID
	water  uint64

	// pageSize is the host's page granularity (golang.org/x/sys/unix's
	// Getpagesize, falling back to 4096 if the host reports something
	// nonsensical). A heap request at least this big is rounded up to
	// a whole page and given its own page-aligned stride, the same
	// large-vs-small split the reference stack's mm.MemoryManager
	// draws between brk-style bump allocation and mmap'd regions: it
	// keeps big allocations from sharing a cache line's worth of
	// address space with their neighbor, which is what lets the race
	// detector's per-byte bookkeeping stay cheap for the common small
	// case while still behaving plausibly for large ones.
	pageSize uint64

	// symbolicAlign records the alignment each AllocID was created
	// with, consulted only when cfg == AlignSymbolic so that
	// alignment is checked as a ghost property independent of the
	// concrete address (spec §4.1).
	symbolicAlign map[AllocID]uint64
}

// NewTable constructs an empty table seeded from cfg.
func NewTable(alignMode config.AlignmentCheckMode, seed uint64) *Table {
	page := uint64(unix.Getpagesize())
	if page == 0 {
		page = 4096
	}
	return &Table{
		cfg:           alignMode,
		rng:           newAddrStream(seed),
		index:         btree.New(32),
		allocs:        make(map[AllocID]*Allocation),
		water:         baseAddr,
		pageSize:      page,
		symbolicAlign: make(map[AllocID]uint64),
	}
}

// Allocate reserves size bytes aligned to align, of the given kind,
// and returns its AllocID. Heap and Stack allocations start
// uninitialized; Global, Static, and Machine allocations start
// zero-filled, matching typical loader/static-initializer behavior.
func (t *Table) Allocate(size, align uint64, kind AllocKind) AllocID {
	if align == 0 {
		align = 1
	}
	var addr uint64
	if kind == KindHeap && size >= t.pageSize {
		addr = alignUp(t.water, t.pageSize)
		if align > t.pageSize {
			addr = alignUp(addr, align)
		}
	} else {
		gap := t.rng.next(maxGap)
		addr = alignUp(t.water+gap, align)
	}
	t.water = addr + size

	id := t.nextID
	t.nextID++

	zeroFill := kind == KindGlobal || kind == KindStatic || kind == KindMachine
	a := newAllocation(id, addr, size, align, kind, Mutable, zeroFill)
	t.allocs[id] = a
	t.symbolicAlign[id] = align
	t.index.ReplaceOrInsert(rangeItem{start: addr, end: addr + size, id: id})
	return id
}

func alignUp(addr, align uint64) uint64 {
	if align <= 1 {
		return addr
	}
	rem := addr % align
	if rem == 0 {
		return addr
	}
	return addr + (align - rem)
}

// Lookup returns the allocation for id, or nil if no such id was ever
// issued.
func (t *Table) Lookup(id AllocID) *Allocation {
	return t.allocs[id]
}

// LiveAllocIDs returns every AllocID ever issued, live or dead, in
// issuance order, for the end-of-run leak sweep (spec §4.8's
// termination step / spec §8's leak-report-completeness property).
func (t *Table) LiveAllocIDs() []AllocID {
	out := make([]AllocID, 0, len(t.allocs))
	for id := AllocID(0); id < t.nextID; id++ {
		if _, ok := t.allocs[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Resolve finds the allocation owning addr (live or dead) and the
// byte offset within it, or ok=false if addr falls in unmapped space.
func (t *Table) Resolve(addr uint64) (a *Allocation, offset uint64, ok bool) {
	var found *rangeItem
	t.index.DescendLessOrEqual(rangeItem{start: addr}, func(item btree.Item) bool {
		r := item.(rangeItem)
		if addr >= r.start && addr < r.end {
			found = &r
		}
		return false
	})
	if found == nil {
		return nil, 0, false
	}
	alloc := t.allocs[found.id]
	return alloc, addr - alloc.Addr, true
}

// Deallocate frees the allocation ptr points to at offset 0,
// validating size/align/kind against the record, per spec §4.1.
func (t *Table) Deallocate(ptr Pointer, expectedSize, expectedAlign uint64, expectedKind AllocKind) error {
	a, off, ok := t.resolveConcrete(ptr)
	if !ok {
		return errDanglingFree
	}
	if a.Dead {
		return errDoubleFree
	}
	if off != 0 {
		return errInvalidDeallocOffset
	}
	if a.Size != expectedSize || a.Align != expectedAlign {
		return errInvalidDeallocShape
	}
	if a.Kind != expectedKind {
		return errIncorrectDeallocKind
	}
	a.Dead = true
	return nil
}

// ReadBytes implements spec §4.1's read_bytes steps (a)–(g), except
// for the borrow-tracker consultation (step e), which the caller
// (pkg/interp) performs itself against pkg/borrow using the AllocID
// and offset this call resolves, keeping pkg/mem free of a dependency
// on pkg/borrow.
func (t *Table) ReadBytes(ptr Pointer, size, align uint64, raw bool) (*Allocation, uint64, []byte, error) {
	a, off, err := t.checkAccess(ptr, size, align)
	if err != nil {
		return nil, 0, nil, err
	}
	if !raw {
		if bad, isBad := a.FirstUninitialized(off, size); isBad {
			return a, off, nil, &uninitializedReadError{offset: bad}
		}
	}
	out := make([]byte, size)
	copy(out, a.Bytes[off:off+size])
	return a, off, out, nil
}

// ReadPointer reads a pointer-sized value at ptr+0, returning the
// stored Pointer if the subrange is a perfectly-aligned provenance
// entry, or a plain-integer pointer (ProvNone) reconstructed from the
// raw bytes otherwise (spec §3's provenance_map rule).
func (t *Table) ReadPointer(ptr Pointer, align uint64) (*Allocation, uint64, Pointer, error) {
	a, off, bytes, err := t.ReadBytes(ptr, PointerSize, align, false)
	if err != nil {
		return nil, 0, Pointer{}, err
	}
	if stored, ok := a.provMap[off]; ok {
		return a, off, stored, nil
	}
	var addr uint64
	for i := 0; i < PointerSize; i++ {
		addr |= uint64(bytes[i]) << (8 * uint(i))
	}
	return a, off, Pointer{Provenance: NoProvenance, Addr: addr}, nil
}

// WriteBytes implements spec §4.1's write_bytes: it clears any
// provenance overlapping the written range, installs data, and marks
// the range initialized.
func (t *Table) WriteBytes(ptr Pointer, data []byte, align uint64) (*Allocation, uint64, error) {
	a, off, err := t.checkAccess(ptr, uint64(len(data)), align)
	if err != nil {
		return nil, 0, err
	}
	if a.Mutability == Immutable {
		return nil, 0, errWriteToImmutable
	}
	a.clearProvenance(off, uint64(len(data)))
	copy(a.Bytes[off:], data)
	a.markInitialized(off, uint64(len(data)))
	return a, off, nil
}

// WritePointer writes a pointer-sized scalar, installing a provenance
// entry so a later perfectly-aligned read reconstructs the same
// pointer value exactly (spec's provenance-monotonicity property).
func (t *Table) WritePointer(ptr Pointer, val Pointer, align uint64) (*Allocation, uint64, error) {
	buf := make([]byte, PointerSize)
	for i := 0; i < PointerSize; i++ {
		buf[i] = byte(val.Addr >> (8 * uint(i)))
	}
	a, off, err := t.WriteBytes(ptr, buf, align)
	if err != nil {
		return nil, 0, err
	}
	if val.Provenance.Kind != ProvNone {
		a.provMap[off] = val
	}
	return a, off, nil
}

// Copy copies size bytes from src to dst, preserving initialization
// and provenance bits exactly (spec's init-preservation property). If
// nonoverlapping is true and the ranges do in fact overlap, Copy
// fails rather than silently behaving like memmove.
func (t *Table) Copy(src, dst Pointer, size uint64, nonoverlapping bool) error {
	srcAlloc, srcOff, err := t.checkAccess(src, size, 1)
	if err != nil {
		return err
	}
	dstAlloc, dstOff, err := t.checkAccess(dst, size, 1)
	if err != nil {
		return err
	}
	if nonoverlapping && srcAlloc == dstAlloc {
		if rangesOverlap(srcOff, size, dstOff, size) {
			return errOverlappingCopy
		}
	}
	if dstAlloc.Mutability == Immutable {
		return errWriteToImmutable
	}

	srcBytes := make([]byte, size)
	copy(srcBytes, srcAlloc.Bytes[srcOff:srcOff+size])
	srcInit := make([]bool, size)
	copy(srcInit, srcAlloc.initMask[srcOff:srcOff+size])
	srcProv := map[uint64]Pointer{}
	for start, p := range srcAlloc.provMap {
		if start >= srcOff && start < srcOff+size {
			srcProv[start-srcOff] = p
		}
	}

	dstAlloc.clearProvenance(dstOff, size)
	copy(dstAlloc.Bytes[dstOff:dstOff+size], srcBytes)
	copy(dstAlloc.initMask[dstOff:dstOff+size], srcInit)
	for rel, p := range srcProv {
		dstAlloc.provMap[dstOff+rel] = p
	}
	return nil
}

// Expose marks id eligible for integer-to-pointer reconstruction
// (spec §4.1).
func (t *Table) Expose(id AllocID) {
	if a := t.allocs[id]; a != nil {
		a.Exposed = true
	}
}

// ReconstructWildcard attempts to turn a ProvNone pointer at addr
// into a Wildcard pointer against whichever exposed allocation
// contains addr, per spec §4.2.
func (t *Table) ReconstructWildcard(addr uint64) (Pointer, bool) {
	a, _, ok := t.Resolve(addr)
	if !ok || !a.Exposed || a.Dead {
		return Pointer{}, false
	}
	return Pointer{Provenance: WildcardProvenance(a.ID), Addr: addr}, true
}

// checkAccess runs spec §4.1 read_bytes/write_bytes steps (a)–(d):
// non-null, resolve, bounds, alignment.
func (t *Table) checkAccess(ptr Pointer, size, align uint64) (*Allocation, uint64, error) {
	if ptr.IsNull() && size > 0 {
		return nil, 0, errDanglingNull
	}
	a, off, ok := t.Resolve(ptr.Addr)
	if !ok {
		return nil, 0, errPointerOutOfBounds
	}
	if a.Dead {
		return nil, 0, errDanglingDeref
	}
	if !a.Contains(off, size) {
		return nil, 0, errPointerOutOfBounds
	}
	if err := t.checkAlign(a, ptr.Addr, align); err != nil {
		return nil, 0, err
	}
	return a, off, nil
}

func (t *Table) checkAlign(a *Allocation, addr, align uint64) error {
	if align <= 1 {
		return nil
	}
	switch t.cfg {
	case config.AlignNone:
		return nil
	case config.AlignInt:
		if addr%align != 0 {
			return errUnalignedAccess
		}
		return nil
	case config.AlignSymbolic:
		declared := t.symbolicAlign[a.ID]
		if declared < align {
			return errUnalignedAccess
		}
		return nil
	default:
		return nil
	}
}

// resolveConcrete resolves a pointer that must carry Concrete
// provenance matching a live-or-dead allocation at offset anywhere
// within it (used by Deallocate, which separately checks offset==0).
func (t *Table) resolveConcrete(ptr Pointer) (*Allocation, uint64, bool) {
	if ptr.Provenance.Kind != ProvConcrete {
		return nil, 0, false
	}
	a := t.allocs[ptr.Provenance.AllocID]
	if a == nil {
		return nil, 0, false
	}
	return a, ptr.Addr - a.Addr, true
}

func rangesOverlap(aOff, aSize, bOff, bSize uint64) bool {
	return aOff < bOff+bSize && bOff < aOff+aSize
}
