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

// Package borrow implements the aliasing discipline of spec §4.3: a
// per-location state machine tracking which borrows may access each
// byte, in two variants (Stacked and Tree), selected once at startup
// and encoded as a closed set of concrete types rather than virtual
// dispatch, per spec §9.
package borrow

import "github.com/mirage-rt/mirage/pkg/mem"

// AccessKind is the kind of memory access being validated against the
// aliasing state, per spec §4.3.
type AccessKind int

const (
	Read AccessKind = iota
	Write
)

// RetagKind is the kind of reference/pointer a retag operation
// derives, which determines the permission the freshly minted tag
// starts with.
type RetagKind int

const (
	// RetagSharedRef derives a `&T`.
	RetagSharedRef RetagKind = iota
	// RetagUniqueRef derives a `&mut T` / `Box<T>`.
	RetagUniqueRef
	// RetagRawPointer derives a raw pointer, which in Tree Borrows
	// starts Active.
	RetagRawPointer
)

// Tracker is the small closed interface both aliasing-model variants
// implement; spec §9 calls for a tagged enum rather than an open
// interface, so the only permitted implementations are *Stacked and
// *Tree (plus the no-op Off tracker used when borrow tracking is
// disabled).
type Tracker interface {
	// NewAllocation registers a fresh allocation of the given size
	// with its initial tag (minted by the caller) holding Unique
	// permission over every byte.
	NewAllocation(id mem.AllocID, size uint64, initial mem.BorrowTag)

	// Access validates and updates the aliasing state for a
	// [off, off+size) access through tag, returning an error if the
	// access is forbidden.
	Access(id mem.AllocID, off, size uint64, tag mem.BorrowTag, kind AccessKind) error

	// Retag mints state for a new tag derived from parent over
	// [off, off+size), after first validating parent's own access.
	// If protect is true, new is protected for the lifetime of the
	// current callee frame.
	Retag(id mem.AllocID, off, size uint64, parent, new mem.BorrowTag, kind RetagKind, protect bool) error

	// EndProtector releases the protector previously installed for
	// tag by Retag, called when the owning frame returns.
	EndProtector(id mem.AllocID, tag mem.BorrowTag) error

	// FreeAllocation drops all aliasing state for id; called by
	// Deallocate after the allocation itself is marked dead, and also
	// validates that tag (the pointer used to free) may actually
	// perform a write access — freeing through a dangling tag is UB.
	FreeAllocation(id mem.AllocID, tag mem.BorrowTag) error
}

// Engine mints fresh, process-wide-unique BorrowTags. Every retag —
// across every allocation — draws from the same monotonic counter, so
// the sequence of tags alone identifies retag order (spec §8's
// borrow-tracker-determinism property).
type Engine struct {
	next mem.BorrowTag
}

// NewEngine returns an Engine whose first minted tag is 1; tag 0 is
// reserved to mean "no tag"/root sentinel.
func NewEngine() *Engine {
	return &Engine{next: 1}
}

// Mint returns a fresh, never-before-issued BorrowTag.
func (e *Engine) Mint() mem.BorrowTag {
	t := e.next
	e.next++
	return t
}
