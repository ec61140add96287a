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

package borrow

import "github.com/mirage-rt/mirage/pkg/mem"

// Permission is the per-item access right a Stacked-variant Item
// holds, per spec §4.3.1.
type Permission int

const (
	Unique Permission = iota
	SharedRW
	SharedRO
	Disabled
)

func (p Permission) permits(kind AccessKind) bool {
	switch p {
	case Unique:
		return true
	case SharedRW:
		return true
	case SharedRO:
		return kind == Read
	default: // Disabled
		return false
	}
}

func (p Permission) String() string {
	switch p {
	case Unique:
		return "Unique"
	case SharedRW:
		return "SharedRW"
	case SharedRO:
		return "SharedRO"
	case Disabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

// Item is one entry of a byte's borrow stack.
type Item struct {
	Tag  mem.BorrowTag
	Perm Permission
}

type stackedAlloc struct {
	size       uint64
	byteStacks [][]Item
	protected  map[mem.BorrowTag]bool
}

// Stacked implements the stack-of-tags aliasing model of spec §4.3.1.
type Stacked struct {
	allocs map[mem.AllocID]*stackedAlloc
}

// NewStacked constructs an empty Stacked tracker.
func NewStacked() *Stacked {
	return &Stacked{allocs: make(map[mem.AllocID]*stackedAlloc)}
}

func (s *Stacked) NewAllocation(id mem.AllocID, size uint64, initial mem.BorrowTag) {
	a := &stackedAlloc{size: size, byteStacks: make([][]Item, size), protected: make(map[mem.BorrowTag]bool)}
	for i := range a.byteStacks {
		a.byteStacks[i] = []Item{{Tag: initial, Perm: Unique}}
	}
	s.allocs[id] = a
}

func (s *Stacked) alloc(id mem.AllocID) (*stackedAlloc, error) {
	a, ok := s.allocs[id]
	if !ok {
		return nil, &AliasingError{Detail: "access to an allocation with no borrow-tracker state"}
	}
	return a, nil
}

func (s *Stacked) Access(id mem.AllocID, off, size uint64, tag mem.BorrowTag, kind AccessKind) error {
	a, err := s.alloc(id)
	if err != nil {
		return err
	}
	for b := off; b < off+size && b < a.size; b++ {
		if err := s.accessByte(a, b, tag, kind); err != nil {
			return err
		}
	}
	return nil
}

// accessByte implements spec §4.3.1's access rule for a single byte.
func (s *Stacked) accessByte(a *stackedAlloc, b uint64, tag mem.BorrowTag, kind AccessKind) error {
	stack := a.byteStacks[b]
	idx := -1
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].Tag == tag {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &AliasingError{Detail: "dangling tag: not found in this location's borrow stack"}
	}

	// Pop items above idx until the top permits kind, per spec: a
	// Write may pop anything above (foreign writes invalidate every
	// more-recently-derived reference); a Read only pops Unique items
	// (a foreign read invalidates a live &mut but leaves shared
	// references alone).
	top := len(stack) - 1
	for top > idx {
		item := stack[top]
		poppable := kind == Write || item.Perm == Unique
		if !poppable {
			break
		}
		if a.protected[item.Tag] {
			return &AliasingError{Detail: "popping a protected tag"}
		}
		top--
	}
	stack = stack[:top+1]
	a.byteStacks[b] = stack

	if !stack[idx].Perm.permits(kind) {
		return &AliasingError{Detail: "access not permitted by the tag's current permission"}
	}
	return nil
}

func (s *Stacked) Retag(id mem.AllocID, off, size uint64, parent, new mem.BorrowTag, kind RetagKind, protect bool) error {
	a, err := s.alloc(id)
	if err != nil {
		return err
	}
	validateKind := Read
	if kind == RetagUniqueRef {
		validateKind = Write
	}
	if err := s.Access(id, off, size, parent, validateKind); err != nil {
		return err
	}
	perm := retagPermission(kind)
	for b := off; b < off+size && b < a.size; b++ {
		a.byteStacks[b] = append(a.byteStacks[b], Item{Tag: new, Perm: perm})
	}
	if protect {
		a.protected[new] = true
	}
	return nil
}

func retagPermission(kind RetagKind) Permission {
	switch kind {
	case RetagUniqueRef:
		return Unique
	case RetagSharedRef:
		return SharedRO
	default: // RetagRawPointer
		return SharedRW
	}
}

func (s *Stacked) EndProtector(id mem.AllocID, tag mem.BorrowTag) error {
	a, err := s.alloc(id)
	if err != nil {
		return err
	}
	delete(a.protected, tag)
	return nil
}

func (s *Stacked) FreeAllocation(id mem.AllocID, tag mem.BorrowTag) error {
	a, err := s.alloc(id)
	if err != nil {
		return err
	}
	if err := s.Access(id, 0, a.size, tag, Write); err != nil {
		return err
	}
	delete(s.allocs, id)
	return nil
}

var _ Tracker = (*Stacked)(nil)
