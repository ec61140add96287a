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

import "testing"

func TestTreeRootStartsActive(t *testing.T) {
	tr := NewTree()
	eng := NewEngine()
	root := eng.Mint()
	tr.NewAllocation(1, 8, root)

	if err := tr.Access(1, 0, 8, root, Write); err != nil {
		t.Fatalf("root write: %v", err)
	}
	if err := tr.Access(1, 0, 8, root, Read); err != nil {
		t.Fatalf("root read: %v", err)
	}
}

func TestTreeChildReadFreezesSibling(t *testing.T) {
	tr := NewTree()
	eng := NewEngine()
	root := eng.Mint()
	tr.NewAllocation(1, 8, root)

	child := eng.Mint()
	if err := tr.Retag(1, 0, 8, root, child, RetagSharedRef, false); err != nil {
		t.Fatalf("retag child: %v", err)
	}
	sibling := eng.Mint()
	if err := tr.Retag(1, 0, 8, root, sibling, RetagSharedRef, false); err != nil {
		t.Fatalf("retag sibling: %v", err)
	}
	// A local read activates the sibling (Reserved --LocRd--> Active).
	if err := tr.Access(1, 0, 8, sibling, Read); err != nil {
		t.Fatalf("sibling read: %v", err)
	}

	// A read through the child is foreign to its sibling and freezes the
	// sibling's location (Active --ForRd--> Frozen): the sibling may still
	// read, and a local write is permitted but disables the location
	// (Frozen --LocWr--> Disabled), after which any further access
	// through the sibling is UB.
	if err := tr.Access(1, 0, 8, child, Read); err != nil {
		t.Fatalf("child read: %v", err)
	}
	if err := tr.Access(1, 0, 8, sibling, Read); err != nil {
		t.Fatalf("sibling read after freeze: %v", err)
	}
	if err := tr.Access(1, 0, 8, sibling, Write); err != nil {
		t.Fatalf("sibling write disables rather than errors immediately: %v", err)
	}
	if err := tr.Access(1, 0, 8, sibling, Read); err == nil {
		t.Fatal("expected use of the now-disabled sibling tag to be UB")
	}
}

func TestTreeForeignWriteDisablesReserved(t *testing.T) {
	tr := NewTree()
	eng := NewEngine()
	root := eng.Mint()
	tr.NewAllocation(1, 8, root)

	reserved := eng.Mint()
	if err := tr.Retag(1, 0, 8, root, reserved, RetagUniqueRef, false); err != nil {
		t.Fatalf("retag: %v", err)
	}
	// A foreign write through root disables the unprotected child tag.
	if err := tr.Access(1, 0, 8, root, Write); err != nil {
		t.Fatalf("root write: %v", err)
	}
	if err := tr.Access(1, 0, 8, reserved, Read); err == nil {
		t.Fatal("expected use of a disabled tag to be UB")
	}
}

func TestTreeProtectorBlocksDisabling(t *testing.T) {
	tr := NewTree()
	eng := NewEngine()
	root := eng.Mint()
	tr.NewAllocation(1, 8, root)

	protected := eng.Mint()
	if err := tr.Retag(1, 0, 8, root, protected, RetagUniqueRef, true); err != nil {
		t.Fatalf("retag protected: %v", err)
	}
	if err := tr.Access(1, 0, 8, root, Write); err == nil {
		t.Fatal("expected protector violation: foreign write would disable the protected tag")
	}
	if err := tr.EndProtector(1, protected); err != nil {
		t.Fatalf("end protector: %v", err)
	}
	if err := tr.Access(1, 0, 8, root, Write); err != nil {
		t.Fatalf("root write should succeed once the protector is released: %v", err)
	}
}

func TestTreeWildcardLocalAndForeignClassification(t *testing.T) {
	tr := NewTree()
	eng := NewEngine()
	root := eng.Mint()
	tr.NewAllocation(1, 8, root)

	child := eng.Mint()
	if err := tr.Retag(1, 0, 8, root, child, RetagUniqueRef, false); err != nil {
		t.Fatalf("retag: %v", err)
	}
	tr.ExposeTag(1, child)

	// child holds every exposed tag in the allocation, so a wildcard
	// access is classified Local relative to it (and, since root is an
	// ancestor of every tag in the allocation, also Local relative to
	// root): a write leaves both at Active rather than Disabled.
	if err := tr.AccessWildcard(1, 0, 8, Write); err != nil {
		t.Fatalf("wildcard write: %v", err)
	}
	if err := tr.Access(1, 0, 8, child, Write); err != nil {
		t.Fatalf("child should remain Active after a local-classified wildcard write: %v", err)
	}
	if err := tr.Access(1, 0, 8, root, Write); err != nil {
		t.Fatalf("root should remain Active after a local-classified wildcard write: %v", err)
	}
}

// TestTreeRetagIsAReadAccess pins down that creating a sibling
// reference only performs a read through the shared parent: an
// existing Reserved sibling survives (it is not disabled the way a
// real foreign write would disable it).
func TestTreeRetagIsAReadAccess(t *testing.T) {
	tr := NewTree()
	eng := NewEngine()
	root := eng.Mint()
	tr.NewAllocation(1, 8, root)

	a := eng.Mint()
	if err := tr.Retag(1, 0, 8, root, a, RetagUniqueRef, false); err != nil {
		t.Fatalf("retag a: %v", err)
	}
	b := eng.Mint()
	if err := tr.Retag(1, 0, 8, root, b, RetagUniqueRef, false); err != nil {
		t.Fatalf("retag b: %v", err)
	}
	if err := tr.Access(1, 0, 8, a, Read); err != nil {
		t.Fatalf("a should survive b's creation: %v", err)
	}
}

func TestTreeNthParentAndCommonAncestor(t *testing.T) {
	tr := NewTree()
	eng := NewEngine()
	root := eng.Mint()
	tr.NewAllocation(1, 8, root)

	mid := eng.Mint()
	if err := tr.Retag(1, 0, 8, root, mid, RetagSharedRef, false); err != nil {
		t.Fatalf("retag mid: %v", err)
	}
	leafA := eng.Mint()
	if err := tr.Retag(1, 0, 8, mid, leafA, RetagSharedRef, false); err != nil {
		t.Fatalf("retag leafA: %v", err)
	}
	leafB := eng.Mint()
	if err := tr.Retag(1, 0, 8, mid, leafB, RetagSharedRef, false); err != nil {
		t.Fatalf("retag leafB: %v", err)
	}

	if got, ok := tr.NthParent(1, leafA, 1); !ok || got != mid {
		t.Fatalf("NthParent(leafA, 1) = %v/%v, want %v", got, ok, mid)
	}
	if got, ok := tr.NthParent(1, leafA, 99); !ok || got != root {
		t.Fatalf("NthParent walking past the root should land on the root, got %v/%v", got, ok)
	}
	if got, ok := tr.CommonAncestor(1, leafA, leafB); !ok || got != mid {
		t.Fatalf("CommonAncestor(leafA, leafB) = %v/%v, want %v", got, ok, mid)
	}
	if got, ok := tr.CommonAncestor(1, leafA, root); !ok || got != root {
		t.Fatalf("CommonAncestor(leafA, root) = %v/%v, want %v", got, ok, root)
	}
}

func TestTreeWildcardEitherClassificationIsConservative(t *testing.T) {
	tr := NewTree()
	eng := NewEngine()
	root := eng.Mint()
	tr.NewAllocation(1, 8, root)

	a := eng.Mint()
	b := eng.Mint()
	if err := tr.Retag(1, 0, 8, root, a, RetagUniqueRef, false); err != nil {
		t.Fatalf("retag a: %v", err)
	}
	if err := tr.Retag(1, 0, 8, root, b, RetagUniqueRef, false); err != nil {
		t.Fatalf("retag b: %v", err)
	}
	tr.ExposeTag(1, a)
	tr.ExposeTag(1, b)

	// a's subtree holds one of the two exposed tags: neither all nor
	// none, so a's relation to a wildcard access is Either, and the
	// conservative (more restrictive) of the Local/Foreign outcomes —
	// Foreign write disables a Reserved tag — wins.
	if err := tr.AccessWildcard(1, 0, 8, Write); err != nil {
		t.Fatalf("wildcard write: %v", err)
	}
	if err := tr.Access(1, 0, 8, a, Read); err == nil {
		t.Fatal("expected a to have been disabled by the conservative Either interpretation")
	}
}
