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

func TestStackedBasicAccess(t *testing.T) {
	s := NewStacked()
	eng := NewEngine()
	root := eng.Mint()
	s.NewAllocation(1, 8, root)

	if err := s.Access(1, 0, 8, root, Write); err != nil {
		t.Fatalf("root write: %v", err)
	}
	if err := s.Access(1, 0, 8, root, Read); err != nil {
		t.Fatalf("root read: %v", err)
	}
}

func TestStackedDanglingTag(t *testing.T) {
	s := NewStacked()
	eng := NewEngine()
	root := eng.Mint()
	s.NewAllocation(1, 8, root)

	if err := s.Access(1, 0, 8, eng.Mint(), Read); err == nil {
		t.Fatal("expected dangling-tag error for an unknown tag")
	}
}

// TestStackedReborrowInvalidatesOriginal mirrors spec §8's S6 scenario:
// two &mut reborrows of the same location, with the first used after
// the second invalidates it.
func TestStackedReborrowInvalidatesOriginal(t *testing.T) {
	s := NewStacked()
	eng := NewEngine()
	root := eng.Mint()
	s.NewAllocation(1, 8, root)

	first := eng.Mint()
	if err := s.Retag(1, 0, 8, root, first, RetagUniqueRef, false); err != nil {
		t.Fatalf("first reborrow: %v", err)
	}
	second := eng.Mint()
	if err := s.Retag(1, 0, 8, root, second, RetagUniqueRef, false); err != nil {
		t.Fatalf("second reborrow: %v", err)
	}

	if err := s.Access(1, 0, 8, second, Write); err != nil {
		t.Fatalf("second reborrow should remain usable: %v", err)
	}
	if err := s.Access(1, 0, 8, first, Write); err == nil {
		t.Fatal("expected aliasing violation: first reborrow was invalidated by the second")
	}
}

func TestStackedSharedReadersCoexist(t *testing.T) {
	s := NewStacked()
	eng := NewEngine()
	root := eng.Mint()
	s.NewAllocation(1, 8, root)

	a := eng.Mint()
	b := eng.Mint()
	if err := s.Retag(1, 0, 8, root, a, RetagSharedRef, false); err != nil {
		t.Fatalf("retag a: %v", err)
	}
	if err := s.Retag(1, 0, 8, a, b, RetagSharedRef, false); err != nil {
		t.Fatalf("retag b: %v", err)
	}
	if err := s.Access(1, 0, 8, a, Read); err != nil {
		t.Fatalf("a should still be readable alongside b: %v", err)
	}
	if err := s.Access(1, 0, 8, a, Write); err == nil {
		t.Fatal("shared reference must not permit writes")
	}
}

func TestStackedProtectorBlocksPop(t *testing.T) {
	s := NewStacked()
	eng := NewEngine()
	root := eng.Mint()
	s.NewAllocation(1, 8, root)

	protected := eng.Mint()
	if err := s.Retag(1, 0, 8, root, protected, RetagUniqueRef, true); err != nil {
		t.Fatalf("retag protected: %v", err)
	}

	if err := s.Access(1, 0, 8, root, Write); err == nil {
		t.Fatal("expected protector violation: root write would pop the protected tag")
	}

	if err := s.EndProtector(1, protected); err != nil {
		t.Fatalf("end protector: %v", err)
	}
	if err := s.Access(1, 0, 8, root, Write); err != nil {
		t.Fatalf("root write should succeed once the protector is released: %v", err)
	}
}

func TestStackedDoubleFreeThroughDanglingTag(t *testing.T) {
	s := NewStacked()
	eng := NewEngine()
	root := eng.Mint()
	s.NewAllocation(1, 8, root)

	if err := s.FreeAllocation(1, root); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := s.FreeAllocation(1, root); err == nil {
		t.Fatal("expected error freeing an allocation with no tracker state")
	}
}
