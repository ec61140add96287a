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

package weakmem

import (
	"testing"

	"github.com/mirage-rt/mirage/pkg/clock"
	"github.com/mirage-rt/mirage/pkg/mem"
)

func firstChoice(n int) int { return 0 }
func lastChoice(n int) int  { return n - 1 }

func TestStoreThenLoadObservesValue(t *testing.T) {
	buf := New(128, nil)
	c := clock.New()
	if err := buf.Store(100, 8, mem.NewUint(42, 8), SeqCst, 0, c); err != nil {
		t.Fatalf("store: %v", err)
	}
	v, err := buf.Load(100, 8, SeqCst, 1, clock.New(), lastChoice)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v.Uint64() != 42 {
		t.Fatalf("expected 42, got %d", v.Uint64())
	}
}

func TestLoadWithoutPriorStoreErrors(t *testing.T) {
	buf := New(128, nil)
	if _, err := buf.Load(1, 8, SeqCst, 0, clock.New(), lastChoice); err == nil {
		t.Fatal("expected an error loading from a never-stored location")
	}
}

func TestMixedSizeAtomicIsRejected(t *testing.T) {
	buf := New(128, nil)
	c := clock.New()
	if err := buf.Store(100, 8, mem.NewUint(1, 8), Relaxed, 0, c); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := buf.Store(100, 4, mem.NewUint(1, 4), Relaxed, 0, c); err == nil {
		t.Fatal("expected a mixed-size atomic error")
	}
}

func TestAcquireReleaseEstablishesHappensBefore(t *testing.T) {
	buf := New(128, nil)
	writer := clock.New()
	writer.Increment(0)
	if err := buf.Store(100, 8, mem.NewUint(7, 8), Release, 0, writer); err != nil {
		t.Fatalf("store: %v", err)
	}

	reader := clock.New()
	reader.Increment(1)
	if _, err := buf.Load(100, 8, Acquire, 1, reader, lastChoice); err != nil {
		t.Fatalf("load: %v", err)
	}
	if reader.Get(0) != writer.Get(0) {
		t.Fatal("acquire load of a release store should join the releasing clock")
	}
}

func TestCoherenceForbidsGoingBackward(t *testing.T) {
	buf := New(128, nil)
	c := clock.New()
	for i := 0; i < 3; i++ {
		if err := buf.Store(100, 8, mem.NewUint(uint64(i), 8), Relaxed, 0, c); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	reader := clock.New()
	v, err := buf.Load(100, 8, Relaxed, 1, reader, lastChoice)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v.Uint64() != 2 {
		t.Fatalf("expected the newest entry (2), got %d", v.Uint64())
	}
	// Having observed index 2, thread 1 may never again legally
	// choose an older entry: firstChoice (index 0 of the candidate
	// set) should now resolve to the same-or-newer entry.
	v2, err := buf.Load(100, 8, Relaxed, 1, reader, firstChoice)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if v2.Uint64() != 2 {
		t.Fatalf("expected coherence to pin thread 1 to entry 2, got %d", v2.Uint64())
	}
}

func TestRMWObservesNewestAndAppends(t *testing.T) {
	buf := New(128, nil)
	c := clock.New()
	if err := buf.Store(100, 8, mem.NewUint(10, 8), SeqCst, 0, c); err != nil {
		t.Fatalf("store: %v", err)
	}
	old, err := buf.RMW(100, 8, SeqCst, 1, clock.New(), func(old mem.Scalar) mem.Scalar {
		return mem.NewUint(old.Uint64()+5, 8)
	})
	if err != nil {
		t.Fatalf("rmw: %v", err)
	}
	if old.Uint64() != 10 {
		t.Fatalf("expected old value 10, got %d", old.Uint64())
	}
	v, err := buf.Load(100, 8, SeqCst, 2, clock.New(), lastChoice)
	if err != nil {
		t.Fatalf("load after rmw: %v", err)
	}
	if v.Uint64() != 15 {
		t.Fatalf("expected rmw result 15, got %d", v.Uint64())
	}
}

func TestCompareExchangeStrongSucceedsAndFails(t *testing.T) {
	buf := New(128, nil)
	c := clock.New()
	if err := buf.Store(200, 8, mem.NewUint(1, 8), SeqCst, 0, c); err != nil {
		t.Fatalf("store: %v", err)
	}

	old, ok, err := buf.CompareExchange(200, 8, mem.NewUint(1, 8), mem.NewUint(2, 8), SeqCst, SeqCst, 1, clock.New(), false, nil)
	if err != nil || !ok {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}
	if old.Uint64() != 1 {
		t.Fatalf("expected observed old value 1, got %d", old.Uint64())
	}

	old2, ok2, err := buf.CompareExchange(200, 8, mem.NewUint(1, 8), mem.NewUint(3, 8), SeqCst, SeqCst, 1, clock.New(), false, nil)
	if err != nil {
		t.Fatalf("cmpxchg: %v", err)
	}
	if ok2 {
		t.Fatal("expected failure: current value is 2, not the expected 1")
	}
	if old2.Uint64() != 2 {
		t.Fatalf("expected observed old value 2, got %d", old2.Uint64())
	}
}

func TestCompareExchangeWeakSpuriousFailure(t *testing.T) {
	buf := New(128, nil)
	c := clock.New()
	if err := buf.Store(300, 8, mem.NewUint(9, 8), SeqCst, 0, c); err != nil {
		t.Fatalf("store: %v", err)
	}
	always := func() bool { return true }
	_, ok, err := buf.CompareExchange(300, 8, mem.NewUint(9, 8), mem.NewUint(10, 8), SeqCst, SeqCst, 1, clock.New(), true, always)
	if err != nil {
		t.Fatalf("cmpxchg: %v", err)
	}
	if ok {
		t.Fatal("expected a spurious failure even though the value matched")
	}
}

func TestSeqCstLoadObservesOnlyNewest(t *testing.T) {
	buf := New(128, nil)
	c := clock.New()
	for i := 0; i < 3; i++ {
		if err := buf.Store(500, 8, mem.NewUint(uint64(i), 8), Relaxed, 0, c); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	// firstChoice would pick a stale relaxed entry; a SeqCst load must
	// not be offered one.
	v, err := buf.Load(500, 8, SeqCst, 1, clock.New(), firstChoice)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v.Uint64() != 2 {
		t.Fatalf("SeqCst load observed %d, want the newest entry 2", v.Uint64())
	}
}

func TestEvictionNeverDropsBelowOneEntry(t *testing.T) {
	buf := New(2, nil)
	c := clock.New()
	for i := 0; i < 10; i++ {
		if err := buf.Store(400, 8, mem.NewUint(uint64(i), 8), Relaxed, 0, c); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	v, err := buf.Load(400, 8, Relaxed, 0, c, lastChoice)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v.Uint64() != 9 {
		t.Fatalf("expected the most recent store (9) to remain observable, got %d", v.Uint64())
	}
}
