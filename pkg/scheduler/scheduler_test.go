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

package scheduler

import (
	"testing"

	"github.com/mirage-rt/mirage/pkg/config"
)

func newTestScheduler() *Scheduler {
	cfg := config.Default()
	cfg.PreemptionRate = 0
	cfg.LivelockBudget = 0
	return New(cfg, nil)
}

func TestInitialThreadRunnable(t *testing.T) {
	s := newTestScheduler()
	if s.Current().Status != Runnable {
		t.Fatal("thread 0 should start Runnable")
	}
}

func TestSpawnJoinsParentClock(t *testing.T) {
	s := newTestScheduler()
	parent := s.Current()
	parent.Clock.Increment(0)
	child := s.Spawn(0)
	if child.Clock.Get(0) != parent.Clock.Get(0) {
		t.Fatal("spawned child should observe the spawner's clock at spawn time")
	}
	if child.Status != Runnable {
		t.Fatal("spawned child should start Runnable")
	}
}

func TestJoinInitialThreadIsUB(t *testing.T) {
	s := newTestScheduler()
	s.Spawn(0)
	if _, err := s.Join(1, 0); err == nil {
		t.Fatal("joining the initial thread must report an error")
	}
}

func TestJoinDetachedThreadIsUB(t *testing.T) {
	s := newTestScheduler()
	s.Spawn(0)
	s.Detach(1)
	if _, err := s.Join(0, 1); err == nil {
		t.Fatal("joining a detached thread must report an error")
	}
}

func TestJoinBlocksUntilFinish(t *testing.T) {
	s := newTestScheduler()
	s.Spawn(0)
	blocked, err := s.Join(0, 1)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !blocked {
		t.Fatal("joining a still-running thread should block the joiner")
	}
	if s.Thread(0).Status != Blocked {
		t.Fatal("joiner should now be Blocked")
	}

	s.Thread(1).Clock.Increment(1)
	s.Finish(1)
	if s.Thread(0).Status != Runnable {
		t.Fatal("joiner should be woken once the target finishes")
	}
	if s.Thread(0).Clock.Get(1) != s.Thread(1).Clock.Get(1) {
		t.Fatal("finish should join the finished thread's clock into the joiner")
	}
}

func TestJoinAlreadyFinishedReturnsImmediately(t *testing.T) {
	s := newTestScheduler()
	s.Spawn(0)
	s.Finish(1)
	blocked, err := s.Join(0, 1)
	if err != nil || blocked {
		t.Fatalf("joining an already-finished thread should succeed without blocking, got blocked=%v err=%v", blocked, err)
	}
}

func TestDeadlockDetectionWhenAllBlocked(t *testing.T) {
	s := newTestScheduler()
	s.Spawn(0)
	s.Block(0, BlockReason{Kind: BlockMutex, Addr: 100})
	s.Block(1, BlockReason{Kind: BlockMutex, Addr: 100})
	_, reason, stuck := s.Next(false)
	if reason != StopDeadlock {
		t.Fatalf("expected StopDeadlock, got %v", reason)
	}
	if len(stuck) != 2 {
		t.Fatalf("expected 2 stuck reasons, got %d", len(stuck))
	}
}

func TestAllFinishedStopsCleanly(t *testing.T) {
	s := newTestScheduler()
	s.Finish(0)
	_, reason, _ := s.Next(false)
	if reason != StopAllFinished {
		t.Fatalf("expected StopAllFinished, got %v", reason)
	}
}

func TestDeterministicRoundRobinOnBlock(t *testing.T) {
	s := newTestScheduler()
	s.Spawn(0)
	s.Spawn(0)
	s.Block(0, BlockReason{Kind: BlockUserYield})
	next, reason, _ := s.Next(false)
	if reason != StopNone {
		t.Fatalf("expected a thread to be selected, got stop reason %v", reason)
	}
	if next != 1 {
		t.Fatalf("expected round-robin to pick thread 1 next, got %d", next)
	}
}

func TestLivelockDetection(t *testing.T) {
	cfg := config.Default()
	cfg.PreemptionRate = 0
	cfg.LivelockBudget = 3
	s := New(cfg, nil)
	for i := 0; i < 3; i++ {
		_, reason, _ := s.Next(true)
		if reason != StopNone {
			t.Fatalf("iteration %d: expected no stop yet, got %v", i, reason)
		}
	}
	_, reason, _ := s.Next(true)
	if reason != StopLivelock {
		t.Fatalf("expected StopLivelock after exceeding the budget, got %v", reason)
	}
}

func TestNonYieldStepResetsLivelockStreak(t *testing.T) {
	cfg := config.Default()
	cfg.PreemptionRate = 0
	cfg.LivelockBudget = 2
	s := New(cfg, nil)
	s.Next(true)
	s.Next(false)
	_, reason, _ := s.Next(true)
	if reason != StopNone {
		t.Fatalf("a non-yield step should reset the livelock streak, got %v", reason)
	}
}

func TestYieldRotatesUnderDeterministicScheduling(t *testing.T) {
	s := newTestScheduler()
	s.Spawn(0)

	next, reason, _ := s.Next(false)
	if reason != StopNone || next != 0 {
		t.Fatalf("expected thread 0 to keep running without a yield, got %d (%v)", next, reason)
	}

	s.Yield(0)
	next, reason, _ = s.Next(true)
	if reason != StopNone || next != 1 {
		t.Fatalf("expected an explicit yield to rotate to thread 1, got %d (%v)", next, reason)
	}
}

func TestTLSDestructorsRunInRegistrationOrder(t *testing.T) {
	s := newTestScheduler()
	var order []int
	th := s.Current()
	th.TLSSet(1, 10)
	th.TLSSet(2, 20)
	th.RegisterDtor(1, func(v uint64) { order = append(order, int(v)) })
	th.RegisterDtor(2, func(v uint64) { order = append(order, int(v)) })
	s.Finish(0)
	if len(order) != 2 || order[0] != 10 || order[1] != 20 {
		t.Fatalf("expected destructors in registration order [10 20], got %v", order)
	}
}
