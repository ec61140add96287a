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

// Package scheduler implements the single-core cooperative thread
// manager of spec §4.7: it owns every ThreadState, decides which
// runnable thread executes the next step, and is the sole source of
// nondeterministic choice in the engine (preemption, weak-memory
// candidate selection, cmpxchg_weak spurious failure), all driven from
// one seeded stream so a fixed seed reproduces a fixed execution.
package scheduler

import (
	"github.com/mirage-rt/mirage/pkg/clock"
	"github.com/mirage-rt/mirage/pkg/config"
	"github.com/mirage-rt/mirage/pkg/errors"
	"github.com/mirage-rt/mirage/pkg/log"
)

// Status is a thread's scheduling state.
type Status int

const (
	Runnable Status = iota
	Blocked
	Finished
	Detached
)

func (s Status) String() string {
	switch s {
	case Runnable:
		return "Runnable"
	case Blocked:
		return "Blocked"
	case Finished:
		return "Finished"
	case Detached:
		return "Detached"
	default:
		return "Unknown"
	}
}

// BlockReasonKind tags why a thread is Blocked.
type BlockReasonKind int

const (
	BlockJoin BlockReasonKind = iota
	BlockMutex
	BlockRwlock
	BlockCondvar
	BlockFutex
	BlockSleep
	BlockUserYield
)

func (k BlockReasonKind) String() string {
	switch k {
	case BlockJoin:
		return "Join"
	case BlockMutex:
		return "Mutex"
	case BlockRwlock:
		return "Rwlock"
	case BlockCondvar:
		return "Condvar"
	case BlockFutex:
		return "Futex"
	case BlockSleep:
		return "Sleep"
	case BlockUserYield:
		return "UserYield"
	default:
		return "Unknown"
	}
}

// BlockReason names what a Blocked thread is waiting on, per spec
// §3's ThreadState: Join(ThreadId), Mutex(Addr), Rwlock(Addr),
// Condvar(Addr), Futex(Addr), Sleep(deadline), or UserYield.
type BlockReason struct {
	Kind BlockReasonKind
	// Thread is meaningful for BlockJoin.
	Thread clock.ThreadID
	// Addr is meaningful for BlockMutex, BlockRwlock, BlockCondvar,
	// and BlockFutex.
	Addr uint64
	// Deadline is meaningful for BlockSleep: the logical clock value
	// of the sleeping thread's own component at which it may resume,
	// since sleeps advance only the calling thread's logical clock
	// rather than any real wall-clock time (spec §5).
	Deadline uint64
}

// TLSKey identifies one thread-local-storage slot.
type TLSKey uint32

// dtor is one registered TLS destructor, in registration order.
type dtor struct {
	key TLSKey
	fn  func(value uint64)
}

// Thread is spec §3's ThreadState, minus the interpreter Frame stack
// (owned by pkg/interp, which holds the *Thread alongside its own
// call-stack so neither package needs to know the other's internals).
type Thread struct {
	ID     clock.ThreadID
	Status Status
	Reason BlockReason
	Clock  *clock.VClock

	tls       map[TLSKey]uint64
	dtors     []dtor
	Detached  bool
	// Joiners are threads blocked on BlockJoin{Thread: ID} that must
	// be woken when this thread finishes.
	Joiners []clock.ThreadID
}

func newThread(id clock.ThreadID) *Thread {
	return &Thread{ID: id, Status: Runnable, Clock: clock.New(), tls: make(map[TLSKey]uint64)}
}

// TLSGet reads a thread-local slot, returning 0 if never set.
func (t *Thread) TLSGet(key TLSKey) uint64 { return t.tls[key] }

// TLSSet writes a thread-local slot.
func (t *Thread) TLSSet(key TLSKey, value uint64) { t.tls[key] = value }

// RegisterDtor appends a TLS destructor, run in registration order
// across keys when the thread finishes (spec §4.7).
func (t *Thread) RegisterDtor(key TLSKey, fn func(value uint64)) {
	t.dtors = append(t.dtors, dtor{key: key, fn: fn})
}

// prng is the scheduler's single seeded stream, grounded on the same
// deterministic-LCG shape pkg/mem's addrStream uses for address
// selection: every nondeterministic decision in the engine (here,
// preemption and exploration choices handed to callers) traces back to
// this one generator so a fixed seed reproduces a fixed run.
type prng struct {
	state uint64
}

func newPRNG(seed uint64) *prng {
	return &prng{state: seed ^ 0x2545f4914f6cdd1d}
}

// float64 returns a value in [0, 1).
func (p *prng) float64() float64 {
	p.state = p.state*6364136223846793005 + 1442695040888963407
	return float64(p.state>>11) / float64(1<<53)
}

// intn returns a value in [0, n); n must be > 0.
func (p *prng) intn(n int) int {
	if n <= 0 {
		return 0
	}
	p.state = p.state*6364136223846793005 + 1442695040888963407
	return int((p.state >> 16) % uint64(n))
}

// Scheduler owns every Thread and decides which runs next.
type Scheduler struct {
	threads map[clock.ThreadID]*Thread
	order   []clock.ThreadID // spawn order, for deterministic round-robin iteration.
	nextID  clock.ThreadID
	current clock.ThreadID

	rng    *prng
	logger log.Logger

	preemptionRate float64
	livelockBudget int
	yieldStreak    int
	yieldRequested bool
}

// New constructs a Scheduler with thread 0 (the program's initial
// thread, per spec §4.7) already Runnable.
func New(cfg config.Config, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Discard
	}
	s := &Scheduler{
		threads:        make(map[clock.ThreadID]*Thread),
		rng:            newPRNG(cfg.Seed),
		logger:         logger,
		preemptionRate: cfg.PreemptionRate,
		livelockBudget: cfg.LivelockBudget,
	}
	initial := newThread(0)
	initial.Clock.Increment(0)
	s.threads[0] = initial
	s.order = append(s.order, 0)
	s.nextID = 1
	s.current = 0
	return s
}

// Current returns the thread the scheduler most recently selected to
// run.
func (s *Scheduler) Current() *Thread { return s.threads[s.current] }

// Thread looks up a thread by id.
func (s *Scheduler) Thread(id clock.ThreadID) *Thread { return s.threads[id] }

// Chooser adapts the scheduler's seeded stream to pkg/weakmem's
// nondeterministic-choice callback shape, so every candidate-entry
// pick in the store buffer is driven by the same stream as
// preemption.
func (s *Scheduler) Chooser(n int) int { return s.rng.intn(n) }

// SpuriousFail adapts the scheduler's seeded stream to a cmpxchg_weak
// decision at the configured failure rate.
func (s *Scheduler) SpuriousFail(rate float64) bool { return s.rng.float64() < rate }

// Spawn creates a new thread, joining the spawner's current clock
// into the child's (spec §4.7: "clone caller's clock
// increment-of-spawner into the child's"). The child begins Runnable.
func (s *Scheduler) Spawn(spawner clock.ThreadID) *Thread {
	parent := s.threads[spawner]
	parent.Clock.Increment(spawner)

	id := s.nextID
	s.nextID++
	child := newThread(id)
	child.Clock.Join(parent.Clock)
	child.Clock.Increment(id)
	s.threads[id] = child
	s.order = append(s.order, id)
	return child
}

// Block transitions tid to Blocked with the given reason.
func (s *Scheduler) Block(tid clock.ThreadID, reason BlockReason) {
	t := s.threads[tid]
	t.Status = Blocked
	t.Reason = reason
}

// Wake transitions tid back to Runnable, clearing its block reason.
func (s *Scheduler) Wake(tid clock.ThreadID) {
	t := s.threads[tid]
	t.Status = Runnable
	t.Reason = BlockReason{}
}

// Detach marks tid as detached; joining a detached thread is UB (spec
// §4.7), enforced by Join below.
func (s *Scheduler) Detach(tid clock.ThreadID) {
	s.threads[tid].Detached = true
}

// Join blocks joiner on target, returning an error when target is the
// initial thread, a detached thread, or does not exist. If target has
// already finished, Join returns immediately (blocked=false, nil
// error) and commits the happens-before edge; completed joins are not
// recorded, so a second join of an already-joined thread is not
// reported.
func (s *Scheduler) Join(joiner, target clock.ThreadID) (blocked bool, err error) {
	if target == 0 {
		return false, &errors.Diagnostic{Kind: errors.KindUnsupportedForeignItem, Message: "joining the initial thread is undefined behavior"}
	}
	t, ok := s.threads[target]
	if !ok {
		return false, &errors.Diagnostic{Kind: errors.KindUnsupportedForeignItem, Message: "join target does not exist"}
	}
	if t.Detached {
		return false, &errors.Diagnostic{Kind: errors.KindUnsupportedForeignItem, Message: "joining a detached thread is undefined behavior"}
	}
	if t.Status == Finished {
		jt := s.threads[joiner]
		jt.Clock.Join(t.Clock)
		return false, nil
	}
	t.Joiners = append(t.Joiners, joiner)
	s.Block(joiner, BlockReason{Kind: BlockJoin, Thread: target})
	return true, nil
}

// Finish transitions tid to Finished, running its TLS destructors in
// registration order across keys and waking every joiner, joining
// tid's final clock into each.
func (s *Scheduler) Finish(tid clock.ThreadID) {
	t := s.threads[tid]
	t.Clock.Increment(tid)
	for _, d := range t.dtors {
		v := t.tls[d.key]
		d.fn(v)
	}
	t.Status = Finished
	for _, j := range t.Joiners {
		jt := s.threads[j]
		jt.Clock.Join(t.Clock)
		s.Wake(j)
	}
	t.Joiners = nil
}

// Yield asks the scheduler to rotate away from tid at the next
// scheduling decision, even under preemption_rate == 0 (spec §4.7:
// with deterministic scheduling, "only explicit yields and blocking
// switch threads"). The yield itself carries no synchronization
// semantics; the livelock heuristic is fed separately through Next's
// wasYield argument.
func (s *Scheduler) Yield(tid clock.ThreadID) {
	s.yieldRequested = true
}

// progressed resets the livelock streak; call this whenever a step
// performs anything other than a bare yield.
func (s *Scheduler) progressed() {
	s.yieldStreak = 0
}

// StopReason reports why Step could not select a next thread to run.
type StopReason int

const (
	// StopNone means a thread was selected; scheduling may continue.
	StopNone StopReason = iota
	StopAllFinished
	StopDeadlock
	StopLivelock
)

// Next selects the thread that should execute the next step: the
// current thread continues unless preemption fires (per
// preemption_rate, or deterministically round-robin when
// preemption_rate is 0 and the current thread is no longer runnable),
// in spawn order starting just after whichever thread last ran.
// wasYield tells Next whether the immediately preceding step was a
// bare yield, to drive Livelock accounting.
func (s *Scheduler) Next(wasYield bool) (next clock.ThreadID, reason StopReason, stuck []BlockReason) {
	if wasYield {
		s.yieldStreak++
	} else {
		s.progressed()
	}

	anyRunnable := false
	for _, id := range s.order {
		if s.threads[id].Status == Runnable {
			anyRunnable = true
			break
		}
	}
	if !anyRunnable {
		allFinishedOrDetached := true
		for _, id := range s.order {
			st := s.threads[id].Status
			if st != Finished {
				allFinishedOrDetached = false
			}
			if st == Blocked {
				stuck = append(stuck, s.threads[id].Reason)
			}
		}
		if allFinishedOrDetached {
			return 0, StopAllFinished, nil
		}
		return 0, StopDeadlock, stuck
	}

	if s.livelockBudget > 0 && s.yieldStreak > s.livelockBudget {
		return 0, StopLivelock, nil
	}

	preempt := s.preemptionRate > 0 && s.rng.float64() < s.preemptionRate
	if s.yieldRequested {
		s.yieldRequested = false
		preempt = true
	}
	cur := s.threads[s.current]
	if cur.Status == Runnable && !preempt {
		return s.current, StopNone, nil
	}

	// Round-robin starting just after the current thread, in spawn
	// order, landing on the first Runnable thread found.
	start := s.indexOf(s.current)
	for i := 1; i <= len(s.order); i++ {
		id := s.order[(start+i)%len(s.order)]
		if s.threads[id].Status == Runnable {
			s.current = id
			return id, StopNone, nil
		}
	}
	// Unreachable: anyRunnable was true above.
	return s.current, StopNone, nil
}

func (s *Scheduler) indexOf(id clock.ThreadID) int {
	for i, o := range s.order {
		if o == id {
			return i
		}
	}
	return 0
}

// Threads returns every thread id in spawn order, for leak/deadlock
// reporting and test introspection.
func (s *Scheduler) Threads() []clock.ThreadID {
	return append([]clock.ThreadID(nil), s.order...)
}
