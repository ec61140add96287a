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

// Package weakmem implements the bounded per-atomic-location store
// buffer of spec §4.5: loads may observe any not-yet-overwritten,
// not-yet-coherence-violating prior store, modeling the relaxed and
// acquire/release memory orders a real weakly-ordered machine
// exhibits.
package weakmem

import (
	"github.com/mirage-rt/mirage/pkg/clock"
	"github.com/mirage-rt/mirage/pkg/log"
	"github.com/mirage-rt/mirage/pkg/mem"
)

// Ordering is an atomic access's memory order, from weakest to
// strongest.
type Ordering int

const (
	Relaxed Ordering = iota
	Acquire
	Release
	AcqRel
	SeqCst
)

func (o Ordering) String() string {
	switch o {
	case Relaxed:
		return "Relaxed"
	case Acquire:
		return "Acquire"
	case Release:
		return "Release"
	case AcqRel:
		return "AcqRel"
	case SeqCst:
		return "SeqCst"
	default:
		return "Unknown"
	}
}

func (o Ordering) atLeast(min Ordering) bool { return o >= min }

// StoreEntry is one FIFO element of an atomic location's store
// buffer, per spec §4.5.
type StoreEntry struct {
	Value          mem.Scalar
	Order          Ordering
	ReleasingClock *clock.VClock
	Timestamp      uint64
	OriginThread   clock.ThreadID
}

// CoherenceError reports a spec §4.5 weak-memory-coherence violation:
// either a thread attempted to observe a store older than one it had
// already observed (breaking the per-thread modification-order-suffix
// property), or a mixed-size/mixed-atomicness access was attempted.
type CoherenceError struct {
	Detail string
}

func (e *CoherenceError) Error() string { return "weak-memory coherence violation: " + e.Detail }

type location struct {
	size    uint64
	entries []StoreEntry
	// lastObserved is, for each thread that has ever read or written
	// this location, the buffer index of the newest entry it has
	// observed; a later load by that thread may never choose an
	// earlier index (spec property 7: each thread's observed sequence
	// is a suffix of the modification order).
	lastObserved map[clock.ThreadID]int
}

func newLocation(size uint64) *location {
	return &location{size: size, lastObserved: make(map[clock.ThreadID]int)}
}

// Buffer holds every atomic location's store buffer for one
// execution.
type Buffer struct {
	depth     int
	locations map[uint64]*location
	seqCst    uint64 // monotonic counter totally ordering SeqCst operations.
	logger    log.Logger
}

// New returns an empty Buffer. depth is the configured maximum
// per-location FIFO length (config.StoreBufferDepth); logger receives
// a warning whenever an eviction under pressure discards an entry
// some thread could still legally have chosen.
func New(depth int, logger log.Logger) *Buffer {
	if logger == nil {
		logger = log.Discard
	}
	return &Buffer{depth: depth, locations: make(map[uint64]*location), logger: logger}
}

// locationFor returns addr's store buffer, creating it on first use.
// Callers are responsible for checking the returned location's size
// against the requested access size (mixed-size atomic accesses to
// the same location are UB, spec §4.5, surfaced to callers as
// errors.KindMixedSizeAtomic).
func (b *Buffer) locationFor(addr, size uint64) *location {
	l, ok := b.locations[addr]
	if !ok {
		l = newLocation(size)
		b.locations[addr] = l
	}
	return l
}

// Store pushes a new entry for addr. tid is the storing thread;
// threadClock is its current vector clock, cloned into the entry's
// releasing_clock so later acquirers can synchronize against it.
func (b *Buffer) Store(addr, size uint64, value mem.Scalar, order Ordering, tid clock.ThreadID, threadClock *clock.VClock) error {
	l := b.locationFor(addr, size)
	if l.size != size {
		return &CoherenceError{Detail: "mixed-size atomic access to the same location"}
	}
	ts := uint64(len(l.entries))
	if order.atLeast(SeqCst) {
		b.seqCst++
		ts = b.seqCst
	}
	l.entries = append(l.entries, StoreEntry{
		Value:          value,
		Order:          order,
		ReleasingClock: threadClock.Clone(),
		Timestamp:      ts,
		OriginThread:   tid,
	})
	l.lastObserved[tid] = len(l.entries) - 1
	b.evict(l)
	return nil
}

// evict discards the oldest entries once the buffer exceeds its
// configured depth, but only entries strictly older than every known
// thread's lastObserved index — i.e. no thread that has ever touched
// this location could still legally choose them — and never the most
// recent entry. If pressure forces discarding an entry some thread
// could still have chosen, that eviction is logged rather than
// silently dropped, per SPEC_FULL.md's explicit no-silent-truncation
// note.
func (b *Buffer) evict(l *location) {
	if len(l.entries) <= b.depth {
		return
	}
	minObserved := len(l.entries) - 1
	for _, idx := range l.lastObserved {
		if idx < minObserved {
			minObserved = idx
		}
	}
	for len(l.entries) > b.depth && minObserved > 0 {
		l.entries = l.entries[1:]
		minObserved--
		for tid, idx := range l.lastObserved {
			l.lastObserved[tid] = idx - 1
		}
	}
	if len(l.entries) > b.depth {
		b.logger.Warningf("weakmem: forced eviction of a possibly-observable store entry under depth pressure (depth=%d, len=%d)", b.depth, len(l.entries))
		l.entries = l.entries[len(l.entries)-b.depth:]
		for tid := range l.lastObserved {
			l.lastObserved[tid] = 0
		}
	}
}

// candidates returns the indices of entries tid may legally choose
// from for a load: every entry no older than tid's own last
// observation of this location (coherence), optionally filtered by
// whether it would be a coherence violation to jump backward in the
// modification order relative to what tid's clock has already
// transitively observed via synchronization.
func (l *location) candidates(tid clock.ThreadID, threadClock *clock.VClock) []int {
	lowerBound := 0
	if idx, ok := l.lastObserved[tid]; ok {
		lowerBound = idx
	}
	// An entry already made visible to tid through a prior
	// synchronization edge (its releasing_clock is subsumed by tid's
	// current clock) can't be legally skipped past by choosing
	// something older still in range; entries at or after it remain
	// fair game.
	for i := len(l.entries) - 1; i > lowerBound; i-- {
		if l.entries[i].ReleasingClock.LessOrEqual(threadClock) {
			lowerBound = i
			break
		}
	}
	var out []int
	for i := lowerBound; i < len(l.entries); i++ {
		out = append(out, i)
	}
	if len(out) == 0 && len(l.entries) > 0 {
		out = []int{len(l.entries) - 1}
	}
	return out
}

// Chooser picks one of n nondeterministic alternatives, returning an
// index in [0, n). The scheduler (pkg/scheduler) supplies this,
// driven by the configured seed or by exploration search.
type Chooser func(n int) int

// Load selects and returns a value observable by tid, committing the
// choice's synchronization effects into threadClock when order or the
// chosen entry's order call for it.
func (b *Buffer) Load(addr, size uint64, order Ordering, tid clock.ThreadID, threadClock *clock.VClock, choose Chooser) (mem.Scalar, error) {
	l := b.locationFor(addr, size)
	if l.size != size {
		return mem.Scalar{}, &CoherenceError{Detail: "mixed-size atomic access to the same location"}
	}
	if len(l.entries) == 0 {
		return mem.Scalar{}, &CoherenceError{Detail: "load from an atomic location with no prior store"}
	}
	cands := l.candidates(tid, threadClock)
	if order.atLeast(SeqCst) {
		// A SeqCst load participates in the single total order over
		// SeqCst operations: it may only observe the newest entry, not
		// an older still-buffered one.
		cands = cands[len(cands)-1:]
	}
	pick := cands[choose(len(cands))]
	entry := l.entries[pick]

	if order.atLeast(Acquire) || entry.Order.atLeast(Release) {
		threadClock.Join(entry.ReleasingClock)
	}
	l.lastObserved[tid] = pick
	return entry.Value, nil
}

// RMW performs an atomic read-modify-write: it observes the same way
// Load would (but always the newest legally observable entry, so no
// intervening store becomes visible between the read and the write),
// computes the new value, and immediately appends it.
func (b *Buffer) RMW(addr, size uint64, order Ordering, tid clock.ThreadID, threadClock *clock.VClock, compute func(old mem.Scalar) mem.Scalar) (mem.Scalar, error) {
	l := b.locationFor(addr, size)
	if l.size != size {
		return mem.Scalar{}, &CoherenceError{Detail: "mixed-size atomic access to the same location"}
	}
	if len(l.entries) == 0 {
		return mem.Scalar{}, &CoherenceError{Detail: "RMW on an atomic location with no prior store"}
	}
	last := len(l.entries) - 1
	old := l.entries[last].Value
	if order.atLeast(Acquire) {
		threadClock.Join(l.entries[last].ReleasingClock)
	}
	newVal := compute(old)
	b.seqCst++
	l.entries = append(l.entries, StoreEntry{
		Value:          newVal,
		Order:          order,
		ReleasingClock: threadClock.Clone(),
		Timestamp:      b.seqCst,
		OriginThread:   tid,
	})
	l.lastObserved[tid] = len(l.entries) - 1
	b.evict(l)
	return old, nil
}

// CompareExchange implements `compare_exchange`/`compare_exchange_weak`.
// weak compare-exchanges may fail spuriously even when the observed
// value matches expected, at the configured failureRate, consulting
// spuriousFail for that decision (driven by the same seeded source as
// the rest of the engine for reproducibility).
func (b *Buffer) CompareExchange(addr, size uint64, expected mem.Scalar, newVal mem.Scalar, successOrder, failOrder Ordering, tid clock.ThreadID, threadClock *clock.VClock, weak bool, spuriousFail func() bool) (old mem.Scalar, success bool, err error) {
	l := b.locationFor(addr, size)
	if l.size != size {
		return mem.Scalar{}, false, &CoherenceError{Detail: "mixed-size atomic access to the same location"}
	}
	if len(l.entries) == 0 {
		return mem.Scalar{}, false, &CoherenceError{Detail: "compare_exchange on an atomic location with no prior store"}
	}
	last := len(l.entries) - 1
	old = l.entries[last].Value
	matches := scalarEqual(old, expected)
	if matches && weak && spuriousFail != nil && spuriousFail() {
		matches = false
	}
	if !matches {
		if failOrder.atLeast(Acquire) {
			threadClock.Join(l.entries[last].ReleasingClock)
		}
		l.lastObserved[tid] = last
		return old, false, nil
	}
	if successOrder.atLeast(Acquire) {
		threadClock.Join(l.entries[last].ReleasingClock)
	}
	b.seqCst++
	l.entries = append(l.entries, StoreEntry{
		Value:          newVal,
		Order:          successOrder,
		ReleasingClock: threadClock.Clone(),
		Timestamp:      b.seqCst,
		OriginThread:   tid,
	})
	l.lastObserved[tid] = len(l.entries) - 1
	b.evict(l)
	return old, true, nil
}

func scalarEqual(a, b mem.Scalar) bool {
	ab, bb := a.Bytes(), b.Bytes()
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}
