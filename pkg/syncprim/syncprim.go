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

// Package syncprim models the synchronization primitives of spec
// §4.6: mutex, rwlock, condvar, and futex, each keyed by the abstract
// address of its user-visible handle and stored in a process-wide
// table, mirroring the guest program's own view of these objects as
// plain memory-resident structs rather than host OS primitives.
package syncprim

import "github.com/mirage-rt/mirage/pkg/clock"

// Addr is the abstract address identifying a synchronization
// primitive's handle in guest memory.
type Addr = uint64

// Mutex is spec §4.6's mutex state.
type Mutex struct {
	owner     *clock.ThreadID
	lockCount uint32
	queue     []clock.ThreadID
	release   *clock.SyncObject
}

func newMutex() *Mutex {
	return &Mutex{release: clock.NewSyncObject()}
}

// Lock attempts to acquire m for tid, joining the last releaser's
// clock into threadClock on success. If m is held by a different
// thread, or tid is queued behind an earlier waiter Unlock has
// already woken, tid is (re)queued and Lock reports blocked=true; the
// scheduler (pkg/scheduler) is responsible for re-driving Lock for
// the woken thread until it succeeds. Locking a mutex already held by
// tid increments its recursion count instead of blocking.
func (m *Mutex) Lock(tid clock.ThreadID, threadClock *clock.VClock) (blocked bool) {
	if m.owner != nil {
		if *m.owner == tid {
			m.lockCount++
			return false
		}
		m.queue = append(m.queue, tid)
		return true
	}
	if len(m.queue) > 0 && m.queue[0] != tid {
		m.queue = append(m.queue, tid)
		return true
	}
	if len(m.queue) > 0 {
		m.queue = m.queue[1:]
	}
	owner := tid
	m.owner = &owner
	m.lockCount = 1
	m.release.Acquire(threadClock)
	return false
}

// Unlock releases one level of recursion; once lockCount reaches
// zero, the mutex becomes ownerless and the head of the queue (if
// any) is returned as the thread the scheduler should re-drive Lock
// for next — that call is what actually performs the join, so a
// thread woken here but preempted before retrying still observes the
// correct happens-before edge whenever it does retry. Unlocking a
// mutex not held by tid is a caller error (UB in the guest program),
// reported via ok=false.
func (m *Mutex) Unlock(tid clock.ThreadID, threadClock *clock.VClock) (woken clock.ThreadID, woke bool, ok bool) {
	if m.owner == nil || *m.owner != tid {
		return 0, false, false
	}
	m.lockCount--
	if m.lockCount > 0 {
		return 0, false, true
	}
	m.release.Release(threadClock)
	m.owner = nil
	if len(m.queue) == 0 {
		return 0, false, true
	}
	return m.queue[0], true, true
}

// RwLock is spec §4.6's reader-writer lock state. Writers are
// prioritized over readers to match typical OS semantics: a pending
// writer blocks new reader acquisitions.
type RwLock struct {
	writer       *clock.ThreadID
	readers      map[clock.ThreadID]uint32
	writerQueue  []clock.ThreadID
	readerQueue  []clock.ThreadID
	writeRelease *clock.SyncObject
	// readerJoin accumulates released readers' clocks until the next
	// writer acquires, per spec §4.6's data_race_reader field.
	readerJoin *clock.SyncObject
}

func newRwLock() *RwLock {
	return &RwLock{
		readers:      make(map[clock.ThreadID]uint32),
		writeRelease: clock.NewSyncObject(),
		readerJoin:   clock.NewSyncObject(),
	}
}

// ReadLock attempts a shared acquisition, joining the accumulated
// reader-join clock (every reader that released since the last
// writer) into threadClock. It is refused (blocked=true) if a writer
// holds the lock or one is queued, preserving writer priority; a
// queued reader that succeeds is removed from the reader queue
// wherever it stands, so readers woken together by WriteUnlock may
// reacquire in any order. The scheduler re-drives ReadLock for a
// woken reader until it succeeds.
func (rw *RwLock) ReadLock(tid clock.ThreadID, threadClock *clock.VClock) (blocked bool) {
	if rw.writer != nil || len(rw.writerQueue) > 0 {
		rw.readerQueue = append(rw.readerQueue, tid)
		return true
	}
	if i := indexOf(rw.readerQueue, tid); i >= 0 {
		rw.readerQueue = append(rw.readerQueue[:i], rw.readerQueue[i+1:]...)
	}
	rw.readers[tid]++
	rw.writeRelease.Acquire(threadClock)
	return false
}

// ReadUnlock releases one shared acquisition; if it's tid's last,
// tid's clock is folded into the reader-join clock for the next
// writer. It never itself hands the lock to a queued writer — it only
// reports one (the queue head) as the thread the scheduler should
// re-drive WriteLock for once every reader has drained; WriteLock
// performs the actual join and pop.
func (rw *RwLock) ReadUnlock(tid clock.ThreadID, threadClock *clock.VClock) (woken clock.ThreadID, woke bool, ok bool) {
	count, held := rw.readers[tid]
	if !held {
		return 0, false, false
	}
	count--
	if count > 0 {
		rw.readers[tid] = count
		return 0, false, true
	}
	delete(rw.readers, tid)
	rw.readerJoin.Release(threadClock)
	if len(rw.readers) > 0 || len(rw.writerQueue) == 0 {
		return 0, false, true
	}
	return rw.writerQueue[0], true, true
}

// WriteLock attempts exclusive acquisition, joining both the prior
// writer's release clock and every drained reader's accumulated
// reader-join clock. Acquisition is only granted when unheld and
// every reader has drained, and — once a writer queue exists — only
// to its head, so a thread woken via ReadUnlock's or WriteUnlock's
// returned hint is the only one that can actually proceed next.
func (rw *RwLock) WriteLock(tid clock.ThreadID, threadClock *clock.VClock) (blocked bool) {
	if rw.writer == nil && len(rw.readers) == 0 {
		if len(rw.writerQueue) > 0 && rw.writerQueue[0] != tid {
			rw.writerQueue = append(rw.writerQueue, tid)
			return true
		}
		if len(rw.writerQueue) > 0 {
			rw.writerQueue = rw.writerQueue[1:]
		}
		owner := tid
		rw.writer = &owner
		rw.writeRelease.Acquire(threadClock)
		rw.readerJoin.Acquire(threadClock)
		return false
	}
	rw.writerQueue = append(rw.writerQueue, tid)
	return true
}

// WriteUnlock releases exclusive ownership, depositing tid's clock
// for the next acquirer. It never itself reassigns ownership: if a
// writer is queued, its id is returned as the thread to re-drive
// WriteLock for; otherwise every currently queued reader is returned
// for the scheduler to re-drive ReadLock for, each performing its own
// join when it actually reacquires.
func (rw *RwLock) WriteUnlock(tid clock.ThreadID, threadClock *clock.VClock) (woke []clock.ThreadID, ok bool) {
	if rw.writer == nil || *rw.writer != tid {
		return nil, false
	}
	rw.writer = nil
	rw.writeRelease.Release(threadClock)
	if len(rw.writerQueue) > 0 {
		return []clock.ThreadID{rw.writerQueue[0]}, true
	}
	return append([]clock.ThreadID(nil), rw.readerQueue...), true
}

func indexOf(s []clock.ThreadID, tid clock.ThreadID) int {
	for i, v := range s {
		if v == tid {
			return i
		}
	}
	return -1
}

// CondWaiter pairs a blocked thread with the mutex it must reacquire
// on wake, per spec §4.6.
type CondWaiter struct {
	Thread clock.ThreadID
	Mutex  Addr
}

// Condvar is spec §4.6's condition-variable state.
type Condvar struct {
	waiters []CondWaiter
	release *clock.SyncObject
}

func newCondvar() *Condvar {
	return &Condvar{release: clock.NewSyncObject()}
}

// Wait registers tid (already having atomically released mutexAddr)
// as a waiter.
func (c *Condvar) Wait(tid clock.ThreadID, mutexAddr Addr) {
	c.waiters = append(c.waiters, CondWaiter{Thread: tid, Mutex: mutexAddr})
}

// Signal wakes the oldest waiter (if any), returning the mutex it
// must reacquire, and folds signaler's clock into the release handle.
func (c *Condvar) Signal(threadClock *clock.VClock) (woken clock.ThreadID, mutexAddr Addr, ok bool) {
	if len(c.waiters) == 0 {
		return 0, 0, false
	}
	c.release.Release(threadClock)
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	return w.Thread, w.Mutex, true
}

// Broadcast wakes every waiter.
func (c *Condvar) Broadcast(threadClock *clock.VClock) []CondWaiter {
	if len(c.waiters) == 0 {
		return nil
	}
	c.release.Release(threadClock)
	woken := c.waiters
	c.waiters = nil
	return woken
}

// AcquireWake commits the happens-before edge for a woken waiter;
// called once the waiter resumes and rejoins the mutex.
func (c *Condvar) AcquireWake(threadClock *clock.VClock) {
	c.release.Acquire(threadClock)
}

// FutexWaiter is one blocked waiter on a futex, with the bitset it
// registered (FUTEX_WAIT_BITSET semantics).
type FutexWaiter struct {
	Thread clock.ThreadID
	Bitset uint32
}

// Futex is spec §4.6's futex state.
type Futex struct {
	waiters []FutexWaiter
	release *clock.SyncObject
}

func newFutex() *Futex {
	return &Futex{release: clock.NewSyncObject()}
}

// Wait registers tid as blocked on this futex with the given bitset.
// The caller is responsible for having already verified `*addr ==
// expected` atomically before calling Wait.
func (f *Futex) Wait(tid clock.ThreadID, bitset uint32) {
	f.waiters = append(f.waiters, FutexWaiter{Thread: tid, Bitset: bitset})
}

// Wake wakes up to n waiters whose bitset intersects mask, returning
// the woken thread ids, and deposits waker's clock for them to
// acquire.
func (f *Futex) Wake(mask uint32, n int, threadClock *clock.VClock) []clock.ThreadID {
	if len(f.waiters) == 0 {
		return nil
	}
	f.release.Release(threadClock)
	var woken []clock.ThreadID
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if len(woken) < n && w.Bitset&mask != 0 {
			woken = append(woken, w.Thread)
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
	return woken
}

// AcquireWake commits the happens-before edge for a woken futex
// waiter.
func (f *Futex) AcquireWake(threadClock *clock.VClock) {
	f.release.Acquire(threadClock)
}

// Table is the process-wide map of every synchronization primitive,
// keyed by its guest-visible handle address, lazily created on first
// use (mirroring pthreads' static initializers: a zeroed handle is a
// valid, not-yet-assigned primitive).
type Table struct {
	mutexes  map[Addr]*Mutex
	rwlocks  map[Addr]*RwLock
	condvars map[Addr]*Condvar
	futexes  map[Addr]*Futex
}

// NewTable returns an empty synchronization-primitive table.
func NewTable() *Table {
	return &Table{
		mutexes:  make(map[Addr]*Mutex),
		rwlocks:  make(map[Addr]*RwLock),
		condvars: make(map[Addr]*Condvar),
		futexes:  make(map[Addr]*Futex),
	}
}

func (t *Table) Mutex(addr Addr) *Mutex {
	m, ok := t.mutexes[addr]
	if !ok {
		m = newMutex()
		t.mutexes[addr] = m
	}
	return m
}

func (t *Table) RwLock(addr Addr) *RwLock {
	rw, ok := t.rwlocks[addr]
	if !ok {
		rw = newRwLock()
		t.rwlocks[addr] = rw
	}
	return rw
}

func (t *Table) Condvar(addr Addr) *Condvar {
	c, ok := t.condvars[addr]
	if !ok {
		c = newCondvar()
		t.condvars[addr] = c
	}
	return c
}

func (t *Table) Futex(addr Addr) *Futex {
	f, ok := t.futexes[addr]
	if !ok {
		f = newFutex()
		t.futexes[addr] = f
	}
	return f
}
