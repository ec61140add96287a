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

package interp

import (
	"math/bits"
	"os"

	"github.com/mirage-rt/mirage/pkg/borrow"
	"github.com/mirage-rt/mirage/pkg/clock"
	"github.com/mirage-rt/mirage/pkg/errors"
	"github.com/mirage-rt/mirage/pkg/genmc"
	"github.com/mirage-rt/mirage/pkg/mem"
	"github.com/mirage-rt/mirage/pkg/mir"
	"github.com/mirage-rt/mirage/pkg/scheduler"
	"github.com/mirage-rt/mirage/pkg/weakmem"
)

// callIntrinsic dispatches one Call terminator whose Intrinsic field is
// set, per spec §6's foreign-item table. It reports (blocked=true, nil)
// for an intrinsic that must suspend tid until some other thread wakes
// it (mutex/rwlock/condvar/futex/join contention): execCall leaves fr's
// cursor on this same terminator so the identical intrinsic re-runs
// from scratch once the scheduler selects tid again, per the "re-drive
// hint" design pkg/syncprim documents for its own Lock/WriteLock calls.
func (cx *InterpCx) callIntrinsic(tid clock.ThreadID, ts *threadState, fr *Frame, term mir.Terminator) (blocked bool, err error) {
	switch term.Intrinsic {
	case "atomic_load":
		return false, cx.intrinsicAtomicLoad(tid, fr, term)
	case "atomic_store":
		return false, cx.intrinsicAtomicStore(tid, fr, term)
	case "atomic_rmw_add", "atomic_rmw_sub", "atomic_rmw_and", "atomic_rmw_or", "atomic_rmw_xor", "atomic_rmw_xchg":
		return false, cx.intrinsicAtomicRMW(tid, fr, term)
	case "atomic_compare_exchange", "atomic_compare_exchange_weak":
		return false, cx.intrinsicAtomicCAS(tid, fr, term, term.Intrinsic == "atomic_compare_exchange_weak")

	case "thread_spawn":
		return false, cx.intrinsicThreadSpawn(tid, fr, term)
	case "thread_join":
		return cx.intrinsicThreadJoin(tid, fr, term)
	case "thread_detach":
		return false, cx.intrinsicThreadDetach(tid, fr, term)
	case "thread_yield", "miri_yield_thread":
		cx.sched.Yield(tid)
		cx.lastYield = true
		return false, nil
	case "thread_sleep":
		return false, cx.intrinsicThreadSleep(tid, fr, term)

	case "tls_get":
		return false, cx.intrinsicTLSGet(tid, fr, term)
	case "tls_set":
		return false, cx.intrinsicTLSSet(tid, fr, term)

	case "mutex_lock":
		return cx.intrinsicMutexLock(tid, fr, term)
	case "mutex_unlock":
		return false, cx.intrinsicMutexUnlock(tid, fr, term)
	case "rwlock_read_lock":
		return cx.intrinsicRwReadLock(tid, fr, term)
	case "rwlock_read_unlock":
		return false, cx.intrinsicRwReadUnlock(tid, fr, term)
	case "rwlock_write_lock":
		return cx.intrinsicRwWriteLock(tid, fr, term)
	case "rwlock_write_unlock":
		return false, cx.intrinsicRwWriteUnlock(tid, fr, term)
	case "condvar_wait_begin":
		return cx.intrinsicCondvarWaitBegin(tid, fr, term)
	case "condvar_wait_end":
		return cx.intrinsicCondvarWaitEnd(tid, fr, term)
	case "condvar_signal":
		return false, cx.intrinsicCondvarSignal(tid, fr, term)
	case "condvar_broadcast":
		return false, cx.intrinsicCondvarBroadcast(tid, fr, term)
	case "futex_wait":
		return cx.intrinsicFutexWait(tid, fr, term)
	case "futex_wake":
		return false, cx.intrinsicFutexWake(tid, fr, term)

	case "volatile_load":
		return false, cx.intrinsicVolatileLoad(tid, fr, term)
	case "volatile_store":
		return false, cx.intrinsicVolatileStore(tid, fr, term)
	case "ptr_offset":
		return false, cx.intrinsicPtrOffset(tid, fr, term)
	case "copy", "copy_nonoverlapping":
		return false, cx.intrinsicCopy(tid, fr, term, term.Intrinsic == "copy_nonoverlapping")
	case "ctpop", "ctlz", "cttz", "bswap":
		return false, cx.intrinsicBitOp(tid, fr, term)
	case "simd_add", "simd_sub", "simd_mul":
		return false, cx.intrinsicSimdBinOp(tid, fr, term)

	case "miri_alloc":
		return false, cx.intrinsicMiriAlloc(tid, fr, term)
	case "miri_dealloc":
		return false, cx.intrinsicMiriDealloc(tid, fr, term)
	case "miri_static_root":
		return false, cx.intrinsicMiriStaticRoot(tid, fr, term)
	case "miri_get_alloc_id":
		return false, cx.intrinsicMiriGetAllocID(tid, fr, term)
	case "miri_pointer_name":
		return false, cx.intrinsicMiriPointerName(tid, fr, term)
	case "miri_tree_nth_parent":
		return false, cx.intrinsicMiriTreeNthParent(tid, fr, term)
	case "miri_tree_common_ancestor":
		return false, cx.intrinsicMiriTreeCommonAncestor(tid, fr, term)
	case "miri_backtrace_size":
		return false, cx.intrinsicMiriBacktraceSize(tid, fr, term)
	case "miri_get_backtrace":
		return false, cx.intrinsicMiriGetBacktrace(tid, fr, term)
	case "miri_host_to_target_path":
		return false, cx.intrinsicMiriHostToTargetPath(tid, fr, term)
	case "miri_start_panic":
		return false, errStartUnwind
	case "miri_write_to_stdout":
		return false, cx.intrinsicMiriWrite(tid, fr, term, false)
	case "miri_write_to_stderr":
		return false, cx.intrinsicMiriWrite(tid, fr, term, true)
	case "miri_print_borrow_state":
		cx.logger.Debugf("miri_print_borrow_state invoked at %s", cx.span(fr))
		return false, nil
	case "miri_genmc_verifier_assume":
		return false, cx.intrinsicGenmcAssume(tid, fr, term)

	case "exit":
		return false, cx.intrinsicExit(tid, fr, term)
	}
	return false, cx.fail(tid, fr, errors.KindUnsupportedIntrinsic, "unsupported intrinsic: "+term.Intrinsic)
}

// addrArg evaluates term.Args[idx] and reports it as a guest address:
// a pointer operand's own address, or a bare integer's value — the
// convention every sync/atomic/alloc intrinsic below uses for its
// "where" argument.
func (cx *InterpCx) addrArg(tid clock.ThreadID, fr *Frame, term mir.Terminator, idx int) (uint64, error) {
	v, err := cx.evalOperand(tid, fr, term.Args[idx])
	if err != nil {
		return 0, err
	}
	if v.Kind == mem.PtrScalar {
		return v.Ptr.Addr, nil
	}
	return v.Uint64(), nil
}

func (cx *InterpCx) uintArg(tid clock.ThreadID, fr *Frame, term mir.Terminator, idx int) (uint64, error) {
	v, err := cx.evalOperand(tid, fr, term.Args[idx])
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

func orderingOf(v uint64) weakmem.Ordering {
	if v > uint64(weakmem.SeqCst) {
		return weakmem.SeqCst
	}
	return weakmem.Ordering(v)
}

// ordering decodes a guest-supplied memory-order operand. With
// weak_memory_emulation off, every atomic behaves as SeqCst (spec §6):
// the store buffer then never offers stale candidates.
func (cx *InterpCx) ordering(raw uint64) weakmem.Ordering {
	if !cx.cfg.WeakMemoryEmulation {
		return weakmem.SeqCst
	}
	return orderingOf(raw)
}

func (cx *InterpCx) threadClock(tid clock.ThreadID) *clock.VClock {
	return cx.sched.Thread(tid).Clock
}

// --- atomics, routed through pkg/weakmem rather than pkg/mem.Table's
// byte storage (spec §4.5): an atomic location's observable values form
// their own per-address stream, independent of whatever bytes happen
// to sit at that address in the abstract-memory engine. A plain
// (non-atomic) read of the same bytes still goes through cx.table, so
// every atomic_store also mirrors its value into the table — giving
// straightforward single-threaded programs the "last write wins"
// behavior they expect — while atomic_load reads exclusively from
// cx.weak, which is what actually models weak-memory reordering.

func (cx *InterpCx) intrinsicAtomicLoad(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	orderRaw, err := cx.uintArg(tid, fr, term, 1)
	if err != nil {
		return err
	}
	size := term.Dest.Size
	if a, off, ok := cx.table.Resolve(addr); ok && !a.Dead {
		if err := cx.checkMixed(a.ID, off, size, true); err != nil {
			return cx.fail(tid, fr, errors.KindMixedAtomicNonAtomic, err.Error())
		}
	}
	v, err := cx.weak.Load(addr, size, cx.ordering(orderRaw), tid, cx.threadClock(tid), cx.chooser())
	if err != nil {
		return cx.fail(tid, fr, errors.KindMixedSizeAtomic, err.Error())
	}
	v.Signed = term.Dest.Signed
	return cx.writePlace(tid, fr, term.Dest, v)
}

func (cx *InterpCx) intrinsicAtomicStore(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	val, err := cx.evalOperand(tid, fr, term.Args[1])
	if err != nil {
		return err
	}
	orderRaw, err := cx.uintArg(tid, fr, term, 2)
	if err != nil {
		return err
	}
	size := uint64(val.Size)
	if a, off, ok := cx.table.Resolve(addr); ok && !a.Dead {
		if err := cx.checkMixed(a.ID, off, size, true); err != nil {
			return cx.fail(tid, fr, errors.KindMixedAtomicNonAtomic, err.Error())
		}
		if _, _, err := cx.table.WriteBytes(mem.Pointer{Addr: addr}, val.Bytes(), size); err != nil {
			return cx.wrapMemErr(tid, fr, err)
		}
	}
	if err := cx.weak.Store(addr, size, val, cx.ordering(orderRaw), tid, cx.threadClock(tid)); err != nil {
		return cx.fail(tid, fr, errors.KindMixedSizeAtomic, err.Error())
	}
	return nil
}

var rmwOps = map[string]func(old, operand uint64) uint64{
	"atomic_rmw_add":  func(old, v uint64) uint64 { return old + v },
	"atomic_rmw_sub":  func(old, v uint64) uint64 { return old - v },
	"atomic_rmw_and":  func(old, v uint64) uint64 { return old & v },
	"atomic_rmw_or":   func(old, v uint64) uint64 { return old | v },
	"atomic_rmw_xor":  func(old, v uint64) uint64 { return old ^ v },
	"atomic_rmw_xchg": func(old, v uint64) uint64 { return v },
}

func (cx *InterpCx) intrinsicAtomicRMW(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	operand, err := cx.evalOperand(tid, fr, term.Args[1])
	if err != nil {
		return err
	}
	orderRaw, err := cx.uintArg(tid, fr, term, 2)
	if err != nil {
		return err
	}
	size := uint64(operand.Size)
	op := rmwOps[term.Intrinsic]
	old, err := cx.weak.RMW(addr, size, cx.ordering(orderRaw), tid, cx.threadClock(tid), func(old mem.Scalar) mem.Scalar {
		return mem.NewUint(op(old.Uint64(), operand.Uint64()), int(size))
	})
	if err != nil {
		return cx.fail(tid, fr, errors.KindMixedSizeAtomic, err.Error())
	}
	if a, _, ok := cx.table.Resolve(addr); ok && !a.Dead {
		newVal := mem.NewUint(op(old.Uint64(), operand.Uint64()), int(size))
		_, _, _ = cx.table.WriteBytes(mem.Pointer{Addr: addr}, newVal.Bytes(), size)
	}
	old.Signed = term.Dest.Signed
	return cx.writePlace(tid, fr, term.Dest, old)
}

// intrinsicAtomicCAS models both compare_exchange and
// compare_exchange_weak as single-valued: like the checked/overflowing
// binary-op simplification in rvalue.go, it writes only the observed
// old value to term.Dest (rather than a (old, success) pair spec §9
// has no tuple rvalue for); a caller compares the result against its
// own expected operand to learn success, exactly as it would compare
// an overflow flag computed separately.
func (cx *InterpCx) intrinsicAtomicCAS(tid clock.ThreadID, fr *Frame, term mir.Terminator, weak bool) error {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	expected, err := cx.evalOperand(tid, fr, term.Args[1])
	if err != nil {
		return err
	}
	newVal, err := cx.evalOperand(tid, fr, term.Args[2])
	if err != nil {
		return err
	}
	successRaw, err := cx.uintArg(tid, fr, term, 3)
	if err != nil {
		return err
	}
	failRaw, err := cx.uintArg(tid, fr, term, 4)
	if err != nil {
		return err
	}
	size := uint64(expected.Size)
	var spurious func() bool
	if weak {
		rate := cx.cfg.CmpxchgWeakFailureRate
		spurious = func() bool { return cx.genmcDecider().SpuriousFail(rate) }
	}
	old, success, err := cx.weak.CompareExchange(addr, size, expected, newVal, cx.ordering(successRaw), cx.ordering(failRaw), tid, cx.threadClock(tid), weak, spurious)
	if err != nil {
		return cx.fail(tid, fr, errors.KindMixedSizeAtomic, err.Error())
	}
	if success {
		if a, _, ok := cx.table.Resolve(addr); ok && !a.Dead {
			_, _, _ = cx.table.WriteBytes(mem.Pointer{Addr: addr}, newVal.Bytes(), size)
		}
	}
	old.Signed = term.Dest.Signed
	return cx.writePlace(tid, fr, term.Dest, old)
}

// --- thread lifecycle, TLS.

func (cx *InterpCx) intrinsicThreadSpawn(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	argVals := make([]mem.Scalar, len(term.Args))
	for i, op := range term.Args {
		v, err := cx.evalOperand(tid, fr, op)
		if err != nil {
			return err
		}
		argVals[i] = v
	}
	child, err := cx.spawnThread(tid, term.Callee, argVals)
	if err != nil {
		return err
	}
	return cx.writePlace(tid, fr, term.Dest, mem.NewUint(uint64(child), int(term.Dest.Size)))
}

func (cx *InterpCx) intrinsicThreadJoin(tid clock.ThreadID, fr *Frame, term mir.Terminator) (blocked bool, err error) {
	target, e := cx.uintArg(tid, fr, term, 0)
	if e != nil {
		return false, e
	}
	blocked, err = cx.sched.Join(tid, clock.ThreadID(target))
	if err != nil {
		return false, cx.fail(tid, fr, errors.KindInvalidThreadOperation, err.Error())
	}
	if blocked {
		return true, nil
	}
	return false, cx.writePlace(tid, fr, term.Dest, mem.NewUint(0, int(term.Dest.Size)))
}

func (cx *InterpCx) intrinsicThreadDetach(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	target, err := cx.uintArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	cx.sched.Detach(clock.ThreadID(target))
	return nil
}

func (cx *InterpCx) intrinsicTLSGet(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	key, err := cx.uintArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	v := cx.sched.Thread(tid).TLSGet(scheduler.TLSKey(key))
	return cx.writePlace(tid, fr, term.Dest, mem.NewUint(v, int(term.Dest.Size)))
}

func (cx *InterpCx) intrinsicTLSSet(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	key, err := cx.uintArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	val, err := cx.uintArg(tid, fr, term, 1)
	if err != nil {
		return err
	}
	cx.sched.Thread(tid).TLSSet(scheduler.TLSKey(key), val)
	return nil
}

// --- synchronization primitives, keyed by guest-visible handle address.

func (cx *InterpCx) intrinsicMutexLock(tid clock.ThreadID, fr *Frame, term mir.Terminator) (bool, error) {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return false, err
	}
	if blocked := cx.syncs.Mutex(addr).Lock(tid, cx.threadClock(tid)); blocked {
		cx.sched.Block(tid, scheduler.BlockReason{Kind: scheduler.BlockMutex, Addr: addr})
		return true, nil
	}
	return false, nil
}

func (cx *InterpCx) intrinsicMutexUnlock(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	woken, woke, ok := cx.syncs.Mutex(addr).Unlock(tid, cx.threadClock(tid))
	if !ok {
		return cx.fail(tid, fr, errors.KindInvalidThreadOperation, "mutex_unlock by a thread that does not hold the mutex")
	}
	if woke {
		cx.sched.Wake(woken)
	}
	return nil
}

func (cx *InterpCx) intrinsicRwReadLock(tid clock.ThreadID, fr *Frame, term mir.Terminator) (bool, error) {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return false, err
	}
	if blocked := cx.syncs.RwLock(addr).ReadLock(tid, cx.threadClock(tid)); blocked {
		cx.sched.Block(tid, scheduler.BlockReason{Kind: scheduler.BlockRwlock, Addr: addr})
		return true, nil
	}
	return false, nil
}

func (cx *InterpCx) intrinsicRwReadUnlock(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	woken, woke, ok := cx.syncs.RwLock(addr).ReadUnlock(tid, cx.threadClock(tid))
	if !ok {
		return cx.fail(tid, fr, errors.KindInvalidThreadOperation, "rwlock_read_unlock by a thread that does not hold a read lock")
	}
	if woke {
		cx.sched.Wake(woken)
	}
	return nil
}

func (cx *InterpCx) intrinsicRwWriteLock(tid clock.ThreadID, fr *Frame, term mir.Terminator) (bool, error) {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return false, err
	}
	if blocked := cx.syncs.RwLock(addr).WriteLock(tid, cx.threadClock(tid)); blocked {
		cx.sched.Block(tid, scheduler.BlockReason{Kind: scheduler.BlockRwlock, Addr: addr})
		return true, nil
	}
	return false, nil
}

func (cx *InterpCx) intrinsicRwWriteUnlock(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	woken, ok := cx.syncs.RwLock(addr).WriteUnlock(tid, cx.threadClock(tid))
	if !ok {
		return cx.fail(tid, fr, errors.KindInvalidThreadOperation, "rwlock_write_unlock by a thread that does not hold the write lock")
	}
	for _, w := range woken {
		cx.sched.Wake(w)
	}
	return nil
}

// intrinsicCondvarWaitBegin models the atomic "unlock mutex, register
// as a waiter" half of pthread_cond_wait. It always blocks; the
// generated call sequence for a condition-variable wait is
// condvar_wait_begin followed, once woken, by condvar_wait_end —
// splitting the POSIX single call in two is necessary because the
// re-drive design only re-runs the exact intrinsic a thread blocked
// on, and reacquiring the mutex is a materially different operation
// (with its own blocking) from giving it up.
func (cx *InterpCx) intrinsicCondvarWaitBegin(tid clock.ThreadID, fr *Frame, term mir.Terminator) (bool, error) {
	condAddr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return false, err
	}
	mutexAddr, err := cx.addrArg(tid, fr, term, 1)
	if err != nil {
		return false, err
	}
	_, _, ok := cx.syncs.Mutex(mutexAddr).Unlock(tid, cx.threadClock(tid))
	if !ok {
		return false, cx.fail(tid, fr, errors.KindInvalidThreadOperation, "condvar_wait_begin without holding the associated mutex")
	}
	cx.syncs.Condvar(condAddr).Wait(tid, mutexAddr)
	cx.sched.Block(tid, scheduler.BlockReason{Kind: scheduler.BlockCondvar, Addr: condAddr})
	return true, nil
}

// intrinsicCondvarWaitEnd is the reacquire half: it attempts to relock
// the mutex the thread gave up in condvar_wait_begin, blocking on the
// mutex itself (not the condvar) if some other thread got there first,
// and joins the signaler's clock once the mutex is actually held.
func (cx *InterpCx) intrinsicCondvarWaitEnd(tid clock.ThreadID, fr *Frame, term mir.Terminator) (bool, error) {
	condAddr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return false, err
	}
	mutexAddr, err := cx.addrArg(tid, fr, term, 1)
	if err != nil {
		return false, err
	}
	if blocked := cx.syncs.Mutex(mutexAddr).Lock(tid, cx.threadClock(tid)); blocked {
		cx.sched.Block(tid, scheduler.BlockReason{Kind: scheduler.BlockMutex, Addr: mutexAddr})
		return true, nil
	}
	cx.syncs.Condvar(condAddr).AcquireWake(cx.threadClock(tid))
	return false, nil
}

func (cx *InterpCx) intrinsicCondvarSignal(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	woken, _, ok := cx.syncs.Condvar(addr).Signal(cx.threadClock(tid))
	if ok {
		cx.sched.Wake(woken)
	}
	return nil
}

func (cx *InterpCx) intrinsicCondvarBroadcast(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	for _, w := range cx.syncs.Condvar(addr).Broadcast(cx.threadClock(tid)) {
		cx.sched.Wake(w.Thread)
	}
	return nil
}

// intrinsicFutexWait re-derives its own decision to block from the
// current memory contents every time it runs, rather than tracking
// phase explicitly: the first call blocks if *addr still equals
// expected; a re-drive after a real wake almost always observes a
// changed value and proceeds, but an unrelated or spurious wake that
// left the value unchanged simply re-registers and waits again,
// exactly like a real futex's spurious-wakeup contract.
func (cx *InterpCx) intrinsicFutexWait(tid clock.ThreadID, fr *Frame, term mir.Terminator) (bool, error) {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return false, err
	}
	expected, err := cx.uintArg(tid, fr, term, 1)
	if err != nil {
		return false, err
	}
	bitset, err := cx.uintArg(tid, fr, term, 2)
	if err != nil {
		return false, err
	}
	cur, err := cx.readScalarAt(tid, fr, mem.Pointer{Addr: addr}, 4, false, false, true)
	if err != nil {
		return false, err
	}
	if cur.Uint64() != expected {
		cx.syncs.Futex(addr).AcquireWake(cx.threadClock(tid))
		return false, nil
	}
	cx.syncs.Futex(addr).Wait(tid, uint32(bitset))
	cx.sched.Block(tid, scheduler.BlockReason{Kind: scheduler.BlockFutex, Addr: addr})
	return true, nil
}

func (cx *InterpCx) intrinsicFutexWake(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	addr, err := cx.addrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	mask, err := cx.uintArg(tid, fr, term, 1)
	if err != nil {
		return err
	}
	n, err := cx.uintArg(tid, fr, term, 2)
	if err != nil {
		return err
	}
	woken := cx.syncs.Futex(addr).Wake(uint32(mask), int(n), cx.threadClock(tid))
	for _, w := range woken {
		cx.sched.Wake(w)
	}
	return cx.writePlace(tid, fr, term.Dest, mem.NewUint(uint64(len(woken)), int(term.Dest.Size)))
}

// --- volatile accesses, pointer arithmetic, bulk copies, bit and
// lane-wise arithmetic (spec §4.8's intrinsic families).

// ptrArg evaluates term.Args[idx] and requires a pointer scalar.
func (cx *InterpCx) ptrArg(tid clock.ThreadID, fr *Frame, term mir.Terminator, idx int) (mem.Pointer, error) {
	v, err := cx.evalOperand(tid, fr, term.Args[idx])
	if err != nil {
		return mem.Pointer{}, err
	}
	if v.Kind != mem.PtrScalar {
		return mem.Pointer{}, cx.fail(tid, fr, errors.KindInvalidPointerArithmetic, term.Intrinsic+" requires a pointer argument")
	}
	return v.Ptr, nil
}

// intrinsicVolatileLoad is an ordinary typed read: volatility matters
// to a compiler's optimizer, which this engine is not (spec §1's
// non-goals), so the full borrow/race/init checking still applies.
func (cx *InterpCx) intrinsicVolatileLoad(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	ptr, err := cx.ptrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	v, err := cx.readScalarAt(tid, fr, ptr, term.Dest.Size, term.Dest.Signed, term.Dest.Pointer, false)
	if err != nil {
		return err
	}
	return cx.writePlace(tid, fr, term.Dest, v)
}

func (cx *InterpCx) intrinsicVolatileStore(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	ptr, err := cx.ptrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	v, err := cx.evalOperand(tid, fr, term.Args[1])
	if err != nil {
		return err
	}
	return cx.writeScalarAt(tid, fr, ptr, v, false)
}

// intrinsicPtrOffset advances a pointer by a signed byte delta with an
// in-bounds check: the result must still land within the originating
// allocation (one-past-the-end included), else the arithmetic itself
// is UB (spec §4.8.5's "ptr offset arithmetic (with in-bounds
// checks)"). Plain wrapping arithmetic without the check is what
// RvCast/RvBinOp compositions express instead.
func (cx *InterpCx) intrinsicPtrOffset(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	ptr, err := cx.ptrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	deltaVal, err := cx.evalOperand(tid, fr, term.Args[1])
	if err != nil {
		return err
	}
	out := ptr.WithOffset(deltaVal.Int64())
	a, _, ok := cx.table.Resolve(ptr.Addr)
	if !ok || out.Addr < a.Addr || out.Addr > a.Addr+a.Size {
		return cx.fail(tid, fr, errors.KindInvalidPointerArithmetic, "ptr_offset result leaves the originating allocation")
	}
	return cx.writePlace(tid, fr, term.Dest, mem.NewPointerScalar(out, mem.PointerSize))
}

// intrinsicCopy is the untyped bulk copy backing both overlapping
// (memmove-shaped) and nonoverlapping (memcpy-shaped) variants: raw
// bytes move with their initialization and provenance bits intact
// (spec §4.1's copy and §8's init-preservation property), gated by the
// same borrow and race checks as any other read/write of the ranges.
func (cx *InterpCx) intrinsicCopy(tid clock.ThreadID, fr *Frame, term mir.Terminator, nonoverlapping bool) error {
	src, err := cx.ptrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	dst, err := cx.ptrArg(tid, fr, term, 1)
	if err != nil {
		return err
	}
	size, err := cx.uintArg(tid, fr, term, 2)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	if a, off, ok := cx.table.Resolve(src.Addr); ok && !a.Dead {
		if err := cx.checkBorrowAccess(a, off, size, src, borrow.Read); err != nil {
			return cx.taggedDiag(cx.fail(tid, fr, errors.KindAliasingViolation, err.Error()), a, src)
		}
		if err := cx.raceCheck(tid, a, off, size, false); err != nil {
			return cx.fail(tid, fr, errors.KindDataRace, err.Error()).WithAlloc(uint64(a.ID))
		}
	}
	if a, off, ok := cx.table.Resolve(dst.Addr); ok && !a.Dead {
		if err := cx.checkBorrowAccess(a, off, size, dst, borrow.Write); err != nil {
			return cx.taggedDiag(cx.fail(tid, fr, errors.KindAliasingViolation, err.Error()), a, dst)
		}
		if err := cx.raceCheck(tid, a, off, size, true); err != nil {
			return cx.fail(tid, fr, errors.KindDataRace, err.Error()).WithAlloc(uint64(a.ID))
		}
	}
	if err := cx.table.Copy(src, dst, size, nonoverlapping); err != nil {
		return cx.wrapMemErr(tid, fr, err)
	}
	return nil
}

var bitOps = map[string]func(v uint64, width int) uint64{
	"ctpop": func(v uint64, _ int) uint64 { return uint64(bits.OnesCount64(v)) },
	"ctlz": func(v uint64, width int) uint64 {
		return uint64(bits.LeadingZeros64(v) - (64 - width))
	},
	"cttz": func(v uint64, width int) uint64 {
		if v == 0 {
			return uint64(width)
		}
		return uint64(bits.TrailingZeros64(v))
	},
	"bswap": func(v uint64, width int) uint64 {
		return bits.ReverseBytes64(v) >> uint(64-width)
	},
}

func (cx *InterpCx) intrinsicBitOp(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	v, err := cx.evalOperand(tid, fr, term.Args[0])
	if err != nil {
		return err
	}
	op := bitOps[term.Intrinsic]
	out := op(v.Uint64(), v.Size*8)
	return cx.writePlace(tid, fr, term.Dest, mem.NewUint(out, int(term.Dest.Size)))
}

var simdOps = map[string]func(a, b uint64) uint64{
	"simd_add": func(a, b uint64) uint64 { return a + b },
	"simd_sub": func(a, b uint64) uint64 { return a - b },
	"simd_mul": func(a, b uint64) uint64 { return a * b },
}

// intrinsicSimdBinOp applies one wrapping arithmetic op lane-by-lane
// across two memory-resident vectors, writing the result vector:
// (dst, a, b, lanes, lane_size). Lanes are independent — a lane's
// overflow wraps within its own width, never carrying into its
// neighbor.
func (cx *InterpCx) intrinsicSimdBinOp(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	dst, err := cx.ptrArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	aPtr, err := cx.ptrArg(tid, fr, term, 1)
	if err != nil {
		return err
	}
	bPtr, err := cx.ptrArg(tid, fr, term, 2)
	if err != nil {
		return err
	}
	lanes, err := cx.uintArg(tid, fr, term, 3)
	if err != nil {
		return err
	}
	laneSize, err := cx.uintArg(tid, fr, term, 4)
	if err != nil {
		return err
	}
	if laneSize == 0 || laneSize > 8 {
		return cx.fail(tid, fr, errors.KindUnsupportedIntrinsic, "simd lane size must be 1..8 bytes")
	}
	op := simdOps[term.Intrinsic]
	for i := uint64(0); i < lanes; i++ {
		off := int64(i * laneSize)
		av, err := cx.readScalarAt(tid, fr, aPtr.WithOffset(off), laneSize, false, false, false)
		if err != nil {
			return err
		}
		bv, err := cx.readScalarAt(tid, fr, bPtr.WithOffset(off), laneSize, false, false, false)
		if err != nil {
			return err
		}
		res := mem.NewUint(op(av.Uint64(), bv.Uint64())&maskFor(laneSize), int(laneSize))
		if err := cx.writeScalarAt(tid, fr, dst.WithOffset(off), res, false); err != nil {
			return err
		}
	}
	return nil
}

// errStartUnwind is the sentinel miri_start_panic reports back to
// execCall: not a diagnostic, but a request to begin unwinding at the
// calling site. The panic payload operand is ignored — catching a
// panic's payload belongs to the host shim layer, not the core.
var errStartUnwind = &errors.Diagnostic{Kind: errors.KindAbort, Message: "miri_start_panic"}

// intrinsicThreadSleep advances only the calling thread's logical
// clock (spec §5: there is no real wall-clock wait) and rotates the
// scheduler so another runnable thread proceeds in the meantime.
func (cx *InterpCx) intrinsicThreadSleep(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	ticks, err := cx.uintArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	th := cx.sched.Thread(tid)
	th.Clock.Set(tid, th.Clock.Get(tid)+ticks)
	cx.sched.Yield(tid)
	return nil
}

// --- heap, diagnostics, process exit.

func (cx *InterpCx) intrinsicMiriAlloc(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	size, err := cx.uintArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	align, err := cx.uintArg(tid, fr, term, 1)
	if err != nil {
		return err
	}
	if align == 0 {
		align = 1
	}
	ptr := cx.allocateHeap(size, align)
	return cx.writePlace(tid, fr, term.Dest, mem.NewPointerScalar(ptr, mem.PointerSize))
}

func (cx *InterpCx) intrinsicMiriDealloc(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	v, err := cx.evalOperand(tid, fr, term.Args[0])
	if err != nil {
		return err
	}
	if v.Kind != mem.PtrScalar || v.Ptr.IsNull() {
		return cx.fail(tid, fr, errors.KindInvalidDealloc, "miri_dealloc on a non-pointer or null value")
	}
	return cx.deallocatePointer(tid, fr, v.Ptr, mem.KindHeap)
}

func (cx *InterpCx) intrinsicMiriStaticRoot(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	v, err := cx.evalOperand(tid, fr, term.Args[0])
	if err != nil {
		return err
	}
	if v.Kind != mem.PtrScalar {
		return cx.fail(tid, fr, errors.KindInvalidPointerArithmetic, "miri_static_root requires a pointer argument")
	}
	if a, _, ok := cx.table.Resolve(v.Ptr.Addr); ok {
		cx.staticRoots[a.ID] = true
	}
	return nil
}

func (cx *InterpCx) intrinsicMiriGetAllocID(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	v, err := cx.evalOperand(tid, fr, term.Args[0])
	if err != nil {
		return err
	}
	var id uint64
	if v.Kind == mem.PtrScalar && v.Ptr.Provenance.Kind != mem.ProvNone {
		id = uint64(v.Ptr.Provenance.AllocID)
	}
	return cx.writePlace(tid, fr, term.Dest, mem.NewUint(id, int(term.Dest.Size)))
}

func (cx *InterpCx) intrinsicMiriBacktraceSize(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	n := uint64(len(cx.backtrace(tid)))
	return cx.writePlace(tid, fr, term.Dest, mem.NewUint(n, int(term.Dest.Size)))
}

// intrinsicMiriGetBacktrace fills the guest buffer with one synthetic
// frame handle per stack frame (the frame's depth, innermost first).
// The handles have no host symbols behind them — resolving names is
// the front-end's job — but they are stable within one execution,
// which is all the guest-visible contract requires.
func (cx *InterpCx) intrinsicMiriGetBacktrace(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	v, err := cx.evalOperand(tid, fr, term.Args[0])
	if err != nil {
		return err
	}
	count, err := cx.uintArg(tid, fr, term, 1)
	if err != nil {
		return err
	}
	if v.Kind != mem.PtrScalar {
		return cx.fail(tid, fr, errors.KindInvalidPointerArithmetic, "miri_get_backtrace requires a pointer argument")
	}
	n := uint64(len(cx.backtrace(tid)))
	if count < n {
		n = count
	}
	for i := uint64(0); i < n; i++ {
		handle := mem.NewUint(i, mem.PointerSize)
		if _, _, err := cx.table.WriteBytes(v.Ptr.WithOffset(int64(i*mem.PointerSize)), handle.Bytes(), 1); err != nil {
			return cx.wrapMemErr(tid, fr, err)
		}
	}
	return cx.writePlace(tid, fr, term.Dest, mem.NewUint(n, int(term.Dest.Size)))
}

// intrinsicMiriPointerName records a guest-assigned name for ptr's
// borrow tag, surfaced by the tracked-tag trace lines.
func (cx *InterpCx) intrinsicMiriPointerName(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	v, err := cx.evalOperand(tid, fr, term.Args[0])
	if err != nil {
		return err
	}
	nameVal, err := cx.evalOperand(tid, fr, term.Args[1])
	if err != nil {
		return err
	}
	nameLen, err := cx.uintArg(tid, fr, term, 2)
	if err != nil {
		return err
	}
	if v.Kind != mem.PtrScalar || v.Ptr.Provenance.Kind != mem.ProvConcrete {
		return cx.fail(tid, fr, errors.KindInvalidPointerArithmetic, "miri_pointer_name requires a pointer with concrete provenance")
	}
	if nameVal.Kind != mem.PtrScalar {
		return cx.fail(tid, fr, errors.KindInvalidPointerArithmetic, "miri_pointer_name requires a name-bytes pointer")
	}
	_, _, data, err := cx.table.ReadBytes(nameVal.Ptr, nameLen, 1, true)
	if err != nil {
		return cx.wrapMemErr(tid, fr, err)
	}
	cx.tagNames[v.Ptr.Provenance.Tag] = string(data)
	return nil
}

// intrinsicMiriTreeNthParent returns ptr rebased onto its n-th
// ancestor tag in the Tree Borrows tree; only meaningful (and only
// supported) under the Tree variant.
func (cx *InterpCx) intrinsicMiriTreeNthParent(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	tree, ok := cx.tracker.(*borrow.Tree)
	if !ok {
		return cx.fail(tid, fr, errors.KindUnsupportedIntrinsic, "miri_tree_nth_parent requires the tree borrow tracker")
	}
	v, err := cx.evalOperand(tid, fr, term.Args[0])
	if err != nil {
		return err
	}
	n, err := cx.uintArg(tid, fr, term, 1)
	if err != nil {
		return err
	}
	if v.Kind != mem.PtrScalar || v.Ptr.Provenance.Kind != mem.ProvConcrete {
		return cx.fail(tid, fr, errors.KindInvalidPointerArithmetic, "miri_tree_nth_parent requires a pointer with concrete provenance")
	}
	parent, ok := tree.NthParent(v.Ptr.Provenance.AllocID, v.Ptr.Provenance.Tag, int(n))
	if !ok {
		return cx.fail(tid, fr, errors.KindDanglingPointerDeref, "miri_tree_nth_parent on a tag with no tree state")
	}
	out := mem.Pointer{Provenance: mem.ConcreteProvenance(v.Ptr.Provenance.AllocID, parent), Addr: v.Ptr.Addr}
	return cx.writePlace(tid, fr, term.Dest, mem.NewPointerScalar(out, mem.PointerSize))
}

// intrinsicMiriTreeCommonAncestor returns the first pointer rebased
// onto the deepest tag that is an ancestor of both arguments' tags.
func (cx *InterpCx) intrinsicMiriTreeCommonAncestor(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	tree, ok := cx.tracker.(*borrow.Tree)
	if !ok {
		return cx.fail(tid, fr, errors.KindUnsupportedIntrinsic, "miri_tree_common_ancestor requires the tree borrow tracker")
	}
	p, err := cx.evalOperand(tid, fr, term.Args[0])
	if err != nil {
		return err
	}
	q, err := cx.evalOperand(tid, fr, term.Args[1])
	if err != nil {
		return err
	}
	if p.Kind != mem.PtrScalar || p.Ptr.Provenance.Kind != mem.ProvConcrete ||
		q.Kind != mem.PtrScalar || q.Ptr.Provenance.Kind != mem.ProvConcrete ||
		p.Ptr.Provenance.AllocID != q.Ptr.Provenance.AllocID {
		return cx.fail(tid, fr, errors.KindInvalidPointerArithmetic, "miri_tree_common_ancestor requires two concrete pointers into the same allocation")
	}
	anc, ok := tree.CommonAncestor(p.Ptr.Provenance.AllocID, p.Ptr.Provenance.Tag, q.Ptr.Provenance.Tag)
	if !ok {
		return cx.fail(tid, fr, errors.KindDanglingPointerDeref, "miri_tree_common_ancestor on tags with no tree state")
	}
	out := mem.Pointer{Provenance: mem.ConcreteProvenance(p.Ptr.Provenance.AllocID, anc), Addr: p.Ptr.Addr}
	return cx.writePlace(tid, fr, term.Dest, mem.NewPointerScalar(out, mem.PointerSize))
}

// intrinsicMiriHostToTargetPath copies the input path bytes to the
// output buffer unchanged, reporting the copied length: without a
// host shim attached there is no host path syntax to translate from,
// so the identity mapping is the honest best effort.
func (cx *InterpCx) intrinsicMiriHostToTargetPath(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	in, err := cx.evalOperand(tid, fr, term.Args[0])
	if err != nil {
		return err
	}
	out, err := cx.evalOperand(tid, fr, term.Args[1])
	if err != nil {
		return err
	}
	size, err := cx.uintArg(tid, fr, term, 2)
	if err != nil {
		return err
	}
	if in.Kind != mem.PtrScalar || out.Kind != mem.PtrScalar {
		return cx.fail(tid, fr, errors.KindInvalidPointerArithmetic, "miri_host_to_target_path requires pointer arguments")
	}
	_, _, data, err := cx.table.ReadBytes(in.Ptr, size, 1, true)
	if err != nil {
		return cx.wrapMemErr(tid, fr, err)
	}
	if _, _, err := cx.table.WriteBytes(out.Ptr, data, 1); err != nil {
		return cx.wrapMemErr(tid, fr, err)
	}
	return cx.writePlace(tid, fr, term.Dest, mem.NewUint(size, int(term.Dest.Size)))
}

// intrinsicMiriWrite surfaces [ptr, ptr+len): with communicate set
// (isolation off), the bytes pass straight through to the host's own
// stdout/stderr; under isolation they surface as log lines instead of
// being silently discarded.
func (cx *InterpCx) intrinsicMiriWrite(tid clock.ThreadID, fr *Frame, term mir.Terminator, stderr bool) error {
	v, err := cx.evalOperand(tid, fr, term.Args[0])
	if err != nil {
		return err
	}
	n, err := cx.uintArg(tid, fr, term, 1)
	if err != nil {
		return err
	}
	if v.Kind != mem.PtrScalar {
		return cx.fail(tid, fr, errors.KindInvalidPointerArithmetic, "miri_write_to_std{out,err} requires a pointer argument")
	}
	_, _, data, err := cx.table.ReadBytes(v.Ptr, n, 1, true)
	if err != nil {
		return cx.wrapMemErr(tid, fr, err)
	}
	if cx.cfg.Communicate {
		out := os.Stdout
		if stderr {
			out = os.Stderr
		}
		_, _ = out.Write(data)
		return nil
	}
	if stderr {
		cx.logger.Warningf("guest stderr: %s", string(data))
	} else {
		cx.logger.Infof("guest stdout: %s", string(data))
	}
	return nil
}

// intrinsicGenmcAssume prunes the current path when pkg/genmc's
// attached decider rejects cond, per spec §6: without a real external
// checker attached, there is only one path to explore, so a false
// assumption simply ends the calling thread cleanly rather than
// backtracking to try its negation.
func (cx *InterpCx) intrinsicGenmcAssume(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	v, err := cx.evalOperand(tid, fr, term.Args[0])
	if err != nil {
		return err
	}
	if !cx.genmcDecider().Assume(v.Uint64() != 0) {
		if ts := cx.threads[tid]; ts != nil {
			ts.finished = true
		}
	}
	return nil
}

// schedChooser adapts pkg/scheduler's own seeded stream to the
// genmc.Decider shape, for the genmc_mode-off path: Assume is a
// no-op pass-through since the local scheduler never backtracks.
type schedChooser struct{ s *scheduler.Scheduler }

func (c schedChooser) Choice(n int) int               { return c.s.Chooser(n) }
func (c schedChooser) SpuriousFail(rate float64) bool { return c.s.SpuriousFail(rate) }
func (c schedChooser) Assume(cond bool) bool          { return cond }

// genmcDecider returns the decision source the evaluation loop
// consults for nondeterministic choices: the attached external
// checker when genmc_mode is configured, pkg/scheduler's own seeded
// stream otherwise.
func (cx *InterpCx) genmcDecider() genmc.Decider {
	if cx.cfg.GenMCMode {
		return cx.genmc
	}
	return schedChooser{cx.sched}
}

// chooser adapts genmcDecider to pkg/weakmem's func(int) int
// candidate-selection callback shape.
func (cx *InterpCx) chooser() func(int) int {
	d := cx.genmcDecider()
	return d.Choice
}

func (cx *InterpCx) intrinsicExit(tid clock.ThreadID, fr *Frame, term mir.Terminator) error {
	code, err := cx.uintArg(tid, fr, term, 0)
	if err != nil {
		return err
	}
	return cx.fail(tid, fr, errors.KindExitCode, "process exited via exit()").WithPayload(int32(code))
}
