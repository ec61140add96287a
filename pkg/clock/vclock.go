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

// Package clock implements the happens-before engine of spec §4.4: a
// vector clock per thread, joined across synchronization edges
// (mutex release/acquire, atomic release-store/acquire-load, spawn,
// join, condvar signal/wake, futex wake/wait), and an adaptive
// per-location access history used to detect data races between
// unsynchronized accesses.
//
// Unlike a real concurrent race detector, the scheduler driving this
// package (pkg/scheduler) runs exactly one thread at a time: no field
// here needs atomics or a mutex, since there is never a second
// goroutine touching it concurrently. The vector-clock/epoch split
// itself is still worth keeping — it is what makes read-shared
// locations cheap to track — so the representation is carried over
// from that design, just without its lock-free plumbing.
package clock

import "strings"

// ThreadID identifies a thread for vector-clock and epoch purposes.
// It matches pkg/scheduler's thread identifier type.
type ThreadID uint32

// VClock is a sparse vector clock: clocks[tid] is thread tid's last
// known logical time, absent entries meaning 0.
type VClock struct {
	clocks map[ThreadID]uint64
}

// New returns an empty vector clock (every thread at logical time 0).
func New() *VClock {
	return &VClock{clocks: make(map[ThreadID]uint64)}
}

// Clone returns a deep copy of vc.
func (vc *VClock) Clone() *VClock {
	out := New()
	for tid, c := range vc.clocks {
		out.clocks[tid] = c
	}
	return out
}

// Get returns vc's clock value for tid.
func (vc *VClock) Get(tid ThreadID) uint64 {
	return vc.clocks[tid]
}

// Set assigns tid's clock value directly.
func (vc *VClock) Set(tid ThreadID, val uint64) {
	if val == 0 {
		delete(vc.clocks, tid)
		return
	}
	vc.clocks[tid] = val
}

// Increment advances tid's own clock by one and returns the new
// value; called on every access a thread performs.
func (vc *VClock) Increment(tid ThreadID) uint64 {
	next := vc.clocks[tid] + 1
	vc.clocks[tid] = next
	return next
}

// Join performs the synchronization join vc = vc ⊔ other: the
// point-wise maximum across every thread either clock mentions.
func (vc *VClock) Join(other *VClock) {
	for tid, c := range other.clocks {
		if c > vc.clocks[tid] {
			vc.clocks[tid] = c
		}
	}
}

// LessOrEqual reports the happens-before relation vc ⊑ other: every
// thread's clock in vc is no greater than in other.
func (vc *VClock) LessOrEqual(other *VClock) bool {
	for tid, c := range vc.clocks {
		if c > other.clocks[tid] {
			return false
		}
	}
	return true
}

// HappensBefore is an alias for LessOrEqual, used at call sites where
// the happens-before reading is clearer than the lattice reading.
func (vc *VClock) HappensBefore(other *VClock) bool { return vc.LessOrEqual(other) }

func (vc *VClock) String() string {
	if len(vc.clocks) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(vc.clocks))
	for tid, c := range vc.clocks {
		parts = append(parts, itoa(uint64(tid))+":"+itoa(c))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
