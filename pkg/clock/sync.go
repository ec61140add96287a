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

package clock

// SyncObject is the clock snapshot carried by every synchronization
// primitive of spec §4.6 (mutex, rwlock, condvar, futex) and by every
// atomic location under release/acquire ordering: whoever releases it
// deposits their current clock, and whoever next acquires it joins
// that clock into their own, establishing the happens-before edge.
// Thread spawn/join (spec §4.7) uses the same Release/Acquire pair:
// the parent releases into the child's initial clock, and the parent
// later acquires the child's clock back on join.
type SyncObject struct {
	clock *VClock
}

// NewSyncObject returns a SyncObject with no prior release.
func NewSyncObject() *SyncObject {
	return &SyncObject{clock: New()}
}

// Release deposits threadClock's current state into the object,
// joining rather than overwriting so repeated releases without an
// intervening acquire still accumulate every depositor's clock (as
// happens with a relaxed-ordering release store, spec §4.5).
func (s *SyncObject) Release(threadClock *VClock) {
	s.clock.Join(threadClock)
}

// Acquire joins the object's deposited clock into threadClock,
// establishing happens-before from every prior Release to this
// Acquire.
func (s *SyncObject) Acquire(threadClock *VClock) {
	threadClock.Join(s.clock)
}
