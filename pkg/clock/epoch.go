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

// Epoch packs a (ThreadID, clock) pair the way a single thread's
// contribution to a vector clock is represented when no full VClock
// is needed: most memory locations only ever see a single writer and
// a single reader, so tracking one Epoch per role is far cheaper than
// a full vector clock per location.
type Epoch uint64

// NoEpoch marks "never accessed".
const NoEpoch Epoch = 0

// MakeEpoch packs tid and clock into an Epoch.
func MakeEpoch(tid ThreadID, clock uint32) Epoch {
	return Epoch(uint64(tid))<<32 | Epoch(clock)
}

// Decode unpacks an Epoch back into its thread and clock components.
func (e Epoch) Decode() (ThreadID, uint32) {
	return ThreadID(e >> 32), uint32(e)
}

// HappensBeforeClock reports whether e happened-before clock, i.e.
// whether clock has observed at least e's thread's logical time at
// the point e was recorded.
func (e Epoch) HappensBeforeClock(clock *VClock) bool {
	if e == NoEpoch {
		return true
	}
	tid, c := e.Decode()
	return uint64(c) <= clock.Get(tid)
}

func (e Epoch) String() string {
	if e == NoEpoch {
		return "-"
	}
	tid, c := e.Decode()
	return itoa(uint64(tid)) + "@" + itoa(uint64(c))
}
