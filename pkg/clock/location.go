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

// maxInlineReaders is the number of reader epochs a Location tracks
// before promoting to a full VClock. Adapted from the adaptive
// epoch/vector-clock split of the FastTrack algorithm: most locations
// are read by one or two threads between writes, so a handful of
// inline slots covers the common case without a map allocation.
const maxInlineReaders = 4

// Location is the per-byte (or per-atomic-location) access history
// spec §4.4 tracks for data-race detection: the happens-before
// relation between the current access and every prior access must
// hold, or the pair is a race.
type Location struct {
	lastWrite Epoch

	readEpochs  [maxInlineReaders]Epoch
	readerCount int
	readClock   *VClock
}

// NewLocation returns a Location representing a never-accessed byte.
func NewLocation() *Location {
	return &Location{}
}

// RaceError reports a spec §4.4 data race: two unsynchronized,
// conflicting (at least one a write) accesses to the same location
// with no happens-before edge between them.
type RaceError struct {
	Detail string
}

func (e *RaceError) Error() string { return "data race: " + e.Detail }

// Read validates a read by tid (with current clock clock) against
// the location's last write, then records it.
func (l *Location) Read(tid ThreadID, clk *VClock) error {
	if !l.lastWrite.HappensBeforeClock(clk) {
		writer, _ := l.lastWrite.Decode()
		if writer != tid {
			return &RaceError{Detail: "read races with a prior write from another thread"}
		}
	}
	l.recordRead(tid, clk)
	return nil
}

// Write validates a write by tid against the location's last write
// and every recorded reader, then records it (demoting any promoted
// read-sharing state: a write happens-after every prior read).
func (l *Location) Write(tid ThreadID, clk *VClock) error {
	if !l.lastWrite.HappensBeforeClock(clk) {
		writer, _ := l.lastWrite.Decode()
		if writer != tid {
			return &RaceError{Detail: "write races with a prior write from another thread"}
		}
	}
	if l.readClock != nil {
		if !l.readClock.LessOrEqual(clk) {
			return &RaceError{Detail: "write races with a prior read from another thread"}
		}
	} else {
		for i := 0; i < l.readerCount; i++ {
			if !l.readEpochs[i].HappensBeforeClock(clk) {
				reader, _ := l.readEpochs[i].Decode()
				if reader != tid {
					return &RaceError{Detail: "write races with a prior read from another thread"}
				}
			}
		}
	}
	l.lastWrite = MakeEpoch(tid, uint32(clk.Get(tid)))
	l.demoteReads()
	return nil
}

func (l *Location) recordRead(tid ThreadID, clk *VClock) {
	e := MakeEpoch(tid, uint32(clk.Get(tid)))
	if l.readClock != nil {
		l.readClock.Set(tid, clk.Get(tid))
		return
	}
	for i := 0; i < l.readerCount; i++ {
		if existing, _ := l.readEpochs[i].Decode(); existing == tid {
			l.readEpochs[i] = e
			return
		}
	}
	if l.readerCount < maxInlineReaders {
		l.readEpochs[l.readerCount] = e
		l.readerCount++
		return
	}
	l.promote(clk)
	l.readClock.Set(tid, clk.Get(tid))
}

// promote upgrades from inline reader slots to a full VClock once a
// 5th concurrent reader is seen.
func (l *Location) promote(clk *VClock) {
	l.readClock = New()
	for i := 0; i < l.readerCount; i++ {
		tid, c := l.readEpochs[i].Decode()
		l.readClock.Set(tid, uint64(c))
	}
	l.readerCount = 0
}

func (l *Location) demoteReads() {
	l.readerCount = 0
	l.readClock = nil
	for i := range l.readEpochs {
		l.readEpochs[i] = NoEpoch
	}
}
