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

package mem

import "testing"

func TestScalarRoundTrip(t *testing.T) {
	tests := map[string]struct {
		v    uint64
		size int
	}{
		"u8":  {0xAB, 1},
		"u16": {0xBEEF, 2},
		"u32": {0xDEADBEEF, 4},
		"u64": {0x0123456789ABCDEF, 8},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := NewUint(tc.v, tc.size)
			mask := uint64(1)<<(uint(tc.size)*8) - 1
			if tc.size == 8 {
				mask = ^uint64(0)
			}
			if got := s.Uint64(); got != tc.v&mask {
				t.Errorf("Uint64() = %x, want %x", got, tc.v&mask)
			}
		})
	}
}

func TestScalarSignExtend(t *testing.T) {
	s := NewInt(-1, 1)
	if got := s.Int64(); got != -1 {
		t.Errorf("Int64() = %d, want -1", got)
	}
}

func TestPointerWithOffsetPreservesProvenance(t *testing.T) {
	p := Pointer{Provenance: ConcreteProvenance(3, 7), Addr: 100}
	q := p.WithOffset(8)
	if q.Provenance != p.Provenance {
		t.Errorf("provenance changed across WithOffset: %+v vs %+v", q.Provenance, p.Provenance)
	}
	if q.Addr != 108 {
		t.Errorf("Addr = %d, want 108", q.Addr)
	}
}
