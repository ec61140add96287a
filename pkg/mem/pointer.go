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

import "strconv"

// AllocID uniquely and monotonically identifies a live or dead
// allocation; ids are never reused (spec §3 invariant).
type AllocID uint64

// BorrowTag is a monotonically assigned identifier minted on retag,
// per spec §3. It's defined here (rather than in pkg/borrow) because
// Pointer, which lives in this package, embeds one; pkg/borrow
// imports this package, not the reverse.
type BorrowTag uint64

func (t BorrowTag) String() string { return "tag#" + strconv.FormatUint(uint64(t), 10) }

// ProvKind discriminates the three provenance shapes of spec §4.2.
type ProvKind int

const (
	// ProvNone marks an integer-origin pointer.
	ProvNone ProvKind = iota
	// ProvConcrete marks a pointer derived from a specific allocation
	// with a specific borrow tag.
	ProvConcrete
	// ProvWildcard marks a pointer known to belong to an allocation
	// but whose exact tag isn't tracked.
	ProvWildcard
)

func (k ProvKind) String() string {
	switch k {
	case ProvNone:
		return "None"
	case ProvConcrete:
		return "Concrete"
	case ProvWildcard:
		return "Wildcard"
	default:
		return "Unknown"
	}
}

// Provenance is the non-address part of a pointer value.
type Provenance struct {
	Kind    ProvKind
	AllocID AllocID   // meaningful for ProvConcrete and ProvWildcard
	Tag     BorrowTag // meaningful for ProvConcrete only
}

// NoProvenance is the zero value, representing an integer-origin
// pointer with no allocation affiliation.
var NoProvenance = Provenance{Kind: ProvNone}

// ConcreteProvenance builds a Concrete provenance.
func ConcreteProvenance(id AllocID, tag BorrowTag) Provenance {
	return Provenance{Kind: ProvConcrete, AllocID: id, Tag: tag}
}

// WildcardProvenance builds a Wildcard provenance.
func WildcardProvenance(id AllocID) Provenance {
	return Provenance{Kind: ProvWildcard, AllocID: id}
}

// Pointer is {provenance, address} per spec §3/§4.2.
type Pointer struct {
	Provenance Provenance
	Addr       uint64
}

// WithOffset returns p advanced by delta bytes. Provenance is
// preserved regardless of whether the result still falls within the
// originating allocation's bounds (spec §4.2: arithmetic that leaves
// bounds is permitted, but the resulting pointer is inert on
// dereference).
func (p Pointer) WithOffset(delta int64) Pointer {
	return Pointer{Provenance: p.Provenance, Addr: uint64(int64(p.Addr) + delta)}
}

// IsNull reports whether p has the null address; null pointers may
// carry any provenance (including none) but can never be
// dereferenced.
func (p Pointer) IsNull() bool { return p.Addr == 0 }
