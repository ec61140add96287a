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

import "errors"

// These sentinel errors name the memory-engine-local failure modes of
// spec §4.1/§7. pkg/interp maps each to the corresponding
// errors.Kind and attaches the MIR span/backtrace; keeping them as
// plain sentinels here (rather than importing pkg/errors) keeps
// pkg/mem a leaf package with no upward dependency, per spec §9's
// "leaves first" component ordering.
var (
	errDanglingNull         = errors.New("mem: null pointer dereferenced")
	errPointerOutOfBounds   = errors.New("mem: pointer offset outside allocation bounds")
	errDanglingDeref        = errors.New("mem: dereference of a dead allocation")
	errDanglingFree         = errors.New("mem: free of a pointer not resolving to a live allocation")
	errDoubleFree           = errors.New("mem: double free")
	errInvalidDeallocOffset = errors.New("mem: deallocation pointer not at allocation base")
	errInvalidDeallocShape  = errors.New("mem: deallocation size/align mismatch")
	errIncorrectDeallocKind = errors.New("mem: deallocation kind mismatch")
	errUnalignedAccess      = errors.New("mem: unaligned access")
	errWriteToImmutable     = errors.New("mem: write to immutable allocation")
	errOverlappingCopy      = errors.New("mem: nonoverlapping copy with overlapping ranges")
)

// uninitializedReadError reports the first uninitialized byte offset
// touched by a read, so the diagnostic can be precise about where.
type uninitializedReadError struct {
	offset uint64
}

func (e *uninitializedReadError) Error() string { return "mem: read of uninitialized byte" }

// Offset returns the first uninitialized byte offset within the
// allocation that triggered the error.
func (e *uninitializedReadError) Offset() uint64 { return e.offset }

// Classify exposes the sentinel identity of err for callers (notably
// pkg/interp) that need to map a pkg/mem error onto an errors.Kind
// without pkg/mem importing pkg/errors.
func Classify(err error) string {
	switch {
	case errors.Is(err, errDanglingNull), errors.Is(err, errDanglingDeref), errors.Is(err, errDanglingFree):
		return "DanglingPointerDeref"
	case errors.Is(err, errPointerOutOfBounds):
		return "PointerOutOfBounds"
	case errors.Is(err, errDoubleFree):
		return "DoubleFree"
	case errors.Is(err, errInvalidDeallocOffset), errors.Is(err, errInvalidDeallocShape):
		return "InvalidDealloc"
	case errors.Is(err, errIncorrectDeallocKind):
		return "IncorrectDeallocKind"
	case errors.Is(err, errUnalignedAccess):
		return "UnalignedAccess"
	case errors.Is(err, errWriteToImmutable):
		return "InvalidPointerArithmetic"
	case errors.Is(err, errOverlappingCopy):
		return "InvalidPointerArithmetic"
	}
	var uninit *uninitializedReadError
	if errors.As(err, &uninit) {
		return "UninitializedRead"
	}
	return "Unknown"
}
