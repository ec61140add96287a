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
	"github.com/mirage-rt/mirage/pkg/clock"
	"github.com/mirage-rt/mirage/pkg/errors"
	"github.com/mirage-rt/mirage/pkg/mem"
)

// memKindByName maps pkg/mem.Classify's sentinel-name strings onto
// this package's errors.Kind, keeping pkg/mem free of an upward
// dependency on pkg/errors (spec §9's "leaves first" ordering) while
// letting the evaluation loop render a full Diagnostic.
var memKindByName = map[string]errors.Kind{
	"DanglingPointerDeref":     errors.KindDanglingPointerDeref,
	"PointerOutOfBounds":       errors.KindPointerOutOfBounds,
	"DoubleFree":               errors.KindDoubleFree,
	"InvalidDealloc":           errors.KindInvalidDealloc,
	"IncorrectDeallocKind":     errors.KindIncorrectDeallocKind,
	"UnalignedAccess":          errors.KindUnalignedAccess,
	"InvalidPointerArithmetic": errors.KindInvalidPointerArithmetic,
	"UninitializedRead":        errors.KindUninitializedRead,
}

// fail constructs a Diagnostic located at fr's current statement and
// records it as fatal via the caller's return path (callers return
// the *errors.Diagnostic as their error value; step.go's driver
// recognizes *errors.Diagnostic and treats it as fatal per its Kind).
func (cx *InterpCx) fail(tid clock.ThreadID, fr *Frame, kind errors.Kind, msg string) *errors.Diagnostic {
	span := errors.Span{}
	if fr != nil {
		span = cx.span(fr)
	}
	return errors.New(kind, msg, span)
}

// wrapMemErr translates a pkg/mem error into a located Diagnostic.
func (cx *InterpCx) wrapMemErr(tid clock.ThreadID, fr *Frame, err error) error {
	if d, ok := err.(*errors.Diagnostic); ok {
		return d
	}
	name := mem.Classify(err)
	kind, ok := memKindByName[name]
	if !ok {
		kind = errors.KindInvalidPointerArithmetic
	}
	return cx.fail(tid, fr, kind, err.Error())
}

// taggedDiag attaches allocation identity, and the offending tag when
// ptr carries Concrete provenance, to d.
func (cx *InterpCx) taggedDiag(d *errors.Diagnostic, a *mem.Allocation, ptr mem.Pointer) *errors.Diagnostic {
	d.WithAlloc(uint64(a.ID))
	if ptr.Provenance.Kind == mem.ProvConcrete {
		d.WithTag(uint64(ptr.Provenance.Tag))
	}
	return d
}
