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
	"github.com/mirage-rt/mirage/pkg/mir"
)

// validatePlace recursively checks pl's scalar validity invariant, per
// SPEC_FULL's supplemented validation-pass feature: the MIR front end
// would normally insert a Validate statement at every place whose type
// carries a validity invariant narrower than "any initialized bit
// pattern" (bool, char, references/Box). A plain integer has no
// invariant beyond initialization, which readPlace already enforces,
// so ValidateNone just forces that read.
func (cx *InterpCx) validatePlace(tid clock.ThreadID, fr *Frame, pl mir.Place, kind mir.ValidateKind) error {
	switch kind {
	case mir.ValidateBool:
		v, err := cx.readPlace(tid, fr, pl)
		if err != nil {
			return err
		}
		if u := v.Uint64(); u != 0 && u != 1 {
			return cx.fail(tid, fr, errors.KindInvalidBool, "bool local holds a byte pattern other than 0 or 1").WithPayload(u)
		}
		return nil

	case mir.ValidateChar:
		v, err := cx.readPlace(tid, fr, pl)
		if err != nil {
			return err
		}
		u := v.Uint64()
		if u > 0x10FFFF || (u >= 0xD800 && u <= 0xDFFF) {
			return cx.fail(tid, fr, errors.KindInvalidChar, "char local holds a value outside the Unicode scalar value range").WithPayload(u)
		}
		return nil

	case mir.ValidatePointer:
		v, err := cx.readPlace(tid, fr, pl)
		if err != nil {
			return err
		}
		if v.Ptr.IsNull() {
			return cx.fail(tid, fr, errors.KindInvalidFnPointer, "reference-typed place holds a null pointer")
		}
		return nil

	case mir.ValidateNone:
		_, err := cx.readPlace(tid, fr, pl)
		return err
	}
	return nil
}
