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

package errors

import (
	"strings"
	"testing"
)

func TestKindClass(t *testing.T) {
	tests := map[string]struct {
		kind  Kind
		class Class
		fatal bool
	}{
		"dangling deref is UB":       {KindDanglingPointerDeref, ClassUB, true},
		"data race is UB":            {KindDataRace, ClassUB, true},
		"deadlock is machine stop":   {KindDeadlock, ClassMachineStop, true},
		"leak is machine stop":       {KindMemoryLeak, ClassMachineStop, true},
		"foreign item unsupported":   {KindUnsupportedForeignItem, ClassUnsupported, false},
		"time limit is resource":     {KindExecutionTimeLimitReached, ClassResource, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := tc.kind.Class(); got != tc.class {
				t.Errorf("%v.Class() = %v, want %v", tc.kind, got, tc.class)
			}
			if got := tc.kind.Fatal(); got != tc.fatal {
				t.Errorf("%v.Fatal() = %v, want %v", tc.kind, got, tc.fatal)
			}
		})
	}
}

func TestDiagnosticRender(t *testing.T) {
	d := New(KindInvalidBool, "read byte 0x02 as bool", Span{FuncName: "main", BlockIdx: 1, StmtIdx: 2}).
		WithAlloc(7).
		WithTag(3).
		WithPayload(byte(0x02)).
		WithBacktrace([]Frame{{FuncName: "main", Span: "main:bb1[2]"}})

	out := d.Render()
	for _, want := range []string{"InvalidBool", "alloc 7", "tag 3", "main:bb1[2]", "offending value"} {
		if !strings.Contains(out, want) {
			t.Errorf("Render() missing %q in:\n%s", want, out)
		}
	}
}

func TestDiagnosticIsError(t *testing.T) {
	var err error = New(KindDeadlock, "no runnable threads", Span{FuncName: "main"})
	if err.Error() == "" {
		t.Fatal("expected non-empty error string")
	}
}
