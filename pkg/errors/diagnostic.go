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
	"fmt"
	"strings"

	"github.com/davecgh/go-spew/spew"
)

// Frame is one entry of a backtrace, naming the function and MIR
// span the evaluator was executing.
type Frame struct {
	FuncName string
	Span     string
}

// Span locates a single MIR statement or terminator within a function
// body, for attaching to a Diagnostic.
type Span struct {
	FuncName string
	BlockIdx int
	StmtIdx  int
}

func (s Span) String() string {
	return fmt.Sprintf("%s:bb%d[%d]", s.FuncName, s.BlockIdx, s.StmtIdx)
}

// kindsWantingValueDump are the Kinds for which the diagnostic
// includes a dump of the offending payload, per SPEC_FULL's §7
// expansion.
var kindsWantingValueDump = map[Kind]bool{
	KindInvalidBool:          true,
	KindInvalidDiscriminant:  true,
	KindInvalidChar:          true,
	KindMixedSizeAtomic:      true,
	KindMixedAtomicNonAtomic: true,
}

// Diagnostic is the fully rendered report surfaced for one Kind,
// carrying everything spec §7 requires: a backtrace across every
// frame of the offending thread, the allocation and tag involved
// when applicable, and the MIR span.
type Diagnostic struct {
	Kind      Kind
	Message   string
	Backtrace []Frame
	Span      Span

	// AllocID and Tag are optional; zero values mean "not applicable".
	HasAlloc bool
	AllocID  uint64
	HasTag   bool
	Tag      uint64

	// Payload is the offending scalar/byte-range value, dumped via
	// go-spew when Kind is in kindsWantingValueDump.
	Payload any
}

// New constructs a Diagnostic for kind with a human message.
func New(kind Kind, msg string, span Span) *Diagnostic {
	return &Diagnostic{Kind: kind, Message: msg, Span: span}
}

// WithAlloc attaches allocation identity to the diagnostic.
func (d *Diagnostic) WithAlloc(id uint64) *Diagnostic {
	d.HasAlloc = true
	d.AllocID = id
	return d
}

// WithTag attaches a borrow tag to the diagnostic.
func (d *Diagnostic) WithTag(tag uint64) *Diagnostic {
	d.HasTag = true
	d.Tag = tag
	return d
}

// WithPayload attaches the offending value for kinds that want a
// rendered dump.
func (d *Diagnostic) WithPayload(v any) *Diagnostic {
	d.Payload = v
	return d
}

// WithBacktrace records the full frame stack of the executing thread
// at the moment the diagnostic was raised, innermost frame first.
func (d *Diagnostic) WithBacktrace(frames []Frame) *Diagnostic {
	d.Backtrace = frames
	return d
}

// Error implements the error interface so Diagnostic can be returned
// and propagated by ordinary Go error-handling plumbing even though
// its fields carry structured detail beyond a message string.
func (d *Diagnostic) Error() string {
	return d.Render()
}

// Render produces the full human-readable diagnostic text: the
// message, location, optional allocation/tag identity, a backtrace,
// and — for kinds that warrant it — a go-spew dump of the offending
// value.
func (d *Diagnostic) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s at %s", d.Kind, d.Message, d.Span)
	if d.HasAlloc {
		fmt.Fprintf(&b, " (alloc %d)", d.AllocID)
	}
	if d.HasTag {
		fmt.Fprintf(&b, " (tag %d)", d.Tag)
	}
	for i, f := range d.Backtrace {
		fmt.Fprintf(&b, "\n  #%d %s at %s", i, f.FuncName, f.Span)
	}
	if kindsWantingValueDump[d.Kind] && d.Payload != nil {
		b.WriteString("\noffending value:\n")
		b.WriteString(spew.Sdump(d.Payload))
	}
	return b.String()
}
