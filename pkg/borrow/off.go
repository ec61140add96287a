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

package borrow

import "github.com/mirage-rt/mirage/pkg/mem"

// Off is the Tracker used when borrow_tracker is disabled: every
// operation trivially succeeds. Kept as a real Tracker implementation
// (rather than a nil special case threaded through every call site)
// so pkg/interp never needs to branch on whether tracking is enabled.
type Off struct{}

func (Off) NewAllocation(mem.AllocID, uint64, mem.BorrowTag)                    {}
func (Off) Access(mem.AllocID, uint64, uint64, mem.BorrowTag, AccessKind) error { return nil }
func (Off) Retag(mem.AllocID, uint64, uint64, mem.BorrowTag, mem.BorrowTag, RetagKind, bool) error {
	return nil
}
func (Off) EndProtector(mem.AllocID, mem.BorrowTag) error   { return nil }
func (Off) FreeAllocation(mem.AllocID, mem.BorrowTag) error { return nil }

var _ Tracker = Off{}
