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

// AliasingError reports a spec §4.3 AliasingViolation(detail): any
// access or retag forbidden by the active aliasing-model state
// machine, whichever variant is in use.
type AliasingError struct {
	Detail string
}

func (e *AliasingError) Error() string { return "aliasing violation: " + e.Detail }
