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

package log

import "testing"

func TestNewLevels(t *testing.T) {
	for _, lvl := range []Level{Warning, Info, Debug} {
		l := New(lvl)
		l.Infof("hello %d", 1)
		l.Debugf("hello %d", 1)
		l.Warningf("hello %d", 1)
		l.Traceback("assertion %s", "failed")
	}
}

func TestDiscard(t *testing.T) {
	Discard.Infof("should not panic")
}
