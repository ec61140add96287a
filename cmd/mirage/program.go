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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mirage-rt/mirage/pkg/mir"
)

// loadProgram decodes a JSON-encoded mir.Program from path. The
// compilation pipeline that would normally lower source code into
// MIR is out of the core's scope (spec §1); this CLI only accepts
// already-lowered programs, the same boundary SPEC_FULL.md draws
// around cmd/mirage as "a thin CLI front-end... not part of the
// core's contract".
func loadProgram(path string) (*mir.Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mirage: opening program %q: %w", path, err)
	}
	defer f.Close()

	var p mir.Program
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("mirage: decoding program %q: %w", path, err)
	}
	if p.Entry == "" {
		p.Entry = "main"
	}
	if _, ok := p.Functions[p.Entry]; !ok {
		return nil, fmt.Errorf("mirage: program %q has no entry function %q", path, p.Entry)
	}
	return &p, nil
}
