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
	"os"
	"path/filepath"
	"testing"

	"github.com/mirage-rt/mirage/pkg/mir"
)

func writeProgram(t *testing.T, dir string, p mir.Program) string {
	t.Helper()
	path := filepath.Join(dir, "program.json")
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func trivialProgram(entry string) mir.Program {
	return mir.Program{
		Entry: entry,
		Functions: map[string]*mir.Body{
			entry: {
				Name:     entry,
				ArgCount: 0,
				Locals:   []mir.LocalDecl{{Size: 4, Align: 4}},
				Blocks: []mir.BasicBlock{{
					Terminator: mir.Terminator{Kind: mir.TermReturn},
				}},
			},
		},
	}
}

func TestLoadProgramRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeProgram(t, dir, trivialProgram("main"))

	p, err := loadProgram(path)
	if err != nil {
		t.Fatalf("loadProgram: %v", err)
	}
	if p.Entry != "main" {
		t.Fatalf("Entry = %q, want main", p.Entry)
	}
	if _, ok := p.Functions["main"]; !ok {
		t.Fatalf("Functions missing main")
	}
}

func TestLoadProgramDefaultsEntry(t *testing.T) {
	dir := t.TempDir()
	p := trivialProgram("main")
	p.Entry = ""
	path := writeProgram(t, dir, p)

	got, err := loadProgram(path)
	if err != nil {
		t.Fatalf("loadProgram: %v", err)
	}
	if got.Entry != "main" {
		t.Fatalf("Entry = %q, want main (defaulted)", got.Entry)
	}
}

func TestLoadProgramMissingEntryFunction(t *testing.T) {
	dir := t.TempDir()
	p := trivialProgram("main")
	p.Entry = "start"
	path := writeProgram(t, dir, p)

	if _, err := loadProgram(path); err == nil {
		t.Fatalf("expected an error for a missing entry function")
	}
}

func TestLoadProgramMissingFile(t *testing.T) {
	if _, err := loadProgram(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestResolveConfigAppliesMiriflags(t *testing.T) {
	t.Setenv("MIRIFLAGS", "-Zmiri-seed=42 -Zmiri-tree-borrows")

	cfg, logger, err := resolveConfig("", "debug")
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if logger == nil {
		t.Fatalf("resolveConfig returned a nil logger")
	}
	if cfg.Seed != 42 {
		t.Fatalf("Seed = %d, want 42", cfg.Seed)
	}
}
