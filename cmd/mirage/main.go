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

// Command mirage is the thin CLI front-end around the interpreter
// core, explicitly a convenience wrapper rather than part of the
// core's own contract (spec §1, §6). It offers two subcommands: run,
// which executes one program under one seed, and seeds, which
// re-runs a program across a range of seeds using independent
// host-level goroutines — never across a single execution's own
// modeled threads, which stay cooperatively single-threaded per §5.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

// exitCode is set by whichever subcommand actually ran and read by
// main after subcommands.Execute returns, so the process can exit
// with the interpreter's own exit code (spec §6: "0 on clean
// termination... the program's return value otherwise... a dedicated
// nonzero code on detected UB, leak, deadlock, or livelock") instead
// of being boxed into subcommands' three-value ExitStatus enum.
var exitCode int

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&seedsCmd{}, "")

	flag.Parse()
	ctx := context.Background()
	status := subcommands.Execute(ctx)
	if status != subcommands.ExitSuccess {
		os.Exit(int(status))
	}
	os.Exit(exitCode)
}
