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

// Package config holds the single immutable-after-construction
// options object threaded explicitly through the interpreter core, as
// described by spec §6 and §9 ("no global mutable state; the InterpCx
// is threaded through every operation as an explicit owning handle").
package config

// BorrowTrackerMode selects which aliasing-model implementation (if
// any) the interpreter consults on every access and retag.
type BorrowTrackerMode int

const (
	BorrowTrackerOff BorrowTrackerMode = iota
	BorrowTrackerStacked
	BorrowTrackerTree
)

func (m BorrowTrackerMode) String() string {
	switch m {
	case BorrowTrackerOff:
		return "off"
	case BorrowTrackerStacked:
		return "stacked"
	case BorrowTrackerTree:
		return "tree"
	default:
		return "unknown"
	}
}

// AlignmentCheckMode selects how allocate/read/write enforce
// alignment.
type AlignmentCheckMode int

const (
	// AlignNone performs no alignment checking at all.
	AlignNone AlignmentCheckMode = iota
	// AlignInt checks the concrete address's divisibility.
	AlignInt
	// AlignSymbolic tracks alignment as a ghost property independent
	// of the address actually chosen, catching violations that a
	// lucky address roll would otherwise hide.
	AlignSymbolic
)

func (m AlignmentCheckMode) String() string {
	switch m {
	case AlignNone:
		return "none"
	case AlignInt:
		return "int"
	case AlignSymbolic:
		return "symbolic"
	default:
		return "unknown"
	}
}

// SeedRange is an inclusive-exclusive range of seeds to re-run a
// program under, corresponding to spec §6's many_seeds.
type SeedRange struct {
	Lo, Hi uint32
}

// Config is the configuration object described by spec §6, consumed
// once at InterpCx construction.
type Config struct {
	// Validate enables type validity checks on borrow/deref.
	Validate bool `toml:"validate"`

	// BorrowTracker selects the aliasing-model implementation.
	BorrowTracker     BorrowTrackerMode `toml:"-"`
	BorrowTrackerName string            `toml:"borrow_tracker"`

	// CheckAlignment selects the alignment-check mode.
	CheckAlignment     AlignmentCheckMode `toml:"-"`
	CheckAlignmentName string             `toml:"check_alignment"`

	// Communicate allows host-side effects (isolation off).
	Communicate bool `toml:"communicate"`

	// IgnoreLeaks disables the end-of-run leak check.
	IgnoreLeaks bool `toml:"ignore_leaks"`

	// Seed seeds every source of deterministic nondeterminism:
	// address selection, scheduler preemption, weak-memory choice,
	// and cmpxchg_weak spurious failure.
	Seed uint64 `toml:"seed"`

	// TrackedPointerTag, TrackedCallID, and TrackedAllocID are
	// optional singleton identifiers used to filter trace
	// diagnostics down to one object of interest. Zero means unset;
	// HasTracked* disambiguates a real zero value from "unset".
	TrackedPointerTag    uint64 `toml:"tracked_pointer_tag"`
	HasTrackedPointerTag bool   `toml:"-"`
	TrackedCallID        uint64 `toml:"tracked_call_id"`
	HasTrackedCallID     bool   `toml:"-"`
	TrackedAllocID       uint64 `toml:"tracked_alloc_id"`
	HasTrackedAllocID    bool   `toml:"-"`

	// CmpxchgWeakFailureRate is the probability, in [0,1], that a
	// compare_exchange_weak fails spuriously.
	CmpxchgWeakFailureRate float64 `toml:"cmpxchg_weak_failure_rate"`

	// PreemptionRate is the probability, in [0,1], that the scheduler
	// preempts the current thread after a step. 0 means fully
	// deterministic: only explicit yields and blocking switch threads.
	PreemptionRate float64 `toml:"preemption_rate"`

	// WeakMemoryEmulation enables the store-buffer model of §4.5; if
	// false, relaxed/acquire/release atomics behave as SeqCst.
	WeakMemoryEmulation bool `toml:"weak_memory_emulation"`

	// StoreBufferDepth bounds the per-location store-buffer history.
	// Never silently truncated; see SPEC_FULL §4.5.
	StoreBufferDepth int `toml:"store_buffer_depth"`

	// ManySeeds, if non-nil, re-runs the program under every seed in
	// the range instead of just Seed.
	ManySeeds *SeedRange `toml:"many_seeds"`

	// GenMCMode delegates scheduling decisions to an external model
	// checker; see pkg/genmc.
	GenMCMode bool `toml:"genmc_mode"`

	// GenMCAddr is the external model checker's dial address
	// (host:port), consulted only when GenMCMode is set. Empty means
	// "no external checker": pkg/genmc falls back to its single-path
	// local pruning.
	GenMCAddr string `toml:"genmc_addr"`

	// LivelockBudget is the number of consecutive yield-only
	// iterations tolerated before a Livelock diagnostic is raised. 0
	// disables livelock detection.
	LivelockBudget int `toml:"livelock_budget"`

	// ExecutionStepLimit bounds total evaluation-loop steps before
	// ExecutionTimeLimitReached is raised. 0 means unbounded.
	ExecutionStepLimit int `toml:"execution_step_limit"`

	// ExecutionStepsPerSecond throttles step throughput via
	// golang.org/x/time/rate when non-zero, giving
	// ExecutionTimeLimitReached a wall-clock-correlated trigger
	// instead of a pure step count.
	ExecutionStepsPerSecond float64 `toml:"execution_steps_per_second"`

	// PanicOnUnsupported converts Unsupported diagnostics into a Go
	// panic instead of a clean nonzero-exit report, for front-ends
	// that want to fail loudly during development.
	PanicOnUnsupported bool `toml:"panic_on_unsupported"`
}

// Default returns the Config an interpreter should use absent any
// explicit configuration: Stacked Borrows, symbolic alignment
// checking, weak-memory emulation on, a 128-entry store buffer, and a
// zero seed.
func Default() Config {
	return Config{
		Validate:               true,
		BorrowTracker:          BorrowTrackerStacked,
		CheckAlignment:         AlignSymbolic,
		WeakMemoryEmulation:    true,
		StoreBufferDepth:       128,
		CmpxchgWeakFailureRate: 0.8,
		PreemptionRate:         0.01,
		LivelockBudget:         100000,
	}
}

// WithTrackedAllocID returns a copy of c with TrackedAllocID set.
func (c Config) WithTrackedAllocID(id uint64) Config {
	c.TrackedAllocID = id
	c.HasTrackedAllocID = true
	return c
}

// WithTrackedPointerTag returns a copy of c with TrackedPointerTag set.
func (c Config) WithTrackedPointerTag(tag uint64) Config {
	c.TrackedPointerTag = tag
	c.HasTrackedPointerTag = true
	return c
}

// resolveNames maps the TOML-facing string fields onto their typed
// enum counterparts; called after decoding from TOML or env.
func (c *Config) resolveNames() error {
	switch c.BorrowTrackerName {
	case "", "stacked":
		c.BorrowTracker = BorrowTrackerStacked
	case "tree":
		c.BorrowTracker = BorrowTrackerTree
	case "off":
		c.BorrowTracker = BorrowTrackerOff
	default:
		return &UnknownModeError{Field: "borrow_tracker", Value: c.BorrowTrackerName}
	}
	switch c.CheckAlignmentName {
	case "", "symbolic":
		c.CheckAlignment = AlignSymbolic
	case "int":
		c.CheckAlignment = AlignInt
	case "none":
		c.CheckAlignment = AlignNone
	default:
		return &UnknownModeError{Field: "check_alignment", Value: c.CheckAlignmentName}
	}
	return nil
}

// UnknownModeError reports an unrecognized string value for one of
// Config's enum-backed TOML fields.
type UnknownModeError struct {
	Field, Value string
}

func (e *UnknownModeError) Error() string {
	return "config: unknown value " + e.Value + " for " + e.Field
}
