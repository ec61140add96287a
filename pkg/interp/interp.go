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

// Package interp is the evaluation loop of spec §4.8: it steps
// statements and terminators of the current frame, performs
// type-directed reads/writes through pkg/mem, consults pkg/borrow and
// pkg/clock on every access, routes atomics through pkg/weakmem and
// synchronization calls through pkg/syncprim, and surfaces diagnostics
// through pkg/errors. pkg/scheduler supplies every thread-interleaving
// and nondeterministic-choice decision, so this package owns no
// randomness of its own.
//
// Every local is backed by a real stack allocation rather than an
// optimized SSA-style register representation: this keeps the
// memory, borrow, and race-detection models uniform across "locals"
// and "heap/global data" instead of special-casing locals, at the
// cost of the copy-propagation a production interpreter would do.
package interp

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/mirage-rt/mirage/pkg/borrow"
	"github.com/mirage-rt/mirage/pkg/clock"
	"github.com/mirage-rt/mirage/pkg/config"
	"github.com/mirage-rt/mirage/pkg/errors"
	"github.com/mirage-rt/mirage/pkg/genmc"
	"github.com/mirage-rt/mirage/pkg/log"
	"github.com/mirage-rt/mirage/pkg/mem"
	"github.com/mirage-rt/mirage/pkg/mir"
	"github.com/mirage-rt/mirage/pkg/scheduler"
	"github.com/mirage-rt/mirage/pkg/syncprim"
	"github.com/mirage-rt/mirage/pkg/weakmem"
)

// Frame is spec §3's Frame: the currently executing block/statement
// position of one call, its locals' liveness and backing storage, and
// the bookkeeping needed to resume the caller on return or unwind.
type Frame struct {
	Body  *mir.Body
	Block int
	Stmt  int

	live   []bool
	allocs []mem.AllocID
	// tags is the tag each local's own allocation was minted with;
	// direct (non-deref) accesses to a local use this tag, acting as
	// spec §4.3's "parent" for any reference taken to the local.
	tags []mem.BorrowTag

	// trackedTags are every tag minted by a RvRef/Retag with
	// Protect==true while this frame is executing; EndProtector runs
	// for each when the frame returns or unwinds (spec §4.3.3).
	trackedTags []protectedTag

	caller     *Frame
	callerDest *mir.Place

	unwinding     bool
	cleanupTarget int
	hasCleanup    bool
}

// protectedTag pairs an allocation with a tag protected for the
// lifetime of the frame that minted it, per spec §4.3.3.
type protectedTag struct {
	alloc mem.AllocID
	tag   mem.BorrowTag
}

func newFrame(body *mir.Body, caller *Frame, callerDest *mir.Place) *Frame {
	n := len(body.Locals)
	return &Frame{
		Body:       body,
		live:       make([]bool, n),
		allocs:     make([]mem.AllocID, n),
		tags:       make([]mem.BorrowTag, n),
		caller:     caller,
		callerDest: callerDest,
	}
}

// threadState is the per-thread call stack and liveness bookkeeping
// pkg/scheduler doesn't itself need to know about (spec §3's Frame
// stack lives alongside, not inside, scheduler.Thread).
type threadState struct {
	frames   []*Frame
	finished bool
}

func (ts *threadState) top() *Frame {
	if len(ts.frames) == 0 {
		return nil
	}
	return ts.frames[len(ts.frames)-1]
}

// InterpCx is the explicit owning handle threaded through every
// operation, per spec §9: "no global mutable state; the InterpCx is
// threaded through every operation as an explicit owning handle."
type InterpCx struct {
	cfg     config.Config
	program *mir.Program
	logger  log.Logger

	table   *mem.Table
	tracker borrow.Tracker
	engine  *borrow.Engine
	sched   *scheduler.Scheduler
	weak    *weakmem.Buffer
	syncs   *syncprim.Table
	genmc   genmc.Decider

	threads map[clock.ThreadID]*threadState

	raceLocs    map[mem.AllocID][]*clock.Location
	atomicBytes map[mem.AllocID]map[uint64]bool

	staticRoots map[mem.AllocID]bool

	// tagNames holds guest-assigned pointer names (miri_pointer_name),
	// surfaced in trace logging alongside the tracked-id config knobs.
	tagNames map[mem.BorrowTag]string

	diagnostics []*errors.Diagnostic
	stepCount   int
	callCount   uint64
	limiter     *rate.Limiter

	lastYield bool
}

// New constructs an InterpCx for program under cfg. logger may be nil
// (log.Discard is used).
func New(program *mir.Program, cfg config.Config, logger log.Logger) *InterpCx {
	if logger == nil {
		logger = log.Discard
	}
	var tracker borrow.Tracker
	switch cfg.BorrowTracker {
	case config.BorrowTrackerStacked:
		tracker = borrow.NewStacked()
	case config.BorrowTrackerTree:
		tracker = borrow.NewTree()
	default:
		tracker = borrow.Off{}
	}
	var limiter *rate.Limiter
	if cfg.ExecutionStepsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ExecutionStepsPerSecond), 1)
	}
	var decider genmc.Decider = genmc.Local{}
	if cfg.GenMCMode && cfg.GenMCAddr != "" {
		client, err := genmc.Dial(cfg.GenMCAddr, 10*time.Second, logger)
		if err != nil {
			logger.Warningf("genmc: %v; falling back to single-path local pruning", err)
		} else {
			decider = client
		}
	}
	cx := &InterpCx{
		cfg:         cfg,
		program:     program,
		logger:      logger,
		table:       mem.NewTable(cfg.CheckAlignment, cfg.Seed),
		tracker:     tracker,
		engine:      borrow.NewEngine(),
		sched:       scheduler.New(cfg, logger),
		weak:        weakmem.New(cfg.StoreBufferDepth, logger),
		syncs:       syncprim.NewTable(),
		genmc:       decider,
		threads:     make(map[clock.ThreadID]*threadState),
		raceLocs:    make(map[mem.AllocID][]*clock.Location),
		atomicBytes: make(map[mem.AllocID]map[uint64]bool),
		staticRoots: make(map[mem.AllocID]bool),
		tagNames:    make(map[mem.BorrowTag]string),
		limiter:     limiter,
	}
	return cx
}

// noteAlloc emits a trace line when id matches the configured
// tracked_alloc_id singleton (spec §6's trace-diagnostic knobs).
func (cx *InterpCx) noteAlloc(id mem.AllocID) {
	if cx.cfg.HasTrackedAllocID && uint64(id) == cx.cfg.TrackedAllocID {
		cx.logger.Infof("tracked allocation %d created", id)
	}
}

// noteTag emits a trace line when tag matches tracked_pointer_tag.
func (cx *InterpCx) noteTag(tag mem.BorrowTag) {
	if cx.cfg.HasTrackedPointerTag && uint64(tag) == cx.cfg.TrackedPointerTag {
		if name, ok := cx.tagNames[tag]; ok {
			cx.logger.Infof("tracked tag %d (%q) minted", tag, name)
			return
		}
		cx.logger.Infof("tracked tag %d minted", tag)
	}
}

// noteCall emits a trace line when the monotonically counted call
// matches tracked_call_id.
func (cx *InterpCx) noteCall(callee string) {
	cx.callCount++
	if cx.cfg.HasTrackedCallID && cx.callCount == cx.cfg.TrackedCallID {
		cx.logger.Infof("tracked call %d enters %s", cx.callCount, callee)
	}
}

// Diagnostics returns every diagnostic raised so far, in the order
// raised.
func (cx *InterpCx) Diagnostics() []*errors.Diagnostic { return cx.diagnostics }

// report records a diagnostic, attaching the current thread's
// backtrace and returning it for convenience.
func (cx *InterpCx) report(tid clock.ThreadID, d *errors.Diagnostic) *errors.Diagnostic {
	d.WithBacktrace(cx.backtrace(tid))
	cx.diagnostics = append(cx.diagnostics, d)
	return d
}

func (cx *InterpCx) backtrace(tid clock.ThreadID) []errors.Frame {
	ts := cx.threads[tid]
	if ts == nil {
		return nil
	}
	var out []errors.Frame
	for i := len(ts.frames) - 1; i >= 0; i-- {
		fr := ts.frames[i]
		out = append(out, errors.Frame{FuncName: fr.Body.Name, Span: cx.span(fr).String()})
	}
	return out
}

func (cx *InterpCx) span(fr *Frame) errors.Span {
	return errors.Span{FuncName: fr.Body.Name, BlockIdx: fr.Block, StmtIdx: fr.Stmt}
}

// RunEntry seeds the interpreter's pre-existing thread 0 (spec §4.7:
// the scheduler always starts with thread 0 Runnable) with a call to
// fn and runs the machine to completion, returning the process exit
// code.
func (cx *InterpCx) RunEntry(fn string) int32 {
	body, ok := cx.program.Functions[fn]
	if !ok {
		cx.report(0, errors.New(errors.KindUnsupportedForeignItem, "no such entry function: "+fn, errors.Span{}))
		return 1
	}
	ts := &threadState{}
	fr := newFrame(body, nil, nil)
	ts.frames = append(ts.frames, fr)
	cx.threads[0] = ts
	cx.allocArgsAndReturn(0, fr)
	return cx.Run()
}

// spawnThread creates a brand new thread beginning execution of fn
// with argVals bound to its argument locals, for thread::spawn — the
// typical case being a single pointer shared with the spawner so the
// child can read/write the spawner's data (spec §4.7's "Spawn:
// allocate ThreadId... the child begins in Runnable").
func (cx *InterpCx) spawnThread(spawner clock.ThreadID, fn string, argVals []mem.Scalar) (clock.ThreadID, error) {
	body, ok := cx.program.Functions[fn]
	if !ok {
		return 0, &errors.Diagnostic{Kind: errors.KindUnsupportedForeignItem, Message: "no such function: " + fn}
	}
	th := cx.sched.Spawn(spawner)
	ts := &threadState{}
	fr := newFrame(body, nil, nil)
	ts.frames = append(ts.frames, fr)
	cx.threads[th.ID] = ts
	cx.makeLocalLive(fr, 0)
	for i, v := range argVals {
		local := i + 1
		if local >= len(fr.Body.Locals) {
			break
		}
		cx.makeLocalLive(fr, local)
		decl := fr.Body.Locals[local]
		pl := mir.Place{Local: local, Size: decl.Size, Signed: decl.Signed, Pointer: decl.Pointer}
		if err := cx.writePlace(th.ID, fr, pl, v); err != nil {
			return 0, err
		}
	}
	return th.ID, nil
}

// allocArgsAndReturn gives the return place and every argument local
// of fr live, backing storage, ready for the callee to read its
// arguments and the caller to eventually read the result.
func (cx *InterpCx) allocArgsAndReturn(tid clock.ThreadID, fr *Frame) {
	for i := 0; i <= fr.Body.ArgCount; i++ {
		cx.makeLocalLive(fr, i)
	}
}

func (cx *InterpCx) makeLocalLive(fr *Frame, local int) {
	if fr.live[local] {
		return
	}
	decl := fr.Body.Locals[local]
	align := decl.Align
	if align == 0 {
		// An undeclared alignment defaults to the natural alignment of
		// the local's size, capped at the pointer width, matching the
		// size-derived alignment that scalar reads and writes check.
		align = 1
		for align < mem.PointerSize && decl.Size%(align*2) == 0 {
			align *= 2
		}
	}
	id := cx.table.Allocate(decl.Size, align, mem.KindStack)
	cx.noteAlloc(id)
	tag := cx.engine.Mint()
	cx.noteTag(tag)
	cx.tracker.NewAllocation(id, decl.Size, tag)
	fr.allocs[local] = id
	fr.tags[local] = tag
	fr.live[local] = true
}

func (cx *InterpCx) killLocal(fr *Frame, local int) {
	if !fr.live[local] {
		return
	}
	id := fr.allocs[local]
	a := cx.table.Lookup(id)
	_ = cx.tracker.FreeAllocation(id, fr.tags[local])
	if a != nil {
		a.Dead = true
	}
	fr.live[local] = false
}

// Run drives the scheduler until every thread is Finished, a fatal
// diagnostic is raised, or a machine-stop condition (deadlock,
// livelock, step-limit) is reached. It returns the process exit code
// per spec §6's "Exit codes".
func (cx *InterpCx) Run() int32 {
	for {
		if cx.cfg.ExecutionStepLimit > 0 && cx.stepCount >= cx.cfg.ExecutionStepLimit {
			cx.report(cx.sched.Current().ID, errors.New(errors.KindExecutionTimeLimitReached, "execution step limit reached", errors.Span{}))
			return 1
		}
		tid, reason, stuck := cx.sched.Next(cx.lastYield)
		switch reason {
		case scheduler.StopAllFinished:
			return cx.finishRun()
		case scheduler.StopDeadlock:
			detail := ""
			for _, r := range stuck {
				detail += r.Kind.String() + " "
			}
			cx.report(tid, errors.New(errors.KindDeadlock, "no thread is runnable: "+detail, errors.Span{}))
			return 1
		case scheduler.StopLivelock:
			cx.report(tid, errors.New(errors.KindLivelock, "livelock budget exceeded", errors.Span{}))
			return 1
		}
		if cx.limiter != nil {
			_ = cx.limiter.WaitN(noCancelCtx{}, 1)
		}
		cx.lastYield = false
		cx.stepCount++
		if fatal := cx.step(tid); fatal {
			return exitCodeFor(cx.diagnostics)
		}
		if ts := cx.threads[tid]; ts != nil && ts.finished {
			cx.sched.Finish(tid)
		}
	}
}

func exitCodeFor(ds []*errors.Diagnostic) int32 {
	for _, d := range ds {
		if d.Kind == errors.KindExitCode {
			if code, ok := d.Payload.(int32); ok {
				return code
			}
		}
	}
	return 1
}

// finishRun runs the leak check the initial thread's clean return
// triggers, per spec §4.8's termination step. A program that calls
// exit() never reaches here: that diagnostic is fatal and Run returns
// via exitCodeFor before every thread finishes.
func (cx *InterpCx) finishRun() int32 {
	if !cx.cfg.IgnoreLeaks {
		if leaks := cx.leakCheck(); len(leaks) > 0 {
			for _, d := range leaks {
				cx.report(0, d)
			}
			return 1
		}
	}
	return 0
}

func (cx *InterpCx) leakCheck() []*errors.Diagnostic {
	var out []*errors.Diagnostic
	live := cx.table.LiveAllocIDs()
	for _, id := range live {
		a := cx.table.Lookup(id)
		if a == nil || a.Dead {
			continue
		}
		if a.Kind != mem.KindHeap {
			continue
		}
		if cx.staticRoots[id] {
			continue
		}
		out = append(out, errors.New(errors.KindMemoryLeak, "heap allocation never freed", errors.Span{}).WithAlloc(uint64(id)))
	}
	return out
}

// noCancelCtx satisfies context.Context for rate.Limiter.WaitN without
// pulling in a real cancellation path: the evaluation loop's only
// notion of a deadline is ExecutionStepLimit, already checked above.
type noCancelCtx struct{}

func (noCancelCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noCancelCtx) Done() <-chan struct{}       { return nil }
func (noCancelCtx) Err() error                  { return nil }
func (noCancelCtx) Value(any) any               { return nil }
