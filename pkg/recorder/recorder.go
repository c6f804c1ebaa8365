/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package recorder implements the Coverage Recorder (spec §4.E):
// record(input) -> ModuleCoverage_delta by spawning the target under a
// Debugger Loop, installing one-shot breakpoints on every allowlisted
// module's block entries, and counting first hits, grounded on
// coverage/src/record.rs's CoverageRecorder.
package recorder

import (
	"context"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/antgroup/fuzzcov/internal/errdefs"
	"github.com/antgroup/fuzzcov/internal/retry"
	"github.com/antgroup/fuzzcov/pkg/block"
	"github.com/antgroup/fuzzcov/pkg/config"
	"github.com/antgroup/fuzzcov/pkg/coverage"
	"github.com/antgroup/fuzzcov/pkg/debugger"
	"github.com/antgroup/fuzzcov/pkg/module"
)

// Loop is the narrow debugger-loop contract the recorder drives: spawn cmd
// under the host debug facility and deliver events to a debugger.EventHandler
// until the tracee terminates. *debugger.Linux and *debugger.Windows both
// satisfy this.
type Loop interface {
	Run(ctx context.Context, cmd *exec.Cmd) (*debugger.Output, error)
}

// Recorded is a single record() call's result: the coverage delta observed
// plus the captured process output, mirroring record.rs's Recorded struct.
type Recorded struct {
	Coverage *coverage.BinaryCoverage
	Output   *debugger.Output
}

// Recorder spawns a target under a Debugger Loop and counts first-hit
// breakpoint events per allowlisted module (spec §4.E), grounded on
// record.rs's CoverageRecorder.
type Recorder struct {
	registry  *module.Registry
	blocks    *block.Cache
	allowlist *config.Allowlist
	newLoop   func(handler debugger.EventHandler) Loop
	retry     retry.Budget
}

// New builds a Recorder. newLoop constructs the platform's Debugger Loop
// (debugger.NewLinux/debugger.NewWindows) wrapping handler; it is injected
// so tests can substitute a fake loop.
func New(registry *module.Registry, blocks *block.Cache, allowlist *config.Allowlist, newLoop func(debugger.EventHandler) Loop, budget retry.Budget) *Recorder {
	return &Recorder{registry: registry, blocks: blocks, allowlist: allowlist, newLoop: newLoop, retry: budget}
}

// Record runs cmdFn once per attempt (a fresh *exec.Cmd each time: an
// *exec.Cmd is single-use) under the debugger loop, installing one-shot
// breakpoints on every allowlisted module's block entries and counting
// first hits into a per-module ModuleCoverage (spec §4.E steps 1-4). It
// retries up to the configured budget on debuggee-startup or breakpoint-
// write failure, preferring partial coverage over discarding a run: a
// crash after breakpoints have been installed still yields valid counters,
// since the handler records into a coverage map that survives Run()
// returning an error.
func (r *Recorder) Record(ctx context.Context, cmdFn func() *exec.Cmd) (*Recorded, error) {
	var result *Recorded

	err := r.retry.Do(ctx, func() error {
		h := newRunHandler(r.registry, r.blocks, r.allowlist)
		loop := r.newLoop(h)

		out, runErr := loop.Run(ctx, cmdFn())

		// A crash or timeout is not a recorder failure: the handler's
		// partial coverage is still meaningful and is returned alongside
		// whatever Output the loop managed to capture (spec §4.E Merge/
		// Retry: "prefer partial coverage over discarding").
		if runErr != nil && !errdefs.IsProtocol(runErr) && !errdefs.IsTransient(runErr) {
			return runErr
		}
		if runErr != nil && out == nil {
			// A protocol/transient failure with no captured output at all
			// (debuggee never started, or died before the loop produced
			// anything) is retry-eligible.
			return runErr
		}

		result = &Recorded{Coverage: h.coverage, Output: out}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "record coverage")
	}

	return result, nil
}

// runHandler is the debugger.EventHandler for a single record() call: it
// resolves each allowlisted module's blocks, installs one-shot breakpoints
// on every block entry, and increments a (module, offset) counter on first
// hit, clearing the trap so a loop body is only ever counted once per
// execution (spec §4.E step 3).
type runHandler struct {
	registry  *module.Registry
	blocks    *block.Cache
	allowlist *config.Allowlist

	coverage *coverage.BinaryCoverage
	// modules maps a Context-visible module base VA to its canonical
	// path and reader, so OnBreakpoint can translate an absolute address
	// back to a module-relative offset.
	modules map[uint64]*recordedModule
}

type recordedModule struct {
	path   string
	reader module.Reader
	mc     coverage.ModuleCoverage
}

func newRunHandler(registry *module.Registry, blocks *block.Cache, allowlist *config.Allowlist) *runHandler {
	return &runHandler{
		registry:  registry,
		blocks:    blocks,
		allowlist: allowlist,
		coverage:  coverage.NewBinaryCoverage(),
		modules:   make(map[uint64]*recordedModule),
	}
}

// OnModuleLoad resolves image's blocks (spec §4.E step 2) and installs a
// one-shot breakpoint at every block entry offset, skipping modules the
// allowlist rejects.
func (h *runHandler) OnModuleLoad(ctx *debugger.Context, image *debugger.ModuleImage) error {
	if !h.allowlist.Match(image.Path) {
		return nil
	}

	canonical := module.CanonicalPath(image.Path)
	reader, err := h.registry.Get(image.Path)
	if err != nil {
		// A module the allowlist wants but that cannot be opened (stripped,
		// deleted between mmap and now) degrades to no coverage for it
		// rather than aborting the whole run.
		return nil
	}

	info, err := reader.DebugInfo()
	if err != nil {
		return errdefs.Environment(err, "read debug info for "+canonical)
	}

	rm := &recordedModule{path: canonical, reader: reader, mc: coverage.ModuleCoverage{}}
	h.modules[image.Base] = rm

	var addrs []uint64
	blockForAddr := make(map[uint64]uint64) // addr -> block entry offset

	for off, fn := range info.Functions {
		blocks, err := h.blocks.GetOrSweep(canonical, off, func() ([]block.Block, error) {
			return block.Sweep(reader, info, fn.Offset, fn.Size, info.ExtraLabels)
		})
		if err != nil {
			return errdefs.Environment(err, "sweep blocks for "+canonical)
		}
		for _, b := range blocks {
			addr := image.Base + b.EntryOffset
			addrs = append(addrs, addr)
			blockForAddr[addr] = b.EntryOffset
		}
	}

	if len(addrs) == 0 {
		return nil
	}

	if _, err := ctx.Breakpoints.BulkInstall(addrs, func(addr uint64) (int, uint64) {
		return 0, blockForAddr[addr]
	}); err != nil {
		return errdefs.Protocol(err, "install block breakpoints for "+canonical)
	}

	return nil
}

// OnBreakpoint increments the hit count for the block the trapped address
// belongs to. The Debugger Loop has already cleared the trap before
// invoking this callback, so each block is counted at most once per
// execution (spec §4.E step 3 "first-hit semantics").
func (h *runHandler) OnBreakpoint(ctx *debugger.Context, addr uint64) error {
	img, ok := ctx.FindImageForAddr(addr)
	if !ok {
		return errdefs.Invariant(errors.Errorf("breakpoint at %#x outside any known module", addr), "")
	}

	rm, ok := h.modules[img.Base]
	if !ok {
		return nil
	}

	off := addr - img.Base
	rm.mc[off] = saturatingIncrement(rm.mc[off])
	h.coverage.Set(rm.path, rm.mc)
	return nil
}

func saturatingIncrement(v uint32) uint32 {
	if v >= coverage.CountMax {
		return coverage.CountMax
	}
	return v + 1
}
