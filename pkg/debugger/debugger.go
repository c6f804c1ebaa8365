/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package debugger implements the Debugger Loop (spec §4.C): spawn a target
// under the host's native debug facility and deliver module-load and
// breakpoint-hit events to a caller-supplied handler. Exceptions and process
// exit are not delivered to the handler; their outcome (exit code, signal,
// exception code, timeout) is returned in Output when the run ends.
// linux.go holds the ptrace/ELF variant, windows.go the Win32/PE variant;
// this file holds the event-handler contract and state shared by both.
package debugger

import "github.com/antgroup/fuzzcov/pkg/breakpoint"

// EventHandler reacts to debug events raised while a target runs under a
// Debugger Loop, mirroring the Rust DebugEventHandler trait's two callbacks.
type EventHandler interface {
	// OnModuleLoad fires once per newly mapped, file-backed, executable
	// image (consecutive same-pathname mappings coalesced into one).
	OnModuleLoad(ctx *Context, image *ModuleImage) error
	// OnBreakpoint fires after the trap byte at addr has already been
	// restored and the tracee's instruction pointer rewound to addr, so
	// the handler sees the state it would see from a hardware breakpoint.
	OnBreakpoint(ctx *Context, addr uint64) error
}

// Region is a contiguous, file-backed, executable address range within a
// ModuleImage.
type Region struct {
	Start, End uint64
}

// ModuleImage is a loaded module's set of mapped regions, grounded on
// debugger.rs's ModuleImage (a MemoryMap group known to be file-backed and
// executable).
type ModuleImage struct {
	Base uint64
	Path string
	// Regions is the module's mapped address ranges, increasing by Start.
	Regions []Region
}

// Contains reports whether addr falls inside any of the image's regions.
func (m *ModuleImage) Contains(addr uint64) bool {
	for _, r := range m.Regions {
		if addr >= r.Start && addr < r.End {
			return true
		}
	}
	return false
}

// Context is the state threaded through a single debugger-loop run, the Go
// analogue of the Rust DebuggerContext: the live breakpoint set and the
// most recently observed module-image index for one tracee.
type Context struct {
	Breakpoints *breakpoint.Manager
	images      map[uint64]*ModuleImage
}

func newContext(bp *breakpoint.Manager) *Context {
	return &Context{Breakpoints: bp, images: make(map[uint64]*ModuleImage)}
}

// NewContext builds a Context bound to bp. Exported so an EventHandler can
// be driven without a full OS debugger loop (recorder and crashobserver
// tests; a future non-ptrace Loop implementation).
func NewContext(bp *breakpoint.Manager) *Context {
	return newContext(bp)
}

// AddImage records img as an observed module image, the same bookkeeping a
// Debugger Loop performs when it delivers the corresponding OnModuleLoad
// event.
func (c *Context) AddImage(img *ModuleImage) {
	c.images[img.Base] = img
}

// FindImageForAddr returns the image containing addr, if the loop has
// observed it.
func (c *Context) FindImageForAddr(addr uint64) (*ModuleImage, bool) {
	for _, img := range c.images {
		if img.Contains(addr) {
			return img, true
		}
	}
	return nil, false
}

// diffImages returns the images present in new but absent (by base address
// and path) from old, mirroring debugger.rs's LoadEvents::new loaded side.
// Unload events are not surfaced: no component needs them (spec §4.C only
// names on_module_load among its callbacks).
func diffImages(old, new map[uint64]*ModuleImage) []*ModuleImage {
	var loaded []*ModuleImage
	for base, img := range new {
		if o, ok := old[base]; !ok || o.Path != img.Path {
			loaded = append(loaded, img)
		}
	}
	return loaded
}

// Exception codes the Crash Observer (spec §4.F step 2) classifies from
// Output.ExceptionCode.
const (
	// SanitizerSEHCode is the SEH exception code ASan/UBSan raise on
	// Windows ("Esan" read as an ASCII exception code), spec §4.F step 2.
	SanitizerSEHCode = 0xe073616e
	// FastFailCode is RtlFailFast's exception code (__fastfail / abort()
	// on recent MSVC runtimes), spec §4.F step 2.
	FastFailCode = 0xc0000409
)

// Output is the captured result of a completed debugger-loop run.
type Output struct {
	Stdout string
	Stderr string
	// ExitCode is the process's exit code when it exited normally.
	ExitCode int
	// Signal is the terminating signal number (Linux) or 0 if the process
	// exited normally or was not signalled.
	Signal int
	// ExceptionCode is the terminating Win32 exception code, or 0.
	ExceptionCode uint32
	// TimedOut is true if the caller's context deadline fired before the
	// debuggee reached a terminal state (spec §4.F decision step 1).
	TimedOut bool
}
