//go:build windows
// +build windows

/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package debugger

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"

	"github.com/antgroup/fuzzcov/internal/errdefs"
	"github.com/antgroup/fuzzcov/pkg/breakpoint"
)

var (
	kernel32                   = windows.NewLazySystemDLL("kernel32.dll")
	procWaitForDebugEvent      = kernel32.NewProc("WaitForDebugEvent")
	procContinueDebugEvent     = kernel32.NewProc("ContinueDebugEvent")
	procDebugActiveProcessStop = kernel32.NewProc("DebugActiveProcessStop")
)

// debugOnlyThisProcess is DEBUG_ONLY_THIS_PROCESS (winbase.h): trace the
// spawned process without also tracing any children it creates.
const debugOnlyThisProcess = 0x00000002

// Win32 debug-event codes (winbase.h).
const (
	evtException     = 1
	evtCreateThread  = 2
	evtCreateProcess = 3
	evtExitThread    = 4
	evtExitProcess   = 5
	evtLoadDLL       = 6
	evtUnloadDLL     = 7
	evtOutputDebug   = 8
	evtRIP           = 9
)

// Continuation statuses passed back to ContinueDebugEvent.
const (
	dbgContinue            = 0x00010002
	dbgExceptionNotHandled = 0x80010001
)

// Exception codes the Debugger Loop itself looks at: it only distinguishes
// a plain breakpoint from anything else so it can decide whether to invoke
// OnBreakpoint. The codes the crash observer classifies live in debugger.go.
const (
	exceptionBreakpoint = 0x80000003
	exceptionSingleStep = 0x80000004
)

// exceptionDebugInfo mirrors the fixed-size prefix of EXCEPTION_DEBUG_INFO
// this loop needs: the exception record's code, flags, faulting address,
// and whether the debugger has already seen it once (first-chance).
type exceptionDebugInfo struct {
	exceptionCode        uint32
	exceptionFlags       uint32
	exceptionAddress     uint64
	firstChance          uint32
}

// debugEvent is a hand-trimmed DEBUG_EVENT: the fixed header plus a byte
// buffer wide enough to hold any variant this loop actually reads fields
// out of (EXCEPTION_DEBUG_INFO, LOAD_DLL_DEBUG_INFO, CREATE_PROCESS_DEBUG_INFO).
type debugEvent struct {
	code      uint32
	processID uint32
	threadID  uint32
	info      [96]byte
}

func (e *debugEvent) exceptionInfo() exceptionDebugInfo {
	return exceptionDebugInfo{
		exceptionCode:    *(*uint32)(unsafe.Pointer(&e.info[0])),
		exceptionFlags:   *(*uint32)(unsafe.Pointer(&e.info[4])),
		exceptionAddress: *(*uint64)(unsafe.Pointer(&e.info[16])),
		firstChance:      *(*uint32)(unsafe.Pointer(&e.info[24])),
	}
}

// imageBase reads the hFile-relative lpBaseOfImage/lpBaseOfDll field shared
// by CREATE_PROCESS_DEBUG_INFO and LOAD_DLL_DEBUG_INFO, both of which place
// it as the second pointer-sized field in the struct.
func (e *debugEvent) imageBase() uint64 {
	return *(*uint64)(unsafe.Pointer(&e.info[8]))
}

// processHandle reads CREATE_PROCESS_DEBUG_INFO's leading hProcess field.
func (e *debugEvent) processHandle() windows.Handle {
	return windows.Handle(*(*uintptr)(unsafe.Pointer(&e.info[0])))
}

func waitForDebugEvent(ev *debugEvent, timeoutMillis uint32) error {
	r, _, err := procWaitForDebugEvent.Call(uintptr(unsafe.Pointer(ev)), uintptr(timeoutMillis))
	if r == 0 {
		return err
	}
	return nil
}

func continueDebugEvent(pid, tid uint32, status uint32) error {
	r, _, err := procContinueDebugEvent.Call(uintptr(pid), uintptr(tid), uintptr(status))
	if r == 0 {
		return err
	}
	return nil
}

// peWriter implements breakpoint.Writer via ReadProcessMemory/
// WriteProcessMemory/FlushInstructionCache against a live debuggee handle.
type peWriter struct{ handle windows.Handle }

func (w *peWriter) ReadMemory(addr uint64, out []byte) error {
	var n uintptr
	if err := windows.ReadProcessMemory(w.handle, uintptr(addr), &out[0], uintptr(len(out)), &n); err != nil {
		return errdefs.Protocol(err, "ReadProcessMemory")
	}
	if int(n) != len(out) {
		return errdefs.Protocol(fmt.Errorf("short read: got %d want %d", n, len(out)), "ReadProcessMemory")
	}
	return nil
}

func (w *peWriter) WriteMemory(addr uint64, data []byte) error {
	var n uintptr
	if err := windows.WriteProcessMemory(w.handle, uintptr(addr), &data[0], uintptr(len(data)), &n); err != nil {
		return errdefs.Protocol(err, "WriteProcessMemory")
	}
	if int(n) != len(data) {
		return errdefs.Protocol(fmt.Errorf("short write: got %d want %d", n, len(data)), "WriteProcessMemory")
	}
	return nil
}

func (w *peWriter) FlushInstructionCache(addr uint64, size int) error {
	return windows.FlushInstructionCache(w.handle, unsafe.Pointer(uintptr(addr)), uintptr(size))
}

// Windows is the Win32 debug-API Debugger Loop (spec §4.C PE variant):
// modules come from CREATE_PROCESS/LOAD_DLL events rather than a /proc/maps
// scan. The executable is named by the lower-cased base name of cmd.Path;
// a DLL is named "dll-<load address>", not by its file name. Breakpoints
// are set at absolute addresses and are not re-resolved after loading.
type Windows struct {
	handler EventHandler
}

// NewWindows returns a loop that delivers events to handler.
func NewWindows(handler EventHandler) *Windows {
	return &Windows{handler: handler}
}

// Run launches cmd under DEBUG_ONLY_THIS_PROCESS and drives the Win32
// debug-event loop until the process exits or ctx is done, in which case
// the caller's controlled-termination path (TerminateProcess) runs and this
// call joins the loop before returning.
func (d *Windows) Run(ctx context.Context, cmd *exec.Cmd) (*Output, error) {
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: debugOnlyThisProcess}

	if err := cmd.Start(); err != nil {
		return nil, errdefs.Environment(err, "spawn debuggee")
	}
	pid := uint32(cmd.Process.Pid)

	var timedOut int32
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			atomic.StoreInt32(&timedOut, 1)
			_ = cmd.Process.Kill()
		case <-done:
		}
	}()
	defer close(done)

	var bp *breakpoint.Manager
	ctxState := newContext(nil)

	exitCode := 0
	var exceptionCode uint32

loop:
	for {
		var ev debugEvent
		if err := waitForDebugEvent(&ev, 0xFFFFFFFF); err != nil {
			return nil, errdefs.Protocol(err, "WaitForDebugEvent")
		}

		status := uint32(dbgContinue)

		switch ev.code {
		case evtCreateProcess:
			bp = breakpoint.NewManager(&peWriter{handle: ev.processHandle()})
			ctxState.Breakpoints = bp

			name := d.resolveImageName(cmd, ev.processID)
			base := ev.imageBase()
			img := &ModuleImage{Base: base, Path: name, Regions: []Region{{Start: base, End: base + 1}}}
			merged := mergeImage(ctxState.images, img)
			loaded := diffImages(ctxState.images, merged)
			ctxState.images = merged
			for _, li := range loaded {
				if err := d.handler.OnModuleLoad(ctxState, li); err != nil {
					return nil, err
				}
			}

		case evtLoadDLL:
			name := fmt.Sprintf("dll-%#x", ev.imageBase())
			base := ev.imageBase()
			img := &ModuleImage{Base: base, Path: name, Regions: []Region{{Start: base, End: base + 1}}}
			merged := mergeImage(ctxState.images, img)
			loaded := diffImages(ctxState.images, merged)
			ctxState.images = merged
			for _, li := range loaded {
				if err := d.handler.OnModuleLoad(ctxState, li); err != nil {
					return nil, err
				}
			}

		case evtException:
			info := ev.exceptionInfo()
			exceptionCode = info.exceptionCode

			if info.exceptionCode == exceptionBreakpoint {
				if bp != nil {
					if cleared, err := bp.Clear(info.exceptionAddress); err == nil && cleared {
						if err := d.handler.OnBreakpoint(ctxState, info.exceptionAddress); err != nil {
							return nil, err
						}
						break
					}
				}
				logrus.Warnf("debugger: no registered breakpoint for exception at %#x", info.exceptionAddress)
				break
			}

			// Sanitizer SEH and fast-fail exceptions, and everything else
			// that is not a breakpoint, are left for the crash observer to
			// classify from the terminating exception code (spec §4.F);
			// this loop only needs to keep the debuggee running.
			status = dbgExceptionNotHandled

		case evtExitProcess:
			exitCode = int(*(*uint32)(unsafe.Pointer(&ev.info[0])))
			_ = continueDebugEvent(ev.processID, ev.threadID, dbgContinue)
			break loop
		}

		if err := continueDebugEvent(ev.processID, ev.threadID, status); err != nil {
			return nil, errdefs.Protocol(err, "ContinueDebugEvent")
		}
	}

	_ = cmd.Wait()

	out := &Output{
		ExitCode:      exitCode,
		ExceptionCode: exceptionCode,
		TimedOut:      atomic.LoadInt32(&timedOut) == 1,
	}
	return out, nil
}

// resolveImageName falls back to the configured executable's base name: the
// LOAD_DLL/CREATE_PROCESS event's file handle can be resolved to a path via
// GetFinalPathNameByHandle, but the common case (the target binary itself)
// is already known from the spawn request.
func (d *Windows) resolveImageName(cmd *exec.Cmd, pid uint32) string {
	if cmd.Path != "" {
		return strings.ToLower(filepath.Base(cmd.Path))
	}
	return fmt.Sprintf("pid-%d", pid)
}

func mergeImage(images map[uint64]*ModuleImage, img *ModuleImage) map[uint64]*ModuleImage {
	out := make(map[uint64]*ModuleImage, len(images)+1)
	for k, v := range images {
		out[k] = v
	}
	out[img.Base] = img
	return out
}

// DebugActiveProcessStop detaches from pid, used by a supervisor that wants
// to stop tracing without killing the debuggee (not exercised by the
// recorder, which always runs a debuggee to completion or kills it).
func DebugActiveProcessStop(pid uint32) error {
	r, _, err := procDebugActiveProcessStop.Call(uintptr(pid))
	if r == 0 {
		return err
	}
	return nil
}
