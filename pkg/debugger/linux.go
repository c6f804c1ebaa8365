//go:build linux
// +build linux

/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package debugger

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/antgroup/fuzzcov/internal/errdefs"
	"github.com/antgroup/fuzzcov/pkg/breakpoint"
)

// ptraceWriter implements breakpoint.Writer over a stopped tracee via
// PTRACE_PEEKTEXT/POKETEXT, grounded on debugger.rs's Breakpoints::set/clear
// (which reads and writes through pete::Tracee's memory accessors).
type ptraceWriter struct{ pid int }

func (w *ptraceWriter) ReadMemory(addr uint64, out []byte) error {
	n, err := unix.PtracePeekText(w.pid, uintptr(addr), out)
	if err != nil {
		return errdefs.Protocol(err, "ptrace peektext")
	}
	if n != len(out) {
		return errdefs.Protocol(fmt.Errorf("short peektext: got %d want %d", n, len(out)), "ptrace peektext")
	}
	return nil
}

func (w *ptraceWriter) WriteMemory(addr uint64, data []byte) error {
	n, err := unix.PtracePokeText(w.pid, uintptr(addr), data)
	if err != nil {
		return errdefs.Protocol(err, "ptrace poketext")
	}
	if n != len(data) {
		return errdefs.Protocol(fmt.Errorf("short poketext: got %d want %d", n, len(data)), "ptrace poketext")
	}
	return nil
}

// FlushInstructionCache is a no-op: x86-64's instruction cache is coherent
// with the data cache that PTRACE_POKETEXT just wrote through.
func (w *ptraceWriter) FlushInstructionCache(addr uint64, size int) error { return nil }

// Linux is the ptrace-based Debugger Loop (spec §4.C Linux/ELF variant),
// grounded on coverage/src/record/linux/debugger.rs's Debugger/wait_on_stops.
type Linux struct {
	handler EventHandler
}

// NewLinux returns a loop that delivers events to handler.
func NewLinux(handler EventHandler) *Linux {
	return &Linux{handler: handler}
}

// Run spawns cmd under ptrace and drives the event loop until the tracee
// exits or ctx is done, in which case the whole process group is killed
// (spec §4.C cancellation: "external watchdog SIGKILLs process group").
func (d *Linux) Run(ctx context.Context, cmd *exec.Cmd) (*Output, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}

	var stdout, stderr bytes.Buffer
	if cmd.Stdout == nil {
		cmd.Stdout = &stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = &stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, errdefs.Environment(err, "spawn debuggee")
	}
	pid := cmd.Process.Pid

	// The Go runtime's forkExec, given SysProcAttr.Ptrace, issues
	// PTRACE_TRACEME in the child before execve; the parent observes the
	// resulting group-stop here, the equivalent of continue_to_init_execve.
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		_ = cmd.Process.Kill()
		return nil, errdefs.Protocol(err, "wait for initial execve stop")
	}

	// PTRACE_O_TRACESYSGOOD disambiguates syscall-stop SIGTRAPs (delivered
	// as SIGTRAP|0x80) from breakpoint SIGTRAPs, without which the two
	// would be indistinguishable in the stop-signal switch below. Fork,
	// vfork, and exec event tracing are left off: any further tracee seen
	// is assumed a thread in the root tracee's group (spec §4.C).
	if err := unix.PtraceSetOptions(pid, unix.PTRACE_O_TRACESYSGOOD); err != nil {
		_ = cmd.Process.Kill()
		return nil, errdefs.Protocol(err, "set ptrace options")
	}

	bp := breakpoint.NewManager(&ptraceWriter{pid: pid})
	ctxState := newContext(bp)

	if err := d.updateImages(ctxState, pid); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	var timedOut int32
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			atomic.StoreInt32(&timedOut, 1)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		case <-watchDone:
		}
	}()

	if err := unix.PtraceSyscall(pid, 0); err != nil {
		return nil, errdefs.Protocol(err, "initial restart")
	}

	inSyscall := false
	var lastSignal int
	var exitCode int

loop:
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err != nil {
			if err == unix.ECHILD {
				break loop
			}
			return nil, errdefs.Protocol(err, "wait4")
		}

		switch {
		case ws.Exited():
			exitCode = ws.ExitStatus()
			break loop
		case ws.Signaled():
			lastSignal = int(ws.Signal())
			break loop
		case ws.Stopped():
			sig := ws.StopSignal()
			deliver := 0

			switch {
			case sig == unix.SIGTRAP|0x80:
				inSyscall = !inSyscall
				if !inSyscall {
					if err := d.updateImages(ctxState, pid); err != nil {
						return nil, err
					}
				}
			case sig == unix.SIGTRAP:
				if err := d.handleTrap(ctxState, pid); err != nil {
					return nil, err
				}
			default:
				// Not a debugger-loop event: deliver the signal to the
				// tracee unchanged (e.g. the fatal signal that will
				// terminate it, observed by the wait4 above as ws.Signaled()).
				deliver = int(sig)
			}

			if err := unix.PtraceSyscall(pid, deliver); err != nil {
				if err == unix.ESRCH {
					break loop
				}
				return nil, errdefs.Protocol(err, "ptrace restart")
			}
		}
	}

	close(watchDone)
	_ = cmd.Wait()

	out := &Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Signal:   lastSignal,
		TimedOut: atomic.LoadInt32(&timedOut) == 1,
	}
	if ps := cmd.ProcessState; ps != nil {
		out.ExitCode = ps.ExitCode()
		if sys, ok := ps.Sys().(syscall.WaitStatus); ok {
			if sys.Signaled() {
				out.Signal = int(sys.Signal())
			}
		}
	}
	return out, nil
}

// handleTrap implements debugger.rs's restore_and_call_if_breakpoint: if
// the candidate trap PC names a live breakpoint, restore the original byte,
// rewind the tracee's IP, and invoke the callback as if a hardware
// breakpoint had fired; otherwise log and leave registers untouched.
func (d *Linux) handleTrap(ctxState *Context, pid int) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return errdefs.Protocol(err, "get registers")
	}

	pc := trapPC(&regs)

	cleared, err := ctxState.Breakpoints.Clear(pc)
	if err != nil {
		return errdefs.Protocol(err, "restore breakpoint byte")
	}
	if !cleared {
		logrus.Warnf("debugger: no registered breakpoint for SIGTRAP at %#x", pc)
		return nil
	}

	setPC(&regs, pc)
	if err := unix.PtraceSetRegs(pid, &regs); err != nil {
		return errdefs.Protocol(err, "set registers")
	}

	return d.handler.OnBreakpoint(ctxState, pc)
}

// updateImages re-scans /proc/<pid>/maps, coalesces consecutive same-
// pathname mappings into ModuleImages (debugger.rs's Images::update), and
// invokes on_module_load for every newly observed image.
func (d *Linux) updateImages(ctxState *Context, pid int) error {
	entries, err := readProcMaps(pid)
	if err != nil {
		return errdefs.Protocol(err, "read proc maps")
	}

	newImages := groupMaps(entries)
	loaded := diffImages(ctxState.images, newImages)
	ctxState.images = newImages

	for _, img := range loaded {
		if err := d.handler.OnModuleLoad(ctxState, img); err != nil {
			return err
		}
	}
	return nil
}

type mapEntry struct {
	start, end uint64
	perms      string
	pathname   string
}

// readProcMaps parses /proc/<pid>/maps: "start-end perms offset dev inode [pathname]".
func readProcMaps(pid int) ([]mapEntry, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []mapEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		rng := strings.SplitN(fields[0], "-", 2)
		if len(rng) != 2 {
			continue
		}
		start, errA := strconv.ParseUint(rng[0], 16, 64)
		end, errB := strconv.ParseUint(rng[1], 16, 64)
		if errA != nil || errB != nil {
			continue
		}

		path := ""
		if len(fields) >= 6 {
			path = strings.Join(fields[5:], " ")
		}

		entries = append(entries, mapEntry{start: start, end: end, perms: fields[1], pathname: path})
	}
	return entries, sc.Err()
}

// groupMaps coalesces consecutive mapEntry runs sharing a pathname into one
// ModuleImage each, discarding anonymous mappings (empty pathname or a
// bracketed pseudo-path like [heap]/[vdso]) and groups with no executable
// region (debugger.rs's ModuleImage::new validation).
func groupMaps(entries []mapEntry) map[uint64]*ModuleImage {
	out := make(map[uint64]*ModuleImage)

	var group []mapEntry
	flush := func() {
		if len(group) == 0 {
			return
		}
		if img, ok := moduleImageFromGroup(group); ok {
			out[img.Base] = img
		}
		group = nil
	}

	for _, e := range entries {
		if len(group) > 0 && group[len(group)-1].pathname != e.pathname {
			flush()
		}
		group = append(group, e)
	}
	flush()

	return out
}

func moduleImageFromGroup(group []mapEntry) (*ModuleImage, bool) {
	path := group[0].pathname
	if path == "" || strings.HasPrefix(path, "[") {
		return nil, false
	}

	hasExec := false
	regions := make([]Region, 0, len(group))
	for _, e := range group {
		if strings.Contains(e.perms, "x") {
			hasExec = true
		}
		regions = append(regions, Region{Start: e.start, End: e.end})
	}
	if !hasExec {
		return nil, false
	}

	return &ModuleImage{Base: group[0].start, Path: path, Regions: regions}, true
}
