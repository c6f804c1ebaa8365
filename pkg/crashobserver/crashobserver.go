/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package crashobserver implements the Crash Observer (spec §4.F): the
// five-step ordered decision classifying a completed run as timed out,
// crashed, or clean, consuming pkg/crashlog's parse of stderr/the ASAN log.
package crashobserver

import (
	"os"

	"github.com/antgroup/fuzzcov/pkg/crashlog"
	"github.com/antgroup/fuzzcov/pkg/debugger"
)

// Verdict is the observer's classification of a single run.
type Verdict int

const (
	Clean Verdict = iota
	Crashed
	TimedOut
)

func (v Verdict) String() string {
	switch v {
	case Crashed:
		return "crashed"
	case TimedOut:
		return "timed-out"
	default:
		return "clean"
	}
}

// elfCrashSignals is the crashing-signal set spec §4.F step 2 names for the
// Linux/ELF variant.
var elfCrashSignals = map[int]bool{
	4:  true, // SIGILL
	8:  true, // SIGFPE
	11: true, // SIGSEGV
	7:  true, // SIGBUS
	5:  true, // SIGTRAP
	6:  true, // SIGABRT
}

// peExceptionTable is the PE variant's classification table: sanitizer SEH,
// fast-fail, and AppVerifier stop codes.
var peExceptionTable = map[uint32]string{
	debugger.SanitizerSEHCode: "sanitizer",
	debugger.FastFailCode:     "fast-fail",
	// AppVerifier stop codes share the 0xC0000005-adjacent heap-corruption
	// family; 0xc0000374 is STATUS_HEAP_CORRUPTION, the one AppVerifier
	// surfaces most often for a fuzzing target.
	0xc0000374: "heap-corruption",
}

// Result is the Observe call's output: the verdict plus whatever crash
// detail was available to support it.
type Result struct {
	Verdict Verdict

	// ExceptionClass is set for step-2 PE matches (spec §4.F step 2).
	ExceptionClass string
	// Signal is set for step-2 ELF matches.
	Signal int

	// Log is the parsed sanitizer output, set (with HasLog) for step-2 and
	// step-3 crashes whenever Parse recognised a SUMMARY line. Timed-out
	// runs and step-4 exit-code crashes never carry a Log.
	Log    crashlog.CrashLog
	HasLog bool
}

// Observe applies spec §4.F's five-step decision to a completed debugger
// run: out is the Debugger Loop's captured Output, asanLogPath is the file
// ASAN_OPTIONS=log_path=... pointed the target at (may not exist),
// treatNonzeroAsCrash mirrors the task config flag of the same name.
func Observe(out *debugger.Output, asanLogPath string, treatNonzeroAsCrash bool) Result {
	// Step 1: the watchdog fired before a natural exit.
	if out.TimedOut {
		return Result{Verdict: TimedOut}
	}

	// Step 2: a crashing signal (ELF) or classified exception (PE).
	if out.Signal != 0 && elfCrashSignals[out.Signal] {
		r := Result{Verdict: Crashed, Signal: out.Signal}
		attachLog(&r, out.Stderr, asanLogPath)
		return r
	}
	if out.ExceptionCode != 0 {
		if class, ok := peExceptionTable[out.ExceptionCode]; ok {
			r := Result{Verdict: Crashed, ExceptionClass: class}
			attachLog(&r, out.Stderr, asanLogPath)
			return r
		}
	}

	// Step 3: sanitizer text on stderr, or in the ASAN_OPTIONS log file,
	// parses to a non-empty (summary, sanitizer, fault_type).
	if log, ok := parseSanitizerOutput(out.Stderr, asanLogPath); ok {
		return Result{Verdict: Crashed, Log: log, HasLog: true}
	}

	// Step 4: natural nonzero exit, only a crash if so configured.
	if out.ExitCode != 0 && treatNonzeroAsCrash {
		return Result{Verdict: Crashed, ExceptionClass: "exit-code"}
	}

	// Step 5: clean.
	return Result{Verdict: Clean}
}

func attachLog(r *Result, stderrText, asanLogPath string) {
	if log, ok := parseSanitizerOutput(stderrText, asanLogPath); ok {
		r.Log = log
		r.HasLog = true
	}
}

// parseSanitizerOutput tries stderr first, then the ASAN_OPTIONS log file
// (spec §4.F step 3: "sanitizer text printed on stderr (or to the file
// pointed to by ASAN_OPTIONS=log_path=...)"), since a target that closes
// stderr still writes there when crashlog.AddAsanLogEnv configured it.
func parseSanitizerOutput(stderrText, asanLogPath string) (crashlog.CrashLog, bool) {
	if log, ok := crashlog.Parse(stderrText); ok {
		return log, true
	}

	if asanLogPath == "" {
		return crashlog.CrashLog{}, false
	}

	data, err := os.ReadFile(asanLogPath)
	if err != nil {
		return crashlog.CrashLog{}, false
	}

	return crashlog.Parse(string(data))
}
