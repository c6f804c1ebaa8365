/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package crashlog implements the Crash-log Parser (spec §4.G): extracting
// sanitizer kind, fault type, call stack, and scariness score from raw
// sanitizer/libFuzzer stderr text, and minimizing the call stack for
// deduplication.
package crashlog

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// StackFrame is one parsed call-stack line (spec §3).
type StackFrame struct {
	Line           string
	Address        *uint64
	FunctionName   string
	FunctionOffset *uint64
	FileName       string
	FileLine       *uint64
	ModulePath     string
	ModuleOffset   *uint64
}

// CrashLog is the parsed sanitizer/libFuzzer crash report (spec §3).
type CrashLog struct {
	Text       string
	Sanitizer  string
	Summary    string
	FaultType  string
	CallStack  []string
	Frames     []StackFrame

	MinimizedStack              []string
	MinimizedStackFunctionNames []string
	MinimizedStackFunctionLines []string

	ScarinessScore       *uint32
	ScarinessDescription string
}

// llvmFuzzerEntryPoint is the fallback minimized-stack frame name used when
// ignore-list filtering would otherwise empty the stack (spec §4.G).
const llvmFuzzerEntryPoint = "LLVMFuzzerTestOneInput"

// Parse extracts a CrashLog from raw sanitizer/libFuzzer output, or returns
// ok=false if no recognisable SUMMARY: line is present (spec §4.F decision
// step 3 relies on this to distinguish a sanitizer crash from other
// stderr noise).
func Parse(text string) (CrashLog, bool) {
	summary, sanitizer, faultType, ok := parseSummary(text)
	if !ok {
		return CrashLog{}, false
	}

	frames := parseCallStack(text)
	callStack := make([]string, len(frames))
	for i, f := range frames {
		callStack[i] = f.Line
	}

	score, desc := parseScariness(text)

	log := CrashLog{
		Text:                 text,
		Sanitizer:            sanitizer,
		Summary:              summary,
		FaultType:            faultType,
		CallStack:            callStack,
		Frames:               frames,
		ScarinessScore:       score,
		ScarinessDescription: desc,
	}
	log.minimize(DefaultIgnoreList)
	return log, true
}

// summaryPattern matches onefuzz/src/asan.rs's parse_summary regex exactly:
// `SUMMARY: ((\w+): (data race|deadly signal|[^ \n]+).*)`.
var summaryPattern = regexp.MustCompile(`SUMMARY: ((\w+): (data race|deadly signal|[^ \n]+).*)`)

func parseSummary(text string) (summary, sanitizer, faultType string, ok bool) {
	m := summaryPattern.FindStringSubmatch(text)
	if m == nil {
		return "", "", "", false
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), strings.TrimSpace(m[3]), true
}

// scarinessPattern matches libFuzzer's `SCARINESS: <score> (<description>)`
// line (spec §4.G).
var scarinessPattern = regexp.MustCompile(`SCARINESS:\s*(\d+)\s*\(([^)]*)\)`)

func parseScariness(text string) (*uint32, string) {
	m := scarinessPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, ""
	}
	v, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return nil, ""
	}
	score := uint32(v)
	return &score, m[2]
}

// parseCallStack implements onefuzz/src/asan.rs's parse_call_stack state
// machine: collect contiguous lines beginning with '#' once the first is
// seen, stopping at the first following non-frame line.
func parseCallStack(text string) []StackFrame {
	var frames []StackFrame
	parsing := false

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		isFrame := strings.HasPrefix(line, "#")

		switch {
		case parsing && isFrame:
			frames = append(frames, parseFrame(line))
		case parsing && !isFrame:
			return frames
		case !parsing && isFrame:
			parsing = true
			frames = append(frames, parseFrame(line))
		default:
			continue
		}
	}

	return frames
}

// framePattern extracts the common ASan frame shape:
//
//	#0 0x55c... in FunctionName(args) file.cc:123:4
//
// Any component it cannot find is left zero/empty; FunctionName is best
// effort and never fails parsing of the line itself.
var framePattern = regexp.MustCompile(`^#\d+\s+(0x[0-9a-fA-F]+)?\s*(?:in\s+)?([^(]*?)\s*(?:\(([^)]*)\))?\s*(?:(\S+):(\d+))?\s*$`)

func parseFrame(line string) StackFrame {
	frame := StackFrame{Line: line}

	m := framePattern.FindStringSubmatch(line)
	if m == nil {
		return frame
	}

	if m[1] != "" {
		if v, err := strconv.ParseUint(strings.TrimPrefix(m[1], "0x"), 16, 64); err == nil {
			frame.Address = &v
		}
	}
	if name := strings.TrimSpace(m[2]); name != "" {
		frame.FunctionName = name
	}
	if m[4] != "" {
		frame.FileName = m[4]
		if v, err := strconv.ParseUint(m[5], 10, 64); err == nil {
			frame.FileLine = &v
		}
	}

	return frame
}

// CallStackSHA256 hashes the ordered, concatenated full call-stack frame
// strings (spec testable property: "depends only on the ordered sequence of
// line strings").
func (c CrashLog) CallStackSHA256() string {
	return digestIter(c.CallStack)
}

// MinimizedStackSHA256 hashes the minimized stack, optionally truncated to
// the first depth frames (the supplemented minimized_stack_depth feature).
func (c CrashLog) MinimizedStackSHA256(depth *int) string {
	return digestIter(truncate(c.MinimizedStack, depth))
}

// MinimizedStackFunctionNamesSHA256 hashes the function-names-only
// minimized stack variant (supplemented feature).
func (c CrashLog) MinimizedStackFunctionNamesSHA256(depth *int) string {
	return digestIter(truncate(c.MinimizedStackFunctionNames, depth))
}

// MinimizedStackFunctionLinesSHA256 hashes the function-lines minimized
// stack variant (supplemented feature).
func (c CrashLog) MinimizedStackFunctionLinesSHA256(depth *int) string {
	return digestIter(truncate(c.MinimizedStackFunctionLines, depth))
}

func truncate(s []string, depth *int) []string {
	if depth == nil || *depth <= 0 || *depth >= len(s) {
		return s
	}
	return s[:*depth]
}

func digestIter(frames []string) string {
	h := sha256.New()
	for _, f := range frames {
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// minimize filters frames whose function name matches ignoreList, falling
// back to frames named LLVMFuzzerTestOneInput if filtering would empty the
// stack (spec §4.G).
func (c *CrashLog) minimize(ignoreList *regexp.Regexp) {
	var kept []StackFrame
	for _, f := range c.Frames {
		if f.FunctionName != "" && ignoreList != nil && ignoreList.MatchString(f.FunctionName) {
			continue
		}
		kept = append(kept, f)
	}

	if len(kept) == 0 {
		for _, f := range c.Frames {
			if f.FunctionName == llvmFuzzerEntryPoint {
				kept = append(kept, f)
			}
		}
	}

	for _, f := range kept {
		c.MinimizedStack = append(c.MinimizedStack, f.Line)
		if f.FunctionName != "" {
			c.MinimizedStackFunctionNames = append(c.MinimizedStackFunctionNames, f.FunctionName)
		}
		if f.FunctionName != "" && f.FileLine != nil {
			c.MinimizedStackFunctionLines = append(c.MinimizedStackFunctionLines,
				f.FunctionName+":"+strconv.FormatUint(*f.FileLine, 10))
		}
	}
}

// DefaultIgnoreList is the curated set of noisy frame names filtered out of
// the minimized stack: allocator internals, sanitizer runtime, libc
// startup, and the libFuzzer harness itself (spec §4.G).
var DefaultIgnoreList = regexp.MustCompile(strings.Join([]string{
	`^__asan_`,
	`^__sanitizer_`,
	`^__interceptor_`,
	`^operator new`,
	`^operator delete`,
	`^malloc$`, `^free$`, `^calloc$`, `^realloc$`,
	`^__libc_start_main$`,
	`^_start$`,
	`^fuzzer::`,
	`^main$`,
}, "|"))
