/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package report implements the Report Aggregator (spec §4.I): building a
// CrashReport (or NoCrash) from a parsed crashlog.CrashLog, deduplicating by
// call-stack hash, and the CrashReport JSON wire format (spec §6 Outputs),
// grounded on onefuzz-agent/src/tasks/report/crash_report.rs.
package report

import (
	"encoding/json"

	"github.com/antgroup/fuzzcov/pkg/crashlog"
)

// CrashReport is one reproduced, classified crash (spec §3 CrashReport),
// grounded on crash_report.rs's CrashReport struct. Field names and
// optionality mirror the Rust struct's serde(skip_serializing_if) shape.
type CrashReport struct {
	InputSHA256 string `json:"input_sha256"`
	Executable  string `json:"executable"`

	CrashType string `json:"crash_type"`
	CrashSite string `json:"crash_site"`

	CallStack       []string `json:"call_stack"`
	CallStackSHA256 string   `json:"call_stack_sha256"`

	MinimizedStack       []string `json:"minimized_stack,omitempty"`
	MinimizedStackSHA256 string   `json:"minimized_stack_sha256,omitempty"`

	MinimizedStackFunctionNames       []string `json:"minimized_stack_function_names,omitempty"`
	MinimizedStackFunctionNamesSHA256 string   `json:"minimized_stack_function_names_sha256,omitempty"`

	MinimizedStackFunctionLines       []string `json:"minimized_stack_function_lines,omitempty"`
	MinimizedStackFunctionLinesSHA256 string   `json:"minimized_stack_function_lines_sha256,omitempty"`

	AsanLog string `json:"asan_log,omitempty"`

	TaskID string `json:"task_id"`
	JobID  string `json:"job_id"`

	ScarinessScore       *uint32 `json:"scariness_score,omitempty"`
	ScarinessDescription string  `json:"scariness_description,omitempty"`
}

// New builds a CrashReport from a parsed CrashLog, mirroring
// CrashReport::new: call_stack_sha256 is always computed, the minimized-
// stack hash variants are only populated when their source slice is
// non-empty, and depth optionally truncates the digest inputs (the
// supplemented minimized_stack_depth feature).
func New(log crashlog.CrashLog, inputSHA256, executable, taskID, jobID string, depth *int) *CrashReport {
	r := &CrashReport{
		InputSHA256:     inputSHA256,
		Executable:      executable,
		CrashType:       log.FaultType,
		CrashSite:       log.Summary,
		CallStack:       log.CallStack,
		CallStackSHA256: log.CallStackSHA256(),
		AsanLog:         log.Text,
		TaskID:               taskID,
		JobID:                jobID,
		ScarinessScore:       log.ScarinessScore,
		ScarinessDescription: log.ScarinessDescription,
	}

	if len(log.MinimizedStack) > 0 {
		r.MinimizedStack = log.MinimizedStack
		r.MinimizedStackSHA256 = log.MinimizedStackSHA256(depth)
	}
	if len(log.MinimizedStackFunctionNames) > 0 {
		r.MinimizedStackFunctionNames = log.MinimizedStackFunctionNames
		r.MinimizedStackFunctionNamesSHA256 = log.MinimizedStackFunctionNamesSHA256(depth)
	}
	if len(log.MinimizedStackFunctionLines) > 0 {
		r.MinimizedStackFunctionLines = log.MinimizedStackFunctionLines
		r.MinimizedStackFunctionLinesSHA256 = log.MinimizedStackFunctionLinesSHA256(depth)
	}

	return r
}

// BlobName is the per-input report filename (spec §6: one report may exist
// per input even when several inputs share a call stack).
func (r *CrashReport) BlobName() string { return r.InputSHA256 + ".json" }

// UniqueBlobName is the dedup-store filename: two reports with the same
// call_stack_sha256 (spec §4.I) collide on this name.
func (r *CrashReport) UniqueBlobName() string { return r.CallStackSHA256 + ".json" }

// DedupKey returns the preferred dedup key: the minimized-stack hash when
// available (a coarser, more stable key than the full, unminimized call
// stack), falling back to CallStackSHA256 (spec §3: "two reports are
// duplicates iff call_stack_sha256 (or minimized_stack_sha256 when present)
// match").
func (r *CrashReport) DedupKey() string {
	if r.MinimizedStackSHA256 != "" {
		return r.MinimizedStackSHA256
	}
	return r.CallStackSHA256
}

// NoCrash records an input that crashed once but could not be reproduced
// within the configured retry budget (spec §4.I NoRepro), grounded on
// crash_report.rs's NoCrash struct.
type NoCrash struct {
	InputSHA256 string `json:"input_sha256"`
	Executable  string `json:"executable"`
	TaskID      string `json:"task_id"`
	JobID       string `json:"job_id"`
	Tries       uint64 `json:"tries"`
	Error       string `json:"error,omitempty"`
}

// BlobName is the per-input NoCrash report filename.
func (n *NoCrash) BlobName() string { return n.InputSHA256 + ".json" }

// CrashTestResult is the discriminated union persisted per input (spec
// §4.I), grounded on crash_report.rs's CrashTestResult enum: exactly one of
// Crash or NoRepro is set.
type CrashTestResult struct {
	Crash   *CrashReport
	NoRepro *NoCrash
}

// crashTestResultWire is the externally-tagged JSON shape Rust's
// `#[serde(rename_all = "snake_case")]` enum produces: a single-key object
// naming which variant is present.
type crashTestResultWire struct {
	CrashReport *CrashReport `json:"crash_report,omitempty"`
	NoRepro     *NoCrash     `json:"no_repro,omitempty"`
}

// MarshalJSON emits the tagged-union wire shape.
func (r CrashTestResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(crashTestResultWire{CrashReport: r.Crash, NoRepro: r.NoRepro})
}

// UnmarshalJSON parses either variant back, mirroring
// crash_report.rs's try-CrashReport-then-try-NoCrash parse (the
// supplemented NoRepro/CrashTestResult persistence feature).
func (r *CrashTestResult) UnmarshalJSON(data []byte) error {
	var wire crashTestResultWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.Crash = wire.CrashReport
	r.NoRepro = wire.NoRepro
	return nil
}
