/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package report

import "github.com/antgroup/fuzzcov/pkg/crashlog"

// Aggregator drives spec §4.I: it retries a crashing input up to
// checkRetryCount times and emits exactly one CrashReport per unique call-
// stack hash per task, or a NoCrash record once retries are exhausted
// without a reproduction.
type Aggregator struct {
	dedup           *DedupStore
	checkRetryCount int
	taskID, jobID   string
	executable      string
	minimizedDepth  *int
}

// NewAggregator builds an Aggregator bound to one task's identity and a
// shared dedup store (spec §3 lifecycle: "CrashReport/SourceCoverage are
// produced per-input... the dedup store is the only state a task keeps
// across inputs").
func NewAggregator(dedup *DedupStore, checkRetryCount int, taskID, jobID, executable string, minimizedDepth *int) *Aggregator {
	if checkRetryCount <= 0 {
		checkRetryCount = 1
	}
	return &Aggregator{
		dedup:           dedup,
		checkRetryCount: checkRetryCount,
		taskID:          taskID,
		jobID:           jobID,
		executable:      executable,
		minimizedDepth:  minimizedDepth,
	}
}

// Attempt is one reproduction try's outcome the caller feeds in: whether
// the Crash Observer (pkg/crashobserver) classified this attempt as a
// crash, and — only when it did — the parsed CrashLog backing it.
type Attempt struct {
	Crashed bool
	Log     crashlog.CrashLog
}

// Resolve runs attemptFn up to a.checkRetryCount times (spec §4.I: "a
// previously-crashing input is retried up to check_retry_count times"),
// stopping at the first reproduction (spec: "one successful reproduction
// suffices for a CrashReport"). It returns a CrashTestResult: a CrashReport
// if reproduced and its call stack has not already produced one for this
// task (dedup by CrashReport.DedupKey: the minimized-stack hash when
// present, else call_stack_sha256), or nil (the caller should
// suppress output entirely) if it has; a NoCrash record if every attempt
// failed to reproduce.
func (a *Aggregator) Resolve(inputSHA256 string, attemptFn func(try int) (Attempt, error)) (*CrashTestResult, error) {
	var lastErr error

	for try := 1; try <= a.checkRetryCount; try++ {
		attempt, err := attemptFn(try)
		if err != nil {
			lastErr = err
			continue
		}
		if !attempt.Crashed {
			continue
		}

		crashReport := New(attempt.Log, inputSHA256, a.executable, a.taskID, a.jobID, a.minimizedDepth)

		seen, err := a.dedup.SeenOrRecord(crashReport.DedupKey(), crashReport.UniqueBlobName())
		if err != nil {
			return nil, err
		}
		if seen {
			// Spec §4.I: "at most one CrashReport per unique call-stack
			// hash per task" — a duplicate reproduction is not an error,
			// it simply produces nothing new to report.
			return nil, nil
		}

		return &CrashTestResult{Crash: crashReport}, nil
	}

	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	return &CrashTestResult{NoRepro: &NoCrash{
		InputSHA256: inputSHA256,
		Executable:  a.executable,
		TaskID:      a.taskID,
		JobID:       a.jobID,
		Tries:       uint64(a.checkRetryCount),
		Error:       errMsg,
	}}, nil
}
