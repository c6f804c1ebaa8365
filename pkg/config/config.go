/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package config parses the on-disk task configuration: the target
// invocation template, the module/source allowlist file paths, and the
// retry/timeout budgets a task runs under (spec §6 External Interfaces).
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

const (
	// DefaultRetryAttempts is the Coverage Recorder's default retry budget
	// (spec §4.E).
	DefaultRetryAttempts = 2

	// DefaultCheckRetryCount is the Report Aggregator's default
	// reproduction retry budget (spec §4.I).
	DefaultCheckRetryCount = 3

	// DefaultRunTimeout is the per-run watchdog deadline (spec §5).
	DefaultRunTimeout = 30 * time.Second

	// DefaultMemoryBudgetBytes is the per-task free-memory ceiling
	// (spec §5).
	DefaultMemoryBudgetBytes = 1 << 30
)

// Task is the parsed configuration for a single fuzzing task: what to run,
// how to run it, and how hard to retry.
type Task struct {
	TargetExe        string            `toml:"target_exe"`
	TargetOptions    []string          `toml:"target_options"`
	TargetEnv        map[string]string `toml:"target_env"`
	InputIsStdin     bool              `toml:"input_is_stdin"`
	SetupDir         string            `toml:"setup_dir"`
	OutputDir        string            `toml:"output_dir"`
	ToolsDir         string            `toml:"tools_dir"`
	CrashesDir       string            `toml:"crashes_dir"`
	JobID            string            `toml:"job_id"`
	TaskID           string            `toml:"task_id"`
	MachineID        string            `toml:"machine_id"`
	ModuleAllowlist  string            `toml:"module_allowlist"`
	SourceAllowlist  string            `toml:"source_allowlist"`
	RetryAttempts    int               `toml:"retry_attempts"`
	CheckRetryCount  int               `toml:"check_retry_count"`
	RunTimeout       time.Duration     `toml:"run_timeout"`
	MinimizedDepth   int               `toml:"minimized_stack_depth"`
	TreatNonzeroExit bool              `toml:"treat_nonzero_exit_as_crash"`
	MemoryBudget     int64             `toml:"memory_budget_bytes"`
}

// Opt mutates a Task under construction. Grounded on the teacher's
// functional-options daemon constructor (pkg/daemon.NewDaemon).
type Opt func(*Task)

// WithRetryBudget overrides the coverage-recorder retry attempts.
func WithRetryBudget(attempts int) Opt {
	return func(t *Task) { t.RetryAttempts = attempts }
}

// WithRunTimeout overrides the per-run watchdog deadline.
func WithRunTimeout(d time.Duration) Opt {
	return func(t *Task) { t.RunTimeout = d }
}

// NewTask builds a Task from defaults, then applies opts.
func NewTask(opts ...Opt) *Task {
	t := &Task{
		RetryAttempts:   DefaultRetryAttempts,
		CheckRetryCount: DefaultCheckRetryCount,
		RunTimeout:      DefaultRunTimeout,
		MemoryBudget:    DefaultMemoryBudgetBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LoadTaskFile parses a TOML task-configuration file at path, starting from
// NewTask's defaults so unset fields keep their zero-value-safe defaults.
func LoadTaskFile(path string, opts ...Opt) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read task config %s", path)
	}

	t := NewTask(opts...)
	if err := toml.Unmarshal(data, t); err != nil {
		return nil, errors.Wrapf(err, "parse task config %s", path)
	}

	return t, nil
}
