/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"strings"

	"github.com/pkg/errors"
)

// Tokens is the fixed token table substituted into a target invocation
// template (spec §6). Keys do not include the surrounding braces.
type Tokens struct {
	Input     string
	SetupDir  string
	TargetExe string
	OutputDir string
	ToolsDir  string
	Crashes   string
	JobID     string
	TaskID    string
	MachineID string
}

func (t Tokens) table() map[string]string {
	return map[string]string{
		"input":      t.Input,
		"setup_dir":  t.SetupDir,
		"target_exe": t.TargetExe,
		"output_dir": t.OutputDir,
		"tools_dir":  t.ToolsDir,
		"crashes":    t.Crashes,
		"job_id":     t.JobID,
		"task_id":    t.TaskID,
		"machine_id": t.MachineID,
	}
}

// Expand substitutes every `{token}` occurrence in s against table, with a
// literal `{` written as `{{`. An unrecognised token name is an error: a
// template typo should fail loudly rather than silently emit the literal
// placeholder into argv.
func Expand(s string, tokens Tokens) (string, error) {
	table := tokens.table()

	var out strings.Builder
	out.Grow(len(s))

	i := 0
	for i < len(s) {
		c := s[i]
		if c != '{' {
			out.WriteByte(c)
			i++
			continue
		}

		// `{{` escapes to a literal `{`.
		if i+1 < len(s) && s[i+1] == '{' {
			out.WriteByte('{')
			i += 2
			continue
		}

		end := strings.IndexByte(s[i+1:], '}')
		if end < 0 {
			return "", errors.Errorf("unterminated token starting at offset %d in %q", i, s)
		}
		name := s[i+1 : i+1+end]

		val, ok := table[name]
		if !ok {
			return "", errors.Errorf("unrecognised token {%s} in %q", name, s)
		}
		out.WriteString(val)
		i += 1 + end + 1
	}

	return out.String(), nil
}

// ExpandAll expands every element of argv against tokens.
func ExpandAll(argv []string, tokens Tokens) ([]string, error) {
	out := make([]string, len(argv))
	for i, a := range argv {
		v, err := Expand(a, tokens)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ExpandEnv expands every value (not key) of env against tokens.
func ExpandEnv(env map[string]string, tokens Tokens) (map[string]string, error) {
	out := make(map[string]string, len(env))
	for k, v := range env {
		ev, err := Expand(v, tokens)
		if err != nil {
			return nil, err
		}
		out[k] = ev
	}
	return out, nil
}
