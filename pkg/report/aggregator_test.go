/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package report

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antgroup/fuzzcov/pkg/crashlog"
)

func newTestAggregator(t *testing.T, checkRetryCount int) *Aggregator {
	t.Helper()
	dedup, err := OpenDedupStore(filepath.Join(t.TempDir(), "dedup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dedup.Close() })
	return NewAggregator(dedup, checkRetryCount, "task-1", "job-1", "/bin/target", nil)
}

func TestResolveReturnsCrashReportOnFirstReproduction(t *testing.T) {
	a := newTestAggregator(t, 3)
	tries := 0

	result, err := a.Resolve("input-1", func(try int) (Attempt, error) {
		tries++
		return Attempt{Crashed: true, Log: sampleLog()}, nil
	})

	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Crash)
	assert.Nil(t, result.NoRepro)
	assert.Equal(t, 1, tries, "stops retrying at the first reproduction")
}

func TestResolveReturnsNoCrashWhenNeverReproduced(t *testing.T) {
	a := newTestAggregator(t, 3)
	tries := 0

	result, err := a.Resolve("input-1", func(try int) (Attempt, error) {
		tries++
		return Attempt{Crashed: false}, nil
	})

	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.NoRepro)
	assert.Equal(t, uint64(3), result.NoRepro.Tries)
	assert.Equal(t, 3, tries)
}

func TestResolveRecordsErrorOnEveryFailingAttempt(t *testing.T) {
	a := newTestAggregator(t, 2)

	result, err := a.Resolve("input-1", func(try int) (Attempt, error) {
		return Attempt{}, errors.New("transient launch failure")
	})

	require.NoError(t, err)
	require.NotNil(t, result.NoRepro)
	assert.Contains(t, result.NoRepro.Error, "transient launch failure")
}

func TestResolveDedupsRepeatedCallStack(t *testing.T) {
	a := newTestAggregator(t, 1)

	first, err := a.Resolve("input-1", func(try int) (Attempt, error) {
		return Attempt{Crashed: true, Log: sampleLog()}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, first.Crash)

	second, err := a.Resolve("input-2", func(try int) (Attempt, error) {
		return Attempt{Crashed: true, Log: sampleLog()}, nil
	})
	require.NoError(t, err)
	assert.Nil(t, second, "a second input reproducing the same call stack yields no report")
}

func TestResolveDistinctCallStacksBothReport(t *testing.T) {
	a := newTestAggregator(t, 1)

	logA, ok := crashlog.Parse("SUMMARY: AddressSanitizer: heap-use-after-free /src/a.c:1 in f\n#0 0x1 in f /src/a.c:1\n")
	require.True(t, ok)
	logB, ok := crashlog.Parse("SUMMARY: AddressSanitizer: heap-buffer-overflow /src/b.c:2 in h\n#0 0x2 in h /src/b.c:2\n")
	require.True(t, ok)

	first, err := a.Resolve("input-1", func(try int) (Attempt, error) { return Attempt{Crashed: true, Log: logA}, nil })
	require.NoError(t, err)
	require.NotNil(t, first.Crash)

	second, err := a.Resolve("input-2", func(try int) (Attempt, error) { return Attempt{Crashed: true, Log: logB}, nil })
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotNil(t, second.Crash)
}
