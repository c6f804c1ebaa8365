/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package crashlog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile("../../testdata/" + name)
	require.NoError(t, err)
	return string(data)
}

func TestParseAsanUseAfterFree(t *testing.T) {
	text := readFixture(t, "libfuzzer-asan-log.txt")

	log, ok := Parse(text)
	require.True(t, ok)

	assert.Equal(t, "AddressSanitizer", log.Sanitizer)
	assert.Equal(t, "heap-use-after-free", log.FaultType)
	assert.Len(t, log.CallStack, 7)
	assert.Nil(t, log.ScarinessScore)

	require.NotEmpty(t, log.MinimizedStack)
	last := log.MinimizedStackFunctionNames[len(log.MinimizedStackFunctionNames)-1]
	assert.Equal(t, llvmFuzzerEntryPoint, last)
}

func TestParseLibFuzzerDeadlySignal(t *testing.T) {
	text := readFixture(t, "libfuzzer-deadly-signal.txt")

	log, ok := Parse(text)
	require.True(t, ok)

	assert.Equal(t, "libFuzzer", log.Sanitizer)
	assert.Equal(t, "deadly signal", log.FaultType)
	assert.Len(t, log.CallStack, 14)

	found := false
	for _, name := range log.MinimizedStackFunctionNames {
		if name == "Json::OurReader::parse(char const*, char const*, Json::Value&, bool)" {
			found = true
		}
	}
	assert.True(t, found, "expected Json::OurReader::parse to survive minimization, got %v", log.MinimizedStackFunctionNames)
}

func TestParseScarinessUnderflow(t *testing.T) {
	text := readFixture(t, "libfuzzer-scariness-underflow.txt")

	log, ok := Parse(text)
	require.True(t, ok)

	assert.Equal(t, "AddressSanitizer", log.Sanitizer)
	assert.Equal(t, "stack-buffer-underflow", log.FaultType)
	assert.Len(t, log.CallStack, 9)

	require.NotNil(t, log.ScarinessScore)
	assert.Equal(t, uint32(51), *log.ScarinessScore)
	assert.Equal(t, "4-byte-write-stack-buffer-underflow", log.ScarinessDescription)
}

func TestParseReturnsFalseWithoutSummary(t *testing.T) {
	_, ok := Parse("no summary line here, just noise\n")
	assert.False(t, ok)
}

func TestMinimizedStackDepthTruncation(t *testing.T) {
	text := readFixture(t, "libfuzzer-deadly-signal.txt")
	log, ok := Parse(text)
	require.True(t, ok)

	depth := 1
	full := log.MinimizedStackSHA256(nil)
	truncated := log.MinimizedStackSHA256(&depth)
	assert.NotEqual(t, full, truncated)
}

func TestCallStackSHA256Deterministic(t *testing.T) {
	text := readFixture(t, "libfuzzer-asan-log.txt")
	a, _ := Parse(text)
	b, _ := Parse(text)
	assert.Equal(t, a.CallStackSHA256(), b.CallStackSHA256())
}

func TestAddAsanLogEnvAppendsToExisting(t *testing.T) {
	env := map[string]string{"ASAN_OPTIONS": "detect_leaks=0"}
	AddAsanLogEnv(env, "/tmp/asan")
	assert.Contains(t, env["ASAN_OPTIONS"], "detect_leaks=0:log_path=")
}

func TestAddAsanLogEnvSetsWhenAbsent(t *testing.T) {
	env := map[string]string{}
	AddAsanLogEnv(env, "/tmp/asan")
	assert.Contains(t, env["ASAN_OPTIONS"], "log_path=")
}
