/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package breakpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mem map[uint64]byte
}

func newFakeWriter(addrs ...uint64) *fakeWriter {
	mem := make(map[uint64]byte)
	for i, a := range addrs {
		mem[a] = byte(0x90 + i)
	}
	return &fakeWriter{mem: mem}
}

func (w *fakeWriter) ReadMemory(addr uint64, out []byte) error {
	for i := range out {
		out[i] = w.mem[addr+uint64(i)]
	}
	return nil
}

func (w *fakeWriter) WriteMemory(addr uint64, data []byte) error {
	for i, b := range data {
		w.mem[addr+uint64(i)] = b
	}
	return nil
}

func (w *fakeWriter) FlushInstructionCache(addr uint64, size int) error { return nil }

func TestSetThenClearRestoresOriginalByte(t *testing.T) {
	w := newFakeWriter(0x1000)
	m := NewManager(w)

	reg, err := m.Set(0, 0x10, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, byte(0x90), reg.SavedByte)
	assert.Equal(t, byte(TrapOpcode), w.mem[0x1000])

	cleared, err := m.Clear(0x1000)
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Equal(t, byte(0x90), w.mem[0x1000])
}

func TestSetTwiceDoesNotClobberSavedByte(t *testing.T) {
	w := newFakeWriter(0x1000)
	m := NewManager(w)

	_, err := m.Set(0, 0x10, 0x1000)
	require.NoError(t, err)

	reg2, err := m.Set(0, 0x10, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, byte(0x90), reg2.SavedByte)
}

func TestClearUnknownAddrReturnsFalse(t *testing.T) {
	w := newFakeWriter(0x1000)
	m := NewManager(w)

	cleared, err := m.Clear(0x2000)
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestBulkInstallSpansMinMax(t *testing.T) {
	w := newFakeWriter(0x1000, 0x1010, 0x1020)
	m := NewManager(w)

	regs, err := m.BulkInstall([]uint64{0x1000, 0x1010, 0x1020}, func(addr uint64) (int, uint64) {
		return 0, addr
	})
	require.NoError(t, err)
	require.Len(t, regs, 3)

	assert.Equal(t, byte(TrapOpcode), w.mem[0x1000])
	assert.Equal(t, byte(TrapOpcode), w.mem[0x1010])
	assert.Equal(t, byte(TrapOpcode), w.mem[0x1020])

	ok, err := m.Clear(0x1010)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, byte(0x91), w.mem[0x1010])
}

func TestRemoveAllRestoresEveryBreakpoint(t *testing.T) {
	w := newFakeWriter(0x1000, 0x1010)
	m := NewManager(w)

	_, err := m.Set(0, 0, 0x1000)
	require.NoError(t, err)
	_, err = m.Set(0, 0, 0x1010)
	require.NoError(t, err)

	require.NoError(t, m.RemoveAll())
	assert.Equal(t, byte(0x90), w.mem[0x1000])
	assert.Equal(t, byte(0x91), w.mem[0x1010])

	_, ok := m.Lookup(0x1000)
	assert.False(t, ok)
}
