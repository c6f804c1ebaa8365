/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antgroup/fuzzcov/pkg/module"
)

type fakeReader struct {
	code []byte
}

func (f *fakeReader) Path() string   { return "/bin/fake" }
func (f *fakeReader) BaseVA() uint64 { return 0 }
func (f *fakeReader) Read(offset uint64, size int) ([]byte, error) {
	end := int(offset) + size
	if end > len(f.code) {
		end = len(f.code)
	}
	return f.code[offset:end], nil
}
func (f *fakeReader) DebugInfo() (*module.DebugInfo, error)     { return nil, nil }
func (f *fakeReader) VAToFileOffset(va uint64) (uint64, error)  { return va, nil }
func (f *fakeReader) VAToVMOffset(va uint64) (uint64, error)    { return va, nil }
func (f *fakeReader) FileOffsetToVA(off uint64) (uint64, error) { return off, nil }
func (f *fakeReader) LineForOffset(off uint64) (string, uint64, bool) { return "", 0, false }
func (f *fakeReader) Close() error                                    { return nil }

func TestSweepSingleReturn(t *testing.T) {
	r := &fakeReader{code: []byte{0xc3}} // ret
	blocks, err := Sweep(r, nil, 0, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []Block{{EntryOffset: 0, Size: 1}}, blocks)
}

func TestSweepConditionalBranch(t *testing.T) {
	// 0: je +2 (74 02)   -> falls to 2, branches to 4
	// 2: ret             (c3)
	// 4: ret             (c3)
	code := []byte{0x74, 0x02, 0xc3, 0x90, 0xc3}
	r := &fakeReader{code: code}

	blocks, err := Sweep(r, nil, 0, uint64(len(code)), nil)
	require.NoError(t, err)

	offsets := map[uint64]uint64{}
	for _, b := range blocks {
		offsets[b.EntryOffset] = b.Size
	}
	assert.Equal(t, uint64(2), offsets[0])
	assert.Equal(t, uint64(1), offsets[2])
	assert.Equal(t, uint64(1), offsets[4])
}

func TestSweepUnconditionalJump(t *testing.T) {
	// 0: jmp +1 (eb 01) -> target 3
	// 2: (unreachable filler, never swept)
	// 3: ret (c3)
	code := []byte{0xeb, 0x01, 0x90, 0xc3}
	r := &fakeReader{code: code}

	blocks, err := Sweep(r, nil, 0, uint64(len(code)), nil)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, uint64(0), blocks[0].EntryOffset)
	assert.Equal(t, uint64(2), blocks[0].Size)
	assert.Equal(t, uint64(3), blocks[1].EntryOffset)
	assert.Equal(t, uint64(1), blocks[1].Size)
}

func TestSweepTerminatesOnSelfLoop(t *testing.T) {
	// 0: jmp 0 (self loop, eb fe)
	code := []byte{0xeb, 0xfe}
	r := &fakeReader{code: code}

	blocks, err := Sweep(r, nil, 0, uint64(len(code)), nil)
	require.NoError(t, err)
	assert.Equal(t, []Block{{EntryOffset: 0, Size: 2}}, blocks)
}

func TestSweepARM64Stub(t *testing.T) {
	blocks := SweepARM64(0x10, 0x40)
	assert.Equal(t, []Block{{EntryOffset: 0x10, Size: 0x40}}, blocks)
}
