/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package sourcecov

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antgroup/fuzzcov/pkg/block"
	"github.com/antgroup/fuzzcov/pkg/config"
	"github.com/antgroup/fuzzcov/pkg/coverage"
	"github.com/antgroup/fuzzcov/pkg/module"
)

// fakeReader is a minimal module.Reader backed by an in-memory line table,
// enough to drive Project without touching a real ELF/PE file.
type fakeReader struct {
	path  string
	info  *module.DebugInfo
	lines map[uint64][2]interface{} // offset -> (file, line)
}

func (f *fakeReader) Path() string                         { return f.path }
func (f *fakeReader) BaseVA() uint64                       { return 0 }
func (f *fakeReader) Read(offset uint64, size int) ([]byte, error) { return nil, nil }
func (f *fakeReader) DebugInfo() (*module.DebugInfo, error)        { return f.info, nil }
func (f *fakeReader) VAToFileOffset(va uint64) (uint64, error)     { return va, nil }
func (f *fakeReader) VAToVMOffset(va uint64) (uint64, error)       { return va, nil }
func (f *fakeReader) FileOffsetToVA(off uint64) (uint64, error)    { return off, nil }
func (f *fakeReader) Close() error                                 { return nil }

func (f *fakeReader) LineForOffset(off uint64) (string, uint64, bool) {
	v, ok := f.lines[off]
	if !ok {
		return "", 0, false
	}
	return v[0].(string), v[1].(uint64), true
}

func newFakeRegistry(r module.Reader) *module.Registry {
	return module.NewRegistry(func(path string) (module.Reader, error) { return r, nil })
}

func TestProjectFoldsOffsetCountsToLines(t *testing.T) {
	info := &module.DebugInfo{
		Functions:   map[uint64]*module.Function{0x100: {Offset: 0x100, Size: 0x20}},
		HasLineInfo: true,
	}
	reader := &fakeReader{
		path: "/bin/target",
		info: info,
		lines: map[uint64][2]interface{}{
			0x100: {"/src/a.c", uint64(10)},
		},
	}

	registry := newFakeRegistry(reader)
	cache := block.NewCache()
	proj := NewProjector(registry, cache, "arm64")

	bin := coverage.NewBinaryCoverage()
	bin.Set("/bin/target", coverage.ModuleCoverage{0x100: 3})

	allowlist, err := config.LoadAllowlist("")
	require.NoError(t, err)

	out, err := proj.Project(bin, allowlist)
	require.NoError(t, err)

	fc, ok := out.Files["/src/a.c"]
	require.True(t, ok)
	assert.Equal(t, uint32(3), fc.Lines[10])
}

func TestProjectSkipsModulesWithoutLineInfo(t *testing.T) {
	info := &module.DebugInfo{HasLineInfo: false}
	reader := &fakeReader{path: "/bin/target", info: info}
	registry := newFakeRegistry(reader)

	proj := NewProjector(registry, block.NewCache(), "arm64")
	bin := coverage.NewBinaryCoverage()
	bin.Set("/bin/target", coverage.ModuleCoverage{0x100: 1})

	allowlist, err := config.LoadAllowlist("")
	require.NoError(t, err)

	out, err := proj.Project(bin, allowlist)
	require.NoError(t, err)
	assert.Empty(t, out.Files)
}

func TestFoldMissWinsOverHit(t *testing.T) {
	sc := newSourceCoverage()
	sc.fold("/src/a.c", 10, 1)
	sc.fold("/src/a.c", 10, 3)
	sc.fold("/src/a.c", 10, 2)
	assert.Equal(t, uint32(3), sc.Files["/src/a.c"].Lines[10])
}

func TestFoldIgnoresSyntheticLineZero(t *testing.T) {
	sc := newSourceCoverage()
	sc.fold("/src/a.c", 0, 5)
	assert.Empty(t, sc.Files)
}
