/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package debugger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModuleImageContains(t *testing.T) {
	img := &ModuleImage{Regions: []Region{{Start: 0x1000, End: 0x2000}, {Start: 0x3000, End: 0x3100}}}

	assert.True(t, img.Contains(0x1000))
	assert.True(t, img.Contains(0x1fff))
	assert.False(t, img.Contains(0x2000), "End is exclusive")
	assert.True(t, img.Contains(0x3050))
	assert.False(t, img.Contains(0x4000))
}

func TestContextFindImageForAddr(t *testing.T) {
	ctx := NewContext(nil)
	imgA := &ModuleImage{Base: 0x1000, Path: "/bin/a", Regions: []Region{{Start: 0x1000, End: 0x2000}}}
	imgB := &ModuleImage{Base: 0x5000, Path: "/bin/b", Regions: []Region{{Start: 0x5000, End: 0x6000}}}
	ctx.AddImage(imgA)
	ctx.AddImage(imgB)

	found, ok := ctx.FindImageForAddr(0x1500)
	assert.True(t, ok)
	assert.Equal(t, "/bin/a", found.Path)

	_, ok = ctx.FindImageForAddr(0x9000)
	assert.False(t, ok)
}

func TestDiffImagesDetectsNewAndReplacedEntries(t *testing.T) {
	old := map[uint64]*ModuleImage{
		0x1000: {Base: 0x1000, Path: "/bin/a"},
	}
	fresh := map[uint64]*ModuleImage{
		0x1000: {Base: 0x1000, Path: "/bin/a"},
		0x2000: {Base: 0x2000, Path: "/bin/b"},
	}

	loaded := diffImages(old, fresh)
	assert.Len(t, loaded, 1, "only the genuinely new image should be reported")
	assert.Equal(t, "/bin/b", loaded[0].Path)
}

func TestDiffImagesDetectsPathChangeAtSameBase(t *testing.T) {
	old := map[uint64]*ModuleImage{0x1000: {Base: 0x1000, Path: "/bin/old"}}
	fresh := map[uint64]*ModuleImage{0x1000: {Base: 0x1000, Path: "/bin/new"}}

	loaded := diffImages(old, fresh)
	assert.Len(t, loaded, 1)
	assert.Equal(t, "/bin/new", loaded[0].Path)
}
