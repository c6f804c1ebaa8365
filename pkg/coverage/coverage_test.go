/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package coverage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModuleCoverageMergeSaturating(t *testing.T) {
	a := ModuleCoverage{0x100: 1, 0x120: 1}
	b := ModuleCoverage{0x120: 1, 0x140: 1}

	merged := a.Merge(b)
	assert.Equal(t, ModuleCoverage{0x100: 1, 0x120: 2, 0x140: 1}, merged)

	// commutative
	assert.Equal(t, merged, b.Merge(a))
}

func TestModuleCoverageMergeSaturatesAtMax(t *testing.T) {
	a := ModuleCoverage{0x100: CountMax}
	b := ModuleCoverage{0x100: 1}
	assert.Equal(t, uint32(CountMax), a.Merge(b)[0x100])
}

func TestBinaryCoverageMergeScenario(t *testing.T) {
	a := NewBinaryCoverage()
	a.Set("/bin/t", ModuleCoverage{0x100: 1, 0x120: 1})

	b := NewBinaryCoverage()
	b.Set("/bin/t", ModuleCoverage{0x120: 1, 0x140: 1})

	merged := a.Merge(b)
	assert.Equal(t, ModuleCoverage{0x100: 1, 0x120: 2, 0x140: 1}, merged.Get("/bin/t"))
}

// Once a key has saturated to CountMax, repeatedly folding it back into the
// merge is a no-op: saturating addition has CountMax as an absorbing
// element.
func TestBinaryCoverageMergeStableAtSaturation(t *testing.T) {
	a := NewBinaryCoverage()
	a.Set("/bin/t", ModuleCoverage{0x100: CountMax})

	b := NewBinaryCoverage()
	b.Set("/bin/t", ModuleCoverage{0x100: 1})

	once := a.Merge(b)
	twice := a.Merge(once)
	assert.Equal(t, once.Get("/bin/t"), twice.Get("/bin/t"))
	assert.Equal(t, uint32(CountMax), twice.Get("/bin/t")[0x100])
}

func TestBinaryCoverageMergeDisjointModules(t *testing.T) {
	a := NewBinaryCoverage()
	a.Set("/bin/a", ModuleCoverage{0x1: 1})

	b := NewBinaryCoverage()
	b.Set("/bin/b", ModuleCoverage{0x2: 1})

	merged := a.Merge(b)
	assert.Equal(t, ModuleCoverage{0x1: 1}, merged.Get("/bin/a"))
	assert.Equal(t, ModuleCoverage{0x2: 1}, merged.Get("/bin/b"))
}
