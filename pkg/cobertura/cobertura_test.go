/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package cobertura

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antgroup/fuzzcov/pkg/sourcecov"
)

func buildCoverage(files map[string]map[uint64]uint32, order []string) *sourcecov.SourceCoverage {
	cov := &sourcecov.SourceCoverage{Files: make(map[string]*sourcecov.FileCoverage), Order: order}
	for file, lines := range files {
		cov.Files[file] = &sourcecov.FileCoverage{Lines: lines}
	}
	return cov
}

func TestPackageNameGroupsByDirectoryAcrossSeparators(t *testing.T) {
	assert.Equal(t, "test-data", packageName("test-data/fuzz.c"))
	assert.Equal(t, "test-data", packageName(`test-data\fuzz.h`))
	assert.Equal(t, `test-data/lib`, packageName(`test-data\lib\explode.h`))
	assert.Equal(t, "/missing", packageName("/missing/lib.c"))
	assert.Equal(t, "", packageName("top.c"))
}

func TestClassNameStripsDirectoryAndExtension(t *testing.T) {
	assert.Equal(t, "fuzz", className("test-data/fuzz.c"))
	assert.Equal(t, "explode", className(`test-data\lib\explode.h`))
}

func TestRenderComputesRealLineRates(t *testing.T) {
	cov := buildCoverage(map[string]map[uint64]uint32{
		"test-data/fuzz.c": {1: 1, 2: 0, 3: 1},
	}, []string{"test-data/fuzz.c"})

	doc := Render(cov, "/src", 1000)

	require.Len(t, doc.Packages, 1)
	pkg := doc.Packages[0]
	assert.Equal(t, "test-data", pkg.Name)
	require.Len(t, pkg.Classes, 1)

	class := pkg.Classes[0]
	assert.Equal(t, "test-data/fuzz.c", class.Filename)
	assert.Equal(t, "0.67", class.LineRate)
	require.Len(t, class.Lines, 3)

	assert.Equal(t, uint64(2), doc.LinesCovered)
	assert.Equal(t, uint64(3), doc.LinesValid)
	assert.Equal(t, "0.67", doc.LineRate)
}

func TestRenderGroupsMultipleFilesIntoOnePackage(t *testing.T) {
	cov := buildCoverage(map[string]map[uint64]uint32{
		"test-data/fuzz.c":          {1: 1},
		`test-data\fuzz.h`:          {1: 0},
		`test-data\lib\explode.h`:   {1: 1},
		"/missing/lib.c":            {1: 0},
	}, []string{"test-data/fuzz.c", `test-data\fuzz.h`, `test-data\lib\explode.h`, "/missing/lib.c"})

	doc := Render(cov, "/src", 1000)

	names := make(map[string]int)
	for _, pkg := range doc.Packages {
		names[pkg.Name] = len(pkg.Classes)
	}

	assert.Equal(t, 2, names["test-data"])
	assert.Equal(t, 1, names["test-data/lib"])
	assert.Equal(t, 1, names["/missing"])
}

func TestRenderEmptyClassHasFullLineRate(t *testing.T) {
	cov := buildCoverage(map[string]map[uint64]uint32{
		"a.c": {},
	}, []string{"a.c"})

	doc := Render(cov, "/src", 1000)
	require.Len(t, doc.Packages, 1)
	require.Len(t, doc.Packages[0].Classes, 1)
	assert.Equal(t, "1.00", doc.Packages[0].Classes[0].LineRate)
}

func TestMarshalProducesWellFormedXML(t *testing.T) {
	cov := buildCoverage(map[string]map[uint64]uint32{
		"a.c": {1: 1, 2: 0},
	}, []string{"a.c"})

	data, err := Marshal(cov, "/src", 1000)
	require.NoError(t, err)

	var doc Coverage
	require.NoError(t, xml.Unmarshal(data, &doc))
	assert.Equal(t, doc.LinesValid, uint64(2))
	assert.Equal(t, doc.LinesCovered, uint64(1))
}

func TestLineAttributesUseSpecDefaults(t *testing.T) {
	cov := buildCoverage(map[string]map[uint64]uint32{
		"a.c": {5: 2},
	}, []string{"a.c"})

	doc := Render(cov, "/src", 1000)
	line := doc.Packages[0].Classes[0].Lines[0]
	assert.Equal(t, uint64(5), line.Number)
	assert.Equal(t, uint32(2), line.Hits)
	assert.Equal(t, "false", line.Branch)
	assert.Equal(t, "100%", line.ConditionCoverage)
}
