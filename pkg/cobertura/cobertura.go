/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package cobertura renders a sourcecov.SourceCoverage as Cobertura XML
// (spec §6 Outputs), grounded on coverage/examples/cobertura.rs and
// coverage/src/cobertura.rs: the same coverage[sources,packages] ->
// packages[package*] -> classes[class*] -> lines[line*] element tree, but
// computing real lines-valid/lines-covered/line-rate statistics rather than
// the original's "0" placeholders, since spec §8 requires re-parsed counts
// and rates to match the source SourceCoverage exactly.
package cobertura

import (
	"encoding/xml"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/antgroup/fuzzcov/pkg/sourcecov"
)

// Coverage is the root <coverage> element.
type Coverage struct {
	XMLName xml.Name `xml:"coverage"`

	LineRate     string `xml:"line-rate,attr"`
	BranchRate   string `xml:"branch-rate,attr"`
	LinesCovered uint64 `xml:"lines-covered,attr"`
	LinesValid   uint64 `xml:"lines-valid,attr"`
	BranchesCov  uint64 `xml:"branches-covered,attr"`
	BranchesVal  uint64 `xml:"branches-valid,attr"`
	Complexity   string `xml:"complexity,attr"`
	Version      string `xml:"version,attr"`
	Timestamp    int64  `xml:"timestamp,attr"`

	Sources  sources   `xml:"sources"`
	Packages []Package `xml:"packages>package"`
}

type sources struct {
	Source []string `xml:"source"`
}

// Package groups classes (source files) that share a parent directory:
// "test-data/fuzz.c" and "test-data\fuzz.h" fall under package "test-data",
// while "test-data\lib\explode.h" falls under its own package "test-data/lib".
type Package struct {
	Name       string  `xml:"name,attr"`
	LineRate   string  `xml:"line-rate,attr"`
	BranchRate string  `xml:"branch-rate,attr"`
	Complexity string  `xml:"complexity,attr"`
	Classes    []Class `xml:"classes>class"`
}

// Class is one source file (spec's line-granular reporting has no method
// boundaries to report, so <methods> is always empty, matching the
// original's commented-out method emission).
type Class struct {
	Name       string  `xml:"name,attr"`
	Filename   string  `xml:"filename,attr"`
	LineRate   string  `xml:"line-rate,attr"`
	BranchRate string  `xml:"branch-rate,attr"`
	Complexity string  `xml:"complexity,attr"`
	Methods    struct{} `xml:"methods"`
	Lines      []Line  `xml:"lines>line"`
}

// Line is one covered source line (spec §6: branch defaults to "false",
// condition-coverage defaults to "100%" since the core never tracks branch
// coverage, only block-entry hit counts).
type Line struct {
	Number            uint64 `xml:"number,attr"`
	Hits              uint32 `xml:"hits,attr"`
	Branch            string `xml:"branch,attr"`
	ConditionCoverage string `xml:"condition-coverage,attr"`
}

// Render builds the Cobertura document for cov. timestamp is the Unix
// seconds to stamp the report with (the caller supplies it so this package
// never calls time.Now itself, keeping it trivially testable).
func Render(cov *sourcecov.SourceCoverage, sourceRoot string, timestamp int64) *Coverage {
	byPackage := make(map[string][]string)
	for _, file := range cov.Order {
		pkg := packageName(file)
		byPackage[pkg] = append(byPackage[pkg], file)
	}

	pkgNames := make([]string, 0, len(byPackage))
	for name := range byPackage {
		pkgNames = append(pkgNames, name)
	}
	sort.Strings(pkgNames)

	var totalValid, totalCovered uint64
	packages := make([]Package, 0, len(pkgNames))

	for _, name := range pkgNames {
		files := byPackage[name]
		sort.Strings(files)

		var pkgValid, pkgCovered uint64
		classes := make([]Class, 0, len(files))

		for _, file := range files {
			fc := cov.Files[file]
			lines := make([]Line, 0, len(fc.Lines))

			lineNos := make([]uint64, 0, len(fc.Lines))
			for ln := range fc.Lines {
				lineNos = append(lineNos, ln)
			}
			sort.Slice(lineNos, func(i, j int) bool { return lineNos[i] < lineNos[j] })

			var valid, covered uint64
			for _, ln := range lineNos {
				hits := fc.Lines[ln]
				valid++
				if hits > 0 {
					covered++
				}
				lines = append(lines, Line{
					Number:            ln,
					Hits:              hits,
					Branch:            "false",
					ConditionCoverage: "100%",
				})
			}

			classes = append(classes, Class{
				Name:       className(file),
				Filename:   file,
				LineRate:   rate(covered, valid),
				BranchRate: "0.00",
				Complexity: "0",
				Lines:      lines,
			})

			pkgValid += valid
			pkgCovered += covered
		}

		packages = append(packages, Package{
			Name:       name,
			LineRate:   rate(pkgCovered, pkgValid),
			BranchRate: "0.00",
			Complexity: "0",
			Classes:    classes,
		})

		totalValid += pkgValid
		totalCovered += pkgCovered
	}

	return &Coverage{
		LineRate:     rate(totalCovered, totalValid),
		BranchRate:   "0.00",
		LinesCovered: totalCovered,
		LinesValid:   totalValid,
		BranchesCov:  0,
		BranchesVal:  0,
		Complexity:   "0",
		Version:      "0.1",
		Timestamp:    timestamp,
		Sources:      sources{Source: []string{sourceRoot}},
		Packages:     packages,
	}
}

// Marshal renders and serialises cov to indented XML, including the
// standard XML declaration, matching the original's xml-rs writer config
// (perform_indent(true)).
func Marshal(cov *sourcecov.SourceCoverage, sourceRoot string, timestamp int64) ([]byte, error) {
	doc := Render(cov, sourceRoot, timestamp)

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, xml.Header...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

// rate formats covered/valid to two fractional digits (spec §6: "all rate
// attributes are formatted with exactly two fractional digits"), treating
// an empty denominator as fully covered (an empty class contributes nothing
// to either count, the same convention the original's line-rate uses for a
// file with no coverable lines).
func rate(covered, valid uint64) string {
	if valid == 0 {
		return "1.00"
	}
	return fmt.Sprintf("%.2f", float64(covered)/float64(valid))
}

// packageName groups file under its parent directory, normalising '\' to
// '/' first so Windows-style and POSIX-style paths for files in the same
// directory fall into the same package (cobertura.rs's example output: a
// backslash path and a forward-slash path sharing the "test-data" prefix
// both appear under package "test-data").
func packageName(file string) string {
	normalized := strings.ReplaceAll(file, `\`, "/")
	dir := path.Dir(normalized)
	if dir == "." {
		return ""
	}
	return dir
}

// className is the last path component, with its extension stripped, the
// conventional Cobertura <class name> for a source file.
func className(file string) string {
	normalized := strings.ReplaceAll(file, `\`, "/")
	base := path.Base(normalized)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}
