/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package sourcecov implements the Source Coverage Projector (spec §4.H):
// project(BinaryCoverage, allowlist) -> SourceCoverage, folding a block's
// covered instruction offsets down to (file, line) pairs with "miss wins
// over hit" semantics, grounded on coverage/src/source.rs.
package sourcecov

import (
	"sort"

	"github.com/golang/groupcache/lru"
	"golang.org/x/arch/x86/x86asm"

	"github.com/antgroup/fuzzcov/internal/errdefs"
	"github.com/antgroup/fuzzcov/pkg/block"
	"github.com/antgroup/fuzzcov/pkg/config"
	"github.com/antgroup/fuzzcov/pkg/coverage"
	"github.com/antgroup/fuzzcov/pkg/module"
)

// FileCoverage is one source file's line-granular hit counts (spec §3: line
// numbers are 1-based, line 0 is synthetic debug-info and never appears
// here).
type FileCoverage struct {
	Lines map[uint64]uint32
}

// SourceCoverage maps a source file's canonical path to its line coverage
// (spec §3 SourceCoverage).
type SourceCoverage struct {
	// Order lists every file in Files for deterministic report emission
	// (Cobertura and any other serializer iterate this); fold appends in
	// first-seen order and Project sorts it by path before returning.
	Order []string
	Files map[string]*FileCoverage
}

func newSourceCoverage() *SourceCoverage {
	return &SourceCoverage{Files: make(map[string]*FileCoverage)}
}

// fold merges (line, count) into file, applying spec §4.H's "miss wins over
// hit" rule: count_new = max(old, new). A line reached by every instruction
// of at least one covered invocation keeps the higher count; a line that
// some covered invocation's block only partially executed never has its
// count raised past what was actually observed for that instruction.
func (s *SourceCoverage) fold(file string, line uint64, count uint32) {
	if line == 0 {
		return
	}

	fc, ok := s.Files[file]
	if !ok {
		fc = &FileCoverage{Lines: make(map[uint64]uint32)}
		s.Files[file] = fc
		s.Order = append(s.Order, file)
	}

	if old, ok := fc.Lines[line]; !ok || count > old {
		fc.Lines[line] = count
	}
}

// Projector resolves BinaryCoverage into SourceCoverage, grounded on
// binary_to_source_coverage. lineCache bounds the number of distinct
// (module, offset) line lookups kept in memory across a report run, since
// DWARF line-table scans are the dominant per-lookup cost (spec §4.H: the
// original's SymCache plays the same role).
type Projector struct {
	registry *module.Registry
	blocks   *block.Cache
	arch     string

	lineCache *lru.Cache
}

// NewProjector builds a Projector. arch selects block.SweepArch's
// instruction-granular (x86_64) or whole-block stub (anything else) sweep.
func NewProjector(registry *module.Registry, blocks *block.Cache, arch string) *Projector {
	return &Projector{registry: registry, blocks: blocks, arch: arch, lineCache: lru.New(1 << 16)}
}

type lineCacheKey struct {
	module string
	offset uint64
}

type lineCacheEntry struct {
	file string
	line uint64
	ok   bool
}

func (p *Projector) lineFor(reader module.Reader, canonical string, offset uint64) (string, uint64, bool) {
	key := lineCacheKey{module: canonical, offset: offset}
	if v, ok := p.lineCache.Get(key); ok {
		e := v.(lineCacheEntry)
		return e.file, e.line, e.ok
	}

	file, line, ok := reader.LineForOffset(offset)
	p.lineCache.Add(key, lineCacheEntry{file: file, line: line, ok: ok})
	return file, line, ok
}

// Project implements spec §4.H: for every module in bin, locate the
// enclosing block of each covered offset, enumerate its instruction
// offsets, and fold every resolved (file, line) with count via "miss wins
// over hit". allowlist filters by source file path, not module path (the
// module allowlist has already shaped which offsets appear in bin).
func (p *Projector) Project(bin *coverage.BinaryCoverage, allowlist *config.Allowlist) (*SourceCoverage, error) {
	out := newSourceCoverage()

	for _, path := range bin.Modules() {
		mc := bin.Get(path)
		if len(mc) == 0 {
			continue
		}

		reader, err := p.registry.Get(path)
		if err != nil {
			// A module that produced coverage but can no longer be opened
			// (moved/deleted since the run) degrades to no source lines
			// for it rather than aborting the whole projection.
			continue
		}

		info, err := reader.DebugInfo()
		if err != nil {
			return nil, errdefs.Environment(err, "read debug info for "+path)
		}
		if !info.HasLineInfo {
			continue
		}

		if err := p.projectModule(out, path, reader, info, mc, allowlist); err != nil {
			return nil, err
		}
	}

	sort.Strings(out.Order)
	return out, nil
}

func (p *Projector) projectModule(out *SourceCoverage, canonical string, reader module.Reader, info *module.DebugInfo, mc coverage.ModuleCoverage, allowlist *config.Allowlist) error {
	offsets := make([]uint64, 0, len(mc))
	for off := range mc {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	for _, off := range offsets {
		count := mc[off]

		fn := info.FunctionContaining(off)
		if fn == nil {
			continue
		}

		blocks, err := p.blocks.GetOrSweep(canonical, fn.Offset, func() ([]block.Block, error) {
			return block.SweepArch(p.arch, reader, info, fn.Offset, fn.Size, info.ExtraLabels)
		})
		if err != nil {
			return errdefs.Environment(err, "sweep blocks for "+canonical)
		}

		blk, ok := findBlock(blocks, off)
		if !ok {
			continue
		}

		for _, instrOff := range p.instructionOffsets(reader, blk) {
			file, line, ok := p.lineFor(reader, canonical, instrOff)
			if !ok || line == 0 {
				continue
			}
			if !allowlist.Match(file) {
				continue
			}
			out.fold(file, line, count)
		}
	}

	return nil
}

func findBlock(blocks []block.Block, off uint64) (block.Block, bool) {
	for _, b := range blocks {
		if off >= b.EntryOffset && off < b.EntryOffset+b.Size {
			return b, true
		}
	}
	return block.Block{}, false
}

// instructionOffsets enumerates every instruction start offset within blk,
// mirroring source.rs's instruction_offsets. On the arm64 stub (blocks are
// whole functions with no operand decoding, spec §4.B Open Question
// resolution) it falls back to the block's single entry offset rather than
// attempting x86 decode on foreign bytes.
func (p *Projector) instructionOffsets(reader module.Reader, blk block.Block) []uint64 {
	if p.arch != block.ArchX86_64 {
		return []uint64{blk.EntryOffset}
	}

	code, err := reader.Read(blk.EntryOffset, int(blk.Size))
	if err != nil {
		return []uint64{blk.EntryOffset}
	}

	var offsets []uint64
	ip := blk.EntryOffset
	end := blk.EntryOffset + blk.Size
	for ip < end {
		rel := int(ip - blk.EntryOffset)
		if rel >= len(code) {
			break
		}
		inst, err := x86asm.Decode(code[rel:], 64)
		if err != nil {
			break
		}
		offsets = append(offsets, ip)
		ip += uint64(inst.Len)
	}
	return offsets
}
