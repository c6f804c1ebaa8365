/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package block implements Block Discovery (spec §4.B): sweep-disassembling
// a function region into basic blocks, honouring jump tables and
// known-noreturn call targets.
package block

import (
	"sort"

	"golang.org/x/arch/x86/x86asm"

	"github.com/antgroup/fuzzcov/internal/errdefs"
	"github.com/antgroup/fuzzcov/pkg/module"
)

// Block is a maximal straight-line instruction sequence inside a function
// (spec §3).
type Block struct {
	EntryOffset uint64
	Size        uint64
}

// Sweep disassembles the function at [funcOffset, funcOffset+funcSize) in m
// and returns its basic blocks, ordered and non-overlapping (spec §4.B).
// extraLabels are additional known-valid entry offsets (jump-table targets)
// that seed the worklist alongside the function entry; labels outside
// [funcOffset, funcOffset+funcSize) are discarded.
func Sweep(m module.Reader, info *module.DebugInfo, funcOffset, funcSize uint64, extraLabels []uint64) ([]Block, error) {
	if funcSize == 0 {
		return nil, nil
	}

	funcEnd := funcOffset + funcSize

	worklist := []uint64{funcOffset}
	seen := map[uint64]bool{}
	for _, l := range extraLabels {
		if l >= funcOffset && l < funcEnd {
			worklist = append(worklist, l)
		}
	}

	// entries known to start a block; used to trim a fall-through block
	// short when it would cross into another block's start (spec §4.B tie
	// break rule).
	knownEntries := map[uint64]bool{}
	for _, e := range worklist {
		knownEntries[e] = true
	}

	code, err := m.Read(funcOffset, int(funcSize))
	if err != nil {
		return nil, errdefs.Environment(err, "read function bytes")
	}

	var blocks []Block

	for len(worklist) > 0 {
		entry := worklist[0]
		worklist = worklist[1:]
		if seen[entry] {
			continue
		}
		seen[entry] = true

		block, successors, err := sweepOne(code, funcOffset, funcEnd, entry, knownEntries, info)
		if err != nil {
			return nil, err
		}
		if block.Size > 0 {
			blocks = append(blocks, block)
		}

		for _, s := range successors {
			if s >= funcOffset && s < funcEnd && !seen[s] {
				if !knownEntries[s] {
					knownEntries[s] = true
				}
				worklist = append(worklist, s)
			}
		}
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].EntryOffset < blocks[j].EntryOffset })
	return dedupe(blocks), nil
}

// sweepOne decodes linearly from entry until it hits a terminating
// instruction (spec §4.B classification table) or the region end, or an
// invalid decode, returning the completed block and any successor entry
// offsets to add to the worklist.
func sweepOne(code []byte, base, end, entry uint64, knownEntries map[uint64]bool, info *module.DebugInfo) (Block, []uint64, error) {
	ip := entry
	for {
		if ip >= end {
			break
		}

		rel := int(ip - base)
		if rel >= len(code) {
			break
		}

		inst, err := x86asm.Decode(code[rel:], 64)
		if err != nil {
			// Invalid decode: stop, block ends at the last valid IP.
			return Block{EntryOffset: entry, Size: ip - entry}, nil, nil
		}

		nextIP := ip + uint64(inst.Len)

		// Shared-successor tie break: a fall-through that would cross into
		// an already-known block entry ends the current block there.
		crossesKnownEntry := nextIP != entry && knownEntries[nextIP] && nextIP > entry

		switch classify(inst) {
		case termFallthrough:
			if crossesKnownEntry {
				return Block{EntryOffset: entry, Size: nextIP - entry}, []uint64{nextIP}, nil
			}
			ip = nextIP
			continue

		case termUnconditionalBranch:
			target, ok := branchTarget(inst, ip)
			var succ []uint64
			if ok {
				succ = []uint64{target}
			}
			return Block{EntryOffset: entry, Size: nextIP - entry}, succ, nil

		case termConditionalBranch:
			target, ok := branchTarget(inst, ip)
			succ := []uint64{nextIP}
			if ok {
				succ = append(succ, target)
			}
			return Block{EntryOffset: entry, Size: nextIP - entry}, succ, nil

		case termCallOrFallthrough:
			// A call to a known-noreturn function ends the block; the
			// return address is unreachable (spec §4.B). Indirect calls
			// and calls to unresolved/non-noreturn targets fall through.
			if target, ok := branchTarget(inst, ip); ok && info != nil {
				if fn := info.FunctionContaining(target); fn != nil && fn.Offset == target && fn.Noreturn {
					return Block{EntryOffset: entry, Size: nextIP - entry}, nil, nil
				}
			}
			if crossesKnownEntry {
				return Block{EntryOffset: entry, Size: nextIP - entry}, []uint64{nextIP}, nil
			}
			ip = nextIP
			continue

		case termStop:
			return Block{EntryOffset: entry, Size: nextIP - entry}, nil, nil
		}
	}

	return Block{EntryOffset: entry, Size: ip - entry}, nil, nil
}

func dedupe(blocks []Block) []Block {
	out := blocks[:0]
	var lastEntry uint64
	have := false
	for _, b := range blocks {
		if have && b.EntryOffset == lastEntry {
			continue
		}
		out = append(out, b)
		lastEntry = b.EntryOffset
		have = true
	}
	return out
}

type terminator int

const (
	termFallthrough terminator = iota
	termUnconditionalBranch
	termConditionalBranch
	termCallOrFallthrough
	termStop
)

func classify(inst x86asm.Inst) terminator {
	switch inst.Op {
	case x86asm.JMP:
		return termUnconditionalBranch
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JECXZ,
		x86asm.JRCXZ, x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE,
		x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP,
		x86asm.JS:
		return termConditionalBranch
	case x86asm.CALL:
		// Noreturn classification happens at the caller (it needs the
		// module's function table to resolve the call target), so CALL is
		// provisionally fall-through here; sweepOne ends the block itself
		// when the call target is a known-noreturn function.
		return termCallOrFallthrough
	case x86asm.RET, x86asm.RETF:
		return termStop
	case x86asm.INT, x86asm.INT3, x86asm.INTO, x86asm.UD2, x86asm.HLT:
		return termStop
	case x86asm.XBEGIN, x86asm.XEND:
		return termCallOrFallthrough
	default:
		return termFallthrough
	}
}

func branchTarget(inst x86asm.Inst, ip uint64) (uint64, bool) {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return uint64(int64(ip) + int64(inst.Len) + int64(rel)), true
}
