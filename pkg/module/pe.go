/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package module

import (
	"bytes"
	"debug/pe"
	"path/filepath"
	"strings"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/antgroup/fuzzcov/internal/errdefs"
)

// peSection is a section header's VA/file-offset extents.
type peSection struct {
	name               string
	vmStart, vmEnd     uint64
	fileStart, fileEnd uint64
}

func (s peSection) containsVA(va uint64) bool { return va >= s.vmStart && va < s.vmEnd }

// PeModule is the Windows/PE Debuggable Module variant (spec §4.A). The
// matching PDB is resolved by the caller (host debug-info search rules are
// an external policy, not this module's job) and passed explicitly.
type PeModule struct {
	path     string
	pdbPath  string
	data     mmap.MMap
	f        *pe.File
	baseVA   uint64
	sections []peSection

	debugInfo *DebugInfo
}

// OpenPE parses the PE headers at path. pdbPath may be empty, in which case
// DebugInfo() returns an empty, line-info-less view (spec §4.A: missing
// debug info is recoverable).
func OpenPE(path, pdbPath string) (*PeModule, error) {
	fh, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	data, err := mmap.Map(fh, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", path)
	}

	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		_ = data.Unmap()
		return nil, errors.Wrapf(err, "parse pe %s", path)
	}

	baseVA, err := imageBase(f)
	if err != nil {
		_ = data.Unmap()
		return nil, err
	}

	var sections []peSection
	for _, s := range f.Sections {
		sections = append(sections, peSection{
			name:      s.Name,
			vmStart:   baseVA + uint64(s.VirtualAddress),
			vmEnd:     baseVA + uint64(s.VirtualAddress) + uint64(s.VirtualSize),
			fileStart: uint64(s.Offset),
			fileEnd:   uint64(s.Offset) + uint64(s.Size),
		})
	}

	return &PeModule{path: path, pdbPath: pdbPath, data: data, f: f, baseVA: baseVA, sections: sections}, nil
}

func imageBase(f *pe.File) (uint64, error) {
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase), nil
	case *pe.OptionalHeader64:
		return oh.ImageBase, nil
	default:
		return 0, errors.New("pe file has no optional header")
	}
}

func (m *PeModule) Path() string   { return m.path }
func (m *PeModule) BaseVA() uint64 { return m.baseVA }

func (m *PeModule) Read(offset uint64, size int) ([]byte, error) {
	if offset >= uint64(len(m.data)) {
		return nil, nil
	}
	end := offset + uint64(size)
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}
	out := make([]byte, end-offset)
	copy(out, m.data[offset:end])
	return out, nil
}

func (m *PeModule) sectionForVA(va uint64) (peSection, bool) {
	for _, s := range m.sections {
		if s.containsVA(va) {
			return s, true
		}
	}
	return peSection{}, false
}

// VAToFileOffset implements spec §4.A's PE translation via the section
// header list: a virtual_offset becomes raw_pointer + (va - section VA).
func (m *PeModule) VAToFileOffset(va uint64) (uint64, error) {
	s, ok := m.sectionForVA(va)
	if !ok {
		return 0, errdefs.Invariant(errors.Errorf("no section for va %#x", va), m.path)
	}
	return s.fileStart + (va - s.vmStart), nil
}

func (m *PeModule) VAToVMOffset(va uint64) (uint64, error) {
	if _, ok := m.sectionForVA(va); !ok {
		return 0, errdefs.Invariant(errors.Errorf("no section for va %#x", va), m.path)
	}
	return va - m.baseVA, nil
}

func (m *PeModule) FileOffsetToVA(off uint64) (uint64, error) {
	for _, s := range m.sections {
		if off >= s.fileStart && off < s.fileEnd {
			return s.vmStart + (off - s.fileStart), nil
		}
	}
	return 0, errdefs.Invariant(errors.Errorf("no section for file offset %#x", off), m.path)
}

func (m *PeModule) Close() error {
	return m.data.Unmap()
}

// LineForOffset always reports no line info: the PDB reader in pdb.go is
// deliberately scoped to the global symbol stream only (see DESIGN.md) and
// does not parse the DBI module line-number substreams a real lookup would
// need. Source Coverage Projection degrades to offset-only coverage for PE
// modules as a result (spec §4.A's documented degraded mode).
func (m *PeModule) LineForOffset(off uint64) (string, uint64, bool) {
	return "", 0, false
}

// DebugInfo parses the companion PDB (if any) for function symbols and
// jump-table data-symbol extents (spec §4.A PE variant). Every proc symbol
// found becomes a Function; the PDB reader does not read line information,
// so no symbol is filtered on it and HasLineInfo stays false.
func (m *PeModule) DebugInfo() (*DebugInfo, error) {
	if m.debugInfo != nil {
		return m.debugInfo, nil
	}

	if m.pdbPath == "" {
		m.debugInfo = &DebugInfo{Functions: map[uint64]*Function{}, HasLineInfo: false}
		return m.debugInfo, nil
	}

	pdb, err := openPDB(m.pdbPath)
	if err != nil {
		// Missing/corrupt PDB is recoverable (spec §4.A failure modes).
		m.debugInfo = &DebugInfo{Functions: map[uint64]*Function{}, HasLineInfo: false}
		return m.debugInfo, nil
	}
	defer pdb.Close()

	procs, labels, err := pdb.walkSymbols()
	if err != nil {
		return nil, errors.Wrapf(err, "walk pdb symbols for %s", m.pdbPath)
	}

	functions := map[uint64]*Function{}
	for _, p := range procs {
		functions[p.offset] = &Function{Offset: p.offset, Size: p.size, Name: p.name, Noreturn: false}
	}

	m.debugInfo = &DebugInfo{Functions: functions, ExtraLabels: labels, HasLineInfo: pdb.hasLines}
	return m.debugInfo, nil
}

// ResolvePDBPath applies the common "same directory, .pdb extension"
// default debug-info search rule used when a host-specific symbol server
// lookup is unavailable (the network resolution itself is out of scope,
// spec §1 Non-goals).
func ResolvePDBPath(exePath string) string {
	ext := filepath.Ext(exePath)
	base := strings.TrimSuffix(exePath, ext)
	return base + ".pdb"
}
