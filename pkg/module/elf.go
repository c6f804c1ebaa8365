/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package module

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"io"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/antgroup/fuzzcov/internal/errdefs"
)

// attrNoreturn is DW_AT_noreturn. The standard library's debug/dwarf does
// not define this attribute as a named constant, so it is looked up by raw
// code, matching how gimli's DW_AT_noreturn is resolved in the original
// debuggable-module DWARF walk.
const attrNoreturn = dwarf.Attr(0x87)

// segment is a PT_LOAD program header's VA/file-offset extents, grounded on
// debuggable-module/src/linux.rs's VmMap/Segment translation.
type segment struct {
	vmStart, vmEnd     uint64
	fileStart, fileEnd uint64
}

func (s segment) containsVA(va uint64) bool { return va >= s.vmStart && va < s.vmEnd }

// ElfModule is the Linux/ELF Debuggable Module variant (spec §4.A).
type ElfModule struct {
	path     string
	data     mmap.MMap
	f        *elf.File
	baseVA   uint64
	segments []segment

	debugInfo *DebugInfo
	dwarfData *dwarf.Data
}

// OpenELF parses the ELF headers at path and memory-maps the backing file
// for zero-copy reads. DWARF parsing is deferred to DebugInfo().
func OpenELF(path string) (*ElfModule, error) {
	fh, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	data, err := mmap.Map(fh, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", path)
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		_ = data.Unmap()
		return nil, errors.Wrapf(err, "parse elf %s", path)
	}

	segs := buildSegments(f)
	if len(segs) == 0 {
		_ = data.Unmap()
		return nil, errdefs.Environment(errors.New("no PT_LOAD segments"), path)
	}

	baseVA := segs[0].vmStart
	for _, s := range segs {
		if s.vmStart < baseVA {
			baseVA = s.vmStart
		}
	}

	return &ElfModule{path: path, data: data, f: f, baseVA: baseVA, segments: segs}, nil
}

func buildSegments(f *elf.File) []segment {
	var segs []segment
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, segment{
			vmStart:   p.Vaddr,
			vmEnd:     p.Vaddr + p.Memsz,
			fileStart: p.Off,
			fileEnd:   p.Off + p.Filesz,
		})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].vmStart < segs[j].vmStart })
	return segs
}

func (m *ElfModule) Path() string   { return m.path }
func (m *ElfModule) BaseVA() uint64 { return m.baseVA }

func (m *ElfModule) Read(offset uint64, size int) ([]byte, error) {
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

func (m *ElfModule) segmentForVA(va uint64) (segment, bool) {
	for _, s := range m.segments {
		if s.containsVA(va) {
			return s, true
		}
	}
	return segment{}, false
}

// VAToFileOffset implements spec §4.A's ELF translation: locate the
// PT_LOAD segment containing va, then fileOff = seg.file_start +
// (va - seg.vm_start), clamped to seg.file_end (a VA past the file-backed
// range, e.g. inside .bss, is a short read rather than an error here; the
// clamping happens in Read).
func (m *ElfModule) VAToFileOffset(va uint64) (uint64, error) {
	seg, ok := m.segmentForVA(va)
	if !ok {
		return 0, errdefs.Invariant(errors.Errorf("no segment for va %#x", va), m.path)
	}
	fileOff := seg.fileStart + (va - seg.vmStart)
	if fileOff > seg.fileEnd {
		fileOff = seg.fileEnd
	}
	return fileOff, nil
}

func (m *ElfModule) VAToVMOffset(va uint64) (uint64, error) {
	if _, ok := m.segmentForVA(va); !ok {
		return 0, errdefs.Invariant(errors.Errorf("no segment for va %#x", va), m.path)
	}
	return va - m.baseVA, nil
}

func (m *ElfModule) FileOffsetToVA(off uint64) (uint64, error) {
	for _, s := range m.segments {
		if off >= s.fileStart && off < s.fileEnd {
			return s.vmStart + (off - s.fileStart), nil
		}
	}
	return 0, errdefs.Invariant(errors.Errorf("no segment for file offset %#x", off), m.path)
}

func (m *ElfModule) Close() error {
	return m.data.Unmap()
}

// LineForOffset resolves off (a module-relative VM offset) to a source
// file and line via the DWARF line table, playing the role the original
// SymCache lookup plays in the Source Coverage Projector (spec §4.H): it
// scans each compile unit's line program for the one containing the
// target address.
func (m *ElfModule) LineForOffset(off uint64) (string, uint64, bool) {
	if m.debugInfo == nil || !m.debugInfo.HasLineInfo || m.dwarfData == nil {
		return "", 0, false
	}

	va := m.baseVA + off

	reader := m.dwarfData.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}

		lr, err := m.dwarfData.LineReader(entry)
		if err != nil || lr == nil {
			reader.SkipChildren()
			continue
		}

		var le dwarf.LineEntry
		if err := lr.SeekPC(va, &le); err != nil {
			reader.SkipChildren()
			continue
		}
		if le.Line <= 0 {
			reader.SkipChildren()
			continue
		}

		return le.File.Name, uint64(le.Line), true
	}

	return "", 0, false
}

// section reads and, if needed, decompresses an ELF section by name. The
// legacy ".zdebug_*" GNU format is inflated with klauspost/compress/zlib;
// modern SHF_COMPRESSED sections come back already decompressed from
// debug/elf's Section.Data().
func (m *ElfModule) section(name string) ([]byte, bool, error) {
	legacy := false
	sec := m.f.Section(name)
	if sec == nil {
		sec = m.f.Section(".z" + name[1:])
		legacy = sec != nil
	}
	if sec == nil {
		return nil, false, nil
	}

	raw, err := sec.Data()
	if err != nil {
		return nil, false, errors.Wrapf(err, "read section %s", name)
	}

	if legacy {
		if len(raw) < 12 || string(raw[:4]) != "ZLIB" {
			return nil, false, errors.Errorf("malformed legacy compressed section %s", name)
		}
		raw = raw[12:]
	}
	if !legacy && sec.Flags&elf.SHF_COMPRESSED == 0 {
		return raw, true, nil
	}
	if !legacy {
		// SHF_COMPRESSED: debug/elf's Section.Data() already transparently
		// decompresses via the standard library's own zlib reader, so raw
		// is plain at this point. Nothing further to do.
		return raw, true, nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, false, errors.Wrapf(err, "zlib header for %s", name)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, false, errors.Wrapf(err, "inflate %s", name)
	}
	return out, true, nil
}

// DebugInfo walks the module's DWARF compilation units once, collecting
// DW_TAG_subprogram entries with a nonzero low_pc and their DW_AT_noreturn
// flag (spec §4.A), grounded on debuggable-module/src/linux.rs's debuginfo
// walk.
func (m *ElfModule) DebugInfo() (*DebugInfo, error) {
	if m.debugInfo != nil {
		return m.debugInfo, nil
	}

	info, infoOK, err := m.section(".debug_info")
	if err != nil {
		return nil, err
	}
	if !infoOK {
		// Missing debug info is recoverable: raw reads and block discovery
		// still work, source projection degrades to offset-only coverage.
		m.debugInfo = &DebugInfo{Functions: map[uint64]*Function{}, HasLineInfo: false}
		return m.debugInfo, nil
	}

	abbrev, _, err := m.section(".debug_abbrev")
	if err != nil {
		return nil, err
	}
	str, _, err := m.section(".debug_str")
	if err != nil {
		return nil, err
	}
	line, lineOK, err := m.section(".debug_line")
	if err != nil {
		return nil, err
	}
	ranges, _, err := m.section(".debug_ranges")
	if err != nil {
		return nil, err
	}

	d, err := dwarf.New(abbrev, nil, nil, info, line, nil, ranges, str)
	if err != nil {
		return nil, errors.Wrapf(err, "parse dwarf for %s", m.path)
	}
	m.dwarfData = d

	functions := map[uint64]*Function{}

	reader := d.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, errors.Wrapf(err, "walk dwarf entries in %s", m.path)
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}

		lowPC, ok := entry.Val(dwarf.AttrLowpc).(uint64)
		if !ok || lowPC == 0 {
			continue
		}

		size := highPCSize(entry, lowPC)
		name, _ := entry.Val(dwarf.AttrName).(string)
		noreturn, _ := entry.Val(attrNoreturn).(bool)

		off, err := m.VAToVMOffset(lowPC)
		if err != nil {
			// Entries for inlined/optimised-out functions can carry a
			// low_pc outside any loaded segment; skip rather than abort
			// the whole walk.
			continue
		}

		functions[off] = &Function{Offset: off, Size: size, Name: name, Noreturn: noreturn}
	}

	m.debugInfo = &DebugInfo{Functions: functions, HasLineInfo: lineOK}
	return m.debugInfo, nil
}

// highPCSize resolves DW_AT_high_pc, which DWARF encodes either as an
// absolute address or (DWARF4+) as a size offset from low_pc.
func highPCSize(entry *dwarf.Entry, lowPC uint64) uint64 {
	switch v := entry.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		if v > lowPC {
			return v - lowPC
		}
		return v
	case int64:
		return uint64(v)
	default:
		return 0
	}
}
