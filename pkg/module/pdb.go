/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package module

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// pdb is a minimal reader for the Microsoft MSF/PDB container: just enough
// of the superblock and stream directory to walk stream 3 for
// S_GPROC32/S_LPROC32 function symbols and S_LDATA32/S_GDATA32
// jump-table-adjacent label offsets (spec §4.A PE variant). DBI
// module-symbol substreams are not read. There is no
// maintained third-party Go PDB library in the retrieval pack's dependency
// corpus (see DESIGN.md); this is a deliberately narrow, from-scratch
// implementation rather than a general PDB/TPI/symbol parser.
type pdb struct {
	data     mmap.MMap
	f        *os.File
	pageSize uint32
	streams  [][]byte
	hasLines bool
}

const msfMagic = "Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00"

func openPDB(path string) (*pdb, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open pdb %s", path)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mmap pdb %s", path)
	}

	if len(data) < 32 || string(data[:len(msfMagic)]) != msfMagic {
		_ = data.Unmap()
		f.Close()
		return nil, errors.Errorf("%s is not an MSF/PDB container", path)
	}

	p := &pdb{data: data, f: f}
	if err := p.parseStreamDirectory(); err != nil {
		_ = data.Unmap()
		f.Close()
		return nil, err
	}

	return p, nil
}

func (p *pdb) Close() error {
	err := p.data.Unmap()
	if cerr := p.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// parseStreamDirectory reads the MSF superblock to locate the stream
// directory, then decodes it into per-stream page lists and materialises
// each stream's bytes.
func (p *pdb) parseStreamDirectory() error {
	const headerLen = 32
	r := bytes.NewReader(p.data[len(msfMagic):headerLen])

	var pageSize, freePageMap, pageCount, rootSize, reserved, rootDirPage uint32
	for _, field := range []*uint32{&pageSize, &freePageMap, &pageCount, &rootSize, &reserved} {
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return errors.Wrap(err, "read msf superblock")
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &rootDirPage); err != nil {
		return errors.Wrap(err, "read msf root directory pointer")
	}
	p.pageSize = pageSize

	numRootPages := ceilDiv(rootSize, pageSize)
	rootPageListOff := uint64(rootDirPage) * uint64(pageSize)
	rootPageList, err := p.readUint32Page(rootPageListOff, int(numRootPages))
	if err != nil {
		return err
	}

	rootStream, err := p.readStreamFromPages(rootPageList, rootSize)
	if err != nil {
		return errors.Wrap(err, "read msf stream directory")
	}

	sr := bytes.NewReader(rootStream)
	var numStreams uint32
	if err := binary.Read(sr, binary.LittleEndian, &numStreams); err != nil {
		return errors.Wrap(err, "read stream count")
	}

	sizes := make([]uint32, numStreams)
	for i := range sizes {
		if err := binary.Read(sr, binary.LittleEndian, &sizes[i]); err != nil {
			return errors.Wrap(err, "read stream size")
		}
	}

	p.streams = make([][]byte, numStreams)
	for i, size := range sizes {
		if size == 0 || size == 0xffffffff {
			continue
		}
		n := ceilDiv(size, pageSize)
		pages := make([]uint32, n)
		for j := range pages {
			if err := binary.Read(sr, binary.LittleEndian, &pages[j]); err != nil {
				return errors.Wrapf(err, "read stream %d page list", i)
			}
		}
		data, err := p.readStreamFromPages(pages, size)
		if err != nil {
			return errors.Wrapf(err, "materialise stream %d", i)
		}
		p.streams[i] = data
	}

	return nil
}

func (p *pdb) readUint32Page(byteOffset uint64, count int) ([]uint32, error) {
	if byteOffset+uint64(count)*4 > uint64(len(p.data)) {
		return nil, errors.New("page list out of range")
	}
	out := make([]uint32, count)
	r := bytes.NewReader(p.data[byteOffset : byteOffset+uint64(count)*4])
	if err := binary.Read(r, binary.LittleEndian, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *pdb) readStreamFromPages(pages []uint32, size uint32) ([]byte, error) {
	out := make([]byte, 0, size)
	remaining := size
	for _, pg := range pages {
		start := uint64(pg) * uint64(p.pageSize)
		n := p.pageSize
		if remaining < n {
			n = remaining
		}
		if start+uint64(n) > uint64(len(p.data)) {
			return nil, errors.New("page out of range")
		}
		out = append(out, p.data[start:start+uint64(n)]...)
		remaining -= n
	}
	return out, nil
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// pdbProc is a function symbol recovered from a PDB module symbol stream.
type pdbProc struct {
	name   string
	offset uint64
	size   uint64
}

// Symbol record kinds relevant to block discovery (codeview.h constants).
const (
	symGProc32 = 0x1110
	symLProc32 = 0x110f
	symGData32 = 0x110d
	symLData32 = 0x110c
)

// walkSymbols scans stream 0x3 (the global symbol stream, a simplification
// of the full per-module DBI walk: module-local symbol substreams are an
// additional indirection this narrow reader does not follow) for S_GPROC32/
// S_LPROC32 records, and S_GDATA32/S_LDATA32 records as candidate
// jump-table label offsets.
func (p *pdb) walkSymbols() ([]pdbProc, []uint64, error) {
	const globalSymStream = 3
	if globalSymStream >= len(p.streams) || p.streams[globalSymStream] == nil {
		return nil, nil, nil
	}

	data := p.streams[globalSymStream]
	var procs []pdbProc
	var labels []uint64

	off := 0
	for off+4 <= len(data) {
		recLen := binary.LittleEndian.Uint16(data[off:])
		if recLen < 2 {
			break
		}
		recKind := binary.LittleEndian.Uint16(data[off+2:])
		body := data[off+4 : minInt(off+2+int(recLen), len(data))]

		switch recKind {
		case symGProc32, symLProc32:
			if len(body) >= 32 {
				codeOffset := binary.LittleEndian.Uint32(body[20:24])
				length := binary.LittleEndian.Uint32(body[16:20])
				name := cString(body[32:])
				procs = append(procs, pdbProc{name: name, offset: uint64(codeOffset), size: uint64(length)})
			}
		case symGData32, symLData32:
			if len(body) >= 12 {
				dataOffset := binary.LittleEndian.Uint32(body[4:8])
				labels = append(labels, uint64(dataOffset))
			}
		}

		off += 2 + int(recLen)
	}

	return procs, labels, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
