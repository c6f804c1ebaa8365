/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package module implements the Debuggable Module abstraction (spec §4.A):
// a capability set shared by the ELF (DWARF) and PE (PDB) variants that maps
// virtual addresses to file offsets, and file bytes to the enclosing
// function/noreturn-ness needed by Block Discovery.
package module

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/antgroup/fuzzcov/internal/errdefs"
)

// openFile opens path read-only for mmap-backed module readers.
func openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.Environment(err, "open "+path)
	}
	return f, nil
}

// Function is a contiguous VA range within a module (spec §3).
type Function struct {
	// Offset is the module-relative entry offset.
	Offset uint64
	Size   uint64
	Name   string
	// Noreturn is recovered from DWARF DW_AT_noreturn or PDB procedure
	// flags; Block Discovery stops a block at a call to such a function.
	Noreturn bool
}

// DebugInfo is the on-demand view produced by Module.DebugInfo(): a
// function-offset index plus any extra label offsets (e.g. jump-table
// targets recovered from PDB data symbols) that seed Block Discovery's
// worklist.
type DebugInfo struct {
	// Functions is keyed by module-relative entry offset.
	Functions map[uint64]*Function
	// ExtraLabels are module-relative offsets known to be valid
	// instruction entries that are not function entries (jump-table
	// targets).
	ExtraLabels []uint64
	// HasLineInfo is false when the module's debug info could be parsed
	// for functions but carries no source-line table (degrades Source
	// Coverage Projection to offset-only coverage, spec §4.A).
	HasLineInfo bool
}

// FunctionContaining returns the function whose [Offset, Offset+Size) range
// contains off, or nil.
func (d *DebugInfo) FunctionContaining(off uint64) *Function {
	var best *Function
	for _, fn := range d.Functions {
		if off < fn.Offset || off >= fn.Offset+fn.Size {
			continue
		}
		if best == nil || fn.Offset > best.Offset {
			best = fn
		}
	}
	return best
}

// Reader is the capability set spec §4.A requires of both module variants.
type Reader interface {
	// Path is the backing file path exactly as passed to Open; it is not
	// canonicalised (Registry keys modules by CanonicalPath separately).
	Path() string
	// BaseVA is the module's load bias: the lowest loadable segment's
	// virtual address on ELF, image_base on PE.
	BaseVA() uint64
	// Read returns up to size bytes starting at the given module-relative
	// file offset. A short read is valid (e.g. .bss has no file backing).
	Read(offset uint64, size int) ([]byte, error)
	// DebugInfo returns the (possibly degraded) debug-info view.
	DebugInfo() (*DebugInfo, error)
	// VAToFileOffset translates a virtual address to a file offset.
	VAToFileOffset(va uint64) (uint64, error)
	// VAToVMOffset translates a virtual address to a module-relative
	// offset (va - BaseVA, accounting for non-contiguous segments).
	VAToVMOffset(va uint64) (uint64, error)
	// FileOffsetToVA is the inverse of VAToFileOffset.
	FileOffsetToVA(off uint64) (uint64, error)
	// LineForOffset resolves a module-relative code offset to a source file
	// and line number, or ok=false if the module carries no usable line
	// table for that offset (spec §4.H degrades to offset-only coverage in
	// that case).
	LineForOffset(off uint64) (file string, line uint64, ok bool)
	// Close releases any backing mapping (e.g. the mmap-go handle).
	Close() error
}

// CanonicalPath normalises a module path for use as a registry/cache key:
// resolve symlinks, then lower-case on case-insensitive hosts.
func CanonicalPath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = filepath.Clean(path)
	}
	if runtime.GOOS == "windows" {
		resolved = strings.ToLower(resolved)
	}
	return resolved
}

// Registry is the process-wide arena of opened modules, keyed by canonical
// path (spec §9: "cyclic ownership... replaced by an arena"). Recorders
// hold a *Reader obtained from the registry, never a private copy.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Reader
	group   singleflight.Group
	open    func(path string) (Reader, error)
}

// NewRegistry builds a Registry that opens modules with openFn (Open for
// production use; tests may inject a fake).
func NewRegistry(openFn func(path string) (Reader, error)) *Registry {
	return &Registry{
		modules: make(map[string]Reader),
		open:    openFn,
	}
}

// Get returns the Reader for path, opening and caching it on first use.
// Concurrent first-touches for the same canonical path collapse into one
// open via singleflight.
func (r *Registry) Get(path string) (Reader, error) {
	key := CanonicalPath(path)

	r.mu.RLock()
	if m, ok := r.modules[key]; ok {
		r.mu.RUnlock()
		return m, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.RLock()
		if m, ok := r.modules[key]; ok {
			r.mu.RUnlock()
			return m, nil
		}
		r.mu.RUnlock()

		m, err := r.open(path)
		if err != nil {
			return nil, errdefs.Environment(err, "open module "+path)
		}

		r.mu.Lock()
		r.modules[key] = m
		r.mu.Unlock()

		return m, nil
	})
	if err != nil {
		return nil, err
	}

	m, ok := v.(Reader)
	if !ok {
		return nil, errors.Errorf("internal error: registry entry for %s is not a Reader", path)
	}
	return m, nil
}

// Close closes every cached module and clears the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for path, m := range r.modules {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close module %s", path)
		}
	}
	r.modules = make(map[string]Reader)
	return firstErr
}
