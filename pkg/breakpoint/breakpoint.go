/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package breakpoint implements the Breakpoint Manager (spec §4.D):
// install and restore one-shot software breakpoints keyed to an absolute
// address, with bulk read/patch/write variants spanning an address range.
package breakpoint

import (
	"sort"
	"sync"

	"github.com/rs/xid"

	"github.com/antgroup/fuzzcov/internal/errdefs"
)

// TrapOpcode is the one-byte x86/x86-64 software breakpoint instruction
// (spec §3). The manager writes this single byte on every architecture,
// Bulk* variants included; it has no ARM64 BRK encoding and no width
// parameter.
const TrapOpcode = 0xcc

// Writer is the process/tracee memory accessor the manager patches
// through. Linux ptrace and Windows ReadProcessMemory/WriteProcessMemory
// both implement this narrow contract.
type Writer interface {
	ReadMemory(addr uint64, out []byte) error
	WriteMemory(addr uint64, data []byte) error
	FlushInstructionCache(addr uint64, size int) error
}

// Registration is the opaque id <-> (module, offset) binding recorded for
// a live breakpoint (spec §3).
type Registration struct {
	ID         string
	ModuleIdx  int
	Offset     uint64
	Addr       uint64
	SavedByte  byte
}

// Manager owns the set of live breakpoints for a single target execution
// (spec §5: "Breakpoint state is owned exclusively by the recorder of a
// run; it is never shared across processes").
type Manager struct {
	mu   sync.Mutex
	w    Writer
	live map[uint64]*Registration // keyed by absolute address
}

// NewManager returns a Manager that patches memory through w.
func NewManager(w Writer) *Manager {
	return &Manager{w: w, live: make(map[uint64]*Registration)}
}

// Set installs a one-shot software breakpoint at addr, recording the
// original byte. Setting an already-live address is a no-op (spec §3
// invariant: "for each live registration the byte stored equals the byte
// currently present at the target address immediately before the trap was
// installed" — re-installing would instead capture 0xCC as if it were the
// original instruction).
func (m *Manager) Set(moduleIdx int, offset, addr uint64) (*Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.live[addr]; ok {
		return r, nil
	}

	var orig [1]byte
	if err := m.w.ReadMemory(addr, orig[:]); err != nil {
		return nil, errdefs.Protocol(err, "read original byte for breakpoint")
	}

	if err := m.w.WriteMemory(addr, []byte{TrapOpcode}); err != nil {
		return nil, errdefs.Protocol(err, "install breakpoint trap")
	}
	if err := m.w.FlushInstructionCache(addr, 1); err != nil {
		return nil, errdefs.Protocol(err, "flush instruction cache after install")
	}

	reg := &Registration{
		ID:        xid.New().String(),
		ModuleIdx: moduleIdx,
		Offset:    offset,
		Addr:      addr,
		SavedByte: orig[0],
	}
	m.live[addr] = reg
	return reg, nil
}

// Clear restores the original byte at addr, returning whether a
// registration existed there.
func (m *Manager) Clear(addr uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.live[addr]
	if !ok {
		return false, nil
	}
	delete(m.live, addr)

	if err := m.w.WriteMemory(addr, []byte{reg.SavedByte}); err != nil {
		return true, errdefs.Protocol(err, "restore original byte")
	}
	if err := m.w.FlushInstructionCache(addr, 1); err != nil {
		return true, errdefs.Protocol(err, "flush instruction cache after clear")
	}
	return true, nil
}

// Lookup returns the live registration at addr, if any.
func (m *Manager) Lookup(addr uint64) (*Registration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.live[addr]
	return r, ok
}

// RemoveAll restores every live breakpoint.
func (m *Manager) RemoveAll() error {
	m.mu.Lock()
	addrs := make([]uint64, 0, len(m.live))
	for addr := range m.live {
		addrs = append(addrs, addr)
	}
	m.mu.Unlock()

	var firstErr error
	for _, addr := range addrs {
		if _, err := m.Clear(addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BulkInstall installs breakpoints at every given address in a single
// read-patch-write round trip over their enclosing [min,max] span (spec
// §4.D), grounded on the Windows breakpoint manager's bulk
// ReadProcessMemory/WriteProcessMemory contract.
func (m *Manager) BulkInstall(addrs []uint64, moduleIdxOf func(addr uint64) (int, uint64)) ([]*Registration, error) {
	if len(addrs) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := append([]uint64(nil), addrs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	min, max := sorted[0], sorted[len(sorted)-1]

	span := int(max-min) + 1
	buf := make([]byte, span)
	if err := m.w.ReadMemory(min, buf); err != nil {
		return nil, errdefs.Protocol(err, "bulk read breakpoint span")
	}

	regs := make([]*Registration, 0, len(sorted))
	for _, addr := range sorted {
		if _, ok := m.live[addr]; ok {
			continue
		}
		idx := int(addr - min)
		orig := buf[idx]
		buf[idx] = TrapOpcode

		moduleIdx, offset := moduleIdxOf(addr)
		reg := &Registration{
			ID:        xid.New().String(),
			ModuleIdx: moduleIdx,
			Offset:    offset,
			Addr:      addr,
			SavedByte: orig,
		}
		m.live[addr] = reg
		regs = append(regs, reg)
	}

	if err := m.w.WriteMemory(min, buf); err != nil {
		return nil, errdefs.Protocol(err, "bulk write breakpoint span")
	}
	if err := m.w.FlushInstructionCache(min, span); err != nil {
		return nil, errdefs.Protocol(err, "bulk flush instruction cache")
	}

	return regs, nil
}
