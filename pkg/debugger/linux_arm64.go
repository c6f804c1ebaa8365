//go:build linux && arm64
// +build linux,arm64

/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package debugger

import "golang.org/x/sys/unix"

// trapPC: ARM64's BRK instruction does not advance PC past itself, so the
// breakpoint address is exactly the stopped PC (spec §4.C).
func trapPC(regs *unix.PtraceRegs) uint64 {
	return regs.Pc
}

func setPC(regs *unix.PtraceRegs, pc uint64) {
	regs.Pc = pc
}
