//go:build linux && amd64
// +build linux,amd64

/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package debugger

import "golang.org/x/sys/unix"

// trapPC computes what the instruction pointer would have been if the
// tracee stopped on a soft breakpoint: the INT3 trap advances RIP past the
// clobbered byte, so the candidate breakpoint address is RIP-1 (spec §4.C).
func trapPC(regs *unix.PtraceRegs) uint64 {
	return regs.Rip - 1
}

func setPC(regs *unix.PtraceRegs, pc uint64) {
	regs.Rip = pc
}
