// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package probe

import (
	"github.com/cilium/ebpf/asm"
)

// forkInstructions generates the sched_process_fork handler. The fork event
// fires in the parent's context, so the current comm is the parent's name.
// When it matches a cron variant the new child's pid is upserted into the
// tracking map; everything else is a silent non-match. The handler never
// fails process creation: it always returns 0.
//
// Stack:
//
//	FP-16..FP-1  comm buffer (16 bytes)
//	FP-20        map key: child pid (u32)
//	FP-24        map value: presence marker (u8)
func forkInstructions(childPIDOff uint32) asm.Instructions {
	return asm.Instructions{
		// Keep the tracepoint context across helper calls.
		asm.Mov.Reg(asm.R6, asm.R1),

		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, -16),
		asm.Mov.Imm(asm.R2, CommLen),
		asm.FnGetCurrentComm.Call(),

		// The comm buffer is fixed at 16 bytes and need not be
		// null-terminated, so match byte-by-byte, never with string ops.
		asm.LoadMem(asm.R1, asm.RFP, -16, asm.Byte),
		asm.LoadMem(asm.R2, asm.RFP, -15, asm.Byte),
		asm.LoadMem(asm.R3, asm.RFP, -14, asm.Byte),
		asm.LoadMem(asm.R4, asm.RFP, -13, asm.Byte),

		// "cron" also covers "crond": the fifth byte is free to differ.
		asm.JNE.Imm(asm.R1, 'c', "upper"),
		asm.JNE.Imm(asm.R2, 'r', "upper"),
		asm.JNE.Imm(asm.R3, 'o', "upper"),
		asm.JNE.Imm(asm.R4, 'n', "upper"),
		asm.Ja.Label("track"),

		asm.JNE.Imm(asm.R1, 'C', "out").WithSymbol("upper"),
		asm.JNE.Imm(asm.R2, 'R', "out"),
		asm.JNE.Imm(asm.R3, 'O', "out"),
		asm.JNE.Imm(asm.R4, 'N', "out"),

		// Key: the new child's kernel-global pid from the tracepoint context.
		asm.LoadMem(asm.R1, asm.R6, int16(childPIDOff), asm.Word).WithSymbol("track"),
		asm.StoreMem(asm.RFP, -20, asm.R1, asm.Word),

		// Value: membership is all that matters.
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreMem(asm.RFP, -24, asm.R1, asm.Byte),

		asm.LoadMapPtr(asm.R1, 0).WithReference(TrackedMapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -20),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, -24),
		asm.Mov.Imm(asm.R4, 0), // BPF_ANY: overwrite if already tracked
		asm.FnMapUpdateElem.Call(),
		// A full map fails the update; the child simply goes unreported.

		asm.Mov.Imm(asm.R0, 0).WithSymbol("out"),
		asm.Return(),
	}
}
