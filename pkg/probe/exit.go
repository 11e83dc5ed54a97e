// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package probe

import (
	"github.com/cilium/ebpf/asm"
)

// Stack layout of the exit handler. The event record is assembled in place
// so it can be handed to bpf_perf_event_output as one block.
//
//	FP-4   map key: exiting pid (u32)
//	FP-56  event.pid
//	FP-52  event.parent_pid
//	FP-48  event.ns_pid
//	FP-44  event.ns_parent_pid
//	FP-40  event.exit_code
//	FP-36  event.comm (16 bytes, ends at FP-20)
//	FP-64  scratch: raw wait status
//	FP-72  scratch: real_parent task pointer
//	FP-80  scratch: thread_pid pointer
//	FP-84  scratch: namespace nesting level
const (
	slotKey      = -4
	slotEvent    = -56
	slotPPID     = -52
	slotNSPID    = -48
	slotNSPPID   = -44
	slotExitCode = -40
	slotComm     = -36
	slotRawCode  = -64
	slotParent   = -72
	slotPIDPtr   = -80
	slotLevel    = -84
)

const currentCPUFlag = 0xffffffff // BPF_F_CURRENT_CPU

// exitInstructions generates the sched_process_exit handler: look up the
// exiting pid, assemble the exit record, emit it best-effort on the perf
// channel and unconditionally drop the tracking entry. Misses (the vast
// majority of exits) return after a single map lookup.
func exitInstructions(off *TaskOffsets) asm.Instructions {
	insns := asm.Instructions{
		// Keep the tracepoint context for bpf_perf_event_output.
		asm.Mov.Reg(asm.R6, asm.R1),

		// Key: kernel-global pid of the exiting process.
		asm.FnGetCurrentPidTgid.Call(),
		asm.RSh.Imm(asm.R0, 32),
		asm.StoreMem(asm.RFP, slotKey, asm.R0, asm.Word),

		asm.LoadMapPtr(asm.R1, 0).WithReference(TrackedMapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, slotKey),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "out"),

		// event.pid
		asm.LoadMem(asm.R1, asm.RFP, slotKey, asm.Word),
		asm.StoreMem(asm.RFP, slotEvent, asm.R1, asm.Word),

		// event.comm, read fresh at exit time: the process may have renamed
		// itself via exec since the fork.
		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, slotComm),
		asm.Mov.Imm(asm.R2, CommLen),
		asm.FnGetCurrentComm.Call(),

		asm.FnGetCurrentTask.Call(),
		asm.Mov.Reg(asm.R7, asm.R0),
	}

	// Raw wait status from the task itself.
	insns = emitFieldRead(insns, slotRawCode, 4, asm.R7, off.TaskExitCode)

	// Namespace-relative pid of the exiting task.
	insns = emitNamespacePID(insns, off, asm.R7, slotNSPID, "self")

	// Live read of the real parent. If the spawning process is gone this is
	// the current parent after re-parenting, not the original one.
	insns = emitFieldRead(insns, slotParent, 8, asm.R7, off.TaskRealParent)
	insns = append(insns,
		asm.LoadMem(asm.R8, asm.RFP, slotParent, asm.DWord),
		asm.JNE.Imm(asm.R8, 0, "parent"),
		asm.Mov.Imm(asm.R1, 0),
		asm.StoreMem(asm.RFP, slotPPID, asm.R1, asm.Word),
		asm.StoreMem(asm.RFP, slotNSPPID, asm.R1, asm.Word),
		asm.Ja.Label("decode"),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("parent"),
	)
	insns = emitFieldRead(insns, slotPPID, 4, asm.R8, off.TaskPID)
	insns = emitNamespacePID(insns, off, asm.R8, slotNSPPID, "parent_ns")

	insns = append(insns,
		// Wait-status decode: low 7 bits carry a terminating signal, the
		// upper byte carries the exit(2) status otherwise.
		asm.LoadMem(asm.R1, asm.RFP, slotRawCode, asm.Word).WithSymbol("decode"),
		asm.Mov.Reg(asm.R2, asm.R1),
		asm.And.Imm(asm.R2, 0x7f),
		asm.JNE.Imm(asm.R2, 0, "signaled"),
		asm.RSh.Imm(asm.R1, 8),
		asm.And.Imm(asm.R1, 0xff),
		asm.Ja.Label("code_done"),
		asm.Mov.Reg(asm.R1, asm.R2).WithSymbol("signaled"),
		asm.Add.Imm(asm.R1, 128),
		asm.StoreMem(asm.RFP, slotExitCode, asm.R1, asm.Word).WithSymbol("code_done"),

		// Best-effort, current-CPU emit. A full ring drops this one event;
		// nothing is retried.
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, 0).WithReference(EventMapName),
		asm.LoadImm(asm.R3, currentCPUFlag, asm.DWord),
		asm.Mov.Reg(asm.R4, asm.RFP),
		asm.Add.Imm(asm.R4, slotEvent),
		asm.Mov.Imm(asm.R5, EventSize),
		asm.FnPerfEventOutput.Call(),

		// Delete regardless of whether the emit landed, so a tracking entry
		// can never outlive its exit or leak onto a reused pid.
		asm.LoadMapPtr(asm.R1, 0).WithReference(TrackedMapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, slotKey),
		asm.FnMapDeleteElem.Call(),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("out"),
		asm.Return(),
	)

	return insns
}

// emitFieldRead appends a bounded kernel read of size bytes from base+off
// into the stack slot dst. bpf_probe_read_kernel zeroes dst on failure, so
// the slot is initialized on every path.
func emitFieldRead(insns asm.Instructions, dst int16, size int32, base asm.Register, off uint32) asm.Instructions {
	return append(insns,
		asm.Mov.Reg(asm.R3, base),
		asm.Add.Imm(asm.R3, int32(off)),
		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, int32(dst)),
		asm.Mov.Imm(asm.R2, size),
		asm.FnProbeReadKernel.Call(),
	)
}

// emitNamespacePID appends the namespace pid resolution for the task held in
// taskReg, storing the id as seen by the innermost pid namespace into the
// stack slot dst. The identity chain is task->thread_pid->numbers[level].nr;
// a depth outside [1, 7] indexes the outermost entry instead, because the
// numbers array has a fixed maximum nesting and the verifier needs the index
// provably in range. Labels are prefixed so the sequence can be emitted more
// than once per program.
func emitNamespacePID(insns asm.Instructions, off *TaskOffsets, taskReg asm.Register, dst int16, prefix string) asm.Instructions {
	insns = emitFieldRead(insns, slotPIDPtr, 8, taskReg, off.TaskThreadPID)
	insns = append(insns,
		asm.LoadMem(asm.R9, asm.RFP, slotPIDPtr, asm.DWord),
		asm.JEq.Imm(asm.R9, 0, prefix+"_zero"),
	)
	insns = emitFieldRead(insns, slotLevel, 4, asm.R9, off.PIDLevel)
	insns = append(insns,
		asm.LoadMem(asm.R1, asm.RFP, slotLevel, asm.Word),
		// Clamp an out-of-range depth to the outermost namespace.
		asm.JLE.Imm(asm.R1, 7, prefix+"_index"),
		asm.Mov.Imm(asm.R1, 0),

		// &pid->numbers[level].nr
		asm.Mul.Imm(asm.R1, int32(off.UpidSize)).WithSymbol(prefix+"_index"),
		asm.Mov.Reg(asm.R3, asm.R9),
		asm.Add.Reg(asm.R3, asm.R1),
		asm.Add.Imm(asm.R3, int32(off.PIDNumbers+off.UpidNr)),
		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, int32(dst)),
		asm.Mov.Imm(asm.R2, 4),
		asm.FnProbeReadKernel.Call(),
		asm.Ja.Label(prefix+"_done"),

		asm.Mov.Imm(asm.R1, 0).WithSymbol(prefix+"_zero"),
		asm.StoreMem(asm.RFP, dst, asm.R1, asm.Word),

		asm.Mov.Imm(asm.R0, 0).WithSymbol(prefix + "_done"),
	)
	return insns
}
