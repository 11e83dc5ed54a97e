// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package probe

import (
	"fmt"

	"github.com/cilium/ebpf/btf"

	"github.com/nodeguarder/nodeguarder/pkg/ebpf/core"
)

// TaskOffsets carries every kernel structure offset the generated programs
// read through. All values are resolved from the running kernel's BTF at
// load time; a field the kernel does not expose fails the load rather than
// producing a program that reads the wrong memory.
type TaskOffsets struct {
	// task_struct
	TaskPID        uint32 // task_struct.pid
	TaskRealParent uint32 // task_struct.real_parent
	TaskExitCode   uint32 // task_struct.exit_code
	TaskThreadPID  uint32 // task_struct.thread_pid

	// struct pid
	PIDLevel   uint32 // pid.level
	PIDNumbers uint32 // pid.numbers

	// struct upid
	UpidNr   uint32 // upid.nr
	UpidSize uint32 // sizeof(struct upid), the numbers[] stride

	// sched_process_fork tracepoint context
	ForkChildPID uint32 // trace_event_raw_sched_process_fork.child_pid
}

// ResolveTaskOffsets resolves every offset the probe needs from kernel BTF.
func ResolveTaskOffsets(spec *btf.Spec) (*TaskOffsets, error) {
	task, err := core.StructByName(spec, "task_struct")
	if err != nil {
		return nil, err
	}
	pid, err := core.StructByName(spec, "pid")
	if err != nil {
		return nil, err
	}
	upid, err := core.StructByName(spec, "upid")
	if err != nil {
		return nil, err
	}
	forkCtx, err := core.StructByName(spec, "trace_event_raw_sched_process_fork")
	if err != nil {
		return nil, err
	}
	return taskOffsetsFromStructs(task, pid, upid, forkCtx)
}

func taskOffsetsFromStructs(task, pid, upid, forkCtx *btf.Struct) (*TaskOffsets, error) {
	var (
		off TaskOffsets
		err error
	)

	fields := []struct {
		dst  *uint32
		st   *btf.Struct
		name string
	}{
		{&off.TaskPID, task, "pid"},
		{&off.TaskRealParent, task, "real_parent"},
		{&off.TaskExitCode, task, "exit_code"},
		{&off.TaskThreadPID, task, "thread_pid"},
		{&off.PIDLevel, pid, "level"},
		{&off.PIDNumbers, pid, "numbers"},
		{&off.UpidNr, upid, "nr"},
		{&off.ForkChildPID, forkCtx, "child_pid"},
	}
	for _, f := range fields {
		if *f.dst, err = core.MemberOffset(f.st, f.name); err != nil {
			return nil, fmt.Errorf("resolving task offsets: %w", err)
		}
	}

	// The numbers[] stride is the element size of the array itself, not a
	// compile-time sizeof.
	if off.UpidSize, err = core.ArrayElemSize(pid, "numbers"); err != nil {
		return nil, fmt.Errorf("resolving task offsets: %w", err)
	}

	return &off, nil
}
