// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package probe generates the NodeGuarder kernel probe: two tracepoint
// programs (process fork, process exit) plus the map state they share,
// assembled as eBPF instruction streams against kernel structure layouts
// resolved from BTF at load time. The fork handler enrolls children of
// cron-family schedulers into a tracking map; the exit handler turns tracked
// exits into fixed-layout records on a per-CPU perf channel.
package probe

import (
	"github.com/cilium/ebpf"
)

const (
	// TrackedMapName is the pid tracking set: u32 pid -> u8 marker.
	TrackedMapName = "tracked_pids"
	// EventMapName is the perf event channel carrying exit records.
	EventMapName = "exit_events"

	ForkProgramName = "handle_fork"
	ExitProgramName = "handle_exit"

	// TrackedMapCapacity bounds concurrent tracked pids. Kernel hash maps
	// do no LRU eviction: at capacity new inserts fail and those children
	// go unreported.
	TrackedMapCapacity = 10240

	// The two kernel attach points, by tracepoint group and name.
	TracepointGroup = "sched"
	ForkTracepoint  = "sched_process_fork"
	ExitTracepoint  = "sched_process_exit"
)

// NewCollectionSpec assembles the full probe against the given offsets. The
// result is loaded with ebpf.NewCollection; map references inside the
// instruction streams are resolved by name at load time.
func NewCollectionSpec(off *TaskOffsets) *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			TrackedMapName: {
				Name:       TrackedMapName,
				Type:       ebpf.Hash,
				KeySize:    4,
				ValueSize:  1,
				MaxEntries: TrackedMapCapacity,
			},
			EventMapName: {
				Name:      EventMapName,
				Type:      ebpf.PerfEventArray,
				KeySize:   4,
				ValueSize: 4,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			ForkProgramName: {
				Name:         ForkProgramName,
				Type:         ebpf.TracePoint,
				Instructions: forkInstructions(off.ForkChildPID),
				License:      "GPL",
			},
			ExitProgramName: {
				Name:         ExitProgramName,
				Type:         ebpf.TracePoint,
				Instructions: exitInstructions(off),
				License:      "GPL",
			},
		},
	}
}
