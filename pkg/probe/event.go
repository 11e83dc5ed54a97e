// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package probe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CommLen is the fixed width of a task's short name. A name of exactly
// CommLen bytes is not null-terminated on the wire.
const CommLen = 16

// EventSize is the fixed wire size of one exit record:
// pid:u32, parent_pid:u32, ns_pid:u32, ns_parent_pid:u32, exit_code:i32,
// comm:u8[16]. The layout has no version field; consumers treat a record as
// opaque and fixed.
const EventSize = 36

// ExitEvent is one reported process exit, decoded from the perf channel.
type ExitEvent struct {
	PID         uint32
	ParentPID   uint32
	NSPID       uint32
	NSParentPID uint32
	ExitCode    int32
	Comm        [CommLen]byte
}

// Command returns the process short name with trailing NUL padding removed.
func (e *ExitEvent) Command() string {
	return string(bytes.TrimRight(e.Comm[:], "\x00"))
}

// Signaled reports whether the exit code encodes death by signal
// (128 + signal number).
func (e *ExitEvent) Signaled() bool {
	return e.ExitCode > 128
}

func (e *ExitEvent) String() string {
	return fmt.Sprintf("pid=%d ppid=%d ns_pid=%d ns_ppid=%d code=%d comm=%q",
		e.PID, e.ParentPID, e.NSPID, e.NSParentPID, e.ExitCode, e.Command())
}

// ParseExitEvent decodes one wire record. Trailing bytes beyond EventSize are
// ignored; perf rounds sample sizes up to 8-byte alignment.
func ParseExitEvent(data []byte) (*ExitEvent, error) {
	if len(data) < EventSize {
		return nil, fmt.Errorf("exit event too small: %d bytes, want %d", len(data), EventSize)
	}

	var e ExitEvent
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &e); err != nil {
		return nil, fmt.Errorf("decoding exit event: %w", err)
	}
	return &e, nil
}
