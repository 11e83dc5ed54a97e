// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package probe

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeEvent(t *testing.T, e *ExitEvent) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, e))
	require.Equal(t, EventSize, buf.Len())
	return buf.Bytes()
}

func TestParseExitEvent(t *testing.T) {
	in := &ExitEvent{
		PID:         4242,
		ParentPID:   815,
		NSPID:       7,
		NSParentPID: 1,
		ExitCode:    137,
	}
	copy(in.Comm[:], "backup.sh")

	got, err := ParseExitEvent(encodeEvent(t, in))
	require.NoError(t, err)
	assert.Equal(t, in, got)
	assert.Equal(t, "backup.sh", got.Command())
	assert.True(t, got.Signaled())
}

func TestParseExitEventFullWidthComm(t *testing.T) {
	// A 16-byte name occupies the whole field with no terminator.
	in := &ExitEvent{PID: 1}
	copy(in.Comm[:], "abcdefghijklmnop")

	got, err := ParseExitEvent(encodeEvent(t, in))
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnop", got.Command())
	assert.Len(t, got.Command(), CommLen)
}

func TestParseExitEventIgnoresPerfPadding(t *testing.T) {
	in := &ExitEvent{PID: 99, ExitCode: 42}
	data := append(encodeEvent(t, in), 0, 0, 0, 0)

	got, err := ParseExitEvent(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), got.PID)
	assert.Equal(t, int32(42), got.ExitCode)
	assert.False(t, got.Signaled())
}

func TestParseExitEventShortRecord(t *testing.T) {
	_, err := ParseExitEvent(make([]byte, EventSize-1))
	assert.Error(t, err)
}
