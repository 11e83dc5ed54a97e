// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cron

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeguarder/nodeguarder/pkg/probe"
)

func newTestMonitor(t *testing.T) (*Monitor, *time.Time) {
	t.Helper()
	now := time.Now()
	m := New("/var/log/test-cron.log", logr.Discard())
	m.now = func() time.Time { return now }
	m.lastCheckTime = now.Unix() - 60
	return m, &now
}

func startEntry(pid int32, cmd string) string {
	return fmt.Sprintf("Dec 7 10:30:45 server CRON[%d]: (root) CMD (%s)", pid, cmd)
}

func exitEvent(pid, ppid uint32, code int32) *probe.ExitEvent {
	return &probe.ExitEvent{PID: pid, ParentPID: ppid, ExitCode: code}
}

func TestProcessFailureEntry(t *testing.T) {
	m, _ := newTestMonitor(t)

	entry := "Dec 7 10:30:45 server CRON[12345]: (root) CMD (/usr/local/bin/backup.sh) (FAILED exit code 1)"
	event := m.processEntry(entry)

	require.NotNil(t, event)
	assert.Equal(t, 1, event.ExitCode)
	assert.Equal(t, "/usr/local/bin/backup.sh", event.Command)
	assert.Equal(t, TypeError, event.Type)
	assert.Contains(t, event.Message, "General Error")
	assert.NotZero(t, event.Timestamp)
}

func TestProcessStartEntryIsSilent(t *testing.T) {
	m, _ := newTestMonitor(t)

	event := m.processEntry(startEntry(12345, "/usr/local/bin/cleanup.sh"))
	assert.Nil(t, event, "start entries track state without reporting")

	jobs := m.Jobs()
	require.Contains(t, jobs, "/usr/local/bin/cleanup.sh")
	assert.Equal(t, int32(12345), jobs["/usr/local/bin/cleanup.sh"].ActivePID)
}

func TestIgnoredExitCodes(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.SetOptions(Options{
		Enabled:      true,
		AutoDiscover: true,
		Ignore:       map[string][]int{"/usr/bin/flaky.sh": {1, 75}},
	})

	entry := "Dec 7 10:30:45 server CRON[99]: (root) CMD (/usr/bin/flaky.sh) (FAILED exit code 75)"
	assert.Nil(t, m.processEntry(entry), "configured exit codes are suppressed")

	entry = "Dec 7 10:30:45 server CRON[99]: (root) CMD (/usr/bin/flaky.sh) (FAILED exit code 3)"
	assert.NotNil(t, m.processEntry(entry), "other exit codes still report")
}

func TestOldEntriesAreSkipped(t *testing.T) {
	m, now := newTestMonitor(t)

	stale := now.Add(-10 * time.Minute).Format(time.RFC3339)
	entry := stale + " server CRON[1]: (root) CMD (/bin/job) (FAILED exit code 1)"
	assert.Nil(t, m.processEntry(entry))

	fresh := now.Add(-30 * time.Second).Format(time.RFC3339)
	entry = fresh + " server CRON[1]: (root) CMD (/bin/job) (FAILED exit code 1)"
	assert.NotNil(t, m.processEntry(entry))
}

func TestFallbackLogKeepsItsOwnOffset(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "cron.log")

	orig := fallbackLog
	fallbackLog = filepath.Join(dir, "messages")
	t.Cleanup(func() { fallbackLog = orig })

	m, _ := newTestMonitor(t)

	// First scan reads the primary log and records its offset.
	require.NoError(t, os.WriteFile(primary,
		[]byte("Dec 7 10:30:45 server CRON[1]: (root) CMD (/bin/a)\n"), 0o644))
	entries, err := m.entriesFromFile(primary)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// The primary disappears and the fallback takes over. An offset
	// measured on the primary must not skip the head of the fallback.
	require.NoError(t, os.Remove(primary))
	head := "Dec 7 10:31:45 server CRON[2]: (root) CMD (/bin/b) (FAILED exit code 1)\n"
	require.NoError(t, os.WriteFile(fallbackLog, []byte(head), 0o644))

	entries, err = m.entriesFromFile(primary)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], "/bin/b")

	// Subsequent fallback scans resume from the fallback's own offset.
	f, err := os.OpenFile(fallbackLog, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("Dec 7 10:32:45 server CRON[3]: (root) CMD (/bin/c)\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err = m.entriesFromFile(primary)
	require.NoError(t, err)
	require.Len(t, entries, 1, "already-read fallback lines are not replayed")
	assert.Contains(t, entries[0], "/bin/c")
}

func TestAutoDiscoverDisabled(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.SetOptions(Options{
		Enabled:      true,
		AutoDiscover: false,
		Timeouts:     map[string]int{"/opt/known.sh": 60},
	})

	m.processEntry(startEntry(10, "/opt/unknown.sh"))
	m.processEntry(startEntry(11, "/opt/known.sh"))

	jobs := m.Jobs()
	assert.NotContains(t, jobs, "/opt/unknown.sh")
	assert.Contains(t, jobs, "/opt/known.sh")
}

func TestApplyExitMatchesActivePID(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.processEntry(startEntry(500, "/usr/bin/report.sh"))

	m.ApplyExit(exitEvent(500, 1, 3))

	record := m.Jobs()["/usr/bin/report.sh"]
	assert.Equal(t, 3, record.LastExitCode)
	assert.Equal(t, int32(0), record.ActivePID, "exit clears the active pid")
	assert.Equal(t, 1, record.FailureCount)
	assert.Contains(t, record.LastError, "exited with code 3")
}

func TestApplyExitMatchesParentPID(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.processEntry(startEntry(500, "/usr/bin/report.sh"))

	// The shell forked a child; the exit report carries the child's pid
	// and the tracked pid as parent.
	m.ApplyExit(exitEvent(501, 500, 2))

	record := m.Jobs()["/usr/bin/report.sh"]
	assert.Equal(t, 2, record.LastExitCode)
}

func TestApplyExitMatchesNamespacePID(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.processEntry(startEntry(42, "/usr/bin/ns-job.sh"))

	// In a container the log carries the namespace pid while the probe
	// reports the host pid.
	m.ApplyExit(&probe.ExitEvent{PID: 98765, NSPID: 42, ExitCode: 5})

	record := m.Jobs()["/usr/bin/ns-job.sh"]
	assert.Equal(t, 5, record.LastExitCode)
}

func TestApplyExitSuccessResetsFailures(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.processEntry(startEntry(600, "/usr/bin/job.sh"))
	m.ApplyExit(exitEvent(600, 1, 1))

	m.processEntry(startEntry(601, "/usr/bin/job.sh"))
	m.ApplyExit(exitEvent(601, 1, 0))

	record := m.Jobs()["/usr/bin/job.sh"]
	assert.Equal(t, 0, record.FailureCount)
	assert.Empty(t, record.LastError)
}

func TestOrphanedExitClaimedByLaterStart(t *testing.T) {
	m, _ := newTestMonitor(t)

	// Exit report lands before the scheduler's log line is visible.
	m.ApplyExit(exitEvent(700, 699, 9))
	m.processEntry(startEntry(700, "/usr/bin/late-log.sh"))

	record := m.Jobs()["/usr/bin/late-log.sh"]
	assert.Equal(t, 9, record.LastExitCode)
	assert.Equal(t, int32(0), record.ActivePID)
	assert.Equal(t, 1, record.FailureCount)
}

func TestOrphanedExitClaimedByParentPID(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.ApplyExit(exitEvent(801, 800, 4))
	m.processEntry(startEntry(800, "/usr/bin/forked.sh"))

	record := m.Jobs()["/usr/bin/forked.sh"]
	assert.Equal(t, 4, record.LastExitCode)
}

func TestOrphanedExitExpires(t *testing.T) {
	m, now := newTestMonitor(t)

	m.ApplyExit(exitEvent(900, 899, 1))
	*now = now.Add(2 * time.Minute)

	// Another exit triggers the TTL sweep.
	m.ApplyExit(exitEvent(910, 909, 0))
	m.processEntry(startEntry(900, "/usr/bin/too-late.sh"))

	record := m.Jobs()["/usr/bin/too-late.sh"]
	assert.Equal(t, 0, record.LastExitCode, "expired orphan must not be claimed")
}

func TestCheckProbeFailuresReportsOnce(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.processEntry(startEntry(100, "/usr/bin/backup.sh"))
	m.ApplyExit(exitEvent(100, 1, 2))

	events := m.checkProbeFailures()
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].ExitCode)
	assert.Equal(t, TypeError, events[0].Type)

	assert.Empty(t, m.checkProbeFailures(), "already alerted failures stay quiet")
}

func TestCheckProbeFailuresHonorsIgnores(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.SetOptions(Options{
		Enabled:      true,
		AutoDiscover: true,
		Ignore:       map[string][]int{"/usr/bin/backup.sh": {2}},
	})
	m.processEntry(startEntry(100, "/usr/bin/backup.sh"))
	m.ApplyExit(exitEvent(100, 1, 2))

	assert.Empty(t, m.checkProbeFailures())
}

func TestLongRunningJob(t *testing.T) {
	m, now := newTestMonitor(t)
	m.SetOptions(Options{
		Enabled:       true,
		AutoDiscover:  true,
		GlobalTimeout: 300,
	})

	m.processEntry(startEntry(200, "/usr/bin/slow.sh"))
	*now = now.Add(10 * time.Minute)

	events := m.checkLongRunning()
	require.Len(t, events, 1)
	assert.Equal(t, TypeLongRunning, events[0].Type)
	assert.Equal(t, TimeoutExitCode, events[0].ExitCode)
	assert.Contains(t, events[0].Message, "/usr/bin/slow.sh")

	assert.Empty(t, m.checkLongRunning(), "timeout alerts fire once per run")
}

func TestLongRunningPerJobOverride(t *testing.T) {
	m, now := newTestMonitor(t)
	m.SetOptions(Options{
		Enabled:       true,
		AutoDiscover:  true,
		GlobalTimeout: 3600,
		Timeouts:      map[string]int{"/usr/bin/slow.sh": 60},
	})

	m.processEntry(startEntry(200, "/usr/bin/slow.sh"))
	*now = now.Add(5 * time.Minute)

	events := m.checkLongRunning()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "timeout 60s")
}

func TestLongRunningFinished(t *testing.T) {
	m, now := newTestMonitor(t)
	m.SetOptions(Options{
		Enabled:       true,
		AutoDiscover:  true,
		GlobalTimeout: 60,
	})

	m.processEntry(startEntry(300, "/usr/bin/overrun.sh"))
	*now = now.Add(3 * time.Minute)
	m.ApplyExit(exitEvent(300, 1, 0))

	events := m.checkLongRunning()
	require.Len(t, events, 1)
	assert.Equal(t, TypeLongRunning, events[0].Type)
	assert.Contains(t, events[0].Message, "finished")
}

func TestCheckDisabled(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.SetOptions(Options{Enabled: false})

	events, err := m.Check(testContext(t))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCleanup(t *testing.T) {
	m, now := newTestMonitor(t)
	m.processEntry(startEntry(400, "/usr/bin/weekly.sh"))

	*now = now.Add(6 * 24 * time.Hour)
	m.Cleanup()
	assert.Contains(t, m.Jobs(), "/usr/bin/weekly.sh", "six days is within retention")

	*now = now.Add(2 * 24 * time.Hour)
	m.Cleanup()
	assert.NotContains(t, m.Jobs(), "/usr/bin/weekly.sh")
}

func TestExitCodeDescription(t *testing.T) {
	assert.Equal(t, "General Error", ExitCodeDescription(1))
	assert.Equal(t, "Command Not Found", ExitCodeDescription(127))
	assert.Equal(t, "Killed (OOM/Manual)", ExitCodeDescription(137))
	assert.Equal(t, "Segmentation Fault", ExitCodeDescription(139))
	assert.Equal(t, "Signal 20", ExitCodeDescription(148))
	assert.Equal(t, "Unknown Error", ExitCodeDescription(42))
}

// testContext mirrors testing.T.Context (Go 1.24+) for older toolchains: it
// returns a context that is canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
