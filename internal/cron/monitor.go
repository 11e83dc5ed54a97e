// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cron correlates scheduler log entries with kernel exit events to
// detect failed and long running cron jobs.
package cron

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/nodeguarder/nodeguarder/pkg/probe"
)

const (
	defaultLogPath = "/var/log/syslog"

	// Exit events may arrive before the scheduler writes the start line.
	// They are parked this long waiting for the log entry to claim them.
	orphanTTL = 60 * time.Second

	// Jobs idle longer than this are dropped from tracking. Covers weekly
	// schedules with slack for weekends.
	jobRetention = 7 * 24 * time.Hour

	// Log entries older than this are historical replays, not live runs.
	maxEntryAge = 2 * time.Minute
)

// Event types reported to the dashboard.
const (
	TypeError       = "cron_error"
	TypeLongRunning = "long_running"
)

// TimeoutExitCode marks a long-running detection, which has no real wait
// status.
const TimeoutExitCode = -1

// fallbackLog is read when the configured log cannot be opened. A variable
// so tests can point it at a scratch file.
var fallbackLog = "/var/log/messages"

// Event is a notable cron job occurrence: a failure or a timeout.
type Event struct {
	Timestamp int64
	ExitCode  int
	Message   string
	Command   string
	Type      string
}

// JobRecord tracks the observed state of one cron job, keyed by command line.
type JobRecord struct {
	Command      string
	LastExecTime int64
	ActivePID    int32
	StartTime    int64
	LastExitCode int
	LastError    string
	FailureCount int
	LastDuration int64

	alertSent bool
}

// Options is the monitor's runtime configuration, replaceable on reload.
type Options struct {
	Enabled       bool
	AutoDiscover  bool
	Ignore        map[string][]int
	GlobalTimeout int
	Timeouts      map[string]int
}

// Monitor watches scheduler logs and kernel exit reports for cron jobs.
// Log scanning names the job; exit events supply the authoritative status.
type Monitor struct {
	mu sync.Mutex

	logger  logr.Logger
	logPath string
	opts    Options

	lastCheckTime int64
	jobs          map[string]*JobRecord
	orphanedExits map[int32]orphanExit
	fileOffsets   map[string]int64

	now func() time.Time
}

// orphanExit is an exit report that arrived before its start log entry.
type orphanExit struct {
	exitCode    int
	parentPID   int32
	nsPID       int32
	nsParentPID int32
	seen        int64
}

// New creates a Monitor scanning logPath, or the system syslog when empty.
func New(logPath string, logger logr.Logger) *Monitor {
	if logPath == "" {
		logPath = defaultLogPath
	}
	return &Monitor{
		logger:  logger.WithName("cron.monitor"),
		logPath: logPath,
		opts: Options{
			Enabled:      true,
			AutoDiscover: true,
		},
		lastCheckTime: time.Now().Unix(),
		jobs:          make(map[string]*JobRecord),
		orphanedExits: make(map[int32]orphanExit),
		fileOffsets:   make(map[string]int64),
		now:           time.Now,
	}
}

// SetOptions replaces the monitor's runtime configuration.
func (m *Monitor) SetOptions(opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opts.Enabled != opts.Enabled {
		m.logger.Info("monitor state changed", "enabled", opts.Enabled)
	}
	m.opts = opts
}

// Check scans scheduler logs written since the last call and returns the
// failures and timeouts found, including failures captured only by the
// kernel probe.
func (m *Monitor) Check(ctx context.Context) ([]Event, error) {
	m.mu.Lock()
	enabled := m.opts.Enabled
	logPath := m.logPath
	since := m.lastCheckTime
	m.mu.Unlock()

	if !enabled {
		return nil, nil
	}

	var entries []string
	var err error
	if logPath != defaultLogPath {
		entries, err = m.entriesFromFile(logPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read cron events from %s: %w", logPath, err)
		}
	} else {
		entries, err = m.entriesFromJournal(ctx, since)
		if err != nil {
			m.logger.V(1).Info("journalctl unavailable, falling back to syslog", "error", err)
			entries, err = m.entriesFromFile(logPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read cron events: %w", err)
			}
		}
	}

	now := m.now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()

	var events []Event
	for _, entry := range entries {
		if event := m.processEntry(entry); event != nil {
			events = append(events, *event)
		}
	}

	events = append(events, m.checkLongRunning()...)
	events = append(events, m.checkProbeFailures()...)

	m.lastCheckTime = now
	return events, nil
}

// ApplyExit records a kernel exit report. The process is matched to a
// tracked job by its global or namespace PID; unmatched exits are parked
// until the start log entry arrives or the TTL expires.
func (m *Monitor) ApplyExit(e *probe.ExitEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pid := int32(e.PID)
	parentPID := int32(e.ParentPID)
	nsPID := int32(e.NSPID)
	nsParentPID := int32(e.NSParentPID)
	exitCode := int(e.ExitCode)
	now := m.now().Unix()

	for _, record := range m.jobs {
		matchGlobal := record.ActivePID == pid ||
			(record.ActivePID != 0 && record.ActivePID == parentPID)
		matchNS := (nsPID != 0 && record.ActivePID == nsPID) ||
			(nsParentPID != 0 && record.ActivePID != 0 && record.ActivePID == nsParentPID)
		if !matchGlobal && !matchNS {
			continue
		}

		record.LastExecTime = now
		record.LastExitCode = exitCode
		record.LastDuration = now - record.StartTime
		record.ActivePID = 0
		record.alertSent = false

		if exitCode != 0 {
			record.FailureCount++
			record.LastError = fmt.Sprintf("process exited with code %d", exitCode)
		} else {
			record.FailureCount = 0
			record.LastError = ""
		}
		return
	}

	orphan := orphanExit{
		exitCode:    exitCode,
		parentPID:   parentPID,
		nsPID:       nsPID,
		nsParentPID: nsParentPID,
		seen:        now,
	}
	// Keyed by both PID views so the start entry can claim it from either
	// namespace.
	m.orphanedExits[pid] = orphan
	if nsPID != 0 && nsPID != pid {
		m.orphanedExits[nsPID] = orphan
	}

	for p, o := range m.orphanedExits {
		if now-o.seen > int64(orphanTTL.Seconds()) {
			delete(m.orphanedExits, p)
		}
	}
}

// Jobs returns a snapshot of all tracked jobs.
func (m *Monitor) Jobs() map[string]JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]JobRecord, len(m.jobs))
	for cmd, record := range m.jobs {
		snapshot[cmd] = *record
	}
	return snapshot
}

// Cleanup drops jobs that have not run within the retention window.
func (m *Monitor) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Unix() - int64(jobRetention.Seconds())
	for cmd, record := range m.jobs {
		if record.LastExecTime < cutoff {
			delete(m.jobs, cmd)
		}
	}
}

func (m *Monitor) entriesFromJournal(ctx context.Context, since int64) ([]string, error) {
	cmd := exec.CommandContext(ctx, "journalctl",
		"--unit=cron.service",
		fmt.Sprintf("--since=@%d", since),
		"--no-pager", "-o", "short-precise")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return filterCronLines(bytes.NewReader(output))
}

func (m *Monitor) entriesFromFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		file, err = os.Open(fallbackLog)
		if err != nil {
			return nil, err
		}
		// Offsets belong to the file actually read: an offset measured on
		// the primary log must never be applied to the fallback.
		path = fallbackLog
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			m.logger.Error(cerr, "failed to close log file")
		}
	}()

	fi, err := file.Stat()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	startPos := int64(0)
	if offset, ok := m.fileOffsets[path]; ok && fi.Size() >= offset {
		// A shrunken file means rotation; rescan from the start.
		startPos = offset
	}
	m.fileOffsets[path] = fi.Size()
	m.mu.Unlock()

	if _, err := file.Seek(startPos, 0); err != nil {
		return nil, err
	}
	return filterCronLines(file)
}

func filterCronLines(r io.Reader) ([]string, error) {
	var entries []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "CRON") || strings.Contains(line, "cron") {
			entries = append(entries, line)
		}
	}
	return entries, scanner.Err()
}

var (
	userPattern = regexp.MustCompile(`\((.*?)\)`)
	cmdPattern  = regexp.MustCompile(`CMD \((.*?)\)`)
	exitPattern = regexp.MustCompile(`exit code (\d+)`)
	pidPattern  = regexp.MustCompile(`CRON\[(\d+)\]:`)
)

// processEntry parses one scheduler log line. Failure lines produce an
// Event; start lines update tracking state and return nil. Callers hold
// m.mu.
func (m *Monitor) processEntry(entry string) *Event {
	if m.entryTooOld(entry) {
		return nil
	}

	if strings.Contains(entry, "FAILED") {
		return m.processFailure(entry)
	}
	if strings.Contains(entry, "CMD") {
		m.processStart(entry)
	}
	return nil
}

// entryTooOld filters historical replays. Lines whose leading token is not
// an RFC3339 timestamp (classic syslog format) are kept.
func (m *Monitor) entryTooOld(entry string) bool {
	fields := strings.Fields(entry)
	if len(fields) == 0 {
		return false
	}
	parsed, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return false
	}
	return m.now().Sub(parsed) > maxEntryAge
}

func (m *Monitor) processFailure(entry string) *Event {
	event := &Event{
		Timestamp: m.now().Unix(),
		ExitCode:  1,
		Type:      TypeError,
	}

	user := "root"
	if matches := userPattern.FindStringSubmatch(entry); len(matches) > 1 {
		user = matches[1]
	}
	if matches := cmdPattern.FindStringSubmatch(entry); len(matches) > 1 {
		event.Command = matches[1]
	}
	if matches := exitPattern.FindStringSubmatch(entry); len(matches) > 1 {
		if code, err := strconv.Atoi(matches[1]); err == nil {
			event.ExitCode = code
		}
	}

	if event.Command != "" && m.ignored(event.Command, event.ExitCode) {
		return nil
	}

	event.Message = fmt.Sprintf("Cron job failed: %s (user: %s) - %s (%d)",
		event.Command, user, ExitCodeDescription(event.ExitCode), event.ExitCode)
	return event
}

// processStart records the scheduler launching a job and claims any parked
// exit that already belongs to it.
func (m *Monitor) processStart(entry string) {
	var cmd string
	if matches := cmdPattern.FindStringSubmatch(entry); len(matches) > 1 {
		cmd = matches[1]
	}
	if cmd == "" {
		return
	}

	var pid int32
	if matches := pidPattern.FindStringSubmatch(entry); len(matches) > 1 {
		if v, err := strconv.ParseInt(matches[1], 10, 32); err == nil {
			pid = int32(v)
		}
	}

	// Without auto-discovery only explicitly configured jobs are tracked.
	if !m.opts.AutoDiscover {
		_, hasTimeout := m.opts.Timeouts[cmd]
		_, hasIgnore := m.opts.Ignore[cmd]
		if !hasTimeout && !hasIgnore {
			return
		}
	}

	now := m.now().Unix()
	record, exists := m.jobs[cmd]
	if !exists {
		record = &JobRecord{Command: cmd}
		m.jobs[cmd] = record
	}
	record.LastExecTime = now
	record.StartTime = now
	record.ActivePID = pid

	if orphan, ok := m.claimOrphan(pid); ok {
		record.LastExitCode = orphan.exitCode
		record.ActivePID = 0
		if orphan.exitCode != 0 {
			record.FailureCount++
			record.LastError = fmt.Sprintf("process exited with code %d", orphan.exitCode)
			record.alertSent = false
		}
	}
}

// claimOrphan finds a parked exit for pid, matching directly or through the
// exit's parent and namespace PIDs.
func (m *Monitor) claimOrphan(pid int32) (orphanExit, bool) {
	if orphan, ok := m.orphanedExits[pid]; ok {
		delete(m.orphanedExits, pid)
		return orphan, true
	}
	for opid, o := range m.orphanedExits {
		if o.parentPID == pid ||
			(o.nsPID != 0 && o.nsPID == pid) ||
			(o.nsParentPID != 0 && o.nsParentPID == pid) {
			delete(m.orphanedExits, opid)
			return o, true
		}
	}
	return orphanExit{}, false
}

func (m *Monitor) ignored(cmd string, exitCode int) bool {
	for _, code := range m.opts.Ignore[cmd] {
		if code == exitCode {
			return true
		}
	}
	return false
}

// checkProbeFailures reports failures that were observed only through the
// kernel probe, with no FAILED log line. Callers hold m.mu.
func (m *Monitor) checkProbeFailures() []Event {
	var events []Event
	for cmd, record := range m.jobs {
		if record.LastExitCode == 0 || record.alertSent {
			continue
		}
		record.alertSent = true

		if m.ignored(cmd, record.LastExitCode) {
			continue
		}
		events = append(events, Event{
			Command:   cmd,
			ExitCode:  record.LastExitCode,
			Message:   record.LastError,
			Timestamp: record.LastExecTime,
			Type:      TypeError,
		})
	}
	return events
}

// checkLongRunning reports jobs exceeding their timeout, both still running
// and recently finished. Callers hold m.mu.
func (m *Monitor) checkLongRunning() []Event {
	var events []Event
	now := m.now().Unix()

	for cmd, record := range m.jobs {
		timeout := m.opts.GlobalTimeout
		if t, ok := m.opts.Timeouts[cmd]; ok {
			timeout = t
		}
		if timeout <= 0 {
			continue
		}

		if record.ActivePID > 0 {
			// The recorded PID may be a namespace PID invisible from the
			// host, so liveness is never probed; exit events clear it.
			duration := now - record.StartTime
			if duration > int64(timeout) && !record.alertSent {
				events = append(events, Event{
					Command:  cmd,
					ExitCode: TimeoutExitCode,
					Message: fmt.Sprintf("Long running cron job: %s (pid %d) running for %ds (timeout %ds)",
						cmd, record.ActivePID, duration, timeout),
					Timestamp: now,
					Type:      TypeLongRunning,
				})
				record.alertSent = true
			}
			continue
		}

		// Finished within this interval but overran its timeout.
		if record.LastExecTime > m.lastCheckTime && record.LastDuration > int64(timeout) {
			events = append(events, Event{
				Command:  cmd,
				ExitCode: TimeoutExitCode,
				Message: fmt.Sprintf("Long running cron job finished: %s ran for %ds (timeout %ds)",
					cmd, record.LastDuration, timeout),
				Timestamp: record.LastExecTime,
				Type:      TypeLongRunning,
			})
		}
	}
	return events
}

// ExitCodeDescription translates common wait statuses into human terms.
func ExitCodeDescription(code int) string {
	switch code {
	case 1:
		return "General Error"
	case 2:
		return "Misuse of Shell Builtin"
	case 126:
		return "Command Invoked Cannot Execute"
	case 127:
		return "Command Not Found"
	case 128:
		return "Invalid Exit Argument"
	case 130:
		return "Script Terminated by Control-C"
	case 137:
		return "Killed (OOM/Manual)"
	case 139:
		return "Segmentation Fault"
	case 143:
		return "Terminated by SIGTERM"
	default:
		if code > 128 {
			return fmt.Sprintf("Signal %d", code-128)
		}
		return "Unknown Error"
	}
}
