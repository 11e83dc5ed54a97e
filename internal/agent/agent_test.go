// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeguarder/nodeguarder/internal/config"
	"github.com/nodeguarder/nodeguarder/internal/cron"
	"github.com/nodeguarder/nodeguarder/internal/intake"
)

func testConfig() *config.Config {
	cfg := config.GenerateDefault("https://dash.example.com")
	cfg.CronLogPath = "/var/log/test-cron.log"
	return cfg
}

func testClient() *intake.Client {
	return intake.NewClient(intake.Options{
		BaseURL:   "https://dash.example.com",
		ServerID:  "srv-1",
		APISecret: "secret",
	}, logr.Discard())
}

func TestNewRequiresConfigAndClient(t *testing.T) {
	_, err := New(Options{Client: testClient()}, logr.Discard())
	require.Error(t, err)

	_, err = New(Options{Config: testConfig()}, logr.Discard())
	require.Error(t, err)

	a, err := New(Options{Config: testConfig(), Client: testClient()}, logr.Discard())
	require.NoError(t, err)
	assert.NotNil(t, a.monitor)
	assert.NotNil(t, a.collector)
	assert.NotNil(t, a.telemetry, "nil telemetry option falls back to disabled")
}

func TestToIntakeEvents(t *testing.T) {
	events := ToIntakeEvents([]cron.Event{
		{
			Type:      cron.TypeError,
			ExitCode:  127,
			Command:   "/usr/bin/backup.sh",
			Message:   "Cron job failed",
			Timestamp: 100,
		},
		{
			Type:      cron.TypeLongRunning,
			ExitCode:  cron.TimeoutExitCode,
			Command:   "/usr/bin/slow.sh",
			Message:   "Long running cron job",
			Timestamp: 200,
		},
	})

	require.Len(t, events, 2)

	assert.Equal(t, "cron_error", events[0].Type)
	assert.Equal(t, "error", events[0].Severity)
	assert.Equal(t, int64(100), events[0].Timestamp)
	assert.Contains(t, events[0].Details, `"exit_code": 127`)
	assert.Contains(t, events[0].Details, "/usr/bin/backup.sh")

	assert.Equal(t, "long_running", events[1].Type)
	assert.Equal(t, "warning", events[1].Severity)
}

func TestMetricsSnapshot(t *testing.T) {
	a, err := New(Options{Config: testConfig(), Client: testClient(), Version: "1.2.3"}, logr.Discard())
	require.NoError(t, err)

	metrics := a.metricsSnapshot()
	assert.Equal(t, "1.2.3", metrics["agent_version"])
	assert.Contains(t, metrics, "uptime_seconds")
	assert.Contains(t, metrics, "cron_jobs")
	assert.Equal(t, "disabled", metrics["probe_status"])
	assert.NotContains(t, metrics, "queue_depth", "no queue attached")
}

func TestOSRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	require.NoError(t, os.WriteFile(path, []byte(`NAME="Ubuntu"
VERSION="24.04.1 LTS (Noble Numbat)"
ID=ubuntu
VERSION_ID="24.04"
`), 0o644))

	orig := osReleasePath
	osReleasePath = path
	t.Cleanup(func() { osReleasePath = orig })

	name, version := osRelease()
	assert.Equal(t, "Ubuntu", name)
	assert.Equal(t, "24.04", version)
}

func TestOSReleaseMissingFile(t *testing.T) {
	orig := osReleasePath
	osReleasePath = filepath.Join(t.TempDir(), "nope")
	t.Cleanup(func() { osReleasePath = orig })

	name, version := osRelease()
	assert.NotEmpty(t, name)
	assert.Empty(t, version)
}
