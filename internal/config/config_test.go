// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeguarder/nodeguarder/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server_id: srv-1
api_secret: abc123
dashboard_url: https://dash.example.com
cron_log_path: /var/log/cron.log
cron_ignore:
  "/usr/bin/backup.sh":
    - 1
    - 2
cron_timeouts:
  "/usr/bin/backup.sh": 3600
cron_global_timeout: 300
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "srv-1", cfg.ServerID)
	assert.Equal(t, "abc123", cfg.APISecret)
	assert.Equal(t, "https://dash.example.com", cfg.DashboardURL)
	assert.Equal(t, "/var/log/cron.log", cfg.CronLogPath)
	assert.Equal(t, []int{1, 2}, cfg.CronIgnore["/usr/bin/backup.sh"])
	assert.Equal(t, 3600, cfg.CronTimeouts["/usr/bin/backup.sh"])
	assert.Equal(t, 300, cfg.CronGlobalTimeout)

	// Defaults survive a partial file.
	assert.Equal(t, config.DefaultInterval, cfg.Interval)
	assert.True(t, cfg.CronEnabled)
	assert.True(t, cfg.CronAutoDiscover)
	assert.Equal(t, 1000, cfg.QueueMaxSize)
}

func TestLoadRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing server_id",
			content: "api_secret: x\ndashboard_url: https://d\n",
			wantErr: "server_id",
		},
		{
			name:    "missing api_secret",
			content: "server_id: x\ndashboard_url: https://d\n",
			wantErr: "api_secret",
		},
		{
			name:    "missing dashboard_url",
			content: "server_id: x\napi_secret: y\n",
			wantErr: "dashboard_url",
		},
		{
			name:    "malformed yaml",
			content: "server_id: [unclosed\n",
			wantErr: "parse",
		},
		// A zero or negative interval would panic time.NewTicker in the
		// monitoring loop, on startup and on live reload alike.
		{
			name:    "zero interval",
			content: "server_id: x\napi_secret: y\ndashboard_url: https://d\ninterval: 0\n",
			wantErr: "interval",
		},
		{
			name:    "negative interval",
			content: "server_id: x\napi_secret: y\ndashboard_url: https://d\ninterval: -5\n",
			wantErr: "interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := config.GenerateDefault("https://dash.example.com")
	cfg.CronLogPath = "/var/log/syslog"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestGenerateDefault(t *testing.T) {
	cfg := config.GenerateDefault("https://dash.example.com")

	_, err := uuid.Parse(cfg.ServerID)
	assert.NoError(t, err, "server id should be a UUID")
	assert.Len(t, cfg.APISecret, 64, "secret is 32 random bytes hex encoded")
	assert.Equal(t, "https://dash.example.com", cfg.DashboardURL)
	require.NoError(t, cfg.Validate())

	other := config.GenerateDefault("https://dash.example.com")
	assert.NotEqual(t, cfg.APISecret, other.APISecret)
	assert.NotEqual(t, cfg.ServerID, other.ServerID)
}
