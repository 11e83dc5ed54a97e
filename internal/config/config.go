// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config loads and watches the agent configuration file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "/etc/nodeguarder-agent/config.yaml"

	// DefaultInterval is the reporting interval in seconds.
	DefaultInterval = 60
)

// Config is the on-disk agent configuration.
type Config struct {
	ServerID          string `yaml:"server_id" json:"server_id"`
	APISecret         string `yaml:"api_secret" json:"api_secret"`
	DashboardURL      string `yaml:"dashboard_url" json:"dashboard_url"`
	RegistrationToken string `yaml:"registration_token" json:"registration_token"`
	Interval          int    `yaml:"interval" json:"interval"`

	CronEnabled       bool             `yaml:"cron_enabled" json:"cron_enabled"`
	CronAutoDiscover  bool             `yaml:"cron_auto_discover" json:"cron_auto_discover"`
	CronLogPath       string           `yaml:"cron_log_path" json:"cron_log_path"`
	CronIgnore        map[string][]int `yaml:"cron_ignore" json:"cron_ignore"`
	CronGlobalTimeout int              `yaml:"cron_global_timeout" json:"cron_global_timeout"`
	CronTimeouts      map[string]int   `yaml:"cron_timeouts" json:"cron_timeouts"`

	QueuePath    string `yaml:"queue_path" json:"queue_path"`
	QueueMaxSize int    `yaml:"queue_max_size" json:"queue_max_size"`

	DisableSSLVerify bool `yaml:"disable_ssl_verify" json:"disable_ssl_verify"`
}

// Load reads and validates the configuration at path, applying defaults for
// unset optional fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the fields required to talk to the dashboard are set
// and that values driving timers are usable.
func (c *Config) Validate() error {
	if c.ServerID == "" {
		return fmt.Errorf("server_id is required")
	}
	if c.APISecret == "" {
		return fmt.Errorf("api_secret is required")
	}
	if c.DashboardURL == "" {
		return fmt.Errorf("dashboard_url is required")
	}
	// The interval feeds time.NewTicker, which panics on values < 1.
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %d", c.Interval)
	}
	return nil
}

// Save writes the configuration to path, creating parent directories as
// needed. The file is written 0600 since it carries the API secret.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault creates a configuration with freshly generated credentials
// pointed at dashboardURL.
func GenerateDefault(dashboardURL string) *Config {
	cfg := defaults()
	cfg.ServerID = uuid.New().String()
	cfg.APISecret = generateSecret()
	cfg.DashboardURL = dashboardURL
	return cfg
}

func defaults() *Config {
	return &Config{
		Interval:         DefaultInterval,
		CronEnabled:      true,
		CronAutoDiscover: true,
		QueuePath:        "/var/lib/nodeguarder-agent/queue.db",
		QueueMaxSize:     1000,
	}
}

func generateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
