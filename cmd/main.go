// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/nodeguarder/nodeguarder/internal/agent"
	"github.com/nodeguarder/nodeguarder/internal/config"
	"github.com/nodeguarder/nodeguarder/internal/intake"
	"github.com/nodeguarder/nodeguarder/internal/queue"
	"github.com/nodeguarder/nodeguarder/internal/telemetry"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var (
	configPath   string
	installFlag  bool
	dashboardURL string
	enableOtel   bool
	devLogging   bool
)

func init() {
	flag.StringVar(&configPath, "config", config.DefaultPath, "Path to configuration file")
	flag.BoolVar(&installFlag, "install", false, "Generate the agent configuration and exit")
	flag.StringVar(&dashboardURL, "dashboard-url", "", "Dashboard URL (required for install)")
	flag.BoolVar(&enableOtel, "enable-otel", false,
		"Enable OpenTelemetry self-metrics (configure via OTEL_* environment variables)")
	flag.BoolVar(&devLogging, "dev-logging", false, "Use human-readable log output")
}

func newLogger() (logr.Logger, error) {
	var zapLog *zap.Logger
	var err error
	if devLogging {
		zapLog, err = zap.NewDevelopment()
	} else {
		zapLog, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zapLog), nil
}

func install() error {
	if dashboardURL == "" {
		return fmt.Errorf("--dashboard-url is required for installation")
	}

	cfg := config.GenerateDefault(dashboardURL)
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Configuration saved to %s\n", configPath)
	fmt.Printf("  Server ID:  %s\n", cfg.ServerID)
	fmt.Printf("  API Secret: %s\n", cfg.APISecret)
	return nil
}

func main() {
	flag.Parse()

	if installFlag {
		if err := install(); err != nil {
			fmt.Fprintf(os.Stderr, "installation failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	setupLog := logger.WithName("setup")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(configPath, logger)
	if err != nil {
		setupLog.Error(err, "unable to load configuration", "path", configPath)
		os.Exit(1)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			setupLog.Error(err, "unable to close config watcher")
		}
	}()
	cfg := watcher.Current()

	setupLog.Info("starting agent", "version", Version, "serverID", cfg.ServerID, "dashboard", cfg.DashboardURL)

	client := intake.NewClient(intake.Options{
		BaseURL:          cfg.DashboardURL,
		ServerID:         cfg.ServerID,
		APISecret:        cfg.APISecret,
		DisableSSLVerify: cfg.DisableSSLVerify,
	}, logger)

	// The spool is optional: without it the agent just loses reports
	// while the dashboard is down.
	q, err := queue.New(cfg.QueuePath, cfg.QueueMaxSize, logger)
	if err != nil {
		setupLog.Error(err, "unable to initialize spool queue, continuing without offline resilience")
		q = nil
	} else {
		client.SetQueue(q)
		defer func() {
			if err := q.Close(); err != nil {
				setupLog.Error(err, "unable to close spool queue")
			}
		}()
	}

	tel := telemetry.Disabled()
	if enableOtel {
		telCfg := telemetry.DefaultConfig()
		telCfg.ApplyEnvironmentVariables()
		telCfg.ServiceVersion = Version
		tel, err = telemetry.New(ctx, telCfg, logger)
		if err != nil {
			setupLog.Error(err, "unable to initialize telemetry")
			os.Exit(1)
		}
		defer func() {
			if err := tel.Shutdown(context.Background()); err != nil {
				setupLog.Error(err, "unable to shut down telemetry")
			}
		}()
	}
	if q != nil {
		if err := tel.ObserveQueueDepth(q.Size); err != nil {
			setupLog.Error(err, "unable to register queue depth gauge")
		}
	}

	a, err := agent.New(agent.Options{
		Version:   Version,
		Config:    cfg,
		Watcher:   watcher,
		Queue:     q,
		Client:    client,
		Telemetry: tel,
	}, logger)
	if err != nil {
		setupLog.Error(err, "unable to create agent")
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		setupLog.Error(err, "agent exited with error")
		os.Exit(1)
	}
}
