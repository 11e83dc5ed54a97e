// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package agent wires the kernel probe, cron monitor, and dashboard client
// into the long-running monitoring loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/nodeguarder/nodeguarder/internal/config"
	"github.com/nodeguarder/nodeguarder/internal/cron"
	"github.com/nodeguarder/nodeguarder/internal/intake"
	"github.com/nodeguarder/nodeguarder/internal/queue"
	"github.com/nodeguarder/nodeguarder/internal/telemetry"
	"github.com/nodeguarder/nodeguarder/pkg/channel"
	"github.com/nodeguarder/nodeguarder/pkg/collector/exitsnoop"
	"github.com/nodeguarder/nodeguarder/pkg/kernel"
	"github.com/nodeguarder/nodeguarder/pkg/probe"
)

const (
	queueFlushInterval  = 30 * time.Second
	maintenanceInterval = 1 * time.Hour

	// eventsBuffer bounds each producer channel feeding the event merger.
	eventsBuffer = 64
)

// Agent runs the monitoring loop: the kernel probe feeds the cron monitor,
// the monitor's findings ship to the dashboard, and undeliverable reports
// spool to the local queue.
type Agent struct {
	logger    logr.Logger
	version   string
	cfg       *config.Config
	watcher   *config.Watcher
	queue     *queue.Queue
	client    *intake.Client
	monitor   *cron.Monitor
	collector *exitsnoop.Collector
	telemetry *telemetry.Telemetry

	startTime time.Time

	merger      *channel.Merger[intake.Event]
	cronEvents  chan intake.Event
	agentEvents chan intake.Event

	reportedLostSamples uint64
	logUploadInFlight   atomic.Bool
}

// Options carries the agent's constructed dependencies.
type Options struct {
	Version   string
	Config    *config.Config
	Watcher   *config.Watcher
	Queue     *queue.Queue
	Client    *intake.Client
	Telemetry *telemetry.Telemetry
}

// New assembles an Agent. Queue and Watcher may be nil; the agent then runs
// without offline spooling or live config reload.
func New(opts Options, logger logr.Logger) (*Agent, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("intake client is required")
	}

	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Disabled()
	}

	a := &Agent{
		logger:      logger.WithName("agent"),
		version:     opts.Version,
		cfg:         opts.Config,
		watcher:     opts.Watcher,
		queue:       opts.Queue,
		client:      opts.Client,
		telemetry:   tel,
		startTime:   time.Now(),
		monitor:     cron.New(opts.Config.CronLogPath, logger),
		collector:   exitsnoop.New(logger),
		cronEvents:  make(chan intake.Event, eventsBuffer),
		agentEvents: make(chan intake.Event, eventsBuffer),
	}
	a.merger = channel.NewMerger[intake.Event](
		(<-chan intake.Event)(a.cronEvents),
		(<-chan intake.Event)(a.agentEvents),
	)
	a.applyConfig(opts.Config)
	return a, nil
}

// Run executes the monitoring loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	defer a.merger.Close()

	if err := a.register(ctx); err != nil {
		a.logger.Error(err, "failed to register with dashboard, will retry on next interval")
	} else {
		a.logger.Info("registered with dashboard")
	}

	a.startProbe(ctx)

	var reloads <-chan *config.Config
	if a.watcher != nil {
		reloads = a.watcher.Subscribe()
	}

	reportTicker := time.NewTicker(time.Duration(a.cfg.Interval) * time.Second)
	defer reportTicker.Stop()
	flushTicker := time.NewTicker(queueFlushInterval)
	defer flushTicker.Stop()
	maintenanceTicker := time.NewTicker(maintenanceInterval)
	defer maintenanceTicker.Stop()

	a.logger.Info("monitoring started", "interval", a.cfg.Interval)

	pending := make([]intake.Event, 0, eventsBuffer)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			a.collector.Stop()
			// Last-chance delivery of anything still buffered.
			a.drainPending(&pending)
			a.ship(context.Background(), pending)
			return nil

		case event := <-a.merger.Out():
			pending = append(pending, event)

		case <-reportTicker.C:
			if err := a.refreshRemoteConfig(ctx); err != nil {
				a.logger.Error(err, "failed to refresh remote config")
			}
			a.scanCron(ctx)
			a.drainPending(&pending)
			if err := a.report(ctx, pending); err != nil {
				if errors.Is(err, intake.ErrUnauthorized) {
					a.logger.Info("credentials rejected, attempting re-registration")
					if rerr := a.register(ctx); rerr != nil {
						a.logger.Error(rerr, "re-registration failed")
					}
				} else {
					a.logger.Error(err, "failed to deliver report")
				}
			}
			pending = pending[:0]

		case <-flushTicker.C:
			if a.queue != nil && !a.queue.IsConnected() {
				sent, failed, err := a.client.FlushQueue(ctx)
				if err != nil {
					a.logger.Error(err, "queue flush failed")
				} else if sent > 0 {
					a.logger.Info("queue flushed", "sent", sent, "failed", failed)
				}
			}

		case <-maintenanceTicker.C:
			a.monitor.Cleanup()

		case cfg, ok := <-reloads:
			if !ok {
				reloads = nil
				continue
			}
			a.logger.Info("config file reloaded")
			a.cfg = cfg
			a.applyConfig(cfg)
			reportTicker.Reset(time.Duration(cfg.Interval) * time.Second)
		}
	}
}

// startProbe attaches the kernel probe. Failure is survivable: the agent
// falls back to log-only monitoring, without exit codes.
func (a *Agent) startProbe(ctx context.Context) {
	receiver := &monitorReceiver{agent: a}
	if err := a.collector.Start(ctx, receiver); err != nil {
		a.logger.Error(err, "kernel probe unavailable, falling back to log-only monitoring")
		a.emitAgentEvent(intake.Event{
			Type:      "agent",
			Severity:  "warning",
			Message:   "kernel exit tracking unavailable, cron exit codes will be missing",
			Timestamp: time.Now().Unix(),
			Details:   fmt.Sprintf(`{"error": %q}`, err.Error()),
		})
		return
	}
	a.logger.Info("kernel exit tracking enabled")
}

// monitorReceiver routes probe exit events into the cron monitor.
type monitorReceiver struct {
	agent *Agent
}

func (r *monitorReceiver) Name() string { return "cron-monitor" }

func (r *monitorReceiver) Accept(event any) error {
	e, ok := event.(*probe.ExitEvent)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}
	r.agent.telemetry.RecordExitEvents(context.Background(), 1)
	r.agent.monitor.ApplyExit(e)
	return nil
}

// scanCron runs one log scan and feeds the findings into the event stream.
func (a *Agent) scanCron(ctx context.Context) {
	events, err := a.monitor.Check(ctx)
	if err != nil {
		a.logger.Error(err, "cron scan failed")
		return
	}
	for _, event := range ToIntakeEvents(events) {
		a.telemetry.RecordCronEvent(ctx, event.Type)
		select {
		case a.cronEvents <- event:
		default:
			a.logger.Info("event buffer full, dropping cron event", "command", event.Message)
		}
	}
}

func (a *Agent) emitAgentEvent(event intake.Event) {
	select {
	case a.agentEvents <- event:
	default:
	}
}

// drainPending moves everything currently buffered in the merger into
// pending without blocking.
func (a *Agent) drainPending(pending *[]intake.Event) {
	for {
		select {
		case event := <-a.merger.Out():
			*pending = append(*pending, event)
		default:
			return
		}
	}
}

// report pushes the metrics snapshot and accumulated events.
func (a *Agent) report(ctx context.Context, events []intake.Event) error {
	if lost := a.collector.LostSamples(); lost > a.reportedLostSamples {
		a.telemetry.RecordLostSamples(ctx, int64(lost-a.reportedLostSamples))
		a.reportedLostSamples = lost
	}

	if err := a.client.PushMetrics(ctx, a.metricsSnapshot()); err != nil {
		a.telemetry.RecordReport(ctx, queue.KindMetrics, false)
		if errors.Is(err, intake.ErrUnauthorized) {
			return err
		}
		a.logger.Error(err, "failed to push metrics")
	} else {
		a.telemetry.RecordReport(ctx, queue.KindMetrics, true)
	}

	a.ship(ctx, events)
	return nil
}

func (a *Agent) ship(ctx context.Context, events []intake.Event) {
	if len(events) == 0 {
		return
	}
	if err := a.client.PushEvents(ctx, events); err != nil {
		a.telemetry.RecordReport(ctx, queue.KindEvents, false)
		a.logger.Error(err, "failed to push events", "count", len(events))
		return
	}
	a.telemetry.RecordReport(ctx, queue.KindEvents, true)
}

// metricsSnapshot builds the periodic metrics payload: tracked cron jobs,
// probe health, and queue state.
func (a *Agent) metricsSnapshot() map[string]any {
	now := time.Now().Unix()

	jobs := a.monitor.Jobs()
	cronJobs := make([]cron.JobRecord, 0, len(jobs))
	for _, job := range jobs {
		// Surface the live duration for jobs still running.
		if job.ActivePID > 0 && job.StartTime > 0 {
			job.LastDuration = now - job.StartTime
		}
		cronJobs = append(cronJobs, job)
	}

	metrics := map[string]any{
		"agent_version":  a.version,
		"uptime_seconds": int64(time.Since(a.startTime).Seconds()),
		"cron_jobs":      cronJobs,
		"probe_status":   string(a.collector.Status()),
		"lost_samples":   a.collector.LostSamples(),
	}

	if a.queue != nil {
		if stats, err := a.queue.Stats(); err == nil {
			metrics["queue_depth"] = stats.Total
			metrics["queue_connected"] = stats.Connected
		}
	}
	return metrics
}

// refreshRemoteConfig applies dashboard-side settings to the cron monitor.
func (a *Agent) refreshRemoteConfig(ctx context.Context) error {
	remote, err := a.client.GetConfig(ctx)
	if err != nil {
		return err
	}

	a.monitor.SetOptions(cron.Options{
		Enabled:       remote.CronEnabled,
		AutoDiscover:  remote.CronAutoDiscover,
		Ignore:        remote.CronIgnore,
		GlobalTimeout: remote.CronGlobalTimeout,
		Timeouts:      remote.CronTimeouts,
	})

	if remote.CollectLogs {
		a.uploadLogs(ctx)
	}
	return nil
}

// uploadLogs handles a dashboard log-collection request in the background.
// At most one collection runs at a time; repeated requests while one is in
// flight are dropped.
func (a *Agent) uploadLogs(ctx context.Context) {
	if !a.logUploadInFlight.CompareAndSwap(false, true) {
		return
	}
	a.logger.Info("dashboard requested log collection")

	go func() {
		defer a.logUploadInFlight.Store(false)

		zipPath, err := collectLogs(ctx)
		if err != nil {
			a.logger.Error(err, "failed to collect logs")
			return
		}
		defer os.Remove(zipPath)

		if err := a.client.UploadLogs(ctx, zipPath); err != nil {
			a.logger.Error(err, "failed to upload logs")
			return
		}
		a.logger.Info("logs uploaded")
	}()
}

// applyConfig pushes file-level settings into the cron monitor.
func (a *Agent) applyConfig(cfg *config.Config) {
	a.monitor.SetOptions(cron.Options{
		Enabled:       cfg.CronEnabled,
		AutoDiscover:  cfg.CronAutoDiscover,
		Ignore:        cfg.CronIgnore,
		GlobalTimeout: cfg.CronGlobalTimeout,
		Timeouts:      cfg.CronTimeouts,
	})
}

// register announces this host to the dashboard.
func (a *Agent) register(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	osName, osVersion := osRelease()
	if osVersion == "" {
		if v, err := kernel.Current(); err == nil {
			osVersion = v.String()
		}
	}

	return a.client.Register(ctx, intake.RegisterRequest{
		Hostname:          hostname,
		OSName:            osName,
		OSVersion:         osVersion,
		AgentVersion:      a.version,
		RegistrationToken: a.cfg.RegistrationToken,
	})
}

// ToIntakeEvents converts monitor findings into dashboard events. Timeouts
// are warnings; real failures are errors.
func ToIntakeEvents(events []cron.Event) []intake.Event {
	out := make([]intake.Event, 0, len(events))
	for _, e := range events {
		severity := "error"
		if e.Type == cron.TypeLongRunning {
			severity = "warning"
		}
		out = append(out, intake.Event{
			Type:      e.Type,
			Severity:  severity,
			Message:   e.Message,
			Timestamp: e.Timestamp,
			Details:   fmt.Sprintf(`{"exit_code": %d, "command": %q}`, e.ExitCode, e.Command),
		})
	}
	return out
}
