// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package intake ships agent reports to the dashboard API, spooling to the
// local queue when the dashboard is unreachable.
package intake

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/nodeguarder/nodeguarder/internal/queue"
)

// ErrUnauthorized is returned when the dashboard rejects the agent's
// credentials.
var ErrUnauthorized = errors.New("unauthorized")

const userAgent = "nodeguarder-agent/1.0"

// Client talks to the dashboard API. All pushes are authenticated with the
// server ID and shared API secret from the agent config.
type Client struct {
	baseURL    string
	serverID   string
	apiSecret  string
	httpClient *http.Client
	logger     logr.Logger

	// queue, when set, absorbs payloads the dashboard could not accept.
	queue *queue.Queue
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	ServerID  string
	APISecret string

	// DisableSSLVerify skips TLS certificate checks, for self-hosted
	// dashboards with self-signed certificates.
	DisableSSLVerify bool
}

// NewClient creates a dashboard API client.
func NewClient(opts Options, logger logr.Logger) *Client {
	return &Client{
		baseURL:   opts.BaseURL,
		serverID:  opts.ServerID,
		apiSecret: opts.APISecret,
		logger:    logger.WithName("intake"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: opts.DisableSSLVerify,
				},
			},
		},
	}
}

// SetQueue attaches a spool used when the dashboard is unreachable.
func (c *Client) SetQueue(q *queue.Queue) {
	c.queue = q
}

// RegisterRequest is the agent registration payload.
type RegisterRequest struct {
	ServerID          string `json:"server_id"`
	Hostname          string `json:"hostname"`
	OSName            string `json:"os_name"`
	OSVersion         string `json:"os_version"`
	AgentVersion      string `json:"agent_version"`
	APISecret         string `json:"api_secret"`
	RegistrationToken string `json:"registration_token"`
}

type metricsRequest struct {
	ServerID  string         `json:"server_id"`
	APISecret string         `json:"api_secret"`
	Timestamp int64          `json:"timestamp"`
	Metrics   map[string]any `json:"metrics"`
}

type eventsRequest struct {
	ServerID  string  `json:"server_id"`
	APISecret string  `json:"api_secret"`
	Events    []Event `json:"events"`
}

// Event is a single reportable occurrence.
type Event struct {
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Details   string `json:"details,omitempty"`
}

// RemoteConfig is the dynamic configuration served by the dashboard.
type RemoteConfig struct {
	CronEnabled       bool             `json:"cron_enabled"`
	CronAutoDiscover  bool             `json:"cron_auto_discover"`
	CronIgnore        map[string][]int `json:"cron_ignore"`
	CronGlobalTimeout int              `json:"cron_global_timeout"`
	CronTimeouts      map[string]int   `json:"cron_timeouts"`
	CollectLogs       bool             `json:"collect_logs"`
}

// Register announces the agent to the dashboard.
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	req.ServerID = c.serverID
	req.APISecret = c.apiSecret
	return c.post(ctx, "/api/v1/agent/register", req, nil)
}

// PushMetrics delivers a metrics snapshot, spooling it on failure.
func (c *Client) PushMetrics(ctx context.Context, metrics map[string]any) error {
	req := metricsRequest{
		ServerID:  c.serverID,
		APISecret: c.apiSecret,
		Timestamp: time.Now().Unix(),
		Metrics:   metrics,
	}

	if err := c.post(ctx, "/api/v1/agent/metrics", req, nil); err != nil {
		if c.queue != nil {
			c.queue.SetConnected(false)
			if qerr := c.queue.Push(queue.KindMetrics, metrics); qerr != nil {
				c.logger.Error(qerr, "failed to spool metrics")
			}
			return fmt.Errorf("dashboard unavailable, metrics queued: %w", err)
		}
		return err
	}

	if c.queue != nil {
		c.queue.SetConnected(true)
	}
	return nil
}

// PushEvents delivers events, spooling them on failure.
func (c *Client) PushEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	req := eventsRequest{
		ServerID:  c.serverID,
		APISecret: c.apiSecret,
		Events:    events,
	}

	if err := c.post(ctx, "/api/v1/agent/events", req, nil); err != nil {
		if c.queue != nil {
			c.queue.SetConnected(false)
			if qerr := c.queue.Push(queue.KindEvents, events); qerr != nil {
				c.logger.Error(qerr, "failed to spool events")
			}
			return fmt.Errorf("dashboard unavailable, events queued: %w", err)
		}
		return err
	}

	if c.queue != nil {
		c.queue.SetConnected(true)
	}
	return nil
}

// GetConfig fetches the dynamic agent configuration from the dashboard.
func (c *Client) GetConfig(ctx context.Context) (*RemoteConfig, error) {
	endpoint := fmt.Sprintf("/api/v1/agent/config?server_id=%s&api_secret=%s",
		url.QueryEscape(c.serverID), url.QueryEscape(c.apiSecret))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body)
	}

	var cfg RemoteConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// FlushQueue retries delivery of spooled payloads whose backoff has elapsed.
func (c *Client) FlushQueue(ctx context.Context) (sent, failed int, err error) {
	if c.queue == nil {
		return 0, 0, nil
	}

	pending, err := c.queue.Pending()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get pending queue items: %w", err)
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}

	c.logger.V(1).Info("flushing queued items", "count", len(pending))

	for _, item := range pending {
		sendErr := c.resend(ctx, item)
		if sendErr != nil {
			failed++
			if merr := c.queue.MarkFailed(item.ID, sendErr.Error()); merr != nil {
				c.logger.Error(merr, "failed to mark queue item failed", "id", item.ID)
			}
			continue
		}
		sent++
		if merr := c.queue.MarkSent(item.ID); merr != nil {
			c.logger.Error(merr, "failed to mark queue item sent", "id", item.ID)
		}
	}

	if failed == 0 && sent > 0 {
		c.queue.SetConnected(true)
	}
	return sent, failed, nil
}

func (c *Client) resend(ctx context.Context, item queue.Item) error {
	switch item.Kind {
	case queue.KindMetrics:
		var metrics map[string]any
		if err := json.Unmarshal(item.Payload, &metrics); err != nil {
			return fmt.Errorf("unmarshal error: %w", err)
		}
		return c.post(ctx, "/api/v1/agent/metrics", metricsRequest{
			ServerID:  c.serverID,
			APISecret: c.apiSecret,
			Timestamp: item.Timestamp,
			Metrics:   metrics,
		}, nil)
	case queue.KindEvents:
		var events []Event
		if err := json.Unmarshal(item.Payload, &events); err != nil {
			return fmt.Errorf("unmarshal error: %w", err)
		}
		return c.post(ctx, "/api/v1/agent/events", eventsRequest{
			ServerID:  c.serverID,
			APISecret: c.apiSecret,
			Events:    events,
		}, nil)
	default:
		return fmt.Errorf("unknown queue item kind %q", item.Kind)
	}
}

// UploadLogs posts a log archive to the dashboard as multipart form data.
func (c *Client) UploadLogs(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	_ = writer.WriteField("server_id", c.serverID)
	_ = writer.WriteField("api_secret", c.apiSecret)

	part, err := writer.CreateFormFile("logs", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/agent/logs", body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, response any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, respBody)
	}

	if response != nil {
		if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
