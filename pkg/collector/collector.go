// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package collector defines the continuous-collector contract shared by the
// NodeGuarder data sources.
package collector

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
)

// Status is the operational state of a collector.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusDisabled Status = "disabled"
)

// Receiver accepts events produced by a running collector.
type Receiver interface {
	Name() string
	Accept(event any) error
}

// Continuous is a collector that streams events until stopped.
type Continuous interface {
	Name() string

	// Start begins collection and delivers events to receiver until the
	// context is cancelled or Stop is called.
	Start(ctx context.Context, receiver Receiver) error

	// Stop halts collection and releases resources.
	Stop() error

	Status() Status
	LastError() error
	Capabilities() Capabilities
}

// Capabilities describes what a collector needs from the host.
type Capabilities struct {
	RequiresRoot     bool
	RequiresEBPF     bool
	MinKernelVersion string
}

// Base carries the bookkeeping every continuous collector shares.
type Base struct {
	name         string
	logger       logr.Logger
	capabilities Capabilities

	mu      sync.RWMutex
	status  Status
	lastErr error
}

func NewBase(name string, logger logr.Logger, capabilities Capabilities) Base {
	return Base{
		name:         name,
		logger:       logger.WithName(name),
		capabilities: capabilities,
		status:       StatusDisabled,
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Logger() logr.Logger { return b.logger }

func (b *Base) Capabilities() Capabilities { return b.capabilities }

func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *Base) SetStatus(status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

func (b *Base) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

func (b *Base) SetError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastErr = err
}
