// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package exitsnoop loads and drains the cron exit probe: it resolves kernel
// layouts, loads the generated programs, attaches them to the sched fork and
// exit tracepoints, and streams decoded exit records to a receiver.
package exitsnoop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"

	"github.com/nodeguarder/nodeguarder/pkg/collector"
	"github.com/nodeguarder/nodeguarder/pkg/ebpf/core"
	"github.com/nodeguarder/nodeguarder/pkg/probe"
)

// perCPUBufferSize is the per-CPU perf ring size in bytes. Exit records are
// 36 bytes; one page absorbs bursts of several hundred exits per CPU.
const perCPUBufferSize = 4096

var _ collector.Continuous = (*Collector)(nil)

// Collector owns the probe's kernel state for one attach/detach session.
type Collector struct {
	collector.Base

	mu       sync.Mutex
	manager  *core.Manager
	coll     *ebpf.Collection
	forkLink link.Link
	exitLink link.Link
	reader   *perf.Reader

	lost atomic.Uint64
}

func New(logger logr.Logger) *Collector {
	return &Collector{
		Base: collector.NewBase("exitsnoop", logger, collector.Capabilities{
			RequiresRoot:     true,
			RequiresEBPF:     true,
			MinKernelVersion: "5.5", // bpf_probe_read_kernel
		}),
	}
}

// Start loads, attaches and begins draining the probe. Attach-time failures
// (missing BTF fields, verifier rejection) surface here as hard errors; once
// running, the probe absorbs all runtime error conditions itself.
func (c *Collector) Start(ctx context.Context, receiver collector.Receiver) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status() == collector.StatusActive {
		return errors.New("collector already running")
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("removing memlock: %w", err)
	}

	if c.manager == nil {
		manager, err := core.NewManager(c.Logger())
		if err != nil {
			return fmt.Errorf("creating CO-RE manager: %w", err)
		}
		c.manager = manager
	}

	btfSpec := c.manager.BTF()
	if btfSpec == nil {
		return errors.New("kernel BTF unavailable, cannot resolve task layouts")
	}

	offsets, err := probe.ResolveTaskOffsets(btfSpec)
	if err != nil {
		return fmt.Errorf("resolving kernel layouts: %w", err)
	}

	coll, err := ebpf.NewCollection(probe.NewCollectionSpec(offsets))
	if err != nil {
		return fmt.Errorf("loading probe collection: %w", err)
	}
	c.coll = coll

	c.forkLink, err = link.Tracepoint(probe.TracepointGroup, probe.ForkTracepoint,
		coll.Programs[probe.ForkProgramName], nil)
	if err != nil {
		c.cleanup()
		return fmt.Errorf("attaching fork tracepoint: %w", err)
	}

	c.exitLink, err = link.Tracepoint(probe.TracepointGroup, probe.ExitTracepoint,
		coll.Programs[probe.ExitProgramName], nil)
	if err != nil {
		c.cleanup()
		return fmt.Errorf("attaching exit tracepoint: %w", err)
	}

	c.reader, err = perf.NewReader(coll.Maps[probe.EventMapName], perCPUBufferSize)
	if err != nil {
		c.cleanup()
		return fmt.Errorf("opening perf reader: %w", err)
	}

	go c.readEvents(ctx, receiver)

	c.SetStatus(collector.StatusActive)
	c.Logger().Info("exit probe attached",
		"tracepoints", []string{probe.ForkTracepoint, probe.ExitTracepoint},
		"capacity", probe.TrackedMapCapacity,
	)
	return nil
}

// Stop detaches the probe. In-flight handler invocations need no unwinding:
// each runs to completion inside its own tracepoint fire.
func (c *Collector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanup()
	c.SetStatus(collector.StatusDisabled)
	return nil
}

// LostSamples reports how many exit records the perf channel dropped because
// the reader fell behind. Drops are expected under pressure, never retried.
func (c *Collector) LostSamples() uint64 {
	return c.lost.Load()
}

func (c *Collector) cleanup() {
	if c.reader != nil {
		c.reader.Close()
		c.reader = nil
	}
	if c.forkLink != nil {
		c.forkLink.Close()
		c.forkLink = nil
	}
	if c.exitLink != nil {
		c.exitLink.Close()
		c.exitLink = nil
	}
	if c.coll != nil {
		c.coll.Close()
		c.coll = nil
	}
}

func (c *Collector) readEvents(ctx context.Context, receiver collector.Receiver) {
	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cleanup()
		c.SetStatus(collector.StatusDisabled)
	}()

	reader := c.reader

	// Unblock the reader when the context ends.
	stop := context.AfterFunc(ctx, func() {
		reader.Close()
	})
	defer stop()

	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}
			c.SetError(fmt.Errorf("reading perf channel: %w", err))
			continue
		}

		if record.LostSamples > 0 {
			c.lost.Add(record.LostSamples)
			c.Logger().V(1).Info("perf channel dropped exit records",
				"lost", record.LostSamples, "cpu", record.CPU)
			continue
		}

		event, err := probe.ParseExitEvent(record.RawSample)
		if err != nil {
			c.Logger().Error(err, "decoding exit record")
			continue
		}

		if err := receiver.Accept(event); err != nil {
			c.Logger().Error(err, "delivering exit event", "receiver", receiver.Name())
		}
	}
}
