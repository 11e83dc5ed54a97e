// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"

	"github.com/nodeguarder/nodeguarder/pkg/collector/exitsnoop"
	"github.com/nodeguarder/nodeguarder/pkg/probe"
)

// printReceiver prints every exit event from cron-spawned processes.
type printReceiver struct {
	count int
}

func (p *printReceiver) Name() string { return "print-receiver" }

func (p *printReceiver) Accept(data any) error {
	event, ok := data.(*probe.ExitEvent)
	if !ok {
		return nil
	}
	p.count++
	fmt.Printf("[%d] PID=%d PPID=%d NS_PID=%d NS_PPID=%d EXIT=%d COMM=%s\n",
		p.count, event.PID, event.ParentPID, event.NSPID, event.NSParentPID,
		event.ExitCode, event.Command())
	return nil
}

func main() {
	collector := exitsnoop.New(logr.Discard())

	fmt.Println("Tracing cron-spawned process exits... Press Ctrl+C to stop.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nStopping...")
		cancel()
	}()

	receiver := &printReceiver{}
	if err := collector.Start(ctx, receiver); err != nil {
		log.Fatalf("Failed to start collector: %v", err)
	}
	defer collector.Stop()

	<-ctx.Done()
	fmt.Printf("\nProcessed %d events (%d samples lost)\n", receiver.count, collector.LostSamples())
}
