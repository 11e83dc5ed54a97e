// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package channel

import (
	"sync"
)

// Merger fans multiple input channels into a single output channel.
// Delivery order is preserved within each input channel; ordering across
// inputs is unspecified.
type Merger[T any] struct {
	out  chan T
	done chan struct{}

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewMerger creates a Merger draining the given input channels. The output
// buffer is sized to the largest input buffer so a buffered source does not
// lose its slack when merged.
func NewMerger[T any](inputs ...<-chan T) *Merger[T] {
	buf := 0
	for _, ch := range inputs {
		if cap(ch) > buf {
			buf = cap(ch)
		}
	}

	m := &Merger[T]{
		out:  make(chan T, buf),
		done: make(chan struct{}),
	}
	// Held until Close so the output stays open while inputs come and go.
	m.wg.Add(1)
	for _, ch := range inputs {
		m.Add(ch)
	}

	go func() {
		m.wg.Wait()
		close(m.out)
	}()

	return m
}

// Add starts draining another input channel. The input stops contributing
// when it closes. Safe to call from multiple goroutines; calling Add after
// Close panics.
func (m *Merger[T]) Add(input <-chan T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		panic("channel: Add on closed Merger")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case v, ok := <-input:
				if !ok {
					return
				}
				select {
				case m.out <- v:
				case <-m.done:
					return
				}
			case <-m.done:
				return
			}
		}
	}()
}

// Out returns the merged output channel. It closes once Close is called
// and the drainers have stopped.
func (m *Merger[T]) Out() <-chan T {
	return m.out
}

// Close stops the merger and closes the output channel. Values still
// buffered in the output remain readable. Calling Close twice panics.
func (m *Merger[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	close(m.done)
	m.wg.Done()
}
