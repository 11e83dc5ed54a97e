// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package channel_test

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeguarder/nodeguarder/pkg/channel"
)

func collect[T any](t *testing.T, out <-chan T, n int) []T {
	t.Helper()
	got := make([]T, 0, n)
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case v, ok := <-out:
			require.True(t, ok, "output closed early")
			got = append(got, v)
		case <-timeout:
			t.Fatalf("timed out after %d of %d values", len(got), n)
		}
	}
	return got
}

func TestMergerMergesAllInputs(t *testing.T) {
	a := make(chan int, 4)
	b := make(chan int, 4)
	m := channel.NewMerger[int]((<-chan int)(a), (<-chan int)(b))
	defer m.Close()

	for i := 0; i < 4; i++ {
		a <- i
		b <- i + 100
	}

	got := collect(t, m.Out(), 8)
	sort.Ints(got)
	assert.Equal(t, []int{0, 1, 2, 3, 100, 101, 102, 103}, got)
}

func TestMergerPreservesPerInputOrder(t *testing.T) {
	in := make(chan int, 16)
	m := channel.NewMerger[int]((<-chan int)(in))
	defer m.Close()

	for i := 0; i < 16; i++ {
		in <- i
	}

	got := collect(t, m.Out(), 16)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestMergerAdd(t *testing.T) {
	m := channel.NewMerger[string]()
	defer m.Close()

	late := make(chan string, 1)
	m.Add(late)
	late <- "hello"

	got := collect(t, m.Out(), 1)
	assert.Equal(t, []string{"hello"}, got)
}

func TestMergerClosedInputStopsContributing(t *testing.T) {
	a := make(chan int, 1)
	b := make(chan int, 1)
	m := channel.NewMerger[int]((<-chan int)(a), (<-chan int)(b))
	defer m.Close()

	a <- 1
	close(a)
	collect(t, m.Out(), 1)

	// The surviving input still delivers.
	b <- 2
	got := collect(t, m.Out(), 1)
	assert.Equal(t, []int{2}, got)
}

func TestMergerCloseClosesOutput(t *testing.T) {
	m := channel.NewMerger[int]()
	m.Close()

	select {
	case _, ok := <-m.Out():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("output did not close")
	}
}

func TestMergerAddAfterClosePanics(t *testing.T) {
	m := channel.NewMerger[int]()
	m.Close()
	assert.Panics(t, func() { m.Add(make(chan int)) })
}

func TestMergerOutputBufferTracksLargestInput(t *testing.T) {
	a := make(chan int)
	b := make(chan int, 8)
	m := channel.NewMerger[int]((<-chan int)(a), (<-chan int)(b))
	defer m.Close()

	assert.Equal(t, 8, cap(m.Out()))
}
