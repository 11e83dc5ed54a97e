// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Watcher reloads the configuration file when it changes on disk and
// delivers the result to subscribers. Invalid intermediate states (editors
// writing in place, truncated files) are logged and skipped; the last good
// config stays current.
type Watcher struct {
	mu sync.RWMutex

	path    string
	watcher *fsnotify.Watcher
	logger  logr.Logger
	done    chan struct{}
	wg      sync.WaitGroup

	current *Config
	subs    []chan *Config
}

// NewWatcher loads the config at path and starts watching its directory.
// Watching the directory rather than the file survives rename-based writes.
func NewWatcher(path string, logger logr.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		if cerr := fw.Close(); cerr != nil {
			logger.Error(cerr, "failed to close fs watcher")
		}
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger.WithName("config.watcher"),
		done:    make(chan struct{}),
		current: cfg,
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Current returns the most recently loaded valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel receiving each successfully reloaded config.
// Slow subscribers drop intermediate updates; Current always has the latest.
func (w *Watcher) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// Close stops watching. Subscriber channels are closed after the event loop
// drains.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		close(ch)
	}
	w.subs = nil
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(err, "filesystem watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	w.logger.V(1).Info("config file changed", "op", event.Op)

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error(err, "failed to reload config, keeping previous")
		return
	}

	w.mu.Lock()
	w.current = cfg
	subs := make([]chan *Config, len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// Stale value still queued; replace it with the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}
