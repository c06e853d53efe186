// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReplyFunc is invoked when a staged reply appears for a watched run.
type ReplyFunc func(runID string)

// Watcher monitors run directories for staged USER_REPLY.md files. The hub
// uses it to evaluate the resume gate as soon as a human answers instead of
// waiting for a poll.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	onReply   ReplyFunc
	logger    *slog.Logger

	// debounceDelay coalesces the write bursts editors produce.
	debounceDelay time.Duration

	mu       sync.Mutex
	watched  map[string]string // run dir -> run id
	pending  map[string]*time.Timer
	cancel   context.CancelFunc
	done     chan struct{}
	closedMu sync.Once
}

// WatcherConfig configures the reply watcher.
type WatcherConfig struct {
	// OnReply is invoked (debounced) when a reply lands for a watched run.
	OnReply ReplyFunc

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// DebounceDelay defaults to 200ms.
	DebounceDelay time.Duration
}

// NewWatcher creates a reply watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.OnReply == nil {
		return nil, fmt.Errorf("OnReply is required")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	delay := cfg.DebounceDelay
	if delay == 0 {
		delay = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		fsWatcher:     fsWatcher,
		onReply:       cfg.OnReply,
		logger:        logger,
		debounceDelay: delay,
		watched:       make(map[string]string),
		pending:       make(map[string]*time.Timer),
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	go w.processEvents(ctx)

	return w, nil
}

// Watch starts watching a run's staging directory for replies.
func (w *Watcher) Watch(runID string, paths Paths) error {
	dir, err := filepath.Abs(paths.RunDir)
	if err != nil {
		return fmt.Errorf("failed to resolve run directory: %w", err)
	}

	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.watched[dir] = runID
	w.mu.Unlock()

	w.logger.Debug("watching run for replies", "run_id", runID, "dir", dir)
	return nil
}

// Unwatch stops watching a run.
func (w *Watcher) Unwatch(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for dir, id := range w.watched {
		if id != runID {
			continue
		}
		_ = w.fsWatcher.Remove(dir)
		delete(w.watched, dir)
		if timer, ok := w.pending[runID]; ok {
			timer.Stop()
			delete(w.pending, runID)
		}
	}
}

// processEvents dispatches filesystem events until the watcher is closed.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ReplyFile {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.scheduleNotify(filepath.Dir(event.Name))
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("reply watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// scheduleNotify schedules a debounced callback for the run owning dir.
func (w *Watcher) scheduleNotify(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return
	}

	w.mu.Lock()
	runID, ok := w.watched[abs]
	if !ok {
		w.mu.Unlock()
		return
	}
	if timer, exists := w.pending[runID]; exists {
		timer.Stop()
	}
	w.pending[runID] = time.AfterFunc(w.debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, runID)
		w.mu.Unlock()

		w.logger.Info("reply staged", "run_id", runID)
		w.onReply(runID)
	})
	w.mu.Unlock()
}

// Close shuts down the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closedMu.Do(func() {
		w.cancel()

		w.mu.Lock()
		for _, timer := range w.pending {
			timer.Stop()
		}
		w.mu.Unlock()

		err = w.fsWatcher.Close()
		<-w.done
	})
	return err
}
