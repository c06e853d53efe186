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
	"os"
	"testing"
	"time"
)

func TestWatcher_NotifiesOnReply(t *testing.T) {
	paths := testPaths(t)

	got := make(chan string, 1)
	w, err := NewWatcher(WatcherConfig{
		OnReply:       func(runID string) { got <- runID },
		DebounceDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Watch("run-1", paths); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(paths.Reply(), []byte("here you go"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case runID := <-got:
		if runID != "run-1" {
			t.Errorf("notified for %q", runID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notification for staged reply")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	paths := testPaths(t)

	got := make(chan string, 1)
	w, err := NewWatcher(WatcherConfig{
		OnReply:       func(runID string) { got <- runID },
		DebounceDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Watch("run-1", paths); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(paths.Dispatch(), []byte("---\nmode: notify\n---\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case runID := <-got:
		t.Errorf("unexpected notification for %q", runID)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_Unwatch(t *testing.T) {
	paths := testPaths(t)

	got := make(chan string, 1)
	w, err := NewWatcher(WatcherConfig{
		OnReply:       func(runID string) { got <- runID },
		DebounceDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Watch("run-1", paths); err != nil {
		t.Fatal(err)
	}
	w.Unwatch("run-1")

	if err := os.WriteFile(paths.Reply(), []byte("late"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case runID := <-got:
		t.Errorf("unexpected notification for %q after unwatch", runID)
	case <-time.After(300 * time.Millisecond):
	}
}
