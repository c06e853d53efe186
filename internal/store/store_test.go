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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// createTestStore creates a store in a temporary directory.
func createTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "flows.db")
	s, err := Open(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s, dbPath
}

func TestStore_CreateAndGetRun(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	input := json.RawMessage(`{"workspace_root":"/repo"}`)
	run, err := s.CreateRun(ctx, "run-1", "ticket_flow", input, nil)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.Status != StatusPending {
		t.Errorf("expected pending, got %s", run.Status)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.FlowType != "ticket_flow" {
		t.Errorf("expected ticket_flow, got %s", got.FlowType)
	}
	if string(got.InputData) != string(input) {
		t.Errorf("input round-trip mismatch: %s", got.InputData)
	}
	if got.StopRequested {
		t.Error("new run should not have stop requested")
	}
}

func TestStore_CreateRun_DuplicateID(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateRun(ctx, "run-1", "ticket_flow", nil, nil); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	_, err := s.CreateRun(ctx, "run-1", "ticket_flow", nil, nil)
	if !errors.Is(err, ErrDuplicateRun) {
		t.Errorf("expected ErrDuplicateRun, got %v", err)
	}
}

func TestStore_UpdateStatus_TerminalClearsStep(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateRun(ctx, "run-1", "ticket_flow", nil, nil); err != nil {
		t.Fatal(err)
	}

	step := "ticket_step"
	if err := s.UpdateStatus(ctx, "run-1", StatusRunning, UpdateOpts{CurrentStep: &step}); err != nil {
		t.Fatalf("failed to set running: %v", err)
	}

	now := time.Now()
	if err := s.UpdateStatus(ctx, "run-1", StatusCompleted, UpdateOpts{FinishedAt: &now}); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.CurrentStep != "" {
		t.Errorf("terminal run must have no current step, got %q", run.CurrentStep)
	}
	if run.FinishedAt == nil {
		t.Error("terminal run must have finished_at")
	}
}

func TestStore_UpdateStatus_TerminalRejected(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateRun(ctx, "run-1", "ticket_flow", nil, nil); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := s.UpdateStatus(ctx, "run-1", StatusStopped, UpdateOpts{FinishedAt: &now}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateStatus(ctx, "run-1", StatusRunning, UpdateOpts{})
	if !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}
}

func TestStore_ReviveRun(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateRun(ctx, "run-1", "ticket_flow", nil, nil); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	msg := "worker missing"
	if err := s.UpdateStatus(ctx, "run-1", StatusStopped, UpdateOpts{FinishedAt: &now, ErrorMessage: &msg}); err != nil {
		t.Fatal(err)
	}

	if err := s.ReviveRun(ctx, "run-1"); err != nil {
		t.Fatalf("failed to revive: %v", err)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusRunning {
		t.Errorf("expected running, got %s", run.Status)
	}
	if run.FinishedAt != nil {
		t.Error("revived run must have no finished_at")
	}
	if run.ErrorMessage != "" {
		t.Errorf("revived run must have no error message, got %q", run.ErrorMessage)
	}

	events, err := s.ListEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[len(events)-1].Type != EventFlowResumed {
		t.Errorf("expected trailing flow_resumed event, got %v", events)
	}
}

func TestStore_ReviveRun_CompletedStaysTerminal(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateRun(ctx, "run-1", "ticket_flow", nil, nil); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := s.UpdateStatus(ctx, "run-1", StatusCompleted, UpdateOpts{FinishedAt: &now}); err != nil {
		t.Fatal(err)
	}

	if err := s.ReviveRun(ctx, "run-1"); err == nil {
		t.Error("expected revive of a completed run to fail")
	}
}

func TestStore_EventSeqMonotonic(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateRun(ctx, "run-1", "ticket_flow", nil, nil); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		seq, err := s.AppendEvent(ctx, "run-1", EventStepStarted, nil)
		if err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if seq != int64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, seq)
		}
	}

	events, err := s.ListEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}

	tail, err := s.ListEvents(ctx, "run-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 {
		t.Errorf("ListEvents afterSeq=3 returned %d events", len(tail))
	}
}

func TestStore_UpdateStatusWithEvent_Atomic(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateRun(ctx, "run-1", "ticket_flow", nil, nil); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateStatusWithEvent(ctx, "run-1", StatusRunning, UpdateOpts{},
		EventFlowStarted, json.RawMessage(`{"pid":123}`))
	if err != nil {
		t.Fatalf("failed combined update: %v", err)
	}

	run, _ := s.GetRun(ctx, "run-1")
	if run.Status != StatusRunning {
		t.Errorf("expected running, got %s", run.Status)
	}

	events, _ := s.ListEvents(ctx, "run-1", 0)
	if len(events) != 1 || events[0].Type != EventFlowStarted {
		t.Fatalf("expected one flow_started event, got %v", events)
	}
}

func TestStore_SetStopRequested(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateRun(ctx, "run-1", "ticket_flow", nil, nil); err != nil {
		t.Fatal(err)
	}

	if err := s.SetStopRequested(ctx, "run-1", true); err != nil {
		t.Fatal(err)
	}
	run, _ := s.GetRun(ctx, "run-1")
	if !run.StopRequested {
		t.Error("stop_requested should be set")
	}

	if err := s.SetStopRequested(ctx, "run-1", false); err != nil {
		t.Fatal(err)
	}
	run, _ = s.GetRun(ctx, "run-1")
	if run.StopRequested {
		t.Error("stop_requested should be cleared")
	}
}

func TestStore_ListRuns_Filter(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.CreateRun(ctx, id, "ticket_flow", nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.CreateRun(ctx, "d", "other_flow", nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, "b", StatusRunning, UpdateOpts{}); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns(ctx, Filter{FlowType: "ticket_flow"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Errorf("expected 3 ticket_flow runs, got %d", len(runs))
	}

	running, err := s.ListRuns(ctx, Filter{Status: StatusRunning})
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].ID != "b" {
		t.Errorf("expected only run b running, got %v", running)
	}
}

// Round-trip durability: close and re-open the store, the run record must be
// byte-identical in every field.
func TestStore_ReopenRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "flows.db")
	ctx := context.Background()

	s, err := Open(Config{Path: dbPath, DurableWrites: true})
	if err != nil {
		t.Fatal(err)
	}

	input := json.RawMessage(`{"workspace_root":"/repo","runs_dir":"/repo/.codex-autorunner/runs"}`)
	state := json.RawMessage(`{"total_turns":3,"reply_seq":1}`)
	if _, err := s.CreateRun(ctx, "run-1", "ticket_flow", input, json.RawMessage(`{"origin":"test"}`)); err != nil {
		t.Fatal(err)
	}
	step := "ticket_step"
	if err := s.UpdateStatus(ctx, "run-1", StatusPaused, UpdateOpts{State: state, CurrentStep: &step}); err != nil {
		t.Fatal(err)
	}
	before, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(Config{Path: dbPath, DurableWrites: true})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	after, err := s2.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}

	if after.ID != before.ID || after.Status != before.Status ||
		after.CurrentStep != before.CurrentStep ||
		string(after.State) != string(before.State) ||
		string(after.InputData) != string(before.InputData) ||
		!after.CreatedAt.Equal(before.CreatedAt) {
		t.Errorf("round-trip mismatch:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestStore_RecordStepExecution_AssignsAttempt(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateRun(ctx, "run-1", "ticket_flow", nil, nil); err != nil {
		t.Fatal(err)
	}

	start := time.Now().Add(-time.Second)
	for i := 0; i < 3; i++ {
		exec := &StepExecution{
			RunID:      "run-1",
			StepName:   "ticket_step",
			Outcome:    "continue",
			Duration:   time.Second,
			StartedAt:  start,
			FinishedAt: start.Add(time.Second),
		}
		if err := s.RecordStepExecution(ctx, exec); err != nil {
			t.Fatalf("failed to record execution: %v", err)
		}
		if exec.Attempt != i+1 {
			t.Errorf("expected attempt %d, got %d", i+1, exec.Attempt)
		}
	}

	execs, err := s.ListStepExecutions(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 3 {
		t.Errorf("expected 3 executions, got %d", len(execs))
	}
}
