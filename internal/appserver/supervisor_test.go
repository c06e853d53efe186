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

package appserver

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	carerrors "github.com/codex-autorunner/car/pkg/errors"
)

func TestSupervisor_TurnRoundTrip(t *testing.T) {
	onTurn := func(fb *fakeBackend, id int64, params json.RawMessage) {
		fb.respond(id, map[string]any{"turn": map[string]any{"id": "turn-1"}})
		fb.notify(notifyItemCompleted, map[string]any{
			"turnId": "turn-1",
			"item":   map[string]any{"type": "agent_message", "text": "done the thing"},
		})
		fb.notify(notifyTurnCompleted, map[string]any{
			"turn": map[string]any{"id": "turn-1", "status": "completed"},
		})
	}

	sup, err := testSupervisor(Config{}, func() *fakeBackend {
		return newFakeBackend(scriptedHandler(onTurn, nil))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sup.Close()

	ctx := context.Background()
	threadID, err := sup.ThreadStart(ctx, "/tmp/ws", ThreadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if threadID != "thread-1" {
		t.Errorf("thread id = %q", threadID)
	}

	turnID, err := sup.TurnStart(ctx, threadID, TextInput("do the thing"), "never", SandboxPolicy{Type: SandboxWorkspaceWrite})
	if err != nil {
		t.Fatal(err)
	}

	result, err := sup.WaitForTurn(ctx, turnID, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != TurnCompleted {
		t.Errorf("status = %s", result.Status)
	}
	if len(result.AgentMessages) != 1 || result.AgentMessages[0] != "done the thing" {
		t.Errorf("agent messages = %v", result.AgentMessages)
	}
	if len(result.RawEvents) == 0 {
		t.Error("expected raw events to be captured")
	}
}

func TestSupervisor_SandboxPolicyOnWire(t *testing.T) {
	sawPolicy := make(chan string, 1)
	onTurn := func(fb *fakeBackend, id int64, params json.RawMessage) {
		var p struct {
			SandboxPolicy struct {
				Type string `json:"type"`
			} `json:"sandboxPolicy"`
		}
		_ = json.Unmarshal(params, &p)
		sawPolicy <- p.SandboxPolicy.Type
		fb.respond(id, map[string]any{"turn": map[string]any{"id": "turn-1"}})
		fb.notify(notifyTurnCompleted, map[string]any{"turn": map[string]any{"id": "turn-1", "status": "completed"}})
	}

	sup, err := testSupervisor(Config{}, func() *fakeBackend {
		return newFakeBackend(scriptedHandler(onTurn, nil))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sup.Close()

	ctx := context.Background()
	threadID, err := sup.ThreadStart(ctx, "/tmp/ws", ThreadOptions{})
	if err != nil {
		t.Fatal(err)
	}

	policy, err := NormalizeSandboxPolicy("danger-full-access")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sup.TurnStart(ctx, threadID, TextInput("x"), "", policy); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-sawPolicy:
		if got != "dangerFullAccess" {
			t.Errorf("wire sandbox policy = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend never saw turn/start")
	}
}

func TestSupervisor_ApprovalFlow(t *testing.T) {
	decided := make(chan Decision, 1)
	onTurn := func(fb *fakeBackend, id int64, params json.RawMessage) {
		fb.respond(id, map[string]any{"turn": map[string]any{"id": "turn-1"}})
		approvalID := int64(100)
		raw, _ := json.Marshal(map[string]any{"turnId": "turn-1", "command": "make test"})
		fb.send(&message{ID: &approvalID, Method: methodCommandApproval, Params: raw})
	}
	onOther := func(fb *fakeBackend, msg *message) {
		// The client's reply to the approval request.
		if msg.isResponse() && *msg.ID == 100 {
			var result struct {
				Decision Decision `json:"decision"`
			}
			_ = json.Unmarshal(msg.Result, &result)
			decided <- result.Decision
			fb.notify(notifyTurnCompleted, map[string]any{"turn": map[string]any{"id": "turn-1", "status": "completed"}})
		}
	}

	var seen atomic.Value
	approvals := func(_ context.Context, req ApprovalRequest) (ApprovalResponse, error) {
		seen.Store(req.Method)
		return ApprovalResponse{Decision: DecisionAccept}, nil
	}

	sup, err := testSupervisor(Config{Approvals: approvals}, func() *fakeBackend {
		return newFakeBackend(scriptedHandler(onTurn, onOther))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sup.Close()

	ctx := context.Background()
	threadID, err := sup.ThreadStart(ctx, "/tmp/ws", ThreadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	turnID, err := sup.TurnStart(ctx, threadID, TextInput("x"), "untrusted", SandboxPolicy{Type: SandboxWorkspaceWrite})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-decided:
		if d != DecisionAccept {
			t.Errorf("decision on wire = %q", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("approval never answered")
	}

	result, err := sup.WaitForTurn(ctx, turnID, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != TurnCompleted {
		t.Errorf("status = %s", result.Status)
	}
	if m, _ := seen.Load().(string); m != methodCommandApproval {
		t.Errorf("handler saw method %q", m)
	}
}

func TestSupervisor_DefaultDecisionWithoutHandler(t *testing.T) {
	decided := make(chan Decision, 1)
	onTurn := func(fb *fakeBackend, id int64, params json.RawMessage) {
		fb.respond(id, map[string]any{"turn": map[string]any{"id": "turn-1"}})
		approvalID := int64(7)
		raw, _ := json.Marshal(map[string]any{"turnId": "turn-1"})
		fb.send(&message{ID: &approvalID, Method: methodFileApproval, Params: raw})
	}
	onOther := func(fb *fakeBackend, msg *message) {
		if msg.isResponse() && *msg.ID == 7 {
			var result struct {
				Decision Decision `json:"decision"`
			}
			_ = json.Unmarshal(msg.Result, &result)
			decided <- result.Decision
		}
	}

	sup, err := testSupervisor(Config{}, func() *fakeBackend {
		return newFakeBackend(scriptedHandler(onTurn, onOther))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sup.Close()

	ctx := context.Background()
	threadID, err := sup.ThreadStart(ctx, "/tmp/ws", ThreadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sup.TurnStart(ctx, threadID, TextInput("x"), "", SandboxPolicy{Type: SandboxReadOnly}); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-decided:
		if d != DecisionCancel {
			t.Errorf("default decision = %q, want cancel", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("approval never answered")
	}
}

func TestSupervisor_DisconnectFailsTurnAndRestarts(t *testing.T) {
	var spawns atomic.Int32
	factory := func() *fakeBackend {
		n := spawns.Add(1)
		if n == 1 {
			// First backend dies right after accepting the turn.
			return newFakeBackend(scriptedHandler(func(fb *fakeBackend, id int64, params json.RawMessage) {
				fb.respond(id, map[string]any{"turn": map[string]any{"id": "turn-1"}})
				fb.stop()
			}, nil))
		}
		return newFakeBackend(scriptedHandler(nil, nil))
	}

	sup, err := testSupervisor(Config{
		AutoRestart:           true,
		RestartBackoffInitial: 10 * time.Millisecond,
	}, factory)
	if err != nil {
		t.Fatal(err)
	}
	defer sup.Close()

	ctx := context.Background()
	threadID, err := sup.ThreadStart(ctx, "/tmp/ws", ThreadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	turnID, err := sup.TurnStart(ctx, threadID, TextInput("x"), "", SandboxPolicy{Type: SandboxWorkspaceWrite})
	if err != nil {
		t.Fatal(err)
	}

	_, err = sup.WaitForTurn(ctx, turnID, 5*time.Second)
	var disc *carerrors.DisconnectedError
	if !carerrors.As(err, &disc) {
		t.Fatalf("expected DisconnectedError, got %v", err)
	}

	// The restart loop re-spawns; a fresh session must succeed.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := sup.ThreadStart(ctx, "/tmp/ws", ThreadOptions{}); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("backend never came back after restart")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if spawns.Load() < 2 {
		t.Errorf("spawns = %d, want at least 2", spawns.Load())
	}
}

func TestSupervisor_InitializeRetryWithoutVersion(t *testing.T) {
	var initCalls atomic.Int32
	handler := func(fb *fakeBackend, msg *message) {
		if !msg.isRequest() {
			return
		}
		switch msg.Method {
		case methodInitialize:
			initCalls.Add(1)
			var params struct {
				ClientInfo map[string]any `json:"clientInfo"`
			}
			_ = json.Unmarshal(msg.Params, &params)
			if _, hasVersion := params.ClientInfo["version"]; hasVersion {
				fb.respondError(*msg.ID, -32602, "unknown field: version")
				return
			}
			fb.respond(*msg.ID, map[string]any{})
		case methodThreadStart:
			fb.respond(*msg.ID, map[string]any{"thread": map[string]any{"id": "thread-1"}})
		}
	}

	sup, err := testSupervisor(Config{}, func() *fakeBackend {
		return newFakeBackend(handler)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sup.Close()

	if _, err := sup.ThreadStart(context.Background(), "/tmp/ws", ThreadOptions{}); err != nil {
		t.Fatal(err)
	}
	if initCalls.Load() != 2 {
		t.Errorf("initialize calls = %d, want 2 (with then without version)", initCalls.Load())
	}
}

func TestSupervisor_StallResolvesTurn(t *testing.T) {
	onTurn := func(fb *fakeBackend, id int64, params json.RawMessage) {
		// Accept the turn, then go silent.
		fb.respond(id, map[string]any{"turn": map[string]any{"id": "turn-1"}})
	}

	sup, err := testSupervisor(Config{
		StallTimeout: 50 * time.Millisecond,
	}, func() *fakeBackend {
		return newFakeBackend(scriptedHandler(onTurn, nil))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sup.Close()

	ctx := context.Background()
	threadID, err := sup.ThreadStart(ctx, "/tmp/ws", ThreadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	turnID, err := sup.TurnStart(ctx, threadID, TextInput("x"), "", SandboxPolicy{Type: SandboxWorkspaceWrite})
	if err != nil {
		t.Fatal(err)
	}

	result, err := sup.WaitForTurn(ctx, turnID, 5*time.Second)
	var stalled *carerrors.TurnStalledError
	if !carerrors.As(err, &stalled) {
		t.Fatalf("expected TurnStalledError, got %v", err)
	}
	if result == nil || result.Status != TurnStalled {
		t.Errorf("result = %+v", result)
	}
}

func TestSupervisor_WaitForTurnTimeout(t *testing.T) {
	onTurn := func(fb *fakeBackend, id int64, params json.RawMessage) {
		fb.respond(id, map[string]any{"turn": map[string]any{"id": "turn-1"}})
	}

	sup, err := testSupervisor(Config{}, func() *fakeBackend {
		return newFakeBackend(scriptedHandler(onTurn, nil))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sup.Close()

	ctx := context.Background()
	threadID, err := sup.ThreadStart(ctx, "/tmp/ws", ThreadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	turnID, err := sup.TurnStart(ctx, threadID, TextInput("x"), "", SandboxPolicy{Type: SandboxWorkspaceWrite})
	if err != nil {
		t.Fatal(err)
	}

	_, err = sup.WaitForTurn(ctx, turnID, 30*time.Millisecond)
	var timeout *carerrors.TimeoutError
	if !carerrors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestSupervisor_ClosedRefusesWork(t *testing.T) {
	sup, err := testSupervisor(Config{}, func() *fakeBackend {
		return newFakeBackend(scriptedHandler(nil, nil))
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := sup.ThreadStart(context.Background(), "/tmp/ws", ThreadOptions{}); err == nil {
		t.Error("expected error from closed supervisor")
	}
}
