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

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestLintError_Message(t *testing.T) {
	err := &LintError{Issues: []LintIssue{
		{File: "tickets/TICKET-001.md", Field: "agent", Message: "required"},
		{File: "DISPATCH.md", Message: "invalid YAML"},
	}}

	want := "frontmatter lint failed: tickets/TICKET-001.md: agent: required; DISPATCH.md: invalid YAML"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := stderrors.New("no such file")
	err := &ConfigError{Key: "agents", Reason: "unreadable", Cause: cause}

	if !stderrors.Is(err, cause) {
		t.Error("ConfigError should unwrap to its cause")
	}
}

func TestAs_ThroughWrap(t *testing.T) {
	inner := &DisconnectedError{AgentID: "codex", Reason: "exit status 1"}
	wrapped := Wrap(fmt.Errorf("turn failed: %w", inner), "running step")

	var disc *DisconnectedError
	if !As(wrapped, &disc) {
		t.Fatal("expected DisconnectedError through wrapping")
	}
	if disc.AgentID != "codex" {
		t.Errorf("got agent %q", disc.AgentID)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&BackendUnavailableError{AgentID: "codex", Cause: stderrors.New("spawn")}, true},
		{&DisconnectedError{AgentID: "codex"}, true},
		{&TurnStalledError{TurnID: "t1", Timeout: time.Minute}, true},
		{&ResumeBlockedError{Reason: "no new replies"}, false},
		{&LintError{}, false},
		{stderrors.New("plain"), false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "context %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
}
