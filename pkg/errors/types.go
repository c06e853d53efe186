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

// Package errors defines the typed errors shared across the autorunner core.
// Callers discriminate with errors.As; every type carries enough context to
// render a useful pause reason or diagnostic without re-parsing strings.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ConfigError represents invalid on-disk configuration.
// A flow never starts with a ConfigError; it is surfaced to the user.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "agents.codex.command")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// LintIssue describes one frontmatter schema violation.
type LintIssue struct {
	// File is the offending file, relative to the workspace root when possible.
	File string `json:"file"`

	// Field names the frontmatter key, empty when the document fails to parse at all.
	Field string `json:"field,omitempty"`

	// Message is the human-readable description of the violation.
	Message string `json:"message"`
}

func (i LintIssue) String() string {
	if i.Field != "" {
		return fmt.Sprintf("%s: %s: %s", i.File, i.Field, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.File, i.Message)
}

// LintError represents ticket or dispatch frontmatter that fails to parse or
// violates the schema. The flow pauses with the issue list; the user (or the
// agent on the next turn) resolves it by editing the file.
type LintError struct {
	Issues []LintIssue
}

// Error implements the error interface.
func (e *LintError) Error() string {
	if len(e.Issues) == 0 {
		return "frontmatter lint failed"
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.String()
	}
	return "frontmatter lint failed: " + strings.Join(msgs, "; ")
}

// BackendUnavailableError means the supervisor could not spawn or initialize
// the agent subprocess. The flow pauses; ResumeFlow retries automatically.
type BackendUnavailableError struct {
	// AgentID is the registered backend identifier.
	AgentID string

	// Cause is the spawn or handshake failure.
	Cause error
}

// Error implements the error interface.
func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("agent backend %s unavailable: %v", e.AgentID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *BackendUnavailableError) Unwrap() error {
	return e.Cause
}

// DisconnectedError means the agent subprocess died while requests were
// pending. Every in-flight future fails with this kind; the supervisor
// schedules a restart independently.
type DisconnectedError struct {
	// AgentID is the registered backend identifier.
	AgentID string

	// Reason describes how the disconnect was observed (exit status, read error).
	Reason string
}

// Error implements the error interface.
func (e *DisconnectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("agent backend %s disconnected: %s", e.AgentID, e.Reason)
	}
	return fmt.Sprintf("agent backend %s disconnected", e.AgentID)
}

// BackendResponseError is a JSON-RPC error response from the agent,
// mapped 1:1 into the pool result.
type BackendResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *BackendResponseError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// TurnStalledError means a turn made no progress within the stall timeout.
// It is treated as a disconnect plus a supervisor-level recovery.
type TurnStalledError struct {
	// TurnID is the backend-issued turn identifier.
	TurnID string

	// Timeout is the configured stall window.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TurnStalledError) Error() string {
	return fmt.Sprintf("turn %s stalled: no progress within %v", e.TurnID, e.Timeout)
}

// ResumeBlockedError means the resume gate rejected a resume attempt.
// It is returned to the caller and never written to the run.
type ResumeBlockedError struct {
	// Reason explains what signal would satisfy the gate.
	Reason string
}

// Error implements the error interface.
func (e *ResumeBlockedError) Error() string {
	return fmt.Sprintf("resume blocked pending signal: %s", e.Reason)
}

// WorkerMissingError means the reconciler found a running run whose worker
// sidecar is absent or points at a dead process.
type WorkerMissingError struct {
	// RunID identifies the orphaned run.
	RunID string

	// Detail records what the sidecar check observed.
	Detail string
}

// Error implements the error interface.
func (e *WorkerMissingError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("worker missing for run %s: %s", e.RunID, e.Detail)
	}
	return fmt.Sprintf("worker missing for run %s", e.RunID)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "flow run", "ticket", "agent")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "turn wait", "initialize")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
