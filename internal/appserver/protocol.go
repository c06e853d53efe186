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

// Package appserver supervises coding-agent backend subprocesses that speak
// newline-delimited JSON-RPC over stdio. One Supervisor owns one subprocess
// for one workspace; the Manager hands out supervisors keyed by workspace
// and backend id.
package appserver

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client-initiated methods.
const (
	methodInitialize    = "initialize"
	methodInitialized   = "initialized"
	methodThreadStart   = "thread/start"
	methodThreadResume  = "thread/resume"
	methodThreadList    = "thread/list"
	methodTurnStart     = "turn/start"
	methodTurnInterrupt = "turn/interrupt"
	methodReviewStart   = "review/start"
)

// Server-initiated methods.
const (
	notifyItemCompleted = "item/completed"
	notifyTurnCompleted = "turn/completed"

	methodCommandApproval = "item/commandExecution/requestApproval"
	methodFileApproval    = "item/fileChange/requestApproval"
)

// message is the single wire shape: a request when both id and method are
// set, a response when only id is set, a notification when only method is.
type message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *responseError  `json:"error,omitempty"`
}

func (m *message) isRequest() bool  { return m.ID != nil && m.Method != "" }
func (m *message) isResponse() bool { return m.ID != nil && m.Method == "" }

// responseError is the JSON-RPC error object.
type responseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// InputItem is one element of a turn's input.
type InputItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// TextInput wraps a prompt string as a single-item turn input.
func TextInput(text string) []InputItem {
	return []InputItem{{Type: "text", Text: text}}
}

// SandboxPolicy is the canonical outbound sandbox policy object.
type SandboxPolicy struct {
	Type string `json:"type"`
}

// Canonical sandbox policy types.
const (
	SandboxDangerFullAccess = "dangerFullAccess"
	SandboxReadOnly         = "readOnly"
	SandboxWorkspaceWrite   = "workspaceWrite"
	SandboxExternal         = "externalSandbox"
)

// canonicalSandbox maps the case-and-separator-folded spelling to the
// canonical wire form.
var canonicalSandbox = map[string]string{
	"dangerfullaccess": SandboxDangerFullAccess,
	"readonly":         SandboxReadOnly,
	"workspacewrite":   SandboxWorkspaceWrite,
	"externalsandbox":  SandboxExternal,
}

// NormalizeSandboxPolicy folds the spellings that appear in ticket
// frontmatter and older configs ("danger-full-access", "DANGER_FULL_ACCESS",
// {type: "danger_full_access"}) into the canonical camelCase object the
// backend expects. Empty input defaults to workspaceWrite.
func NormalizeSandboxPolicy(v any) (SandboxPolicy, error) {
	raw := ""
	switch val := v.(type) {
	case nil:
	case string:
		raw = val
	case SandboxPolicy:
		raw = val.Type
	case map[string]any:
		if t, ok := val["type"].(string); ok {
			raw = t
		} else {
			return SandboxPolicy{}, fmt.Errorf("sandbox policy object missing type")
		}
	default:
		return SandboxPolicy{}, fmt.Errorf("unsupported sandbox policy %T", v)
	}

	if raw == "" {
		return SandboxPolicy{Type: SandboxWorkspaceWrite}, nil
	}

	folded := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(raw))
	canonical, ok := canonicalSandbox[folded]
	if !ok {
		return SandboxPolicy{}, fmt.Errorf("unknown sandbox policy %q", raw)
	}
	return SandboxPolicy{Type: canonical}, nil
}

// ThreadOptions carries per-thread model selection.
type ThreadOptions struct {
	Model     string `json:"model,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ThreadInfo is one entry from thread/list.
type ThreadInfo struct {
	ID      string `json:"id"`
	Preview string `json:"preview,omitempty"`
}

// threadResult decodes the id out of thread/start and thread/resume
// responses. Servers disagree on the envelope shape.
type threadResult struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Thread   struct {
		ID string `json:"id"`
	} `json:"thread"`
}

func (r threadResult) id() string {
	if r.Thread.ID != "" {
		return r.Thread.ID
	}
	if r.ThreadID != "" {
		return r.ThreadID
	}
	return r.ID
}

// turnRef decodes a turn id from turn/start results and turn-scoped
// notifications.
type turnRef struct {
	ID     string `json:"id"`
	TurnID string `json:"turnId"`
	Status string `json:"status"`
	Turn   struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"turn"`
}

func (r turnRef) id() string {
	if r.Turn.ID != "" {
		return r.Turn.ID
	}
	if r.TurnID != "" {
		return r.TurnID
	}
	return r.ID
}

func (r turnRef) status() string {
	if r.Turn.Status != "" {
		return r.Turn.Status
	}
	return r.Status
}

// itemCompletedParams is the payload of item/completed.
type itemCompletedParams struct {
	TurnID string `json:"turnId"`
	Item   struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// isAgentMessage reports whether the item carries assistant text.
func (p itemCompletedParams) isAgentMessage() bool {
	switch p.Item.Type {
	case "agent_message", "agentMessage":
		return true
	}
	return false
}
