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

package engine

import (
	"encoding/json"
	"fmt"

	carerrors "github.com/codex-autorunner/car/pkg/errors"
)

// State is the ticket engine's scratch memory, round-tripped through the
// run's JSON state blob between steps.
type State struct {
	// TotalTurns counts agent turns across the whole run.
	TotalTurns int `json:"total_turns"`

	// TicketTurns counts turns spent on the current ticket.
	TicketTurns int `json:"ticket_turns,omitempty"`

	// CurrentTicket is the filename of the ticket being worked, empty when
	// the next step should pick one.
	CurrentTicket string `json:"current_ticket,omitempty"`

	// ReplySeq is the highest archived reply seq already injected into a
	// prompt. Replies above it are pending.
	ReplySeq int `json:"reply_seq"`

	// OutboxSeq is the highest archived dispatch seq.
	OutboxSeq int `json:"outbox_seq"`

	LastAgentOutput         string `json:"last_agent_output,omitempty"`
	LastAgentID             string `json:"last_agent_id,omitempty"`
	LastAgentConversationID string `json:"last_agent_conversation_id,omitempty"`
	LastAgentTurnID         string `json:"last_agent_turn_id,omitempty"`
	LastAgentError          string `json:"last_agent_error,omitempty"`
	LastCommitError         string `json:"last_commit_error,omitempty"`

	// Lint is set while the current ticket's frontmatter fails the schema;
	// the next turn is a repair turn.
	Lint *LintState `json:"lint,omitempty"`

	// DispatchLint holds the issues of a staged DISPATCH.md that failed
	// its schema. Staging is left intact for a human or the next turn.
	DispatchLint []carerrors.LintIssue `json:"dispatch_lint,omitempty"`

	// PauseContext is recorded on every pause; the resume gate reads it.
	PauseContext *PauseContext `json:"pause_context,omitempty"`
}

// LintState tracks frontmatter repair attempts.
type LintState struct {
	Issues  []carerrors.LintIssue `json:"issues,omitempty"`
	Retries int                   `json:"retries,omitempty"`
}

// PauseContext captures the signals the resume gate compares against.
type PauseContext struct {
	// PausedReplySeq is the highest archived reply seq at pause time.
	PausedReplySeq int `json:"paused_reply_seq"`

	// RepoFingerprint is the working-tree fingerprint at pause time.
	RepoFingerprint string `json:"repo_fingerprint,omitempty"`

	// InfraError marks pauses caused by agent or backend failures, which
	// resume without any new external signal.
	InfraError bool `json:"infra_error,omitempty"`
}

// ParseState decodes a run's state blob. Nil or empty input yields a fresh
// State.
func ParseState(raw json.RawMessage) (*State, error) {
	st := &State{}
	if len(raw) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("failed to decode flow state: %w", err)
	}
	return st, nil
}

// Marshal encodes the state for persistence.
func (s *State) Marshal() (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow state: %w", err)
	}
	return raw, nil
}

// clearTicket resets per-ticket fields when a ticket is finished.
func (s *State) clearTicket() {
	s.CurrentTicket = ""
	s.TicketTurns = 0
	s.LastAgentConversationID = ""
	s.Lint = nil
}
