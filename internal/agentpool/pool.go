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

// Package agentpool is the thin facade the ticket engine drives: it routes
// one turn request to the supervisor for the ticket's declared agent and
// coerces the outcome into a single TurnResult.
package agentpool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codex-autorunner/car/internal/appserver"
)

// TurnRequest is one agent turn as the engine sees it.
type TurnRequest struct {
	// AgentID selects the registered backend (ticket frontmatter `agent:`).
	AgentID string

	// Workspace is the repository root the agent operates on.
	Workspace string

	// ConversationID is the backend thread id of a prior session. Empty
	// starts a fresh session.
	ConversationID string

	// Prompt is the fully assembled turn input.
	Prompt string

	Model     string
	Reasoning string

	ApprovalPolicy string
	SandboxPolicy  appserver.SandboxPolicy
}

// TurnResult is the coerced outcome of one turn. Err carries turn-level
// failures (disconnect, stall) so the engine can pause with a reason while
// still recording the conversation id for resume.
type TurnResult struct {
	Text           string
	AgentID        string
	ConversationID string
	TurnID         string
	Status         appserver.TurnStatus
	AgentMessages  []string
	Err            error
}

// backendHandle is the slice of the supervisor surface the pool drives.
type backendHandle interface {
	ThreadStart(ctx context.Context, cwd string, opts appserver.ThreadOptions) (string, error)
	ThreadResume(ctx context.Context, threadID, cwd string, opts appserver.ThreadOptions) (string, error)
	TurnStart(ctx context.Context, threadID string, items []appserver.InputItem, approvalPolicy string, sandbox appserver.SandboxPolicy) (string, error)
	WaitForTurn(ctx context.Context, turnID string, timeout time.Duration) (*appserver.TurnResult, error)
}

// handleSource hands out backend handles; the production implementation is
// the appserver Manager.
type handleSource interface {
	Acquire(workspace, agentID string, approvals appserver.ApprovalHandler, notifications appserver.NotificationHandler) (backendHandle, error)
	Release(workspace, agentID string) error
}

// managerSource adapts *appserver.Manager to handleSource.
type managerSource struct {
	m *appserver.Manager
}

func (s managerSource) Acquire(workspace, agentID string, a appserver.ApprovalHandler, n appserver.NotificationHandler) (backendHandle, error) {
	return s.m.Acquire(workspace, agentID, a, n)
}

func (s managerSource) Release(workspace, agentID string) error {
	return s.m.Release(workspace, agentID)
}

// Config configures a Pool.
type Config struct {
	// Manager supplies supervisors. Required in production.
	Manager *appserver.Manager

	// Workspace is the repository root every turn runs against.
	Workspace string

	// Agents lists the registered backend ids tickets may name.
	Agents []string

	// Approvals and Notifications are wired into supervisors the pool
	// creates.
	Approvals     appserver.ApprovalHandler
	Notifications appserver.NotificationHandler

	// TurnTimeout bounds WaitForTurn; zero waits on the context alone.
	TurnTimeout time.Duration

	Logger *slog.Logger

	// source overrides Manager in tests.
	source handleSource
}

// Pool routes turns to supervisors and releases them on Close. One Pool per
// flow run.
type Pool struct {
	cfg    Config
	source handleSource
	agents map[string]bool
	logger *slog.Logger

	mu       sync.Mutex
	acquired map[string]bool // agent ids with a live handle
	closed   bool
}

// New creates a Pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	source := cfg.source
	if source == nil {
		if cfg.Manager == nil {
			return nil, fmt.Errorf("manager is required")
		}
		source = managerSource{m: cfg.Manager}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	agents := make(map[string]bool, len(cfg.Agents))
	for _, id := range cfg.Agents {
		agents[id] = true
	}

	return &Pool{
		cfg:      cfg,
		source:   source,
		agents:   agents,
		logger:   logger,
		acquired: make(map[string]bool),
	}, nil
}

// RunTurn executes exactly one agent turn. Infrastructure failures before a
// turn starts return an error; failures of a started turn come back inside
// the TurnResult so the caller still learns the conversation id.
func (p *Pool) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if len(p.agents) > 0 && !p.agents[req.AgentID] {
		return nil, fmt.Errorf("agent %q is not registered", req.AgentID)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("agent pool is closed")
	}
	p.mu.Unlock()

	handle, err := p.source.Acquire(req.Workspace, req.AgentID, p.cfg.Approvals, p.cfg.Notifications)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.acquired[req.AgentID] = true
	p.mu.Unlock()

	opts := appserver.ThreadOptions{Model: req.Model, Reasoning: req.Reasoning}
	var conversationID string
	if req.ConversationID != "" {
		conversationID, err = handle.ThreadResume(ctx, req.ConversationID, req.Workspace, opts)
	} else {
		conversationID, err = handle.ThreadStart(ctx, req.Workspace, opts)
	}
	if err != nil {
		return nil, err
	}

	turnID, err := handle.TurnStart(ctx, conversationID, appserver.TextInput(req.Prompt), req.ApprovalPolicy, req.SandboxPolicy)
	if err != nil {
		return nil, err
	}

	p.logger.Info("turn started",
		"agent_id", req.AgentID, "conversation_id", conversationID, "turn_id", turnID)

	result, err := handle.WaitForTurn(ctx, turnID, p.cfg.TurnTimeout)
	tr := &TurnResult{
		AgentID:        req.AgentID,
		ConversationID: conversationID,
		TurnID:         turnID,
		Err:            err,
	}
	if result != nil {
		tr.Status = result.Status
		tr.AgentMessages = result.AgentMessages
		tr.Text = strings.Join(result.AgentMessages, "\n\n")
	}
	return tr, nil
}

// Close releases every handle the pool acquired.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ids := make([]string, 0, len(p.acquired))
	for id := range p.acquired {
		ids = append(ids, id)
	}
	p.acquired = make(map[string]bool)
	p.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := p.source.Release(p.cfg.Workspace, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
