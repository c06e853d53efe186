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

// Package engine implements the ticket-flow step: resolve the next ticket,
// run exactly one agent turn against it, archive any dispatch, and advance.
// The engine is deterministic between store updates; the only nondeterminism
// is the agent output itself.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/codex-autorunner/car/internal/agentpool"
	"github.com/codex-autorunner/car/internal/appserver"
	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/outbox"
	"github.com/codex-autorunner/car/internal/ticket"
	carerrors "github.com/codex-autorunner/car/pkg/errors"
)

// StepStatus is the engine-level outcome of one step.
type StepStatus string

const (
	StatusContinue  StepStatus = "continue"
	StatusPaused    StepStatus = "paused"
	StatusCompleted StepStatus = "completed"
)

// Result is what one engine step hands back to the flow controller.
type Result struct {
	Status StepStatus

	// Reason explains a pause.
	Reason string

	// Dispatch is the archived dispatch or turn summary, when one exists.
	Dispatch *outbox.DispatchRecord

	// CurrentTicket is the ticket filename the step worked on.
	CurrentTicket string

	// Committed reports that this step's checkpoint commit landed.
	Committed bool

	// AgentOutput is this turn's agent output.
	AgentOutput string
}

// TurnRunner is the slice of the agent pool the engine drives.
type TurnRunner interface {
	RunTurn(ctx context.Context, req agentpool.TurnRequest) (*agentpool.TurnResult, error)
}

// Config configures an Engine.
type Config struct {
	// Workspace is the repository root.
	Workspace string

	// RunsDir is the runs directory (usually <workspace>/.codex-autorunner/runs).
	RunsDir string

	// RunID identifies the flow run the engine serves.
	RunID string

	Pool     TurnRunner
	Settings *config.Settings
	Logger   *slog.Logger

	// git and fingerprint are swapped in tests.
	git         gitOps
	fingerprint func(workspace string) (string, error)
}

// Engine drives one ticket_flow run, one agent turn per Step call.
type Engine struct {
	cfg        Config
	paths      outbox.Paths
	ticketsDir string
	logger     *slog.Logger
	git        gitOps
	fp         func(string) (string, error)
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Workspace == "" || cfg.RunID == "" {
		return nil, fmt.Errorf("workspace and run id are required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.Settings == nil {
		cfg.Settings = config.Default()
	}
	if cfg.RunsDir == "" {
		cfg.RunsDir = filepath.Join(cfg.Workspace, config.Dir, "runs")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	git := cfg.git
	if git == nil {
		git = execGit{}
	}
	fp := cfg.fingerprint
	if fp == nil {
		fp = Fingerprint
	}

	return &Engine{
		cfg:        cfg,
		paths:      outbox.ResolvePaths(cfg.Workspace, cfg.RunsDir, cfg.RunID),
		ticketsDir: filepath.Join(cfg.Workspace, config.Dir, "tickets"),
		logger:     logger.With("run_id", cfg.RunID),
		git:        git,
		fp:         fp,
	}, nil
}

// Paths exposes the run's outbox paths (the worker wires the reply watcher
// to them).
func (e *Engine) Paths() outbox.Paths { return e.paths }

// Step runs one iteration of the ticket state machine, mutating st in
// place. The caller persists st regardless of the outcome.
func (e *Engine) Step(ctx context.Context, st *State) (*Result, error) {
	// Global turn budget.
	if st.TotalTurns >= e.cfg.Settings.Engine.MaxTotalTurns {
		return e.pause(st, fmt.Sprintf("max turns reached (%d)", st.TotalTurns), false), nil
	}

	cur, agentID, lintMode, res := e.resolveTicket(st)
	if res != nil {
		return res, nil
	}

	// Sentinel agents never run a backend turn.
	if cur != nil && cur.IsSentinel() {
		reason := fmt.Sprintf("ticket %s is assigned to %q: mark done: true to continue", cur.Name(), cur.Meta.Agent)
		return e.pause(st, reason, false), nil
	}

	// Gather replies staged since the last consumed seq.
	replies, err := outbox.PendingReplies(e.paths, st.ReplySeq)
	if err != nil {
		return nil, err
	}

	prompt := e.buildTurnPrompt(st, cur, replies, lintMode)

	// One agent turn. The budget is spent even when the turn fails, so a
	// crash-looping backend cannot burn unbounded turns.
	st.TotalTurns++
	st.TicketTurns++
	req := e.turnRequest(st, cur, agentID, prompt, lintMode)
	turn, err := e.cfg.Pool.RunTurn(ctx, req)
	if err != nil {
		st.LastAgentError = err.Error()
		return e.pause(st, "agent turn failed: "+err.Error(), true), nil
	}

	st.LastAgentID = turn.AgentID
	st.LastAgentConversationID = turn.ConversationID
	st.LastAgentTurnID = turn.TurnID
	if turn.Text != "" {
		st.LastAgentOutput = turn.Text
	}
	if turn.Err != nil {
		st.LastAgentError = turn.Err.Error()
		return e.pause(st, "agent turn failed: "+turn.Err.Error(), true), nil
	}
	st.LastAgentError = ""

	// Replies are consumed only by a successful turn.
	for _, r := range replies {
		if r.Seq > st.ReplySeq {
			st.ReplySeq = r.Seq
		}
	}

	ticketName := st.CurrentTicket
	result := &Result{
		Status:        StatusContinue,
		CurrentTicket: ticketName,
		AgentOutput:   turn.Text,
	}

	// Archive whatever the agent staged.
	dispatch, err := outbox.ArchiveDispatch(e.paths, st.OutboxSeq+1)
	if err != nil {
		var lint *carerrors.LintError
		if carerrors.As(err, &lint) {
			st.DispatchLint = lint.Issues
			res := e.pause(st, "dispatch frontmatter invalid: "+lint.Error(), false)
			res.CurrentTicket = ticketName
			res.AgentOutput = turn.Text
			return res, nil
		}
		return nil, err
	}
	st.DispatchLint = nil

	// When enabled, a turn that staged nothing gets a synthesized summary
	// so the timeline stays gapless. Off by default: a quiet turn leaves no
	// history entry.
	if dispatch == nil && turn.Text != "" && e.cfg.Settings.Engine.TurnSummaries {
		dispatch, err = outbox.CreateTurnSummary(e.paths, st.OutboxSeq+1, ticketName, turn.Text)
		if err != nil {
			return nil, err
		}
	}
	if dispatch != nil {
		st.OutboxSeq = dispatch.Seq
		result.Dispatch = dispatch
	}

	if dispatch != nil && dispatch.Mode == outbox.ModePause {
		reason := dispatch.Title
		if reason == "" {
			reason = "Paused for user input."
		}
		res := e.pause(st, reason, false)
		res.Dispatch = dispatch
		res.CurrentTicket = ticketName
		res.AgentOutput = turn.Text
		return res, nil
	}

	// Re-lint the ticket the agent just touched.
	reloaded, lintRes := e.relint(st, ticketName)
	if lintRes != nil {
		lintRes.CurrentTicket = ticketName
		lintRes.AgentOutput = turn.Text
		lintRes.Dispatch = result.Dispatch
		return lintRes, nil
	}

	result.Committed = e.checkpoint(ctx, st, ticketName)

	// Advance past a finished ticket.
	if reloaded != nil && reloaded.Meta.Done {
		e.logger.Info("ticket done", "ticket", ticketName, "ticket_turns", st.TicketTurns)
		st.clearTicket()
	}

	st.PauseContext = nil
	return result, nil
}

// resolveTicket implements current-ticket resolution and directory scanning.
// Exactly one of the return values is interesting: a Result short-circuits
// the step; otherwise cur/agentID/lintMode describe the turn to run.
func (e *Engine) resolveTicket(st *State) (cur *ticket.Ticket, agentID string, lintMode bool, res *Result) {
	if st.CurrentTicket != "" {
		path := filepath.Join(e.ticketsDir, st.CurrentTicket)
		t, err := ticket.Load(path)
		switch {
		case err == nil && t.Meta.Done:
			st.clearTicket()
		case err == nil:
			return t, t.Meta.Agent, false, nil
		default:
			var lint *carerrors.LintError
			if carerrors.As(err, &lint) {
				return e.enterLintMode(st, st.CurrentTicket, lint)
			}
			// File vanished or unreadable; fall back to a fresh scan.
			e.logger.Warn("current ticket unreadable, rescanning", "ticket", st.CurrentTicket, "error", err)
			st.clearTicket()
		}
	}

	tickets, scanErr := ticket.Scan(e.ticketsDir)
	var scanIssues []carerrors.LintIssue
	if scanErr != nil {
		var lint *carerrors.LintError
		if !carerrors.As(scanErr, &lint) {
			return nil, "", false, e.pause(st, "ticket scan failed: "+scanErr.Error(), true)
		}
		scanIssues = lint.Issues
	}

	next := ticket.NextUndone(tickets)

	// A broken ticket earlier in the queue outranks a clean later one: the
	// repair turn targets the earliest index.
	if file, idx, ok := firstIssueFile(scanIssues); ok {
		if next == nil || idx < next.Index {
			return e.enterLintMode(st, file, &carerrors.LintError{Issues: issuesForFile(scanIssues, file)})
		}
	}

	if next == nil {
		return nil, "", false, &Result{Status: StatusCompleted}
	}

	if st.CurrentTicket != next.Name() {
		st.clearTicket()
		st.CurrentTicket = next.Name()
	}
	return next, next.Meta.Agent, false, nil
}

// enterLintMode records the lint issues and resolves the repair agent with
// the relaxed parse.
func (e *Engine) enterLintMode(st *State, file string, lint *carerrors.LintError) (*ticket.Ticket, string, bool, *Result) {
	retries := 0
	if st.Lint != nil {
		retries = st.Lint.Retries
	}
	st.CurrentTicket = file
	st.Lint = &LintState{Issues: lint.Issues, Retries: retries}

	agentID, err := ticket.LoadAgentOnly(filepath.Join(e.ticketsDir, file))
	if err != nil {
		reason := fmt.Sprintf("ticket %s is invalid and names no agent: %s", file, lint.Error())
		return nil, "", false, e.pause(st, reason, false)
	}
	return nil, agentID, true, nil
}

// buildTurnPrompt assembles the prompt for this turn.
func (e *Engine) buildTurnPrompt(st *State, cur *ticket.Ticket, replies []*outbox.Reply, lintMode bool) string {
	in := promptInput{
		replies:    replies,
		ticketName: st.CurrentTicket,
		pinnedDocs: loadPinnedDocs(e.cfg.Workspace),
	}
	if st.Lint != nil {
		in.lintIssues = st.Lint.Issues
	}
	if cur != nil {
		in.ticketBody = cur.Body
	} else if lintMode {
		// The raw file, frontmatter and all, is the thing to repair.
		in.ticketBody = readFileOrEmpty(filepath.Join(e.ticketsDir, st.CurrentTicket))
	}
	if st.TicketTurns > 0 {
		in.prevOutput = st.LastAgentOutput
	}
	return buildPrompt(in)
}

// turnRequest maps ticket metadata and settings onto a pool request.
func (e *Engine) turnRequest(st *State, cur *ticket.Ticket, agentID, prompt string, lintMode bool) agentpool.TurnRequest {
	req := agentpool.TurnRequest{
		AgentID:        agentID,
		Workspace:      e.cfg.Workspace,
		Prompt:         prompt,
		ApprovalPolicy: e.cfg.Settings.Engine.ApprovalPolicy,
	}
	req.SandboxPolicy, _ = appserver.NormalizeSandboxPolicy(e.cfg.Settings.Engine.SandboxPolicy)
	if cur != nil {
		req.Model = cur.Meta.Model
		req.Reasoning = cur.Meta.Reasoning
	}
	// A repair turn resumes the prior conversation so the agent has the
	// context of the turn that broke the frontmatter.
	if lintMode {
		req.ConversationID = st.LastAgentConversationID
	}
	return req
}

// relint rereads the ticket after the turn. Returns a short-circuit Result
// when the frontmatter is (still) broken.
func (e *Engine) relint(st *State, ticketName string) (*ticket.Ticket, *Result) {
	if ticketName == "" {
		return nil, nil
	}
	t, err := ticket.Load(filepath.Join(e.ticketsDir, ticketName))
	if err == nil {
		st.Lint = nil
		return t, nil
	}

	var lint *carerrors.LintError
	if !carerrors.As(err, &lint) {
		return nil, e.pause(st, fmt.Sprintf("ticket %s unreadable after turn: %v", ticketName, err), true)
	}

	retries := 1
	if st.Lint != nil {
		retries = st.Lint.Retries + 1
	}
	st.Lint = &LintState{Issues: lint.Issues, Retries: retries}

	if retries > e.cfg.Settings.Engine.MaxLintRetries {
		reason := fmt.Sprintf("frontmatter still invalid after %d repair turns: %s", retries-1, lint.Error())
		return nil, e.pause(st, reason, false)
	}
	return nil, &Result{Status: StatusContinue}
}

// checkpoint commits the working tree when auto_commit is on. Failures are
// recorded in state, never fatal.
func (e *Engine) checkpoint(ctx context.Context, st *State, ticketName string) bool {
	if e.cfg.Settings.Engine.AutoCommit == nil || !*e.cfg.Settings.Engine.AutoCommit {
		return false
	}
	changed, err := e.git.HasChanges(ctx, e.cfg.Workspace)
	if err != nil {
		st.LastCommitError = err.Error()
		return false
	}
	if !changed {
		st.LastCommitError = ""
		return false
	}
	message := fmt.Sprintf(e.cfg.Settings.Engine.CommitMessageTemplate, ticketName)
	if err := e.git.Commit(ctx, e.cfg.Workspace, message); err != nil {
		st.LastCommitError = err.Error()
		e.logger.Warn("checkpoint commit failed", "error", err)
		return false
	}
	st.LastCommitError = ""
	return true
}

// pause records the resume-gate context and builds a paused result.
func (e *Engine) pause(st *State, reason string, infra bool) *Result {
	pausedSeq := st.ReplySeq
	if next, err := outbox.NextReplySeq(e.paths); err == nil {
		pausedSeq = next - 1
	}
	fp, err := e.fp(e.cfg.Workspace)
	if err != nil {
		e.logger.Warn("fingerprint failed", "error", err)
	}
	st.PauseContext = &PauseContext{
		PausedReplySeq:  pausedSeq,
		RepoFingerprint: fp,
		InfraError:      infra,
	}
	e.logger.Info("pausing", "reason", reason, "infra", infra)
	return &Result{Status: StatusPaused, Reason: reason, CurrentTicket: st.CurrentTicket}
}

// firstIssueFile finds the lowest-index ticket filename among lint issues.
func firstIssueFile(issues []carerrors.LintIssue) (string, int, bool) {
	best := ""
	bestIdx := 0
	for _, issue := range issues {
		idx, ok := ticket.ParseIndex(issue.File)
		if !ok {
			continue
		}
		if best == "" || idx < bestIdx {
			best, bestIdx = issue.File, idx
		}
	}
	return best, bestIdx, best != ""
}

func issuesForFile(issues []carerrors.LintIssue, file string) []carerrors.LintIssue {
	var out []carerrors.LintIssue
	for _, issue := range issues {
		if issue.File == file {
			out = append(out, issue)
		}
	}
	return out
}

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
