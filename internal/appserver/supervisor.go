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
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/codex-autorunner/car/internal/metrics"
	carerrors "github.com/codex-autorunner/car/pkg/errors"
)

// clientVersion is reported in the initialize handshake.
const clientVersion = "0.4.0"

// Defaults for Config zero values.
const (
	DefaultRequestTimeout        = 60 * time.Second
	DefaultStallTimeout          = 10 * time.Minute
	DefaultRestartBackoffInitial = 500 * time.Millisecond
	DefaultRestartBackoffMax     = 30 * time.Second
	DefaultMinRecoveryInterval   = 30 * time.Second
	DefaultTerminateGrace        = 1 * time.Second

	// approvalQueueSize bounds the approval queue; an overflowing request
	// is answered with the default decision so the reader never blocks.
	approvalQueueSize = 64
)

// TurnStatus is the terminal state of one agent turn.
type TurnStatus string

const (
	TurnCompleted   TurnStatus = "completed"
	TurnInterrupted TurnStatus = "interrupted"
	TurnFailed      TurnStatus = "failed"
	TurnStalled     TurnStatus = "stalled"
)

// TurnResult is the accumulated outcome of one turn.
type TurnResult struct {
	TurnID        string
	Status        TurnStatus
	AgentMessages []string
	RawEvents     []json.RawMessage
}

// Config configures a Supervisor.
type Config struct {
	// Workspace is the repository root the backend operates on.
	Workspace string

	// Backend describes the subprocess to spawn.
	Backend BackendSpec

	// ScratchDir isolates the backend's own state per workspace. Defaults
	// to <workspace>/.codex-autorunner/agent-home/<backend-id>.
	ScratchDir string

	Logger  *slog.Logger
	Metrics metrics.Collector

	// Approvals decides server-initiated approval requests. When nil every
	// approval is answered with DefaultDecision.
	Approvals ApprovalHandler

	// Notifications observes every notification (optional).
	Notifications NotificationHandler

	// DefaultDecision answers approvals with no handler. Defaults to cancel.
	DefaultDecision Decision

	MaxMessageBytes int
	RequestTimeout  time.Duration
	StallTimeout    time.Duration

	// AutoRestart re-spawns the subprocess after it exits.
	AutoRestart           bool
	RestartBackoffInitial time.Duration
	RestartBackoffMax     time.Duration

	// MinRecoveryInterval throttles stall-triggered subprocess rolls.
	MinRecoveryInterval time.Duration

	TerminateGrace time.Duration

	// newProcess overrides subprocess creation in tests.
	newProcess processFactory
}

// Supervisor owns one agent subprocess for one workspace: it frames the
// stdio JSON-RPC stream, demultiplexes responses and notifications, forwards
// approvals, and restarts the process within a bounded backoff.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	metrics metrics.Collector

	// connectMu serializes spawn plus handshake.
	connectMu sync.Mutex

	mu             sync.Mutex
	proc           process
	conn           *conn
	nextID         int64
	pending        map[int64]chan *message
	turns          map[string]*turnState
	closed         bool
	restarting     bool
	lastUsed       time.Time
	lastDisconnect string
	recovery       *rate.Limiter
}

type turnState struct {
	id            string
	agentMessages []string
	rawEvents     []json.RawMessage
	status        TurnStatus
	err           error
	resolved      bool
	done          chan struct{}
	started       time.Time
	lastActivity  time.Time
}

// New creates a Supervisor. The subprocess is spawned lazily on first use.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	if cfg.Backend.ID == "" {
		return nil, fmt.Errorf("backend id is required")
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(cfg.Workspace, ".codex-autorunner", "agent-home", cfg.Backend.ID)
	}
	if cfg.DefaultDecision == "" {
		cfg.DefaultDecision = DecisionCancel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.RestartBackoffInitial == 0 {
		cfg.RestartBackoffInitial = DefaultRestartBackoffInitial
	}
	if cfg.RestartBackoffMax == 0 {
		cfg.RestartBackoffMax = DefaultRestartBackoffMax
	}
	if cfg.MinRecoveryInterval == 0 {
		cfg.MinRecoveryInterval = DefaultMinRecoveryInterval
	}
	if cfg.TerminateGrace == 0 {
		cfg.TerminateGrace = DefaultTerminateGrace
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent_id", cfg.Backend.ID)

	if cfg.newProcess == nil {
		spec, workspace, scratch := cfg.Backend, cfg.Workspace, cfg.ScratchDir
		cfg.newProcess = func() (process, error) {
			return newExecProcess(spec, workspace, scratch, logger)
		}
	}

	return &Supervisor{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.OrNop(cfg.Metrics),
		pending:  make(map[int64]chan *message),
		turns:    make(map[string]*turnState),
		lastUsed: time.Now(),
		recovery: rate.NewLimiter(rate.Every(cfg.MinRecoveryInterval), 1),
	}, nil
}

// AgentID returns the backend identifier this supervisor serves.
func (s *Supervisor) AgentID() string { return s.cfg.Backend.ID }

// LastUsed returns the time of the last request or notification.
func (s *Supervisor) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Idle reports whether no turn is in flight.
func (s *Supervisor) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range s.turns {
		if !ts.resolved {
			return false
		}
	}
	return true
}

// ThreadStart starts a fresh backend session and returns its thread id.
func (s *Supervisor) ThreadStart(ctx context.Context, cwd string, opts ThreadOptions) (string, error) {
	params := map[string]any{"cwd": cwd}
	if opts.Model != "" {
		params["model"] = opts.Model
	}
	if opts.Reasoning != "" {
		params["reasoning"] = opts.Reasoning
	}
	result, err := s.request(ctx, methodThreadStart, params)
	if err != nil {
		return "", err
	}
	var tr threadResult
	if err := json.Unmarshal(result, &tr); err != nil {
		return "", fmt.Errorf("failed to decode thread/start result: %w", err)
	}
	if tr.id() == "" {
		return "", fmt.Errorf("thread/start returned no thread id")
	}
	return tr.id(), nil
}

// ThreadResume resumes a prior session. Returns the (possibly re-issued)
// thread id.
func (s *Supervisor) ThreadResume(ctx context.Context, threadID, cwd string, opts ThreadOptions) (string, error) {
	params := map[string]any{"threadId": threadID, "cwd": cwd}
	if opts.Model != "" {
		params["model"] = opts.Model
	}
	if opts.Reasoning != "" {
		params["reasoning"] = opts.Reasoning
	}
	result, err := s.request(ctx, methodThreadResume, params)
	if err != nil {
		return "", err
	}
	var tr threadResult
	if err := json.Unmarshal(result, &tr); err != nil {
		return "", fmt.Errorf("failed to decode thread/resume result: %w", err)
	}
	if id := tr.id(); id != "" {
		return id, nil
	}
	return threadID, nil
}

// ThreadList lists the backend's stored sessions.
func (s *Supervisor) ThreadList(ctx context.Context) ([]ThreadInfo, error) {
	result, err := s.request(ctx, methodThreadList, map[string]any{})
	if err != nil {
		return nil, err
	}
	var out struct {
		Threads []ThreadInfo `json:"threads"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("failed to decode thread/list result: %w", err)
	}
	return out.Threads, nil
}

// TurnStart begins one agent turn and returns the backend-issued turn id.
// The result is collected asynchronously; await it with WaitForTurn.
func (s *Supervisor) TurnStart(ctx context.Context, threadID string, items []InputItem, approvalPolicy string, sandbox SandboxPolicy) (string, error) {
	params := map[string]any{
		"threadId":      threadID,
		"input":         items,
		"sandboxPolicy": sandbox,
	}
	if approvalPolicy != "" {
		params["approvalPolicy"] = approvalPolicy
	}

	result, err := s.request(ctx, methodTurnStart, params)
	if err != nil {
		return "", err
	}
	var ref turnRef
	if err := json.Unmarshal(result, &ref); err != nil {
		return "", fmt.Errorf("failed to decode turn/start result: %w", err)
	}
	turnID := ref.id()
	if turnID == "" {
		return "", fmt.Errorf("turn/start returned no turn id")
	}

	s.mu.Lock()
	ts := s.turnLocked(turnID)
	ts.started = time.Now()
	ts.lastActivity = ts.started
	s.mu.Unlock()

	go s.watchStall(ts)
	return turnID, nil
}

// TurnInterrupt asks the backend to cancel a turn. Cooperative: the turn
// still finishes via turn/completed, usually with status interrupted.
func (s *Supervisor) TurnInterrupt(ctx context.Context, turnID string) error {
	_, err := s.request(ctx, methodTurnInterrupt, map[string]any{"turnId": turnID})
	return err
}

// ReviewStart asks the backend to review the workspace and returns the
// review turn id.
func (s *Supervisor) ReviewStart(ctx context.Context, threadID, prompt string) (string, error) {
	result, err := s.request(ctx, methodReviewStart, map[string]any{
		"threadId": threadID,
		"prompt":   prompt,
	})
	if err != nil {
		return "", err
	}
	var ref turnRef
	if err := json.Unmarshal(result, &ref); err != nil {
		return "", fmt.Errorf("failed to decode review/start result: %w", err)
	}

	turnID := ref.id()
	if turnID == "" {
		return "", fmt.Errorf("review/start returned no turn id")
	}
	s.mu.Lock()
	ts := s.turnLocked(turnID)
	ts.started = time.Now()
	ts.lastActivity = ts.started
	s.mu.Unlock()
	go s.watchStall(ts)
	return turnID, nil
}

// WaitForTurn blocks until the turn resolves, the context ends, or the
// timeout elapses. A zero timeout waits on the context alone.
func (s *Supervisor) WaitForTurn(ctx context.Context, turnID string, timeout time.Duration) (*TurnResult, error) {
	s.mu.Lock()
	ts, ok := s.turns[turnID]
	s.mu.Unlock()
	if !ok {
		return nil, &carerrors.NotFoundError{Resource: "turn", ID: turnID}
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ts.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer:
		return nil, &carerrors.TimeoutError{Operation: "turn wait", Duration: timeout}
	}

	s.mu.Lock()
	result := &TurnResult{
		TurnID:        ts.id,
		Status:        ts.status,
		AgentMessages: append([]string(nil), ts.agentMessages...),
		RawEvents:     append([]json.RawMessage(nil), ts.rawEvents...),
	}
	err := ts.err
	s.mu.Unlock()
	return result, err
}

// Close terminates the subprocess and stops any restart attempt.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		return proc.Terminate(s.cfg.TerminateGrace)
	}
	return nil
}

// request sends one client request and awaits its response.
func (s *Supervisor) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return s.call(ctx, method, params, s.cfg.RequestTimeout)
}

// call assumes a live connection.
func (s *Supervisor) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	c := s.conn
	if c == nil {
		reason := s.lastDisconnect
		s.mu.Unlock()
		return nil, &carerrors.DisconnectedError{AgentID: s.cfg.Backend.ID, Reason: reason}
	}
	id := s.nextID
	s.nextID++
	ch := make(chan *message, 1)
	s.pending[id] = ch
	s.lastUsed = time.Now()
	s.mu.Unlock()

	if err := c.writeMessage(&message{ID: &id, Method: method, Params: raw}); err != nil {
		s.dropPending(id)
		return nil, &carerrors.DisconnectedError{AgentID: s.cfg.Backend.ID, Reason: err.Error()}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			s.mu.Lock()
			reason := s.lastDisconnect
			s.mu.Unlock()
			return nil, &carerrors.DisconnectedError{AgentID: s.cfg.Backend.ID, Reason: reason}
		}
		if msg.Error != nil {
			return nil, &carerrors.BackendResponseError{
				Code:    msg.Error.Code,
				Message: msg.Error.Message,
				Data:    string(msg.Error.Data),
			}
		}
		return msg.Result, nil

	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()

	case <-timer.C:
		s.dropPending(id)
		return nil, &carerrors.TimeoutError{Operation: method, Duration: timeout}
	}
}

func (s *Supervisor) dropPending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// ensureConnected spawns and initializes the subprocess when necessary.
func (s *Supervisor) ensureConnected(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("supervisor for %s is closed", s.cfg.Backend.ID)
	}
	alive := s.proc != nil
	s.mu.Unlock()
	if alive {
		return nil
	}
	return s.connect(ctx)
}

// connect spawns the subprocess, starts its reader and approval worker, and
// performs the initialize handshake. Caller holds connectMu.
func (s *Supervisor) connect(ctx context.Context) error {
	proc, err := s.cfg.newProcess()
	if err != nil {
		return &carerrors.BackendUnavailableError{AgentID: s.cfg.Backend.ID, Cause: err}
	}
	if err := proc.Start(); err != nil {
		return &carerrors.BackendUnavailableError{AgentID: s.cfg.Backend.ID, Cause: err}
	}

	c := newConn(proc.Stdout(), proc.Stdin(), s.cfg.MaxMessageBytes)
	approvals := make(chan approvalTask, approvalQueueSize)

	s.mu.Lock()
	s.proc = proc
	s.conn = c
	s.mu.Unlock()

	go s.approvalWorker(c, approvals)
	go s.reader(c, proc, approvals)

	if err := s.handshake(ctx); err != nil {
		s.logger.Warn("backend handshake failed", "error", err)
		_ = proc.Terminate(s.cfg.TerminateGrace)
		return &carerrors.BackendUnavailableError{AgentID: s.cfg.Backend.ID, Cause: err}
	}

	s.logger.Info("backend ready", "pid", proc.PID(), "workspace", s.cfg.Workspace)
	return nil
}

// handshake sends initialize and the initialized notification. Older
// servers reject the version field; retry once without it.
func (s *Supervisor) handshake(ctx context.Context) error {
	clientInfo := map[string]any{
		"name":    "codex-autorunner",
		"version": clientVersion,
	}
	_, err := s.call(ctx, methodInitialize, map[string]any{"clientInfo": clientInfo}, s.cfg.RequestTimeout)
	var respErr *carerrors.BackendResponseError
	if carerrors.As(err, &respErr) {
		delete(clientInfo, "version")
		_, err = s.call(ctx, methodInitialize, map[string]any{"clientInfo": clientInfo}, s.cfg.RequestTimeout)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("connection lost during handshake")
	}
	return c.writeMessage(&message{Method: methodInitialized})
}

// reader drains the subprocess's stdout until the stream breaks.
func (s *Supervisor) reader(c *conn, proc process, approvals chan approvalTask) {
	for {
		msg, err := c.readMessage()
		if err != nil {
			s.handleDisconnect(c, proc, approvals, err)
			return
		}
		switch {
		case msg.isResponse():
			s.deliverResponse(msg)
		case msg.isRequest():
			s.handleServerRequest(c, approvals, msg)
		default:
			s.handleNotification(msg)
		}
	}
}

func (s *Supervisor) deliverResponse(msg *message) {
	s.mu.Lock()
	ch, ok := s.pending[*msg.ID]
	if ok {
		delete(s.pending, *msg.ID)
	}
	s.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// handleServerRequest answers approvals through the queue and rejects
// anything else.
func (s *Supervisor) handleServerRequest(c *conn, approvals chan approvalTask, msg *message) {
	switch msg.Method {
	case methodCommandApproval, methodFileApproval:
	default:
		_ = c.writeMessage(&message{
			ID:    msg.ID,
			Error: &responseError{Code: -32601, Message: "method not found: " + msg.Method},
		})
		return
	}

	var ref turnRef
	_ = json.Unmarshal(msg.Params, &ref)
	s.touchTurn(ref.id(), msg.Params)

	task := approvalTask{
		id:  *msg.ID,
		req: ApprovalRequest{Method: msg.Method, TurnID: ref.id(), Params: msg.Params},
	}
	select {
	case approvals <- task:
	default:
		// Queue overflow. Answer with the default so the backend is not
		// left hanging on a request we will never service.
		s.logger.Warn("approval queue full, answering with default", "method", msg.Method)
		_ = c.writeMessage(approvalReply(task.id, ApprovalResponse{Decision: s.cfg.DefaultDecision}))
	}
}

type approvalTask struct {
	id  int64
	req ApprovalRequest
}

// approvalWorker answers approvals strictly in arrival order.
func (s *Supervisor) approvalWorker(c *conn, approvals chan approvalTask) {
	for task := range approvals {
		resp := ApprovalResponse{Decision: s.cfg.DefaultDecision}
		if s.cfg.Approvals != nil {
			r, err := s.cfg.Approvals(context.Background(), task.req)
			if err != nil {
				s.logger.Warn("approval handler failed, using default",
					"method", task.req.Method, "error", err)
			} else {
				resp = r
			}
		}
		s.logger.Info("approval answered", "method", task.req.Method,
			"turn_id", task.req.TurnID, "decision", resp.Decision)
		_ = c.writeMessage(approvalReply(task.id, resp))
	}
}

func approvalReply(id int64, resp ApprovalResponse) *message {
	result := resp.Raw
	if result == nil {
		result, _ = json.Marshal(map[string]string{"decision": string(resp.Decision)})
	}
	return &message{ID: &id, Result: result}
}

// handleNotification folds turn-scoped notifications into turn state and
// forwards everything to the notification handler.
func (s *Supervisor) handleNotification(msg *message) {
	switch msg.Method {
	case notifyItemCompleted:
		var params itemCompletedParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			s.mu.Lock()
			ts := s.openTurnLocked(params.TurnID)
			if ts != nil {
				ts.lastActivity = time.Now()
				ts.rawEvents = append(ts.rawEvents, msg.Params)
				if params.isAgentMessage() && params.Item.Text != "" {
					ts.agentMessages = append(ts.agentMessages, params.Item.Text)
				}
			}
			s.lastUsed = time.Now()
			s.mu.Unlock()
		}

	case notifyTurnCompleted:
		var ref turnRef
		if err := json.Unmarshal(msg.Params, &ref); err == nil {
			status := TurnStatus(ref.status())
			if status == "" {
				status = TurnCompleted
			}
			s.resolveTurn(ref.id(), status, nil)
		}

	default:
		var ref turnRef
		if json.Unmarshal(msg.Params, &ref) == nil {
			s.touchTurn(ref.id(), msg.Params)
		}
	}

	if s.cfg.Notifications != nil {
		s.cfg.Notifications(msg.Method, msg.Params)
	}
}

// touchTurn records activity and the raw event against a turn, when one can
// be identified.
func (s *Supervisor) touchTurn(turnID string, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.openTurnLocked(turnID)
	if ts != nil {
		ts.lastActivity = time.Now()
		ts.rawEvents = append(ts.rawEvents, raw)
	}
	s.lastUsed = time.Now()
}

// turnLocked returns (creating if needed) the state for a turn id.
func (s *Supervisor) turnLocked(turnID string) *turnState {
	ts, ok := s.turns[turnID]
	if !ok {
		ts = &turnState{
			id:           turnID,
			done:         make(chan struct{}),
			started:      time.Now(),
			lastActivity: time.Now(),
		}
		s.turns[turnID] = ts
	}
	return ts
}

// openTurnLocked resolves a turn id to live state. An empty id falls back to
// the sole open turn, covering servers that omit turnId on notifications.
func (s *Supervisor) openTurnLocked(turnID string) *turnState {
	if turnID != "" {
		return s.turnLocked(turnID)
	}
	var open *turnState
	for _, ts := range s.turns {
		if ts.resolved {
			continue
		}
		if open != nil {
			return nil // ambiguous
		}
		open = ts
	}
	return open
}

// resolveTurn completes a turn's future exactly once. Creates the state
// when the terminal notification outruns the turn/start response.
func (s *Supervisor) resolveTurn(turnID string, status TurnStatus, err error) {
	if turnID == "" {
		return
	}
	s.mu.Lock()
	ts := s.turnLocked(turnID)
	if ts.resolved {
		s.mu.Unlock()
		return
	}
	ts.status = status
	ts.err = err
	ts.resolved = true
	close(ts.done)
	started := ts.started
	s.lastUsed = time.Now()
	s.mu.Unlock()

	s.metrics.RecordTurn(s.cfg.Backend.ID, string(status), time.Since(started))
	s.logger.Info("turn resolved", "turn_id", turnID, "status", status)
}

// watchStall resolves the turn as stalled when no event arrives within the
// stall timeout, then rolls the subprocess (rate-limited).
func (s *Supervisor) watchStall(ts *turnState) {
	stall := s.cfg.StallTimeout
	for {
		s.mu.Lock()
		if ts.resolved {
			s.mu.Unlock()
			return
		}
		idle := time.Since(ts.lastActivity)
		s.mu.Unlock()

		if idle >= stall {
			s.logger.Warn("turn stalled", "turn_id", ts.id, "stall_timeout", stall)
			s.resolveTurn(ts.id, TurnStalled, &carerrors.TurnStalledError{TurnID: ts.id, Timeout: stall})
			s.recover("turn stalled")
			return
		}

		select {
		case <-ts.done:
			return
		case <-time.After(stall - idle):
		}
	}
}

// recover rolls the subprocess, bounded by the minimum inter-recovery
// interval. The reader observes the resulting EOF and drives the restart.
func (s *Supervisor) recover(reason string) {
	if !s.recovery.Allow() {
		s.logger.Warn("recovery throttled", "reason", reason)
		return
	}
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return
	}
	s.logger.Warn("rolling backend subprocess", "reason", reason, "pid", proc.PID())
	_ = proc.Terminate(s.cfg.TerminateGrace)
}

// handleDisconnect fails every pending future and open turn, reaps the
// process, and schedules a restart when configured. Runs on the reader
// goroutine after its loop ends, so closing the approval queue is safe.
func (s *Supervisor) handleDisconnect(c *conn, proc process, approvals chan approvalTask, cause error) {
	close(approvals)

	s.mu.Lock()
	if s.conn != c {
		// A newer connection has already replaced this one.
		s.mu.Unlock()
		_ = proc.Terminate(s.cfg.TerminateGrace)
		return
	}

	reason := "process exited"
	if cause != nil && cause != io.EOF {
		reason = cause.Error()
	}
	s.lastDisconnect = reason
	s.conn = nil
	s.proc = nil

	for id, ch := range s.pending {
		delete(s.pending, id)
		close(ch)
	}
	var openTurns []string
	for id, ts := range s.turns {
		if !ts.resolved {
			ts.status = TurnFailed
			ts.err = &carerrors.DisconnectedError{AgentID: s.cfg.Backend.ID, Reason: reason}
			ts.resolved = true
			close(ts.done)
			openTurns = append(openTurns, id)
		}
	}
	s.turns = make(map[string]*turnState)

	restart := s.cfg.AutoRestart && !s.closed && !s.restarting
	if restart {
		s.restarting = true
	}
	closed := s.closed
	s.mu.Unlock()

	_ = proc.Terminate(s.cfg.TerminateGrace)

	if !closed {
		s.logger.Warn("backend disconnected", "reason", reason, "failed_turns", len(openTurns))
	}
	if restart {
		go s.restartLoop()
	}
}

// restartLoop re-spawns the subprocess with exponential backoff (0.5s to
// 30s, ±10% jitter). Backoff resets once a spawn succeeds.
func (s *Supervisor) restartLoop() {
	backoff := s.cfg.RestartBackoffInitial
	for {
		time.Sleep(jitter(backoff))

		s.mu.Lock()
		if s.closed {
			s.restarting = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		err := s.ensureConnected(context.Background())
		if err == nil {
			s.mu.Lock()
			s.restarting = false
			s.mu.Unlock()
			s.metrics.RecordRestart(s.cfg.Backend.ID)
			s.logger.Info("backend restarted")
			return
		}

		s.logger.Warn("backend restart failed", "error", err, "next_backoff", backoff)
		backoff *= 2
		if backoff > s.cfg.RestartBackoffMax {
			backoff = s.cfg.RestartBackoffMax
		}
	}
}

// jitter spreads d by ±10% so co-restarting supervisors do not stampede.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.9 + 0.2*rand.Float64()))
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return raw, nil
}
