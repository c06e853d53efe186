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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/codex-autorunner/car/internal/metrics"
)

// DefaultMaxHandles bounds live supervisors per Manager.
const DefaultMaxHandles = 8

// DefaultIdleTTL is how long an unused handle survives PruneIdle.
const DefaultIdleTTL = 15 * time.Minute

// ManagerConfig configures a supervisor Manager.
type ManagerConfig struct {
	// Backends maps agent id to launch spec.
	Backends map[string]BackendSpec

	// MaxHandles caps live supervisors; Acquire fails beyond it.
	MaxHandles int

	// IdleTTL is the cutoff PruneIdle applies.
	IdleTTL time.Duration

	Logger  *slog.Logger
	Metrics metrics.Collector

	// Supervisor carries per-handle settings (timeouts, backoff, approval
	// default). Workspace, Backend, and handlers are filled per Acquire.
	Supervisor Config
}

// Manager hands out supervisors keyed by (canonical workspace, backend id),
// lazily creating them up to MaxHandles.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	metrics metrics.Collector

	mu      sync.Mutex
	handles map[handleKey]*Supervisor
}

type handleKey struct {
	workspace string
	backend   string
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxHandles == 0 {
		cfg.MaxHandles = DefaultMaxHandles
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.OrNop(cfg.Metrics),
		handles: make(map[handleKey]*Supervisor),
	}
}

// Acquire returns the supervisor for a workspace and backend, creating it if
// absent. The caller-supplied handlers are only applied to a newly created
// supervisor; an existing handle keeps its original wiring.
func (m *Manager) Acquire(workspace, backendID string, approvals ApprovalHandler, notifications NotificationHandler) (*Supervisor, error) {
	spec, ok := m.cfg.Backends[backendID]
	if !ok {
		return nil, fmt.Errorf("unknown agent backend %q", backendID)
	}

	canonical, err := canonicalWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	key := handleKey{workspace: canonical, backend: backendID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sup, ok := m.handles[key]; ok {
		return sup, nil
	}
	if len(m.handles) >= m.cfg.MaxHandles {
		return nil, fmt.Errorf("supervisor handle limit reached (%d)", m.cfg.MaxHandles)
	}

	cfg := m.cfg.Supervisor
	cfg.Workspace = canonical
	cfg.Backend = spec
	cfg.Approvals = approvals
	cfg.Notifications = notifications
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = m.metrics
	}

	sup, err := New(cfg)
	if err != nil {
		return nil, err
	}
	m.handles[key] = sup
	m.metrics.SetLiveHandles(len(m.handles))
	m.logger.Debug("supervisor created", "workspace", canonical, "agent_id", backendID)
	return sup, nil
}

// Release closes and forgets the supervisor for a workspace and backend.
func (m *Manager) Release(workspace, backendID string) error {
	canonical, err := canonicalWorkspace(workspace)
	if err != nil {
		return err
	}
	key := handleKey{workspace: canonical, backend: backendID}

	m.mu.Lock()
	sup, ok := m.handles[key]
	if ok {
		delete(m.handles, key)
		m.metrics.SetLiveHandles(len(m.handles))
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return sup.Close()
}

// PruneIdle closes handles that are idle and unused past the TTL. Returns
// how many were closed.
func (m *Manager) PruneIdle() int {
	cutoff := time.Now().Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	var victims []*Supervisor
	for key, sup := range m.handles {
		if sup.Idle() && sup.LastUsed().Before(cutoff) {
			delete(m.handles, key)
			victims = append(victims, sup)
		}
	}
	m.metrics.SetLiveHandles(len(m.handles))
	m.mu.Unlock()

	for _, sup := range victims {
		if err := sup.Close(); err != nil {
			m.logger.Warn("failed to close idle supervisor", "agent_id", sup.AgentID(), "error", err)
		}
	}
	return len(victims)
}

// Close terminates every live supervisor.
func (m *Manager) Close() error {
	m.mu.Lock()
	victims := make([]*Supervisor, 0, len(m.handles))
	for key, sup := range m.handles {
		delete(m.handles, key)
		victims = append(victims, sup)
	}
	m.metrics.SetLiveHandles(0)
	m.mu.Unlock()

	var firstErr error
	for _, sup := range victims {
		if err := sup.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// canonicalWorkspace resolves symlinks so two spellings of one directory
// share a handle.
func canonicalWorkspace(workspace string) (string, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}
