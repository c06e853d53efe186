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

// Package config loads the per-repository settings file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codex-autorunner/car/internal/appserver"
	carerrors "github.com/codex-autorunner/car/pkg/errors"
)

// Dir is the per-repository state directory, relative to the workspace root.
const Dir = ".codex-autorunner"

// FileName is the settings file inside Dir.
const FileName = "config.yml"

// Settings is the parsed configuration. Zero values fall back to defaults
// in Normalize; a missing file yields Default() with an empty agent
// registry.
type Settings struct {
	// Agents registers the backends tickets may name in `agent:`.
	Agents map[string]appserver.BackendSpec `yaml:"agents"`

	Engine     EngineSettings     `yaml:"engine"`
	Supervisor SupervisorSettings `yaml:"supervisor"`
	Store      StoreSettings      `yaml:"store"`
	Reconciler ReconcilerSettings `yaml:"reconciler"`
}

// EngineSettings bound the ticket engine.
type EngineSettings struct {
	// MaxTotalTurns is the global turn budget per run. Default 50.
	MaxTotalTurns int `yaml:"max_total_turns"`

	// MaxLintRetries is how many consecutive turns may carry a lint
	// forgiveness prompt before the flow pauses. Default 2.
	MaxLintRetries int `yaml:"max_lint_retries"`

	// AutoCommit creates a git checkpoint commit after each turn that
	// changed the tree. Default true.
	AutoCommit *bool `yaml:"auto_commit"`

	// CommitMessageTemplate formats checkpoint commit subjects. The
	// ticket name replaces %s. Default "checkpoint: %s".
	CommitMessageTemplate string `yaml:"commit_message_template"`

	// TurnSummaries archives a synthesized turn_summary dispatch for turns
	// that staged no dispatch of their own, so the timeline stays gapless.
	// Default false: a quiet turn leaves no dispatch_history entry.
	TurnSummaries bool `yaml:"turn_summaries"`

	// ApprovalPolicy is the default turn approval policy. Default "never".
	ApprovalPolicy string `yaml:"approval_policy"`

	// SandboxPolicy is the default sandbox policy, any accepted spelling.
	// Default workspace write.
	SandboxPolicy string `yaml:"sandbox_policy"`
}

// SupervisorSettings tune the backend supervisors.
type SupervisorSettings struct {
	// MaxHandles caps live supervisors per process. Default 8.
	MaxHandles int `yaml:"max_handles"`

	// IdleTTLSeconds is the idle prune cutoff. Default 900.
	IdleTTLSeconds int `yaml:"idle_ttl_seconds"`

	// MaxMessageBytes caps one wire message. Default 50 MiB.
	MaxMessageBytes int `yaml:"max_message_bytes"`

	// TurnStallTimeoutSeconds is the no-progress cutoff per turn.
	// Default 600.
	TurnStallTimeoutSeconds int `yaml:"turn_stall_timeout_seconds"`

	// RestartBackoffInitialMS and RestartBackoffMaxSeconds bound the
	// restart backoff. Defaults 500 and 30.
	RestartBackoffInitialMS  int `yaml:"restart_backoff_initial_ms"`
	RestartBackoffMaxSeconds int `yaml:"restart_backoff_max_seconds"`

	// MinRecoveryIntervalSeconds throttles stall-triggered subprocess
	// rolls. Default 30.
	MinRecoveryIntervalSeconds int `yaml:"min_recovery_interval_seconds"`

	// DefaultApprovalDecision answers approvals with no handler.
	// Default cancel.
	DefaultApprovalDecision string `yaml:"default_approval_decision"`
}

// StoreSettings tune the flow store.
type StoreSettings struct {
	// DurableWrites selects synchronous=FULL over NORMAL. Default false.
	DurableWrites bool `yaml:"durable_writes"`
}

// ReconcilerSettings tune the orphan watchdog.
type ReconcilerSettings struct {
	// IntervalSeconds between scans. Default 30.
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Default returns the settings used when no file exists.
func Default() *Settings {
	s := &Settings{Agents: map[string]appserver.BackendSpec{}}
	s.Normalize()
	return s
}

// Path returns the settings file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, Dir, FileName)
}

// Load reads and validates the workspace's settings. A missing file is not
// an error; unknown keys are.
func Load(workspace string) (*Settings, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, &carerrors.ConfigError{Reason: "failed to read config", Cause: err}
	}
	return Parse(data)
}

// Parse decodes settings from YAML, rejecting unknown keys.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return nil, &carerrors.ConfigError{Reason: "failed to parse config", Cause: err}
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	s.Normalize()
	return &s, nil
}

func (s *Settings) validate() error {
	for id, spec := range s.Agents {
		if spec.Command == "" {
			return &carerrors.ConfigError{
				Key:    fmt.Sprintf("agents.%s.command", id),
				Reason: "command is required",
			}
		}
	}
	if s.Engine.MaxTotalTurns < 0 {
		return &carerrors.ConfigError{Key: "engine.max_total_turns", Reason: "must not be negative"}
	}
	switch s.Supervisor.DefaultApprovalDecision {
	case "", "accept", "decline", "cancel":
	default:
		return &carerrors.ConfigError{
			Key:    "supervisor.default_approval_decision",
			Reason: "must be accept, decline, or cancel",
		}
	}
	if s.Engine.SandboxPolicy != "" {
		if _, err := appserver.NormalizeSandboxPolicy(s.Engine.SandboxPolicy); err != nil {
			return &carerrors.ConfigError{Key: "engine.sandbox_policy", Reason: err.Error()}
		}
	}
	return nil
}

// Normalize fills defaults in place. Load and Parse call it; tests building
// Settings literals should too.
func (s *Settings) Normalize() {
	if s.Agents == nil {
		s.Agents = map[string]appserver.BackendSpec{}
	}
	for id, spec := range s.Agents {
		if spec.ID == "" {
			spec.ID = id
			s.Agents[id] = spec
		}
	}

	if s.Engine.MaxTotalTurns == 0 {
		s.Engine.MaxTotalTurns = 50
	}
	if s.Engine.MaxLintRetries == 0 {
		s.Engine.MaxLintRetries = 2
	}
	if s.Engine.AutoCommit == nil {
		on := true
		s.Engine.AutoCommit = &on
	}
	if s.Engine.CommitMessageTemplate == "" {
		s.Engine.CommitMessageTemplate = "checkpoint: %s"
	}
	if s.Engine.ApprovalPolicy == "" {
		s.Engine.ApprovalPolicy = "never"
	}
	if s.Engine.SandboxPolicy == "" {
		s.Engine.SandboxPolicy = appserver.SandboxWorkspaceWrite
	}

	if s.Supervisor.MaxHandles == 0 {
		s.Supervisor.MaxHandles = appserver.DefaultMaxHandles
	}
	if s.Supervisor.IdleTTLSeconds == 0 {
		s.Supervisor.IdleTTLSeconds = int(appserver.DefaultIdleTTL / time.Second)
	}
	if s.Supervisor.MaxMessageBytes == 0 {
		s.Supervisor.MaxMessageBytes = appserver.DefaultMaxMessageBytes
	}
	if s.Supervisor.TurnStallTimeoutSeconds == 0 {
		s.Supervisor.TurnStallTimeoutSeconds = int(appserver.DefaultStallTimeout / time.Second)
	}
	if s.Supervisor.RestartBackoffInitialMS == 0 {
		s.Supervisor.RestartBackoffInitialMS = int(appserver.DefaultRestartBackoffInitial / time.Millisecond)
	}
	if s.Supervisor.RestartBackoffMaxSeconds == 0 {
		s.Supervisor.RestartBackoffMaxSeconds = int(appserver.DefaultRestartBackoffMax / time.Second)
	}
	if s.Supervisor.MinRecoveryIntervalSeconds == 0 {
		s.Supervisor.MinRecoveryIntervalSeconds = int(appserver.DefaultMinRecoveryInterval / time.Second)
	}
	if s.Supervisor.DefaultApprovalDecision == "" {
		s.Supervisor.DefaultApprovalDecision = string(appserver.DecisionCancel)
	}

	if s.Reconciler.IntervalSeconds == 0 {
		s.Reconciler.IntervalSeconds = 30
	}
}

// SupervisorConfig translates the tuning block into an appserver Config
// fragment. Workspace, backend, and handlers are filled by the caller.
func (s *Settings) SupervisorConfig() appserver.Config {
	return appserver.Config{
		MaxMessageBytes:       s.Supervisor.MaxMessageBytes,
		StallTimeout:          time.Duration(s.Supervisor.TurnStallTimeoutSeconds) * time.Second,
		AutoRestart:           true,
		RestartBackoffInitial: time.Duration(s.Supervisor.RestartBackoffInitialMS) * time.Millisecond,
		RestartBackoffMax:     time.Duration(s.Supervisor.RestartBackoffMaxSeconds) * time.Second,
		MinRecoveryInterval:   time.Duration(s.Supervisor.MinRecoveryIntervalSeconds) * time.Second,
		DefaultDecision:       appserver.Decision(s.Supervisor.DefaultApprovalDecision),
	}
}
