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
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// BackendSpec describes how to launch one agent backend.
type BackendSpec struct {
	// ID is the registered backend identifier tickets name in `agent:`.
	ID string `yaml:"id"`

	// Command is the executable, resolved via PATH.
	Command string `yaml:"command"`

	// Args are passed after Command.
	Args []string `yaml:"args"`

	// Env adds or overrides environment variables for the subprocess.
	Env map[string]string `yaml:"env"`
}

// process abstracts the backend subprocess so tests can substitute an
// in-memory server.
type process interface {
	Start() error
	Stdin() io.Writer
	Stdout() io.Reader
	// Terminate reaps the process, escalating from SIGTERM to SIGKILL
	// after the grace period. Safe to call on an already-dead process.
	Terminate(grace time.Duration) error
	PID() int
}

// processFactory builds a fresh process per (re)spawn.
type processFactory func() (process, error)

// execProcess runs the backend via os/exec. The scratch directory isolates
// the backend's state per workspace so two repositories never share a
// session store.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func newExecProcess(spec BackendSpec, workspace, scratchDir string, logger *slog.Logger) (process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("backend %s has no command configured", spec.ID)
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backend scratch dir: %w", err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(),
		"CODEX_HOME="+scratchDir,
		"XDG_STATE_HOME="+filepath.Join(scratchDir, "state"),
	)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	go logStderr(spec.ID, stderr, logger)

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *execProcess) Start() error      { return p.cmd.Start() }
func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Terminate sends SIGTERM, waits out the grace period, then SIGKILLs.
func (p *execProcess) Terminate(grace time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.stdin.Close()
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		<-done
		return nil
	}
}

// logStderr forwards the backend's stderr lines to the structured log.
func logStderr(agentID string, r io.Reader, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		logger.Debug("backend stderr", "agent_id", agentID, "line", scanner.Text())
	}
}
