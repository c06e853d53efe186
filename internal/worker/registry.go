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

// Package worker manages the per-run worker sidecar: a small JSON file under
// the run directory proving that a live process owns the run. The reconciler
// treats absence of the sidecar (or a dead/reused pid) as authoritative.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// SidecarName is the metadata file written inside each run directory.
const SidecarName = ".worker"

var (
	// ErrSidecarExists is returned when registering a run that already has a
	// live sidecar.
	ErrSidecarExists = errors.New("worker sidecar already exists")

	// ErrNoSidecar is returned when checking a run with no sidecar file.
	ErrNoSidecar = errors.New("no worker sidecar")
)

// Metadata is the sidecar payload.
type Metadata struct {
	PID       int       `json:"pid"`
	BootID    string    `json:"boot_id"`
	StartedAt time.Time `json:"started_at"`
}

// Status is the result of a liveness check.
type Status struct {
	Alive   bool   `json:"alive"`
	PID     int    `json:"pid,omitempty"`
	Message string `json:"message,omitempty"`
}

// Registry reads and writes worker sidecars under a runs directory.
type Registry struct {
	runsDir string
}

// NewRegistry creates a registry rooted at the given runs directory.
func NewRegistry(runsDir string) *Registry {
	return &Registry{runsDir: runsDir}
}

// SidecarPath returns the sidecar path for a run.
func (r *Registry) SidecarPath(runID string) string {
	return filepath.Join(r.runsDir, runID, SidecarName)
}

// Register writes the sidecar for the current process. The file is created
// with O_EXCL so two workers cannot claim the same run; a stale sidecar left
// by a dead process is replaced.
func (r *Registry) Register(runID string) error {
	return r.register(runID, os.Getpid(), CurrentBootID())
}

func (r *Registry) register(runID string, pid int, bootID string) error {
	dir := filepath.Join(r.runsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	path := r.SidecarPath(runID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create worker sidecar: %w", err)
		}
		// A sidecar is already there. If its owner is dead, reclaim it.
		status, cerr := r.Check(runID)
		if cerr == nil && status.Alive {
			return fmt.Errorf("%w: run %s owned by pid %d", ErrSidecarExists, runID, status.PID)
		}
		if rerr := os.Remove(path); rerr != nil {
			return fmt.Errorf("failed to remove stale sidecar: %w", rerr)
		}
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return fmt.Errorf("failed to recreate worker sidecar: %w", err)
		}
	}

	meta := Metadata{PID: pid, BootID: bootID, StartedAt: time.Now().UTC()}
	enc := json.NewEncoder(f)
	if err := enc.Encode(&meta); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write worker sidecar: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to sync worker sidecar: %w", err)
	}

	return f.Close()
}

// Clear removes the sidecar on graceful shutdown.
// Removing an absent sidecar is not an error.
func (r *Registry) Clear(runID string) error {
	err := os.Remove(r.SidecarPath(runID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove worker sidecar: %w", err)
	}
	return nil
}

// Read returns the sidecar metadata for a run.
func (r *Registry) Read(runID string) (*Metadata, error) {
	data, err := os.ReadFile(r.SidecarPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSidecar
		}
		return nil, fmt.Errorf("failed to read worker sidecar: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("invalid worker sidecar: %w", err)
	}
	return &meta, nil
}

// Check reports whether the run is owned by a live worker. A sidecar whose
// boot id differs from the current boot is stale even when the pid exists,
// since pids are reused across reboots.
func (r *Registry) Check(runID string) (Status, error) {
	meta, err := r.Read(runID)
	if err != nil {
		if errors.Is(err, ErrNoSidecar) {
			return Status{Alive: false, Message: "no worker sidecar"}, nil
		}
		return Status{}, err
	}

	if meta.BootID != CurrentBootID() {
		return Status{Alive: false, PID: meta.PID, Message: "sidecar from a previous boot"}, nil
	}

	if !IsProcessRunning(meta.PID) {
		return Status{Alive: false, PID: meta.PID, Message: fmt.Sprintf("pid %d not running", meta.PID)}, nil
	}

	return Status{Alive: true, PID: meta.PID}, nil
}

// IsProcessRunning checks if a process with the given PID exists.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
