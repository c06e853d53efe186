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

// Package carshared holds the flags and store plumbing the car CLI commands
// have in common.
package carshared

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/engine"
	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/log"
	"github.com/codex-autorunner/car/internal/store"
)

var (
	workspace string
	jsonOut   bool
)

// RegisterFlagPointers hands the root command the global flag targets.
func RegisterFlagPointers() (ws *string, jsonFlag *bool) {
	return &workspace, &jsonOut
}

// Workspace returns the resolved repository root.
func Workspace() (string, error) {
	ws := workspace
	if ws == "" {
		ws = "."
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}
	return abs, nil
}

// JSON reports whether --json was set.
func JSON() bool { return jsonOut }

// RunsDir returns the runs directory for the workspace.
func RunsDir(ws string) string {
	return filepath.Join(ws, config.Dir, "runs")
}

// OpenStore opens the workspace's flow store read-mostly.
func OpenStore() (*store.Store, string, error) {
	ws, err := Workspace()
	if err != nil {
		return nil, "", err
	}
	st, err := store.Open(store.Config{Path: filepath.Join(ws, config.Dir, "flows.db")})
	if err != nil {
		return nil, "", fmt.Errorf("failed to open flow store: %w", err)
	}
	return st, ws, nil
}

// NewController builds a controller over the store for status-level
// operations. It carries the resume gates but no flow definitions; the CLI
// never executes steps.
func NewController(st *store.Store) (*flow.Controller, error) {
	return flow.NewController(flow.ControllerConfig{
		Store:  st,
		Logger: log.New(log.FromEnv()),
		Gates:  engine.Gates(),
	})
}

// PrintJSON writes v as indented JSON.
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
