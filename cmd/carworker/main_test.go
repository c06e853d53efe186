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

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/engine"
	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/store"
)

func testController(t *testing.T) *flow.Controller {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "flows.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	c, err := flow.NewController(flow.ControllerConfig{
		Store: st,
		Gates: engine.Gates(),
	}, engine.TicketFlow(nil, config.Default(), nil))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPrepareRun_GeneratesUUID(t *testing.T) {
	c := testController(t)
	ws := t.TempDir()

	runID, err := prepareRun(context.Background(), c, ws, filepath.Join(ws, "runs"), "", false, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(runID); err != nil {
		t.Errorf("run id %q is not a UUID: %v", runID, err)
	}

	run, err := c.GetStatus(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.FlowType != engine.FlowType {
		t.Errorf("flow type = %s", run.FlowType)
	}
}

func TestPrepareRun_ResumeRequiresRunID(t *testing.T) {
	c := testController(t)

	_, err := prepareRun(context.Background(), c, t.TempDir(), "", "", true, false)
	if err == nil {
		t.Fatal("expected an error for --resume without --run-id")
	}
}
