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

	"github.com/codex-autorunner/car/internal/outbox"
	"github.com/codex-autorunner/car/internal/store"
	carerrors "github.com/codex-autorunner/car/pkg/errors"
)

// Input is the immutable input blob of a ticket_flow run.
type Input struct {
	WorkspaceRoot string `json:"workspace_root"`
	RunsDir       string `json:"runs_dir"`
}

// ParseInput decodes a run's input blob.
func ParseInput(raw json.RawMessage) (*Input, error) {
	in := &Input{}
	if err := json.Unmarshal(raw, in); err != nil {
		return nil, fmt.Errorf("failed to decode flow input: %w", err)
	}
	if in.WorkspaceRoot == "" {
		return nil, fmt.Errorf("flow input missing workspace_root")
	}
	return in, nil
}

// MarshalInput encodes the immutable input blob for a new run.
func MarshalInput(workspaceRoot, runsDir string) (json.RawMessage, error) {
	raw, err := json.Marshal(Input{WorkspaceRoot: workspaceRoot, RunsDir: runsDir})
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow input: %w", err)
	}
	return raw, nil
}

// CheckResumeGate decides whether a paused run may resume. A run resumes
// when something changed since it paused: a new archived reply, a change to
// the working tree, or the pause was caused by an infrastructure failure
// (those retry without new input). Otherwise the resume is blocked, because
// rerunning the same turn against the same world just burns budget.
func CheckResumeGate(run *store.FlowRun) error {
	return checkResumeGate(run, Fingerprint)
}

func checkResumeGate(run *store.FlowRun, fp func(string) (string, error)) error {
	st, err := ParseState(run.State)
	if err != nil {
		return err
	}
	pc := st.PauseContext
	if pc == nil {
		// Nothing recorded; older runs or a pre-turn pause. Let it through.
		return nil
	}
	if pc.InfraError {
		return nil
	}

	in, err := ParseInput(run.InputData)
	if err != nil {
		return err
	}
	paths := outbox.ResolvePaths(in.WorkspaceRoot, in.RunsDir, run.ID)

	next, err := outbox.NextReplySeq(paths)
	if err != nil {
		return err
	}
	if next-1 > pc.PausedReplySeq {
		return nil
	}

	if pc.RepoFingerprint != "" {
		current, err := fp(in.WorkspaceRoot)
		if err != nil {
			return err
		}
		if current != pc.RepoFingerprint {
			return nil
		}
	}

	return &carerrors.ResumeBlockedError{
		Reason: "no new replies and no workspace changes since the pause; reply in the run mailbox, change the repository, or resume with --force",
	}
}
