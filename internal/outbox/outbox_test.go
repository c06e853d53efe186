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

package outbox

import (
	"os"
	"path/filepath"
	"testing"

	carerrors "github.com/codex-autorunner/car/pkg/errors"
)

func testPaths(t *testing.T) Paths {
	t.Helper()
	workspace := t.TempDir()
	runsDir := filepath.Join(workspace, ".codex-autorunner", "runs")
	paths := ResolvePaths(workspace, runsDir, "run-1")
	if err := os.MkdirAll(paths.RunDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return paths
}

func TestArchiveDispatch_NoStaging(t *testing.T) {
	paths := testPaths(t)

	rec, err := ArchiveDispatch(paths, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("expected nil record with no staging, got %+v", rec)
	}
}

func TestArchiveDispatch_MovesFileAndSiblings(t *testing.T) {
	paths := testPaths(t)

	dispatch := "---\nmode: pause\ntitle: \"Need approval\"\n---\n\nProceed?\n"
	if err := os.WriteFile(paths.Dispatch(), []byte(dispatch), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(paths.RunDir, "plan.txt"), []byte("plan"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Hidden files and the reply staging file must stay behind.
	if err := os.WriteFile(filepath.Join(paths.RunDir, ".worker"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.Reply(), []byte("reply"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec, err := ArchiveDispatch(paths, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Mode != ModePause || rec.Title != "Need approval" {
		t.Errorf("record = %+v", rec)
	}

	archived := filepath.Join(paths.DispatchHistory(), "0001")
	if _, err := os.Stat(filepath.Join(archived, DispatchFile)); err != nil {
		t.Errorf("archived dispatch missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(archived, "plan.txt")); err != nil {
		t.Errorf("archived attachment missing: %v", err)
	}
	if _, err := os.Stat(paths.Dispatch()); !os.IsNotExist(err) {
		t.Error("staging dispatch should be gone")
	}
	if _, err := os.Stat(filepath.Join(paths.RunDir, ".worker")); err != nil {
		t.Error("hidden sidecar must not be archived")
	}
	if _, err := os.Stat(paths.Reply()); err != nil {
		t.Error("staged reply must not be archived with a dispatch")
	}
}

func TestArchiveDispatch_LintLeavesStaging(t *testing.T) {
	paths := testPaths(t)

	if err := os.WriteFile(paths.Dispatch(), []byte("---\nmode: bogus\n---\nhi"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := ArchiveDispatch(paths, 1)
	var lint *carerrors.LintError
	if !carerrors.As(err, &lint) {
		t.Fatalf("expected LintError, got %v", err)
	}
	if _, err := os.Stat(paths.Dispatch()); err != nil {
		t.Error("lint failure must leave staging intact")
	}
	if _, err := os.Stat(filepath.Join(paths.DispatchHistory(), "0001")); !os.IsNotExist(err) {
		t.Error("no archive entry should exist after lint failure")
	}
}

func TestArchiveDispatch_RetryAfterPartialArchive(t *testing.T) {
	paths := testPaths(t)

	// A previous attempt landed the archive but died before removing the
	// staged files: history holds 0001 and staging still has DISPATCH.md.
	archived := filepath.Join(paths.DispatchHistory(), "0001")
	if err := os.MkdirAll(archived, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := "---\nmode: notify\n---\n\nDone.\n"
	if err := os.WriteFile(filepath.Join(archived, DispatchFile), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.Dispatch(), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	rec, err := ArchiveDispatch(paths, 1)
	if err != nil {
		t.Fatalf("retry must succeed against an existing archive: %v", err)
	}
	if rec == nil || rec.Seq != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if _, err := os.Stat(paths.Dispatch()); !os.IsNotExist(err) {
		t.Error("staging dispatch should be gone after the retry")
	}
	if _, err := os.Stat(filepath.Join(archived, DispatchFile)); err != nil {
		t.Errorf("landed archive must survive the retry: %v", err)
	}
	if _, err := os.Stat(archived + ".tmp"); !os.IsNotExist(err) {
		t.Error("retry must not leave a temp directory behind")
	}
}

func TestArchiveDispatch_SequentialNumbering(t *testing.T) {
	paths := testPaths(t)

	for seq := 1; seq <= 3; seq++ {
		if err := os.WriteFile(paths.Dispatch(), []byte("---\nmode: notify\n---\nn"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := ArchiveDispatch(paths, seq); err != nil {
			t.Fatal(err)
		}
	}

	// Contiguous prefix 0001..0003.
	for _, name := range []string{"0001", "0002", "0003"} {
		if _, err := os.Stat(filepath.Join(paths.DispatchHistory(), name)); err != nil {
			t.Errorf("missing history entry %s", name)
		}
	}

	max, err := MaxDispatchSeq(paths)
	if err != nil {
		t.Fatal(err)
	}
	if max != 3 {
		t.Errorf("MaxDispatchSeq = %d", max)
	}
}

func TestCreateTurnSummary(t *testing.T) {
	paths := testPaths(t)

	rec, err := CreateTurnSummary(paths, 1, "TICKET-001", "did the thing")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Mode != ModeTurnSummary {
		t.Errorf("mode = %s", rec.Mode)
	}

	data, err := os.ReadFile(filepath.Join(paths.DispatchHistory(), "0001", DispatchFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) == "" {
		t.Error("summary file empty")
	}
}

func TestReply_ArchiveAndPending(t *testing.T) {
	paths := testPaths(t)
	if err := EnsureReplyDirs(paths); err != nil {
		t.Fatal(err)
	}

	seq, err := NextReplySeq(paths)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("first seq = %d", seq)
	}

	if err := os.WriteFile(paths.Reply(), []byte("please continue\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(paths.RunDir, "context.diff"), []byte("diff"), 0o644); err != nil {
		t.Fatal(err)
	}

	reply, err := DispatchReply(paths, seq)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Seq != 1 || reply.Body != "please continue\n" {
		t.Errorf("reply = %+v", reply)
	}
	if _, err := os.Stat(paths.Reply()); !os.IsNotExist(err) {
		t.Error("staged reply should be gone after archive")
	}

	pending, err := PendingReplies(paths, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Seq != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	if len(pending[0].Files) != 2 {
		t.Errorf("expected reply + attachment, got %v", pending[0].Files)
	}

	// Already consumed.
	pending, err = PendingReplies(paths, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending past seq 1, got %+v", pending)
	}

	next, err := NextReplySeq(paths)
	if err != nil {
		t.Fatal(err)
	}
	if next != 2 {
		t.Errorf("next seq = %d", next)
	}
}

func TestDispatchReply_NoStaging(t *testing.T) {
	paths := testPaths(t)

	reply, err := DispatchReply(paths, 1)
	if err != nil || reply != nil {
		t.Errorf("expected (nil, nil), got (%+v, %v)", reply, err)
	}
}
