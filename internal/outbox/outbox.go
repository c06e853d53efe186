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

// Package outbox implements the filesystem mailbox between agent and human:
// agent-authored dispatches staged as DISPATCH.md and archived under
// dispatch_history/, and human replies staged as USER_REPLY.md and archived
// under reply_history/. Sequence numbers are allocated by the caller (the
// engine tracks them in flow state); archive moves are all-or-nothing.
package outbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/codex-autorunner/car/internal/frontmatter"
	carerrors "github.com/codex-autorunner/car/pkg/errors"
)

// Staging and history names inside a run directory.
const (
	DispatchFile       = "DISPATCH.md"
	ReplyFile          = "USER_REPLY.md"
	DispatchHistoryDir = "dispatch_history"
	ReplyHistoryDir    = "reply_history"
)

// Mode classifies a dispatch.
type Mode string

const (
	// ModeNotify is informational; the flow continues.
	ModeNotify Mode = "notify"
	// ModePause requests human input; the flow pauses.
	ModePause Mode = "pause"
	// ModeTurnSummary is a synthesized per-turn summary for the UI timeline.
	ModeTurnSummary Mode = "turn_summary"
)

// valid reports whether m is one of the known modes.
func (m Mode) valid() bool {
	switch m {
	case ModeNotify, ModePause, ModeTurnSummary:
		return true
	}
	return false
}

// Paths is the canonical directory tuple for one run's mailbox.
type Paths struct {
	// Workspace is the repository root.
	Workspace string

	// RunDir is <runs_dir>/<run_id>; dispatches and replies stage here.
	RunDir string
}

// ResolvePaths returns the mailbox paths for a run.
func ResolvePaths(workspace, runsDir, runID string) Paths {
	return Paths{
		Workspace: workspace,
		RunDir:    filepath.Join(runsDir, runID),
	}
}

// Dispatch returns the staging dispatch path.
func (p Paths) Dispatch() string { return filepath.Join(p.RunDir, DispatchFile) }

// Reply returns the staging reply path.
func (p Paths) Reply() string { return filepath.Join(p.RunDir, ReplyFile) }

// DispatchHistory returns the dispatch archive directory.
func (p Paths) DispatchHistory() string { return filepath.Join(p.RunDir, DispatchHistoryDir) }

// ReplyHistory returns the reply archive directory.
func (p Paths) ReplyHistory() string { return filepath.Join(p.RunDir, ReplyHistoryDir) }

// SeqDirName formats an archive sequence number as its directory name.
func SeqDirName(seq int) string { return fmt.Sprintf("%04d", seq) }

// Frontmatter is the dispatch front-matter schema.
type Frontmatter struct {
	Mode  Mode   `yaml:"mode"`
	Title string `yaml:"title,omitempty"`
}

// DispatchRecord describes an archived dispatch.
type DispatchRecord struct {
	Seq   int
	Mode  Mode
	Title string
	Body  string

	// Files lists the archived filenames, DISPATCH.md first.
	Files []string

	// Dir is the history directory the dispatch landed in.
	Dir string
}

// ArchiveDispatch archives the staged dispatch (if any) under the given
// sequence number. Returns (nil, nil) when no dispatch is staged. A lint
// failure leaves staging intact and returns *errors.LintError; any mid-copy
// failure likewise leaves staging intact.
func ArchiveDispatch(paths Paths, seq int) (*DispatchRecord, error) {
	data, err := os.ReadFile(paths.Dispatch())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read dispatch: %w", err)
	}

	var meta Frontmatter
	body, err := frontmatter.Parse(data, &meta)
	if err != nil {
		return nil, &carerrors.LintError{Issues: []carerrors.LintIssue{{
			File:    DispatchFile,
			Message: err.Error(),
		}}}
	}
	if !meta.Mode.valid() {
		return nil, &carerrors.LintError{Issues: []carerrors.LintIssue{{
			File:    DispatchFile,
			Field:   "mode",
			Message: fmt.Sprintf("must be one of notify, pause, turn_summary; got %q", meta.Mode),
		}}}
	}

	files, err := stagedFiles(paths.RunDir)
	if err != nil {
		return nil, err
	}

	destDir := filepath.Join(paths.DispatchHistory(), SeqDirName(seq))
	if err := archiveMove(paths.RunDir, files, paths.DispatchHistory(), destDir); err != nil {
		return nil, err
	}

	return &DispatchRecord{
		Seq:   seq,
		Mode:  meta.Mode,
		Title: meta.Title,
		Body:  string(body),
		Files: files,
		Dir:   destDir,
	}, nil
}

// CreateTurnSummary synthesizes a turn_summary dispatch directly into the
// history at the given sequence number, so the UI timeline stays gapless for
// turns that produced no dispatch of their own.
func CreateTurnSummary(paths Paths, seq int, title, agentOutput string) (*DispatchRecord, error) {
	meta := Frontmatter{Mode: ModeTurnSummary, Title: title}
	doc, err := frontmatter.Render(&meta, []byte(agentOutput))
	if err != nil {
		return nil, err
	}

	destDir := filepath.Join(paths.DispatchHistory(), SeqDirName(seq))
	tmpDir := destDir + ".tmp"
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, DispatchFile), doc, 0o644); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("failed to write turn summary: %w", err)
	}
	if err := os.Rename(tmpDir, destDir); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("failed to finalize turn summary: %w", err)
	}

	return &DispatchRecord{
		Seq:   seq,
		Mode:  ModeTurnSummary,
		Title: title,
		Body:  agentOutput,
		Files: []string{DispatchFile},
		Dir:   destDir,
	}, nil
}

// stagedFiles lists the dispatch plus every archivable sibling in the run
// directory: non-hidden regular files that are not the reply staging file.
func stagedFiles(runDir string) ([]string, error) {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging directory: %w", err)
	}

	files := []string{DispatchFile}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == DispatchFile || name == ReplyFile {
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}
		files = append(files, name)
	}
	return files, nil
}

// archiveMove copies the named files from srcDir into a temp directory next
// to destDir, renames it into place, and only then removes the staging
// files. A failure before the rename leaves staging untouched. A destDir
// that already exists is a previous attempt that landed the archive but
// died before cleanup; the retry keeps it and just finishes the cleanup.
func archiveMove(srcDir string, files []string, historyDir, destDir string) error {
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	tmpDir := destDir + ".tmp"
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive staging: %w", err)
	}

	for _, name := range files {
		if err := copyFile(filepath.Join(srcDir, name), filepath.Join(tmpDir, name)); err != nil {
			os.RemoveAll(tmpDir)
			return fmt.Errorf("failed to copy %s: %w", name, err)
		}
	}

	if err := os.Rename(tmpDir, destDir); err != nil {
		os.RemoveAll(tmpDir)
		if _, statErr := os.Stat(destDir); statErr != nil {
			return fmt.Errorf("failed to finalize archive: %w", err)
		}
	}

	// The archive is durable from here. Failing the dispatch over staging
	// cleanup would keep the run retrying a seq that already exists, so
	// removal is best effort.
	for _, name := range files {
		os.Remove(filepath.Join(srcDir, name))
	}
	return nil
}

// copyFile copies src to dst preserving the file mode.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
