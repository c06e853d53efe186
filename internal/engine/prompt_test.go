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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-autorunner/car/internal/outbox"
	carerrors "github.com/codex-autorunner/car/pkg/errors"
)

func TestBuildPrompt_Sections(t *testing.T) {
	got := buildPrompt(promptInput{
		lintIssues: []carerrors.LintIssue{{File: "TICKET-002.md", Field: "done", Message: "required key is missing"}},
		replies: []*outbox.Reply{
			{Seq: 3, Body: "Use the staging bucket.\n", Files: []string{outbox.ReplyFile}},
			{Seq: 4, Body: "And add a README.", Files: []string{outbox.ReplyFile, "notes.txt"}, Dir: "/runs/r/reply_history/0004"},
		},
		ticketName: "TICKET-002-api.md",
		ticketBody: "Build the API.\n",
		prevOutput: "Half done.",
	})

	assert.Contains(t, got, "autonomous coding agent")
	assert.Contains(t, got, "## Frontmatter errors you must fix first")
	assert.Contains(t, got, "[USER_REPLY 0003]")
	assert.Contains(t, got, "[USER_REPLY 0004]")
	assert.Contains(t, got, "0004/notes.txt")
	assert.Contains(t, got, "## Ticket: TICKET-002-api.md")
	assert.Contains(t, got, "Build the API.")
	assert.Contains(t, got, "## Your previous output on this ticket")

	// Replies appear in sequence order before the ticket body.
	assert.Less(t, strings.Index(got, "[USER_REPLY 0003]"), strings.Index(got, "[USER_REPLY 0004]"))
	assert.Less(t, strings.Index(got, "[USER_REPLY 0004]"), strings.Index(got, "## Ticket:"))
}

func TestBuildPrompt_MinimalOmitsEmptySections(t *testing.T) {
	got := buildPrompt(promptInput{ticketName: "TICKET-001.md", ticketBody: "Do it.\n"})

	assert.NotContains(t, got, "Frontmatter errors")
	assert.NotContains(t, got, "USER_REPLY")
	assert.NotContains(t, got, "previous output")
	assert.NotContains(t, got, "## Pinned:")
}

func TestLoadPinnedDocs(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".codex-autorunner", "contextspace")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "decisions.md"), []byte("# Decisions\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.md"), []byte("ignored"), 0o644))

	docs := loadPinnedDocs(ws)
	require.Len(t, docs, 1)
	assert.Equal(t, "decisions.md", docs[0].name)
	assert.Equal(t, "# Decisions\n", docs[0].content)

	assert.Empty(t, loadPinnedDocs(t.TempDir()), "absence is not an error")
}
