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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codex-autorunner/car/internal/outbox"
	carerrors "github.com/codex-autorunner/car/pkg/errors"
)

// preamble is the fixed contract text opening every turn prompt.
const preamble = `You are an autonomous coding agent driven by codex-autorunner.

Rules of engagement:
- Work only on the ticket below. When it is finished, set "done: true" in
  its frontmatter. Do not delete ticket files.
- To message the human, write DISPATCH.md into the run staging directory
  with YAML frontmatter "mode: notify" (informational) or "mode: pause"
  (you need an answer before continuing). Attach files next to it.
- Human replies appear below under USER_REPLY markers, newest last.
- Keep commits small; the runner checkpoints the tree after your turn.`

// pinnedDocNames are the contextspace files appended verbatim when present.
var pinnedDocNames = []string{"active_context.md", "decisions.md", "spec.md"}

// promptInput collects everything one turn prompt is built from.
type promptInput struct {
	lintIssues []carerrors.LintIssue
	replies    []*outbox.Reply
	ticketName string
	ticketBody string
	prevOutput string
	pinnedDocs []pinnedDoc
}

type pinnedDoc struct {
	name    string
	content string
}

// buildPrompt assembles the single prompt string for one agent turn. The
// ticket body travels verbatim; sections are separated by blank lines and
// labeled headers so the agent can tell contract from content.
func buildPrompt(in promptInput) string {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n")

	if len(in.lintIssues) > 0 {
		b.WriteString("\n## Frontmatter errors you must fix first\n\n")
		b.WriteString("The ticket below has invalid frontmatter. Repair it before doing anything else:\n")
		for _, issue := range in.lintIssues {
			fmt.Fprintf(&b, "- %s\n", issue.String())
		}
	}

	for _, reply := range in.replies {
		fmt.Fprintf(&b, "\n[USER_REPLY %04d]\n%s", reply.Seq, reply.Body)
		if !strings.HasSuffix(reply.Body, "\n") {
			b.WriteString("\n")
		}
		if len(reply.Files) > 1 {
			b.WriteString("Attached files:\n")
			for _, f := range reply.Files {
				if f == outbox.ReplyFile {
					continue
				}
				fmt.Fprintf(&b, "- %s\n", filepath.ToSlash(filepath.Join(filepath.Base(reply.Dir), f)))
			}
		}
	}

	fmt.Fprintf(&b, "\n## Ticket: %s\n\n%s", in.ticketName, in.ticketBody)
	if !strings.HasSuffix(in.ticketBody, "\n") {
		b.WriteString("\n")
	}

	if in.prevOutput != "" {
		b.WriteString("\n## Your previous output on this ticket\n\n")
		b.WriteString(in.prevOutput)
		if !strings.HasSuffix(in.prevOutput, "\n") {
			b.WriteString("\n")
		}
	}

	for _, doc := range in.pinnedDocs {
		fmt.Fprintf(&b, "\n## Pinned: %s\n\n%s", doc.name, doc.content)
		if !strings.HasSuffix(doc.content, "\n") {
			b.WriteString("\n")
		}
	}

	return b.String()
}

// loadPinnedDocs reads the contextspace docs that exist. Absence is normal.
func loadPinnedDocs(workspace string) []pinnedDoc {
	dir := filepath.Join(workspace, ".codex-autorunner", "contextspace")
	var docs []pinnedDoc
	for _, name := range pinnedDocNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		docs = append(docs, pinnedDoc{name: name, content: string(data)})
	}
	return docs
}
