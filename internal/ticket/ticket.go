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

// Package ticket reads and validates the ticket files that drive a
// ticket_flow run. Tickets live in <workspace>/.codex-autorunner/tickets/ as
// markdown with YAML front matter; completion is marked via done: true and
// files are never deleted by the engine.
package ticket

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/codex-autorunner/car/internal/frontmatter"
	carerrors "github.com/codex-autorunner/car/pkg/errors"
)

// Sentinel agent ids with engine-level semantics.
const (
	// AgentPause halts the flow until the ticket is marked done.
	AgentPause = "pause"
	// AgentUser marks a ticket owned by a human; treated as a pause.
	AgentUser = "user"
)

// filenameRE matches TICKET-<index>[-suffix].md with an index of at least
// three digits.
var filenameRE = regexp.MustCompile(`^TICKET-(\d{3,})(?:-[^/]*)?\.md$`)

// Frontmatter is the ticket front-matter schema.
type Frontmatter struct {
	Agent      string `yaml:"agent"`
	Done       bool   `yaml:"done"`
	Title      string `yaml:"title,omitempty"`
	Goal       string `yaml:"goal,omitempty"`
	Model      string `yaml:"model,omitempty"`
	Reasoning  string `yaml:"reasoning,omitempty"`
	TicketKind string `yaml:"ticket_kind,omitempty"`
}

// Ticket is one parsed ticket file.
type Ticket struct {
	// Path is the absolute path of the ticket file.
	Path string

	// Index is the numeric index parsed from the filename.
	Index int

	// Meta is the parsed front matter.
	Meta Frontmatter

	// Body is the markdown body following the front matter.
	Body string
}

// Name returns the ticket's base filename.
func (t *Ticket) Name() string {
	return filepath.Base(t.Path)
}

// IsSentinel reports whether the ticket's agent is one of the sentinel ids
// that pause the flow instead of running a backend turn.
func (t *Ticket) IsSentinel() bool {
	return t.Meta.Agent == AgentPause || t.Meta.Agent == AgentUser
}

// ParseIndex extracts the ticket index from a filename.
// Returns false when the name is not a ticket filename.
func ParseIndex(name string) (int, bool) {
	m := filenameRE.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// Load parses a single ticket file, enforcing the front-matter schema.
// Schema violations are returned as *errors.LintError so the engine can
// pause with a machine-readable issue list.
func Load(path string) (*Ticket, error) {
	idx, ok := ParseIndex(filepath.Base(path))
	if !ok {
		return nil, fmt.Errorf("not a ticket filename: %s", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket: %w", err)
	}

	t := &Ticket{Path: path, Index: idx}

	var issues []carerrors.LintIssue
	body, err := frontmatter.Parse(data, &t.Meta)
	if err != nil {
		issues = append(issues, carerrors.LintIssue{
			File:    filepath.Base(path),
			Message: err.Error(),
		})
		return nil, &carerrors.LintError{Issues: issues}
	}
	t.Body = string(body)

	// agent and done are the two required keys. yaml cannot distinguish
	// `done: false` from an absent key, so presence is checked on the node.
	if t.Meta.Agent == "" {
		issues = append(issues, carerrors.LintIssue{
			File:    filepath.Base(path),
			Field:   "agent",
			Message: "required key is missing or empty",
		})
	}
	if !hasKey(data, "done") {
		issues = append(issues, carerrors.LintIssue{
			File:    filepath.Base(path),
			Field:   "done",
			Message: "required key is missing",
		})
	}

	if len(issues) > 0 {
		return nil, &carerrors.LintError{Issues: issues}
	}

	return t, nil
}

// LoadAgentOnly extracts just the agent id from a ticket whose front matter
// fails the full schema. Used in lint-retry mode so a repair turn can still
// be routed to the right backend.
func LoadAgentOnly(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read ticket: %w", err)
	}

	meta, _, err := frontmatter.Split(data)
	if err != nil {
		return "", err
	}

	var loose struct {
		Agent string `yaml:"agent"`
	}
	// Tolerate any other damage in the block.
	if err := yaml.Unmarshal(meta, &loose); err != nil || loose.Agent == "" {
		return "", fmt.Errorf("cannot extract agent from %s", filepath.Base(path))
	}
	return loose.Agent, nil
}

// hasKey reports whether the front-matter block contains a top-level mapping
// key with the given name.
func hasKey(doc []byte, key string) bool {
	meta, _, err := frontmatter.Split(doc)
	if err != nil {
		return false
	}

	var node yaml.Node
	if err := yaml.Unmarshal(meta, &node); err != nil {
		return false
	}
	if len(node.Content) == 0 || node.Content[0].Kind != yaml.MappingNode {
		return false
	}

	m := node.Content[0]
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return true
		}
	}
	return false
}

// Scan reads every ticket in dir, ordered by filename index.
// A duplicate index is a lint error; unparseable tickets are returned in the
// lint error as well so the caller can decide whether to enter retry mode.
func Scan(dir string) ([]*Ticket, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ticket directory: %w", err)
	}

	var tickets []*Ticket
	var issues []carerrors.LintIssue
	seen := map[int]string{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		idx, ok := ParseIndex(entry.Name())
		if !ok {
			continue
		}

		if prev, dup := seen[idx]; dup {
			issues = append(issues, carerrors.LintIssue{
				File:    entry.Name(),
				Message: fmt.Sprintf("duplicate ticket index %d (also %s)", idx, prev),
			})
			continue
		}
		seen[idx] = entry.Name()

		t, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			var lint *carerrors.LintError
			if carerrors.As(err, &lint) {
				issues = append(issues, lint.Issues...)
				continue
			}
			return nil, err
		}
		tickets = append(tickets, t)
	}

	sort.Slice(tickets, func(i, j int) bool { return tickets[i].Index < tickets[j].Index })

	if len(issues) > 0 {
		return tickets, &carerrors.LintError{Issues: issues}
	}
	return tickets, nil
}

// NextUndone returns the first not-done ticket in index order, or nil.
func NextUndone(tickets []*Ticket) *Ticket {
	for _, t := range tickets {
		if !t.Meta.Done {
			return t
		}
	}
	return nil
}
