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

// Package frontmatter splits and parses the YAML front matter used by
// tickets, dispatches and replies.
package frontmatter

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var delimiter = []byte("---")

// ErrNoFrontmatter is returned when the document does not start with a
// front-matter block.
var ErrNoFrontmatter = errors.New("document has no front matter")

// Split separates a document into its raw YAML front matter and body.
// The document must start with a `---` line; the block ends at the next
// `---` line.
func Split(doc []byte) (meta, body []byte, err error) {
	lines := bytes.SplitAfter(doc, []byte("\n"))
	if len(lines) == 0 || !bytes.Equal(bytes.TrimRight(lines[0], "\r\n"), delimiter) {
		return nil, nil, ErrNoFrontmatter
	}

	for i := 1; i < len(lines); i++ {
		if bytes.Equal(bytes.TrimRight(lines[i], "\r\n"), delimiter) {
			meta = bytes.Join(lines[1:i], nil)
			body = bytes.Join(lines[i+1:], nil)
			return meta, body, nil
		}
	}

	return nil, nil, fmt.Errorf("%w: unterminated front matter", ErrNoFrontmatter)
}

// Parse splits the document and unmarshals the front matter into out.
// Unknown keys are tolerated; schema enforcement is the caller's concern.
func Parse(doc []byte, out any) (body []byte, err error) {
	meta, body, err := Split(doc)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(meta, out); err != nil {
		return nil, fmt.Errorf("invalid front matter YAML: %w", err)
	}

	return body, nil
}

// ParseStrict is Parse with unknown front-matter keys rejected.
func ParseStrict(doc []byte, out any) (body []byte, err error) {
	meta, body, err := Split(doc)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(meta))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return nil, fmt.Errorf("invalid front matter YAML: %w", err)
	}

	return body, nil
}

// Render serializes out as YAML and prepends it as a front-matter block to
// body, producing a complete document.
func Render(out any, body []byte) ([]byte, error) {
	meta, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(meta)
	buf.WriteString("---\n")
	buf.Write(body)
	return buf.Bytes(), nil
}
