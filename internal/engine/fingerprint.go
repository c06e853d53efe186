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
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// fingerprintExcludes are glob patterns (slash-separated, relative to the
// workspace) whose files never influence the fingerprint. Run staging moves
// constantly and git internals churn on every command.
var fingerprintExcludes = []string{
	".git/**",
	".codex-autorunner/runs/**",
	".codex-autorunner/flows.db*",
	".codex-autorunner/agent-home/**",
}

// Fingerprint hashes the working tree's shape: the sorted (path, size,
// mtime, mode) of every non-excluded file. Content is deliberately not
// read, so the check stays cheap on large repositories; an edit bumps mtime
// and that is signal enough for the resume gate.
func Fingerprint(workspace string) (string, error) {
	hasher := blake3.New()

	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if excluded(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Deleted between readdir and stat; skip rather than fail.
			return nil
		}
		fmt.Fprintf(hasher, "%s\x00%d\x00%d\x00%o\n",
			rel, info.Size(), info.ModTime().UnixNano(), info.Mode())
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint workspace: %w", err)
	}

	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum), nil
}

// excluded reports whether rel (or, for directories, anything under it)
// matches an exclude pattern.
func excluded(rel string, isDir bool) bool {
	probe := rel
	if isDir {
		// A directory is prunable when files under it could only match.
		probe = rel + "/x"
	}
	for _, pattern := range fingerprintExcludes {
		if ok, _ := doublestar.Match(pattern, probe); ok {
			return true
		}
	}
	return false
}
