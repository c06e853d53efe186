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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Reply is one archived human reply.
type Reply struct {
	Seq  int
	Body string

	// Files lists sibling attachments (relative to Dir), USER_REPLY.md first.
	Files []string

	// Dir is the reply_history directory holding the reply.
	Dir string
}

// EnsureReplyDirs creates the staging and history directories for replies.
func EnsureReplyDirs(paths Paths) error {
	if err := os.MkdirAll(paths.RunDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	if err := os.MkdirAll(paths.ReplyHistory(), 0o755); err != nil {
		return fmt.Errorf("failed to create reply history: %w", err)
	}
	return nil
}

// NextReplySeq returns one past the highest archived reply seq.
// An empty or missing history yields 1.
func NextReplySeq(paths Paths) (int, error) {
	max, err := maxSeq(paths.ReplyHistory())
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// DispatchReply archives the staged USER_REPLY.md plus its non-hidden
// sibling attachments under the given sequence number. Returns (nil, nil)
// when no reply is staged.
func DispatchReply(paths Paths, seq int) (*Reply, error) {
	data, err := os.ReadFile(paths.Reply())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}

	entries, err := os.ReadDir(paths.RunDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging directory: %w", err)
	}

	files := []string{ReplyFile}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == ReplyFile || name == DispatchFile {
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}
		files = append(files, name)
	}

	destDir := filepath.Join(paths.ReplyHistory(), SeqDirName(seq))
	if err := archiveMove(paths.RunDir, files, paths.ReplyHistory(), destDir); err != nil {
		return nil, err
	}

	return &Reply{Seq: seq, Body: string(data), Files: files, Dir: destDir}, nil
}

// PendingReplies returns archived replies with seq greater than afterSeq,
// in sequence order. The engine injects these into the next prompt.
func PendingReplies(paths Paths, afterSeq int) ([]*Reply, error) {
	entries, err := os.ReadDir(paths.ReplyHistory())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read reply history: %w", err)
	}

	var replies []*Reply
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		seq, err := strconv.Atoi(entry.Name())
		if err != nil || seq <= afterSeq {
			continue
		}

		dir := filepath.Join(paths.ReplyHistory(), entry.Name())
		body, err := os.ReadFile(filepath.Join(dir, ReplyFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read archived reply %s: %w", entry.Name(), err)
		}

		var files []string
		inner, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read reply directory: %w", err)
		}
		files = append(files, ReplyFile)
		for _, f := range inner {
			if f.IsDir() || f.Name() == ReplyFile {
				continue
			}
			files = append(files, f.Name())
		}

		replies = append(replies, &Reply{Seq: seq, Body: string(body), Files: files, Dir: dir})
	}

	sort.Slice(replies, func(i, j int) bool { return replies[i].Seq < replies[j].Seq })
	return replies, nil
}

// MaxDispatchSeq returns the highest archived dispatch seq, 0 when none.
func MaxDispatchSeq(paths Paths) (int, error) {
	return maxSeq(paths.DispatchHistory())
}

// maxSeq scans a history directory for the highest numeric entry name.
func maxSeq(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read history directory: %w", err)
	}

	max := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(entry.Name()); err == nil && n > max {
			max = n
		}
	}
	return max, nil
}
