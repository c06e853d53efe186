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

package appserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxMessageBytes caps a single wire message at 50 MiB.
const DefaultMaxMessageBytes = 50 << 20

// previewBytes bounds how much of an oversized line lands in the error.
const previewBytes = 256

// conn frames newline-delimited JSON messages over the subprocess pipes.
// Writes are mutex-serialized; reads happen from a single goroutine.
type conn struct {
	writeMu sync.Mutex
	w       io.Writer
	r       *bufio.Reader
	max     int
}

func newConn(r io.Reader, w io.Writer, maxBytes int) *conn {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &conn{
		w:   w,
		r:   bufio.NewReaderSize(r, 64<<10),
		max: maxBytes,
	}
}

// writeMessage marshals v and writes it as one line.
func (c *conn) writeMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage reads and decodes one line. A line exceeding the byte cap is
// fatal for the connection; the error carries a bounded preview.
func (c *conn) readMessage() (*message, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}

	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message %q: %w", preview(line), err)
	}
	return &msg, nil
}

// readLine accumulates ReadSlice fragments up to the cap. Once over the cap
// it stops buffering and fails without holding the rest of the line.
func (c *conn) readLine() ([]byte, error) {
	var buf []byte
	for {
		frag, err := c.r.ReadSlice('\n')
		if len(frag) > 0 {
			if len(buf)+len(frag) > c.max {
				keep := buf
				if len(keep) < previewBytes {
					keep = append(keep, frag...)
				}
				return nil, fmt.Errorf("message exceeds %d bytes (starts %q)", c.max, preview(keep))
			}
			buf = append(buf, frag...)
		}
		if err == nil {
			return buf[:len(buf)-1], nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(buf) > 0 {
			return buf, nil
		}
		return nil, err
	}
}

func preview(b []byte) string {
	if len(b) > previewBytes {
		b = b[:previewBytes]
	}
	return string(b)
}
