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
	"io"
	"sync"
	"time"
)

// fakeBackend is an in-process app-server speaking over pipes. The handle
// callback sees every client-to-server line, including the client's replies
// to server-initiated requests.
type fakeBackend struct {
	handle func(fb *fakeBackend, msg *message)

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	sendMu   sync.Mutex
	stopOnce sync.Once
}

func newFakeBackend(handle func(fb *fakeBackend, msg *message)) *fakeBackend {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &fakeBackend{
		handle:  handle,
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
	}
}

func (fb *fakeBackend) Start() error {
	go fb.serve()
	return nil
}

func (fb *fakeBackend) Stdin() io.Writer  { return fb.stdinW }
func (fb *fakeBackend) Stdout() io.Reader { return fb.stdoutR }
func (fb *fakeBackend) PID() int          { return 4242 }

func (fb *fakeBackend) Terminate(time.Duration) error {
	fb.stop()
	return nil
}

// stop simulates process exit: the client's reader sees EOF.
func (fb *fakeBackend) stop() {
	fb.stopOnce.Do(func() {
		_ = fb.stdoutW.Close()
		_ = fb.stdinR.Close()
	})
}

func (fb *fakeBackend) serve() {
	scanner := bufio.NewScanner(fb.stdinR)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		fb.handle(fb, &msg)
	}
}

// send writes one server-to-client line.
func (fb *fakeBackend) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fb.sendMu.Lock()
	defer fb.sendMu.Unlock()
	_, _ = fb.stdoutW.Write(append(data, '\n'))
}

func (fb *fakeBackend) respond(id int64, result any) {
	raw, _ := json.Marshal(result)
	fb.send(&message{ID: &id, Result: raw})
}

func (fb *fakeBackend) respondError(id int64, code int, text string) {
	fb.send(&message{ID: &id, Error: &responseError{Code: code, Message: text}})
}

func (fb *fakeBackend) notify(method string, params any) {
	raw, _ := json.Marshal(params)
	fb.send(&message{Method: method, Params: raw})
}

// scriptedHandler answers the handshake and thread/start, and delegates
// turn/start to onTurn. Notifications and responses from the client fall
// through to onOther when set.
func scriptedHandler(onTurn func(fb *fakeBackend, id int64, params json.RawMessage), onOther func(fb *fakeBackend, msg *message)) func(*fakeBackend, *message) {
	return func(fb *fakeBackend, msg *message) {
		if !msg.isRequest() {
			if onOther != nil {
				onOther(fb, msg)
			}
			return
		}
		switch msg.Method {
		case methodInitialize:
			fb.respond(*msg.ID, map[string]any{})
		case methodThreadStart:
			fb.respond(*msg.ID, map[string]any{"thread": map[string]any{"id": "thread-1"}})
		case methodThreadResume:
			fb.respond(*msg.ID, map[string]any{})
		case methodTurnStart:
			if onTurn != nil {
				onTurn(fb, *msg.ID, msg.Params)
				return
			}
			fb.respond(*msg.ID, map[string]any{"turn": map[string]any{"id": "turn-1"}})
		default:
			if onOther != nil {
				onOther(fb, msg)
				return
			}
			fb.respondError(*msg.ID, -32601, "method not found")
		}
	}
}

// testSupervisor wires a Supervisor to a factory of fake backends.
func testSupervisor(cfg Config, factory func() *fakeBackend) (*Supervisor, error) {
	if cfg.Workspace == "" {
		cfg.Workspace = "/tmp/ws"
	}
	if cfg.Backend.ID == "" {
		cfg.Backend.ID = "codex"
	}
	cfg.newProcess = func() (process, error) { return factory(), nil }
	return New(cfg)
}
