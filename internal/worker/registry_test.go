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

package worker

import (
	"errors"
	"os"
	"testing"
)

func TestRegistry_RegisterCheckClear(t *testing.T) {
	r := NewRegistry(t.TempDir())

	if err := r.Register("run-1"); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	status, err := r.Check("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !status.Alive {
		t.Errorf("own process should be alive: %+v", status)
	}
	if status.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), status.PID)
	}

	if err := r.Clear("run-1"); err != nil {
		t.Fatal(err)
	}
	status, err = r.Check("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if status.Alive {
		t.Error("cleared run should not be alive")
	}
}

func TestRegistry_CheckNoSidecar(t *testing.T) {
	r := NewRegistry(t.TempDir())

	status, err := r.Check("missing")
	if err != nil {
		t.Fatal(err)
	}
	if status.Alive {
		t.Error("missing sidecar must read as not alive")
	}
	if status.Message == "" {
		t.Error("expected diagnostic message")
	}
}

func TestRegistry_DeadPIDNotAlive(t *testing.T) {
	r := NewRegistry(t.TempDir())

	// Pid 1<<22 is above the default pid_max on Linux.
	if err := r.register("run-1", 1<<22, CurrentBootID()); err != nil {
		t.Fatal(err)
	}

	status, err := r.Check("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if status.Alive {
		t.Error("dead pid must read as not alive")
	}
}

func TestRegistry_BootIDMismatchIsStale(t *testing.T) {
	r := NewRegistry(t.TempDir())

	// Live pid, wrong boot id: a reused pid from before a reboot.
	if err := r.register("run-1", os.Getpid(), "other-boot"); err != nil {
		t.Fatal(err)
	}

	status, err := r.Check("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if status.Alive {
		t.Error("sidecar from another boot must read as not alive")
	}
}

func TestRegistry_RegisterTwiceRejected(t *testing.T) {
	r := NewRegistry(t.TempDir())

	if err := r.Register("run-1"); err != nil {
		t.Fatal(err)
	}

	err := r.Register("run-1")
	if !errors.Is(err, ErrSidecarExists) {
		t.Errorf("expected ErrSidecarExists, got %v", err)
	}
}

func TestRegistry_RegisterReclaimsStale(t *testing.T) {
	r := NewRegistry(t.TempDir())

	if err := r.register("run-1", 1<<22, CurrentBootID()); err != nil {
		t.Fatal(err)
	}

	// Dead owner: registration reclaims the sidecar.
	if err := r.Register("run-1"); err != nil {
		t.Fatalf("expected reclaim of stale sidecar, got %v", err)
	}

	meta, err := r.Read("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.PID != os.Getpid() {
		t.Errorf("expected reclaimed pid %d, got %d", os.Getpid(), meta.PID)
	}
}

func TestRegistry_ClearAbsentOK(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if err := r.Clear("never-registered"); err != nil {
		t.Errorf("clearing an absent sidecar should not fail: %v", err)
	}
}
