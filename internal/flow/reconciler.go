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

package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/codex-autorunner/car/internal/store"
	"github.com/codex-autorunner/car/internal/worker"
)

// Reconciler default intervals. The fast interval applies while any run is
// running, so orphans are noticed quickly without burning cycles on an idle
// repository.
const (
	DefaultFastInterval = 5 * time.Second
	DefaultSlowInterval = 30 * time.Second
)

// workerMissingMessage is the error message stamped on orphaned runs.
const workerMissingMessage = "worker missing"

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Store    *store.Store
	Registry *worker.Registry
	Logger   *slog.Logger

	FastInterval time.Duration
	SlowInterval time.Duration

	// OnStopped is called after a run is transitioned, e.g. to poke event
	// subscribers. Optional.
	OnStopped func(runID string)
}

// Reconciler detects runs whose worker process died without updating the
// store and transitions them to stopped. It only ever advances status; run
// state is untouched, so a fresh worker can always be started cleanly.
type Reconciler struct {
	cfg    ReconcilerConfig
	logger *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = DefaultFastInterval
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = DefaultSlowInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{cfg: cfg, logger: logger}
}

// Run loops until ctx is done, sweeping at the fast interval while anything
// is running and the slow interval otherwise.
func (r *Reconciler) Run(ctx context.Context) {
	timer := time.NewTimer(r.cfg.FastInterval)
	defer timer.Stop()

	for {
		anyRunning, err := r.Sweep(ctx)
		if err != nil {
			r.logger.Warn("reconcile sweep failed", "error", err)
		}

		interval := r.cfg.SlowInterval
		if anyRunning {
			interval = r.cfg.FastInterval
		}
		timer.Reset(interval)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// Sweep checks every running run's worker sidecar once. Returns whether any
// run is still legitimately running.
func (r *Reconciler) Sweep(ctx context.Context) (bool, error) {
	runs, err := r.cfg.Store.ListRuns(ctx, store.Filter{Status: store.StatusRunning})
	if err != nil {
		return false, err
	}

	anyRunning := false
	for _, run := range runs {
		status, err := r.cfg.Registry.Check(run.ID)
		if err != nil {
			r.logger.Warn("worker check failed", "run_id", run.ID, "error", err)
			anyRunning = true
			continue
		}
		if status.Alive {
			anyRunning = true
			continue
		}

		r.logger.Info("orphaned run detected", "run_id", run.ID, "detail", status.Message)
		if err := r.stopOrphan(ctx, run.ID, status.Message); err != nil {
			r.logger.Warn("failed to stop orphaned run", "run_id", run.ID, "error", err)
			anyRunning = true
		}
	}
	return anyRunning, nil
}

func (r *Reconciler) stopOrphan(ctx context.Context, runID, detail string) error {
	now := time.Now().UTC()
	msg := workerMissingMessage
	data, _ := json.Marshal(map[string]string{"reason": msg, "detail": detail})

	err := r.cfg.Store.UpdateStatusWithEvent(ctx, runID, store.StatusStopped,
		store.UpdateOpts{ErrorMessage: &msg, FinishedAt: &now},
		store.EventFlowStopped, data)
	if err != nil {
		return err
	}
	if r.cfg.OnStopped != nil {
		r.cfg.OnStopped(runID)
	}
	return nil
}
