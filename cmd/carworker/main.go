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

// carworker drives one flow run to completion: it owns the run's worker
// sidecar, the agent supervisors, and the controller loop. One process per
// active run.
//
// Exit codes: 0 on clean completion of the flow loop, 2 on preflight or
// configuration failure, 1 on panic or a flow loop error. The run status in
// the store is the ground truth; the exit code is advisory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/codex-autorunner/car/internal/agentpool"
	"github.com/codex-autorunner/car/internal/appserver"
	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/engine"
	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/log"
	"github.com/codex-autorunner/car/internal/metrics"
	"github.com/codex-autorunner/car/internal/outbox"
	"github.com/codex-autorunner/car/internal/store"
	"github.com/codex-autorunner/car/internal/tracing"
	"github.com/codex-autorunner/car/internal/worker"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
)

// preflightError marks failures that happen before the flow loop starts.
type preflightError struct{ err error }

func (e *preflightError) Error() string { return e.err.Error() }
func (e *preflightError) Unwrap() error { return e.err }

func preflight(format string, args ...any) error {
	return &preflightError{err: fmt.Errorf(format, args...)}
}

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s", r, debug.Stack())
			code = 1
		}
	}()

	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var pf *preflightError
		if errors.As(err, &pf) {
			return 2
		}
		return 1
	}
	return 0
}

func newCommand() *cobra.Command {
	var (
		workspace string
		runID     string
		resume    bool
		force     bool
	)

	cmd := &cobra.Command{
		Use:           "carworker",
		Short:         "Run one codex-autorunner flow to completion",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), workspace, runID, resume, force)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "Repository root")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id (generated when starting a new run)")
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume a paused run instead of starting a new one")
	cmd.Flags().BoolVar(&force, "force", false, "Bypass the resume gate")
	return cmd
}

func runWorker(ctx context.Context, workspace, runID string, resume, force bool) error {
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		return preflight("failed to resolve workspace: %v", err)
	}

	logger := log.New(log.FromEnv())

	settings, err := config.Load(workspace)
	if err != nil {
		return preflight("failed to load config: %v", err)
	}
	if len(settings.Agents) == 0 {
		return preflight("no agents configured in %s", config.Path(workspace))
	}

	provider, err := tracing.NewProvider(version)
	if err != nil {
		return preflight("failed to initialize tracing: %v", err)
	}
	defer provider.Shutdown(context.Background())

	st, err := store.Open(store.Config{
		Path:          filepath.Join(workspace, config.Dir, "flows.db"),
		DurableWrites: settings.Store.DurableWrites,
	})
	if err != nil {
		return preflight("failed to open flow store: %v", err)
	}
	defer st.Close()

	collector, err := metrics.NewPrometheus(prometheus.NewRegistry())
	if err != nil {
		return preflight("failed to register metrics: %v", err)
	}

	manager := appserver.NewManager(appserver.ManagerConfig{
		Backends:   settings.Agents,
		MaxHandles: settings.Supervisor.MaxHandles,
		IdleTTL:    time.Duration(settings.Supervisor.IdleTTLSeconds) * time.Second,
		Logger:     logger,
		Metrics:    collector,
		Supervisor: settings.SupervisorConfig(),
	})
	defer manager.Close()

	agents := make([]string, 0, len(settings.Agents))
	for id := range settings.Agents {
		agents = append(agents, id)
	}

	pool, err := agentpool.New(agentpool.Config{
		Manager:   manager,
		Workspace: workspace,
		Agents:    agents,
		Approvals: appserver.StaticApprovals(appserver.Decision(settings.Supervisor.DefaultApprovalDecision)),
		Logger:    logger,
	})
	if err != nil {
		return preflight("failed to create agent pool: %v", err)
	}
	defer pool.Close()

	controller, err := flow.NewController(flow.ControllerConfig{
		Store:   st,
		Logger:  logger,
		Metrics: collector,
		Gates:   engine.Gates(),
	}, engine.TicketFlow(pool, settings, logger))
	if err != nil {
		return preflight("failed to create controller: %v", err)
	}

	runsDir := filepath.Join(workspace, config.Dir, "runs")
	runID, err = prepareRun(ctx, controller, workspace, runsDir, runID, resume, force)
	if err != nil {
		return err
	}
	logger = log.WithRunContext(logger, runID, engine.FlowType)

	registry := worker.NewRegistry(runsDir)
	if err := registry.Register(runID); err != nil {
		return preflight("failed to claim run: %v", err)
	}
	defer registry.Clear(runID)

	paths := outbox.ResolvePaths(workspace, runsDir, runID)
	if err := outbox.EnsureReplyDirs(paths); err != nil {
		return preflight("failed to prepare run directories: %v", err)
	}

	watcher, err := outbox.NewWatcher(outbox.WatcherConfig{
		Logger: logger,
		OnReply: func(string) {
			seq, err := outbox.NextReplySeq(paths)
			if err != nil {
				logger.Warn("failed to read reply history", "error", err)
				return
			}
			if _, err := outbox.DispatchReply(paths, seq); err != nil {
				logger.Warn("failed to archive reply", "error", err)
			}
		},
	})
	if err != nil {
		return preflight("failed to start reply watcher: %v", err)
	}
	defer watcher.Close()
	if err := watcher.Watch(runID, paths); err != nil {
		return preflight("failed to watch run directory: %v", err)
	}

	// Signals request a cooperative stop; the loop finishes the current turn
	// and exits via stop_requested.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := controller.StopFlow(stopCtx, runID); err != nil {
			logger.Warn("failed to request stop", "error", err)
		}
	}()

	logger.Info("worker starting", "workspace", workspace)
	if err := controller.RunFlow(context.Background(), runID); err != nil {
		return fmt.Errorf("flow loop failed: %w", err)
	}

	final, err := controller.GetStatus(context.Background(), runID)
	if err == nil {
		logger.Info("worker finished", "status", final.Status)
	}
	return nil
}

// prepareRun resolves the run to drive: creating a fresh one, re-entering a
// pending one, or resuming a paused one.
func prepareRun(ctx context.Context, c *flow.Controller, workspace, runsDir, runID string, resume, force bool) (string, error) {
	if resume {
		if runID == "" {
			return "", preflight("--resume requires --run-id")
		}
		if err := c.ResumeFlow(ctx, runID, force); err != nil {
			return "", preflight("cannot resume run %s: %v", runID, err)
		}
		return runID, nil
	}

	if runID == "" {
		runID = uuid.NewString()
	}

	input, err := engine.MarshalInput(workspace, runsDir)
	if err != nil {
		return "", preflight("failed to encode run input: %v", err)
	}

	if _, err := c.StartFlow(ctx, engine.FlowType, runID, input, nil); err != nil {
		if errors.Is(err, store.ErrDuplicateRun) {
			// Re-entering an existing pending run is fine; RunFlow sorts out
			// terminal ones.
			return runID, nil
		}
		return "", preflight("failed to create run: %v", err)
	}
	return runID, nil
}
