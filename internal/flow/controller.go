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
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/codex-autorunner/car/internal/metrics"
	"github.com/codex-autorunner/car/internal/store"
	"github.com/codex-autorunner/car/internal/tracing"
	carerrors "github.com/codex-autorunner/car/pkg/errors"
)

// GateFunc decides whether a paused run may resume. Returning an error
// blocks the resume; --force bypasses the gate entirely.
type GateFunc func(run *store.FlowRun) error

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Store   *store.Store
	Logger  *slog.Logger
	Metrics metrics.Collector

	// Gates maps flow types to resume gates. Flows without a gate always
	// resume.
	Gates map[string]GateFunc
}

// Controller schedules flow runs against the store. It is safe for
// concurrent use; each RunFlow call drives one run.
type Controller struct {
	store   *store.Store
	logger  *slog.Logger
	metrics metrics.Collector
	gates   map[string]GateFunc
	defs    map[string]*Definition
	subs    *subscribers
}

// NewController creates a Controller with the given flow definitions.
func NewController(cfg ControllerConfig, defs ...*Definition) (*Controller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	byType := make(map[string]*Definition, len(defs))
	for _, def := range defs {
		if def.FlowType == "" || def.InitialStep == "" {
			return nil, fmt.Errorf("flow definition missing flow type or initial step")
		}
		if _, ok := def.Steps[def.InitialStep]; !ok {
			return nil, fmt.Errorf("flow %s: initial step %q not defined", def.FlowType, def.InitialStep)
		}
		if _, dup := byType[def.FlowType]; dup {
			return nil, fmt.Errorf("duplicate flow definition: %s", def.FlowType)
		}
		byType[def.FlowType] = def
	}

	return &Controller{
		store:   cfg.Store,
		logger:  logger,
		metrics: metrics.OrNop(cfg.Metrics),
		gates:   cfg.Gates,
		defs:    byType,
		subs:    newSubscribers(cfg.Store, logger),
	}, nil
}

// StartFlow creates a pending run. RunFlow drives it.
func (c *Controller) StartFlow(ctx context.Context, flowType, runID string, input, metadata json.RawMessage) (*store.FlowRun, error) {
	if _, ok := c.defs[flowType]; !ok {
		return nil, &carerrors.NotFoundError{Resource: "flow definition", ID: flowType}
	}
	run, err := c.store.CreateRun(ctx, runID, flowType, input, metadata)
	if err != nil {
		return nil, err
	}
	c.logger.Info("flow run created", "run_id", runID, "flow_type", flowType)
	return run, nil
}

// RunFlow drives a run until it completes, pauses, stops, or fails. Calling
// it on a terminal run is a no-op.
func (c *Controller) RunFlow(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	def, ok := c.defs[run.FlowType]
	if !ok {
		return &carerrors.NotFoundError{Resource: "flow definition", ID: run.FlowType}
	}

	if err := c.enter(ctx, run, def); err != nil {
		return err
	}

	for {
		run, err = c.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}

		if run.StopRequested {
			return c.finish(ctx, run, store.StatusStopped, "", store.EventFlowStopped, nil)
		}

		stepName := run.CurrentStep
		fn, ok := def.Steps[stepName]
		if !ok {
			return c.finish(ctx, run, store.StatusFailed,
				fmt.Sprintf("unknown step: %s", stepName), store.EventFlowFailed, nil)
		}

		outcome, duration := c.runStep(ctx, run, fn)
		c.metrics.RecordStep(run.FlowType, outcome.name(), duration)
		c.recordExecution(ctx, run, stepName, outcome, duration)

		state := mergeState(run.State, outcome.output)

		done, err := c.dispatch(ctx, run, state, outcome)
		if err != nil || done {
			return err
		}
	}
}

// enter moves the run into running and emits the entry event. A run already
// running (marked by ResumeFlow in the hub) gets no duplicate event.
func (c *Controller) enter(ctx context.Context, run *store.FlowRun, def *Definition) error {
	if run.Status == store.StatusRunning {
		// Already marked running (resumed out of band, or revived from a
		// terminal status, which clears the step).
		if run.CurrentStep != "" {
			return nil
		}
		step := def.InitialStep
		return c.store.UpdateStatus(ctx, run.ID, store.StatusRunning,
			store.UpdateOpts{CurrentStep: &step})
	}

	event := store.EventFlowStarted
	if run.Status == store.StatusPaused {
		event = store.EventFlowResumed
	}

	opts := store.UpdateOpts{}
	if run.StartedAt == nil {
		now := time.Now().UTC()
		opts.StartedAt = &now
	}
	if run.CurrentStep == "" {
		step := def.InitialStep
		opts.CurrentStep = &step
	}

	if err := c.store.UpdateStatusWithEvent(ctx, run.ID, store.StatusRunning, opts, event, nil); err != nil {
		return err
	}
	c.subs.publish(run.ID)
	return nil
}

// runStep executes one step with panic containment.
func (c *Controller) runStep(ctx context.Context, run *store.FlowRun, fn StepFunc) (outcome Outcome, duration time.Duration) {
	stepCtx, span := tracing.StartStep(ctx, run.ID, run.CurrentStep)
	start := time.Now()

	defer func() {
		duration = time.Since(start)
		if r := recover(); r != nil {
			c.logger.Error("step panicked", "run_id", run.ID, "step", run.CurrentStep,
				"panic", r, "stack", string(debug.Stack()))
			outcome = Fail(fmt.Errorf("step panicked: %v", r))
		}
		tracing.EndSpan(span, outcome.err)
	}()

	c.appendEvent(ctx, run.ID, store.EventStepStarted, stepEventData(run.CurrentStep, ""))
	outcome = fn(stepCtx, run)
	return outcome, time.Since(start)
}

// dispatch applies one outcome. Returns done=true when the loop should end.
func (c *Controller) dispatch(ctx context.Context, run *store.FlowRun, state json.RawMessage, o Outcome) (bool, error) {
	switch o.kind {
	case kindComplete:
		c.appendEvent(ctx, run.ID, store.EventStepCompleted, stepEventData(run.CurrentStep, o.name()))
		c.appendExtra(ctx, run.ID, o.events)
		return true, c.finishWithState(ctx, run, state, store.StatusCompleted, "", store.EventFlowCompleted)

	case kindStop:
		c.appendEvent(ctx, run.ID, store.EventStepCompleted, stepEventData(run.CurrentStep, o.name()))
		c.appendExtra(ctx, run.ID, o.events)
		return true, c.finishWithState(ctx, run, state, store.StatusStopped, "", store.EventFlowStopped)

	case kindFail:
		msg := ""
		if o.err != nil {
			msg = o.err.Error()
		}
		c.appendEvent(ctx, run.ID, store.EventStepFailed, stepEventData(run.CurrentStep, msg))
		c.appendExtra(ctx, run.ID, o.events)
		return true, c.finishWithState(ctx, run, state, store.StatusFailed, msg, store.EventFlowFailed)

	case kindPause:
		c.appendEvent(ctx, run.ID, store.EventStepCompleted, stepEventData(run.CurrentStep, o.name()))
		c.appendExtra(ctx, run.ID, o.events)
		data, _ := json.Marshal(map[string]string{"reason": o.reason})
		err := c.store.UpdateStatusWithEvent(ctx, run.ID, store.StatusPaused,
			store.UpdateOpts{State: state}, store.EventFlowPaused, data)
		if err != nil {
			return true, err
		}
		c.metrics.RecordRunFinished(run.FlowType, string(store.StatusPaused))
		c.subs.publish(run.ID)
		c.logger.Info("flow paused", "run_id", run.ID, "reason", o.reason)
		return true, nil

	default: // kindContinue
		next := pickNext(o.next, run.CurrentStep)
		c.appendEvent(ctx, run.ID, store.EventStepCompleted, stepEventData(run.CurrentStep, o.name()))
		c.appendExtra(ctx, run.ID, o.events)
		err := c.store.UpdateStatus(ctx, run.ID, store.StatusRunning,
			store.UpdateOpts{State: state, CurrentStep: &next})
		if err != nil {
			return true, err
		}
		c.subs.publish(run.ID)
		return false, nil
	}
}

// pickNext chooses the lexicographically smallest candidate so multi-target
// continuations stay deterministic. An empty set repeats the current step.
func pickNext(candidates []string, current string) string {
	if len(candidates) == 0 {
		return current
	}
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	return sorted[0]
}

func (c *Controller) finish(ctx context.Context, run *store.FlowRun, status store.Status, errMsg string, event store.EventType, data json.RawMessage) error {
	return c.finishEx(ctx, run, nil, status, errMsg, event, data)
}

func (c *Controller) finishWithState(ctx context.Context, run *store.FlowRun, state json.RawMessage, status store.Status, errMsg string, event store.EventType) error {
	return c.finishEx(ctx, run, state, status, errMsg, event, nil)
}

func (c *Controller) finishEx(ctx context.Context, run *store.FlowRun, state json.RawMessage, status store.Status, errMsg string, event store.EventType, data json.RawMessage) error {
	now := time.Now().UTC()
	opts := store.UpdateOpts{State: state, FinishedAt: &now}
	if errMsg != "" {
		opts.ErrorMessage = &errMsg
	}
	if err := c.store.UpdateStatusWithEvent(ctx, run.ID, status, opts, event, data); err != nil {
		return err
	}
	c.metrics.RecordRunFinished(run.FlowType, string(status))
	c.subs.publish(run.ID)
	c.logger.Info("flow finished", "run_id", run.ID, "status", status, "error", errMsg)
	return nil
}

// ResumeFlow readies a paused run for another RunFlow. Without force the
// flow's resume gate must pass. Force additionally revives stopped and
// failed runs; completed runs are final.
func (c *Controller) ResumeFlow(ctx context.Context, runID string, force bool) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		// Stopped and failed runs can be re-run, but only deliberately.
		if force && run.Status != store.StatusCompleted {
			if err := c.store.ReviveRun(ctx, runID); err != nil {
				return err
			}
			c.subs.publish(runID)
			c.logger.Info("flow revived", "run_id", runID, "from", string(run.Status))
			return nil
		}
		return fmt.Errorf("%w: %s is %s", store.ErrTerminal, runID, run.Status)
	}
	if run.Status == store.StatusRunning {
		return fmt.Errorf("run %s is already running", runID)
	}

	if !force {
		if gate, ok := c.gates[run.FlowType]; ok && gate != nil {
			if err := gate(run); err != nil {
				return err
			}
		}
	}

	if run.StopRequested {
		if err := c.store.SetStopRequested(ctx, runID, false); err != nil {
			return err
		}
	}

	if err := c.store.UpdateStatusWithEvent(ctx, runID, store.StatusRunning,
		store.UpdateOpts{}, store.EventFlowResumed, nil); err != nil {
		return err
	}
	c.subs.publish(runID)
	c.logger.Info("flow resumed", "run_id", runID, "force", force)
	return nil
}

// StopFlow requests a cooperative stop. The running worker honors the flag
// on its next loop iteration; the agent subprocess is never killed.
func (c *Controller) StopFlow(ctx context.Context, runID string) error {
	if err := c.store.SetStopRequested(ctx, runID, true); err != nil {
		return err
	}
	c.logger.Info("stop requested", "run_id", runID)
	return nil
}

// GetStatus returns the run record.
func (c *Controller) GetStatus(ctx context.Context, runID string) (*store.FlowRun, error) {
	return c.store.GetRun(ctx, runID)
}

// ListRuns lists runs matching the filter.
func (c *Controller) ListRuns(ctx context.Context, filter store.Filter) ([]*store.FlowRun, error) {
	return c.store.ListRuns(ctx, filter)
}

// SubscribeEvents streams a run's events with seq greater than afterSeq,
// replaying history first. Cancel releases the subscription.
func (c *Controller) SubscribeEvents(ctx context.Context, runID string, afterSeq int64) (<-chan *store.FlowEvent, func(), error) {
	return c.subs.subscribe(ctx, runID, afterSeq)
}

// Publish pokes subscribers of a run whose events were appended outside the
// controller, e.g. by the reconciler.
func (c *Controller) Publish(runID string) {
	c.subs.publish(runID)
}

func (c *Controller) appendEvent(ctx context.Context, runID string, t store.EventType, data json.RawMessage) {
	if _, err := c.store.AppendEvent(ctx, runID, t, data); err != nil {
		c.logger.Warn("failed to append event", "run_id", runID, "event", t, "error", err)
		return
	}
	c.subs.publish(runID)
}

func (c *Controller) appendExtra(ctx context.Context, runID string, events []Event) {
	for _, ev := range events {
		c.appendEvent(ctx, runID, ev.Type, ev.Data)
	}
}

func (c *Controller) recordExecution(ctx context.Context, run *store.FlowRun, step string, o Outcome, duration time.Duration) {
	now := time.Now().UTC()
	exec := &store.StepExecution{
		RunID:      run.ID,
		StepName:   step,
		Outcome:    o.name(),
		Duration:   duration,
		StartedAt:  now.Add(-duration),
		FinishedAt: now,
	}
	if o.err != nil {
		exec.Error = o.err.Error()
	}
	if err := c.store.RecordStepExecution(ctx, exec); err != nil {
		c.logger.Warn("failed to record step execution", "run_id", run.ID, "error", err)
	}
}

func stepEventData(step, detail string) json.RawMessage {
	payload := map[string]string{"step": step}
	if detail != "" {
		payload["detail"] = detail
	}
	data, _ := json.Marshal(payload)
	return data
}
