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
	"context"
	"encoding/json"
	"log/slog"

	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/outbox"
	"github.com/codex-autorunner/car/internal/store"
)

// FlowType is the ticket flow's registered type.
const FlowType = "ticket_flow"

// StepName is the ticket flow's single step.
const StepName = "ticket"

// TicketFlow builds the flow definition for ticket runs. The flow has one
// step that loops on itself; each iteration runs exactly one agent turn.
func TicketFlow(pool TurnRunner, settings *config.Settings, logger *slog.Logger) *flow.Definition {
	return &flow.Definition{
		FlowType:    FlowType,
		InitialStep: StepName,
		Steps: map[string]flow.StepFunc{
			StepName: ticketStep(pool, settings, logger),
		},
	}
}

func ticketStep(pool TurnRunner, settings *config.Settings, logger *slog.Logger) flow.StepFunc {
	return func(ctx context.Context, run *store.FlowRun) flow.Outcome {
		in, err := ParseInput(run.InputData)
		if err != nil {
			return flow.Fail(err)
		}

		eng, err := New(Config{
			Workspace: in.WorkspaceRoot,
			RunsDir:   in.RunsDir,
			RunID:     run.ID,
			Pool:      pool,
			Settings:  settings,
			Logger:    logger,
		})
		if err != nil {
			return flow.Fail(err)
		}

		st, err := ParseState(run.State)
		if err != nil {
			return flow.Fail(err)
		}

		res, err := eng.Step(ctx, st)
		if err != nil {
			return flow.Fail(err)
		}
		output, err := st.Marshal()
		if err != nil {
			return flow.Fail(err)
		}

		events := outcomeEvents(res)

		switch res.Status {
		case StatusCompleted:
			return flow.Complete(output).WithEvents(events...)
		case StatusPaused:
			return flow.Pause(output, res.Reason).WithEvents(events...)
		default:
			return flow.ContinueTo(output, StepName).WithEvents(events...)
		}
	}
}

// outcomeEvents builds the extra events one engine step contributes to the
// run's log: dispatch_created for an archived dispatch, diff_updated when
// the checkpoint commit landed.
func outcomeEvents(res *Result) []flow.Event {
	var events []flow.Event
	if res.Dispatch != nil {
		events = append(events, dispatchEvent(res.Dispatch))
	}
	if res.Committed {
		events = append(events, diffEvent(res.CurrentTicket))
	}
	return events
}

func dispatchEvent(d *outbox.DispatchRecord) flow.Event {
	data, _ := json.Marshal(map[string]any{
		"seq":   d.Seq,
		"mode":  string(d.Mode),
		"title": d.Title,
	})
	return flow.Event{Type: store.EventDispatchCreated, Data: data}
}

func diffEvent(ticket string) flow.Event {
	data, _ := json.Marshal(map[string]any{"ticket": ticket})
	return flow.Event{Type: store.EventDiffUpdated, Data: data}
}

// Gates returns the resume-gate map for the controller.
func Gates() map[string]flow.GateFunc {
	return map[string]flow.GateFunc{
		FlowType: CheckResumeGate,
	}
}
