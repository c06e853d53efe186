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

// Package flow implements the generic step scheduler: flows are immutable
// step graphs, runs are durable store records, and the controller drives a
// run from step to step, persisting state and appending events after every
// transition.
package flow

import (
	"context"
	"encoding/json"

	"github.com/codex-autorunner/car/internal/store"
)

// StepFunc executes one step of a flow. The run carries the current state
// blob; the returned outcome's output is merged into it.
type StepFunc func(ctx context.Context, run *store.FlowRun) Outcome

// Definition is an immutable flow shape.
type Definition struct {
	// FlowType names the flow, e.g. "ticket_flow".
	FlowType string

	// InitialStep is the step a fresh run enters.
	InitialStep string

	// Steps maps step names to their functions.
	Steps map[string]StepFunc
}

type outcomeKind int

const (
	kindComplete outcomeKind = iota
	kindContinue
	kindPause
	kindStop
	kindFail
)

// Event is an extra event a step wants appended to the run's log after its
// step_completed event, e.g. dispatch_created.
type Event struct {
	Type store.EventType
	Data json.RawMessage
}

// Outcome is the tagged result of one step execution.
type Outcome struct {
	kind   outcomeKind
	output json.RawMessage
	next   []string
	reason string
	err    error
	events []Event
}

// Complete finishes the run successfully.
func Complete(output json.RawMessage) Outcome {
	return Outcome{kind: kindComplete, output: output}
}

// ContinueTo schedules the next step. With several candidates the controller
// picks the lexicographically smallest, so the choice is deterministic.
func ContinueTo(output json.RawMessage, next ...string) Outcome {
	return Outcome{kind: kindContinue, output: output, next: next}
}

// Pause suspends the run at the current step.
func Pause(output json.RawMessage, reason string) Outcome {
	return Outcome{kind: kindPause, output: output, reason: reason}
}

// Stop finishes the run as stopped.
func Stop(output json.RawMessage) Outcome {
	return Outcome{kind: kindStop, output: output}
}

// Fail finishes the run as failed.
func Fail(err error) Outcome {
	return Outcome{kind: kindFail, err: err}
}

// WithEvents attaches extra events to the outcome.
func (o Outcome) WithEvents(events ...Event) Outcome {
	o.events = append(o.events, events...)
	return o
}

// name returns the outcome kind as a step_execution outcome string.
func (o Outcome) name() string {
	switch o.kind {
	case kindComplete:
		return "complete"
	case kindContinue:
		return "continue"
	case kindPause:
		return "pause"
	case kindStop:
		return "stop"
	default:
		return "fail"
	}
}

// mergeState shallow-merges output into state. Both sides are expected to be
// JSON objects; when either is not, output replaces state wholesale.
func mergeState(state, output json.RawMessage) json.RawMessage {
	if len(output) == 0 {
		return state
	}
	if len(state) == 0 {
		return output
	}

	var base, overlay map[string]json.RawMessage
	if err := json.Unmarshal(state, &base); err != nil {
		return output
	}
	if err := json.Unmarshal(output, &overlay); err != nil {
		return output
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return output
	}
	return merged
}
