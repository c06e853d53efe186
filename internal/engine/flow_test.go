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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-autorunner/car/internal/outbox"
	"github.com/codex-autorunner/car/internal/store"
)

func TestOutcomeEvents(t *testing.T) {
	t.Run("quiet step contributes nothing", func(t *testing.T) {
		assert.Empty(t, outcomeEvents(&Result{Status: StatusContinue}))
	})

	t.Run("dispatch emits dispatch_created", func(t *testing.T) {
		res := &Result{
			Status:   StatusPaused,
			Dispatch: &outbox.DispatchRecord{Seq: 3, Mode: outbox.ModePause, Title: "Need input"},
		}
		events := outcomeEvents(res)
		require.Len(t, events, 1)
		assert.Equal(t, store.EventDispatchCreated, events[0].Type)
		assert.JSONEq(t, `{"seq":3,"mode":"pause","title":"Need input"}`, string(events[0].Data))
	})

	t.Run("checkpoint commit emits diff_updated", func(t *testing.T) {
		res := &Result{
			Status:        StatusContinue,
			CurrentTicket: "TICKET-001.md",
			Committed:     true,
		}
		events := outcomeEvents(res)
		require.Len(t, events, 1)
		assert.Equal(t, store.EventDiffUpdated, events[0].Type)
		assert.JSONEq(t, `{"ticket":"TICKET-001.md"}`, string(events[0].Data))
	})

	t.Run("dispatch precedes diff", func(t *testing.T) {
		res := &Result{
			Status:        StatusContinue,
			CurrentTicket: "TICKET-002.md",
			Dispatch:      &outbox.DispatchRecord{Seq: 1, Mode: outbox.ModeNotify},
			Committed:     true,
		}
		events := outcomeEvents(res)
		require.Len(t, events, 2)
		assert.Equal(t, store.EventDispatchCreated, events[0].Type)
		assert.Equal(t, store.EventDiffUpdated, events[1].Type)
	})
}
