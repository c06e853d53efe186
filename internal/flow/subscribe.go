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
	"log/slog"
	"sync"

	"github.com/codex-autorunner/car/internal/store"
)

// subscriberBuffer bounds each subscription channel. A consumer that falls
// this far behind is dropped; it can resubscribe from its last seen seq.
const subscriberBuffer = 256

// subscribers fans run events out to SubscribeEvents channels. Events are
// sourced from the store so a subscriber never sees an event that was not
// durably committed first.
type subscribers struct {
	store  *store.Store
	logger *slog.Logger

	mu   sync.Mutex
	next int
	subs map[string]map[int]*subscription // run id -> sub id -> sub
}

type subscription struct {
	ch      chan *store.FlowEvent
	lastSeq int64
	closed  bool
}

func newSubscribers(st *store.Store, logger *slog.Logger) *subscribers {
	return &subscribers{store: st, logger: logger, subs: map[string]map[int]*subscription{}}
}

// subscribe registers a channel for a run's events after afterSeq and
// replays existing history into it. The returned cancel is idempotent.
func (s *subscribers) subscribe(ctx context.Context, runID string, afterSeq int64) (<-chan *store.FlowEvent, func(), error) {
	sub := &subscription{
		ch:      make(chan *store.FlowEvent, subscriberBuffer),
		lastSeq: afterSeq,
	}

	s.mu.Lock()
	id := s.next
	s.next++
	if s.subs[runID] == nil {
		s.subs[runID] = map[int]*subscription{}
	}
	s.subs[runID][id] = sub
	s.mu.Unlock()

	cancel := func() { s.remove(runID, id) }

	// Replay history. A publish racing with the replay is harmless: deliver
	// tracks lastSeq, so duplicates are filtered.
	if err := s.deliver(ctx, runID, sub); err != nil {
		cancel()
		return nil, nil, err
	}

	context.AfterFunc(ctx, cancel)
	return sub.ch, cancel, nil
}

// publish pushes any newly committed events of a run to its subscribers.
func (s *subscribers) publish(runID string) {
	s.mu.Lock()
	var subs []*subscription
	for _, sub := range s.subs[runID] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if err := s.deliver(context.Background(), runID, sub); err != nil {
			s.logger.Warn("event delivery failed", "run_id", runID, "error", err)
		}
	}
}

// deliver sends events after sub.lastSeq, dropping the subscriber when its
// buffer is full.
func (s *subscribers) deliver(ctx context.Context, runID string, sub *subscription) error {
	s.mu.Lock()
	if sub.closed {
		s.mu.Unlock()
		return nil
	}
	after := sub.lastSeq
	s.mu.Unlock()

	events, err := s.store.ListEvents(ctx, runID, after)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.closed {
		return nil
	}
	for _, ev := range events {
		if ev.Seq <= sub.lastSeq {
			continue
		}
		select {
		case sub.ch <- ev:
			sub.lastSeq = ev.Seq
		default:
			// Slow consumer; close so it notices and can resubscribe.
			sub.closed = true
			close(sub.ch)
			s.logger.Warn("dropping slow event subscriber", "run_id", runID)
			return nil
		}
	}
	return nil
}

func (s *subscribers) remove(runID string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[runID][id]
	if !ok {
		return
	}
	delete(s.subs[runID], id)
	if len(s.subs[runID]) == 0 {
		delete(s.subs, runID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
