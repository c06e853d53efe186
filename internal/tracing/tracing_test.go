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

package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestProviderLifecycle(t *testing.T) {
	p, err := NewProvider("test")
	if err != nil {
		t.Fatal(err)
	}

	ctx, span := StartStep(context.Background(), "run-1", "ticket_step")
	if !span.SpanContext().IsValid() {
		t.Error("step span context invalid")
	}

	_, turnSpan := StartTurn(ctx, "codex")
	EndSpan(turnSpan, errors.New("boom"))
	EndSpan(span, nil)

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
