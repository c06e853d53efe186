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
	"context"
	"encoding/json"
)

// Decision is the caller's answer to a server-initiated approval request.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
	DecisionCancel  Decision = "cancel"
)

// ApprovalRequest is a server-initiated approval, forwarded verbatim.
type ApprovalRequest struct {
	// Method is the approval kind, item/commandExecution/requestApproval
	// or item/fileChange/requestApproval.
	Method string

	// TurnID is the owning turn when the server included one.
	TurnID string

	// Params is the raw request payload (command line, diff, etc).
	Params json.RawMessage
}

// ApprovalResponse carries the decision back to the server. When Raw is set
// it is sent verbatim as the JSON-RPC result instead of {decision: ...}.
type ApprovalResponse struct {
	Decision Decision
	Raw      json.RawMessage
}

// ApprovalHandler decides server-initiated approvals. The supervisor answers
// requests in arrival order and never blocks its reader on a handler.
type ApprovalHandler func(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)

// NotificationHandler observes every notification the supervisor reads.
// Used by the hub's event bus; may be nil.
type NotificationHandler func(method string, params json.RawMessage)

// StaticApprovals returns a handler that always answers with the given
// decision.
func StaticApprovals(d Decision) ApprovalHandler {
	return func(context.Context, ApprovalRequest) (ApprovalResponse, error) {
		return ApprovalResponse{Decision: d}, nil
	}
}
