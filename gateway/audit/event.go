// Copyright 2025 AxonFlow
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

package audit

import "time"

// Outcome is the terminal result recorded for an action.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeUnauthenticated Outcome = "unauthenticated"
	OutcomeForbidden       Outcome = "forbidden"
	OutcomeRateLimited     Outcome = "rate_limited"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeInvalidRequest  Outcome = "invalid_request"
	OutcomeUpstreamError   Outcome = "upstream_error"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeCanceled        Outcome = "canceled"
)

// SecurityRelevant reports whether events with this outcome must be
// persisted before the response is sent.
func (o Outcome) SecurityRelevant() bool {
	switch o {
	case OutcomeUnauthenticated, OutcomeForbidden, OutcomeRateLimited:
		return true
	}
	return false
}

// Actions recorded by the gateway.
const (
	ActionInvoke     = "agent.invoke"
	ActionIssueToken = "auth.token.issue"
	ActionQuery      = "audit.query"
	ActionCacheClear = "admin.cache.clear"
	ActionSubscribe  = "telemetry.subscribe"
)

// Event is one append-only audit record. Seq is assigned by the Log and
// is strictly increasing in append order.
type Event struct {
	ID        string                 `json:"id" bson:"_id"`
	Seq       uint64                 `json:"seq" bson:"seq"`
	Timestamp time.Time              `json:"timestamp" bson:"timestamp"`
	SubjectID string                 `json:"subjectId" bson:"subject_id"`
	Action    string                 `json:"action" bson:"action"`
	Outcome   Outcome                `json:"outcome" bson:"outcome"`
	AgentName string                 `json:"agentName,omitempty" bson:"agent_name,omitempty"`
	ProjectID string                 `json:"projectId,omitempty" bson:"project_id,omitempty"`
	RequestID string                 `json:"requestId,omitempty" bson:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty" bson:"details,omitempty"`
}

// Filter selects events for Query. Zero fields match everything; From and
// To bound the timestamp inclusively. Limit > 0 keeps the most recent
// matches.
type Filter struct {
	SubjectID string
	Action    string
	Outcome   Outcome
	AgentName string
	From      time.Time
	To        time.Time
	Limit     int
}

func (f Filter) matches(e *Event) bool {
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.AgentName != "" && e.AgentName != f.AgentName {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
