/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apis

import (
	"time"
)

type CommandKind string

const (
	CommandKindStart              CommandKind = "START"
	CommandKindPause              CommandKind = "PAUSE"
	CommandKindResume             CommandKind = "RESUME"
	CommandKindCancel             CommandKind = "CANCEL"
	CommandKindTerminateInstances CommandKind = "TERMINATE_INSTANCES"
)

// Command is a persisted control signal. The command id is the idempotency
// key: replaying an id returns the recorded outcome without advancing the
// execution version a second time.
type Command struct {
	ID             string      `json:"id" dynamodbav:"id"`
	ExecutionID    string      `json:"executionId" dynamodbav:"executionId"`
	Kind           CommandKind `json:"kind" dynamodbav:"kind"`
	RequestedBy    string      `json:"requestedBy" dynamodbav:"requestedBy"`
	RequestedAt    time.Time   `json:"requestedAt" dynamodbav:"requestedAt"`
	ConsumedAt     *time.Time  `json:"consumedAt,omitempty" dynamodbav:"consumedAt,omitempty"`
	AcceptedAt     *time.Time  `json:"acceptedAt,omitempty" dynamodbav:"acceptedAt,omitempty"`
	RejectedReason string      `json:"rejectedReason,omitempty" dynamodbav:"rejectedReason,omitempty"`
	Reason         string      `json:"reason,omitempty" dynamodbav:"reason,omitempty"`
}

type AuditKind string

const (
	AuditKindTransition AuditKind = "TRANSITION"
	AuditKindCommand    AuditKind = "COMMAND"
	AuditKindAWSCall    AuditKind = "AWS_CALL"
	AuditKindEvent      AuditKind = "EVENT"
)

// AuditRecord is one line of the append-only audit trail. AWS call envelopes
// are sanitized: inputs are recorded as a hash plus identifiers, never as raw
// payloads.
type AuditRecord struct {
	ExecutionID string            `json:"executionId" dynamodbav:"executionId"`
	Sequence    int64             `json:"sequence" dynamodbav:"sequence"`
	Time        time.Time         `json:"time" dynamodbav:"time"`
	Kind        AuditKind         `json:"kind" dynamodbav:"kind"`
	Actor       string            `json:"actor,omitempty" dynamodbav:"actor,omitempty"`
	Message     string            `json:"message" dynamodbav:"message"`
	Fields      map[string]string `json:"fields,omitempty" dynamodbav:"fields,omitempty"`
}
