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

// Package events carries execution state transitions to an external sink.
// Delivery is best effort: the audit log is the authoritative record and the
// engine runs unchanged with the no-op sink.
package events

import (
	"context"
	"time"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
)

type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

type Event struct {
	ExecutionID string               `json:"executionId"`
	PlanID      string               `json:"planId"`
	Status      apis.ExecutionStatus `json:"status"`
	WaveNumber  *int                 `json:"waveNumber,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
	Severity    Severity             `json:"severity"`
	Message     string               `json:"message,omitempty"`
}

// Sink receives execution and wave transition events. Implementations must be
// safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

type NoopSink struct{}

func (NoopSink) Publish(context.Context, Event) error { return nil }

// SeverityFor maps a terminal-bound status to an event severity.
func SeverityFor(status apis.ExecutionStatus) Severity {
	switch status {
	case apis.ExecutionStatusFailed:
		return SeverityError
	case apis.ExecutionStatusPartial, apis.ExecutionStatusCancelled, apis.ExecutionStatusCancelling:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
