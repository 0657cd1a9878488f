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

// Package apis holds the orchestrator's persisted model: plans and groups on
// the catalog side, executions, waves, server launches, commands, and audit
// records on the state side.
package apis

import (
	"time"
)

// ExecutionType selects between an isolated DRS drill and a production
// recovery. The value is passed straight through to StartRecovery's isDrill.
type ExecutionType string

const (
	ExecutionTypeDrill    ExecutionType = "DRILL"
	ExecutionTypeRecovery ExecutionType = "RECOVERY"
)

type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "PENDING"
	ExecutionStatusRunning    ExecutionStatus = "RUNNING"
	ExecutionStatusPaused     ExecutionStatus = "PAUSED"
	ExecutionStatusCancelling ExecutionStatus = "CANCELLING"
	ExecutionStatusCompleted  ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed     ExecutionStatus = "FAILED"
	ExecutionStatusCancelled  ExecutionStatus = "CANCELLED"
	ExecutionStatusPartial    ExecutionStatus = "PARTIAL"
)

var terminalExecutionStatuses = map[ExecutionStatus]struct{}{
	ExecutionStatusCompleted: {},
	ExecutionStatusFailed:    {},
	ExecutionStatusCancelled: {},
	ExecutionStatusPartial:   {},
}

// IsTerminal reports whether no further status transitions are permitted.
func (s ExecutionStatus) IsTerminal() bool {
	_, ok := terminalExecutionStatuses[s]
	return ok
}

// Execution is one attempt to run a RecoveryPlan end to end. It is the unit
// of supervision: exactly one control loop mutates an Execution at a time and
// every persisted write carries the version it was read at.
type Execution struct {
	ID                string          `json:"id" dynamodbav:"id"`
	PlanID            string          `json:"planId" dynamodbav:"planId"`
	Type              ExecutionType   `json:"type" dynamodbav:"type"`
	Status            ExecutionStatus `json:"status" dynamodbav:"status"`
	Name              string          `json:"name,omitempty" dynamodbav:"name,omitempty"`
	Description       string          `json:"description,omitempty" dynamodbav:"description,omitempty"`
	InitiatedBy       string          `json:"initiatedBy" dynamodbav:"initiatedBy"`
	StartTime         time.Time       `json:"startTime" dynamodbav:"startTime"`
	EndTime           *time.Time      `json:"endTime,omitempty" dynamodbav:"endTime,omitempty"`
	CurrentWaveNumber int             `json:"currentWaveNumber,omitempty" dynamodbav:"currentWaveNumber,omitempty"`
	// PauseRequested is set by an accepted PAUSE command and consumed by the
	// supervisor at the next inter-wave boundary. It never interrupts a wave
	// that is already launching or polling.
	PauseRequested bool   `json:"pauseRequested,omitempty" dynamodbav:"pauseRequested,omitempty"`
	FailureReason  string `json:"failureReason,omitempty" dynamodbav:"failureReason,omitempty"`
	TerminateJobID string `json:"terminateJobId,omitempty" dynamodbav:"terminateJobId,omitempty"`
	// Version is the optimistic-concurrency token. Successive persisted
	// versions strictly increase; a write that does not match the persisted
	// version fails with a version conflict.
	Version int64 `json:"version" dynamodbav:"version"`
}

type WaveStatus string

const (
	WaveStatusPending      WaveStatus = "PENDING"
	WaveStatusWaitingPause WaveStatus = "WAITING_PAUSE"
	WaveStatusLaunching    WaveStatus = "LAUNCHING"
	WaveStatusPolling      WaveStatus = "POLLING"
	WaveStatusCompleted    WaveStatus = "COMPLETED"
	WaveStatusFailed       WaveStatus = "FAILED"
	WaveStatusPartial      WaveStatus = "PARTIAL"
	WaveStatusSkipped      WaveStatus = "SKIPPED"
)

var terminalWaveStatuses = map[WaveStatus]struct{}{
	WaveStatusCompleted: {},
	WaveStatusFailed:    {},
	WaveStatusPartial:   {},
	WaveStatusSkipped:   {},
}

func (s WaveStatus) IsTerminal() bool {
	_, ok := terminalWaveStatuses[s]
	return ok
}

// WaveExecution tracks one wave of an Execution. Its status is set to a
// terminal value only after every child ServerLaunch is terminal.
type WaveExecution struct {
	ExecutionID   string     `json:"executionId" dynamodbav:"executionId"`
	WaveNumber    int        `json:"waveNumber" dynamodbav:"waveNumber"`
	GroupID       string     `json:"groupId" dynamodbav:"groupId"`
	Status        WaveStatus `json:"status" dynamodbav:"status"`
	StartTime     *time.Time `json:"startTime,omitempty" dynamodbav:"startTime,omitempty"`
	EndTime       *time.Time `json:"endTime,omitempty" dynamodbav:"endTime,omitempty"`
	ServerCount   int        `json:"serverCount" dynamodbav:"serverCount"`
	FailureReason string     `json:"failureReason,omitempty" dynamodbav:"failureReason,omitempty"`
}

type LaunchStatus string

const (
	LaunchStatusPending   LaunchStatus = "PENDING"
	LaunchStatusLaunching LaunchStatus = "LAUNCHING"
	LaunchStatusLaunched  LaunchStatus = "LAUNCHED"
	LaunchStatusFailed    LaunchStatus = "FAILED"
	LaunchStatusCancelled LaunchStatus = "CANCELLED"
)

func (s LaunchStatus) IsTerminal() bool {
	return s == LaunchStatusLaunched || s == LaunchStatusFailed || s == LaunchStatusCancelled
}

// ServerLaunch tracks a single source server within a wave. There is exactly
// one ServerLaunch per (waveNumber, sourceServerId) and its status writes are
// serialized through the state store.
type ServerLaunch struct {
	ExecutionID        string       `json:"executionId" dynamodbav:"executionId"`
	WaveNumber         int          `json:"waveNumber" dynamodbav:"waveNumber"`
	SourceServerID     string       `json:"sourceServerId" dynamodbav:"sourceServerId"`
	JobID              string       `json:"drsJobId,omitempty" dynamodbav:"drsJobId,omitempty"`
	RecoveryInstanceID string       `json:"recoveryInstanceId,omitempty" dynamodbav:"recoveryInstanceId,omitempty"`
	EC2InstanceID      string       `json:"ec2InstanceId,omitempty" dynamodbav:"ec2InstanceId,omitempty"`
	Status             LaunchStatus `json:"status" dynamodbav:"status"`
	ErrorCode          string       `json:"errorCode,omitempty" dynamodbav:"errorCode,omitempty"`
	ErrorMessage       string       `json:"errorMessage,omitempty" dynamodbav:"errorMessage,omitempty"`
	LastPolledAt       *time.Time   `json:"lastPolledAt,omitempty" dynamodbav:"lastPolledAt,omitempty"`
}
