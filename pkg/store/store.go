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

// Package store defines the state-store adapter. All execution, wave, and
// server-launch writes go through a Store; it is the only authoritative
// holder of mutable execution state. In-memory caches elsewhere are advisory
// and re-validated on CAS failure.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
)

var (
	// ErrVersionConflict is returned when a conditional write does not match
	// the persisted execution version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrAlreadyExists is returned by conditional creates, including replayed
	// command ids.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

type SortOrder string

const (
	SortAscending  SortOrder = "ASC"
	SortDescending SortOrder = "DESC"
)

// ExecutionFilter narrows ListExecutions. Zero values mean "any".
type ExecutionFilter struct {
	PlanID      string
	Status      apis.ExecutionStatus
	Type        apis.ExecutionType
	InitiatedBy string
	After       *time.Time
	Before      *time.Time
	Limit       int
	SortOrder   SortOrder
}

// Store persists executions, waves, server launches, commands, and the audit
// log. Execution writes use compare-and-set on the version field; writes for
// a single server launch are serialized by the caller's ownership model.
type Store interface {
	// CreateExecution persists a new execution conditional on its id not
	// existing. The stored version starts at 1.
	CreateExecution(ctx context.Context, execution *apis.Execution) error
	// UpdateExecution writes the execution conditional on the persisted
	// version matching execution.Version, then increments it in place.
	UpdateExecution(ctx context.Context, execution *apis.Execution) error
	GetExecution(ctx context.Context, id string) (*apis.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*apis.Execution, error)
	// ActiveExecutionForPlan returns the non-terminal execution for planID,
	// or nil when the plan is idle. Uses a consistent read; this backs the
	// at-most-one-active-execution guard.
	ActiveExecutionForPlan(ctx context.Context, planID string) (*apis.Execution, error)
	ListNonTerminalExecutions(ctx context.Context) ([]*apis.Execution, error)

	PutWave(ctx context.Context, wave *apis.WaveExecution) error
	UpdateWave(ctx context.Context, wave *apis.WaveExecution) error
	GetWave(ctx context.Context, executionID string, waveNumber int) (*apis.WaveExecution, error)
	ListWaves(ctx context.Context, executionID string) ([]*apis.WaveExecution, error)

	PutServerLaunch(ctx context.Context, launch *apis.ServerLaunch) error
	UpdateServerLaunch(ctx context.Context, launch *apis.ServerLaunch) error
	ListServerLaunches(ctx context.Context, executionID string, waveNumber int) ([]*apis.ServerLaunch, error)
	ListAllServerLaunches(ctx context.Context, executionID string) ([]*apis.ServerLaunch, error)

	// PutCommand persists a command conditional on its id not existing.
	// Replays return ErrAlreadyExists; callers read back the stored command
	// for the recorded outcome.
	PutCommand(ctx context.Context, command *apis.Command) error
	UpdateCommand(ctx context.Context, command *apis.Command) error
	GetCommand(ctx context.Context, id string) (*apis.Command, error)
	ListCommands(ctx context.Context, executionID string) ([]*apis.Command, error)

	// AppendAudit appends to the per-execution audit log. The store assigns
	// the sequence if unset.
	AppendAudit(ctx context.Context, record *apis.AuditRecord) error
	ListAudit(ctx context.Context, executionID string) ([]*apis.AuditRecord, error)
}

// Catalog is the read-only repository of protection groups, recovery plans,
// and target accounts maintained outside the engine.
type Catalog interface {
	GetProtectionGroup(ctx context.Context, id string) (*apis.ProtectionGroup, error)
	GetRecoveryPlan(ctx context.Context, id string) (*apis.RecoveryPlan, error)
	GetTargetAccount(ctx context.Context, id string) (*apis.TargetAccount, error)
}
