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

// Package gateway validates and persists control commands. Every command is
// idempotent by command id: a replayed id returns the recorded outcome
// without acting twice. The gateway writes CANCELLING and the pause flag
// directly; everything else about the execution lifecycle belongs to the
// supervisor.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	drstypes "github.com/aws/aws-sdk-go-v2/service/drs/types"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/go-logr/logr"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/engine/supervisor"
	"github.com/awslabs/drs-orchestrator/pkg/errors"
	"github.com/awslabs/drs-orchestrator/pkg/metrics"
	"github.com/awslabs/drs-orchestrator/pkg/providers/drs"
	"github.com/awslabs/drs-orchestrator/pkg/providers/instance"
	"github.com/awslabs/drs-orchestrator/pkg/store"
)

type Gateway struct {
	// runCtx outlives individual requests; supervisors started for accepted
	// commands run on it.
	runCtx    context.Context
	store     store.Store
	catalog   store.Catalog
	registry  *supervisor.Registry
	drs       drs.Provider
	instances instance.Provider
	clk       clock.Clock
	log       logr.Logger
}

func NewGateway(runCtx context.Context, stateStore store.Store, catalog store.Catalog, registry *supervisor.Registry, drsProvider drs.Provider, instanceProvider instance.Provider, clk clock.Clock, log logr.Logger) *Gateway {
	return &Gateway{
		runCtx:    runCtx,
		store:     stateStore,
		catalog:   catalog,
		registry:  registry,
		drs:       drsProvider,
		instances: instanceProvider,
		clk:       clk,
		log:       log.WithName("gateway"),
	}
}

// StartRequest submits a new execution. CommandID is the client's idempotency
// key; one is minted when empty.
type StartRequest struct {
	CommandID   string
	PlanID      string
	Type        apis.ExecutionType
	Name        string
	Description string
	InitiatedBy string
}

func (g *Gateway) StartExecution(ctx context.Context, req StartRequest) (*apis.Execution, error) {
	if req.PlanID == "" {
		return nil, errors.New(errors.CodeMissingField, "planId is required")
	}
	if req.Type != apis.ExecutionTypeDrill && req.Type != apis.ExecutionTypeRecovery {
		return nil, errors.New(errors.CodeInvalidRequest, "type must be DRILL or RECOVERY")
	}
	plan, err := g.catalog.GetRecoveryPlan(ctx, req.PlanID)
	if err != nil {
		return nil, fmt.Errorf("loading recovery plan %s, %w", req.PlanID, err)
	}
	if err := apis.ValidatePlan(plan); err != nil {
		return nil, err
	}

	command := &apis.Command{
		ID:          lo.Ternary(req.CommandID != "", req.CommandID, uuid.NewString()),
		Kind:        apis.CommandKindStart,
		RequestedBy: req.InitiatedBy,
		RequestedAt: g.clk.Now(),
	}
	replayed, err := g.begin(ctx, command)
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		if replayed.ExecutionID == "" {
			return nil, errors.New(errors.CodeInvalidRequest, "command %s is still being processed", replayed.ID)
		}
		return g.store.GetExecution(ctx, replayed.ExecutionID)
	}

	// At most one active execution per plan.
	active, err := g.store.ActiveExecutionForPlan(ctx, req.PlanID)
	if err != nil {
		return nil, fmt.Errorf("checking active executions for plan %s, %w", req.PlanID, err)
	}
	if active != nil {
		return nil, g.reject(ctx, command, errors.New(errors.CodePlanAlreadyExecuting,
			"plan %s already has active execution %s", req.PlanID, active.ID))
	}

	execution := &apis.Execution{
		ID:          "exec-" + uuid.NewString(),
		PlanID:      req.PlanID,
		Type:        req.Type,
		Status:      apis.ExecutionStatusPending,
		Name:        req.Name,
		Description: req.Description,
		InitiatedBy: req.InitiatedBy,
		StartTime:   g.clk.Now(),
	}
	if err := g.store.CreateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("creating execution, %w", err)
	}
	if err := g.accept(ctx, command, execution.ID); err != nil {
		return nil, err
	}
	g.registry.Start(g.runCtx, execution.ID)
	g.log.Info("execution started", "executionId", execution.ID, "planId", req.PlanID, "type", req.Type)
	return execution, nil
}

// CommandRequest targets an existing execution.
type CommandRequest struct {
	CommandID   string
	ExecutionID string
	RequestedBy string
	Reason      string
}

// PauseExecution requests a pause at the next inter-wave boundary. The wave
// in flight always finishes first. Pausing an already-paused execution is
// accepted and changes nothing.
func (g *Gateway) PauseExecution(ctx context.Context, req CommandRequest) error {
	return g.command(ctx, req, apis.CommandKindPause, func(execution *apis.Execution) error {
		switch execution.Status {
		case apis.ExecutionStatusPaused:
			return nil
		case apis.ExecutionStatusRunning:
			execution.PauseRequested = true
			return nil
		default:
			return errors.New(errors.CodeNotPausable, "execution %s is %s", execution.ID, execution.Status)
		}
	})
}

// ResumeExecution resumes a paused execution.
func (g *Gateway) ResumeExecution(ctx context.Context, req CommandRequest) error {
	return g.command(ctx, req, apis.CommandKindResume, func(execution *apis.Execution) error {
		if execution.Status != apis.ExecutionStatusPaused {
			return errors.New(errors.CodeInvalidState, "execution %s is %s, only PAUSED executions resume", execution.ID, execution.Status)
		}
		execution.Status = apis.ExecutionStatusRunning
		execution.PauseRequested = false
		return nil
	})
}

// CancelExecution moves the execution to CANCELLING. In-flight launches are
// drained, unstarted waves are skipped, and a pending pause is superseded.
func (g *Gateway) CancelExecution(ctx context.Context, req CommandRequest) error {
	return g.command(ctx, req, apis.CommandKindCancel, func(execution *apis.Execution) error {
		switch execution.Status {
		case apis.ExecutionStatusPending, apis.ExecutionStatusRunning, apis.ExecutionStatusPaused:
		default:
			return errors.New(errors.CodeInvalidState, "execution %s is %s and cannot be cancelled", execution.ID, execution.Status)
		}
		execution.Status = apis.ExecutionStatusCancelling
		execution.PauseRequested = false
		return nil
	})
}

// command runs the shared control-command path: idempotency, guard + mutate
// under compare-and-set, command bookkeeping, and a supervisor wake.
func (g *Gateway) command(ctx context.Context, req CommandRequest, kind apis.CommandKind, mutate func(*apis.Execution) error) error {
	command := &apis.Command{
		ID:          lo.Ternary(req.CommandID != "", req.CommandID, uuid.NewString()),
		ExecutionID: req.ExecutionID,
		Kind:        kind,
		RequestedBy: req.RequestedBy,
		RequestedAt: g.clk.Now(),
		Reason:      req.Reason,
	}
	replayed, err := g.begin(ctx, command)
	if err != nil {
		return err
	}
	if replayed != nil {
		return replayOutcome(replayed)
	}

	execution, err := g.store.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return g.reject(ctx, command, errors.New(errors.CodeExecutionNotFound, "execution %s does not exist", req.ExecutionID))
		}
		return fmt.Errorf("loading execution, %w", err)
	}
	if err := mutate(execution); err != nil {
		return g.reject(ctx, command, err)
	}
	if err := g.store.UpdateExecution(ctx, execution); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// A concurrent command won the race; the caller retries with a
			// fresh read.
			return g.reject(ctx, command, errors.New(errors.CodeVersionConflict,
				"execution %s changed concurrently", req.ExecutionID))
		}
		return fmt.Errorf("updating execution, %w", err)
	}
	if err := g.accept(ctx, command, req.ExecutionID); err != nil {
		return err
	}
	// For PENDING executions cancelled before their supervisor ever ran,
	// Start finalizes them; otherwise it is a no-op and Wake does the work.
	g.registry.Start(g.runCtx, req.ExecutionID)
	g.registry.Wake(req.ExecutionID)
	return nil
}

// TerminateInstances terminates the recovery instances a finished execution
// launched (drill cleanup or recovery rollback), one
// TerminateRecoveryInstances job per target account.
func (g *Gateway) TerminateInstances(ctx context.Context, req CommandRequest) error {
	command := &apis.Command{
		ID:          lo.Ternary(req.CommandID != "", req.CommandID, uuid.NewString()),
		ExecutionID: req.ExecutionID,
		Kind:        apis.CommandKindTerminateInstances,
		RequestedBy: req.RequestedBy,
		RequestedAt: g.clk.Now(),
		Reason:      req.Reason,
	}
	replayed, err := g.begin(ctx, command)
	if err != nil {
		return err
	}
	if replayed != nil {
		return replayOutcome(replayed)
	}

	execution, err := g.store.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return g.reject(ctx, command, errors.New(errors.CodeExecutionNotFound, "execution %s does not exist", req.ExecutionID))
		}
		return fmt.Errorf("loading execution, %w", err)
	}
	if !execution.Status.IsTerminal() {
		return g.reject(ctx, command, errors.New(errors.CodeInvalidState, "execution %s is still %s", execution.ID, execution.Status))
	}

	byAccount, err := g.launchedByAccount(ctx, execution)
	if err != nil {
		return err
	}
	if len(byAccount) == 0 {
		return g.reject(ctx, command, errors.New(errors.CodeInvalidRequest, "execution %s has no recovery instances to terminate", execution.ID))
	}
	var jobIDs []string
	var terminateErr error
	for _, batch := range byAccount {
		instanceIDs := lo.FilterMap(batch.launches, func(l *apis.ServerLaunch, _ int) (string, bool) {
			return l.RecoveryInstanceID, l.RecoveryInstanceID != ""
		})
		job, err := g.drs.TerminateRecoveryInstances(ctx, batch.account, instanceIDs)
		if err != nil {
			terminateErr = multierr.Append(terminateErr, err)
			continue
		}
		if job != nil && job.JobID != nil {
			jobIDs = append(jobIDs, *job.JobID)
			go g.trackTerminateJob(g.runCtx, execution.ID, batch.account, *job.JobID)
		}
	}
	if terminateErr != nil && len(jobIDs) == 0 {
		return terminateErr
	}
	execution.TerminateJobID = strings.Join(jobIDs, ",")
	if err := g.store.UpdateExecution(ctx, execution); err != nil && !errors.Is(err, store.ErrVersionConflict) {
		return fmt.Errorf("recording terminate job, %w", err)
	}
	return g.accept(ctx, command, execution.ID)
}

type accountBatch struct {
	account  apis.TargetAccount
	launches []*apis.ServerLaunch
}

// launchedByAccount groups the execution's launched servers by the target
// account their wave ran in.
func (g *Gateway) launchedByAccount(ctx context.Context, execution *apis.Execution) (map[string]*accountBatch, error) {
	plan, err := g.catalog.GetRecoveryPlan(ctx, execution.PlanID)
	if err != nil {
		return nil, fmt.Errorf("loading recovery plan %s, %w", execution.PlanID, err)
	}
	launches, err := g.store.ListAllServerLaunches(ctx, execution.ID)
	if err != nil {
		return nil, fmt.Errorf("listing server launches, %w", err)
	}
	batches := map[string]*accountBatch{}
	for _, launch := range launches {
		if launch.Status != apis.LaunchStatusLaunched || launch.RecoveryInstanceID == "" {
			continue
		}
		spec := plan.Wave(launch.WaveNumber)
		if spec == nil {
			continue
		}
		group, err := g.catalog.GetProtectionGroup(ctx, spec.GroupID)
		if err != nil {
			return nil, fmt.Errorf("loading protection group %s, %w", spec.GroupID, err)
		}
		account, err := g.catalog.GetTargetAccount(ctx, group.TargetAccountID)
		if err != nil {
			return nil, fmt.Errorf("loading target account %s, %w", group.TargetAccountID, err)
		}
		batch, ok := batches[account.ID]
		if !ok {
			batch = &accountBatch{account: *account}
			batches[account.ID] = batch
		}
		batch.launches = append(batch.launches, launch)
	}
	return batches, nil
}

// trackTerminateJob follows a terminate job to its terminal state, recording
// the outcome in the audit trail. Termination carries no launch rows, so it
// rides a plain ticker instead of the launch poller.
func (g *Gateway) trackTerminateJob(ctx context.Context, executionID string, account apis.TargetAccount, jobID string) {
	deadline := g.clk.Now().Add(30 * time.Minute)
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.clk.After(15 * time.Second):
		}
		if g.clk.Now().After(deadline) {
			return
		}
		job, err := g.drs.DescribeJob(ctx, account, jobID)
		if err != nil || job == nil {
			continue
		}
		if job.Status != drstypes.JobStatusCompleted {
			continue
		}
		if err := g.store.AppendAudit(ctx, &apis.AuditRecord{
			ExecutionID: executionID,
			Time:        g.clk.Now(),
			Kind:        apis.AuditKindAWSCall,
			Message:     "terminate job completed",
			Fields:      map[string]string{"jobId": jobID},
		}); err != nil {
			g.log.Error(err, "appending audit record", "executionId", executionID)
		}
		return
	}
}

// begin persists the command, returning the stored command instead when the
// id has been seen before.
func (g *Gateway) begin(ctx context.Context, command *apis.Command) (*apis.Command, error) {
	err := g.store.PutCommand(ctx, command)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, store.ErrAlreadyExists) {
		return nil, fmt.Errorf("persisting command, %w", err)
	}
	stored, err := g.store.GetCommand(ctx, command.ID)
	if err != nil {
		return nil, fmt.Errorf("loading replayed command %s, %w", command.ID, err)
	}
	return stored, nil
}

// replayOutcome reproduces a stored command's result: accepted commands
// succeed again, rejected ones fail with the recorded code.
func replayOutcome(command *apis.Command) error {
	if command.RejectedReason == "" {
		return nil
	}
	code := errors.CodeInvalidRequest
	if prefix, _, found := strings.Cut(command.RejectedReason, ":"); found {
		code = errors.Code(prefix)
	}
	return errors.New(code, "command %s was rejected: %s", command.ID, command.RejectedReason)
}

func (g *Gateway) accept(ctx context.Context, command *apis.Command, executionID string) error {
	now := g.clk.Now()
	command.ExecutionID = executionID
	command.AcceptedAt = &now
	command.ConsumedAt = &now
	if err := g.store.UpdateCommand(ctx, command); err != nil {
		return fmt.Errorf("recording command outcome, %w", err)
	}
	metrics.CommandsTotal.WithLabelValues(string(command.Kind), "accepted").Inc()
	g.audit(ctx, executionID, command, "command accepted")
	return nil
}

// reject records the rejection on the command for idempotent replay and
// returns the coded error.
func (g *Gateway) reject(ctx context.Context, command *apis.Command, cause error) error {
	now := g.clk.Now()
	command.ConsumedAt = &now
	command.RejectedReason = cause.Error()
	if err := g.store.UpdateCommand(ctx, command); err != nil {
		g.log.Error(err, "recording command rejection", "commandId", command.ID)
	}
	metrics.CommandsTotal.WithLabelValues(string(command.Kind), "rejected").Inc()
	if command.ExecutionID != "" {
		g.audit(ctx, command.ExecutionID, command, "command rejected")
	}
	return cause
}

func (g *Gateway) audit(ctx context.Context, executionID string, command *apis.Command, message string) {
	if err := g.store.AppendAudit(ctx, &apis.AuditRecord{
		ExecutionID: executionID,
		Time:        g.clk.Now(),
		Kind:        apis.AuditKindCommand,
		Actor:       command.RequestedBy,
		Message:     message,
		Fields: map[string]string{
			"commandId": command.ID,
			"kind":      string(command.Kind),
			"reason":    command.Reason,
		},
	}); err != nil {
		g.log.Error(err, "appending audit record", "executionId", executionID)
	}
}
