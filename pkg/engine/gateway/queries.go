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

package gateway

import (
	"context"
	"fmt"

	drstypes "github.com/aws/aws-sdk-go-v2/service/drs/types"
	"github.com/samber/lo"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/errors"
	"github.com/awslabs/drs-orchestrator/pkg/providers/instance"
	"github.com/awslabs/drs-orchestrator/pkg/store"
)

// ExecutionDetail is the full read model for one execution: the execution
// row, its waves, every server launch, and the EC2 state of launched
// instances keyed by instance id.
type ExecutionDetail struct {
	Execution *apis.Execution          `json:"execution"`
	Waves     []*apis.WaveExecution    `json:"waves"`
	Launches  []*apis.ServerLaunch     `json:"launches"`
	Instances map[string]instance.Info `json:"instances,omitempty"`
}

func (g *Gateway) GetExecution(ctx context.Context, executionID string) (*ExecutionDetail, error) {
	execution, err := g.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.New(errors.CodeExecutionNotFound, "execution %s does not exist", executionID)
		}
		return nil, fmt.Errorf("loading execution, %w", err)
	}
	waves, err := g.store.ListWaves(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("listing waves, %w", err)
	}
	launches, err := g.store.ListAllServerLaunches(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("listing server launches, %w", err)
	}
	return &ExecutionDetail{
		Execution: execution,
		Waves:     waves,
		Launches:  launches,
		Instances: g.describeInstances(ctx, execution),
	}, nil
}

// describeInstances enriches launched servers with their EC2 state. Best
// effort: a failed describe leaves the detail without enrichment.
func (g *Gateway) describeInstances(ctx context.Context, execution *apis.Execution) map[string]instance.Info {
	byAccount, err := g.launchedByAccount(ctx, execution)
	if err != nil {
		g.log.V(1).Info("resolving launched instances", "executionId", execution.ID, "error", err)
		return nil
	}
	infos := map[string]instance.Info{}
	for _, batch := range byAccount {
		ids := lo.FilterMap(batch.launches, func(l *apis.ServerLaunch, _ int) (string, bool) {
			return l.EC2InstanceID, l.EC2InstanceID != ""
		})
		described, err := g.instances.Describe(ctx, batch.account, ids)
		if err != nil {
			g.log.V(1).Info("describing instances", "accountId", batch.account.AccountID, "error", err)
			continue
		}
		for id, info := range described {
			infos[id] = info
		}
	}
	if len(infos) == 0 {
		return nil
	}
	return infos
}

func (g *Gateway) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*apis.Execution, error) {
	return g.store.ListExecutions(ctx, filter)
}

func (g *Gateway) GetAuditTrail(ctx context.Context, executionID string) ([]*apis.AuditRecord, error) {
	return g.store.ListAudit(ctx, executionID)
}

// GetJobLogs fetches the DRS job log for one of the execution's recovery
// jobs, resolving the target account through the launch's wave.
func (g *Gateway) GetJobLogs(ctx context.Context, executionID, jobID string) ([]drstypes.JobLog, error) {
	launches, err := g.store.ListAllServerLaunches(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("listing server launches, %w", err)
	}
	var launch *apis.ServerLaunch
	for _, l := range launches {
		if l.JobID == jobID {
			launch = l
			break
		}
	}
	if launch == nil {
		return nil, errors.New(errors.CodeInvalidRequest, "job %s does not belong to execution %s", jobID, executionID)
	}
	execution, err := g.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("loading execution, %w", err)
	}
	plan, err := g.catalog.GetRecoveryPlan(ctx, execution.PlanID)
	if err != nil {
		return nil, fmt.Errorf("loading recovery plan %s, %w", execution.PlanID, err)
	}
	spec := plan.Wave(launch.WaveNumber)
	if spec == nil {
		return nil, errors.New(errors.CodeInternalError, "wave %d missing from plan %s", launch.WaveNumber, plan.ID)
	}
	group, err := g.catalog.GetProtectionGroup(ctx, spec.GroupID)
	if err != nil {
		return nil, fmt.Errorf("loading protection group %s, %w", spec.GroupID, err)
	}
	account, err := g.catalog.GetTargetAccount(ctx, group.TargetAccountID)
	if err != nil {
		return nil, fmt.Errorf("loading target account %s, %w", group.TargetAccountID, err)
	}
	return g.drs.JobLogItems(ctx, *account, jobID)
}
