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

// Package drs is the orchestrator's surface onto Elastic Disaster Recovery.
// Every call runs under brokered target-account credentials, behind a
// per-(account, region) rate limiter, with bounded retries on throttling.
package drs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/drs"
	drstypes "github.com/aws/aws-sdk-go-v2/service/drs/types"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/aws/sdk"
	"github.com/awslabs/drs-orchestrator/pkg/batcher"
	"github.com/awslabs/drs-orchestrator/pkg/errors"
	"github.com/awslabs/drs-orchestrator/pkg/metrics"
	"github.com/awslabs/drs-orchestrator/pkg/providers/credentials"
)

// ExecutionTagKey marks recovery jobs and instances with the execution that
// launched them.
const ExecutionTagKey = "ExecutionId"

// Provider is the narrow DRS interface the engine consumes.
type Provider interface {
	// ResolveServers returns the source server ids for a protection group,
	// resolving tag selectors against DRS.
	ResolveServers(ctx context.Context, account apis.TargetAccount, group *apis.ProtectionGroup) ([]string, error)
	StartRecovery(ctx context.Context, account apis.TargetAccount, sourceServerID string, isDrill bool, tags map[string]string) (*drstypes.Job, error)
	// DescribeJob coalesces concurrent lookups in the same (account, region)
	// into shared DescribeJobs calls. A nil job with nil error means DRS has
	// not made the job visible yet.
	DescribeJob(ctx context.Context, account apis.TargetAccount, jobID string) (*drstypes.Job, error)
	DescribeJobs(ctx context.Context, account apis.TargetAccount, jobIDs []string) ([]drstypes.Job, error)
	DescribeRecoveryInstances(ctx context.Context, account apis.TargetAccount, recoveryInstanceIDs []string) ([]drstypes.RecoveryInstance, error)
	TerminateRecoveryInstances(ctx context.Context, account apis.TargetAccount, recoveryInstanceIDs []string) (*drstypes.Job, error)
	JobLogItems(ctx context.Context, account apis.TargetAccount, jobID string) ([]drstypes.JobLog, error)
	// ActiveJobCount reports the account's non-terminal recovery jobs, used
	// for the concurrent-jobs quota probe.
	ActiveJobCount(ctx context.Context, account apis.TargetAccount) (int, error)
}

// ClientFactory builds a DRS client for the target account. The operator
// closes over the base SDK config; tests return fakes.
type ClientFactory func(account apis.TargetAccount, creds aws.CredentialsProvider) sdk.DRSAPI

type DefaultProvider struct {
	credentials   credentials.Provider
	clientFactory ClientFactory
	clients       *cache.Cache
	qps           rate.Limit
	burst         int
	limiters      sync.Map // accountID/region -> *rate.Limiter
	jobsBatcher   *batcher.DescribeJobsBatcher
}

func NewDefaultProvider(ctx context.Context, credentialsProvider credentials.Provider, clientFactory ClientFactory, qps float64, burst int) *DefaultProvider {
	p := &DefaultProvider{
		credentials:   credentialsProvider,
		clientFactory: clientFactory,
		clients:       cache.New(time.Hour, 10*time.Minute),
		qps:           rate.Limit(qps),
		burst:         burst,
	}
	p.jobsBatcher = batcher.NewDescribeJobsBatcher(ctx, p.DescribeJobs)
	return p
}

func accountKey(account apis.TargetAccount) string {
	return fmt.Sprintf("%s/%s", account.AccountID, account.Region)
}

func (p *DefaultProvider) client(ctx context.Context, account apis.TargetAccount) (sdk.DRSAPI, error) {
	if cached, ok := p.clients.Get(accountKey(account)); ok {
		return cached.(sdk.DRSAPI), nil
	}
	creds, err := p.credentials.Get(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("brokering credentials for %s, %w", account.AccountID, err)
	}
	client := p.clientFactory(account, creds)
	p.clients.SetDefault(accountKey(account), client)
	return client, nil
}

func (p *DefaultProvider) limiter(account apis.TargetAccount) *rate.Limiter {
	limiter, _ := p.limiters.LoadOrStore(accountKey(account), rate.NewLimiter(p.qps, p.burst))
	return limiter.(*rate.Limiter)
}

// call wraps every DRS operation: rate limit, bounded throttling retries,
// credential invalidation on auth errors, and request metrics.
func (p *DefaultProvider) call(ctx context.Context, account apis.TargetAccount, operation string, fn func(api sdk.DRSAPI) error) error {
	api, err := p.client(ctx, account)
	if err != nil {
		return err
	}
	err = retry.Do(func() error {
		if err := p.limiter(account).Wait(ctx); err != nil {
			return retry.Unrecoverable(err)
		}
		if err := fn(api); err != nil {
			if errors.IsTransient(err) {
				return err
			}
			return retry.Unrecoverable(err)
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(4),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		metrics.DRSAPIRequests.WithLabelValues(operation, string(errors.CodeOf(err))).Inc()
		if errors.IsAuthError(err) {
			// Drop the cached client with its credentials so the next call
			// re-assumes the role.
			p.credentials.Invalidate(account)
			p.clients.Delete(accountKey(account))
		}
		return err
	}
	metrics.DRSAPIRequests.WithLabelValues(operation, "success").Inc()
	return nil
}

func (p *DefaultProvider) ResolveServers(ctx context.Context, account apis.TargetAccount, group *apis.ProtectionGroup) ([]string, error) {
	if len(group.ServerIDs) > 0 {
		servers, err := p.describeSourceServers(ctx, account, group.ServerIDs)
		if err != nil {
			return nil, err
		}
		known := lo.SliceToMap(servers, func(s drstypes.SourceServer) (string, struct{}) {
			return aws.ToString(s.SourceServerID), struct{}{}
		})
		missing := lo.Filter(group.ServerIDs, func(id string, _ int) bool {
			_, ok := known[id]
			return !ok
		})
		if len(missing) > 0 {
			return nil, errors.New(errors.CodeInvalidServerIDs, "source servers %v are not known to DRS in account %s", missing, account.AccountID)
		}
		return group.ServerIDs, nil
	}
	// DRS has no server-side tag filter; list and match locally.
	servers, err := p.describeSourceServers(ctx, account, nil)
	if err != nil {
		return nil, err
	}
	matched := lo.FilterMap(servers, func(s drstypes.SourceServer, _ int) (string, bool) {
		for k, v := range group.TagSelector {
			if s.Tags[k] != v {
				return "", false
			}
		}
		return aws.ToString(s.SourceServerID), true
	})
	if len(matched) == 0 {
		return nil, errors.New(errors.CodeNoMatchingServers, "tag selector %v matches no source servers in account %s", group.TagSelector, account.AccountID)
	}
	return matched, nil
}

func (p *DefaultProvider) describeSourceServers(ctx context.Context, account apis.TargetAccount, ids []string) ([]drstypes.SourceServer, error) {
	var servers []drstypes.SourceServer
	input := &drs.DescribeSourceServersInput{MaxResults: aws.Int32(200)}
	if len(ids) > 0 {
		input.Filters = &drstypes.DescribeSourceServersRequestFilters{SourceServerIDs: ids}
	}
	for {
		var out *drs.DescribeSourceServersOutput
		err := p.call(ctx, account, "DescribeSourceServers", func(api sdk.DRSAPI) error {
			var err error
			out, err = api.DescribeSourceServers(ctx, input)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("describing source servers, %w", err)
		}
		servers = append(servers, out.Items...)
		if out.NextToken == nil {
			return servers, nil
		}
		input.NextToken = out.NextToken
	}
}

func (p *DefaultProvider) StartRecovery(ctx context.Context, account apis.TargetAccount, sourceServerID string, isDrill bool, tags map[string]string) (*drstypes.Job, error) {
	var out *drs.StartRecoveryOutput
	err := p.call(ctx, account, "StartRecovery", func(api sdk.DRSAPI) error {
		var err error
		out, err = api.StartRecovery(ctx, &drs.StartRecoveryInput{
			IsDrill: aws.Bool(isDrill),
			// Latest snapshot when RecoverySnapshotID is unset.
			SourceServers: []drstypes.StartRecoveryRequestSourceServer{{SourceServerID: aws.String(sourceServerID)}},
			Tags:          tags,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("starting recovery for %s, %w", sourceServerID, err)
	}
	return out.Job, nil
}

func (p *DefaultProvider) DescribeJob(ctx context.Context, account apis.TargetAccount, jobID string) (*drstypes.Job, error) {
	return p.jobsBatcher.DescribeJob(ctx, account, jobID)
}

func (p *DefaultProvider) DescribeJobs(ctx context.Context, account apis.TargetAccount, jobIDs []string) ([]drstypes.Job, error) {
	var jobs []drstypes.Job
	// DescribeJobs accepts a bounded id list per call.
	for _, chunk := range lo.Chunk(jobIDs, 50) {
		var out *drs.DescribeJobsOutput
		err := p.call(ctx, account, "DescribeJobs", func(api sdk.DRSAPI) error {
			var err error
			out, err = api.DescribeJobs(ctx, &drs.DescribeJobsInput{
				Filters: &drstypes.DescribeJobsRequestFilters{JobIDs: chunk},
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, out.Items...)
	}
	return jobs, nil
}

func (p *DefaultProvider) DescribeRecoveryInstances(ctx context.Context, account apis.TargetAccount, recoveryInstanceIDs []string) ([]drstypes.RecoveryInstance, error) {
	var out *drs.DescribeRecoveryInstancesOutput
	err := p.call(ctx, account, "DescribeRecoveryInstances", func(api sdk.DRSAPI) error {
		var err error
		out, err = api.DescribeRecoveryInstances(ctx, &drs.DescribeRecoveryInstancesInput{
			Filters: &drstypes.DescribeRecoveryInstancesRequestFilters{RecoveryInstanceIDs: recoveryInstanceIDs},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("describing recovery instances, %w", err)
	}
	return out.Items, nil
}

func (p *DefaultProvider) TerminateRecoveryInstances(ctx context.Context, account apis.TargetAccount, recoveryInstanceIDs []string) (*drstypes.Job, error) {
	var out *drs.TerminateRecoveryInstancesOutput
	err := p.call(ctx, account, "TerminateRecoveryInstances", func(api sdk.DRSAPI) error {
		var err error
		out, err = api.TerminateRecoveryInstances(ctx, &drs.TerminateRecoveryInstancesInput{
			RecoveryInstanceIDs: recoveryInstanceIDs,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("terminating %d recovery instances, %w", len(recoveryInstanceIDs), err)
	}
	return out.Job, nil
}

func (p *DefaultProvider) JobLogItems(ctx context.Context, account apis.TargetAccount, jobID string) ([]drstypes.JobLog, error) {
	var items []drstypes.JobLog
	input := &drs.DescribeJobLogItemsInput{JobID: aws.String(jobID)}
	for {
		var out *drs.DescribeJobLogItemsOutput
		err := p.call(ctx, account, "DescribeJobLogItems", func(api sdk.DRSAPI) error {
			var err error
			out, err = api.DescribeJobLogItems(ctx, input)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("describing job log items for %s, %w", jobID, err)
		}
		items = append(items, out.Items...)
		if out.NextToken == nil {
			return items, nil
		}
		input.NextToken = out.NextToken
	}
}

func (p *DefaultProvider) ActiveJobCount(ctx context.Context, account apis.TargetAccount) (int, error) {
	var count int
	input := &drs.DescribeJobsInput{MaxResults: aws.Int32(200)}
	for {
		var out *drs.DescribeJobsOutput
		err := p.call(ctx, account, "DescribeJobs", func(api sdk.DRSAPI) error {
			var err error
			out, err = api.DescribeJobs(ctx, input)
			return err
		})
		if err != nil {
			return 0, err
		}
		count += lo.CountBy(out.Items, func(job drstypes.Job) bool {
			return job.Status == drstypes.JobStatusPending || job.Status == drstypes.JobStatusStarted
		})
		if out.NextToken == nil {
			return count, nil
		}
		input.NextToken = out.NextToken
	}
}
