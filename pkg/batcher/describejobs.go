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

package batcher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	drstypes "github.com/aws/aws-sdk-go-v2/service/drs/types"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
)

// JobQuery asks for the current state of one DRS job. Queries for the same
// (account, region) issued within the idle window share a DescribeJobs call.
type JobQuery struct {
	Account apis.TargetAccount
	JobID   string
}

// DescribeJobsFunc fetches the given jobs under the account's credentials.
type DescribeJobsFunc func(ctx context.Context, account apis.TargetAccount, jobIDs []string) ([]drstypes.Job, error)

type DescribeJobsBatcher struct {
	batcher *Batcher[JobQuery, drstypes.Job]
}

func NewDescribeJobsBatcher(ctx context.Context, describeJobs DescribeJobsFunc) *DescribeJobsBatcher {
	options := Options[JobQuery, drstypes.Job]{
		IdleTimeout:   100 * time.Millisecond,
		MaxTimeout:    1 * time.Second,
		MaxItems:      100,
		RequestHasher: AccountRegionHasher,
		BatchExecutor: execDescribeJobsBatch(describeJobs),
	}
	return &DescribeJobsBatcher{batcher: NewBatcher(ctx, options)}
}

// DescribeJob returns the job's current state, or nil with no error when DRS
// has not made the job visible yet; callers retry on the next tick.
func (b *DescribeJobsBatcher) DescribeJob(ctx context.Context, account apis.TargetAccount, jobID string) (*drstypes.Job, error) {
	result := b.batcher.Add(ctx, &JobQuery{Account: account, JobID: jobID})
	return result.Output, result.Err
}

func AccountRegionHasher(_ context.Context, query *JobQuery) uint64 {
	hash, err := hashstructure.Hash([]string{query.Account.AccountID, query.Account.Region}, hashstructure.FormatV2, nil)
	if err != nil {
		log.Printf("error hashing job query, %s", err)
	}
	return hash
}

func execDescribeJobsBatch(describeJobs DescribeJobsFunc) func(ctx context.Context, inputs []*JobQuery) []Result[drstypes.Job] {
	return func(ctx context.Context, inputs []*JobQuery) []Result[drstypes.Job] {
		results := make([]Result[drstypes.Job], len(inputs))
		jobIDs := lo.Uniq(lo.Map(inputs, func(q *JobQuery, _ int) string { return q.JobID }))
		jobs, err := describeJobs(ctx, inputs[0].Account, jobIDs)
		if err != nil {
			err = fmt.Errorf("describing %d jobs, %w", len(jobIDs), err)
			for i := range results {
				results[i] = Result[drstypes.Job]{Err: err}
			}
			return results
		}
		byID := lo.SliceToMap(jobs, func(job drstypes.Job) (string, drstypes.Job) { return aws.ToString(job.JobID), job })
		for i, q := range inputs {
			if job, ok := byID[q.JobID]; ok {
				job := job
				results[i] = Result[drstypes.Job]{Output: &job}
			}
		}
		return results
	}
}
