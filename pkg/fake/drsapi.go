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

package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/drs"
	drstypes "github.com/aws/aws-sdk-go-v2/service/drs/types"
	"github.com/samber/lo"

	"github.com/awslabs/drs-orchestrator/pkg/aws/sdk"
)

// LaunchOutcome scripts how the fake resolves a source server's launch.
type LaunchOutcome struct {
	Status       drstypes.LaunchStatus
	ErrorMessage string
}

type simulatedJob struct {
	job   drstypes.Job
	polls int64
}

// DRSBehavior must be reset between tests otherwise tests will pollute each
// other.
type DRSBehavior struct {
	StartRecoveryBehavior              MockedFunction[drs.StartRecoveryInput, drs.StartRecoveryOutput]
	DescribeJobsBehavior               MockedFunction[drs.DescribeJobsInput, drs.DescribeJobsOutput]
	DescribeSourceServersBehavior      MockedFunction[drs.DescribeSourceServersInput, drs.DescribeSourceServersOutput]
	DescribeRecoveryInstancesBehavior  MockedFunction[drs.DescribeRecoveryInstancesInput, drs.DescribeRecoveryInstancesOutput]
	TerminateRecoveryInstancesBehavior MockedFunction[drs.TerminateRecoveryInstancesInput, drs.TerminateRecoveryInstancesOutput]
	DescribeJobLogItemsBehavior        MockedFunction[drs.DescribeJobLogItemsInput, drs.DescribeJobLogItemsOutput]

	// SourceServers is the population DescribeSourceServers filters over.
	SourceServers AtomicPtrSlice[drstypes.SourceServer]
	// Outcomes scripts per-server launch results. Servers without an entry
	// launch successfully.
	Outcomes sync.Map // sourceServerID -> LaunchOutcome
	// PollsUntilComplete is how many DescribeJobs observations a job takes to
	// reach COMPLETED. Zero means jobs complete on the first poll.
	PollsUntilComplete int64

	jobs      sync.Map // jobID -> *simulatedJob
	nextJobID atomic.Int64
}

type DRSAPI struct {
	sdk.DRSAPI
	DRSBehavior
}

// Reset must be called between tests otherwise tests will pollute each other.
func (d *DRSAPI) Reset() {
	d.StartRecoveryBehavior.Reset()
	d.DescribeJobsBehavior.Reset()
	d.DescribeSourceServersBehavior.Reset()
	d.DescribeRecoveryInstancesBehavior.Reset()
	d.TerminateRecoveryInstancesBehavior.Reset()
	d.DescribeJobLogItemsBehavior.Reset()
	d.SourceServers.Reset()
	d.Outcomes.Range(func(k, _ any) bool {
		d.Outcomes.Delete(k)
		return true
	})
	d.jobs.Range(func(k, _ any) bool {
		d.jobs.Delete(k)
		return true
	})
	d.PollsUntilComplete = 0
	d.nextJobID.Store(0)
}

func (d *DRSAPI) StartRecovery(_ context.Context, input *drs.StartRecoveryInput, _ ...func(*drs.Options)) (*drs.StartRecoveryOutput, error) {
	return d.StartRecoveryBehavior.Invoke(input, func(input *drs.StartRecoveryInput) (*drs.StartRecoveryOutput, error) {
		jobID := fmt.Sprintf("drsjob-%016d", d.nextJobID.Add(1))
		job := drstypes.Job{
			JobID:  aws.String(jobID),
			Status: drstypes.JobStatusPending,
			Type:   drstypes.JobTypeLaunch,
			Tags:   input.Tags,
			ParticipatingServers: lo.Map(input.SourceServers, func(s drstypes.StartRecoveryRequestSourceServer, _ int) drstypes.ParticipatingServer {
				return drstypes.ParticipatingServer{
					SourceServerID: s.SourceServerID,
					LaunchStatus:   drstypes.LaunchStatusPending,
				}
			}),
		}
		d.jobs.Store(jobID, &simulatedJob{job: job})
		return &drs.StartRecoveryOutput{Job: &job}, nil
	})
}

func (d *DRSAPI) DescribeJobs(_ context.Context, input *drs.DescribeJobsInput, _ ...func(*drs.Options)) (*drs.DescribeJobsOutput, error) {
	return d.DescribeJobsBehavior.Invoke(input, func(input *drs.DescribeJobsInput) (*drs.DescribeJobsOutput, error) {
		var ids []string
		if input.Filters != nil {
			ids = input.Filters.JobIDs
		}
		out := &drs.DescribeJobsOutput{}
		for _, id := range ids {
			if v, ok := d.jobs.Load(id); ok {
				sim := v.(*simulatedJob)
				out.Items = append(out.Items, d.observe(sim))
			}
		}
		return out, nil
	})
}

// observe advances a simulated job one poll: PENDING, then STARTED until the
// scripted poll count is reached, then COMPLETED with per-server outcomes.
func (d *DRSAPI) observe(sim *simulatedJob) drstypes.Job {
	polls := atomic.AddInt64(&sim.polls, 1)
	job := sim.job
	if polls <= d.PollsUntilComplete {
		job.Status = drstypes.JobStatusStarted
		job.ParticipatingServers = lo.Map(job.ParticipatingServers, func(p drstypes.ParticipatingServer, _ int) drstypes.ParticipatingServer {
			p.LaunchStatus = drstypes.LaunchStatusInProgress
			return p
		})
		return job
	}
	job.Status = drstypes.JobStatusCompleted
	job.ParticipatingServers = lo.Map(job.ParticipatingServers, func(p drstypes.ParticipatingServer, _ int) drstypes.ParticipatingServer {
		outcome := LaunchOutcome{Status: drstypes.LaunchStatusLaunched}
		if v, ok := d.Outcomes.Load(aws.ToString(p.SourceServerID)); ok {
			outcome = v.(LaunchOutcome)
		}
		p.LaunchStatus = outcome.Status
		if outcome.Status == drstypes.LaunchStatusLaunched {
			p.RecoveryInstanceID = aws.String("ri-" + aws.ToString(p.SourceServerID))
		}
		return p
	})
	return job
}

func (d *DRSAPI) DescribeSourceServers(_ context.Context, input *drs.DescribeSourceServersInput, _ ...func(*drs.Options)) (*drs.DescribeSourceServersOutput, error) {
	return d.DescribeSourceServersBehavior.Invoke(input, func(input *drs.DescribeSourceServersInput) (*drs.DescribeSourceServersOutput, error) {
		out := &drs.DescribeSourceServersOutput{}
		d.SourceServers.ForEach(func(server *drstypes.SourceServer) {
			if input.Filters != nil && len(input.Filters.SourceServerIDs) > 0 &&
				!lo.Contains(input.Filters.SourceServerIDs, aws.ToString(server.SourceServerID)) {
				return
			}
			out.Items = append(out.Items, *server)
		})
		return out, nil
	})
}

func (d *DRSAPI) DescribeRecoveryInstances(_ context.Context, input *drs.DescribeRecoveryInstancesInput, _ ...func(*drs.Options)) (*drs.DescribeRecoveryInstancesOutput, error) {
	return d.DescribeRecoveryInstancesBehavior.Invoke(input, func(input *drs.DescribeRecoveryInstancesInput) (*drs.DescribeRecoveryInstancesOutput, error) {
		out := &drs.DescribeRecoveryInstancesOutput{}
		if input.Filters == nil {
			return out, nil
		}
		for _, id := range input.Filters.RecoveryInstanceIDs {
			out.Items = append(out.Items, drstypes.RecoveryInstance{
				RecoveryInstanceID: aws.String(id),
				SourceServerID:     aws.String(sourceServerFromRecoveryInstance(id)),
				Ec2InstanceID:      aws.String("i-" + id),
				Ec2InstanceState:   drstypes.EC2InstanceStateRunning,
			})
		}
		return out, nil
	})
}

// The fake mints recovery instance ids as "ri-<sourceServerID>".
func sourceServerFromRecoveryInstance(recoveryInstanceID string) string {
	if len(recoveryInstanceID) > 3 && recoveryInstanceID[:3] == "ri-" {
		return recoveryInstanceID[3:]
	}
	return recoveryInstanceID
}

func (d *DRSAPI) TerminateRecoveryInstances(_ context.Context, input *drs.TerminateRecoveryInstancesInput, _ ...func(*drs.Options)) (*drs.TerminateRecoveryInstancesOutput, error) {
	return d.TerminateRecoveryInstancesBehavior.Invoke(input, func(input *drs.TerminateRecoveryInstancesInput) (*drs.TerminateRecoveryInstancesOutput, error) {
		jobID := fmt.Sprintf("drsjob-terminate-%016d", d.nextJobID.Add(1))
		job := drstypes.Job{
			JobID:  aws.String(jobID),
			Status: drstypes.JobStatusCompleted,
			Type:   drstypes.JobTypeTerminate,
		}
		d.jobs.Store(jobID, &simulatedJob{job: job})
		return &drs.TerminateRecoveryInstancesOutput{Job: &job}, nil
	})
}

func (d *DRSAPI) DescribeJobLogItems(_ context.Context, input *drs.DescribeJobLogItemsInput, _ ...func(*drs.Options)) (*drs.DescribeJobLogItemsOutput, error) {
	return d.DescribeJobLogItemsBehavior.Invoke(input, func(input *drs.DescribeJobLogItemsInput) (*drs.DescribeJobLogItemsOutput, error) {
		return &drs.DescribeJobLogItemsOutput{
			Items: []drstypes.JobLog{{
				Event: drstypes.JobLogEventJobStart,
				EventData: &drstypes.JobLogEventData{
					SourceServerID: aws.String("s-fake"),
				},
			}},
		}, nil
	})
}
