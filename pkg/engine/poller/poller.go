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

// Package poller drives DRS jobs to terminal outcomes. Each tracked job polls
// on its own geometric backoff schedule; concurrent lookups in the same
// (account, region) are coalesced into shared DescribeJobs calls by the DRS
// provider. Cancellation never interrupts a launched job: DRS completes jobs
// regardless, so the poller drains them.
package poller

import (
	"context"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	drstypes "github.com/aws/aws-sdk-go-v2/service/drs/types"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/errors"
	"github.com/awslabs/drs-orchestrator/pkg/metrics"
	"github.com/awslabs/drs-orchestrator/pkg/providers/credentials"
	"github.com/awslabs/drs-orchestrator/pkg/providers/drs"
	"github.com/awslabs/drs-orchestrator/pkg/store"
)

type Config struct {
	// InitialInterval is the delay between launch and the first poll.
	InitialInterval time.Duration
	// BackoffFactor grows the delay geometrically up to MaxInterval.
	BackoffFactor float64
	MaxInterval   time.Duration
	// Jitter widens each delay by a uniform ± fraction.
	Jitter float64
	// MaxLifetime bounds how long a single job is polled before the launch
	// is failed with POLL_TIMEOUT.
	MaxLifetime time.Duration
	// AuthFailureThreshold is the consecutive auth-error count that forces a
	// credential refresh; at twice the threshold the launch fails.
	AuthFailureThreshold int
}

func DefaultConfig() Config {
	return Config{
		InitialInterval:      10 * time.Second,
		BackoffFactor:        1.5,
		MaxInterval:          60 * time.Second,
		Jitter:               0.2,
		MaxLifetime:          2 * time.Hour,
		AuthFailureThreshold: 3,
	}
}

// Job registers one launched DRS job for polling. OnTerminal fires exactly
// once with the launch's final state.
type Job struct {
	Account    apis.TargetAccount
	JobID      string
	Launch     apis.ServerLaunch
	OnTerminal func(launch apis.ServerLaunch)
}

type Poller struct {
	drs         drs.Provider
	credentials credentials.Provider
	store       store.Store
	clk         clock.Clock
	config      Config
	log         logr.Logger
}

func NewPoller(drsProvider drs.Provider, credentialsProvider credentials.Provider, stateStore store.Store, clk clock.Clock, config Config, log logr.Logger) *Poller {
	return &Poller{
		drs:         drsProvider,
		credentials: credentialsProvider,
		store:       stateStore,
		clk:         clk,
		config:      config,
		log:         log.WithName("poller"),
	}
}

// Track starts polling the job in its own goroutine. The context governs
// process shutdown only; a shut-down poller's jobs are rehydrated on restart.
func (p *Poller) Track(ctx context.Context, job Job) {
	go p.poll(ctx, job)
}

func (p *Poller) poll(ctx context.Context, job Job) {
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	log := p.log.WithValues("executionId", job.Launch.ExecutionID, "jobId", job.JobID, "sourceServerId", job.Launch.SourceServerID)
	launch := job.Launch
	deadline := p.clk.Now().Add(p.config.MaxLifetime)
	authStreak := 0
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-p.clk.After(p.delay(attempt)):
		}
		metrics.PollTicks.Inc()
		if p.clk.Now().After(deadline) {
			launch.Status = apis.LaunchStatusFailed
			launch.ErrorCode = string(errors.CodePollTimeout)
			launch.ErrorMessage = "job did not reach a terminal state within the poll lifetime"
			p.finish(ctx, job, launch)
			return
		}

		drsJob, err := p.drs.DescribeJob(ctx, job.Account, job.JobID)
		now := p.clk.Now()
		launch.LastPolledAt = &now
		if err != nil {
			if errors.IsAuthError(err) {
				authStreak++
				log.Error(err, "auth failure polling job", "streak", authStreak)
				if authStreak == p.config.AuthFailureThreshold {
					p.credentials.Invalidate(job.Account)
				}
				if authStreak >= 2*p.config.AuthFailureThreshold {
					launch.Status = apis.LaunchStatusFailed
					launch.ErrorCode = string(errors.CodeAuthFailed)
					launch.ErrorMessage = err.Error()
					p.finish(ctx, job, launch)
					return
				}
			} else {
				// Transient: retain the job and retry on the next tick.
				authStreak = 0
				log.V(1).Info("transient error polling job", "error", err)
			}
			continue
		}
		authStreak = 0
		if drsJob == nil {
			// Job not visible yet; eventual consistency on the DRS side.
			p.persist(ctx, launch)
			continue
		}

		switch drsJob.Status {
		case drstypes.JobStatusPending, drstypes.JobStatusStarted:
			p.persist(ctx, launch)
		case drstypes.JobStatusCompleted:
			p.resolveOutcome(ctx, job, launch, drsJob)
			return
		default:
			launch.Status = apis.LaunchStatusFailed
			launch.ErrorCode = string(errors.CodeLaunchFailed)
			launch.ErrorMessage = "recovery job failed"
			p.finish(ctx, job, launch)
			return
		}
	}
}

func (p *Poller) resolveOutcome(ctx context.Context, job Job, launch apis.ServerLaunch, drsJob *drstypes.Job) {
	var participant *drstypes.ParticipatingServer
	for i := range drsJob.ParticipatingServers {
		if aws.ToString(drsJob.ParticipatingServers[i].SourceServerID) == launch.SourceServerID {
			participant = &drsJob.ParticipatingServers[i]
			break
		}
	}
	switch {
	case participant == nil:
		launch.Status = apis.LaunchStatusFailed
		launch.ErrorCode = string(errors.CodeLaunchFailed)
		launch.ErrorMessage = "source server missing from completed job"
	case participant.LaunchStatus == drstypes.LaunchStatusLaunched:
		launch.Status = apis.LaunchStatusLaunched
		launch.RecoveryInstanceID = aws.ToString(participant.RecoveryInstanceID)
		p.enrichInstance(ctx, job, &launch)
	default:
		launch.Status = apis.LaunchStatusFailed
		launch.ErrorCode = string(errors.CodeLaunchFailed)
		launch.ErrorMessage = "server launch status " + string(participant.LaunchStatus)
	}
	p.finish(ctx, job, launch)
}

// enrichInstance resolves the EC2 instance behind the recovery instance.
// Best effort: the launch is LAUNCHED either way.
func (p *Poller) enrichInstance(ctx context.Context, job Job, launch *apis.ServerLaunch) {
	if launch.RecoveryInstanceID == "" {
		return
	}
	instances, err := p.drs.DescribeRecoveryInstances(ctx, job.Account, []string{launch.RecoveryInstanceID})
	if err != nil {
		p.log.V(1).Info("describing recovery instance", "recoveryInstanceId", launch.RecoveryInstanceID, "error", err)
		return
	}
	for _, instance := range instances {
		if aws.ToString(instance.RecoveryInstanceID) == launch.RecoveryInstanceID {
			launch.EC2InstanceID = aws.ToString(instance.Ec2InstanceID)
			return
		}
	}
}

func (p *Poller) persist(ctx context.Context, launch apis.ServerLaunch) {
	if err := p.store.UpdateServerLaunch(ctx, &launch); err != nil {
		p.log.Error(err, "persisting poll progress", "sourceServerId", launch.SourceServerID)
	}
}

func (p *Poller) finish(ctx context.Context, job Job, launch apis.ServerLaunch) {
	p.persist(ctx, launch)
	metrics.ServerLaunchesTotal.WithLabelValues(string(launch.Status)).Inc()
	_ = p.store.AppendAudit(ctx, &apis.AuditRecord{
		ExecutionID: launch.ExecutionID,
		Time:        p.clk.Now(),
		Kind:        apis.AuditKindAWSCall,
		Message:     "recovery job reached terminal state",
		Fields: map[string]string{
			"jobId":          job.JobID,
			"sourceServerId": launch.SourceServerID,
			"status":         string(launch.Status),
			"errorCode":      launch.ErrorCode,
		},
	})
	if job.OnTerminal != nil {
		job.OnTerminal(launch)
	}
}

// delay computes the backoff before the given attempt: geometric from
// InitialInterval by BackoffFactor, capped at MaxInterval, with ±Jitter
// applied after the cap.
func (p *Poller) delay(attempt int) time.Duration {
	base := float64(p.config.InitialInterval)
	for i := 0; i < attempt; i++ {
		base *= p.config.BackoffFactor
		if base >= float64(p.config.MaxInterval) {
			base = float64(p.config.MaxInterval)
			break
		}
	}
	jittered := base * (1 + p.config.Jitter*(2*rand.Float64()-1))
	return time.Duration(jittered)
}
