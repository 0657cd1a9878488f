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

// Package waverunner executes a single wave: resolve the protection group's
// servers, fan out one StartRecovery per server, and wait for every launch to
// reach a terminal status. A server that fails to launch never blocks the
// rest of its wave.
package waverunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/engine/poller"
	"github.com/awslabs/drs-orchestrator/pkg/errors"
	"github.com/awslabs/drs-orchestrator/pkg/metrics"
	"github.com/awslabs/drs-orchestrator/pkg/providers/drs"
	"github.com/awslabs/drs-orchestrator/pkg/store"
)

type Config struct {
	// LaunchParallelism bounds concurrent StartRecovery calls within a wave.
	LaunchParallelism int
	// ConcurrentJobsLimit is the account-level DRS quota on in-flight recovery
	// jobs; the runner probes remaining headroom before launching.
	ConcurrentJobsLimit int
	// QuotaRetryInterval and QuotaRetryAttempts bound how long a wave waits
	// for quota headroom before failing.
	QuotaRetryInterval time.Duration
	QuotaRetryAttempts int
}

func DefaultConfig() Config {
	return Config{
		LaunchParallelism:   10,
		ConcurrentJobsLimit: 20,
		QuotaRetryInterval:  30 * time.Second,
		QuotaRetryAttempts:  10,
	}
}

type WaveRunner struct {
	store   store.Store
	catalog store.Catalog
	drs     drs.Provider
	poller  *poller.Poller
	clk     clock.Clock
	config  Config
	log     logr.Logger
}

func NewWaveRunner(stateStore store.Store, catalog store.Catalog, drsProvider drs.Provider, jobPoller *poller.Poller, clk clock.Clock, config Config, log logr.Logger) *WaveRunner {
	return &WaveRunner{
		store:   stateStore,
		catalog: catalog,
		drs:     drsProvider,
		poller:  jobPoller,
		clk:     clk,
		config:  config,
		log:     log.WithName("waverunner"),
	}
}

// Run drives the wave to a terminal status and returns its final row. It is
// restart-safe: launches that already carry a job id are re-tracked rather
// than re-launched, and terminal launches are left untouched. A non-nil error
// is returned only for shutdown or store failures; wave-level failures are
// expressed in the returned status.
func (r *WaveRunner) Run(ctx context.Context, execution *apis.Execution, spec apis.WaveSpec) (*apis.WaveExecution, error) {
	log := r.log.WithValues("executionId", execution.ID, "waveNumber", spec.WaveNumber, "groupId", spec.GroupID)

	group, err := r.catalog.GetProtectionGroup(ctx, spec.GroupID)
	if err != nil {
		return nil, fmt.Errorf("loading protection group %s, %w", spec.GroupID, err)
	}
	account, err := r.catalog.GetTargetAccount(ctx, group.TargetAccountID)
	if err != nil {
		return nil, fmt.Errorf("loading target account %s, %w", group.TargetAccountID, err)
	}

	wave, err := r.loadOrCreateWave(ctx, execution, spec)
	if err != nil {
		return nil, err
	}
	if wave.Status.IsTerminal() {
		return wave, nil
	}
	// A wave that has not issued any launches yet is abandoned outright when
	// the execution is being cancelled. Waves past this point re-check before
	// every StartRecovery and let in-flight jobs drain.
	if wave.Status == apis.WaveStatusPending && r.cancellationRequested(ctx, execution.ID) {
		return r.skipCancelled(ctx, wave)
	}

	launches, err := r.loadOrCreateLaunches(ctx, execution, wave, *account, group)
	if err != nil {
		return r.fail(ctx, wave, err)
	}

	if err := r.awaitQuota(ctx, execution.ID, *account, launches); err != nil {
		return r.fail(ctx, wave, err)
	}

	now := r.clk.Now()
	wave.Status = apis.WaveStatusLaunching
	if wave.StartTime == nil {
		wave.StartTime = &now
	}
	wave.ServerCount = len(launches)
	if err := r.store.UpdateWave(ctx, wave); err != nil {
		return nil, fmt.Errorf("updating wave, %w", err)
	}
	log.Info("launching wave", "servers", len(launches))

	finals, err := r.launchAndTrack(ctx, execution, wave, *account, launches)
	if err != nil {
		return nil, err
	}
	return r.conclude(ctx, wave, finals)
}

func (r *WaveRunner) loadOrCreateWave(ctx context.Context, execution *apis.Execution, spec apis.WaveSpec) (*apis.WaveExecution, error) {
	wave, err := r.store.GetWave(ctx, execution.ID, spec.WaveNumber)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading wave, %w", err)
	}
	if wave != nil {
		return wave, nil
	}
	wave = &apis.WaveExecution{
		ExecutionID: execution.ID,
		WaveNumber:  spec.WaveNumber,
		GroupID:     spec.GroupID,
		Status:      apis.WaveStatusPending,
	}
	if err := r.store.PutWave(ctx, wave); err != nil {
		return nil, fmt.Errorf("creating wave, %w", err)
	}
	return wave, nil
}

// loadOrCreateLaunches returns the wave's launch rows, resolving the group's
// servers and creating the rows on first entry. Existing rows are reused
// as-is on restart.
func (r *WaveRunner) loadOrCreateLaunches(ctx context.Context, execution *apis.Execution, wave *apis.WaveExecution, account apis.TargetAccount, group *apis.ProtectionGroup) ([]*apis.ServerLaunch, error) {
	launches, err := r.store.ListServerLaunches(ctx, execution.ID, wave.WaveNumber)
	if err != nil {
		return nil, fmt.Errorf("listing server launches, %w", err)
	}
	if len(launches) > 0 {
		return launches, nil
	}
	serverIDs, err := r.drs.ResolveServers(ctx, account, group)
	if err != nil {
		return nil, err
	}
	if len(serverIDs) > apis.MaxWaveSize {
		return nil, errors.New(errors.CodeWaveSizeLimitExceeded, "wave %d resolves to %d servers, limit is %d", wave.WaveNumber, len(serverIDs), apis.MaxWaveSize)
	}
	for _, serverID := range serverIDs {
		launch := &apis.ServerLaunch{
			ExecutionID:    execution.ID,
			WaveNumber:     wave.WaveNumber,
			SourceServerID: serverID,
			Status:         apis.LaunchStatusPending,
		}
		if err := r.store.PutServerLaunch(ctx, launch); err != nil {
			return nil, fmt.Errorf("creating server launch for %s, %w", serverID, err)
		}
		launches = append(launches, launch)
	}
	return launches, nil
}

// awaitQuota probes the account's in-flight job count until the wave's
// pending launches fit under the quota, bounded by the retry budget. A
// cancellation observed while waiting returns early; the fan-out then cancels
// the unsent launches instead of issuing them.
func (r *WaveRunner) awaitQuota(ctx context.Context, executionID string, account apis.TargetAccount, launches []*apis.ServerLaunch) error {
	needed := lo.CountBy(launches, func(l *apis.ServerLaunch) bool {
		return l.JobID == "" && !l.Status.IsTerminal()
	})
	if needed == 0 {
		return nil
	}
	for attempt := 0; ; attempt++ {
		if r.cancellationRequested(ctx, executionID) {
			return nil
		}
		active, err := r.drs.ActiveJobCount(ctx, account)
		if err != nil {
			return err
		}
		if active+needed <= r.config.ConcurrentJobsLimit {
			return nil
		}
		if attempt+1 >= r.config.QuotaRetryAttempts {
			return errors.New(errors.CodeConcurrentJobsLimitExceeded,
				"account %s has %d active recovery jobs, launching %d more exceeds the limit of %d",
				account.AccountID, active, needed, r.config.ConcurrentJobsLimit)
		}
		r.log.Info("waiting for recovery job quota", "accountId", account.AccountID, "active", active, "needed", needed)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clk.After(r.config.QuotaRetryInterval):
		}
	}
}

// launchAndTrack fans out StartRecovery for unlaunched rows, re-tracks rows
// that already have a job, and blocks until every launch is terminal.
func (r *WaveRunner) launchAndTrack(ctx context.Context, execution *apis.Execution, wave *apis.WaveExecution, account apis.TargetAccount, launches []*apis.ServerLaunch) ([]apis.ServerLaunch, error) {
	finals := make([]apis.ServerLaunch, 0, len(launches))
	results := make(chan apis.ServerLaunch, len(launches))
	var pending sync.WaitGroup

	track := func(launch apis.ServerLaunch) {
		pending.Add(1)
		r.poller.Track(ctx, poller.Job{
			Account: account,
			JobID:   launch.JobID,
			Launch:  launch,
			OnTerminal: func(final apis.ServerLaunch) {
				results <- final
				pending.Done()
			},
		})
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.config.LaunchParallelism)
	for _, launch := range launches {
		launch := launch
		if launch.Status.IsTerminal() {
			finals = append(finals, *launch)
			continue
		}
		if launch.JobID != "" {
			track(*launch)
			continue
		}
		group.Go(func() error {
			// Re-read the execution before every launch so a CANCEL written
			// by the gateway stops unsent launches here, mid-fan-out.
			if r.cancellationRequested(groupCtx, execution.ID) {
				launch.Status = apis.LaunchStatusCancelled
				launch.ErrorMessage = "execution cancelled"
				if err := r.store.UpdateServerLaunch(groupCtx, launch); err != nil {
					return fmt.Errorf("cancelling server launch for %s, %w", launch.SourceServerID, err)
				}
				results <- *launch
				return nil
			}
			job, err := r.drs.StartRecovery(groupCtx, account, launch.SourceServerID, execution.Type == apis.ExecutionTypeDrill, map[string]string{
				drs.ExecutionTagKey: execution.ID,
				"PlanId":            execution.PlanID,
			})
			if err != nil {
				launch.Status = apis.LaunchStatusFailed
				launch.ErrorCode = string(errors.CodeOf(err))
				launch.ErrorMessage = err.Error()
				if err := r.store.UpdateServerLaunch(groupCtx, launch); err != nil {
					return fmt.Errorf("recording failed launch for %s, %w", launch.SourceServerID, err)
				}
				metrics.ServerLaunchesTotal.WithLabelValues(string(apis.LaunchStatusFailed)).Inc()
				results <- *launch
				return nil
			}
			launch.JobID = aws.ToString(job.JobID)
			launch.Status = apis.LaunchStatusLaunching
			if err := r.store.UpdateServerLaunch(groupCtx, launch); err != nil {
				return fmt.Errorf("recording launch for %s, %w", launch.SourceServerID, err)
			}
			_ = r.store.AppendAudit(groupCtx, &apis.AuditRecord{
				ExecutionID: execution.ID,
				Time:        r.clk.Now(),
				Kind:        apis.AuditKindAWSCall,
				Message:     "recovery job started",
				Fields: map[string]string{
					"jobId":          launch.JobID,
					"sourceServerId": launch.SourceServerID,
					"waveNumber":     fmt.Sprintf("%d", wave.WaveNumber),
				},
			})
			track(*launch)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	outstanding := len(launches) - len(finals)
	if outstanding > 0 {
		wave.Status = apis.WaveStatusPolling
		if err := r.store.UpdateWave(ctx, wave); err != nil {
			return nil, fmt.Errorf("updating wave, %w", err)
		}
	}
	for i := 0; i < outstanding; i++ {
		select {
		case <-ctx.Done():
			// Shutdown mid-wave; in-flight jobs are rehydrated on restart.
			return nil, ctx.Err()
		case final := <-results:
			finals = append(finals, final)
		}
	}
	pending.Wait()
	return finals, nil
}

// conclude aggregates launch outcomes into the wave's terminal status:
// COMPLETED when every server launched, FAILED when none did, PARTIAL
// otherwise. A wave whose launches were all cancelled before a job was issued
// never ran and is recorded SKIPPED.
func (r *WaveRunner) conclude(ctx context.Context, wave *apis.WaveExecution, finals []apis.ServerLaunch) (*apis.WaveExecution, error) {
	launched := lo.CountBy(finals, func(l apis.ServerLaunch) bool { return l.Status == apis.LaunchStatusLaunched })
	cancelled := lo.CountBy(finals, func(l apis.ServerLaunch) bool { return l.Status == apis.LaunchStatusCancelled })
	switch {
	case launched == len(finals):
		wave.Status = apis.WaveStatusCompleted
	case cancelled == len(finals):
		wave.Status = apis.WaveStatusSkipped
		wave.FailureReason = "execution cancelled"
	case launched == 0:
		wave.Status = apis.WaveStatusFailed
	default:
		wave.Status = apis.WaveStatusPartial
	}
	if wave.Status == apis.WaveStatusFailed || wave.Status == apis.WaveStatusPartial {
		for _, l := range finals {
			if l.Status != apis.LaunchStatusLaunched {
				wave.FailureReason = fmt.Sprintf("%d/%d servers failed to launch, first error %s", len(finals)-launched, len(finals), l.ErrorCode)
				break
			}
		}
	}
	now := r.clk.Now()
	wave.EndTime = &now
	if err := r.store.UpdateWave(ctx, wave); err != nil {
		return nil, fmt.Errorf("updating wave, %w", err)
	}
	if wave.StartTime != nil {
		metrics.WaveDuration.WithLabelValues(string(wave.Status)).Observe(now.Sub(*wave.StartTime).Seconds())
	}
	return wave, nil
}

// fail records a wave-level failure (resolution, quota, or size-limit) and
// marks every non-terminal launch row cancelled.
func (r *WaveRunner) fail(ctx context.Context, wave *apis.WaveExecution, cause error) (*apis.WaveExecution, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	launches, err := r.store.ListServerLaunches(ctx, wave.ExecutionID, wave.WaveNumber)
	if err != nil {
		return nil, fmt.Errorf("listing server launches, %w", err)
	}
	for _, launch := range launches {
		if launch.Status.IsTerminal() || launch.JobID != "" {
			continue
		}
		launch.Status = apis.LaunchStatusCancelled
		launch.ErrorCode = string(errors.CodeOf(cause))
		if err := r.store.UpdateServerLaunch(ctx, launch); err != nil {
			return nil, fmt.Errorf("cancelling server launch for %s, %w", launch.SourceServerID, err)
		}
	}
	now := r.clk.Now()
	wave.Status = apis.WaveStatusFailed
	wave.FailureReason = cause.Error()
	wave.EndTime = &now
	if err := r.store.UpdateWave(ctx, wave); err != nil {
		return nil, fmt.Errorf("updating wave, %w", err)
	}
	r.log.Error(cause, "wave failed", "executionId", wave.ExecutionID, "waveNumber", wave.WaveNumber)
	return wave, nil
}

// cancellationRequested re-reads the persisted execution and reports whether a
// CANCEL command has landed since the runner last looked. Store errors are
// treated as not-cancelled; the next gate re-checks.
func (r *WaveRunner) cancellationRequested(ctx context.Context, executionID string) bool {
	execution, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return false
	}
	return execution.Status == apis.ExecutionStatusCancelling || execution.Status == apis.ExecutionStatusCancelled
}

// skipCancelled abandons a wave that never issued a launch: every pending row
// is cancelled and the wave is recorded SKIPPED.
func (r *WaveRunner) skipCancelled(ctx context.Context, wave *apis.WaveExecution) (*apis.WaveExecution, error) {
	launches, err := r.store.ListServerLaunches(ctx, wave.ExecutionID, wave.WaveNumber)
	if err != nil {
		return nil, fmt.Errorf("listing server launches, %w", err)
	}
	for _, launch := range launches {
		if launch.Status.IsTerminal() || launch.JobID != "" {
			continue
		}
		launch.Status = apis.LaunchStatusCancelled
		launch.ErrorMessage = "execution cancelled"
		if err := r.store.UpdateServerLaunch(ctx, launch); err != nil {
			return nil, fmt.Errorf("cancelling server launch for %s, %w", launch.SourceServerID, err)
		}
	}
	now := r.clk.Now()
	wave.Status = apis.WaveStatusSkipped
	wave.FailureReason = "execution cancelled"
	wave.EndTime = &now
	if err := r.store.UpdateWave(ctx, wave); err != nil {
		return nil, fmt.Errorf("updating wave, %w", err)
	}
	r.log.Info("wave skipped, execution cancelled", "executionId", wave.ExecutionID, "waveNumber", wave.WaveNumber)
	return wave, nil
}
