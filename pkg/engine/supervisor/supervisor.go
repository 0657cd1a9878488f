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

// Package supervisor owns the execution lifecycle. One supervisor goroutine
// drives one execution through its waves in dependency order and is the only
// writer of PAUSED and terminal statuses; the command gateway writes
// CANCELLING and the pause flag, which the supervisor observes at wave
// boundaries.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/engine/waverunner"
	"github.com/awslabs/drs-orchestrator/pkg/errors"
	"github.com/awslabs/drs-orchestrator/pkg/events"
	"github.com/awslabs/drs-orchestrator/pkg/metrics"
	"github.com/awslabs/drs-orchestrator/pkg/store"
)

type Config struct {
	// PauseRecheckInterval bounds how stale a paused supervisor's view of the
	// store can get when a wake signal is missed.
	PauseRecheckInterval time.Duration
}

func DefaultConfig() Config {
	return Config{PauseRecheckInterval: 10 * time.Second}
}

type Supervisor struct {
	store   store.Store
	catalog store.Catalog
	waves   *waverunner.WaveRunner
	events  events.Sink
	clk     clock.Clock
	config  Config
	log     logr.Logger
}

func NewSupervisor(stateStore store.Store, catalog store.Catalog, waveRunner *waverunner.WaveRunner, sink events.Sink, clk clock.Clock, config Config, log logr.Logger) *Supervisor {
	return &Supervisor{
		store:   stateStore,
		catalog: catalog,
		waves:   waveRunner,
		events:  sink,
		clk:     clk,
		config:  config,
		log:     log.WithName("supervisor"),
	}
}

// Run drives the execution to a terminal status. It returns early only on
// shutdown or an unrecoverable store failure; rehydration resumes the
// execution on restart either way. wake is signalled by the gateway after it
// accepts a command for this execution.
func (s *Supervisor) Run(ctx context.Context, executionID string, wake <-chan struct{}) error {
	metrics.ExecutionsActive.Inc()
	defer metrics.ExecutionsActive.Dec()
	log := s.log.WithValues("executionId", executionID)

	execution, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("loading execution, %w", err)
	}
	if execution.Status.IsTerminal() {
		return nil
	}
	plan, err := s.catalog.GetRecoveryPlan(ctx, execution.PlanID)
	if err != nil {
		return fmt.Errorf("loading recovery plan %s, %w", execution.PlanID, err)
	}
	specs := append([]apis.WaveSpec(nil), plan.Waves...)
	sort.Slice(specs, func(i, j int) bool { return specs[i].WaveNumber < specs[j].WaveNumber })

	results, err := s.loadResults(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status == apis.ExecutionStatusPending {
		if err := s.transition(ctx, execution, "execution started", func(e *apis.Execution) bool {
			if e.Status != apis.ExecutionStatusPending {
				return false
			}
			e.Status = apis.ExecutionStatusRunning
			return true
		}); err != nil {
			return err
		}
	}

	for _, spec := range specs {
		if status, ok := results[spec.WaveNumber]; ok && status.IsTerminal() {
			continue
		}
		execution, err = s.store.GetExecution(ctx, executionID)
		if err != nil {
			return fmt.Errorf("refreshing execution, %w", err)
		}
		if execution.Status == apis.ExecutionStatusCancelling {
			return s.finalize(ctx, execution, specs, results)
		}

		if blocked, reason := s.blockedByDependency(spec, results); blocked {
			if err := s.skipWave(ctx, execution, spec, reason); err != nil {
				return err
			}
			results[spec.WaveNumber] = apis.WaveStatusSkipped
			continue
		}

		// Pause points: an operator PAUSE lands at the next boundary, and a
		// plan-defined pause holds before its wave first starts. A wave that
		// was already launching when the process restarted resumes unpaused.
		planPause := spec.PauseBeforeWave && !s.waveStarted(ctx, executionID, spec.WaveNumber)
		if execution.Status == apis.ExecutionStatusPaused || execution.PauseRequested || planPause {
			execution, err = s.pause(ctx, execution, spec.WaveNumber, wake)
			if err != nil {
				return err
			}
			if execution.Status == apis.ExecutionStatusCancelling {
				return s.finalize(ctx, execution, specs, results)
			}
		}

		if err := s.transition(ctx, execution, fmt.Sprintf("wave %d started", spec.WaveNumber), func(e *apis.Execution) bool {
			if e.Status != apis.ExecutionStatusRunning {
				return false
			}
			e.CurrentWaveNumber = spec.WaveNumber
			return true
		}); err != nil {
			return err
		}
		if execution.Status == apis.ExecutionStatusCancelling {
			return s.finalize(ctx, execution, specs, results)
		}

		wave, err := s.waves.Run(ctx, execution, spec)
		if err != nil {
			return fmt.Errorf("running wave %d, %w", spec.WaveNumber, err)
		}
		results[spec.WaveNumber] = wave.Status
		log.Info("wave finished", "waveNumber", spec.WaveNumber, "status", wave.Status)
	}

	execution, err = s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("refreshing execution, %w", err)
	}
	return s.finalize(ctx, execution, specs, results)
}

func (s *Supervisor) loadResults(ctx context.Context, executionID string) (map[int]apis.WaveStatus, error) {
	waves, err := s.store.ListWaves(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("listing waves, %w", err)
	}
	results := map[int]apis.WaveStatus{}
	for _, wave := range waves {
		if wave.Status.IsTerminal() {
			results[wave.WaveNumber] = wave.Status
		}
	}
	return results, nil
}

// waveStarted reports whether the wave already has a row past its pause
// window.
func (s *Supervisor) waveStarted(ctx context.Context, executionID string, waveNumber int) bool {
	wave, err := s.store.GetWave(ctx, executionID, waveNumber)
	if err != nil || wave == nil {
		return false
	}
	return wave.Status != apis.WaveStatusPending && wave.Status != apis.WaveStatusWaitingPause
}

// blockedByDependency reports whether any dependency finished in a state that
// forbids launching this wave. A dependency that was itself skipped is
// satisfied; only FAILED and PARTIAL block downstream waves.
func (s *Supervisor) blockedByDependency(spec apis.WaveSpec, results map[int]apis.WaveStatus) (bool, string) {
	for _, dep := range spec.DependsOn {
		switch results[dep] {
		case apis.WaveStatusCompleted, apis.WaveStatusSkipped:
		default:
			return true, fmt.Sprintf("dependency wave %d finished %s", dep, results[dep])
		}
	}
	return false, ""
}

func (s *Supervisor) skipWave(ctx context.Context, execution *apis.Execution, spec apis.WaveSpec, reason string) error {
	now := s.clk.Now()
	wave, err := s.store.GetWave(ctx, execution.ID, spec.WaveNumber)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading wave, %w", err)
	}
	if wave == nil {
		wave = &apis.WaveExecution{ExecutionID: execution.ID, WaveNumber: spec.WaveNumber, GroupID: spec.GroupID}
		wave.Status = apis.WaveStatusSkipped
		wave.FailureReason = reason
		wave.EndTime = &now
		if err := s.store.PutWave(ctx, wave); err != nil {
			return fmt.Errorf("recording skipped wave, %w", err)
		}
	} else {
		wave.Status = apis.WaveStatusSkipped
		wave.FailureReason = reason
		wave.EndTime = &now
		if err := s.store.UpdateWave(ctx, wave); err != nil {
			return fmt.Errorf("recording skipped wave, %w", err)
		}
	}
	return s.audit(ctx, execution.ID, apis.AuditKindTransition, fmt.Sprintf("wave %d skipped", spec.WaveNumber), map[string]string{"reason": reason})
}

// pause moves the execution to PAUSED and blocks until the gateway resumes or
// cancels it. Returns the refreshed execution.
func (s *Supervisor) pause(ctx context.Context, execution *apis.Execution, nextWave int, wake <-chan struct{}) (*apis.Execution, error) {
	if execution.Status != apis.ExecutionStatusPaused {
		if err := s.transition(ctx, execution, fmt.Sprintf("paused before wave %d", nextWave), func(e *apis.Execution) bool {
			if e.Status != apis.ExecutionStatusRunning {
				return false
			}
			e.Status = apis.ExecutionStatusPaused
			e.PauseRequested = false
			e.CurrentWaveNumber = nextWave
			return true
		}); err != nil {
			return nil, err
		}
		if execution.Status == apis.ExecutionStatusPaused {
			s.publish(ctx, execution, events.SeverityInfo, fmt.Sprintf("execution paused before wave %d", nextWave), &nextWave)
		}
	}
	for execution.Status == apis.ExecutionStatusPaused {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-s.clk.After(s.config.PauseRecheckInterval):
		}
		fresh, err := s.store.GetExecution(ctx, execution.ID)
		if err != nil {
			return nil, fmt.Errorf("refreshing execution, %w", err)
		}
		execution = fresh
	}
	return execution, nil
}

// finalize skips unstarted waves when cancelling, aggregates wave outcomes
// into the execution's terminal status, and writes it exactly once.
func (s *Supervisor) finalize(ctx context.Context, execution *apis.Execution, specs []apis.WaveSpec, results map[int]apis.WaveStatus) error {
	if execution.Status.IsTerminal() {
		return nil
	}
	cancelled := execution.Status == apis.ExecutionStatusCancelling
	if cancelled {
		for _, spec := range specs {
			if _, ok := results[spec.WaveNumber]; ok {
				continue
			}
			if err := s.skipWave(ctx, execution, spec, "execution cancelled"); err != nil {
				return err
			}
			results[spec.WaveNumber] = apis.WaveStatusSkipped
		}
	}

	ran := lo.OmitByValues(results, []apis.WaveStatus{apis.WaveStatusSkipped})
	status := apis.ExecutionStatusCompleted
	switch {
	case cancelled:
		status = apis.ExecutionStatusCancelled
	case len(ran) == 0:
		status = apis.ExecutionStatusFailed
	case lo.EveryBy(lo.Values(ran), func(s apis.WaveStatus) bool { return s == apis.WaveStatusCompleted }):
		status = apis.ExecutionStatusCompleted
	case lo.EveryBy(lo.Values(ran), func(s apis.WaveStatus) bool { return s == apis.WaveStatusFailed }):
		status = apis.ExecutionStatusFailed
	default:
		status = apis.ExecutionStatusPartial
	}
	reason := ""
	if status != apis.ExecutionStatusCompleted && status != apis.ExecutionStatusCancelled {
		failed := lo.Keys(lo.PickByValues(results, []apis.WaveStatus{apis.WaveStatusFailed, apis.WaveStatusPartial}))
		sort.Ints(failed)
		reason = fmt.Sprintf("waves %v did not complete", failed)
	}

	now := s.clk.Now()
	if err := s.transition(ctx, execution, fmt.Sprintf("execution %s", status), func(e *apis.Execution) bool {
		if e.Status.IsTerminal() {
			return false
		}
		e.Status = status
		e.EndTime = &now
		e.FailureReason = reason
		return true
	}); err != nil {
		return err
	}
	if !execution.Status.IsTerminal() {
		return nil
	}
	metrics.ExecutionsTotal.WithLabelValues(string(execution.Status)).Inc()
	metrics.ExecutionDuration.Observe(now.Sub(execution.StartTime).Seconds())
	s.publish(ctx, execution, events.SeverityFor(execution.Status), fmt.Sprintf("execution %s", execution.Status), nil)
	s.log.Info("execution finished", "executionId", execution.ID, "status", execution.Status)
	return nil
}

// transition applies mutate under compare-and-set, re-reading and re-applying
// on version conflicts. mutate returns false to abandon the write when the
// fresh state no longer permits it (for example the gateway moved the
// execution to CANCELLING).
func (s *Supervisor) transition(ctx context.Context, execution *apis.Execution, message string, mutate func(*apis.Execution) bool) error {
	for {
		from := execution.Status
		if !mutate(execution) {
			return nil
		}
		err := s.store.UpdateExecution(ctx, execution)
		if err == nil {
			return s.audit(ctx, execution.ID, apis.AuditKindTransition, message, map[string]string{
				"from": string(from),
				"to":   string(execution.Status),
			})
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("updating execution, %w", err)
		}
		fresh, getErr := s.store.GetExecution(ctx, execution.ID)
		if getErr != nil {
			return fmt.Errorf("refreshing execution after version conflict, %w", getErr)
		}
		*execution = *fresh
	}
}

func (s *Supervisor) audit(ctx context.Context, executionID string, kind apis.AuditKind, message string, fields map[string]string) error {
	if err := s.store.AppendAudit(ctx, &apis.AuditRecord{
		ExecutionID: executionID,
		Time:        s.clk.Now(),
		Kind:        kind,
		Actor:       "supervisor",
		Message:     message,
		Fields:      fields,
	}); err != nil {
		s.log.Error(err, "appending audit record", "executionId", executionID)
	}
	return nil
}

func (s *Supervisor) publish(ctx context.Context, execution *apis.Execution, severity events.Severity, message string, waveNumber *int) {
	if err := s.events.Publish(ctx, events.Event{
		ExecutionID: execution.ID,
		PlanID:      execution.PlanID,
		Status:      execution.Status,
		WaveNumber:  waveNumber,
		Timestamp:   s.clk.Now(),
		Severity:    severity,
		Message:     message,
	}); err != nil {
		s.log.Error(err, "publishing event", "executionId", execution.ID)
	}
}
