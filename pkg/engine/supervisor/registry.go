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

package supervisor

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/awslabs/drs-orchestrator/pkg/store"
)

// Registry tracks the running supervisor goroutines, at most one per
// execution. The gateway starts supervisors for accepted START commands and
// wakes them after PAUSE, RESUME, and CANCEL; Rehydrate restarts supervisors
// for every non-terminal execution after a process restart.
type Registry struct {
	supervisor *Supervisor
	store      store.Store
	log        logr.Logger

	mu      sync.Mutex
	handles map[string]chan struct{}
	wg      sync.WaitGroup
}

func NewRegistry(sup *Supervisor, stateStore store.Store, log logr.Logger) *Registry {
	return &Registry{
		supervisor: sup,
		store:      stateStore,
		log:        log.WithName("registry"),
		handles:    map[string]chan struct{}{},
	}
}

// Start launches a supervisor for the execution unless one is already
// running.
func (r *Registry) Start(ctx context.Context, executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.handles[executionID]; running {
		return
	}
	wake := make(chan struct{}, 1)
	r.handles[executionID] = wake
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.handles, executionID)
			r.mu.Unlock()
		}()
		if err := r.supervisor.Run(ctx, executionID, wake); err != nil && ctx.Err() == nil {
			r.log.Error(err, "supervisor exited", "executionId", executionID)
		}
	}()
}

// Wake nudges the execution's supervisor to re-read the store. Missed wakes
// are covered by the supervisor's periodic recheck.
func (r *Registry) Wake(executionID string) {
	r.mu.Lock()
	wake, ok := r.handles[executionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// Rehydrate restarts a supervisor for every non-terminal execution. Wave and
// launch rows carry enough state for the supervisor to resume exactly where
// the previous process stopped without duplicating launches.
func (r *Registry) Rehydrate(ctx context.Context) error {
	executions, err := r.store.ListNonTerminalExecutions(ctx)
	if err != nil {
		return err
	}
	for _, execution := range executions {
		r.log.Info("rehydrating execution", "executionId", execution.ID, "status", execution.Status)
		r.Start(ctx, execution.ID)
	}
	return nil
}

// Wait blocks until every supervisor goroutine has returned. Used on
// shutdown after the root context is cancelled.
func (r *Registry) Wait() {
	r.wg.Wait()
}
