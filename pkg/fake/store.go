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
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/store"
)

// MemoryStore is an in-memory store.Store with the same compare-and-set
// semantics as the DynamoDB adapter. It is safe for concurrent use and hands
// out deep copies so tests cannot mutate persisted state by accident.
type MemoryStore struct {
	mu         sync.Mutex
	executions map[string]*apis.Execution
	waves      map[string]map[int]*apis.WaveExecution
	launches   map[string]map[string]*apis.ServerLaunch
	commands   map[string]*apis.Command
	audit      map[string][]*apis.AuditRecord
	auditSeq   map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: map[string]*apis.Execution{},
		waves:      map[string]map[int]*apis.WaveExecution{},
		launches:   map[string]map[string]*apis.ServerLaunch{},
		commands:   map[string]*apis.Command{},
		audit:      map[string][]*apis.AuditRecord{},
		auditSeq:   map[string]int64{},
	}
}

func launchKey(waveNumber int, sourceServerID string) string {
	return fmt.Sprintf("%06d#%s", waveNumber, sourceServerID)
}

func (m *MemoryStore) CreateExecution(_ context.Context, execution *apis.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[execution.ID]; ok {
		return store.ErrAlreadyExists
	}
	execution.Version = 1
	m.executions[execution.ID] = clone(execution)
	return nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, execution *apis.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	persisted, ok := m.executions[execution.ID]
	if !ok {
		return store.ErrNotFound
	}
	if persisted.Version != execution.Version {
		return store.ErrVersionConflict
	}
	execution.Version++
	m.executions[execution.ID] = clone(execution)
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*apis.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	execution, ok := m.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(execution), nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*apis.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	executions := lo.FilterMap(lo.Values(m.executions), func(e *apis.Execution, _ int) (*apis.Execution, bool) {
		if filter.PlanID != "" && e.PlanID != filter.PlanID {
			return nil, false
		}
		if filter.Status != "" && e.Status != filter.Status {
			return nil, false
		}
		if filter.Type != "" && e.Type != filter.Type {
			return nil, false
		}
		if filter.InitiatedBy != "" && e.InitiatedBy != filter.InitiatedBy {
			return nil, false
		}
		if filter.After != nil && e.StartTime.Before(*filter.After) {
			return nil, false
		}
		if filter.Before != nil && e.StartTime.After(*filter.Before) {
			return nil, false
		}
		return clone(e), true
	})
	sort.Slice(executions, func(i, j int) bool {
		if filter.SortOrder == store.SortAscending {
			return executions[i].StartTime.Before(executions[j].StartTime)
		}
		return executions[i].StartTime.After(executions[j].StartTime)
	})
	if filter.Limit > 0 && len(executions) > filter.Limit {
		executions = executions[:filter.Limit]
	}
	return executions, nil
}

func (m *MemoryStore) ActiveExecutionForPlan(_ context.Context, planID string) (*apis.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, execution := range m.executions {
		if execution.PlanID == planID && !execution.Status.IsTerminal() {
			return clone(execution), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListNonTerminalExecutions(_ context.Context) ([]*apis.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	executions := lo.FilterMap(lo.Values(m.executions), func(e *apis.Execution, _ int) (*apis.Execution, bool) {
		return clone(e), !e.Status.IsTerminal()
	})
	sort.Slice(executions, func(i, j int) bool { return executions[i].ID < executions[j].ID })
	return executions, nil
}

func (m *MemoryStore) PutWave(_ context.Context, wave *apis.WaveExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waves[wave.ExecutionID] == nil {
		m.waves[wave.ExecutionID] = map[int]*apis.WaveExecution{}
	}
	m.waves[wave.ExecutionID][wave.WaveNumber] = clone(wave)
	return nil
}

func (m *MemoryStore) UpdateWave(ctx context.Context, wave *apis.WaveExecution) error {
	return m.PutWave(ctx, wave)
}

func (m *MemoryStore) GetWave(_ context.Context, executionID string, waveNumber int) (*apis.WaveExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wave, ok := m.waves[executionID][waveNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(wave), nil
}

func (m *MemoryStore) ListWaves(_ context.Context, executionID string) ([]*apis.WaveExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waves := lo.Map(lo.Values(m.waves[executionID]), func(w *apis.WaveExecution, _ int) *apis.WaveExecution { return clone(w) })
	sort.Slice(waves, func(i, j int) bool { return waves[i].WaveNumber < waves[j].WaveNumber })
	return waves, nil
}

func (m *MemoryStore) PutServerLaunch(_ context.Context, launch *apis.ServerLaunch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.launches[launch.ExecutionID] == nil {
		m.launches[launch.ExecutionID] = map[string]*apis.ServerLaunch{}
	}
	m.launches[launch.ExecutionID][launchKey(launch.WaveNumber, launch.SourceServerID)] = clone(launch)
	return nil
}

func (m *MemoryStore) UpdateServerLaunch(ctx context.Context, launch *apis.ServerLaunch) error {
	return m.PutServerLaunch(ctx, launch)
}

func (m *MemoryStore) ListServerLaunches(_ context.Context, executionID string, waveNumber int) ([]*apis.ServerLaunch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	launches := lo.FilterMap(lo.Values(m.launches[executionID]), func(l *apis.ServerLaunch, _ int) (*apis.ServerLaunch, bool) {
		return clone(l), l.WaveNumber == waveNumber
	})
	sort.Slice(launches, func(i, j int) bool { return launches[i].SourceServerID < launches[j].SourceServerID })
	return launches, nil
}

func (m *MemoryStore) ListAllServerLaunches(_ context.Context, executionID string) ([]*apis.ServerLaunch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	launches := lo.Map(lo.Values(m.launches[executionID]), func(l *apis.ServerLaunch, _ int) *apis.ServerLaunch { return clone(l) })
	sort.Slice(launches, func(i, j int) bool {
		if launches[i].WaveNumber != launches[j].WaveNumber {
			return launches[i].WaveNumber < launches[j].WaveNumber
		}
		return launches[i].SourceServerID < launches[j].SourceServerID
	})
	return launches, nil
}

func (m *MemoryStore) PutCommand(_ context.Context, command *apis.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commands[command.ID]; ok {
		return store.ErrAlreadyExists
	}
	m.commands[command.ID] = clone(command)
	return nil
}

func (m *MemoryStore) UpdateCommand(_ context.Context, command *apis.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[command.ID] = clone(command)
	return nil
}

func (m *MemoryStore) GetCommand(_ context.Context, id string) (*apis.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	command, ok := m.commands[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(command), nil
}

func (m *MemoryStore) ListCommands(_ context.Context, executionID string) ([]*apis.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	commands := lo.FilterMap(lo.Values(m.commands), func(c *apis.Command, _ int) (*apis.Command, bool) {
		return clone(c), c.ExecutionID == executionID
	})
	sort.Slice(commands, func(i, j int) bool { return commands[i].RequestedAt.Before(commands[j].RequestedAt) })
	return commands, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, record *apis.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq[record.ExecutionID]++
	record.Sequence = m.auditSeq[record.ExecutionID]
	m.audit[record.ExecutionID] = append(m.audit[record.ExecutionID], clone(record))
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, executionID string) ([]*apis.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Map(m.audit[executionID], func(r *apis.AuditRecord, _ int) *apis.AuditRecord { return clone(r) }), nil
}

// Catalog is a map-backed store.Catalog for tests.
type Catalog struct {
	mu       sync.Mutex
	groups   map[string]*apis.ProtectionGroup
	plans    map[string]*apis.RecoveryPlan
	accounts map[string]*apis.TargetAccount
}

func NewCatalog() *Catalog {
	return &Catalog{
		groups:   map[string]*apis.ProtectionGroup{},
		plans:    map[string]*apis.RecoveryPlan{},
		accounts: map[string]*apis.TargetAccount{},
	}
}

func (c *Catalog) AddProtectionGroup(group *apis.ProtectionGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[group.ID] = clone(group)
}

func (c *Catalog) AddRecoveryPlan(plan *apis.RecoveryPlan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[plan.ID] = clone(plan)
}

func (c *Catalog) AddTargetAccount(account *apis.TargetAccount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[account.ID] = clone(account)
}

func (c *Catalog) GetProtectionGroup(_ context.Context, id string) (*apis.ProtectionGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	group, ok := c.groups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(group), nil
}

func (c *Catalog) GetRecoveryPlan(_ context.Context, id string) (*apis.RecoveryPlan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	plan, ok := c.plans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(plan), nil
}

func (c *Catalog) GetTargetAccount(_ context.Context, id string) (*apis.TargetAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	account, ok := c.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(account), nil
}
