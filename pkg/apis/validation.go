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

package apis

import (
	"sort"

	"github.com/samber/lo"

	"github.com/awslabs/drs-orchestrator/pkg/errors"
)

// MaxWaveSize bounds the number of servers a single wave may launch.
const MaxWaveSize = 100

// ValidatePlan revalidates a RecoveryPlan on StartExecution. The catalog is
// expected to have validated the plan already; the engine does not trust it.
// Checks: waves present, wave numbers dense and unique over 1..N, dependsOn
// referencing earlier waves only, and no dependency cycles.
func ValidatePlan(plan *RecoveryPlan) error {
	if plan == nil || plan.ID == "" {
		return errors.New(errors.CodeMissingField, "recovery plan id is required")
	}
	if len(plan.Waves) == 0 {
		return errors.New(errors.CodeMissingField, "recovery plan %q has no waves", plan.ID)
	}
	numbers := lo.Map(plan.Waves, func(w WaveSpec, _ int) int { return w.WaveNumber })
	sort.Ints(numbers)
	for i, n := range numbers {
		if n != i+1 {
			return errors.New(errors.CodeInvalidRequest, "wave numbers must be dense 1..%d, got %v", len(plan.Waves), numbers)
		}
	}
	for _, wave := range plan.Waves {
		if wave.GroupID == "" {
			return errors.New(errors.CodeMissingField, "wave %d has no protection group", wave.WaveNumber)
		}
		for _, dep := range wave.DependsOn {
			if dep >= wave.WaveNumber {
				return errors.New(errors.CodeCircularDependency, "wave %d depends on wave %d, dependencies must reference earlier waves", wave.WaveNumber, dep)
			}
			if dep < 1 || plan.Wave(dep) == nil {
				return errors.New(errors.CodeInvalidRequest, "wave %d depends on unknown wave %d", wave.WaveNumber, dep)
			}
		}
	}
	if err := checkCycles(plan); err != nil {
		return err
	}
	return nil
}

// checkCycles walks the dependency graph with a three-color DFS. Dense,
// earlier-only dependsOn already rules cycles out, but the engine revalidates
// rather than trusting the catalog.
func checkCycles(plan *RecoveryPlan) error {
	const (
		white = iota
		grey
		black
	)
	colors := map[int]int{}
	var visit func(n int) bool
	visit = func(n int) bool {
		colors[n] = grey
		for _, dep := range plan.Wave(n).DependsOn {
			switch colors[dep] {
			case grey:
				return false
			case white:
				if !visit(dep) {
					return false
				}
			}
		}
		colors[n] = black
		return true
	}
	for _, wave := range plan.Waves {
		if colors[wave.WaveNumber] == white && !visit(wave.WaveNumber) {
			return errors.New(errors.CodeCircularDependency, "plan %q contains a dependency cycle", plan.ID)
		}
	}
	return nil
}

// ValidateGroup checks the parts of a ProtectionGroup the engine relies on.
func ValidateGroup(group *ProtectionGroup) error {
	if group == nil || group.ID == "" {
		return errors.New(errors.CodeMissingField, "protection group id is required")
	}
	if group.TargetAccountID == "" {
		return errors.New(errors.CodeMissingField, "protection group %q has no target account", group.ID)
	}
	if group.Region == "" {
		return errors.New(errors.CodeMissingField, "protection group %q has no region", group.ID)
	}
	if len(group.ServerIDs) == 0 && len(group.TagSelector) == 0 {
		return errors.New(errors.CodeMissingField, "protection group %q selects no servers", group.ID)
	}
	if len(group.ServerIDs) > MaxWaveSize {
		return errors.New(errors.CodeWaveSizeLimitExceeded, "protection group %q selects %d servers, limit is %d", group.ID, len(group.ServerIDs), MaxWaveSize)
	}
	return nil
}
