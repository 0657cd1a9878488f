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

// Package test provides object factories for tests. Each factory returns a
// valid object with randomized identity; pass overrides to pin fields.
package test

import (
	"fmt"
	"strings"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/aws/aws-sdk-go-v2/aws"
	drstypes "github.com/aws/aws-sdk-go-v2/service/drs/types"
	"github.com/imdario/mergo"
	"github.com/samber/lo"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
)

func merge[T any](base *T, overrides ...T) *T {
	for _, override := range overrides {
		if err := mergo.Merge(base, override, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("merging overrides, %s", err))
		}
	}
	return base
}

func RandomName() string {
	return strings.ToLower(randomdata.SillyName())
}

func TargetAccount(overrides ...apis.TargetAccount) *apis.TargetAccount {
	return merge(&apis.TargetAccount{
		ID:         "account-" + RandomName(),
		AccountID:  fmt.Sprintf("%012d", randomdata.Number(1, 999999999999)),
		RoleARN:    "arn:aws:iam::123456789012:role/" + RandomName(),
		ExternalID: RandomName(),
		Region:     "us-east-1",
	}, overrides...)
}

func ProtectionGroup(overrides ...apis.ProtectionGroup) *apis.ProtectionGroup {
	return merge(&apis.ProtectionGroup{
		ID:              "pg-" + RandomName(),
		Name:            RandomName(),
		TargetAccountID: "account-default",
		Region:          "us-east-1",
		ServerIDs:       []string{"s-1111111111111111", "s-2222222222222222"},
	}, overrides...)
}

func RecoveryPlan(overrides ...apis.RecoveryPlan) *apis.RecoveryPlan {
	return merge(&apis.RecoveryPlan{
		ID:   "plan-" + RandomName(),
		Name: RandomName(),
		Waves: []apis.WaveSpec{
			{WaveNumber: 1, GroupID: "pg-default"},
		},
	}, overrides...)
}

func Execution(overrides ...apis.Execution) *apis.Execution {
	return merge(&apis.Execution{
		ID:          "exec-" + RandomName(),
		PlanID:      "plan-" + RandomName(),
		Type:        apis.ExecutionTypeDrill,
		Status:      apis.ExecutionStatusPending,
		InitiatedBy: randomdata.Email(),
		StartTime:   time.Now().UTC().Truncate(time.Second),
	}, overrides...)
}

// SourceServer builds a DRS source server for the fake API population.
func SourceServer(id string, tags map[string]string) drstypes.SourceServer {
	return drstypes.SourceServer{
		SourceServerID: aws.String(id),
		Tags:           tags,
	}
}

// SourceServerIDs mints n sequential source server ids.
func SourceServerIDs(n int) []string {
	return lo.Map(lo.Range(n), func(i int, _ int) string {
		return fmt.Sprintf("s-%016d", i+1)
	})
}
