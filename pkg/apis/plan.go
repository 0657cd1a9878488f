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

// LaunchConfig carries the per-group launch settings applied by DRS launch
// templates. The engine treats it as opaque pass-through configuration.
type LaunchConfig struct {
	SubnetID           string   `json:"subnetId,omitempty" dynamodbav:"subnetId,omitempty"`
	SecurityGroupIDs   []string `json:"securityGroupIds,omitempty" dynamodbav:"securityGroupIds,omitempty"`
	InstanceType       string   `json:"instanceType,omitempty" dynamodbav:"instanceType,omitempty"`
	IAMInstanceProfile string   `json:"iamInstanceProfile,omitempty" dynamodbav:"iamInstanceProfile,omitempty"`
	CopyTags           bool     `json:"copyTags,omitempty" dynamodbav:"copyTags,omitempty"`
	CopyPrivateIP      bool     `json:"copyPrivateIp,omitempty" dynamodbav:"copyPrivateIp,omitempty"`
	Licensing          string   `json:"licensing,omitempty" dynamodbav:"licensing,omitempty"`
	RightSizingMethod  string   `json:"rightSizingMethod,omitempty" dynamodbav:"rightSizingMethod,omitempty"`
	LaunchDisposition  string   `json:"launchDisposition,omitempty" dynamodbav:"launchDisposition,omitempty"`
}

// ProtectionGroup is a logical bundle of source servers sharing a launch
// configuration. Server selection is either an explicit id list or a tag
// selector resolved against DRS at wave time; exactly one of the two is set.
type ProtectionGroup struct {
	ID              string            `json:"id" dynamodbav:"id"`
	Name            string            `json:"name" dynamodbav:"name"`
	TargetAccountID string            `json:"targetAccountId" dynamodbav:"targetAccountId"`
	Region          string            `json:"region" dynamodbav:"region"`
	ServerIDs       []string          `json:"serverIds,omitempty" dynamodbav:"serverIds,omitempty"`
	TagSelector     map[string]string `json:"tagSelector,omitempty" dynamodbav:"tagSelector,omitempty"`
	LaunchConfig    LaunchConfig      `json:"launchConfig,omitempty" dynamodbav:"launchConfig,omitempty"`
}

// WaveSpec is one step of a RecoveryPlan. DependsOn references earlier wave
// numbers only.
type WaveSpec struct {
	WaveNumber      int    `json:"waveNumber" dynamodbav:"waveNumber"`
	GroupID         string `json:"groupId" dynamodbav:"groupId"`
	PauseBeforeWave bool   `json:"pauseBeforeWave,omitempty" dynamodbav:"pauseBeforeWave,omitempty"`
	DependsOn       []int  `json:"dependsOn,omitempty" dynamodbav:"dependsOn,omitempty"`
}

// RecoveryPlan is an ordered, dependency-aware collection of waves. Wave
// numbers form a dense 1..N sequence.
type RecoveryPlan struct {
	ID    string     `json:"id" dynamodbav:"id"`
	Name  string     `json:"name" dynamodbav:"name"`
	Waves []WaveSpec `json:"waves" dynamodbav:"waves"`
}

// Wave returns the spec for the given wave number, or nil.
func (p *RecoveryPlan) Wave(number int) *WaveSpec {
	for i := range p.Waves {
		if p.Waves[i].WaveNumber == number {
			return &p.Waves[i]
		}
	}
	return nil
}

// TargetAccount identifies the account and role the orchestrator assumes to
// reach DRS in the recovery target.
type TargetAccount struct {
	ID         string `json:"id" dynamodbav:"id"`
	AccountID  string `json:"accountId" dynamodbav:"accountId"`
	RoleARN    string `json:"roleArn" dynamodbav:"roleArn"`
	ExternalID string `json:"externalId,omitempty" dynamodbav:"externalId,omitempty"`
	Region     string `json:"region" dynamodbav:"region"`
}
