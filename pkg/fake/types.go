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
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/aws/sdk"
	"github.com/awslabs/drs-orchestrator/pkg/events"
)

// AWSError builds a smithy API error with the given code, matching how the
// SDK surfaces service errors.
func AWSError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

type STSBehavior struct {
	AssumeRoleBehavior MockedFunction[sts.AssumeRoleInput, sts.AssumeRoleOutput]
}

type STSAPI struct {
	sdk.STSAPI
	STSBehavior
}

func (s *STSAPI) Reset() {
	s.AssumeRoleBehavior.Reset()
}

func (s *STSAPI) AssumeRole(_ context.Context, input *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	return s.AssumeRoleBehavior.Invoke(input, func(input *sts.AssumeRoleInput) (*sts.AssumeRoleOutput, error) {
		return &sts.AssumeRoleOutput{
			Credentials: &ststypes.Credentials{
				AccessKeyId:     aws.String("AKIAFAKE"),
				SecretAccessKey: aws.String("fake-secret"),
				SessionToken:    aws.String("fake-token"),
				Expiration:      aws.Time(time.Now().Add(time.Hour)),
			},
		}, nil
	})
}

// CredentialsProvider satisfies the credential broker interface with static
// anonymous credentials and records invalidations.
type CredentialsProvider struct {
	mu            sync.Mutex
	invalidations []string
}

func (c *CredentialsProvider) Get(_ context.Context, _ apis.TargetAccount) (aws.CredentialsProvider, error) {
	return aws.AnonymousCredentials{}, nil
}

func (c *CredentialsProvider) Invalidate(account apis.TargetAccount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations = append(c.invalidations, account.AccountID)
}

func (c *CredentialsProvider) Invalidations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.invalidations...)
}

func (c *CredentialsProvider) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations = nil
}

// EventSink records published events for assertions.
type EventSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *EventSink) Publish(_ context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *EventSink) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event{}, s.events...)
}

func (s *EventSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
