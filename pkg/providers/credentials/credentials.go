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

// Package credentials brokers short-lived cross-account credentials. The
// engine treats credentials as opaque: it asks for a provider per target
// account and invalidates the cache entry on any auth-class error so the next
// call re-assumes the role.
package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/patrickmn/go-cache"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/aws/sdk"
)

// Provider hands out per-(account, region) credentials scoped to the DRS and
// EC2 permissions of the target account role.
type Provider interface {
	Get(ctx context.Context, account apis.TargetAccount) (aws.CredentialsProvider, error)
	Invalidate(account apis.TargetAccount)
}

type DefaultProvider struct {
	stsapi      sdk.STSAPI
	sessionName string
	duration    time.Duration
	providers   *cache.Cache
}

func NewDefaultProvider(stsapi sdk.STSAPI, sessionName string, duration time.Duration) *DefaultProvider {
	return &DefaultProvider{
		stsapi:      stsapi,
		sessionName: sessionName,
		duration:    duration,
		// Entries outlive individual sessions; the wrapped CredentialsCache
		// refreshes expiring sessions on its own.
		providers: cache.New(12*time.Hour, time.Hour),
	}
}

func key(account apis.TargetAccount) string {
	return fmt.Sprintf("%s/%s", account.AccountID, account.Region)
}

func (p *DefaultProvider) Get(_ context.Context, account apis.TargetAccount) (aws.CredentialsProvider, error) {
	if account.RoleARN == "" {
		return nil, fmt.Errorf("target account %s has no role to assume", account.AccountID)
	}
	if cached, ok := p.providers.Get(key(account)); ok {
		return cached.(aws.CredentialsProvider), nil
	}
	assume := stscreds.NewAssumeRoleProvider(p.stsapi, account.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = p.sessionName
		o.Duration = p.duration
		if account.ExternalID != "" {
			o.ExternalID = aws.String(account.ExternalID)
		}
	})
	provider := aws.NewCredentialsCache(assume, func(o *aws.CredentialsCacheOptions) {
		o.ExpiryWindow = 5 * time.Minute
	})
	p.providers.SetDefault(key(account), aws.CredentialsProvider(provider))
	return provider, nil
}

// Invalidate drops the cached provider so the next Get re-assumes the role.
// Called after auth-class errors from DRS or EC2.
func (p *DefaultProvider) Invalidate(account apis.TargetAccount) {
	p.providers.Delete(key(account))
}
