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

// Package instance resolves the EC2 instances behind launched recovery
// instances, for read-model enrichment only. The engine never mutates EC2
// directly; DRS owns the instance lifecycle.
package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/aws/sdk"
	"github.com/awslabs/drs-orchestrator/pkg/providers/credentials"
)

// Info is the subset of EC2 instance state surfaced on execution reads.
type Info struct {
	InstanceID       string `json:"instanceId"`
	State            string `json:"state"`
	InstanceType     string `json:"instanceType"`
	PrivateIP        string `json:"privateIp,omitempty"`
	PublicIP         string `json:"publicIp,omitempty"`
	AvailabilityZone string `json:"availabilityZone,omitempty"`
}

type Provider interface {
	// Describe returns Info keyed by instance id. Unknown ids are omitted.
	Describe(ctx context.Context, account apis.TargetAccount, instanceIDs []string) (map[string]Info, error)
}

type ClientFactory func(account apis.TargetAccount, creds aws.CredentialsProvider) sdk.EC2API

type DefaultProvider struct {
	credentials   credentials.Provider
	clientFactory ClientFactory
	clients       *cache.Cache
}

func NewDefaultProvider(credentialsProvider credentials.Provider, clientFactory ClientFactory) *DefaultProvider {
	return &DefaultProvider{
		credentials:   credentialsProvider,
		clientFactory: clientFactory,
		clients:       cache.New(time.Hour, 10*time.Minute),
	}
}

func (p *DefaultProvider) client(ctx context.Context, account apis.TargetAccount) (sdk.EC2API, error) {
	key := fmt.Sprintf("%s/%s", account.AccountID, account.Region)
	if cached, ok := p.clients.Get(key); ok {
		return cached.(sdk.EC2API), nil
	}
	creds, err := p.credentials.Get(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("brokering credentials for %s, %w", account.AccountID, err)
	}
	client := p.clientFactory(account, creds)
	p.clients.SetDefault(key, client)
	return client, nil
}

func (p *DefaultProvider) Describe(ctx context.Context, account apis.TargetAccount, instanceIDs []string) (map[string]Info, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}
	api, err := p.client(ctx, account)
	if err != nil {
		return nil, err
	}
	infos := map[string]Info{}
	for _, chunk := range lo.Chunk(instanceIDs, 100) {
		input := &ec2.DescribeInstancesInput{InstanceIds: chunk}
		for {
			out, err := api.DescribeInstances(ctx, input)
			if err != nil {
				return nil, fmt.Errorf("describing %d instances, %w", len(chunk), err)
			}
			for _, reservation := range out.Reservations {
				for _, i := range reservation.Instances {
					info := Info{
						InstanceID:   aws.ToString(i.InstanceId),
						InstanceType: string(i.InstanceType),
						PrivateIP:    aws.ToString(i.PrivateIpAddress),
						PublicIP:     aws.ToString(i.PublicIpAddress),
					}
					if i.State != nil {
						info.State = string(i.State.Name)
					}
					if i.Placement != nil {
						info.AvailabilityZone = aws.ToString(i.Placement.AvailabilityZone)
					}
					infos[info.InstanceID] = info
				}
			}
			if out.NextToken == nil {
				break
			}
			input.NextToken = out.NextToken
		}
	}
	return infos, nil
}
