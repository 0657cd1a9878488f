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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/awslabs/drs-orchestrator/pkg/aws/sdk"
)

type EC2Behavior struct {
	DescribeInstancesBehavior MockedFunction[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
}

type EC2API struct {
	sdk.EC2API
	EC2Behavior
}

// Reset must be called between tests otherwise tests will pollute each other.
func (e *EC2API) Reset() {
	e.DescribeInstancesBehavior.Reset()
}

// DescribeInstances defaults to returning every requested instance as a
// running instance in a single reservation.
func (e *EC2API) DescribeInstances(_ context.Context, input *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return e.DescribeInstancesBehavior.Invoke(input, func(input *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		return &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{
				Instances: lo.Map(input.InstanceIds, func(id string, _ int) ec2types.Instance {
					return ec2types.Instance{
						InstanceId:       aws.String(id),
						InstanceType:     ec2types.InstanceTypeM5Large,
						State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
						PrivateIpAddress: aws.String("10.0.0.10"),
						Placement:        &ec2types.Placement{AvailabilityZone: aws.String("us-east-1a")},
					}
				}),
			}},
		}, nil
	})
}
