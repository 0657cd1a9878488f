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

package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/awslabs/drs-orchestrator/pkg/aws/sdk"
)

// SNSSink publishes events to an SNS topic as JSON with severity and status
// message attributes for subscriber filtering.
type SNSSink struct {
	api      sdk.SNSAPI
	topicARN string
}

func NewSNSSink(api sdk.SNSAPI, topicARN string) *SNSSink {
	return &SNSSink{api: api, topicARN: topicARN}
}

func (s *SNSSink) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event, %w", err)
	}
	_, err = s.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"severity": {DataType: aws.String("String"), StringValue: aws.String(string(event.Severity))},
			"status":   {DataType: aws.String("String"), StringValue: aws.String(string(event.Status))},
		},
	})
	if err != nil {
		return fmt.Errorf("publishing to %s, %w", s.topicARN, err)
	}
	return nil
}
