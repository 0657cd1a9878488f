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

package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/aws/sdk"
	"github.com/awslabs/drs-orchestrator/pkg/store"
)

type CatalogTables struct {
	ProtectionGroups string
	RecoveryPlans    string
	TargetAccounts   string
}

// Catalog reads protection groups, recovery plans, and target accounts from
// DynamoDB. The catalog is maintained by tooling outside this process; the
// engine only reads it.
type Catalog struct {
	api    sdk.DynamoDBAPI
	tables CatalogTables
}

func NewCatalog(api sdk.DynamoDBAPI, tables CatalogTables) *Catalog {
	return &Catalog{api: api, tables: tables}
}

func (c *Catalog) GetProtectionGroup(ctx context.Context, id string) (*apis.ProtectionGroup, error) {
	group := &apis.ProtectionGroup{}
	if err := c.get(ctx, c.tables.ProtectionGroups, id, group); err != nil {
		return nil, err
	}
	return group, nil
}

func (c *Catalog) GetRecoveryPlan(ctx context.Context, id string) (*apis.RecoveryPlan, error) {
	plan := &apis.RecoveryPlan{}
	if err := c.get(ctx, c.tables.RecoveryPlans, id, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (c *Catalog) GetTargetAccount(ctx context.Context, id string) (*apis.TargetAccount, error) {
	account := &apis.TargetAccount{}
	if err := c.get(ctx, c.tables.TargetAccounts, id, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (c *Catalog) get(ctx context.Context, table, id string, out interface{}) error {
	resp, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("getting %s from %s, %w", id, table, err)
	}
	if resp.Item == nil {
		return fmt.Errorf("%s in %s, %w", id, table, store.ErrNotFound)
	}
	if err := attributevalue.UnmarshalMap(resp.Item, out); err != nil {
		return fmt.Errorf("unmarshaling %s from %s, %w", id, table, err)
	}
	return nil
}
