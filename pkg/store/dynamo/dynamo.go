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

// Package dynamo implements the state store on DynamoDB. Optimistic
// concurrency maps onto conditional writes: executions are written with a
// condition on the stored version, creates with attribute_not_exists. Stores
// without conditional writes cannot satisfy the adapter contract.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/aws/sdk"
	"github.com/awslabs/drs-orchestrator/pkg/store"
)

const (
	planStatusIndex  = "plan-status-index"
	statusStartIndex = "status-start-index"
	executionIndex   = "execution-requested-index"
)

// TableNames holds the five logical tables backing the store.
type TableNames struct {
	Executions     string
	Waves          string
	ServerLaunches string
	Commands       string
	Audit          string
}

type Store struct {
	api    sdk.DynamoDBAPI
	tables TableNames
}

func NewStore(api sdk.DynamoDBAPI, tables TableNames) *Store {
	return &Store{api: api, tables: tables}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *Store) CreateExecution(ctx context.Context, execution *apis.Execution) error {
	execution.Version = 1
	item, err := attributevalue.MarshalMap(execution)
	if err != nil {
		return fmt.Errorf("marshaling execution, %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Executions),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("creating execution %s, %w", execution.ID, err)
	}
	return nil
}

func (s *Store) UpdateExecution(ctx context.Context, execution *apis.Execution) error {
	expected := execution.Version
	execution.Version = expected + 1
	item, err := attributevalue.MarshalMap(execution)
	if err != nil {
		execution.Version = expected
		return fmt.Errorf("marshaling execution, %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Executions),
		Item:                item,
		ConditionExpression: aws.String("version = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		},
	})
	if err != nil {
		execution.Version = expected
		if isConditionalCheckFailed(err) {
			return store.ErrVersionConflict
		}
		return fmt.Errorf("updating execution %s, %w", execution.ID, err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*apis.Execution, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Executions),
		Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting execution %s, %w", id, err)
	}
	if out.Item == nil {
		return nil, store.ErrNotFound
	}
	execution := &apis.Execution{}
	if err := attributevalue.UnmarshalMap(out.Item, execution); err != nil {
		return nil, fmt.Errorf("unmarshaling execution %s, %w", id, err)
	}
	return execution, nil
}

func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*apis.Execution, error) {
	var executions []*apis.Execution
	var err error
	switch {
	case filter.PlanID != "":
		executions, err = s.queryExecutions(ctx, planStatusIndex, "planId", filter.PlanID)
	case filter.Status != "":
		executions, err = s.queryExecutions(ctx, statusStartIndex, "#s", string(filter.Status))
	default:
		executions, err = s.scanExecutions(ctx)
	}
	if err != nil {
		return nil, err
	}
	executions = lo.Filter(executions, func(e *apis.Execution, _ int) bool {
		if filter.Status != "" && e.Status != filter.Status {
			return false
		}
		if filter.Type != "" && e.Type != filter.Type {
			return false
		}
		if filter.InitiatedBy != "" && e.InitiatedBy != filter.InitiatedBy {
			return false
		}
		if filter.After != nil && e.StartTime.Before(*filter.After) {
			return false
		}
		if filter.Before != nil && e.StartTime.After(*filter.Before) {
			return false
		}
		return true
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

func (s *Store) queryExecutions(ctx context.Context, index, key, value string) ([]*apis.Execution, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Executions),
		IndexName:              aws.String(index),
		KeyConditionExpression: aws.String(fmt.Sprintf("%s = :v", key)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: value},
		},
	}
	// "status" is a DynamoDB reserved word.
	if key == "#s" {
		input.ExpressionAttributeNames = map[string]string{"#s": "status"}
	}
	var executions []*apis.Execution
	for {
		out, err := s.api.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("querying executions, %w", err)
		}
		page := []*apis.Execution{}
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshaling executions, %w", err)
		}
		executions = append(executions, page...)
		if out.LastEvaluatedKey == nil {
			return executions, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) scanExecutions(ctx context.Context) ([]*apis.Execution, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.tables.Executions)}
	var executions []*apis.Execution
	for {
		out, err := s.api.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scanning executions, %w", err)
		}
		page := []*apis.Execution{}
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshaling executions, %w", err)
		}
		executions = append(executions, page...)
		if out.LastEvaluatedKey == nil {
			return executions, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) ActiveExecutionForPlan(ctx context.Context, planID string) (*apis.Execution, error) {
	executions, err := s.queryExecutions(ctx, planStatusIndex, "planId", planID)
	if err != nil {
		return nil, err
	}
	for _, execution := range executions {
		if !execution.Status.IsTerminal() {
			// GSI reads are eventually consistent; confirm against the table.
			return s.GetExecution(ctx, execution.ID)
		}
	}
	return nil, nil
}

func (s *Store) ListNonTerminalExecutions(ctx context.Context) ([]*apis.Execution, error) {
	var executions []*apis.Execution
	for _, status := range []apis.ExecutionStatus{
		apis.ExecutionStatusPending,
		apis.ExecutionStatusRunning,
		apis.ExecutionStatusPaused,
		apis.ExecutionStatusCancelling,
	} {
		page, err := s.queryExecutions(ctx, statusStartIndex, "#s", string(status))
		if err != nil {
			return nil, err
		}
		executions = append(executions, page...)
	}
	return executions, nil
}

func launchSortKey(waveNumber int, sourceServerID string) string {
	return fmt.Sprintf("%06d#%s", waveNumber, sourceServerID)
}

func (s *Store) PutWave(ctx context.Context, wave *apis.WaveExecution) error {
	return s.putItem(ctx, s.tables.Waves, wave)
}

func (s *Store) UpdateWave(ctx context.Context, wave *apis.WaveExecution) error {
	return s.putItem(ctx, s.tables.Waves, wave)
}

func (s *Store) GetWave(ctx context.Context, executionID string, waveNumber int) (*apis.WaveExecution, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Waves),
		Key: map[string]types.AttributeValue{
			"executionId": &types.AttributeValueMemberS{Value: executionID},
			"waveNumber":  &types.AttributeValueMemberN{Value: strconv.Itoa(waveNumber)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting wave %s/%d, %w", executionID, waveNumber, err)
	}
	if out.Item == nil {
		return nil, store.ErrNotFound
	}
	wave := &apis.WaveExecution{}
	if err := attributevalue.UnmarshalMap(out.Item, wave); err != nil {
		return nil, fmt.Errorf("unmarshaling wave, %w", err)
	}
	return wave, nil
}

func (s *Store) ListWaves(ctx context.Context, executionID string) ([]*apis.WaveExecution, error) {
	waves := []*apis.WaveExecution{}
	if err := s.queryByExecution(ctx, s.tables.Waves, executionID, &waves); err != nil {
		return nil, err
	}
	sort.Slice(waves, func(i, j int) bool { return waves[i].WaveNumber < waves[j].WaveNumber })
	return waves, nil
}

func (s *Store) PutServerLaunch(ctx context.Context, launch *apis.ServerLaunch) error {
	return s.putLaunch(ctx, launch)
}

func (s *Store) UpdateServerLaunch(ctx context.Context, launch *apis.ServerLaunch) error {
	return s.putLaunch(ctx, launch)
}

func (s *Store) putLaunch(ctx context.Context, launch *apis.ServerLaunch) error {
	item, err := attributevalue.MarshalMap(launch)
	if err != nil {
		return fmt.Errorf("marshaling server launch, %w", err)
	}
	item["sk"] = &types.AttributeValueMemberS{Value: launchSortKey(launch.WaveNumber, launch.SourceServerID)}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.ServerLaunches),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("writing server launch %s/%s, %w", launch.ExecutionID, launch.SourceServerID, err)
	}
	return nil
}

func (s *Store) ListServerLaunches(ctx context.Context, executionID string, waveNumber int) ([]*apis.ServerLaunch, error) {
	launches, err := s.ListAllServerLaunches(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return lo.Filter(launches, func(l *apis.ServerLaunch, _ int) bool { return l.WaveNumber == waveNumber }), nil
}

func (s *Store) ListAllServerLaunches(ctx context.Context, executionID string) ([]*apis.ServerLaunch, error) {
	launches := []*apis.ServerLaunch{}
	if err := s.queryByExecution(ctx, s.tables.ServerLaunches, executionID, &launches); err != nil {
		return nil, err
	}
	sort.Slice(launches, func(i, j int) bool {
		if launches[i].WaveNumber != launches[j].WaveNumber {
			return launches[i].WaveNumber < launches[j].WaveNumber
		}
		return launches[i].SourceServerID < launches[j].SourceServerID
	})
	return launches, nil
}

func (s *Store) PutCommand(ctx context.Context, command *apis.Command) error {
	item, err := attributevalue.MarshalMap(command)
	if err != nil {
		return fmt.Errorf("marshaling command, %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Commands),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("creating command %s, %w", command.ID, err)
	}
	return nil
}

func (s *Store) UpdateCommand(ctx context.Context, command *apis.Command) error {
	return s.putItem(ctx, s.tables.Commands, command)
}

func (s *Store) GetCommand(ctx context.Context, id string) (*apis.Command, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Commands),
		Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting command %s, %w", id, err)
	}
	if out.Item == nil {
		return nil, store.ErrNotFound
	}
	command := &apis.Command{}
	if err := attributevalue.UnmarshalMap(out.Item, command); err != nil {
		return nil, fmt.Errorf("unmarshaling command, %w", err)
	}
	return command, nil
}

func (s *Store) ListCommands(ctx context.Context, executionID string) ([]*apis.Command, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Commands),
		IndexName:              aws.String(executionIndex),
		KeyConditionExpression: aws.String("executionId = :e"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": &types.AttributeValueMemberS{Value: executionID},
		},
	}
	var items []map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("querying commands, %w", err)
		}
		items = append(items, out.Items...)
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	commands := []*apis.Command{}
	if err := attributevalue.UnmarshalListOfMaps(items, &commands); err != nil {
		return nil, fmt.Errorf("unmarshaling commands, %w", err)
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].RequestedAt.Before(commands[j].RequestedAt) })
	return commands, nil
}

// auditCounterKey is the sequence slot reserved for the per-execution counter
// row; real records start at 1.
const auditCounterKey = 0

func (s *Store) AppendAudit(ctx context.Context, record *apis.AuditRecord) error {
	if record.Sequence == 0 {
		sequence, err := s.nextAuditSequence(ctx, record.ExecutionID)
		if err != nil {
			return err
		}
		record.Sequence = sequence
	}
	return s.putItem(ctx, s.tables.Audit, record)
}

// nextAuditSequence atomically increments the execution's counter row so
// concurrent appenders never collide and sequences strictly increase.
func (s *Store) nextAuditSequence(ctx context.Context, executionID string) (int64, error) {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tables.Audit),
		Key: map[string]types.AttributeValue{
			"executionId": &types.AttributeValueMemberS{Value: executionID},
			"sequence":    &types.AttributeValueMemberN{Value: strconv.Itoa(auditCounterKey)},
		},
		UpdateExpression: aws.String("ADD #c :one"),
		ExpressionAttributeNames: map[string]string{
			"#c": "counter",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing audit sequence for %s, %w", executionID, err)
	}
	counter, ok := out.Attributes["counter"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("incrementing audit sequence for %s, counter attribute missing", executionID)
	}
	sequence, err := strconv.ParseInt(counter.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing audit sequence for %s, %w", executionID, err)
	}
	return sequence, nil
}

func (s *Store) ListAudit(ctx context.Context, executionID string) ([]*apis.AuditRecord, error) {
	records := []*apis.AuditRecord{}
	if err := s.queryByExecution(ctx, s.tables.Audit, executionID, &records); err != nil {
		return nil, err
	}
	records = lo.Filter(records, func(r *apis.AuditRecord, _ int) bool { return r.Sequence != auditCounterKey })
	sort.Slice(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })
	return records, nil
}

func (s *Store) putItem(ctx context.Context, table string, v interface{}) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("marshaling item, %w", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(table), Item: item}); err != nil {
		return fmt.Errorf("writing to %s, %w", table, err)
	}
	return nil
}

func (s *Store) queryByExecution(ctx context.Context, table, executionID string, out interface{}) error {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("executionId = :e"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": &types.AttributeValueMemberS{Value: executionID},
		},
		ConsistentRead: aws.Bool(true),
	}
	var items []map[string]types.AttributeValue
	for {
		result, err := s.api.Query(ctx, input)
		if err != nil {
			return fmt.Errorf("querying %s, %w", table, err)
		}
		items = append(items, result.Items...)
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	if err := attributevalue.UnmarshalListOfMaps(items, out); err != nil {
		return fmt.Errorf("unmarshaling %s rows, %w", table, err)
	}
	return nil
}
