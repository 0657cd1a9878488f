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

package dynamo_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/store/dynamo"
)

var (
	ctx   context.Context
	ddb   *ddbStub
	state *dynamo.Store
)

func TestDynamo(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Dynamo")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	ddb = newDDBStub()
	state = dynamo.NewStore(ddb, dynamo.TableNames{
		Executions:     "executions",
		Waves:          "wave_executions",
		ServerLaunches: "server_launches",
		Commands:       "commands",
		Audit:          "audit_log",
	})
})

// ddbStub answers the narrow DynamoDB surface the store uses. Counters back
// UpdateItem's ADD expression, puts are recorded per table, and Query replays
// scripted pages so pagination is observable.
type ddbStub struct {
	mu       sync.Mutex
	counters map[string]int64
	puts     map[string][]map[string]types.AttributeValue
	pages    []*awsdynamodb.QueryOutput
	queries  int
}

func newDDBStub() *ddbStub {
	return &ddbStub{
		counters: map[string]int64{},
		puts:     map[string][]map[string]types.AttributeValue{},
	}
}

func (d *ddbStub) PutItem(_ context.Context, input *awsdynamodb.PutItemInput, _ ...func(*awsdynamodb.Options)) (*awsdynamodb.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	table := aws.ToString(input.TableName)
	d.puts[table] = append(d.puts[table], input.Item)
	return &awsdynamodb.PutItemOutput{}, nil
}

func (d *ddbStub) GetItem(_ context.Context, _ *awsdynamodb.GetItemInput, _ ...func(*awsdynamodb.Options)) (*awsdynamodb.GetItemOutput, error) {
	return &awsdynamodb.GetItemOutput{}, nil
}

func (d *ddbStub) UpdateItem(_ context.Context, input *awsdynamodb.UpdateItemInput, _ ...func(*awsdynamodb.Options)) (*awsdynamodb.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := aws.ToString(input.TableName)
	if id, ok := input.Key["executionId"].(*types.AttributeValueMemberS); ok {
		key += "/" + id.Value
	}
	d.counters[key]++
	return &awsdynamodb.UpdateItemOutput{
		Attributes: map[string]types.AttributeValue{
			"counter": &types.AttributeValueMemberN{Value: strconv.FormatInt(d.counters[key], 10)},
		},
	}, nil
}

func (d *ddbStub) Query(_ context.Context, _ *awsdynamodb.QueryInput, _ ...func(*awsdynamodb.Options)) (*awsdynamodb.QueryOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queries >= len(d.pages) {
		return &awsdynamodb.QueryOutput{}, nil
	}
	page := d.pages[d.queries]
	d.queries++
	return page, nil
}

func (d *ddbStub) Scan(_ context.Context, _ *awsdynamodb.ScanInput, _ ...func(*awsdynamodb.Options)) (*awsdynamodb.ScanOutput, error) {
	return &awsdynamodb.ScanOutput{}, nil
}

func commandItem(id string, requestedAt time.Time) map[string]types.AttributeValue {
	item, err := attributevalue.MarshalMap(&apis.Command{ID: id, ExecutionID: "exec-1", Kind: apis.CommandKindPause, RequestedAt: requestedAt})
	Expect(err).ToNot(HaveOccurred())
	return item
}

var _ = Describe("Audit Trail", func() {
	It("should assign strictly increasing sequences from the counter row", func() {
		first := &apis.AuditRecord{ExecutionID: "exec-1", Time: time.Now(), Kind: apis.AuditKindTransition, Message: "execution started"}
		second := &apis.AuditRecord{ExecutionID: "exec-1", Time: time.Now(), Kind: apis.AuditKindTransition, Message: "wave 1 started"}
		Expect(state.AppendAudit(ctx, first)).To(Succeed())
		Expect(state.AppendAudit(ctx, second)).To(Succeed())
		Expect(first.Sequence).To(Equal(int64(1)))
		Expect(second.Sequence).To(Equal(int64(2)))
		Expect(ddb.puts["audit_log"]).To(HaveLen(2))
	})
	It("should keep independent counters per execution", func() {
		a := &apis.AuditRecord{ExecutionID: "exec-a", Time: time.Now(), Kind: apis.AuditKindCommand, Message: "command accepted"}
		b := &apis.AuditRecord{ExecutionID: "exec-b", Time: time.Now(), Kind: apis.AuditKindCommand, Message: "command accepted"}
		Expect(state.AppendAudit(ctx, a)).To(Succeed())
		Expect(state.AppendAudit(ctx, b)).To(Succeed())
		Expect(a.Sequence).To(Equal(int64(1)))
		Expect(b.Sequence).To(Equal(int64(1)))
	})
	It("should hide the counter row from audit reads", func() {
		counter, err := attributevalue.MarshalMap(map[string]any{"executionId": "exec-1", "sequence": 0, "counter": 2})
		Expect(err).ToNot(HaveOccurred())
		record, err := attributevalue.MarshalMap(&apis.AuditRecord{ExecutionID: "exec-1", Sequence: 1, Time: time.Now(), Kind: apis.AuditKindTransition, Message: "execution started"})
		Expect(err).ToNot(HaveOccurred())
		ddb.pages = []*awsdynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{counter, record}}}

		records, err := state.ListAudit(ctx, "exec-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].Sequence).To(Equal(int64(1)))
	})
})

var _ = Describe("Pagination", func() {
	It("should read every command page", func() {
		base := time.Now()
		ddb.pages = []*awsdynamodb.QueryOutput{
			{
				Items:            []map[string]types.AttributeValue{commandItem("cmd-2", base.Add(time.Minute))},
				LastEvaluatedKey: map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "cmd-2"}},
			},
			{
				Items: []map[string]types.AttributeValue{commandItem("cmd-1", base)},
			},
		}

		commands, err := state.ListCommands(ctx, "exec-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(commands).To(HaveLen(2))
		Expect(ddb.queries).To(Equal(2))
		// Sorted by request time regardless of page order.
		Expect(commands[0].ID).To(Equal("cmd-1"))
		Expect(commands[1].ID).To(Equal("cmd-2"))
	})
	It("should read every launch page", func() {
		first, err := attributevalue.MarshalMap(&apis.ServerLaunch{ExecutionID: "exec-1", WaveNumber: 1, SourceServerID: "s-aaa", Status: apis.LaunchStatusLaunched})
		Expect(err).ToNot(HaveOccurred())
		second, err := attributevalue.MarshalMap(&apis.ServerLaunch{ExecutionID: "exec-1", WaveNumber: 1, SourceServerID: "s-bbb", Status: apis.LaunchStatusLaunched})
		Expect(err).ToNot(HaveOccurred())
		ddb.pages = []*awsdynamodb.QueryOutput{
			{
				Items:            []map[string]types.AttributeValue{first},
				LastEvaluatedKey: map[string]types.AttributeValue{"sk": &types.AttributeValueMemberS{Value: "000001#s-aaa"}},
			},
			{
				Items: []map[string]types.AttributeValue{second},
			},
		}

		launches, err := state.ListAllServerLaunches(ctx, "exec-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(launches).To(HaveLen(2))
		Expect(ddb.queries).To(Equal(2))
	})
})
