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

package gateway_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/utils/clock"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/aws/sdk"
	"github.com/awslabs/drs-orchestrator/pkg/engine/gateway"
	"github.com/awslabs/drs-orchestrator/pkg/engine/poller"
	"github.com/awslabs/drs-orchestrator/pkg/engine/supervisor"
	"github.com/awslabs/drs-orchestrator/pkg/engine/waverunner"
	"github.com/awslabs/drs-orchestrator/pkg/errors"
	"github.com/awslabs/drs-orchestrator/pkg/fake"
	"github.com/awslabs/drs-orchestrator/pkg/providers/drs"
	"github.com/awslabs/drs-orchestrator/pkg/providers/instance"
	"github.com/awslabs/drs-orchestrator/pkg/store"
	"github.com/awslabs/drs-orchestrator/pkg/test"
)

var (
	ctx         context.Context
	cancel      context.CancelFunc
	drsapi      *fake.DRSAPI
	ec2api      *fake.EC2API
	credentials *fake.CredentialsProvider
	memory      *fake.MemoryStore
	catalog     *fake.Catalog
	registry    *supervisor.Registry
	controller  *gateway.Gateway
	account     *apis.TargetAccount
	group       *apis.ProtectionGroup
	plan        *apis.RecoveryPlan
)

func TestGateway(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Gateway")
}

var _ = BeforeEach(func() {
	ctx, cancel = context.WithCancel(context.Background())
	drsapi = &fake.DRSAPI{}
	ec2api = &fake.EC2API{}
	credentials = &fake.CredentialsProvider{}
	memory = fake.NewMemoryStore()
	catalog = fake.NewCatalog()

	provider := drs.NewDefaultProvider(ctx, credentials, func(apis.TargetAccount, aws.CredentialsProvider) sdk.DRSAPI {
		return drsapi
	}, 1000, 1000)
	instances := instance.NewDefaultProvider(credentials, func(apis.TargetAccount, aws.CredentialsProvider) sdk.EC2API {
		return ec2api
	})
	pollerConfig := poller.Config{
		InitialInterval:      time.Millisecond,
		BackoffFactor:        1.5,
		MaxInterval:          5 * time.Millisecond,
		Jitter:               0.2,
		MaxLifetime:          5 * time.Second,
		AuthFailureThreshold: 3,
	}
	jobPoller := poller.NewPoller(provider, credentials, memory, clock.RealClock{}, pollerConfig, logr.Discard())
	runner := waverunner.NewWaveRunner(memory, catalog, provider, jobPoller, clock.RealClock{}, waverunner.DefaultConfig(), logr.Discard())
	sink := &fake.EventSink{}
	sup := supervisor.NewSupervisor(memory, catalog, runner, sink, clock.RealClock{}, supervisor.Config{PauseRecheckInterval: 10 * time.Millisecond}, logr.Discard())
	registry = supervisor.NewRegistry(sup, memory, logr.Discard())
	controller = gateway.NewGateway(ctx, memory, catalog, registry, provider, instances, clock.RealClock{}, logr.Discard())

	account = test.TargetAccount()
	group = test.ProtectionGroup(apis.ProtectionGroup{
		TargetAccountID: account.ID,
		ServerIDs:       []string{"s-aaa", "s-bbb", "s-ccc"},
	})
	catalog.AddTargetAccount(account)
	catalog.AddProtectionGroup(group)
	for _, id := range group.ServerIDs {
		server := test.SourceServer(id, nil)
		drsapi.SourceServers.Add(&server)
	}
	plan = test.RecoveryPlan(apis.RecoveryPlan{
		Waves: []apis.WaveSpec{{WaveNumber: 1, GroupID: group.ID}},
	})
	catalog.AddRecoveryPlan(plan)
})

var _ = AfterEach(func() {
	cancel()
	registry.Wait()
})

func status(executionID string) func() apis.ExecutionStatus {
	return func() apis.ExecutionStatus {
		e, err := memory.GetExecution(ctx, executionID)
		Expect(err).ToNot(HaveOccurred())
		return e.Status
	}
}

func startDrill() *apis.Execution {
	execution, err := controller.StartExecution(ctx, gateway.StartRequest{
		PlanID:      plan.ID,
		Type:        apis.ExecutionTypeDrill,
		InitiatedBy: "tester",
	})
	Expect(err).ToNot(HaveOccurred())
	return execution
}

var _ = Describe("StartExecution", func() {
	It("should create the execution and drive it to completion", func() {
		execution := startDrill()
		Expect(execution.ID).To(HavePrefix("exec-"))
		Expect(execution.Status).To(Equal(apis.ExecutionStatusPending))
		Eventually(status(execution.ID), 10*time.Second).Should(Equal(apis.ExecutionStatusCompleted))

		launches, err := memory.ListServerLaunches(ctx, execution.ID, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(launches).To(HaveLen(3))
	})
	It("should reject requests without a plan", func() {
		_, err := controller.StartExecution(ctx, gateway.StartRequest{Type: apis.ExecutionTypeDrill})
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeMissingField))
	})
	It("should reject unknown execution types", func() {
		_, err := controller.StartExecution(ctx, gateway.StartRequest{PlanID: plan.ID, Type: apis.ExecutionType("BOGUS")})
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeInvalidRequest))
	})
	It("should reject unknown plans", func() {
		_, err := controller.StartExecution(ctx, gateway.StartRequest{PlanID: "plan-missing", Type: apis.ExecutionTypeDrill})
		Expect(err).To(HaveOccurred())
	})
	It("should allow one active execution per plan", func() {
		plan.Waves[0].PauseBeforeWave = true
		catalog.AddRecoveryPlan(plan)

		execution := startDrill()
		Eventually(status(execution.ID), 10*time.Second).Should(Equal(apis.ExecutionStatusPaused))

		_, err := controller.StartExecution(ctx, gateway.StartRequest{PlanID: plan.ID, Type: apis.ExecutionTypeDrill})
		Expect(errors.CodeOf(err)).To(Equal(errors.CodePlanAlreadyExecuting))
	})
	It("should replay the same command id instead of starting twice", func() {
		first, err := controller.StartExecution(ctx, gateway.StartRequest{
			CommandID: "cmd-1", PlanID: plan.ID, Type: apis.ExecutionTypeDrill,
		})
		Expect(err).ToNot(HaveOccurred())
		second, err := controller.StartExecution(ctx, gateway.StartRequest{
			CommandID: "cmd-1", PlanID: plan.ID, Type: apis.ExecutionTypeDrill,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(second.ID).To(Equal(first.ID))

		executions, err := memory.ListExecutions(ctx, store.ExecutionFilter{})
		Expect(err).ToNot(HaveOccurred())
		Expect(executions).To(HaveLen(1))
	})
})

var _ = Describe("Pause, Resume, Cancel", func() {
	It("should pause at the wave boundary and resume on command", func() {
		// Seed the pause request before the supervisor reaches the first
		// boundary so the pause lands deterministically.
		execution := test.Execution(apis.Execution{PlanID: plan.ID, Status: apis.ExecutionStatusRunning, PauseRequested: true})
		Expect(memory.CreateExecution(ctx, execution)).To(Succeed())
		registry.Start(ctx, execution.ID)
		Eventually(status(execution.ID), 10*time.Second).Should(Equal(apis.ExecutionStatusPaused))

		Expect(controller.ResumeExecution(ctx, gateway.CommandRequest{ExecutionID: execution.ID, RequestedBy: "tester"})).To(Succeed())
		Eventually(status(execution.ID), 10*time.Second).Should(Equal(apis.ExecutionStatusCompleted))
	})
	It("should cancel a paused execution and skip its remaining waves", func() {
		plan.Waves[0].PauseBeforeWave = true
		catalog.AddRecoveryPlan(plan)
		execution := startDrill()
		Eventually(status(execution.ID), 10*time.Second).Should(Equal(apis.ExecutionStatusPaused))

		Expect(controller.CancelExecution(ctx, gateway.CommandRequest{ExecutionID: execution.ID, RequestedBy: "tester"})).To(Succeed())
		Eventually(status(execution.ID), 10*time.Second).Should(Equal(apis.ExecutionStatusCancelled))
	})
	It("should accept a pause for an execution that is already paused", func() {
		execution := test.Execution(apis.Execution{PlanID: plan.ID, Status: apis.ExecutionStatusPaused})
		Expect(memory.CreateExecution(ctx, execution)).To(Succeed())
		Expect(controller.PauseExecution(ctx, gateway.CommandRequest{ExecutionID: execution.ID, RequestedBy: "tester"})).To(Succeed())

		e, err := memory.GetExecution(ctx, execution.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(e.Status).To(Equal(apis.ExecutionStatusPaused))
		Expect(e.PauseRequested).To(BeFalse())
	})
	It("should refuse to pause an execution that is not running", func() {
		execution := test.Execution(apis.Execution{PlanID: plan.ID, Status: apis.ExecutionStatusCompleted})
		Expect(memory.CreateExecution(ctx, execution)).To(Succeed())
		err := controller.PauseExecution(ctx, gateway.CommandRequest{ExecutionID: execution.ID})
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeNotPausable))
	})
	It("should refuse to resume an execution that is not paused", func() {
		execution := test.Execution(apis.Execution{PlanID: plan.ID, Status: apis.ExecutionStatusPending})
		Expect(memory.CreateExecution(ctx, execution)).To(Succeed())
		err := controller.ResumeExecution(ctx, gateway.CommandRequest{ExecutionID: execution.ID})
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeInvalidState))
	})
	It("should refuse to cancel a terminal execution", func() {
		execution := test.Execution(apis.Execution{PlanID: plan.ID, Status: apis.ExecutionStatusFailed})
		Expect(memory.CreateExecution(ctx, execution)).To(Succeed())
		err := controller.CancelExecution(ctx, gateway.CommandRequest{ExecutionID: execution.ID})
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeInvalidState))
	})
	It("should reject commands for unknown executions", func() {
		err := controller.PauseExecution(ctx, gateway.CommandRequest{ExecutionID: "exec-missing"})
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeExecutionNotFound))
	})
	It("should replay a rejected command with the original code", func() {
		execution := test.Execution(apis.Execution{PlanID: plan.ID, Status: apis.ExecutionStatusCompleted})
		Expect(memory.CreateExecution(ctx, execution)).To(Succeed())
		req := gateway.CommandRequest{CommandID: "cmd-pause-1", ExecutionID: execution.ID}

		err := controller.PauseExecution(ctx, req)
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeNotPausable))
		err = controller.PauseExecution(ctx, req)
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeNotPausable))

		commands, err := memory.ListCommands(ctx, execution.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(commands).To(HaveLen(1))
	})
})

var _ = Describe("TerminateInstances", func() {
	It("should terminate every recovery instance a finished drill launched", func() {
		execution := startDrill()
		Eventually(status(execution.ID), 10*time.Second).Should(Equal(apis.ExecutionStatusCompleted))

		Expect(controller.TerminateInstances(ctx, gateway.CommandRequest{ExecutionID: execution.ID, RequestedBy: "tester"})).To(Succeed())
		Expect(drsapi.TerminateRecoveryInstancesBehavior.Calls()).To(Equal(int64(1)))
		input := drsapi.TerminateRecoveryInstancesBehavior.CalledWithInput.Pop()
		Expect(input.RecoveryInstanceIDs).To(ConsistOf("ri-s-aaa", "ri-s-bbb", "ri-s-ccc"))

		e, _ := memory.GetExecution(ctx, execution.ID)
		Expect(e.TerminateJobID).To(ContainSubstring("drsjob-terminate"))
	})
	It("should roll back a finished recovery execution", func() {
		execution, err := controller.StartExecution(ctx, gateway.StartRequest{
			PlanID:      plan.ID,
			Type:        apis.ExecutionTypeRecovery,
			InitiatedBy: "tester",
		})
		Expect(err).ToNot(HaveOccurred())
		Eventually(status(execution.ID), 10*time.Second).Should(Equal(apis.ExecutionStatusCompleted))

		Expect(controller.TerminateInstances(ctx, gateway.CommandRequest{ExecutionID: execution.ID, RequestedBy: "tester"})).To(Succeed())
		Expect(drsapi.TerminateRecoveryInstancesBehavior.Calls()).To(Equal(int64(1)))
	})
	It("should refuse while the drill is still running", func() {
		execution := test.Execution(apis.Execution{PlanID: plan.ID, Status: apis.ExecutionStatusRunning})
		Expect(memory.CreateExecution(ctx, execution)).To(Succeed())
		err := controller.TerminateInstances(ctx, gateway.CommandRequest{ExecutionID: execution.ID})
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeInvalidState))
	})
	It("should refuse drills that launched nothing", func() {
		execution := test.Execution(apis.Execution{PlanID: plan.ID, Status: apis.ExecutionStatusFailed})
		Expect(memory.CreateExecution(ctx, execution)).To(Succeed())
		err := controller.TerminateInstances(ctx, gateway.CommandRequest{ExecutionID: execution.ID})
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeInvalidRequest))
	})
})

var _ = Describe("Queries", func() {
	It("should assemble the full execution detail with EC2 enrichment", func() {
		execution := startDrill()
		Eventually(status(execution.ID), 10*time.Second).Should(Equal(apis.ExecutionStatusCompleted))

		detail, err := controller.GetExecution(ctx, execution.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(detail.Waves).To(HaveLen(1))
		Expect(detail.Launches).To(HaveLen(3))
		Expect(detail.Instances).To(HaveKey("i-ri-s-aaa"))
		Expect(detail.Instances["i-ri-s-aaa"].State).To(Equal("running"))
	})
	It("should reject detail reads for unknown executions", func() {
		_, err := controller.GetExecution(ctx, "exec-missing")
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeExecutionNotFound))
	})
	It("should fetch job logs through the launch's target account", func() {
		execution := startDrill()
		Eventually(status(execution.ID), 10*time.Second).Should(Equal(apis.ExecutionStatusCompleted))

		launches, err := memory.ListServerLaunches(ctx, execution.ID, 1)
		Expect(err).ToNot(HaveOccurred())
		items, err := controller.GetJobLogs(ctx, execution.ID, launches[0].JobID)
		Expect(err).ToNot(HaveOccurred())
		Expect(items).ToNot(BeEmpty())
	})
	It("should refuse job logs for jobs outside the execution", func() {
		execution := startDrill()
		Eventually(status(execution.ID), 10*time.Second).Should(Equal(apis.ExecutionStatusCompleted))
		_, err := controller.GetJobLogs(ctx, execution.ID, "drsjob-foreign")
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeInvalidRequest))
	})
	It("should expose the audit trail", func() {
		execution := startDrill()
		Eventually(status(execution.ID), 10*time.Second).Should(Equal(apis.ExecutionStatusCompleted))
		records, err := controller.GetAuditTrail(ctx, execution.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(records).ToNot(BeEmpty())
	})
})
