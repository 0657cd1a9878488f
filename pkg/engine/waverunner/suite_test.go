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

package waverunner_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdrs "github.com/aws/aws-sdk-go-v2/service/drs"
	drstypes "github.com/aws/aws-sdk-go-v2/service/drs/types"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/aws/sdk"
	"github.com/awslabs/drs-orchestrator/pkg/engine/poller"
	"github.com/awslabs/drs-orchestrator/pkg/engine/waverunner"
	"github.com/awslabs/drs-orchestrator/pkg/fake"
	"github.com/awslabs/drs-orchestrator/pkg/providers/drs"
	"github.com/awslabs/drs-orchestrator/pkg/test"
)

var (
	ctx         context.Context
	cancel      context.CancelFunc
	drsapi      *fake.DRSAPI
	credentials *fake.CredentialsProvider
	memory      *fake.MemoryStore
	catalog     *fake.Catalog
	provider    *drs.DefaultProvider
	runner      *waverunner.WaveRunner
	account     *apis.TargetAccount
	group       *apis.ProtectionGroup
	execution   *apis.Execution
	spec        apis.WaveSpec
)

func TestWaveRunner(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "WaveRunner")
}

func newRunner(config waverunner.Config) *waverunner.WaveRunner {
	pollerConfig := poller.Config{
		InitialInterval:      time.Millisecond,
		BackoffFactor:        1.5,
		MaxInterval:          5 * time.Millisecond,
		Jitter:               0.2,
		MaxLifetime:          5 * time.Second,
		AuthFailureThreshold: 3,
	}
	jobPoller := poller.NewPoller(provider, credentials, memory, clock.RealClock{}, pollerConfig, logr.Discard())
	return waverunner.NewWaveRunner(memory, catalog, provider, jobPoller, clock.RealClock{}, config, logr.Discard())
}

var _ = BeforeEach(func() {
	ctx, cancel = context.WithCancel(context.Background())
	drsapi = &fake.DRSAPI{}
	credentials = &fake.CredentialsProvider{}
	memory = fake.NewMemoryStore()
	catalog = fake.NewCatalog()
	provider = drs.NewDefaultProvider(ctx, credentials, func(apis.TargetAccount, aws.CredentialsProvider) sdk.DRSAPI {
		return drsapi
	}, 1000, 1000)

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

	execution = test.Execution(apis.Execution{Status: apis.ExecutionStatusRunning})
	Expect(memory.CreateExecution(ctx, execution)).To(Succeed())
	spec = apis.WaveSpec{WaveNumber: 1, GroupID: group.ID}

	config := waverunner.DefaultConfig()
	config.QuotaRetryInterval = time.Millisecond
	config.QuotaRetryAttempts = 2
	runner = newRunner(config)
})

var _ = AfterEach(func() {
	cancel()
})

var _ = Describe("Wave Execution", func() {
	It("should launch every server and complete", func() {
		wave, err := runner.Run(ctx, execution, spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(wave.Status).To(Equal(apis.WaveStatusCompleted))
		Expect(wave.ServerCount).To(Equal(3))
		Expect(wave.StartTime).ToNot(BeNil())
		Expect(wave.EndTime).ToNot(BeNil())

		launches, err := memory.ListServerLaunches(ctx, execution.ID, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(launches).To(HaveLen(3))
		for _, launch := range launches {
			Expect(launch.Status).To(Equal(apis.LaunchStatusLaunched))
			Expect(launch.JobID).ToNot(BeEmpty())
			Expect(launch.RecoveryInstanceID).To(Equal("ri-" + launch.SourceServerID))
		}
	})
	It("should pass the drill flag and execution tag on every launch", func() {
		execution.Type = apis.ExecutionTypeDrill
		_, err := runner.Run(ctx, execution, spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(drsapi.StartRecoveryBehavior.Calls()).To(Equal(int64(3)))
		input := drsapi.StartRecoveryBehavior.CalledWithInput.Pop()
		Expect(aws.ToBool(input.IsDrill)).To(BeTrue())
		Expect(input.Tags).To(HaveKeyWithValue(drs.ExecutionTagKey, execution.ID))
	})
	It("should finish PARTIAL when some servers fail to launch", func() {
		drsapi.Outcomes.Store("s-bbb", fake.LaunchOutcome{Status: drstypes.LaunchStatusFailed, ErrorMessage: "no capacity"})
		wave, err := runner.Run(ctx, execution, spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(wave.Status).To(Equal(apis.WaveStatusPartial))
		Expect(wave.FailureReason).To(ContainSubstring("1/3"))

		launches, _ := memory.ListServerLaunches(ctx, execution.ID, 1)
		byServer := lo.SliceToMap(launches, func(l *apis.ServerLaunch) (string, apis.LaunchStatus) {
			return l.SourceServerID, l.Status
		})
		Expect(byServer["s-bbb"]).To(Equal(apis.LaunchStatusFailed))
		Expect(byServer["s-aaa"]).To(Equal(apis.LaunchStatusLaunched))
		Expect(byServer["s-ccc"]).To(Equal(apis.LaunchStatusLaunched))
	})
	It("should finish FAILED when every server fails", func() {
		for _, id := range group.ServerIDs {
			drsapi.Outcomes.Store(id, fake.LaunchOutcome{Status: drstypes.LaunchStatusFailed})
		}
		wave, err := runner.Run(ctx, execution, spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(wave.Status).To(Equal(apis.WaveStatusFailed))
	})
	It("should fail the wave when the tag selector matches nothing", func() {
		group.ServerIDs = nil
		group.TagSelector = map[string]string{"Tier": "nonexistent"}
		catalog.AddProtectionGroup(group)
		wave, err := runner.Run(ctx, execution, spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(wave.Status).To(Equal(apis.WaveStatusFailed))
		Expect(wave.FailureReason).To(ContainSubstring("NO_MATCHING_SERVERS"))
		Expect(drsapi.StartRecoveryBehavior.Calls()).To(BeZero())
	})
	It("should fail waves over the size limit before launching anything", func() {
		group.ServerIDs = nil
		group.TagSelector = map[string]string{"Tier": "all"}
		catalog.AddProtectionGroup(group)
		for i := 0; i < apis.MaxWaveSize+1; i++ {
			server := test.SourceServer(fmt.Sprintf("s-%04d", i), map[string]string{"Tier": "all"})
			drsapi.SourceServers.Add(&server)
		}
		wave, err := runner.Run(ctx, execution, spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(wave.Status).To(Equal(apis.WaveStatusFailed))
		Expect(wave.FailureReason).To(ContainSubstring("WAVE_SIZE_LIMIT_EXCEEDED"))
		Expect(drsapi.StartRecoveryBehavior.Calls()).To(BeZero())
	})
	It("should fail when the account is out of recovery job quota", func() {
		drsapi.DescribeJobsBehavior.Output.Set(&awsdrs.DescribeJobsOutput{
			Items: lo.Map(lo.Range(20), func(i int, _ int) drstypes.Job {
				return drstypes.Job{JobID: aws.String(fmt.Sprintf("drsjob-%d", i)), Status: drstypes.JobStatusStarted}
			}),
		})
		wave, err := runner.Run(ctx, execution, spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(wave.Status).To(Equal(apis.WaveStatusFailed))
		Expect(wave.FailureReason).To(ContainSubstring("CONCURRENT_JOBS_LIMIT_EXCEEDED"))
		Expect(drsapi.StartRecoveryBehavior.Calls()).To(BeZero())
	})
})

var _ = Describe("Cancellation", func() {
	It("should never launch for an execution that is already cancelling", func() {
		e, err := memory.GetExecution(ctx, execution.ID)
		Expect(err).ToNot(HaveOccurred())
		e.Status = apis.ExecutionStatusCancelling
		Expect(memory.UpdateExecution(ctx, e)).To(Succeed())

		wave, err := runner.Run(ctx, execution, spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(wave.Status).To(Equal(apis.WaveStatusSkipped))
		Expect(drsapi.StartRecoveryBehavior.Calls()).To(BeZero())
	})
	It("should cancel pending rows but drain launches already in flight", func() {
		job, err := provider.StartRecovery(ctx, *account, "s-aaa", false, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(memory.PutWave(ctx, &apis.WaveExecution{
			ExecutionID: execution.ID,
			WaveNumber:  1,
			GroupID:     group.ID,
			Status:      apis.WaveStatusPolling,
			ServerCount: 3,
		})).To(Succeed())
		Expect(memory.PutServerLaunch(ctx, &apis.ServerLaunch{
			ExecutionID: execution.ID, WaveNumber: 1, SourceServerID: "s-aaa",
			JobID: aws.ToString(job.JobID), Status: apis.LaunchStatusLaunching,
		})).To(Succeed())
		Expect(memory.PutServerLaunch(ctx, &apis.ServerLaunch{
			ExecutionID: execution.ID, WaveNumber: 1, SourceServerID: "s-bbb",
			Status: apis.LaunchStatusPending,
		})).To(Succeed())
		Expect(memory.PutServerLaunch(ctx, &apis.ServerLaunch{
			ExecutionID: execution.ID, WaveNumber: 1, SourceServerID: "s-ccc",
			Status: apis.LaunchStatusPending,
		})).To(Succeed())

		e, err := memory.GetExecution(ctx, execution.ID)
		Expect(err).ToNot(HaveOccurred())
		e.Status = apis.ExecutionStatusCancelling
		Expect(memory.UpdateExecution(ctx, e)).To(Succeed())

		wave, err := runner.Run(ctx, execution, spec)
		Expect(err).ToNot(HaveOccurred())
		// The in-flight job drains to LAUNCHED, the unsent rows never launch.
		Expect(wave.Status).To(Equal(apis.WaveStatusPartial))
		Expect(drsapi.StartRecoveryBehavior.Calls()).To(Equal(int64(1)))

		launches, _ := memory.ListServerLaunches(ctx, execution.ID, 1)
		byServer := lo.SliceToMap(launches, func(l *apis.ServerLaunch) (string, apis.LaunchStatus) {
			return l.SourceServerID, l.Status
		})
		Expect(byServer["s-aaa"]).To(Equal(apis.LaunchStatusLaunched))
		Expect(byServer["s-bbb"]).To(Equal(apis.LaunchStatusCancelled))
		Expect(byServer["s-ccc"]).To(Equal(apis.LaunchStatusCancelled))
	})
})

var _ = Describe("Restart Resume", func() {
	It("should re-track in-flight jobs instead of launching twice", func() {
		job, err := provider.StartRecovery(ctx, *account, "s-aaa", false, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(memory.PutWave(ctx, &apis.WaveExecution{
			ExecutionID: execution.ID,
			WaveNumber:  1,
			GroupID:     group.ID,
			Status:      apis.WaveStatusPolling,
			ServerCount: 3,
		})).To(Succeed())
		Expect(memory.PutServerLaunch(ctx, &apis.ServerLaunch{
			ExecutionID: execution.ID, WaveNumber: 1, SourceServerID: "s-aaa",
			JobID: aws.ToString(job.JobID), Status: apis.LaunchStatusLaunching,
		})).To(Succeed())
		Expect(memory.PutServerLaunch(ctx, &apis.ServerLaunch{
			ExecutionID: execution.ID, WaveNumber: 1, SourceServerID: "s-bbb",
			Status: apis.LaunchStatusLaunched, JobID: "drsjob-done", RecoveryInstanceID: "ri-s-bbb",
		})).To(Succeed())
		Expect(memory.PutServerLaunch(ctx, &apis.ServerLaunch{
			ExecutionID: execution.ID, WaveNumber: 1, SourceServerID: "s-ccc",
			Status: apis.LaunchStatusPending,
		})).To(Succeed())

		wave, err := runner.Run(ctx, execution, spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(wave.Status).To(Equal(apis.WaveStatusCompleted))
		// One launch pre-dated the restart, one row was still pending: only
		// the pending row gets a fresh StartRecovery.
		Expect(drsapi.StartRecoveryBehavior.Calls()).To(Equal(int64(2)))
	})
	It("should return an already terminal wave untouched", func() {
		Expect(memory.PutWave(ctx, &apis.WaveExecution{
			ExecutionID: execution.ID,
			WaveNumber:  1,
			GroupID:     group.ID,
			Status:      apis.WaveStatusCompleted,
		})).To(Succeed())
		wave, err := runner.Run(ctx, execution, spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(wave.Status).To(Equal(apis.WaveStatusCompleted))
		Expect(drsapi.StartRecoveryBehavior.Calls()).To(BeZero())
	})
})
