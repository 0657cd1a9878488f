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

package batcher_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	drstypes "github.com/aws/aws-sdk-go-v2/service/drs/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/batcher"
	"github.com/awslabs/drs-orchestrator/pkg/test"
)

var ctx context.Context

func TestBatcher(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Batcher")
}

var _ = Describe("DescribeJobs Batcher", func() {
	var executions atomic.Int64
	var batchSizes sync.Map
	var account apis.TargetAccount

	describeJobs := func(_ context.Context, account apis.TargetAccount, jobIDs []string) ([]drstypes.Job, error) {
		n := executions.Add(1)
		batchSizes.Store(n, len(jobIDs))
		jobs := make([]drstypes.Job, 0, len(jobIDs))
		for _, id := range jobIDs {
			jobs = append(jobs, drstypes.Job{JobID: aws.String(id), Status: drstypes.JobStatusStarted})
		}
		return jobs, nil
	}

	BeforeEach(func() {
		executions.Store(0)
		batchSizes = sync.Map{}
		account = *test.TargetAccount()
	})

	It("should coalesce concurrent queries into one call", func() {
		b := batcher.NewDescribeJobsBatcher(ctx, describeJobs)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer GinkgoRecover()
				job, err := b.DescribeJob(ctx, account, fmt.Sprintf("drsjob-%d", i))
				Expect(err).ToNot(HaveOccurred())
				Expect(aws.ToString(job.JobID)).To(Equal(fmt.Sprintf("drsjob-%d", i)))
			}(i)
		}
		wg.Wait()
		Expect(executions.Load()).To(BeNumerically("<", 10))
	})
	It("should return each caller its own job", func() {
		b := batcher.NewDescribeJobsBatcher(ctx, describeJobs)
		job, err := b.DescribeJob(ctx, account, "drsjob-42")
		Expect(err).ToNot(HaveOccurred())
		Expect(aws.ToString(job.JobID)).To(Equal("drsjob-42"))
		Expect(job.Status).To(Equal(drstypes.JobStatusStarted))
	})
	It("should return nil for jobs the service has not surfaced yet", func() {
		b := batcher.NewDescribeJobsBatcher(ctx, func(_ context.Context, _ apis.TargetAccount, _ []string) ([]drstypes.Job, error) {
			return nil, nil
		})
		job, err := b.DescribeJob(ctx, account, "drsjob-new")
		Expect(err).ToNot(HaveOccurred())
		Expect(job).To(BeNil())
	})
	It("should fan a batch failure out to every caller", func() {
		b := batcher.NewDescribeJobsBatcher(ctx, func(_ context.Context, _ apis.TargetAccount, _ []string) ([]drstypes.Job, error) {
			return nil, fmt.Errorf("service down")
		})
		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer GinkgoRecover()
				_, err := b.DescribeJob(ctx, account, fmt.Sprintf("drsjob-%d", i))
				Expect(err).To(MatchError(ContainSubstring("service down")))
			}(i)
		}
		wg.Wait()
	})
	It("should not batch across accounts", func() {
		b := batcher.NewDescribeJobsBatcher(ctx, describeJobs)
		other := *test.TargetAccount(apis.TargetAccount{Region: "us-west-2"})
		var wg sync.WaitGroup
		for _, a := range []apis.TargetAccount{account, other} {
			a := a
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				_, err := b.DescribeJob(ctx, a, "drsjob-1")
				Expect(err).ToNot(HaveOccurred())
			}()
		}
		wg.Wait()
		Expect(executions.Load()).To(Equal(int64(2)))
	})
	It("should respect caller cancellation", func() {
		blocked := make(chan struct{})
		b := batcher.NewDescribeJobsBatcher(ctx, func(batchCtx context.Context, _ apis.TargetAccount, _ []string) ([]drstypes.Job, error) {
			<-blocked
			return nil, nil
		})
		callCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := b.DescribeJob(callCtx, account, "drsjob-1")
		Expect(err).To(MatchError(context.DeadlineExceeded))
		close(blocked)
	})
})
