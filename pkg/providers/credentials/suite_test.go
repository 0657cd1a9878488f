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

package credentials_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/fake"
	"github.com/awslabs/drs-orchestrator/pkg/providers/credentials"
	"github.com/awslabs/drs-orchestrator/pkg/test"
)

var (
	ctx      context.Context
	stsapi   *fake.STSAPI
	provider *credentials.DefaultProvider
	account  apis.TargetAccount
)

func TestCredentials(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Credentials")
}

var _ = BeforeEach(func() {
	stsapi = &fake.STSAPI{}
	provider = credentials.NewDefaultProvider(stsapi, "drs-orchestrator", time.Hour)
	account = *test.TargetAccount()
})

var _ = Describe("Credential Broker", func() {
	It("should assume the target account role with the external id", func() {
		creds, err := provider.Get(ctx, account)
		Expect(err).ToNot(HaveOccurred())
		retrieved, err := creds.Retrieve(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(retrieved.AccessKeyID).To(Equal("AKIAFAKE"))

		Expect(stsapi.AssumeRoleBehavior.Calls()).To(Equal(int64(1)))
		input := stsapi.AssumeRoleBehavior.CalledWithInput.Pop()
		Expect(aws.ToString(input.RoleArn)).To(Equal(account.RoleARN))
		Expect(aws.ToString(input.ExternalId)).To(Equal(account.ExternalID))
		Expect(aws.ToString(input.RoleSessionName)).To(Equal("drs-orchestrator"))
	})
	It("should reuse cached sessions across calls", func() {
		for i := 0; i < 3; i++ {
			creds, err := provider.Get(ctx, account)
			Expect(err).ToNot(HaveOccurred())
			_, err = creds.Retrieve(ctx)
			Expect(err).ToNot(HaveOccurred())
		}
		Expect(stsapi.AssumeRoleBehavior.Calls()).To(Equal(int64(1)))
	})
	It("should re-assume the role after invalidation", func() {
		creds, err := provider.Get(ctx, account)
		Expect(err).ToNot(HaveOccurred())
		_, err = creds.Retrieve(ctx)
		Expect(err).ToNot(HaveOccurred())

		provider.Invalidate(account)
		creds, err = provider.Get(ctx, account)
		Expect(err).ToNot(HaveOccurred())
		_, err = creds.Retrieve(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(stsapi.AssumeRoleBehavior.Calls()).To(Equal(int64(2)))
	})
	It("should keep accounts and regions isolated", func() {
		other := *test.TargetAccount(apis.TargetAccount{Region: "us-west-2"})
		for _, a := range []apis.TargetAccount{account, other} {
			creds, err := provider.Get(ctx, a)
			Expect(err).ToNot(HaveOccurred())
			_, err = creds.Retrieve(ctx)
			Expect(err).ToNot(HaveOccurred())
		}
		Expect(stsapi.AssumeRoleBehavior.Calls()).To(Equal(int64(2)))
	})
	It("should refuse accounts without a role", func() {
		account.RoleARN = ""
		_, err := provider.Get(ctx, account)
		Expect(err).To(HaveOccurred())
	})
})
