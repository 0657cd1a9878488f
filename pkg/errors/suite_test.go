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

package errors_test

import (
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/drs-orchestrator/pkg/errors"
	"github.com/awslabs/drs-orchestrator/pkg/fake"
)

func TestErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Errors")
}

var _ = Describe("Classification", func() {
	It("should classify throttling errors", func() {
		Expect(errors.IsThrottling(fake.AWSError("ThrottlingException", "slow down"))).To(BeTrue())
		Expect(errors.IsTransient(fake.AWSError("ThrottlingException", "slow down"))).To(BeTrue())
		Expect(errors.CodeOf(fake.AWSError("ThrottlingException", "slow down"))).To(Equal(errors.CodeThrottling))
	})
	It("should classify wrapped errors", func() {
		err := fmt.Errorf("describing jobs, %w", fake.AWSError("AccessDeniedException", "no"))
		Expect(errors.IsAccessDenied(err)).To(BeTrue())
		Expect(errors.IsAuthError(err)).To(BeTrue())
	})
	It("should classify expired credentials as auth errors", func() {
		err := fake.AWSError("ExpiredTokenException", "expired")
		Expect(errors.IsCredentialsExpired(err)).To(BeTrue())
		Expect(errors.IsAuthError(err)).To(BeTrue())
		Expect(errors.IsTransient(err)).To(BeFalse())
	})
	It("should classify 5xx as transient", func() {
		err := fake.AWSError("InternalServerException", "oops")
		Expect(errors.IsServiceUnavailable(err)).To(BeTrue())
		Expect(errors.IsTransient(err)).To(BeTrue())
	})
	It("should not classify client errors as transient", func() {
		Expect(errors.IsTransient(fake.AWSError("ValidationException", "bad input"))).To(BeFalse())
	})
	It("should treat non-API errors as transient network failures", func() {
		Expect(errors.IsTransient(fmt.Errorf("connection reset"))).To(BeTrue())
	})
})

var _ = Describe("Coded Errors", func() {
	It("should carry its code through wrapping", func() {
		err := fmt.Errorf("outer, %w", errors.New(errors.CodeNoMatchingServers, "nothing matched"))
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeNoMatchingServers))
	})
	It("should unwrap to its cause", func() {
		cause := fake.AWSError("AccessDeniedException", "no")
		err := errors.Wrap(errors.CodeAccessDenied, cause, "calling drs")
		Expect(errors.IsAccessDenied(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("ACCESS_DENIED"))
	})
	It("should default unknown errors to INTERNAL_ERROR", func() {
		Expect(errors.CodeOf(fmt.Errorf("boom"))).To(Equal(errors.CodeInternalError))
	})
})
