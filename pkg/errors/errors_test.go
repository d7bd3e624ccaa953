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
	"context"
	stderrors "errors"
	"fmt"
	"net"

	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
)

var _ = Describe("Error", func() {
	It("renders kind, call coordinates, code and message", func() {
		err := errors.New(errors.KindQuota, "vcpu limit reached")
		err.Service, err.Operation, err.Code = "ec2", "create_fleet", "VcpuLimitExceeded"
		Expect(err.Error()).To(Equal("Quota (ec2/create_fleet) [VcpuLimitExceeded]: vcpu limit reached"))
	})

	It("omits the parts it does not have", func() {
		Expect(errors.New(errors.KindValidation, "count must be positive").Error()).
			To(Equal("Validation: count must be positive"))
	})

	It("falls back to the cause when there is no message", func() {
		cause := fmt.Errorf("connection reset")
		err := errors.Wrap(errors.KindNetwork, cause, "")
		Expect(err.Error()).To(Equal("Network: connection reset"))

		withMessage := errors.Wrap(errors.KindNetwork, cause, "dialing ec2")
		Expect(withMessage.Error()).To(Equal("Network: dialing ec2"))
		Expect(stderrors.Is(withMessage, cause)).To(BeTrue())
	})

	It("marks only transient kinds retryable", func() {
		Expect(errors.New(errors.KindRateLimit, "throttled").Retryable()).To(BeTrue())
		Expect(errors.New(errors.KindNetwork, "reset").Retryable()).To(BeTrue())
		Expect(errors.New(errors.KindInternal, "bug").Retryable()).To(BeTrue())

		Expect(errors.New(errors.KindValidation, "bad input").Retryable()).To(BeFalse())
		Expect(errors.New(errors.KindAuthorization, "denied").Retryable()).To(BeFalse())
		Expect(errors.New(errors.KindQuota, "full").Retryable()).To(BeFalse())
		Expect(errors.New(errors.KindCircuitOpen, "open").Retryable()).To(BeFalse())
	})
})

var _ = Describe("Classify", func() {
	It("returns nil for nil", func() {
		Expect(errors.Classify("ec2", "run_instances", nil)).To(BeNil())
	})

	It("passes an already classified error through, filling in call coordinates", func() {
		inner := errors.Validationf("bad template")
		got := errors.Classify("ec2", "run_instances", fmt.Errorf("launching, %w", inner))
		Expect(got).To(BeIdenticalTo(inner))
		Expect(got.Service).To(Equal("ec2"))
		Expect(got.Operation).To(Equal("run_instances"))
	})

	It("keeps the call coordinates set upstream", func() {
		inner := errors.Classify("ec2", "create_fleet", &smithy.GenericAPIError{Code: "AuthFailure", Message: "expired"})
		again := errors.Classify("autoscaling", "create_auto_scaling_group", inner)
		Expect(again.Service).To(Equal("ec2"))
		Expect(again.Operation).To(Equal("create_fleet"))
	})

	DescribeTable("maps aws error codes onto kinds",
		func(code string, want errors.Kind) {
			got := errors.Classify("ec2", "create_fleet", &smithy.GenericAPIError{Code: code, Message: "denied"})
			Expect(got.Kind).To(Equal(want))
			Expect(got.Code).To(Equal(code))
		},
		Entry("throttling wins over the quota suffix", "RequestLimitExceeded", errors.KindRateLimit),
		Entry("throttling exception", "ThrottlingException", errors.KindRateLimit),
		Entry("missing instance", "InvalidInstanceID.NotFound", errors.KindNotFound),
		Entry("missing launch template", "InvalidLaunchTemplateName.NotFoundException", errors.KindNotFound),
		Entry("unauthorized operation", "UnauthorizedOperation", errors.KindAuthorization),
		Entry("auth failure", "AuthFailure", errors.KindAuthorization),
		Entry("capacity shortage", "InsufficientInstanceCapacity", errors.KindQuota),
		Entry("limit exceeded by suffix", "LaunchTemplateLimitExceeded", errors.KindQuota),
		Entry("validation error", "ValidationError", errors.KindValidation),
		Entry("invalid parameter by prefix", "InvalidParameterValue", errors.KindValidation),
		Entry("malformed by prefix", "MalformedQueryString", errors.KindValidation),
		Entry("dependency violation", "DependencyViolation", errors.KindResourceInUse),
		Entry("scaling activity in progress", "ScalingActivityInProgress", errors.KindResourceInUse),
		Entry("already exists", "InvalidLaunchTemplateName.AlreadyExistsException", errors.KindResourceInUse),
		Entry("anything unrecognized", "Unsupported", errors.KindInternal),
	)

	It("attaches the api error as cause with its message", func() {
		got := errors.Classify("ec2", "create_fleet", &smithy.GenericAPIError{Code: "AuthFailure", Message: "token expired"})
		Expect(got.Error()).To(Equal("Authorization (ec2/create_fleet) [AuthFailure]: token expired"))
		var apiErr smithy.APIError
		Expect(stderrors.As(got, &apiErr)).To(BeTrue())
	})

	It("classifies context cancellation as network", func() {
		got := errors.Classify("ec2", "describe_instances", context.DeadlineExceeded)
		Expect(got.Kind).To(Equal(errors.KindNetwork))
		Expect(got.Retryable()).To(BeTrue())

		got = errors.Classify("ec2", "describe_instances", fmt.Errorf("waiting, %w", context.Canceled))
		Expect(got.Kind).To(Equal(errors.KindNetwork))
	})

	It("classifies transport failures as network", func() {
		got := errors.Classify("ec2", "describe_instances", &net.OpError{Op: "dial", Err: fmt.Errorf("connection refused")})
		Expect(got.Kind).To(Equal(errors.KindNetwork))
		Expect(got.Retryable()).To(BeTrue())
	})

	It("classifies anything else as internal and keeps it retryable", func() {
		got := errors.Classify("ec2", "run_instances", fmt.Errorf("marshaling payload"))
		Expect(got.Kind).To(Equal(errors.KindInternal))
		Expect(got.Retryable()).To(BeTrue())
		Expect(got.Error()).To(Equal("Internal (ec2/run_instances): marshaling payload"))
	})

	It("maps bare codes for fleet error lists", func() {
		Expect(errors.KindForCode("UnfulfillableCapacity")).To(Equal(errors.KindQuota))
		Expect(errors.KindForCode("SpotFleetRequestConfigurationInvalid")).To(Equal(errors.KindInternal))
	})
})

var _ = Describe("Predicates", func() {
	It("finds not found through wrapping and raw api errors", func() {
		Expect(errors.IsNotFound(errors.NotFoundf("request req-1 not found"))).To(BeTrue())
		Expect(errors.IsNotFound(fmt.Errorf("loading, %w", errors.NotFoundf("gone")))).To(BeTrue())
		Expect(errors.IsNotFound(&smithy.GenericAPIError{Code: "InvalidFleetId.NotFound"})).To(BeTrue())
		Expect(errors.IsNotFound(&smithy.GenericAPIError{Code: "NoSuchEntity"})).To(BeTrue())
		Expect(errors.IsNotFound(&smithy.GenericAPIError{Code: "ValidationError", Message: "AutoScalingGroup name not found - no such group: g"})).To(BeTrue())
		Expect(errors.IsNotFound(&smithy.GenericAPIError{Code: "ValidationError", Message: "MinSize exceeds MaxSize"})).To(BeFalse())
		Expect(errors.IsNotFound(fmt.Errorf("plain failure"))).To(BeFalse())
		Expect(errors.IsNotFound(nil)).To(BeFalse())
	})

	It("recognizes concurrent creations", func() {
		Expect(errors.IsAlreadyExists(&smithy.GenericAPIError{Code: "InvalidLaunchTemplateName.AlreadyExistsException"})).To(BeTrue())
		Expect(errors.IsAlreadyExists(&smithy.GenericAPIError{Code: "AlreadyExists"})).To(BeTrue())
		Expect(errors.IsAlreadyExists(errors.Validationf("bad input"))).To(BeFalse())
	})

	It("answers each kind predicate", func() {
		Expect(errors.IsRateLimited(errors.New(errors.KindRateLimit, "throttled"))).To(BeTrue())
		Expect(errors.IsValidation(errors.Validationf("bad input"))).To(BeTrue())
		Expect(errors.IsAuthorization(errors.New(errors.KindAuthorization, "denied"))).To(BeTrue())
		Expect(errors.IsQuotaExceeded(errors.New(errors.KindQuota, "full"))).To(BeTrue())
		Expect(errors.IsCircuitOpen(errors.CircuitOpenf("circuit open for ec2/create_fleet"))).To(BeTrue())
		Expect(errors.IsInvalidState(errors.InvalidStatef("already terminal"))).To(BeTrue())
		Expect(errors.IsConfiguration(errors.Configurationf("no handler"))).To(BeTrue())

		Expect(errors.IsValidation(errors.Configurationf("no handler"))).To(BeFalse())
		Expect(errors.IsCircuitOpen(nil)).To(BeFalse())
	})

	It("judges retryability through wrapped chains", func() {
		Expect(errors.IsRetryable(fmt.Errorf("attempt 1, %w", errors.New(errors.KindRateLimit, "slow down")))).To(BeTrue())
		Expect(errors.IsRetryable(errors.Validationf("bad input"))).To(BeFalse())
		// Unclassified errors classify on the fly.
		Expect(errors.IsRetryable(&smithy.GenericAPIError{Code: "RequestLimitExceeded"})).To(BeTrue())
		Expect(errors.IsRetryable(&smithy.GenericAPIError{Code: "UnauthorizedOperation"})).To(BeFalse())
		Expect(errors.IsRetryable(nil)).To(BeFalse())
	})
})

var _ = Describe("PartialProvisioningError", func() {
	It("reports the shortfall with its reasons", func() {
		err := &errors.PartialProvisioningError{
			Requested:   6,
			Provisioned: 4,
			Reasons:     []string{"InsufficientInstanceCapacity", "SpotMaxPriceTooLow"},
		}
		Expect(err.Error()).To(Equal("provisioned 4 of 6 requested instances: InsufficientInstanceCapacity; SpotMaxPriceTooLow"))
	})
})

var _ = Describe("KindOf", func() {
	It("projects kinds for metrics labels", func() {
		Expect(errors.KindOf(nil)).To(Equal(errors.Kind("")))
		Expect(errors.KindOf(errors.Validationf("bad input"))).To(Equal(errors.KindValidation))
		Expect(errors.KindOf(fmt.Errorf("wrapping, %w", errors.CircuitOpenf("open")))).To(Equal(errors.KindCircuitOpen))
		Expect(errors.KindOf(&errors.PartialProvisioningError{Requested: 2, Provisioned: 1})).To(Equal(errors.KindPartialProvisioning))
		Expect(errors.KindOf(fmt.Errorf("plain failure"))).To(Equal(errors.KindInternal))
	})
})
