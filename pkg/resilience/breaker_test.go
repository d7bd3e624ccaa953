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

package resilience_test

import (
	"context"
	"time"

	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clock "k8s.io/utils/clock/testing"

	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/resilience"
)

var _ = Describe("Breaker", func() {
	const resetTimeout = 30 * time.Second

	var (
		fakeClock *clock.FakeClock
		exec      *resilience.Executor
		calls     int
	)

	BeforeEach(func() {
		fakeClock = clock.NewFakeClock(time.Now())
		exec = resilience.NewExecutor(fakeClock, resilience.BreakerSettings{
			FailureThreshold: 2,
			ResetTimeout:     resetTimeout,
			HalfOpenMaxCalls: 1,
		})
		calls = 0
	})

	failing := func(context.Context) error {
		calls++
		// Authorization failures are not retryable, so each Do burns exactly one attempt.
		return &smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "not allowed"}
	}
	succeeding := func(context.Context) error {
		calls++
		return nil
	}
	trip := func() {
		GinkgoHelper()
		for i := 0; i < 2; i++ {
			Expect(errors.IsAuthorization(exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, failing))).To(BeTrue())
		}
		Expect(exec.BreakerState("ec2", "create_fleet")).To(Equal(resilience.Open))
	}

	It("opens after consecutive failures and then fast fails", func() {
		trip()
		err := exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, failing)
		Expect(errors.IsCircuitOpen(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("circuit open for ec2/create_fleet"))
		Expect(calls).To(Equal(2))
	})

	It("resets the failure streak on success", func() {
		Expect(exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, failing)).NotTo(Succeed())
		Expect(exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, succeeding)).To(Succeed())
		Expect(exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, failing)).NotTo(Succeed())
		Expect(exec.BreakerState("ec2", "create_fleet")).To(Equal(resilience.Closed))

		Expect(exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, failing)).NotTo(Succeed())
		Expect(exec.BreakerState("ec2", "create_fleet")).To(Equal(resilience.Open))
		Expect(calls).To(Equal(4))
	})

	It("recovers through a successful half open probe", func() {
		trip()
		Expect(errors.IsCircuitOpen(exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, succeeding))).To(BeTrue())
		Expect(calls).To(Equal(2))

		fakeClock.Step(resetTimeout)
		Expect(exec.BreakerState("ec2", "create_fleet")).To(Equal(resilience.HalfOpen))

		Expect(exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, succeeding)).To(Succeed())
		Expect(calls).To(Equal(3))
		Expect(exec.BreakerState("ec2", "create_fleet")).To(Equal(resilience.Closed))
	})

	It("re-opens the circuit when the probe fails", func() {
		trip()
		fakeClock.Step(resetTimeout)

		Expect(errors.IsAuthorization(exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, failing))).To(BeTrue())
		Expect(calls).To(Equal(3))
		Expect(exec.BreakerState("ec2", "create_fleet")).To(Equal(resilience.Open))

		// The failed probe restarts the reset window from now.
		Expect(errors.IsCircuitOpen(exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, succeeding))).To(BeTrue())
		Expect(calls).To(Equal(3))

		fakeClock.Step(resetTimeout)
		Expect(exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, succeeding)).To(Succeed())
		Expect(exec.BreakerState("ec2", "create_fleet")).To(Equal(resilience.Closed))
	})

	It("closes on the first successful probe regardless of the admission cap", func() {
		exec = resilience.NewExecutor(fakeClock, resilience.BreakerSettings{
			FailureThreshold: 2,
			ResetTimeout:     resetTimeout,
			HalfOpenMaxCalls: 10,
		})
		trip()
		fakeClock.Step(resetTimeout)

		Expect(exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, succeeding)).To(Succeed())
		Expect(exec.BreakerState("ec2", "create_fleet")).To(Equal(resilience.Closed))

		// The failure streak restarts from zero after recovery.
		Expect(exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, failing)).NotTo(Succeed())
		Expect(exec.BreakerState("ec2", "create_fleet")).To(Equal(resilience.Closed))
	})

	It("tracks each operation independently", func() {
		trip()
		Expect(exec.Do(ctx, "ec2", "run_instances", resilience.Standard, succeeding)).To(Succeed())
		Expect(calls).To(Equal(3))
		Expect(exec.BreakerState("ec2", "run_instances")).To(Equal(resilience.Closed))
		Expect(exec.BreakerState("ec2", "create_fleet")).To(Equal(resilience.Open))
	})

	It("records one outcome per call no matter how many attempts it burned", func() {
		err := exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, func(context.Context) error {
			calls++
			return &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"}
		})
		Expect(errors.IsRateLimited(err)).To(BeTrue())
		Expect(calls).To(Equal(3))
		// Three throttled attempts are still a single failed call, below the threshold of two.
		Expect(exec.BreakerState("ec2", "create_fleet")).To(Equal(resilience.Closed))
	})

	It("never engages for operations outside the critical set", func() {
		for i := 0; i < 3; i++ {
			Expect(errors.IsAuthorization(exec.Do(ctx, "ec2", "describe_instances", resilience.Standard, failing))).To(BeTrue())
		}
		Expect(calls).To(Equal(3))
		Expect(exec.BreakerState("ec2", "describe_instances")).To(Equal(resilience.Closed))
	})
})
