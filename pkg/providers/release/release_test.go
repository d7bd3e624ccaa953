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

package release_test

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/fake"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/release"
)

var _ = Describe("PartitionByHints", func() {
	It("lands every id in exactly one bucket", func() {
		grouped := fake.RandomInstanceID()
		noResource := fake.RandomInstanceID()
		zeroCapacity := fake.RandomInstanceID()
		unhinted := fake.RandomInstanceID()
		hints := []v1.ResourceHint{
			{InstanceID: grouped, ResourceID: "fleet-0aa11bb22cc33dd44", DesiredCapacity: 4},
			{InstanceID: noResource},
			{InstanceID: zeroCapacity, ResourceID: "web-group"},
		}

		p := release.PartitionByHints([]string{grouped, noResource, zeroCapacity, unhinted, grouped}, hints)

		Expect(p.Grouped).To(HaveLen(1))
		Expect(p.Grouped["fleet-0aa11bb22cc33dd44"]).To(Equal([]string{grouped, grouped}))
		Expect(p.Capacities["fleet-0aa11bb22cc33dd44"]).To(Equal(int32(4)))
		Expect(p.Standalone).To(ConsistOf(noResource, zeroCapacity))
		Expect(p.Unresolved).To(ConsistOf(unhinted))
	})
})

var _ = Describe("APIForResource", func() {
	DescribeTable("classifies a resource id by its shape",
		func(resourceID string, want v1.ProviderAPI) {
			Expect(release.APIForResource(resourceID)).To(Equal(want))
		},
		Entry("fleet ids", "fleet-0aa11bb22cc33dd44", v1.ProviderEC2Fleet),
		Entry("spot fleet request ids", "sfr-3f1b2c4d5e6a7980", v1.ProviderSpotFleet),
		Entry("reservation ids", "r-0123456789abcdef0", v1.ProviderRunInstances),
		Entry("anything else is a group name", "web-group", v1.ProviderASG),
	)
})

var _ = Describe("Engine", func() {
	const fleetID = "fleet-0aa11bb22cc33dd44"

	It("releases nothing for an empty id list", func() {
		Expect(engine.Release(ctx, nil, nil)).To(Succeed())
		Expect(ec2api.Log.Calls()).To(BeEmpty())
	})

	It("shrinks a maintain fleet before terminating its members", func() {
		members := seedFleet(fleetID, ec2types.FleetTypeMaintain, 3)
		// The hint deliberately lies about capacity; the hydrated live target wins.
		hints := hintsFor(fleetID, 9, members[0], members[1])

		Expect(engine.Release(ctx, members[:2], hints)).To(Succeed())

		Expect(ec2api.Log.IndexOf("ModifyFleet")).To(BeNumerically(">=", 0))
		Expect(ec2api.Log.IndexOf("ModifyFleet")).To(BeNumerically("<", ec2api.Log.IndexOf("TerminateInstances")))
		modify := ec2api.ModifyFleetBehavior.CalledWithInput.At(0)
		Expect(aws.ToInt32(modify.TargetCapacitySpecification.TotalTargetCapacity)).To(Equal(int32(1)))
		Expect(fleetStateOf(fleetID).Target).To(Equal(int32(1)))
		Expect(instanceStateOf(members[0])).To(Equal(ec2types.InstanceStateNameTerminated))
		Expect(instanceStateOf(members[1])).To(Equal(ec2types.InstanceStateNameTerminated))
		Expect(instanceStateOf(members[2])).To(Equal(ec2types.InstanceStateNameRunning))
		Expect(ec2api.DeleteFleetsBehavior.Calls()).To(BeZero())
	})

	It("deletes a maintain fleet drained to zero", func() {
		members := seedFleet(fleetID, ec2types.FleetTypeMaintain, 2)

		Expect(engine.Release(ctx, members, hintsFor(fleetID, 2, members...))).To(Succeed())

		Expect(ec2api.Log.IndexOf("TerminateInstances")).To(BeNumerically("<", ec2api.Log.IndexOf("DeleteFleets")))
		_, ok := ec2api.Fleets.Load(fleetID)
		Expect(ok).To(BeFalse())
		Expect(instanceStateOf(members[0])).To(Equal(ec2types.InstanceStateNameTerminated))
		Expect(instanceStateOf(members[1])).To(Equal(ec2types.InstanceStateNameTerminated))
	})

	It("terminates instant fleet members without touching the fleet", func() {
		members := seedFleet(fleetID, ec2types.FleetTypeInstant, 2)

		Expect(engine.Release(ctx, members[:1], hintsFor(fleetID, 2, members[0]))).To(Succeed())

		Expect(ec2api.ModifyFleetBehavior.Calls()).To(BeZero())
		Expect(ec2api.DeleteFleetsBehavior.Calls()).To(BeZero())
		Expect(ec2api.TerminateInstancesBehavior.Calls()).To(Equal(1))
		Expect(fleetStateOf(fleetID).Target).To(Equal(int32(2)))
		Expect(instanceStateOf(members[0])).To(Equal(ec2types.InstanceStateNameTerminated))
	})

	It("resolves owners from launch tags when no hints are given", func() {
		fleetMembers := seedFleet(fleetID, ec2types.FleetTypeMaintain, 2)
		groupMembers := seedGroup("web-group", 2)
		stray := instanceIDsOf(ec2api.SeedInstances(1, nil))

		Expect(engine.Release(ctx, []string{fleetMembers[0], groupMembers[0], stray[0]}, nil)).To(Succeed())

		Expect(ec2api.DescribeInstancesBehavior.Calls()).To(Equal(1))
		Expect(fleetStateOf(fleetID).Target).To(Equal(int32(1)))
		Expect(groupStateOf("web-group").Desired).To(Equal(int32(1)))
		Expect(groupStateOf("web-group").InstanceIDs).To(ConsistOf(groupMembers[1]))
		Expect(asgapi.TerminateInstanceInAutoScalingGroupBehavior.Calls()).To(Equal(1))
		// Two direct batches: the fleet's members first, the standalone stray last.
		Expect(ec2api.TerminateInstancesBehavior.Calls()).To(Equal(2))
		Expect(ec2api.TerminateInstancesBehavior.CalledWithInput.At(0).InstanceIds).To(Equal([]string{fleetMembers[0]}))
		Expect(ec2api.TerminateInstancesBehavior.CalledWithInput.At(1).InstanceIds).To(Equal([]string{stray[0]}))
	})

	It("scans spot fleet membership for unattributed spot instances", func() {
		const sfrID = "sfr-3f1b2c4d5e6a7980"
		members := seedSpotFleet(sfrID, 2, false)

		Expect(engine.Release(ctx, members[:1], nil)).To(Succeed())

		// One scan pass plus the hydration describe.
		Expect(ec2api.DescribeSpotFleetRequestsBehavior.Calls()).To(Equal(2))
		Expect(ec2api.DescribeSpotFleetInstancesBehavior.Calls()).To(Equal(1))
		// A partial return terminates directly and leaves the request active.
		Expect(ec2api.CancelSpotFleetRequestsBehavior.Calls()).To(BeZero())
		Expect(instanceStateOf(members[0])).To(Equal(ec2types.InstanceStateNameTerminated))
		Expect(instanceStateOf(members[1])).To(Equal(ec2types.InstanceStateNameRunning))
		Expect(spotFleetStateOf(sfrID).State).To(Equal(ec2types.BatchStateActive))
	})

	It("cancels a spot fleet when every member comes back", func() {
		const sfrID = "sfr-3f1b2c4d5e6a7980"
		members := seedSpotFleet(sfrID, 2, true)

		Expect(engine.Release(ctx, members, hintsFor(sfrID, 2, members...))).To(Succeed())

		Expect(ec2api.CancelSpotFleetRequestsBehavior.Calls()).To(Equal(1))
		Expect(ec2api.TerminateInstancesBehavior.Calls()).To(BeZero())
		Expect(instanceStateOf(members[0])).To(Equal(ec2types.InstanceStateNameTerminated))
		Expect(instanceStateOf(members[1])).To(Equal(ec2types.InstanceStateNameTerminated))
		Expect(spotFleetStateOf(sfrID).State).To(Equal(ec2types.BatchStateCancelledTerminatingInstances))
	})

	It("falls back to direct termination for spot instances no fleet claims", func() {
		stray := instanceIDsOf(ec2api.SeedInstances(1, func(i *ec2types.Instance) {
			i.InstanceLifecycle = ec2types.InstanceLifecycleTypeSpot
		}))

		Expect(engine.Release(ctx, stray, nil)).To(Succeed())

		Expect(ec2api.DescribeSpotFleetRequestsBehavior.Calls()).To(Equal(1))
		Expect(ec2api.TerminateInstancesBehavior.Calls()).To(Equal(1))
		Expect(instanceStateOf(stray[0])).To(Equal(ec2types.InstanceStateNameTerminated))
	})

	It("tears an auto scaling group down when every member comes back", func() {
		members := seedGroup("batch-group", 2)

		Expect(engine.Release(ctx, members, hintsFor("batch-group", 2, members...))).To(Succeed())

		Expect(asgapi.UpdateAutoScalingGroupBehavior.Calls()).To(Equal(1))
		Expect(aws.ToInt32(asgapi.UpdateAutoScalingGroupBehavior.CalledWithInput.At(0).DesiredCapacity)).To(Equal(int32(0)))
		Expect(asgapi.DeleteAutoScalingGroupBehavior.Calls()).To(Equal(1))
		_, ok := asgapi.Groups.Load("batch-group")
		Expect(ok).To(BeFalse())
		Expect(instanceStateOf(members[0])).To(Equal(ec2types.InstanceStateNameTerminated))
		Expect(instanceStateOf(members[1])).To(Equal(ec2types.InstanceStateNameTerminated))
	})

	It("terminates reservation children directly without a hydration call", func() {
		stray := instanceIDsOf(ec2api.SeedInstances(1, nil))

		Expect(engine.Release(ctx, stray, hintsFor("r-0123456789abcdef0", 1, stray[0]))).To(Succeed())

		Expect(ec2api.DescribeFleetsBehavior.Calls()).To(BeZero())
		Expect(ec2api.TerminateInstancesBehavior.Calls()).To(Equal(1))
		Expect(instanceStateOf(stray[0])).To(Equal(ec2types.InstanceStateNameTerminated))
	})

	It("terminates members directly when their owner no longer exists", func() {
		stray := instanceIDsOf(ec2api.SeedInstances(2, nil))

		Expect(engine.Release(ctx, stray, hintsFor("fleet-gone00000000000", 4, stray...))).To(Succeed())

		Expect(ec2api.ModifyFleetBehavior.Calls()).To(BeZero())
		Expect(ec2api.TerminateInstancesBehavior.Calls()).To(Equal(1))
		Expect(instanceStateOf(stray[0])).To(Equal(ec2types.InstanceStateNameTerminated))
		Expect(instanceStateOf(stray[1])).To(Equal(ec2types.InstanceStateNameTerminated))
	})

	It("counts instances that no longer exist as released", func() {
		Expect(engine.Release(ctx, []string{"i-0deadbeef00000000"}, nil)).To(Succeed())
		Expect(ec2api.TerminateInstancesBehavior.Calls()).To(BeZero())
	})

	It("keeps releasing the other groups when one fails", func() {
		idsA := seedFleet("fleet-0aaaaaaaaaaaaaaaa", ec2types.FleetTypeMaintain, 2)
		idsB := seedFleet("fleet-0bbbbbbbbbbbbbbbb", ec2types.FleetTypeMaintain, 2)
		ec2api.ModifyFleetBehavior.Error.Set(&smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "not allowed"})
		hints := append(
			hintsFor("fleet-0aaaaaaaaaaaaaaaa", 2, idsA[0]),
			hintsFor("fleet-0bbbbbbbbbbbbbbbb", 2, idsB[0])...,
		)

		err := engine.Release(ctx, []string{idsA[0], idsB[0]}, hints)

		Expect(err).To(HaveOccurred())
		Expect(multierr.Errors(err)).To(HaveLen(1))
		Expect(err.Error()).To(ContainSubstring("releasing group fleet-0aaaaaaaaaaaaaaaa"))
		// Groups dispatch in resource id order, so the failure hit the first fleet
		// and the second still shrank and terminated.
		Expect(instanceStateOf(idsA[0])).To(Equal(ec2types.InstanceStateNameRunning))
		Expect(instanceStateOf(idsB[0])).To(Equal(ec2types.InstanceStateNameTerminated))
		Expect(fleetStateOf("fleet-0aaaaaaaaaaaaaaaa").Target).To(Equal(int32(2)))
		Expect(fleetStateOf("fleet-0bbbbbbbbbbbbbbbb").Target).To(Equal(int32(1)))
	})

	It("keeps a group out of dispatch when hydration fails", func() {
		members := seedFleet(fleetID, ec2types.FleetTypeMaintain, 2)
		ec2api.DescribeFleetsBehavior.Error.Set(&smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "not allowed"})

		err := engine.Release(ctx, members[:1], hintsFor(fleetID, 2, members[0]))

		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("hydrating resource " + fleetID))
		Expect(ec2api.ModifyFleetBehavior.Calls()).To(BeZero())
		Expect(ec2api.TerminateInstancesBehavior.Calls()).To(BeZero())
		Expect(instanceStateOf(members[0])).To(Equal(ec2types.InstanceStateNameRunning))
	})
})
