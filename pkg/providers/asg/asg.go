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

// Package asg provisions capacity through auto scaling groups. Each acquire
// request creates its own group; release scales the group down before any
// instance is terminated so the group does not launch replacements.
package asg

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/aws/sdk"
	awserrors "github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/capacity"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/instance"
	"github.com/awslabs/open-resource-broker-sub001/pkg/resilience"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

const (
	groupNamePrefix              = "resource-broker"
	defaultSpotAllocationForASGs = "lowest-price"
)

type Handler struct {
	asgapi    sdk.AutoScalingAPI
	exec      *resilience.Executor
	instances *instance.Provider
}

func NewHandler(asgapi sdk.AutoScalingAPI, exec *resilience.Executor, instances *instance.Provider) *Handler {
	return &Handler{asgapi: asgapi, exec: exec, instances: instances}
}

func (h *Handler) API() v1.ProviderAPI { return v1.ProviderASG }

func (h *Handler) Validate(tmpl *v1.Template) error {
	var err error
	if tmpl.Pricing.Type == v1.PricingHeterogeneous {
		err = multierr.Append(err, awserrors.Validationf("heterogeneous pricing is not supported by auto scaling groups"))
	}
	if tmpl.FleetType != "" {
		err = multierr.Append(err, awserrors.Validationf("fleet type does not apply to auto scaling groups"))
	}
	return err
}

// GroupName derives the deterministic group name for a request. The request id
// suffix keeps concurrent acquisitions from the same template apart.
func GroupName(templateID, requestID string) string {
	suffix := requestID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s-%s-%s", groupNamePrefix, templateID, suffix)
}

// Acquire creates the group with desired capacity set to the requested count.
// The create call returns nothing; the group name is the resource id and
// instances surface through polling.
func (h *Handler) Acquire(ctx context.Context, in *capacity.AcquireInput) (*capacity.AcquireOutput, error) {
	name := GroupName(in.Template.ID, in.Request.ID)
	input := h.createGroupInput(name, in)
	if in.DryRun {
		return &capacity.AcquireOutput{Metadata: map[string]any{v1.MetadataDryRun: true, v1.MetadataASGName: name}}, nil
	}
	if err := h.exec.Do(ctx, "autoscaling", "create_auto_scaling_group", resilience.Standard, func(ctx context.Context) error {
		_, cerr := h.asgapi.CreateAutoScalingGroup(ctx, input)
		return cerr
	}); err != nil {
		return nil, fmt.Errorf("creating auto scaling group, %w", err)
	}
	log.FromContext(ctx).Debugw("created auto scaling group", "asg-name", name, "desired", in.Request.RequestedCount)
	return &capacity.AcquireOutput{
		ResourceIDs: []string{name},
		// TargetCapacity recorded here seeds the release hints for tracked
		// machines, so later returns scale the group instead of terminating
		// into an immediate replacement.
		Metadata: map[string]any{
			v1.MetadataASGName:        name,
			v1.MetadataTargetCapacity: in.Request.RequestedCount,
		},
	}, nil
}

func (h *Handler) createGroupInput(name string, in *capacity.AcquireInput) *autoscaling.CreateAutoScalingGroupInput {
	tmpl := in.Template
	count := int32(in.Request.RequestedCount)
	maxSize := count
	if int32(tmpl.MaxNumber) > maxSize {
		maxSize = int32(tmpl.MaxNumber)
	}
	input := &autoscaling.CreateAutoScalingGroupInput{
		AutoScalingGroupName:             aws.String(name),
		MinSize:                          aws.Int32(0),
		MaxSize:                          aws.Int32(maxSize),
		DesiredCapacity:                  aws.Int32(count),
		VPCZoneIdentifier:                aws.String(strings.Join(tmpl.SubnetIDs, ",")),
		NewInstancesProtectedFromScaleIn: aws.Bool(false),
		Tags:                             h.groupTags(name, in),
	}
	types := tmpl.OrderedInstanceTypes()
	spot := tmpl.Pricing.Type == v1.PricingSpot
	if spot || len(types) > 1 {
		input.MixedInstancesPolicy = h.mixedInstancesPolicy(in, types, spot)
	} else {
		input.LaunchTemplate = &asgtypes.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(in.LaunchTemplate.ID),
			Version:          aws.String(in.LaunchTemplate.Version),
		}
	}
	return input
}

// mixedInstancesPolicy carries multiple instance types and the spot distribution.
// ASG override weights are strings, unlike the fleet APIs.
func (h *Handler) mixedInstancesPolicy(in *capacity.AcquireInput, types []v1.WeightedType, spot bool) *asgtypes.MixedInstancesPolicy {
	policy := &asgtypes.MixedInstancesPolicy{
		LaunchTemplate: &asgtypes.LaunchTemplate{
			LaunchTemplateSpecification: &asgtypes.LaunchTemplateSpecification{
				LaunchTemplateId: aws.String(in.LaunchTemplate.ID),
				Version:          aws.String(in.LaunchTemplate.Version),
			},
			Overrides: lo.Map(types, func(wt v1.WeightedType, _ int) asgtypes.LaunchTemplateOverrides {
				return asgtypes.LaunchTemplateOverrides{
					InstanceType:     aws.String(wt.InstanceType),
					WeightedCapacity: aws.String(strconv.Itoa(int(wt.Weight))),
				}
			}),
		},
	}
	if spot {
		strategy := in.Template.Pricing.AllocationStrategy
		if strategy == "" {
			strategy = defaultSpotAllocationForASGs
		}
		distribution := &asgtypes.InstancesDistribution{
			OnDemandBaseCapacity:                aws.Int32(0),
			OnDemandPercentageAboveBaseCapacity: aws.Int32(0),
			SpotAllocationStrategy:              aws.String(strategy),
		}
		if in.Template.Pricing.MaxSpotPrice != "" {
			distribution.SpotMaxPrice = aws.String(in.Template.Pricing.MaxSpotPrice)
		}
		policy.InstancesDistribution = distribution
	}
	return policy
}

func (h *Handler) groupTags(name string, in *capacity.AcquireInput) []asgtypes.Tag {
	tags := capacity.BrokerTags(in.Request, in.Template)
	return lo.MapToSlice(tags, func(k, v string) asgtypes.Tag {
		return asgtypes.Tag{
			Key:               aws.String(k),
			Value:             aws.String(v),
			PropagateAtLaunch: aws.Bool(true),
			ResourceId:        aws.String(name),
			ResourceType:      aws.String("auto-scaling-group"),
		}
	})
}

// PollStatus resolves the group's current members and describes them via EC2 so
// the caller gets full instance detail, not just lifecycle names.
func (h *Handler) PollStatus(ctx context.Context, in *capacity.PollInput) ([]ec2types.Instance, error) {
	group, err := h.describeGroup(ctx, in.ResourceID)
	if err != nil {
		return nil, err
	}
	ids := lo.Map(group.Instances, func(i asgtypes.Instance, _ int) string { return aws.ToString(i.InstanceId) })
	return h.instances.List(ctx, ids)
}

func (h *Handler) describeGroup(ctx context.Context, name string) (asgtypes.AutoScalingGroup, error) {
	var out *autoscaling.DescribeAutoScalingGroupsOutput
	err := h.exec.Do(ctx, "autoscaling", "describe_auto_scaling_groups", resilience.ReadOnly, func(ctx context.Context) error {
		var derr error
		out, derr = h.asgapi.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
			AutoScalingGroupNames: []string{name},
		})
		return derr
	})
	if err != nil {
		return asgtypes.AutoScalingGroup{}, err
	}
	if len(out.AutoScalingGroups) == 0 {
		return asgtypes.AutoScalingGroup{}, awserrors.NotFoundf("auto scaling group %s not found", name)
	}
	return out.AutoScalingGroups[0], nil
}

// Release decreases desired capacity before terminating, so the group sees the
// shrink first and does not replace the instances we take away. A group drained
// to zero is scaled down and then deleted.
func (h *Handler) Release(ctx context.Context, group *capacity.ReleaseGroup) error {
	remaining := group.Remaining()
	if group.TearDown || remaining == 0 {
		if err := h.scaleTo(ctx, group.ResourceID, 0); err != nil && !awserrors.IsNotFound(err) {
			return err
		}
		return h.deleteGroup(ctx, group.ResourceID)
	}
	if err := h.scaleTo(ctx, group.ResourceID, remaining); err != nil {
		return err
	}
	var errs error
	for _, id := range group.InstanceIDs {
		errs = multierr.Append(errs, h.terminateInGroup(ctx, id))
	}
	return errs
}

func (h *Handler) scaleTo(ctx context.Context, name string, desired int32) error {
	return h.exec.Do(ctx, "autoscaling", "update_auto_scaling_group", resilience.Standard, func(ctx context.Context) error {
		_, uerr := h.asgapi.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(name),
			DesiredCapacity:      aws.Int32(desired),
			MinSize:              aws.Int32(0),
		})
		return uerr
	})
}

// terminateInGroup terminates without decrementing desired capacity; the
// decrement already happened in scaleTo, so decrementing again would shrink the
// group below what the caller asked to keep.
func (h *Handler) terminateInGroup(ctx context.Context, instanceID string) error {
	err := h.exec.Do(ctx, "autoscaling", "terminate_instance_in_auto_scaling_group", resilience.Standard, func(ctx context.Context) error {
		_, terr := h.asgapi.TerminateInstanceInAutoScalingGroup(ctx, &autoscaling.TerminateInstanceInAutoScalingGroupInput{
			InstanceId:                     aws.String(instanceID),
			ShouldDecrementDesiredCapacity: aws.Bool(false),
		})
		return terr
	})
	if awserrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (h *Handler) deleteGroup(ctx context.Context, name string) error {
	err := h.exec.Do(ctx, "autoscaling", "delete_auto_scaling_group", resilience.Standard, func(ctx context.Context) error {
		_, derr := h.asgapi.DeleteAutoScalingGroup(ctx, &autoscaling.DeleteAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(name),
			ForceDelete:          aws.Bool(true),
		})
		return derr
	})
	if awserrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting auto scaling group, %w", err)
	}
	log.FromContext(ctx).Debugw("deleted auto scaling group", "asg-name", name)
	return nil
}

// DescribeCapacity projects desired capacity against in-service members.
func (h *Handler) DescribeCapacity(ctx context.Context, resourceID string) (*v1.CapacityProjection, error) {
	group, err := h.describeGroup(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	target := aws.ToInt32(group.DesiredCapacity)
	fulfilled := int32(lo.CountBy(group.Instances, func(i asgtypes.Instance) bool {
		return i.LifecycleState == asgtypes.LifecycleStateInService
	}))
	pending := target - fulfilled
	if pending < 0 {
		pending = 0
	}
	return &v1.CapacityProjection{Target: target, Fulfilled: fulfilled, Pending: pending}, nil
}
