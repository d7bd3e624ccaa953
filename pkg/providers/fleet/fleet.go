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

// Package fleet provisions capacity through the EC2 CreateFleet API in its three
// modes. Instant fleets return instances synchronously; request and maintain
// fleets hand back a fleet id whose instances surface through polling.
package fleet

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/aws/sdk"
	awserrors "github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/capacity"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/instance"
	"github.com/awslabs/open-resource-broker-sub001/pkg/resilience"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

const defaultSpotAllocationStrategy = "price-capacity-optimized"

type Handler struct {
	ec2api    sdk.EC2API
	exec      *resilience.Executor
	instances *instance.Provider
}

func NewHandler(ec2api sdk.EC2API, exec *resilience.Executor, instances *instance.Provider) *Handler {
	return &Handler{ec2api: ec2api, exec: exec, instances: instances}
}

func (h *Handler) API() v1.ProviderAPI { return v1.ProviderEC2Fleet }

func (h *Handler) Validate(tmpl *v1.Template) error {
	var err error
	if tmpl.Pricing.Type == v1.PricingHeterogeneous && tmpl.Pricing.PercentOnDemand == 0 {
		err = multierr.Append(err, awserrors.Validationf("heterogeneous pricing needs a positive on-demand percent"))
	}
	if tmpl.EffectiveFleetType() == v1.FleetTypeMaintain && tmpl.Pricing.Type == "" {
		err = multierr.Append(err, awserrors.Validationf("maintain fleets must declare a pricing type"))
	}
	return err
}

// Acquire issues CreateFleet. Partial fulfillment is success with fleet errors
// attached; zero fulfillment surfaces the provider's launch errors as the
// call's failure.
func (h *Handler) Acquire(ctx context.Context, in *capacity.AcquireInput) (*capacity.AcquireOutput, error) {
	input := h.createFleetInput(in)
	if in.DryRun {
		return &capacity.AcquireOutput{Metadata: map[string]any{v1.MetadataDryRun: true, v1.MetadataFleetType: string(in.Template.EffectiveFleetType())}}, nil
	}
	var out *ec2.CreateFleetOutput
	if err := h.exec.Do(ctx, "ec2", "create_fleet", resilience.Standard, func(ctx context.Context) error {
		var cerr error
		out, cerr = h.ec2api.CreateFleet(ctx, input)
		return cerr
	}); err != nil {
		return nil, fmt.Errorf("creating fleet, %w", err)
	}
	result := &capacity.AcquireOutput{
		FleetErrors: fleetErrors(out.Errors),
		Metadata: map[string]any{
			v1.MetadataFleetType:      string(input.Type),
			v1.MetadataTargetCapacity: in.Request.RequestedCount,
		},
	}
	if fleetID := aws.ToString(out.FleetId); fleetID != "" {
		result.ResourceIDs = append(result.ResourceIDs, fleetID)
	}
	if input.Type != ec2types.FleetTypeInstant {
		return result, nil
	}
	ids := lo.Flatten(lo.Map(out.Instances, func(i ec2types.CreateFleetInstance, _ int) []string { return i.InstanceIds }))
	if len(ids) == 0 {
		return nil, provisioningError(out.Errors)
	}
	instances, err := h.instances.WaitDiscovered(ctx, ids)
	if err != nil {
		return nil, err
	}
	result.Instances = instances
	if len(out.Errors) > 0 {
		log.FromContext(ctx).Warnw("fleet launched with partial errors",
			"fleet-id", aws.ToString(out.FleetId), "launched", len(ids), "errors", len(out.Errors))
	}
	return result, nil
}

func (h *Handler) createFleetInput(in *capacity.AcquireInput) *ec2.CreateFleetInput {
	tmpl := in.Template
	fleetType := ec2types.FleetType(tmpl.EffectiveFleetType())
	input := &ec2.CreateFleetInput{
		Type: fleetType,
		LaunchTemplateConfigs: []ec2types.FleetLaunchTemplateConfigRequest{{
			LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecificationRequest{
				LaunchTemplateId: aws.String(in.LaunchTemplate.ID),
				Version:          aws.String(in.LaunchTemplate.Version),
			},
			Overrides: h.overrides(tmpl),
		}},
		TargetCapacitySpecification: h.targetCapacity(tmpl, in.Request.RequestedCount),
		TagSpecifications:           h.tagSpecifications(in, fleetType),
	}
	switch tmpl.Pricing.Type {
	case v1.PricingSpot:
		input.SpotOptions = h.spotOptions(tmpl)
	case v1.PricingOnDemand:
		input.OnDemandOptions = &ec2types.OnDemandOptionsRequest{
			AllocationStrategy: ec2types.FleetOnDemandAllocationStrategyLowestPrice,
		}
	case v1.PricingHeterogeneous:
		input.SpotOptions = h.spotOptions(tmpl)
		input.OnDemandOptions = &ec2types.OnDemandOptionsRequest{
			AllocationStrategy: ec2types.FleetOnDemandAllocationStrategyLowestPrice,
		}
	}
	if fleetType == ec2types.FleetTypeMaintain {
		input.ReplaceUnhealthyInstances = aws.Bool(true)
		input.ExcessCapacityTerminationPolicy = ec2types.FleetExcessCapacityTerminationPolicyTermination
	}
	return input
}

// overrides is the cross product of subnets and weighted instance types; the
// fleet allocator picks among them by strategy.
func (h *Handler) overrides(tmpl *v1.Template) []ec2types.FleetLaunchTemplateOverridesRequest {
	var out []ec2types.FleetLaunchTemplateOverridesRequest
	spotCapped := tmpl.Pricing.MaxSpotPrice != "" && tmpl.Pricing.Type != v1.PricingOnDemand
	for _, subnetID := range tmpl.SubnetIDs {
		for _, wt := range tmpl.OrderedInstanceTypes() {
			override := ec2types.FleetLaunchTemplateOverridesRequest{
				InstanceType:     ec2types.InstanceType(wt.InstanceType),
				SubnetId:         aws.String(subnetID),
				WeightedCapacity: aws.Float64(float64(wt.Weight)),
			}
			if spotCapped {
				override.MaxPrice = aws.String(tmpl.Pricing.MaxSpotPrice)
			}
			out = append(out, override)
		}
	}
	return out
}

func (h *Handler) targetCapacity(tmpl *v1.Template, count int) *ec2types.TargetCapacitySpecificationRequest {
	target := &ec2types.TargetCapacitySpecificationRequest{
		TotalTargetCapacity: aws.Int32(int32(count)),
	}
	switch tmpl.Pricing.Type {
	case v1.PricingSpot:
		target.DefaultTargetCapacityType = ec2types.DefaultTargetCapacityTypeSpot
	case v1.PricingHeterogeneous:
		target.DefaultTargetCapacityType = ec2types.DefaultTargetCapacityTypeSpot
		target.OnDemandTargetCapacity = aws.Int32(tmpl.Pricing.OnDemandTargetFor(count))
	default:
		target.DefaultTargetCapacityType = ec2types.DefaultTargetCapacityTypeOnDemand
	}
	return target
}

func (h *Handler) spotOptions(tmpl *v1.Template) *ec2types.SpotOptionsRequest {
	strategy := tmpl.Pricing.AllocationStrategy
	if strategy == "" {
		strategy = defaultSpotAllocationStrategy
	}
	return &ec2types.SpotOptionsRequest{
		AllocationStrategy: ec2types.SpotAllocationStrategy(strategy),
	}
}

// tagSpecifications tags the fleet resource always, and instances at launch for
// instant fleets. Deferred fleets cannot tag instances at create; the poll path
// stamps them as they surface.
func (h *Handler) tagSpecifications(in *capacity.AcquireInput, fleetType ec2types.FleetType) []ec2types.TagSpecification {
	tags := utils.MergeTags(capacity.BrokerTags(in.Request, in.Template))
	specs := []ec2types.TagSpecification{{ResourceType: ec2types.ResourceTypeFleet, Tags: tags}}
	if fleetType == ec2types.FleetTypeInstant {
		specs = append(specs, ec2types.TagSpecification{ResourceType: ec2types.ResourceTypeInstance, Tags: tags})
	}
	return specs
}

// PollStatus lists the fleet's instances. Deferred fleets discover instance ids
// through DescribeFleetInstances; instant fleets already recorded theirs on the
// request. Newly visible instances get the broker tags stamped on.
func (h *Handler) PollStatus(ctx context.Context, in *capacity.PollInput) ([]ec2types.Instance, error) {
	config, err := h.describeFleet(ctx, in.ResourceID)
	if err != nil {
		if awserrors.IsNotFound(err) {
			return h.instances.List(ctx, in.Request.InstanceIDs)
		}
		return nil, err
	}
	if config.Type == ec2types.FleetTypeInstant {
		return h.instances.List(ctx, in.Request.InstanceIDs)
	}
	ids, err := h.fleetInstanceIDs(ctx, in.ResourceID)
	if err != nil {
		return nil, err
	}
	if in.Template != nil {
		if terr := h.instances.Tag(ctx, ids, capacity.BrokerTags(in.Request, in.Template)); terr != nil {
			log.FromContext(ctx).Debugw("tagging fleet instances failed", "fleet-id", in.ResourceID, "error", terr)
		}
	}
	return h.instances.List(ctx, ids)
}

func (h *Handler) describeFleet(ctx context.Context, fleetID string) (ec2types.FleetData, error) {
	var out *ec2.DescribeFleetsOutput
	err := h.exec.Do(ctx, "ec2", "describe_fleets", resilience.ReadOnly, func(ctx context.Context) error {
		var derr error
		out, derr = h.ec2api.DescribeFleets(ctx, &ec2.DescribeFleetsInput{FleetIds: []string{fleetID}})
		return derr
	})
	if err != nil {
		return ec2types.FleetData{}, err
	}
	if len(out.Fleets) == 0 {
		return ec2types.FleetData{}, awserrors.NotFoundf("fleet %s not found", fleetID)
	}
	return out.Fleets[0], nil
}

func (h *Handler) fleetInstanceIDs(ctx context.Context, fleetID string) ([]string, error) {
	var ids []string
	var nextToken *string
	for {
		var out *ec2.DescribeFleetInstancesOutput
		err := h.exec.Do(ctx, "ec2", "describe_fleet_instances", resilience.ReadOnly, func(ctx context.Context) error {
			var derr error
			out, derr = h.ec2api.DescribeFleetInstances(ctx, &ec2.DescribeFleetInstancesInput{
				FleetId:   aws.String(fleetID),
				NextToken: nextToken,
			})
			return derr
		})
		if err != nil {
			return nil, fmt.Errorf("describing fleet instances, %w", err)
		}
		ids = append(ids, lo.Map(out.ActiveInstances, func(i ec2types.ActiveInstance, _ int) string {
			return aws.ToString(i.InstanceId)
		})...)
		nextToken = out.NextToken
		if nextToken == nil {
			break
		}
	}
	return ids, nil
}

// Release scales and terminates per fleet mode. For maintain fleets the capacity
// decrease strictly precedes termination so the fleet does not relaunch what we
// are about to remove; a fleet drained to zero is deleted afterwards as
// best-effort cleanup.
func (h *Handler) Release(ctx context.Context, group *capacity.ReleaseGroup) error {
	if group.TearDown {
		return h.deleteFleet(ctx, group.ResourceID)
	}
	if group.FleetType != v1.FleetTypeMaintain {
		_, err := h.instances.Terminate(ctx, group.InstanceIDs)
		return err
	}
	remaining := group.Remaining()
	if err := h.modifyFleet(ctx, group.ResourceID, remaining); err != nil {
		return err
	}
	if _, err := h.instances.Terminate(ctx, group.InstanceIDs); err != nil {
		return err
	}
	if remaining == 0 {
		if err := h.deleteFleet(ctx, group.ResourceID); err != nil {
			log.FromContext(ctx).Warnw("failed to delete drained fleet", "fleet-id", group.ResourceID, "error", err)
		}
	}
	return nil
}

func (h *Handler) modifyFleet(ctx context.Context, fleetID string, target int32) error {
	return h.exec.Do(ctx, "ec2", "modify_fleet", resilience.Standard, func(ctx context.Context) error {
		_, merr := h.ec2api.ModifyFleet(ctx, &ec2.ModifyFleetInput{
			FleetId: aws.String(fleetID),
			TargetCapacitySpecification: &ec2types.TargetCapacitySpecificationRequest{
				TotalTargetCapacity: aws.Int32(target),
			},
		})
		return merr
	})
}

func (h *Handler) deleteFleet(ctx context.Context, fleetID string) error {
	var out *ec2.DeleteFleetsOutput
	err := h.exec.Do(ctx, "ec2", "delete_fleets", resilience.Standard, func(ctx context.Context) error {
		var derr error
		out, derr = h.ec2api.DeleteFleets(ctx, &ec2.DeleteFleetsInput{
			FleetIds:           []string{fleetID},
			TerminateInstances: aws.Bool(true),
		})
		return derr
	})
	if awserrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting fleet, %w", err)
	}
	for _, unsuccessful := range out.UnsuccessfulFleetDeletions {
		if unsuccessful.Error != nil && unsuccessful.Error.Code == ec2types.DeleteFleetErrorCodeFleetIdDoesNotExist {
			continue
		}
		return awserrors.New(awserrors.KindInternal, "deleting fleet %s: %s", fleetID, deletionErrorMessage(unsuccessful))
	}
	return nil
}

func deletionErrorMessage(u ec2types.DeleteFleetErrorItem) string {
	if u.Error == nil {
		return "unknown error"
	}
	return fmt.Sprintf("%s: %s", u.Error.Code, aws.ToString(u.Error.Message))
}

// DescribeCapacity projects the fleet's target against what has materialized.
func (h *Handler) DescribeCapacity(ctx context.Context, resourceID string) (*v1.CapacityProjection, error) {
	config, err := h.describeFleet(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	var target, fulfilled int32
	if config.TargetCapacitySpecification != nil {
		target = aws.ToInt32(config.TargetCapacitySpecification.TotalTargetCapacity)
	}
	fulfilled = int32(aws.ToFloat64(config.FulfilledCapacity))
	pending := target - fulfilled
	if pending < 0 {
		pending = 0
	}
	return &v1.CapacityProjection{Target: target, Fulfilled: fulfilled, Pending: pending}, nil
}

// fleetErrors converts the provider's launch failures for request metadata.
func fleetErrors(errs []ec2types.CreateFleetError) []v1.FleetError {
	return lo.Map(errs, func(e ec2types.CreateFleetError, _ int) v1.FleetError {
		fe := v1.FleetError{
			Code:    aws.ToString(e.ErrorCode),
			Message: aws.ToString(e.ErrorMessage),
		}
		if e.LaunchTemplateAndOverrides != nil && e.LaunchTemplateAndOverrides.Overrides != nil {
			fe.InstanceType = string(e.LaunchTemplateAndOverrides.Overrides.InstanceType)
			fe.Zone = aws.ToString(e.LaunchTemplateAndOverrides.Overrides.AvailabilityZone)
		}
		return fe
	})
}

// provisioningError combines fleet errors when nothing launched, deduplicating
// repeated codes across overrides.
func provisioningError(fleetErrs []ec2types.CreateFleetError) error {
	if len(fleetErrs) == 0 {
		return awserrors.New(awserrors.KindInternal, "fleet returned no instances and no errors")
	}
	unique := sets.New[string]()
	for _, err := range fleetErrs {
		unique.Insert(fmt.Sprintf("%s: %s", aws.ToString(err.ErrorCode), aws.ToString(err.ErrorMessage)))
	}
	var errs error
	for _, message := range sets.List(unique) {
		errs = multierr.Append(errs, stderrors.New(message))
	}
	kind := awserrors.KindForCode(aws.ToString(fleetErrs[0].ErrorCode))
	return awserrors.Wrap(kind, errs, "with fleet error(s)")
}
