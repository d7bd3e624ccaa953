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

// Package runinstances provisions capacity through the plain RunInstances API.
// It is the simplest handler and doubles as the release path for instances that
// no fleet or scaling group owns.
package runinstances

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/aws/sdk"
	awserrors "github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/capacity"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/instance"
	"github.com/awslabs/open-resource-broker-sub001/pkg/resilience"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils"
)

type Handler struct {
	ec2api    sdk.EC2API
	exec      *resilience.Executor
	instances *instance.Provider
}

func NewHandler(ec2api sdk.EC2API, exec *resilience.Executor, instances *instance.Provider) *Handler {
	return &Handler{ec2api: ec2api, exec: exec, instances: instances}
}

func (h *Handler) API() v1.ProviderAPI { return v1.ProviderRunInstances }

func (h *Handler) Validate(tmpl *v1.Template) error {
	var err error
	if tmpl.Pricing.Type == v1.PricingHeterogeneous {
		err = multierr.Append(err, awserrors.Validationf("heterogeneous pricing is not supported by RunInstances"))
	}
	if len(tmpl.WeightedInstanceTypes) > 0 {
		err = multierr.Append(err, awserrors.Validationf("weighted instance types are not supported by RunInstances"))
	}
	return err
}

// Acquire launches count instances in one call. RunInstances returns the full
// instance objects synchronously, so there is no deferred discovery.
func (h *Handler) Acquire(ctx context.Context, in *capacity.AcquireInput) (*capacity.AcquireOutput, error) {
	input := h.runInstancesInput(in)
	if in.DryRun {
		return &capacity.AcquireOutput{Metadata: map[string]any{v1.MetadataDryRun: true}}, nil
	}
	var out *ec2.RunInstancesOutput
	if err := h.exec.Do(ctx, "ec2", "run_instances", resilience.Standard, func(ctx context.Context) error {
		var rerr error
		out, rerr = h.ec2api.RunInstances(ctx, input)
		return rerr
	}); err != nil {
		return nil, fmt.Errorf("running instances, %w", err)
	}
	result := &capacity.AcquireOutput{Instances: out.Instances}
	if reservation := aws.ToString(out.ReservationId); reservation != "" {
		result.ResourceIDs = append(result.ResourceIDs, reservation)
	}
	return result, nil
}

func (h *Handler) runInstancesInput(in *capacity.AcquireInput) *ec2.RunInstancesInput {
	tmpl := in.Template
	count := int32(in.Request.RequestedCount)
	tags := utils.MergeTags(capacity.BrokerTags(in.Request, tmpl))
	input := &ec2.RunInstancesInput{
		LaunchTemplate: &ec2types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(in.LaunchTemplate.ID),
			Version:          aws.String(in.LaunchTemplate.Version),
		},
		MinCount: aws.Int32(count),
		MaxCount: aws.Int32(count),
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: tags},
			{ResourceType: ec2types.ResourceTypeVolume, Tags: tags},
		},
	}
	if types := tmpl.OrderedInstanceTypes(); len(types) > 0 {
		input.InstanceType = ec2types.InstanceType(types[0].InstanceType)
	}
	if len(tmpl.SubnetIDs) > 0 {
		input.SubnetId = aws.String(tmpl.SubnetIDs[0])
	}
	if tmpl.Pricing.Type == v1.PricingSpot {
		spot := &ec2types.SpotMarketOptions{SpotInstanceType: ec2types.SpotInstanceTypeOneTime}
		if tmpl.Pricing.MaxSpotPrice != "" {
			spot.MaxPrice = aws.String(tmpl.Pricing.MaxSpotPrice)
		}
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType:  ec2types.MarketTypeSpot,
			SpotOptions: spot,
		}
	}
	return input
}

// PollStatus refreshes the instances recorded on the request.
func (h *Handler) PollStatus(ctx context.Context, in *capacity.PollInput) ([]ec2types.Instance, error) {
	return h.instances.List(ctx, in.Request.InstanceIDs)
}

// Release terminates directly; standalone instances have no resource to scale.
func (h *Handler) Release(ctx context.Context, group *capacity.ReleaseGroup) error {
	_, err := h.instances.Terminate(ctx, group.InstanceIDs)
	return err
}

// DescribeCapacity counts the reservation's instances by lifecycle.
func (h *Handler) DescribeCapacity(ctx context.Context, resourceID string) (*v1.CapacityProjection, error) {
	var reservations []ec2types.Reservation
	err := h.exec.Do(ctx, "ec2", "describe_instances", resilience.ReadOnly, func(ctx context.Context) error {
		paginator := ec2.NewDescribeInstancesPaginator(h.ec2api, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{{Name: aws.String("reservation-id"), Values: []string{resourceID}}},
		})
		for paginator.HasMorePages() {
			page, perr := paginator.NextPage(ctx)
			if perr != nil {
				return perr
			}
			reservations = append(reservations, page.Reservations...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	all := lo.Flatten(lo.Map(reservations, func(r ec2types.Reservation, _ int) []ec2types.Instance { return r.Instances }))
	running := lo.CountBy(all, func(i ec2types.Instance) bool {
		return i.State != nil && i.State.Name == ec2types.InstanceStateNameRunning
	})
	pending := lo.CountBy(all, func(i ec2types.Instance) bool {
		return i.State != nil && i.State.Name == ec2types.InstanceStateNamePending
	})
	return &v1.CapacityProjection{
		Target:    int32(len(all)),
		Fulfilled: int32(running),
		Pending:   int32(pending),
	}, nil
}
