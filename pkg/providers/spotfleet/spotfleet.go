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

// Package spotfleet provisions capacity through the legacy spot fleet API, kept
// for templates that depend on its request semantics. The fleet role may be a
// bare role name; it expands against the calling account.
package spotfleet

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/aws/sdk"
	awserrors "github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/capacity"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/instance"
	"github.com/awslabs/open-resource-broker-sub001/pkg/resilience"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

const defaultAllocationStrategy = "lowestPrice"

// AccountResolver returns the calling AWS account id, for expanding bare role
// names into ARNs.
type AccountResolver func(ctx context.Context) (string, error)

type Handler struct {
	ec2api    sdk.EC2API
	iamapi    sdk.IAMAPI
	account   AccountResolver
	exec      *resilience.Executor
	instances *instance.Provider
}

func NewHandler(ec2api sdk.EC2API, iamapi sdk.IAMAPI, account AccountResolver, exec *resilience.Executor, instances *instance.Provider) *Handler {
	return &Handler{ec2api: ec2api, iamapi: iamapi, account: account, exec: exec, instances: instances}
}

func (h *Handler) API() v1.ProviderAPI { return v1.ProviderSpotFleet }

func (h *Handler) Validate(tmpl *v1.Template) error {
	var err error
	if tmpl.SpotFleetRole == "" {
		err = multierr.Append(err, awserrors.Validationf("spot fleet role is required"))
	}
	if tmpl.Pricing.Type == v1.PricingHeterogeneous && tmpl.Pricing.PercentOnDemand == 0 {
		err = multierr.Append(err, awserrors.Validationf("heterogeneous pricing needs a positive on-demand percent"))
	}
	if tmpl.FleetType == v1.FleetTypeInstant {
		err = multierr.Append(err, awserrors.Validationf("spot fleets do not support the instant fleet type"))
	}
	return err
}

// Acquire issues RequestSpotFleet. The spot fleet id comes back immediately;
// instances surface asynchronously through polling.
func (h *Handler) Acquire(ctx context.Context, in *capacity.AcquireInput) (*capacity.AcquireOutput, error) {
	roleARN, err := h.resolveFleetRole(ctx, in.Template.SpotFleetRole, in.DryRun)
	if err != nil {
		return nil, err
	}
	input := h.requestSpotFleetInput(in, roleARN)
	if in.DryRun {
		return &capacity.AcquireOutput{Metadata: map[string]any{v1.MetadataDryRun: true, v1.MetadataFleetType: string(in.Template.EffectiveFleetType())}}, nil
	}
	var out *ec2.RequestSpotFleetOutput
	if err := h.exec.Do(ctx, "ec2", "request_spot_fleet", resilience.Standard, func(ctx context.Context) error {
		var rerr error
		out, rerr = h.ec2api.RequestSpotFleet(ctx, input)
		return rerr
	}); err != nil {
		return nil, fmt.Errorf("requesting spot fleet, %w", err)
	}
	return &capacity.AcquireOutput{
		ResourceIDs: []string{aws.ToString(out.SpotFleetRequestId)},
		Metadata: map[string]any{
			v1.MetadataFleetType:      string(in.Template.EffectiveFleetType()),
			v1.MetadataTargetCapacity: in.Request.RequestedCount,
		},
	}, nil
}

const (
	ec2FleetServiceRolePath = "role/aws-service-role/ec2fleet.amazonaws.com/"
	spotFleetServiceRoleARN = "role/aws-service-role/spotfleet.amazonaws.com/AWSServiceRoleForEC2SpotFleet"
)

// resolveFleetRole expands a bare role name against the calling account and
// confirms the role exists. Missing permission to read IAM degrades to a warning;
// the spot fleet call itself is the authority. A template still carrying the EC2
// fleet service-linked role is converted to the spot fleet equivalent, which is
// the one RequestSpotFleet accepts.
func (h *Handler) resolveFleetRole(ctx context.Context, role string, dryRun bool) (string, error) {
	if strings.HasPrefix(role, "arn:") {
		if idx := strings.Index(role, ec2FleetServiceRolePath); idx >= 0 {
			converted := role[:idx] + spotFleetServiceRoleARN
			log.FromContext(ctx).Debugw("converted ec2 fleet service-linked role", "role", role, "converted", converted)
			return converted, nil
		}
		return role, nil
	}
	if dryRun {
		return fmt.Sprintf("arn:aws:iam::000000000000:role/%s", role), nil
	}
	accountID, err := h.account(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving account for fleet role, %w", err)
	}
	err = h.exec.Do(ctx, "iam", "get_role", resilience.ReadOnly, func(ctx context.Context) error {
		_, gerr := h.iamapi.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(role)})
		return gerr
	})
	if awserrors.IsNotFound(err) {
		return "", awserrors.Validationf("spot fleet role %q does not exist", role)
	}
	if awserrors.IsAuthorization(err) {
		log.FromContext(ctx).Warnw("cannot verify spot fleet role, proceeding", "role", role)
	} else if err != nil {
		return "", err
	}
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, role), nil
}

func (h *Handler) requestSpotFleetInput(in *capacity.AcquireInput, roleARN string) *ec2.RequestSpotFleetInput {
	tmpl := in.Template
	config := &ec2types.SpotFleetRequestConfigData{
		IamFleetRole:   aws.String(roleARN),
		TargetCapacity: aws.Int32(int32(in.Request.RequestedCount)),
		Type:           ec2types.FleetType(tmpl.EffectiveFleetType()),
		LaunchTemplateConfigs: []ec2types.LaunchTemplateConfig{{
			LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecification{
				LaunchTemplateId: aws.String(in.LaunchTemplate.ID),
				Version:          aws.String(in.LaunchTemplate.Version),
			},
			Overrides: h.overrides(tmpl),
		}},
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeSpotFleetRequest,
			Tags:         utils.MergeTags(capacity.BrokerTags(in.Request, tmpl)),
		}},
	}
	config.AllocationStrategy = ec2types.AllocationStrategy(
		lo.Ternary(tmpl.Pricing.AllocationStrategy != "", tmpl.Pricing.AllocationStrategy, defaultAllocationStrategy))
	if tmpl.Pricing.MaxSpotPrice != "" {
		config.SpotPrice = aws.String(tmpl.Pricing.MaxSpotPrice)
	}
	if tmpl.Pricing.Type == v1.PricingHeterogeneous {
		config.OnDemandTargetCapacity = aws.Int32(tmpl.Pricing.OnDemandTargetFor(in.Request.RequestedCount))
	}
	return &ec2.RequestSpotFleetInput{SpotFleetRequestConfig: config}
}

// overrides enumerates (subnet x instance type) spot lines with priorities in
// enumeration order. Heterogeneous pricing repeats the enumeration without a
// SpotPrice so the on-demand share has lines to launch from.
func (h *Handler) overrides(tmpl *v1.Template) []ec2types.LaunchTemplateOverrides {
	var out []ec2types.LaunchTemplateOverrides
	priority := 1.0
	appendLines := func(spot bool) {
		for _, subnetID := range tmpl.SubnetIDs {
			for _, wt := range tmpl.OrderedInstanceTypes() {
				override := ec2types.LaunchTemplateOverrides{
					InstanceType:     ec2types.InstanceType(wt.InstanceType),
					SubnetId:         aws.String(subnetID),
					WeightedCapacity: aws.Float64(float64(wt.Weight)),
					Priority:         aws.Float64(priority),
				}
				if spot && tmpl.Pricing.MaxSpotPrice != "" {
					override.SpotPrice = aws.String(tmpl.Pricing.MaxSpotPrice)
				}
				out = append(out, override)
				priority++
			}
		}
	}
	appendLines(true)
	if tmpl.Pricing.Type == v1.PricingHeterogeneous {
		appendLines(false)
	}
	return out
}

// PollStatus walks the spot fleet's active instances and refreshes them.
func (h *Handler) PollStatus(ctx context.Context, in *capacity.PollInput) ([]ec2types.Instance, error) {
	ids, err := h.activeInstanceIDs(ctx, in.ResourceID)
	if err != nil {
		return nil, err
	}
	if in.Template != nil {
		if terr := h.instances.Tag(ctx, ids, capacity.BrokerTags(in.Request, in.Template)); terr != nil {
			log.FromContext(ctx).Debugw("tagging spot fleet instances failed", "spot-fleet-request-id", in.ResourceID, "error", terr)
		}
	}
	return h.instances.List(ctx, ids)
}

func (h *Handler) activeInstanceIDs(ctx context.Context, spotFleetRequestID string) ([]string, error) {
	var ids []string
	var nextToken *string
	for {
		var out *ec2.DescribeSpotFleetInstancesOutput
		err := h.exec.Do(ctx, "ec2", "describe_spot_fleet_instances", resilience.ReadOnly, func(ctx context.Context) error {
			var derr error
			out, derr = h.ec2api.DescribeSpotFleetInstances(ctx, &ec2.DescribeSpotFleetInstancesInput{
				SpotFleetRequestId: aws.String(spotFleetRequestID),
				NextToken:          nextToken,
			})
			return derr
		})
		if err != nil {
			return nil, fmt.Errorf("describing spot fleet instances, %w", err)
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

// Release terminates named instances for a partial return; when the whole fleet
// is coming back, cancelling the request with TerminateInstances set lets the
// spot service tear everything down.
func (h *Handler) Release(ctx context.Context, group *capacity.ReleaseGroup) error {
	if group.TearDown || group.Remaining() == 0 {
		return h.cancel(ctx, group.ResourceID)
	}
	_, err := h.instances.Terminate(ctx, group.InstanceIDs)
	return err
}

func (h *Handler) cancel(ctx context.Context, spotFleetRequestID string) error {
	var out *ec2.CancelSpotFleetRequestsOutput
	err := h.exec.Do(ctx, "ec2", "cancel_spot_fleet_requests", resilience.Standard, func(ctx context.Context) error {
		var cerr error
		out, cerr = h.ec2api.CancelSpotFleetRequests(ctx, &ec2.CancelSpotFleetRequestsInput{
			SpotFleetRequestIds: []string{spotFleetRequestID},
			TerminateInstances:  aws.Bool(true),
		})
		return cerr
	})
	if awserrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancelling spot fleet request, %w", err)
	}
	for _, unsuccessful := range out.UnsuccessfulFleetRequests {
		if unsuccessful.Error != nil && unsuccessful.Error.Code == ec2types.CancelBatchErrorCodeFleetRequestIdDoesNotExist {
			continue
		}
		return awserrors.New(awserrors.KindInternal, "cancelling spot fleet request %s: %s", spotFleetRequestID, cancelErrorMessage(unsuccessful))
	}
	return nil
}

func cancelErrorMessage(u ec2types.CancelSpotFleetRequestsErrorItem) string {
	if u.Error == nil {
		return "unknown error"
	}
	return fmt.Sprintf("%s: %s", u.Error.Code, aws.ToString(u.Error.Message))
}

// DescribeCapacity projects the request's target against active instances.
func (h *Handler) DescribeCapacity(ctx context.Context, resourceID string) (*v1.CapacityProjection, error) {
	var out *ec2.DescribeSpotFleetRequestsOutput
	err := h.exec.Do(ctx, "ec2", "describe_spot_fleet_requests", resilience.ReadOnly, func(ctx context.Context) error {
		var derr error
		out, derr = h.ec2api.DescribeSpotFleetRequests(ctx, &ec2.DescribeSpotFleetRequestsInput{
			SpotFleetRequestIds: []string{resourceID},
		})
		return derr
	})
	if err != nil {
		return nil, err
	}
	if len(out.SpotFleetRequestConfigs) == 0 {
		return nil, awserrors.NotFoundf("spot fleet request %s not found", resourceID)
	}
	config := out.SpotFleetRequestConfigs[0]
	var target int32
	if config.SpotFleetRequestConfig != nil {
		target = aws.ToInt32(config.SpotFleetRequestConfig.TargetCapacity)
	}
	ids, err := h.activeInstanceIDs(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	fulfilled := int32(len(ids))
	pending := target - fulfilled
	if pending < 0 {
		pending = 0
	}
	return &v1.CapacityProjection{Target: target, Fulfilled: fulfilled, Pending: pending}, nil
}
