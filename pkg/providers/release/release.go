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

// Package release turns an opaque list of instance ids into per-resource
// release groups and dispatches each to its owning capacity handler. Instances
// backed by a maintain fleet or an auto scaling group must have their owner's
// capacity decreased before termination or the owner immediately launches
// replacements.
package release

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/aws/sdk"
	awserrors "github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/metrics"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/capacity"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/instance"
	"github.com/awslabs/open-resource-broker-sub001/pkg/resilience"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

// AWS stamps these on instances launched through a fleet or group; they are the
// authoritative ownership record when no mapping hint is supplied.
const (
	fleetIDTagKey     = "aws:ec2:fleet-id"
	spotFleetTagKey   = "aws:ec2spot:fleet-request-id"
	groupNameTagKey   = "aws:autoscaling:groupName"
	fleetIDPrefix     = "fleet-"
	spotFleetIDPrefix = "sfr-"
	reservationPrefix = "r-"
)

// Partition is the outcome of attributing instance ids to owning resources.
// Grouped holds resource id to member ids, Standalone holds ids to terminate
// directly, Unresolved holds ids that need a cloud lookup.
type Partition struct {
	Grouped    map[string][]string
	Capacities map[string]int32
	Standalone []string
	Unresolved []string
}

// PartitionByHints attributes each id using the caller's resource mapping. A
// hint with a resource id and positive desired capacity binds the instance to
// that resource; a hint with no resource or zero capacity marks it standalone;
// ids without a hint are left for lookup. Every input id lands in exactly one
// bucket, duplicates included.
func PartitionByHints(ids []string, hints []v1.ResourceHint) Partition {
	p := Partition{Grouped: map[string][]string{}, Capacities: map[string]int32{}}
	hintByID := lo.KeyBy(hints, func(h v1.ResourceHint) string { return h.InstanceID })
	for _, id := range ids {
		hint, ok := hintByID[id]
		if !ok {
			p.Unresolved = append(p.Unresolved, id)
			continue
		}
		if hint.ResourceID == "" || hint.DesiredCapacity == 0 {
			p.Standalone = append(p.Standalone, id)
			continue
		}
		p.Grouped[hint.ResourceID] = append(p.Grouped[hint.ResourceID], id)
		p.Capacities[hint.ResourceID] = hint.DesiredCapacity
	}
	return p
}

// APIForResource classifies a resource id by its shape. Fleet, spot fleet and
// reservation ids carry fixed prefixes; anything else is an auto scaling group
// name.
func APIForResource(resourceID string) v1.ProviderAPI {
	switch {
	case strings.HasPrefix(resourceID, fleetIDPrefix):
		return v1.ProviderEC2Fleet
	case strings.HasPrefix(resourceID, spotFleetIDPrefix):
		return v1.ProviderSpotFleet
	case strings.HasPrefix(resourceID, reservationPrefix):
		return v1.ProviderRunInstances
	default:
		return v1.ProviderASG
	}
}

type Engine struct {
	ec2api    sdk.EC2API
	asgapi    sdk.AutoScalingAPI
	exec      *resilience.Executor
	registry  capacity.Registry
	instances *instance.Provider
}

func NewEngine(ec2api sdk.EC2API, asgapi sdk.AutoScalingAPI, exec *resilience.Executor, registry capacity.Registry, instances *instance.Provider) *Engine {
	return &Engine{ec2api: ec2api, asgapi: asgapi, exec: exec, registry: registry, instances: instances}
}

// Release groups the ids, hydrates live owner state and dispatches each group.
// A failure in one group does not stop the others; the combined error reports
// every group that failed. Ids whose instances or owners no longer exist count
// as released.
func (e *Engine) Release(ctx context.Context, instanceIDs []string, hints []v1.ResourceHint) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	p := PartitionByHints(instanceIDs, hints)
	if len(p.Unresolved) > 0 {
		if err := e.resolveOwners(ctx, &p); err != nil {
			return err
		}
	}
	groups, orphaned, errs := e.hydrate(ctx, p)
	p.Standalone = append(p.Standalone, orphaned...)
	for _, group := range groups {
		if err := e.dispatch(ctx, group); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("releasing group %s, %w", group.ResourceID, err))
		}
	}
	if len(p.Standalone) > 0 {
		if err := e.dispatch(ctx, &capacity.ReleaseGroup{API: v1.ProviderRunInstances, InstanceIDs: p.Standalone}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("terminating standalone instances, %w", err))
		}
	}
	return errs
}

func (e *Engine) dispatch(ctx context.Context, group *capacity.ReleaseGroup) error {
	handler, err := e.registry.ForAPI(group.API)
	if err != nil {
		// No handler registered for this owner kind; terminating directly is
		// still better than stranding the instances.
		log.FromContext(ctx).Warnw("no handler for release group, terminating directly", "provider-api", group.API, "resource-id", group.ResourceID)
		_, terr := e.instances.Terminate(ctx, group.InstanceIDs)
		return terr
	}
	if err := handler.Release(ctx, group); err != nil {
		return err
	}
	metrics.MachinesReturned.WithLabelValues(string(group.API)).Add(float64(len(group.InstanceIDs)))
	return nil
}

// resolveOwners attributes unhinted ids by describing them and reading the
// ownership tags AWS stamps at launch. Spot instances without a fleet tag fall
// back to a membership scan over active spot fleets. Ids that no longer exist
// are dropped; already gone counts as released.
func (e *Engine) resolveOwners(ctx context.Context, p *Partition) error {
	described, err := e.instances.List(ctx, p.Unresolved)
	if err != nil {
		return fmt.Errorf("looking up instance owners, %w", err)
	}
	if missing := len(p.Unresolved) - len(described); missing > 0 {
		log.FromContext(ctx).Warnw("instances no longer exist, counting them as released", "missing", missing)
	}
	var unowned []string
	for _, inst := range described {
		id := aws.ToString(inst.InstanceId)
		if owner, ok := ownerFromTags(inst); ok {
			p.Grouped[owner] = append(p.Grouped[owner], id)
			continue
		}
		if inst.InstanceLifecycle == ec2types.InstanceLifecycleTypeSpot {
			unowned = append(unowned, id)
			continue
		}
		p.Standalone = append(p.Standalone, id)
	}
	p.Unresolved = nil
	if len(unowned) == 0 {
		return nil
	}
	owners, err := e.scanSpotFleetMembership(ctx, sets.New(unowned...))
	if err != nil {
		return err
	}
	for _, id := range unowned {
		if owner, ok := owners[id]; ok {
			p.Grouped[owner] = append(p.Grouped[owner], id)
		} else {
			p.Standalone = append(p.Standalone, id)
		}
	}
	return nil
}

func ownerFromTags(inst ec2types.Instance) (string, bool) {
	for _, tag := range inst.Tags {
		switch aws.ToString(tag.Key) {
		case fleetIDTagKey, spotFleetTagKey, groupNameTagKey:
			if owner := aws.ToString(tag.Value); owner != "" {
				return owner, true
			}
		}
	}
	return "", false
}

// scanSpotFleetMembership walks active and submitted spot fleet requests and
// lists each one's instances until every wanted id has an owner or the fleets
// run out.
func (e *Engine) scanSpotFleetMembership(ctx context.Context, wanted sets.Set[string]) (map[string]string, error) {
	owners := map[string]string{}
	var nextToken *string
	for {
		var out *ec2.DescribeSpotFleetRequestsOutput
		err := e.exec.Do(ctx, "ec2", "describe_spot_fleet_requests", resilience.ReadOnly, func(ctx context.Context) error {
			var derr error
			out, derr = e.ec2api.DescribeSpotFleetRequests(ctx, &ec2.DescribeSpotFleetRequestsInput{NextToken: nextToken})
			return derr
		})
		if err != nil {
			return nil, fmt.Errorf("scanning spot fleet membership, %w", err)
		}
		for _, config := range out.SpotFleetRequestConfigs {
			if config.SpotFleetRequestState != ec2types.BatchStateActive && config.SpotFleetRequestState != ec2types.BatchStateSubmitted {
				continue
			}
			sfrID := aws.ToString(config.SpotFleetRequestId)
			members, merr := e.spotFleetInstanceIDs(ctx, sfrID)
			if merr != nil {
				return nil, merr
			}
			for _, id := range members {
				if wanted.Has(id) {
					owners[id] = sfrID
					wanted.Delete(id)
				}
			}
			if wanted.Len() == 0 {
				return owners, nil
			}
		}
		nextToken = out.NextToken
		if nextToken == nil {
			return owners, nil
		}
	}
}

func (e *Engine) spotFleetInstanceIDs(ctx context.Context, sfrID string) ([]string, error) {
	var ids []string
	var nextToken *string
	for {
		var out *ec2.DescribeSpotFleetInstancesOutput
		err := e.exec.Do(ctx, "ec2", "describe_spot_fleet_instances", resilience.ReadOnly, func(ctx context.Context) error {
			var derr error
			out, derr = e.ec2api.DescribeSpotFleetInstances(ctx, &ec2.DescribeSpotFleetInstancesInput{
				SpotFleetRequestId: aws.String(sfrID),
				NextToken:          nextToken,
			})
			return derr
		})
		if err != nil {
			return nil, fmt.Errorf("listing spot fleet instances, %w", err)
		}
		ids = append(ids, lo.Map(out.ActiveInstances, func(i ec2types.ActiveInstance, _ int) string {
			return aws.ToString(i.InstanceId)
		})...)
		nextToken = out.NextToken
		if nextToken == nil {
			return ids, nil
		}
	}
}

// hydrate fetches live configuration for every owning resource: fleet type and
// current target for fleets, desired capacity for groups. Live state wins over
// hinted capacity. Members of an owner that no longer exists come back in the
// orphaned list for direct termination; any other hydration failure keeps the
// group out of dispatch, since terminating without the capacity decrease would
// trigger replacements.
func (e *Engine) hydrate(ctx context.Context, p Partition) (groups []*capacity.ReleaseGroup, orphaned []string, errs error) {
	resourceIDs := lo.Keys(p.Grouped)
	sort.Strings(resourceIDs)
	for _, resourceID := range resourceIDs {
		ids := p.Grouped[resourceID]
		var group *capacity.ReleaseGroup
		var err error
		switch APIForResource(resourceID) {
		case v1.ProviderEC2Fleet:
			group, err = e.hydrateFleet(ctx, resourceID, ids)
		case v1.ProviderSpotFleet:
			group, err = e.hydrateSpotFleet(ctx, resourceID, ids)
		case v1.ProviderRunInstances:
			// Reservations carry no capacity to decrease; their children
			// terminate directly.
			group = &capacity.ReleaseGroup{API: v1.ProviderRunInstances, ResourceID: resourceID, InstanceIDs: ids}
		default:
			group, err = e.hydrateGroup(ctx, resourceID, ids)
		}
		switch {
		case awserrors.IsNotFound(err):
			log.FromContext(ctx).Warnw("release target no longer exists, terminating members directly", "resource-id", resourceID)
			orphaned = append(orphaned, ids...)
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("hydrating resource %s, %w", resourceID, err))
		default:
			groups = append(groups, group)
		}
	}
	return groups, orphaned, errs
}

func (e *Engine) hydrateFleet(ctx context.Context, fleetID string, ids []string) (*capacity.ReleaseGroup, error) {
	var out *ec2.DescribeFleetsOutput
	err := e.exec.Do(ctx, "ec2", "describe_fleets", resilience.ReadOnly, func(ctx context.Context) error {
		var derr error
		out, derr = e.ec2api.DescribeFleets(ctx, &ec2.DescribeFleetsInput{FleetIds: []string{fleetID}})
		return derr
	})
	if err != nil {
		return nil, err
	}
	if len(out.Fleets) == 0 {
		return nil, awserrors.NotFoundf("fleet %s not found", fleetID)
	}
	fleet := out.Fleets[0]
	group := &capacity.ReleaseGroup{
		API:         v1.ProviderEC2Fleet,
		ResourceID:  fleetID,
		FleetType:   v1.FleetType(fleet.Type),
		InstanceIDs: ids,
	}
	if fleet.TargetCapacitySpecification != nil {
		group.CurrentCapacity = aws.ToInt32(fleet.TargetCapacitySpecification.TotalTargetCapacity)
	}
	return group, nil
}

func (e *Engine) hydrateSpotFleet(ctx context.Context, sfrID string, ids []string) (*capacity.ReleaseGroup, error) {
	var out *ec2.DescribeSpotFleetRequestsOutput
	err := e.exec.Do(ctx, "ec2", "describe_spot_fleet_requests", resilience.ReadOnly, func(ctx context.Context) error {
		var derr error
		out, derr = e.ec2api.DescribeSpotFleetRequests(ctx, &ec2.DescribeSpotFleetRequestsInput{SpotFleetRequestIds: []string{sfrID}})
		return derr
	})
	if err != nil {
		return nil, err
	}
	if len(out.SpotFleetRequestConfigs) == 0 {
		return nil, awserrors.NotFoundf("spot fleet request %s not found", sfrID)
	}
	config := out.SpotFleetRequestConfigs[0]
	group := &capacity.ReleaseGroup{
		API:         v1.ProviderSpotFleet,
		ResourceID:  sfrID,
		InstanceIDs: ids,
	}
	if config.SpotFleetRequestConfig != nil {
		group.FleetType = v1.FleetType(config.SpotFleetRequestConfig.Type)
		group.CurrentCapacity = aws.ToInt32(config.SpotFleetRequestConfig.TargetCapacity)
	}
	return group, nil
}

func (e *Engine) hydrateGroup(ctx context.Context, name string, ids []string) (*capacity.ReleaseGroup, error) {
	var out *autoscaling.DescribeAutoScalingGroupsOutput
	err := e.exec.Do(ctx, "autoscaling", "describe_auto_scaling_groups", resilience.ReadOnly, func(ctx context.Context) error {
		var derr error
		out, derr = e.asgapi.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{AutoScalingGroupNames: []string{name}})
		return derr
	})
	if err != nil {
		return nil, err
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, awserrors.NotFoundf("auto scaling group %s not found", name)
	}
	return &capacity.ReleaseGroup{
		API:             v1.ProviderASG,
		ResourceID:      name,
		InstanceIDs:     ids,
		CurrentCapacity: aws.ToInt32(out.AutoScalingGroups[0].DesiredCapacity),
	}, nil
}
