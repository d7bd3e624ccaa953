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

package fake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub001/pkg/aws/sdk"
)

// Ownership tags stamped at launch, mirroring what EC2 does for real fleets and
// groups so the release path can attribute instances.
const (
	FleetIDTag     = "aws:ec2:fleet-id"
	SpotFleetIDTag = "aws:ec2spot:fleet-request-id"
	GroupNameTag   = "aws:autoscaling:groupName"
)

// FleetState is the fake's record of an EC2 fleet.
type FleetState struct {
	FleetID     string
	Type        ec2types.FleetType
	Target      int32
	InstanceIDs []string
}

// SpotFleetState is the fake's record of a spot fleet request.
type SpotFleetState struct {
	ID          string
	Type        ec2types.FleetType
	State       ec2types.BatchState
	Target      int32
	InstanceIDs []string
}

// LaunchTemplateState is the fake's record of a launch template and its versions.
type LaunchTemplateState struct {
	ID             string
	Name           string
	DefaultVersion int64
	LatestVersion  int64
	Versions       []int64
}

// EC2Behavior exposes one MockedFunction per API method plus the shared state
// maps the default transformers read and write.
type EC2Behavior struct {
	RunInstancesBehavior                   MockedFunction[ec2.RunInstancesInput, ec2.RunInstancesOutput]
	CreateFleetBehavior                    MockedFunction[ec2.CreateFleetInput, ec2.CreateFleetOutput]
	ModifyFleetBehavior                    MockedFunction[ec2.ModifyFleetInput, ec2.ModifyFleetOutput]
	DeleteFleetsBehavior                   MockedFunction[ec2.DeleteFleetsInput, ec2.DeleteFleetsOutput]
	DescribeFleetsBehavior                 MockedFunction[ec2.DescribeFleetsInput, ec2.DescribeFleetsOutput]
	DescribeFleetInstancesBehavior         MockedFunction[ec2.DescribeFleetInstancesInput, ec2.DescribeFleetInstancesOutput]
	RequestSpotFleetBehavior               MockedFunction[ec2.RequestSpotFleetInput, ec2.RequestSpotFleetOutput]
	CancelSpotFleetRequestsBehavior        MockedFunction[ec2.CancelSpotFleetRequestsInput, ec2.CancelSpotFleetRequestsOutput]
	DescribeSpotFleetRequestsBehavior      MockedFunction[ec2.DescribeSpotFleetRequestsInput, ec2.DescribeSpotFleetRequestsOutput]
	DescribeSpotFleetInstancesBehavior     MockedFunction[ec2.DescribeSpotFleetInstancesInput, ec2.DescribeSpotFleetInstancesOutput]
	DescribeInstancesBehavior              MockedFunction[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
	TerminateInstancesBehavior             MockedFunction[ec2.TerminateInstancesInput, ec2.TerminateInstancesOutput]
	CreateTagsBehavior                     MockedFunction[ec2.CreateTagsInput, ec2.CreateTagsOutput]
	CreateLaunchTemplateBehavior           MockedFunction[ec2.CreateLaunchTemplateInput, ec2.CreateLaunchTemplateOutput]
	CreateLaunchTemplateVersionBehavior    MockedFunction[ec2.CreateLaunchTemplateVersionInput, ec2.CreateLaunchTemplateVersionOutput]
	DescribeLaunchTemplatesBehavior        MockedFunction[ec2.DescribeLaunchTemplatesInput, ec2.DescribeLaunchTemplatesOutput]
	DescribeLaunchTemplateVersionsBehavior MockedFunction[ec2.DescribeLaunchTemplateVersionsInput, ec2.DescribeLaunchTemplateVersionsOutput]
	DeleteLaunchTemplateBehavior           MockedFunction[ec2.DeleteLaunchTemplateInput, ec2.DeleteLaunchTemplateOutput]
	DeleteLaunchTemplateVersionsBehavior   MockedFunction[ec2.DeleteLaunchTemplateVersionsInput, ec2.DeleteLaunchTemplateVersionsOutput]

	Instances       sync.Map // instance id -> ec2types.Instance
	Reservations    sync.Map // reservation id -> []string instance ids
	Fleets          sync.Map // fleet id -> FleetState
	SpotFleets      sync.Map // spot fleet request id -> SpotFleetState
	LaunchTemplates sync.Map // name -> LaunchTemplateState
}

// EC2API is an in-memory implementation of the consumed EC2 surface. Launched
// instances land in the state maps so describe, poll and terminate flows behave
// like a live account. An optional CallLog records cross-method ordering.
type EC2API struct {
	sync.Mutex
	EC2Behavior
	Log *CallLog
}

var _ sdk.EC2API = (*EC2API)(nil)

func NewEC2API() *EC2API {
	return &EC2API{}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (e *EC2API) Reset() {
	e.RunInstancesBehavior.Reset()
	e.CreateFleetBehavior.Reset()
	e.ModifyFleetBehavior.Reset()
	e.DeleteFleetsBehavior.Reset()
	e.DescribeFleetsBehavior.Reset()
	e.DescribeFleetInstancesBehavior.Reset()
	e.RequestSpotFleetBehavior.Reset()
	e.CancelSpotFleetRequestsBehavior.Reset()
	e.DescribeSpotFleetRequestsBehavior.Reset()
	e.DescribeSpotFleetInstancesBehavior.Reset()
	e.DescribeInstancesBehavior.Reset()
	e.TerminateInstancesBehavior.Reset()
	e.CreateTagsBehavior.Reset()
	e.CreateLaunchTemplateBehavior.Reset()
	e.CreateLaunchTemplateVersionBehavior.Reset()
	e.DescribeLaunchTemplatesBehavior.Reset()
	e.DescribeLaunchTemplateVersionsBehavior.Reset()
	e.DeleteLaunchTemplateBehavior.Reset()
	e.DeleteLaunchTemplateVersionsBehavior.Reset()

	e.Instances.Clear()
	e.Reservations.Clear()
	e.Fleets.Clear()
	e.SpotFleets.Clear()
	e.LaunchTemplates.Clear()
	e.Log.Reset()
}

// RandomInstanceID returns a well-formed EC2 instance id.
func RandomInstanceID() string {
	return fmt.Sprintf("i-%s", randomHex(17))
}

func randomHex(n int) string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:n]
}

type launchSpec struct {
	InstanceType ec2types.InstanceType
	Spot         bool
	Tags         []ec2types.Tag
}

func (e *EC2API) launch(count int, spec launchSpec) []ec2types.Instance {
	if spec.InstanceType == "" {
		spec.InstanceType = ec2types.InstanceTypeM5Large
	}
	instances := make([]ec2types.Instance, 0, count)
	for range count {
		inst := ec2types.Instance{
			InstanceId:       aws.String(RandomInstanceID()),
			InstanceType:     spec.InstanceType,
			PrivateIpAddress: aws.String(randomdata.IpV4Address()),
			PublicIpAddress:  aws.String(randomdata.IpV4Address()),
			LaunchTime:       aws.Time(time.Now()),
			State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
			Placement:        &ec2types.Placement{AvailabilityZone: aws.String("us-east-1a")},
			Tags:             append([]ec2types.Tag(nil), spec.Tags...),
		}
		if spec.Spot {
			inst.InstanceLifecycle = ec2types.InstanceLifecycleTypeSpot
		}
		e.Instances.Store(aws.ToString(inst.InstanceId), inst)
		instances = append(instances, inst)
	}
	return instances
}

// SeedInstances registers count running instances directly, for tests that pin
// API outputs referencing pre-existing capacity. The optional mutate hook runs
// before each instance is stored.
func (e *EC2API) SeedInstances(count int, mutate func(*ec2types.Instance)) []ec2types.Instance {
	instances := e.launch(count, launchSpec{})
	if mutate == nil {
		return instances
	}
	for i := range instances {
		mutate(&instances[i])
		e.Instances.Store(aws.ToString(instances[i].InstanceId), instances[i])
	}
	return instances
}

func (e *EC2API) record(name string) {
	e.Log.Record(name)
}

func instanceIDs(instances []ec2types.Instance) []string {
	return lo.Map(instances, func(i ec2types.Instance, _ int) string { return aws.ToString(i.InstanceId) })
}

func (e *EC2API) liveMembers(ids []string) []ec2types.Instance {
	var out []ec2types.Instance
	for _, id := range ids {
		v, ok := e.Instances.Load(id)
		if !ok {
			continue
		}
		inst := v.(ec2types.Instance)
		if terminated(inst) {
			continue
		}
		out = append(out, inst)
	}
	return out
}

func terminated(inst ec2types.Instance) bool {
	if inst.State == nil {
		return false
	}
	return inst.State.Name == ec2types.InstanceStateNameTerminated || inst.State.Name == ec2types.InstanceStateNameShuttingDown
}

func tagsFor(specs []ec2types.TagSpecification, rt ec2types.ResourceType) []ec2types.Tag {
	var tags []ec2types.Tag
	for _, spec := range specs {
		if spec.ResourceType == rt {
			tags = append(tags, spec.Tags...)
		}
	}
	return tags
}

func ownershipTag(key, value string) ec2types.Tag {
	return ec2types.Tag{Key: aws.String(key), Value: aws.String(value)}
}

func apiError(code, format string, args ...any) error {
	return &smithy.GenericAPIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *EC2API) RunInstances(ctx context.Context, input *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	e.record("RunInstances")
	return e.RunInstancesBehavior.Invoke(input, func(input *ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error) {
		spot := input.InstanceMarketOptions != nil && input.InstanceMarketOptions.MarketType == ec2types.MarketTypeSpot
		instances := e.launch(int(aws.ToInt32(input.MaxCount)), launchSpec{
			InstanceType: input.InstanceType,
			Spot:         spot,
			Tags:         tagsFor(input.TagSpecifications, ec2types.ResourceTypeInstance),
		})
		reservationID := fmt.Sprintf("r-%s", randomHex(17))
		e.Reservations.Store(reservationID, instanceIDs(instances))
		return &ec2.RunInstancesOutput{
			ReservationId: aws.String(reservationID),
			Instances:     instances,
		}, nil
	})
}

func (e *EC2API) CreateFleet(ctx context.Context, input *ec2.CreateFleetInput, _ ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error) {
	e.record("CreateFleet")
	return e.CreateFleetBehavior.Invoke(input, func(input *ec2.CreateFleetInput) (*ec2.CreateFleetOutput, error) {
		fleetID := fmt.Sprintf("fleet-%s", uuid.NewString())
		var target int32
		spot := false
		if input.TargetCapacitySpecification != nil {
			target = aws.ToInt32(input.TargetCapacitySpecification.TotalTargetCapacity)
			spot = input.TargetCapacitySpecification.DefaultTargetCapacityType == ec2types.DefaultTargetCapacityTypeSpot
		}
		tags := append(tagsFor(input.TagSpecifications, ec2types.ResourceTypeInstance), ownershipTag(FleetIDTag, fleetID))
		instances := e.launch(int(target), launchSpec{
			InstanceType: fleetInstanceType(input.LaunchTemplateConfigs),
			Spot:         spot,
			Tags:         tags,
		})
		ids := instanceIDs(instances)
		e.Fleets.Store(fleetID, FleetState{FleetID: fleetID, Type: input.Type, Target: target, InstanceIDs: ids})
		out := &ec2.CreateFleetOutput{FleetId: aws.String(fleetID)}
		if input.Type == ec2types.FleetTypeInstant && len(instances) > 0 {
			out.Instances = []ec2types.CreateFleetInstance{{
				InstanceIds:  ids,
				InstanceType: instances[0].InstanceType,
				Lifecycle:    lo.Ternary(spot, ec2types.InstanceLifecycleSpot, ec2types.InstanceLifecycleOnDemand),
			}}
		}
		return out, nil
	})
}

func fleetInstanceType(configs []ec2types.FleetLaunchTemplateConfigRequest) ec2types.InstanceType {
	for _, config := range configs {
		for _, override := range config.Overrides {
			if override.InstanceType != "" {
				return override.InstanceType
			}
		}
	}
	return ""
}

func (e *EC2API) ModifyFleet(ctx context.Context, input *ec2.ModifyFleetInput, _ ...func(*ec2.Options)) (*ec2.ModifyFleetOutput, error) {
	e.record("ModifyFleet")
	return e.ModifyFleetBehavior.Invoke(input, func(input *ec2.ModifyFleetInput) (*ec2.ModifyFleetOutput, error) {
		fleetID := aws.ToString(input.FleetId)
		v, ok := e.Fleets.Load(fleetID)
		if !ok {
			return nil, apiError("InvalidFleetId.NotFound", "The fleet ID '%s' does not exist", fleetID)
		}
		state := v.(FleetState)
		if input.TargetCapacitySpecification != nil {
			state.Target = aws.ToInt32(input.TargetCapacitySpecification.TotalTargetCapacity)
		}
		e.Fleets.Store(fleetID, state)
		return &ec2.ModifyFleetOutput{Return: aws.Bool(true)}, nil
	})
}

func (e *EC2API) DeleteFleets(ctx context.Context, input *ec2.DeleteFleetsInput, _ ...func(*ec2.Options)) (*ec2.DeleteFleetsOutput, error) {
	e.record("DeleteFleets")
	return e.DeleteFleetsBehavior.Invoke(input, func(input *ec2.DeleteFleetsInput) (*ec2.DeleteFleetsOutput, error) {
		out := &ec2.DeleteFleetsOutput{}
		for _, fleetID := range input.FleetIds {
			v, ok := e.Fleets.Load(fleetID)
			if !ok {
				out.UnsuccessfulFleetDeletions = append(out.UnsuccessfulFleetDeletions, ec2types.DeleteFleetErrorItem{
					FleetId: aws.String(fleetID),
					Error: &ec2types.DeleteFleetError{
						Code:    ec2types.DeleteFleetErrorCodeFleetIdDoesNotExist,
						Message: aws.String("fleet not found"),
					},
				})
				continue
			}
			state := v.(FleetState)
			if aws.ToBool(input.TerminateInstances) {
				e.terminate(state.InstanceIDs)
			}
			e.Fleets.Delete(fleetID)
			out.SuccessfulFleetDeletions = append(out.SuccessfulFleetDeletions, ec2types.DeleteFleetSuccessItem{
				FleetId:           aws.String(fleetID),
				CurrentFleetState: ec2types.FleetStateCodeDeleted,
			})
		}
		return out, nil
	})
}

func (e *EC2API) DescribeFleets(ctx context.Context, input *ec2.DescribeFleetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeFleetsOutput, error) {
	e.record("DescribeFleets")
	return e.DescribeFleetsBehavior.Invoke(input, func(input *ec2.DescribeFleetsInput) (*ec2.DescribeFleetsOutput, error) {
		out := &ec2.DescribeFleetsOutput{}
		for _, fleetID := range input.FleetIds {
			v, ok := e.Fleets.Load(fleetID)
			if !ok {
				continue
			}
			state := v.(FleetState)
			out.Fleets = append(out.Fleets, ec2types.FleetData{
				FleetId:        aws.String(state.FleetID),
				Type:           state.Type,
				ActivityStatus: ec2types.FleetActivityStatusFulfilled,
				TargetCapacitySpecification: &ec2types.TargetCapacitySpecification{
					TotalTargetCapacity: aws.Int32(state.Target),
				},
				FulfilledCapacity: aws.Float64(float64(len(e.liveMembers(state.InstanceIDs)))),
			})
		}
		return out, nil
	})
}

func (e *EC2API) DescribeFleetInstances(ctx context.Context, input *ec2.DescribeFleetInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeFleetInstancesOutput, error) {
	e.record("DescribeFleetInstances")
	return e.DescribeFleetInstancesBehavior.Invoke(input, func(input *ec2.DescribeFleetInstancesInput) (*ec2.DescribeFleetInstancesOutput, error) {
		out := &ec2.DescribeFleetInstancesOutput{FleetId: input.FleetId}
		v, ok := e.Fleets.Load(aws.ToString(input.FleetId))
		if !ok {
			return out, nil
		}
		out.ActiveInstances = activeInstances(e.liveMembers(v.(FleetState).InstanceIDs))
		return out, nil
	})
}

func activeInstances(instances []ec2types.Instance) []ec2types.ActiveInstance {
	return lo.Map(instances, func(i ec2types.Instance, _ int) ec2types.ActiveInstance {
		return ec2types.ActiveInstance{
			InstanceId:   i.InstanceId,
			InstanceType: aws.String(string(i.InstanceType)),
		}
	})
}

func (e *EC2API) RequestSpotFleet(ctx context.Context, input *ec2.RequestSpotFleetInput, _ ...func(*ec2.Options)) (*ec2.RequestSpotFleetOutput, error) {
	e.record("RequestSpotFleet")
	return e.RequestSpotFleetBehavior.Invoke(input, func(input *ec2.RequestSpotFleetInput) (*ec2.RequestSpotFleetOutput, error) {
		sfrID := fmt.Sprintf("sfr-%s", uuid.NewString())
		config := input.SpotFleetRequestConfig
		target := aws.ToInt32(config.TargetCapacity)
		instances := e.launch(int(target), launchSpec{
			InstanceType: spotFleetInstanceType(config.LaunchTemplateConfigs),
			Spot:         true,
			Tags:         []ec2types.Tag{ownershipTag(SpotFleetIDTag, sfrID)},
		})
		e.SpotFleets.Store(sfrID, SpotFleetState{
			ID:          sfrID,
			Type:        config.Type,
			State:       ec2types.BatchStateActive,
			Target:      target,
			InstanceIDs: instanceIDs(instances),
		})
		return &ec2.RequestSpotFleetOutput{SpotFleetRequestId: aws.String(sfrID)}, nil
	})
}

func spotFleetInstanceType(configs []ec2types.LaunchTemplateConfig) ec2types.InstanceType {
	for _, config := range configs {
		for _, override := range config.Overrides {
			if override.InstanceType != "" {
				return override.InstanceType
			}
		}
	}
	return ""
}

func (e *EC2API) CancelSpotFleetRequests(ctx context.Context, input *ec2.CancelSpotFleetRequestsInput, _ ...func(*ec2.Options)) (*ec2.CancelSpotFleetRequestsOutput, error) {
	e.record("CancelSpotFleetRequests")
	return e.CancelSpotFleetRequestsBehavior.Invoke(input, func(input *ec2.CancelSpotFleetRequestsInput) (*ec2.CancelSpotFleetRequestsOutput, error) {
		out := &ec2.CancelSpotFleetRequestsOutput{}
		for _, sfrID := range input.SpotFleetRequestIds {
			v, ok := e.SpotFleets.Load(sfrID)
			if !ok {
				out.UnsuccessfulFleetRequests = append(out.UnsuccessfulFleetRequests, ec2types.CancelSpotFleetRequestsErrorItem{
					SpotFleetRequestId: aws.String(sfrID),
					Error: &ec2types.CancelSpotFleetRequestsError{
						Code:    ec2types.CancelBatchErrorCodeFleetRequestIdDoesNotExist,
						Message: aws.String("spot fleet request not found"),
					},
				})
				continue
			}
			state := v.(SpotFleetState)
			state.State = ec2types.BatchStateCancelledRunning
			if aws.ToBool(input.TerminateInstances) {
				e.terminate(state.InstanceIDs)
				state.State = ec2types.BatchStateCancelledTerminatingInstances
			}
			e.SpotFleets.Store(sfrID, state)
			out.SuccessfulFleetRequests = append(out.SuccessfulFleetRequests, ec2types.CancelSpotFleetRequestsSuccessItem{
				SpotFleetRequestId:           aws.String(sfrID),
				CurrentSpotFleetRequestState: state.State,
			})
		}
		return out, nil
	})
}

func (e *EC2API) DescribeSpotFleetRequests(ctx context.Context, input *ec2.DescribeSpotFleetRequestsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotFleetRequestsOutput, error) {
	e.record("DescribeSpotFleetRequests")
	return e.DescribeSpotFleetRequestsBehavior.Invoke(input, func(input *ec2.DescribeSpotFleetRequestsInput) (*ec2.DescribeSpotFleetRequestsOutput, error) {
		var states []SpotFleetState
		if len(input.SpotFleetRequestIds) > 0 {
			for _, sfrID := range input.SpotFleetRequestIds {
				if v, ok := e.SpotFleets.Load(sfrID); ok {
					states = append(states, v.(SpotFleetState))
				}
			}
		} else {
			e.SpotFleets.Range(func(_, v any) bool {
				states = append(states, v.(SpotFleetState))
				return true
			})
			sort.Slice(states, func(a, b int) bool { return states[a].ID < states[b].ID })
		}
		return &ec2.DescribeSpotFleetRequestsOutput{
			SpotFleetRequestConfigs: lo.Map(states, func(s SpotFleetState, _ int) ec2types.SpotFleetRequestConfig {
				return ec2types.SpotFleetRequestConfig{
					SpotFleetRequestId:    aws.String(s.ID),
					SpotFleetRequestState: s.State,
					SpotFleetRequestConfig: &ec2types.SpotFleetRequestConfigData{
						Type:           s.Type,
						TargetCapacity: aws.Int32(s.Target),
					},
				}
			}),
		}, nil
	})
}

func (e *EC2API) DescribeSpotFleetInstances(ctx context.Context, input *ec2.DescribeSpotFleetInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotFleetInstancesOutput, error) {
	e.record("DescribeSpotFleetInstances")
	return e.DescribeSpotFleetInstancesBehavior.Invoke(input, func(input *ec2.DescribeSpotFleetInstancesInput) (*ec2.DescribeSpotFleetInstancesOutput, error) {
		out := &ec2.DescribeSpotFleetInstancesOutput{SpotFleetRequestId: input.SpotFleetRequestId}
		v, ok := e.SpotFleets.Load(aws.ToString(input.SpotFleetRequestId))
		if !ok {
			return out, nil
		}
		out.ActiveInstances = activeInstances(e.liveMembers(v.(SpotFleetState).InstanceIDs))
		return out, nil
	})
}

func (e *EC2API) DescribeInstances(ctx context.Context, input *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	e.record("DescribeInstances")
	return e.DescribeInstancesBehavior.Invoke(input, func(input *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		wanted := map[string]struct{}{}
		filtered := len(input.InstanceIds) > 0
		for _, id := range input.InstanceIds {
			wanted[id] = struct{}{}
		}
		for _, filter := range input.Filters {
			filtered = true
			switch aws.ToString(filter.Name) {
			case "instance-id":
				for _, id := range filter.Values {
					wanted[id] = struct{}{}
				}
			case "reservation-id":
				for _, reservationID := range filter.Values {
					if v, ok := e.Reservations.Load(reservationID); ok {
						for _, id := range v.([]string) {
							wanted[id] = struct{}{}
						}
					}
				}
			}
		}
		var instances []ec2types.Instance
		if filtered {
			for id := range wanted {
				if v, ok := e.Instances.Load(id); ok {
					instances = append(instances, v.(ec2types.Instance))
				}
			}
		} else {
			e.Instances.Range(func(_, v any) bool {
				instances = append(instances, v.(ec2types.Instance))
				return true
			})
		}
		sort.Slice(instances, func(a, b int) bool {
			return aws.ToString(instances[a].InstanceId) < aws.ToString(instances[b].InstanceId)
		})
		out := &ec2.DescribeInstancesOutput{}
		if len(instances) > 0 {
			out.Reservations = []ec2types.Reservation{{Instances: instances}}
		}
		return out, nil
	})
}

func (e *EC2API) TerminateInstances(ctx context.Context, input *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	e.record("TerminateInstances")
	return e.TerminateInstancesBehavior.Invoke(input, func(input *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
		// A single unknown id fails the whole batch, like the real API.
		for _, id := range input.InstanceIds {
			if _, ok := e.Instances.Load(id); !ok {
				return nil, apiError("InvalidInstanceID.NotFound", "The instance ID '%s' does not exist", id)
			}
		}
		out := &ec2.TerminateInstancesOutput{}
		for _, id := range input.InstanceIds {
			out.TerminatingInstances = append(out.TerminatingInstances, ec2types.InstanceStateChange{
				InstanceId:    aws.String(id),
				PreviousState: &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
				CurrentState:  &ec2types.InstanceState{Name: ec2types.InstanceStateNameShuttingDown},
			})
		}
		e.terminate(input.InstanceIds)
		return out, nil
	})
}

func (e *EC2API) terminate(ids []string) {
	for _, id := range ids {
		v, ok := e.Instances.Load(id)
		if !ok {
			continue
		}
		inst := v.(ec2types.Instance)
		inst.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameTerminated}
		e.Instances.Store(id, inst)
	}
}

func (e *EC2API) CreateTags(ctx context.Context, input *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	e.record("CreateTags")
	return e.CreateTagsBehavior.Invoke(input, func(input *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		for _, id := range input.Resources {
			v, ok := e.Instances.Load(id)
			if !ok {
				continue
			}
			inst := v.(ec2types.Instance)
			inst.Tags = mergeTags(inst.Tags, input.Tags)
			e.Instances.Store(id, inst)
		}
		return &ec2.CreateTagsOutput{}, nil
	})
}

func mergeTags(existing, updates []ec2types.Tag) []ec2types.Tag {
	merged := append([]ec2types.Tag(nil), existing...)
	for _, update := range updates {
		replaced := false
		for i := range merged {
			if aws.ToString(merged[i].Key) == aws.ToString(update.Key) {
				merged[i].Value = update.Value
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, update)
		}
	}
	return merged
}

func (e *EC2API) CreateLaunchTemplate(ctx context.Context, input *ec2.CreateLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error) {
	e.record("CreateLaunchTemplate")
	return e.CreateLaunchTemplateBehavior.Invoke(input, func(input *ec2.CreateLaunchTemplateInput) (*ec2.CreateLaunchTemplateOutput, error) {
		name := aws.ToString(input.LaunchTemplateName)
		if _, ok := e.LaunchTemplates.Load(name); ok {
			return nil, apiError("InvalidLaunchTemplateName.AlreadyExistsException", "Launch template name %s is already in use", name)
		}
		state := LaunchTemplateState{
			ID:             fmt.Sprintf("lt-%s", randomHex(17)),
			Name:           name,
			DefaultVersion: 1,
			LatestVersion:  1,
			Versions:       []int64{1},
		}
		e.LaunchTemplates.Store(name, state)
		return &ec2.CreateLaunchTemplateOutput{LaunchTemplate: launchTemplateView(state)}, nil
	})
}

func launchTemplateView(state LaunchTemplateState) *ec2types.LaunchTemplate {
	return &ec2types.LaunchTemplate{
		LaunchTemplateId:     aws.String(state.ID),
		LaunchTemplateName:   aws.String(state.Name),
		DefaultVersionNumber: aws.Int64(state.DefaultVersion),
		LatestVersionNumber:  aws.Int64(state.LatestVersion),
	}
}

func (e *EC2API) CreateLaunchTemplateVersion(ctx context.Context, input *ec2.CreateLaunchTemplateVersionInput, _ ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateVersionOutput, error) {
	e.record("CreateLaunchTemplateVersion")
	return e.CreateLaunchTemplateVersionBehavior.Invoke(input, func(input *ec2.CreateLaunchTemplateVersionInput) (*ec2.CreateLaunchTemplateVersionOutput, error) {
		state, ok := e.findLaunchTemplate(aws.ToString(input.LaunchTemplateId), aws.ToString(input.LaunchTemplateName))
		if !ok {
			return nil, apiError("InvalidLaunchTemplateId.NotFound", "launch template not found")
		}
		state.LatestVersion++
		state.Versions = append(state.Versions, state.LatestVersion)
		e.LaunchTemplates.Store(state.Name, state)
		return &ec2.CreateLaunchTemplateVersionOutput{
			LaunchTemplateVersion: &ec2types.LaunchTemplateVersion{
				LaunchTemplateId:   aws.String(state.ID),
				LaunchTemplateName: aws.String(state.Name),
				VersionNumber:      aws.Int64(state.LatestVersion),
			},
		}, nil
	})
}

func (e *EC2API) findLaunchTemplate(id, name string) (LaunchTemplateState, bool) {
	if name != "" {
		if v, ok := e.LaunchTemplates.Load(name); ok {
			return v.(LaunchTemplateState), true
		}
		return LaunchTemplateState{}, false
	}
	var found LaunchTemplateState
	ok := false
	e.LaunchTemplates.Range(func(_, v any) bool {
		state := v.(LaunchTemplateState)
		if state.ID == id {
			found = state
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

func (e *EC2API) DescribeLaunchTemplates(ctx context.Context, input *ec2.DescribeLaunchTemplatesInput, _ ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error) {
	e.record("DescribeLaunchTemplates")
	return e.DescribeLaunchTemplatesBehavior.Invoke(input, func(input *ec2.DescribeLaunchTemplatesInput) (*ec2.DescribeLaunchTemplatesOutput, error) {
		var templates []ec2types.LaunchTemplate
		for _, name := range input.LaunchTemplateNames {
			if v, ok := e.LaunchTemplates.Load(name); ok {
				templates = append(templates, *launchTemplateView(v.(LaunchTemplateState)))
			}
		}
		for _, id := range input.LaunchTemplateIds {
			if state, ok := e.findLaunchTemplate(id, ""); ok {
				templates = append(templates, *launchTemplateView(state))
			}
		}
		if len(input.LaunchTemplateNames) == 0 && len(input.LaunchTemplateIds) == 0 {
			e.LaunchTemplates.Range(func(_, v any) bool {
				templates = append(templates, *launchTemplateView(v.(LaunchTemplateState)))
				return true
			})
		} else if len(templates) == 0 {
			// Describing by a name that does not exist is an error, not an empty page.
			return nil, apiError("InvalidLaunchTemplateName.NotFoundException",
				"At least one of the launch templates specified in the request does not exist")
		}
		return &ec2.DescribeLaunchTemplatesOutput{LaunchTemplates: templates}, nil
	})
}

func (e *EC2API) DescribeLaunchTemplateVersions(ctx context.Context, input *ec2.DescribeLaunchTemplateVersionsInput, _ ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplateVersionsOutput, error) {
	e.record("DescribeLaunchTemplateVersions")
	return e.DescribeLaunchTemplateVersionsBehavior.Invoke(input, func(input *ec2.DescribeLaunchTemplateVersionsInput) (*ec2.DescribeLaunchTemplateVersionsOutput, error) {
		state, ok := e.findLaunchTemplate(aws.ToString(input.LaunchTemplateId), aws.ToString(input.LaunchTemplateName))
		if !ok {
			return nil, apiError("InvalidLaunchTemplateId.NotFound", "launch template not found")
		}
		return &ec2.DescribeLaunchTemplateVersionsOutput{
			LaunchTemplateVersions: lo.Map(state.Versions, func(version int64, _ int) ec2types.LaunchTemplateVersion {
				return ec2types.LaunchTemplateVersion{
					LaunchTemplateId:   aws.String(state.ID),
					LaunchTemplateName: aws.String(state.Name),
					VersionNumber:      aws.Int64(version),
					DefaultVersion:     aws.Bool(version == state.DefaultVersion),
				}
			}),
		}, nil
	})
}

func (e *EC2API) DeleteLaunchTemplate(ctx context.Context, input *ec2.DeleteLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateOutput, error) {
	e.record("DeleteLaunchTemplate")
	return e.DeleteLaunchTemplateBehavior.Invoke(input, func(input *ec2.DeleteLaunchTemplateInput) (*ec2.DeleteLaunchTemplateOutput, error) {
		state, ok := e.findLaunchTemplate(aws.ToString(input.LaunchTemplateId), aws.ToString(input.LaunchTemplateName))
		if !ok {
			return nil, apiError("InvalidLaunchTemplateName.NotFoundException", "launch template not found")
		}
		e.LaunchTemplates.Delete(state.Name)
		return &ec2.DeleteLaunchTemplateOutput{LaunchTemplate: launchTemplateView(state)}, nil
	})
}

func (e *EC2API) DeleteLaunchTemplateVersions(ctx context.Context, input *ec2.DeleteLaunchTemplateVersionsInput, _ ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateVersionsOutput, error) {
	e.record("DeleteLaunchTemplateVersions")
	return e.DeleteLaunchTemplateVersionsBehavior.Invoke(input, func(input *ec2.DeleteLaunchTemplateVersionsInput) (*ec2.DeleteLaunchTemplateVersionsOutput, error) {
		state, ok := e.findLaunchTemplate(aws.ToString(input.LaunchTemplateId), aws.ToString(input.LaunchTemplateName))
		if !ok {
			return nil, apiError("InvalidLaunchTemplateId.NotFound", "launch template not found")
		}
		out := &ec2.DeleteLaunchTemplateVersionsOutput{}
		doomed := map[int64]struct{}{}
		for _, raw := range input.Versions {
			var version int64
			if _, err := fmt.Sscanf(raw, "%d", &version); err != nil || version == state.DefaultVersion {
				out.UnsuccessfullyDeletedLaunchTemplateVersions = append(out.UnsuccessfullyDeletedLaunchTemplateVersions,
					ec2types.DeleteLaunchTemplateVersionsResponseErrorItem{
						LaunchTemplateId: aws.String(state.ID),
					})
				continue
			}
			doomed[version] = struct{}{}
			out.SuccessfullyDeletedLaunchTemplateVersions = append(out.SuccessfullyDeletedLaunchTemplateVersions,
				ec2types.DeleteLaunchTemplateVersionsResponseSuccessItem{
					LaunchTemplateId: aws.String(state.ID),
					VersionNumber:    aws.Int64(version),
				})
		}
		state.Versions = lo.Filter(state.Versions, func(v int64, _ int) bool {
			_, gone := doomed[v]
			return !gone
		})
		e.LaunchTemplates.Store(state.Name, state)
		return out, nil
	})
}
