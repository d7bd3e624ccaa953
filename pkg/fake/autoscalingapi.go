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
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub001/pkg/aws/sdk"
)

// GroupState is the fake's record of an auto scaling group.
type GroupState struct {
	Name        string
	Desired     int32
	Min         int32
	Max         int32
	InstanceIDs []string
}

type AutoScalingBehavior struct {
	CreateAutoScalingGroupBehavior              MockedFunction[autoscaling.CreateAutoScalingGroupInput, autoscaling.CreateAutoScalingGroupOutput]
	UpdateAutoScalingGroupBehavior              MockedFunction[autoscaling.UpdateAutoScalingGroupInput, autoscaling.UpdateAutoScalingGroupOutput]
	DeleteAutoScalingGroupBehavior              MockedFunction[autoscaling.DeleteAutoScalingGroupInput, autoscaling.DeleteAutoScalingGroupOutput]
	DescribeAutoScalingGroupsBehavior           MockedFunction[autoscaling.DescribeAutoScalingGroupsInput, autoscaling.DescribeAutoScalingGroupsOutput]
	TerminateInstanceInAutoScalingGroupBehavior MockedFunction[autoscaling.TerminateInstanceInAutoScalingGroupInput, autoscaling.TerminateInstanceInAutoScalingGroupOutput]

	Groups sync.Map // group name -> GroupState
}

// AutoScalingAPI is an in-memory auto scaling control plane. Group members are
// spawned into the shared EC2 fake so describe and terminate flows see them.
type AutoScalingAPI struct {
	sync.Mutex
	AutoScalingBehavior
	EC2 *EC2API
	Log *CallLog
}

var _ sdk.AutoScalingAPI = (*AutoScalingAPI)(nil)

func NewAutoScalingAPI(ec2api *EC2API) *AutoScalingAPI {
	return &AutoScalingAPI{EC2: ec2api}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (a *AutoScalingAPI) Reset() {
	a.CreateAutoScalingGroupBehavior.Reset()
	a.UpdateAutoScalingGroupBehavior.Reset()
	a.DeleteAutoScalingGroupBehavior.Reset()
	a.DescribeAutoScalingGroupsBehavior.Reset()
	a.TerminateInstanceInAutoScalingGroupBehavior.Reset()
	a.Groups.Clear()
	a.Log.Reset()
}

func (a *AutoScalingAPI) record(name string) {
	a.Log.Record(name)
}

func (a *AutoScalingAPI) CreateAutoScalingGroup(ctx context.Context, input *autoscaling.CreateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.CreateAutoScalingGroupOutput, error) {
	a.record("CreateAutoScalingGroup")
	return a.CreateAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.CreateAutoScalingGroupInput) (*autoscaling.CreateAutoScalingGroupOutput, error) {
		name := aws.ToString(input.AutoScalingGroupName)
		if _, ok := a.Groups.Load(name); ok {
			return nil, apiError("AlreadyExists", "AutoScalingGroup by this name already exists - A group with the name %s already exists", name)
		}
		state := GroupState{
			Name:    name,
			Desired: aws.ToInt32(input.DesiredCapacity),
			Min:     aws.ToInt32(input.MinSize),
			Max:     aws.ToInt32(input.MaxSize),
		}
		if a.EC2 != nil {
			instances := a.EC2.launch(int(state.Desired), launchSpec{
				InstanceType: groupInstanceType(input),
				Spot:         input.MixedInstancesPolicy != nil && input.MixedInstancesPolicy.InstancesDistribution != nil,
				Tags:         groupInstanceTags(name, input.Tags),
			})
			state.InstanceIDs = instanceIDs(instances)
		}
		a.Groups.Store(name, state)
		return &autoscaling.CreateAutoScalingGroupOutput{}, nil
	})
}

func groupInstanceType(input *autoscaling.CreateAutoScalingGroupInput) ec2types.InstanceType {
	if input.MixedInstancesPolicy == nil || input.MixedInstancesPolicy.LaunchTemplate == nil {
		return ""
	}
	for _, override := range input.MixedInstancesPolicy.LaunchTemplate.Overrides {
		if t := aws.ToString(override.InstanceType); t != "" {
			return ec2types.InstanceType(t)
		}
	}
	return ""
}

// groupInstanceTags propagates the group's launch tags onto members and stamps
// the ownership tag the real service applies.
func groupInstanceTags(name string, tags []asgtypes.Tag) []ec2types.Tag {
	out := []ec2types.Tag{ownershipTag(GroupNameTag, name)}
	for _, tag := range tags {
		if aws.ToBool(tag.PropagateAtLaunch) {
			out = append(out, ec2types.Tag{Key: tag.Key, Value: tag.Value})
		}
	}
	return out
}

func (a *AutoScalingAPI) UpdateAutoScalingGroup(ctx context.Context, input *autoscaling.UpdateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
	a.record("UpdateAutoScalingGroup")
	return a.UpdateAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.UpdateAutoScalingGroupInput) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
		name := aws.ToString(input.AutoScalingGroupName)
		v, ok := a.Groups.Load(name)
		if !ok {
			return nil, apiError("ValidationError", "AutoScalingGroup name not found - no such group: %s", name)
		}
		state := v.(GroupState)
		if input.DesiredCapacity != nil {
			state.Desired = aws.ToInt32(input.DesiredCapacity)
		}
		if input.MinSize != nil {
			state.Min = aws.ToInt32(input.MinSize)
		}
		if input.MaxSize != nil {
			state.Max = aws.ToInt32(input.MaxSize)
		}
		a.Groups.Store(name, state)
		return &autoscaling.UpdateAutoScalingGroupOutput{}, nil
	})
}

func (a *AutoScalingAPI) DeleteAutoScalingGroup(ctx context.Context, input *autoscaling.DeleteAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.DeleteAutoScalingGroupOutput, error) {
	a.record("DeleteAutoScalingGroup")
	return a.DeleteAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.DeleteAutoScalingGroupInput) (*autoscaling.DeleteAutoScalingGroupOutput, error) {
		name := aws.ToString(input.AutoScalingGroupName)
		v, ok := a.Groups.Load(name)
		if !ok {
			return nil, apiError("ValidationError", "AutoScalingGroup name not found - no such group: %s", name)
		}
		state := v.(GroupState)
		if aws.ToBool(input.ForceDelete) && a.EC2 != nil {
			a.EC2.terminate(state.InstanceIDs)
		}
		a.Groups.Delete(name)
		return &autoscaling.DeleteAutoScalingGroupOutput{}, nil
	})
}

func (a *AutoScalingAPI) DescribeAutoScalingGroups(ctx context.Context, input *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	a.record("DescribeAutoScalingGroups")
	return a.DescribeAutoScalingGroupsBehavior.Invoke(input, func(input *autoscaling.DescribeAutoScalingGroupsInput) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
		var states []GroupState
		if len(input.AutoScalingGroupNames) > 0 {
			for _, name := range input.AutoScalingGroupNames {
				if v, ok := a.Groups.Load(name); ok {
					states = append(states, v.(GroupState))
				}
			}
		} else {
			a.Groups.Range(func(_, v any) bool {
				states = append(states, v.(GroupState))
				return true
			})
			sort.Slice(states, func(x, y int) bool { return states[x].Name < states[y].Name })
		}
		return &autoscaling.DescribeAutoScalingGroupsOutput{
			AutoScalingGroups: lo.Map(states, func(s GroupState, _ int) asgtypes.AutoScalingGroup {
				return a.groupView(s)
			}),
		}, nil
	})
}

func (a *AutoScalingAPI) groupView(state GroupState) asgtypes.AutoScalingGroup {
	members := state.InstanceIDs
	if a.EC2 != nil {
		members = instanceIDs(a.EC2.liveMembers(state.InstanceIDs))
	}
	return asgtypes.AutoScalingGroup{
		AutoScalingGroupName: aws.String(state.Name),
		DesiredCapacity:      aws.Int32(state.Desired),
		MinSize:              aws.Int32(state.Min),
		MaxSize:              aws.Int32(state.Max),
		CreatedTime:          aws.Time(time.Now()),
		Instances: lo.Map(members, func(id string, _ int) asgtypes.Instance {
			return asgtypes.Instance{
				InstanceId:     aws.String(id),
				LifecycleState: asgtypes.LifecycleStateInService,
				HealthStatus:   aws.String("Healthy"),
			}
		}),
	}
}

func (a *AutoScalingAPI) TerminateInstanceInAutoScalingGroup(ctx context.Context, input *autoscaling.TerminateInstanceInAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.TerminateInstanceInAutoScalingGroupOutput, error) {
	a.record("TerminateInstanceInAutoScalingGroup")
	return a.TerminateInstanceInAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.TerminateInstanceInAutoScalingGroupInput) (*autoscaling.TerminateInstanceInAutoScalingGroupOutput, error) {
		instanceID := aws.ToString(input.InstanceId)
		var owner *GroupState
		a.Groups.Range(func(_, v any) bool {
			state := v.(GroupState)
			if lo.Contains(state.InstanceIDs, instanceID) {
				owner = &state
				return false
			}
			return true
		})
		if owner == nil {
			return nil, apiError("ValidationError", "Instance Id not found - No managed instance found for instance ID: %s", instanceID)
		}
		owner.InstanceIDs = lo.Without(owner.InstanceIDs, instanceID)
		if aws.ToBool(input.ShouldDecrementDesiredCapacity) && owner.Desired > 0 {
			owner.Desired--
		}
		a.Groups.Store(owner.Name, *owner)
		if a.EC2 != nil {
			a.EC2.terminate([]string{instanceID})
		}
		return &autoscaling.TerminateInstanceInAutoScalingGroupOutput{
			Activity: &asgtypes.Activity{
				ActivityId:  aws.String(uuid.NewString()),
				Description: aws.String("Terminating EC2 instance: " + instanceID),
				StatusCode:  asgtypes.ScalingActivityStatusCodeInProgress,
			},
		}, nil
	})
}
