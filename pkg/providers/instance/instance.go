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

// Package instance is the shared EC2 instance machinery: tolerant describes,
// chunked terminates, tagging with eventual consistency retries and the
// post-launch discovery wait every handler leans on.
package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/aws/sdk"
	awserrors "github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/resilience"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

const (
	// MaxIDsPerCall bounds instance ids per describe or modify call.
	MaxIDsPerCall = 50
)

// Provider wraps the EC2 instance lifecycle calls.
type Provider struct {
	ec2api sdk.EC2API
	exec   *resilience.Executor
}

func NewProvider(ec2api sdk.EC2API, exec *resilience.Executor) *Provider {
	return &Provider{ec2api: ec2api, exec: exec}
}

// List describes the given instances. Lookups go through the instance-id filter
// rather than the InstanceIds parameter so ids that no longer exist drop out of
// the result instead of failing the whole call.
func (p *Provider) List(ctx context.Context, ids []string) ([]ec2types.Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var instances []ec2types.Instance
	for _, chunk := range lo.Chunk(ids, MaxIDsPerCall) {
		err := p.exec.Do(ctx, "ec2", "describe_instances", resilience.ReadOnly, func(ctx context.Context) error {
			paginator := ec2.NewDescribeInstancesPaginator(p.ec2api, &ec2.DescribeInstancesInput{
				Filters: []ec2types.Filter{{Name: aws.String("instance-id"), Values: chunk}},
			})
			for paginator.HasMorePages() {
				page, perr := paginator.NextPage(ctx)
				if perr != nil {
					return perr
				}
				for _, reservation := range page.Reservations {
					instances = append(instances, reservation.Instances...)
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("describing instances, %w", err)
		}
	}
	if missing := len(ids) - len(instances); missing > 0 {
		log.FromContext(ctx).Debugw("some instances were not returned by describe", "requested", len(ids), "missing", missing)
	}
	return instances, nil
}

// Terminate terminates the given instances and returns the ids EC2 accepted.
// Instances that are already gone count as terminated.
func (p *Provider) Terminate(ctx context.Context, ids []string) ([]string, error) {
	var terminated []string
	for _, chunk := range lo.Chunk(ids, MaxIDsPerCall) {
		accepted, err := p.terminateChunk(ctx, chunk)
		if err != nil {
			return terminated, err
		}
		terminated = append(terminated, accepted...)
	}
	return terminated, nil
}

func (p *Provider) terminateChunk(ctx context.Context, ids []string) ([]string, error) {
	var out *ec2.TerminateInstancesOutput
	err := p.exec.Do(ctx, "ec2", "terminate_instances", resilience.Standard, func(ctx context.Context) error {
		var terr error
		out, terr = p.ec2api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
		return terr
	})
	if err == nil {
		return lo.Map(out.TerminatingInstances, func(i ec2types.InstanceStateChange, _ int) string {
			return aws.ToString(i.InstanceId)
		}), nil
	}
	// A single unknown id fails the whole batch; fall back to one call per id so
	// the rest still terminate.
	if !awserrors.IsNotFound(err) || len(ids) == 1 {
		if awserrors.IsNotFound(err) {
			return ids, nil
		}
		return nil, err
	}
	var terminated []string
	for _, id := range ids {
		accepted, ierr := p.terminateChunk(ctx, []string{id})
		if ierr != nil {
			return terminated, ierr
		}
		terminated = append(terminated, accepted...)
	}
	return terminated, nil
}

// Tag stamps tags onto resources, riding out the window where a freshly created
// resource is not yet visible to CreateTags.
func (p *Provider) Tag(ctx context.Context, resourceIDs []string, tags map[string]string) error {
	if len(resourceIDs) == 0 || len(tags) == 0 {
		return nil
	}
	return retry.Do(func() error {
		return p.exec.Do(ctx, "ec2", "create_tags", resilience.Standard, func(ctx context.Context) error {
			_, terr := p.ec2api.CreateTags(ctx, &ec2.CreateTagsInput{
				Resources: resourceIDs,
				Tags:      utils.MergeTags(tags),
			})
			return terr
		})
	},
		retry.Delay(1*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.Attempts(6),
		retry.LastErrorOnly(true),
		retry.RetryIf(awserrors.IsNotFound),
	)
}

// WaitDiscovered polls DescribeInstances until every launched id is visible,
// riding out EC2's eventual consistency. After the attempt budget it returns
// whatever subset became visible; the caller's outcome math handles shortfall.
func (p *Provider) WaitDiscovered(ctx context.Context, ids []string) ([]ec2types.Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var instances []ec2types.Instance
	if err := retry.Do(func() error {
		var lerr error
		instances, lerr = p.List(ctx, ids)
		if lerr != nil {
			return lerr
		}
		if len(instances) < len(ids) {
			return fmt.Errorf("discovered %d of %d instances", len(instances), len(ids))
		}
		return nil
	},
		retry.Delay(1*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.Attempts(6),
		retry.LastErrorOnly(true),
	); err != nil {
		if len(instances) == 0 {
			return nil, fmt.Errorf("discovering launched instances, %w", err)
		}
		log.FromContext(ctx).Warnw("launched instances only partially discovered", "discovered", len(instances), "launched", len(ids))
	}
	return instances, nil
}

// Snapshot converts an EC2 instance into the domain's describe view.
func Snapshot(inst ec2types.Instance) v1.CloudSnapshot {
	snap := v1.CloudSnapshot{
		PrivateIP: aws.ToString(inst.PrivateIpAddress),
		PublicIP:  aws.ToString(inst.PublicIpAddress),
	}
	if inst.State != nil {
		snap.State = string(inst.State.Name)
	}
	if inst.LaunchTime != nil {
		snap.LaunchTime = *inst.LaunchTime
	}
	return snap
}

// MachineFromInstance builds a Machine aggregate from a described instance.
func MachineFromInstance(inst ec2types.Instance, requestID, templateID string) (*v1.Machine, error) {
	machine, err := v1.NewMachine(aws.ToString(inst.InstanceId), requestID, templateID)
	if err != nil {
		return nil, err
	}
	machine.InstanceType = string(inst.InstanceType)
	if inst.InstanceLifecycle == ec2types.InstanceLifecycleTypeSpot {
		machine.PriceType = "spot"
	} else {
		machine.PriceType = "ondemand"
	}
	machine.UpdateFromCloud(Snapshot(inst))
	return machine, nil
}
