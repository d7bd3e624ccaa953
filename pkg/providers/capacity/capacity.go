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

// Package capacity defines the contract every provisioning handler implements.
// A handler owns one AWS provisioning surface; the strategy dispatches to it by
// the template's provider API.
package capacity

import (
	"context"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/launchtemplate"
)

// AcquireInput carries everything a handler needs to provision capacity.
type AcquireInput struct {
	Request        *v1.Request
	Template       *v1.Template
	LaunchTemplate launchtemplate.Ref
	DryRun         bool
}

// AcquireOutput reports what the provisioning call produced. Instances are only
// populated on paths that discover them synchronously (instant fleets,
// run-instances); deferred paths report resource ids and rely on polling.
type AcquireOutput struct {
	ResourceIDs []string
	Instances   []ec2types.Instance
	FleetErrors []v1.FleetError
	Metadata    map[string]any
}

// PollInput scopes a status poll to one resource of a request. Template rides
// along when the caller has it so deferred-discovery paths can stamp broker tags
// onto instances as they surface.
type PollInput struct {
	Request    *v1.Request
	Template   *v1.Template
	ResourceID string
}

// ReleaseGroup is one partition of a return request: instances owned by a single
// resource, or the standalone bucket when ResourceID is empty. CurrentCapacity is
// the hydrated target the release path scales down from. TearDown releases the
// whole resource rather than named instances.
type ReleaseGroup struct {
	API             v1.ProviderAPI
	ResourceID      string
	FleetType       v1.FleetType
	InstanceIDs     []string
	CurrentCapacity int32
	TearDown        bool
}

// Remaining is the capacity left after this group's instances are released.
func (g *ReleaseGroup) Remaining() int32 {
	remaining := g.CurrentCapacity - int32(len(g.InstanceIDs))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Handler provisions, polls and releases capacity for one provider API.
type Handler interface {
	API() v1.ProviderAPI
	// Validate checks handler specific template prerequisites, aggregating every
	// violation.
	Validate(tmpl *v1.Template) error
	Acquire(ctx context.Context, in *AcquireInput) (*AcquireOutput, error)
	PollStatus(ctx context.Context, in *PollInput) ([]ec2types.Instance, error)
	Release(ctx context.Context, group *ReleaseGroup) error
	DescribeCapacity(ctx context.Context, resourceID string) (*v1.CapacityProjection, error)
}

// Registry maps provider APIs onto their handlers. A nil or empty registry means
// provisioning is not wired and CREATE operations are denied explicitly.
type Registry map[v1.ProviderAPI]Handler

// NewRegistry indexes handlers by their API.
func NewRegistry(handlers ...Handler) Registry {
	r := Registry{}
	for _, h := range handlers {
		r[h.API()] = h
	}
	return r
}

// ForAPI resolves the handler for an API.
func (r Registry) ForAPI(api v1.ProviderAPI) (Handler, error) {
	if len(r) == 0 {
		return nil, errors.Configurationf("no provisioning handlers are configured")
	}
	h, ok := r[api]
	if !ok {
		return nil, errors.Configurationf("no handler registered for provider api %q", api)
	}
	return h, nil
}

// BrokerTags is the tag set stamped onto every resource and instance the broker
// creates, tying cloud state back to the request that made it.
func BrokerTags(req *v1.Request, tmpl *v1.Template) map[string]string {
	tags := map[string]string{
		v1.TagKeyManaged:    "true",
		v1.TagKeyRequestID:  req.ID,
		v1.TagKeyTemplateID: tmpl.ID,
	}
	for k, v := range tmpl.Tags {
		tags[k] = v
	}
	return tags
}
