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

package v1

import (
	"regexp"
	"sort"

	"github.com/imdario/mergo"
	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
)

// ProviderAPI selects which AWS provisioning surface reifies a template.
type ProviderAPI string

const (
	ProviderRunInstances ProviderAPI = "RunInstances"
	ProviderEC2Fleet     ProviderAPI = "EC2Fleet"
	ProviderSpotFleet    ProviderAPI = "SpotFleet"
	ProviderASG          ProviderAPI = "ASG"
)

// KnownProviderAPIs lists every dispatchable API.
var KnownProviderAPIs = []ProviderAPI{ProviderRunInstances, ProviderEC2Fleet, ProviderSpotFleet, ProviderASG}

// FleetType is the EC2/spot fleet request mode.
type FleetType string

const (
	FleetTypeInstant  FleetType = "instant"
	FleetTypeRequest  FleetType = "request"
	FleetTypeMaintain FleetType = "maintain"
)

// PricingType selects the capacity purchasing model.
type PricingType string

const (
	PricingSpot          PricingType = "spot"
	PricingOnDemand      PricingType = "ondemand"
	PricingHeterogeneous PricingType = "heterogeneous"
)

// Pricing configures the purchasing model for a template.
type Pricing struct {
	Type PricingType `json:"type" toml:"type"`
	// MaxSpotPrice caps the spot bid, in the string form the EC2 APIs take.
	MaxSpotPrice       string `json:"maxSpotPrice,omitempty" toml:"max_spot_price"`
	AllocationStrategy string `json:"allocationStrategy,omitempty" toml:"allocation_strategy"`
	// PercentOnDemand is the on-demand share of a heterogeneous fleet's target,
	// in whole percent. The on-demand capacity is floor(count * percent / 100).
	PercentOnDemand int `json:"percentOnDemand,omitempty" toml:"percent_on_demand"`
}

// OnDemandTargetFor splits a heterogeneous target count, flooring the on-demand
// share; the remainder is spot.
func (p Pricing) OnDemandTargetFor(count int) int32 {
	return int32(count * p.PercentOnDemand / 100)
}

// Broker-owned tag keys stamped onto every resource and instance we create.
const (
	TagKeyRequestID  = "resource-broker/request-id"
	TagKeyTemplateID = "resource-broker/template-id"
	TagKeyManaged    = "resource-broker/managed"
)

var imageIDPattern = regexp.MustCompile(`^ami-[0-9a-f]{8,17}$`)

// LaunchTemplateRef pins a template to an existing EC2 launch template the
// broker does not manage.
type LaunchTemplateRef struct {
	ID      string `json:"id" toml:"id"`
	Version string `json:"version,omitempty" toml:"version"`
}

// Template declares a machine shape the scheduler can request capacity from.
type Template struct {
	ID                    string              `json:"id" toml:"id"`
	Name                  string              `json:"name,omitempty" toml:"name"`
	ProviderAPI           ProviderAPI         `json:"providerApi" toml:"provider_api"`
	ImageID               string              `json:"imageId" toml:"image_id"`
	InstanceTypes         []string            `json:"instanceTypes,omitempty" toml:"instance_types"`
	WeightedInstanceTypes map[string]int32    `json:"weightedInstanceTypes,omitempty" toml:"weighted_instance_types"`
	SubnetIDs             []string            `json:"subnetIds" toml:"subnet_ids"`
	SecurityGroupIDs      []string            `json:"securityGroupIds" toml:"security_group_ids"`
	InstanceProfile       string              `json:"instanceProfile,omitempty" toml:"instance_profile"`
	KeyName               string              `json:"keyName,omitempty" toml:"key_name"`
	UserData              string              `json:"userData,omitempty" toml:"user_data"`
	RootVolumeSize        int32               `json:"rootVolumeSize,omitempty" toml:"root_volume_size"`
	RootVolumeType        string              `json:"rootVolumeType,omitempty" toml:"root_volume_type"`
	Tags                  map[string]string   `json:"tags,omitempty" toml:"tags"`
	LaunchTemplate        *LaunchTemplateRef  `json:"launchTemplate,omitempty" toml:"launch_template"`
	Pricing               Pricing             `json:"pricing" toml:"pricing"`
	FleetType             FleetType           `json:"fleetType,omitempty" toml:"fleet_type"`
	SpotFleetRole         string              `json:"spotFleetRole,omitempty" toml:"spot_fleet_role"`
	MaxNumber             int                 `json:"maxNumber" toml:"max_number"`
	Attributes            map[string][]string `json:"attributes,omitempty" toml:"attributes"`
	// ProviderInstance pins selection to a named provider instance.
	ProviderInstance string `json:"providerInstance,omitempty" toml:"provider_instance"`
}

// WeightedType pairs an instance type with its capacity weight.
type WeightedType struct {
	InstanceType string
	Weight       int32
}

// OrderedInstanceTypes returns the template's instance types in a deterministic
// order with their weights, defaulting unweighted entries to weight 1.
func (t *Template) OrderedInstanceTypes() []WeightedType {
	if len(t.WeightedInstanceTypes) > 0 {
		names := make([]string, 0, len(t.WeightedInstanceTypes))
		for name := range t.WeightedInstanceTypes {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]WeightedType, 0, len(names))
		for _, name := range names {
			out = append(out, WeightedType{InstanceType: name, Weight: t.WeightedInstanceTypes[name]})
		}
		return out
	}
	out := make([]WeightedType, 0, len(t.InstanceTypes))
	for _, name := range t.InstanceTypes {
		out = append(out, WeightedType{InstanceType: name, Weight: 1})
	}
	return out
}

// EffectiveFleetType defaults the fleet mode per provider API.
func (t *Template) EffectiveFleetType() FleetType {
	if t.FleetType != "" {
		return t.FleetType
	}
	if t.ProviderAPI == ProviderSpotFleet {
		return FleetTypeRequest
	}
	return FleetTypeInstant
}

// MergeDefaults fills zero fields from broker level defaults. Maps merge by key
// with the template's own entries winning.
func (t *Template) MergeDefaults(defaults *Template) error {
	if defaults == nil {
		return nil
	}
	return mergo.Merge(t, *defaults)
}

// Validate aggregates every violation rather than stopping at the first, so a
// template author sees the whole correction list at once.
func (t *Template) Validate() error {
	var err error
	if t.ID == "" {
		err = multierr.Append(err, errors.Validationf("template id is required"))
	}
	switch t.ProviderAPI {
	case ProviderRunInstances, ProviderEC2Fleet, ProviderSpotFleet, ProviderASG:
	case "":
		err = multierr.Append(err, errors.Validationf("provider api is required"))
	default:
		err = multierr.Append(err, errors.Validationf("unknown provider api %q", t.ProviderAPI))
	}
	if !imageIDPattern.MatchString(t.ImageID) {
		err = multierr.Append(err, errors.Validationf("malformed image id %q", t.ImageID))
	}
	if len(t.InstanceTypes) == 0 && len(t.WeightedInstanceTypes) == 0 {
		err = multierr.Append(err, errors.Validationf("at least one instance type is required"))
	}
	for name, weight := range t.WeightedInstanceTypes {
		if weight <= 0 {
			err = multierr.Append(err, errors.Validationf("instance type %s weight must be positive, got %d", name, weight))
		}
	}
	if len(t.SubnetIDs) == 0 {
		err = multierr.Append(err, errors.Validationf("at least one subnet is required"))
	}
	if len(t.SecurityGroupIDs) == 0 {
		err = multierr.Append(err, errors.Validationf("at least one security group is required"))
	}
	if t.LaunchTemplate != nil && t.LaunchTemplate.ID == "" {
		err = multierr.Append(err, errors.Validationf("a launch template reference needs an id"))
	}
	if t.MaxNumber <= 0 {
		err = multierr.Append(err, errors.Validationf("max number must be positive, got %d", t.MaxNumber))
	}
	err = multierr.Append(err, t.validatePricing())
	err = multierr.Append(err, t.validatePerAPI())
	return err
}

func (t *Template) validatePricing() error {
	var err error
	switch t.Pricing.Type {
	case PricingSpot, PricingOnDemand, "":
	case PricingHeterogeneous:
		if t.ProviderAPI != ProviderEC2Fleet && t.ProviderAPI != ProviderSpotFleet {
			err = multierr.Append(err, errors.Validationf("heterogeneous pricing requires a fleet provider api"))
		}
		if t.Pricing.PercentOnDemand < 0 || t.Pricing.PercentOnDemand > 100 {
			err = multierr.Append(err, errors.Validationf("percent on-demand must be within [0, 100], got %d", t.Pricing.PercentOnDemand))
		}
	default:
		err = multierr.Append(err, errors.Validationf("unknown pricing type %q", t.Pricing.Type))
	}
	return err
}

func (t *Template) validatePerAPI() error {
	var err error
	switch t.ProviderAPI {
	case ProviderRunInstances:
		if len(t.WeightedInstanceTypes) > 0 {
			err = multierr.Append(err, errors.Validationf("weighted instance types are not supported by RunInstances"))
		}
	case ProviderEC2Fleet:
		switch t.FleetType {
		case FleetTypeInstant, FleetTypeRequest, FleetTypeMaintain, "":
		default:
			err = multierr.Append(err, errors.Validationf("unknown fleet type %q", t.FleetType))
		}
	case ProviderSpotFleet:
		if t.SpotFleetRole == "" {
			err = multierr.Append(err, errors.Validationf("spot fleet role is required"))
		}
		if t.FleetType == FleetTypeInstant {
			err = multierr.Append(err, errors.Validationf("spot fleets do not support the instant fleet type"))
		}
	}
	return err
}
