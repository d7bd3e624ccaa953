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

// Package selection picks which registered provider instance serves a template
// and validates that the template's requirements fit the instance's declared
// capabilities.
package selection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

// Policy names a selection algorithm.
type Policy string

const (
	PolicyRoundRobin      Policy = "ROUND_ROBIN"
	PolicyWeighted        Policy = "WEIGHTED_ROUND_ROBIN"
	PolicyHealthBased     Policy = "HEALTH_BASED"
	PolicyCapabilityBased Policy = "CAPABILITY_BASED"
)

// ParsePolicy normalizes a configured policy name. WEIGHTED is accepted as a
// short form of WEIGHTED_ROUND_ROBIN.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(strings.ToUpper(name)) {
	case PolicyRoundRobin, "":
		return PolicyRoundRobin, nil
	case PolicyWeighted, Policy("WEIGHTED"):
		return PolicyWeighted, nil
	case PolicyHealthBased:
		return PolicyHealthBased, nil
	case PolicyCapabilityBased:
		return PolicyCapabilityBased, nil
	default:
		return "", errors.Configurationf("unknown selection policy %q", name)
	}
}

// Instance is one registered provider instance. Lower priority sorts first.
type Instance struct {
	Name         string
	Type         string
	Enabled      bool
	Priority     int
	Weight       int
	Capabilities []string
}

// Selection is the outcome of a pick, with provenance for the request record.
type Selection struct {
	Instance   *Instance
	Policy     Policy
	Reason     string
	Confidence float64
}

// HealthFunc reports whether a provider instance is currently healthy.
type HealthFunc func(ctx context.Context, name string) bool

// Selector applies a policy over the enabled provider instances.
type Selector struct {
	mu        sync.Mutex
	instances []*Instance
	next      int
	current   map[string]int
	health    HealthFunc
}

func NewSelector(instances []Instance, health HealthFunc) (*Selector, error) {
	enabled := lo.Filter(instances, func(i Instance, _ int) bool { return i.Enabled })
	if len(enabled) == 0 {
		return nil, errors.Configurationf("no enabled provider instances are configured")
	}
	if dups := lo.FindDuplicatesBy(enabled, func(i Instance) string { return i.Name }); len(dups) > 0 {
		return nil, errors.Configurationf("duplicate provider instance name %q", dups[0].Name)
	}
	ordered := lo.Map(enabled, func(i Instance, _ int) *Instance { return lo.ToPtr(i) })
	sort.Slice(ordered, func(a, b int) bool {
		if ordered[a].Priority != ordered[b].Priority {
			return ordered[a].Priority < ordered[b].Priority
		}
		return ordered[a].Name < ordered[b].Name
	})
	return &Selector{instances: ordered, current: map[string]int{}, health: health}, nil
}

// Select picks an instance under the policy. A template pinned to a named
// instance short-circuits the policy entirely.
func (s *Selector) Select(ctx context.Context, tmpl *v1.Template, policy Policy) (*Selection, error) {
	if tmpl.ProviderInstance != "" {
		return s.pinned(tmpl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch policy {
	case PolicyRoundRobin, "":
		return s.roundRobin(), nil
	case PolicyWeighted:
		return s.weighted(), nil
	case PolicyHealthBased:
		return s.healthBased(ctx), nil
	case PolicyCapabilityBased:
		return s.capabilityBased(tmpl)
	default:
		return nil, errors.Configurationf("unknown selection policy %q", policy)
	}
}

func (s *Selector) pinned(tmpl *v1.Template) (*Selection, error) {
	inst, ok := lo.Find(s.instances, func(i *Instance) bool { return i.Name == tmpl.ProviderInstance })
	if !ok {
		return nil, errors.Configurationf("template %s pins provider instance %q which is not enabled", tmpl.ID, tmpl.ProviderInstance)
	}
	return &Selection{Instance: inst, Reason: "pinned by template", Confidence: 1.0}, nil
}

func (s *Selector) roundRobin() *Selection {
	inst := s.instances[s.next%len(s.instances)]
	s.next++
	return &Selection{
		Instance:   inst,
		Policy:     PolicyRoundRobin,
		Reason:     fmt.Sprintf("round robin over %d instances", len(s.instances)),
		Confidence: confidenceFor(len(s.instances)),
	}
}

// weighted implements smooth weighted round robin: each pick advances every
// instance by its weight and charges the winner the full weight total, so
// instances interleave proportionally instead of bursting.
func (s *Selector) weighted() *Selection {
	total := 0
	var best *Instance
	for _, inst := range s.instances {
		weight := inst.Weight
		if weight <= 0 {
			weight = 1
		}
		total += weight
		s.current[inst.Name] += weight
		if best == nil || s.current[inst.Name] > s.current[best.Name] {
			best = inst
		}
	}
	s.current[best.Name] -= total
	return &Selection{
		Instance:   best,
		Policy:     PolicyWeighted,
		Reason:     fmt.Sprintf("weighted pick, weight %d of %d", best.Weight, total),
		Confidence: confidenceFor(len(s.instances)),
	}
}

func (s *Selector) healthBased(ctx context.Context) *Selection {
	if s.health != nil {
		for _, inst := range s.instances {
			if s.health(ctx, inst.Name) {
				return &Selection{Instance: inst, Policy: PolicyHealthBased, Reason: "first healthy instance by priority", Confidence: 1.0}
			}
		}
		log.FromContext(ctx).Warnw("no healthy provider instance, falling back to priority order")
	}
	return &Selection{Instance: s.instances[0], Policy: PolicyHealthBased, Reason: "no health signal, highest priority instance", Confidence: 0.5}
}

func (s *Selector) capabilityBased(tmpl *v1.Template) (*Selection, error) {
	required := RequiredCapabilities(tmpl)
	for _, inst := range s.instances {
		if required.Difference(sets.New(inst.Capabilities...)).Len() == 0 {
			return &Selection{
				Instance:   inst,
				Policy:     PolicyCapabilityBased,
				Reason:     fmt.Sprintf("capabilities %v satisfied", sets.List(required)),
				Confidence: 1.0,
			}, nil
		}
	}
	return nil, errors.Configurationf("no enabled provider instance offers capabilities %v", sets.List(required))
}

// confidenceFor reflects how arbitrary a rotation pick was: a single candidate
// is certain, a rotation over many is not.
func confidenceFor(candidates int) float64 {
	if candidates == 1 {
		return 1.0
	}
	return 0.5
}

// RequiredCapabilities derives what a template demands from its provider
// instance: the provisioning API by name, plus spot purchasing when priced
// that way.
func RequiredCapabilities(tmpl *v1.Template) sets.Set[string] {
	required := sets.New[string]()
	if tmpl.ProviderAPI != "" {
		required.Insert(string(tmpl.ProviderAPI))
	}
	if tmpl.Pricing.Type == v1.PricingSpot || tmpl.Pricing.Type == v1.PricingHeterogeneous {
		required.Insert("spot")
	}
	return required
}

// ValidateCompatibility enforces strict compatibility between a template and
// the chosen instance: every required capability must be declared. An instance
// that declares no capabilities at all is unrestricted and accepts anything.
func ValidateCompatibility(tmpl *v1.Template, inst *Instance) error {
	if len(inst.Capabilities) == 0 {
		return nil
	}
	missing := RequiredCapabilities(tmpl).Difference(sets.New(inst.Capabilities...))
	if missing.Len() == 0 {
		return nil
	}
	return errors.Validationf("template %s is not compatible with provider instance %s: missing capabilities %v", tmpl.ID, inst.Name, sets.List(missing))
}
