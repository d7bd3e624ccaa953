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

package selection_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/selection"
)

var _ = Describe("ParsePolicy", func() {
	DescribeTable("normalizes configured names",
		func(name string, want selection.Policy) {
			policy, err := selection.ParsePolicy(name)
			Expect(err).ToNot(HaveOccurred())
			Expect(policy).To(Equal(want))
		},
		Entry("empty defaults to round robin", "", selection.PolicyRoundRobin),
		Entry("lower case round robin", "round_robin", selection.PolicyRoundRobin),
		Entry("weighted short form", "weighted", selection.PolicyWeighted),
		Entry("weighted long form", "WEIGHTED_ROUND_ROBIN", selection.PolicyWeighted),
		Entry("health based", "health_based", selection.PolicyHealthBased),
		Entry("capability based", "CAPABILITY_BASED", selection.PolicyCapabilityBased),
	)

	It("rejects unknown names", func() {
		_, err := selection.ParsePolicy("fastest")
		Expect(errors.IsConfiguration(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring(`unknown selection policy "fastest"`))
	})
})

var _ = Describe("NewSelector", func() {
	It("requires at least one enabled instance", func() {
		_, err := selection.NewSelector([]selection.Instance{
			{Name: "aws-dev", Type: "aws", Enabled: false},
		}, nil)
		Expect(errors.IsConfiguration(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("no enabled provider instances"))
	})

	It("rejects duplicate instance names", func() {
		_, err := selection.NewSelector([]selection.Instance{
			{Name: "aws-east", Type: "aws", Enabled: true},
			{Name: "aws-east", Type: "aws", Enabled: true},
		}, nil)
		Expect(errors.IsConfiguration(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring(`duplicate provider instance name "aws-east"`))
	})

	It("ignores duplicates among disabled instances", func() {
		_, err := selection.NewSelector([]selection.Instance{
			{Name: "aws-east", Type: "aws", Enabled: true},
			{Name: "aws-east", Type: "aws", Enabled: false},
		}, nil)
		Expect(err).ToNot(HaveOccurred())
	})
})

var _ = Describe("Select", func() {
	tmpl := func() *v1.Template {
		return &v1.Template{ID: "web-pool", ProviderAPI: v1.ProviderEC2Fleet}
	}
	pickNames := func(s *selection.Selector, policy selection.Policy, n int) []string {
		GinkgoHelper()
		var names []string
		for range n {
			sel, err := s.Select(ctx, tmpl(), policy)
			Expect(err).ToNot(HaveOccurred())
			names = append(names, sel.Instance.Name)
		}
		return names
	}

	It("rotates round robin in priority order", func() {
		selector, err := selection.NewSelector([]selection.Instance{
			{Name: "aws-west", Type: "aws", Enabled: true, Priority: 2},
			{Name: "aws-east", Type: "aws", Enabled: true, Priority: 1},
			{Name: "aws-dev", Type: "aws", Enabled: false, Priority: 0},
		}, nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(pickNames(selector, selection.PolicyRoundRobin, 4)).To(Equal(
			[]string{"aws-east", "aws-west", "aws-east", "aws-west"}))

		sel, err := selector.Select(ctx, tmpl(), selection.PolicyRoundRobin)
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.Policy).To(Equal(selection.PolicyRoundRobin))
		Expect(sel.Reason).To(Equal("round robin over 2 instances"))
		Expect(sel.Confidence).To(Equal(0.5))
	})

	It("breaks priority ties by name", func() {
		selector, err := selection.NewSelector([]selection.Instance{
			{Name: "zeta", Type: "aws", Enabled: true, Priority: 1},
			{Name: "alpha", Type: "aws", Enabled: true, Priority: 1},
		}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(pickNames(selector, selection.PolicyRoundRobin, 2)).To(Equal([]string{"alpha", "zeta"}))
	})

	It("interleaves weighted picks proportionally", func() {
		selector, err := selection.NewSelector([]selection.Instance{
			{Name: "heavy", Type: "aws", Enabled: true, Priority: 1, Weight: 3},
			{Name: "light", Type: "aws", Enabled: true, Priority: 2, Weight: 1},
		}, nil)
		Expect(err).ToNot(HaveOccurred())

		names := pickNames(selector, selection.PolicyWeighted, 8)
		// Smooth weighted round robin spreads the light pick through the cycle
		// instead of bursting all heavy picks first.
		Expect(names[:4]).To(Equal([]string{"heavy", "heavy", "light", "heavy"}))
		Expect(lo.Count(names, "heavy")).To(Equal(6))
		Expect(lo.Count(names, "light")).To(Equal(2))
	})

	It("treats non-positive weights as one", func() {
		selector, err := selection.NewSelector([]selection.Instance{
			{Name: "aws-east", Type: "aws", Enabled: true, Priority: 1},
			{Name: "aws-west", Type: "aws", Enabled: true, Priority: 2},
		}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(pickNames(selector, selection.PolicyWeighted, 4)).To(Equal(
			[]string{"aws-east", "aws-west", "aws-east", "aws-west"}))
	})

	It("reports the weighted pick's share", func() {
		selector, err := selection.NewSelector([]selection.Instance{
			{Name: "heavy", Type: "aws", Enabled: true, Priority: 1, Weight: 3},
			{Name: "light", Type: "aws", Enabled: true, Priority: 2, Weight: 1},
		}, nil)
		Expect(err).ToNot(HaveOccurred())
		sel, err := selector.Select(ctx, tmpl(), selection.PolicyWeighted)
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.Reason).To(Equal("weighted pick, weight 3 of 4"))
	})

	It("honors a template pin over the policy", func() {
		selector, err := selection.NewSelector([]selection.Instance{
			{Name: "aws-east", Type: "aws", Enabled: true, Priority: 1},
			{Name: "aws-west", Type: "aws", Enabled: true, Priority: 2},
		}, nil)
		Expect(err).ToNot(HaveOccurred())

		pinned := tmpl()
		pinned.ProviderInstance = "aws-west"
		for range 3 {
			sel, serr := selector.Select(ctx, pinned, selection.PolicyRoundRobin)
			Expect(serr).ToNot(HaveOccurred())
			Expect(sel.Instance.Name).To(Equal("aws-west"))
			Expect(sel.Reason).To(Equal("pinned by template"))
			Expect(sel.Confidence).To(Equal(1.0))
		}
	})

	It("rejects a pin to an instance that is not enabled", func() {
		selector, err := selection.NewSelector([]selection.Instance{
			{Name: "aws-east", Type: "aws", Enabled: true},
		}, nil)
		Expect(err).ToNot(HaveOccurred())

		pinned := tmpl()
		pinned.ProviderInstance = "aws-dev"
		_, err = selector.Select(ctx, pinned, selection.PolicyRoundRobin)
		Expect(errors.IsConfiguration(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring(`pins provider instance "aws-dev" which is not enabled`))
	})

	It("picks the first healthy instance by priority", func() {
		selector, err := selection.NewSelector([]selection.Instance{
			{Name: "aws-east", Type: "aws", Enabled: true, Priority: 1},
			{Name: "aws-west", Type: "aws", Enabled: true, Priority: 2},
		}, func(_ context.Context, name string) bool { return name == "aws-west" })
		Expect(err).ToNot(HaveOccurred())

		sel, err := selector.Select(ctx, tmpl(), selection.PolicyHealthBased)
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.Instance.Name).To(Equal("aws-west"))
		Expect(sel.Reason).To(Equal("first healthy instance by priority"))
		Expect(sel.Confidence).To(Equal(1.0))
	})

	It("falls back to priority order when nothing reports healthy", func() {
		selector, err := selection.NewSelector([]selection.Instance{
			{Name: "aws-east", Type: "aws", Enabled: true, Priority: 1},
			{Name: "aws-west", Type: "aws", Enabled: true, Priority: 2},
		}, func(context.Context, string) bool { return false })
		Expect(err).ToNot(HaveOccurred())

		sel, err := selector.Select(ctx, tmpl(), selection.PolicyHealthBased)
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.Instance.Name).To(Equal("aws-east"))
		Expect(sel.Confidence).To(Equal(0.5))
	})

	It("picks the first instance that covers the required capabilities", func() {
		selector, err := selection.NewSelector([]selection.Instance{
			{Name: "basic", Type: "aws", Enabled: true, Priority: 1, Capabilities: []string{"RunInstances"}},
			{Name: "full", Type: "aws", Enabled: true, Priority: 2, Capabilities: []string{"RunInstances", "EC2Fleet", "spot"}},
		}, nil)
		Expect(err).ToNot(HaveOccurred())

		spotPool := tmpl()
		spotPool.Pricing = v1.Pricing{Type: v1.PricingSpot}
		sel, err := selector.Select(ctx, spotPool, selection.PolicyCapabilityBased)
		Expect(err).ToNot(HaveOccurred())
		Expect(sel.Instance.Name).To(Equal("full"))
		Expect(sel.Reason).To(ContainSubstring("satisfied"))
	})

	It("fails when no instance offers the required capabilities", func() {
		selector, err := selection.NewSelector([]selection.Instance{
			{Name: "basic", Type: "aws", Enabled: true, Capabilities: []string{"RunInstances"}},
		}, nil)
		Expect(err).ToNot(HaveOccurred())

		_, err = selector.Select(ctx, tmpl(), selection.PolicyCapabilityBased)
		Expect(errors.IsConfiguration(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("no enabled provider instance offers capabilities"))
	})

	It("rejects unknown policies", func() {
		selector, err := selection.NewSelector([]selection.Instance{
			{Name: "aws-east", Type: "aws", Enabled: true},
		}, nil)
		Expect(err).ToNot(HaveOccurred())

		_, err = selector.Select(ctx, tmpl(), selection.Policy("FASTEST"))
		Expect(errors.IsConfiguration(err)).To(BeTrue())
	})
})

var _ = Describe("RequiredCapabilities", func() {
	DescribeTable("derives the template's demands",
		func(api v1.ProviderAPI, pricing v1.PricingType, want []string) {
			tmpl := &v1.Template{ID: "web-pool", ProviderAPI: api, Pricing: v1.Pricing{Type: pricing}}
			Expect(sets.List(selection.RequiredCapabilities(tmpl))).To(Equal(want))
		},
		Entry("on demand needs only the api", v1.ProviderASG, v1.PricingOnDemand, []string{"ASG"}),
		Entry("spot pricing adds spot", v1.ProviderEC2Fleet, v1.PricingSpot, []string{"EC2Fleet", "spot"}),
		Entry("heterogeneous pricing adds spot", v1.ProviderEC2Fleet, v1.PricingHeterogeneous, []string{"EC2Fleet", "spot"}),
	)
})

var _ = Describe("ValidateCompatibility", func() {
	It("treats an instance with no declared capabilities as unrestricted", func() {
		tmpl := &v1.Template{ID: "web-pool", ProviderAPI: v1.ProviderSpotFleet, Pricing: v1.Pricing{Type: v1.PricingSpot}}
		Expect(selection.ValidateCompatibility(tmpl, &selection.Instance{Name: "aws-east"})).To(Succeed())
	})

	It("accepts an instance covering every requirement", func() {
		tmpl := &v1.Template{ID: "web-pool", ProviderAPI: v1.ProviderRunInstances, Pricing: v1.Pricing{Type: v1.PricingOnDemand}}
		inst := &selection.Instance{Name: "aws-east", Capabilities: []string{"RunInstances"}}
		Expect(selection.ValidateCompatibility(tmpl, inst)).To(Succeed())
	})

	It("rejects an instance missing a requirement", func() {
		tmpl := &v1.Template{ID: "web-pool", ProviderAPI: v1.ProviderSpotFleet, Pricing: v1.Pricing{Type: v1.PricingSpot}}
		inst := &selection.Instance{Name: "aws-east", Capabilities: []string{"RunInstances"}}
		err := selection.ValidateCompatibility(tmpl, inst)
		Expect(errors.IsValidation(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("not compatible with provider instance aws-east"))
	})
})
