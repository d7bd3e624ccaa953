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

package v1_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
)

func validTemplate() *v1.Template {
	return &v1.Template{
		ID:               "web-pool",
		ProviderAPI:      v1.ProviderEC2Fleet,
		ImageID:          "ami-0f1e2d3c4b5a69788",
		InstanceTypes:    []string{"m5.large", "m5.xlarge"},
		SubnetIDs:        []string{"subnet-0a1b2c3d"},
		SecurityGroupIDs: []string{"sg-0a1b2c3d"},
		MaxNumber:        10,
		Pricing:          v1.Pricing{Type: v1.PricingSpot},
	}
}

var _ = Describe("Template", func() {
	Describe("Validate", func() {
		It("accepts a well formed template", func() {
			Expect(validTemplate().Validate()).To(Succeed())
		})

		It("aggregates every violation of an empty template", func() {
			err := (&v1.Template{}).Validate()
			Expect(err).To(HaveOccurred())
			Expect(multierr.Errors(err)).To(HaveLen(7))
			Expect(err.Error()).To(ContainSubstring("template id is required"))
			Expect(err.Error()).To(ContainSubstring("provider api is required"))
			Expect(err.Error()).To(ContainSubstring("malformed image id"))
			Expect(err.Error()).To(ContainSubstring("at least one instance type is required"))
			Expect(err.Error()).To(ContainSubstring("at least one subnet is required"))
			Expect(err.Error()).To(ContainSubstring("at least one security group is required"))
			Expect(err.Error()).To(ContainSubstring("max number must be positive"))
		})

		It("rejects an unknown provider api", func() {
			tmpl := validTemplate()
			tmpl.ProviderAPI = "Magic"
			Expect(tmpl.Validate().Error()).To(ContainSubstring(`unknown provider api "Magic"`))
		})

		It("rejects non-positive instance type weights", func() {
			tmpl := validTemplate()
			tmpl.InstanceTypes = nil
			tmpl.WeightedInstanceTypes = map[string]int32{"m5.large": 0}
			Expect(tmpl.Validate().Error()).To(ContainSubstring("weight must be positive"))
		})

		It("rejects weighted types on RunInstances", func() {
			tmpl := validTemplate()
			tmpl.ProviderAPI = v1.ProviderRunInstances
			tmpl.WeightedInstanceTypes = map[string]int32{"m5.large": 2}
			Expect(tmpl.Validate().Error()).To(ContainSubstring("weighted instance types are not supported by RunInstances"))
		})

		It("requires a role for spot fleets and forbids the instant mode", func() {
			tmpl := validTemplate()
			tmpl.ProviderAPI = v1.ProviderSpotFleet
			tmpl.FleetType = v1.FleetTypeInstant
			err := tmpl.Validate()
			Expect(err.Error()).To(ContainSubstring("spot fleet role is required"))
			Expect(err.Error()).To(ContainSubstring("spot fleets do not support the instant fleet type"))

			tmpl.SpotFleetRole = "aws-ec2-spot-fleet-tagging-role"
			tmpl.FleetType = v1.FleetTypeRequest
			Expect(tmpl.Validate()).To(Succeed())
		})

		It("limits heterogeneous pricing to fleet providers", func() {
			tmpl := validTemplate()
			tmpl.ProviderAPI = v1.ProviderASG
			tmpl.Pricing = v1.Pricing{Type: v1.PricingHeterogeneous, PercentOnDemand: 40}
			Expect(tmpl.Validate().Error()).To(ContainSubstring("heterogeneous pricing requires a fleet provider api"))
		})

		It("bounds the on-demand percent", func() {
			tmpl := validTemplate()
			tmpl.ProviderAPI = v1.ProviderEC2Fleet
			tmpl.Pricing = v1.Pricing{Type: v1.PricingHeterogeneous, PercentOnDemand: 150}
			Expect(tmpl.Validate().Error()).To(ContainSubstring("percent on-demand must be within [0, 100], got 150"))
		})

		It("rejects an unknown pricing type", func() {
			tmpl := validTemplate()
			tmpl.Pricing.Type = "free"
			Expect(tmpl.Validate().Error()).To(ContainSubstring(`unknown pricing type "free"`))
		})

		It("rejects an unknown fleet type", func() {
			tmpl := validTemplate()
			tmpl.FleetType = "sometimes"
			Expect(tmpl.Validate().Error()).To(ContainSubstring(`unknown fleet type "sometimes"`))
		})
	})

	Describe("EffectiveFleetType", func() {
		It("keeps an explicit fleet type", func() {
			tmpl := validTemplate()
			tmpl.FleetType = v1.FleetTypeMaintain
			Expect(tmpl.EffectiveFleetType()).To(Equal(v1.FleetTypeMaintain))
		})

		It("defaults EC2 fleets to instant", func() {
			Expect(validTemplate().EffectiveFleetType()).To(Equal(v1.FleetTypeInstant))
		})

		It("defaults spot fleets to request", func() {
			tmpl := validTemplate()
			tmpl.ProviderAPI = v1.ProviderSpotFleet
			Expect(tmpl.EffectiveFleetType()).To(Equal(v1.FleetTypeRequest))
		})
	})

	Describe("OrderedInstanceTypes", func() {
		It("orders weighted types by name", func() {
			tmpl := validTemplate()
			tmpl.WeightedInstanceTypes = map[string]int32{"m5.xlarge": 4, "c5.large": 2, "m5.large": 1}
			Expect(tmpl.OrderedInstanceTypes()).To(Equal([]v1.WeightedType{
				{InstanceType: "c5.large", Weight: 2},
				{InstanceType: "m5.large", Weight: 1},
				{InstanceType: "m5.xlarge", Weight: 4},
			}))
		})

		It("keeps the declared order for unweighted types", func() {
			Expect(validTemplate().OrderedInstanceTypes()).To(Equal([]v1.WeightedType{
				{InstanceType: "m5.large", Weight: 1},
				{InstanceType: "m5.xlarge", Weight: 1},
			}))
		})
	})

	Describe("MergeDefaults", func() {
		It("fills zero fields and keeps the template's own values", func() {
			tmpl := validTemplate()
			tmpl.Tags = map[string]string{"team": "batch"}
			defaults := &v1.Template{
				KeyName:        "ops-keypair",
				RootVolumeSize: 50,
				Tags:           map[string]string{"team": "default", "env": "prod"},
			}
			Expect(tmpl.MergeDefaults(defaults)).To(Succeed())
			Expect(tmpl.KeyName).To(Equal("ops-keypair"))
			Expect(tmpl.RootVolumeSize).To(Equal(int32(50)))
			Expect(tmpl.Tags).To(HaveKeyWithValue("team", "batch"))
			Expect(tmpl.Tags).To(HaveKeyWithValue("env", "prod"))
			Expect(tmpl.ID).To(Equal("web-pool"))
		})

		It("tolerates nil defaults", func() {
			Expect(validTemplate().MergeDefaults(nil)).To(Succeed())
		})
	})
})
