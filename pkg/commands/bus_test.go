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

package commands_test

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/commands"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/fake"
)

type unregisteredMessage struct{}

func (unregisteredMessage) Name() string { return "Unregistered" }

type impostorCommand struct{}

func (impostorCommand) Name() string { return commands.GetTemplate{}.Name() }

var _ = Describe("Bus", func() {
	It("rejects messages nothing handles", func() {
		_, err := bus.Dispatch(ctx, unregisteredMessage{})
		Expect(err).To(HaveOccurred())
		Expect(errors.IsConfiguration(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("no handler registered"))
	})

	It("marks every read message as a query and no mutating one", func() {
		queries := []commands.Message{
			commands.GetRequestStatus{},
			commands.GetTemplate{},
			commands.ListAvailableTemplates{},
			commands.GetReturnRequests{},
			commands.ProviderHealth{},
		}
		for _, msg := range queries {
			_, ok := msg.(commands.Query)
			Expect(ok).To(BeTrue(), "message %s", msg.Name())
		}
		mutating := []commands.Message{
			commands.CreateMachineRequest{},
			commands.CreateReturnRequest{},
			commands.UpdateRequestStatus{},
			commands.CancelRequest{},
			commands.CompleteRequest{},
		}
		for _, msg := range mutating {
			_, ok := msg.(commands.Query)
			Expect(ok).To(BeFalse(), "message %s", msg.Name())
		}
	})

	It("never serves a command from the query side", func() {
		// Shares its name with a registered query, but carries no query marker,
		// so it resolves against the command registry and finds nothing.
		_, err := bus.Dispatch(ctx, impostorCommand{})
		Expect(errors.IsConfiguration(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("no handler registered"))
	})

	It("routes every broker message to a handler", func() {
		msgs := []commands.Message{
			commands.CreateMachineRequest{TemplateID: "ghost", Count: 1},
			commands.CreateReturnRequest{Machines: []v1.MachineRef{{Name: "i-0123456789abcdef0"}}},
			commands.UpdateRequestStatus{RequestID: "ghost"},
			commands.CancelRequest{RequestID: "ghost"},
			commands.CompleteRequest{RequestID: "ghost"},
			commands.GetRequestStatus{RequestIDs: []string{"ghost"}},
			commands.GetTemplate{TemplateID: "ghost"},
			commands.ListAvailableTemplates{},
			commands.GetReturnRequests{MachineNames: []string{"i-0123456789abcdef0"}},
			commands.ProviderHealth{},
		}
		for _, msg := range msgs {
			_, err := bus.Dispatch(ctx, msg)
			if err != nil {
				Expect(err.Error()).ToNot(ContainSubstring("no handler registered"), "message %s", msg.Name())
			}
		}
	})
})

var _ = Describe("GetTemplate", func() {
	It("returns the stored template", func() {
		seedTemplate(asgTemplate())
		res, err := bus.Dispatch(ctx, commands.GetTemplate{TemplateID: "asg-ondemand"})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Template).ToNot(BeNil())
		Expect(res.Template.ProviderAPI).To(Equal(v1.ProviderASG))
	})

	It("rejects an unknown template", func() {
		_, err := bus.Dispatch(ctx, commands.GetTemplate{TemplateID: "ghost"})
		Expect(err).To(HaveOccurred())
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})

var _ = Describe("ListAvailableTemplates", func() {
	It("lists every stored template", func() {
		seedTemplate(asgTemplate())
		seedTemplate(runInstancesTemplate())
		res, err := bus.Dispatch(ctx, commands.ListAvailableTemplates{})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Templates).To(HaveLen(2))
	})
})

var _ = Describe("GetReturnRequests", func() {
	It("reports reclaimed instances and warns on junk names", func() {
		alive := ec2api.SeedInstances(1, nil)
		gone := ec2api.SeedInstances(1, func(i *ec2types.Instance) {
			i.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameTerminated}
		})
		goneID := aws.ToString(gone[0].InstanceId)

		res, err := bus.Dispatch(ctx, commands.GetReturnRequests{
			MachineNames: []string{aws.ToString(alive[0].InstanceId), goneID, "host-9"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Reclaimed).To(ConsistOf(goneID))
		Expect(res.Warnings).To(HaveLen(1))
		Expect(res.Warnings[0]).To(ContainSubstring("host-9"))
	})
})

var _ = Describe("ProviderHealth", func() {
	It("probes the provider account", func() {
		res, err := bus.Dispatch(ctx, commands.ProviderHealth{})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Health).ToNot(BeNil())
		Expect(res.Health.Healthy).To(BeTrue())
		Expect(res.Health.AccountID).To(Equal(fake.DefaultAccountID))
	})
})
