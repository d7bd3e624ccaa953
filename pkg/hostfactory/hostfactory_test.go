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

package hostfactory_test

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/commands"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/hostfactory"
)

var _ = Describe("RequestMachines", func() {
	It("acknowledges an accepted acquire", func() {
		handle(commands.CreateMachineRequest{}, func(commands.Message) (*commands.Result, error) {
			return &commands.Result{RequestID: "req-1", Message: "accepted"}, nil
		})

		out, err := adapter.RequestMachines(ctx, hostfactory.RequestMachinesInput{
			Template: hostfactory.RequestTemplate{TemplateID: "web-pool", MachineCount: 3},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(out.RequestID).To(Equal("req-1"))
		Expect(out.Message).To(Equal("accepted"))

		Expect(received).To(HaveLen(1))
		create := received[0].(commands.CreateMachineRequest)
		Expect(create.TemplateID).To(Equal("web-pool"))
		Expect(create.Count).To(Equal(3))
		Expect(create.DryRun).To(BeFalse())
	})

	It("still acknowledges when provisioning failed after the request was created", func() {
		handle(commands.CreateMachineRequest{}, func(commands.Message) (*commands.Result, error) {
			return &commands.Result{RequestID: "req-1"}, errors.Validationf("no capacity")
		})

		out, err := adapter.RequestMachines(ctx, hostfactory.RequestMachinesInput{
			Template: hostfactory.RequestTemplate{TemplateID: "web-pool", MachineCount: 3},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(out.RequestID).To(Equal("req-1"))
		Expect(out.Message).To(ContainSubstring("no capacity"))
	})

	It("propagates failures that produced no request", func() {
		handle(commands.CreateMachineRequest{}, func(commands.Message) (*commands.Result, error) {
			return nil, errors.Validationf("template is required")
		})

		out, err := adapter.RequestMachines(ctx, hostfactory.RequestMachinesInput{})
		Expect(errors.IsValidation(err)).To(BeTrue())
		Expect(out).To(BeNil())
	})

	It("passes the dry run flag through", func() {
		adapter.DryRun = true
		handle(commands.CreateMachineRequest{}, func(commands.Message) (*commands.Result, error) {
			return &commands.Result{RequestID: "req-1"}, nil
		})

		_, err := adapter.RequestMachines(ctx, hostfactory.RequestMachinesInput{
			Template: hostfactory.RequestTemplate{TemplateID: "web-pool", MachineCount: 1},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(received[0].(commands.CreateMachineRequest).DryRun).To(BeTrue())
	})
})

var _ = Describe("RequestReturnMachines", func() {
	It("dispatches a return for the named machines", func() {
		handle(commands.CreateReturnRequest{}, func(commands.Message) (*commands.Result, error) {
			return &commands.Result{RequestID: "ret-1", Message: "returning 2 machines"}, nil
		})

		out, err := adapter.RequestReturnMachines(ctx, hostfactory.RequestReturnMachinesInput{
			Machines: []v1.MachineRef{
				{Name: "i-0aaaaaaaaaaaaaaaa", MachineID: "i-0aaaaaaaaaaaaaaaa"},
				{Name: "host-2"},
			},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(out.RequestID).To(Equal("ret-1"))

		ret := received[0].(commands.CreateReturnRequest)
		Expect(ret.Machines).To(HaveLen(2))
		Expect(ret.Machines[1].Name).To(Equal("host-2"))
	})

	It("still acknowledges a return that failed with its request id", func() {
		handle(commands.CreateReturnRequest{}, func(commands.Message) (*commands.Result, error) {
			return &commands.Result{RequestID: "ret-1"}, fmt.Errorf("terminate refused")
		})

		out, err := adapter.RequestReturnMachines(ctx, hostfactory.RequestReturnMachinesInput{
			Machines: []v1.MachineRef{{Name: "i-0aaaaaaaaaaaaaaaa"}},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(out.RequestID).To(Equal("ret-1"))
		Expect(out.Message).To(ContainSubstring("terminate refused"))
	})
})

var _ = Describe("GetRequestStatus", func() {
	It("returns an empty set without dispatching", func() {
		out, err := adapter.GetRequestStatus(ctx, hostfactory.GetRequestStatusInput{})
		Expect(err).ToNot(HaveOccurred())
		Expect(out.Requests).ToNot(BeNil())
		Expect(out.Requests).To(BeEmpty())
		Expect(received).To(BeEmpty())
	})

	It("refreshes each request before projecting it", func() {
		var refreshed []string
		handle(commands.UpdateRequestStatus{}, func(msg commands.Message) (*commands.Result, error) {
			refreshed = append(refreshed, msg.(commands.UpdateRequestStatus).RequestID)
			return &commands.Result{}, nil
		})
		handle(commands.GetRequestStatus{}, func(msg commands.Message) (*commands.Result, error) {
			Expect(msg.(commands.GetRequestStatus).RequestIDs).To(Equal([]string{"req-1", "req-2"}))
			return &commands.Result{Views: []commands.RequestView{
				{
					RequestID: "req-1",
					Request:   &v1.Request{ID: "req-1", Status: v1.RequestStatusInProgress, StatusMessage: "1 of 2 running"},
					Machines: []*v1.Machine{
						{
							Name:         "i-0aaaaaaaaaaaaaaaa",
							Result:       v1.MachineResultSucceed,
							Status:       "running",
							PrivateIP:    "10.0.0.5",
							PublicIP:     "54.0.0.5",
							LaunchTime:   time.Unix(1700000000, 0),
							InstanceType: "m5.large",
							PriceType:    "ondemand",
						},
						{Name: "i-0bbbbbbbbbbbbbbbb", Result: v1.MachineResultExecuting, Status: "pending"},
					},
				},
				{RequestID: "req-2", Request: &v1.Request{ID: "req-2", Status: v1.RequestStatusCompleted}},
			}}, nil
		})

		out, err := adapter.GetRequestStatus(ctx, hostfactory.GetRequestStatusInput{
			Requests: []hostfactory.RequestRef{{RequestID: "req-1"}, {RequestID: "req-2"}},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(refreshed).To(Equal([]string{"req-1", "req-2"}))
		Expect(out.Requests).To(HaveLen(2))

		first := out.Requests[0]
		Expect(first.Status).To(Equal(hostfactory.StatusRunning))
		Expect(first.Message).To(Equal("1 of 2 running"))
		Expect(first.Machines).To(HaveLen(2))
		Expect(first.Machines[0]).To(Equal(hostfactory.Machine{
			MachineID:        "i-0aaaaaaaaaaaaaaaa",
			Name:             "i-0aaaaaaaaaaaaaaaa",
			Result:           "succeed",
			Status:           "running",
			PrivateIPAddress: "10.0.0.5",
			PublicIPAddress:  "54.0.0.5",
			LaunchTime:       1700000000,
			InstanceType:     "m5.large",
			PriceType:        "ondemand",
		}))
		// An instance that has not surfaced yet reports launchtime zero.
		Expect(first.Machines[1].LaunchTime).To(BeZero())
		Expect(out.Requests[1].Status).To(Equal(hostfactory.StatusComplete))
	})

	It("keeps polling when a refresh fails", func() {
		handle(commands.UpdateRequestStatus{}, func(commands.Message) (*commands.Result, error) {
			return nil, fmt.Errorf("describe timed out")
		})
		handle(commands.GetRequestStatus{}, func(commands.Message) (*commands.Result, error) {
			return &commands.Result{Views: []commands.RequestView{
				{RequestID: "req-1", Request: &v1.Request{ID: "req-1", Status: v1.RequestStatusPartial, StatusMessage: "short 2"}},
			}}, nil
		})

		out, err := adapter.GetRequestStatus(ctx, hostfactory.GetRequestStatusInput{
			Requests: []hostfactory.RequestRef{{RequestID: "req-1"}},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(out.Requests).To(HaveLen(1))
		Expect(out.Requests[0].Status).To(Equal(hostfactory.StatusRunning))
		Expect(out.Requests[0].Message).To(Equal("short 2"))
	})

	It("projects an unknown request as complete with error", func() {
		handle(commands.UpdateRequestStatus{}, func(commands.Message) (*commands.Result, error) {
			return nil, errors.NotFoundf("request req-x not found")
		})
		handle(commands.GetRequestStatus{}, func(commands.Message) (*commands.Result, error) {
			return &commands.Result{Views: []commands.RequestView{{RequestID: "req-x"}}}, nil
		})

		out, err := adapter.GetRequestStatus(ctx, hostfactory.GetRequestStatusInput{
			Requests: []hostfactory.RequestRef{{RequestID: "req-x"}},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(out.Requests).To(HaveLen(1))
		Expect(out.Requests[0].Status).To(Equal(hostfactory.StatusCompleteWithError))
		Expect(out.Requests[0].Message).To(Equal("request not found"))
		Expect(out.Requests[0].Machines).ToNot(BeNil())
		Expect(out.Requests[0].Machines).To(BeEmpty())
	})

	DescribeTable("maps request statuses onto the scheduler vocabulary",
		func(status v1.RequestStatus, want string) {
			handle(commands.UpdateRequestStatus{}, func(commands.Message) (*commands.Result, error) {
				return &commands.Result{}, nil
			})
			handle(commands.GetRequestStatus{}, func(commands.Message) (*commands.Result, error) {
				return &commands.Result{Views: []commands.RequestView{
					{RequestID: "req-1", Request: &v1.Request{ID: "req-1", Status: status}},
				}}, nil
			})

			out, err := adapter.GetRequestStatus(ctx, hostfactory.GetRequestStatusInput{
				Requests: []hostfactory.RequestRef{{RequestID: "req-1"}},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(out.Requests[0].Status).To(Equal(want))
		},
		Entry("pending is still running", v1.RequestStatusPending, hostfactory.StatusRunning),
		Entry("in progress is running", v1.RequestStatusInProgress, hostfactory.StatusRunning),
		Entry("partial is still running", v1.RequestStatusPartial, hostfactory.StatusRunning),
		Entry("completed is complete", v1.RequestStatusCompleted, hostfactory.StatusComplete),
		Entry("failed is complete with error", v1.RequestStatusFailed, hostfactory.StatusCompleteWithError),
		Entry("cancelled is complete with error", v1.RequestStatusCancelled, hostfactory.StatusCompleteWithError),
	)
})

var _ = Describe("GetAvailableTemplates", func() {
	It("lists templates with their declared attributes", func() {
		handle(commands.ListAvailableTemplates{}, func(commands.Message) (*commands.Result, error) {
			return &commands.Result{Templates: []*v1.Template{{
				ID:          "web-pool",
				ProviderAPI: v1.ProviderEC2Fleet,
				ImageID:     "ami-0f1e2d3c4b5a69788",
				MaxNumber:   10,
				Attributes: map[string][]string{
					"type":  {"String", "X86_64"},
					"ncpus": {"Numeric", "4"},
				},
			}}}, nil
		})

		out, err := adapter.GetAvailableTemplates(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(out.Templates).To(HaveLen(1))
		view := out.Templates[0]
		Expect(view.TemplateID).To(Equal("web-pool"))
		Expect(view.MaxNumber).To(Equal(10))
		Expect(view.ProviderAPI).To(Equal("EC2Fleet"))
		Expect(view.ImageID).To(Equal("ami-0f1e2d3c4b5a69788"))
		Expect(view.Attributes).To(HaveKeyWithValue("ncpus", []string{"Numeric", "4"}))
	})

	It("fills in scheduler attributes for templates that declare none", func() {
		handle(commands.ListAvailableTemplates{}, func(commands.Message) (*commands.Result, error) {
			return &commands.Result{Templates: []*v1.Template{{ID: "bare", MaxNumber: 5}}}, nil
		})

		out, err := adapter.GetAvailableTemplates(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(out.Templates[0].Attributes).To(And(
			HaveKeyWithValue("type", []string{"String", "X86_64"}),
			HaveKeyWithValue("ncpus", []string{"Numeric", "1"}),
			HaveKeyWithValue("nram", []string{"Numeric", "1024"}),
		))
	})
})

var _ = Describe("GetReturnRequests", func() {
	It("reports reclaimed machines by their scheduler name", func() {
		handle(commands.GetReturnRequests{}, func(msg commands.Message) (*commands.Result, error) {
			Expect(msg.(commands.GetReturnRequests).MachineNames).To(Equal([]string{
				"i-0aaaaaaaaaaaaaaaa", "i-0bbbbbbbbbbbbbbbb",
			}))
			return &commands.Result{Reclaimed: []string{"i-0bbbbbbbbbbbbbbbb"}}, nil
		})

		out, err := adapter.GetReturnRequests(ctx, hostfactory.GetReturnRequestsInput{
			Machines: []v1.MachineRef{
				{Name: "host-1", MachineID: "i-0aaaaaaaaaaaaaaaa"},
				{Name: "host-2", MachineID: "i-0bbbbbbbbbbbbbbbb"},
			},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(out.Status).To(Equal(hostfactory.StatusComplete))
		Expect(out.Requests).To(Equal([]hostfactory.ReturnedMachine{{Machine: "host-2", GracePeriod: 0}}))
	})

	It("falls back to the name when no usable machine id was sent", func() {
		handle(commands.GetReturnRequests{}, func(msg commands.Message) (*commands.Result, error) {
			Expect(msg.(commands.GetReturnRequests).MachineNames).To(Equal([]string{"i-0cccccccccccccccc"}))
			return &commands.Result{Reclaimed: []string{"i-0cccccccccccccccc", "i-0ffffffffffffffff"}}, nil
		})

		out, err := adapter.GetReturnRequests(ctx, hostfactory.GetReturnRequestsInput{
			Machines: []v1.MachineRef{{Name: "i-0cccccccccccccccc", MachineID: "not-an-instance-id"}},
		})
		Expect(err).ToNot(HaveOccurred())
		// A reclaimed id the scheduler never named comes back under its own id.
		Expect(out.Requests).To(Equal([]hostfactory.ReturnedMachine{
			{Machine: "i-0cccccccccccccccc", GracePeriod: 0},
			{Machine: "i-0ffffffffffffffff", GracePeriod: 0},
		}))
	})
})

var _ = Describe("Decode", func() {
	It("decodes a scheduler payload", func() {
		in, err := hostfactory.Decode[hostfactory.RequestMachinesInput](strings.NewReader(
			`{"template": {"templateId": "web-pool", "machineCount": 3}}`,
		))
		Expect(err).ToNot(HaveOccurred())
		Expect(in.Template.TemplateID).To(Equal("web-pool"))
		Expect(in.Template.MachineCount).To(Equal(3))
	})

	It("rejects malformed payloads as validation errors", func() {
		_, err := hostfactory.Decode[hostfactory.RequestMachinesInput](strings.NewReader("{"))
		Expect(errors.IsValidation(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("malformed input payload"))
	})
})

var _ = Describe("Write", func() {
	It("renders four space indented json with a trailing newline", func() {
		var buf bytes.Buffer
		Expect(hostfactory.Write(&buf, hostfactory.RequestOutput{RequestID: "req-1", Message: "accepted"})).To(Succeed())
		Expect(buf.String()).To(Equal("{\n    \"requestId\": \"req-1\",\n    \"message\": \"accepted\"\n}\n"))
	})

	It("renders an empty request list as an array, not null", func() {
		var buf bytes.Buffer
		Expect(hostfactory.Write(&buf, hostfactory.GetRequestStatusOutput{Requests: []hostfactory.RequestStatus{}})).To(Succeed())
		Expect(buf.String()).To(ContainSubstring(`"requests": []`))
	})
})
