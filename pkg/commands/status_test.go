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
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/commands"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage"
)

var _ = Describe("UpdateRequestStatus", func() {
	It("refines a deferred request once instances surface", func() {
		seedTemplate(fleetTemplate("fleet-maintain", v1.FleetTypeMaintain, v1.PricingSpot))
		// Hide the fleet members so the acquire's discovery window closes empty.
		ec2api.DescribeFleetInstancesBehavior.Output.Set(&ec2.DescribeFleetInstancesOutput{})

		acquire, err := bus.Dispatch(ctx, commands.CreateMachineRequest{TemplateID: "fleet-maintain", Count: 2})
		Expect(err).ToNot(HaveOccurred())
		Expect(acquire.Status).To(Equal(v1.RequestStatusInProgress))
		Expect(acquire.Machines).To(BeEmpty())

		stored, err := store.Requests().Get(ctx, acquire.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(v1.RequestStatusInProgress))
		Expect(stored.ResourceIDs).To(HaveLen(1))
		Expect(stored.ResourceIDs[0]).To(HavePrefix("fleet-"))

		ec2api.DescribeFleetInstancesBehavior.Output.Reset()

		res, err := bus.Dispatch(ctx, commands.UpdateRequestStatus{RequestID: acquire.RequestID})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Status).To(Equal(v1.RequestStatusCompleted))
		Expect(res.Message).To(Equal("provisioned 2 of 2 instances"))
		Expect(res.Machines).To(HaveLen(2))

		machines, err := store.Machines().ListByRequest(ctx, acquire.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(machines).To(HaveLen(2))

		Expect(recorder.ofType(v1.EventRequestCompleted)).To(HaveLen(1))
		Expect(recorder.ofType(v1.EventMachineProvisioned)).To(HaveLen(2))
	})

	It("projects a terminal request without touching the provider", func() {
		seedTemplate(asgTemplate())
		acquire, err := bus.Dispatch(ctx, commands.CreateMachineRequest{TemplateID: "asg-ondemand", Count: 1})
		Expect(err).ToNot(HaveOccurred())
		Expect(acquire.Status).To(Equal(v1.RequestStatusCompleted))
		calls := len(ec2api.Log.Calls())

		res, err := bus.Dispatch(ctx, commands.UpdateRequestStatus{RequestID: acquire.RequestID})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Status).To(Equal(v1.RequestStatusCompleted))
		Expect(res.Machines).To(HaveLen(1))
		Expect(ec2api.Log.Calls()).To(HaveLen(calls))
	})

	It("rejects an unknown request", func() {
		_, err := bus.Dispatch(ctx, commands.UpdateRequestStatus{RequestID: "ghost"})
		Expect(err).To(HaveOccurred())
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})

var _ = Describe("GetRequestStatus", func() {
	It("returns one view per id, empty for unknown ids", func() {
		seedTemplate(asgTemplate())
		acquire, err := bus.Dispatch(ctx, commands.CreateMachineRequest{TemplateID: "asg-ondemand", Count: 2})
		Expect(err).ToNot(HaveOccurred())

		res, err := bus.Dispatch(ctx, commands.GetRequestStatus{RequestIDs: []string{acquire.RequestID, "missing-id"}})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Views).To(HaveLen(2))
		Expect(res.Views[0].Request).ToNot(BeNil())
		Expect(res.Views[0].Request.Status).To(Equal(v1.RequestStatusCompleted))
		Expect(res.Views[0].Machines).To(HaveLen(2))
		Expect(res.Views[1].RequestID).To(Equal("missing-id"))
		Expect(res.Views[1].Request).To(BeNil())
	})

	It("requires at least one request id", func() {
		_, err := bus.Dispatch(ctx, commands.GetRequestStatus{})
		Expect(err).To(HaveOccurred())
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
})

var _ = Describe("CancelRequest", func() {
	It("cancels a pending request once", func() {
		req, err := v1.NewAcquireRequest("asg-ondemand", 2)
		Expect(err).ToNot(HaveOccurred())
		_, err = storage.WithUnit(ctx, store, func(u *storage.Unit) error {
			return u.SaveRequest(ctx, req)
		})
		Expect(err).ToNot(HaveOccurred())

		res, err := bus.Dispatch(ctx, commands.CancelRequest{RequestID: req.ID})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Status).To(Equal(v1.RequestStatusCancelled))
		Expect(res.Message).To(Equal("cancelled by operator"))
		Expect(recorder.ofType(v1.EventRequestCancelled)).To(HaveLen(1))

		_, err = bus.Dispatch(ctx, commands.CancelRequest{RequestID: req.ID})
		Expect(err).To(HaveOccurred())
		Expect(errors.IsInvalidState(err)).To(BeTrue())
	})
})

var _ = Describe("CompleteRequest", func() {
	It("completes an in-progress request with the operator's message", func() {
		req, err := v1.NewAcquireRequest("asg-ondemand", 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(req.Start()).To(Succeed())
		_, err = storage.WithUnit(ctx, store, func(u *storage.Unit) error {
			return u.SaveRequest(ctx, req)
		})
		Expect(err).ToNot(HaveOccurred())

		res, err := bus.Dispatch(ctx, commands.CompleteRequest{RequestID: req.ID})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Status).To(Equal(v1.RequestStatusCompleted))
		Expect(res.Message).To(Equal("completed by operator"))
	})

	It("refuses to complete a request that never started", func() {
		req, err := v1.NewAcquireRequest("asg-ondemand", 1)
		Expect(err).ToNot(HaveOccurred())
		_, err = storage.WithUnit(ctx, store, func(u *storage.Unit) error {
			return u.SaveRequest(ctx, req)
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = bus.Dispatch(ctx, commands.CompleteRequest{RequestID: req.ID})
		Expect(err).To(HaveOccurred())
		Expect(errors.IsInvalidState(err)).To(BeTrue())

		stored, err := store.Requests().Get(ctx, req.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(v1.RequestStatusPending))
	})
})
