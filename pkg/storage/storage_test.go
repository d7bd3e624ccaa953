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

package storage_test

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage/jsonstore"
)

var _ = Describe("ListOptions", func() {
	DescribeTable("Matches",
		func(opts storage.ListOptions, req *v1.Request, want bool) {
			Expect(opts.Matches(req)).To(Equal(want))
		},
		Entry("zero options match everything",
			storage.ListOptions{},
			requestWith(v1.RequestTypeAcquire, v1.RequestStatusPending), true),
		Entry("type filter keeps its kind",
			storage.ListOptions{Type: v1.RequestTypeAcquire},
			requestWith(v1.RequestTypeAcquire, v1.RequestStatusPending), true),
		Entry("type filter drops the other kind",
			storage.ListOptions{Type: v1.RequestTypeReturn},
			requestWith(v1.RequestTypeAcquire, v1.RequestStatusPending), false),
		Entry("active only keeps in flight requests",
			storage.ListOptions{ActiveOnly: true},
			requestWith(v1.RequestTypeAcquire, v1.RequestStatusInProgress), true),
		Entry("active only drops terminal requests",
			storage.ListOptions{ActiveOnly: true},
			requestWith(v1.RequestTypeAcquire, v1.RequestStatusCompleted), false),
		Entry("status list keeps its members",
			storage.ListOptions{Statuses: []v1.RequestStatus{v1.RequestStatusPending, v1.RequestStatusPartial}},
			requestWith(v1.RequestTypeAcquire, v1.RequestStatusPartial), true),
		Entry("status list drops everything else",
			storage.ListOptions{Statuses: []v1.RequestStatus{v1.RequestStatusPending, v1.RequestStatusPartial}},
			requestWith(v1.RequestTypeAcquire, v1.RequestStatusInProgress), false),
		Entry("every filter must pass together",
			storage.ListOptions{Type: v1.RequestTypeReturn, ActiveOnly: true, Statuses: []v1.RequestStatus{v1.RequestStatusInProgress}},
			requestWith(v1.RequestTypeReturn, v1.RequestStatusInProgress), true),
	)
})

var _ = Describe("WithUnit", func() {
	var store storage.Store

	BeforeEach(func() {
		var err error
		store, err = jsonstore.Open(GinkgoT().TempDir())
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("returns the drained events after a successful commit", func() {
		req, err := v1.NewAcquireRequest("web-pool", 2)
		Expect(err).ToNot(HaveOccurred())

		events, err := storage.WithUnit(ctx, store, func(u *storage.Unit) error {
			return u.SaveRequest(ctx, req)
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].Type).To(Equal(v1.EventRequestCreated))
		Expect(events[0].RequestID).To(Equal(req.ID))
		// The save drained the aggregate; nothing is left to publish twice.
		Expect(req.TakeEvents()).To(BeEmpty())

		saved, err := store.Requests().Get(ctx, req.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(saved.Status).To(Equal(v1.RequestStatusPending))
	})

	It("collects events from every aggregate saved through the unit", func() {
		req, err := v1.NewAcquireRequest("web-pool", 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(req.Start()).To(Succeed())
		first, err := v1.NewMachine("i-0123456789abcdef0", req.ID, req.TemplateID)
		Expect(err).ToNot(HaveOccurred())
		second, err := v1.NewMachine("i-0fedcba9876543210", req.ID, req.TemplateID)
		Expect(err).ToNot(HaveOccurred())

		events, err := storage.WithUnit(ctx, store, func(u *storage.Unit) error {
			if err := u.SaveRequest(ctx, req); err != nil {
				return err
			}
			return u.SaveMachines(ctx, []*v1.Machine{first, second})
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.Map(events, func(e v1.Event, _ int) v1.EventType { return e.Type })).To(ConsistOf(
			v1.EventRequestCreated,
			v1.EventRequestStatusChanged,
			v1.EventMachineProvisioned,
			v1.EventMachineProvisioned,
		))

		machines, err := store.Machines().ListByRequest(ctx, req.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(machines).To(HaveLen(2))
	})

	It("rolls back and publishes nothing when the handler fails", func() {
		req, err := v1.NewAcquireRequest("web-pool", 1)
		Expect(err).ToNot(HaveOccurred())
		boom := fmt.Errorf("no capacity")

		events, err := storage.WithUnit(ctx, store, func(u *storage.Unit) error {
			Expect(u.SaveRequest(ctx, req)).To(Succeed())
			return boom
		})
		Expect(err).To(MatchError(boom))
		Expect(events).To(BeEmpty())

		_, err = store.Requests().Get(ctx, req.ID)
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("publishes nothing when the commit fails", func() {
		req, err := v1.NewAcquireRequest("web-pool", 1)
		Expect(err).ToNot(HaveOccurred())

		events, err := storage.WithUnit(ctx, &commitFailStore{Store: store}, func(u *storage.Unit) error {
			return u.SaveRequest(ctx, req)
		})
		Expect(err).To(MatchError(ContainSubstring("commit refused")))
		Expect(events).To(BeEmpty())
	})
})

func requestWith(t v1.RequestType, status v1.RequestStatus) *v1.Request {
	return &v1.Request{ID: "req-1", Type: t, Status: status}
}

// commitFailStore hands out transactions that refuse every commit.
type commitFailStore struct {
	storage.Store
}

func (s *commitFailStore) Begin(ctx context.Context) (storage.Txn, error) {
	txn, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &commitFailTxn{Txn: txn}, nil
}

type commitFailTxn struct {
	storage.Txn
}

func (t *commitFailTxn) Commit(context.Context) error { return fmt.Errorf("commit refused") }
