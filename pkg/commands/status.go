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

package commands

import (
	"context"
	"fmt"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/events"
	"github.com/awslabs/open-resource-broker-sub001/pkg/metrics"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/strategy"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

// UpdateRequestStatus refreshes one request from the cloud: poll its
// resources, merge discovered instances, and refine the lifecycle state.
type UpdateRequestStatus struct {
	RequestID string
}

func (UpdateRequestStatus) Name() string { return "UpdateRequestStatus" }

// UpdateRequestStatusHandler is the polling command behind status refreshes.
// Terminal requests are returned as they are; return requests carry their
// stored outcome and are never re-polled.
type UpdateRequestStatusHandler struct {
	store     storage.Store
	strategy  *strategy.Strategy
	publisher events.Publisher
}

func NewUpdateRequestStatusHandler(store storage.Store, strat *strategy.Strategy, publisher events.Publisher) *UpdateRequestStatusHandler {
	return &UpdateRequestStatusHandler{store: store, strategy: strat, publisher: publisher}
}

func (h *UpdateRequestStatusHandler) Handle(ctx context.Context, msg Message) (*Result, error) {
	cmd, ok := msg.(UpdateRequestStatus)
	if !ok {
		return nil, errors.Configurationf("unexpected message %T", msg)
	}
	req, err := h.store.Requests().Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	stored, err := h.store.Machines().ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() || req.Type == v1.RequestTypeReturn || h.strategy == nil {
		return h.resultFor(req, stored), nil
	}

	tmpl, err := h.store.Templates().Get(ctx, req.TemplateID)
	if err != nil {
		if !errors.IsNotFound(err) {
			return nil, err
		}
		// Without the template the poll degrades to a flat describe of the
		// instances already known.
		tmpl = nil
	}
	out, err := h.strategy.Execute(ctx, &v1.ProviderOperation{
		Type:        v1.OpGetInstanceStatus,
		Request:     req,
		Template:    tmpl,
		InstanceIDs: req.InstanceIDs,
	})
	if err != nil {
		// A failed poll is transient, not a provisioning failure; the request
		// keeps its state and the next poll retries.
		log.FromContext(ctx).Warnw("status poll failed", "request-id", req.ID, "error", err)
		return h.resultFor(req, stored), err
	}

	byName := map[string]*v1.Machine{}
	for _, m := range stored {
		byName[m.Name] = m
	}
	dirty := make([]*v1.Machine, 0, len(out.Machines))
	freshCount := 0
	for _, polled := range out.Machines {
		if existing, ok := byName[polled.Name]; ok {
			if existing.InstanceType == "" {
				existing.InstanceType = polled.InstanceType
			}
			if existing.PriceType == "" {
				existing.PriceType = polled.PriceType
			}
			existing.UpdateFromCloud(cloudView(polled))
			dirty = append(dirty, existing)
			continue
		}
		// Deferred discovery: the resource launched this instance after the
		// acquire window closed.
		req.AppendInstanceIDs(polled.Name)
		byName[polled.Name] = polled
		dirty = append(dirty, polled)
		freshCount++
	}
	if freshCount > 0 {
		metrics.MachinesProvisioned.WithLabelValues(h.providerLabel(req, tmpl)).Add(float64(freshCount))
	}

	h.refine(req)

	committed, err := storage.WithUnit(ctx, h.store, func(u *storage.Unit) error {
		if err := u.SaveMachines(ctx, dirty); err != nil {
			return err
		}
		return u.SaveRequest(ctx, req)
	})
	if err != nil {
		return h.resultFor(req, machinesOf(byName, req)), err
	}
	if h.publisher != nil && len(committed) > 0 {
		h.publisher.Publish(ctx, committed...)
	}
	observeOutcome(req)
	return h.resultFor(req, machinesOf(byName, req)), nil
}

// refine promotes the lifecycle state from what discovery has accumulated.
// Nothing discovered yet keeps the request IN_PROGRESS; failing here would
// condemn capacity that is still launching.
func (h *UpdateRequestStatusHandler) refine(req *v1.Request) {
	discovered := len(req.InstanceIDs)
	if discovered == 0 {
		return
	}
	outcome := v1.ComputeOutcome(req.RequestedCount, discovered, req.FleetErrorCount())
	if outcome == req.Status {
		return
	}
	switch outcome {
	case v1.RequestStatusCompleted:
		// Legal from both IN_PROGRESS and PARTIAL.
		_ = req.Complete(fmt.Sprintf("provisioned %d of %d instances", discovered, req.RequestedCount))
	case v1.RequestStatusPartial:
		if req.Status == v1.RequestStatusInProgress {
			_ = req.MarkPartial(fmt.Sprintf("provisioned %d of %d requested instances", discovered, req.RequestedCount))
		}
	}
}

func (h *UpdateRequestStatusHandler) providerLabel(req *v1.Request, tmpl *v1.Template) string {
	if api, ok := req.Metadata[v1.MetadataProviderAPI].(string); ok && api != "" {
		return api
	}
	if tmpl != nil {
		return string(tmpl.ProviderAPI)
	}
	return string(v1.ProviderRunInstances)
}

func (h *UpdateRequestStatusHandler) resultFor(req *v1.Request, machines []*v1.Machine) *Result {
	return &Result{
		RequestID: req.ID,
		Status:    req.Status,
		Message:   req.StatusMessage,
		Request:   req,
		Machines:  machines,
	}
}

// machinesOf projects the merged map back to a slice ordered by the request's
// append-only instance id list, so output order is stable across polls.
func machinesOf(byName map[string]*v1.Machine, req *v1.Request) []*v1.Machine {
	out := make([]*v1.Machine, 0, len(byName))
	for _, id := range req.InstanceIDs {
		if m, ok := byName[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

func cloudView(m *v1.Machine) v1.CloudSnapshot {
	return v1.CloudSnapshot{
		State:      m.Status,
		PrivateIP:  m.PrivateIP,
		PublicIP:   m.PublicIP,
		LaunchTime: m.LaunchTime,
	}
}

// GetRequestStatus projects stored requests and their machines. It never
// touches the cloud; callers wanting fresh state dispatch UpdateRequestStatus
// first.
type GetRequestStatus struct {
	RequestIDs []string
}

func (GetRequestStatus) Name() string { return "GetRequestStatus" }
func (GetRequestStatus) isQuery()     {}

type GetRequestStatusHandler struct {
	store storage.Store
}

func NewGetRequestStatusHandler(store storage.Store) *GetRequestStatusHandler {
	return &GetRequestStatusHandler{store: store}
}

func (h *GetRequestStatusHandler) Handle(ctx context.Context, msg Message) (*Result, error) {
	query, ok := msg.(GetRequestStatus)
	if !ok {
		return nil, errors.Configurationf("unexpected message %T", msg)
	}
	if len(query.RequestIDs) == 0 {
		return nil, errors.Validationf("at least one request id is required")
	}
	views := make([]RequestView, 0, len(query.RequestIDs))
	for _, id := range query.RequestIDs {
		req, err := h.store.Requests().Get(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				views = append(views, RequestView{RequestID: id})
				continue
			}
			return nil, err
		}
		machines, err := h.store.Machines().ListByRequest(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, RequestView{RequestID: id, Request: req, Machines: machines})
	}
	return &Result{Views: views}, nil
}
