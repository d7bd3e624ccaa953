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

	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/events"
	"github.com/awslabs/open-resource-broker-sub001/pkg/metrics"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/selection"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/strategy"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

// CreateMachineRequest asks the broker to acquire Count machines from a
// template. DryRun exercises the full orchestration without touching the cloud.
type CreateMachineRequest struct {
	TemplateID string
	Count      int
	DryRun     bool
}

func (CreateMachineRequest) Name() string { return "CreateMachineRequest" }

// CreateMachineRequestHandler orchestrates an acquire: resolve the template,
// pick a compatible provider instance, provision through the strategy, then
// terminalize the request from what actually landed. Input failures surface
// before any aggregate exists; once provisioning starts, failures are recorded
// on the request itself.
type CreateMachineRequestHandler struct {
	store     storage.Store
	strategy  *strategy.Strategy
	selector  *selection.Selector
	policy    selection.Policy
	publisher events.Publisher
}

func NewCreateMachineRequestHandler(store storage.Store, strat *strategy.Strategy, selector *selection.Selector, policy selection.Policy, publisher events.Publisher) *CreateMachineRequestHandler {
	return &CreateMachineRequestHandler{store: store, strategy: strat, selector: selector, policy: policy, publisher: publisher}
}

func (h *CreateMachineRequestHandler) Handle(ctx context.Context, msg Message) (*Result, error) {
	cmd, ok := msg.(CreateMachineRequest)
	if !ok {
		return nil, errors.Configurationf("unexpected message %T", msg)
	}
	if h.strategy == nil {
		return nil, errors.Configurationf("no provider strategy is wired")
	}
	tmpl, err := h.store.Templates().Get(ctx, cmd.TemplateID)
	if err != nil {
		return nil, err
	}

	var sel *selection.Selection
	if h.selector != nil {
		if sel, err = h.selector.Select(ctx, tmpl, h.policy); err != nil {
			return nil, err
		}
		if err = selection.ValidateCompatibility(tmpl, sel.Instance); err != nil {
			return nil, err
		}
	}

	req, err := v1.NewAcquireRequest(cmd.TemplateID, cmd.Count)
	if err != nil {
		return nil, err
	}
	if sel != nil {
		req.SetMetadata(v1.MetadataSelectionPolicy, string(sel.Policy))
		req.SetMetadata(v1.MetadataProviderInstance, sel.Instance.Name)
		req.SetMetadata(v1.MetadataSelectionReason, sel.Reason)
		req.SetMetadata(v1.MetadataSelectionConfidence, sel.Confidence)
	}

	if cmd.DryRun {
		req.SetMetadata(v1.MetadataDryRun, true)
		if err := req.Start(); err != nil {
			return nil, err
		}
		if err := req.Complete("dry run, no capacity requested"); err != nil {
			return nil, err
		}
		if err := h.persist(ctx, req); err != nil {
			return h.resultFor(req, nil), err
		}
		return h.resultFor(req, nil), nil
	}

	if err := req.Start(); err != nil {
		return nil, err
	}
	out, err := h.strategy.Execute(ctx, &v1.ProviderOperation{
		Type:     v1.OpCreateInstances,
		Request:  req,
		Template: tmpl,
	})
	if err != nil {
		return h.abort(ctx, req, err)
	}

	for _, id := range out.ResourceIDs {
		req.AppendResourceID(id)
	}
	for k, v := range out.Metadata {
		req.SetMetadata(k, v)
	}
	req.AppendInstanceIDs(lo.Map(out.Machines, func(m *v1.Machine, _ int) string { return m.Name })...)
	req.SetMetadata(v1.MetadataProvisionedInstances, len(out.Machines))
	if len(out.FleetErrors) > 0 {
		req.SetMetadata(v1.MetadataFleetErrors, out.FleetErrors)
	}

	// Machines persist under their own unit of work so a request save failure
	// never orphans records of instances that already exist in the cloud.
	if len(out.Machines) > 0 {
		committed, err := storage.WithUnit(ctx, h.store, func(u *storage.Unit) error {
			return u.SaveMachines(ctx, out.Machines)
		})
		if err != nil {
			return h.abort(ctx, req, err)
		}
		h.publish(ctx, committed)
		metrics.MachinesProvisioned.WithLabelValues(h.providerLabel(out, tmpl)).Add(float64(len(out.Machines)))
	}

	// Deferred fulfillment: the provider accepted the resource but nothing
	// surfaced inside the discovery window and no launch failure was reported.
	// The request stays IN_PROGRESS for status polling to refine instead of
	// failing capacity that is still launching.
	if len(out.Machines) == 0 && len(out.ResourceIDs) > 0 && len(out.FleetErrors) == 0 {
		if err := h.persist(ctx, req); err != nil {
			return h.resultFor(req, nil), err
		}
		return h.resultFor(req, nil), nil
	}

	outcome := v1.ComputeOutcome(cmd.Count, len(out.Machines), len(out.FleetErrors))
	message := outcomeMessage(outcome, len(out.Machines), cmd.Count, out)
	if outcome == v1.RequestStatusPartial {
		req.SetMetadata(v1.MetadataErrorType, string(errors.KindPartialProvisioning))
		req.SetMetadata(v1.MetadataErrorMessage, message)
	}
	switch outcome {
	case v1.RequestStatusCompleted:
		err = req.Complete(message)
	case v1.RequestStatusPartial:
		err = req.MarkPartial(message)
	default:
		err = req.Fail(message)
	}
	if err != nil {
		return h.resultFor(req, out.Machines), err
	}
	if err := h.persist(ctx, req); err != nil {
		return h.resultFor(req, out.Machines), err
	}
	return h.resultFor(req, out.Machines), nil
}

// abort terminalizes the request after a provisioning failure, recording the
// error taxonomy for operators, and re-raises the cause.
func (h *CreateMachineRequestHandler) abort(ctx context.Context, req *v1.Request, cause error) (*Result, error) {
	req.SetMetadata(v1.MetadataErrorType, string(errors.KindOf(cause)))
	req.SetMetadata(v1.MetadataErrorMessage, cause.Error())
	if err := req.Fail(fmt.Sprintf("provisioning failed: %s", cause)); err != nil {
		log.FromContext(ctx).Errorw("failed to terminalize request", "request-id", req.ID, "error", err)
	}
	if err := h.persist(ctx, req); err != nil {
		log.FromContext(ctx).Errorw("failed to persist failed request", "request-id", req.ID, "error", err)
	}
	return h.resultFor(req, nil), cause
}

func (h *CreateMachineRequestHandler) persist(ctx context.Context, req *v1.Request) error {
	committed, err := storage.WithUnit(ctx, h.store, func(u *storage.Unit) error {
		return u.SaveRequest(ctx, req)
	})
	if err != nil {
		return err
	}
	h.publish(ctx, committed)
	observeOutcome(req)
	return nil
}

func (h *CreateMachineRequestHandler) publish(ctx context.Context, committed []v1.Event) {
	if h.publisher != nil && len(committed) > 0 {
		h.publisher.Publish(ctx, committed...)
	}
}

func (h *CreateMachineRequestHandler) providerLabel(out *v1.ProviderResult, tmpl *v1.Template) string {
	if api, ok := out.Metadata[v1.MetadataProviderAPI].(string); ok && api != "" {
		return api
	}
	return string(tmpl.ProviderAPI)
}

func (h *CreateMachineRequestHandler) resultFor(req *v1.Request, machines []*v1.Machine) *Result {
	return &Result{
		RequestID: req.ID,
		Status:    req.Status,
		Message:   req.StatusMessage,
		Request:   req,
		Machines:  machines,
	}
}

func outcomeMessage(outcome v1.RequestStatus, discovered, requested int, out *v1.ProviderResult) string {
	switch outcome {
	case v1.RequestStatusCompleted:
		return fmt.Sprintf("provisioned %d of %d instances", discovered, requested)
	case v1.RequestStatusPartial:
		if len(out.FleetErrors) == 0 {
			return fmt.Sprintf("provisioned %d of %d requested instances", discovered, requested)
		}
		partial := &errors.PartialProvisioningError{
			Requested:   requested,
			Provisioned: discovered,
			Reasons: lo.Map(out.FleetErrors, func(fe v1.FleetError, _ int) string {
				return fmt.Sprintf("%s: %s", fe.Code, fe.Message)
			}),
		}
		return partial.Error()
	default:
		if len(out.FleetErrors) > 0 {
			return fmt.Sprintf("no instances provisioned: %s: %s", out.FleetErrors[0].Code, out.FleetErrors[0].Message)
		}
		return "no instances provisioned"
	}
}
