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
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/events"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/strategy"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

// CreateReturnRequest asks the broker to release machines back to the cloud.
// Hints optionally map instances to their owning resources so the release path
// can skip discovery round trips.
type CreateReturnRequest struct {
	Machines []v1.MachineRef
	Hints    []v1.ResourceHint
	DryRun   bool
}

func (CreateReturnRequest) Name() string { return "CreateReturnRequest" }

// untrackedGroup labels the release group for machines the broker has no
// record of. Their owners are resolved from cloud tags instead of hints.
const untrackedGroup = "untracked"

// CreateReturnRequestHandler orchestrates a return: resolve each machine to
// its template, fan out one release task per template group, and terminalize
// the request from the per group results. A failing group is recorded without
// cancelling its siblings.
type CreateReturnRequestHandler struct {
	store     storage.Store
	strategy  *strategy.Strategy
	publisher events.Publisher
}

func NewCreateReturnRequestHandler(store storage.Store, strat *strategy.Strategy, publisher events.Publisher) *CreateReturnRequestHandler {
	return &CreateReturnRequestHandler{store: store, strategy: strat, publisher: publisher}
}

type returnGroup struct {
	templateID  string
	template    *v1.Template
	machines    []*v1.Machine
	instanceIDs []string
	hints       []v1.ResourceHint
}

func (h *CreateReturnRequestHandler) Handle(ctx context.Context, msg Message) (*Result, error) {
	cmd, ok := msg.(CreateReturnRequest)
	if !ok {
		return nil, errors.Configurationf("unexpected message %T", msg)
	}
	if h.strategy == nil {
		return nil, errors.Configurationf("no provider strategy is wired")
	}
	req, err := v1.NewReturnRequest(cmd.Machines)
	if err != nil {
		return nil, err
	}
	// Persist before releasing anything so the request is pollable even if the
	// process dies mid release.
	if err := h.persist(ctx, req); err != nil {
		return nil, err
	}

	if cmd.DryRun {
		req.SetMetadata(v1.MetadataDryRun, true)
		if err := req.Start(); err != nil {
			return h.resultFor(req, nil, nil), err
		}
		if err := req.Complete("dry run, no machines returned"); err != nil {
			return h.resultFor(req, nil, nil), err
		}
		if err := h.persist(ctx, req); err != nil {
			return h.resultFor(req, nil, nil), err
		}
		return h.resultFor(req, nil, nil), nil
	}

	if err := req.Start(); err != nil {
		return h.resultFor(req, nil, nil), err
	}
	groups, warnings, err := h.partition(ctx, cmd)
	if err != nil {
		return h.abort(ctx, req, err)
	}

	var (
		mu       sync.Mutex
		failures error
		returned []*v1.Machine
		released []string
	)
	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(g *returnGroup) {
			defer wg.Done()
			_, rerr := h.strategy.Execute(ctx, &v1.ProviderOperation{
				Type:        v1.OpTerminateInstances,
				Request:     req,
				Template:    g.template,
				InstanceIDs: g.instanceIDs,
				Hints:       g.hints,
			})
			mu.Lock()
			defer mu.Unlock()
			if rerr != nil {
				failures = multierr.Append(failures, fmt.Errorf("template %s: %w", g.templateID, rerr))
				return
			}
			released = append(released, g.instanceIDs...)
			for _, m := range g.machines {
				m.MarkReturned("returned to provider")
				returned = append(returned, m)
			}
		}(g)
	}
	wg.Wait()

	sort.Strings(released)
	req.AppendInstanceIDs(released...)
	if len(returned) > 0 {
		committed, serr := storage.WithUnit(ctx, h.store, func(u *storage.Unit) error {
			return u.SaveMachines(ctx, returned)
		})
		if serr != nil {
			failures = multierr.Append(failures, serr)
		} else {
			h.publish(ctx, committed)
		}
	}

	attempted := 0
	for _, g := range groups {
		attempted += len(g.instanceIDs)
	}
	switch {
	case failures == nil:
		message := fmt.Sprintf("returned %d machines", len(released))
		if skipped := len(cmd.Machines) - attempted; skipped > 0 {
			message = fmt.Sprintf("%s, skipped %d unresolvable", message, skipped)
		}
		err = req.Complete(message)
	case len(released) > 0:
		req.SetMetadata(v1.MetadataErrorType, string(errors.KindOf(failures)))
		req.SetMetadata(v1.MetadataErrorMessage, failures.Error())
		err = req.MarkPartial(fmt.Sprintf("returned %d of %d machines: %s", len(released), attempted, failures))
	default:
		req.SetMetadata(v1.MetadataErrorType, string(errors.KindOf(failures)))
		req.SetMetadata(v1.MetadataErrorMessage, failures.Error())
		err = req.Fail(fmt.Sprintf("return failed: %s", failures))
	}
	if err != nil {
		return h.resultFor(req, returned, warnings), err
	}
	if err := h.persist(ctx, req); err != nil {
		return h.resultFor(req, returned, warnings), err
	}
	return h.resultFor(req, returned, warnings), nil
}

// partition resolves each named machine to its template group. Machines the
// broker never tracked go to a shared group released by cloud tag lookup;
// names that are not even instance ids are skipped with a warning.
func (h *CreateReturnRequestHandler) partition(ctx context.Context, cmd CreateReturnRequest) ([]*returnGroup, []string, error) {
	callerHints := map[string]v1.ResourceHint{}
	for _, hint := range cmd.Hints {
		callerHints[hint.InstanceID] = hint
	}
	byTemplate := map[string]*returnGroup{}
	parents := map[string]*v1.Request{}
	var unknown []string
	var warnings []string

	for _, ref := range cmd.Machines {
		m, err := h.store.Machines().Get(ctx, ref.Name)
		if err != nil {
			if !errors.IsNotFound(err) {
				return nil, nil, err
			}
			id := instanceIDOf(ref)
			if id == "" {
				warnings = append(warnings, fmt.Sprintf("machine %q is not tracked and has no usable instance id", ref.Name))
				log.FromContext(ctx).Warnw("skipping unresolvable machine", "machine-name", ref.Name)
				continue
			}
			unknown = append(unknown, id)
			continue
		}
		g := byTemplate[m.TemplateID]
		if g == nil {
			g = &returnGroup{templateID: m.TemplateID}
			tmpl, terr := h.store.Templates().Get(ctx, m.TemplateID)
			switch {
			case terr == nil:
				g.template = tmpl
			case errors.IsNotFound(terr):
				// The template was removed since provisioning. The release path
				// works from hints and owner tags, so the group still runs.
				log.FromContext(ctx).Warnw("template no longer exists, releasing by resource lookup", "template-id", m.TemplateID)
			default:
				return nil, nil, terr
			}
			byTemplate[m.TemplateID] = g
		}
		g.machines = append(g.machines, m)
		g.instanceIDs = append(g.instanceIDs, m.Name)
		if hint, ok := callerHints[m.Name]; ok {
			g.hints = append(g.hints, hint)
		} else if hint, ok := h.hintFor(ctx, m, parents); ok {
			g.hints = append(g.hints, hint)
		}
	}

	ids := make([]string, 0, len(byTemplate))
	for id := range byTemplate {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	groups := make([]*returnGroup, 0, len(ids)+1)
	for _, id := range ids {
		groups = append(groups, byTemplate[id])
	}
	if len(unknown) > 0 {
		g := &returnGroup{templateID: untrackedGroup, instanceIDs: unknown}
		for _, id := range unknown {
			if hint, ok := callerHints[id]; ok {
				g.hints = append(g.hints, hint)
			}
		}
		groups = append(groups, g)
	}
	return groups, warnings, nil
}

// hintFor reconstructs the resource mapping for a tracked machine from its
// parent request: the first resource id plus the capacity recorded at
// provisioning time.
func (h *CreateReturnRequestHandler) hintFor(ctx context.Context, m *v1.Machine, parents map[string]*v1.Request) (v1.ResourceHint, bool) {
	parent, ok := parents[m.RequestID]
	if !ok {
		loaded, err := h.store.Requests().Get(ctx, m.RequestID)
		if err != nil {
			parents[m.RequestID] = nil
			return v1.ResourceHint{}, false
		}
		parent = loaded
		parents[m.RequestID] = parent
	}
	if parent == nil || len(parent.ResourceIDs) == 0 {
		return v1.ResourceHint{}, false
	}
	return v1.ResourceHint{
		InstanceID:      m.Name,
		ResourceID:      parent.ResourceIDs[0],
		DesiredCapacity: parent.TargetCapacity(),
	}, true
}

func instanceIDOf(ref v1.MachineRef) string {
	if v1.ValidInstanceID(ref.MachineID) {
		return ref.MachineID
	}
	if v1.ValidInstanceID(ref.Name) {
		return ref.Name
	}
	return ""
}

func (h *CreateReturnRequestHandler) abort(ctx context.Context, req *v1.Request, cause error) (*Result, error) {
	req.SetMetadata(v1.MetadataErrorType, string(errors.KindOf(cause)))
	req.SetMetadata(v1.MetadataErrorMessage, cause.Error())
	if err := req.Fail(fmt.Sprintf("return failed: %s", cause)); err != nil {
		log.FromContext(ctx).Errorw("failed to terminalize request", "request-id", req.ID, "error", err)
	}
	if err := h.persist(ctx, req); err != nil {
		log.FromContext(ctx).Errorw("failed to persist failed request", "request-id", req.ID, "error", err)
	}
	return h.resultFor(req, nil, nil), cause
}

func (h *CreateReturnRequestHandler) persist(ctx context.Context, req *v1.Request) error {
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

func (h *CreateReturnRequestHandler) publish(ctx context.Context, committed []v1.Event) {
	if h.publisher != nil && len(committed) > 0 {
		h.publisher.Publish(ctx, committed...)
	}
}

func (h *CreateReturnRequestHandler) resultFor(req *v1.Request, machines []*v1.Machine, warnings []string) *Result {
	return &Result{
		RequestID: req.ID,
		Status:    req.Status,
		Message:   req.StatusMessage,
		Request:   req,
		Machines:  machines,
		Warnings:  warnings,
	}
}
