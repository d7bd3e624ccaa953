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

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/strategy"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage"
)

// GetTemplate resolves one template by id.
type GetTemplate struct {
	TemplateID string
}

func (GetTemplate) Name() string { return "GetTemplate" }
func (GetTemplate) isQuery()     {}

type GetTemplateHandler struct {
	store storage.Store
}

func NewGetTemplateHandler(store storage.Store) *GetTemplateHandler {
	return &GetTemplateHandler{store: store}
}

func (h *GetTemplateHandler) Handle(ctx context.Context, msg Message) (*Result, error) {
	query, ok := msg.(GetTemplate)
	if !ok {
		return nil, errors.Configurationf("unexpected message %T", msg)
	}
	tmpl, err := h.store.Templates().Get(ctx, query.TemplateID)
	if err != nil {
		return nil, err
	}
	return &Result{Template: tmpl}, nil
}

// ListAvailableTemplates lists every template the scheduler may request
// capacity from.
type ListAvailableTemplates struct{}

func (ListAvailableTemplates) Name() string { return "ListAvailableTemplates" }
func (ListAvailableTemplates) isQuery()     {}

type ListAvailableTemplatesHandler struct {
	store    storage.Store
	strategy *strategy.Strategy
}

func NewListAvailableTemplatesHandler(store storage.Store, strat *strategy.Strategy) *ListAvailableTemplatesHandler {
	return &ListAvailableTemplatesHandler{store: store, strategy: strat}
}

func (h *ListAvailableTemplatesHandler) Handle(ctx context.Context, msg Message) (*Result, error) {
	if _, ok := msg.(ListAvailableTemplates); !ok {
		return nil, errors.Configurationf("unexpected message %T", msg)
	}
	if h.strategy != nil {
		out, err := h.strategy.Execute(ctx, &v1.ProviderOperation{Type: v1.OpGetAvailableTemplates})
		if err != nil {
			return nil, err
		}
		return &Result{Templates: out.Templates}, nil
	}
	templates, err := h.store.Templates().List(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Templates: templates}, nil
}

// GetReturnRequests reports which of the named machines the cloud has already
// reclaimed, so the scheduler can drain them instead of scheduling onto ghosts.
// Spot interruptions surface here.
type GetReturnRequests struct {
	MachineNames []string
}

func (GetReturnRequests) Name() string { return "GetReturnRequests" }
func (GetReturnRequests) isQuery()     {}

type GetReturnRequestsHandler struct {
	strategy *strategy.Strategy
}

func NewGetReturnRequestsHandler(strat *strategy.Strategy) *GetReturnRequestsHandler {
	return &GetReturnRequestsHandler{strategy: strat}
}

func (h *GetReturnRequestsHandler) Handle(ctx context.Context, msg Message) (*Result, error) {
	query, ok := msg.(GetReturnRequests)
	if !ok {
		return nil, errors.Configurationf("unexpected message %T", msg)
	}
	var names []string
	var warnings []string
	for _, name := range query.MachineNames {
		if v1.ValidInstanceID(name) {
			names = append(names, name)
			continue
		}
		warnings = append(warnings, "machine "+name+" is not an instance id")
	}
	if len(names) == 0 {
		return &Result{Warnings: warnings}, nil
	}
	if h.strategy == nil {
		return nil, errors.Configurationf("no provider strategy is wired")
	}
	out, err := h.strategy.Execute(ctx, &v1.ProviderOperation{
		Type:        v1.OpGetInstanceStatus,
		InstanceIDs: names,
	})
	if err != nil {
		return nil, err
	}
	alive := map[string]*v1.Machine{}
	for _, m := range out.Machines {
		alive[m.Name] = m
	}
	var reclaimed []string
	for _, name := range names {
		m, found := alive[name]
		if !found || m.Result == v1.MachineResultFail {
			reclaimed = append(reclaimed, name)
		}
	}
	return &Result{Reclaimed: reclaimed, Warnings: warnings}, nil
}

// ProviderHealth reports the cached provider health probe.
type ProviderHealth struct{}

func (ProviderHealth) Name() string { return "ProviderHealth" }
func (ProviderHealth) isQuery()     {}

type ProviderHealthHandler struct {
	strategy *strategy.Strategy
}

func NewProviderHealthHandler(strat *strategy.Strategy) *ProviderHealthHandler {
	return &ProviderHealthHandler{strategy: strat}
}

func (h *ProviderHealthHandler) Handle(ctx context.Context, msg Message) (*Result, error) {
	if _, ok := msg.(ProviderHealth); !ok {
		return nil, errors.Configurationf("unexpected message %T", msg)
	}
	if h.strategy == nil {
		return nil, errors.Configurationf("no provider strategy is wired")
	}
	health := h.strategy.CheckHealth(ctx)
	return &Result{Health: &health}, nil
}
