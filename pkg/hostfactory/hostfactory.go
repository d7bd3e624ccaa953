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

// Package hostfactory adapts the broker's command bus to the batch scheduler's
// host factory provider contract: JSON in, JSON out, with the field names and
// status vocabulary the scheduler scripts expect.
package hostfactory

import (
	"context"
	"encoding/json"
	"io"

	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/commands"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

// Scheduler-facing request statuses.
const (
	StatusRunning           = "running"
	StatusComplete          = "complete"
	StatusCompleteWithError = "complete_with_error"
)

// RequestMachinesInput is the requestMachines payload.
type RequestMachinesInput struct {
	Template RequestTemplate `json:"template"`
}

type RequestTemplate struct {
	TemplateID   string `json:"templateId"`
	MachineCount int    `json:"machineCount"`
}

// RequestOutput acknowledges an accepted request.
type RequestOutput struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

// RequestReturnMachinesInput is the requestReturnMachines payload.
type RequestReturnMachinesInput struct {
	Machines []v1.MachineRef `json:"machines"`
}

// GetRequestStatusInput is the getRequestStatus payload.
type GetRequestStatusInput struct {
	Requests []RequestRef `json:"requests"`
}

type RequestRef struct {
	RequestID string `json:"requestId"`
}

type GetRequestStatusOutput struct {
	Requests []RequestStatus `json:"requests"`
	Message  string          `json:"message,omitempty"`
}

type RequestStatus struct {
	RequestID string    `json:"requestId"`
	Status    string    `json:"status"`
	Machines  []Machine `json:"machines"`
	Message   string    `json:"message"`
}

// Machine is the per instance view the scheduler consumes. Launchtime is unix
// seconds, zero when the instance has not surfaced yet.
type Machine struct {
	MachineID        string `json:"machineId"`
	Name             string `json:"name"`
	Result           string `json:"result"`
	Status           string `json:"status"`
	PrivateIPAddress string `json:"privateIpAddress"`
	PublicIPAddress  string `json:"publicIpAddress"`
	LaunchTime       int64  `json:"launchtime"`
	InstanceType     string `json:"instanceType,omitempty"`
	PriceType        string `json:"priceType,omitempty"`
	Message          string `json:"message"`
}

type GetAvailableTemplatesOutput struct {
	Templates []TemplateView `json:"templates"`
	Message   string         `json:"message,omitempty"`
}

// TemplateView lists one requestable template with its scheduler attributes.
type TemplateView struct {
	TemplateID  string              `json:"templateId"`
	MaxNumber   int                 `json:"maxNumber"`
	Attributes  map[string][]string `json:"attributes"`
	ProviderAPI string              `json:"providerApi,omitempty"`
	ImageID     string              `json:"imageId,omitempty"`
}

// GetReturnRequestsInput is the getReturnRequests payload: the machines the
// scheduler believes it still owns.
type GetReturnRequestsInput struct {
	Machines []v1.MachineRef `json:"machines"`
}

type GetReturnRequestsOutput struct {
	Status   string            `json:"status"`
	Requests []ReturnedMachine `json:"requests"`
	Message  string            `json:"message,omitempty"`
}

// ReturnedMachine names a machine the provider wants back immediately.
type ReturnedMachine struct {
	Machine     string `json:"machine"`
	GracePeriod int    `json:"gracePeriod"`
}

// defaultAttributes describe a template that declares none of its own. The
// scheduler requires type, ncpus and nram to slot hosts.
func defaultAttributes() map[string][]string {
	return map[string][]string{
		"type":  {"String", "X86_64"},
		"ncpus": {"Numeric", "1"},
		"nram":  {"Numeric", "1024"},
	}
}

// Adapter translates between scheduler DTOs and bus messages. DryRun makes the
// mutating calls exercise the full orchestration without touching the cloud.
type Adapter struct {
	bus    *commands.Bus
	DryRun bool
}

func NewAdapter(bus *commands.Bus) *Adapter {
	return &Adapter{bus: bus}
}

// RequestMachines dispatches an acquire. A request that was created but failed
// still acknowledges with its id; the scheduler learns the outcome by polling.
func (a *Adapter) RequestMachines(ctx context.Context, in RequestMachinesInput) (*RequestOutput, error) {
	res, err := a.bus.Dispatch(ctx, commands.CreateMachineRequest{
		TemplateID: in.Template.TemplateID,
		Count:      in.Template.MachineCount,
		DryRun:     a.DryRun,
	})
	if err != nil {
		if res != nil && res.RequestID != "" {
			return &RequestOutput{RequestID: res.RequestID, Message: err.Error()}, nil
		}
		return nil, err
	}
	return &RequestOutput{RequestID: res.RequestID, Message: res.Message}, nil
}

// RequestReturnMachines dispatches a return for the named machines.
func (a *Adapter) RequestReturnMachines(ctx context.Context, in RequestReturnMachinesInput) (*RequestOutput, error) {
	res, err := a.bus.Dispatch(ctx, commands.CreateReturnRequest{Machines: in.Machines, DryRun: a.DryRun})
	if err != nil {
		if res != nil && res.RequestID != "" {
			return &RequestOutput{RequestID: res.RequestID, Message: err.Error()}, nil
		}
		return nil, err
	}
	return &RequestOutput{RequestID: res.RequestID, Message: res.Message}, nil
}

// GetRequestStatus refreshes each request from the cloud, then projects the
// stored state. Refresh failures degrade to the last persisted view rather
// than erroring the whole poll.
func (a *Adapter) GetRequestStatus(ctx context.Context, in GetRequestStatusInput) (*GetRequestStatusOutput, error) {
	if len(in.Requests) == 0 {
		return &GetRequestStatusOutput{Requests: []RequestStatus{}}, nil
	}
	ids := lo.Map(in.Requests, func(r RequestRef, _ int) string { return r.RequestID })
	for _, id := range ids {
		if _, err := a.bus.Dispatch(ctx, commands.UpdateRequestStatus{RequestID: id}); err != nil && !errors.IsNotFound(err) {
			log.FromContext(ctx).Warnw("request refresh failed", "request-id", id, "error", err)
		}
	}
	res, err := a.bus.Dispatch(ctx, commands.GetRequestStatus{RequestIDs: ids})
	if err != nil {
		return nil, err
	}
	out := &GetRequestStatusOutput{Requests: make([]RequestStatus, 0, len(res.Views))}
	for _, view := range res.Views {
		if view.Request == nil {
			out.Requests = append(out.Requests, RequestStatus{
				RequestID: view.RequestID,
				Status:    StatusCompleteWithError,
				Machines:  []Machine{},
				Message:   "request not found",
			})
			continue
		}
		out.Requests = append(out.Requests, RequestStatus{
			RequestID: view.RequestID,
			Status:    statusFor(view.Request.Status),
			Machines:  lo.Map(view.Machines, func(m *v1.Machine, _ int) Machine { return machineView(m) }),
			Message:   view.Request.StatusMessage,
		})
	}
	return out, nil
}

// GetAvailableTemplates lists the requestable templates.
func (a *Adapter) GetAvailableTemplates(ctx context.Context) (*GetAvailableTemplatesOutput, error) {
	res, err := a.bus.Dispatch(ctx, commands.ListAvailableTemplates{})
	if err != nil {
		return nil, err
	}
	out := &GetAvailableTemplatesOutput{Templates: make([]TemplateView, 0, len(res.Templates))}
	for _, tmpl := range res.Templates {
		attrs := tmpl.Attributes
		if len(attrs) == 0 {
			attrs = defaultAttributes()
		}
		out.Templates = append(out.Templates, TemplateView{
			TemplateID:  tmpl.ID,
			MaxNumber:   tmpl.MaxNumber,
			Attributes:  attrs,
			ProviderAPI: string(tmpl.ProviderAPI),
			ImageID:     tmpl.ImageID,
		})
	}
	return out, nil
}

// GetReturnRequests reports machines the cloud reclaimed out from under the
// scheduler, so it can drain them. Grace period zero: the capacity is gone.
func (a *Adapter) GetReturnRequests(ctx context.Context, in GetReturnRequestsInput) (*GetReturnRequestsOutput, error) {
	nameByID := map[string]string{}
	ids := make([]string, 0, len(in.Machines))
	for _, ref := range in.Machines {
		id := ref.MachineID
		if !v1.ValidInstanceID(id) {
			id = ref.Name
		}
		ids = append(ids, id)
		nameByID[id] = ref.Name
	}
	res, err := a.bus.Dispatch(ctx, commands.GetReturnRequests{MachineNames: ids})
	if err != nil {
		return nil, err
	}
	out := &GetReturnRequestsOutput{Status: StatusComplete, Requests: make([]ReturnedMachine, 0, len(res.Reclaimed))}
	for _, id := range res.Reclaimed {
		name := nameByID[id]
		if name == "" {
			name = id
		}
		out.Requests = append(out.Requests, ReturnedMachine{Machine: name, GracePeriod: 0})
	}
	return out, nil
}

func statusFor(s v1.RequestStatus) string {
	switch s {
	case v1.RequestStatusCompleted:
		return StatusComplete
	case v1.RequestStatusFailed, v1.RequestStatusCancelled:
		return StatusCompleteWithError
	default:
		return StatusRunning
	}
}

func machineView(m *v1.Machine) Machine {
	var launched int64
	if !m.LaunchTime.IsZero() {
		launched = m.LaunchTime.Unix()
	}
	return Machine{
		MachineID:        m.Name,
		Name:             m.Name,
		Result:           string(m.Result),
		Status:           m.Status,
		PrivateIPAddress: m.PrivateIP,
		PublicIPAddress:  m.PublicIP,
		LaunchTime:       launched,
		InstanceType:     m.InstanceType,
		PriceType:        m.PriceType,
		Message:          m.Message,
	}
}

// Decode reads one scheduler JSON payload.
func Decode[T any](r io.Reader) (T, error) {
	var in T
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return in, errors.Validationf("malformed input payload: %s", err)
	}
	return in, nil
}

// Write renders an output DTO the way the scheduler scripts parse it: four
// space indentation, trailing newline.
func Write(w io.Writer, out any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(out)
}
