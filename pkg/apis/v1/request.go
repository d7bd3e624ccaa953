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

// Package v1 holds the broker's domain model: requests, machines, templates, the
// provider operation envelope and the domain events they emit. Aggregates enforce
// their own transition rules; nothing outside this package mutates status fields
// directly.
package v1

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
)

// SchemaVersion is stamped onto persisted aggregates for forward migration.
const SchemaVersion = 1

// RequestType distinguishes capacity acquisition from capacity return.
type RequestType string

const (
	RequestTypeAcquire RequestType = "ACQUIRE"
	RequestTypeReturn  RequestType = "RETURN"
)

// RequestStatus is the lifecycle state of a Request.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "PENDING"
	RequestStatusInProgress RequestStatus = "IN_PROGRESS"
	RequestStatusPartial    RequestStatus = "PARTIAL"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusFailed     RequestStatus = "FAILED"
	RequestStatusCancelled  RequestStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusFailed || s == RequestStatusCancelled
}

var validTransitions = map[RequestStatus]sets.Set[RequestStatus]{
	RequestStatusPending:    sets.New(RequestStatusInProgress, RequestStatusCancelled),
	RequestStatusInProgress: sets.New(RequestStatusPartial, RequestStatusCompleted, RequestStatusFailed, RequestStatusCancelled),
	RequestStatusPartial:    sets.New(RequestStatusCompleted, RequestStatusFailed, RequestStatusCancelled),
	RequestStatusCompleted:  sets.New[RequestStatus](),
	RequestStatusFailed:     sets.New[RequestStatus](),
	RequestStatusCancelled:  sets.New[RequestStatus](),
}

// MachineRef names a machine in a return request, pairing the scheduler's machine
// name with the cloud instance id when the caller knows it.
type MachineRef struct {
	Name      string `json:"name"`
	MachineID string `json:"machineId,omitempty"`
}

// Request is the unit of work the scheduler hands the broker: acquire N machines
// from a template, or return a set of machines. ResourceIDs and InstanceIDs are
// append only; the audit trail never shrinks.
type Request struct {
	ID             string         `json:"id"`
	Type           RequestType    `json:"type"`
	TemplateID     string         `json:"templateId,omitempty"`
	RequestedCount int            `json:"requestedCount"`
	Status         RequestStatus  `json:"status"`
	StatusMessage  string         `json:"statusMessage,omitempty"`
	ResourceIDs    []string       `json:"resourceIds,omitempty"`
	InstanceIDs    []string       `json:"instanceIds,omitempty"`
	Machines       []MachineRef   `json:"machines,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	SchemaVersion  int            `json:"schemaVersion"`

	events []Event
}

// NewAcquireRequest validates and constructs an ACQUIRE request in PENDING.
func NewAcquireRequest(templateID string, count int) (*Request, error) {
	if templateID == "" {
		return nil, errors.Validationf("template id is required")
	}
	if count <= 0 {
		return nil, errors.Validationf("requested count must be positive, got %d", count)
	}
	r := newRequest(RequestTypeAcquire)
	r.TemplateID = templateID
	r.RequestedCount = count
	r.record(EventRequestCreated, fmt.Sprintf("acquire %d from template %s", count, templateID), nil)
	return r, nil
}

// NewReturnRequest validates and constructs a RETURN request in PENDING.
func NewReturnRequest(machines []MachineRef) (*Request, error) {
	if len(machines) == 0 {
		return nil, errors.Validationf("return request needs at least one machine")
	}
	r := newRequest(RequestTypeReturn)
	r.RequestedCount = len(machines)
	r.Machines = machines
	r.record(EventRequestCreated, fmt.Sprintf("return %d machines", len(machines)), nil)
	return r, nil
}

func newRequest(t RequestType) *Request {
	now := time.Now().UTC()
	return &Request{
		ID:            uuid.NewString(),
		Type:          t,
		Status:        RequestStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		SchemaVersion: SchemaVersion,
	}
}

// Start moves PENDING to IN_PROGRESS.
func (r *Request) Start() error {
	return r.transition(RequestStatusInProgress, "provisioning started", "")
}

// Complete terminalizes the request successfully.
func (r *Request) Complete(message string) error {
	return r.transition(RequestStatusCompleted, message, EventRequestCompleted)
}

// MarkPartial records that some but not all capacity materialized.
func (r *Request) MarkPartial(message string) error {
	return r.transition(RequestStatusPartial, message, EventRequestPartiallyFulfilled)
}

// Fail terminalizes the request unsuccessfully.
func (r *Request) Fail(message string) error {
	return r.transition(RequestStatusFailed, message, EventRequestFailed)
}

// Cancel terminalizes the request from any non-terminal state.
func (r *Request) Cancel(reason string) error {
	return r.transition(RequestStatusCancelled, reason, EventRequestCancelled)
}

func (r *Request) transition(next RequestStatus, message string, outcome EventType) error {
	if !validTransitions[r.Status].Has(next) {
		return errors.InvalidStatef("request %s cannot transition from %s to %s", r.ID, r.Status, next)
	}
	prev := r.Status
	r.Status = next
	r.StatusMessage = message
	r.touch()
	eventType := EventRequestStatusChanged
	if outcome != "" {
		eventType = outcome
	}
	r.record(eventType, message, map[string]string{"from": string(prev), "to": string(next)})
	return nil
}

// AppendResourceID records a cloud resource backing this request. Appends are
// ignored once the request is terminal; the audit trail is frozen with the state.
func (r *Request) AppendResourceID(id string) {
	if id == "" || r.Status.Terminal() || lo.Contains(r.ResourceIDs, id) {
		return
	}
	r.ResourceIDs = append(r.ResourceIDs, id)
	r.touch()
}

// AppendInstanceIDs records discovered instances, skipping duplicates.
func (r *Request) AppendInstanceIDs(ids ...string) {
	if r.Status.Terminal() {
		return
	}
	for _, id := range ids {
		if id == "" || lo.Contains(r.InstanceIDs, id) {
			continue
		}
		r.InstanceIDs = append(r.InstanceIDs, id)
	}
	r.touch()
}

// SetMetadata attaches a metadata value, allocating the map on first use.
func (r *Request) SetMetadata(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
	r.touch()
}

// FleetErrorCount reads back the recorded launch failures. The slice loses its
// concrete type over a JSON round trip, so both shapes are handled.
func (r *Request) FleetErrorCount() int {
	switch v := r.Metadata[MetadataFleetErrors].(type) {
	case []FleetError:
		return len(v)
	case []any:
		return len(v)
	default:
		return 0
	}
}

// TargetCapacity reads back the capacity recorded at provisioning time, zero
// when none was recorded. JSON decoding widens numbers to float64.
func (r *Request) TargetCapacity() int32 {
	switch v := r.Metadata[MetadataTargetCapacity].(type) {
	case int:
		return int32(v)
	case int32:
		return v
	case int64:
		return int32(v)
	case float64:
		return int32(v)
	default:
		return 0
	}
}

func (r *Request) touch() {
	r.UpdatedAt = time.Now().UTC()
}

func (r *Request) record(t EventType, message string, annotations map[string]string) {
	e := newEvent(t)
	e.RequestID = r.ID
	e.Message = message
	e.Annotations = annotations
	r.events = append(r.events, e)
}

// TakeEvents drains the buffered events. The unit of work calls this after a
// successful save so events publish at most once per commit.
func (r *Request) TakeEvents() []Event {
	out := r.events
	r.events = nil
	return out
}

// ComputeOutcome maps provisioning results onto the terminal-bound status:
// nothing landed means FAILED, a shortfall means PARTIAL, full count COMPLETED.
// A full count delivered alongside fleet errors is still PARTIAL; COMPLETED
// asserts a clean fulfillment.
func ComputeOutcome(requested, discovered, fleetErrors int) RequestStatus {
	switch {
	case discovered <= 0:
		return RequestStatusFailed
	case discovered < requested || fleetErrors > 0:
		return RequestStatusPartial
	default:
		return RequestStatusCompleted
	}
}
