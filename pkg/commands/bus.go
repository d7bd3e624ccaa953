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

// Package commands is the broker's application layer. Each message has exactly
// one handler; command handlers mutate aggregates inside a unit of work and
// publish the committed events, query handlers only read. The bus is pure
// routing, cross-cutting concerns live in the handlers themselves.
package commands

import (
	"context"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/events"
	"github.com/awslabs/open-resource-broker-sub001/pkg/metrics"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/selection"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/strategy"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage"
)

// Message is a command or query the bus can route.
type Message interface {
	Name() string
}

// Query marks a message as read-only. Only marked types can register on the
// query side of the bus, so a mutating handler cannot hide behind a query name.
type Query interface {
	Message
	isQuery()
}

// Handler executes one message kind.
type Handler interface {
	Handle(ctx context.Context, msg Message) (*Result, error)
}

// RequestView pairs a request with its machines for status projections. A nil
// Request means the id was not found.
type RequestView struct {
	RequestID string
	Request   *v1.Request
	Machines  []*v1.Machine
}

// Result is the transport neutral answer a handler returns. Handlers fill only
// the fields their message produces.
type Result struct {
	RequestID string
	Status    v1.RequestStatus
	Message   string
	Request   *v1.Request
	Views     []RequestView
	Machines  []*v1.Machine
	Template  *v1.Template
	Templates []*v1.Template
	Reclaimed []string
	Warnings  []string
	Health    *strategy.Health
}

// Bus routes messages to their registered handler by name. Commands and
// queries live in separate registries; a message only ever resolves against its
// own side.
type Bus struct {
	commands map[string]Handler
	queries  map[string]Handler
}

func NewBus() *Bus {
	return &Bus{commands: map[string]Handler{}, queries: map[string]Handler{}}
}

// RegisterCommand binds a mutating message to its handler. Last registration
// wins; wiring is static and happens once at startup.
func (b *Bus) RegisterCommand(msg Message, h Handler) {
	b.commands[msg.Name()] = h
}

// RegisterQuery binds a read-only message to its handler.
func (b *Bus) RegisterQuery(q Query, h Handler) {
	b.queries[q.Name()] = h
}

// Dispatch routes the message against its side of the bus. An unregistered
// message name is a wiring bug and surfaces as a configuration error.
func (b *Bus) Dispatch(ctx context.Context, msg Message) (*Result, error) {
	registry := b.commands
	if _, ok := msg.(Query); ok {
		registry = b.queries
	}
	h, ok := registry[msg.Name()]
	if !ok {
		return nil, errors.Configurationf("no handler registered for message %q", msg.Name())
	}
	return h.Handle(ctx, msg)
}

// observeOutcome counts a request toward the terminal status metric. Callers
// invoke it after the terminalizing save, so each request is counted once.
func observeOutcome(req *v1.Request) {
	if req.Status.Terminal() {
		metrics.RequestsTotal.WithLabelValues(string(req.Type), string(req.Status)).Inc()
	}
}

// Deps carries the collaborators the default handler set is built from.
type Deps struct {
	Store     storage.Store
	Strategy  *strategy.Strategy
	Selector  *selection.Selector
	Policy    selection.Policy
	Publisher events.Publisher
}

// NewDefaultBus wires every broker message to its handler.
func NewDefaultBus(deps Deps) *Bus {
	b := NewBus()
	b.RegisterCommand(CreateMachineRequest{}, NewCreateMachineRequestHandler(deps.Store, deps.Strategy, deps.Selector, deps.Policy, deps.Publisher))
	b.RegisterCommand(CreateReturnRequest{}, NewCreateReturnRequestHandler(deps.Store, deps.Strategy, deps.Publisher))
	b.RegisterCommand(UpdateRequestStatus{}, NewUpdateRequestStatusHandler(deps.Store, deps.Strategy, deps.Publisher))
	b.RegisterCommand(CancelRequest{}, NewCancelRequestHandler(deps.Store, deps.Publisher))
	b.RegisterCommand(CompleteRequest{}, NewCompleteRequestHandler(deps.Store, deps.Publisher))
	b.RegisterQuery(GetRequestStatus{}, NewGetRequestStatusHandler(deps.Store))
	b.RegisterQuery(GetTemplate{}, NewGetTemplateHandler(deps.Store))
	b.RegisterQuery(ListAvailableTemplates{}, NewListAvailableTemplatesHandler(deps.Store, deps.Strategy))
	b.RegisterQuery(GetReturnRequests{}, NewGetReturnRequestsHandler(deps.Strategy))
	b.RegisterQuery(ProviderHealth{}, NewProviderHealthHandler(deps.Strategy))
	return b
}
