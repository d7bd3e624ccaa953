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
	"github.com/awslabs/open-resource-broker-sub001/pkg/events"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage"
)

// CancelRequest terminalizes a non-terminal request. In-flight cloud work is
// not aborted; whatever lands is surfaced by later polls and returned through
// the normal release path.
type CancelRequest struct {
	RequestID string
	Reason    string
}

func (CancelRequest) Name() string { return "CancelRequest" }

type CancelRequestHandler struct {
	store     storage.Store
	publisher events.Publisher
}

func NewCancelRequestHandler(store storage.Store, publisher events.Publisher) *CancelRequestHandler {
	return &CancelRequestHandler{store: store, publisher: publisher}
}

func (h *CancelRequestHandler) Handle(ctx context.Context, msg Message) (*Result, error) {
	cmd, ok := msg.(CancelRequest)
	if !ok {
		return nil, errors.Configurationf("unexpected message %T", msg)
	}
	reason := cmd.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}
	return terminalize(ctx, h.store, h.publisher, cmd.RequestID, func(req *v1.Request) error {
		return req.Cancel(reason)
	})
}

// CompleteRequest closes out a request explicitly, typically to settle a
// PARTIAL acquire the operator has decided to accept as is.
type CompleteRequest struct {
	RequestID string
	Message   string
}

func (CompleteRequest) Name() string { return "CompleteRequest" }

type CompleteRequestHandler struct {
	store     storage.Store
	publisher events.Publisher
}

func NewCompleteRequestHandler(store storage.Store, publisher events.Publisher) *CompleteRequestHandler {
	return &CompleteRequestHandler{store: store, publisher: publisher}
}

func (h *CompleteRequestHandler) Handle(ctx context.Context, msg Message) (*Result, error) {
	cmd, ok := msg.(CompleteRequest)
	if !ok {
		return nil, errors.Configurationf("unexpected message %T", msg)
	}
	message := cmd.Message
	if message == "" {
		message = "completed by operator"
	}
	return terminalize(ctx, h.store, h.publisher, cmd.RequestID, func(req *v1.Request) error {
		return req.Complete(message)
	})
}

// terminalize loads a request, applies one lifecycle transition and persists
// it under a unit of work. An illegal transition surfaces as InvalidState
// without touching storage.
func terminalize(ctx context.Context, store storage.Store, publisher events.Publisher, requestID string, transition func(*v1.Request) error) (*Result, error) {
	req, err := store.Requests().Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := transition(req); err != nil {
		return &Result{RequestID: req.ID, Status: req.Status, Message: req.StatusMessage, Request: req}, err
	}
	committed, err := storage.WithUnit(ctx, store, func(u *storage.Unit) error {
		return u.SaveRequest(ctx, req)
	})
	if err != nil {
		return &Result{RequestID: req.ID, Status: req.Status, Message: req.StatusMessage, Request: req}, err
	}
	if publisher != nil && len(committed) > 0 {
		publisher.Publish(ctx, committed...)
	}
	observeOutcome(req)
	return &Result{RequestID: req.ID, Status: req.Status, Message: req.StatusMessage, Request: req}, nil
}
