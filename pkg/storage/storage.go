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

// Package storage defines the repository ports and the unit of work the
// command layer persists through. Two backends satisfy them: a JSON file
// store and a sqlite store.
package storage

import (
	"context"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

// ListOptions narrows a request listing. Zero values match everything.
type ListOptions struct {
	Type       v1.RequestType
	Statuses   []v1.RequestStatus
	ActiveOnly bool
}

// Matches applies the options to one request.
func (o ListOptions) Matches(req *v1.Request) bool {
	if o.Type != "" && req.Type != o.Type {
		return false
	}
	if o.ActiveOnly && req.Status.Terminal() {
		return false
	}
	if len(o.Statuses) > 0 {
		found := false
		for _, status := range o.Statuses {
			if req.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type RequestRepository interface {
	Get(ctx context.Context, id string) (*v1.Request, error)
	List(ctx context.Context, opts ListOptions) ([]*v1.Request, error)
	Save(ctx context.Context, req *v1.Request) error
	Delete(ctx context.Context, id string) error
}

type MachineRepository interface {
	Get(ctx context.Context, name string) (*v1.Machine, error)
	ListByRequest(ctx context.Context, requestID string) ([]*v1.Machine, error)
	ListByNames(ctx context.Context, names []string) ([]*v1.Machine, error)
	Save(ctx context.Context, machine *v1.Machine) error
	SaveAll(ctx context.Context, machines []*v1.Machine) error
	Delete(ctx context.Context, name string) error
}

type TemplateRepository interface {
	Get(ctx context.Context, id string) (*v1.Template, error)
	List(ctx context.Context) ([]*v1.Template, error)
	Save(ctx context.Context, tmpl *v1.Template) error
}

// Txn is one transactional scope over all three collections.
type Txn interface {
	Requests() RequestRepository
	Machines() MachineRepository
	Templates() TemplateRepository
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store opens transactions and serves non-transactional reads.
type Store interface {
	Begin(ctx context.Context) (Txn, error)
	Requests() RequestRepository
	Machines() MachineRepository
	Templates() TemplateRepository
	Close() error
}

// Unit is the unit of work handed to command handlers: repositories bound to
// one transaction, plus the domain events drained from every aggregate saved
// through it. Saves must go through the typed helpers so no event is left
// behind in an aggregate.
type Unit struct {
	txn    Txn
	events []v1.Event
}

func (u *Unit) Requests() RequestRepository   { return u.txn.Requests() }
func (u *Unit) Machines() MachineRepository   { return u.txn.Machines() }
func (u *Unit) Templates() TemplateRepository { return u.txn.Templates() }

// SaveRequest persists the request and drains its pending events.
func (u *Unit) SaveRequest(ctx context.Context, req *v1.Request) error {
	if err := u.txn.Requests().Save(ctx, req); err != nil {
		return err
	}
	u.events = append(u.events, req.TakeEvents()...)
	return nil
}

// SaveMachine persists the machine and drains its pending events.
func (u *Unit) SaveMachine(ctx context.Context, machine *v1.Machine) error {
	if err := u.txn.Machines().Save(ctx, machine); err != nil {
		return err
	}
	u.events = append(u.events, machine.TakeEvents()...)
	return nil
}

// SaveMachines persists machines in one batch and drains their events.
func (u *Unit) SaveMachines(ctx context.Context, machines []*v1.Machine) error {
	if err := u.txn.Machines().SaveAll(ctx, machines); err != nil {
		return err
	}
	for _, machine := range machines {
		u.events = append(u.events, machine.TakeEvents()...)
	}
	return nil
}

// WithUnit runs fn inside one transaction and returns the drained events only
// after a successful commit, so nothing is published for state that never
// became durable. Any error from fn rolls the transaction back.
func WithUnit(ctx context.Context, store Store, fn func(*Unit) error) ([]v1.Event, error) {
	txn, err := store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	unit := &Unit{txn: txn}
	if err := fn(unit); err != nil {
		if rerr := txn.Rollback(ctx); rerr != nil {
			log.FromContext(ctx).Warnw("rollback failed", "error", rerr)
		}
		return nil, err
	}
	if err := txn.Commit(ctx); err != nil {
		return nil, err
	}
	return unit.events, nil
}
