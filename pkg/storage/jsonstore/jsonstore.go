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

// Package jsonstore persists aggregates as one JSON document per collection.
// Everything loads into memory on open; transactions are copy-on-write
// overlays that flush atomically (temp file + rename) on commit.
package jsonstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage"
)

const (
	requestsFile  = "requests.json"
	machinesFile  = "machines.json"
	templatesFile = "templates.json"
)

// document is the on-disk shape of one collection.
type document[T any] struct {
	SchemaVersion int          `json:"schemaVersion"`
	Items         map[string]T `json:"items"`
}

// collection is an in-memory keyed set with its backing file.
type collection[T any] struct {
	file  string
	items map[string]*T
}

func loadCollection[T any](dir, file string) (*collection[T], error) {
	c := &collection[T]{file: filepath.Join(dir, file), items: map[string]*T{}}
	raw, err := os.ReadFile(c.file)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s, %w", c.file, err)
	}
	var doc document[*T]
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s, %w", c.file, err)
	}
	c.items = doc.Items
	if c.items == nil {
		c.items = map[string]*T{}
	}
	return c, nil
}

// persist writes the collection to a temp file and renames it into place, so a
// crash mid-write never leaves a torn document behind.
func (c *collection[T]) persist() error {
	raw, err := json.MarshalIndent(document[*T]{SchemaVersion: v1.SchemaVersion, Items: c.items}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.file), filepath.Base(c.file)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.file)
}

// clone deep copies an aggregate through its JSON form so callers can never
// mutate stored state without going through Save.
func clone[T any](in *T) *T {
	out := new(T)
	lo.Must0(json.Unmarshal(lo.Must(json.Marshal(in)), out))
	return out
}

// Store keeps the three collections in memory behind one lock.
type Store struct {
	mu        sync.RWMutex
	requests  *collection[v1.Request]
	machines  *collection[v1.Machine]
	templates *collection[v1.Template]
}

// Open loads every collection from dir, creating it when absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory, %w", err)
	}
	requests, err := loadCollection[v1.Request](dir, requestsFile)
	if err != nil {
		return nil, err
	}
	machines, err := loadCollection[v1.Machine](dir, machinesFile)
	if err != nil {
		return nil, err
	}
	templates, err := loadCollection[v1.Template](dir, templatesFile)
	if err != nil {
		return nil, err
	}
	return &Store{requests: requests, machines: machines, templates: templates}, nil
}

func (s *Store) Begin(context.Context) (storage.Txn, error) {
	return &txn{
		store:     s,
		requests:  newOverlay(s.requests),
		machines:  newOverlay(s.machines),
		templates: newOverlay(s.templates),
	}, nil
}

func (s *Store) Requests() storage.RequestRepository   { return &requestRepo{s: s, o: nil} }
func (s *Store) Machines() storage.MachineRepository   { return &machineRepo{s: s, o: nil} }
func (s *Store) Templates() storage.TemplateRepository { return &templateRepo{s: s, o: nil} }

func (s *Store) Close() error { return nil }

// overlay is the copy-on-write view a transaction mutates. Pending wins over
// base; deleted hides base entries.
type overlay[T any] struct {
	base    *collection[T]
	pending map[string]*T
	deleted map[string]struct{}
}

func newOverlay[T any](base *collection[T]) *overlay[T] {
	return &overlay[T]{base: base, pending: map[string]*T{}, deleted: map[string]struct{}{}}
}

func (o *overlay[T]) get(key string) (*T, bool) {
	if _, gone := o.deleted[key]; gone {
		return nil, false
	}
	if item, ok := o.pending[key]; ok {
		return item, true
	}
	item, ok := o.base.items[key]
	return item, ok
}

func (o *overlay[T]) keys() []string {
	keys := lo.Keys(o.base.items)
	keys = append(keys, lo.Keys(o.pending)...)
	keys = lo.Uniq(keys)
	keys = lo.Filter(keys, func(k string, _ int) bool {
		_, gone := o.deleted[k]
		return !gone
	})
	sort.Strings(keys)
	return keys
}

func (o *overlay[T]) put(key string, item *T) {
	delete(o.deleted, key)
	o.pending[key] = item
}

func (o *overlay[T]) remove(key string) {
	delete(o.pending, key)
	o.deleted[key] = struct{}{}
}

// apply folds the overlay into the base collection. Caller holds the store lock.
func (o *overlay[T]) apply() bool {
	for key, item := range o.pending {
		o.base.items[key] = item
	}
	for key := range o.deleted {
		delete(o.base.items, key)
	}
	return len(o.pending) > 0 || len(o.deleted) > 0
}

type txn struct {
	store     *Store
	requests  *overlay[v1.Request]
	machines  *overlay[v1.Machine]
	templates *overlay[v1.Template]
	done      bool
}

func (t *txn) Requests() storage.RequestRepository   { return &requestRepo{s: t.store, o: t.requests} }
func (t *txn) Machines() storage.MachineRepository   { return &machineRepo{s: t.store, o: t.machines} }
func (t *txn) Templates() storage.TemplateRepository { return &templateRepo{s: t.store, o: t.templates} }

func (t *txn) Commit(context.Context) error {
	if t.done {
		return errors.InvalidStatef("transaction already finished")
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var err error
	if t.requests.apply() {
		err = multierr.Append(err, t.store.requests.persist())
	}
	if t.machines.apply() {
		err = multierr.Append(err, t.store.machines.persist())
	}
	if t.templates.apply() {
		err = multierr.Append(err, t.store.templates.persist())
	}
	return err
}

func (t *txn) Rollback(context.Context) error {
	t.done = true
	return nil
}

// requestRepo serves reads and writes against either the store directly or a
// transaction overlay. Direct writes persist immediately.
type requestRepo struct {
	s *Store
	o *overlay[v1.Request]
}

func (r *requestRepo) Get(_ context.Context, id string) (*v1.Request, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var item *v1.Request
	var ok bool
	if r.o != nil {
		item, ok = r.o.get(id)
	} else {
		item, ok = r.s.requests.items[id]
	}
	if !ok {
		return nil, errors.NotFoundf("request %s not found", id)
	}
	return clone(item), nil
}

func (r *requestRepo) List(_ context.Context, opts storage.ListOptions) ([]*v1.Request, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*v1.Request
	if r.o != nil {
		for _, key := range r.o.keys() {
			if item, ok := r.o.get(key); ok && opts.Matches(item) {
				out = append(out, clone(item))
			}
		}
		return out, nil
	}
	keys := lo.Keys(r.s.requests.items)
	sort.Strings(keys)
	for _, key := range keys {
		if item := r.s.requests.items[key]; opts.Matches(item) {
			out = append(out, clone(item))
		}
	}
	return out, nil
}

func (r *requestRepo) Save(_ context.Context, req *v1.Request) error {
	if req.ID == "" {
		return errors.Validationf("request id is required")
	}
	if r.o != nil {
		r.o.put(req.ID, clone(req))
		return nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.requests.items[req.ID] = clone(req)
	return r.s.requests.persist()
}

func (r *requestRepo) Delete(_ context.Context, id string) error {
	if r.o != nil {
		r.o.remove(id)
		return nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.requests.items, id)
	return r.s.requests.persist()
}

type machineRepo struct {
	s *Store
	o *overlay[v1.Machine]
}

func (r *machineRepo) Get(_ context.Context, name string) (*v1.Machine, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var item *v1.Machine
	var ok bool
	if r.o != nil {
		item, ok = r.o.get(name)
	} else {
		item, ok = r.s.machines.items[name]
	}
	if !ok {
		return nil, errors.NotFoundf("machine %s not found", name)
	}
	return clone(item), nil
}

func (r *machineRepo) list(filter func(*v1.Machine) bool) []*v1.Machine {
	var out []*v1.Machine
	if r.o != nil {
		for _, key := range r.o.keys() {
			if item, ok := r.o.get(key); ok && filter(item) {
				out = append(out, clone(item))
			}
		}
		return out
	}
	keys := lo.Keys(r.s.machines.items)
	sort.Strings(keys)
	for _, key := range keys {
		if item := r.s.machines.items[key]; filter(item) {
			out = append(out, clone(item))
		}
	}
	return out
}

func (r *machineRepo) ListByRequest(_ context.Context, requestID string) ([]*v1.Machine, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.list(func(m *v1.Machine) bool { return m.RequestID == requestID }), nil
}

func (r *machineRepo) ListByNames(_ context.Context, names []string) ([]*v1.Machine, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	wanted := lo.SliceToMap(names, func(n string) (string, struct{}) { return n, struct{}{} })
	return r.list(func(m *v1.Machine) bool {
		_, ok := wanted[m.Name]
		return ok
	}), nil
}

func (r *machineRepo) Save(_ context.Context, machine *v1.Machine) error {
	if machine.Name == "" {
		return errors.Validationf("machine name is required")
	}
	if r.o != nil {
		r.o.put(machine.Name, clone(machine))
		return nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.machines.items[machine.Name] = clone(machine)
	return r.s.machines.persist()
}

func (r *machineRepo) SaveAll(ctx context.Context, machines []*v1.Machine) error {
	if r.o != nil {
		for _, machine := range machines {
			if err := r.Save(ctx, machine); err != nil {
				return err
			}
		}
		return nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, machine := range machines {
		if machine.Name == "" {
			return errors.Validationf("machine name is required")
		}
		r.s.machines.items[machine.Name] = clone(machine)
	}
	return r.s.machines.persist()
}

func (r *machineRepo) Delete(_ context.Context, name string) error {
	if r.o != nil {
		r.o.remove(name)
		return nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.machines.items, name)
	return r.s.machines.persist()
}

type templateRepo struct {
	s *Store
	o *overlay[v1.Template]
}

func (r *templateRepo) Get(_ context.Context, id string) (*v1.Template, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var item *v1.Template
	var ok bool
	if r.o != nil {
		item, ok = r.o.get(id)
	} else {
		item, ok = r.s.templates.items[id]
	}
	if !ok {
		return nil, errors.NotFoundf("template %s not found", id)
	}
	return clone(item), nil
}

func (r *templateRepo) List(_ context.Context) ([]*v1.Template, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*v1.Template
	if r.o != nil {
		for _, key := range r.o.keys() {
			if item, ok := r.o.get(key); ok {
				out = append(out, clone(item))
			}
		}
		return out, nil
	}
	keys := lo.Keys(r.s.templates.items)
	sort.Strings(keys)
	for _, key := range keys {
		out = append(out, clone(r.s.templates.items[key]))
	}
	return out, nil
}

func (r *templateRepo) Save(_ context.Context, tmpl *v1.Template) error {
	if tmpl.ID == "" {
		return errors.Validationf("template id is required")
	}
	if r.o != nil {
		r.o.put(tmpl.ID, clone(tmpl))
		return nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.templates.items[tmpl.ID] = clone(tmpl)
	return r.s.templates.persist()
}
