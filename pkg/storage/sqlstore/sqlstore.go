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

// Package sqlstore persists aggregates as JSON documents in sqlite. One row
// per aggregate; the payload column is the source of truth and the remaining
// columns exist for keyed lookups.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS machines (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS machines_by_request ON machines (request_id);
CREATE TABLE IF NOT EXISTS templates (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);`

// querier is satisfied by both *sql.DB and *sql.Tx so the repositories serve
// transactional and direct access with one implementation.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
}

// Open connects to the sqlite database at dsn and creates the schema when it
// does not exist yet.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database, %w", err)
	}
	// sqlite has a single writer; more connections just means busy errors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema, %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Begin(ctx context.Context) (storage.Txn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction, %w", err)
	}
	return &txn{tx: tx}, nil
}

func (s *Store) Requests() storage.RequestRepository   { return &requestRepo{q: s.db} }
func (s *Store) Machines() storage.MachineRepository   { return &machineRepo{q: s.db} }
func (s *Store) Templates() storage.TemplateRepository { return &templateRepo{q: s.db} }

func (s *Store) Close() error { return s.db.Close() }

type txn struct {
	tx *sql.Tx
}

func (t *txn) Requests() storage.RequestRepository   { return &requestRepo{q: t.tx} }
func (t *txn) Machines() storage.MachineRepository   { return &machineRepo{q: t.tx} }
func (t *txn) Templates() storage.TemplateRepository { return &templateRepo{q: t.tx} }

func (t *txn) Commit(context.Context) error { return t.tx.Commit() }

func (t *txn) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !stderrors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

type requestRepo struct {
	q querier
}

func (r *requestRepo) Get(ctx context.Context, id string) (*v1.Request, error) {
	var payload string
	err := r.q.QueryRowContext(ctx, `SELECT payload FROM requests WHERE id = ?`, id).Scan(&payload)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading request, %w", err)
	}
	req := &v1.Request{}
	if err := json.Unmarshal([]byte(payload), req); err != nil {
		return nil, fmt.Errorf("parsing request payload, %w", err)
	}
	return req, nil
}

func (r *requestRepo) List(ctx context.Context, opts storage.ListOptions) ([]*v1.Request, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT payload FROM requests ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing requests, %w", err)
	}
	defer rows.Close()
	var out []*v1.Request
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		req := &v1.Request{}
		if err := json.Unmarshal([]byte(payload), req); err != nil {
			return nil, fmt.Errorf("parsing request payload, %w", err)
		}
		if opts.Matches(req) {
			out = append(out, req)
		}
	}
	return out, rows.Err()
}

func (r *requestRepo) Save(ctx context.Context, req *v1.Request) error {
	if req.ID == "" {
		return errors.Validationf("request id is required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request, %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO requests (id, payload, schema_version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, schema_version = excluded.schema_version, updated_at = excluded.updated_at`,
		req.ID, string(payload), req.SchemaVersion, now())
	return err
}

func (r *requestRepo) Delete(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM requests WHERE id = ?`, id)
	return err
}

type machineRepo struct {
	q querier
}

func (r *machineRepo) Get(ctx context.Context, name string) (*v1.Machine, error) {
	var payload string
	err := r.q.QueryRowContext(ctx, `SELECT payload FROM machines WHERE id = ?`, name).Scan(&payload)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("machine %s not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading machine, %w", err)
	}
	return decodeMachine(payload)
}

func (r *machineRepo) ListByRequest(ctx context.Context, requestID string) ([]*v1.Machine, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT payload FROM machines WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("listing machines, %w", err)
	}
	return scanMachines(rows)
}

func (r *machineRepo) ListByNames(ctx context.Context, names []string) ([]*v1.Machine, error) {
	if len(names) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, 0, len(names))
	for _, name := range names {
		args = append(args, name)
	}
	rows, err := r.q.QueryContext(ctx, `SELECT payload FROM machines WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing machines, %w", err)
	}
	return scanMachines(rows)
}

func (r *machineRepo) Save(ctx context.Context, machine *v1.Machine) error {
	if machine.Name == "" {
		return errors.Validationf("machine name is required")
	}
	payload, err := json.Marshal(machine)
	if err != nil {
		return fmt.Errorf("encoding machine, %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO machines (id, request_id, payload, schema_version, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET request_id = excluded.request_id, payload = excluded.payload, schema_version = excluded.schema_version, updated_at = excluded.updated_at`,
		machine.Name, machine.RequestID, string(payload), machine.SchemaVersion, now())
	return err
}

func (r *machineRepo) SaveAll(ctx context.Context, machines []*v1.Machine) error {
	for _, machine := range machines {
		if err := r.Save(ctx, machine); err != nil {
			return err
		}
	}
	return nil
}

func (r *machineRepo) Delete(ctx context.Context, name string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM machines WHERE id = ?`, name)
	return err
}

func decodeMachine(payload string) (*v1.Machine, error) {
	machine := &v1.Machine{}
	if err := json.Unmarshal([]byte(payload), machine); err != nil {
		return nil, fmt.Errorf("parsing machine payload, %w", err)
	}
	return machine, nil
}

func scanMachines(rows *sql.Rows) ([]*v1.Machine, error) {
	defer rows.Close()
	var out []*v1.Machine
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		machine, err := decodeMachine(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, machine)
	}
	return out, rows.Err()
}

type templateRepo struct {
	q querier
}

func (r *templateRepo) Get(ctx context.Context, id string) (*v1.Template, error) {
	var payload string
	err := r.q.QueryRowContext(ctx, `SELECT payload FROM templates WHERE id = ?`, id).Scan(&payload)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("template %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading template, %w", err)
	}
	tmpl := &v1.Template{}
	if err := json.Unmarshal([]byte(payload), tmpl); err != nil {
		return nil, fmt.Errorf("parsing template payload, %w", err)
	}
	return tmpl, nil
}

func (r *templateRepo) List(ctx context.Context) ([]*v1.Template, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT payload FROM templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing templates, %w", err)
	}
	defer rows.Close()
	var out []*v1.Template
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		tmpl := &v1.Template{}
		if err := json.Unmarshal([]byte(payload), tmpl); err != nil {
			return nil, fmt.Errorf("parsing template payload, %w", err)
		}
		out = append(out, tmpl)
	}
	return out, rows.Err()
}

func (r *templateRepo) Save(ctx context.Context, tmpl *v1.Template) error {
	if tmpl.ID == "" {
		return errors.Validationf("template id is required")
	}
	payload, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("encoding template, %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO templates (id, payload, schema_version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, schema_version = excluded.schema_version, updated_at = excluded.updated_at`,
		tmpl.ID, string(payload), v1.SchemaVersion, now())
	return err
}
