/*
Copyright 2026 KiloClaw.

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

// Package registry reads the platform's relational registry of instances.
// It is a recovery fallback for catastrophic loss of controller-local
// state, never an authority: the controller hydrates a skeleton record from
// it and lets metadata recovery rediscover the provider resources.
package registry

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	// The registry lives in Postgres.
	_ "github.com/lib/pq"
	"github.com/spf13/pflag"
)

// Options configures the registry connection.
type Options struct {
	// DSN is the Postgres connection string.  Empty disables the
	// fallback entirely.
	DSN string
}

// AddFlags registers registry flags with the flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.DSN, "registry-dsn", "", "Postgres DSN for the instance registry fallback.  Empty disables restore-from-registry.")
}

// Instance is a registry row.  Provider identifiers are deliberately
// absent; the registry predates them and metadata recovery owns their
// rediscovery.
type Instance struct {
	UserID    string `db:"user_id"`
	SandboxID string `db:"sandbox_id"`
	AppName   string `db:"app_name"`
	Active    bool   `db:"active"`
}

// Reader answers "does this user have an active instance".
type Reader interface {
	// Lookup returns the user's registry row, or nil when the registry
	// has no active instance for them.
	Lookup(ctx context.Context, userID string) (*Instance, error)
}

// SQLReader is the Postgres-backed Reader.
type SQLReader struct {
	db *sqlx.DB
}

// Ensure the interface is implemented.
var _ Reader = &SQLReader{}

// New connects a registry reader.
func New(options *Options) (*SQLReader, error) {
	db, err := sqlx.Open("postgres", options.DSN)
	if err != nil {
		return nil, err
	}

	return &SQLReader{db: db}, nil
}

// NewWithDB wraps an existing handle, used by tests.
func NewWithDB(db *sqlx.DB) *SQLReader {
	return &SQLReader{db: db}
}

// Ping verifies the connection, used by boot-time readiness waits.
func (r *SQLReader) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Lookup implements the Reader interface.
func (r *SQLReader) Lookup(ctx context.Context, userID string) (*Instance, error) {
	instance := &Instance{}

	query := `SELECT user_id, sandbox_id, app_name, active FROM instances WHERE user_id = $1 AND active`

	if err := r.db.GetContext(ctx, instance, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			//nolint:nilnil
			return nil, nil
		}

		return nil, err
	}

	return instance, nil
}
