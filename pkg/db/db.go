/*
Copyright 2022-2024 EscherCloud.

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

// Package db is the persistent state API.  All durable control plane state
// lives behind it, in Postgres.  Nothing above this package issues SQL.
package db

import (
	"context"
	"embed"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	// Register the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/eschercloudai/stratus/pkg/util/retry"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Lock classes partition the advisory lock namespace so entity IDs from
// different tables cannot collide.
const (
	lockClassInstance = iota + 1
	lockClassVolume
	lockClassNetwork
	lockClassHost
	lockClassProject
)

// Options are attachable to a flag set.
type Options struct {
	// Connection is the Postgres DSN.
	Connection string

	// MaxConns bounds the connection pool.
	MaxConns int

	// ConnectTimeout bounds how long Wait will poll for the database
	// to come up before the daemon gives up.
	ConnectTimeout time.Duration
}

// AddFlags adds the options to the given flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.Connection, "sql-connection", "postgres://stratus@localhost/stratus", "Postgres connection DSN.")
	f.IntVar(&o.MaxConns, "sql-max-conns", 16, "Connection pool size.")
	f.DurationVar(&o.ConnectTimeout, "sql-connect-timeout", time.Minute, "How long to wait for the database on startup.")
}

// DB wraps the connection pool with the record operations defined across
// this package.
type DB struct {
	conn    *sqlx.DB
	options *Options
}

// New wraps an existing connection, primarily for tests.
func New(conn *sqlx.DB) *DB {
	return &DB{
		conn:    conn,
		options: &Options{ConnectTimeout: time.Minute},
	}
}

// Open creates the connection pool.  The database isn't contacted until
// Wait or a query.
func Open(options *Options) (*DB, error) {
	conn, err := sqlx.Open("pgx", options.Connection)
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(options.MaxConns)

	d := &DB{
		conn:    conn,
		options: options,
	}

	return d, nil
}

// Close releases the pool.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Wait blocks until the database answers a ping, bounded by the connect
// timeout.  Daemons call this before consuming work so a racing Postgres
// restart doesn't take them down.
func (d *DB) Wait(ctx context.Context) error {
	callback := func() error {
		return d.conn.PingContext(ctx)
	}

	return retry.WithContext(ctx).WithTimeout(d.options.ConnectTimeout).Immediate().Do(callback)
}

// MigrateUp applies any outstanding schema migrations.
func (d *DB) MigrateUp(ctx context.Context) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	return goose.UpContext(ctx, d.conn.DB, "migrations")
}

// InTransaction runs the callback inside a transaction, committing when it
// returns nil and rolling back otherwise.
func (d *DB) InTransaction(ctx context.Context, callback func(tx *sqlx.Tx) error) error {
	ctx, span := otel.GetTracerProvider().Tracer("pkg/db").Start(ctx, "sql transaction", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	tx, err := d.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	if err := callback(tx); err != nil {
		//nolint:errcheck
		tx.Rollback()

		return err
	}

	return tx.Commit()
}

// lock takes a transaction scoped advisory lock, serializing read-modify-write
// sections for one entity.  Released automatically at commit or rollback.
func lock(ctx context.Context, tx *sqlx.Tx, class int32, id int64) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1, $2)", class, id)

	return err
}

// lockString hashes a string key, e.g. a hostname, into the advisory lock
// space.
func lockString(ctx context.Context, tx *sqlx.Tx, class int32, key string) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1, hashtext($2))", class, key)

	return err
}
