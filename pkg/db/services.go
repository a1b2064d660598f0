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

package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/eschercloudai/stratus/pkg/errors"
)

func serviceNotFound(host, binary string) *errors.Error {
	return errors.NotFound("ServiceNotFound", fmt.Sprintf("service %s on %s not found", binary, host))
}

func zoneNotFound(id int64) *errors.Error {
	return errors.NotFound("ZoneNotFound", fmt.Sprintf("zone %d not found", id))
}

// ServiceCreate registers a service worker.
func (d *DB) ServiceCreate(ctx context.Context, service *Service) error {
	query := `INSERT INTO services (host, binary, topic, report_count, disabled, availability_zone)
		VALUES (:host, :binary, :topic, :report_count, :disabled, :availability_zone)
		RETURNING id, created_at`

	rows, err := sqlx.NamedQueryContext(ctx, d.conn, query, service)
	if err != nil {
		return err
	}

	defer rows.Close()

	if !rows.Next() {
		return sql.ErrNoRows
	}

	return rows.Scan(&service.ID, &service.CreatedAt)
}

// ServiceGet looks a service up by ID.
func (d *DB) ServiceGet(ctx context.Context, id int64) (*Service, error) {
	service := &Service{}

	query := fmt.Sprintf("SELECT * FROM services WHERE id = $1 AND %s", readDeleted(ctx))

	if err := d.conn.GetContext(ctx, service, query, id); err != nil {
		return nil, notFound(err, errors.NotFound("ServiceNotFound", fmt.Sprintf("service %d not found", id)))
	}

	return service, nil
}

// ServiceGetByArgs looks a service up by its host and binary, the identity a
// worker presents when it starts.
func (d *DB) ServiceGetByArgs(ctx context.Context, host, binary string) (*Service, error) {
	service := &Service{}

	query := "SELECT * FROM services WHERE host = $1 AND binary = $2 AND NOT deleted"

	if err := d.conn.GetContext(ctx, service, query, host, binary); err != nil {
		return nil, notFound(err, serviceNotFound(host, binary))
	}

	return service, nil
}

// ServiceReportState bumps the liveness counter.  updated_at moving is what
// marks the service alive.
func (d *DB) ServiceReportState(ctx context.Context, id int64) error {
	query := "UPDATE services SET report_count = report_count + 1, updated_at = now() WHERE id = $1 AND NOT deleted"

	result, err := d.conn.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if count == 0 {
		return errors.NotFound("ServiceNotFound", fmt.Sprintf("service %d not found", id))
	}

	return nil
}

// ServiceGetAll returns every registered service.
func (d *DB) ServiceGetAll(ctx context.Context) ([]Service, error) {
	var services []Service

	query := "SELECT * FROM services WHERE NOT deleted ORDER BY host, binary"

	if err := d.conn.SelectContext(ctx, &services, query); err != nil {
		return nil, err
	}

	return services, nil
}

// ServiceGetAllByTopic returns enabled services consuming a topic, the
// candidate set for scheduling.
func (d *DB) ServiceGetAllByTopic(ctx context.Context, topic string) ([]Service, error) {
	var services []Service

	query := "SELECT * FROM services WHERE topic = $1 AND NOT disabled AND NOT deleted ORDER BY host"

	if err := d.conn.SelectContext(ctx, &services, query, topic); err != nil {
		return nil, err
	}

	return services, nil
}

// ServiceGetAllByHost returns the services registered on one host.
func (d *DB) ServiceGetAllByHost(ctx context.Context, host string) ([]Service, error) {
	var services []Service

	query := "SELECT * FROM services WHERE host = $1 AND NOT deleted ORDER BY binary"

	if err := d.conn.SelectContext(ctx, &services, query, host); err != nil {
		return nil, err
	}

	return services, nil
}

// ServiceSetDisabled flips a service in or out of the scheduling pool.
func (d *DB) ServiceSetDisabled(ctx context.Context, id int64, disabled bool) error {
	query := "UPDATE services SET disabled = $2, updated_at = now() WHERE id = $1 AND NOT deleted"

	result, err := d.conn.ExecContext(ctx, query, id, disabled)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if count == 0 {
		return errors.NotFound("ServiceNotFound", fmt.Sprintf("service %d not found", id))
	}

	return nil
}

// ZoneCreate registers a child zone to poll.
func (d *DB) ZoneCreate(ctx context.Context, zone *Zone) error {
	query := `INSERT INTO zones (api_url, username, password)
		VALUES (:api_url, :username, :password)
		RETURNING id, created_at`

	rows, err := sqlx.NamedQueryContext(ctx, d.conn, query, zone)
	if err != nil {
		return err
	}

	defer rows.Close()

	if !rows.Next() {
		return sql.ErrNoRows
	}

	return rows.Scan(&zone.ID, &zone.CreatedAt)
}

// ZoneGet looks a child zone up by ID.
func (d *DB) ZoneGet(ctx context.Context, id int64) (*Zone, error) {
	zone := &Zone{}

	query := "SELECT * FROM zones WHERE id = $1 AND NOT deleted"

	if err := d.conn.GetContext(ctx, zone, query, id); err != nil {
		return nil, notFound(err, zoneNotFound(id))
	}

	return zone, nil
}

// ZoneGetAll returns all registered child zones.
func (d *DB) ZoneGetAll(ctx context.Context) ([]Zone, error) {
	var zones []Zone

	query := "SELECT * FROM zones WHERE NOT deleted ORDER BY id"

	if err := d.conn.SelectContext(ctx, &zones, query); err != nil {
		return nil, err
	}

	return zones, nil
}

// ZoneUpdate rewrites a child zone's connection details.
func (d *DB) ZoneUpdate(ctx context.Context, zone *Zone) error {
	query := `UPDATE zones SET api_url = :api_url, username = :username, password = :password, updated_at = now()
		WHERE id = :id AND NOT deleted`

	result, err := sqlx.NamedExecContext(ctx, d.conn, query, zone)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if count == 0 {
		return zoneNotFound(zone.ID)
	}

	return nil
}

// ZoneDelete soft deletes a child zone.
func (d *DB) ZoneDelete(ctx context.Context, id int64) error {
	query := `UPDATE zones SET deleted = TRUE, deleted_at = now(), updated_at = now()
		WHERE id = $1 AND NOT deleted`

	result, err := d.conn.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if count == 0 {
		return zoneNotFound(id)
	}

	return nil
}
