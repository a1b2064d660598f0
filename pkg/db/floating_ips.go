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
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/eschercloudai/stratus/pkg/errors"
)

func floatingNotFound(address string) *errors.Error {
	return errors.NotFound("InvalidAddress.NotFound", fmt.Sprintf("address %s not found", address))
}

// FloatingIPBulkCreate fills the public address pool.
func (d *DB) FloatingIPBulkCreate(ctx context.Context, addresses []string, host string) error {
	floatingIPs := make([]FloatingIP, len(addresses))

	for i, address := range addresses {
		floatingIPs[i] = FloatingIP{Address: address, Host: host}
	}

	if len(floatingIPs) == 0 {
		return nil
	}

	query := "INSERT INTO floating_ips (address, host) VALUES (:address, :host)"

	_, err := sqlx.NamedExecContext(ctx, d.conn, query, floatingIPs)

	return err
}

// FloatingIPAllocate claims the first free pool address for a project.
func (d *DB) FloatingIPAllocate(ctx context.Context, projectID string) (string, error) {
	var address string

	err := d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		claim := `UPDATE floating_ips SET project_id = $1, updated_at = now()
			WHERE id = (
				SELECT id FROM floating_ips
				WHERE project_id = '' AND fixed_ip_id IS NULL AND NOT deleted
				ORDER BY id LIMIT 1
				FOR UPDATE SKIP LOCKED)
			RETURNING address`

		err := tx.GetContext(ctx, &address, claim, projectID)

		return notFound(err, errors.NoMoreFloatingIPs("no more floating ips available"))
	})
	if err != nil {
		return "", err
	}

	return address, nil
}

// FloatingIPGetByAddress looks up one public address.
func (d *DB) FloatingIPGetByAddress(ctx context.Context, address string) (*FloatingIP, error) {
	floatingIP := &FloatingIP{}

	query := "SELECT * FROM floating_ips WHERE address = $1 AND NOT deleted"

	if err := d.conn.GetContext(ctx, floatingIP, query, address); err != nil {
		return nil, notFound(err, floatingNotFound(address))
	}

	return floatingIP, nil
}

// FloatingIPGetByFixedIP returns the public addresses NATed to a fixed IP.
func (d *DB) FloatingIPGetByFixedIP(ctx context.Context, fixedIPID int64) ([]FloatingIP, error) {
	var floatingIPs []FloatingIP

	query := "SELECT * FROM floating_ips WHERE fixed_ip_id = $1 AND NOT deleted ORDER BY id"

	if err := d.conn.SelectContext(ctx, &floatingIPs, query, fixedIPID); err != nil {
		return nil, err
	}

	return floatingIPs, nil
}

// FloatingIPGetAll returns every live public address, for administrators.
func (d *DB) FloatingIPGetAll(ctx context.Context) ([]FloatingIP, error) {
	var floatingIPs []FloatingIP

	query := "SELECT * FROM floating_ips WHERE NOT deleted ORDER BY id"

	if err := d.conn.SelectContext(ctx, &floatingIPs, query); err != nil {
		return nil, err
	}

	return floatingIPs, nil
}

// FloatingIPGetAllByProject returns a project's claimed addresses.
func (d *DB) FloatingIPGetAllByProject(ctx context.Context, projectID string) ([]FloatingIP, error) {
	var floatingIPs []FloatingIP

	query := "SELECT * FROM floating_ips WHERE project_id = $1 AND NOT deleted ORDER BY id"

	if err := d.conn.SelectContext(ctx, &floatingIPs, query, projectID); err != nil {
		return nil, err
	}

	return floatingIPs, nil
}

// FloatingIPGetAllByHost returns the addresses a network worker serves, for
// NAT reconstruction after a restart.
func (d *DB) FloatingIPGetAllByHost(ctx context.Context, host string) ([]FloatingIP, error) {
	var floatingIPs []FloatingIP

	query := "SELECT * FROM floating_ips WHERE host = $1 AND NOT deleted ORDER BY id"

	if err := d.conn.SelectContext(ctx, &floatingIPs, query, host); err != nil {
		return nil, err
	}

	return floatingIPs, nil
}

// FloatingIPAssociate NATs a public address onto a fixed IP.
func (d *DB) FloatingIPAssociate(ctx context.Context, address string, fixedIPID int64, host string) error {
	query := `UPDATE floating_ips SET fixed_ip_id = $2, host = $3, updated_at = now()
		WHERE address = $1 AND NOT deleted`

	result, err := d.conn.ExecContext(ctx, query, address, fixedIPID, host)
	if err != nil {
		return err
	}

	changed, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if changed == 0 {
		return floatingNotFound(address)
	}

	return nil
}

// FloatingIPDisassociate removes the NAT binding, reporting the fixed IP it
// pointed at so the network host can tear the rule down.
func (d *DB) FloatingIPDisassociate(ctx context.Context, address string) (*int64, error) {
	var fixedIPID *int64

	err := d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		get := "SELECT fixed_ip_id FROM floating_ips WHERE address = $1 AND NOT deleted FOR UPDATE"

		if err := tx.GetContext(ctx, &fixedIPID, get, address); err != nil {
			return notFound(err, floatingNotFound(address))
		}

		update := "UPDATE floating_ips SET fixed_ip_id = NULL, updated_at = now() WHERE address = $1"

		_, err := tx.ExecContext(ctx, update, address)

		return err
	})
	if err != nil {
		return nil, err
	}

	return fixedIPID, nil
}

// FloatingIPDeallocate returns an address to the pool.
func (d *DB) FloatingIPDeallocate(ctx context.Context, address string) error {
	query := `UPDATE floating_ips SET project_id = '', auto_assigned = FALSE, updated_at = now()
		WHERE address = $1 AND NOT deleted`

	_, err := d.conn.ExecContext(ctx, query, address)

	return err
}
