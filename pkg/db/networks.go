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
	goerrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/eschercloudai/stratus/pkg/errors"
)

func networkNotFound(id int64) *errors.Error {
	return errors.NotFound("InvalidNetwork.NotFound", fmt.Sprintf("network %d not found", id))
}

// NetworkCreate persists a new network.
func (d *DB) NetworkCreate(ctx context.Context, network *Network) error {
	query := `INSERT INTO networks (
		label, injected, cidr, cidr_v6, netmask, bridge, gateway, gateway_v6,
		broadcast, dns, vlan, vpn_public_address, vpn_public_port,
		vpn_private_address, dhcp_start, project_id, host)
	VALUES (
		:label, :injected, :cidr, :cidr_v6, :netmask, :bridge, :gateway, :gateway_v6,
		:broadcast, :dns, :vlan, :vpn_public_address, :vpn_public_port,
		:vpn_private_address, :dhcp_start, :project_id, :host)
	RETURNING id, created_at`

	rows, err := sqlx.NamedQueryContext(ctx, d.conn, query, network)
	if err != nil {
		return err
	}

	defer rows.Close()

	if !rows.Next() {
		return sql.ErrNoRows
	}

	return rows.Scan(&network.ID, &network.CreatedAt)
}

// NetworkGet looks up a network by ID.
func (d *DB) NetworkGet(ctx context.Context, id int64) (*Network, error) {
	network := &Network{}

	query := fmt.Sprintf("SELECT * FROM networks WHERE id = $1 AND %s", readDeleted(ctx))

	if err := d.conn.GetContext(ctx, network, query, id); err != nil {
		return nil, notFound(err, networkNotFound(id))
	}

	return network, nil
}

// NetworkGetAll returns every live network.
func (d *DB) NetworkGetAll(ctx context.Context) ([]Network, error) {
	var networks []Network

	query := fmt.Sprintf("SELECT * FROM networks WHERE %s ORDER BY id", readDeleted(ctx))

	if err := d.conn.SelectContext(ctx, &networks, query); err != nil {
		return nil, err
	}

	return networks, nil
}

// NetworkGetByProject returns the network associated with a project.
func (d *DB) NetworkGetByProject(ctx context.Context, projectID string) (*Network, error) {
	network := &Network{}

	query := "SELECT * FROM networks WHERE project_id = $1 AND NOT deleted"

	if err := d.conn.GetContext(ctx, network, query, projectID); err != nil {
		return nil, notFound(err, errors.NotFound("InvalidNetwork.NotFound", fmt.Sprintf("project %s has no network", projectID)))
	}

	return network, nil
}

// NetworkAssociate binds the first unclaimed network to the project, or
// returns the one it already holds.  First-fit under a row lock, so two
// racing allocations converge on one network.
func (d *DB) NetworkAssociate(ctx context.Context, projectID string) (*Network, error) {
	network := &Network{}

	err := d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		existing := "SELECT * FROM networks WHERE project_id = $1 AND NOT deleted"

		err := tx.GetContext(ctx, network, existing, projectID)
		if err == nil {
			return nil
		}

		if !isNoRows(err) {
			return err
		}

		claim := `UPDATE networks SET project_id = $1, updated_at = now()
			WHERE id = (
				SELECT id FROM networks
				WHERE project_id = '' AND NOT deleted
				ORDER BY id LIMIT 1
				FOR UPDATE SKIP LOCKED)
			RETURNING *`

		rows, err := tx.QueryxContext(ctx, claim, projectID)
		if err != nil {
			return err
		}

		defer rows.Close()

		if !rows.Next() {
			return errors.NoMoreAddresses(fmt.Sprintf("no free networks for project %s", projectID))
		}

		return rows.StructScan(network)
	})
	if err != nil {
		return nil, err
	}

	return network, nil
}

// NetworkDisassociateAllByProject returns a project's networks to the pool,
// part of project deletion.
func (d *DB) NetworkDisassociateAllByProject(ctx context.Context, projectID string) error {
	query := "UPDATE networks SET project_id = '', updated_at = now() WHERE project_id = $1"

	_, err := d.conn.ExecContext(ctx, query, projectID)

	return err
}

// NetworkSetHost records which network worker owns a network.  The first
// writer wins; everyone gets told who that was.
func (d *DB) NetworkSetHost(ctx context.Context, id int64, host string) (string, error) {
	var winner string

	err := d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		claim := "UPDATE networks SET host = $2, updated_at = now() WHERE id = $1 AND host = ''"

		if _, err := tx.ExecContext(ctx, claim, id, host); err != nil {
			return err
		}

		err := tx.GetContext(ctx, &winner, "SELECT host FROM networks WHERE id = $1", id)

		return notFound(err, networkNotFound(id))
	})
	if err != nil {
		return "", err
	}

	return winner, nil
}

func isNoRows(err error) bool {
	return goerrors.Is(err, sql.ErrNoRows)
}

// FixedIPBulkCreate fills a network's address table.  Reserved rows are
// never handed out, e.g. the gateway and the VPN slot.
func (d *DB) FixedIPBulkCreate(ctx context.Context, fixedIPs []FixedIP) error {
	if len(fixedIPs) == 0 {
		return nil
	}

	query := `INSERT INTO fixed_ips (address, network_id, reserved)
		VALUES (:address, :network_id, :reserved)`

	_, err := sqlx.NamedExecContext(ctx, d.conn, query, fixedIPs)

	return err
}

// FixedIPAssociatePool claims a free address for an instance.  networkID of
// zero means any network.  Leased, reserved and already claimed addresses
// are never candidates.
func (d *DB) FixedIPAssociatePool(ctx context.Context, networkID int64, instanceID int64) (*FixedIP, error) {
	fixedIP := &FixedIP{}

	err := d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := lock(ctx, tx, lockClassNetwork, networkID); err != nil {
			return err
		}

		claim := `UPDATE fixed_ips SET instance_id = $1, allocated = TRUE, updated_at = now()
			WHERE id = (
				SELECT id FROM fixed_ips
				WHERE instance_id IS NULL
					AND NOT allocated AND NOT leased AND NOT reserved AND NOT deleted
					AND ($2 = 0 OR network_id = $2)
				ORDER BY id LIMIT 1
				FOR UPDATE SKIP LOCKED)
			RETURNING *`

		rows, err := tx.QueryxContext(ctx, claim, instanceID, networkID)
		if err != nil {
			return err
		}

		defer rows.Close()

		if !rows.Next() {
			return errors.NoMoreAddresses("no free fixed ips")
		}

		return rows.StructScan(fixedIP)
	})
	if err != nil {
		return nil, err
	}

	return fixedIP, nil
}

// FixedIPAssociate claims one specific address for an instance.  Reserved
// rows are claimable here, this is how the VPN slot gets its instance.
func (d *DB) FixedIPAssociate(ctx context.Context, address string, instanceID int64) (*FixedIP, error) {
	fixedIP := &FixedIP{}

	err := d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		claim := `UPDATE fixed_ips SET instance_id = $2, allocated = TRUE, updated_at = now()
			WHERE address = $1 AND instance_id IS NULL
				AND NOT allocated AND NOT leased AND NOT deleted
			RETURNING *`

		rows, err := tx.QueryxContext(ctx, claim, address, instanceID)
		if err != nil {
			return err
		}

		defer rows.Close()

		if !rows.Next() {
			return errors.NoMoreAddresses(fmt.Sprintf("fixed ip %s is not free", address))
		}

		return rows.StructScan(fixedIP)
	})
	if err != nil {
		return nil, err
	}

	return fixedIP, nil
}

// FixedIPGet looks up one address row by ID.
func (d *DB) FixedIPGet(ctx context.Context, id int64) (*FixedIP, error) {
	fixedIP := &FixedIP{}

	query := "SELECT * FROM fixed_ips WHERE id = $1 AND NOT deleted"

	if err := d.conn.GetContext(ctx, fixedIP, query, id); err != nil {
		return nil, notFound(err, errors.NotFound("InvalidAddress.NotFound", fmt.Sprintf("fixed ip %d not found", id)))
	}

	return fixedIP, nil
}

// FixedIPGetByAddress looks up one address.
func (d *DB) FixedIPGetByAddress(ctx context.Context, address string) (*FixedIP, error) {
	fixedIP := &FixedIP{}

	query := "SELECT * FROM fixed_ips WHERE address = $1 AND NOT deleted"

	if err := d.conn.GetContext(ctx, fixedIP, query, address); err != nil {
		return nil, notFound(err, errors.NotFound("InvalidAddress.NotFound", fmt.Sprintf("fixed ip %s not found", address)))
	}

	return fixedIP, nil
}

// FixedIPGetByInstance returns an instance's private address.
func (d *DB) FixedIPGetByInstance(ctx context.Context, instanceID int64) (*FixedIP, error) {
	fixedIP := &FixedIP{}

	query := "SELECT * FROM fixed_ips WHERE instance_id = $1 AND NOT deleted ORDER BY id LIMIT 1"

	if err := d.conn.GetContext(ctx, fixedIP, query, instanceID); err != nil {
		return nil, notFound(err, errors.NotFound("InvalidAddress.NotFound", fmt.Sprintf("instance %s has no fixed ip", EC2ID("i", instanceID))))
	}

	return fixedIP, nil
}

// FixedIPGetAllByNetworkHost returns the allocated addresses for the networks
// a worker host owns, for DHCP configuration.
func (d *DB) FixedIPGetAllByNetworkHost(ctx context.Context, host string) ([]FixedIP, error) {
	var fixedIPs []FixedIP

	query := `SELECT fixed_ips.* FROM fixed_ips
		JOIN networks ON networks.id = fixed_ips.network_id
		WHERE networks.host = $1 AND fixed_ips.allocated AND NOT fixed_ips.deleted
		ORDER BY fixed_ips.id`

	if err := d.conn.SelectContext(ctx, &fixedIPs, query, host); err != nil {
		return nil, err
	}

	return fixedIPs, nil
}

// FixedIPGetAll returns every address in allocation order, for operator
// listings.
func (d *DB) FixedIPGetAll(ctx context.Context) ([]FixedIP, error) {
	var fixedIPs []FixedIP

	query := "SELECT * FROM fixed_ips WHERE NOT deleted ORDER BY network_id, id"

	if err := d.conn.SelectContext(ctx, &fixedIPs, query); err != nil {
		return nil, err
	}

	return fixedIPs, nil
}

// FixedIPDeallocate begins releasing an address: the control plane is done
// with it, but the instance link survives until the DHCP lease goes away.
func (d *DB) FixedIPDeallocate(ctx context.Context, address string) error {
	query := "UPDATE fixed_ips SET allocated = FALSE, updated_at = now() WHERE address = $1 AND NOT deleted"

	_, err := d.conn.ExecContext(ctx, query, address)

	return err
}

// FixedIPSetLeased records a DHCP lease event.
func (d *DB) FixedIPSetLeased(ctx context.Context, address string, leased bool) error {
	query := "UPDATE fixed_ips SET leased = $2, updated_at = now() WHERE address = $1 AND NOT deleted"

	result, err := d.conn.ExecContext(ctx, query, address, leased)
	if err != nil {
		return err
	}

	changed, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if changed == 0 {
		return errors.NotFound("InvalidAddress.NotFound", fmt.Sprintf("fixed ip %s not found", address))
	}

	return nil
}

// FixedIPDisassociate completes a release, unlinking the instance.
func (d *DB) FixedIPDisassociate(ctx context.Context, address string) error {
	query := `UPDATE fixed_ips SET instance_id = NULL, leased = FALSE, updated_at = now()
		WHERE address = $1 AND NOT deleted`

	_, err := d.conn.ExecContext(ctx, query, address)

	return err
}

// FixedIPDisassociateAllExpired force frees addresses whose DHCP release
// never arrived within the grace period.  Returns how many were reaped so
// the caller can warn.
func (d *DB) FixedIPDisassociateAllExpired(ctx context.Context, host string, grace time.Duration) (int64, error) {
	query := `UPDATE fixed_ips SET instance_id = NULL, leased = FALSE, updated_at = now()
		WHERE instance_id IS NOT NULL AND NOT allocated AND NOT deleted
			AND updated_at < now() - $2::interval
			AND network_id IN (SELECT id FROM networks WHERE host = $1)`

	result, err := d.conn.ExecContext(ctx, query, host, grace.String())
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
