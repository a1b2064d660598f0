/*
Copyright 2022-2023 EscherCloud.

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

	"github.com/jmoiron/sqlx"
)

// BlockDeviceMappingCreate records a device attachment requested at launch.
func (d *DB) BlockDeviceMappingCreate(ctx context.Context, mapping *BlockDeviceMapping) error {
	query := `INSERT INTO block_device_mapping (instance_id, device_name, volume_id, snapshot_id, volume_size, delete_on_termination, no_device, virtual_name)
		VALUES (:instance_id, :device_name, :volume_id, :snapshot_id, :volume_size, :delete_on_termination, :no_device, :virtual_name)
		RETURNING id, created_at`

	rows, err := sqlx.NamedQueryContext(ctx, d.conn, query, mapping)
	if err != nil {
		return err
	}

	defer rows.Close()

	if !rows.Next() {
		return sql.ErrNoRows
	}

	return rows.Scan(&mapping.ID, &mapping.CreatedAt)
}

// BlockDeviceMappingGetAllByInstance returns the mappings for an instance in
// device order.
func (d *DB) BlockDeviceMappingGetAllByInstance(ctx context.Context, instanceID int64) ([]BlockDeviceMapping, error) {
	var mappings []BlockDeviceMapping

	query := "SELECT * FROM block_device_mapping WHERE instance_id = $1 AND NOT deleted ORDER BY device_name"

	if err := d.conn.SelectContext(ctx, &mappings, query, instanceID); err != nil {
		return nil, err
	}

	return mappings, nil
}

// BlockDeviceMappingDestroyAllByInstance removes an instance's mappings on
// termination.
func (d *DB) BlockDeviceMappingDestroyAllByInstance(ctx context.Context, instanceID int64) error {
	query := `UPDATE block_device_mapping SET deleted = TRUE, deleted_at = now(), updated_at = now()
		WHERE instance_id = $1 AND NOT deleted`

	_, err := d.conn.ExecContext(ctx, query, instanceID)

	return err
}
