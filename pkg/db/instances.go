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

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/errors"
)

// readDeleted yields the soft delete filter appropriate for the caller.
func readDeleted(ctx context.Context) string {
	if auth.FromContext(ctx).ReadDeleted {
		return "TRUE"
	}

	return "NOT deleted"
}

// notFound translates row absence into the typed taxonomy error.
func notFound(err error, typed *errors.Error) error {
	if goerrors.Is(err, sql.ErrNoRows) {
		return typed
	}

	return err
}

func instanceNotFound(id int64) *errors.Error {
	return errors.NotFound("InvalidInstanceID.NotFound", fmt.Sprintf("instance %s not found", EC2ID("i", id)))
}

// InstanceCreate persists a new instance record, assigning its ID and UUID.
func (d *DB) InstanceCreate(ctx context.Context, instance *Instance) error {
	if instance.UUID == "" {
		instance.UUID = uuid.New().String()
	}

	if instance.State == "" {
		instance.State = InstanceStatePending
	}

	query := `INSERT INTO instances (
		uuid, user_id, project_id, image_ref, kernel_ref, ramdisk_ref,
		instance_type_id, reservation_id, launch_index, state,
		state_description, host, hostname, mac_address, key_name, key_data,
		user_data, root_device_name, availability_zone, display_name,
		display_description)
	VALUES (
		:uuid, :user_id, :project_id, :image_ref, :kernel_ref, :ramdisk_ref,
		:instance_type_id, :reservation_id, :launch_index, :state,
		:state_description, :host, :hostname, :mac_address, :key_name, :key_data,
		:user_data, :root_device_name, :availability_zone, :display_name,
		:display_description)
	RETURNING id, created_at`

	rows, err := sqlx.NamedQueryContext(ctx, d.conn, query, instance)
	if err != nil {
		return err
	}

	defer rows.Close()

	if !rows.Next() {
		return sql.ErrNoRows
	}

	return rows.Scan(&instance.ID, &instance.CreatedAt)
}

// InstanceGet looks up an instance by internal ID.
func (d *DB) InstanceGet(ctx context.Context, id int64) (*Instance, error) {
	instance := &Instance{}

	query := fmt.Sprintf("SELECT * FROM instances WHERE id = $1 AND %s", readDeleted(ctx))

	if err := d.conn.GetContext(ctx, instance, query, id); err != nil {
		return nil, notFound(err, instanceNotFound(id))
	}

	return instance, nil
}

// InstanceGetByUUID looks up an instance by its UUID, as workers reference it.
func (d *DB) InstanceGetByUUID(ctx context.Context, instanceUUID string) (*Instance, error) {
	instance := &Instance{}

	query := fmt.Sprintf("SELECT * FROM instances WHERE uuid = $1 AND %s", readDeleted(ctx))

	if err := d.conn.GetContext(ctx, instance, query, instanceUUID); err != nil {
		return nil, notFound(err, errors.NotFound("InvalidInstanceID.NotFound", fmt.Sprintf("instance %s not found", instanceUUID)))
	}

	return instance, nil
}

// InstanceGetAll returns every live instance, for administrators.
func (d *DB) InstanceGetAll(ctx context.Context) ([]Instance, error) {
	var instances []Instance

	query := fmt.Sprintf("SELECT * FROM instances WHERE %s ORDER BY id", readDeleted(ctx))

	if err := d.conn.SelectContext(ctx, &instances, query); err != nil {
		return nil, err
	}

	return instances, nil
}

// InstanceGetAllByProject returns a project's live instances.
func (d *DB) InstanceGetAllByProject(ctx context.Context, projectID string) ([]Instance, error) {
	var instances []Instance

	query := fmt.Sprintf("SELECT * FROM instances WHERE project_id = $1 AND %s ORDER BY id", readDeleted(ctx))

	if err := d.conn.SelectContext(ctx, &instances, query, projectID); err != nil {
		return nil, err
	}

	return instances, nil
}

// InstanceGetAllByHost returns the instances placed on a compute host.
func (d *DB) InstanceGetAllByHost(ctx context.Context, host string) ([]Instance, error) {
	var instances []Instance

	query := fmt.Sprintf("SELECT * FROM instances WHERE host = $1 AND %s ORDER BY id", readDeleted(ctx))

	if err := d.conn.SelectContext(ctx, &instances, query, host); err != nil {
		return nil, err
	}

	return instances, nil
}

// InstanceGetAllByReservation returns the instances launched together.
func (d *DB) InstanceGetAllByReservation(ctx context.Context, reservationID string) ([]Instance, error) {
	var instances []Instance

	query := fmt.Sprintf("SELECT * FROM instances WHERE reservation_id = $1 AND %s ORDER BY launch_index", readDeleted(ctx))

	if err := d.conn.SelectContext(ctx, &instances, query, reservationID); err != nil {
		return nil, err
	}

	return instances, nil
}

// InstanceGetAllBySecurityGroup returns the live instances bound to a group,
// used to find hosts needing a firewall recompile and to block deletion of
// in-use groups.
func (d *DB) InstanceGetAllBySecurityGroup(ctx context.Context, groupID int64) ([]Instance, error) {
	var instances []Instance

	query := fmt.Sprintf(`SELECT instances.* FROM instances
		JOIN instance_security_groups ON instance_security_groups.instance_id = instances.id
		WHERE instance_security_groups.security_group_id = $1 AND %s
		ORDER BY instances.id`, readDeleted(ctx))

	if err := d.conn.SelectContext(ctx, &instances, query, groupID); err != nil {
		return nil, err
	}

	return instances, nil
}

// InstanceTransition serializes a read-modify-write against one instance via
// its advisory lock.  The callback sees the current record and mutates it;
// the mutable lifecycle columns are then written back atomically.
func (d *DB) InstanceTransition(ctx context.Context, id int64, callback func(*Instance) error) (*Instance, error) {
	var instance *Instance

	err := d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := lock(ctx, tx, lockClassInstance, id); err != nil {
			return err
		}

		i := &Instance{}

		query := fmt.Sprintf("SELECT * FROM instances WHERE id = $1 AND %s", readDeleted(ctx))

		if err := tx.GetContext(ctx, i, query, id); err != nil {
			return notFound(err, instanceNotFound(id))
		}

		if err := callback(i); err != nil {
			return err
		}

		update := `UPDATE instances SET
			state = :state, state_description = :state_description,
			host = :host, hostname = :hostname, launch_time = :launch_time,
			key_name = :key_name, key_data = :key_data, locked = :locked,
			updated_at = now()
		WHERE id = :id`

		if _, err := sqlx.NamedExecContext(ctx, tx, update, i); err != nil {
			return err
		}

		instance = i

		return nil
	})

	return instance, err
}

// InstanceSetState records a state change reported by a worker.
func (d *DB) InstanceSetState(ctx context.Context, id int64, state, description string) error {
	_, err := d.InstanceTransition(ctx, id, func(instance *Instance) error {
		instance.State = state
		instance.StateDescription = description

		return nil
	})

	return err
}

// InstanceDestroy soft deletes an instance and its group bindings.
func (d *DB) InstanceDestroy(ctx context.Context, id int64) error {
	return d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := lock(ctx, tx, lockClassInstance, id); err != nil {
			return err
		}

		query := `UPDATE instances SET
			deleted = TRUE, deleted_at = now(), updated_at = now(),
			state = $2, state_description = ''
		WHERE id = $1 AND NOT deleted`

		if _, err := tx.ExecContext(ctx, query, id, InstanceStateDeleted); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, "DELETE FROM instance_security_groups WHERE instance_id = $1", id)

		return err
	})
}

// InstanceAddSecurityGroup binds an instance to a security group.
func (d *DB) InstanceAddSecurityGroup(ctx context.Context, instanceID, groupID int64) error {
	query := `INSERT INTO instance_security_groups (instance_id, security_group_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`

	_, err := d.conn.ExecContext(ctx, query, instanceID, groupID)

	return err
}
