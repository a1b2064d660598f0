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
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/eschercloudai/stratus/pkg/errors"
)

func volumeNotFound(id int64) *errors.Error {
	return errors.NotFound("InvalidVolume.NotFound", fmt.Sprintf("volume %s not found", EC2ID("vol", id)))
}

// VolumeCreate persists a new volume record.
func (d *DB) VolumeCreate(ctx context.Context, volume *Volume) error {
	if volume.Status == "" {
		volume.Status = VolumeStatusCreating
	}

	if volume.AttachStatus == "" {
		volume.AttachStatus = VolumeDetached
	}

	query := `INSERT INTO volumes (
		user_id, project_id, host, size, availability_zone, status,
		attach_status, instance_uuid, mountpoint, snapshot_id,
		display_name, display_description)
	VALUES (
		:user_id, :project_id, :host, :size, :availability_zone, :status,
		:attach_status, :instance_uuid, :mountpoint, :snapshot_id,
		:display_name, :display_description)
	RETURNING id, created_at`

	rows, err := sqlx.NamedQueryContext(ctx, d.conn, query, volume)
	if err != nil {
		return err
	}

	defer rows.Close()

	if !rows.Next() {
		return sql.ErrNoRows
	}

	return rows.Scan(&volume.ID, &volume.CreatedAt)
}

// VolumeGet looks up a volume by internal ID.
func (d *DB) VolumeGet(ctx context.Context, id int64) (*Volume, error) {
	volume := &Volume{}

	query := fmt.Sprintf("SELECT * FROM volumes WHERE id = $1 AND %s", readDeleted(ctx))

	if err := d.conn.GetContext(ctx, volume, query, id); err != nil {
		return nil, notFound(err, volumeNotFound(id))
	}

	return volume, nil
}

// VolumeGetAll returns every live volume, for administrators.
func (d *DB) VolumeGetAll(ctx context.Context) ([]Volume, error) {
	var volumes []Volume

	query := fmt.Sprintf("SELECT * FROM volumes WHERE %s ORDER BY id", readDeleted(ctx))

	if err := d.conn.SelectContext(ctx, &volumes, query); err != nil {
		return nil, err
	}

	return volumes, nil
}

// VolumeGetAllByProject returns a project's live volumes.
func (d *DB) VolumeGetAllByProject(ctx context.Context, projectID string) ([]Volume, error) {
	var volumes []Volume

	query := fmt.Sprintf("SELECT * FROM volumes WHERE project_id = $1 AND %s ORDER BY id", readDeleted(ctx))

	if err := d.conn.SelectContext(ctx, &volumes, query, projectID); err != nil {
		return nil, err
	}

	return volumes, nil
}

// VolumeGetAllByInstance returns the volumes attached to an instance.
func (d *DB) VolumeGetAllByInstance(ctx context.Context, instanceUUID string) ([]Volume, error) {
	var volumes []Volume

	query := fmt.Sprintf("SELECT * FROM volumes WHERE instance_uuid = $1 AND %s ORDER BY id", readDeleted(ctx))

	if err := d.conn.SelectContext(ctx, &volumes, query, instanceUUID); err != nil {
		return nil, err
	}

	return volumes, nil
}

// VolumeTransition serializes a read-modify-write against one volume via its
// advisory lock, keeping the status tuple invariant intact under concurrent
// attach/detach/delete traffic.
func (d *DB) VolumeTransition(ctx context.Context, id int64, callback func(*Volume) error) (*Volume, error) {
	var volume *Volume

	err := d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := lock(ctx, tx, lockClassVolume, id); err != nil {
			return err
		}

		v := &Volume{}

		query := fmt.Sprintf("SELECT * FROM volumes WHERE id = $1 AND %s", readDeleted(ctx))

		if err := tx.GetContext(ctx, v, query, id); err != nil {
			return notFound(err, volumeNotFound(id))
		}

		if err := callback(v); err != nil {
			return err
		}

		update := `UPDATE volumes SET
			status = :status, attach_status = :attach_status,
			instance_uuid = :instance_uuid, mountpoint = :mountpoint,
			host = :host, attach_time = :attach_time,
			scheduled_at = :scheduled_at, launched_at = :launched_at,
			terminated_at = :terminated_at,
			provider_location = :provider_location, updated_at = now()
		WHERE id = :id`

		if _, err := sqlx.NamedExecContext(ctx, tx, update, v); err != nil {
			return err
		}

		volume = v

		return nil
	})

	return volume, err
}

// VolumeAttached is the worker acknowledgement that an attach completed.
// It is the only transition that sets attach_status to attached.
func (d *DB) VolumeAttached(ctx context.Context, id int64, instanceUUID, mountpoint string) error {
	_, err := d.VolumeTransition(ctx, id, func(volume *Volume) error {
		now := time.Now().UTC()

		volume.Status = VolumeStatusInUse
		volume.AttachStatus = VolumeAttached
		volume.InstanceUUID = instanceUUID
		volume.Mountpoint = mountpoint
		volume.AttachTime = &now

		return nil
	})

	return err
}

// VolumeDetached is the worker acknowledgement that a detach completed.
// It is the only transition that clears attach_status.
func (d *DB) VolumeDetached(ctx context.Context, id int64) error {
	_, err := d.VolumeTransition(ctx, id, func(volume *Volume) error {
		volume.Status = VolumeStatusAvailable
		volume.AttachStatus = VolumeDetached
		volume.InstanceUUID = ""
		volume.Mountpoint = ""
		volume.AttachTime = nil

		return nil
	})

	return err
}

// VolumeDestroy soft deletes a volume and releases its target slot.
func (d *DB) VolumeDestroy(ctx context.Context, id int64) error {
	return d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := lock(ctx, tx, lockClassVolume, id); err != nil {
			return err
		}

		query := `UPDATE volumes SET
			deleted = TRUE, deleted_at = now(), updated_at = now(),
			terminated_at = now()
		WHERE id = $1 AND NOT deleted`

		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, "UPDATE iscsi_targets SET volume_id = NULL, updated_at = now() WHERE volume_id = $1", id)

		return err
	})
}

// IscsiTargetProvision tops a host's slot table up to the advertised count.
// Workers call this at startup; existing slots are left alone.
func (d *DB) IscsiTargetProvision(ctx context.Context, host string, count int) error {
	return d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := lockString(ctx, tx, lockClassHost, host); err != nil {
			return err
		}

		query := `INSERT INTO iscsi_targets (target_num, host)
			SELECT n, $1 FROM generate_series(1, $2) AS n
			WHERE NOT EXISTS (
				SELECT 1 FROM iscsi_targets WHERE host = $1 AND target_num = n)`

		_, err := tx.ExecContext(ctx, query, host, count)

		return err
	})
}

// VolumeAllocateTarget claims a free target slot on the host for the volume.
// Allocation is serialized per host so two concurrent creates can never get
// the same slot.
func (d *DB) VolumeAllocateTarget(ctx context.Context, volumeID int64, host string) (int, error) {
	var targetNum int

	err := d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := lockString(ctx, tx, lockClassHost, host); err != nil {
			return err
		}

		query := `UPDATE iscsi_targets SET volume_id = $1, updated_at = now()
			WHERE id = (
				SELECT id FROM iscsi_targets
				WHERE host = $2 AND volume_id IS NULL AND NOT deleted
				ORDER BY target_num LIMIT 1)
			RETURNING target_num`

		err := tx.GetContext(ctx, &targetNum, query, volumeID, host)

		return notFound(err, errors.NoMoreTargets(fmt.Sprintf("no free iscsi targets on host %s", host)))
	})
	if err != nil {
		return 0, err
	}

	return targetNum, nil
}

// VolumeTargetNum reports the slot assigned to a volume on its host.
func (d *DB) VolumeTargetNum(ctx context.Context, volumeID int64) (int, error) {
	var targetNum int

	query := "SELECT target_num FROM iscsi_targets WHERE volume_id = $1"

	err := d.conn.GetContext(ctx, &targetNum, query, volumeID)

	return targetNum, notFound(err, errors.NotFound("InvalidVolume.NotFound", fmt.Sprintf("volume %s has no target", EC2ID("vol", volumeID))))
}
