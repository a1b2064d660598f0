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

func snapshotNotFound(id int64) *errors.Error {
	return errors.NotFound("InvalidSnapshot.NotFound", fmt.Sprintf("snapshot %s not found", EC2ID("snap", id)))
}

// SnapshotCreate persists a new snapshot record.
func (d *DB) SnapshotCreate(ctx context.Context, snapshot *Snapshot) error {
	if snapshot.Status == "" {
		snapshot.Status = SnapshotStatusCreating
	}

	query := `INSERT INTO snapshots (
		volume_id, user_id, project_id, status, progress, volume_size,
		display_name, display_description)
	VALUES (
		:volume_id, :user_id, :project_id, :status, :progress, :volume_size,
		:display_name, :display_description)
	RETURNING id, created_at`

	rows, err := sqlx.NamedQueryContext(ctx, d.conn, query, snapshot)
	if err != nil {
		return err
	}

	defer rows.Close()

	if !rows.Next() {
		return sql.ErrNoRows
	}

	return rows.Scan(&snapshot.ID, &snapshot.CreatedAt)
}

// SnapshotGet looks up a snapshot by internal ID.
func (d *DB) SnapshotGet(ctx context.Context, id int64) (*Snapshot, error) {
	snapshot := &Snapshot{}

	query := fmt.Sprintf("SELECT * FROM snapshots WHERE id = $1 AND %s", readDeleted(ctx))

	if err := d.conn.GetContext(ctx, snapshot, query, id); err != nil {
		return nil, notFound(err, snapshotNotFound(id))
	}

	return snapshot, nil
}

// SnapshotGetAll returns every live snapshot, for administrators.
func (d *DB) SnapshotGetAll(ctx context.Context) ([]Snapshot, error) {
	var snapshots []Snapshot

	query := fmt.Sprintf("SELECT * FROM snapshots WHERE %s ORDER BY id", readDeleted(ctx))

	if err := d.conn.SelectContext(ctx, &snapshots, query); err != nil {
		return nil, err
	}

	return snapshots, nil
}

// SnapshotGetAllByProject returns a project's live snapshots.
func (d *DB) SnapshotGetAllByProject(ctx context.Context, projectID string) ([]Snapshot, error) {
	var snapshots []Snapshot

	query := fmt.Sprintf("SELECT * FROM snapshots WHERE project_id = $1 AND %s ORDER BY id", readDeleted(ctx))

	if err := d.conn.SelectContext(ctx, &snapshots, query, projectID); err != nil {
		return nil, err
	}

	return snapshots, nil
}

// SnapshotCountByVolume counts live snapshots of a volume; a volume with any
// is not deletable.
func (d *DB) SnapshotCountByVolume(ctx context.Context, volumeID int64) (int, error) {
	var count int

	query := "SELECT count(*) FROM snapshots WHERE volume_id = $1 AND NOT deleted"

	if err := d.conn.GetContext(ctx, &count, query, volumeID); err != nil {
		return 0, err
	}

	return count, nil
}

// SnapshotSetStatus records a worker reported state change.
func (d *DB) SnapshotSetStatus(ctx context.Context, id int64, status, progress string) error {
	query := `UPDATE snapshots SET status = $2, progress = $3, updated_at = now()
		WHERE id = $1 AND NOT deleted`

	result, err := d.conn.ExecContext(ctx, query, id, status, progress)
	if err != nil {
		return err
	}

	changed, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if changed == 0 {
		return snapshotNotFound(id)
	}

	return nil
}

// SnapshotDestroy soft deletes a snapshot.
func (d *DB) SnapshotDestroy(ctx context.Context, id int64) error {
	query := `UPDATE snapshots SET deleted = TRUE, deleted_at = now(), updated_at = now()
		WHERE id = $1 AND NOT deleted`

	_, err := d.conn.ExecContext(ctx, query, id)

	return err
}
