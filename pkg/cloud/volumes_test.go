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

package cloud_test

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
)

func volumeColumns() []string {
	return []string{"id", "created_at", "user_id", "project_id", "host", "size",
		"availability_zone", "status", "attach_status", "instance_uuid", "mountpoint", "display_name"}
}

func snapshotColumns() []string {
	return []string{"id", "created_at", "volume_id", "user_id", "project_id",
		"status", "progress", "volume_size", "display_description"}
}

// TestDeleteVolumeGone checks deleting a volume already gone succeeds.
func TestDeleteVolumeGone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.mock.ExpectQuery(`SELECT \* FROM volumes WHERE id = \$1 AND NOT deleted`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(volumeColumns()))

	require.NoError(t, h.controller.DeleteVolume(userContext(), 5))

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestDeleteSnapshotGone checks deleting a snapshot already gone succeeds.
func TestDeleteSnapshotGone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.mock.ExpectQuery(`SELECT \* FROM snapshots WHERE id = \$1 AND NOT deleted`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(snapshotColumns()))

	require.NoError(t, h.controller.DeleteSnapshot(userContext(), 9))

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestDescribeVolumes checks attached volumes resolve their instance while
// loose ones list bare.
func TestDescribeVolumes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	h.mock.ExpectQuery(`SELECT \* FROM volumes WHERE project_id = \$1 AND NOT deleted ORDER BY id`).
		WithArgs("proj").
		WillReturnRows(sqlmock.NewRows(volumeColumns()).
			AddRow(5, created, "alice", "proj", "vol1", 10,
				"zone1", db.VolumeStatusInUse, db.VolumeAttached, "uuid-1", "/dev/vdb", "data").
			AddRow(6, created, "alice", "proj", "", 20,
				"zone1", db.VolumeStatusAvailable, db.VolumeDetached, "", "", ""))

	h.mock.ExpectQuery(`SELECT \* FROM instances WHERE uuid = \$1 AND NOT deleted`).
		WithArgs("uuid-1").
		WillReturnRows(instanceRows(db.InstanceStateRunning, "node1"))

	volumes, err := h.controller.DescribeVolumes(userContext(), nil)
	require.NoError(t, err)

	require.Len(t, volumes, 2)
	assert.Equal(t, "vol-00000005", volumes[0].ID)
	assert.Equal(t, 10, volumes[0].Size)
	assert.Equal(t, db.VolumeStatusInUse, volumes[0].Status)
	assert.Equal(t, "2024-03-01T12:00:00Z", volumes[0].CreateTime)
	require.Len(t, volumes[0].Attachments, 1)
	assert.Equal(t, "i-00000001", volumes[0].Attachments[0].InstanceID)
	assert.Equal(t, "/dev/vdb", volumes[0].Attachments[0].Device)

	assert.Equal(t, "vol-00000006", volumes[1].ID)
	assert.Empty(t, volumes[1].Attachments)

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestDescribeVolumesWrongProject checks volumes cannot be described across
// project boundaries.
func TestDescribeVolumesWrongProject(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.mock.ExpectQuery(`SELECT \* FROM volumes WHERE id = \$1 AND NOT deleted`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(volumeColumns()).
			AddRow(5, time.Now(), "bob", "other", "", 10,
				"zone1", db.VolumeStatusAvailable, db.VolumeDetached, "", "", ""))

	_, err := h.controller.DescribeVolumes(userContext(), []int64{5})
	require.ErrorIs(t, err, errors.ErrNotAuthorized)

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestDescribeSnapshots checks the project scoped listing.
func TestDescribeSnapshots(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	created := time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC)

	h.mock.ExpectQuery(`SELECT \* FROM snapshots WHERE project_id = \$1 AND NOT deleted ORDER BY id`).
		WithArgs("proj").
		WillReturnRows(sqlmock.NewRows(snapshotColumns()).
			AddRow(9, created, 5, "alice", "proj",
				db.SnapshotStatusAvailable, "100%", 10, "nightly"))

	snapshots, err := h.controller.DescribeSnapshots(userContext(), nil)
	require.NoError(t, err)

	require.Len(t, snapshots, 1)
	assert.Equal(t, "snap-00000009", snapshots[0].ID)
	assert.Equal(t, "vol-00000005", snapshots[0].VolumeID)
	assert.Equal(t, db.SnapshotStatusAvailable, snapshots[0].Status)
	assert.Equal(t, "100%", snapshots[0].Progress)
	assert.Equal(t, "proj", snapshots[0].OwnerID)
	assert.Equal(t, 10, snapshots[0].VolumeSize)
	assert.Equal(t, "2024-03-02T09:30:00Z", snapshots[0].StartTime)

	require.NoError(t, h.mock.ExpectationsWereMet())
}
