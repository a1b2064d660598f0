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

package db_test

import (
	"context"
	"database/sql"
	goerrors "errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
)

// newMock wraps a sqlmock connection.  The driver is named pgx so sqlx
// rebinds named and IN queries to $N placeholders exactly as in production.
func newMock(t *testing.T) (*db.DB, sqlmock.Sqlmock) {
	t.Helper()

	conn, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
	})

	return db.New(sqlx.NewDb(conn, "pgx")), mock
}

// TestInTransaction checks commit on success and rollback on callback error.
func TestInTransaction(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := d.InTransaction(context.Background(), func(tx *sqlx.Tx) error {
		return nil
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	fail := goerrors.New("boom")

	err = d.InTransaction(context.Background(), func(tx *sqlx.Tx) error {
		return fail
	})
	require.ErrorIs(t, err, fail)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestInstanceGet checks lookup and the EC2 identifier derived from the
// record ID.
func TestInstanceGet(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"id", "uuid", "project_id", "state", "launch_index"}).
		AddRow(42, "11111111-2222-3333-4444-555555555555", "proj", db.InstanceStateRunning, 0)

	mock.ExpectQuery(`SELECT \* FROM instances WHERE id = \$1 AND NOT deleted`).
		WithArgs(42).
		WillReturnRows(rows)

	instance, err := d.InstanceGet(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "i-0000002a", instance.EC2ID())
	assert.Equal(t, db.InstanceStateRunning, instance.State)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestInstanceGetNotFound checks no rows maps to a typed EC2 error.
func TestInstanceGetNotFound(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	mock.ExpectQuery(`SELECT \* FROM instances WHERE id = \$1 AND NOT deleted`).
		WithArgs(42).
		WillReturnError(sql.ErrNoRows)

	_, err := d.InstanceGet(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	var typed *errors.Error

	require.True(t, goerrors.As(err, &typed))
	assert.Equal(t, "InvalidInstanceID.NotFound", typed.Code())

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestReadDeleted checks an elevated context lifts the soft delete filter.
func TestReadDeleted(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"id", "state", "deleted"}).
		AddRow(7, db.InstanceStateDeleted, true)

	mock.ExpectQuery(`SELECT \* FROM instances WHERE id = \$1 AND TRUE`).
		WithArgs(7).
		WillReturnRows(rows)

	credentials := auth.AdminCredentials()
	credentials.ReadDeleted = true

	instance, err := d.InstanceGet(auth.NewContext(context.Background(), credentials), 7)
	require.NoError(t, err)
	assert.True(t, instance.Deleted)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestInstanceTransition checks the advisory lock is taken and callback
// mutations are written back.
func TestInstanceTransition(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, \$2\)`).
		WithArgs(1, 42).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows := sqlmock.NewRows([]string{"id", "state", "host", "hostname"}).
		AddRow(42, db.InstanceStateRunning, "node1", "server-42")

	mock.ExpectQuery(`SELECT \* FROM instances WHERE id = \$1 AND NOT deleted`).
		WithArgs(42).
		WillReturnRows(rows)

	mock.ExpectExec(`UPDATE instances SET`).
		WithArgs(db.InstanceStateRebooting, "rebooting", "node1", "server-42", nil, "", "", false, 42).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectCommit()

	instance, err := d.InstanceTransition(context.Background(), 42, func(instance *db.Instance) error {
		instance.State = db.InstanceStateRebooting
		instance.StateDescription = "rebooting"

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, db.InstanceStateRebooting, instance.State)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestVolumeAllocateTargetExhausted checks slot exhaustion surfaces as a
// retryable unavailability error and the transaction rolls back.
func TestVolumeAllocateTargetExhausted(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, hashtext\(\$2\)\)`).
		WithArgs(4, "node1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`UPDATE iscsi_targets SET volume_id = \$1`).
		WithArgs(9, "node1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := d.VolumeAllocateTarget(context.Background(), 9, "node1")
	require.ErrorIs(t, err, errors.ErrNoMoreTargets)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestFloatingIPAllocateExhausted checks pool exhaustion maps to the typed
// address error.
func TestFloatingIPAllocateExhausted(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE floating_ips SET project_id = \$1`).
		WithArgs("proj").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := d.FloatingIPAllocate(context.Background(), "proj")
	require.ErrorIs(t, err, errors.ErrNoMoreFloatingIPs)

	require.NoError(t, mock.ExpectationsWereMet())
}

func expectQuotaReservePreamble(mock sqlmock.Sqlmock, usages *sqlmock.Rows) {
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, hashtext\(\$2\)\)`).
		WithArgs(5, "proj").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO quota_usages \(project_id, resource\) VALUES \(\$1, \$2\)`).
		WithArgs("proj", "cores").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO quota_usages \(project_id, resource\) VALUES \(\$1, \$2\)`).
		WithArgs("proj", "instances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM quota_usages WHERE project_id = \$1 AND resource IN \(\$2, \$3\)`).
		WithArgs("proj", "cores", "instances").
		WillReturnRows(usages)
}

// TestQuotaReserve checks the happy path records a reservation per resource
// and bumps the reserved counters.
func TestQuotaReserve(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	usages := sqlmock.NewRows([]string{"id", "project_id", "resource", "in_use", "reserved"}).
		AddRow(11, "proj", "cores", 2, 0).
		AddRow(12, "proj", "instances", 1, 0)

	expectQuotaReservePreamble(mock, usages)

	mock.ExpectExec(`INSERT INTO reservations`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE quota_usages SET reserved = reserved \+ \$2`).
		WithArgs(11, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO reservations`).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`UPDATE quota_usages SET reserved = reserved \+ \$2`).
		WithArgs(12, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deltas := map[string]int64{"instances": 2, "cores": 4}
	limits := map[string]int64{"instances": 10, "cores": 20}

	reservations, err := d.QuotaReserve(context.Background(), "proj", deltas, limits, time.Minute)
	require.NoError(t, err)
	assert.Len(t, reservations, 2)
	assert.NotEqual(t, reservations[0], reservations[1])

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestQuotaReserveExceeded checks an over limit request refuses with a per
// resource breakdown and leaves no reservations behind.
func TestQuotaReserveExceeded(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	usages := sqlmock.NewRows([]string{"id", "project_id", "resource", "in_use", "reserved"}).
		AddRow(11, "proj", "cores", 18, 0).
		AddRow(12, "proj", "instances", 9, 1)

	expectQuotaReservePreamble(mock, usages)
	mock.ExpectRollback()

	deltas := map[string]int64{"instances": 2, "cores": 4}
	limits := map[string]int64{"instances": 10, "cores": 20}

	_, err := d.QuotaReserve(context.Background(), "proj", deltas, limits, time.Minute)
	require.ErrorIs(t, err, errors.ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "cores (limit 20, in use 18, reserved 0, requested 4)")
	assert.Contains(t, err.Error(), "instances (limit 10, in use 9, reserved 1, requested 2)")

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestQuotaReserveUnlimited checks a negative limit never refuses.
func TestQuotaReserveUnlimited(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	usages := sqlmock.NewRows([]string{"id", "project_id", "resource", "in_use", "reserved"}).
		AddRow(11, "proj", "cores", 1000, 0).
		AddRow(12, "proj", "instances", 500, 0)

	expectQuotaReservePreamble(mock, usages)

	for i := 0; i < 2; i++ {
		mock.ExpectExec(`INSERT INTO reservations`).
			WillReturnResult(sqlmock.NewResult(int64(i+1), 1))
		mock.ExpectExec(`UPDATE quota_usages SET reserved = reserved \+ \$2`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	mock.ExpectCommit()

	deltas := map[string]int64{"instances": 2, "cores": 4}
	limits := map[string]int64{"instances": -1, "cores": -1}

	reservations, err := d.QuotaReserve(context.Background(), "proj", deltas, limits, time.Minute)
	require.NoError(t, err)
	assert.Len(t, reservations, 2)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestReservationCommit checks commit moves reserved into in use and retires
// the reservation rows.
func TestReservationCommit(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	expire := time.Now().Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, hashtext\(\$2\)\)`).
		WithArgs(5, "proj").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows := sqlmock.NewRows([]string{"id", "uuid", "usage_id", "project_id", "resource", "delta", "expire"}).
		AddRow(1, "r1", 11, "proj", "instances", 2, expire)

	mock.ExpectQuery(`SELECT \* FROM reservations WHERE uuid IN \(\$1\) AND NOT deleted`).
		WithArgs("r1").
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE quota_usages SET in_use = greatest\(in_use \+ \$2, 0\), reserved = reserved - \$3`).
		WithArgs(11, 2, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE reservations SET deleted = TRUE`).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := d.ReservationCommit(context.Background(), "proj", []string{"r1"})
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestReservationRollback checks rollback releases reserved without touching
// in use.
func TestReservationRollback(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	expire := time.Now().Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, hashtext\(\$2\)\)`).
		WithArgs(5, "proj").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows := sqlmock.NewRows([]string{"id", "uuid", "usage_id", "project_id", "resource", "delta", "expire"}).
		AddRow(1, "r1", 11, "proj", "instances", 2, expire).
		AddRow(2, "r2", 12, "proj", "cores", -4, expire)

	mock.ExpectQuery(`SELECT \* FROM reservations WHERE uuid IN \(\$1, \$2\) AND NOT deleted`).
		WithArgs("r1", "r2").
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE quota_usages SET reserved = reserved - \$2`).
		WithArgs(11, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE reservations SET deleted = TRUE`).
		WithArgs("r1", "r2").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := d.ReservationRollback(context.Background(), "proj", []string{"r1", "r2"})
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestReservationExpire checks the sweeper releases counters and reports how
// many reservations it retired.
func TestReservationExpire(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE quota_usages SET reserved = quota_usages.reserved - expired.total`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE reservations SET deleted = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	count, err := d.ReservationExpire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestEC2ID checks the identifier codec both ways.
func TestEC2ID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "i-00000001", db.EC2ID("i", 1))
	assert.Equal(t, "vol-0000000a", db.EC2ID("vol", 10))

	id, err := db.ParseEC2ID("i-00000001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	id, err = db.ParseEC2ID("snap-deadbeef")
	require.NoError(t, err)
	assert.Equal(t, int64(0xdeadbeef), id)

	_, err = db.ParseEC2ID("bogus")
	require.ErrorIs(t, err, errors.ErrAPI)

	_, err = db.ParseEC2ID("i-nothex")
	require.ErrorIs(t, err, errors.ErrAPI)
}
