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

package monitor_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/monitor"
)

func newMock(t *testing.T) (*db.DB, sqlmock.Sqlmock) {
	t.Helper()

	conn, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
	})

	return db.New(sqlx.NewDb(conn, "pgx")), mock
}

// TestLeaseChecker checks one reap statement runs per elected host, hostless
// networks are skipped and shared hosts are deduplicated.
func TestLeaseChecker(t *testing.T) {
	t.Parallel()

	database, mock := newMock(t)

	mock.ExpectQuery(`SELECT \* FROM networks WHERE NOT deleted ORDER BY id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "label", "project_id", "host"}).
			AddRow(1, "net1", "p1", "node-b").
			AddRow(2, "net2", "p2", "").
			AddRow(3, "net3", "p3", "node-a").
			AddRow(4, "net4", "p4", "node-b"))

	mock.ExpectExec(`UPDATE fixed_ips SET instance_id = NULL, leased = FALSE`).
		WithArgs("node-a", "1m0s").
		WillReturnResult(sqlmock.NewResult(0, 2))

	mock.ExpectExec(`UPDATE fixed_ips SET instance_id = NULL, leased = FALSE`).
		WithArgs("node-b", "1m0s").
		WillReturnResult(sqlmock.NewResult(0, 0))

	checker := monitor.NewLeaseChecker(database, time.Minute)

	require.NoError(t, checker.Check(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestReservationChecker checks the expiry sweep runs in one transaction.
func TestReservationChecker(t *testing.T) {
	t.Parallel()

	database, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE quota_usages SET reserved = quota_usages\.reserved - expired\.total`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE reservations SET deleted = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	checker := monitor.NewReservationChecker(database)

	require.NoError(t, checker.Check(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestServiceChecker checks silent services are logged, live and disabled
// ones are not.
func TestServiceChecker(t *testing.T) {
	t.Parallel()

	database, mock := newMock(t)

	now := time.Now()
	stale := now.Add(-2 * time.Hour)

	columns := []string{"id", "host", "binary", "topic", "report_count", "disabled", "availability_zone", "created_at", "updated_at"}

	mock.ExpectQuery(`SELECT \* FROM services WHERE NOT deleted ORDER BY host, binary`).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(1, "node-a", "stratus-compute", "compute", 100, false, "zone1", stale, stale).
			AddRow(2, "node-b", "stratus-network", "network", 50, false, "zone1", now, now).
			AddRow(3, "node-c", "stratus-volume", "volume", 10, true, "zone1", stale, stale))

	var lines []string

	logger := funcr.New(func(_, args string) {
		lines = append(lines, args)
	}, funcr.Options{})

	ctx := logr.NewContext(context.Background(), logger)

	checker := monitor.NewServiceChecker(database, time.Minute)

	require.NoError(t, checker.Check(ctx))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "node-a")
	assert.Contains(t, lines[0], "stratus-compute")
}

// TestRunStops checks the loop honors context cancellation before the first
// tick.
func TestRunStops(t *testing.T) {
	t.Parallel()

	database, mock := newMock(t)

	options := &monitor.Options{}
	options.AddFlags(pflag.NewFlagSet("test", pflag.ContinueOnError))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	monitor.Run(ctx, database, options)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestOptions checks the flag defaults.
func TestOptions(t *testing.T) {
	t.Parallel()

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)

	options := &monitor.Options{}
	options.AddFlags(flags)

	assert.Equal(t, "1m0s", flags.Lookup("poll-period").DefValue)
	assert.Equal(t, "10m0s", flags.Lookup("lease-grace").DefValue)
	assert.Equal(t, "1m0s", flags.Lookup("service-down-time").DefValue)
}
