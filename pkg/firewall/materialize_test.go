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

package firewall_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/firewall"
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

// TestMaterialize checks the group graph for a host flattens into compile
// inputs: nil ports read as wildcards and group sources become member
// addresses.
func TestMaterialize(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	mock.ExpectQuery(`SELECT \* FROM instances WHERE host = \$1 AND NOT deleted ORDER BY id`).
		WithArgs("node1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "mac_address"}).AddRow(1, "02:16:3e:aa:bb:cc"))

	mock.ExpectQuery(`SELECT \* FROM provider_fw_rules WHERE NOT deleted ORDER BY id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "protocol", "from_port", "to_port", "cidr"}).
			AddRow(1, "tcp", 1, 65535, "10.99.99.99/32"))

	mock.ExpectQuery(`SELECT \* FROM fixed_ips WHERE instance_id = \$1 AND NOT deleted ORDER BY id LIMIT 1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "address", "network_id"}).AddRow(5, "10.0.0.5", 2))

	mock.ExpectQuery(`SELECT security_groups\.\* FROM security_groups`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(11, "default"))

	mock.ExpectQuery(`SELECT \* FROM security_group_rules WHERE parent_group_id = \$1 AND NOT deleted ORDER BY id`).
		WithArgs(11).
		WillReturnRows(sqlmock.NewRows([]string{"id", "parent_group_id", "protocol", "from_port", "to_port", "cidr", "group_id"}).
			AddRow(21, 11, "tcp", 80, 81, "192.168.10.0/24", nil).
			AddRow(22, 11, "tcp", 22, 22, "", 12).
			AddRow(23, 11, "icmp", nil, nil, "0.0.0.0/0", nil))

	mock.ExpectQuery(`SELECT instances\.\* FROM instances`).
		WithArgs(12).
		WillReturnRows(sqlmock.NewRows([]string{"id", "mac_address"}).AddRow(3, "02:16:3e:dd:ee:ff"))

	mock.ExpectQuery(`SELECT \* FROM fixed_ips WHERE instance_id = \$1 AND NOT deleted ORDER BY id LIMIT 1`).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "address", "network_id"}).AddRow(7, "10.0.0.7", 2))

	instances, provider, err := firewall.Materialize(context.Background(), d, "node1", false)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, []firewall.Rule{
		{Protocol: "tcp", FromPort: 1, ToPort: 65535, CIDR: "10.99.99.99/32"},
	}, provider)

	require.Len(t, instances, 1)
	assert.Equal(t, int64(1), instances[0].ID)
	assert.Equal(t, []string{"10.0.0.5"}, instances[0].AddressesV4)
	assert.Empty(t, instances[0].AddressesV6)

	require.Len(t, instances[0].Groups, 1)
	assert.Equal(t, int64(11), instances[0].Groups[0].ID)
	assert.Equal(t, []firewall.Rule{
		{Protocol: "tcp", FromPort: 80, ToPort: 81, CIDR: "192.168.10.0/24"},
		{Protocol: "tcp", FromPort: 22, ToPort: 22, SourceMembers: []string{"10.0.0.7"}},
		{Protocol: "icmp", FromPort: -1, ToPort: -1, CIDR: "0.0.0.0/0"},
	}, instances[0].Groups[0].Rules)

	v4, _ := firewall.New(false).Compile(instances, provider)

	assert.Contains(t, v4.Rules(firewall.GroupChain(11)), "-p tcp -s 10.0.0.7/32 --dport 22 -j ACCEPT")
}

// TestMaterializeIPv6 checks the v6 address is derived from the network
// prefix and the instance's hardware address.
func TestMaterializeIPv6(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	mock.ExpectQuery(`SELECT \* FROM instances WHERE host = \$1 AND NOT deleted ORDER BY id`).
		WithArgs("node1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "mac_address"}).AddRow(1, "02:16:3e:aa:bb:cc"))

	mock.ExpectQuery(`SELECT \* FROM provider_fw_rules WHERE NOT deleted ORDER BY id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	mock.ExpectQuery(`SELECT \* FROM fixed_ips WHERE instance_id = \$1 AND NOT deleted ORDER BY id LIMIT 1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "address", "network_id"}).AddRow(5, "10.0.0.5", 2))

	mock.ExpectQuery(`SELECT \* FROM networks WHERE id = \$1 AND NOT deleted`).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "cidr_v6"}).AddRow(2, "fd00:0:0:1::/64"))

	mock.ExpectQuery(`SELECT security_groups\.\* FROM security_groups`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	instances, _, err := firewall.Materialize(context.Background(), d, "node1", true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, instances, 1)
	assert.Equal(t, []string{"10.0.0.5"}, instances[0].AddressesV4)
	assert.Equal(t, []string{"fd00:0:0:1:16:3eff:feaa:bbcc"}, instances[0].AddressesV6)
}

// TestMaterializeNoFixedIP checks an instance still waiting on an address
// materializes without one rather than failing the whole compile.
func TestMaterializeNoFixedIP(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	mock.ExpectQuery(`SELECT \* FROM instances WHERE host = \$1 AND NOT deleted ORDER BY id`).
		WithArgs("node1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "mac_address"}).AddRow(1, ""))

	mock.ExpectQuery(`SELECT \* FROM provider_fw_rules WHERE NOT deleted ORDER BY id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	mock.ExpectQuery(`SELECT \* FROM fixed_ips WHERE instance_id = \$1 AND NOT deleted ORDER BY id LIMIT 1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	mock.ExpectQuery(`SELECT security_groups\.\* FROM security_groups`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	instances, _, err := firewall.Materialize(context.Background(), d, "node1", false)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, instances, 1)
	assert.Empty(t, instances[0].AddressesV4)
}

// TestMaterializeSharedSourceGroup checks a source group referenced twice
// is expanded once per materialization.
func TestMaterializeSharedSourceGroup(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)

	mock.ExpectQuery(`SELECT \* FROM instances WHERE host = \$1 AND NOT deleted ORDER BY id`).
		WithArgs("node1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "mac_address"}).AddRow(1, "02:16:3e:aa:bb:cc"))

	mock.ExpectQuery(`SELECT \* FROM provider_fw_rules WHERE NOT deleted ORDER BY id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	mock.ExpectQuery(`SELECT \* FROM fixed_ips WHERE instance_id = \$1 AND NOT deleted ORDER BY id LIMIT 1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "address", "network_id"}).AddRow(5, "10.0.0.5", 2))

	mock.ExpectQuery(`SELECT security_groups\.\* FROM security_groups`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	mock.ExpectQuery(`SELECT \* FROM security_group_rules WHERE parent_group_id = \$1 AND NOT deleted ORDER BY id`).
		WithArgs(11).
		WillReturnRows(sqlmock.NewRows([]string{"id", "parent_group_id", "protocol", "from_port", "to_port", "cidr", "group_id"}).
			AddRow(21, 11, "tcp", 22, 22, "", 12).
			AddRow(22, 11, "udp", 53, 53, "", 12))

	// The member expansion happens exactly once.
	mock.ExpectQuery(`SELECT instances\.\* FROM instances`).
		WithArgs(12).
		WillReturnRows(sqlmock.NewRows([]string{"id", "mac_address"}).AddRow(3, ""))

	mock.ExpectQuery(`SELECT \* FROM fixed_ips WHERE instance_id = \$1 AND NOT deleted ORDER BY id LIMIT 1`).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "address", "network_id"}).AddRow(7, "10.0.0.7", 2))

	instances, _, err := firewall.Materialize(context.Background(), d, "node1", false)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, instances, 1)
	require.Len(t, instances[0].Groups, 1)

	for _, rule := range instances[0].Groups[0].Rules {
		assert.Equal(t, []string{"10.0.0.7"}, rule.SourceMembers)
	}
}
