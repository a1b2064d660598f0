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
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschercloudai/stratus/pkg/cloud"
	"github.com/eschercloudai/stratus/pkg/constants"
	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
	"github.com/eschercloudai/stratus/pkg/rpc"
)

// expectGroupWithRules mocks the by-name group lookup, rules included.
func expectGroupWithRules(mock sqlmock.Sqlmock, name string, id int64, rules *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT \* FROM security_groups WHERE project_id = \$1 AND name = \$2 AND NOT deleted`).
		WithArgs("proj", name).
		WillReturnRows(sqlmock.NewRows(securityGroupColumns()).
			AddRow(id, "alice", "proj", name, name))
	mock.ExpectQuery(`SELECT \* FROM security_group_rules WHERE parent_group_id = \$1 AND NOT deleted ORDER BY id`).
		WithArgs(id).
		WillReturnRows(rules)
}

// expectRuleQuotaReserve mocks reserving headroom for one more rule.
func expectRuleQuotaReserve(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT \* FROM quotas WHERE project_id = \$1 AND NOT deleted ORDER BY resource`).
		WithArgs("proj").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "resource", "hard_limit"}))

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, hashtext\(\$2\)\)`).
		WithArgs(5, "proj").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO quota_usages \(project_id, resource\) VALUES \(\$1, \$2\)`).
		WithArgs("proj", "security_group_rules").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM quota_usages WHERE project_id = \$1 AND resource IN \(\$2\)`).
		WithArgs("proj", "security_group_rules").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "resource", "in_use", "reserved"}).
			AddRow(5, "proj", "security_group_rules", 0, 0))
	mock.ExpectExec(`INSERT INTO reservations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE quota_usages SET reserved = reserved \+ \$2`).
		WithArgs(5, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

// expectSingleQuotaCommit mocks committing one reservation against one usage
// row.
func expectSingleQuotaCommit(mock sqlmock.Sqlmock, usageID int64, resource string, delta int64) {
	reserved := delta
	if reserved < 0 {
		reserved = 0
	}

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, hashtext\(\$2\)\)`).
		WithArgs(5, "proj").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM reservations WHERE uuid IN \(\$1\) AND NOT deleted`).
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "usage_id", "project_id", "resource", "delta"}).
			AddRow("r-res", usageID, "proj", resource, delta))
	mock.ExpectExec(`UPDATE quota_usages SET in_use = greatest\(in_use \+ \$2, 0\), reserved = reserved - \$3`).
		WithArgs(usageID, delta, reserved).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE reservations SET deleted = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

// expectRuleQuotaRelease mocks handing one rule's worth of quota back.
func expectRuleQuotaRelease(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT \* FROM quotas WHERE project_id = \$1 AND NOT deleted ORDER BY resource`).
		WithArgs("proj").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "resource", "hard_limit"}))

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, hashtext\(\$2\)\)`).
		WithArgs(5, "proj").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO quota_usages \(project_id, resource\) VALUES \(\$1, \$2\)`).
		WithArgs("proj", "security_group_rules").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM quota_usages WHERE project_id = \$1 AND resource IN \(\$2\)`).
		WithArgs("proj", "security_group_rules").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "resource", "in_use", "reserved"}).
			AddRow(5, "proj", "security_group_rules", 1, 0))
	mock.ExpectExec(`INSERT INTO reservations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	expectSingleQuotaCommit(mock, 5, "security_group_rules", -1)
}

// TestAuthorizeSecurityGroupIngress checks a grant against a fresh project:
// the default group is created on first touch without charging quota, the
// rule lands and the hosts running members are told to recompile.
func TestAuthorizeSecurityGroupIngress(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.mock.ExpectQuery(`SELECT \* FROM security_groups WHERE project_id = \$1 AND name = \$2 AND NOT deleted`).
		WithArgs("proj", "default").
		WillReturnRows(sqlmock.NewRows(securityGroupColumns()))
	h.mock.ExpectQuery(`SELECT count\(\*\) FROM security_groups`).
		WithArgs("proj", "default").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	h.mock.ExpectQuery(`INSERT INTO security_groups`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))

	expectRuleQuotaReserve(h.mock)

	h.mock.ExpectQuery(`INSERT INTO security_group_rules`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, time.Now()))

	expectSingleQuotaCommit(h.mock, 5, "security_group_rules", 1)

	h.mock.ExpectQuery(`SELECT instances\.\* FROM instances`).
		WithArgs(int64(1)).
		WillReturnRows(instanceRows(db.InstanceStateRunning, "node1"))

	request := &cloud.RuleRequest{Protocol: "tcp", FromPort: 80, ToPort: 81}

	require.NoError(t, h.controller.AuthorizeSecurityGroupIngress(userContext(), "default", request))

	payload, err := h.transport.Receive(context.Background(), rpc.Queue(constants.ComputeTopic, "node1"))
	require.NoError(t, err)
	assert.Contains(t, string(payload), "refresh_security_group")

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestAuthorizeSecurityGroupIngressDuplicate checks an identical existing
// rule refuses before touching quota.
func TestAuthorizeSecurityGroupIngressDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	expectGroupWithRules(h.mock, "default", 1, sqlmock.NewRows(securityGroupRuleColumns()).
		AddRow(11, 1, "tcp", 80, 81, "0.0.0.0/0", nil))

	request := &cloud.RuleRequest{Protocol: "tcp", FromPort: 80, ToPort: 81}

	err := h.controller.AuthorizeSecurityGroupIngress(userContext(), "default", request)
	require.ErrorIs(t, err, errors.ErrDuplicate)

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestAuthorizeSecurityGroupIngressBadRule checks protocol, port range and
// CIDR validation.
func TestAuthorizeSecurityGroupIngressBadRule(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	for _, request := range []*cloud.RuleRequest{
		{Protocol: "carrier-pigeon", FromPort: 80, ToPort: 81},
		{Protocol: "tcp", FromPort: 90, ToPort: 80},
		{Protocol: "udp", FromPort: 0, ToPort: 70000},
		{Protocol: "icmp", FromPort: -2, ToPort: -1},
		{Protocol: "tcp", FromPort: 80, ToPort: 81, CIDR: "10.0.0.0/33"},
	} {
		expectGroupWithRules(h.mock, "web", 2, sqlmock.NewRows(securityGroupRuleColumns()))

		err := h.controller.AuthorizeSecurityGroupIngress(userContext(), "web", request)
		require.ErrorIs(t, err, errors.ErrAPI)
	}

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestRevokeSecurityGroupIngress checks revocation of an exactly matching
// rule, with the quota returned.
func TestRevokeSecurityGroupIngress(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	expectGroupWithRules(h.mock, "default", 1, sqlmock.NewRows(securityGroupRuleColumns()).
		AddRow(11, 1, "tcp", 80, 81, "0.0.0.0/0", nil))

	h.mock.ExpectExec(`UPDATE security_group_rules SET deleted = TRUE`).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	expectRuleQuotaRelease(h.mock)

	h.mock.ExpectQuery(`SELECT instances\.\* FROM instances`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(instanceColumns()))

	request := &cloud.RuleRequest{Protocol: "tcp", FromPort: 80, ToPort: 81}

	require.NoError(t, h.controller.RevokeSecurityGroupIngress(userContext(), "default", request))

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestRevokeSecurityGroupIngressNoMatch checks revocation wants an exact
// match, not an overlap.
func TestRevokeSecurityGroupIngressNoMatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	expectGroupWithRules(h.mock, "default", 1, sqlmock.NewRows(securityGroupRuleColumns()).
		AddRow(11, 1, "tcp", 80, 81, "0.0.0.0/0", nil))

	request := &cloud.RuleRequest{Protocol: "tcp", FromPort: 80, ToPort: 80}

	err := h.controller.RevokeSecurityGroupIngress(userContext(), "default", request)
	require.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestCreateSecurityGroup checks creation reserves and commits group quota.
func TestCreateSecurityGroup(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.mock.ExpectQuery(`SELECT \* FROM quotas WHERE project_id = \$1 AND NOT deleted ORDER BY resource`).
		WithArgs("proj").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "resource", "hard_limit"}))

	h.mock.ExpectBegin()
	h.mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, hashtext\(\$2\)\)`).
		WithArgs(5, "proj").
		WillReturnResult(sqlmock.NewResult(0, 0))
	h.mock.ExpectExec(`INSERT INTO quota_usages \(project_id, resource\) VALUES \(\$1, \$2\)`).
		WithArgs("proj", "security_groups").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectQuery(`SELECT \* FROM quota_usages WHERE project_id = \$1 AND resource IN \(\$2\)`).
		WithArgs("proj", "security_groups").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "resource", "in_use", "reserved"}).
			AddRow(6, "proj", "security_groups", 1, 0))
	h.mock.ExpectExec(`INSERT INTO reservations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE quota_usages SET reserved = reserved \+ \$2`).
		WithArgs(6, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	h.mock.ExpectQuery(`SELECT count\(\*\) FROM security_groups`).
		WithArgs("proj", "web").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	h.mock.ExpectQuery(`INSERT INTO security_groups`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(2, time.Now()))

	expectSingleQuotaCommit(h.mock, 6, "security_groups", 1)

	info, err := h.controller.CreateSecurityGroup(userContext(), "web", "front door")
	require.NoError(t, err)
	assert.Equal(t, "web", info.Name)
	assert.Equal(t, "proj", info.OwnerID)
	assert.Equal(t, "front door", info.Description)
	assert.Empty(t, info.Permissions)

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestCreateSecurityGroupDuplicate checks a name collision rolls the
// reservation back.
func TestCreateSecurityGroupDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.mock.ExpectQuery(`SELECT \* FROM quotas WHERE project_id = \$1 AND NOT deleted ORDER BY resource`).
		WithArgs("proj").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "resource", "hard_limit"}))

	h.mock.ExpectBegin()
	h.mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, hashtext\(\$2\)\)`).
		WithArgs(5, "proj").
		WillReturnResult(sqlmock.NewResult(0, 0))
	h.mock.ExpectExec(`INSERT INTO quota_usages \(project_id, resource\) VALUES \(\$1, \$2\)`).
		WithArgs("proj", "security_groups").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectQuery(`SELECT \* FROM quota_usages WHERE project_id = \$1 AND resource IN \(\$2\)`).
		WithArgs("proj", "security_groups").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "resource", "in_use", "reserved"}).
			AddRow(6, "proj", "security_groups", 1, 0))
	h.mock.ExpectExec(`INSERT INTO reservations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE quota_usages SET reserved = reserved \+ \$2`).
		WithArgs(6, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	h.mock.ExpectQuery(`SELECT count\(\*\) FROM security_groups`).
		WithArgs("proj", "web").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	// Rollback releases the reserved counter and burns the reservation.
	h.mock.ExpectBegin()
	h.mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, hashtext\(\$2\)\)`).
		WithArgs(5, "proj").
		WillReturnResult(sqlmock.NewResult(0, 0))
	h.mock.ExpectQuery(`SELECT \* FROM reservations WHERE uuid IN \(\$1\) AND NOT deleted`).
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "usage_id", "project_id", "resource", "delta"}).
			AddRow("r-res", 6, "proj", "security_groups", 1))
	h.mock.ExpectExec(`UPDATE quota_usages SET reserved = reserved - \$2`).
		WithArgs(int64(6), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE reservations SET deleted = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	_, err := h.controller.CreateSecurityGroup(userContext(), "web", "front door")
	require.ErrorIs(t, err, errors.ErrDuplicate)

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestDeleteSecurityGroupDefault checks the default group is permanent.
func TestDeleteSecurityGroupDefault(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	err := h.controller.DeleteSecurityGroup(userContext(), "default")
	require.ErrorIs(t, err, errors.ErrAPI)

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestDeleteSecurityGroupAbsent checks deleting a group already gone
// succeeds.
func TestDeleteSecurityGroupAbsent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.mock.ExpectQuery(`SELECT \* FROM security_groups WHERE project_id = \$1 AND name = \$2 AND NOT deleted`).
		WithArgs("proj", "web").
		WillReturnRows(sqlmock.NewRows(securityGroupColumns()))

	require.NoError(t, h.controller.DeleteSecurityGroup(userContext(), "web"))

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestDeleteSecurityGroupInUse checks a group with member instances refuses.
func TestDeleteSecurityGroupInUse(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	expectGroupWithRules(h.mock, "web", 2, sqlmock.NewRows(securityGroupRuleColumns()))

	h.mock.ExpectQuery(`SELECT instances\.\* FROM instances`).
		WithArgs(int64(2)).
		WillReturnRows(instanceRows(db.InstanceStateRunning, "node1"))

	err := h.controller.DeleteSecurityGroup(userContext(), "web")
	require.ErrorIs(t, err, errors.ErrAPI)

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestDeleteSecurityGroup checks a quiet group goes away with its rules and
// the quota for both comes back.
func TestDeleteSecurityGroup(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	expectGroupWithRules(h.mock, "web", 2, sqlmock.NewRows(securityGroupRuleColumns()).
		AddRow(11, 2, "tcp", 80, 81, "0.0.0.0/0", nil).
		AddRow(12, 2, "tcp", 443, 443, "0.0.0.0/0", nil))

	h.mock.ExpectQuery(`SELECT instances\.\* FROM instances`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(instanceColumns()))

	h.mock.ExpectBegin()
	h.mock.ExpectExec(`UPDATE security_groups SET deleted = TRUE`).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE security_group_rules SET deleted = TRUE`).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	h.mock.ExpectCommit()

	h.mock.ExpectQuery(`SELECT \* FROM quotas WHERE project_id = \$1 AND NOT deleted ORDER BY resource`).
		WithArgs("proj").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "resource", "hard_limit"}))

	h.mock.ExpectBegin()
	h.mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, hashtext\(\$2\)\)`).
		WithArgs(5, "proj").
		WillReturnResult(sqlmock.NewResult(0, 0))
	h.mock.ExpectExec(`INSERT INTO quota_usages \(project_id, resource\) VALUES \(\$1, \$2\)`).
		WithArgs("proj", "security_group_rules").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`INSERT INTO quota_usages \(project_id, resource\) VALUES \(\$1, \$2\)`).
		WithArgs("proj", "security_groups").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectQuery(`SELECT \* FROM quota_usages WHERE project_id = \$1 AND resource IN \(\$2, \$3\)`).
		WithArgs("proj", "security_group_rules", "security_groups").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "resource", "in_use", "reserved"}).
			AddRow(5, "proj", "security_group_rules", 2, 0).
			AddRow(6, "proj", "security_groups", 1, 0))
	h.mock.ExpectExec(`INSERT INTO reservations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`INSERT INTO reservations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	h.mock.ExpectBegin()
	h.mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1, hashtext\(\$2\)\)`).
		WithArgs(5, "proj").
		WillReturnResult(sqlmock.NewResult(0, 0))
	h.mock.ExpectQuery(`SELECT \* FROM reservations WHERE uuid IN \(\$1, \$2\) AND NOT deleted`).
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "usage_id", "project_id", "resource", "delta"}).
			AddRow("r-rul", 5, "proj", "security_group_rules", -2).
			AddRow("r-grp", 6, "proj", "security_groups", -1))
	h.mock.ExpectExec(`UPDATE quota_usages SET in_use = greatest\(in_use \+ \$2, 0\), reserved = reserved - \$3`).
		WithArgs(5, -2, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE quota_usages SET in_use = greatest\(in_use \+ \$2, 0\), reserved = reserved - \$3`).
		WithArgs(6, -1, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE reservations SET deleted = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	h.mock.ExpectCommit()

	require.NoError(t, h.controller.DeleteSecurityGroup(userContext(), "web"))

	require.NoError(t, h.mock.ExpectationsWereMet())
}

// TestDescribeSecurityGroups checks the project listing resolves source
// group grants back to names.
func TestDescribeSecurityGroups(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	expectGroupWithRules(h.mock, "default", 1, sqlmock.NewRows(securityGroupRuleColumns()))

	h.mock.ExpectQuery(`SELECT \* FROM security_groups WHERE project_id = \$1 AND NOT deleted ORDER BY id`).
		WithArgs("proj").
		WillReturnRows(sqlmock.NewRows(securityGroupColumns()).
			AddRow(1, "alice", "proj", "default", "default").
			AddRow(2, "alice", "proj", "web", "front door"))
	h.mock.ExpectQuery(`SELECT \* FROM security_group_rules WHERE parent_group_id = \$1 AND NOT deleted ORDER BY id`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(securityGroupRuleColumns()))
	h.mock.ExpectQuery(`SELECT \* FROM security_group_rules WHERE parent_group_id = \$1 AND NOT deleted ORDER BY id`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(securityGroupRuleColumns()).
			AddRow(11, 2, "tcp", 80, 81, "0.0.0.0/0", nil).
			AddRow(12, 2, "tcp", 22, 22, "", 1))

	// The second rule grants from group 1, resolved back to its name.
	h.mock.ExpectQuery(`SELECT \* FROM security_groups WHERE id = \$1 AND NOT deleted`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(securityGroupColumns()).
			AddRow(1, "alice", "proj", "default", "default"))
	h.mock.ExpectQuery(`SELECT \* FROM security_group_rules WHERE parent_group_id = \$1 AND NOT deleted ORDER BY id`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(securityGroupRuleColumns()))

	groups, err := h.controller.DescribeSecurityGroups(userContext(), nil)
	require.NoError(t, err)

	require.Len(t, groups, 2)
	assert.Equal(t, "default", groups[0].Name)
	assert.Empty(t, groups[0].Permissions)

	assert.Equal(t, "web", groups[1].Name)
	require.Len(t, groups[1].Permissions, 2)
	assert.Equal(t, "tcp", groups[1].Permissions[0].Protocol)
	assert.Equal(t, 80, groups[1].Permissions[0].FromPort)
	require.Len(t, groups[1].Permissions[0].Ranges, 1)
	assert.Equal(t, "0.0.0.0/0", groups[1].Permissions[0].Ranges[0].CIDR)
	require.Len(t, groups[1].Permissions[1].Groups, 1)
	assert.Equal(t, "default", groups[1].Permissions[1].Groups[0].Name)

	require.NoError(t, h.mock.ExpectationsWereMet())
}
