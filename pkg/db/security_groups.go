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

func securityGroupNotFound(name string) *errors.Error {
	return errors.NotFound("InvalidGroup.NotFound", fmt.Sprintf("security group %s not found", name))
}

// SecurityGroupCreate persists a new security group.  Name collisions within
// a project surface as Duplicate.
func (d *DB) SecurityGroupCreate(ctx context.Context, group *SecurityGroup) error {
	exists := `SELECT count(*) FROM security_groups
		WHERE project_id = $1 AND name = $2 AND NOT deleted`

	var count int

	if err := d.conn.GetContext(ctx, &count, exists, group.ProjectID, group.Name); err != nil {
		return err
	}

	if count > 0 {
		return errors.Duplicate("InvalidGroup.Duplicate", fmt.Sprintf("security group %s already exists", group.Name))
	}

	query := `INSERT INTO security_groups (user_id, project_id, name, description)
		VALUES (:user_id, :project_id, :name, :description)
		RETURNING id, created_at`

	rows, err := sqlx.NamedQueryContext(ctx, d.conn, query, group)
	if err != nil {
		return err
	}

	defer rows.Close()

	if !rows.Next() {
		return sql.ErrNoRows
	}

	return rows.Scan(&group.ID, &group.CreatedAt)
}

// SecurityGroupGet looks up a group by ID, rules included.
func (d *DB) SecurityGroupGet(ctx context.Context, id int64) (*SecurityGroup, error) {
	group := &SecurityGroup{}

	query := fmt.Sprintf("SELECT * FROM security_groups WHERE id = $1 AND %s", readDeleted(ctx))

	if err := d.conn.GetContext(ctx, group, query, id); err != nil {
		return nil, notFound(err, securityGroupNotFound(fmt.Sprintf("%d", id)))
	}

	if err := d.securityGroupLoadRules(ctx, group); err != nil {
		return nil, err
	}

	return group, nil
}

// SecurityGroupGetByName looks a group up within a project, rules included.
func (d *DB) SecurityGroupGetByName(ctx context.Context, projectID, name string) (*SecurityGroup, error) {
	group := &SecurityGroup{}

	query := "SELECT * FROM security_groups WHERE project_id = $1 AND name = $2 AND NOT deleted"

	if err := d.conn.GetContext(ctx, group, query, projectID, name); err != nil {
		return nil, notFound(err, securityGroupNotFound(name))
	}

	if err := d.securityGroupLoadRules(ctx, group); err != nil {
		return nil, err
	}

	return group, nil
}

// SecurityGroupGetAll returns every live group, for administrators.
func (d *DB) SecurityGroupGetAll(ctx context.Context) ([]SecurityGroup, error) {
	var groups []SecurityGroup

	query := "SELECT * FROM security_groups WHERE NOT deleted ORDER BY id"

	if err := d.conn.SelectContext(ctx, &groups, query); err != nil {
		return nil, err
	}

	for i := range groups {
		if err := d.securityGroupLoadRules(ctx, &groups[i]); err != nil {
			return nil, err
		}
	}

	return groups, nil
}

// SecurityGroupGetAllByProject returns a project's groups, rules included.
func (d *DB) SecurityGroupGetAllByProject(ctx context.Context, projectID string) ([]SecurityGroup, error) {
	var groups []SecurityGroup

	query := "SELECT * FROM security_groups WHERE project_id = $1 AND NOT deleted ORDER BY id"

	if err := d.conn.SelectContext(ctx, &groups, query, projectID); err != nil {
		return nil, err
	}

	for i := range groups {
		if err := d.securityGroupLoadRules(ctx, &groups[i]); err != nil {
			return nil, err
		}
	}

	return groups, nil
}

// SecurityGroupGetAllByInstance returns the groups an instance is bound to.
func (d *DB) SecurityGroupGetAllByInstance(ctx context.Context, instanceID int64) ([]SecurityGroup, error) {
	var groups []SecurityGroup

	query := `SELECT security_groups.* FROM security_groups
		JOIN instance_security_groups ON instance_security_groups.security_group_id = security_groups.id
		WHERE instance_security_groups.instance_id = $1 AND NOT security_groups.deleted
		ORDER BY security_groups.id`

	if err := d.conn.SelectContext(ctx, &groups, query, instanceID); err != nil {
		return nil, err
	}

	for i := range groups {
		if err := d.securityGroupLoadRules(ctx, &groups[i]); err != nil {
			return nil, err
		}
	}

	return groups, nil
}

func (d *DB) securityGroupLoadRules(ctx context.Context, group *SecurityGroup) error {
	query := "SELECT * FROM security_group_rules WHERE parent_group_id = $1 AND NOT deleted ORDER BY id"

	return d.conn.SelectContext(ctx, &group.Rules, query, group.ID)
}

// SecurityGroupDestroy soft deletes a group and its rules, including rules in
// other groups granting from it.
func (d *DB) SecurityGroupDestroy(ctx context.Context, id int64) error {
	return d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		group := `UPDATE security_groups SET deleted = TRUE, deleted_at = now(), updated_at = now()
			WHERE id = $1 AND NOT deleted`

		if _, err := tx.ExecContext(ctx, group, id); err != nil {
			return err
		}

		rules := `UPDATE security_group_rules SET deleted = TRUE, deleted_at = now(), updated_at = now()
			WHERE (parent_group_id = $1 OR group_id = $1) AND NOT deleted`

		_, err := tx.ExecContext(ctx, rules, id)

		return err
	})
}

// SecurityGroupRuleCreate persists an ingress rule.
func (d *DB) SecurityGroupRuleCreate(ctx context.Context, rule *SecurityGroupRule) error {
	query := `INSERT INTO security_group_rules (parent_group_id, protocol, from_port, to_port, cidr, group_id)
		VALUES (:parent_group_id, :protocol, :from_port, :to_port, :cidr, :group_id)
		RETURNING id, created_at`

	rows, err := sqlx.NamedQueryContext(ctx, d.conn, query, rule)
	if err != nil {
		return err
	}

	defer rows.Close()

	if !rows.Next() {
		return sql.ErrNoRows
	}

	return rows.Scan(&rule.ID, &rule.CreatedAt)
}

// SecurityGroupRuleDestroy soft deletes one rule.
func (d *DB) SecurityGroupRuleDestroy(ctx context.Context, id int64) error {
	query := `UPDATE security_group_rules SET deleted = TRUE, deleted_at = now(), updated_at = now()
		WHERE id = $1 AND NOT deleted`

	_, err := d.conn.ExecContext(ctx, query, id)

	return err
}

// ProviderFirewallRuleCreate persists a platform wide rule.
func (d *DB) ProviderFirewallRuleCreate(ctx context.Context, rule *ProviderFirewallRule) error {
	query := `INSERT INTO provider_fw_rules (protocol, from_port, to_port, cidr)
		VALUES (:protocol, :from_port, :to_port, :cidr)
		RETURNING id, created_at`

	rows, err := sqlx.NamedQueryContext(ctx, d.conn, query, rule)
	if err != nil {
		return err
	}

	defer rows.Close()

	if !rows.Next() {
		return sql.ErrNoRows
	}

	return rows.Scan(&rule.ID, &rule.CreatedAt)
}

// ProviderFirewallRuleGetAll returns the platform wide rules in creation
// order, the order they compile in.
func (d *DB) ProviderFirewallRuleGetAll(ctx context.Context) ([]ProviderFirewallRule, error) {
	var rules []ProviderFirewallRule

	query := "SELECT * FROM provider_fw_rules WHERE NOT deleted ORDER BY id"

	if err := d.conn.SelectContext(ctx, &rules, query); err != nil {
		return nil, err
	}

	return rules, nil
}

// ProviderFirewallRuleDestroy soft deletes a platform wide rule.
func (d *DB) ProviderFirewallRuleDestroy(ctx context.Context, id int64) error {
	query := `UPDATE provider_fw_rules SET deleted = TRUE, deleted_at = now(), updated_at = now()
		WHERE id = $1 AND NOT deleted`

	_, err := d.conn.ExecContext(ctx, query, id)

	return err
}
