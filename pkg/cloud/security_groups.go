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

package cloud

import (
	"context"
	"fmt"
	"net"

	"github.com/go-logr/logr"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/constants"
	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
	"github.com/eschercloudai/stratus/pkg/quota"
	"github.com/eschercloudai/stratus/pkg/rpc"
)

// DefaultSecurityGroup is the group every project always has, created on
// first touch and immune to deletion.
const DefaultSecurityGroup = "default"

// RuleRequest is one ingress grant, CIDR or source group based.
type RuleRequest struct {
	// Protocol is tcp, udp or icmp.
	Protocol string

	// FromPort and ToPort bound the granted range.  For icmp, FromPort
	// is the type and ToPort the code, -1 for any.
	FromPort int
	ToPort   int

	// CIDR grants from an address range.  Defaults to everywhere when
	// no source group is named.
	CIDR string

	// SourceGroup grants from another group in the same project.
	SourceGroup string
}

// DescribeSecurityGroups lists groups with their rules.  Administrators see
// every project's groups, everyone else their own project's, after making
// sure the default group exists.
func (c *Controller) DescribeSecurityGroups(ctx context.Context, names []string) ([]SecurityGroupInfo, error) {
	credentials := auth.FromContext(ctx)

	if _, err := c.ensureDefaultGroup(ctx); err != nil {
		return nil, err
	}

	var groups []db.SecurityGroup

	switch {
	case len(names) > 0:
		for _, name := range names {
			group, err := c.db.SecurityGroupGetByName(ctx, credentials.ProjectID, name)
			if err != nil {
				return nil, err
			}

			groups = append(groups, *group)
		}
	case credentials.IsAdmin:
		all, err := c.db.SecurityGroupGetAll(ctx)
		if err != nil {
			return nil, err
		}

		groups = all
	default:
		mine, err := c.db.SecurityGroupGetAllByProject(ctx, credentials.ProjectID)
		if err != nil {
			return nil, err
		}

		groups = mine
	}

	result := make([]SecurityGroupInfo, 0, len(groups))

	for i := range groups {
		view, err := c.securityGroupView(ctx, &groups[i])
		if err != nil {
			return nil, err
		}

		result = append(result, view)
	}

	return result, nil
}

// CreateSecurityGroup makes an empty group in the caller's project.
func (c *Controller) CreateSecurityGroup(ctx context.Context, name, description string) (*SecurityGroupInfo, error) {
	credentials := auth.FromContext(ctx)

	reservations, err := c.quota.Reserve(ctx, credentials.ProjectID, map[string]int64{quota.ResourceSecurityGroups: 1})
	if err != nil {
		return nil, err
	}

	group := &db.SecurityGroup{
		UserID:      credentials.UserID,
		ProjectID:   credentials.ProjectID,
		Name:        name,
		Description: description,
	}

	if err := c.db.SecurityGroupCreate(ctx, group); err != nil {
		if rollbackErr := c.quota.Rollback(ctx, credentials.ProjectID, reservations); rollbackErr != nil {
			logr.FromContextOrDiscard(ctx).Error(rollbackErr, "Quota rollback failed")
		}

		return nil, err
	}

	if err := c.quota.Commit(ctx, credentials.ProjectID, reservations); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "Quota commit failed", "group", name)
	}

	view, err := c.securityGroupView(ctx, group)
	if err != nil {
		return nil, err
	}

	return &view, nil
}

// DeleteSecurityGroup removes a group.  The default group is permanent,
// groups with member instances refuse, and deleting an absent group
// succeeds.
func (c *Controller) DeleteSecurityGroup(ctx context.Context, name string) error {
	credentials := auth.FromContext(ctx)

	if name == DefaultSecurityGroup {
		return errors.InvalidParameterValue("the default group cannot be deleted")
	}

	group, err := c.db.SecurityGroupGetByName(ctx, credentials.ProjectID, name)
	if err != nil {
		if errors.IsNotFound(err) {
			logr.FromContextOrDiscard(ctx).Info("Security group already gone", "group", name)

			return nil
		}

		return err
	}

	members, err := c.db.InstanceGetAllBySecurityGroup(ctx, group.ID)
	if err != nil {
		return err
	}

	if len(members) > 0 {
		return errors.IncorrectState(fmt.Sprintf("security group %s has %d member instances", name, len(members)))
	}

	if err := c.db.SecurityGroupDestroy(ctx, group.ID); err != nil {
		return err
	}

	deltas := map[string]int64{
		quota.ResourceSecurityGroups:     -1,
		quota.ResourceSecurityGroupRules: -int64(len(group.Rules)),
	}

	c.releaseQuota(ctx, credentials.ProjectID, deltas)

	return nil
}

// AuthorizeSecurityGroupIngress adds one rule to a group and tells the
// compute hosts running member instances to recompile their firewalls.  An
// identical existing rule refuses as a duplicate.
func (c *Controller) AuthorizeSecurityGroupIngress(ctx context.Context, groupName string, request *RuleRequest) error {
	credentials := auth.FromContext(ctx)

	group, err := c.groupForRuleChange(ctx, groupName)
	if err != nil {
		return err
	}

	rule, err := c.buildRule(ctx, group, request)
	if err != nil {
		return err
	}

	for i := range group.Rules {
		if rulesEqual(&group.Rules[i], rule) {
			return errors.Duplicate("InvalidPermission.Duplicate", "this rule already exists in the group")
		}
	}

	reservations, err := c.quota.Reserve(ctx, credentials.ProjectID, map[string]int64{quota.ResourceSecurityGroupRules: 1})
	if err != nil {
		return err
	}

	if err := c.db.SecurityGroupRuleCreate(ctx, rule); err != nil {
		if rollbackErr := c.quota.Rollback(ctx, credentials.ProjectID, reservations); rollbackErr != nil {
			logr.FromContextOrDiscard(ctx).Error(rollbackErr, "Quota rollback failed")
		}

		return err
	}

	if err := c.quota.Commit(ctx, credentials.ProjectID, reservations); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "Quota commit failed", "group", groupName)
	}

	c.refreshGroupMembers(ctx, group.ID)

	return nil
}

// RevokeSecurityGroupIngress removes the rule exactly matching the request.
// No partial or overlapping matches: an inexact request is NotFound.
func (c *Controller) RevokeSecurityGroupIngress(ctx context.Context, groupName string, request *RuleRequest) error {
	credentials := auth.FromContext(ctx)

	group, err := c.groupForRuleChange(ctx, groupName)
	if err != nil {
		return err
	}

	rule, err := c.buildRule(ctx, group, request)
	if err != nil {
		return err
	}

	for i := range group.Rules {
		if !rulesEqual(&group.Rules[i], rule) {
			continue
		}

		if err := c.db.SecurityGroupRuleDestroy(ctx, group.Rules[i].ID); err != nil {
			return err
		}

		c.releaseQuota(ctx, credentials.ProjectID, map[string]int64{quota.ResourceSecurityGroupRules: -1})

		c.refreshGroupMembers(ctx, group.ID)

		return nil
	}

	return errors.NotFound("InvalidPermission.NotFound", "no rule matches the specified parameters")
}

// ensureDefaultGroup gets the caller's default group, creating it the first
// time the project touches the API.  The auto-created group doesn't charge
// quota.
func (c *Controller) ensureDefaultGroup(ctx context.Context) (*db.SecurityGroup, error) {
	credentials := auth.FromContext(ctx)

	group, err := c.db.SecurityGroupGetByName(ctx, credentials.ProjectID, DefaultSecurityGroup)
	if err == nil {
		return group, nil
	}

	if !errors.IsNotFound(err) {
		return nil, err
	}

	group = &db.SecurityGroup{
		UserID:      credentials.UserID,
		ProjectID:   credentials.ProjectID,
		Name:        DefaultSecurityGroup,
		Description: DefaultSecurityGroup,
	}

	if err := c.db.SecurityGroupCreate(ctx, group); err != nil {
		return nil, err
	}

	return group, nil
}

func (c *Controller) groupForRuleChange(ctx context.Context, name string) (*db.SecurityGroup, error) {
	credentials := auth.FromContext(ctx)

	if name == DefaultSecurityGroup {
		return c.ensureDefaultGroup(ctx)
	}

	return c.db.SecurityGroupGetByName(ctx, credentials.ProjectID, name)
}

// buildRule validates a request and shapes it as a row.  Source groups
// resolve within the caller's own project.
func (c *Controller) buildRule(ctx context.Context, group *db.SecurityGroup, request *RuleRequest) (*db.SecurityGroupRule, error) {
	credentials := auth.FromContext(ctx)

	rule := &db.SecurityGroupRule{
		ParentGroupID: group.ID,
		Protocol:      request.Protocol,
		FromPort:      &request.FromPort,
		ToPort:        &request.ToPort,
	}

	switch request.Protocol {
	case "tcp", "udp":
		if request.FromPort < 0 || request.ToPort > 65535 || request.FromPort > request.ToPort {
			return nil, errors.InvalidParameterValue(fmt.Sprintf("bad port range %d-%d", request.FromPort, request.ToPort))
		}
	case "icmp":
		if request.FromPort < -1 || request.ToPort < -1 {
			return nil, errors.InvalidParameterValue(fmt.Sprintf("bad icmp type/code %d/%d", request.FromPort, request.ToPort))
		}
	default:
		return nil, errors.InvalidParameterValue(fmt.Sprintf("unknown protocol %q", request.Protocol))
	}

	if request.SourceGroup != "" {
		source, err := c.db.SecurityGroupGetByName(ctx, credentials.ProjectID, request.SourceGroup)
		if err != nil {
			return nil, err
		}

		rule.GroupID = &source.ID

		return rule, nil
	}

	cidr := request.CIDR
	if cidr == "" {
		cidr = "0.0.0.0/0"
	}

	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return nil, errors.InvalidParameterValue(fmt.Sprintf("malformed cidr %q", cidr)).WithError(err)
	}

	rule.CIDR = cidr

	return rule, nil
}

func rulesEqual(a, b *db.SecurityGroupRule) bool {
	if a.Protocol != b.Protocol || a.CIDR != b.CIDR {
		return false
	}

	if !intPtrEqual(a.FromPort, b.FromPort) || !intPtrEqual(a.ToPort, b.ToPort) {
		return false
	}

	return int64PtrEqual(a.GroupID, b.GroupID)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

// refreshGroupMembers casts a firewall recompile at every host running an
// instance bound to the group.  Best effort: a missed host converges on its
// next restart.
func (c *Controller) refreshGroupMembers(ctx context.Context, groupID int64) {
	log := logr.FromContextOrDiscard(ctx)

	members, err := c.db.InstanceGetAllBySecurityGroup(ctx, groupID)
	if err != nil {
		log.Error(err, "Couldn't list group members", "group", groupID)

		return
	}

	hosts := map[string]bool{}

	for i := range members {
		if members[i].Host != "" {
			hosts[members[i].Host] = true
		}
	}

	for _, host := range sortedKeys(hosts) {
		args := map[string]interface{}{"security_group_id": groupID}

		if err := c.client.Cast(ctx, rpc.Queue(constants.ComputeTopic, host), "refresh_security_group", args); err != nil {
			log.Error(err, "Couldn't notify host of rule change", "host", host, "group", groupID)
		}
	}
}

// releaseQuota returns previously committed usage.  Failures only log; the
// ledger self-heals when the reservation expires.
func (c *Controller) releaseQuota(ctx context.Context, projectID string, deltas map[string]int64) {
	log := logr.FromContextOrDiscard(ctx)

	reservations, err := c.quota.Reserve(ctx, projectID, deltas)
	if err != nil {
		log.Error(err, "Quota release failed", "project", projectID)

		return
	}

	if err := c.quota.Commit(ctx, projectID, reservations); err != nil {
		log.Error(err, "Quota release commit failed", "project", projectID)
	}
}

// securityGroupView shapes a group for the wire, resolving granting group
// IDs back to names.
func (c *Controller) securityGroupView(ctx context.Context, group *db.SecurityGroup) (SecurityGroupInfo, error) {
	info := SecurityGroupInfo{
		OwnerID:     group.ProjectID,
		Name:        group.Name,
		Description: group.Description,
	}

	for i := range group.Rules {
		rule := &group.Rules[i]

		permission := IPPermission{Protocol: rule.Protocol}

		if rule.FromPort != nil {
			permission.FromPort = *rule.FromPort
		}

		if rule.ToPort != nil {
			permission.ToPort = *rule.ToPort
		}

		switch {
		case rule.GroupID != nil:
			source, err := c.db.SecurityGroupGet(ctx, *rule.GroupID)
			if err != nil {
				return SecurityGroupInfo{}, err
			}

			permission.Groups = []SourceGroup{{Name: source.Name}}
		default:
			permission.Ranges = []CIDRRange{{CIDR: rule.CIDR}}
		}

		info.Permissions = append(info.Permissions, permission)
	}

	return info, nil
}
