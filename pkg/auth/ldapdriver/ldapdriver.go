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

// Package ldapdriver backs the directory with LDAP.  Users live in one
// subtree, projects are groups in another, and a project scoped role is a
// group nested under its project.  groupOfNames requires at least one
// member, so removing the last member of any group deletes the group.
package ldapdriver

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/spf13/pflag"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/errors"
	"github.com/eschercloudai/stratus/pkg/flags"
)

const (
	attrAccessKey   = "accessKey"
	attrSecretKey   = "secretKey"
	attrAdmin       = "isAdmin"
	attrMember      = "member"
	attrDescription = "description"
	attrManager     = "manager"
	attrCommonName  = "cn"
	attrSurname     = "sn"

	userObjectClass    = "stratusUser"
	projectObjectClass = "stratusProject"
	groupObjectClass   = "groupOfNames"

	ldapTrue  = "TRUE"
	ldapFalse = "FALSE"
)

//nolint:gochecknoglobals
var userObjectClasses = []string{"person", "organizationalPerson", "inetOrgPerson", userObjectClass}

//nolint:gochecknoglobals
var projectObjectClasses = []string{groupObjectClass, projectObjectClass}

// Options are attachable to a flag set.
type Options struct {
	// URL locates the directory server.
	URL string

	// BindDN and BindPassword authenticate the control plane itself.
	BindDN       string
	BindPassword string

	// UserSubtree holds user entries.
	UserSubtree string

	// ProjectSubtree holds project groups, and under them role groups.
	ProjectSubtree string

	// IDAttribute names users within the subtree.
	IDAttribute string

	// GlobalRoleDNs maps a role name to its well known global group.
	GlobalRoleDNs flags.StringMapFlag

	// ModifyOnly makes user create and delete rewrite attributes on
	// pre-provisioned entries rather than adding and removing entries,
	// for directories owned by an external identity system.
	ModifyOnly bool
}

// AddFlags adds the options to the given flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	o.GlobalRoleDNs.Map = map[string]string{
		auth.RoleCloudAdmin: "cn=cloudadmins,ou=groups,dc=stratus,dc=local",
		auth.RoleITSec:      "cn=itsec,ou=groups,dc=stratus,dc=local",
		auth.RoleSysAdmin:   "cn=sysadmins,ou=groups,dc=stratus,dc=local",
		auth.RoleNetAdmin:   "cn=netadmins,ou=groups,dc=stratus,dc=local",
		auth.RoleDeveloper:  "cn=developers,ou=groups,dc=stratus,dc=local",
	}

	f.StringVar(&o.URL, "ldap-url", "ldap://localhost:389", "Directory server URL.")
	f.StringVar(&o.BindDN, "ldap-bind-dn", "cn=admin,dc=stratus,dc=local", "DN the control plane binds as.")
	f.StringVar(&o.BindPassword, "ldap-bind-password", "", "Password for the bind DN.")
	f.StringVar(&o.UserSubtree, "ldap-user-subtree", "ou=users,dc=stratus,dc=local", "Subtree holding user entries.")
	f.StringVar(&o.ProjectSubtree, "ldap-project-subtree", "ou=groups,dc=stratus,dc=local", "Subtree holding project groups.")
	f.StringVar(&o.IDAttribute, "ldap-id-attribute", "uid", "Naming attribute for user entries.")
	f.Var(&o.GlobalRoleDNs, "ldap-global-role-dns", "Role name to global role group DN map.")
	f.BoolVar(&o.ModifyOnly, "ldap-modify-only", false, "Rewrite attributes on pre-provisioned user entries instead of adding and deleting them.")
}

// Driver implements the directory contract over LDAP.
type Driver struct {
	options *Options

	mutex sync.Mutex
	conn  *ldap.Conn
}

var _ auth.Driver = &Driver{}

// New creates an LDAP driver.  The connection is established lazily.
func New(options *Options) *Driver {
	return &Driver{
		options: options,
	}
}

// connection hands out the shared connection, redialing after the server
// drops us.  ldap.Conn multiplexes concurrent requests on one connection.
func (d *Driver) connection() (*ldap.Conn, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.conn != nil && !d.conn.IsClosing() {
		return d.conn, nil
	}

	conn, err := ldap.DialURL(d.options.URL)
	if err != nil {
		return nil, err
	}

	if d.options.BindDN != "" {
		if err := conn.Bind(d.options.BindDN, d.options.BindPassword); err != nil {
			conn.Close()

			return nil, err
		}
	}

	d.conn = conn

	return conn, nil
}

func (d *Driver) userDN(id string) string {
	return fmt.Sprintf("%s=%s,%s", d.options.IDAttribute, id, d.options.UserSubtree)
}

func (d *Driver) projectDN(id string) string {
	return fmt.Sprintf("cn=%s,%s", id, d.options.ProjectSubtree)
}

// roleDN resolves the group for a role binding.  Project roles nest under
// their project, global roles live at configured well known DNs.
func (d *Driver) roleDN(role, projectID string) (string, error) {
	if projectID == "" {
		dn, ok := d.options.GlobalRoleDNs.Map[role]
		if !ok {
			return "", errors.NotFound("RoleNotFound", fmt.Sprintf("no global group configured for role %s", role))
		}

		return dn, nil
	}

	return fmt.Sprintf("cn=%s,%s", ldap.EscapeDN(role), d.projectDN(projectID)), nil
}

func userNotFound(id string) *errors.Error {
	return errors.NotFound("UserNotFound", fmt.Sprintf("user %s not found", id))
}

func projectNotFound(id string) *errors.Error {
	return errors.NotFound("ProjectNotFound", fmt.Sprintf("project %s not found", id))
}

// notFound maps the LDAP no-such-object result onto a typed error.
func notFound(err error, typed *errors.Error) error {
	if err == nil {
		return nil
	}

	if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return typed.WithError(err)
	}

	return err
}

func (d *Driver) search(base string, scope int, filter string, attributes []string) (*ldap.SearchResult, error) {
	conn, err := d.connection()
	if err != nil {
		return nil, err
	}

	request := ldap.NewSearchRequest(base, scope, ldap.NeverDerefAliases, 0, 0, false, filter, attributes, nil)

	return conn.Search(request)
}

// userFromEntry decodes a directory entry.
func (d *Driver) userFromEntry(entry *ldap.Entry) *auth.User {
	return &auth.User{
		ID:        entry.GetAttributeValue(d.options.IDAttribute),
		AccessKey: entry.GetAttributeValue(attrAccessKey),
		SecretKey: entry.GetAttributeValue(attrSecretKey),
		Admin:     entry.GetAttributeValue(attrAdmin) == ldapTrue,
	}
}

// userEntry resolves a user entry.  The deterministic DN is tried first; a
// subtree search catches schemas where the naming attribute differs from
// the configured one.
func (d *Driver) userEntry(id string) (*ldap.Entry, error) {
	filter := fmt.Sprintf("(objectClass=%s)", userObjectClass)

	result, err := d.search(d.userDN(id), ldap.ScopeBaseObject, filter, nil)
	if err == nil && len(result.Entries) == 1 {
		return result.Entries[0], nil
	}

	if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return nil, err
	}

	filter = fmt.Sprintf("(&(objectClass=%s)(%s=%s))", userObjectClass, d.options.IDAttribute, ldap.EscapeFilter(id))

	result, err = d.search(d.options.UserSubtree, ldap.ScopeWholeSubtree, filter, nil)
	if err != nil {
		return nil, notFound(err, userNotFound(id))
	}

	if len(result.Entries) == 0 {
		return nil, userNotFound(id)
	}

	return result.Entries[0], nil
}

// UserCreate adds a principal, or in modify only mode rewrites the identity
// attributes on a pre-provisioned entry.
func (d *Driver) UserCreate(ctx context.Context, user *auth.User) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}

	admin := ldapFalse
	if user.Admin {
		admin = ldapTrue
	}

	if d.options.ModifyOnly {
		entry, err := d.userEntry(user.ID)
		if err != nil {
			return err
		}

		request := ldap.NewModifyRequest(entry.DN, nil)
		request.Replace(attrAccessKey, []string{user.AccessKey})
		request.Replace(attrSecretKey, []string{user.SecretKey})
		request.Replace(attrAdmin, []string{admin})

		return conn.Modify(request)
	}

	if _, err := d.userEntry(user.ID); err == nil {
		return errors.Duplicate("UserExists", fmt.Sprintf("user %s already exists", user.ID))
	}

	request := ldap.NewAddRequest(d.userDN(user.ID), nil)
	request.Attribute("objectClass", userObjectClasses)
	request.Attribute(attrCommonName, []string{user.ID})
	request.Attribute(attrSurname, []string{user.ID})
	request.Attribute(d.options.IDAttribute, []string{user.ID})
	request.Attribute(attrAccessKey, []string{user.AccessKey})
	request.Attribute(attrSecretKey, []string{user.SecretKey})
	request.Attribute(attrAdmin, []string{admin})

	if err := conn.Add(request); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			return errors.Duplicate("UserExists", fmt.Sprintf("user %s already exists", user.ID))
		}

		return err
	}

	return nil
}

// UserGet looks a user up by ID.
func (d *Driver) UserGet(ctx context.Context, id string) (*auth.User, error) {
	entry, err := d.userEntry(id)
	if err != nil {
		return nil, err
	}

	return d.userFromEntry(entry), nil
}

// UserGetByAccessKey looks a user up by wire identity.
func (d *Driver) UserGetByAccessKey(ctx context.Context, accessKey string) (*auth.User, error) {
	filter := fmt.Sprintf("(&(objectClass=%s)(%s=%s))", userObjectClass, attrAccessKey, ldap.EscapeFilter(accessKey))

	result, err := d.search(d.options.UserSubtree, ldap.ScopeWholeSubtree, filter, nil)
	if err != nil {
		return nil, notFound(err, userNotFound(accessKey))
	}

	if len(result.Entries) == 0 {
		return nil, userNotFound(accessKey)
	}

	return d.userFromEntry(result.Entries[0]), nil
}

// UserGetAll lists all users.
func (d *Driver) UserGetAll(ctx context.Context) ([]auth.User, error) {
	filter := fmt.Sprintf("(objectClass=%s)", userObjectClass)

	result, err := d.search(d.options.UserSubtree, ldap.ScopeWholeSubtree, filter, nil)
	if err != nil {
		return nil, err
	}

	users := make([]auth.User, len(result.Entries))

	for i, entry := range result.Entries {
		users[i] = *d.userFromEntry(entry)
	}

	return users, nil
}

// UserDelete removes a principal, or in modify only mode strips the
// identity attributes and leaves the entry to its owner.
func (d *Driver) UserDelete(ctx context.Context, id string) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}

	entry, err := d.userEntry(id)
	if err != nil {
		return err
	}

	if d.options.ModifyOnly {
		request := ldap.NewModifyRequest(entry.DN, nil)
		request.Delete(attrAccessKey, nil)
		request.Delete(attrSecretKey, nil)
		request.Delete(attrAdmin, nil)

		return conn.Modify(request)
	}

	return notFound(conn.Del(ldap.NewDelRequest(entry.DN, nil)), userNotFound(id))
}

func (d *Driver) projectFromEntry(entry *ldap.Entry) *auth.Project {
	members := entry.GetAttributeValues(attrMember)

	project := &auth.Project{
		ID:          entry.GetAttributeValue(attrCommonName),
		ManagerID:   dnLeafValue(entry.GetAttributeValue(attrManager)),
		Description: entry.GetAttributeValue(attrDescription),
		Members:     make([]string, len(members)),
	}

	for i, member := range members {
		project.Members[i] = dnLeafValue(member)
	}

	return project
}

// dnLeafValue extracts the value of the leftmost RDN, turning a member DN
// back into a user ID.
func dnLeafValue(dn string) string {
	if dn == "" {
		return ""
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return dn
	}

	return parsed.RDNs[0].Attributes[0].Value
}

// ProjectCreate adds a project group with its initial membership.
func (d *Driver) ProjectCreate(ctx context.Context, project *auth.Project) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}

	members := make([]string, len(project.Members))

	for i, member := range project.Members {
		members[i] = d.userDN(member)
	}

	request := ldap.NewAddRequest(d.projectDN(project.ID), nil)
	request.Attribute("objectClass", projectObjectClasses)
	request.Attribute(attrCommonName, []string{project.ID})
	request.Attribute(attrDescription, []string{project.Description})
	request.Attribute(attrManager, []string{d.userDN(project.ManagerID)})
	request.Attribute(attrMember, members)

	if err := conn.Add(request); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			return errors.Duplicate("ProjectExists", fmt.Sprintf("project %s already exists", project.ID))
		}

		return err
	}

	return nil
}

// ProjectGet looks a project up by ID.
func (d *Driver) ProjectGet(ctx context.Context, id string) (*auth.Project, error) {
	filter := fmt.Sprintf("(objectClass=%s)", projectObjectClass)

	result, err := d.search(d.projectDN(id), ldap.ScopeBaseObject, filter, nil)
	if err != nil {
		return nil, notFound(err, projectNotFound(id))
	}

	if len(result.Entries) == 0 {
		return nil, projectNotFound(id)
	}

	return d.projectFromEntry(result.Entries[0]), nil
}

// ProjectGetAll lists projects, filtered to a member when one is given.
// Role groups nest one level deeper and are excluded by the single level
// scope.
func (d *Driver) ProjectGetAll(ctx context.Context, memberID string) ([]auth.Project, error) {
	filter := fmt.Sprintf("(objectClass=%s)", projectObjectClass)

	if memberID != "" {
		filter = fmt.Sprintf("(&(objectClass=%s)(%s=%s))", projectObjectClass, attrMember, ldap.EscapeFilter(d.userDN(memberID)))
	}

	result, err := d.search(d.options.ProjectSubtree, ldap.ScopeSingleLevel, filter, nil)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}

		return nil, err
	}

	projects := make([]auth.Project, len(result.Entries))

	for i, entry := range result.Entries {
		projects[i] = *d.projectFromEntry(entry)
	}

	return projects, nil
}

// ProjectModify rewrites the manager and description.  Attribute values are
// always written in list form.
func (d *Driver) ProjectModify(ctx context.Context, project *auth.Project) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}

	request := ldap.NewModifyRequest(d.projectDN(project.ID), nil)
	request.Replace(attrManager, []string{d.userDN(project.ManagerID)})
	request.Replace(attrDescription, []string{project.Description})

	return notFound(conn.Modify(request), projectNotFound(project.ID))
}

// roleGroups lists the role groups nested under a project, optionally only
// those a user belongs to.
func (d *Driver) roleGroups(projectID, memberID string) ([]*ldap.Entry, error) {
	filter := fmt.Sprintf("(objectClass=%s)", groupObjectClass)

	if memberID != "" {
		filter = fmt.Sprintf("(&(objectClass=%s)(%s=%s))", groupObjectClass, attrMember, ldap.EscapeFilter(d.userDN(memberID)))
	}

	result, err := d.search(d.projectDN(projectID), ldap.ScopeSingleLevel, filter, nil)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}

		return nil, err
	}

	return result.Entries, nil
}

// ProjectDelete removes a project.  Role groups nested under it go first so
// the subtree is empty when the project entry is deleted.
func (d *Driver) ProjectDelete(ctx context.Context, id string) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}

	groups, err := d.roleGroups(id, "")
	if err != nil {
		return err
	}

	for _, group := range groups {
		if err := conn.Del(ldap.NewDelRequest(group.DN, nil)); err != nil {
			return err
		}
	}

	return notFound(conn.Del(ldap.NewDelRequest(d.projectDN(id), nil)), projectNotFound(id))
}

// groupMembers reads the membership of a group.
func (d *Driver) groupMembers(dn string) ([]string, error) {
	result, err := d.search(dn, ldap.ScopeBaseObject, fmt.Sprintf("(objectClass=%s)", groupObjectClass), []string{attrMember})
	if err != nil {
		return nil, err
	}

	if len(result.Entries) == 0 {
		return nil, nil
	}

	return result.Entries[0].GetAttributeValues(attrMember), nil
}

// addToGroup adds a user's DN to a group's membership.
func (d *Driver) addToGroup(dn, userID string) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}

	request := ldap.NewModifyRequest(dn, nil)
	request.Add(attrMember, []string{d.userDN(userID)})

	if err := conn.Modify(request); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists) {
			return errors.Duplicate("MemberExists", fmt.Sprintf("user %s is already in the group", userID))
		}

		return err
	}

	return nil
}

// removeFromGroup removes a user's DN from a group.  groupOfNames cannot
// exist empty, so removing the last member deletes the group instead.
func (d *Driver) removeFromGroup(dn, userID string) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}

	members, err := d.groupMembers(dn)
	if err != nil {
		return err
	}

	userDN := d.userDN(userID)

	member := false

	for _, value := range members {
		if ldap.EscapeFilter(value) == ldap.EscapeFilter(userDN) || dnLeafValue(value) == userID {
			member = true

			break
		}
	}

	if !member {
		return errors.NotFound("MemberNotFound", fmt.Sprintf("user %s is not in the group", userID))
	}

	if len(members) == 1 {
		return conn.Del(ldap.NewDelRequest(dn, nil))
	}

	request := ldap.NewModifyRequest(dn, nil)
	request.Delete(attrMember, []string{userDN})

	return conn.Modify(request)
}

// ProjectAddMember joins a user to a project.
func (d *Driver) ProjectAddMember(ctx context.Context, projectID, userID string) error {
	if _, err := d.userEntry(userID); err != nil {
		return err
	}

	return notFound(d.addToGroup(d.projectDN(projectID), userID), projectNotFound(projectID))
}

// ProjectRemoveMember removes a user from a project, sweeping them out of
// every role group nested under it first.
func (d *Driver) ProjectRemoveMember(ctx context.Context, projectID, userID string) error {
	groups, err := d.roleGroups(projectID, userID)
	if err != nil {
		return err
	}

	for _, group := range groups {
		if err := d.removeFromGroup(group.DN, userID); err != nil {
			return err
		}
	}

	return notFound(d.removeFromGroup(d.projectDN(projectID), userID), projectNotFound(projectID))
}

// RoleAdd binds a role.  Project role groups are created on first use.
func (d *Driver) RoleAdd(ctx context.Context, userID, role, projectID string) error {
	dn, err := d.roleDN(role, projectID)
	if err != nil {
		return err
	}

	if projectID != "" {
		members, err := d.groupMembers(dn)
		if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return err
		}

		if len(members) == 0 {
			conn, err := d.connection()
			if err != nil {
				return err
			}

			request := ldap.NewAddRequest(dn, nil)
			request.Attribute("objectClass", []string{groupObjectClass})
			request.Attribute(attrCommonName, []string{role})
			request.Attribute(attrDescription, []string{fmt.Sprintf("%s role for %s", role, projectID)})
			request.Attribute(attrMember, []string{d.userDN(userID)})

			return conn.Add(request)
		}
	}

	return notFound(d.addToGroup(dn, userID), errors.NotFound("RoleNotFound", fmt.Sprintf("role group for %s not found", role)))
}

// RoleRemove unbinds a role, deleting the group with its last member.
func (d *Driver) RoleRemove(ctx context.Context, userID, role, projectID string) error {
	dn, err := d.roleDN(role, projectID)
	if err != nil {
		return err
	}

	return notFound(d.removeFromGroup(dn, userID), errors.NotFound("RoleNotFound", fmt.Sprintf("role group for %s not found", role)))
}

// RoleHas reports one binding.  A missing group is simply false.
func (d *Driver) RoleHas(ctx context.Context, userID, role, projectID string) (bool, error) {
	dn, err := d.roleDN(role, projectID)
	if err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}

		return false, err
	}

	filter := fmt.Sprintf("(&(objectClass=%s)(%s=%s))", groupObjectClass, attrMember, ldap.EscapeFilter(d.userDN(userID)))

	result, err := d.search(dn, ldap.ScopeBaseObject, filter, []string{attrCommonName})
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return false, nil
		}

		return false, err
	}

	return len(result.Entries) > 0, nil
}

// RolesForUser lists role names bound to a user in the given scope.
func (d *Driver) RolesForUser(ctx context.Context, userID, projectID string) ([]string, error) {
	if projectID != "" {
		groups, err := d.roleGroups(projectID, userID)
		if err != nil {
			return nil, err
		}

		roles := make([]string, len(groups))

		for i, group := range groups {
			roles[i] = group.GetAttributeValue(attrCommonName)
		}

		return roles, nil
	}

	var roles []string

	for role := range d.options.GlobalRoleDNs.Map {
		ok, err := d.RoleHas(ctx, userID, role, "")
		if err != nil {
			return nil, err
		}

		if ok {
			roles = append(roles, role)
		}
	}

	return roles, nil
}
