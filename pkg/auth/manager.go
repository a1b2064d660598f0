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

package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/eschercloudai/stratus/pkg/auth/signer"
	"github.com/eschercloudai/stratus/pkg/errors"
)

// Manager wraps the directory driver with the authentication flow and the
// role policy.
type Manager struct {
	driver Driver
}

// NewManager creates a manager over a directory driver.
func NewManager(driver Driver) *Manager {
	return &Manager{
		driver: driver,
	}
}

// Driver exposes the underlying directory for administrative tooling.
func (m *Manager) Driver() Driver {
	return m.driver
}

// Authenticate verifies a signed EC2 request and resolves the caller's
// identity.  The access parameter is either an access key, scoping the
// request to the user's eponymous project, or access_key:project.
// Membership is checked before the signature so a stolen key cannot probe
// other projects, admins bypass membership only.
func (m *Manager) Authenticate(ctx context.Context, params map[string]string, verb, host, path string) (*Credentials, error) {
	access := params["AWSAccessKeyId"]
	if access == "" {
		return nil, errors.AuthFailure("no access key supplied")
	}

	accessKey, projectID, _ := strings.Cut(access, ":")

	user, err := m.driver.UserGetByAccessKey(ctx, accessKey)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.AuthFailure("no user found for access key").WithError(err)
		}

		return nil, err
	}

	if projectID == "" {
		projectID = user.ID
	}

	project, err := m.driver.ProjectGet(ctx, projectID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.AuthFailure(fmt.Sprintf("no project found called %s", projectID)).WithError(err)
		}

		return nil, err
	}

	admin, err := m.isSuperuser(ctx, user)
	if err != nil {
		return nil, err
	}

	if !admin && !project.HasMember(user.ID) {
		return nil, errors.AuthFailure(fmt.Sprintf("user %s is not a member of project %s", user.ID, project.ID))
	}

	signature := params["Signature"]
	if signature == "" {
		return nil, errors.AuthFailure("request is not signed")
	}

	// The signature never signs itself.
	unsigned := make(map[string]string, len(params))

	for key, value := range params {
		unsigned[key] = value
	}

	delete(unsigned, "Signature")

	if err := signer.Verify(user.SecretKey, unsigned, signature, verb, host, path); err != nil {
		return nil, err
	}

	roles, err := m.resolveRoles(ctx, user, project)
	if err != nil {
		return nil, err
	}

	return NewCredentials(user.ID, project.ID, admin, roles), nil
}

// isSuperuser reports whether the user holds the administrative bypass,
// directly or through a global superuser role.
func (m *Manager) isSuperuser(ctx context.Context, user *User) (bool, error) {
	if user.Admin {
		return true, nil
	}

	for _, role := range SuperuserRoles {
		ok, err := m.driver.RoleHas(ctx, user.ID, role, "")
		if err != nil {
			return false, err
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

// resolveRoles collects the effective role names for audit and for the
// credentials handed to workers.
func (m *Manager) resolveRoles(ctx context.Context, user *User, project *Project) ([]string, error) {
	set := map[string]bool{}

	global, err := m.driver.RolesForUser(ctx, user.ID, "")
	if err != nil {
		return nil, err
	}

	scoped, err := m.driver.RolesForUser(ctx, user.ID, project.ID)
	if err != nil {
		return nil, err
	}

	for _, role := range append(global, scoped...) {
		set[role] = true
	}

	if project.ManagerID == user.ID {
		set[RoleProjectManager] = true
	}

	roles := make([]string, 0, len(set))

	for role := range set {
		roles = append(roles, role)
	}

	sort.Strings(roles)

	return roles, nil
}

// HasRole evaluates one role for a user.  The projectmanager pseudo role is
// project ownership.  Project scoped roles require the matching global
// binding too, so revoking a role globally revokes it everywhere at once.
func (m *Manager) HasRole(ctx context.Context, userID, role, projectID string) (bool, error) {
	if role == RoleProjectManager {
		if projectID == "" {
			return false, errors.APIError("InvalidRole", "the projectmanager role requires a project")
		}

		project, err := m.driver.ProjectGet(ctx, projectID)
		if err != nil {
			return false, err
		}

		return project.ManagerID == userID, nil
	}

	global, err := m.driver.RoleHas(ctx, userID, role, "")
	if err != nil {
		return false, err
	}

	if !global {
		return false, nil
	}

	if projectID == "" || contains(GlobalRoles, role) {
		return global, nil
	}

	return m.driver.RoleHas(ctx, userID, role, projectID)
}

// Authorize gates a verb.  Admins bypass, RoleAll admits any authenticated
// project member, otherwise any one of the allowed roles suffices.
func (m *Manager) Authorize(ctx context.Context, credentials *Credentials, allowed []string) error {
	if credentials.IsAdmin {
		return nil
	}

	for _, role := range allowed {
		if role == RoleAll {
			return nil
		}

		ok, err := m.HasRole(ctx, credentials.UserID, role, credentials.ProjectID)
		if err != nil {
			return err
		}

		if ok {
			return nil
		}
	}

	return errors.NotAuthorized(fmt.Sprintf("user %s may not perform this operation", credentials.UserID))
}

// CreateUser mints a user, generating wire credentials when none are given.
func (m *Manager) CreateUser(ctx context.Context, id, accessKey, secretKey string, admin bool) (*User, error) {
	if accessKey == "" {
		accessKey = uuid.New().String()
	}

	if secretKey == "" {
		secretKey = uuid.New().String()
	}

	user := &User{
		ID:        id,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Admin:     admin,
	}

	if err := m.driver.UserCreate(ctx, user); err != nil {
		return nil, err
	}

	return user, nil
}

// DeleteUser removes a user.  Membership and role bindings must be gone
// first, mirroring the lifetime rule for principals.
func (m *Manager) DeleteUser(ctx context.Context, id string) error {
	projects, err := m.driver.ProjectGetAll(ctx, id)
	if err != nil {
		return err
	}

	if len(projects) > 0 {
		return errors.IncorrectState(fmt.Sprintf("user %s is still a member of %d projects", id, len(projects)))
	}

	roles, err := m.driver.RolesForUser(ctx, id, "")
	if err != nil {
		return err
	}

	if len(roles) > 0 {
		return errors.IncorrectState(fmt.Sprintf("user %s still holds global roles %s", id, strings.Join(roles, ", ")))
	}

	return m.driver.UserDelete(ctx, id)
}

// CreateProject mints a project.  The manager must exist and is forced into
// the membership, the description defaults to the project name.
func (m *Manager) CreateProject(ctx context.Context, id, managerID, description string, members []string) (*Project, error) {
	if _, err := m.driver.UserGet(ctx, managerID); err != nil {
		return nil, err
	}

	for _, member := range members {
		if _, err := m.driver.UserGet(ctx, member); err != nil {
			return nil, err
		}
	}

	if description == "" {
		description = id
	}

	if !contains(members, managerID) {
		members = append(members, managerID)
	}

	project := &Project{
		ID:          id,
		ManagerID:   managerID,
		Description: description,
		Members:     members,
	}

	if err := m.driver.ProjectCreate(ctx, project); err != nil {
		return nil, err
	}

	return project, nil
}

// ModifyProject rewrites the manager and description, keeping the manager a
// member.
func (m *Manager) ModifyProject(ctx context.Context, id, managerID, description string) error {
	project, err := m.driver.ProjectGet(ctx, id)
	if err != nil {
		return err
	}

	if managerID != "" {
		if _, err := m.driver.UserGet(ctx, managerID); err != nil {
			return err
		}

		if !project.HasMember(managerID) {
			if err := m.driver.ProjectAddMember(ctx, id, managerID); err != nil {
				return err
			}
		}

		project.ManagerID = managerID
	}

	if description != "" {
		project.Description = description
	}

	return m.driver.ProjectModify(ctx, project)
}

// AddRole binds a role.  Only grantable roles may be bound, and global only
// roles may not be scoped to a project.
func (m *Manager) AddRole(ctx context.Context, userID, role, projectID string) error {
	if !contains(GrantableRoles, role) {
		return errors.NotFound("RoleNotFound", fmt.Sprintf("the %s role cannot be found", role))
	}

	if projectID != "" && contains(GlobalRoles, role) {
		return errors.NotFound("RoleNotFound", fmt.Sprintf("the %s role is global only", role))
	}

	return m.driver.RoleAdd(ctx, userID, role, projectID)
}

// RemoveRole unbinds a role.
func (m *Manager) RemoveRole(ctx context.Context, userID, role, projectID string) error {
	if !contains(GrantableRoles, role) {
		return errors.NotFound("RoleNotFound", fmt.Sprintf("the %s role cannot be found", role))
	}

	return m.driver.RoleRemove(ctx, userID, role, projectID)
}

func contains(haystack []string, needle string) bool {
	for _, value := range haystack {
		if value == needle {
			return true
		}
	}

	return false
}
