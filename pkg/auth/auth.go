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

// Package auth owns identity.  Users and projects live in a pluggable
// directory, role bindings gate the API verbs, and request signatures prove
// who is calling.
package auth

import (
	"context"
)

// Role names.  The set is closed; RoleProjectManager is computed from
// project ownership and never granted through the directory.
const (
	RoleCloudAdmin     = "cloudadmin"
	RoleITSec          = "itsec"
	RoleSysAdmin       = "sysadmin"
	RoleNetAdmin       = "netadmin"
	RoleDeveloper      = "developer"
	RoleProjectManager = "projectmanager"

	// RoleAll in a verb's gate admits any authenticated member of the
	// project.
	RoleAll = "all"
)

// GrantableRoles may be bound through the directory.
//
//nolint:gochecknoglobals
var GrantableRoles = []string{RoleCloudAdmin, RoleITSec, RoleSysAdmin, RoleNetAdmin, RoleDeveloper}

// GlobalRoles may only be bound globally, never scoped to a project.
//
//nolint:gochecknoglobals
var GlobalRoles = []string{RoleCloudAdmin, RoleITSec}

// SuperuserRoles grant the administrative bypass everywhere.
//
//nolint:gochecknoglobals
var SuperuserRoles = []string{RoleCloudAdmin}

// User is a directory principal.
type User struct {
	// ID names the user; it doubles as the default project name.
	ID string

	// AccessKey identifies the user on the wire.
	AccessKey string

	// SecretKey signs requests; never leaves the control plane.
	SecretKey string

	// Admin grants the administrative bypass directly.
	Admin bool
}

// Project is a directory group owning cloud resources.
type Project struct {
	// ID names the project.
	ID string

	// ManagerID is the member with the projectmanager pseudo role.
	ManagerID string

	// Description is free text, defaulted to the project name.
	Description string

	// Members holds the user IDs belonging to the project.
	Members []string
}

// HasMember reports project membership from the already loaded record.
func (p *Project) HasMember(userID string) bool {
	for _, member := range p.Members {
		if member == userID {
			return true
		}
	}

	return false
}

// Driver is the directory contract.  Implementations: LDAP for production,
// Redis for development and tests.  A projectID of "" scopes role operations
// globally.
type Driver interface {
	// UserCreate adds a principal.  Existing IDs yield Duplicate.
	UserCreate(ctx context.Context, user *User) error

	// UserGet looks a user up by ID.
	UserGet(ctx context.Context, id string) (*User, error)

	// UserGetByAccessKey looks a user up by wire identity.
	UserGetByAccessKey(ctx context.Context, accessKey string) (*User, error)

	// UserGetAll lists all users.
	UserGetAll(ctx context.Context) ([]User, error)

	// UserDelete removes a principal.
	UserDelete(ctx context.Context, id string) error

	// ProjectCreate adds a project.  The manager must already be in
	// Members.
	ProjectCreate(ctx context.Context, project *Project) error

	// ProjectGet looks a project up by ID.
	ProjectGet(ctx context.Context, id string) (*Project, error)

	// ProjectGetAll lists projects, optionally only those a user belongs
	// to.
	ProjectGetAll(ctx context.Context, memberID string) ([]Project, error)

	// ProjectModify rewrites the manager and description.
	ProjectModify(ctx context.Context, project *Project) error

	// ProjectDelete removes a project and its role groups.
	ProjectDelete(ctx context.Context, id string) error

	// ProjectAddMember joins a user to a project.
	ProjectAddMember(ctx context.Context, projectID, userID string) error

	// ProjectRemoveMember removes a user from a project and from every
	// role scoped under it.
	ProjectRemoveMember(ctx context.Context, projectID, userID string) error

	// RoleAdd binds a role to a user.
	RoleAdd(ctx context.Context, userID, role, projectID string) error

	// RoleRemove unbinds a role.  Unbinding the last holder removes the
	// underlying group.
	RoleRemove(ctx context.Context, userID, role, projectID string) error

	// RoleHas reports one binding.
	RoleHas(ctx context.Context, userID, role, projectID string) (bool, error)

	// RolesForUser lists the roles bound to a user in the given scope.
	RolesForUser(ctx context.Context, userID, projectID string) ([]string, error)
}
