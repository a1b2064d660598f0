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

// Package redisdriver backs the directory with Redis.  Users are hashes,
// membership and role bindings are sets.  A set key vanishes with its last
// member, so bindings never exist empty.
package redisdriver

import (
	"context"
	goerrors "errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/errors"
)

const (
	usersKey    = "users"
	projectsKey = "projects"

	fieldAccessKey   = "access_key"
	fieldSecretKey   = "secret_key"
	fieldAdmin       = "admin"
	fieldManager     = "manager"
	fieldDescription = "description"
)

// Options are attachable to a flag set.
type Options struct {
	// Address locates the Redis server holding the directory.
	Address string
}

// AddFlags adds the options to the given flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.Address, "auth-redis-address", "localhost:6379", "Redis server holding the directory.")
}

// Driver returns a directory driver connected per the options.
func (o *Options) Driver() *Driver {
	return New(redis.NewClient(&redis.Options{Addr: o.Address}))
}

// Driver implements the directory contract over Redis.
type Driver struct {
	client *redis.Client
}

var _ auth.Driver = &Driver{}

// New creates a Redis driver over an existing client.
func New(client *redis.Client) *Driver {
	return &Driver{
		client: client,
	}
}

func userKey(id string) string {
	return "user:" + id
}

func accessKeyKey(accessKey string) string {
	return "access:" + accessKey
}

func projectKey(id string) string {
	return "project:" + id
}

func membersKey(id string) string {
	return projectKey(id) + ":members"
}

func roleKey(role, projectID string) string {
	if projectID == "" {
		return "role:global:" + role
	}

	return "role:" + projectID + ":" + role
}

func userNotFound(id string) *errors.Error {
	return errors.NotFound("UserNotFound", fmt.Sprintf("user %s not found", id))
}

func projectNotFound(id string) *errors.Error {
	return errors.NotFound("ProjectNotFound", fmt.Sprintf("project %s not found", id))
}

// UserCreate adds a principal.  Membership of the user set is the existence
// check, so concurrent creates cannot both win.
func (d *Driver) UserCreate(ctx context.Context, user *auth.User) error {
	added, err := d.client.SAdd(ctx, usersKey, user.ID).Result()
	if err != nil {
		return err
	}

	if added == 0 {
		return errors.Duplicate("UserExists", fmt.Sprintf("user %s already exists", user.ID))
	}

	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, userKey(user.ID), fieldAccessKey, user.AccessKey, fieldSecretKey, user.SecretKey, fieldAdmin, strconv.FormatBool(user.Admin))
	pipe.Set(ctx, accessKeyKey(user.AccessKey), user.ID, 0)

	_, err = pipe.Exec(ctx)

	return err
}

// UserGet looks a user up by ID.
func (d *Driver) UserGet(ctx context.Context, id string) (*auth.User, error) {
	values, err := d.client.HGetAll(ctx, userKey(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(values) == 0 {
		return nil, userNotFound(id)
	}

	admin, _ := strconv.ParseBool(values[fieldAdmin])

	return &auth.User{
		ID:        id,
		AccessKey: values[fieldAccessKey],
		SecretKey: values[fieldSecretKey],
		Admin:     admin,
	}, nil
}

// UserGetByAccessKey looks a user up by wire identity.
func (d *Driver) UserGetByAccessKey(ctx context.Context, accessKey string) (*auth.User, error) {
	id, err := d.client.Get(ctx, accessKeyKey(accessKey)).Result()
	if err != nil {
		if goerrors.Is(err, redis.Nil) {
			return nil, userNotFound(accessKey)
		}

		return nil, err
	}

	return d.UserGet(ctx, id)
}

// UserGetAll lists all users.
func (d *Driver) UserGetAll(ctx context.Context) ([]auth.User, error) {
	ids, err := d.client.SMembers(ctx, usersKey).Result()
	if err != nil {
		return nil, err
	}

	sort.Strings(ids)

	users := make([]auth.User, len(ids))

	for i, id := range ids {
		user, err := d.UserGet(ctx, id)
		if err != nil {
			return nil, err
		}

		users[i] = *user
	}

	return users, nil
}

// UserDelete removes a principal and its access key index.
func (d *Driver) UserDelete(ctx context.Context, id string) error {
	user, err := d.UserGet(ctx, id)
	if err != nil {
		return err
	}

	pipe := d.client.TxPipeline()
	pipe.SRem(ctx, usersKey, id)
	pipe.Del(ctx, userKey(id))
	pipe.Del(ctx, accessKeyKey(user.AccessKey))

	_, err = pipe.Exec(ctx)

	return err
}

// ProjectCreate adds a project with its initial membership.
func (d *Driver) ProjectCreate(ctx context.Context, project *auth.Project) error {
	added, err := d.client.SAdd(ctx, projectsKey, project.ID).Result()
	if err != nil {
		return err
	}

	if added == 0 {
		return errors.Duplicate("ProjectExists", fmt.Sprintf("project %s already exists", project.ID))
	}

	members := make([]interface{}, len(project.Members))

	for i, member := range project.Members {
		members[i] = member
	}

	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, projectKey(project.ID), fieldManager, project.ManagerID, fieldDescription, project.Description)
	pipe.SAdd(ctx, membersKey(project.ID), members...)

	_, err = pipe.Exec(ctx)

	return err
}

// ProjectGet looks a project up by ID.
func (d *Driver) ProjectGet(ctx context.Context, id string) (*auth.Project, error) {
	values, err := d.client.HGetAll(ctx, projectKey(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(values) == 0 {
		return nil, projectNotFound(id)
	}

	members, err := d.client.SMembers(ctx, membersKey(id)).Result()
	if err != nil {
		return nil, err
	}

	sort.Strings(members)

	return &auth.Project{
		ID:          id,
		ManagerID:   values[fieldManager],
		Description: values[fieldDescription],
		Members:     members,
	}, nil
}

// ProjectGetAll lists projects, filtered to a member when one is given.
func (d *Driver) ProjectGetAll(ctx context.Context, memberID string) ([]auth.Project, error) {
	ids, err := d.client.SMembers(ctx, projectsKey).Result()
	if err != nil {
		return nil, err
	}

	sort.Strings(ids)

	var projects []auth.Project

	for _, id := range ids {
		project, err := d.ProjectGet(ctx, id)
		if err != nil {
			return nil, err
		}

		if memberID != "" && !project.HasMember(memberID) {
			continue
		}

		projects = append(projects, *project)
	}

	return projects, nil
}

// ProjectModify rewrites the manager and description.
func (d *Driver) ProjectModify(ctx context.Context, project *auth.Project) error {
	exists, err := d.client.Exists(ctx, projectKey(project.ID)).Result()
	if err != nil {
		return err
	}

	if exists == 0 {
		return projectNotFound(project.ID)
	}

	return d.client.HSet(ctx, projectKey(project.ID), fieldManager, project.ManagerID, fieldDescription, project.Description).Err()
}

// ProjectDelete removes a project, its membership and its role bindings.
func (d *Driver) ProjectDelete(ctx context.Context, id string) error {
	removed, err := d.client.SRem(ctx, projectsKey, id).Result()
	if err != nil {
		return err
	}

	if removed == 0 {
		return projectNotFound(id)
	}

	pipe := d.client.TxPipeline()
	pipe.Del(ctx, projectKey(id))
	pipe.Del(ctx, membersKey(id))

	for _, role := range auth.GrantableRoles {
		pipe.Del(ctx, roleKey(role, id))
	}

	_, err = pipe.Exec(ctx)

	return err
}

// ProjectAddMember joins a user to a project.
func (d *Driver) ProjectAddMember(ctx context.Context, projectID, userID string) error {
	exists, err := d.client.Exists(ctx, projectKey(projectID)).Result()
	if err != nil {
		return err
	}

	if exists == 0 {
		return projectNotFound(projectID)
	}

	added, err := d.client.SAdd(ctx, membersKey(projectID), userID).Result()
	if err != nil {
		return err
	}

	if added == 0 {
		return errors.Duplicate("MemberExists", fmt.Sprintf("user %s is already a member of %s", userID, projectID))
	}

	return nil
}

// ProjectRemoveMember removes a user from a project, revoking any roles
// they held within it.
func (d *Driver) ProjectRemoveMember(ctx context.Context, projectID, userID string) error {
	removed, err := d.client.SRem(ctx, membersKey(projectID), userID).Result()
	if err != nil {
		return err
	}

	if removed == 0 {
		return errors.NotFound("MemberNotFound", fmt.Sprintf("user %s is not a member of %s", userID, projectID))
	}

	pipe := d.client.TxPipeline()

	for _, role := range auth.GrantableRoles {
		pipe.SRem(ctx, roleKey(role, projectID), userID)
	}

	_, err = pipe.Exec(ctx)

	return err
}

// RoleAdd binds a role.
func (d *Driver) RoleAdd(ctx context.Context, userID, role, projectID string) error {
	if projectID != "" {
		exists, err := d.client.Exists(ctx, projectKey(projectID)).Result()
		if err != nil {
			return err
		}

		if exists == 0 {
			return projectNotFound(projectID)
		}
	}

	return d.client.SAdd(ctx, roleKey(role, projectID), userID).Err()
}

// RoleRemove unbinds a role.
func (d *Driver) RoleRemove(ctx context.Context, userID, role, projectID string) error {
	removed, err := d.client.SRem(ctx, roleKey(role, projectID), userID).Result()
	if err != nil {
		return err
	}

	if removed == 0 {
		return errors.NotFound("MemberNotFound", fmt.Sprintf("user %s does not hold the %s role", userID, role))
	}

	return nil
}

// RoleHas reports one binding.
func (d *Driver) RoleHas(ctx context.Context, userID, role, projectID string) (bool, error) {
	return d.client.SIsMember(ctx, roleKey(role, projectID), userID).Result()
}

// RolesForUser lists role names bound to a user in the given scope.
func (d *Driver) RolesForUser(ctx context.Context, userID, projectID string) ([]string, error) {
	var roles []string

	for _, role := range auth.GrantableRoles {
		ok, err := d.RoleHas(ctx, userID, role, projectID)
		if err != nil {
			return nil, err
		}

		if ok {
			roles = append(roles, role)
		}
	}

	return roles, nil
}
