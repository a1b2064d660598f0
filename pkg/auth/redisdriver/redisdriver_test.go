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

package redisdriver_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/auth/redisdriver"
	"github.com/eschercloudai/stratus/pkg/errors"
)

func newDriver(t *testing.T) *redisdriver.Driver {
	t.Helper()

	mr := miniredis.RunT(t)

	return redisdriver.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

// TestUserLifecycle tests the access key index follows the user through
// creation and deletion.
func TestUserLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newDriver(t)

	user := &auth.User{ID: "alice", AccessKey: "AKIA1", SecretKey: "s3cret", Admin: true}

	require.NoError(t, d.UserCreate(ctx, user))

	byKey, err := d.UserGetByAccessKey(ctx, "AKIA1")
	require.NoError(t, err)

	assert.Equal(t, "alice", byKey.ID)
	assert.Equal(t, "s3cret", byKey.SecretKey)
	assert.True(t, byKey.Admin)

	require.NoError(t, d.UserDelete(ctx, "alice"))

	_, err = d.UserGetByAccessKey(ctx, "AKIA1")
	assert.True(t, errors.IsNotFound(err))

	_, err = d.UserGet(ctx, "alice")
	assert.True(t, errors.IsNotFound(err))
}

// TestProjectDelete tests deleting a project sweeps its membership and
// role bindings with it.
func TestProjectDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newDriver(t)

	project := &auth.Project{ID: "wonderland", ManagerID: "alice", Members: []string{"alice", "bob"}}

	require.NoError(t, d.ProjectCreate(ctx, project))
	require.NoError(t, d.RoleAdd(ctx, "bob", auth.RoleDeveloper, "wonderland"))

	require.NoError(t, d.ProjectDelete(ctx, "wonderland"))

	_, err := d.ProjectGet(ctx, "wonderland")
	assert.True(t, errors.IsNotFound(err))

	ok, err := d.RoleHas(ctx, "bob", auth.RoleDeveloper, "wonderland")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, errors.IsNotFound(d.ProjectDelete(ctx, "wonderland")))
}

// TestRoleLastMemberRemoval tests the role set disappears with its last
// member, leaving no empty groups behind.
func TestRoleLastMemberRemoval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	d := redisdriver.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	require.NoError(t, d.RoleAdd(ctx, "alice", auth.RoleDeveloper, "wonderland"))
	require.NoError(t, d.RoleAdd(ctx, "bob", auth.RoleDeveloper, "wonderland"))

	require.NoError(t, d.RoleRemove(ctx, "alice", auth.RoleDeveloper, "wonderland"))
	assert.True(t, mr.Exists("role:wonderland:developer"))

	require.NoError(t, d.RoleRemove(ctx, "bob", auth.RoleDeveloper, "wonderland"))
	assert.False(t, mr.Exists("role:wonderland:developer"))

	ok, err := d.RoleHas(ctx, "bob", auth.RoleDeveloper, "wonderland")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestProjectGetAllFiltersByMember tests the member filter only returns
// projects the user belongs to.
func TestProjectGetAllFiltersByMember(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newDriver(t)

	require.NoError(t, d.ProjectCreate(ctx, &auth.Project{ID: "one", ManagerID: "alice", Members: []string{"alice"}}))
	require.NoError(t, d.ProjectCreate(ctx, &auth.Project{ID: "two", ManagerID: "alice", Members: []string{"alice", "bob"}}))

	projects, err := d.ProjectGetAll(ctx, "bob")
	require.NoError(t, err)

	require.Len(t, projects, 1)
	assert.Equal(t, "two", projects[0].ID)

	projects, err = d.ProjectGetAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, projects, 2)
}
