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

package auth_test

import (
	"context"
	goerrors "errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/auth/redisdriver"
	"github.com/eschercloudai/stratus/pkg/auth/signer"
	"github.com/eschercloudai/stratus/pkg/errors"
)

const (
	aliceAccess = "AKIAALICE0000001"
	aliceSecret = "alice-secret-key"
)

// newManager builds a manager over the Redis driver and a throwaway server.
func newManager(t *testing.T) *auth.Manager {
	t.Helper()

	mr := miniredis.RunT(t)

	return auth.NewManager(redisdriver.New(redis.NewClient(&redis.Options{Addr: mr.Addr()})))
}

// seed provisions alice managing her eponymous project and the shared
// wonderland project with bob as a plain member.
func seed(t *testing.T, ctx context.Context, m *auth.Manager) {
	t.Helper()

	_, err := m.CreateUser(ctx, "alice", aliceAccess, aliceSecret, false)
	require.NoError(t, err)

	_, err = m.CreateUser(ctx, "bob", "", "", false)
	require.NoError(t, err)

	_, err = m.CreateProject(ctx, "alice", "alice", "", nil)
	require.NoError(t, err)

	_, err = m.CreateProject(ctx, "wonderland", "alice", "shared project", []string{"bob"})
	require.NoError(t, err)
}

// sign computes a version 2 signature and attaches it to the parameters.
func sign(t *testing.T, secret string, params map[string]string, verb, host, path string) {
	t.Helper()

	signature, err := signer.Sign(secret, params, verb, host, path)
	require.NoError(t, err)

	params["Signature"] = signature
}

func requestParams(access string) map[string]string {
	return map[string]string{
		"Action":           "DescribeInstances",
		"AWSAccessKeyId":   access,
		"SignatureVersion": "2",
		"SignatureMethod":  "HmacSHA256",
		"Timestamp":        "2024-01-01T00:00:00Z",
		"Version":          "2009-11-30",
	}
}

// TestAuthenticate tests a signed request resolves to credentials, with the
// project defaulting to the user's eponymous one.
func TestAuthenticate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	params := requestParams(aliceAccess)
	sign(t, aliceSecret, params, "GET", "localhost:8773", "/services/Cloud")

	credentials, err := m.Authenticate(ctx, params, "GET", "localhost:8773", "/services/Cloud")
	require.NoError(t, err)

	assert.Equal(t, "alice", credentials.UserID)
	assert.Equal(t, "alice", credentials.ProjectID)
	assert.False(t, credentials.IsAdmin)
	assert.Contains(t, credentials.Roles, auth.RoleProjectManager)
}

// TestAuthenticateScopedProject tests the access_key:project form selects
// the named project.
func TestAuthenticateScopedProject(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	params := requestParams(aliceAccess + ":wonderland")
	sign(t, aliceSecret, params, "GET", "localhost:8773", "/services/Cloud")

	credentials, err := m.Authenticate(ctx, params, "GET", "localhost:8773", "/services/Cloud")
	require.NoError(t, err)

	assert.Equal(t, "wonderland", credentials.ProjectID)
}

// TestAuthenticateBadSignature tests a tampered request is rejected after
// the membership check passes.
func TestAuthenticateBadSignature(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	params := requestParams(aliceAccess)
	sign(t, aliceSecret, params, "GET", "localhost:8773", "/services/Cloud")

	params["Action"] = "TerminateInstances"

	_, err := m.Authenticate(ctx, params, "GET", "localhost:8773", "/services/Cloud")
	require.Error(t, err)

	var typed *errors.Error

	require.True(t, goerrors.As(err, &typed))
	assert.Equal(t, "AuthFailure", typed.Code())
}

// TestAuthenticateNotMember tests a valid key cannot select a project the
// user is not a member of, and that admins bypass membership.
func TestAuthenticateNotMember(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	_, err := m.CreateUser(ctx, "mallory", "AKIAMALLORY00001", "mallory-secret", false)
	require.NoError(t, err)

	params := requestParams("AKIAMALLORY00001:wonderland")
	sign(t, "mallory-secret", params, "GET", "localhost:8773", "/services/Cloud")

	_, err = m.Authenticate(ctx, params, "GET", "localhost:8773", "/services/Cloud")
	require.Error(t, err)

	_, err = m.CreateUser(ctx, "root", "AKIAROOT00000001", "root-secret", true)
	require.NoError(t, err)

	params = requestParams("AKIAROOT00000001:wonderland")
	sign(t, "root-secret", params, "GET", "localhost:8773", "/services/Cloud")

	credentials, err := m.Authenticate(ctx, params, "GET", "localhost:8773", "/services/Cloud")
	require.NoError(t, err)

	assert.True(t, credentials.IsAdmin)
}

// TestAuthenticateUnknownAccessKey tests an unknown key is an
// authentication failure, not an internal error.
func TestAuthenticateUnknownAccessKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	params := requestParams("AKIABOGUS0000001")
	sign(t, "whatever", params, "GET", "localhost:8773", "/services/Cloud")

	_, err := m.Authenticate(ctx, params, "GET", "localhost:8773", "/services/Cloud")
	require.Error(t, err)

	var typed *errors.Error

	require.True(t, goerrors.As(err, &typed))
	assert.Equal(t, "AuthFailure", typed.Code())
}

// TestHasRoleDualBinding tests a project scoped role only takes effect when
// the matching global binding exists, and that revoking the global binding
// revokes the role everywhere.
func TestHasRoleDualBinding(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	require.NoError(t, m.AddRole(ctx, "bob", auth.RoleDeveloper, "wonderland"))

	ok, err := m.HasRole(ctx, "bob", auth.RoleDeveloper, "wonderland")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.AddRole(ctx, "bob", auth.RoleDeveloper, ""))

	ok, err = m.HasRole(ctx, "bob", auth.RoleDeveloper, "wonderland")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.RemoveRole(ctx, "bob", auth.RoleDeveloper, ""))

	ok, err = m.HasRole(ctx, "bob", auth.RoleDeveloper, "wonderland")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestHasRoleGlobalOnly tests global only roles cannot be project scoped
// and that the global binding alone satisfies project checks.
func TestHasRoleGlobalOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	err := m.AddRole(ctx, "alice", auth.RoleCloudAdmin, "wonderland")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, m.AddRole(ctx, "alice", auth.RoleCloudAdmin, ""))

	ok, err := m.HasRole(ctx, "alice", auth.RoleCloudAdmin, "wonderland")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestProjectManagerRole tests the projectmanager pseudo role tracks
// project ownership rather than a stored binding.
func TestProjectManagerRole(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	ok, err := m.HasRole(ctx, "alice", auth.RoleProjectManager, "wonderland")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.HasRole(ctx, "bob", auth.RoleProjectManager, "wonderland")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.HasRole(ctx, "alice", auth.RoleProjectManager, "")
	require.Error(t, err)
}

// TestAuthorize tests the policy gate: admin bypass, the all wildcard, and
// role matching.
func TestAuthorize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	bob := auth.NewCredentials("bob", "wonderland", false, nil)

	require.NoError(t, m.Authorize(ctx, bob, []string{auth.RoleAll}))
	require.Error(t, m.Authorize(ctx, bob, []string{auth.RoleNetAdmin}))

	require.NoError(t, m.AddRole(ctx, "bob", auth.RoleNetAdmin, ""))
	require.NoError(t, m.AddRole(ctx, "bob", auth.RoleNetAdmin, "wonderland"))
	require.NoError(t, m.Authorize(ctx, bob, []string{auth.RoleNetAdmin}))

	root := auth.NewCredentials("root", "wonderland", true, nil)

	require.NoError(t, m.Authorize(ctx, root, []string{auth.RoleCloudAdmin}))
}

// TestCreateProjectForcesManagerMembership tests the manager is always a
// member of their own project.
func TestCreateProjectForcesManagerMembership(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	project, err := m.Driver().ProjectGet(ctx, "wonderland")
	require.NoError(t, err)

	assert.True(t, project.HasMember("alice"))
	assert.True(t, project.HasMember("bob"))
}

// TestCreateUserGeneratesKeys tests wire credentials are minted when none
// are supplied.
func TestCreateUserGeneratesKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	user, err := m.CreateUser(ctx, "carol", "", "", false)
	require.NoError(t, err)

	assert.NotEmpty(t, user.AccessKey)
	assert.NotEmpty(t, user.SecretKey)

	_, err = m.CreateUser(ctx, "carol", "", "", false)
	require.Error(t, err)
}

// TestDeleteUserGuards tests a user cannot be deleted while still a project
// member or holding global roles.
func TestDeleteUserGuards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	err := m.DeleteUser(ctx, "bob")
	require.Error(t, err)

	var typed *errors.Error

	require.True(t, goerrors.As(err, &typed))
	assert.Equal(t, "IncorrectState", typed.Code())

	require.NoError(t, m.Driver().ProjectRemoveMember(ctx, "wonderland", "bob"))
	require.NoError(t, m.AddRole(ctx, "bob", auth.RoleDeveloper, ""))

	require.Error(t, m.DeleteUser(ctx, "bob"))

	require.NoError(t, m.RemoveRole(ctx, "bob", auth.RoleDeveloper, ""))
	require.NoError(t, m.DeleteUser(ctx, "bob"))

	_, err = m.Driver().UserGet(ctx, "bob")
	assert.True(t, errors.IsNotFound(err))
}

// TestRemoveMemberStripsRoles tests removing a project member revokes
// their roles within that project but leaves global bindings alone.
func TestRemoveMemberStripsRoles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	require.NoError(t, m.AddRole(ctx, "bob", auth.RoleDeveloper, ""))
	require.NoError(t, m.AddRole(ctx, "bob", auth.RoleDeveloper, "wonderland"))

	require.NoError(t, m.Driver().ProjectRemoveMember(ctx, "wonderland", "bob"))

	roles, err := m.Driver().RolesForUser(ctx, "bob", "wonderland")
	require.NoError(t, err)
	assert.Empty(t, roles)

	roles, err = m.Driver().RolesForUser(ctx, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, []string{auth.RoleDeveloper}, roles)
}

// TestModifyProject tests reassigning the manager joins them to the project
// and transfers the projectmanager pseudo role.
func TestModifyProject(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	_, err := m.CreateUser(ctx, "carol", "", "", false)
	require.NoError(t, err)

	require.NoError(t, m.ModifyProject(ctx, "wonderland", "carol", "under new management"))

	project, err := m.Driver().ProjectGet(ctx, "wonderland")
	require.NoError(t, err)

	assert.Equal(t, "carol", project.ManagerID)
	assert.Equal(t, "under new management", project.Description)
	assert.True(t, project.HasMember("carol"))

	ok, err := m.HasRole(ctx, "carol", auth.RoleProjectManager, "wonderland")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.HasRole(ctx, "alice", auth.RoleProjectManager, "wonderland")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestAddRoleValidation tests only the grantable role names are accepted.
func TestAddRoleValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(t)

	seed(t, ctx, m)

	err := m.AddRole(ctx, "alice", "superuser", "")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
