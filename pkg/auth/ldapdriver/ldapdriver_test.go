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

package ldapdriver_test

import (
	"context"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/auth/ldapdriver"
	"github.com/eschercloudai/stratus/pkg/errors"
)

// TestOptionsDefaults tests every grantable role maps to a global group out
// of the box.
func TestOptionsDefaults(t *testing.T) {
	t.Parallel()

	options := &ldapdriver.Options{}
	options.AddFlags(pflag.NewFlagSet("test", pflag.ContinueOnError))

	assert.Equal(t, "ldap://localhost:389", options.URL)
	assert.Equal(t, "uid", options.IDAttribute)
	assert.Equal(t, "ou=users,dc=stratus,dc=local", options.UserSubtree)

	for _, role := range auth.GrantableRoles {
		assert.Contains(t, options.GlobalRoleDNs.Map, role)
	}
}

// TestGlobalRoleDNOverride tests the role group map accepts DN values,
// which contain = characters themselves.
func TestGlobalRoleDNOverride(t *testing.T) {
	t.Parallel()

	options := &ldapdriver.Options{}

	flagset := pflag.NewFlagSet("test", pflag.ContinueOnError)
	options.AddFlags(flagset)

	require.NoError(t, flagset.Parse([]string{"--ldap-global-role-dns", "cloudadmin=cn=ops,ou=acme,dc=example,dc=com"}))

	assert.Equal(t, "cn=ops,ou=acme,dc=example,dc=com", options.GlobalRoleDNs.Map[auth.RoleCloudAdmin])
	assert.Equal(t, "cn=developers,ou=groups,dc=stratus,dc=local", options.GlobalRoleDNs.Map[auth.RoleDeveloper])
}

// TestUnknownGlobalRole tests roles without a configured group resolve
// before any directory traffic: absent for queries, an error for grants.
func TestUnknownGlobalRole(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	options := &ldapdriver.Options{}
	options.AddFlags(pflag.NewFlagSet("test", pflag.ContinueOnError))

	driver := ldapdriver.New(options)

	ok, err := driver.RoleHas(ctx, "alice", "superuser", "")
	require.NoError(t, err)
	assert.False(t, ok)

	err = driver.RoleAdd(ctx, "alice", "superuser", "")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
