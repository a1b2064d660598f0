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

package role

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

type roleListOptions struct {
	// user is the user whose roles to list.
	user string

	// project optionally scopes the listing.
	project string

	// client is the directory client.
	client *auth.Manager
}

// complete fills in any options not done automatically by flag parsing.
func (o *roleListOptions) complete(f *util.Factory, args []string) error {
	var err error

	if o.client, err = f.AuthManager(); err != nil {
		return err
	}

	if len(args) != 1 && len(args) != 2 {
		return errors.ErrIncorrectArgumentNum
	}

	o.user = args[0]

	if len(args) == 2 {
		o.project = args[1]
	}

	return nil
}

// validate validates any tainted input not handled by complete() or flags
// processing.
func (o *roleListOptions) validate() error {
	if len(o.user) == 0 {
		return errors.ErrInvalidName
	}

	return nil
}

// run executes the command.
func (o *roleListOptions) run() error {
	roles, err := o.client.Driver().RolesForUser(context.TODO(), o.user, o.project)
	if err != nil {
		return err
	}

	sort.Strings(roles)

	for _, role := range roles {
		fmt.Println(role)
	}

	return nil
}

// newRoleListCommand creates a command that lists a user's roles.
func newRoleListCommand(f *util.Factory) *cobra.Command {
	o := &roleListOptions{}

	return &cobra.Command{
		Use:   "list [flags] my-user-name [my-project-name]",
		Short: "List the roles bound to a user.",
		Long:  "List the roles bound to a user.\n\nWith a project the listing includes both global and project-scoped bindings.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.validate())
			util.AssertNilError(o.run())
		},
	}
}
