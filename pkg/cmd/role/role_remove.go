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

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

type roleRemoveOptions struct {
	// user is the user losing the role.
	user string

	// role is the role name.
	role string

	// project optionally scopes the binding removed.
	project string

	// client is the directory client.
	client *auth.Manager
}

// complete fills in any options not done automatically by flag parsing.
func (o *roleRemoveOptions) complete(f *util.Factory, args []string) error {
	var err error

	if o.client, err = f.AuthManager(); err != nil {
		return err
	}

	if len(args) != 2 && len(args) != 3 {
		return errors.ErrIncorrectArgumentNum
	}

	o.user = args[0]
	o.role = args[1]

	if len(args) == 3 {
		o.project = args[2]
	}

	return nil
}

// validate validates any tainted input not handled by complete() or flags
// processing.
func (o *roleRemoveOptions) validate() error {
	if len(o.user) == 0 || len(o.role) == 0 {
		return errors.ErrInvalidName
	}

	return nil
}

// run executes the command.
func (o *roleRemoveOptions) run() error {
	return o.client.RemoveRole(context.TODO(), o.user, o.role, o.project)
}

// newRoleRemoveCommand creates a command that unbinds a role.
func newRoleRemoveCommand(f *util.Factory) *cobra.Command {
	o := &roleRemoveOptions{}

	return &cobra.Command{
		Use:   "remove [flags] my-user-name my-role-name [my-project-name]",
		Short: "Unbind a role from a user.",
		Long:  "Unbind a role from a user.\n\nWithout a project the global binding is removed.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.validate())
			util.AssertNilError(o.run())
		},
	}
}
