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

package user

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

type userDeleteOptions struct {
	// name is the user ID to delete.
	name string

	// manager is the directory client.
	manager *auth.Manager
}

// complete fills in any options not done automatically by flag parsing.
func (o *userDeleteOptions) complete(f *util.Factory, args []string) error {
	var err error

	if o.manager, err = f.AuthManager(); err != nil {
		return err
	}

	if len(args) != 1 {
		return errors.ErrIncorrectArgumentNum
	}

	o.name = args[0]

	return nil
}

// validate validates any tainted input not handled by complete() or flags
// processing.
func (o *userDeleteOptions) validate() error {
	if len(o.name) == 0 {
		return errors.ErrInvalidName
	}

	return nil
}

// run executes the command.
func (o *userDeleteOptions) run() error {
	return o.manager.DeleteUser(context.TODO(), o.name)
}

// newUserDeleteCommand creates a command that removes a directory user.
// Memberships and global roles must be removed first.
func newUserDeleteCommand(f *util.Factory) *cobra.Command {
	o := &userDeleteOptions{}

	cmd := &cobra.Command{
		Use:   "delete [flags] my-user-name",
		Short: "Delete a user.",
		Long:  "Delete a user.\n\nThe user must have been removed from every project and stripped of global roles first.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.validate())
			util.AssertNilError(o.run())
		},
	}

	return cmd
}
