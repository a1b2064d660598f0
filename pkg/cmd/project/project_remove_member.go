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

package project

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

type projectRemoveMemberOptions struct {
	// name is the project left.
	name string

	// member is the user leaving.
	member string

	// client is the directory client.
	client *auth.Manager
}

// complete fills in any options not done automatically by flag parsing.
func (o *projectRemoveMemberOptions) complete(f *util.Factory, args []string) error {
	var err error

	if o.client, err = f.AuthManager(); err != nil {
		return err
	}

	if len(args) != 2 {
		return errors.ErrIncorrectArgumentNum
	}

	o.name = args[0]
	o.member = args[1]

	return nil
}

// validate validates any tainted input not handled by complete() or flags
// processing.
func (o *projectRemoveMemberOptions) validate() error {
	if len(o.name) == 0 || len(o.member) == 0 {
		return errors.ErrInvalidName
	}

	return nil
}

// run executes the command.
func (o *projectRemoveMemberOptions) run() error {
	return o.client.Driver().ProjectRemoveMember(context.TODO(), o.name, o.member)
}

// newProjectRemoveMemberCommand creates a command that removes a user from a
// project, dropping any roles scoped under it.
func newProjectRemoveMemberCommand(f *util.Factory) *cobra.Command {
	o := &projectRemoveMemberOptions{}

	return &cobra.Command{
		Use:   "remove-member [flags] my-project-name my-user-name",
		Short: "Remove a user from a project.",
		Long:  "Remove a user from a project.\n\nRoles the user held within the project are unbound as well.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.validate())
			util.AssertNilError(o.run())
		},
	}
}
