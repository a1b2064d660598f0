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

type projectCreateOptions struct {
	// name is the project ID to create.
	name string

	// manager is the project manager user, granted the projectmanager
	// pseudo role over the project.
	manager string

	// description is free text, defaulted to the project name.
	description string

	// members are additional user IDs to join.
	members []string

	// client is the directory client.
	client *auth.Manager
}

// addFlags registers create project options flags with the specified cobra command.
func (o *projectCreateOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.manager, "manager", "", "User managing the project.")
	cmd.Flags().StringVar(&o.description, "description", "", "Free text description, defaults to the project name.")
	cmd.Flags().StringSliceVar(&o.members, "member", nil, "Additional member, repeatable.")

	if err := cmd.MarkFlagRequired("manager"); err != nil {
		panic(err)
	}
}

// complete fills in any options not done automatically by flag parsing.
func (o *projectCreateOptions) complete(f *util.Factory, args []string) error {
	var err error

	if o.client, err = f.AuthManager(); err != nil {
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
func (o *projectCreateOptions) validate() error {
	if len(o.name) == 0 {
		return errors.ErrInvalidName
	}

	return nil
}

// run executes the command.
func (o *projectCreateOptions) run() error {
	_, err := o.client.CreateProject(context.TODO(), o.name, o.manager, o.description, o.members)

	return err
}

// newProjectCreateCommand creates a command that mints a directory project.
func newProjectCreateCommand(f *util.Factory) *cobra.Command {
	o := &projectCreateOptions{}

	cmd := &cobra.Command{
		Use:   "create [flags] my-project-name",
		Short: "Create a project.",
		Long:  "Create a project.\n\nThe manager must already exist and is always a member.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.validate())
			util.AssertNilError(o.run())
		},
	}

	o.addFlags(cmd)

	return cmd
}
