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

type projectDeleteOptions struct {
	// name is the project ID to delete.
	name string

	// client is the directory client.
	client *auth.Manager
}

// complete fills in any options not done automatically by flag parsing.
func (o *projectDeleteOptions) complete(f *util.Factory, args []string) error {
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
func (o *projectDeleteOptions) validate() error {
	if len(o.name) == 0 {
		return errors.ErrInvalidName
	}

	return nil
}

// run executes the command.
func (o *projectDeleteOptions) run() error {
	return o.client.Driver().ProjectDelete(context.TODO(), o.name)
}

// newProjectDeleteCommand creates a command that removes a directory project
// and its role bindings.
func newProjectDeleteCommand(f *util.Factory) *cobra.Command {
	o := &projectDeleteOptions{}

	return &cobra.Command{
		Use:   "delete [flags] my-project-name",
		Short: "Delete a project.",
		Long:  "Delete a project.\n\nProject scoped role bindings go with it, cloud resources do not, clean those up through the API first.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.validate())
			util.AssertNilError(o.run())
		},
	}
}
