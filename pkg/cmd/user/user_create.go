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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

type userCreateOptions struct {
	// name is the user ID to create.
	name string

	// accessKey pins the wire identity, generated when empty.
	accessKey string

	// secretKey pins the signing key, generated when empty.
	secretKey string

	// admin grants the administrative bypass.
	admin bool

	// manager is the directory client.
	manager *auth.Manager
}

// addFlags registers create user options flags with the specified cobra command.
func (o *userCreateOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.accessKey, "access-key", "", "Wire identity, generated when empty.")
	cmd.Flags().StringVar(&o.secretKey, "secret-key", "", "Signing key, generated when empty.")
	cmd.Flags().BoolVar(&o.admin, "admin", false, "Grant the administrative bypass.")
}

// complete fills in any options not done automatically by flag parsing.
func (o *userCreateOptions) complete(f *util.Factory, args []string) error {
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
func (o *userCreateOptions) validate() error {
	if len(o.name) == 0 {
		return errors.ErrInvalidName
	}

	return nil
}

// run executes the command.
func (o *userCreateOptions) run() error {
	created, err := o.manager.CreateUser(context.TODO(), o.name, o.accessKey, o.secretKey, o.admin)
	if err != nil {
		return err
	}

	fmt.Printf("export EC2_ACCESS_KEY=%s\n", created.AccessKey)
	fmt.Printf("export EC2_SECRET_KEY=%s\n", created.SecretKey)

	return nil
}

// newUserCreateCommand creates a command that mints a directory user and
// prints its wire credentials.
func newUserCreateCommand(f *util.Factory) *cobra.Command {
	o := &userCreateOptions{}

	cmd := &cobra.Command{
		Use:   "create [flags] my-user-name",
		Short: "Create a user.",
		Long:  "Create a user.\n\nThe generated credentials are printed as shell exports, the secret key cannot be recovered without directory access so capture them.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.validate())
			util.AssertNilError(o.run())
		},
	}

	o.addFlags(cmd)

	return cmd
}
