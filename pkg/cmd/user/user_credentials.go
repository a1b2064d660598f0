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
	"os"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
	"github.com/eschercloudai/stratus/pkg/crypto"
)

type userCredentialsOptions struct {
	// name is the user to export credentials for.
	name string

	// project scopes the access key, requests then act on that
	// project's resources.
	project string

	// out, when set, writes a zip credentials bundle rather than
	// printing shell exports.
	out string

	// caPath is the certificate authority directory used to issue the
	// bundle certificate.
	caPath string

	// endpoint is the API URL baked into the bundle rc file.
	endpoint string

	// manager is the directory client.
	manager *auth.Manager
}

// addFlags registers credentials options flags with the specified cobra command.
func (o *userCredentialsOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.project, "project", "", "Project to scope the access key to.")
	cmd.Flags().StringVar(&o.out, "out", "", "Write a zip bundle (rc, key, certificate) here instead of printing exports.")
	cmd.Flags().StringVar(&o.caPath, "ca-path", "/var/lib/stratus/CA", "Certificate authority directory for bundle certificates.")
	cmd.Flags().StringVar(&o.endpoint, "ec2-url", "http://localhost:8773/services/Cloud", "API endpoint recorded in the bundle rc file.")
}

// complete fills in any options not done automatically by flag parsing.
func (o *userCredentialsOptions) complete(f *util.Factory, args []string) error {
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
func (o *userCredentialsOptions) validate() error {
	if len(o.name) == 0 {
		return errors.ErrInvalidName
	}

	return nil
}

// run executes the command.
func (o *userCredentialsOptions) run() error {
	if o.out != "" {
		return o.writeBundle()
	}

	account, err := o.manager.Driver().UserGet(context.TODO(), o.name)
	if err != nil {
		return err
	}

	access := account.AccessKey
	if o.project != "" {
		access = access + ":" + o.project
	}

	fmt.Printf("export EC2_ACCESS_KEY=%s\n", access)
	fmt.Printf("export EC2_SECRET_KEY=%s\n", account.SecretKey)

	return nil
}

// writeBundle issues a certificate against the CA and writes the full zip
// bundle.  The CA is minted on first use.
func (o *userCredentialsOptions) writeBundle() error {
	ca, err := crypto.LoadOrCreateCA(o.caPath, "stratus")
	if err != nil {
		return err
	}

	bundle, err := o.manager.CredentialsBundle(context.TODO(), o.name, o.project, o.endpoint, ca)
	if err != nil {
		return err
	}

	return os.WriteFile(o.out, bundle, 0o600)
}

// newUserCredentialsCommand creates a command that prints a user's wire
// credentials as shell exports.
func newUserCredentialsCommand(f *util.Factory) *cobra.Command {
	o := &userCredentialsOptions{}

	cmd := &cobra.Command{
		Use:   "credentials [flags] my-user-name",
		Short: "Print or bundle a user's credentials.",
		Long:  "Print or bundle a user's credentials.\n\nWith --project the access key carries the scope suffix, requests signed with it act on that project.  With --out a zip bundle is written instead, holding the rc file, a private key and certificate issued by the cloud CA, and the CA certificate.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.validate())
			util.AssertNilError(o.run())
		},
	}

	o.addFlags(cmd)

	return cmd
}
