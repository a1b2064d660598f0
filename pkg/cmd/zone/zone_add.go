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

package zone

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
	"github.com/eschercloudai/stratus/pkg/db"
)

type zoneAddOptions struct {
	// url is the child zone's API endpoint.
	url string

	// username authenticates the poller to the child zone.
	username string

	// password authenticates the poller to the child zone.
	password string

	// database is the control plane database.
	database *db.DB
}

// addFlags registers add zone options flags with the specified cobra command.
func (o *zoneAddOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.username, "username", "", "Username for the child zone API.")
	cmd.Flags().StringVar(&o.password, "password", "", "Password for the child zone API.")
}

// complete fills in any options not done automatically by flag parsing.
func (o *zoneAddOptions) complete(f *util.Factory, args []string) error {
	var err error

	if o.database, err = f.Database(context.TODO()); err != nil {
		return err
	}

	if len(args) != 1 {
		return errors.ErrIncorrectArgumentNum
	}

	o.url = args[0]

	return nil
}

// validate validates any tainted input not handled by complete() or flags
// processing.
func (o *zoneAddOptions) validate() error {
	if len(o.url) == 0 {
		return errors.ErrInvalidArgument
	}

	return nil
}

// run executes the command.
func (o *zoneAddOptions) run() error {
	zone := &db.Zone{
		APIURL:   o.url,
		Username: o.username,
		Password: o.password,
	}

	if err := o.database.ZoneCreate(context.TODO(), zone); err != nil {
		return err
	}

	fmt.Printf("added zone %d\n", zone.ID)

	return nil
}

// newZoneAddCommand creates a command that registers a child zone.
func newZoneAddCommand(f *util.Factory) *cobra.Command {
	o := &zoneAddOptions{}

	cmd := &cobra.Command{
		Use:   "add [flags] https://child.example.com:8773/services/Cloud",
		Short: "Register a child zone.",
		Long:  "Register a child zone.\n\nThe scheduler polls registered zones for capability data and routes overflow requests to them.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.validate())
			util.AssertNilError(o.run())
		},
	}

	o.addFlags(cmd)

	return cmd
}
