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

package service

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
	"github.com/eschercloudai/stratus/pkg/db"
)

type serviceToggleOptions struct {
	// host and binary identify the service record.
	host   string
	binary string

	// disabled is the target administrative state.
	disabled bool

	// database is the control plane database.
	database *db.DB
}

// complete fills in any options not done automatically by flag parsing.
func (o *serviceToggleOptions) complete(f *util.Factory, args []string) error {
	var err error

	if o.database, err = f.Database(context.TODO()); err != nil {
		return err
	}

	if len(args) != 2 {
		return errors.ErrIncorrectArgumentNum
	}

	o.host = args[0]
	o.binary = args[1]

	return nil
}

// validate validates any tainted input not handled by complete() or flags
// processing.
func (o *serviceToggleOptions) validate() error {
	if len(o.host) == 0 || len(o.binary) == 0 {
		return errors.ErrInvalidName
	}

	return nil
}

// run executes the command.
func (o *serviceToggleOptions) run() error {
	service, err := o.database.ServiceGetByArgs(context.TODO(), o.host, o.binary)
	if err != nil {
		return err
	}

	return o.database.ServiceSetDisabled(context.TODO(), service.ID, o.disabled)
}

// newServiceEnableCommand creates a command that returns a service to
// scheduling.
func newServiceEnableCommand(f *util.Factory) *cobra.Command {
	o := &serviceToggleOptions{disabled: false}

	return &cobra.Command{
		Use:   "enable [flags] my-host stratus-compute",
		Short: "Enable a service.",
		Long:  "Enable a service.\n\nThe scheduler considers it for placement again.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.validate())
			util.AssertNilError(o.run())
		},
	}
}

// newServiceDisableCommand creates a command that drains a service.
func newServiceDisableCommand(f *util.Factory) *cobra.Command {
	o := &serviceToggleOptions{disabled: true}

	return &cobra.Command{
		Use:   "disable [flags] my-host stratus-compute",
		Short: "Disable a service.",
		Long:  "Disable a service.\n\nExisting instances keep running; the scheduler stops placing new ones there.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.validate())
			util.AssertNilError(o.run())
		},
	}
}
