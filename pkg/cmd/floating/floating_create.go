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

package floating

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
	"github.com/eschercloudai/stratus/pkg/network"
)

type floatingCreateOptions struct {
	// cidr is the public range to add to the pool.
	cidr string

	// host is the network host that NATs the addresses.
	host string

	// manager is the network manager.
	manager *network.Manager
}

// addFlags registers create floating options flags with the specified cobra command.
func (o *floatingCreateOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.host, "host", "", "Network host that serves the addresses.")

	if err := cmd.MarkFlagRequired("host"); err != nil {
		panic(err)
	}
}

// complete fills in any options not done automatically by flag parsing.
func (o *floatingCreateOptions) complete(f *util.Factory, args []string) error {
	var err error

	if o.manager, err = f.NetworkManager(context.TODO()); err != nil {
		return err
	}

	if len(args) != 1 {
		return errors.ErrIncorrectArgumentNum
	}

	o.cidr = args[0]

	return nil
}

// validate validates any tainted input not handled by complete() or flags
// processing.
func (o *floatingCreateOptions) validate() error {
	if len(o.cidr) == 0 {
		return errors.ErrInvalidArgument
	}

	return nil
}

// run executes the command.
func (o *floatingCreateOptions) run() error {
	count, err := o.manager.CreateFloatingIPs(context.TODO(), o.cidr, o.host)
	if err != nil {
		return err
	}

	fmt.Printf("created %d addresses\n", count)

	return nil
}

// newFloatingCreateCommand creates a command that adds a public range to the
// floating pool.
func newFloatingCreateCommand(f *util.Factory) *cobra.Command {
	o := &floatingCreateOptions{}

	cmd := &cobra.Command{
		Use:   "create [flags] 192.0.2.0/28",
		Short: "Add a public range to the floating pool.",
		Long:  "Add a public range to the floating pool.\n\nEvery usable address in the range becomes individually allocatable by tenants.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.validate())
			util.AssertNilError(o.run())
		},
	}

	o.addFlags(cmd)

	return cmd
}
