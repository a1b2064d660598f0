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

package network

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
	"github.com/eschercloudai/stratus/pkg/network"
)

type networkCreateOptions struct {
	// label names the networks.
	label string

	// count is the number of networks to carve out of the fixed range.
	count int64

	// manager is the network manager.
	manager *network.Manager
}

// addFlags registers create network options flags with the specified cobra command.
func (o *networkCreateOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&o.count, "count", 1, "Number of networks to create.")
}

// complete fills in any options not done automatically by flag parsing.
func (o *networkCreateOptions) complete(f *util.Factory, args []string) error {
	var err error

	if o.manager, err = f.NetworkManager(context.TODO()); err != nil {
		return err
	}

	if len(args) != 1 {
		return errors.ErrIncorrectArgumentNum
	}

	o.label = args[0]

	return nil
}

// validate validates any tainted input not handled by complete() or flags
// processing.
func (o *networkCreateOptions) validate() error {
	if len(o.label) == 0 {
		return errors.ErrInvalidName
	}

	if o.count < 1 {
		return errors.ErrInvalidArgument
	}

	return nil
}

// run executes the command.
func (o *networkCreateOptions) run() error {
	networks, err := o.manager.CreateNetworks(context.TODO(), o.label, o.count)
	if err != nil {
		return err
	}

	w := util.NewTabWriter(os.Stdout)

	fmt.Fprintln(w, "ID\tLABEL\tCIDR\tVLAN\tBRIDGE")

	for _, net := range networks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", net.ID, net.Label, net.CIDR, vlanString(net.VLAN), net.Bridge)
	}

	return w.Flush()
}

// newNetworkCreateCommand creates a command that carves new networks out of
// the configured fixed range.
func newNetworkCreateCommand(f *util.Factory) *cobra.Command {
	o := &networkCreateOptions{}

	cmd := &cobra.Command{
		Use:   "create [flags] my-network-label",
		Short: "Create tenant networks.",
		Long:  "Create tenant networks.\n\nNetworks are carved out of the configured fixed range and sized by the network-size flag.  In VLAN mode each network is assigned the next free tag.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.validate())
			util.AssertNilError(o.run())
		},
	}

	o.addFlags(cmd)

	return cmd
}
