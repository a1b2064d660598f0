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
	"github.com/eschercloudai/stratus/pkg/db"
)

type networkListOptions struct {
	// database is the control plane database.
	database *db.DB
}

// complete fills in any options not done automatically by flag parsing.
func (o *networkListOptions) complete(f *util.Factory, args []string) error {
	var err error

	if o.database, err = f.Database(context.TODO()); err != nil {
		return err
	}

	if len(args) != 0 {
		return errors.ErrIncorrectArgumentNum
	}

	return nil
}

// run executes the command.
func (o *networkListOptions) run() error {
	networks, err := o.database.NetworkGetAll(context.TODO())
	if err != nil {
		return err
	}

	w := util.NewTabWriter(os.Stdout)

	fmt.Fprintln(w, "ID\tLABEL\tCIDR\tVLAN\tPROJECT\tHOST")

	for _, net := range networks {
		project := net.ProjectID
		if project == "" {
			project = "-"
		}

		host := net.Host
		if host == "" {
			host = "-"
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", net.ID, net.Label, net.CIDR, vlanString(net.VLAN), project, host)
	}

	return w.Flush()
}

// newNetworkListCommand creates a command that lists networks.
func newNetworkListCommand(f *util.Factory) *cobra.Command {
	o := &networkListOptions{}

	return &cobra.Command{
		Use:   "list",
		Short: "List tenant networks.",
		Long:  "List tenant networks.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.run())
		},
	}
}
