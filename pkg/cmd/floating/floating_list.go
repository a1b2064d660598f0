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
	"os"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
	"github.com/eschercloudai/stratus/pkg/db"
)

type floatingListOptions struct {
	// database is the control plane database.
	database *db.DB
}

// complete fills in any options not done automatically by flag parsing.
func (o *floatingListOptions) complete(f *util.Factory, args []string) error {
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
func (o *floatingListOptions) run() error {
	addresses, err := o.database.FloatingIPGetAll(context.TODO())
	if err != nil {
		return err
	}

	w := util.NewTabWriter(os.Stdout)

	fmt.Fprintln(w, "ADDRESS\tPROJECT\tHOST\tIN USE")

	for _, address := range addresses {
		project := address.ProjectID
		if project == "" {
			project = "-"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", address.Address, project, address.Host, address.FixedIPID != nil)
	}

	return w.Flush()
}

// newFloatingListCommand creates a command that lists the floating pool.
func newFloatingListCommand(f *util.Factory) *cobra.Command {
	o := &floatingListOptions{}

	return &cobra.Command{
		Use:   "list",
		Short: "List the floating address pool.",
		Long:  "List the floating address pool.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.run())
		},
	}
}
