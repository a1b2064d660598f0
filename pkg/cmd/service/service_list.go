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
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
	"github.com/eschercloudai/stratus/pkg/db"
)

type serviceListOptions struct {
	// downTime is how long a service may go unseen before it's down.
	downTime time.Duration

	// database is the control plane database.
	database *db.DB
}

// addFlags registers list service options flags with the specified cobra command.
func (o *serviceListOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&o.downTime, "service-down-time", time.Minute, "Report interval after which a service counts as down.")
}

// complete fills in any options not done automatically by flag parsing.
func (o *serviceListOptions) complete(f *util.Factory, args []string) error {
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
func (o *serviceListOptions) run() error {
	services, err := o.database.ServiceGetAll(context.TODO())
	if err != nil {
		return err
	}

	w := util.NewTabWriter(os.Stdout)

	fmt.Fprintln(w, "HOST\tBINARY\tTOPIC\tZONE\tENABLED\tSTATE")

	for _, service := range services {
		state := "up"
		if time.Since(service.LastSeen()) >= o.downTime {
			state = "down"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", service.Host, service.Binary, service.Topic, service.AvailabilityZone, !service.Disabled, state)
	}

	return w.Flush()
}

// newServiceListCommand creates a command that lists service records with
// their liveness.
func newServiceListCommand(f *util.Factory) *cobra.Command {
	o := &serviceListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List service records.",
		Long:  "List service records.\n\nA service counts as down when it has not reported within the service-down-time window.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.run())
		},
	}

	o.addFlags(cmd)

	return cmd
}
