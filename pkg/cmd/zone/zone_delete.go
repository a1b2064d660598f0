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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
	"github.com/eschercloudai/stratus/pkg/db"
)

type zoneDeleteOptions struct {
	// id identifies the zone to remove.
	id int64

	// database is the control plane database.
	database *db.DB
}

// complete fills in any options not done automatically by flag parsing.
func (o *zoneDeleteOptions) complete(f *util.Factory, args []string) error {
	var err error

	if o.database, err = f.Database(context.TODO()); err != nil {
		return err
	}

	if len(args) != 1 {
		return errors.ErrIncorrectArgumentNum
	}

	if o.id, err = strconv.ParseInt(args[0], 10, 64); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrInvalidArgument, args[0])
	}

	return nil
}

// run executes the command.
func (o *zoneDeleteOptions) run() error {
	return o.database.ZoneDelete(context.TODO(), o.id)
}

// newZoneDeleteCommand creates a command that unregisters a child zone.
func newZoneDeleteCommand(f *util.Factory) *cobra.Command {
	o := &zoneDeleteOptions{}

	return &cobra.Command{
		Use:   "delete [flags] zone-id",
		Short: "Unregister a child zone.",
		Long:  "Unregister a child zone.\n\nThe scheduler stops polling it on the next reconcile.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.run())
		},
	}
}
