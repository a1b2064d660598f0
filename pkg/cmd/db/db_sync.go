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

package db

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/errors"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

type dbSyncOptions struct {
	// factory provides the database connection.
	factory *util.Factory
}

// complete fills in any options not done automatically by flag parsing.
func (o *dbSyncOptions) complete(f *util.Factory, args []string) error {
	o.factory = f

	if len(args) != 0 {
		return errors.ErrIncorrectArgumentNum
	}

	return nil
}

// run executes the command.
func (o *dbSyncOptions) run() error {
	database, err := o.factory.Database(context.TODO())
	if err != nil {
		return err
	}

	if err := database.MigrateUp(context.TODO()); err != nil {
		return err
	}

	fmt.Println("database schema is current")

	return nil
}

// newDBSyncCommand creates a command that applies pending schema migrations.
func newDBSyncCommand(f *util.Factory) *cobra.Command {
	o := &dbSyncOptions{}

	return &cobra.Command{
		Use:   "sync",
		Short: "Apply pending schema migrations.",
		Long:  "Apply pending schema migrations.\n\nMigrations are embedded in the binary and applied in order; running against a current schema is a no-op.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.run())
		},
	}
}
