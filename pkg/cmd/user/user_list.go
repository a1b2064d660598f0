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
	"sort"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

type userListOptions struct {
	// manager is the directory client.
	manager *auth.Manager
}

// complete fills in any options not done automatically by flag parsing.
func (o *userListOptions) complete(f *util.Factory, args []string) error {
	var err error

	o.manager, err = f.AuthManager()

	return err
}

// run executes the command.
func (o *userListOptions) run() error {
	users, err := o.manager.Driver().UserGetAll(context.TODO())
	if err != nil {
		return err
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})

	w := util.NewTabWriter(os.Stdout)

	fmt.Fprintln(w, "ID\tACCESS KEY\tADMIN")

	for i := range users {
		fmt.Fprintf(w, "%s\t%s\t%t\n", users[i].ID, users[i].AccessKey, users[i].Admin)
	}

	return w.Flush()
}

// newUserListCommand creates a command that lists directory users.
func newUserListCommand(f *util.Factory) *cobra.Command {
	o := &userListOptions{}

	return &cobra.Command{
		Use:   "list",
		Short: "List users.",
		Long:  "List users.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.run())
		},
	}
}
