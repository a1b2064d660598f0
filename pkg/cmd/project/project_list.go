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

package project

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

type projectListOptions struct {
	// member filters to projects the given user belongs to.
	member string

	// client is the directory client.
	client *auth.Manager
}

// addFlags registers list project options flags with the specified cobra command.
func (o *projectListOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.member, "member", "", "Only list projects this user belongs to.")
}

// complete fills in any options not done automatically by flag parsing.
func (o *projectListOptions) complete(f *util.Factory, args []string) error {
	var err error

	o.client, err = f.AuthManager()

	return err
}

// run executes the command.
func (o *projectListOptions) run() error {
	projects, err := o.client.Driver().ProjectGetAll(context.TODO(), o.member)
	if err != nil {
		return err
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].ID < projects[j].ID
	})

	w := util.NewTabWriter(os.Stdout)

	fmt.Fprintln(w, "ID\tMANAGER\tMEMBERS\tDESCRIPTION")

	for i := range projects {
		project := &projects[i]

		members := append([]string{}, project.Members...)
		sort.Strings(members)

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", project.ID, project.ManagerID, strings.Join(members, ","), project.Description)
	}

	return w.Flush()
}

// newProjectListCommand creates a command that lists directory projects.
func newProjectListCommand(f *util.Factory) *cobra.Command {
	o := &projectListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects.",
		Long:  "List projects.",
		Run: func(cmd *cobra.Command, args []string) {
			util.AssertNilError(o.complete(f, args))
			util.AssertNilError(o.run())
		},
	}

	o.addFlags(cmd)

	return cmd
}
