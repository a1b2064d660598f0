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

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/db"
	"github.com/eschercloudai/stratus/pkg/cmd/fixed"
	"github.com/eschercloudai/stratus/pkg/cmd/floating"
	"github.com/eschercloudai/stratus/pkg/cmd/network"
	"github.com/eschercloudai/stratus/pkg/cmd/project"
	"github.com/eschercloudai/stratus/pkg/cmd/role"
	"github.com/eschercloudai/stratus/pkg/cmd/service"
	"github.com/eschercloudai/stratus/pkg/cmd/user"
	"github.com/eschercloudai/stratus/pkg/cmd/util"
	"github.com/eschercloudai/stratus/pkg/cmd/zone"
	"github.com/eschercloudai/stratus/pkg/constants"
)

const rootLongDesc = `Stratus cloud administration.

This CLI operates directly on the control plane state: the directory
(users, projects, roles), the database (networks, addresses, zones,
services) and the schema itself.  It is for operators; tenants use the
EC2 API.`

// newRootCommand returns the root command and all its subordinates.
// Connection flags are persistent so every subcommand shares them.
func newRootCommand() *cobra.Command {
	f := util.NewFactory()

	cmd := &cobra.Command{
		Use:   constants.Application,
		Short: "Stratus cloud administration.",
		Long:  rootLongDesc,
	}

	f.AddFlags(cmd.PersistentFlags())

	commands := []*cobra.Command{
		newVersionCommand(),
		user.NewUserCommand(f),
		project.NewProjectCommand(f),
		role.NewRoleCommand(f),
		network.NewNetworkCommand(f),
		floating.NewFloatingCommand(f),
		zone.NewZoneCommand(f),
		service.NewServiceCommand(f),
		fixed.NewFixedCommand(f),
		db.NewDBCommand(f),
	}

	cmd.AddCommand(commands...)

	return cmd
}

// Generate creates a hierarchy of cobra commands for the application.  It can
// also be used to walk the structure and generate documentation.
func Generate() *cobra.Command {
	return newRootCommand()
}
