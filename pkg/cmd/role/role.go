package role

import (
	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

// NewRoleCommand creates a command that manages role bindings.
func NewRoleCommand(f *util.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage role bindings.",
		Long:  "Manage role bindings.",
	}

	commands := []*cobra.Command{
		newRoleAddCommand(f),
		newRoleRemoveCommand(f),
		newRoleListCommand(f),
	}

	cmd.AddCommand(commands...)

	return cmd
}
