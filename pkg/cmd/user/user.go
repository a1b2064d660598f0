package user

import (
	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

// NewUserCommand creates a command that manages directory users.
func NewUserCommand(f *util.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage directory users.",
		Long:  "Manage directory users.",
	}

	commands := []*cobra.Command{
		newUserCreateCommand(f),
		newUserDeleteCommand(f),
		newUserListCommand(f),
		newUserCredentialsCommand(f),
	}

	cmd.AddCommand(commands...)

	return cmd
}
