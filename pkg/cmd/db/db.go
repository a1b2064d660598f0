package db

import (
	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

// NewDBCommand returns a command that manages the control plane database.
func NewDBCommand(f *util.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the control plane database.",
		Long:  "Manage the control plane database.",
	}

	commands := []*cobra.Command{
		newDBSyncCommand(f),
	}

	cmd.AddCommand(commands...)

	return cmd
}
