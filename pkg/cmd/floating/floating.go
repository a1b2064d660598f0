package floating

import (
	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

// NewFloatingCommand returns a command that manages the floating address pool.
func NewFloatingCommand(f *util.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "floating",
		Short: "Manage the floating address pool.",
		Long:  "Manage the floating address pool.",
	}

	commands := []*cobra.Command{
		newFloatingCreateCommand(f),
		newFloatingListCommand(f),
	}

	cmd.AddCommand(commands...)

	return cmd
}
