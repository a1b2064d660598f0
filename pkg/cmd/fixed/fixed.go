package fixed

import (
	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

// NewFixedCommand returns a command that inspects fixed addresses.
func NewFixedCommand(f *util.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fixed",
		Short: "Inspect fixed addresses.",
		Long:  "Inspect fixed addresses.",
	}

	commands := []*cobra.Command{
		newFixedListCommand(f),
	}

	cmd.AddCommand(commands...)

	return cmd
}
