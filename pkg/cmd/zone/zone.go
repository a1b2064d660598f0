package zone

import (
	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

// NewZoneCommand returns a command that manages child zones.
func NewZoneCommand(f *util.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zone",
		Short: "Manage child zones.",
		Long:  "Manage child zones.",
	}

	commands := []*cobra.Command{
		newZoneAddCommand(f),
		newZoneListCommand(f),
		newZoneDeleteCommand(f),
	}

	cmd.AddCommand(commands...)

	return cmd
}
