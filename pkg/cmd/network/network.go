package network

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

// vlanString renders an optional VLAN tag for listings.
func vlanString(vlan *int) string {
	if vlan == nil {
		return "-"
	}

	return strconv.Itoa(*vlan)
}

// NewNetworkCommand returns a command that manages tenant networks.
func NewNetworkCommand(f *util.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Manage tenant networks.",
		Long:  "Manage tenant networks.",
	}

	commands := []*cobra.Command{
		newNetworkCreateCommand(f),
		newNetworkListCommand(f),
	}

	cmd.AddCommand(commands...)

	return cmd
}
