package service

import (
	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

// NewServiceCommand returns a command that manages service records.
func NewServiceCommand(f *util.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage service records.",
		Long:  "Manage service records.",
	}

	commands := []*cobra.Command{
		newServiceListCommand(f),
		newServiceEnableCommand(f),
		newServiceDisableCommand(f),
	}

	cmd.AddCommand(commands...)

	return cmd
}
