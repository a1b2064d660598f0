package project

import (
	"github.com/spf13/cobra"

	"github.com/eschercloudai/stratus/pkg/cmd/util"
)

// NewProjectCommand creates a command that manages directory projects.
func NewProjectCommand(f *util.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage directory projects.",
		Long:  "Manage directory projects.",
	}

	commands := []*cobra.Command{
		newProjectCreateCommand(f),
		newProjectDeleteCommand(f),
		newProjectListCommand(f),
		newProjectAddMemberCommand(f),
		newProjectRemoveMemberCommand(f),
	}

	cmd.AddCommand(commands...)

	return cmd
}
