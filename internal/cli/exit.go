package cli

import (
	"github.com/spf13/cobra"
)

func newExitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exit",
		Short: "Close the database and leave the shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return errExit
		},
	}
}
