package cli

import (
	"github.com/spf13/cobra"

	"go.docstore/internal/engine"
)

var openCmd = &cobra.Command{
	Use:   "open <dbname>",
	Short: "Open a database in an interactive shell, creating it if missing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine.Open(args[0], cfg)
		if err != nil {
			return err
		}
		return startREPL(e, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(openCmd)
}
