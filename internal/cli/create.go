package cli

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go.docstore/internal/engine"
)

var createCmd = &cobra.Command{
	Use:   "create <dbname>",
	Args:  cobra.ExactArgs(1),
	Short: "Create a new database",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbname := args[0]

		if _, err := os.Stat(cfg.DataPath(dbname)); err == nil {
			return errors.Errorf("%s already exists", dbname)
		}

		e, err := engine.Open(dbname, cfg)
		if err != nil {
			return err
		}
		if err := e.Close(); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Database %s created\n", dbname)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
}
