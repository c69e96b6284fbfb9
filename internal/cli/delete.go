package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go.docstore/internal/disk"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <dbname>",
	Args:  cobra.ExactArgs(1),
	Short: "Delete an existing database with its log and backup files",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbname := args[0]
		dbPath := cfg.DataPath(dbname)

		if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
			return errors.Errorf("could not find database %s", dbname)
		}

		for _, p := range []string{dbPath, dbPath + disk.LogSuffix, dbPath + "-backup"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}

		base := strings.TrimSuffix(filepath.Base(dbPath), filepath.Ext(dbPath))
		_ = os.Remove(filepath.Join(cfg.LogDir, base+".log"))

		fmt.Fprintf(cmd.OutOrStdout(), "Database %s deleted\n", dbname)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
