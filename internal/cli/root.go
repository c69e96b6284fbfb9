package cli

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go.docstore/internal/config"
)

var (
	homeDir    string
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "docstore",
	Short:         "docstore - embedded document database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(homeDir, configFile)
		if err != nil {
			return errors.Wrap(err, "load config")
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "docstore home directory (default $DOCSTORE_HOME or ~/.local/share/docstore)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default <home>/config.yaml)")
}
