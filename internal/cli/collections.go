package cli

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go.docstore/internal/engine"
)

func newCollectionsCmd(e *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List collection names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := e.GetCollectionNames()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newDropCollectionCmd(e *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "drop-collection <collection>",
		Short: "Delete a collection with its documents and indexes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dropped, err := e.DropCollection(args[0])
			if err != nil {
				return err
			}
			if !dropped {
				return errors.Errorf("no collection %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Collection %s dropped\n", args[0])
			return nil
		},
	}
}

func newRenameCmd(e *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <collection> <new-name>",
		Short: "Rename a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			renamed, err := e.RenameCollection(args[0], args[1])
			if err != nil {
				return err
			}
			if !renamed {
				return errors.Errorf("no collection %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Collection %s renamed to %s\n", args[0], args[1])
			return nil
		},
	}
}
