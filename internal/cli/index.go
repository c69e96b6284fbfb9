package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"go.docstore/internal/engine"
)

func newEnsureIndexCmd(e *engine.Engine) *cobra.Command {
	var unique bool
	cmd := &cobra.Command{
		Use:   "ensure-index <collection> <name> <expression>",
		Short: "Create an index over a path expression such as $.tags[*]",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			created, err := e.EnsureIndex(args[0], args[1], args[2], unique)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Index %s created\n", args[1])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Index %s already exists\n", args[1])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&unique, "unique", false, "reject duplicate keys")
	return cmd
}

func newDropIndexCmd(e *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "drop-index <collection> <name>",
		Short: "Drop a secondary index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dropped, err := e.DropIndex(args[0], args[1])
			if err != nil {
				return err
			}
			if !dropped {
				fmt.Fprintf(cmd.OutOrStdout(), "No index %s\n", args[1])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Index %s dropped\n", args[1])
			return nil
		},
	}
}

func newIndexesCmd(e *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "indexes <collection>",
		Short: "List the indexes of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			indexes, err := e.GetIndexes(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tEXPRESSION\tUNIQUE\tLEVELS\tKEYS\tDISTINCT")
			for _, idx := range indexes {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%d\n", idx.Name, idx.Expression, idx.Unique, idx.MaxLevel, idx.KeyCount, idx.UniqueKeyCount)
			}
			return w.Flush()
		},
	}
}
