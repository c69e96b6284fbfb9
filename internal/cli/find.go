package cli

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go.docstore/internal/bson"
	"go.docstore/internal/engine"
)

func newFindCmd(e *engine.Engine) *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "find <collection>",
		Short: "List documents selected through an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := f.query()
			if err != nil {
				return err
			}
			docs, err := e.Find(args[0], q)
			if err != nil {
				return err
			}
			printDocs(cmd.OutOrStdout(), docs)
			return nil
		},
	}
	f.bind(cmd, true)
	return cmd
}

func newCountCmd(e *engine.Engine) *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "count <collection>",
		Short: "Count documents selected through an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := f.query()
			if err != nil {
				return err
			}
			n, err := e.Count(args[0], q)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	f.bind(cmd, false)
	return cmd
}

func newGetCmd(e *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Show the document with the given _id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := e.FindByID(args[0], parseValue(args[1]))
			if err != nil {
				return err
			}
			if doc == nil {
				return errors.Errorf("no document with _id %s", args[1])
			}
			fmt.Fprintln(cmd.OutOrStdout(), bson.ToJSON(doc))
			return nil
		},
	}
}

func newRemoveCmd(e *engine.Engine) *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "remove <collection> [id...]",
		Short: "Delete documents by _id, or every document matched by --op",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				n   int
				err error
			)
			if len(args) > 1 {
				ids := make([]bson.Value, 0, len(args)-1)
				for _, a := range args[1:] {
					ids = append(ids, parseValue(a))
				}
				n, err = e.Delete(args[0], ids...)
			} else {
				if !cmd.Flags().Changed("op") {
					return errors.New("give ids or an --op selection")
				}
				var q engine.Query
				if q, err = f.query(); err != nil {
					return err
				}
				n, err = e.DeleteMany(args[0], q)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d removed\n", n)
			return nil
		},
	}
	f.bind(cmd, false)
	return cmd
}
