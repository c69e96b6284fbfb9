package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.docstore/internal/engine"
)

func newInsertCmd(e *engine.Engine) *cobra.Command {
	var autoID string
	cmd := &cobra.Command{
		Use:   "insert <collection> <json>",
		Short: "Insert a document or an array of documents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := engine.ParseAutoID(autoID)
			if err != nil {
				return err
			}
			docs, err := parseDocs(args[1])
			if err != nil {
				return err
			}
			n, err := e.Insert(args[0], docs, mode)
			if err != nil {
				return err
			}
			for _, d := range docs {
				id, _ := d.ID()
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d inserted\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&autoID, "auto-id", "objectid", "id for documents without _id: objectid, int32 or int64")
	return cmd
}

func newUpdateCmd(e *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "update <collection> <json>",
		Short: "Replace documents matched by _id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := parseDocs(args[1])
			if err != nil {
				return err
			}
			n, err := e.Update(args[0], docs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d updated\n", n)
			return nil
		},
	}
}

func newUpsertCmd(e *engine.Engine) *cobra.Command {
	var autoID string
	cmd := &cobra.Command{
		Use:   "upsert <collection> <json>",
		Short: "Update documents that exist and insert the rest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := engine.ParseAutoID(autoID)
			if err != nil {
				return err
			}
			docs, err := parseDocs(args[1])
			if err != nil {
				return err
			}
			n, err := e.Upsert(args[0], docs, mode)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d inserted, %d updated\n", n, len(docs)-n)
			return nil
		},
	}
	cmd.Flags().StringVar(&autoID, "auto-id", "objectid", "id for documents without _id: objectid, int32 or int64")
	return cmd
}
