package cli

import (
	"fmt"
	"strconv"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"go.docstore/internal/engine"
)

func newInfoCmd(e *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show file sizes, settings and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := e.Info()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "path:         %s\n", info.Path)
			fmt.Fprintf(out, "data file:    %s (%s pages)\n", humanize.Bytes(uint64(info.DataSize)), humanize.Comma(int64(info.LastPageID)+1))
			fmt.Fprintf(out, "log file:     %s\n", humanize.Bytes(uint64(info.LogSize)))
			fmt.Fprintf(out, "collation:    %s\n", info.Collation)
			fmt.Fprintf(out, "encrypted:    %t\n", info.Encrypted)
			fmt.Fprintf(out, "read only:    %t\n", info.ReadOnly)
			fmt.Fprintf(out, "user version: %d\n", info.UserVersion)
			fmt.Fprintf(out, "collections:  %s\n", strings.Join(info.Collections, ", "))
			fmt.Fprintf(out, "commits:      %s\n", humanize.Comma(int64(info.Commits)))
			fmt.Fprintf(out, "checkpoints:  %s\n", humanize.Comma(int64(info.Checkpoints)))
			fmt.Fprintf(out, "analyzes:     %d\n", info.Analyzes)
			fmt.Fprintf(out, "rebuilds:     %d\n", info.Vacuums)
			fmt.Fprintf(out, "open txs:     %d\n", info.OpenTransactions)
			if info.RebuildErrors > 0 {
				fmt.Fprintf(out, "bad log pages: %d\n", info.RebuildErrors)
			}
			return nil
		},
	}
}

func newCheckpointCmd(e *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Copy committed log pages into the data file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := e.Checkpoint()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d pages written\n", n)
			return nil
		},
	}
}

func newAnalyzeCmd(e *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [collection...]",
		Short: "Recount index keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.Analyze(args...); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func newUserVersionCmd(e *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "user-version [value]",
		Short: "Show or set the user version stored in the header",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v, err := strconv.ParseInt(args[0], 10, 32)
				if err != nil {
					return err
				}
				return e.SetUserVersion(int32(v))
			}
			v, err := e.UserVersion()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func newRebuildCmd(e *engine.Engine) *cobra.Command {
	var password, collation string
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rewrite the database into a compact file, keeping a -backup copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.RebuildOptions
			if cmd.Flags().Changed("password") {
				opts.Password = &password
			}
			if cmd.Flags().Changed("collation") {
				opts.Collation = &collation
			}
			saved, err := e.Rebuild(opts)
			if err != nil {
				return err
			}
			if saved < 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt, file grew by %s\n", humanize.Bytes(uint64(-saved)))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt, %s saved\n", humanize.Bytes(uint64(saved)))
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "new password, empty to remove encryption")
	cmd.Flags().StringVar(&collation, "collation", "", "new collation: ignorecase or binary")
	return cmd
}
