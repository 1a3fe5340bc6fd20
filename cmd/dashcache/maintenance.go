package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/fontbakery/dashcache/pkg/meta"
)

// Maintenance commands open the data dir directly; the metadata database
// is locked while a server runs on it.
func withCore(cmd *cobra.Command, fn func(context.Context, *core) error) error {
	c, err := openCore(loadCoreConfig(), slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(cmd.Context(), c)
}

func newChangesCmd() *cobra.Command {
	var (
		since uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List committed family changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, c *core) error {
				changes, err := c.meta.ListChanges(ctx, since, limit)
				if err != nil {
					return err
				}
				printChanges(cmd.OutOrStdout(), changes)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "only changes after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum changes listed (0 lists all)")
	return cmd
}

func newFamiliesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "families <collection>",
		Short: "List the committed fingerprints of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, c *core) error {
				records, err := c.meta.ListFamilies(ctx, args[0])
				if err != nil {
					return err
				}
				printFamilies(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove unreferenced payload files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, c *core) error {
				count, err := c.sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "gc removed %d payloads\n", count)
				return nil
			})
		},
	}
}

func printChanges(w io.Writer, changes []meta.ChangeRecord) {
	for _, ch := range changes {
		fmt.Fprintf(w, "%d\t%s\t%s/%s\t%s -> %s\t%s\n",
			ch.Seq, ch.DetectedAt.Format(time.RFC3339),
			ch.Collection, ch.Family, ch.PreviousFingerprint, ch.Fingerprint, ch.SnapshotKey)
	}
}

func printFamilies(w io.Writer, records []meta.FamilyRecord) {
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\trev %d\t%s\n", rec.Family, rec.Fingerprint, rec.Revision, rec.SnapshotKey)
	}
}
