package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/taskmesh/internal/persistence"
)

func newTasksCmd(root *rootOptions) *cobra.Command {
	var journalPath string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks and dead letters recorded in the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if journalPath == "" {
				cfg, err := root.load()
				if err != nil {
					return err
				}
				journalPath = cfg.Persistence.Path
			}
			if _, err := os.Stat(journalPath); err != nil {
				return fmt.Errorf("no journal at %s: %w", journalPath, err)
			}
			return listJournal(cmd.Context(), cmd.OutOrStdout(), journalPath)
		},
	}
	cmd.Flags().StringVar(&journalPath, "journal", "", "journal database (default persistence.path)")
	return cmd
}

func listJournal(ctx context.Context, out io.Writer, path string) error {
	store, err := persistence.NewSQLiteStore(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	snapshot, err := store.Load(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAGENT\tRETRIES\tREASON")
	for _, t := range snapshot.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n", t.ID, t.Status, dash(t.AssignedAgentID), t.RetryCount, t.MaxRetries, t.Reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(snapshot.DeadLetters) > 0 {
		fmt.Fprintf(out, "\n%d dead letters:\n", len(snapshot.DeadLetters))
		for _, m := range snapshot.DeadLetters {
			fmt.Fprintf(out, "  %s %s -> %s after %d attempts: %s\n", m.Type, m.ID, m.ReceiverID, m.DeliveryAttempts, m.LastError)
		}
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
