// Command resync enqueues form definition rebuilds and inspects the sync
// outbox. The API's worker picks the rows up on its next poll.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"github.com/spf13/cobra"

	"bloomsite/api/internal/config"
	"bloomsite/api/internal/formsync"
	"bloomsite/api/internal/logging"
	"bloomsite/api/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var formID string
	root := &cobra.Command{
		Use:   "resync",
		Short: "Rebuild form definitions in the document store",
		Example: `  # Enqueue every form
  resync

  # Enqueue a single form
  resync --form brand-identity-a1b2c3`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.PostgresStore) error {
				if formID != "" {
					if _, err := st.GetForm(ctx, formID); err != nil {
						return fmt.Errorf("form %q: %w", formID, err)
					}
					if err := st.EnqueueFormSync(ctx, formID); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s\n", formID)
					return nil
				}
				count, err := formsync.NewReconciler(st, func() {}).EnqueueAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d forms\n", count)
				return nil
			})
		},
	}
	root.Flags().StringVar(&formID, "form", "", "public id of a single form to enqueue")
	root.AddCommand(newStatusCmd(), newRequeueCmd())
	return root
}

var outboxStatuses = []string{"pending", "processing", "failed", "dead"}

func newStatusCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show outbox counts and entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" && !slices.Contains(outboxStatuses, status) {
				return fmt.Errorf("invalid --status %q: want one of %v", status, outboxStatuses)
			}
			if limit < 1 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			return withStore(cmd.Context(), func(ctx context.Context, st *store.PostgresStore) error {
				summary, err := st.SummarizeFormSync(ctx)
				if err != nil {
					return err
				}
				entries, err := st.ListFormSync(ctx, status, limit)
				if err != nil {
					return err
				}
				writeStatus(cmd.OutOrStdout(), summary, entries)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter entries by status (pending, processing, failed, dead)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to list")
	return cmd
}

func writeStatus(out io.Writer, summary map[string]int, entries []store.OutboxEntry) {
	keys := make([]string, 0, len(summary))
	for key := range summary {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(out, "%-10s %d\n", key, summary[key])
	}
	for _, entry := range entries {
		fmt.Fprintf(out, "%s\t%s\tgen=%d\tattempts=%d\t%s\n",
			entry.FormID, entry.Status, entry.Generation, entry.AttemptCount, entry.LastError)
	}
}

func newRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue FORM_ID",
		Short: "Requeue a dead-lettered form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.PostgresStore) error {
				ok, err := st.RequeueFormSync(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("form %q has no dead-lettered sync", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
				return nil
			})
		},
	}
}

func withStore(ctx context.Context, fn func(context.Context, *store.PostgresStore) error) error {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)

	return fn(ctx, store.NewPostgresStore(db))
}
