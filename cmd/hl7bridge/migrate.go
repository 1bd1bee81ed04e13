package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehr/hl7bridge/internal/config"
	"github.com/ehr/hl7bridge/internal/platform/db"
	"github.com/ehr/hl7bridge/internal/platform/journal"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the conversion journal schema",
		Long:  "Apply or inspect journal migrations. Only the postgres and sqlite journal drivers have a schema.",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending journal migrations",
		RunE: withJournal(func(cmd *cobra.Command, store journal.SQLStore) error {
			n, err := store.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", n)
			return nil
		}),
	}

	var asJSON bool
	status := &cobra.Command{
		Use:   "status",
		Short: "Show journal migration status",
		RunE: withJournal(func(cmd *cobra.Command, store journal.SQLStore) error {
			statuses, err := store.MigrationStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		}),
	}
	status.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")

	cmd.AddCommand(up, status)
	return cmd
}

// withJournal opens the configured SQL journal without migrating it and
// closes it after run.
func withJournal(run func(*cobra.Command, journal.SQLStore) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JournalDriver == journal.DriverMemory {
			return fmt.Errorf("JOURNAL_DRIVER is %q; migrations apply to postgres and sqlite only", cfg.JournalDriver)
		}
		store, err := journal.OpenSQL(cmd.Context(), journalOptions(cfg))
		if err != nil {
			return err
		}
		defer store.Close()
		return run(cmd, store)
	}
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	fmt.Fprintln(tw, "-------\t----\t------\t----------")
	for _, s := range statuses {
		state, at := "pending", ""
		if s.Applied {
			state = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.Name, state, at)
	}
	tw.Flush()
}
