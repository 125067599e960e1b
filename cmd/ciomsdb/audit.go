package main

import (
	"github.com/spf13/cobra"

	"ciomsdb/internal/audit"
	"ciomsdb/pkg/domain"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and purge the audit trail",
	}

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Print the newest audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := appFrom(cmd).audit.QueryRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, nonNilEntries(entries))
		},
	}
	recent.Flags().IntVar(&limit, "limit", audit.DefaultRecentLimit, "maximum entries")

	record := &cobra.Command{
		Use:   "record TABLE ID",
		Short: "Print the trail of one record, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			entries, err := appFrom(cmd).audit.QueryByRecord(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			return printJSON(cmd, nonNilEntries(entries))
		},
	}

	var days int
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit entries older than the retention horizon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			if !cmd.Flags().Changed("older-than-days") {
				days = a.cfg.Audit.RetentionDays
			}
			removed, err := a.audit.PurgeOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{"removed": removed})
		},
	}
	purge.Flags().IntVar(&days, "older-than-days", audit.DefaultRetentionDays, "retention horizon in days")

	cmd.AddCommand(recent, record, purge)
	return cmd
}

func nonNilEntries(entries []domain.AuditEntry) []domain.AuditEntry {
	if entries == nil {
		return []domain.AuditEntry{}
	}
	return entries
}
