package main

import (
	"github.com/spf13/cobra"

	"ciomsdb/pkg/domain"
)

func newCreateCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create -f report.json",
		Short: "Create a report with its patient, reactions, drugs, lab results and causality",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			var in domain.CreateReportInput
			if err := readJSONFile(cmd, file, &in); err != nil {
				return err
			}
			if err := domain.ValidateCreate(in, a.reports.Now()); err != nil {
				return err
			}
			id, err := a.reports.CreateReport(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int64{"id": id})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON payload, - for stdin")
	return cmd
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Print a report with every child record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			agg, err := appFrom(cmd).reports.GetReport(cmd.Context(), id)
			if err != nil {
				return err
			}
			if agg == nil {
				return &domain.NotFoundError{Collection: domain.CollectionReports, ID: id}
			}
			return printJSON(cmd, agg)
		},
	}
}

func newListCommand() *cobra.Command {
	var opts domain.ListOptions
	var order string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports one page at a time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.SortDirection = domain.SortDirection(order)
			page, err := appFrom(cmd).reports.ListReports(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, page)
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (default 50)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "reports to skip")
	cmd.Flags().StringVar(&opts.SortField, "sort", "", "sort field (default date_received)")
	cmd.Flags().StringVar(&order, "order", "", "asc or desc (default desc)")
	return cmd
}

func newSearchCommand() *cobra.Command {
	var c domain.SearchCriteria
	var from, to string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search reports; every given filter must match",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			verr := &domain.ValidationError{}
			c.DateFrom = flagDate(verr, "from", from)
			c.DateTo = flagDate(verr, "to", to)
			if err := verr.OrNil(); err != nil {
				return err
			}
			reports, err := appFrom(cmd).reports.SearchReports(cmd.Context(), c)
			if err != nil {
				return err
			}
			if reports == nil {
				reports = []domain.Report{}
			}
			return printJSON(cmd, reports)
		},
	}
	f := cmd.Flags()
	f.StringVar(&c.ControlNumber, "control-no", "", "manufacturer control number contains")
	f.StringVar(&c.PatientInitials, "initials", "", "patient initials contain")
	f.StringVar(&c.Country, "country", "", "patient country contains")
	f.StringVar(&from, "from", "", "received on or after (YYYY-MM-DD)")
	f.StringVar(&to, "to", "", "received on or before (YYYY-MM-DD)")
	f.StringVar(&c.Reaction, "reaction", "", "a reaction (English or Korean) contains")
	f.StringVar(&c.Drug, "drug", "", "a drug name (English or Korean) contains")
	f.IntVar(&c.Limit, "limit", 0, "maximum results (default 50)")
	return cmd
}

func flagDate(verr *domain.ValidationError, name, raw string) *domain.Date {
	if raw == "" {
		return nil
	}
	d, err := domain.ParseDate(raw)
	if err != nil {
		verr.Add(name, err.Error())
		return nil
	}
	return &d
}

func newUpdateCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update ID -f patch.json",
		Short: "Update report fields and upsert the patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var patch domain.ReportPatch
			if err := readJSONFile(cmd, file, &patch); err != nil {
				return err
			}
			if err := domain.ValidatePatch(patch, a.reports.Now()); err != nil {
				return err
			}
			if err := a.reports.UpdateReport(cmd.Context(), id, patch); err != nil {
				return err
			}
			agg, err := a.reports.GetReport(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, agg)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON patch, - for stdin")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a report and every child record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := appFrom(cmd).reports.DeleteReport(cmd.Context(), id); err != nil {
				return err
			}
			return printJSON(cmd, map[string]int64{"deleted": id})
		},
	}
}

func newCountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := appFrom(cmd).reports.CountReports(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{"count": n})
		},
	}
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the row count of every collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := appFrom(cmd).reports.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}
