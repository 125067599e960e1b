package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"ciomsdb/internal/sampledata"
	"ciomsdb/internal/transfer"
)

func newExportCommand() *cobra.Command {
	var (
		output    string
		archive   bool
		formsOnly bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the database as one JSON document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			ctx := cmd.Context()
			export := a.transfer.ExportAll
			if formsOnly {
				export = a.transfer.ExportReports
			}
			doc, err := export(ctx)
			if err != nil {
				return err
			}
			switch {
			case archive:
				arc, err := a.archive(ctx)
				if err != nil {
					return err
				}
				info, err := arc.Save(ctx, doc)
				if err != nil {
					return err
				}
				return printJSON(cmd, info)
			case output != "":
				body, err := json.MarshalIndent(doc, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, body, 0o600); err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"path": output, "rows": rowCount(doc)})
			default:
				return printJSON(cmd, doc)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	cmd.Flags().BoolVar(&archive, "archive", false, "store the export in the configured blob archive")
	cmd.Flags().BoolVar(&formsOnly, "forms-only", false, "export report roots only")
	cmd.MarkFlagsMutuallyExclusive("output", "archive")
	return cmd
}

func rowCount(doc transfer.Document) map[string]int {
	out := make(map[string]int, len(doc.Data))
	for name, rows := range doc.Data {
		out[name] = len(rows)
	}
	return out
}

func newImportCommand() *cobra.Command {
	var (
		clearFirst bool
		fromKey    string
	)
	cmd := &cobra.Command{
		Use:   "import [FILE]",
		Short: "Import an export document from a file, stdin (-) or the archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			ctx := cmd.Context()
			var doc transfer.Document
			switch {
			case fromKey != "" && len(args) > 0:
				return errors.New("give either FILE or --archive-key, not both")
			case fromKey != "":
				arc, err := a.archive(ctx)
				if err != nil {
					return err
				}
				if doc, err = arc.Load(ctx, fromKey); err != nil {
					return err
				}
			case len(args) == 1:
				if err := readJSONFile(cmd, args[0], &doc); err != nil {
					return err
				}
			default:
				return errors.New("nothing to import: give FILE or --archive-key")
			}
			res, err := a.transfer.ImportAll(ctx, doc, transfer.ImportOptions{ClearFirst: clearFirst})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().BoolVar(&clearFirst, "clear-first", false, "empty every collection before importing")
	cmd.Flags().StringVar(&fromKey, "archive-key", "", "import an archived export by key")
	return cmd
}

func newSampleCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Create canned sample reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res := sampledata.Generate(cmd.Context(), appFrom(cmd).reports, count)
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVar(&count, "count", sampledata.DefaultCount, "number of reports")
	return cmd
}

func newClearCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear --yes",
		Short: "Delete every row of every collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear without --yes")
			}
			a := appFrom(cmd)
			if err := sampledata.ClearAll(cmd.Context(), a.store); err != nil {
				return err
			}
			return printJSON(cmd, map[string]bool{"cleared": true})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}
