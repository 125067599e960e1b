package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"ciomsdb/internal/config"
	"ciomsdb/pkg/domain"
)

var version = "dev"

type contextKey struct{}

// run executes the command line in args and closes whatever the command opened,
// including after a failed command.
func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	var opened *app
	root := newRootCommand(func(a *app) { opened = a })
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	err := root.ExecuteContext(ctx)
	if opened != nil {
		err = errors.Join(err, opened.close(context.WithoutCancel(ctx)))
	}
	return err
}

func newRootCommand(opened func(*app)) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "ciomsdb",
		Short:         "Manage CIOMS-I adverse drug reaction reports",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			opened(a)
			cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, a))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./ciomsdb.yaml or $HOME/.ciomsdb/ciomsdb.yaml)")

	root.AddCommand(
		newServeCommand(),
		newCreateCommand(),
		newGetCommand(),
		newListCommand(),
		newSearchCommand(),
		newUpdateCommand(),
		newDeleteCommand(),
		newCountCommand(),
		newStatsCommand(),
		newExportCommand(),
		newImportCommand(),
		newAuditCommand(),
		newSampleCommand(),
		newClearCommand(),
	)
	return root
}

func appFrom(cmd *cobra.Command) *app {
	return cmd.Context().Value(contextKey{}).(*app)
}

// printJSON writes v to the command's stdout, indented.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readJSONFile decodes path into v; "-" reads stdin.
func readJSONFile(cmd *cobra.Command, path string, v any) error {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.NewValidationError("id", fmt.Sprintf("must be a positive integer, got %q", arg))
	}
	return id, nil
}
