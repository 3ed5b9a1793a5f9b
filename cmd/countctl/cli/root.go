package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/labstock/reagentd/internal/stockcount"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the countctl root command. connect is invoked
// lazily by the commands that need dependencies.
func NewRootCommand(connect Connector) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "countctl",
		Short: "Operate reagent stock counts",
		Long: `countctl submits, retries and inspects reagent stock counts.

Counts are queued for the worker by default; --sync runs them in this
process against the configured database.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts, connect))
	cmd.AddCommand(NewRetryCommand(opts, connect))
	cmd.AddCommand(NewShowCommand(opts, connect))
	cmd.AddCommand(NewListCommand(opts, connect))
	cmd.AddCommand(NewQueueCommand(opts, connect))
	cmd.AddCommand(NewPruneKeysCommand(opts, connect))
	cmd.AddCommand(NewMigrateCommand(opts, connect))

	return cmd
}

// session bundles what a command body needs.
type session struct {
	ctx context.Context
	env *Env
	out *OutputFormatter
}

// withEnv connects, runs fn and releases the connections. Errors returned by
// fn are reported through the formatter before being passed to cobra.
func withEnv(cmd *cobra.Command, opts *RootOptions, connect Connector, fn func(s session) error) error {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := connect(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return report(out, err)
	}
	defer func() {
		if err := env.Close(); err != nil {
			out.VerboseLog("close connections: %v", err)
		}
	}()
	if err := fn(session{ctx: ctx, env: env, out: out}); err != nil {
		return report(out, err)
	}
	return nil
}

func report(out *OutputFormatter, err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Code != ExitFailure || exitErr.Err != nil {
			out.Error(exitErr)
		}
		return exitErr
	}
	wrapped := WrapExitError(exitCodeFor(err), "command failed", err)
	out.Error(wrapped)
	return wrapped
}

// exitCodeFor treats caller mistakes as command errors and everything else
// as a failed count.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, stockcount.ErrCountNotFound),
		errors.Is(err, stockcount.ErrInvalidRequest),
		errors.Is(err, stockcount.ErrDuplicateSubmission),
		errors.Is(err, stockcount.ErrRunInProgress),
		errors.Is(err, stockcount.ErrNoTrackedItems):
		return ExitCommandError
	}
	return ExitFailure
}
