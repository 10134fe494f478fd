// Package cli implements the tracereplay command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tracereplay/internal/model"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string // overrides storage with a SQLite file
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tracereplay CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tracereplay",
		Short: "Record conversation pipelines and replay them for reproducibility",
		Long: `tracereplay records every step an incoming webhook drives through the
conversation pipeline, with canonical hashes of inputs and outputs, and
replays recordings later to prove the pipeline still behaves the same.

Configuration is read from tracereplay.yaml (or --config) and
TRACEREPLAY_ environment variables, e.g. TRACEREPLAY_STORAGE__SQLITE__PATH.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (default ./tracereplay.yaml if present)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "SQLite database path (overrides storage config)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRecordingCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewDBCommand(opts))

	return cmd
}

// Execute runs the command tree with args and reports any error in the
// selected output format. It returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	// Command bodies always return an ExitError; anything else came from
	// cobra's flag or argument handling.
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		err = WrapExitError(ExitCommandError, "invalid command", err)
	}
	code := GetExitCode(err)
	if errors.As(err, &exitErr) && exitErr.reported {
		return code
	}

	format, _ := cmd.PersistentFlags().GetString("format")
	out := &OutputFormatter{Format: format, Writer: stderr}
	if format == "json" {
		out.Writer = stdout
	}
	_ = out.Error(ErrorCode(err), err.Error(), errorDetails(err))
	return code
}

func errorDetails(err error) any {
	var me *model.Error
	if errors.As(err, &me) && len(me.Details) > 0 {
		return me.Details
	}
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// withApp opens the configured services for the duration of fn.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return failed("failed to initialize", err)
	}
	defer a.Close()
	return fn(ctx, a)
}

// formatter returns the output formatter for cmd.
func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
