package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewDBCommand creates the db command group.
func NewDBCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect the recording store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "stats",
		Short:         "Show row counts per collection",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				st, err := a.store.Stats(ctx)
				if err != nil {
					return failed("failed to read store stats", err)
				}
				return formatter(cmd, rootOpts).Success(st, func(w io.Writer) {
					fmt.Fprintf(w, "Driver:            %s\n", a.cfg.Storage.Driver)
					fmt.Fprintf(w, "Recordings:        %d\n", st.Recordings)
					fmt.Fprintf(w, "Events:            %d\n", st.Events)
					fmt.Fprintf(w, "Traces:            %d\n", st.Traces)
					fmt.Fprintf(w, "Replay executions: %d\n", st.ReplayExecutions)
					fmt.Fprintf(w, "Trace validations: %d\n", st.TraceValidations)
				})
			})
		},
	})

	return cmd
}
