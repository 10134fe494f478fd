package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tracereplay/internal/api"
	"github.com/roach88/tracereplay/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Port int
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the recording, replay and cache HTTP API",
		Long: `Start the HTTP API and block until SIGINT or SIGTERM, then drain
in-flight requests and exit.

Examples:
  tracereplay serve
  tracereplay serve --port 9090 --db ./tracereplay.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Port, "port", 0, "listen port (overrides server.port)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sc := a.cfg.Server
		port := sc.Port
		if opts.Port > 0 {
			port = opts.Port
		}

		handler := api.New(api.Deps{
			Store:          a.store,
			Recorder:       a.recorder,
			Engine:         a.engine,
			Cache:          a.cache,
			Pipeline:       a.pipeline,
			ReplayDefaults: a.cfg.ReplayDefaults(),
			TracingEnabled: a.cfg.Telemetry.Enabled,
			Logger:         a.logger,
		})
		srv := server.New(server.Options{
			Port:           port,
			RequestTimeout: sc.RequestTimeout,
			RateLimitRPS:   sc.RateLimit.RPS,
			RateLimitBurst: sc.RateLimit.Burst,
			CORSOrigins:    sc.CORSOrigins,
		}, a.logger, handler.Routes)

		if err := srv.Start(ctx); err != nil {
			return failed("server stopped", err)
		}
		return nil
	})
}
