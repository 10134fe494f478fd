package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewCacheCommand creates the cache command group. With the memory backend
// each CLI process starts from an empty cache; point cache.backend at redis
// to inspect the cache a running server shares.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the computation cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "stats",
		Short:         "Show cache size, hit rate and entries",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				st, err := a.cache.Stats(ctx)
				if err != nil {
					return failed("failed to read cache stats", err)
				}
				return formatter(cmd, rootOpts).Success(st, func(w io.Writer) {
					fmt.Fprintf(w, "Backend:  %s\n", st.Backend)
					fmt.Fprintf(w, "Size:     %d/%d\n", st.Size, st.MaxSize)
					fmt.Fprintf(w, "Hit rate: %.1f%%\n", st.HitRate*100)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "clear",
		Short:         "Remove every cache entry",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				if err := a.cache.Clear(ctx); err != nil {
					return failed("failed to clear cache", err)
				}
				return formatter(cmd, rootOpts).Success(map[string]bool{"cleared": true}, func(w io.Writer) {
					fmt.Fprintln(w, "Cache cleared.")
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "invalidate <conversation-id>",
		Short:         "Remove the cache entries produced for one conversation",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				removed, err := a.cache.InvalidateConversation(ctx, args[0])
				if err != nil {
					return failed("failed to invalidate conversation", err)
				}
				data := map[string]any{"conversationId": args[0], "removed": removed}
				return formatter(cmd, rootOpts).Success(data, func(w io.Writer) {
					fmt.Fprintf(w, "Removed %d entries for conversation %s\n", removed, args[0])
				})
			})
		},
	})

	return cmd
}
