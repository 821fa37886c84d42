package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"trackunblock/work/app"
	"trackunblock/work/backend"
	"trackunblock/work/types"
)

func newResolveCmd() *cobra.Command {
	var title, artist, quality string
	var explain bool

	cmd := &cobra.Command{
		Use:   "resolve <track-id>",
		Short: "Resolve a track through the enabled sources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid track id %q", args[0])
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := cmd.OutOrStdout()
			if explain {
				ctx = backend.WithTrace(ctx, func(line string) { fmt.Fprintln(cmd.ErrOrStderr(), "  "+line) })
			}

			result, err := a.Resolver.Resolve(ctx, types.MatchRequest{TrackID: id, Title: title, Artist: artist, Quality: quality})
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(out, result)
			}
			fmt.Fprintln(out, result.URL)
			fmt.Fprintf(out, "source: %s  platform: %s  quality: %s\n", result.Source, result.Platform, result.Quality)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Track title, used by search-based sources")
	cmd.Flags().StringVar(&artist, "artist", "", "Track artist")
	cmd.Flags().StringVar(&quality, "quality", "", "Requested quality (default 320)")
	cmd.Flags().BoolVar(&explain, "explain", false, "Print backend traces to stderr")
	return cmd
}

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test [source-id]",
		Short: "Run the canary diagnostics against one source or all enabled sources",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			if len(args) == 1 {
				return runTestOne(ctx, cmd, a, args[0])
			}
			for u := range a.Prober.TestAll(ctx) {
				if verbose {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", u.Key, u.Status.State)
				}
			}
			return writeStatusTable(cmd, a.Prober.Snapshot())
		},
	}
}

func runTestOne(ctx context.Context, cmd *cobra.Command, a *app.App, id string) error {
	report, err := a.Prober.TestOne(ctx, id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if outputJSON {
		return writeJSON(out, report)
	}
	for _, line := range report.Lines {
		fmt.Fprintln(out, line)
	}
	return nil
}

func writeStatusTable(cmd *cobra.Command, statuses map[string]types.SourceTestStatus) error {
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), statuses)
	}

	keys := make([]string, 0, len(statuses))
	for k := range statuses {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSTATE\tINFO")
	for _, k := range keys {
		st := statuses[k]
		fmt.Fprintf(tw, "%s\t%s\t%s\n", k, st.State, st.Info)
	}
	return tw.Flush()
}
