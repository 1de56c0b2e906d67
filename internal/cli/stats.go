package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/internal/pool"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats [pool...]",
	Short: "Show queue lengths for each pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(appConfig, logger, false)
		if err != nil {
			return err
		}
		defer a.Close()

		managers, err := selectManagers(a.managers, args)
		if err != nil {
			return err
		}
		stats, err := collectStats(cmd.Context(), managers)
		if err != nil {
			return err
		}
		if statsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}
		return printStats(cmd.OutOrStdout(), stats)
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print stats as JSON")
}

func collectStats(ctx context.Context, managers []*pool.Manager) ([]*domain.PoolStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make([]*domain.PoolStats, 0, len(managers))
	for _, m := range managers {
		s, err := m.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", m.Name(), err)
		}
		out = append(out, s)
	}
	return out, nil
}

func printStats(w io.Writer, stats []*domain.PoolStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "POOL\tMODE\tTARGET\tAVAILABLE\tSTAGING\tLOCKED")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n",
			s.Pool, s.Mode(), s.Target(), s.Available, s.Staging, s.Locked)
	}
	return tw.Flush()
}
