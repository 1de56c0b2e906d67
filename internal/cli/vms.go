package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/instant-demo/vbrowser-pool/internal/pool"
)

var vmsCmd = &cobra.Command{
	Use:   "vms [pool...]",
	Short: "List provider instances and where each pool tracks them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		a, err := newApp(appConfig, logger, false)
		if err != nil {
			return err
		}
		defer a.Close()

		managers, err := selectManagers(a.managers, args)
		if err != nil {
			return err
		}

		inventories := make(map[string][]pool.InventoryEntry, len(managers))
		names := make([]string, 0, len(managers))
		for _, m := range managers {
			entries, err := m.Inventory(ctx)
			if err != nil {
				return fmt.Errorf("pool %s: %w", m.Name(), err)
			}
			inventories[m.Name()] = entries
			names = append(names, m.Name())
		}
		return printInventory(cmd.OutOrStdout(), names, inventories, time.Now())
	},
}

func printInventory(w io.Writer, names []string, inventories map[string][]pool.InventoryEntry, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "POOL\tID\tHOST\tPLACEMENT\tCREATED")
	for _, name := range names {
		for _, e := range inventories[name] {
			created := "unknown"
			if !e.VM.CreatedAt.IsZero() {
				created = humanize.RelTime(e.VM.CreatedAt, now, "ago", "from now")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, shortID(e.VM.ID), e.VM.Host, e.Placement, created)
		}
	}
	return tw.Flush()
}

// shortID truncates container ids the way docker ps does.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
