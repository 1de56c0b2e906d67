package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap [pool...]",
	Short: "Run one orphan sweep for each pool",
	Long: `Reap lists every instance the provider reports for a pool and resets
those that are neither locked, available nor staging.`,
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

		var errs []error
		for _, m := range managers {
			if err := m.Reap(ctx); err != nil {
				errs = append(errs, fmt.Errorf("pool %s: %w", m.Name(), err))
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: reaped\n", m.Name())
		}
		return errors.Join(errs...)
	},
}
