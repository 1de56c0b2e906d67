// Package cli provides the command-line interface for vbrowser-pool.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

var (
	appConfig *config.Config
	logger    *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "vbrowser-pool",
	Short: "Warm pool manager for vbrowser instances",
	Long: `vbrowser-pool keeps a supply of booted vbrowser instances per provider
and size class, assigns them to sessions under a shared lock and recycles
them when sessions end.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "version", "completion", "help":
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		appConfig = cfg
		logger = logging.New(cfg.Log.Level, cfg.Log.Format)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(vmsCmd)
}
