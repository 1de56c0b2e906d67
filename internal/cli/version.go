package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/instant-demo/vbrowser-pool/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vbrowser-pool %s (%s)\n", version.Version, version.Commit)
	},
}
