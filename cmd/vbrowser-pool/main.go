// Command vbrowser-pool runs and inspects pools of vbrowser instances.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/instant-demo/vbrowser-pool/internal/cli"
)

func main() {
	// Load .env file if present (ignore error if file doesn't exist)
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
