// previewfs server
//
// In-memory project filesystem for live code previews:
// - REST file API
// - WebSocket and SSE change notifications
// - Optional mirror to a local directory or S3 bucket
// - Prometheus metrics & structured logging (zap)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "previewfs",
	Short:         "In-memory virtual filesystem for live code previews",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
