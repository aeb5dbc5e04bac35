// preview-client is a command-line preview client: it lists and edits
// project files and watches change notifications.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/previewfs/pkg/client"
)

var (
	serverURL string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:           "preview-client",
	Short:         "Command-line client for previewfs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultURL := os.Getenv("PREVIEWFS_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "previewfs server URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log client activity to stderr")
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newClient(logger *zap.Logger) *client.Client {
	return client.New(client.Config{BaseURL: serverURL, Logger: logger})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
