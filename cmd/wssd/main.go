package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wssd",
		Short: "Secure WebSocket broadcast server",
		Long: `wssd accepts WebSocket clients over TCP or TLS and relays every
text or binary message it receives to all connected clients.

An optional admin HTTP endpoint exposes health, Prometheus metrics,
the session list and broadcast controls.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	return cmd
}
