// Operatord is the control daemon for AI generative pipelines.
//
// It ingests observer events over HTTP and NATS, classifies failure windows
// against the app/motor taxonomy, and drives trace state machines that patch
// motor or app context through safety gates.
//
// Usage:
//
//	# Start the daemon with defaults
//	operatord serve
//
//	# Start with an explicit config file
//	operatord serve --config /etc/operatord/config.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "operatord",
	Short:   "Control daemon for AI generative pipelines",
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("operatord by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
