package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (can be set at build time)
var version = "0.1.0"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "devdeck",
	Short: "Run and observe a project's local services from one place",
	Long: `devdeck supervises the interdependent local services of a project
(web app, API, database, workers) as native processes or devcontainers:
start/stop them, follow their logs, and keep their ports from colliding.

Usage:
  devdeck serve    Run the orchestration engine and its localhost HTTP API`,
	Version: version,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
