// Package cmd provides the CLI commands for Quotagate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Quotagate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quotagate",
	Short: "Quotagate - multi-layer admission control",
	Long: `Quotagate decides whether a request may proceed based on per-actor and
per-group sliding-window quotas.

Every request is charged to the calling actor (user or client address) and,
when it belongs to one, to its group. Quotas depend on the group's tier and the
actor's role, and individual groups can be given custom quotas (overrides).

Quick start:
  1. Create a config file: quotagate.yaml (optional)
  2. Run: quotagate start

Configuration:
  Config is loaded from quotagate.yaml in the current directory,
  $HOME/.quotagate/, or /etc/quotagate/.

  Environment variables can override config values with the QUOTAGATE_ prefix.
  Example: QUOTAGATE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the admission server
  stop        Stop the running server
  check       Run admission decisions locally
  tiers       Print or validate the quota table
  override    Manage per-group quota overrides
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./quotagate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
