// Package cmd implements the toolgate CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/toolgate-proxy/toolgate/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Tool-gating proxy for MCP clients",
	Long: `toolgate sits between an MCP client and one or more backend MCP
servers. It keeps the client's visible tool list small through dynamic
toolset activation, TTL/LRU eviction, and token-budgeted provisioning,
while routing tool calls to the owning backend.`,
	PersistentPreRun: func(*cobra.Command, []string) {
		config.InitViper(configFile)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: toolgate.yaml)")
}
