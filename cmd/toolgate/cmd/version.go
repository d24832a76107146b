package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/toolgate-proxy/toolgate/internal/server"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the toolgate version",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("toolgate %s (%s)\n", server.Version, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
