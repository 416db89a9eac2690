// s7link - ISO-on-TCP / S7 read-job toolkit
//
// Builds and decodes COTP and S7 read-job frames, summarizes captures of
// S7 traffic and serves the dispatch status API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"s7link/config"
)

// version is set at build time via -ldflags
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "s7link",
		Short: "ISO-on-TCP and S7 read-job toolkit",
		Long: `s7link encodes and decodes the COTP connection handshake and S7
read jobs, summarizes S7 traffic in packet captures and serves the
status API of the job dispatch pipeline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to configuration file")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCRCmd(&configPath))
	rootCmd.AddCommand(newJobCmd())
	rootCmd.AddCommand(newDecodeCmd())
	rootCmd.AddCommand(newPcapCmd())
	rootCmd.AddCommand(newStatusCmd(&configPath))

	return rootCmd
}
