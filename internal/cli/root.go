// Package cli registers the valet commands.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/valetd/valet/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"            _      _\n" +
		" __ ____ _ | | ___| |_\n" +
		" \\ V / _` || |/ -_)  _|\n" +
		"  \\_/\\__,_||_|\\___|\\__|\n"
)

var rootCmd = &cobra.Command{
	Use:   "valet",
	Short: "Valet - AI life assistant agent core",
	Long:  color.CyanString(logo) + "\nAgent orchestration core: sessions, memory, message bus and realtime hub.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("valet %s\n", version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(gatewayCmd)
}
