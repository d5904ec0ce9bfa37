package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

// SetBuildInfo sets version info injected at build time.
func SetBuildInfo(v, date, commit string) {
	version = v
	buildDate = date
	gitCommit = commit
}

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "Remote agent gateway — WebSocket server and CLI",
	Long: `gatewayd runs the remote agent gateway: a WebSocket server brokering a
bidirectional, JSON-framed conversation with cancellable streaming
generation, tool/turn confirmation, and a command registry.

The CLI also inspects configuration, tracked session metadata, and the
agent's memory store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gatewayd %s\n", version)
		fmt.Printf("  build:  %s\n", buildDate)
		fmt.Printf("  commit: %s\n", gitCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(configCmdGroup)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(memoryCmd)
}

// Execute runs the root cobra command.
func Execute() error {
	return rootCmd.Execute()
}
