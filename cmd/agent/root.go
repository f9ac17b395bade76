// Package agent implements the command-line entry point: a cobra root
// command with a serve subcommand that starts the gateway, and a version
// subcommand.
package agent

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for the CLI.
const (
	// ExitCodeSuccess indicates clean shutdown.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a fatal initialization failure. Reload
	// failures after startup are logged, never exits.
	ExitCodeError = 1
)

var rootCmd = &cobra.Command{
	Use:   "1mcp-agent",
	Short: "Aggregate multiple MCP servers behind a single endpoint",
	Long: `1mcp-agent multiplexes any number of downstream MCP servers behind a
single inbound MCP endpoint, merging their tools, resources, and prompts
into one capability set and reloading live as the server configuration
changes on disk.`,
	SilenceUsage: true,
}

// SetVersion sets the version reported by --version and the version
// subcommand; called from main with a build-time-injected value.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the version previously set by SetVersion.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the root command and exits the process with a code
// reflecting the outcome.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "1mcp-agent version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
	os.Exit(ExitCodeSuccess)
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
