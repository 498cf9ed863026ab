// Package cmd wires the gateway's CLI surface with cobra, following the
// teacher's root-command/SilenceUsage/exit-code conventions (grounded on
// muster's cmd/root.go).
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes (spec §6: "0 on clean shutdown; 1 on startup failure, on
// forced exit after shutdown timeout, or on a second shutdown signal
// during shutdown").
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

// rootCmd is the base command; the gateway has no default action of its
// own, so serve carries the only meaningful subcommand.
var rootCmd = &cobra.Command{
	Use:          "mcp-gateway",
	Short:        "Aggregate many MCP servers behind one client-facing endpoint",
	Long:         `mcp-gateway fans a single client-facing MCP endpoint out to many heterogeneous upstream MCP servers, merging their tool, resource, and prompt catalogs under one namespaced surface.`,
	SilenceUsage: true,
}

// SetVersion injects the build-time version into the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI, translating a returned error into exit code 1.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcp-gateway version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
