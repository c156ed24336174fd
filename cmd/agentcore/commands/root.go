// Package commands implements the agentcore CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentcore",
		Short: "agentcore - conversational agent runtime core",
		Long: `agentcore is the runtime core behind a chat-driven LLM agent:
per-chat FIFO dispatching, a self-healing execution loop, and a
SQLite-backed session/memory/resumable-task store.

Examples:
  agentcore serve
  agentcore status
  agentcore tasks list
  agentcore repair-check`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newTasksCmd(),
		newConfigCmd(),
		newRepairCheckCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
