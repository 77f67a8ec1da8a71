package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "taskrelay",
	Short: "Run agent tasks behind providers and stream them to viewers",
	Long: `taskrelay starts tasks on AI coding agents (Claude Code, ACP agents,
OpenAI, Gemini), keeps one ordered message history per task and streams it
to any number of WebSocket or SSE viewers with replay and live updates.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "taskrelay", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
