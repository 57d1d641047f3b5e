// Package main provides the agentlens CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var asJSON bool

	rootCmd := &cobra.Command{
		Use:   "agentlens",
		Short: "Capture and reconstruct LLM agent conversations",
		Long: `agentlens records the model traffic of LLM agents and rebuilds it into
sessions, turns, prompt components and response spans.

Quick Start:
  agentlens start                       # Run the daemon (imports ~/.agentlens/captures)
  agentlens import ./agent.jsonl        # Import a capture file directly
  agentlens sessions                    # List sessions
  agentlens show <session>              # Turn table for a session
  agentlens turn <session> 4.1          # Components and spans of one turn
  agentlens replay <interaction> --edit 0="Be brief."`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Sessions:"},
		&cobra.Group{ID: "daemon", Title: "Daemon:"},
	)

	for _, cmd := range []*cobra.Command{
		importCmd(),
		sessionsCmd(),
		showCmd(),
		turnCmd(),
		replayCmd(),
		deleteCmd(),
		reconcileCmd(),
		indexCmd(),
	} {
		cmd.GroupID = "data"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{
		startCmd(),
		stopCmd(),
		statusCmd(),
		logsCmd(),
		mcpCmd(),
	} {
		cmd.GroupID = "daemon"
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentlens %s\n", Version)
		},
	}
}

// jsonOutput reports whether --json was given anywhere on the command path
func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}
