package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/agentlens/internal/ingest"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|dir|->",
		Short: "Import capture files",
		Long: `Import capture logs into the local store.

A directory is scanned for *.jsonl files. Files that were already imported
are skipped by content hash. "-" reads a capture stream from stdin.

Examples:
  agentlens import ~/.agentlens/captures
  agentlens import ./agent-1234.jsonl
  cat agent.jsonl | agentlens import -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *workspace) error {
				ctx := cmd.Context()
				var results []*ingest.Result
				var importErr error

				if args[0] == "-" {
					res, err := ws.ingest.ImportReader(ctx, cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("import stdin: %w", err)
					}
					results = append(results, res)
				} else {
					info, err := os.Stat(args[0])
					if err != nil {
						return fmt.Errorf("stat %s: %w", args[0], err)
					}
					if info.IsDir() {
						results, importErr = ws.ingest.ImportDir(ctx, args[0])
					} else {
						var res *ingest.Result
						res, importErr = ws.ingest.ImportFile(ctx, args[0])
						if res != nil {
							results = append(results, res)
						}
					}
				}

				if jsonOutput(cmd) {
					if err := printJSON(cmd.OutOrStdout(), results); err != nil {
						return err
					}
				} else {
					renderImport(cmd.OutOrStdout(), results)
				}
				return importErr
			})
		},
	}
}

func sessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List sessions, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *workspace) error {
				sessions, err := ws.query.ListSessions(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), sessions)
				}
				renderSessions(cmd.OutOrStdout(), sessions)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "last", "n", 20, "Number of sessions to show")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session>",
		Short: "Show the turn table of a session",
		Long:  `Show a session's turns. The session may be given by id or by external id.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *workspace) error {
				ctx := cmd.Context()
				sess, err := ws.session(ctx, args[0])
				if err != nil {
					return fmt.Errorf("get session: %w", err)
				}
				turns, err := ws.query.ListTurns(ctx, sess.ID)
				if err != nil {
					return fmt.Errorf("list turns: %w", err)
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), map[string]any{"session": sess, "turns": turns})
				}
				renderTurns(cmd.OutOrStdout(), sess, turns)
				return nil
			})
		},
	}
}

func turnCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "turn <session> <turn>",
		Short: "Show the components and spans of one turn",
		Long: `Show one turn. Turns are "major" or "major.minor", e.g. 4 or 4.1.

Examples:
  agentlens turn 01J... 3
  agentlens turn my-agent 3.1 --full`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *workspace) error {
				ctx := cmd.Context()
				sess, err := ws.session(ctx, args[0])
				if err != nil {
					return fmt.Errorf("get session: %w", err)
				}
				turn, err := ws.query.GetTurn(ctx, sess.ID, args[1])
				if err != nil {
					return fmt.Errorf("get turn: %w", err)
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), turn)
				}
				renderTurn(cmd.OutOrStdout(), turn, full)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Print full content instead of previews")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <session>",
		Aliases: []string{"rm"},
		Short:   "Delete a session and everything recorded under it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *workspace) error {
				ctx := cmd.Context()
				sess, err := ws.session(ctx, args[0])
				if err != nil {
					return fmt.Errorf("get session: %w", err)
				}
				if err := ws.query.DeleteSession(ctx, sess.ID); err != nil {
					return fmt.Errorf("delete session: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s (%s)\n", sess.ID, sess.ExternalID)
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Retry calls spooled after persistence failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *workspace) error {
				res, err := ws.ingest.Reconcile(cmd.Context())
				if err != nil {
					return fmt.Errorf("reconcile: %w", err)
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reconciled %d of %d spooled calls (%d interactions), %d remaining\n",
					res.Reconciled, res.Attempted, res.Interactions, res.Remaining)
				return nil
			})
		},
	}
}

func indexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "List Session Index entries with staleness",
		Long: `List the cross-process Session Index: one entry per external session id,
with the internal session it maps to and how long ago a writer last touched it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *workspace) error {
				f, err := ws.index.Read()
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), f)
				}
				fmt.Fprintln(cmd.OutOrStdout(), metaStyle.Render(ws.index.Path()))
				renderIndex(cmd.OutOrStdout(), f, time.Now())
				return nil
			})
		},
	}
}
