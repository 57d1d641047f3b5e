package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/agentlens/internal/query"
)

func replayCmd() *cobra.Command {
	var (
		edits []string
		sets  []string
	)

	cmd := &cobra.Command{
		Use:   "replay <request-interaction>",
		Short: "Replay a stored request against the mock model",
		Long: `Replay a stored request with edits. Nothing is sent upstream: the answer
comes from a deterministic mock model.

--edit takes <component>=<text>, where <component> is a component index
from "agentlens turn" or a component id. --set takes <json-path>=<value>;
the value is parsed as JSON and taken as a string when that fails. A value
of null deletes the path.

Examples:
  agentlens replay 01J... --edit 0="You are terse."
  agentlens replay 01J... --set temperature=0 --set max_tokens=64
  agentlens replay 01J... --set model=claude-haiku-4 --set stop_sequences=null`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			componentEdits, err := parseEdits(edits)
			if err != nil {
				return err
			}
			configEdits, err := parseSets(sets)
			if err != nil {
				return err
			}

			return withWorkspace(func(ws *workspace) error {
				res, err := ws.query.Replay(cmd.Context(), query.ReplayRequest{
					RequestInteractionID: args[0],
					ComponentEdits:       componentEdits,
					ConfigEdits:          configEdits,
				})
				if err != nil {
					return fmt.Errorf("replay: %w", err)
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), res)
				}
				renderReplay(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&edits, "edit", nil, "Replace a component's text: <index|id>=<text>")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Override generation config: <json-path>=<value>")
	return cmd
}

// parseEdits turns "<index|id>=<text>" flags into component edits
func parseEdits(args []string) ([]query.ComponentEdit, error) {
	edits := make([]query.ComponentEdit, 0, len(args))
	for _, arg := range args {
		key, text, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --edit %q: want <index|id>=<text>", arg)
		}
		edit := query.ComponentEdit{Content: &text}
		if idx, err := strconv.Atoi(key); err == nil {
			if idx < 0 {
				return nil, fmt.Errorf("invalid --edit %q: negative index", arg)
			}
			edit.OrderIndex = &idx
		} else {
			edit.ComponentID = key
		}
		edits = append(edits, edit)
	}
	return edits, nil
}

// parseSets turns "<path>=<value>" flags into config edits
func parseSets(args []string) (map[string]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[string]json.RawMessage, len(args))
	for _, arg := range args {
		path, value, ok := strings.Cut(arg, "=")
		path = strings.TrimSpace(path)
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid --set %q: want <json-path>=<value>", arg)
		}
		if _, dup := out[path]; dup {
			return nil, fmt.Errorf("invalid --set %q: %s given twice", arg, path)
		}
		raw := json.RawMessage(value)
		if !json.Valid(raw) {
			quoted, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("encode --set %q: %w", arg, err)
			}
			raw = quoted
		}
		out[path] = raw
	}
	return out, nil
}
