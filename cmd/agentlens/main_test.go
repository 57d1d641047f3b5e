package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/agentlens/internal/capture"
	"github.com/felixgeelhaar/agentlens/internal/domain"
	"github.com/felixgeelhaar/agentlens/internal/ingest"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// execute runs the CLI with args against the isolated home
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// setupHome points the CLI at a fresh home and writes one two-turn capture
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AGENTLENS_HOME", home)

	path := filepath.Join(t.TempDir(), "agent.jsonl")
	sink, err := capture.OpenFileSink(path)
	if err != nil {
		t.Fatalf("OpenFileSink() error = %v", err)
	}
	recs := append(exchange("c1", t0, request("hello"), reply("hi there")),
		exchange("c2", t0.Add(time.Minute), request("hello", "hi there", "list files"), reply("main.go"))...)
	if err := sink.Write(recs); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return path
}

func request(messages ...string) string {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]message, 0, len(messages))
	for i, m := range messages {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, message{Role: role, Content: m})
	}
	data, _ := json.Marshal(map[string]any{"model": "claude-sonnet-4", "max_tokens": 128, "messages": msgs})
	return string(data)
}

func reply(text string) string {
	data, _ := json.Marshal(map[string]any{
		"type": "message", "model": "claude-sonnet-4", "stop_reason": "end_turn",
		"content": []map[string]string{{"type": "text", "text": text}},
		"usage":   map[string]int{"input_tokens": 8, "output_tokens": 2},
	})
	return string(data)
}

func exchange(id string, at time.Time, req, resp string) []capture.Record {
	header := http.Header{"Content-Type": {"application/json"}}
	end := at.Add(time.Second)
	return []capture.Record{
		{Kind: capture.KindRequest, SessionID: "agent", RequestID: id, Time: at, Method: http.MethodPost,
			URL: "https://api.anthropic.com/v1/messages", Headers: header, Body: []byte(req)},
		{Kind: capture.KindChunk, SessionID: "agent", RequestID: id, Time: end, Data: []byte(resp)},
		{Kind: capture.KindResponse, SessionID: "agent", RequestID: id, Time: end, StatusCode: 200,
			Headers: header, StartedAt: at, EndedAt: end, DurationMS: 1000},
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if strings.TrimSpace(out) != "agentlens "+Version {
		t.Errorf("output = %q", out)
	}
}

func TestRootCommand_RegistersCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{
		"import", "sessions", "show", "turn", "replay", "delete", "reconcile",
		"index", "mcp", "start", "stop", "status", "logs", "version",
	} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered (err %v)", name, err)
		}
	}
}

func TestCommands_ImportShowTurnReplayDelete(t *testing.T) {
	path := setupHome(t)

	out, err := execute(t, "import", path, "--json")
	if err != nil {
		t.Fatalf("import error = %v\n%s", err, out)
	}
	var results []*ingest.Result
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("Unmarshal(import) error = %v\n%s", err, out)
	}
	if len(results) != 1 || results[0].Interactions != 4 || results[0].Skipped {
		t.Fatalf("import results = %+v", results)
	}

	out, err = execute(t, "import", path)
	if err != nil {
		t.Fatalf("re-import error = %v", err)
	}
	if !strings.Contains(out, "already imported") {
		t.Errorf("re-import output = %q; want skipped", out)
	}

	out, err = execute(t, "sessions")
	if err != nil {
		t.Fatalf("sessions error = %v", err)
	}
	if !strings.Contains(out, "agent") || !strings.Contains(out, "claude-sonnet-4") {
		t.Errorf("sessions output:\n%s", out)
	}

	out, err = execute(t, "show", "agent")
	if err != nil {
		t.Fatalf("show error = %v", err)
	}
	for _, want := range []string{"TURN", "1.0", "2.0", "claude-sonnet-4"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "turn", "agent", "2", "--json")
	if err != nil {
		t.Fatalf("turn error = %v", err)
	}
	var turn domain.Turn
	if err := json.Unmarshal([]byte(out), &turn); err != nil {
		t.Fatalf("Unmarshal(turn) error = %v\n%s", err, out)
	}
	if turn.Request == nil || len(turn.Request.Components) != 2 {
		t.Fatalf("turn request = %+v", turn.Request)
	}

	out, err = execute(t, "turn", "agent", "2")
	if err != nil {
		t.Fatalf("turn error = %v", err)
	}
	for _, want := range []string{"Turn 2.0", "user_input", "list files", "main.go"} {
		if !strings.Contains(out, want) {
			t.Errorf("turn output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "replay", turn.Request.ID, "--edit", "1=delete files", "--set", "temperature=0")
	if err != nil {
		t.Fatalf("replay error = %v\n%s", err, out)
	}
	for _, want := range []string{"edited", "delete files", "Mock response"} {
		if !strings.Contains(out, want) {
			t.Errorf("replay output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "index")
	if err != nil {
		t.Fatalf("index error = %v", err)
	}
	if !strings.Contains(out, "agent") || !strings.Contains(out, turn.SessionID) {
		t.Errorf("index output:\n%s", out)
	}

	out, err = execute(t, "delete", "agent")
	if err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if !strings.Contains(out, "Deleted session "+turn.SessionID) {
		t.Errorf("delete output = %q", out)
	}
	if _, err := execute(t, "show", turn.SessionID); err == nil {
		t.Error("show after delete error = nil; want not found")
	}
}

func TestCommands_Errors(t *testing.T) {
	setupHome(t)

	tests := []struct {
		name string
		args []string
	}{
		{"import missing path", []string{"import", filepath.Join(t.TempDir(), "nope.jsonl")}},
		{"show unknown session", []string{"show", "nobody"}},
		{"turn bad key", []string{"turn", "nobody", "two"}},
		{"replay unknown interaction", []string{"replay", "missing"}},
		{"replay bad edit", []string{"replay", "missing", "--edit", "oops"}},
		{"missing args", []string{"turn", "only-one"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Errorf("%v error = nil; want error", tt.args)
			}
		})
	}
}

func TestCommands_ImportStdinAndReconcile(t *testing.T) {
	path := setupHome(t)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(bytes.NewReader(data))
	cmd.SetArgs([]string{"import", "-"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("import - error = %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "imported") {
		t.Errorf("import - output:\n%s", out.String())
	}

	got, err := execute(t, "reconcile")
	if err != nil {
		t.Fatalf("reconcile error = %v", err)
	}
	if !strings.Contains(got, "Reconciled 0 of 0") {
		t.Errorf("reconcile output = %q", got)
	}
}
