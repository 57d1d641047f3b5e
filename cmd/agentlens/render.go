package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/agentlens/internal/domain"
	"github.com/felixgeelhaar/agentlens/internal/ingest"
	"github.com/felixgeelhaar/agentlens/internal/query"
	"github.com/felixgeelhaar/agentlens/internal/sessionindex"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// previewRunes bounds single-line content previews
const previewRunes = 72

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func renderSessions(w io.Writer, sessions []*domain.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tEXTERNAL\tSTARTED\tSTATUS\tTURNS\tCALLS\tMODEL")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, truncate(s.ExternalID, 24), s.StartedAt.Local().Format("2006-01-02 15:04"),
			s.Status, s.TotalTurns, s.TotalInteractions, s.PrimaryModel)
	}
	tw.Flush()
}

func renderSessionHeader(w io.Writer, s *domain.Session) {
	fmt.Fprintln(w, titleStyle.Render(s.ExternalID))
	meta := fmt.Sprintf("%s · %s · started %s", s.ID, s.Status, s.StartedAt.Local().Format(time.DateTime))
	if s.EndedAt != nil {
		meta += " · ended " + s.EndedAt.Local().Format(time.DateTime)
	}
	fmt.Fprintln(w, metaStyle.Render(meta))
	fmt.Fprintln(w)
}

func renderTurns(w io.Writer, s *domain.Session, turns []domain.TurnSummary) {
	renderSessionHeader(w, s)
	if len(turns) == 0 {
		fmt.Fprintln(w, "No turns recorded")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "TURN\tTIME\tMODEL\tRESP\tIN\tOUT\tDURATION\tFLAGS")
	for _, t := range turns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			t.Key, t.Timestamp.Local().Format(time.TimeOnly), t.Model, t.ResponseCount,
			t.InputTokens, t.OutputTokens, formatDuration(t.DurationMS), turnFlags(t))
	}
	tw.Flush()
}

func turnFlags(t domain.TurnSummary) string {
	var flags []string
	if !t.IsLLMInteraction {
		flags = append(flags, "non-llm")
	}
	if t.Synthetic {
		flags = append(flags, "synthetic")
	}
	if t.Incomplete {
		flags = append(flags, "incomplete")
	}
	if t.DecodeError != "" {
		flags = append(flags, "decode-error")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

func renderTurn(w io.Writer, turn *domain.Turn, full bool) {
	fmt.Fprintln(w, titleStyle.Render("Turn "+turn.Key.String()))
	if req := turn.Request; req != nil {
		meta := fmt.Sprintf("%s · %s %s · %s", req.ID, req.Provider, req.Model, req.Timestamp.Local().Format(time.DateTime))
		fmt.Fprintln(w, metaStyle.Render(meta))
		if req.Synthetic {
			fmt.Fprintln(w, warnStyle.Render("request was synthesized from an orphaned response"))
		}
		if req.DecodeError != "" {
			fmt.Fprintln(w, errStyle.Render("decode error: "+req.DecodeError))
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, sectionStyle.Render("Components"))
		renderComponents(w, req.Components, full)
	}
	for i, resp := range turn.Responses {
		fmt.Fprintln(w)
		head := fmt.Sprintf("Response %d · %d · %s", i+1, resp.StatusCode, formatDuration(resp.DurationMS))
		if resp.StopReason != "" {
			head += " · " + resp.StopReason
		}
		fmt.Fprintln(w, sectionStyle.Render(head))
		if resp.Incomplete {
			fmt.Fprintln(w, warnStyle.Render("incomplete: stream ended before the final record"))
		}
		if resp.ErrorMessage != "" {
			fmt.Fprintln(w, errStyle.Render("error: "+resp.ErrorMessage))
		}
		renderSpans(w, resp.Spans, full)
	}
}

func renderComponents(w io.Writer, components []domain.PromptComponent, full bool) {
	if len(components) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "  #\tTYPE\tROLE\tTOKENS\tCONTENT")
	for _, c := range components {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\t%s\n", c.OrderIndex, c.Type, orDash(c.Role), c.TokenCount, preview(c.Content, full))
	}
	tw.Flush()
}

func renderSpans(w io.Writer, spans []domain.ResponseSpan, full bool) {
	if len(spans) == 0 {
		fmt.Fprintln(w, "  (no spans)")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "  #\tTYPE\tTOKENS\tCONTENT")
	for _, sp := range spans {
		content := sp.Content
		if sp.Type == domain.SpanToolCall && sp.ToolName != "" {
			content = sp.ToolName + " " + string(sp.ToolInput)
		}
		fmt.Fprintf(tw, "  %d\t%s\t%d\t%s\n", sp.OrderIndex, sp.Type, sp.TokenCount, preview(content, full))
	}
	tw.Flush()
}

func renderReplay(w io.Writer, res *query.ReplayResult) {
	state := "unchanged"
	if res.Edited {
		state = "edited"
	}
	fmt.Fprintln(w, titleStyle.Render("Replay of "+res.RequestInteractionID))
	fmt.Fprintln(w, metaStyle.Render(fmt.Sprintf("%s · %s", res.Provider, state)))
	fmt.Fprintln(w)
	fmt.Fprintln(w, sectionStyle.Render("Components"))
	renderComponents(w, res.Components, false)
	fmt.Fprintln(w)

	r := res.Response
	fmt.Fprintln(w, sectionStyle.Render("Mock response"))
	fmt.Fprintf(w, "  model %s · %s · in %d · out %d · %s · $%.6f\n",
		orDash(r.Model), r.StopReason, r.InputTokens, r.OutputTokens, formatDuration(r.DurationMS), r.CostUSD)
	fmt.Fprintf(w, "  %s\n", r.Content)
}

func renderImport(w io.Writer, results []*ingest.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No capture files found")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "FILE\tSESSIONS\tCALLS\tDEFERRED\tSPOOLED\tRESULT")
	for _, r := range results {
		result := okStyle.Render("imported")
		if r.Skipped {
			result = metaStyle.Render("already imported")
		} else if r.Spooled > 0 {
			result = warnStyle.Render("partially spooled")
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
			orDash(r.Path), len(r.Sessions), r.Interactions, r.Deferred, r.Spooled, result)
	}
	tw.Flush()
}

func renderIndex(w io.Writer, f *sessionindex.File, now time.Time) {
	if len(f.Sessions) == 0 {
		fmt.Fprintln(w, "Session index is empty")
		return
	}
	if !f.UpdatedAt.IsZero() {
		fmt.Fprintln(w, metaStyle.Render("updated "+formatAge(now.Sub(f.UpdatedAt))+" ago"))
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "EXTERNAL\tSESSION\tWRITERS\tCREATED\tLAST SEEN")
	for _, key := range f.Keys() {
		e := f.Sessions[key]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s ago\n",
			truncate(key, 32), e.SessionID, e.Writers, e.CreatedAt.Local().Format("2006-01-02 15:04"), formatAge(now.Sub(e.LastSeen)))
	}
	tw.Flush()
}

func preview(s string, full bool) string {
	if full {
		return s
	}
	return truncate(s, previewRunes)
}

// truncate flattens s to one line of at most n runes
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 1 {
		return string(runes[:n])
	}
	return string(runes[:n-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatDuration(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
