package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcp "github.com/felixgeelhaar/mcp-go"
	"github.com/felixgeelhaar/mcp-go/server"

	"github.com/felixgeelhaar/agentlens/internal/domain"
	"github.com/felixgeelhaar/agentlens/internal/query"
)

// Querier is the read and replay surface the tools expose.
type Querier interface {
	ListSessions(ctx context.Context, limit int) ([]*domain.Session, error)
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListTurns(ctx context.Context, sessionID string) ([]domain.TurnSummary, error)
	GetTurn(ctx context.Context, sessionID, turn string) (*domain.Turn, error)
	Replay(ctx context.Context, req query.ReplayRequest) (*query.ReplayResult, error)
}

var _ Querier = (*query.Service)(nil)

// Server wraps the MCP server with agentlens query tools
type Server struct {
	mcpServer *server.Server
	query     Querier
}

// Config contains configuration for the MCP server
type Config struct {
	Query   Querier
	Version string
}

// NewServer creates a new MCP server for agentlens
func NewServer(cfg Config) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{query: cfg.Query}

	s.mcpServer = server.New(server.Info{
		Name:    "agentlens",
		Version: cfg.Version,
	}, server.WithInstructions(`
agentlens reconstructs captured LLM agent conversations into sessions and turns.

Available tools:
- agentlens_sessions: List captured sessions, newest first
- agentlens_session: Get one session with its totals
- agentlens_turns: List the turns of a session
- agentlens_turn: Get a turn's request components and response spans
- agentlens_replay: Re-run a stored request with edits against a mock model

Turn numbers are "major" or "major.minor", e.g. "4" or "4.1". Retries and
tool follow-ups of the same exchange share a major number.
`))

	s.registerTools()
	return s
}

// registerTools registers all agentlens MCP tools
func (s *Server) registerTools() {
	s.mcpServer.Tool("agentlens_sessions").
		Description("List captured sessions, newest first.").
		Handler(s.handleSessions)

	s.mcpServer.Tool("agentlens_session").
		Description("Get a session by id with status, totals and primary model.").
		Handler(s.handleSession)

	s.mcpServer.Tool("agentlens_turns").
		Description("List the turns of a session in order.").
		Handler(s.handleTurns)

	s.mcpServer.Tool("agentlens_turn").
		Description("Get one turn: the request's prompt components and each response's spans.").
		Handler(s.handleTurn)

	s.mcpServer.Tool("agentlens_replay").
		Description("Replay a stored request with component and config edits. Uses a deterministic mock model; nothing is sent upstream.").
		Handler(s.handleReplay)
}

// Input/Output types for tools

type SessionsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"description=Maximum sessions to return (default 50)"`
}

type SessionView struct {
	ID           string     `json:"id"`
	ExternalID   string     `json:"external_id"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Turns        int        `json:"turns"`
	Interactions int        `json:"interactions"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
}

type SessionsOutput struct {
	Sessions []SessionView `json:"sessions"`
	Count    int           `json:"count"`
}

type SessionInput struct {
	SessionID string `json:"session_id" jsonschema:"description=Session ID from agentlens_sessions"`
}

type TurnsOutput struct {
	SessionID string               `json:"session_id"`
	Turns     []domain.TurnSummary `json:"turns"`
}

type TurnInput struct {
	SessionID string `json:"session_id" jsonschema:"description=Session ID from agentlens_sessions"`
	Turn      string `json:"turn" jsonschema:"description=Turn number such as 4 or 4.1"`
}

type ComponentView struct {
	ID         string `json:"id"`
	Index      int    `json:"index"`
	Type       string `json:"type"`
	Role       string `json:"role,omitempty"`
	Content    string `json:"content"`
	TokenCount int    `json:"token_count"`
}

type SpanView struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	ToolName   string `json:"tool_name,omitempty"`
	TokenCount int    `json:"token_count"`
}

type ResponseView struct {
	InteractionID string     `json:"interaction_id"`
	StatusCode    int        `json:"status_code"`
	StopReason    string     `json:"stop_reason,omitempty"`
	DurationMS    int64      `json:"duration_ms"`
	Incomplete    bool       `json:"incomplete"`
	Error         string     `json:"error,omitempty"`
	Spans         []SpanView `json:"spans"`
}

type TurnOutput struct {
	SessionID            string          `json:"session_id"`
	Turn                 string          `json:"turn"`
	RequestInteractionID string          `json:"request_interaction_id"`
	Provider             string          `json:"provider"`
	Model                string          `json:"model,omitempty"`
	Synthetic            bool            `json:"synthetic"`
	Components           []ComponentView `json:"components"`
	Responses            []ResponseView  `json:"responses"`
}

type EditInput struct {
	ComponentID string `json:"component_id,omitempty" jsonschema:"description=Component ID from agentlens_turn"`
	Index       *int   `json:"index,omitempty" jsonschema:"description=Component index used when component_id is empty"`
	Content     string `json:"content" jsonschema:"description=Replacement text"`
}

type ReplayInput struct {
	RequestInteractionID string         `json:"request_interaction_id" jsonschema:"description=Request interaction ID from agentlens_turn"`
	Edits                []EditInput    `json:"edits,omitempty" jsonschema:"description=Component text replacements"`
	Config               map[string]any `json:"config,omitempty" jsonschema:"description=Generation config overrides by JSON path; null deletes"`
}

type ReplayOutput struct {
	RequestInteractionID string             `json:"request_interaction_id"`
	Edited               bool               `json:"edited"`
	Components           []ComponentView    `json:"components"`
	Response             query.MockResponse `json:"response"`
}

// Tool handlers

func (s *Server) handleSessions(ctx context.Context, input SessionsInput) (SessionsOutput, error) {
	sessions, err := s.query.ListSessions(ctx, input.Limit)
	if err != nil {
		return SessionsOutput{}, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := SessionsOutput{Sessions: make([]SessionView, 0, len(sessions)), Count: len(sessions)}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, sessionView(sess))
	}
	return out, nil
}

func (s *Server) handleSession(ctx context.Context, input SessionInput) (SessionView, error) {
	sess, err := s.query.GetSession(ctx, input.SessionID)
	if err != nil {
		return SessionView{}, fmt.Errorf("failed to get session: %w", err)
	}
	return sessionView(sess), nil
}

func (s *Server) handleTurns(ctx context.Context, input SessionInput) (TurnsOutput, error) {
	if _, err := s.query.GetSession(ctx, input.SessionID); err != nil {
		return TurnsOutput{}, fmt.Errorf("failed to get session: %w", err)
	}
	turns, err := s.query.ListTurns(ctx, input.SessionID)
	if err != nil {
		return TurnsOutput{}, fmt.Errorf("failed to list turns: %w", err)
	}
	return TurnsOutput{SessionID: input.SessionID, Turns: turns}, nil
}

func (s *Server) handleTurn(ctx context.Context, input TurnInput) (TurnOutput, error) {
	turn, err := s.query.GetTurn(ctx, input.SessionID, input.Turn)
	if err != nil {
		return TurnOutput{}, fmt.Errorf("failed to get turn: %w", err)
	}

	out := TurnOutput{
		SessionID: turn.SessionID,
		Turn:      turn.Key.String(),
		Responses: make([]ResponseView, 0, len(turn.Responses)),
	}
	if req := turn.Request; req != nil {
		out.RequestInteractionID = req.ID
		out.Provider = string(req.Provider)
		out.Model = req.Model
		out.Synthetic = req.Synthetic
		out.Components = componentViews(req.Components)
	}
	for _, resp := range turn.Responses {
		view := ResponseView{
			InteractionID: resp.ID,
			StatusCode:    resp.StatusCode,
			StopReason:    resp.StopReason,
			DurationMS:    resp.DurationMS,
			Incomplete:    resp.Incomplete,
			Error:         resp.ErrorMessage,
			Spans:         make([]SpanView, 0, len(resp.Spans)),
		}
		for _, sp := range resp.Spans {
			view.Spans = append(view.Spans, SpanView{
				Type:       string(sp.Type),
				Content:    sp.Content,
				ToolName:   sp.ToolName,
				TokenCount: sp.TokenCount,
			})
		}
		out.Responses = append(out.Responses, view)
	}
	return out, nil
}

func (s *Server) handleReplay(ctx context.Context, input ReplayInput) (ReplayOutput, error) {
	req := query.ReplayRequest{RequestInteractionID: input.RequestInteractionID}
	for _, e := range input.Edits {
		content := e.Content
		req.ComponentEdits = append(req.ComponentEdits, query.ComponentEdit{
			ComponentID: e.ComponentID,
			OrderIndex:  e.Index,
			Content:     &content,
		})
	}
	if len(input.Config) > 0 {
		req.ConfigEdits = make(map[string]json.RawMessage, len(input.Config))
		for path, v := range input.Config {
			raw, err := json.Marshal(v)
			if err != nil {
				return ReplayOutput{}, fmt.Errorf("encode config %s: %w", path, err)
			}
			req.ConfigEdits[path] = raw
		}
	}

	res, err := s.query.Replay(ctx, req)
	if err != nil {
		return ReplayOutput{}, fmt.Errorf("replay failed: %w", err)
	}
	return ReplayOutput{
		RequestInteractionID: res.RequestInteractionID,
		Edited:               res.Edited,
		Components:           componentViews(res.Components),
		Response:             res.Response,
	}, nil
}

func sessionView(sess *domain.Session) SessionView {
	return SessionView{
		ID:           sess.ID,
		ExternalID:   sess.ExternalID,
		Status:       string(sess.Status),
		StartedAt:    sess.StartedAt,
		EndedAt:      sess.EndedAt,
		Turns:        sess.TotalTurns,
		Interactions: sess.TotalInteractions,
		Provider:     string(sess.PrimaryProvider),
		Model:        sess.PrimaryModel,
	}
}

func componentViews(components []domain.PromptComponent) []ComponentView {
	views := make([]ComponentView, 0, len(components))
	for _, c := range components {
		views = append(views, ComponentView{
			ID:         c.ID,
			Index:      c.OrderIndex,
			Type:       string(c.Type),
			Role:       c.Role,
			Content:    c.Content,
			TokenCount: c.TokenCount,
		})
	}
	return views
}

// ServeStdio starts the MCP server on stdio
func (s *Server) ServeStdio(ctx context.Context) error {
	return mcp.ServeStdio(ctx, s.mcpServer)
}

// ServeHTTP starts the MCP server on HTTP (alternative transport)
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	return mcp.ServeHTTP(ctx, s.mcpServer, addr)
}

// GetMCPServer returns the underlying MCP server (for testing)
func (s *Server) GetMCPServer() *server.Server {
	return s.mcpServer
}
