package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// InteractionStore persists sessions, interactions and their decomposed
// parts. Writes for one session are serialized; reads take no lock.
type InteractionStore struct {
	db    *DB
	locks *keyedMutex
	Now   func() time.Time
}

// NewInteractionStore creates a new SQLite-backed interaction store.
func NewInteractionStore(db *DB) *InteractionStore {
	return &InteractionStore{db: db, locks: newKeyedMutex(), Now: time.Now}
}

func (s *InteractionStore) now() time.Time {
	return s.Now().UTC()
}

const interactionColumns = `id, session_id, turn_major, turn_minor, sequence, type,
	request_id, request_interaction_id, timestamp, method, url, provider,
	protocol, model, generation_config, stream, input_fingerprint,
	status_code, duration_ms, input_tokens, output_tokens, cost_usd, stop_reason, error_message,
	is_llm_interaction, synthetic, incomplete, decode_error, raw_payload, raw_encoding`

// InsertInteraction stores in with its components or spans and updates the
// session counters, all in one transaction. Empty ids are assigned.
func (s *InteractionStore) InsertInteraction(ctx context.Context, sessionID string, in *domain.Interaction) error {
	if in == nil || sessionID == "" {
		return fmt.Errorf("insert interaction: %w", domain.ErrInvalidInput)
	}
	in.SessionID = sessionID
	if in.ID == "" {
		in.ID = domain.NewID()
	}
	in.Timestamp = in.Timestamp.UTC()

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("insert", "interaction", err)
	}
	defer tx.Rollback()

	if err := insertInteractionRow(ctx, tx, in); err != nil {
		return persistErr("insert", "interaction", err)
	}
	for i := range in.Components {
		c := &in.Components[i]
		if c.ID == "" {
			c.ID = domain.NewID()
		}
		c.InteractionID = in.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_components (id, interaction_id, component_type, role, content,
				content_json, order_index, token_count, source, path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.InteractionID, string(c.Type), c.Role, c.Content,
			nullString(c.ContentJSON), c.OrderIndex, c.TokenCount, c.Source, c.Path,
		); err != nil {
			return persistErr("insert", "prompt_component", err)
		}
	}
	for i := range in.Spans {
		sp := &in.Spans[i]
		if sp.ID == "" {
			sp.ID = domain.NewID()
		}
		sp.InteractionID = in.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO response_spans (id, interaction_id, span_type, order_index, content,
				content_json, stream_index, token_count, tool_name, tool_call_id,
				tool_input, tool_output, code_language)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sp.ID, sp.InteractionID, string(sp.Type), sp.OrderIndex, sp.Content,
			nullString(sp.ContentJSON), sp.StreamIndex, sp.TokenCount, sp.ToolName, sp.ToolCallID,
			nullString(sp.ToolInput), sp.ToolOutput, sp.CodeLanguage,
		); err != nil {
			return persistErr("insert", "response_span", err)
		}
	}

	if err := updateCounters(ctx, tx, sessionID, in, s.now()); err != nil {
		return err
	}
	return persistErr("insert", "interaction", tx.Commit())
}

func insertInteractionRow(ctx context.Context, tx *sql.Tx, in *domain.Interaction) error {
	var parent *string
	if in.RequestInteractionID != "" {
		parent = &in.RequestInteractionID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO interactions (`+interactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.SessionID, in.Turn.Major, in.Turn.Minor, in.Sequence, string(in.Type),
		in.RequestID, parent, in.Timestamp, in.Method, in.URL, string(in.Provider),
		in.Protocol, in.Model, nullString(in.GenerationConfig), in.Stream, in.InputFingerprint,
		in.StatusCode, in.DurationMS, in.InputTokens, in.OutputTokens, in.CostUSD, in.StopReason, in.ErrorMessage,
		in.IsLLMInteraction, in.Synthetic, in.Incomplete, in.DecodeError, in.RawPayload, in.RawEncoding,
	)
	return err
}

// updateCounters recomputes the session aggregates inside tx.
func updateCounters(ctx context.Context, tx *sql.Tx, sessionID string, in *domain.Interaction, now time.Time) error {
	var provider, model string
	if in.IsRequest() && in.Provider != domain.ProviderUnknown && in.Model != "" {
		provider, model = string(in.Provider), in.Model
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			total_interactions = (SELECT COUNT(*) FROM interactions WHERE session_id = ?1),
			total_turns = (SELECT COUNT(DISTINCT turn_major) FROM interactions WHERE session_id = ?1),
			primary_provider = CASE WHEN primary_provider = '' THEN ?2 ELSE primary_provider END,
			primary_model = CASE WHEN primary_model = '' THEN ?3 ELSE primary_model END,
			updated_at = ?4
		WHERE id = ?1`,
		sessionID, provider, model, now,
	)
	if err != nil {
		return persistErr("update", "session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("session", sessionID)
	}

	var (
		started time.Time
		ended   sql.NullTime
	)
	if err := tx.QueryRowContext(ctx, "SELECT started_at, ended_at FROM sessions WHERE id = ?", sessionID).Scan(&started, &ended); err != nil {
		return persistErr("update", "session", err)
	}
	at := in.Timestamp
	setStart := at.Before(started)
	setEnd := !ended.Valid || at.After(ended.Time)
	if !setStart && !setEnd {
		return nil
	}
	if setStart {
		started = at
	}
	if setEnd {
		ended = sql.NullTime{Time: at, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET started_at = ?, ended_at = ? WHERE id = ?", started, ended, sessionID); err != nil {
		return persistErr("update", "session", err)
	}
	return nil
}

// GetInteraction returns an interaction with its components or spans.
func (s *InteractionStore) GetInteraction(ctx context.Context, id string) (*domain.Interaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, id)
	in, err := scanInteraction(row)
	if err != nil {
		if noRows(err) {
			return nil, notFound("interaction", id)
		}
		return nil, err
	}
	if err := s.loadParts(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// HasRequest reports whether a request with requestID is stored.
func (s *InteractionStore) HasRequest(ctx context.Context, sessionID, requestID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM interactions
		WHERE session_id = ? AND request_id = ? AND type = 'request'`, sessionID, requestID).Scan(&one)
	if noRows(err) {
		return false, nil
	}
	if err != nil {
		return false, persistErr("get", "interaction", err)
	}
	return true, nil
}

// ListTurns summarizes every turn key of a session in key order.
func (s *InteractionStore) ListTurns(ctx context.Context, sessionID string) ([]domain.TurnSummary, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.id, q.request_id, q.turn_major, q.turn_minor, q.timestamp, q.provider, q.model,
			q.is_llm_interaction, q.synthetic, q.decode_error,
			r.id, r.incomplete, r.decode_error, r.duration_ms, r.input_tokens, r.output_tokens
		FROM interactions q
		LEFT JOIN interactions r ON r.request_interaction_id = q.id AND r.type = 'response'
		WHERE q.session_id = ? AND q.type = 'request'
		ORDER BY q.turn_major, q.turn_minor`, sessionID)
	if err != nil {
		return nil, persistErr("list", "turn", err)
	}
	defer rows.Close()

	var turns []domain.TurnSummary
	for rows.Next() {
		var (
			t                    domain.TurnSummary
			provider             string
			respID, respDecode   sql.NullString
			respIncomplete       sql.NullBool
			duration, inTok, out sql.NullInt64
		)
		if err := rows.Scan(&t.RequestInteractionID, &t.RequestID, &t.Key.Major, &t.Key.Minor, &t.Timestamp,
			&provider, &t.Model, &t.IsLLMInteraction, &t.Synthetic, &t.DecodeError,
			&respID, &respIncomplete, &respDecode, &duration, &inTok, &out); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Provider = domain.Provider(provider)
		if respID.Valid {
			t.ResponseCount = 1
			t.Incomplete = respIncomplete.Bool
			t.DurationMS = duration.Int64
			t.InputTokens = int(inTok.Int64)
			t.OutputTokens = int(out.Int64)
			if t.DecodeError == "" {
				t.DecodeError = respDecode.String
			}
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// GetTurn returns the request stored under key with its responses.
func (s *InteractionStore) GetTurn(ctx context.Context, sessionID string, key domain.TurnKey) (*domain.Turn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interactions
		WHERE session_id = ? AND turn_major = ? AND turn_minor = ? AND type = 'request'`,
		sessionID, key.Major, key.Minor)
	req, err := scanInteraction(row)
	if err != nil {
		if noRows(err) {
			return nil, notFound("turn", sessionID+"/"+key.String())
		}
		return nil, err
	}
	if err := s.loadParts(ctx, req); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+interactionColumns+` FROM interactions
		WHERE request_interaction_id = ? ORDER BY sequence, timestamp`, req.ID)
	if err != nil {
		return nil, persistErr("get", "turn", err)
	}
	var responses []*domain.Interaction
	for rows.Next() {
		resp, err := scanInteraction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		responses = append(responses, resp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, persistErr("get", "turn", err)
	}
	for _, resp := range responses {
		if err := s.loadParts(ctx, resp); err != nil {
			return nil, err
		}
	}

	return &domain.Turn{SessionID: sessionID, Key: key, Request: req, Responses: responses}, nil
}

// CorrelationState returns every stored call of a session in key order.
func (s *InteractionStore) CorrelationState(ctx context.Context, sessionID string) ([]domain.CallState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.request_id, q.turn_major, q.turn_minor, q.timestamp, q.provider, q.model,
			q.is_llm_interaction, q.input_fingerprint, r.timestamp
		FROM interactions q
		LEFT JOIN interactions r ON r.request_interaction_id = q.id AND r.type = 'response'
		WHERE q.session_id = ? AND q.type = 'request'
		ORDER BY q.turn_major, q.turn_minor`, sessionID)
	if err != nil {
		return nil, persistErr("list", "call_state", err)
	}
	defer rows.Close()

	var calls []domain.CallState
	for rows.Next() {
		var (
			c        domain.CallState
			provider string
			end      sql.NullTime
		)
		if err := rows.Scan(&c.RequestID, &c.Key.Major, &c.Key.Minor, &c.Start, &provider, &c.Model,
			&c.IsLLM, &c.Fingerprint, &end); err != nil {
			return nil, fmt.Errorf("scan call state: %w", err)
		}
		c.Provider = domain.Provider(provider)
		c.End = c.Start
		if end.Valid {
			c.End = end.Time
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func (s *InteractionStore) loadParts(ctx context.Context, in *domain.Interaction) error {
	if in.IsRequest() {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, interaction_id, component_type, role, content, content_json,
				order_index, token_count, source, path
			FROM prompt_components WHERE interaction_id = ? ORDER BY order_index`, in.ID)
		if err != nil {
			return persistErr("list", "prompt_component", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				c     domain.PromptComponent
				typ   string
				cjson sql.NullString
			)
			if err := rows.Scan(&c.ID, &c.InteractionID, &typ, &c.Role, &c.Content, &cjson,
				&c.OrderIndex, &c.TokenCount, &c.Source, &c.Path); err != nil {
				return fmt.Errorf("scan prompt component: %w", err)
			}
			c.Type = domain.ComponentType(typ)
			c.ContentJSON = rawJSON(cjson)
			in.Components = append(in.Components, c)
		}
		return rows.Err()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, interaction_id, span_type, order_index, content, content_json,
			stream_index, token_count, tool_name, tool_call_id, tool_input, tool_output, code_language
		FROM response_spans WHERE interaction_id = ? ORDER BY order_index`, in.ID)
	if err != nil {
		return persistErr("list", "response_span", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sp           domain.ResponseSpan
			typ          string
			cjson, input sql.NullString
		)
		if err := rows.Scan(&sp.ID, &sp.InteractionID, &typ, &sp.OrderIndex, &sp.Content, &cjson,
			&sp.StreamIndex, &sp.TokenCount, &sp.ToolName, &sp.ToolCallID, &input, &sp.ToolOutput, &sp.CodeLanguage); err != nil {
			return fmt.Errorf("scan response span: %w", err)
		}
		sp.Type = domain.SpanType(typ)
		sp.ContentJSON = rawJSON(cjson)
		sp.ToolInput = rawJSON(input)
		in.Spans = append(in.Spans, sp)
	}
	return rows.Err()
}

func scanInteraction(row scanner) (*domain.Interaction, error) {
	var (
		in             domain.Interaction
		typ, provider  string
		parent, genCfg sql.NullString
	)
	err := row.Scan(
		&in.ID, &in.SessionID, &in.Turn.Major, &in.Turn.Minor, &in.Sequence, &typ,
		&in.RequestID, &parent, &in.Timestamp, &in.Method, &in.URL, &provider,
		&in.Protocol, &in.Model, &genCfg, &in.Stream, &in.InputFingerprint,
		&in.StatusCode, &in.DurationMS, &in.InputTokens, &in.OutputTokens, &in.CostUSD, &in.StopReason, &in.ErrorMessage,
		&in.IsLLMInteraction, &in.Synthetic, &in.Incomplete, &in.DecodeError, &in.RawPayload, &in.RawEncoding,
	)
	if err != nil {
		if noRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan interaction: %w", err)
	}
	in.Type = domain.InteractionType(typ)
	in.Provider = domain.Provider(provider)
	in.RequestInteractionID = parent.String
	in.GenerationConfig = rawJSON(genCfg)
	return &in, nil
}

func rawJSON(s sql.NullString) []byte {
	if !s.Valid || s.String == "" {
		return nil
	}
	return []byte(s.String)
}
