package query

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/felixgeelhaar/agentlens/internal/decompose"
	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// ComponentEdit changes one stored component. It addresses the component
// by ComponentID or, when that is empty, by OrderIndex. Exactly one of
// Content and ContentJSON is set.
type ComponentEdit struct {
	ComponentID string          `json:"component_id,omitempty"`
	OrderIndex  *int            `json:"order_index,omitempty"`
	Content     *string         `json:"content,omitempty"`
	ContentJSON json.RawMessage `json:"content_json,omitempty"`
}

// ReplayRequest asks for a mock replay of a stored request. ConfigEdits
// maps gjson paths to raw JSON values; a null value deletes the path.
type ReplayRequest struct {
	RequestInteractionID string                     `json:"request_interaction_id"`
	ComponentEdits       []ComponentEdit            `json:"component_edits,omitempty"`
	ConfigEdits          map[string]json.RawMessage `json:"config_edits,omitempty"`
}

// Empty reports whether the request carries no edits.
func (r ReplayRequest) Empty() bool {
	return len(r.ComponentEdits) == 0 && len(r.ConfigEdits) == 0
}

// MockResponse is the fabricated answer to a replayed request.
type MockResponse struct {
	Model        string  `json:"model,omitempty"`
	Content      string  `json:"content"`
	StopReason   string  `json:"stop_reason"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	DurationMS   int64   `json:"duration_ms"`
	CostUSD      float64 `json:"cost_usd"`
}

// ReplayResult carries the edited payload and its mock response. Payload
// holds the exact bytes; Request repeats them when they are JSON.
type ReplayResult struct {
	RequestInteractionID string                   `json:"request_interaction_id"`
	Provider             domain.Provider          `json:"provider"`
	Edited               bool                     `json:"edited"`
	Payload              []byte                   `json:"-"`
	Request              json.RawMessage          `json:"request,omitempty"`
	Components           []domain.PromptComponent `json:"components"`
	Response             MockResponse             `json:"response"`
}

// Mock sizing. The same payload always yields the same response.
const (
	minMockOutput   = 16
	maxMockOutput   = 512
	mockBaseLatency = 250 * time.Millisecond
	mockPerToken    = 20 * time.Millisecond
	summaryRunes    = 80
)

// Replay applies edits to a copy of a stored request and fabricates a
// response for it. It never contacts a model endpoint.
func (s *Service) Replay(ctx context.Context, req ReplayRequest) (*ReplayResult, error) {
	id := strings.TrimSpace(req.RequestInteractionID)
	if id == "" {
		return nil, fmt.Errorf("%w: request_interaction_id is required", domain.ErrInvalidInput)
	}
	in, err := s.store.GetInteraction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !in.IsRequest() {
		return nil, replayErr(id, "not a request interaction", nil)
	}

	payload, err := originalPayload(in)
	if err != nil {
		return nil, replayErr(id, "no stored payload", err)
	}

	if !req.Empty() {
		if !json.Valid(payload) {
			return nil, replayErr(id, "payload is not JSON and cannot be edited", nil)
		}
		if payload, err = applyComponentEdits(payload, in, req.ComponentEdits); err != nil {
			return nil, replayErr(id, "component edit", err)
		}
		if payload, err = applyConfigEdits(payload, req.ConfigEdits); err != nil {
			return nil, replayErr(id, "config edit", err)
		}
		if !json.Valid(payload) {
			return nil, replayErr(id, "edited payload is not valid JSON", nil)
		}
	}

	decomposed := decompose.DecomposeRequest(in.URL, payload, in.Provider)
	out := &ReplayResult{
		RequestInteractionID: id,
		Provider:             in.Provider,
		Edited:               !req.Empty(),
		Payload:              payload,
		Components:           decomposed.Components,
		Response:             mockResponse(payload, in, decomposed),
	}
	if json.Valid(payload) {
		out.Request = json.RawMessage(payload)
	}
	return out, nil
}

func replayErr(id, reason string, err error) error {
	return &domain.ReplayError{InteractionID: id, Reason: reason, Err: err}
}

// originalPayload returns the captured request bytes. Rows without raw
// bytes are rebuilt from their components.
func originalPayload(in *domain.Interaction) ([]byte, error) {
	if len(in.RawPayload) > 0 {
		return bytes.Clone(in.RawPayload), nil
	}
	if len(in.Components) == 0 {
		return nil, errors.New("request was synthesized from a response")
	}
	return decompose.Reassemble(in.Components, in.GenerationConfig)
}

// applyComponentEdits applies edits from the last component to the first,
// so a range edit that changes an array length cannot shift the path of a
// component edited after it.
func applyComponentEdits(payload []byte, in *domain.Interaction, edits []ComponentEdit) ([]byte, error) {
	type target struct {
		edit      ComponentEdit
		component domain.PromptComponent
	}
	targets := make([]target, 0, len(edits))
	for i, e := range edits {
		c, ok := findComponent(in.Components, e)
		if !ok {
			return nil, fmt.Errorf("edit %d: unknown component", i)
		}
		hasText, hasJSON := e.Content != nil, len(e.ContentJSON) > 0
		if hasText == hasJSON {
			return nil, fmt.Errorf("edit %d: exactly one of content and content_json is required", i)
		}
		targets = append(targets, target{edit: e, component: c})
	}
	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].component.OrderIndex > targets[j].component.OrderIndex
	})

	ex := decompose.For(in.Provider)
	var err error
	for _, t := range targets {
		if t.edit.Content != nil {
			payload, err = ex.SetText(payload, t.component, *t.edit.Content)
		} else {
			payload, err = setComponentJSON(payload, t.component, t.edit.ContentJSON)
		}
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", t.component.OrderIndex, err)
		}
	}
	return payload, nil
}

func findComponent(components []domain.PromptComponent, e ComponentEdit) (domain.PromptComponent, bool) {
	for _, c := range components {
		switch {
		case e.ComponentID != "":
			if c.ID == e.ComponentID {
				return c, true
			}
		case e.OrderIndex != nil:
			if c.OrderIndex == *e.OrderIndex {
				return c, true
			}
		}
	}
	return domain.PromptComponent{}, false
}

// setComponentJSON replaces the fragment at the component path with raw.
// A range path replaces the whole slice with the elements of raw.
func setComponentJSON(payload []byte, c domain.PromptComponent, raw json.RawMessage) ([]byte, error) {
	if !json.Valid(raw) {
		return nil, errors.New("content_json is not valid JSON")
	}
	if c.Path == "" {
		if c.Type == domain.ComponentUnstructured {
			return bytes.Clone(raw), nil
		}
		return nil, fmt.Errorf("%s has no payload path", c.Type)
	}

	field, start, end, isRange := decompose.ParseRange(c.Path)
	if !isRange {
		return sjson.SetRawBytes(payload, c.Path, raw)
	}

	repl := gjson.ParseBytes(raw)
	if !repl.IsArray() {
		return nil, fmt.Errorf("range %s needs a JSON array", c.Path)
	}
	current := gjson.GetBytes(payload, field).Array()
	if end > len(current) {
		return nil, fmt.Errorf("range %s is out of bounds", c.Path)
	}
	spliced := make([]string, 0, len(current)-(end-start)+len(repl.Array()))
	for _, v := range current[:start] {
		spliced = append(spliced, v.Raw)
	}
	for _, v := range repl.Array() {
		spliced = append(spliced, v.Raw)
	}
	for _, v := range current[end:] {
		spliced = append(spliced, v.Raw)
	}
	return sjson.SetRawBytes(payload, field, []byte("["+strings.Join(spliced, ",")+"]"))
}

// applyConfigEdits applies path edits in path order.
func applyConfigEdits(payload []byte, edits map[string]json.RawMessage) ([]byte, error) {
	paths := make([]string, 0, len(edits))
	for p := range edits {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var err error
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			return nil, errors.New("empty path")
		}
		v := bytes.TrimSpace(edits[p])
		switch {
		case len(v) == 0 || string(v) == "null":
			payload, err = sjson.DeleteBytes(payload, p)
		case !json.Valid(v):
			return nil, fmt.Errorf("%s: value is not valid JSON", p)
		default:
			payload, err = sjson.SetRawBytes(payload, p, v)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return payload, nil
}

func mockResponse(payload []byte, in *domain.Interaction, req decompose.RequestResult) MockResponse {
	input := 0
	for _, c := range req.Components {
		input += c.TokenCount
	}
	output := min(max(input/4, minMockOutput), maxMockOutput)

	model := req.Model
	if model == "" {
		model = in.Model
	}
	sum := sha256.Sum256(payload)
	return MockResponse{
		Model:        model,
		Content:      fmt.Sprintf("[mock:%s] %s", hex.EncodeToString(sum[:])[:12], summarize(req)),
		StopReason:   "end_turn",
		InputTokens:  input,
		OutputTokens: output,
		DurationMS:   (mockBaseLatency + time.Duration(output)*mockPerToken).Milliseconds(),
		CostUSD:      decompose.EstimateCostUSD(model, input, output),
	}
}

// summarize shortens the user input to one line.
func summarize(req decompose.RequestResult) string {
	text := req.UserInput
	if text == "" {
		for _, c := range req.Components {
			if c.Type == domain.ComponentUserInput || c.Type == domain.ComponentUnstructured {
				text = c.Content
			}
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "(no user input)"
	}
	if utf8.RuneCountInString(text) > summaryRunes {
		text = string([]rune(text)[:summaryRunes]) + "..."
	}
	return text
}
