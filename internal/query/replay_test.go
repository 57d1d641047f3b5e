package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

const (
	messagesURL  = "https://api.anthropic.com/v1/messages"
	conversation = `{"model":"claude-sonnet-4","max_tokens":256,"system":"You are terse.",` +
		`"messages":[{"role":"user","content":"first"},{"role":"assistant","content":"one"},` +
		`{"role":"user","content":"second question"}]}`
)

func replayFixture(t *testing.T) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	store.addRequest("s1", "r1", messagesURL, domain.ProviderAnthropic, conversation)
	return NewService(store), store
}

func intp(i int) *int { return &i }
func strp(s string) *string { return &s }

func TestReplay_NoEdits(t *testing.T) {
	svc, _ := replayFixture(t)

	res, err := svc.Replay(context.Background(), ReplayRequest{RequestInteractionID: "r1"})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if string(res.Payload) != conversation {
		t.Errorf("Payload = %s; want the original bytes", res.Payload)
	}
	if res.Edited {
		t.Error("Edited = true; want false")
	}

	sum := sha256.Sum256([]byte(conversation))
	want := "[mock:" + hex.EncodeToString(sum[:])[:12] + "] second question"
	if res.Response.Content != want {
		t.Errorf("Content = %q; want %q", res.Response.Content, want)
	}
	// system 4 + history 7 + user input 4 tokens
	if res.Response.InputTokens != 15 {
		t.Errorf("InputTokens = %d; want 15", res.Response.InputTokens)
	}
	if res.Response.OutputTokens != minMockOutput {
		t.Errorf("OutputTokens = %d; want %d", res.Response.OutputTokens, minMockOutput)
	}
	if res.Response.DurationMS != 250+20*16 {
		t.Errorf("DurationMS = %d; want 570", res.Response.DurationMS)
	}
	if res.Response.Model != "claude-sonnet-4" || res.Response.CostUSD <= 0 {
		t.Errorf("Response = %+v; want a priced claude-sonnet-4 answer", res.Response)
	}

	again, err := svc.Replay(context.Background(), ReplayRequest{RequestInteractionID: "r1"})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if again.Response != res.Response {
		t.Errorf("Replay() is not deterministic: %+v vs %+v", again.Response, res.Response)
	}
}

func TestReplay_Edits(t *testing.T) {
	tests := []struct {
		name  string
		req   ReplayRequest
		check func(t *testing.T, payload []byte)
	}{
		{
			name: "user input text",
			req: ReplayRequest{ComponentEdits: []ComponentEdit{
				{OrderIndex: intp(2), Content: strp("third question please")},
			}},
			check: func(t *testing.T, payload []byte) {
				if got := gjson.GetBytes(payload, "messages.2.content").String(); got != "third question please" {
					t.Errorf("messages.2.content = %q", got)
				}
				if got := gjson.GetBytes(payload, "system").String(); got != "You are terse." {
					t.Errorf("system = %q; want it untouched", got)
				}
			},
		},
		{
			name: "system by component id",
			req: ReplayRequest{ComponentEdits: []ComponentEdit{
				{ComponentID: "r1-c0", Content: strp("Be verbose.")},
			}},
			check: func(t *testing.T, payload []byte) {
				if got := gjson.GetBytes(payload, "system").String(); got != "Be verbose." {
					t.Errorf("system = %q", got)
				}
			},
		},
		{
			name: "history range and user input",
			req: ReplayRequest{ComponentEdits: []ComponentEdit{
				{OrderIndex: intp(1), ContentJSON: json.RawMessage(`[{"role":"user","content":"replaced"}]`)},
				{OrderIndex: intp(2), Content: strp("new question")},
			}},
			check: func(t *testing.T, payload []byte) {
				if n := gjson.GetBytes(payload, "messages.#").Int(); n != 2 {
					t.Fatalf("messages = %d; want 2", n)
				}
				if got := gjson.GetBytes(payload, "messages.0.content").String(); got != "replaced" {
					t.Errorf("messages.0.content = %q", got)
				}
				if got := gjson.GetBytes(payload, "messages.1.content").String(); got != "new question" {
					t.Errorf("messages.1.content = %q", got)
				}
			},
		},
		{
			name: "config set and delete",
			req: ReplayRequest{ConfigEdits: map[string]json.RawMessage{
				"temperature": json.RawMessage(`0.2`),
				"max_tokens":  json.RawMessage(`null`),
			}},
			check: func(t *testing.T, payload []byte) {
				if got := gjson.GetBytes(payload, "temperature").Float(); got != 0.2 {
					t.Errorf("temperature = %v; want 0.2", got)
				}
				if gjson.GetBytes(payload, "max_tokens").Exists() {
					t.Error("max_tokens still present")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := replayFixture(t)
			tt.req.RequestInteractionID = "r1"
			res, err := svc.Replay(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Replay() error = %v", err)
			}
			if !res.Edited {
				t.Error("Edited = false; want true")
			}
			if !json.Valid(res.Payload) || len(res.Request) == 0 {
				t.Fatalf("Payload = %s; want JSON", res.Payload)
			}
			tt.check(t, res.Payload)
			if !strings.HasPrefix(res.Response.Content, "[mock:") {
				t.Errorf("Content = %q", res.Response.Content)
			}
		})
	}
}

func TestReplay_EditChangesMock(t *testing.T) {
	svc, _ := replayFixture(t)
	ctx := context.Background()

	orig, err := svc.Replay(ctx, ReplayRequest{RequestInteractionID: "r1"})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	long := strings.Repeat("word ", 4000)
	edited, err := svc.Replay(ctx, ReplayRequest{
		RequestInteractionID: "r1",
		ComponentEdits:       []ComponentEdit{{OrderIndex: intp(2), Content: strp(long)}},
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if edited.Response.Content == orig.Response.Content {
		t.Error("edited replay produced the original content")
	}
	if edited.Response.OutputTokens != maxMockOutput {
		t.Errorf("OutputTokens = %d; want the %d cap", edited.Response.OutputTokens, maxMockOutput)
	}
	if !strings.HasSuffix(edited.Response.Content, "...") {
		t.Errorf("Content = %q; want a shortened summary", edited.Response.Content)
	}
}

func TestReplay_Errors(t *testing.T) {
	svc, store := replayFixture(t)
	store.addRequest("s1", "raw", "https://llm.internal/generate", domain.ProviderUnknown, "plain text prompt")
	store.interactions["resp"] = &domain.Interaction{ID: "resp", Type: domain.InteractionResponse}
	store.interactions["synthetic"] = &domain.Interaction{ID: "synthetic", Type: domain.InteractionRequest, Synthetic: true}

	tests := []struct {
		name string
		req  ReplayRequest
	}{
		{"unknown component", ReplayRequest{RequestInteractionID: "r1",
			ComponentEdits: []ComponentEdit{{OrderIndex: intp(9), Content: strp("x")}}}},
		{"no component address", ReplayRequest{RequestInteractionID: "r1",
			ComponentEdits: []ComponentEdit{{Content: strp("x")}}}},
		{"text and json", ReplayRequest{RequestInteractionID: "r1",
			ComponentEdits: []ComponentEdit{{OrderIndex: intp(0), Content: strp("x"), ContentJSON: json.RawMessage(`"x"`)}}}},
		{"invalid content json", ReplayRequest{RequestInteractionID: "r1",
			ComponentEdits: []ComponentEdit{{OrderIndex: intp(0), ContentJSON: json.RawMessage(`{"a":`)}}}},
		{"range needs array", ReplayRequest{RequestInteractionID: "r1",
			ComponentEdits: []ComponentEdit{{OrderIndex: intp(1), ContentJSON: json.RawMessage(`{"role":"user"}`)}}}},
		{"invalid config value", ReplayRequest{RequestInteractionID: "r1",
			ConfigEdits: map[string]json.RawMessage{"temperature": json.RawMessage(`{`)}}},
		{"empty config path", ReplayRequest{RequestInteractionID: "r1",
			ConfigEdits: map[string]json.RawMessage{"": json.RawMessage(`1`)}}},
		{"non-JSON payload", ReplayRequest{RequestInteractionID: "raw",
			ConfigEdits: map[string]json.RawMessage{"temperature": json.RawMessage(`1`)}}},
		{"response interaction", ReplayRequest{RequestInteractionID: "resp"}},
		{"synthetic request", ReplayRequest{RequestInteractionID: "synthetic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Replay(context.Background(), tt.req)
			var re *domain.ReplayError
			if !errors.As(err, &re) {
				t.Fatalf("Replay() error = %v; want ReplayError", err)
			}
			if re.InteractionID != tt.req.RequestInteractionID {
				t.Errorf("InteractionID = %q; want %q", re.InteractionID, tt.req.RequestInteractionID)
			}
		})
	}

	if _, err := svc.Replay(context.Background(), ReplayRequest{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Replay(empty id) error = %v; want invalid input", err)
	}
	if _, err := svc.Replay(context.Background(), ReplayRequest{RequestInteractionID: "missing"}); !domain.IsNotFound(err) {
		t.Errorf("Replay(missing) error = %v; want not found", err)
	}
}

func TestReplay_UnstructuredPassThrough(t *testing.T) {
	svc, store := replayFixture(t)
	store.addRequest("s1", "raw", "https://llm.internal/generate", domain.ProviderUnknown, "plain text prompt")

	res, err := svc.Replay(context.Background(), ReplayRequest{RequestInteractionID: "raw"})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if string(res.Payload) != "plain text prompt" {
		t.Errorf("Payload = %q", res.Payload)
	}
	if res.Request != nil {
		t.Errorf("Request = %s; want nil for a non-JSON payload", res.Request)
	}
	if !strings.HasSuffix(res.Response.Content, "] plain text prompt") {
		t.Errorf("Content = %q", res.Response.Content)
	}
}

func TestReplay_RebuildsMissingPayload(t *testing.T) {
	svc, store := replayFixture(t)
	store.interactions["r1"].RawPayload = nil

	res, err := svc.Replay(context.Background(), ReplayRequest{RequestInteractionID: "r1"})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if got := gjson.GetBytes(res.Payload, "messages.2.content").String(); got != "second question" {
		t.Errorf("rebuilt messages.2.content = %q", got)
	}
	if got := gjson.GetBytes(res.Payload, "max_tokens").Int(); got != 256 {
		t.Errorf("rebuilt max_tokens = %d; want 256", got)
	}
}
