package decompose

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

const anthropicURL = "https://api.anthropic.com/v1/messages"

func componentTypes(cs []domain.PromptComponent) []domain.ComponentType {
	out := make([]domain.ComponentType, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Type)
	}
	return out
}

func spanTypes(ss []domain.ResponseSpan) []domain.SpanType {
	out := make([]domain.SpanType, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.Type)
	}
	return out
}

func TestDecomposeRequest_Deterministic(t *testing.T) {
	payload := []byte(`{"model":"claude-sonnet-4-20250514","max_tokens":512,"system":"Be terse.",
		"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"},{"role":"user","content":"list files"}],
		"tools":[{"name":"ls","description":"list a directory","input_schema":{"type":"object"}}]}`)

	first := DecomposeRequest(anthropicURL, payload, domain.ProviderAnthropic)
	second := DecomposeRequest(anthropicURL, payload, domain.ProviderAnthropic)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestDecomposeResponse_Deterministic(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"ok\n` + "```sh\\nls\\n```" + `"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":4}}`)

	a, _ := json.Marshal(DecomposeResponse(body, domain.ProviderOpenAI))
	b, _ := json.Marshal(DecomposeResponse(body, domain.ProviderOpenAI))
	assert.Equal(t, string(a), string(b))
}

// A three-turn conversation where the agent only sends the system prompt
// with the first call.
func TestDecomposeRequest_SystemOnceHistoryInOrder(t *testing.T) {
	turns := [][]byte{
		[]byte(`{"model":"claude-sonnet-4-20250514","system":"You are a coding agent.","messages":[
			{"role":"user","content":"u1"}]}`),
		[]byte(`{"model":"claude-sonnet-4-20250514","messages":[
			{"role":"user","content":"u1"},{"role":"assistant","content":"a1"},
			{"role":"user","content":"u2"}]}`),
		[]byte(`{"model":"claude-sonnet-4-20250514","messages":[
			{"role":"user","content":"u1"},{"role":"assistant","content":"a1"},
			{"role":"user","content":"u2"},{"role":"assistant","content":"a2"},
			{"role":"user","content":"u3"}]}`),
	}

	systemCount := 0
	for i, payload := range turns {
		res := DecomposeRequest(anthropicURL, payload, domain.ProviderAnthropic)
		for _, c := range res.Components {
			if c.Type == domain.ComponentSystemInstruction {
				systemCount++
				assert.Equal(t, 0, i, "system instruction outside turn 1")
			}
		}
		if i == 0 {
			continue
		}
		history := res.Components[0]
		require.Equal(t, domain.ComponentConversationHistory, history.Type)
		want := "user: u1\nassistant: a1"
		if i == 2 {
			want += "\nuser: u2\nassistant: a2"
		}
		assert.Equal(t, want, history.Content)
	}
	assert.Equal(t, 1, systemCount)
}

func TestDecomposeRequest_OrderIndexUnique(t *testing.T) {
	payload := []byte(`{"model":"gpt-4o","messages":[{"role":"system","content":"s"},{"role":"user","content":"q"}],
		"tools":[{"type":"function","function":{"name":"a"}},{"type":"function","function":{"name":"b"}}],
		"examples":[{"input":"1+1","output":"2"}],"context":"repo is go"}`)

	res := DecomposeRequest("https://api.openai.com/v1/chat/completions", payload, domain.ProviderOpenAI)

	assert.Equal(t, []domain.ComponentType{
		domain.ComponentSystemInstruction,
		domain.ComponentUserInput,
		domain.ComponentToolDefinition,
		domain.ComponentToolDefinition,
		domain.ComponentExample,
		domain.ComponentContext,
	}, componentTypes(res.Components))
	for i, c := range res.Components {
		assert.Equal(t, i, c.OrderIndex)
	}
}

func TestDecomposeRequest_UnstructuredFallback(t *testing.T) {
	res := DecomposeRequest(anthropicURL, []byte("not json at all"), domain.ProviderAnthropic)

	require.Len(t, res.Components, 1)
	assert.Equal(t, domain.ComponentUnstructured, res.Components[0].Type)
	assert.Equal(t, "not json at all", res.Components[0].Content)
	assert.Equal(t, domain.ProviderAnthropic, res.Provider)
}

func TestDecomposeResponse_UnstructuredFallback(t *testing.T) {
	res := DecomposeResponse([]byte("<html>bad gateway</html>"), domain.ProviderOpenAI)

	require.Len(t, res.Spans, 1)
	assert.Equal(t, domain.SpanUnstructured, res.Spans[0].Type)
	assert.Equal(t, "<html>bad gateway</html>", res.Spans[0].Content)
}

func TestDecomposeResponse_CodeBlocks(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"Run:\n` +
		"```go\\nfmt.Println(1)\\n```" + `\ndone"},"finish_reason":"stop"}]}`)

	res := DecomposeResponse(body, domain.ProviderOpenAI)

	require.Equal(t, []domain.SpanType{domain.SpanText, domain.SpanCodeBlock}, spanTypes(res.Spans))
	assert.Equal(t, "go", res.Spans[1].CodeLanguage)
	assert.Equal(t, "fmt.Println(1)\n", res.Spans[1].Content)
	assert.Equal(t, "stop", res.StopReason)
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("fix  the\nbug"), Fingerprint("fix the bug"))
	assert.NotEqual(t, Fingerprint("fix the bug"), Fingerprint("fix the test"))
	assert.Empty(t, Fingerprint("  \n"))
}

func TestIsNonLLMPath(t *testing.T) {
	assert.True(t, isNonLLMPath("https://api.anthropic.com/v1/messages/count_tokens"))
	assert.True(t, isNonLLMPath("https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:countTokens?key=x"))
	assert.True(t, isNonLLMPath("http://localhost:11434/api/tags"))
	assert.False(t, isNonLLMPath(anthropicURL))
}

func TestReassemble_Lossless(t *testing.T) {
	payload := []byte(`{"model":"gpt-4o","temperature":0.2,"messages":[
		{"role":"system","content":"sys"},
		{"role":"user","content":"u1"},
		{"role":"assistant","content":"a1"},
		{"role":"user","content":[{"type":"text","text":"u2"}]}],
		"tools":[{"type":"function","function":{"name":"grep","parameters":{"type":"object"}}}]}`)

	res := DecomposeRequest("https://api.openai.com/v1/chat/completions", payload, domain.ProviderOpenAI)
	got, err := Reassemble(res.Components, res.GenerationConfig)
	require.NoError(t, err)

	want, err := sjson.DeleteBytes(payload, "model")
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestReassemble_Gemini(t *testing.T) {
	payload := []byte(`{"systemInstruction":{"parts":[{"text":"be brief"}]},
		"contents":[{"role":"user","parts":[{"text":"q1"}]},{"role":"model","parts":[{"text":"a1"}]},{"role":"user","parts":[{"text":"q2"}]}],
		"tools":[{"functionDeclarations":[{"name":"a"},{"name":"b"}]}],
		"generationConfig":{"temperature":0}}`)

	res := DecomposeRequest(geminiURL, payload, domain.ProviderGemini)
	got, err := Reassemble(res.Components, res.GenerationConfig)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got))
}

func TestReassemble_Unstructured(t *testing.T) {
	res := DecomposeRequest("https://example.com/x", []byte("plain prompt"), domain.ProviderUnknown)
	got, err := Reassemble(res.Components, nil)
	require.NoError(t, err)
	assert.Equal(t, "plain prompt", string(got))
}

func TestParseRange(t *testing.T) {
	field, start, end, ok := ParseRange("messages[1:4]")
	require.True(t, ok)
	assert.Equal(t, "messages", field)
	assert.Equal(t, 1, start)
	assert.Equal(t, 4, end)

	_, _, _, ok = ParseRange("messages.3")
	assert.False(t, ok)
	_, _, _, ok = ParseRange("messages[4:1]")
	assert.False(t, ok)
}

func TestDetect(t *testing.T) {
	tests := []struct {
		url     string
		payload string
		want    domain.Provider
	}{
		{url: anthropicURL, want: domain.ProviderAnthropic},
		{url: "https://api.openai.com/v1/responses", want: domain.ProviderOpenAI},
		{url: "https://myco.openai.azure.com/openai/deployments/x/chat/completions", want: domain.ProviderOpenAI},
		{url: geminiURL, want: domain.ProviderGemini},
		{url: "https://us-east5-aiplatform.googleapis.com/v1/projects/p/locations/l/publishers/anthropic/models/claude:rawPredict", want: domain.ProviderAnthropic},
		{url: "http://localhost:11434/api/chat", want: domain.ProviderOpenAI},
		{url: "http://localhost:8080/generate", payload: `{"contents":[]}`, want: domain.ProviderGemini},
		{url: "http://localhost:8080/generate", payload: `{"prompt":"x"}`, want: domain.ProviderUnknown},
		{url: "http://localhost:8080/generate", payload: `garbage`, want: domain.ProviderUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.url, []byte(tt.payload)))
		})
	}
}

func TestEstimateCostUSD(t *testing.T) {
	assert.InDelta(t, 3.0, EstimateCostUSD("claude-sonnet-4-20250514", 1_000_000, 0), 1e-9)
	assert.InDelta(t, 0.1, EstimateCostUSD("models/gemini-2.5-flash-lite", 1_000_000, 0), 1e-9)
	assert.InDelta(t, 0.6, EstimateCostUSD("gpt-4o-mini", 0, 1_000_000), 1e-9)
	assert.InDelta(t, 2.0, EstimateCostUSD("openai/o3", 1_000_000, 0), 1e-9)
	assert.Zero(t, EstimateCostUSD("my-local-model", 1000, 1000))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("hello"))
}
