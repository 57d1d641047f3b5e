// Package decompose turns provider-specific request and response payloads
// into ordered PromptComponents and ResponseSpans.
//
// Every function in this package is pure: the same bytes always produce
// the same output, with no ids, clocks or map iteration involved.
package decompose

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// RequestResult is the decomposed view of a request payload.
type RequestResult struct {
	Provider         domain.Provider
	Protocol         string
	Model            string
	Stream           bool
	GenerationConfig json.RawMessage
	IsLLM            bool

	// UserInput is the text of the current user turn, empty when the last
	// message carries no user text (tool results, assistant prefill).
	UserInput      string
	ToolResultOnly bool

	Components []domain.PromptComponent
}

// Fingerprint identifies the current user input independent of whitespace.
// It is empty when there is no user input.
func (r RequestResult) Fingerprint() string {
	return Fingerprint(r.UserInput)
}

// ResponseResult is the decomposed view of a response body.
type ResponseResult struct {
	Model        string
	StopReason   string
	ErrorMessage string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Spans        []domain.ResponseSpan
}

// Extractor is implemented once per wire format.
type Extractor interface {
	Provider() domain.Provider
	Request(rawURL string, payload []byte) RequestResult
	Response(body []byte) ResponseResult
	// SetText replaces the text of a single-element component in payload.
	SetText(payload []byte, c domain.PromptComponent, text string) ([]byte, error)
}

var extractors = map[domain.Provider]Extractor{
	domain.ProviderAnthropic: anthropicExtractor{},
	domain.ProviderOpenAI:    openAIExtractor{},
	domain.ProviderGemini:    geminiExtractor{},
	domain.ProviderUnknown:   unstructuredExtractor{},
}

// For returns the extractor for a provider, falling back to the
// unstructured extractor for unknown formats.
func For(p domain.Provider) Extractor {
	if ex, ok := extractors[p]; ok {
		return ex
	}
	return unstructuredExtractor{}
}

// DecomposeRequest decomposes a request payload. Payloads the provider
// extractor cannot make sense of degrade to a single unstructured component.
func DecomposeRequest(rawURL string, payload []byte, p domain.Provider) RequestResult {
	ex := For(p)
	if p != domain.ProviderUnknown && !json.Valid(payload) {
		ex = unstructuredExtractor{}
	}
	res := ex.Request(rawURL, payload)
	if len(res.Components) == 0 && len(payload) > 0 && res.IsLLM {
		res.Components = unstructuredExtractor{}.Request(rawURL, payload).Components
	}
	res.Provider = p
	return res
}

// DecomposeResponse decomposes a response body (JSON, SSE or NDJSON).
func DecomposeResponse(body []byte, p domain.Provider) ResponseResult {
	ex := For(p)
	if p != domain.ProviderUnknown && !json.Valid(body) && !IsSSE(body) && !isNDJSON(body) {
		ex = unstructuredExtractor{}
	}
	res := ex.Response(body)
	if len(res.Spans) == 0 && len(body) > 0 {
		res.Spans = unstructuredExtractor{}.Response(body).Spans
	}
	if res.CostUSD == 0 && (res.InputTokens > 0 || res.OutputTokens > 0) {
		res.CostUSD = EstimateCostUSD(res.Model, res.InputTokens, res.OutputTokens)
	}
	return res
}

// Fingerprint hashes whitespace-normalized text.
func Fingerprint(text string) string {
	norm := strings.Join(strings.Fields(text), " ")
	if norm == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:16])
}

// isNonLLMPath reports endpoints that carry no conversational exchange.
func isNonLLMPath(rawURL string) bool {
	path := rawURL
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, suffix := range []string{
		"/count_tokens", "/models", ":countTokens", "/embeddings",
		":embedContent", ":batchEmbedContents", "/api/tags", "/moderations",
	} {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}
