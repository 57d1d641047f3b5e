package decompose

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// unstructuredExtractor keeps payloads it cannot interpret as one opaque
// fragment so nothing is ever dropped.
type unstructuredExtractor struct{}

func (unstructuredExtractor) Provider() domain.Provider { return domain.ProviderUnknown }

func (unstructuredExtractor) Request(rawURL string, payload []byte) RequestResult {
	res := RequestResult{
		Protocol: "unknown",
		IsLLM:    len(payload) > 0 && !isNonLLMPath(rawURL),
	}
	if len(payload) == 0 {
		return res
	}
	var list componentList
	list.add(domain.PromptComponent{
		Type:        domain.ComponentUnstructured,
		Content:     displayText(payload),
		ContentJSON: jsonOrNil(payload),
		Source:      "raw",
	})
	res.Components = list.items
	return res
}

func (unstructuredExtractor) Response(body []byte) ResponseResult {
	var res ResponseResult
	if len(body) == 0 {
		return res
	}
	var spans spanList
	spans.add(domain.ResponseSpan{
		Type:        domain.SpanUnstructured,
		Content:     displayText(body),
		ContentJSON: jsonOrNil(body),
	})
	res.Spans = spans.items
	return res
}

// SetText replaces the whole payload.
func (unstructuredExtractor) SetText(_ []byte, _ domain.PromptComponent, text string) ([]byte, error) {
	return []byte(text), nil
}

func displayText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string([]rune(string(b)))
}

func jsonOrNil(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return nil
}
