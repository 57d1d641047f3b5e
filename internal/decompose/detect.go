package decompose

import (
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// Detect identifies the wire format of a call, first by host, then by
// path, then by the shape of the payload.
func Detect(rawURL string, payload []byte) domain.Provider {
	host, path := rawURL, rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host, path = u.Hostname(), u.Path
	}
	host = strings.ToLower(host)

	switch {
	case strings.Contains(path, "/publishers/anthropic/"):
		return domain.ProviderAnthropic
	case strings.HasSuffix(host, "anthropic.com"):
		return domain.ProviderAnthropic
	case strings.HasSuffix(host, "openai.com"),
		strings.HasSuffix(host, "openai.azure.com"),
		strings.HasSuffix(host, "openrouter.ai"):
		return domain.ProviderOpenAI
	case strings.HasSuffix(host, "googleapis.com"):
		return domain.ProviderGemini
	}

	switch {
	case strings.HasSuffix(path, "/v1/messages"), strings.HasSuffix(path, "/messages/count_tokens"):
		return domain.ProviderAnthropic
	case strings.Contains(path, ":generateContent"), strings.Contains(path, ":streamGenerateContent"),
		strings.Contains(path, ":countTokens"):
		return domain.ProviderGemini
	case strings.HasSuffix(path, "/chat/completions"), strings.HasSuffix(path, "/responses"),
		strings.HasSuffix(path, "/completions"), strings.HasSuffix(path, "/api/chat"),
		strings.HasSuffix(path, "/api/generate"), strings.HasSuffix(path, "/embeddings"):
		return domain.ProviderOpenAI
	}

	if !gjson.ValidBytes(payload) {
		return domain.ProviderUnknown
	}
	root := gjson.ParseBytes(payload)
	switch {
	case root.Get("contents").Exists():
		return domain.ProviderGemini
	case root.Get("anthropic_version").Exists(), root.Get("max_tokens").Exists() && root.Get("system").Exists():
		return domain.ProviderAnthropic
	case root.Get("messages").IsArray(), root.Get("input").Exists() && root.Get("model").Exists():
		return domain.ProviderOpenAI
	}
	return domain.ProviderUnknown
}
