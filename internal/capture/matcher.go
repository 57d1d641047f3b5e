package capture

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultHosts are the model API hosts captured when no allow-list is
// configured.
var DefaultHosts = []string{
	"api.anthropic.com",
	"api.openai.com",
	"*.openai.azure.com",
	"generativelanguage.googleapis.com",
	"*-aiplatform.googleapis.com",
	"openrouter.ai",
	"localhost:11434",
}

// Matcher decides which hosts are captured. Patterns are doublestar globs
// matched against "host" and "host:port".
type Matcher struct {
	patterns []string
}

// NewMatcher builds a matcher, skipping invalid patterns.
func NewMatcher(patterns []string) *Matcher {
	if len(patterns) == 0 {
		patterns = DefaultHosts
	}
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && doublestar.ValidatePattern(p) {
			m.patterns = append(m.patterns, p)
		}
	}
	return m
}

// Match reports whether hostport is on the allow-list.
func (m *Matcher) Match(hostport string) bool {
	hostport = strings.ToLower(hostport)
	host := hostport
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && !strings.Contains(hostport[i:], "]") {
		host = hostport[:i]
	}
	for _, p := range m.patterns {
		if ok, _ := doublestar.Match(p, hostport); ok {
			return true
		}
		if host != hostport {
			if ok, _ := doublestar.Match(p, host); ok {
				return true
			}
		}
	}
	return false
}
