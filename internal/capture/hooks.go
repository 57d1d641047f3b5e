package capture

import (
	"net/http"
	"time"
)

// RequestEvent fires when a matched request is sent.
type RequestEvent struct {
	RequestID string
	Time      time.Time
	Method    string
	URL       string
	Headers   http.Header
	Body      []byte
}

// ChunkEvent carries a copy of bytes read from a response body, in
// receipt order.
type ChunkEvent struct {
	RequestID string
	Seq       int
	Time      time.Time
	Data      []byte
}

// ResponseEvent fires exactly once per request, when the body reaches
// EOF, is closed early, fails, or the round trip itself fails.
type ResponseEvent struct {
	RequestID  string
	URL        string
	StatusCode int
	Headers    http.Header
	StartedAt  time.Time
	EndedAt    time.Time
	Incomplete bool
	Err        error
}

// Hooks observe traffic. Implementations must be safe for concurrent use
// and must not block.
type Hooks interface {
	OnRequest(RequestEvent)
	OnResponseChunk(ChunkEvent)
	OnResponseComplete(ResponseEvent)
}
