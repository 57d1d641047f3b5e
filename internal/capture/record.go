package capture

import (
	"net/http"
	"time"
)

// RecordKind tags a line of the capture log.
type RecordKind string

const (
	KindRequest    RecordKind = "request"
	KindChunk      RecordKind = "chunk"
	KindResponse   RecordKind = "response"
	KindSessionEnd RecordKind = "session_end"
)

// Record is one line of a capture append log. Which fields are set
// depends on Kind.
type Record struct {
	Kind              RecordKind `json:"kind"`
	SessionID         string     `json:"session_id"`
	InternalSessionID string     `json:"internal_session_id,omitempty"`
	RequestID         string     `json:"request_id,omitempty"`
	Time              time.Time  `json:"time"`
	PID               int        `json:"pid,omitempty"`

	// request
	Method  string      `json:"method,omitempty"`
	URL     string      `json:"url,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`

	// chunk
	Seq  int    `json:"seq,omitempty"`
	Data []byte `json:"data,omitempty"`

	// response
	StatusCode int       `json:"status_code,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
	Incomplete bool      `json:"incomplete,omitempty"`
	Error      string    `json:"error,omitempty"`

	// session_end
	Status string `json:"status,omitempty"`
}
