package capture

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// Body encodings used in envelopes.
const (
	EncodingJSON   = "json"
	EncodingText   = "text"
	EncodingBase64 = "base64"
)

// Decode error markers.
const (
	DecodeMalformed = "malformed body"
	DecodeTruncated = "truncated body"
)

const redacted = "[redacted]"

var sensitiveHeaders = []string{"Authorization", "X-Api-Key", "Api-Key", "X-Goog-Api-Key", "Cookie", "Proxy-Authorization"}

// Envelope is one folded call: the request as sent and, once resolved,
// the fully reassembled response.
type Envelope struct {
	SessionID         string
	InternalSessionID string
	RequestID         string
	Timestamp         time.Time
	Method            string
	URL               string
	Headers           http.Header
	Request           []byte
	DecodeError       string
	Response          *RawResponse
}

// RawResponse is the reassembled response side of an envelope.
type RawResponse struct {
	StatusCode  int
	Headers     http.Header
	Body        []byte
	DurationMS  int64
	StartedAt   time.Time
	EndedAt     time.Time
	Incomplete  bool
	DecodeError string
	Error       string
}

// HasRequest reports whether the request side was observed.
func (e *Envelope) HasRequest() bool {
	return e.Method != "" || len(e.Request) > 0
}

// Terminal reports whether the call received a complete response.
func (e *Envelope) Terminal() bool {
	return e.Response != nil && !e.Response.Incomplete && e.Response.Error == ""
}

// End is when the call finished, or when it started if it never did.
func (e *Envelope) End() time.Time {
	if e.Response == nil {
		return e.Timestamp
	}
	if !e.Response.EndedAt.IsZero() {
		return e.Response.EndedAt
	}
	return e.Timestamp.Add(time.Duration(e.Response.DurationMS) * time.Millisecond)
}

type wireEnvelope struct {
	SessionID         string          `json:"session_id"`
	InternalSessionID string          `json:"internal_session_id,omitempty"`
	RequestID         string          `json:"request_id"`
	Timestamp         time.Time       `json:"timestamp"`
	Method            string          `json:"method,omitempty"`
	URL               string          `json:"url,omitempty"`
	Headers           http.Header     `json:"headers,omitempty"`
	RawRequest        json.RawMessage `json:"raw_request,omitempty"`
	RequestEncoding   string          `json:"request_encoding,omitempty"`
	DecodeError       string          `json:"decode_error,omitempty"`
	RawResponse       *wireResponse   `json:"raw_response,omitempty"`
}

type wireResponse struct {
	StatusCode   int             `json:"status_code"`
	Headers      http.Header     `json:"headers,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
	BodyEncoding string          `json:"body_encoding,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at"`
	Incomplete   bool            `json:"incomplete,omitempty"`
	DecodeError  string          `json:"decode_error,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// MarshalJSON writes the envelope with headers redacted and bodies
// embedded as raw JSON where possible.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		SessionID:         e.SessionID,
		InternalSessionID: e.InternalSessionID,
		RequestID:         e.RequestID,
		Timestamp:         e.Timestamp,
		Method:            e.Method,
		URL:               e.URL,
		Headers:           RedactHeaders(e.Headers),
		DecodeError:       e.DecodeError,
	}
	w.RawRequest, w.RequestEncoding = EncodeBody(e.Request)
	if r := e.Response; r != nil {
		w.RawResponse = &wireResponse{
			StatusCode:  r.StatusCode,
			Headers:     RedactHeaders(r.Headers),
			DurationMS:  r.DurationMS,
			StartedAt:   r.StartedAt,
			EndedAt:     r.EndedAt,
			Incomplete:  r.Incomplete,
			DecodeError: r.DecodeError,
			Error:       r.Error,
		}
		w.RawResponse.Body, w.RawResponse.BodyEncoding = EncodeBody(r.Body)
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads an envelope written by MarshalJSON or by an
// external tool producing the same shape.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	req, err := DecodeBody(w.RawRequest, w.RequestEncoding)
	if err != nil {
		return fmt.Errorf("decode raw_request: %w", err)
	}
	*e = Envelope{
		SessionID:         w.SessionID,
		InternalSessionID: w.InternalSessionID,
		RequestID:         w.RequestID,
		Timestamp:         w.Timestamp,
		Method:            w.Method,
		URL:               w.URL,
		Headers:           w.Headers,
		Request:           req,
		DecodeError:       w.DecodeError,
	}
	if r := w.RawResponse; r != nil {
		body, err := DecodeBody(r.Body, r.BodyEncoding)
		if err != nil {
			return fmt.Errorf("decode raw_response body: %w", err)
		}
		e.Response = &RawResponse{
			StatusCode:  r.StatusCode,
			Headers:     r.Headers,
			Body:        body,
			DurationMS:  r.DurationMS,
			StartedAt:   r.StartedAt,
			EndedAt:     r.EndedAt,
			Incomplete:  r.Incomplete,
			DecodeError: r.DecodeError,
			Error:       r.Error,
		}
	}
	return nil
}

// EncodeBody embeds valid JSON as-is and falls back to a JSON string for
// UTF-8 text and base64 for anything else.
func EncodeBody(b []byte) (json.RawMessage, string) {
	if len(b) == 0 {
		return nil, ""
	}
	trimmed := bytes.TrimSpace(b)
	if json.Valid(trimmed) && bytes.Equal(trimmed, b) {
		return json.RawMessage(b), EncodingJSON
	}
	if utf8.Valid(b) {
		s, _ := json.Marshal(string(b))
		return s, EncodingText
	}
	s, _ := json.Marshal(base64.StdEncoding.EncodeToString(b))
	return s, EncodingBase64
}

// DecodeBody reverses EncodeBody. An empty encoding is inferred from the
// value: strings are text, anything else is embedded JSON.
func DecodeBody(raw json.RawMessage, encoding string) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if encoding == "" {
		encoding = EncodingJSON
		if raw[0] == '"' {
			encoding = EncodingText
		}
	}
	switch encoding {
	case EncodingJSON:
		return []byte(raw), nil
	case EncodingText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	case EncodingBase64:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(s)
	}
	return nil, fmt.Errorf("unknown body encoding %q", encoding)
}

// Classify returns the decode error marker for a body, or "" when the body
// is JSON, an event stream, or newline-delimited JSON.
func Classify(body []byte, contentType string, incomplete bool) string {
	if len(bytes.TrimSpace(body)) == 0 {
		if incomplete {
			return DecodeTruncated
		}
		return ""
	}
	clean := json.Valid(body) ||
		strings.HasPrefix(contentType, "text/event-stream") ||
		looksLikeSSE(body) ||
		looksLikeNDJSON(body)
	switch {
	case clean:
		return ""
	case incomplete:
		return DecodeTruncated
	case strings.HasPrefix(contentType, "text/") && utf8.Valid(body):
		return ""
	default:
		return DecodeMalformed
	}
}

// Encoding reports how a body is stored.
func Encoding(b []byte) string {
	_, enc := EncodeBody(b)
	return enc
}

func looksLikeSSE(body []byte) bool {
	seen := false
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) && !bytes.HasPrefix(line, []byte("event:")) &&
			!bytes.HasPrefix(line, []byte("id:")) && !bytes.HasPrefix(line, []byte("retry:")) &&
			!bytes.HasPrefix(line, []byte(":")) {
			return false
		}
		seen = true
	}
	return seen
}

func looksLikeNDJSON(body []byte) bool {
	n := 0
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return false
		}
		n++
	}
	return n > 1
}

// RedactHeaders returns a copy of h with credential headers masked.
func RedactHeaders(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for _, name := range sensitiveHeaders {
		if _, ok := out[http.CanonicalHeaderKey(name)]; ok {
			out.Set(name, redacted)
		}
	}
	return out
}
